//go:build property
// +build property

package property

import (
	"fmt"
	"strings"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
)

// genMACBytes generates six random address bytes
func genMACBytes() gopter.Gen {
	return gen.SliceOfN(6, gen.UInt8())
}

// formatMAC renders b in one of the accepted notations
func formatMAC(b []uint8, style int) string {
	hex := make([]string, 6)
	for i, v := range b {
		hex[i] = fmt.Sprintf("%02x", v)
	}
	switch style % 5 {
	case 0:
		return strings.Join(hex, ":")
	case 1:
		return strings.ToUpper(strings.Join(hex, "-"))
	case 2:
		joined := strings.Join(hex, "")
		return joined[0:4] + "." + joined[4:8] + "." + joined[8:12]
	case 3:
		return strings.Join(hex, "")
	default:
		return strings.ToUpper(strings.Join(hex, ":"))
	}
}

// genMAC generates a MAC string in a random notation
func genMAC() gopter.Gen {
	return gopter.CombineGens(genMACBytes(), gen.IntRange(0, 4)).Map(func(v []interface{}) string {
		return formatMAC(v[0].([]uint8), v[1].(int))
	})
}

// genIP generates a valid IPv4 address string or ""
func genIP() gopter.Gen {
	return gen.OneGenOf(
		gen.Const(""),
		gen.SliceOfN(4, gen.UInt8()).Map(func(b []uint8) string {
			return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
		}),
	)
}

// genHost generates a short hostname or ""
func genHost() gopter.Gen {
	return gen.OneGenOf(gen.Const(""), gen.Identifier())
}

// sighting is one upsert input
type sighting struct {
	IP   string
	Host string
}

func genSightings() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(genIP(), genHost()).Map(func(v []interface{}) sighting {
		return sighting{IP: v[0].(string), Host: v[1].(string)}
	}))
}
