package device

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"unicode/utf8"
)

// Action is the DHCP transition reported by the router.
type Action string

const (
	ActionAssigned Action = "assigned"
	ActionReleased Action = "released"
	ActionUnknown  Action = "unknown"
)

// ParseAction maps any unrecognised action to ActionUnknown.
func ParseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAssigned:
		return ActionAssigned
	case ActionReleased:
		return ActionReleased
	default:
		return ActionUnknown
	}
}

// Event is a single presence report. It is never persisted.
type Event struct {
	Action Action `json:"action"`
	MAC    string `json:"mac"`
	IP     string `json:"ip"`
	Host   string `json:"host,omitempty"`
}

// Normalize validates e and returns a copy with canonical MAC, trimmed host and
// a parsed action. Errors wrap ErrInvalidEvent.
func (e Event) Normalize() (Event, error) {
	mac, err := NormalizeMAC(e.MAC)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	ip := strings.TrimSpace(e.IP)
	if ip != "" {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return Event{}, fmt.Errorf("%w: invalid IP address %q", ErrInvalidEvent, e.IP)
		}
		ip = addr.String()
	}

	host := truncateName(strings.TrimSpace(e.Host))

	return Event{
		Action: ParseAction(string(e.Action)),
		MAC:    mac,
		IP:     ip,
		Host:   host,
	}, nil
}

// NormalizeMAC converts colon, dash, dot or bare-hex 48-bit addresses to the
// canonical lower-case colon form ("00:11:22:33:44:55").
func NormalizeMAC(mac string) (string, error) {
	s := strings.TrimSpace(mac)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMAC)
	}

	if len(s) == 12 && !strings.ContainsAny(s, ":-.") {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		s = b.String()
	}

	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return hw.String(), nil
}

// Prefix returns the OUI portion ("00:11:22") of a canonical MAC.
func Prefix(mac string) string {
	if len(mac) < 8 {
		return mac
	}
	return mac[:8]
}

// NormalizeName trims a user label; blank input clears it.
func NormalizeName(name *string) (*string, error) {
	if name == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*name)
	if len(trimmed) > MaxNameLength {
		return nil, ErrNameTooLong
	}
	return &trimmed, nil
}

// truncateName cuts s to at most MaxNameLength bytes without splitting a rune.
func truncateName(s string) string {
	if len(s) <= MaxNameLength {
		return s
	}
	cut := MaxNameLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
