// Package oui resolves manufacturer names from a local copy of the IEEE OUI
// registry (oui.txt). It backs the offline manufacturer provider used when the
// remote lookup services are unreachable or disabled.
//
// OUI is the first 24 bits (3 bytes) of a MAC address that identifies the manufacturer.
package oui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entry is a single registry record.
type Entry struct {
	Prefix       string // "001A2B"
	ShortName    string // name from the (hex) line
	LongName     string // name from the (base 16) line
	AddressLines []string
}

// Database is an immutable prefix → Entry index.
type Database struct {
	entries map[string]*Entry
}

// LoadFile parses the registry at path.
func LoadFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open OUI database: %w", err)
	}
	defer f.Close()

	db, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OUI database %s: %w", path, err)
	}
	return db, nil
}

// Parse reads the IEEE OUI text format:
//
//	B8-7C-F2   (hex)		Extreme Networks Headquarters
//	B87CF2     (base 16)	Extreme Networks Headquarters
//					2121 RDU Center Drive
func Parse(r io.Reader) (*Database, error) {
	entries := make(map[string]*Entry)
	scanner := bufio.NewScanner(r)

	var current *Entry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if prefix, name, ok := strings.Cut(line, "(hex)"); ok {
			key := Key(prefix)
			current = nil
			if len(key) != 6 {
				continue
			}
			name = strings.TrimSpace(name)
			current = &Entry{Prefix: key, ShortName: name, LongName: name}
			entries[key] = current
			continue
		}

		if _, name, ok := strings.Cut(line, "(base 16)"); ok {
			if current != nil {
				if name = strings.TrimSpace(name); name != "" {
					current.LongName = name
				}
			}
			continue
		}

		// Skip the two-letter country code that ends each block.
		if current != nil && len(line) > 2 {
			current.AddressLines = append(current.AddressLines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading OUI database: %w", err)
	}
	return &Database{entries: entries}, nil
}

// Key reduces any MAC or prefix spelling to six upper-case hex digits.
// "00:1a:2b:3c:4d:5e", "00-1A-2B" and "001A2B" all yield "001A2B".
func Key(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", ".", "", " ", "")
	k := strings.ToUpper(r.Replace(strings.TrimSpace(mac)))
	if len(k) > 6 {
		return k[:6]
	}
	return k
}

// Lookup returns the organisation name registered for mac's prefix.
func (d *Database) Lookup(mac string) (string, bool) {
	e, ok := d.entries[Key(mac)]
	if !ok {
		return "", false
	}
	return e.LongName, true
}

// Entry returns the full record for mac's prefix.
func (d *Database) Entry(mac string) (*Entry, bool) {
	e, ok := d.entries[Key(mac)]
	return e, ok
}

// Len is the number of registered prefixes.
func (d *Database) Len() int {
	return len(d.entries)
}
