package importer

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeOriginalName recovers filenames mangled by clients that decode
// UTF-8 bytes as Latin-1 before sending them. Such names survive the trip
// as mojibake: every byte of the original UTF-8 sequence became one
// Latin-1 code point. Re-encoding the runes back to Latin-1 bytes restores
// the original sequence.
//
// The recovery is attempted only when the name contains non-ASCII runes,
// and adopted only when the re-encoded bytes form valid UTF-8. Anything
// else is returned unchanged.
func DecodeOriginalName(name string) string {
	if isASCII(name) {
		return name
	}

	encoded, err := charmap.ISO8859_1.NewEncoder().String(name)
	if err != nil {
		// A rune outside Latin-1 means the name was never mojibake.
		return name
	}
	if !utf8.ValidString(encoded) {
		return name
	}
	return encoded
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
