// Package contentindex maps normalized line content to the commits and pull requests
// that introduced it, one index per repository.
package contentindex

import (
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a whitespace-insensitive hash of a line, optionally with context.
type Fingerprint uint64

// separator keeps window members from running into each other.
const separator = "\x00"

// stripSpace removes every whitespace rune.
func stripSpace(line string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}

		return r
	}, line)
}

// ContentFingerprint hashes a single line ignoring all whitespace.
func ContentFingerprint(line string) Fingerprint {
	return Fingerprint(xxhash.Sum64String(stripSpace(line)))
}

// ContextFingerprint hashes a line together with its neighbours. before is ordered
// nearest-last and after nearest-first; missing neighbours are empty strings.
func ContextFingerprint(before []string, line string, after []string) Fingerprint {
	var sb strings.Builder

	for _, b := range before {
		sb.WriteString(stripSpace(b))
		sb.WriteString(separator)
	}

	sb.WriteString("|")
	sb.WriteString(stripSpace(line))
	sb.WriteString("|")

	for _, a := range after {
		sb.WriteString(separator)
		sb.WriteString(stripSpace(a))
	}

	return Fingerprint(xxhash.Sum64String(sb.String()))
}

// Window extracts up to size neighbours on each side of lines[idx] (0-based),
// padding with empty strings at the file edges.
func Window(lines []string, idx, size int) (before, after []string) {
	before = make([]string, size)
	after = make([]string, size)

	for i := range size {
		if pos := idx - size + i; pos >= 0 && pos < len(lines) {
			before[i] = lines[pos]
		}

		if pos := idx + 1 + i; pos < len(lines) {
			after[i] = lines[pos]
		}
	}

	return before, after
}
