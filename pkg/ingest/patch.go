// Package ingest turns pull request file changes into ordered line operations.
package ingest

import (
	"errors"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// Sentinel errors for diff ingestion.
var (
	// ErrParse is returned for malformed unified diffs. Callers skip the file.
	ErrParse = errors.New("malformed diff")
	// ErrBinary marks a file whose content is binary. It is a skip signal, not a failure.
	ErrBinary = errors.New("binary file")
)

const (
	hunkPrefix      = "@@"
	noNewlineMarker = `\`
)

// Hunk is one parsed "@@" section of a unified diff.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []HunkLine
}

// HunkLine is a single body line of a hunk.
type HunkLine struct {
	Op      Op
	Content string
	// NoNewline is set when git annotated this line with "\ No newline at end of file".
	NoNewline bool
}

// Patch is a parsed unified diff for one file.
type Patch struct {
	Hunks  []Hunk
	Binary bool
}

// ParsePatch parses the unified diff of a single file: either GitHub's
// hunks-only patch field or a full git diff. Git extended headers (diff --git,
// index, ---/+++, rename and mode lines) are skipped; a binary marker among them
// yields a Patch with Binary set and no hunks.
func ParsePatch(text string) (*Patch, error) {
	patch := &Patch{}

	text = strings.ReplaceAll(text, "\r\n", "\n")

	body, binary := skipHeaders(text)
	if binary {
		patch.Binary = true

		return patch, nil
	}

	if body == "" {
		return patch, nil
	}

	// Bodies always end in a newline so a missing one means "\ No newline".
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}

	parsed, err := godiff.ParseHunks([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	for _, h := range parsed {
		hunk, err := convertHunk(h)
		if err != nil {
			return nil, err
		}

		patch.Hunks = append(patch.Hunks, hunk)
	}

	return patch, nil
}

// skipHeaders returns text from its first hunk header on and reports whether a
// binary marker appeared before it.
func skipHeaders(text string) (string, bool) {
	offset := 0

	for offset < len(text) {
		end := strings.IndexByte(text[offset:], '\n')
		if end < 0 {
			end = len(text) - offset
		}

		line := text[offset : offset+end]
		if strings.HasPrefix(line, hunkPrefix) {
			return text[offset:], false
		}

		if isBinaryMarker(line) {
			return "", true
		}

		offset += end + 1
	}

	return "", false
}

// convertHunk splits a hunk body into lines and checks them against the header
// counts, which the underlying parser does not enforce.
func convertHunk(h *godiff.Hunk) (Hunk, error) {
	hunk := Hunk{
		OldStart: int(h.OrigStartLine),
		OldCount: int(h.OrigLines),
		NewStart: int(h.NewStartLine),
		NewCount: int(h.NewLines),
	}

	body := string(h.Body)
	newSideNoNewline := body != "" && !strings.HasSuffix(body, "\n")
	oldSideNoNewline := int(h.OrigNoNewlineAt)

	oldSeen, newSeen, offset := 0, 0, 0

	for _, raw := range SplitLines(body) {
		offset += len(raw) + 1

		if strings.HasPrefix(raw, noNewlineMarker) {
			markNoNewline(&hunk)

			continue
		}

		line, err := parseBodyLine(raw, hunk.OldStart)
		if err != nil {
			return Hunk{}, err
		}

		switch line.Op {
		case OpContext:
			oldSeen++
			newSeen++
		case OpRemove:
			oldSeen++
		case OpAdd:
			newSeen++
		}

		if oldSeen > hunk.OldCount || newSeen > hunk.NewCount {
			return Hunk{}, fmt.Errorf("%w: hunk -%d +%d exceeds its header counts", ErrParse, hunk.OldStart, hunk.NewStart)
		}

		line.NoNewline = oldSideNoNewline > 0 && offset == oldSideNoNewline
		hunk.Lines = append(hunk.Lines, line)
	}

	if oldSeen != hunk.OldCount || newSeen != hunk.NewCount {
		return Hunk{}, fmt.Errorf("%w: truncated hunk at -%d +%d", ErrParse, hunk.OldStart, hunk.NewStart)
	}

	if newSideNoNewline {
		markNoNewline(&hunk)
	}

	return hunk, nil
}

func parseBodyLine(line string, oldStart int) (HunkLine, error) {
	if line == "" {
		// Some producers strip the leading space of empty context lines.
		return HunkLine{Op: OpContext}, nil
	}

	switch line[0] {
	case ' ':
		return HunkLine{Op: OpContext, Content: line[1:]}, nil
	case '+':
		return HunkLine{Op: OpAdd, Content: line[1:]}, nil
	case '-':
		return HunkLine{Op: OpRemove, Content: line[1:]}, nil
	default:
		return HunkLine{}, fmt.Errorf("%w: hunk at -%d: unexpected line %q", ErrParse, oldStart, line)
	}
}

func markNoNewline(hunk *Hunk) {
	if len(hunk.Lines) > 0 {
		hunk.Lines[len(hunk.Lines)-1].NoNewline = true
	}
}

func isBinaryMarker(line string) bool {
	return strings.HasPrefix(line, "GIT binary patch") ||
		(strings.HasPrefix(line, "Binary files") && strings.HasSuffix(line, "differ"))
}
