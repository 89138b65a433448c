package ingest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

// Op is the kind of a line operation.
type Op string

// Line operation kinds.
const (
	OpAdd     Op = "ADD"
	OpRemove  Op = "REMOVE"
	OpContext Op = "CONTEXT"
)

// DefaultTruncateThreshold is the number of changed lines after which a file's
// operations are cut off and the diff is marked truncated.
const DefaultTruncateThreshold = 5000

// binarySniffLength is the number of bytes scanned for NUL when sniffing content.
const binarySniffLength = 8000

// LineOp is one ordered operation of a file diff.
type LineOp struct {
	Op           Op     `json:"op"`
	Content      string `json:"content"`
	CommitSHA    string `json:"commitSha"`
	SourceLineNo *int   `json:"sourceLineNo"`
	TargetLineNo *int   `json:"targetLineNo"`
}

// FileInput is what the ingestion boundary delivers for one file of a pull request.
// Patch may be empty when the producer only has blobs. BaseContent/HeadContent are
// nil when the blob does not exist on that side.
type FileInput struct {
	Path          string
	PreviousPath  string
	Status        domain.FileStatus
	Patch         string
	BaseContent   []byte
	HeadContent   []byte
	Binary        bool
	HeadCommitSHA string
	// Changes is the changed-line count the producer reported with Patch. GitHub
	// reports it even when it withholds the patch of a large file.
	Changes       int
}

// FileDiff is the ingested form of one file change.
type FileDiff struct {
	Path           string            `json:"path"`
	PreviousPath   string            `json:"previousPath,omitempty"`
	Status         domain.FileStatus `json:"status"`
	Ops            []LineOp          `json:"ops"`
	Additions      int               `json:"additions"`
	Deletions      int               `json:"deletions"`
	Binary         bool              `json:"binary,omitempty"`
	Truncated      bool              `json:"truncated,omitempty"`
	NoNewlineAtEOF bool              `json:"noNewlineAtEof,omitempty"`
	HeadCommitSHA  string            `json:"headCommitSha"`
	// ParseError holds why the patch could not be parsed. Such a diff has no ops.
	ParseError     string            `json:"parseError,omitempty"`
}

// Added returns the ADD operations in order.
func (d *FileDiff) Added() []LineOp {
	added := make([]LineOp, 0, d.Additions)

	for _, op := range d.Ops {
		if op.Op == OpAdd {
			added = append(added, op)
		}
	}

	return added
}

// Digest returns a stable fingerprint of the diff. Any change to the ops,
// their commit attribution or the file status changes the digest.
func (d *FileDiff) Digest() string {
	hasher := xxhash.New()

	writeField := func(s string) {
		_, _ = hasher.WriteString(s)
		_, _ = hasher.Write([]byte{0})
	}

	writeField(d.Path)
	writeField(string(d.Status))
	writeField(strconv.FormatBool(d.Truncated))
	writeField(d.ParseError)

	for _, op := range d.Ops {
		writeField(string(op.Op))
		writeField(op.CommitSHA)
		writeField(op.Content)
	}

	return strconv.FormatUint(hasher.Sum64(), 16)
}

// Ingestor converts file changes to line operations.
type Ingestor struct {
	truncateThreshold int
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithTruncateThreshold sets the changed-line limit. Non-positive values keep the default.
func WithTruncateThreshold(n int) Option {
	return func(in *Ingestor) {
		if n > 0 {
			in.truncateThreshold = n
		}
	}
}

// New creates an Ingestor.
func New(opts ...Option) *Ingestor {
	in := &Ingestor{truncateThreshold: DefaultTruncateThreshold}

	for _, opt := range opts {
		opt(in)
	}

	return in
}

// Ingest parses one file change. Binary files return a FileDiff with Binary set and
// no ops together with ErrBinary. Malformed patches return a FileDiff with ParseError
// set and no ops together with an error wrapping ErrParse.
func (in *Ingestor) Ingest(input FileInput) (*FileDiff, error) {
	diff := &FileDiff{
		Path:          input.Path,
		PreviousPath:  input.PreviousPath,
		Status:        input.Status,
		HeadCommitSHA: input.HeadCommitSHA,
	}

	if diff.Status == "" {
		diff.Status = inferStatus(input)
	}

	if input.Binary || looksBinary(input.BaseContent) || looksBinary(input.HeadContent) {
		diff.Binary = true

		return diff, ErrBinary
	}

	if input.Patch != "" {
		patch, err := ParsePatch(input.Patch)
		if err != nil {
			diff.ParseError = err.Error()

			return diff, fmt.Errorf("ingest %s: %w", input.Path, err)
		}

		if patch.Binary {
			diff.Binary = true

			return diff, ErrBinary
		}

		in.fromHunks(diff, patch.Hunks)

		return diff, nil
	}

	if diff.Status == domain.FileRenamed && bytes.Equal(input.BaseContent, input.HeadContent) {
		return diff, nil
	}

	in.fromBlobs(diff, input.BaseContent, input.HeadContent)

	return diff, nil
}

func inferStatus(input FileInput) domain.FileStatus {
	switch {
	case input.PreviousPath != "" && input.PreviousPath != input.Path:
		return domain.FileRenamed
	case input.BaseContent == nil && input.HeadContent != nil:
		return domain.FileAdded
	case input.BaseContent != nil && input.HeadContent == nil:
		return domain.FileRemoved
	default:
		return domain.FileModified
	}
}

func looksBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	sniff := data
	if len(sniff) > binarySniffLength {
		sniff = sniff[:binarySniffLength]
	}

	if bytes.IndexByte(sniff, 0) >= 0 {
		return true
	}

	return enry.IsBinary(sniff)
}

// emitter appends ops while enforcing the truncation threshold.
type emitter struct {
	diff      *FileDiff
	threshold int
	changed   int
}

func (e *emitter) emit(op Op, content string, source, target int) {
	switch op {
	case OpAdd:
		e.diff.Additions++
	case OpRemove:
		e.diff.Deletions++
	case OpContext:
	}

	if op != OpContext {
		e.changed++
	}

	if e.changed > e.threshold {
		e.diff.Truncated = true

		return
	}

	lineOp := LineOp{Op: op, Content: content, CommitSHA: e.diff.HeadCommitSHA}

	if source > 0 {
		lineOp.SourceLineNo = domain.IntPtr(source)
	}

	if target > 0 {
		lineOp.TargetLineNo = domain.IntPtr(target)
	}

	e.diff.Ops = append(e.diff.Ops, lineOp)
}

func (in *Ingestor) fromHunks(diff *FileDiff, hunks []Hunk) {
	out := &emitter{diff: diff, threshold: in.truncateThreshold}

	for _, hunk := range hunks {
		source, target := hunk.OldStart, hunk.NewStart

		for _, line := range hunk.Lines {
			switch line.Op {
			case OpContext:
				out.emit(OpContext, line.Content, source, target)
				source++
				target++
			case OpRemove:
				out.emit(OpRemove, line.Content, source, 0)
				source++
			case OpAdd:
				out.emit(OpAdd, line.Content, 0, target)
				target++
			}

			if line.NoNewline && line.Op != OpRemove {
				diff.NoNewlineAtEOF = true
			}
		}
	}
}

func (in *Ingestor) fromBlobs(diff *FileDiff, base, head []byte) {
	out := &emitter{diff: diff, threshold: in.truncateThreshold}

	dmp := diffmatchpatch.New()
	src, dst, lineArray := dmp.DiffLinesToRunes(string(base), string(head))
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(src, dst, false), lineArray)

	source, target := 1, 1

	for _, chunk := range diffs {
		for _, line := range SplitLines(chunk.Text) {
			switch chunk.Type {
			case diffmatchpatch.DiffEqual:
				source++
				target++
			case diffmatchpatch.DiffDelete:
				out.emit(OpRemove, line, source, 0)
				source++
			case diffmatchpatch.DiffInsert:
				out.emit(OpAdd, line, 0, target)
				target++
			}
		}
	}

	if len(head) > 0 && head[len(head)-1] != '\n' {
		diff.NoNewlineAtEOF = true
	}
}

// SplitLines splits text into lines without their terminators. A missing final
// newline does not produce an extra empty line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}

	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")

	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}

	return lines
}

// Normalize returns the comparison form of a line: trailing whitespace is ignored.
func Normalize(line string) string {
	return strings.TrimRight(line, " \t\r\f\v")
}
