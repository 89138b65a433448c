// Package matcher classifies the lines a pull request added to a file as surviving or
// deleted against the file's current content, and attributes every current line.
package matcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
)

// cancelCheckInterval is how many lines are processed between context checks.
const cancelCheckInterval = 256

// Author identifies who wrote a commit.
type Author struct {
	FullName string
	Login    string
}

// PRContext carries the pull request metadata used for URLs and authorship.
type PRContext struct {
	Number  int
	URL     string
	RepoURL string
	// Authors maps commit SHA to author. Commits not listed use Default.
	Authors map[string]Author
	Default Author
}

func (p PRContext) author(sha string) Author {
	if a, ok := p.Authors[sha]; ok {
		return a
	}

	return p.Default
}

func (p PRContext) commitURL(sha string) string {
	if p.RepoURL == "" || sha == "" {
		return ""
	}

	return p.RepoURL + "/commit/" + sha
}

func (p PRContext) fileURL(path string, line *int) string {
	if p.URL == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(path))
	anchor := p.URL + "/files#diff-" + hex.EncodeToString(sum[:])

	if line != nil {
		anchor += "R" + strconv.Itoa(*line)
	}

	return anchor
}

// Input is one file of one pull request to analyse.
type Input struct {
	Diff *ingest.FileDiff
	// Current is the file content at Head. Nil means the file does not exist at Head.
	Current []byte
	Head    string
	PR      PRContext
}

// Matcher runs line survival analysis. It is safe for concurrent use.
type Matcher struct {
	index    *contentindex.Index
	ancestry contentindex.Ancestry
	logger   *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithIndex enables attribution of lines the analysed PR did not add.
func WithIndex(ix *contentindex.Index) Option {
	return func(m *Matcher) {
		m.index = ix
	}
}

// WithAncestry sets the reachability oracle for index tie-breaks.
func WithAncestry(a contentindex.Ancestry) Option {
	return func(m *Matcher) {
		m.ancestry = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{logger: slog.Default()}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Match computes the survival detail of one file. The result depends only on the
// input and the index contents, so equal inputs yield identical details. It returns
// an error only when ctx is cancelled.
func (m *Matcher) Match(ctx context.Context, in Input) (domain.PRFileDetail, error) {
	diff := in.Diff

	detail := domain.PRFileDetail{
		Path:         diff.Path,
		PreviousPath: diff.PreviousPath,
		Status:       diff.Status,
		Additions:    diff.Additions,
		Deletions:    diff.Deletions,
		Truncated:    diff.Truncated,
		Lines:        []domain.LineDetail{},
	}

	if diff.Binary {
		detail.Binary = true
		detail.Additions = 0
		detail.Deletions = 0

		return detail, nil
	}

	var current []string
	if in.Current != nil {
		current = ingest.SplitLines(string(in.Current))
	}

	detail.CurrentLines = len(current)

	// A rename without content delta has nothing to classify.
	if len(diff.Ops) == 0 && !diff.Truncated {
		return detail, nil
	}

	occurrences := make(map[string][]int, len(current))
	for i, line := range current {
		key := ingest.Normalize(line)
		occurrences[key] = append(occurrences[key], i+1)
	}

	claims := make([][]ingest.LineOp, len(current)+1)
	deletedAfter := make([][]ingest.LineOp, len(current)+1)
	taken := make([]bool, len(current)+1)
	prContent := make(map[string]ingest.LineOp)
	anchor := 0

	for i, op := range diff.Ops {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return domain.PRFileDetail{}, fmt.Errorf("match %s: %w", diff.Path, err)
			}
		}

		key := ingest.Normalize(op.Content)

		switch op.Op {
		case ingest.OpContext:
			if pos := closest(occurrences[key], target(op), taken); pos != 0 {
				anchor = pos
			}

			continue
		case ingest.OpRemove:
			continue
		case ingest.OpAdd:
		}

		pos := closest(occurrences[key], target(op), taken)
		if pos == 0 {
			deletedAfter[anchor] = append(deletedAfter[anchor], op)

			continue
		}

		taken[pos] = true
		claims[pos] = append(claims[pos], op)
		detail.SurvivingLines++
		anchor = pos

		if _, seen := prContent[key]; !seen {
			prContent[key] = op
		}
	}

	if detail.SurvivingLines > detail.Additions {
		detail.SurvivingLines = detail.Additions
	}

	detail.SurvivalRate = domain.SurvivalRate(detail.SurvivingLines, detail.Additions)

	lines, err := m.render(ctx, in, current, claims, deletedAfter, prContent)
	if err != nil {
		return domain.PRFileDetail{}, err
	}

	detail.Lines = lines

	m.logger.DebugContext(ctx, "matched file",
		"path", diff.Path, "additions", detail.Additions,
		"surviving", detail.SurvivingLines, "current_lines", detail.CurrentLines)

	return detail, nil
}

func (m *Matcher) render(
	ctx context.Context,
	in Input,
	current []string,
	claims [][]ingest.LineOp,
	deletedAfter [][]ingest.LineOp,
	prContent map[string]ingest.LineOp,
) ([]domain.LineDetail, error) {
	out := make([]domain.LineDetail, 0, len(current)+len(deletedAfter[0]))
	out = m.appendDeleted(out, in, deletedAfter[0])

	if m.index != nil && len(current) > 0 {
		unlock := m.index.LockPath(in.Diff.Path)
		defer unlock()
	}

	for i, content := range current {
		pos := i + 1

		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("match %s: %w", in.Diff.Path, err)
			}
		}

		if len(claims[pos]) > 0 {
			for _, op := range claims[pos] {
				out = append(out, m.prLine(in, op, content, domain.IntPtr(pos)))
			}
		} else if op, ok := prContent[ingest.Normalize(content)]; ok {
			// Copy of a surviving PR line: it survives here too.
			out = append(out, m.prLine(in, op, content, domain.IntPtr(pos)))
		} else {
			out = append(out, m.attribute(ctx, in, current, i))
		}

		out = m.appendDeleted(out, in, deletedAfter[pos])
	}

	return out, nil
}

func (m *Matcher) appendDeleted(out []domain.LineDetail, in Input, ops []ingest.LineOp) []domain.LineDetail {
	for _, op := range ops {
		detail := m.prLine(in, op, op.Content, nil)
		detail.Status = domain.LineDeleted
		out = append(out, detail)
	}

	return out
}

func (m *Matcher) prLine(in Input, op ingest.LineOp, content string, lineNumber *int) domain.LineDetail {
	author := in.PR.author(op.CommitSHA)

	return domain.LineDetail{
		Content:              content,
		LineNumber:           lineNumber,
		Status:               domain.LineSurviving,
		AuthorFullName:       author.FullName,
		AuthorGithubUsername: author.Login,
		CommitSHA:            op.CommitSHA,
		CommitURL:            in.PR.commitURL(op.CommitSHA),
		OriginPRNumber:       in.PR.Number,
		OriginPRURL:          in.PR.URL,
		PRFileURL:            in.PR.fileURL(in.Diff.Path, op.TargetLineNo),
	}
}

// attribute resolves a current line the analysed PR did not add. Lines without a
// known origin are baseline and carry only content and position.
func (m *Matcher) attribute(ctx context.Context, in Input, current []string, idx int) domain.LineDetail {
	detail := domain.LineDetail{
		Content:    current[idx],
		LineNumber: domain.IntPtr(idx + 1),
	}

	if m.index == nil {
		return detail
	}

	before, after := contentindex.Window(current, idx, m.index.ContextWindow())

	origin, ok := m.index.Resolve(ctx, m.ancestry, in.Head, before, current[idx], after)
	if !ok {
		return detail
	}

	detail.AuthorFullName = origin.AuthorName
	detail.AuthorGithubUsername = origin.AuthorLogin
	detail.CommitSHA = origin.CommitSHA
	detail.CommitURL = in.PR.commitURL(origin.CommitSHA)
	detail.OriginPRNumber = origin.PRNumber
	detail.OriginPRURL = origin.PRURL

	return detail
}

func target(op ingest.LineOp) int {
	if op.TargetLineNo == nil {
		return 0
	}

	return *op.TargetLineNo
}

// closest picks the unclaimed position nearest to want, or the nearest claimed one
// when every occurrence is taken. Ties go to the lower position. Zero means none.
func closest(positions []int, want int, taken []bool) int {
	best, bestFree := 0, 0
	bestDist, bestFreeDist := -1, -1

	for _, pos := range positions {
		dist := pos - want
		if dist < 0 {
			dist = -dist
		}

		if bestDist < 0 || dist < bestDist {
			best, bestDist = pos, dist
		}

		if !taken[pos] && (bestFreeDist < 0 || dist < bestFreeDist) {
			bestFree, bestFreeDist = pos, dist
		}
	}

	if bestFree != 0 {
		return bestFree
	}

	return best
}
