package contentindex

import (
	"context"
	"fmt"
	"hash/maphash"
	"sort"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
)

// Defaults for a new Index.
const (
	DefaultContextWindow = 1
	defaultExpectedLines = 1 << 16
	defaultFilterFPRate  = 0.01
	pathStripes          = 64
)

// Origin is one historical introduction of a line.
type Origin struct {
	CommitSHA   string    `json:"commitSha"`
	CommitTime  time.Time `json:"commitTime"`
	AuthorName  string    `json:"authorName,omitempty"`
	AuthorLogin string    `json:"authorLogin,omitempty"`
	PRNumber    int       `json:"prNumber"`
	PRURL       string    `json:"prUrl,omitempty"`
	Path        string    `json:"path"`
}

// Commit carries the metadata recorded for a commit of an introduction.
type Commit struct {
	SHA         string
	Time        time.Time
	AuthorName  string
	AuthorLogin string
}

// Introduction describes who introduced the ADD lines of one ingested file diff.
type Introduction struct {
	PRNumber int
	PRURL    string
	// Commits maps commit SHA to metadata. ADD ops whose commit is missing use Head.
	Commits map[string]Commit
	Head    Commit
}

// Ancestry answers whether commit is reachable from head.
type Ancestry interface {
	IsAncestor(ctx context.Context, commit, head string) (bool, error)
}

// Index is the content index of one repository. It is append-only: concurrent
// readers are allowed while writers are serialized.
type Index struct {
	repo   string
	window int

	mu        sync.RWMutex
	byContext map[Fingerprint][]Origin
	byContent map[Fingerprint][]Origin
	recorded  map[string]struct{}
	origins   int

	filter *presenceFilter

	// ancestry caches reachability from ancestryHead only. It is dropped when
	// a different head is queried, so it never outgrows the recorded commits.
	ancestryMu   sync.Mutex
	ancestryHead string
	ancestry     map[string]bool

	seed    maphash.Seed
	stripes [pathStripes]sync.Mutex
}

// Option configures an Index.
type Option func(*Index)

// WithContextWindow sets the number of neighbour lines hashed on each side.
func WithContextWindow(n int) Option {
	return func(ix *Index) {
		if n >= 0 {
			ix.window = n
		}
	}
}

// WithExpectedLines sizes the presence filter.
func WithExpectedLines(n uint) Option {
	return func(ix *Index) {
		ix.filter = newPresenceFilter(n, defaultFilterFPRate)
	}
}

// New creates an empty index for repo.
func New(repo string, opts ...Option) *Index {
	ix := &Index{
		repo:      repo,
		window:    DefaultContextWindow,
		byContext: make(map[Fingerprint][]Origin),
		byContent: make(map[Fingerprint][]Origin),
		recorded:  make(map[string]struct{}),
		ancestry:  make(map[string]bool),
		seed:      maphash.MakeSeed(),
	}

	for _, opt := range opts {
		opt(ix)
	}

	if ix.filter == nil {
		ix.filter = newPresenceFilter(defaultExpectedLines, defaultFilterFPRate)
	}

	return ix
}

// Repo returns the repository the index belongs to.
func (ix *Index) Repo() string {
	return ix.repo
}

// ContextWindow returns the configured neighbour count.
func (ix *Index) ContextWindow() int {
	return ix.window
}

// Len returns the number of recorded line introductions.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return ix.origins
}

// LockPath serializes lookups for one file path and returns the unlock function.
func (ix *Index) LockPath(path string) func() {
	stripe := &ix.stripes[maphash.String(ix.seed, path)%pathStripes]
	stripe.Lock()

	return stripe.Unlock
}

// Record indexes the ADD lines of diff. Recording the same (PR, head commit, path)
// twice is a no-op; the number of newly indexed lines is returned.
func (ix *Index) Record(intro Introduction, diff *ingest.FileDiff) int {
	if diff == nil || diff.Binary {
		return 0
	}

	key := fmt.Sprintf("%d\x00%s\x00%s", intro.PRNumber, diff.HeadCommitSHA, diff.Path)

	target := targetSide(diff.Ops)

	type entry struct {
		content Fingerprint
		context Fingerprint
		origin  Origin
	}

	entries := make([]entry, 0, diff.Additions)

	for pos, line := range target {
		if line.op.Op != ingest.OpAdd {
			continue
		}

		commit, ok := intro.Commits[line.op.CommitSHA]
		if !ok {
			commit = intro.Head
			if line.op.CommitSHA != "" {
				commit.SHA = line.op.CommitSHA
			}
		}

		before, after := neighbours(target, pos, ix.window)

		entries = append(entries, entry{
			content: ContentFingerprint(line.op.Content),
			context: ContextFingerprint(before, line.op.Content, after),
			origin: Origin{
				CommitSHA:   commit.SHA,
				CommitTime:  commit.Time,
				AuthorName:  commit.AuthorName,
				AuthorLogin: commit.AuthorLogin,
				PRNumber:    intro.PRNumber,
				PRURL:       intro.PRURL,
				Path:        diff.Path,
			},
		})
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, done := ix.recorded[key]; done {
		return 0
	}

	ix.recorded[key] = struct{}{}

	for _, e := range entries {
		ix.byContent[e.content] = insertByTime(ix.byContent[e.content], e.origin)
		ix.byContext[e.context] = insertByTime(ix.byContext[e.context], e.origin)
		ix.filter.add(e.content)
		ix.origins++
	}

	return len(entries)
}

// targetLine is an op that exists on the head side of a diff.
type targetLine struct {
	op     ingest.LineOp
	target int
}

func targetSide(ops []ingest.LineOp) []targetLine {
	lines := make([]targetLine, 0, len(ops))

	for _, op := range ops {
		if op.Op == ingest.OpRemove || op.TargetLineNo == nil {
			continue
		}

		lines = append(lines, targetLine{op: op, target: *op.TargetLineNo})
	}

	return lines
}

// neighbours collects context around target[pos], only across adjacent head lines.
func neighbours(target []targetLine, pos, size int) (before, after []string) {
	before = make([]string, size)
	after = make([]string, size)

	for i := 1; i <= size; i++ {
		if p := pos - i; p >= 0 && target[p].target == target[pos].target-i {
			before[size-i] = target[p].op.Content
		}

		if p := pos + i; p < len(target) && target[p].target == target[pos].target+i {
			after[i-1] = target[p].op.Content
		}
	}

	return before, after
}

func insertByTime(origins []Origin, origin Origin) []Origin {
	for _, existing := range origins {
		if existing.CommitSHA == origin.CommitSHA && existing.PRNumber == origin.PRNumber && existing.Path == origin.Path {
			return origins
		}
	}

	idx := sort.Search(len(origins), func(i int) bool {
		return origins[i].CommitTime.After(origin.CommitTime)
	})

	origins = append(origins, Origin{})
	copy(origins[idx+1:], origins[idx:])
	origins[idx] = origin

	return origins
}

// Candidates returns the recorded introductions for a line seen with the given
// context, ordered by commit time. Contextual matches win over content-only ones.
func (ix *Index) Candidates(before []string, line string, after []string) []Origin {
	content := ContentFingerprint(line)
	if !ix.filter.mayContain(content) {
		return nil
	}

	contextual := ContextFingerprint(before, line, after)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	origins := ix.byContext[contextual]
	if len(origins) == 0 {
		origins = ix.byContent[content]
	}

	if len(origins) == 0 {
		return nil
	}

	out := make([]Origin, len(origins))
	copy(out, origins)

	return out
}

// Resolve attributes a current-file line. It prefers the most recent introduction
// reachable from head; equal recency or no reachable candidate falls back to the
// earliest PR number. Resolution never fails: ancestry errors count as unreachable.
func (ix *Index) Resolve(ctx context.Context, anc Ancestry, head string, before []string, line string, after []string) (Origin, bool) {
	candidates := ix.Candidates(before, line, after)
	if len(candidates) == 0 {
		return Origin{}, false
	}

	reachable := candidates
	if anc != nil && head != "" {
		reachable = reachable[:0:0]

		for _, candidate := range candidates {
			if ix.isAncestor(ctx, anc, candidate.CommitSHA, head) {
				reachable = append(reachable, candidate)
			}
		}
	}

	if len(reachable) == 0 {
		return earliestPR(candidates), true
	}

	latest := reachable[len(reachable)-1].CommitTime

	var newest []Origin

	for _, candidate := range reachable {
		if candidate.CommitTime.Equal(latest) {
			newest = append(newest, candidate)
		}
	}

	return earliestPR(newest), true
}

func earliestPR(origins []Origin) Origin {
	best := origins[0]

	for _, o := range origins[1:] {
		if o.PRNumber < best.PRNumber || (o.PRNumber == best.PRNumber && o.CommitSHA < best.CommitSHA) {
			best = o
		}
	}

	return best
}

func (ix *Index) isAncestor(ctx context.Context, anc Ancestry, commit, head string) bool {
	ix.ancestryMu.Lock()
	if ix.ancestryHead != head {
		ix.ancestryHead = head
		clear(ix.ancestry)
	}

	cached, ok := ix.ancestry[commit]
	ix.ancestryMu.Unlock()

	if ok {
		return cached
	}

	reachable, err := anc.IsAncestor(ctx, commit, head)
	if err != nil {
		return false
	}

	ix.ancestryMu.Lock()
	if ix.ancestryHead == head {
		ix.ancestry[commit] = reachable
	}
	ix.ancestryMu.Unlock()

	return reachable
}
