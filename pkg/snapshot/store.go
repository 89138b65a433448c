package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

// DefaultHotEntries is the default size of the in-process LRU tier.
const DefaultHotEntries = 4096

// ComputeFunc produces the matcher result for a request. It must honour ctx.
type ComputeFunc func(ctx context.Context) (domain.PRFileDetail, error)

// Stats holds store counters.
type Stats struct {
	HotHits     int64
	HotMisses   int64
	BackendHits int64
	Aliases     int64
	Recomputes  int64
	Shared      int64
	Cancelled   int64
	HotEntries  int
}

// Store is the snapshot store of one repository.
type Store struct {
	repo    string
	backend Backend
	hot     *hotTier
	group   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	flights   map[int64]map[uint64]context.CancelFunc
	nextID    uint64
	cancelGen map[int64]uint64

	backendHits atomic.Int64
	aliases     atomic.Int64
	recomputes  atomic.Int64
	shared      atomic.Int64
	cancelled   atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithBackend sets the durable backend. The default keeps entries in memory.
func WithBackend(b Backend) Option {
	return func(s *Store) {
		if b != nil {
			s.backend = b
		}
	}
}

// WithHotEntries bounds the in-process LRU tier.
func WithHotEntries(n int) Option {
	return func(s *Store) {
		s.hot = newHotTier(n)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates the snapshot store for repo.
func New(repo string, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		backend:   NewMemoryBackend(),
		hot:       newHotTier(DefaultHotEntries),
		logger:    slog.Default(),
		now:       time.Now,
		flights:   make(map[int64]map[uint64]context.CancelFunc),
		cancelGen: make(map[int64]uint64),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Repo returns the repository the store belongs to.
func (s *Store) Repo() string {
	return s.repo
}

// Get returns the snapshot for req. Missing entries are aliased from an equivalent
// earlier HEAD when possible, otherwise computed once no matter how many callers
// wait for the same entry. A failed or cancelled computation stores nothing.
func (s *Store) Get(ctx context.Context, req Request, compute ComputeFunc) (*Entry, Outcome, error) {
	entry, err := s.lookup(ctx, req.Ref())
	if err != nil {
		return nil, "", err
	}

	if entry != nil {
		return entry, OutcomeHit, nil
	}

	entry, err = s.alias(ctx, req)
	if err != nil {
		return nil, "", err
	}

	if entry != nil {
		return entry, OutcomeAlias, nil
	}

	ch := s.group.DoChan(flightKey(req.Ref()), func() (any, error) {
		return s.recompute(ctx, req, compute)
	})

	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("await snapshot: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}

		outcome := OutcomeRecompute
		if res.Shared {
			s.shared.Add(1)

			outcome = OutcomeShared
		}

		entry, ok := res.Val.(*Entry)
		if !ok {
			return nil, "", fmt.Errorf("snapshot flight returned %T", res.Val)
		}

		return entry, outcome, nil
	}
}

// Fresh reports whether req can be served without recomputation: an entry for the
// exact key and diff exists, or one can be aliased from an earlier HEAD.
func (s *Store) Fresh(ctx context.Context, req Request) (bool, error) {
	entry, err := s.lookup(ctx, req.Ref())
	if err != nil {
		return false, err
	}

	if entry != nil {
		return true, nil
	}

	source, err := s.aliasSource(ctx, req)
	if err != nil {
		return false, err
	}

	return source != nil, nil
}

// History lists every snapshot of a PR file, oldest first.
func (s *Store) History(ctx context.Context, prID int64, path string) ([]*Entry, error) {
	entries, err := s.backend.History(ctx, prID, path)
	if err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}

	return entries, nil
}

// CancelPR cancels in-flight recomputes of a pull request and returns how many
// were running. None of them will write an entry.
func (s *Store) CancelPR(prID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelGen[prID]++

	flights := s.flights[prID]
	for _, cancel := range flights {
		cancel()
	}

	return len(flights)
}

// Evict removes entries created before the horizon whose pull request is closed or
// merged according to terminal. Entries of open pull requests are kept.
func (s *Store) Evict(ctx context.Context, before time.Time, terminal func(prID int64) bool) (int, error) {
	expired, err := s.backend.Expired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list expired snapshots: %w", err)
	}

	victims := make([]Ref, 0, len(expired))

	for _, ref := range expired {
		if terminal(ref.PRID) {
			victims = append(victims, ref)
		}
	}

	if len(victims) == 0 {
		return 0, nil
	}

	err = s.backend.Delete(ctx, victims...)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}

	for _, ref := range victims {
		s.hot.remove(ref)
	}

	s.logger.InfoContext(ctx, "evicted snapshots", "repo", s.repo, "count", len(victims))

	return len(victims), nil
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	return Stats{
		HotHits:     s.hot.hits.Load(),
		HotMisses:   s.hot.misses.Load(),
		BackendHits: s.backendHits.Load(),
		Aliases:     s.aliases.Load(),
		Recomputes:  s.recomputes.Load(),
		Shared:      s.shared.Load(),
		Cancelled:   s.cancelled.Load(),
		HotEntries:  s.hot.len(),
	}
}

func (s *Store) lookup(ctx context.Context, ref Ref) (*Entry, error) {
	if entry, ok := s.hot.get(ref); ok {
		return entry, nil
	}

	entry, err := s.backend.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	s.backendHits.Add(1)
	s.hot.put(entry)

	return entry, nil
}

// aliasSource finds the newest entry of the same PR file computed from the same
// diff. It qualifies only if the file blob at its HEAD equals the requested one.
func (s *Store) aliasSource(ctx context.Context, req Request) (*Entry, error) {
	if req.BlobHash == "" {
		return nil, nil
	}

	history, err := s.backend.History(ctx, req.PRID, req.Path)
	if err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].DiffDigest != req.DiffDigest {
			continue
		}

		if history[i].BlobHash == req.BlobHash {
			return history[i], nil
		}

		return nil, nil
	}

	return nil, nil
}

func (s *Store) alias(ctx context.Context, req Request) (*Entry, error) {
	source, err := s.aliasSource(ctx, req)
	if err != nil || source == nil {
		return nil, err
	}

	origin := source.HeadSHA
	if source.AliasOf != "" {
		origin = source.AliasOf
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		Ref:       req.Ref(),
		BlobHash:  req.BlobHash,
		AliasOf:   origin,
		Detail:    source.Detail,
		CreatedAt: s.now(),
	}

	entry, err = s.store(ctx, entry)
	if err != nil {
		return nil, err
	}

	s.aliases.Add(1)

	return entry, nil
}

func (s *Store) recompute(ctx context.Context, req Request, compute ComputeFunc) (*Entry, error) {
	runCtx, gen, done := s.track(ctx, req.PRID)
	defer done()

	detail, err := compute(runCtx)
	if s.cancelledSince(req.PRID, gen) {
		s.cancelled.Add(1)

		return nil, fmt.Errorf("%w: pr %d %s", ErrCancelled, req.PRID, req.Path)
	}

	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		Ref:       req.Ref(),
		BlobHash:  req.BlobHash,
		Detail:    detail,
		CreatedAt: s.now(),
	}

	entry, err = s.store(runCtx, entry)
	if err != nil {
		if s.cancelledSince(req.PRID, gen) {
			s.cancelled.Add(1)

			return nil, fmt.Errorf("%w: pr %d %s", ErrCancelled, req.PRID, req.Path)
		}

		return nil, err
	}

	// A cancel that raced the write removes the entry again.
	if s.cancelledSince(req.PRID, gen) {
		s.cancelled.Add(1)
		s.hot.remove(entry.Ref)

		derr := s.backend.Delete(context.WithoutCancel(ctx), entry.Ref)
		if derr != nil {
			s.logger.WarnContext(ctx, "drop cancelled snapshot", "pr", req.PRID, "path", req.Path, "error", derr)
		}

		return nil, fmt.Errorf("%w: pr %d %s", ErrCancelled, req.PRID, req.Path)
	}

	s.recomputes.Add(1)

	return entry, nil
}

// store writes entry, or returns the entry another writer stored first.
func (s *Store) store(ctx context.Context, entry *Entry) (*Entry, error) {
	err := s.backend.Put(ctx, entry)
	if errors.Is(err, ErrExists) {
		existing, gerr := s.backend.Get(ctx, entry.Ref)
		if gerr != nil {
			return nil, fmt.Errorf("get existing snapshot: %w", gerr)
		}

		entry = existing
	} else if err != nil {
		return nil, fmt.Errorf("put snapshot: %w", err)
	}

	s.hot.put(entry)

	return entry, nil
}

// track registers a cancellable computation for prID. The computation outlives
// the caller that started it, since other callers may be waiting on it.
func (s *Store) track(parent context.Context, prID int64) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	s.mu.Lock()
	id := s.nextID
	s.nextID++

	if s.flights[prID] == nil {
		s.flights[prID] = make(map[uint64]context.CancelFunc)
	}

	s.flights[prID][id] = cancel
	gen := s.cancelGen[prID]
	s.mu.Unlock()

	return ctx, gen, func() {
		s.mu.Lock()
		delete(s.flights[prID], id)

		if len(s.flights[prID]) == 0 {
			delete(s.flights, prID)
		}
		s.mu.Unlock()

		cancel()
	}
}

func (s *Store) cancelledSince(prID int64, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelGen[prID] != gen
}

func flightKey(ref Ref) string {
	return strconv.FormatInt(ref.PRID, 10) + "\x00" + ref.Path + "\x00" + ref.HeadSHA + "\x00" + ref.DiffDigest
}
