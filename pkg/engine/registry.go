package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/matcher"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
)

// Scope is the state of one repository: its content index, its snapshot store
// and the matcher reading both.
type Scope struct {
	Repo      string
	Index     *contentindex.Index
	Snapshots *snapshot.Store
	Matcher   *matcher.Matcher
}

// ScopeConfig describes how scopes are built.
type ScopeConfig struct {
	ContextWindow int
	ExpectedLines uint
	HotEntries    int
	// Backend returns the durable snapshot backend of a repository. Nil keeps
	// snapshots in memory.
	Backend func(repo string) snapshot.Backend
	// Ancestry answers reachability questions for a repository.
	Ancestry func(repo string) contentindex.Ancestry
	// Load fills a fresh index from previously ingested diffs.
	Load   func(ctx context.Context, repo string, ix *contentindex.Index) error
	Logger *slog.Logger
}

type scopeSlot struct {
	once  sync.Once
	scope *Scope
	err   error
}

// Registry owns one Scope per repository full name. Scopes are created on first
// use; a scope whose load fails is retried on the next call.
type Registry struct {
	cfg ScopeConfig

	mu    sync.Mutex
	slots map[string]*scopeSlot
	built map[string]*Scope
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg ScopeConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Registry{
		cfg:   cfg,
		slots: make(map[string]*scopeSlot),
		built: make(map[string]*Scope),
	}
}

// Scope returns the scope of repo, building and loading it when needed.
func (r *Registry) Scope(ctx context.Context, repo string) (*Scope, error) {
	r.mu.Lock()

	slot, ok := r.slots[repo]
	if !ok {
		slot = &scopeSlot{}
		r.slots[repo] = slot
	}

	r.mu.Unlock()

	slot.once.Do(func() {
		slot.scope, slot.err = r.build(ctx, repo)
		if slot.err == nil {
			r.mu.Lock()
			r.built[repo] = slot.scope
			r.mu.Unlock()
		}
	})

	if slot.err != nil {
		r.mu.Lock()
		if r.slots[repo] == slot {
			delete(r.slots, repo)
		}
		r.mu.Unlock()

		return nil, slot.err
	}

	return slot.scope, nil
}

// Lookup returns the scope of repo if it has been built.
func (r *Registry) Lookup(repo string) (*Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope, ok := r.built[repo]

	return scope, ok
}

// Scopes returns the built scopes ordered by repository. Scopes still loading
// are not included.
func (r *Registry) Scopes() []*Scope {
	r.mu.Lock()
	scopes := make([]*Scope, 0, len(r.built))
	for _, scope := range r.built {
		scopes = append(scopes, scope)
	}
	r.mu.Unlock()

	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Repo < scopes[j].Repo })

	return scopes
}

// ScopeStats implements observability.ScopeStatsProvider.
func (r *Registry) ScopeStats() []observability.ScopeStats {
	scopes := r.Scopes()
	stats := make([]observability.ScopeStats, 0, len(scopes))

	for _, s := range scopes {
		stats = append(stats, observability.ScopeStats{
			Repo:       s.Repo,
			IndexLines: s.Index.Len(),
			HotEntries: s.Snapshots.Stats().HotEntries,
		})
	}

	return stats
}

func (r *Registry) build(ctx context.Context, repo string) (*Scope, error) {
	var indexOpts []contentindex.Option

	if r.cfg.ContextWindow > 0 {
		indexOpts = append(indexOpts, contentindex.WithContextWindow(r.cfg.ContextWindow))
	}

	if r.cfg.ExpectedLines > 0 {
		indexOpts = append(indexOpts, contentindex.WithExpectedLines(r.cfg.ExpectedLines))
	}

	ix := contentindex.New(repo, indexOpts...)

	if r.cfg.Load != nil {
		err := r.cfg.Load(ctx, repo, ix)
		if err != nil {
			return nil, err
		}
	}

	storeOpts := []snapshot.Option{
		snapshot.WithLogger(r.cfg.Logger),
	}

	if r.cfg.HotEntries > 0 {
		storeOpts = append(storeOpts, snapshot.WithHotEntries(r.cfg.HotEntries))
	}

	if r.cfg.Backend != nil {
		storeOpts = append(storeOpts, snapshot.WithBackend(r.cfg.Backend(repo)))
	}

	matcherOpts := []matcher.Option{
		matcher.WithIndex(ix),
		matcher.WithLogger(r.cfg.Logger),
	}

	if r.cfg.Ancestry != nil {
		matcherOpts = append(matcherOpts, matcher.WithAncestry(r.cfg.Ancestry(repo)))
	}

	r.cfg.Logger.InfoContext(ctx, "repository scope ready", "repo", repo, "index_lines", ix.Len())

	return &Scope{
		Repo:      repo,
		Index:     ix,
		Snapshots: snapshot.New(repo, storeOpts...),
		Matcher:   matcher.New(matcherOpts...),
	}, nil
}
