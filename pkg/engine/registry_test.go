package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
)

func TestRegistryBuildsOneScopePerRepository(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64

	r := engine.NewRegistry(engine.ScopeConfig{
		Load: func(context.Context, string, *contentindex.Index) error {
			loads.Add(1)

			return nil
		},
	})

	var wg sync.WaitGroup

	scopes := make([]*engine.Scope, 8)

	for i := range scopes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s, err := r.Scope(context.Background(), "acme/app")
			assert.NoError(t, err)

			scopes[i] = s
		}()
	}

	wg.Wait()

	for _, s := range scopes {
		assert.Same(t, scopes[0], s)
	}

	assert.Equal(t, int64(1), loads.Load())

	_, err := r.Scope(context.Background(), "acme/api")
	require.NoError(t, err)

	all := r.Scopes()
	require.Len(t, all, 2)
	assert.Equal(t, "acme/api", all[0].Repo)
	assert.Equal(t, "acme/app", all[1].Repo)

	stats := r.ScopeStats()
	require.Len(t, stats, 2)
	assert.Zero(t, stats[0].IndexLines)
}

func TestRegistryRetriesFailedLoads(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64

	r := engine.NewRegistry(engine.ScopeConfig{
		Load: func(context.Context, string, *contentindex.Index) error {
			if calls.Add(1) == 1 {
				return errors.New("database is locked")
			}

			return nil
		},
	})

	_, err := r.Scope(context.Background(), "acme/app")
	require.Error(t, err)

	_, ok := r.Lookup("acme/app")
	assert.False(t, ok)

	scope, err := r.Scope(context.Background(), "acme/app")
	require.NoError(t, err)
	assert.Equal(t, "acme/app", scope.Repo)

	found, ok := r.Lookup("acme/app")
	require.True(t, ok)
	assert.Same(t, scope, found)
}
