// Package snapshot caches line matcher results per (pull request, file, HEAD).
//
// Entries are immutable. A new HEAD or a changed pull request diff produces a new
// entry; the previous ones stay queryable through History until retention evicts
// them, which only ever happens for closed or merged pull requests.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

// Sentinel errors.
var (
	// ErrNotFound is returned by backends when no entry matches.
	ErrNotFound = errors.New("snapshot not found")
	// ErrExists is returned by backends when an entry with the same identity exists.
	ErrExists = errors.New("snapshot already exists")
	// ErrCancelled is returned when the owning pull request was cancelled mid-recompute.
	ErrCancelled = errors.New("snapshot recompute cancelled")
)

// Key addresses the snapshot of one file of one pull request at one HEAD.
type Key struct {
	PRID    int64  `json:"prId"`
	Path    string `json:"path"`
	HeadSHA string `json:"headSha"`
}

// Ref identifies an entry: the key plus the digest of the PR diff it was computed from.
type Ref struct {
	Key

	DiffDigest string `json:"diffDigest"`
}

// Entry is one immutable matcher result.
type Entry struct {
	ID string `json:"id"`
	Ref

	// BlobHash is the file blob at HEAD; empty when the file is missing.
	BlobHash string `json:"blobHash"`
	// AliasOf is the HEAD this entry was copied from without recompute.
	AliasOf   string              `json:"aliasOf,omitempty"`
	Detail    domain.PRFileDetail `json:"detail"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Request asks for the snapshot of Key computed from a diff with DiffDigest
// against a file whose blob at HEAD is BlobHash.
type Request struct {
	Key

	DiffDigest string
	BlobHash   string
}

// Ref returns the entry identity the request resolves to.
func (r Request) Ref() Ref {
	return Ref{Key: r.Key, DiffDigest: r.DiffDigest}
}

// Backend is durable snapshot storage.
type Backend interface {
	// Get returns the entry for ref or ErrNotFound.
	Get(ctx context.Context, ref Ref) (*Entry, error)
	// Put stores a new entry, or returns ErrExists.
	Put(ctx context.Context, entry *Entry) error
	// History returns every entry of a PR file ordered by creation time.
	History(ctx context.Context, prID int64, path string) ([]*Entry, error)
	// Expired lists entries created before the given time.
	Expired(ctx context.Context, before time.Time) ([]Ref, error)
	// Delete removes entries. Missing entries are ignored.
	Delete(ctx context.Context, refs ...Ref) error
}

// Outcome tells how a Get was served.
type Outcome string

// Get outcomes.
const (
	OutcomeHit       Outcome = "hit"
	OutcomeAlias     Outcome = "alias"
	OutcomeRecompute Outcome = "recompute"
	OutcomeShared    Outcome = "shared"
)
