// Package store provides the transactional key-path store that owns every
// durable record in the ledger. A key is an ordered path of segments; values
// are JSON documents. All mutation flows through WithTransaction.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get and Delete when no value exists at the path.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned by Create when a value already exists at the path.
	ErrExists = errors.New("store: already exists")
	// ErrConflict is returned when a transaction commit cannot be serialized
	// against concurrent transactions. Callers may retry.
	ErrConflict = errors.New("store: serialization conflict")
)

// Path is an ordered sequence of key segments, e.g. {"people", "alice", "balance"}.
type Path []string

// String joins the segments with "/". Segments must not contain "/".
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Child returns p extended with the given segments.
func (p Path) Child(segments ...string) Path {
	child := make(Path, 0, len(p)+len(segments))
	child = append(child, p...)
	return append(child, segments...)
}

// Entry is a path/value pair returned by List.
type Entry struct {
	Path  Path
	Value []byte
}

// Tx is the operation set available inside a transaction. Reads observe a
// consistent snapshot; writes are buffered and commit atomically when the
// transaction function returns nil.
type Tx interface {
	// Get decodes the value at path into dest. Returns ErrNotFound.
	Get(path Path, dest any) error
	// Put upserts the value at path.
	Put(path Path, value any) error
	// Create writes the value at path, failing with ErrExists if present.
	Create(path Path, value any) error
	// Delete removes the value at path. Returns ErrNotFound if absent.
	Delete(path Path) error
	// List returns all entries strictly below prefix, ordered by path.
	List(prefix Path) ([]Entry, error)
}

// Store executes transaction scopes over the durable key space.
type Store interface {
	// WithTransaction runs fn under snapshot isolation. A nil return commits
	// the buffered writes atomically; any error discards them. Transactions
	// must not nest.
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying resources.
	Close()
}

// ParsePath splits a "/"-joined key back into segments.
func ParsePath(key string) Path {
	return Path(strings.Split(key, "/"))
}

// WithRetry runs fn as a transaction at most attempts times in all, retrying
// on ErrConflict with a short linear backoff. The final ErrConflict is
// returned if every attempt fails to serialize.
func WithRetry(ctx context.Context, s Store, attempts int, fn func(tx Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.WithTransaction(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 5 * time.Millisecond):
		}
	}
	return err
}
