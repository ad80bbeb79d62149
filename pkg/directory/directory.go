// Package directory defines the contract for the shared key-value view of
// the presence fabric: vnode ownership, per-vnode load, and the short-lived
// user->instance routing cache.
//
// The directory is the only cross-process shared state in the system. It is
// not a coordination primitive: writers do not contend through it, the
// coordinator serializes ownership writes itself. Every write refreshes a
// TTL so entries from dead owners decay on their own.
//
// Two implementations exist: redis (production) and memory (tests). Both
// honor the same merge-and-refresh semantics: a partial-map write updates
// only the fields it names and refreshes the TTL of the whole key.
package directory

import (
	"context"
	"errors"
	"time"
)

// Key names shared by every implementation.
const (
	// OwnersKey holds the vnode-id -> instance-id map.
	OwnersKey = "vnode:owners"

	// LoadsKey holds the vnode-id -> session-count map.
	LoadsKey = "vnode:load"

	// UserKeyPrefix prefixes the per-user routing cache entries.
	UserKeyPrefix = "user:"
)

// ErrNotFound is returned when a requested entry does not exist or its TTL
// has expired.
var ErrNotFound = errors.New("directory: entry not found")

// Directory is the shared view of ownership, load, and user routing.
type Directory interface {
	// Owners returns a snapshot of the current vnode->instance ownership.
	// A missing key yields an empty map, not an error.
	Owners(ctx context.Context) (map[int]string, error)

	// PutOwners merges the given entries into the ownership map and
	// refreshes the TTL of the whole key. Entries absent from the partial
	// map are left untouched.
	PutOwners(ctx context.Context, partial map[int]string, ttl time.Duration) error

	// DeleteOwners atomically removes ownership for the given vnode ids.
	DeleteOwners(ctx context.Context, ids []int) error

	// Loads returns a snapshot of the current vnode->load map.
	Loads(ctx context.Context) (map[int]int, error)

	// PutLoads merges the given load counters, same semantics as PutOwners.
	PutLoads(ctx context.Context, partial map[int]int, ttl time.Duration) error

	// UserInstance returns the cached instance for a user, or ErrNotFound.
	UserInstance(ctx context.Context, userID string) (string, error)

	// PutUserInstance caches the user->instance mapping with the given TTL.
	PutUserInstance(ctx context.Context, userID, instanceID string, ttl time.Duration) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing connection.
	Close() error
}

// UserKey returns the directory key for a user's routing-cache entry.
func UserKey(userID string) string {
	return UserKeyPrefix + userID
}
