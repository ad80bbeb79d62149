// Package memory implements the directory contract in process memory.
//
// It exists for tests and single-process development. TTL semantics match
// the redis implementation: owners and loads share one whole-key expiry
// each, user entries expire individually. The clock is injectable so tests
// can drive expiry without sleeping.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/presenced/pkg/directory"
)

// Directory is the in-memory directory implementation.
type Directory struct {
	mu sync.Mutex

	owners       map[int]string
	ownersExpiry time.Time

	loads       map[int]int
	loadsExpiry time.Time

	users map[string]userEntry

	now func() time.Time
}

type userEntry struct {
	instanceID string
	expiry     time.Time
}

var _ directory.Directory = (*Directory)(nil)

// New creates an empty in-memory directory.
func New() *Directory {
	return &Directory{
		owners: make(map[int]string),
		loads:  make(map[int]int),
		users:  make(map[string]userEntry),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Test helper.
func (d *Directory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func (d *Directory) ownersAlive() bool {
	return !d.ownersExpiry.IsZero() && d.now().Before(d.ownersExpiry)
}

func (d *Directory) loadsAlive() bool {
	return !d.loadsExpiry.IsZero() && d.now().Before(d.loadsExpiry)
}

// Owners returns a snapshot of the ownership map, empty after TTL expiry.
func (d *Directory) Owners(ctx context.Context) (map[int]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[int]string)
	if !d.ownersAlive() {
		return out, nil
	}
	for id, instanceID := range d.owners {
		out[id] = instanceID
	}
	return out, nil
}

// PutOwners merges entries and refreshes the whole-key expiry.
func (d *Directory) PutOwners(ctx context.Context, partial map[int]string, ttl time.Duration) error {
	if len(partial) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.ownersAlive() {
		d.owners = make(map[int]string)
	}
	for id, instanceID := range partial {
		d.owners[id] = instanceID
	}
	d.ownersExpiry = d.now().Add(ttl)
	return nil
}

// DeleteOwners removes the given vnode entries.
func (d *Directory) DeleteOwners(ctx context.Context, ids []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range ids {
		delete(d.owners, id)
	}
	return nil
}

// Loads returns a snapshot of the load map, empty after TTL expiry.
func (d *Directory) Loads(ctx context.Context) (map[int]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[int]int)
	if !d.loadsAlive() {
		return out, nil
	}
	for id, count := range d.loads {
		out[id] = count
	}
	return out, nil
}

// PutLoads merges counters and refreshes the whole-key expiry.
func (d *Directory) PutLoads(ctx context.Context, partial map[int]int, ttl time.Duration) error {
	if len(partial) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loadsAlive() {
		d.loads = make(map[int]int)
	}
	for id, count := range partial {
		d.loads[id] = count
	}
	d.loadsExpiry = d.now().Add(ttl)
	return nil
}

// UserInstance returns the cached mapping or ErrNotFound once expired.
func (d *Directory) UserInstance(ctx context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.users[userID]
	if !ok || !d.now().Before(entry.expiry) {
		delete(d.users, userID)
		return "", directory.ErrNotFound
	}
	return entry.instanceID, nil
}

// PutUserInstance caches the mapping with its own expiry.
func (d *Directory) PutUserInstance(ctx context.Context, userID, instanceID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.users[userID] = userEntry{instanceID: instanceID, expiry: d.now().Add(ttl)}
	return nil
}

// Ping always succeeds.
func (d *Directory) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (d *Directory) Close() error {
	return nil
}
