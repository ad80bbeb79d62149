// Package ring implements the consistent-hash fabric that assigns users to
// virtual nodes (vnodes) and vnodes to owning instances.
//
// The ring is pure and in-memory: user placement is a deterministic hash,
// ownership is a small map fed from the shared directory. Reads are hot
// (every connection and every routing query) while writes happen only on
// ownership changes, so the owner map is copy-on-write: readers load an
// immutable snapshot without taking a lock.
package ring

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// NoOwner is returned by Owner for vnodes without an assigned instance.
const NoOwner = ""

// Ring maps users to vnodes and vnodes to instances.
//
// The vnode count is fixed at construction time. Changing it (or the hash
// function) invalidates every cached user placement in the deployment, so
// both are deliberately hard to vary.
type Ring struct {
	vnodeCount int

	mu     sync.Mutex   // serializes writers
	owners atomic.Value // holds map[int]string, replaced wholesale on write
}

// New creates a ring with the given number of vnodes.
func New(vnodeCount int) (*Ring, error) {
	if vnodeCount <= 0 {
		return nil, fmt.Errorf("vnode count must be positive, got %d", vnodeCount)
	}
	r := &Ring{vnodeCount: vnodeCount}
	r.owners.Store(map[int]string{})
	return r, nil
}

// VNodeCount returns the fixed vnode count V.
func (r *Ring) VNodeCount() int {
	return r.vnodeCount
}

// UserVNode returns the vnode a user maps to: the first 32 bits of the MD5
// digest of the UTF-8 bytes of userID, interpreted big-endian, modulo V.
//
// MD5 here is a bucket hash, not a security primitive. The exact truncation
// is part of the wire contract: every cached user->instance mapping and
// every assigned-vnode list assumes it.
func (r *Ring) UserVNode(userID string) int {
	return UserVNode(userID, r.vnodeCount)
}

// UserVNode is the placement formula shared by every component.
func UserVNode(userID string, vnodeCount int) int {
	sum := md5.Sum([]byte(userID))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(vnodeCount))
}

// Owner returns the instance owning the given vnode, or NoOwner if the
// vnode is unassigned or out of range.
func (r *Ring) Owner(vnodeID int) string {
	if vnodeID < 0 || vnodeID >= r.vnodeCount {
		return NoOwner
	}
	owners := r.owners.Load().(map[int]string)
	return owners[vnodeID]
}

// Merge ingests a partial ownership map, overwriting only the vnodes it
// names. Both the coordinator and presence nodes use Merge to apply
// authoritative batches read from the directory; it never erases entries
// absent from the update.
func (r *Ring) Merge(partial map[int]string) error {
	for id := range partial {
		if id < 0 || id >= r.vnodeCount {
			return fmt.Errorf("vnode %d out of range [0, %d)", id, r.vnodeCount)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.owners.Load().(map[int]string)
	next := make(map[int]string, len(current)+len(partial))
	for id, owner := range current {
		next[id] = owner
	}
	for id, owner := range partial {
		if owner == NoOwner {
			delete(next, id)
			continue
		}
		next[id] = owner
	}
	r.owners.Store(next)
	return nil
}

// Remove strips ownership for the given vnode ids. Unknown ids are ignored.
func (r *Ring) Remove(ids []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.owners.Load().(map[int]string)
	next := make(map[int]string, len(current))
	for id, owner := range current {
		next[id] = owner
	}
	for _, id := range ids {
		delete(next, id)
	}
	r.owners.Store(next)
}

// Snapshot returns a copy of the current vnode->owner map.
func (r *Ring) Snapshot() map[int]string {
	current := r.owners.Load().(map[int]string)
	out := make(map[int]string, len(current))
	for id, owner := range current {
		out[id] = owner
	}
	return out
}

// OwnedBy returns the vnodes owned by the given instance in the current
// snapshot. Order is unspecified.
func (r *Ring) OwnedBy(instanceID string) []int {
	current := r.owners.Load().(map[int]string)
	var ids []int
	for id, owner := range current {
		if owner == instanceID {
			ids = append(ids, id)
		}
	}
	return ids
}
