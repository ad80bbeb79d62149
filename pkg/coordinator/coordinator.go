// Package coordinator implements the admission controller and routing
// oracle of the presence plane.
//
// The coordinator is stateless between requests: the directory is the
// source of truth for ownership, and the local ring is a lazily refreshed
// replica used to answer routing queries without a directory round trip.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/internal/telemetry"
	"github.com/marmos91/presenced/pkg/directory"
	prom "github.com/marmos91/presenced/pkg/metrics/prometheus"
	"github.com/marmos91/presenced/pkg/ring"
)

// Common errors surfaced to the HTTP layer.
var (
	// ErrNoVNodesAvailable means the ring is fully assigned.
	ErrNoVNodesAvailable = errors.New("no vnodes available")

	// ErrInstanceNotFound means an unregister target owns no vnodes.
	ErrInstanceNotFound = errors.New("instance owns no vnodes")

	// ErrOwnerNotFound means a routed user's vnode has no live owner.
	ErrOwnerNotFound = errors.New("no instance owns the user's vnode")
)

// RouteSource tags how a routing answer was produced.
type RouteSource string

const (
	// SourceCache means the user->instance cache answered.
	SourceCache RouteSource = "cache"

	// SourceHash means the answer came from the hash ring.
	SourceHash RouteSource = "hash"
)

// Config holds coordinator tunables.
type Config struct {
	// VNodeCount is the fixed ring size V.
	VNodeCount int `mapstructure:"vnode_count" validate:"required,gt=0" yaml:"vnode_count"`

	// OwnerTTL is the lease applied to ownership writes. Must be at least
	// twice the node heartbeat interval. Default: 60s.
	OwnerTTL time.Duration `mapstructure:"owner_ttl" yaml:"owner_ttl"`

	// UserCacheTTL bounds the user->instance routing cache. Default: 60s.
	UserCacheTTL time.Duration `mapstructure:"user_cache_ttl" yaml:"user_cache_ttl"`
}

// ApplyDefaults fills unset tunables.
func (c *Config) ApplyDefaults() {
	if c.VNodeCount == 0 {
		c.VNodeCount = 1024
	}
	if c.OwnerTTL == 0 {
		c.OwnerTTL = 60 * time.Second
	}
	if c.UserCacheTTL == 0 {
		c.UserCacheTTL = 60 * time.Second
	}
}

// RouteResult is a routing answer.
type RouteResult struct {
	UserID     string
	InstanceID string
	VNode      int // meaningful only when Source == SourceHash
	Source     RouteSource
}

// Coordinator admits instances into the hash fabric and routes users.
type Coordinator struct {
	cfg     Config
	ring    *ring.Ring
	dir     directory.Directory
	metrics *prom.RouteMetrics

	// registerMu serializes admissions within this replica. Concurrent
	// coordinators still race on the directory (last writer wins per
	// vnode); deployments run a single replica.
	registerMu sync.Mutex
}

// New creates a coordinator. Call Warm before serving to populate the
// local ring from the directory.
func New(cfg Config, dir directory.Directory) (*Coordinator, error) {
	cfg.ApplyDefaults()

	r, err := ring.New(cfg.VNodeCount)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:     cfg,
		ring:    r,
		dir:     dir,
		metrics: prom.NewRouteMetrics(),
	}, nil
}

// Warm resynchronizes the local ring with the directory snapshot,
// dropping local entries whose lease has expired remotely.
func (c *Coordinator) Warm(ctx context.Context) error {
	owners, err := c.dir.Owners(ctx)
	if err != nil {
		return fmt.Errorf("warm ring: %w", err)
	}

	var stale []int
	for id := range c.ring.Snapshot() {
		if _, live := owners[id]; !live {
			stale = append(stale, id)
		}
	}
	c.ring.Remove(stale)

	if err := c.ring.Merge(owners); err != nil {
		return fmt.Errorf("warm ring: %w", err)
	}
	c.observeRingSize()
	return nil
}

// VNodeCount returns the fixed ring size.
func (c *Coordinator) VNodeCount() int {
	return c.cfg.VNodeCount
}

// Register admits an instance and returns its assigned vnode ids.
//
// The desired share is max(1, V*weight/100): weight is percentage points
// of the ring. A partially full ring grants what remains instead of
// failing; a full ring returns ErrNoVNodesAvailable.
func (c *Coordinator) Register(ctx context.Context, instanceID string, weight int) ([]int, error) {
	if weight <= 0 {
		weight = 1
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRegister,
		trace.WithAttributes(telemetry.InstanceID(instanceID), telemetry.Weight(weight)))
	defer span.End()

	c.registerMu.Lock()
	defer c.registerMu.Unlock()

	occupied, err := c.dir.Owners(ctx)
	if err != nil {
		c.observeRegistration("register", "error")
		err = fmt.Errorf("read ownership: %w", err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	desired := c.cfg.VNodeCount * weight / 100
	if desired < 1 {
		desired = 1
	}

	assigned := make([]int, 0, desired)
	for id := 0; id < c.cfg.VNodeCount && len(assigned) < desired; id++ {
		if _, taken := occupied[id]; !taken {
			assigned = append(assigned, id)
		}
	}

	if len(assigned) == 0 {
		c.observeRegistration("register", "conflict")
		telemetry.RecordError(ctx, ErrNoVNodesAvailable)
		return nil, ErrNoVNodesAvailable
	}

	grant := make(map[int]string, len(assigned))
	for _, id := range assigned {
		grant[id] = instanceID
	}

	if err := c.dir.PutOwners(ctx, grant, c.cfg.OwnerTTL); err != nil {
		c.observeRegistration("register", "error")
		err = fmt.Errorf("write ownership: %w", err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if err := c.ring.Merge(grant); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	telemetry.SetAttributes(ctx, telemetry.Granted(len(assigned)))
	logger.Info("instance registered",
		logger.KeyInstanceID, instanceID,
		"weight", weight,
		logger.KeyCount, len(assigned))
	c.observeRegistration("register", "ok")
	c.observeRingSize()

	return assigned, nil
}

// Unregister evicts an instance, releasing every vnode it owns.
func (c *Coordinator) Unregister(ctx context.Context, instanceID string) ([]int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanUnregister,
		trace.WithAttributes(telemetry.InstanceID(instanceID)))
	defer span.End()

	c.registerMu.Lock()
	defer c.registerMu.Unlock()

	owners, err := c.dir.Owners(ctx)
	if err != nil {
		c.observeRegistration("unregister", "error")
		err = fmt.Errorf("read ownership: %w", err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	var removed []int
	for id, owner := range owners {
		if owner == instanceID {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		c.observeRegistration("unregister", "not_found")
		telemetry.RecordError(ctx, ErrInstanceNotFound)
		return nil, ErrInstanceNotFound
	}

	if err := c.dir.DeleteOwners(ctx, removed); err != nil {
		c.observeRegistration("unregister", "error")
		err = fmt.Errorf("delete ownership: %w", err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	c.ring.Remove(removed)

	telemetry.SetAttributes(ctx, telemetry.Released(len(removed)))
	logger.Info("instance unregistered",
		logger.KeyInstanceID, instanceID,
		logger.KeyCount, len(removed))
	c.observeRegistration("unregister", "ok")
	c.observeRingSize()

	return removed, nil
}

// Route answers "which instance owns this user".
//
// The user cache is consulted first; on a miss the hash ring decides, with
// one directory refresh before giving up on an unowned vnode. Hash answers
// are written through to the user cache.
func (c *Coordinator) Route(ctx context.Context, userID string) (RouteResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRoute,
		trace.WithAttributes(telemetry.UserID(userID)))
	defer span.End()

	if cached, err := c.dir.UserInstance(ctx, userID); err == nil {
		c.observeRoute(string(SourceCache))
		telemetry.SetAttributes(ctx, telemetry.RouteSource(string(SourceCache)))
		return RouteResult{UserID: userID, InstanceID: cached, VNode: -1, Source: SourceCache}, nil
	} else if !errors.Is(err, directory.ErrNotFound) {
		c.observeRoute("error")
		err = fmt.Errorf("read user cache: %w", err)
		telemetry.RecordError(ctx, err)
		return RouteResult{}, err
	}

	vnodeID := c.ring.UserVNode(userID)
	telemetry.SetAttributes(ctx, telemetry.VNode(vnodeID))

	owner := c.ring.Owner(vnodeID)
	if owner == ring.NoOwner {
		// The local replica may be stale; refresh once from the directory.
		if err := c.Warm(ctx); err != nil {
			c.observeRoute("error")
			telemetry.RecordError(ctx, err)
			return RouteResult{}, err
		}
		owner = c.ring.Owner(vnodeID)
	}
	if owner == ring.NoOwner {
		c.observeRoute("miss")
		telemetry.RecordError(ctx, ErrOwnerNotFound)
		return RouteResult{}, ErrOwnerNotFound
	}

	// Fire-and-forget cache fill; a failed write only costs a future miss.
	if err := c.dir.PutUserInstance(ctx, userID, owner, c.cfg.UserCacheTTL); err != nil {
		logger.Warn("user cache write failed",
			logger.KeyUserID, userID,
			logger.KeyError, err)
	}

	c.observeRoute(string(SourceHash))
	telemetry.SetAttributes(ctx, telemetry.RouteSource(string(SourceHash)))
	return RouteResult{UserID: userID, InstanceID: owner, VNode: vnodeID, Source: SourceHash}, nil
}

// Snapshot returns the coordinator's current view of ownership.
func (c *Coordinator) Snapshot() map[int]string {
	return c.ring.Snapshot()
}

func (c *Coordinator) observeRoute(source string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RouteRequests.WithLabelValues(source).Inc()
}

func (c *Coordinator) observeRegistration(operation, result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Registrations.WithLabelValues(operation, result).Inc()
}

func (c *Coordinator) observeRingSize() {
	if c.metrics == nil {
		return
	}
	c.metrics.VNodesOwned.Set(float64(len(c.ring.Snapshot())))
}
