// Package node implements the presence node: the WebSocket-facing instance
// that holds user sessions for its assigned vnodes.
//
// A node accepts only users whose vnode it owns, publishes their online and
// offline transitions on the bus, mirrors remote transitions consumed from
// the bus into its per-vnode presence sets, and refreshes its ownership
// lease and load in the directory on every heartbeat.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/internal/telemetry"
	"github.com/marmos91/presenced/pkg/auth"
	"github.com/marmos91/presenced/pkg/bus"
	"github.com/marmos91/presenced/pkg/directory"
	prom "github.com/marmos91/presenced/pkg/metrics/prometheus"
	"github.com/marmos91/presenced/pkg/ring"
)

// presenceEntry is one online user in a vnode's presence set. The seen
// timestamp feeds the stale-entry scrub.
type presenceEntry struct {
	seenAt time.Time
}

// Node is a presence instance.
type Node struct {
	cfg      Config
	dir      directory.Directory
	pub      bus.Publisher
	cons     bus.Consumer
	auth     *auth.Service
	metrics  *prom.NodeMetrics
	assigned map[int]struct{}

	mu      sync.Mutex
	clients map[string]*session
	online  map[int]map[string]presenceEntry

	server       *http.Server
	upgrader     websocket.Upgrader
	shutdownOnce sync.Once

	now func() time.Time
}

// New creates a presence node. Start performs the initial heartbeat and
// begins accepting connections.
func New(cfg Config, dir directory.Directory, pub bus.Publisher, cons bus.Consumer, authSvc *auth.Service) (*Node, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node config: %w", err)
	}

	assigned := make(map[int]struct{}, len(cfg.AssignedVNodes))
	online := make(map[int]map[string]presenceEntry, len(cfg.AssignedVNodes))
	for _, id := range cfg.AssignedVNodes {
		assigned[id] = struct{}{}
		online[id] = make(map[string]presenceEntry)
	}

	n := &Node{
		cfg:      cfg,
		dir:      dir,
		pub:      pub,
		cons:     cons,
		auth:     authSvc,
		metrics:  prom.NewNodeMetrics(),
		assigned: assigned,
		clients:  make(map[string]*session),
		online:   online,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Presence clients authenticate with a token, not an origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", n.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	n.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	return n, nil
}

// Start runs the node until the context is cancelled: one heartbeat up
// front so the directory knows this instance before the first connection,
// then the consumer, the heartbeat and scrub loops, and the acceptor.
func (n *Node) Start(ctx context.Context) error {
	if err := n.heartbeat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := n.cons.Run(consumerCtx, n.handleEvent); err != nil {
			logger.Error("bus consumer stopped", logger.KeyError, err)
		}
	}()
	go func() {
		defer wg.Done()
		n.heartbeatLoop(consumerCtx)
	}()
	go func() {
		defer wg.Done()
		n.scrubLoop(consumerCtx)
	}()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("presence node listening",
			logger.KeyNodeID, n.cfg.NodeID,
			"port", n.cfg.Port,
			logger.KeyCount, len(n.cfg.AssignedVNodes))

		if err := n.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("presence node shutdown signal received", logger.KeyNodeID, n.cfg.NodeID)
		cancelConsumer()
		err := n.Stop(context.Background())
		wg.Wait()
		return err
	case err := <-errChan:
		cancelConsumer()
		return fmt.Errorf("presence node failed: %w", err)
	}
}

// Stop shuts the node down: acceptor first so no new sessions arrive, then
// live sessions with a going-away close, then consumer, publisher and
// directory. Bounded by ShutdownTimeout; the first failure is reported
// after all steps have run.
func (n *Node) Stop(ctx context.Context) error {
	var stopErr error
	n.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, n.cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := n.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("acceptor shutdown: %w", err))
		}

		n.mu.Lock()
		sessions := make([]*session, 0, len(n.clients))
		for _, sess := range n.clients {
			sessions = append(sessions, sess)
		}
		n.mu.Unlock()
		for _, sess := range sessions {
			sess.close(websocket.CloseGoingAway, "")
			n.disconnect(shutdownCtx, sess)
		}

		if err := n.cons.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer close: %w", err))
		}
		if err := n.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
		if err := n.dir.Close(); err != nil {
			errs = append(errs, fmt.Errorf("directory close: %w", err))
		}

		stopErr = errors.Join(errs...)
		if stopErr == nil {
			logger.Info("presence node stopped gracefully", logger.KeyNodeID, n.cfg.NodeID)
		}
	})
	return stopErr
}

// handleWS admits one client connection and serves it until the socket
// closes.
func (n *Node) handleWS(w http.ResponseWriter, r *http.Request) {
	sess := n.accept(w, r)
	if sess == nil {
		return
	}

	go sess.pingLoop(n.cfg.PingInterval)

	sess.readLoop()
	sess.close(websocket.CloseNormalClosure, "")
	n.disconnect(context.Background(), sess)
}

// accept upgrades, authenticates and admits one connection. Returns nil
// when the connection was rejected; the close frame carries the reason.
func (n *Node) accept(w http.ResponseWriter, r *http.Request) (sess *session) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			logger.KeyRemoteAddr, r.RemoteAddr,
			logger.KeyError, err)
		return nil
	}

	ctx, span := telemetry.StartSpan(r.Context(), telemetry.SpanConnect,
		trace.WithAttributes(telemetry.ClientAddr(r.RemoteAddr)))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in connect handling", "panic", rec)
			rejectConn(conn, websocket.CloseInternalServerErr, reasonInternalError)
			n.observeSession("error")
			sess = nil
		}
	}()

	token, err := auth.TokenFromRequest(r)
	if err != nil {
		rejectConn(conn, websocket.ClosePolicyViolation, reasonNoToken)
		n.observeSession("rejected_auth")
		telemetry.RecordError(ctx, err)
		telemetry.SetAttributes(ctx, telemetry.SessionResult("rejected_auth"))
		return nil
	}

	claims, err := n.auth.Validate(token)
	if err != nil {
		logger.Debug("token rejected",
			logger.KeyRemoteAddr, r.RemoteAddr,
			logger.KeyError, err)
		rejectConn(conn, websocket.ClosePolicyViolation, reasonInvalidToken)
		n.observeSession("rejected_auth")
		telemetry.RecordError(ctx, err)
		telemetry.SetAttributes(ctx, telemetry.SessionResult("rejected_auth"))
		return nil
	}

	userID := claims.ResolveUserID()
	vnode := ring.UserVNode(userID, n.cfg.VNodeCount)
	telemetry.SetAttributes(ctx, telemetry.UserID(userID), telemetry.VNode(vnode))
	if _, owned := n.assigned[vnode]; !owned {
		logger.Info("connection refused, vnode not owned",
			logger.KeyUserID, userID,
			logger.KeyVNode, vnode,
			logger.KeyNodeID, n.cfg.NodeID)
		rejectConn(conn, websocket.ClosePolicyViolation, reasonNotOwned)
		n.observeSession("rejected_ownership")
		telemetry.SetAttributes(ctx, telemetry.SessionResult("rejected_ownership"))
		return nil
	}

	sess = newSession(userID, uuid.NewString(), vnode, conn)
	n.admit(sess)

	n.publishTransition(ctx, userID, bus.ActionOnline)

	if err := sess.send(welcomeFrame(userID, n.cfg.NodeID)); err != nil {
		logger.Warn("welcome frame failed",
			logger.KeyUserID, userID,
			logger.KeyConnectionID, sess.connID,
			logger.KeyError, err)
	}

	logger.Info("session opened",
		logger.KeyUserID, userID,
		logger.KeyVNode, vnode,
		logger.KeyConnectionID, sess.connID)
	n.observeSession("accepted")
	telemetry.SetAttributes(ctx,
		telemetry.ConnectionID(sess.connID),
		telemetry.SessionResult("accepted"))

	return sess
}

// admit inserts the session, then closes any displaced predecessor with a
// going-away close. Insertion happens first so the old socket's teardown
// observes a different current session: it can neither evict the successor
// nor publish its offline.
func (n *Node) admit(sess *session) {
	n.mu.Lock()
	prev := n.clients[sess.userID]
	n.clients[sess.userID] = sess
	n.online[sess.vnode][sess.userID] = presenceEntry{seenAt: n.now()}
	n.mu.Unlock()

	if prev != nil {
		logger.Info("displacing previous session",
			logger.KeyUserID, sess.userID,
			logger.KeyConnectionID, prev.connID)
		prev.close(websocket.CloseGoingAway, "")
		n.observeSession("displaced")
	}

	n.observeGauges()
}

// disconnect removes the session and publishes the offline transition.
// Idempotent: a displaced session's late disconnect must not remove its
// successor.
func (n *Node) disconnect(ctx context.Context, sess *session) {
	n.mu.Lock()
	current, ok := n.clients[sess.userID]
	if !ok || current != sess {
		n.mu.Unlock()
		return
	}
	delete(n.clients, sess.userID)
	delete(n.online[sess.vnode], sess.userID)
	n.mu.Unlock()

	n.publishTransition(ctx, sess.userID, bus.ActionOffline)

	logger.Info("session closed",
		logger.KeyUserID, sess.userID,
		logger.KeyConnectionID, sess.connID)
	n.observeGauges()
}

// publishTransition emits a presence event. Failure is logged and does not
// abort the caller: the lease TTL bounds how long a lost event can lie.
func (n *Node) publishTransition(ctx context.Context, userID string, action bus.Action) {
	ev := bus.Event{
		UserID:    userID,
		Action:    action,
		Timestamp: n.now().UnixMilli(),
		NodeID:    n.cfg.NodeID,
	}
	if err := n.pub.Publish(ctx, ev); err != nil {
		logger.Warn("presence event publish failed",
			logger.KeyUserID, userID,
			logger.KeyAction, string(action),
			logger.KeyError, err)
		n.observePublish(string(action), "error")
		return
	}
	n.observePublish(string(action), "ok")
}

// handleEvent applies one consumed presence event.
//
// Self-published events are skipped (already applied locally), as are
// events for vnodes this node does not own. Application is set-level
// idempotent, so at-least-once redelivery is harmless.
func (n *Node) handleEvent(ctx context.Context, ev bus.Event) error {
	if ev.NodeID == n.cfg.NodeID {
		return nil
	}

	vnode := ring.UserVNode(ev.UserID, n.cfg.VNodeCount)
	if _, owned := n.assigned[vnode]; !owned {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConsume,
		trace.WithAttributes(
			telemetry.UserID(ev.UserID),
			telemetry.Action(string(ev.Action)),
			telemetry.VNode(vnode)))
	defer span.End()

	n.mu.Lock()
	switch ev.Action {
	case bus.ActionOnline:
		n.online[vnode][ev.UserID] = presenceEntry{seenAt: n.now()}
	case bus.ActionOffline:
		delete(n.online[vnode], ev.UserID)
	default:
		n.mu.Unlock()
		err := fmt.Errorf("unknown action %q", ev.Action)
		telemetry.RecordError(ctx, err)
		return err
	}
	sess := n.clients[ev.UserID]
	n.mu.Unlock()

	n.observeConsume(string(ev.Action))
	n.observeGauges()

	if sess != nil {
		if err := sess.send(statusUpdateFrame(string(ev.Action), ev.Timestamp, ev.NodeID)); err != nil {
			logger.Debug("status update push failed",
				logger.KeyUserID, ev.UserID,
				logger.KeyError, err)
		}
	}
	return nil
}

// heartbeat refreshes ownership and per-vnode load in the directory.
func (n *Node) heartbeat(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanHeartbeat,
		trace.WithAttributes(telemetry.InstanceID(n.cfg.NodeID)))
	defer span.End()

	owners := make(map[int]string, len(n.assigned))
	loads := make(map[int]int, len(n.assigned))

	n.mu.Lock()
	for id := range n.assigned {
		owners[id] = n.cfg.NodeID
		loads[id] = len(n.online[id])
	}
	n.mu.Unlock()

	if err := n.dir.PutOwners(ctx, owners, n.cfg.OwnerTTL); err != nil {
		n.observeHeartbeat("error")
		err = fmt.Errorf("refresh ownership: %w", err)
		telemetry.RecordError(ctx, err)
		return err
	}
	if err := n.dir.PutLoads(ctx, loads, n.cfg.OwnerTTL); err != nil {
		n.observeHeartbeat("error")
		err = fmt.Errorf("refresh loads: %w", err)
		telemetry.RecordError(ctx, err)
		return err
	}

	n.observeHeartbeat("ok")
	return nil
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.heartbeat(ctx); err != nil {
				// Next tick retries; ownership survives until the lease runs out.
				logger.Warn("heartbeat failed", logger.KeyError, err)
			}
		}
	}
}

// scrub evicts remote presence entries that have not been refreshed within
// StaleAfter. Locally connected users are never evicted; their liveness is
// the socket itself.
func (n *Node) scrub() int {
	cutoff := n.now().Add(-n.cfg.StaleAfter)
	evicted := 0

	n.mu.Lock()
	for vnode, users := range n.online {
		for userID, entry := range users {
			if _, local := n.clients[userID]; local {
				continue
			}
			if entry.seenAt.Before(cutoff) {
				delete(users, userID)
				evicted++
				logger.Debug("stale presence entry evicted",
					logger.KeyUserID, userID,
					logger.KeyVNode, vnode)
			}
		}
	}
	n.mu.Unlock()

	if evicted > 0 {
		logger.Info("presence scrub completed", logger.KeyCount, evicted)
		n.observeGauges()
	}
	return evicted
}

func (n *Node) scrubLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.StaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.scrub()
		}
	}
}

// OnlineUsers returns the users currently considered online for a vnode.
func (n *Node) OnlineUsers(vnode int) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	users := make([]string, 0, len(n.online[vnode]))
	for userID := range n.online[vnode] {
		users = append(users, userID)
	}
	return users
}

func (n *Node) observeSession(result string) {
	if n.metrics == nil {
		return
	}
	n.metrics.SessionsTotal.WithLabelValues(result).Inc()
}

func (n *Node) observePublish(action, result string) {
	if n.metrics == nil {
		return
	}
	n.metrics.EventsPublished.WithLabelValues(action, result).Inc()
}

func (n *Node) observeConsume(action string) {
	if n.metrics == nil {
		return
	}
	n.metrics.EventsConsumed.WithLabelValues(action).Inc()
}

func (n *Node) observeHeartbeat(result string) {
	if n.metrics == nil {
		return
	}
	n.metrics.Heartbeats.WithLabelValues(result).Inc()
}

func (n *Node) observeGauges() {
	if n.metrics == nil {
		return
	}

	n.mu.Lock()
	sessions := len(n.clients)
	users := 0
	for _, set := range n.online {
		users += len(set)
	}
	n.mu.Unlock()

	n.metrics.SessionsActive.Set(float64(sessions))
	n.metrics.OnlineUsers.Set(float64(users))
}
