package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/marmos91/presenced/internal/telemetry"
	"github.com/marmos91/presenced/pkg/auth"
	"github.com/marmos91/presenced/pkg/bus"
	busmemory "github.com/marmos91/presenced/pkg/bus/memory"
	dirmemory "github.com/marmos91/presenced/pkg/directory/memory"
	"github.com/marmos91/presenced/pkg/ring"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	node *Node
	bus  *busmemory.Bus
	dir  *dirmemory.Directory
	auth *auth.Service
}

// newFixture builds a node owning the given vnodes on a ring of size V,
// backed by the in-memory directory and bus.
func newFixture(t *testing.T, vnodeCount int, assigned []int) *fixture {
	t.Helper()

	dir := dirmemory.New()
	b := busmemory.New()
	authSvc, err := auth.NewService(testSecret)
	require.NoError(t, err)

	n, err := New(Config{
		NodeID:         "node-a",
		AssignedVNodes: assigned,
		VNodeCount:     vnodeCount,
	}, dir, b.Publisher(), b.Consumer(), authSvc)
	require.NoError(t, err)

	return &fixture{node: n, bus: b, dir: dir, auth: authSvc}
}

// dial opens a websocket connection to the node's connect handler with the
// given token carried as a query parameter.
func (f *fixture) dial(t *testing.T, token string) (*websocket.Conn, *http.Response) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(f.node.handleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, resp
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()

	token, err := f.auth.Sign(userID, time.Minute)
	require.NoError(t, err)
	return token
}

// readFrame reads one JSON frame with a short deadline.
func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readClose reads until the connection closes and returns the close code
// and reason.
func readClose(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code, closeErr.Text
	}
}

func TestConnect_Welcome(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()

	welcome := readFrame(t, conn)
	assert.Equal(t, frameWelcome, welcome.Type)
	assert.Equal(t, "u1", welcome.UserID)
	assert.Equal(t, "node-a", welcome.NodeID)
	assert.NotZero(t, welcome.Timestamp)

	// The online event is on the bus and the user is in the presence set.
	history := f.bus.History()
	require.Len(t, history, 1)
	assert.Equal(t, bus.ActionOnline, history[0].Action)
	assert.Equal(t, "u1", history[0].UserID)
	assert.Equal(t, "node-a", history[0].NodeID)
	assert.Contains(t, f.node.OnlineUsers(0), "u1")
}

func TestConnect_NoToken(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	conn, _ := f.dial(t, "")
	defer conn.Close()

	code, reason := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, reasonNoToken, reason)
	assert.Empty(t, f.bus.History())
}

func TestConnect_InvalidToken(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	conn, _ := f.dial(t, "garbage")
	defer conn.Close()

	code, reason := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, reasonInvalidToken, reason)
	assert.Empty(t, f.bus.History())
}

func TestConnect_OwnershipRejection(t *testing.T) {
	// u1 hashes to vnode 221 on V=1024; this node owns only 0..2.
	f := newFixture(t, 1024, []int{0, 1, 2})
	require.NotContains(t, []int{0, 1, 2}, ring.UserVNode("u1", 1024))

	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()

	code, reason := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, reasonNotOwned, reason)

	// No online event published for a refused user.
	assert.Empty(t, f.bus.History())
}

func TestConnect_DisplacesDuplicate(t *testing.T) {
	f := newFixture(t, 1, []int{0})
	token := f.token(t, "u1")

	first, _ := f.dial(t, token)
	defer first.Close()
	readFrame(t, first) // welcome

	second, _ := f.dial(t, token)
	defer second.Close()
	readFrame(t, second) // welcome

	// The first session is told to go away.
	code, _ := readClose(t, first)
	assert.Equal(t, websocket.CloseGoingAway, code)

	// The user stays online: the displaced socket's teardown must not
	// remove the successor session.
	require.Eventually(t, func() bool {
		f.node.mu.Lock()
		defer f.node.mu.Unlock()
		return f.node.clients["u1"] != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.node.OnlineUsers(0), "u1")
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":123}`)))
	pong := readFrame(t, conn)
	assert.Equal(t, framePong, pong.Type)
	assert.NotZero(t, pong.Timestamp)
}

func TestMalformedFrameKeepsSession(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	pong := readFrame(t, conn)
	assert.Equal(t, framePong, pong.Type)
}

func TestDisconnect_PublishesOffline(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	conn, _ := f.dial(t, f.token(t, "u1"))
	readFrame(t, conn) // welcome
	conn.Close()

	require.Eventually(t, func() bool {
		history := f.bus.History()
		return len(history) == 2 && history[1].Action == bus.ActionOffline
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.node.OnlineUsers(0))
}

func TestHandleEvent_RemotePresence(t *testing.T) {
	f := newFixture(t, 1, []int{0})
	ctx := context.Background()

	ev := bus.Event{UserID: "u1", Action: bus.ActionOnline, Timestamp: 1, NodeID: "node-b"}
	require.NoError(t, f.node.handleEvent(ctx, ev))
	assert.Contains(t, f.node.OnlineUsers(0), "u1")

	// Replays are idempotent.
	require.NoError(t, f.node.handleEvent(ctx, ev))
	assert.Len(t, f.node.OnlineUsers(0), 1)

	off := bus.Event{UserID: "u1", Action: bus.ActionOffline, Timestamp: 2, NodeID: "node-b"}
	require.NoError(t, f.node.handleEvent(ctx, off))
	assert.Empty(t, f.node.OnlineUsers(0))

	// Removing an absent member is a no-op.
	require.NoError(t, f.node.handleEvent(ctx, off))
	assert.Empty(t, f.node.OnlineUsers(0))
}

func TestHandleEvent_SkipsSelf(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	ev := bus.Event{UserID: "u1", Action: bus.ActionOnline, Timestamp: 1, NodeID: "node-a"}
	require.NoError(t, f.node.handleEvent(context.Background(), ev))
	assert.Empty(t, f.node.OnlineUsers(0))
}

func TestHandleEvent_SkipsUnownedVNode(t *testing.T) {
	f := newFixture(t, 1024, []int{0})
	v := ring.UserVNode("u1", 1024)
	require.NotEqual(t, 0, v)

	ev := bus.Event{UserID: "u1", Action: bus.ActionOnline, Timestamp: 1, NodeID: "node-b"}
	require.NoError(t, f.node.handleEvent(context.Background(), ev))
	assert.Empty(t, f.node.OnlineUsers(0))
	assert.Empty(t, f.node.OnlineUsers(v))
}

func TestHandleEvent_PushesStatusUpdate(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()
	readFrame(t, conn) // welcome

	// Remote event for a second user in the same vnode: the connected
	// user's dashboard does not change. An event naming the connected user
	// from another node does push a frame.
	ev := bus.Event{UserID: "u1", Action: bus.ActionOnline, Timestamp: 42, NodeID: "node-b"}
	require.NoError(t, f.node.handleEvent(context.Background(), ev))

	update := readFrame(t, conn)
	assert.Equal(t, frameStatusUpdate, update.Type)
	assert.Equal(t, "online", update.Action)
	assert.Equal(t, int64(42), update.Timestamp)
	assert.Equal(t, "node-b", update.SourceNodeID)
}

func TestHeartbeat_WritesOwnershipAndLoad(t *testing.T) {
	f := newFixture(t, 16, []int{3, 7})
	ctx := context.Background()

	// One remote user online in vnode 3.
	f.node.mu.Lock()
	f.node.online[3]["u-remote"] = presenceEntry{seenAt: time.Now()}
	f.node.mu.Unlock()

	require.NoError(t, f.node.heartbeat(ctx))

	owners, err := f.dir.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{3: "node-a", 7: "node-a"}, owners)

	loads, err := f.dir.Loads(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{3: 1, 7: 0}, loads)
}

func TestHeartbeat_FailureSurfaces(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	n, err := New(f.node.cfg, failingDirectory{}, f.bus.Publisher(), f.bus.Consumer(), f.auth)
	require.NoError(t, err)

	assert.Error(t, n.heartbeat(context.Background()))
}

func TestScrub_EvictsStaleRemoteSparesLocal(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	now := time.Now()
	f.node.now = func() time.Time { return now }

	// Local session for u1.
	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()
	readFrame(t, conn) // welcome

	// Remote entries: one fresh, one stale.
	require.NoError(t, f.node.handleEvent(context.Background(),
		bus.Event{UserID: "u-stale", Action: bus.ActionOnline, Timestamp: 1, NodeID: "node-b"}))

	now = now.Add(f.node.cfg.StaleAfter + time.Second)
	require.NoError(t, f.node.handleEvent(context.Background(),
		bus.Event{UserID: "u-fresh", Action: bus.ActionOnline, Timestamp: 2, NodeID: "node-b"}))

	evicted := f.node.scrub()
	assert.Equal(t, 1, evicted)

	online := f.node.OnlineUsers(0)
	assert.Contains(t, online, "u1")      // local, never scrubbed
	assert.Contains(t, online, "u-fresh") // recent remote
	assert.NotContains(t, online, "u-stale")
}

func TestStartStop_Lifecycle(t *testing.T) {
	f := newFixture(t, 1, []int{0})
	// Random port so the test never collides with a running node.
	f.node.server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.node.Start(ctx) }()

	// The initial heartbeat registers ownership before connections arrive.
	require.Eventually(t, func() bool {
		owners, err := f.dir.Owners(context.Background())
		return err == nil && owners[0] == "node-a"
	}, 2*time.Second, 10*time.Millisecond)

	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()
	readFrame(t, conn) // welcome

	cancel()

	// Live sessions are told to go away on shutdown.
	code, _ := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, code)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * f.node.cfg.ShutdownTimeout):
		t.Fatal("node did not stop within the shutdown timeout")
	}
}

func TestStart_FailsFastWhenDirectoryIsDown(t *testing.T) {
	f := newFixture(t, 1, []int{0})

	n, err := New(f.node.cfg, failingDirectory{}, f.bus.Publisher(), f.bus.Consumer(), f.auth)
	require.NoError(t, err)

	err = n.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial heartbeat")
}

func TestTracing_NodeSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t, 1, []int{0})
	require.NoError(t, f.node.heartbeat(context.Background()))
	require.NoError(t, f.node.handleEvent(context.Background(),
		bus.Event{UserID: "u2", Action: bus.ActionOnline, Timestamp: 1, NodeID: "node-b"}))

	conn, _ := f.dial(t, f.token(t, "u1"))
	defer conn.Close()
	readFrame(t, conn) // welcome

	spanNames := func() map[string]bool {
		names := make(map[string]bool)
		for _, s := range recorder.Ended() {
			names[s.Name()] = true
		}
		return names
	}
	assert.True(t, spanNames()[telemetry.SpanHeartbeat])
	assert.True(t, spanNames()[telemetry.SpanConsume])
	// The connect span ends on the server goroutine after the welcome frame.
	require.Eventually(t, func() bool {
		return spanNames()[telemetry.SpanConnect]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	dir := dirmemory.New()
	b := busmemory.New()
	authSvc, err := auth.NewService(testSecret)
	require.NoError(t, err)

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing node id", Config{AssignedVNodes: []int{0}, VNodeCount: 16}},
		{"no vnodes", Config{NodeID: "n", VNodeCount: 16}},
		{"vnode out of range", Config{NodeID: "n", AssignedVNodes: []int{16}, VNodeCount: 16}},
		{"ttl below heartbeat", Config{
			NodeID: "n", AssignedVNodes: []int{0}, VNodeCount: 16,
			HeartbeatInterval: time.Minute, OwnerTTL: time.Second,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, dir, b.Publisher(), b.Consumer(), authSvc)
			assert.Error(t, err)
		})
	}
}

type failingDirectory struct{}

func (failingDirectory) Owners(context.Context) (map[int]string, error) {
	return nil, assert.AnError
}

func (failingDirectory) PutOwners(context.Context, map[int]string, time.Duration) error {
	return assert.AnError
}

func (failingDirectory) DeleteOwners(context.Context, []int) error { return assert.AnError }

func (failingDirectory) Loads(context.Context) (map[int]int, error) {
	return nil, assert.AnError
}

func (failingDirectory) PutLoads(context.Context, map[int]int, time.Duration) error {
	return assert.AnError
}

func (failingDirectory) UserInstance(context.Context, string) (string, error) {
	return "", assert.AnError
}

func (failingDirectory) PutUserInstance(context.Context, string, string, time.Duration) error {
	return assert.AnError
}

func (failingDirectory) Ping(context.Context) error { return assert.AnError }

func (failingDirectory) Close() error { return nil }
