package nexus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpieniak01/venom/internal/events"
	"github.com/mpieniak01/venom/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubClient struct {
	result string
	err    error
	block  bool
	calls  int
}

func (c *stubClient) Execute(ctx context.Context, node types.NodeRecord, skill string, params map[string]string) (string, error) {
	c.calls++
	if c.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.result, c.err
}

func newTestRegistry(t *testing.T, client NodeClient) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(Config{HeartbeatWindow: 10 * time.Second, OfflineGrace: time.Minute}, client, nil, nil)
	r.now = clock.Now
	return r, clock
}

// ============================================================================
// Registration Tests
// ============================================================================

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *Registry)
		nodeID  string
		address string
		wantErr error
	}{
		{name: "new node", nodeID: "n1", address: "10.0.0.1:7070"},
		{name: "missing id", nodeID: " ", address: "10.0.0.1:7070", wantErr: ErrInvalidNode},
		{name: "missing address", nodeID: "n1", wantErr: ErrInvalidNode},
		{
			name:    "duplicate",
			setup:   func(r *Registry) { r.Register("n1", "a:1", nil) },
			nodeID:  "n1",
			address: "a:2",
			wantErr: ErrNodeExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, nil)
			if tt.setup != nil {
				tt.setup(r)
			}
			err := r.Register(tt.nodeID, tt.address, []string{"llm"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			node, ok := r.Get(tt.nodeID)
			require.True(t, ok)
			assert.Equal(t, types.HealthActive, node.Health)
			assert.Equal(t, []string{"llm"}, node.Capabilities)
		})
	}
}

func TestOfflineNodeMayReregister(t *testing.T) {
	r, clock := newTestRegistry(t, nil)
	require.NoError(t, r.Register("n1", "a:1", nil))

	clock.Advance(25 * time.Second)
	r.Sweep()
	node, _ := r.Get("n1")
	require.Equal(t, types.HealthOffline, node.Health)

	assert.ErrorIs(t, r.Heartbeat("n1", 0), ErrNodeOffline)
	require.NoError(t, r.Register("n1", "a:9", []string{"code"}))

	node, _ = r.Get("n1")
	assert.Equal(t, types.HealthActive, node.Health)
	assert.Equal(t, "a:9", node.Address)
	assert.Nil(t, node.OfflineSince)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	assert.ErrorIs(t, r.Heartbeat("ghost", 1), ErrNodeNotFound)
	assert.ErrorIs(t, r.Deregister("ghost"), ErrNodeNotFound)
}

func TestDeregister(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register("n1", "a:1", nil))
	require.NoError(t, r.Deregister("n1"))
	_, ok := r.Get("n1")
	assert.False(t, ok)
	assert.Empty(t, r.List())
}

// ============================================================================
// Health State Machine Tests
// ============================================================================

func TestHealthTransitions(t *testing.T) {
	r, clock := newTestRegistry(t, nil)
	require.NoError(t, r.Register("n1", "a:1", nil))

	clock.Advance(5 * time.Second)
	r.Sweep()
	node, _ := r.Get("n1")
	assert.Equal(t, types.HealthActive, node.Health, "within the window")

	clock.Advance(7 * time.Second) // 12s since heartbeat
	r.Sweep()
	node, _ = r.Get("n1")
	assert.Equal(t, types.HealthDegraded, node.Health)

	require.NoError(t, r.Heartbeat("n1", 3))
	node, _ = r.Get("n1")
	assert.Equal(t, types.HealthActive, node.Health, "heartbeat restores a degraded node")
	assert.Equal(t, 3, node.Load)

	clock.Advance(21 * time.Second)
	r.Sweep()
	node, _ = r.Get("n1")
	assert.Equal(t, types.HealthOffline, node.Health)
	require.NotNil(t, node.OfflineSince)

	clock.Advance(30 * time.Second)
	r.Sweep()
	_, ok := r.Get("n1")
	assert.True(t, ok, "still within offline grace")

	clock.Advance(31 * time.Second)
	r.Sweep()
	_, ok = r.Get("n1")
	assert.False(t, ok, "removed after offline grace")
}

func TestHealthEventsPublished(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicNode, 8)

	clock := &fakeClock{now: time.Now()}
	r := NewRegistry(Config{HeartbeatWindow: 10 * time.Second}, nil, bus, nil)
	r.now = clock.Now

	require.NoError(t, r.Register("n1", "a:1", nil))
	clock.Advance(11 * time.Second)
	r.Sweep()

	registered := (<-sub).(events.NodeEvent)
	assert.Equal(t, events.EventTypeNodeRegistered, registered.Type)

	degraded := (<-sub).(events.NodeEvent)
	assert.Equal(t, events.EventTypeNodeHealth, degraded.Type)
	assert.Equal(t, types.HealthActive, degraded.OldHealth)
	assert.Equal(t, types.HealthDegraded, degraded.Health)
}

func TestSweepLoop(t *testing.T) {
	r := NewRegistry(Config{HeartbeatWindow: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil, nil, nil)
	require.NoError(t, r.Register("n1", "a:1", nil))
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool {
		node, ok := r.Get("n1")
		return ok && node.Health == types.HealthOffline
	}, time.Second, 5*time.Millisecond)
}

// ============================================================================
// Selection Tests
// ============================================================================

func TestSelect(t *testing.T) {
	r, clock := newTestRegistry(t, nil)
	require.NoError(t, r.Register("busy", "a:1", []string{"llm"}))
	require.NoError(t, r.Register("idle-old", "a:2", []string{"llm"}))
	require.NoError(t, r.Register("idle-new", "a:3", []string{"llm"}))
	require.NoError(t, r.Register("coder", "a:4", []string{"code"}))

	require.NoError(t, r.Heartbeat("busy", 5))
	require.NoError(t, r.Heartbeat("idle-old", 1))
	clock.Advance(time.Second)
	require.NoError(t, r.Heartbeat("idle-new", 1))

	node, err := r.Select("llm")
	require.NoError(t, err)
	assert.Equal(t, "idle-new", node.NodeID, "lowest load, most recent heartbeat wins")

	node, err = r.Select("code")
	require.NoError(t, err)
	assert.Equal(t, "coder", node.NodeID)

	_, err = r.Select("vision")
	assert.ErrorIs(t, err, ErrNoHealthyNode)
	assert.True(t, Retryable(err))
}

func TestSelectSkipsDegradedNodes(t *testing.T) {
	r, clock := newTestRegistry(t, nil)
	require.NoError(t, r.Register("n1", "a:1", []string{"llm"}))
	clock.Advance(11 * time.Second)
	r.Sweep()

	_, err := r.Select("llm")
	assert.ErrorIs(t, err, ErrNoHealthyNode)
}

// ============================================================================
// Remote Execution Tests
// ============================================================================

func TestExecuteOnNode(t *testing.T) {
	tests := []struct {
		name         string
		client       *stubClient
		timeout      time.Duration
		wantResult   string
		wantErr      error
		wantHealth   types.NodeHealth
		wantRetry    bool
		remoteFailed bool
	}{
		{
			name:       "success",
			client:     &stubClient{result: "42"},
			wantResult: "42",
			wantHealth: types.HealthActive,
		},
		{
			name:         "skill failure keeps node healthy",
			client:       &stubClient{err: &RemoteError{NodeID: "n1", Message: "bad input"}},
			wantHealth:   types.HealthActive,
			remoteFailed: true,
		},
		{
			name:       "transport failure degrades node",
			client:     &stubClient{err: errors.New("connection refused")},
			wantErr:    ErrNodeUnavailable,
			wantHealth: types.HealthDegraded,
			wantRetry:  true,
		},
		{
			name:       "timeout degrades node",
			client:     &stubClient{block: true},
			timeout:    20 * time.Millisecond,
			wantErr:    ErrRemoteTimeout,
			wantHealth: types.HealthDegraded,
			wantRetry:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, tt.client)
			require.NoError(t, r.Register("n1", "a:1", []string{"llm"}))

			result, err := r.ExecuteOnNode(context.Background(), "n1", "llm.chat", nil, tt.timeout)
			switch {
			case tt.remoteFailed:
				var remoteErr *RemoteError
				assert.True(t, errors.As(err, &remoteErr))
				assert.False(t, Retryable(err))
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.wantRetry, Retryable(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantResult, result)
			}

			node, _ := r.Get("n1")
			assert.Equal(t, tt.wantHealth, node.Health)
			assert.Equal(t, 1, tt.client.calls, "no automatic retry")
		})
	}
}

func TestExecuteOnUnavailableNode(t *testing.T) {
	client := &stubClient{result: "x"}
	r, clock := newTestRegistry(t, client)

	_, err := r.ExecuteOnNode(context.Background(), "ghost", "llm.chat", nil, time.Second)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	require.NoError(t, r.Register("n1", "a:1", nil))
	clock.Advance(25 * time.Second)
	r.Sweep()

	_, err = r.ExecuteOnNode(context.Background(), "n1", "llm.chat", nil, time.Second)
	assert.ErrorIs(t, err, ErrNodeOffline)
	assert.Equal(t, 0, client.calls)
}

func TestExecuteCallerCancellation(t *testing.T) {
	r, _ := newTestRegistry(t, &stubClient{block: true})
	require.NoError(t, r.Register("n1", "a:1", nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.ExecuteOnNode(ctx, "n1", "llm.chat", nil, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	node, _ := r.Get("n1")
	assert.Equal(t, types.HealthActive, node.Health, "caller cancellation is not a node failure")
}

func TestExecuteAuto(t *testing.T) {
	r, _ := newTestRegistry(t, &stubClient{result: "ok"})
	require.NoError(t, r.Register("n1", "a:1", []string{"llm"}))

	result, nodeID, err := r.ExecuteAuto(context.Background(), "llm", "llm.chat", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "n1", nodeID)

	_, _, err = r.ExecuteAuto(context.Background(), "vision", "vision.analyze", nil, time.Second)
	assert.ErrorIs(t, err, ErrNoHealthyNode)
}
