package nexus

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mpieniak01/venom/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type executorFunc func(ctx context.Context, skill string, params map[string]string) (string, error)

func (f executorFunc) Execute(ctx context.Context, skill string, params map[string]string) (string, error) {
	return f(ctx, skill, params)
}

func serve(t *testing.T, register func(*grpc.Server)) []grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func dialMaster(t *testing.T, registry *Registry) *MasterClient {
	t.Helper()
	opts := serve(t, func(s *grpc.Server) { RegisterNexusServer(s, NewService(registry)) })
	conn, err := grpc.NewClient("passthrough:///nexus", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewMasterClient(conn)
}

// ============================================================================
// Control Plane Tests
// ============================================================================

func TestMasterServiceRoundTrip(t *testing.T) {
	registry := NewRegistry(Config{HeartbeatWindow: 6 * time.Second}, nil, nil, nil)
	master := dialMaster(t, registry)
	ctx := context.Background()

	window, err := master.Register(ctx, "spore-1", "10.0.0.5:7070", []string{"llm", "code"})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, window)

	node, ok := registry.Get("spore-1")
	require.True(t, ok)
	assert.Equal(t, []string{"llm", "code"}, node.Capabilities)

	_, err = master.Register(ctx, "spore-1", "10.0.0.5:7070", nil)
	assert.ErrorIs(t, err, ErrNodeExists)

	reregister, err := master.Heartbeat(ctx, "spore-1", 4)
	require.NoError(t, err)
	assert.False(t, reregister)
	node, _ = registry.Get("spore-1")
	assert.Equal(t, 4, node.Load)

	reregister, err = master.Heartbeat(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.True(t, reregister)

	require.NoError(t, master.Deregister(ctx, "spore-1"))
	assert.Error(t, master.Deregister(ctx, "spore-1"))
}

func TestSporeLifecycle(t *testing.T) {
	registry := NewRegistry(Config{HeartbeatWindow: time.Minute}, nil, nil, nil)
	master := dialMaster(t, registry)

	spore := NewSpore(SporeConfig{
		NodeID:            "spore-1",
		Address:           "10.0.0.5:7070",
		Capabilities:      []string{"llm"},
		HeartbeatInterval: 10 * time.Millisecond,
	}, master, executorFunc(func(ctx context.Context, skill string, params map[string]string) (string, error) {
		return "ok", nil
	}))

	require.NoError(t, spore.Start(context.Background()))
	_, ok := registry.Get("spore-1")
	require.True(t, ok)

	// master forgets the node; the next heartbeat re-registers it
	require.NoError(t, registry.Deregister("spore-1"))
	assert.Eventually(t, func() bool {
		_, ok := registry.Get("spore-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, spore.Stop(context.Background()))
	_, ok = registry.Get("spore-1")
	assert.False(t, ok)
}

type flakyMaster struct {
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (m *flakyMaster) Register(ctx context.Context, nodeID, address string, caps []string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	if m.calls <= m.failures {
		return 0, errors.New("master unreachable")
	}
	return time.Second, nil
}

func (m *flakyMaster) Heartbeat(ctx context.Context, nodeID string, load int) (bool, error) {
	return false, nil
}

func (m *flakyMaster) Deregister(ctx context.Context, nodeID string) error { return nil }

func TestSporeRegisterRetries(t *testing.T) {
	master := &flakyMaster{failures: 2}
	spore := NewSpore(SporeConfig{NodeID: "n1", Address: "a:1"}, master, nil)

	require.NoError(t, spore.Start(context.Background()))
	defer spore.Stop(context.Background())
	assert.Equal(t, 3, master.calls)
}

func TestSporeRegisterDuplicateIsPermanent(t *testing.T) {
	master := &flakyMaster{err: ErrNodeExists}
	spore := NewSpore(SporeConfig{NodeID: "n1", Address: "a:1"}, master, nil)

	err := spore.Start(context.Background())
	assert.ErrorIs(t, err, ErrNodeExists)
	assert.Equal(t, 1, master.calls)
}

// ============================================================================
// Execution Plane Tests
// ============================================================================

func TestRemoteExecutionOverGRPC(t *testing.T) {
	release := make(chan struct{})
	spore := NewSpore(SporeConfig{NodeID: "spore-1"}, nil, executorFunc(
		func(ctx context.Context, skill string, params map[string]string) (string, error) {
			switch skill {
			case "llm.chat":
				return "echo: " + params["input"], nil
			case "slow":
				<-release
				return "late", nil
			default:
				return "", errors.New("unsupported skill " + skill)
			}
		}))
	opts := serve(t, func(s *grpc.Server) { RegisterSporeServer(s, spore) })

	client := NewGRPCNodeClient(opts...)
	defer client.Close()
	registry := NewRegistry(Config{HeartbeatWindow: time.Minute}, client, nil, nil)
	require.NoError(t, registry.Register("spore-1", "passthrough:///spore-1", []string{"llm"}))

	ctx := context.Background()
	result, err := registry.ExecuteOnNode(ctx, "spore-1", "llm.chat", map[string]string{"input": "ping"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", result)

	_, err = registry.ExecuteOnNode(ctx, "spore-1", "teleport", nil, time.Second)
	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Contains(t, remoteErr.Message, "unsupported skill teleport")
	node, _ := registry.Get("spore-1")
	assert.Equal(t, types.HealthActive, node.Health)

	done := make(chan error, 1)
	go func() {
		_, err := registry.ExecuteOnNode(ctx, "spore-1", "slow", nil, 30*time.Millisecond)
		done <- err
	}()
	assert.Eventually(t, func() bool { return spore.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, <-done, ErrRemoteTimeout)
	close(release)

	node, _ = registry.Get("spore-1")
	assert.Equal(t, types.HealthDegraded, node.Health)
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), ErrRemoteTimeout},
		{"unavailable", status.Error(codes.Unavailable, "down"), ErrNodeUnavailable},
		{"canceled", status.Error(codes.Canceled, "bye"), context.Canceled},
		{"plain error", errors.New("eof"), ErrNodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, fromStatus("n1", tt.err), tt.want)
		})
	}

	var remoteErr *RemoteError
	require.True(t, errors.As(fromStatus("n1", status.Error(codes.Aborted, "skill failed")), &remoteErr))
	assert.Equal(t, "n1", remoteErr.NodeID)
}
