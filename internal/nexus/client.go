package nexus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mpieniak01/venom/pkg/types"
)

// ============================================================================
// GRPCNodeClient - master → spore
// ============================================================================

// GRPCNodeClient 以 gRPC 呼叫節點的 Execute，連線依位址快取
type GRPCNodeClient struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewGRPCNodeClient 未指定 DialOption 時使用 insecure 傳輸
func NewGRPCNodeClient(opts ...grpc.DialOption) *GRPCNodeClient {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCNodeClient{
		conns: make(map[string]*grpc.ClientConn),
		opts:  opts,
	}
}

func (c *GRPCNodeClient) conn(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node %s: %w", address, err)
	}
	c.conns[address] = conn
	return conn, nil
}

// Execute 實作 NodeClient
func (c *GRPCNodeClient) Execute(ctx context.Context, node types.NodeRecord, skill string, params map[string]string) (string, error) {
	conn, err := c.conn(node.Address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"skill":  skill,
		"params": stringMapToAny(params),
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, methodExecute, req, out); err != nil {
		return "", fromStatus(node.NodeID, err)
	}
	return stringField(out, "result"), nil
}

// Close 關閉所有快取的連線
func (c *GRPCNodeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

// fromStatus 將 gRPC 狀態碼轉為 nexus 錯誤
func fromStatus(nodeID string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrRemoteTimeout, st.Message())
	case codes.Canceled:
		return context.Canceled
	case codes.Aborted:
		return &RemoteError{NodeID: nodeID, Message: st.Message()}
	default:
		return fmt.Errorf("%w: %s", ErrNodeUnavailable, st.Message())
	}
}

// ============================================================================
// MasterClient - spore → master
// ============================================================================

// MasterClient 節點呼叫 master 的 Register / Heartbeat / Deregister
type MasterClient struct {
	conn grpc.ClientConnInterface
}

func NewMasterClient(conn grpc.ClientConnInterface) *MasterClient {
	return &MasterClient{conn: conn}
}

// Register 回傳 master 的心跳視窗
func (m *MasterClient) Register(ctx context.Context, nodeID, address string, capabilities []string) (time.Duration, error) {
	req, err := structpb.NewStruct(map[string]any{
		"node_id":      nodeID,
		"address":      address,
		"capabilities": stringsToAny(capabilities),
	})
	if err != nil {
		return 0, err
	}
	out := new(structpb.Struct)
	if err := m.conn.Invoke(ctx, methodRegister, req, out); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return 0, fmt.Errorf("%w: %s", ErrNodeExists, nodeID)
		}
		return 0, fmt.Errorf("rpc register failed: %w", err)
	}
	return time.Duration(numberField(out, "heartbeat_window_ms")) * time.Millisecond, nil
}

// Heartbeat 回傳 master 是否要求重新註冊
func (m *MasterClient) Heartbeat(ctx context.Context, nodeID string, load int) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{
		"node_id": nodeID,
		"load":    float64(load),
	})
	if err != nil {
		return false, err
	}
	out := new(structpb.Struct)
	if err := m.conn.Invoke(ctx, methodHeartbeat, req, out); err != nil {
		return false, fmt.Errorf("rpc heartbeat failed: %w", err)
	}
	return boolField(out, "reregister"), nil
}

// Deregister 通知 master 節點離線
func (m *MasterClient) Deregister(ctx context.Context, nodeID string) error {
	req, err := structpb.NewStruct(map[string]any{"node_id": nodeID})
	if err != nil {
		return err
	}
	if err := m.conn.Invoke(ctx, methodDeregister, req, new(structpb.Struct)); err != nil {
		return fmt.Errorf("rpc deregister failed: %w", err)
	}
	return nil
}
