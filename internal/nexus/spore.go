// ============================================================================
// Spore - 遠端節點代理
// ============================================================================
//
// 生命週期:
//   1. Start() - 以指數退避向 master 註冊
//   2. 心跳循環 - 每個間隔回報目前負載；master 要求時重新註冊
//   3. Execute() - 由 gRPC 呼叫，經 SkillExecutor 執行技能
//   4. Stop() - 停止心跳並向 master 註銷
//
// ============================================================================

package nexus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Master 節點與 master 之間的控制面（由 MasterClient 實作）
type Master interface {
	Register(ctx context.Context, nodeID, address string, capabilities []string) (time.Duration, error)
	Heartbeat(ctx context.Context, nodeID string, load int) (bool, error)
	Deregister(ctx context.Context, nodeID string) error
}

// SkillExecutor 節點本地的技能執行器
type SkillExecutor interface {
	Execute(ctx context.Context, skill string, params map[string]string) (string, error)
}

// SporeConfig 節點設定
type SporeConfig struct {
	NodeID            string
	Address           string // 對 master 公告的位址
	Capabilities      []string
	HeartbeatInterval time.Duration // 0 表示使用 master 視窗的 1/3
	RegisterTimeout   time.Duration // 註冊重試的總時間上限
}

// Spore 節點代理
type Spore struct {
	config   SporeConfig
	master   Master
	executor SkillExecutor

	load     atomic.Int64
	executed atomic.Uint64

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSpore 建立節點代理
func NewSpore(config SporeConfig, master Master, executor SkillExecutor) *Spore {
	if config.RegisterTimeout <= 0 {
		config.RegisterTimeout = time.Minute
	}
	return &Spore{
		config:   config,
		master:   master,
		executor: executor,
		stopCh:   make(chan struct{}),
	}
}

// Start 註冊並啟動心跳循環
func (s *Spore) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("spore already started")
	}
	s.started = true
	s.mu.Unlock()

	window, err := s.register(ctx)
	if err != nil {
		return err
	}

	interval := s.config.HeartbeatInterval
	if interval <= 0 {
		interval = window / 3
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}

	s.wg.Add(1)
	go s.heartbeatLoop(interval)

	log.Info("Spore started",
		"nodeID", s.config.NodeID,
		"address", s.config.Address,
		"capabilities", s.config.Capabilities,
		"heartbeatInterval", interval)
	return nil
}

// register 以指數退避重試；ErrNodeExists 不重試
func (s *Spore) register(ctx context.Context) (time.Duration, error) {
	var window time.Duration
	operation := func() error {
		w, err := s.master.Register(ctx, s.config.NodeID, s.config.Address, s.config.Capabilities)
		if errors.Is(err, ErrNodeExists) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warn("Register failed, retrying", "nodeID", s.config.NodeID, "error", err)
			return err
		}
		window = w
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = s.config.RegisterTimeout

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return 0, fmt.Errorf("register %s: %w", s.config.NodeID, err)
	}
	return window, nil
}

func (s *Spore) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			s.heartbeat(ctx)
			cancel()
		}
	}
}

// heartbeat 送出一次心跳，必要時重新註冊
func (s *Spore) heartbeat(ctx context.Context) {
	reregister, err := s.master.Heartbeat(ctx, s.config.NodeID, s.Load())
	if err != nil {
		log.Warn("Heartbeat failed", "nodeID", s.config.NodeID, "error", err)
		return
	}
	if !reregister {
		return
	}
	log.Warn("Master requested re-registration", "nodeID", s.config.NodeID)
	if _, err := s.master.Register(ctx, s.config.NodeID, s.config.Address, s.config.Capabilities); err != nil {
		log.Error("Re-registration failed", "nodeID", s.config.NodeID, "error", err)
	}
}

// Stop 停止心跳並註銷
func (s *Spore) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	if err := s.master.Deregister(ctx, s.config.NodeID); err != nil {
		return fmt.Errorf("deregister %s: %w", s.config.NodeID, err)
	}
	log.Info("Spore stopped", "nodeID", s.config.NodeID, "executed", s.executed.Load())
	return nil
}

// Load 目前執行中的請求數
func (s *Spore) Load() int {
	return int(s.load.Load())
}

// Execute 實作 SporeServer；技能失敗以 codes.Aborted 回報
func (s *Spore) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	skill := stringField(req, "skill")
	if skill == "" {
		return nil, status.Error(codes.InvalidArgument, "skill is required")
	}

	s.load.Add(1)
	defer s.load.Add(-1)

	result, err := s.executor.Execute(ctx, skill, stringMapField(req, "params"))
	s.executed.Add(1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return structpb.NewStruct(map[string]any{"result": result})
}
