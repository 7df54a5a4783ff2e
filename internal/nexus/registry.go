// Package nexus 管理遠端 Spore 節點：註冊、心跳、健康狀態與遠端執行
//
// 健康狀態機（由 sweep 依心跳間隔推進）：
//
//	ACTIVE --錯過 1 個視窗--> DEGRADED --錯過 2 個視窗--> OFFLINE --超過 grace--> 移除
//	DEGRADED --心跳--> ACTIVE
//	OFFLINE 節點必須重新註冊
package nexus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mpieniak01/venom/internal/events"
	"github.com/mpieniak01/venom/internal/metrics"
	"github.com/mpieniak01/venom/pkg/types"
)

var log = slog.Default()

// NodeClient 對節點發出執行請求的傳輸層
type NodeClient interface {
	Execute(ctx context.Context, node types.NodeRecord, skill string, params map[string]string) (string, error)
}

// Config 註冊表設定
type Config struct {
	HeartbeatWindow time.Duration // 每錯過一個視窗降一級
	OfflineGrace    time.Duration // OFFLINE 超過此時間即移除
	SweepInterval   time.Duration // 健康掃描間隔，預設為 HeartbeatWindow / 2
}

func (c *Config) applyDefaults() {
	if c.HeartbeatWindow <= 0 {
		c.HeartbeatWindow = 10 * time.Second
	}
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatWindow / 2
	}
}

// Registry 節點表的唯一擁有者
type Registry struct {
	config  Config
	client  NodeClient
	bus     *events.EventBus
	metrics *metrics.Collector
	now     func() time.Time

	mu    sync.RWMutex
	nodes map[string]*types.NodeRecord

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry 建立註冊表；bus 與 metrics 可為 nil
func NewRegistry(config Config, client NodeClient, bus *events.EventBus, m *metrics.Collector) *Registry {
	config.applyDefaults()
	return &Registry{
		config:  config,
		client:  client,
		bus:     bus,
		metrics: m,
		now:     time.Now,
		nodes:   make(map[string]*types.NodeRecord),
		stopCh:  make(chan struct{}),
	}
}

// HeartbeatWindow 回傳心跳視窗，Spore 以此決定心跳頻率
func (r *Registry) HeartbeatWindow() time.Duration {
	return r.config.HeartbeatWindow
}

// ============================================================================
// 註冊與心跳
// ============================================================================

// Register 加入新節點；OFFLINE 節點可以重新註冊
func (r *Registry) Register(nodeID, address string, capabilities []string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" || strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: node id and address are required", ErrInvalidNode)
	}

	r.mu.Lock()
	now := r.now()
	if existing, ok := r.nodes[nodeID]; ok && existing.Health != types.HealthOffline {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeExists, nodeID)
	}
	node := &types.NodeRecord{
		NodeID:        nodeID,
		Address:       address,
		Capabilities:  append([]string(nil), capabilities...),
		Health:        types.HealthActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.nodes[nodeID] = node
	counts := r.countsLocked()
	r.mu.Unlock()

	log.Info("Node registered", "nodeID", nodeID, "address", address, "capabilities", capabilities)
	r.metrics.SetNodeCounts(counts)
	r.publish(events.NodeEvent{
		Type:      events.EventTypeNodeRegistered,
		NodeID:    nodeID,
		Address:   address,
		Health:    types.HealthActive,
		Timestamp: now,
	})
	return nil
}

// Heartbeat 更新節點負載並延長存活；DEGRADED 節點恢復為 ACTIVE
func (r *Registry) Heartbeat(nodeID string, load int) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if node.Health == types.HealthOffline {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s must re-register", ErrNodeOffline, nodeID)
	}

	now := r.now()
	node.LastHeartbeat = now
	node.Load = load
	old := node.Health
	node.Health = types.HealthActive
	address := node.Address
	counts := r.countsLocked()
	r.mu.Unlock()

	if old != types.HealthActive {
		r.healthChanged(nodeID, address, old, types.HealthActive, load, "heartbeat received", now, counts)
	}
	return nil
}

// Deregister 移除節點
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	delete(r.nodes, nodeID)
	counts := r.countsLocked()
	r.mu.Unlock()

	log.Info("Node deregistered", "nodeID", nodeID)
	r.metrics.SetNodeCounts(counts)
	r.publish(events.NodeEvent{
		Type:      events.EventTypeNodeDeregistered,
		NodeID:    nodeID,
		Address:   node.Address,
		OldHealth: node.Health,
		Reason:    "deregistered",
		Timestamp: r.now(),
	})
	return nil
}

// ============================================================================
// 查詢與選擇
// ============================================================================

// Get 取得節點副本
func (r *Registry) Get(nodeID string) (types.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return types.NodeRecord{}, false
	}
	return copyNode(node), true
}

// List 依 NodeID 排序列出所有節點
func (r *Registry) List() []types.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeRecord, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Select 在具備能力的 ACTIVE 節點中選負載最低者，平手時選最近心跳者
func (r *Registry) Select(capability string) (types.NodeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.NodeRecord
	for _, n := range r.nodes {
		if n.Health != types.HealthActive || !n.HasCapability(capability) {
			continue
		}
		if best == nil ||
			n.Load < best.Load ||
			(n.Load == best.Load && n.LastHeartbeat.After(best.LastHeartbeat)) ||
			(n.Load == best.Load && n.LastHeartbeat.Equal(best.LastHeartbeat) && n.NodeID < best.NodeID) {
			best = n
		}
	}
	if best == nil {
		return types.NodeRecord{}, fmt.Errorf("%w: %q", ErrNoHealthyNode, capability)
	}
	return copyNode(best), nil
}

// ============================================================================
// 健康掃描
// ============================================================================

// Start 啟動健康掃描循環
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
	log.Info("Node registry started",
		"heartbeatWindow", r.config.HeartbeatWindow,
		"offlineGrace", r.config.OfflineGrace)
}

// Stop 停止掃描循環
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

type transition struct {
	nodeID, address string
	from, to        types.NodeHealth
	load            int
	reason          string
}

// Sweep 依錯過的心跳視窗數推進健康狀態，並移除超過 grace 的 OFFLINE 節點
func (r *Registry) Sweep() {
	r.mu.Lock()
	now := r.now()
	var changes []transition
	var removed []types.NodeRecord

	for id, n := range r.nodes {
		if n.Health == types.HealthOffline {
			if n.OfflineSince != nil && now.Sub(*n.OfflineSince) > r.config.OfflineGrace {
				removed = append(removed, *n)
				delete(r.nodes, id)
			}
			continue
		}

		missed := int(now.Sub(n.LastHeartbeat) / r.config.HeartbeatWindow)
		next := n.Health
		switch {
		case missed >= 2:
			next = types.HealthOffline
		case missed == 1 && n.Health == types.HealthActive:
			next = types.HealthDegraded
		}
		if next == n.Health {
			continue
		}

		changes = append(changes, transition{
			nodeID: id, address: n.Address, from: n.Health, to: next, load: n.Load,
			reason: fmt.Sprintf("missed %d heartbeat window(s)", missed),
		})
		n.Health = next
		if next == types.HealthOffline {
			since := now
			n.OfflineSince = &since
		}
	}
	counts := r.countsLocked()
	r.mu.Unlock()

	for _, c := range changes {
		r.healthChanged(c.nodeID, c.address, c.from, c.to, c.load, c.reason, now, counts)
	}
	for _, n := range removed {
		log.Info("Offline node removed", "nodeID", n.NodeID, "offlineSince", n.OfflineSince)
		r.publish(events.NodeEvent{
			Type:      events.EventTypeNodeDeregistered,
			NodeID:    n.NodeID,
			Address:   n.Address,
			OldHealth: types.HealthOffline,
			Reason:    "offline grace period exceeded",
			Timestamp: now,
		})
	}
	if len(removed) > 0 {
		r.metrics.SetNodeCounts(counts)
	}
}

// degrade 遠端呼叫失敗後將 ACTIVE 節點降為 DEGRADED
func (r *Registry) degrade(nodeID, reason string) {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if !ok || n.Health != types.HealthActive {
		r.mu.Unlock()
		return
	}
	n.Health = types.HealthDegraded
	address, load := n.Address, n.Load
	counts := r.countsLocked()
	r.mu.Unlock()

	r.healthChanged(nodeID, address, types.HealthActive, types.HealthDegraded, load, reason, r.now(), counts)
}

func (r *Registry) healthChanged(nodeID, address string, from, to types.NodeHealth, load int, reason string, at time.Time, counts map[string]int) {
	log.Warn("Node health changed",
		"nodeID", nodeID,
		"old", from,
		"new", to,
		"reason", reason,
		"timestamp", at.Format(time.RFC3339Nano))
	r.metrics.SetNodeCounts(counts)
	r.publish(events.NodeEvent{
		Type:      events.EventTypeNodeHealth,
		NodeID:    nodeID,
		Address:   address,
		OldHealth: from,
		Health:    to,
		Load:      load,
		Reason:    reason,
		Timestamp: at,
	})
}

// ============================================================================
// 遠端執行
// ============================================================================

// ExecuteOnNode 在指定節點執行技能；失敗不會自動改派其他節點
//
// 錯誤處理：
//   - ErrNodeNotFound / ErrNodeOffline: 節點不可用
//   - ErrRemoteTimeout: 超過 timeout（節點降級）
//   - ErrNodeUnavailable: 傳輸失敗（節點降級）
//   - *RemoteError: 技能本身失敗
func (r *Registry) ExecuteOnNode(ctx context.Context, nodeID, skill string, params map[string]string, timeout time.Duration) (string, error) {
	node, ok := r.Get(nodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if node.Health == types.HealthOffline {
		return "", fmt.Errorf("%w: %s", ErrNodeOffline, nodeID)
	}
	if r.client == nil {
		return "", fmt.Errorf("%w: no transport configured", ErrNodeUnavailable)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := r.client.Execute(callCtx, node, skill, params)
	if err == nil {
		r.metrics.RecordRemoteExecution("ok")
		log.Debug("Remote execution finished", "nodeID", nodeID, "skill", skill, "duration", time.Since(start))
		return result, nil
	}

	var remoteErr *RemoteError
	switch {
	case ctx.Err() != nil:
		// 呼叫端取消，不影響節點健康
		return "", ctx.Err()
	case errors.As(err, &remoteErr):
		r.metrics.RecordRemoteExecution("error")
		return "", err
	case errors.Is(err, ErrRemoteTimeout) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		r.metrics.RecordRemoteExecution("timeout")
		r.degrade(nodeID, "remote execution timed out")
		return "", fmt.Errorf("%w: node %s after %v", ErrRemoteTimeout, nodeID, timeout)
	default:
		r.metrics.RecordRemoteExecution("unavailable")
		r.degrade(nodeID, "transport failure")
		if errors.Is(err, ErrNodeUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: node %s: %v", ErrNodeUnavailable, nodeID, err)
	}
}

// ExecuteAuto 選擇節點後執行，回傳結果與實際使用的節點
func (r *Registry) ExecuteAuto(ctx context.Context, capability, skill string, params map[string]string, timeout time.Duration) (string, string, error) {
	node, err := r.Select(capability)
	if err != nil {
		return "", "", err
	}
	result, err := r.ExecuteOnNode(ctx, node.NodeID, skill, params, timeout)
	return result, node.NodeID, err
}

// ============================================================================
// 內部工具
// ============================================================================

func (r *Registry) countsLocked() map[string]int {
	counts := map[string]int{}
	for _, n := range r.nodes {
		counts[string(n.Health)]++
	}
	return counts
}

func (r *Registry) publish(e events.NodeEvent) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func copyNode(n *types.NodeRecord) types.NodeRecord {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	if n.OfflineSince != nil {
		since := *n.OfflineSince
		c.OfflineSince = &since
	}
	return c
}
