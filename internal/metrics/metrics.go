// ============================================================================
// Venom Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務治理核心的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - venom_tasks_submitted_total: 提交任務總數
//      - venom_tasks_finished_total{status}: 進入終態的任務數（COMPLETED/FAILED/ABORTED）
//      - venom_autonomy_violations_total{skill}: 權限不足次數
//      - venom_routing_decisions_total{target,reason}: 路由決策
//      - venom_dispatch_total{target}: 分派目標（local/cloud/nexus/hive）
//      - venom_persistence_errors_total: WAL/快照寫入失敗
//
//   2. 性能指標 (Histogram):
//      - venom_task_latency_seconds: 任務從放行到終態的延遲
//
//   3. 狀態指標 (Gauge):
//      - venom_tasks_pending / venom_tasks_processing
//      - venom_recovery_time_seconds: 最近一次啟動恢復耗時
//      - venom_autonomy_level / venom_paid_mode
//      - venom_nodes{health}: 各健康狀態的節點數
//
//   4. 分散式執行:
//      - venom_remote_executions_total{result}
//      - venom_hive_jobs_total{event}: enqueued/acked/nacked/dead/requeued
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(venom_tasks_finished_total{status="FAILED"}[5m]) / rate(venom_tasks_submitted_total[5m])
//
//   # 成本閘門降級次數
//   rate(venom_routing_decisions_total{reason="cost guard fallback"}[5m])
//
// 所有方法對 nil *Collector 都是 no-op，方便在測試中省略指標。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	tasksSubmitted    prometheus.Counter
	tasksFinished     *prometheus.CounterVec
	violations        *prometheus.CounterVec
	routingDecisions  *prometheus.CounterVec
	dispatches        *prometheus.CounterVec
	persistenceErrors prometheus.Counter

	taskLatency  prometheus.Histogram
	recoveryTime prometheus.Gauge

	tasksPending    prometheus.Gauge
	tasksProcessing prometheus.Gauge
	autonomyLevel   prometheus.Gauge
	paidMode        prometheus.Gauge
	nodes           *prometheus.GaugeVec

	remoteExecs *prometheus.CounterVec
	hiveJobs    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建並註冊指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venom_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venom_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		}, []string{"status"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venom_autonomy_violations_total",
			Help: "Skill invocations rejected by the autonomy gate",
		}, []string{"skill"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venom_routing_decisions_total",
			Help: "Routing decisions by target and reason",
		}, []string{"target", "reason"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venom_dispatch_total",
			Help: "Task dispatches by execution target",
		}, []string{"target"}),
		persistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venom_persistence_errors_total",
			Help: "Failed WAL or snapshot writes",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "venom_task_latency_seconds",
			Help:    "Time from admission to terminal state in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venom_recovery_time_seconds",
			Help: "Time taken by the last startup recovery in seconds",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venom_tasks_pending",
			Help: "Current number of pending tasks",
		}),
		tasksProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venom_tasks_processing",
			Help: "Current number of processing tasks",
		}),
		autonomyLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venom_autonomy_level",
			Help: "Current autonomy level",
		}),
		paidMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "venom_paid_mode",
			Help: "1 when paid (cloud) mode is enabled",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venom_nodes",
			Help: "Registered nexus nodes by health",
		}, []string{"health"}),
		remoteExecs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venom_remote_executions_total",
			Help: "Remote node executions by result",
		}, []string{"result"}),
		hiveJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venom_hive_jobs_total",
			Help: "Hive broker job events",
		}, []string{"event"}),
	}

	reg.MustRegister(
		c.tasksSubmitted, c.tasksFinished, c.violations, c.routingDecisions,
		c.dispatches, c.persistenceErrors, c.taskLatency, c.recoveryTime,
		c.tasksPending, c.tasksProcessing, c.autonomyLevel, c.paidMode,
		c.nodes, c.remoteExecs, c.hiveJobs,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// RecordFinished 記錄任務進入終態與延遲
func (c *Collector) RecordFinished(status string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(status).Inc()
	if latencySeconds > 0 {
		c.taskLatency.Observe(latencySeconds)
	}
}

// RecordViolation 記錄權限不足
func (c *Collector) RecordViolation(skill string) {
	if c == nil {
		return
	}
	c.violations.WithLabelValues(skill).Inc()
}

// RecordRouting 記錄路由決策
func (c *Collector) RecordRouting(target, reason string) {
	if c == nil {
		return
	}
	c.routingDecisions.WithLabelValues(target, reason).Inc()
}

// RecordDispatch 記錄分派目標
func (c *Collector) RecordDispatch(target string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(target).Inc()
}

// RecordPersistenceError 記錄持久化失敗
func (c *Collector) RecordPersistenceError() {
	if c == nil {
		return
	}
	c.persistenceErrors.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, processing int) {
	if c == nil {
		return
	}
	c.tasksPending.Set(float64(pending))
	c.tasksProcessing.Set(float64(processing))
}

// SetAutonomyLevel 更新目前的自主等級
func (c *Collector) SetAutonomyLevel(level int32) {
	if c == nil {
		return
	}
	c.autonomyLevel.Set(float64(level))
}

// SetPaidMode 更新付費模式
func (c *Collector) SetPaidMode(enabled bool) {
	if c == nil {
		return
	}
	v := 0.0
	if enabled {
		v = 1
	}
	c.paidMode.Set(v)
}

// SetNodeCounts 以各健康狀態的節點數覆蓋 gauge
func (c *Collector) SetNodeCounts(counts map[string]int) {
	if c == nil {
		return
	}
	for _, h := range []string{"ACTIVE", "DEGRADED", "OFFLINE"} {
		c.nodes.WithLabelValues(h).Set(float64(counts[h]))
	}
}

// RecordRemoteExecution 記錄遠端執行結果（ok/timeout/unavailable/error）
func (c *Collector) RecordRemoteExecution(result string) {
	if c == nil {
		return
	}
	c.remoteExecs.WithLabelValues(result).Inc()
}

// RecordHiveJob 記錄 Hive 作業事件
func (c *Collector) RecordHiveJob(event string) {
	if c == nil {
		return
	}
	c.hiveJobs.WithLabelValues(event).Inc()
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c != nil && c.gatherer != nil {
		return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
