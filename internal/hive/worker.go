package hive

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mpieniak01/venom/internal/metrics"
)

// ============================================================================
// Hive Worker - 從 Broker 領取作業並執行
// ============================================================================
//
// 兩個迴圈共用一個 errgroup:
//   claimLoop: 依剩餘併發額度 Claim，每筆作業交給有上限的子 errgroup 執行
//   reapLoop:  週期性呼叫 RequeueExpired，回收持有者已消失的租約
//
// 每筆作業的執行時間以租約長度為上限；完成後 Ack，失敗或 panic 則 Nack。
// ctx 取消時停止領取，等待執行中的作業結束後返回。
// ============================================================================

// Executor 執行單一技能
type Executor interface {
	Execute(ctx context.Context, skill string, params map[string]string) (string, error)
}

// WorkerConfig 工作者設定
type WorkerConfig struct {
	Consumer     string
	Concurrency  int
	Lease        time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.Consumer == "" {
		c.Consumer = "hive-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = c.Lease / 2
	}
}

// Worker 作業消費者
type Worker struct {
	broker  Broker
	exec    Executor
	cfg     WorkerConfig
	metrics *metrics.Collector

	inFlight  atomic.Int64
	processed atomic.Int64
	running   atomic.Bool
}

// NewWorker 建立工作者，metrics 可為 nil
func NewWorker(broker Broker, exec Executor, cfg WorkerConfig, m *metrics.Collector) *Worker {
	cfg.applyDefaults()
	return &Worker{broker: broker, exec: exec, cfg: cfg, metrics: m}
}

// Run 阻塞直到 ctx 取消或 broker 關閉
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("worker already running")
	}
	defer w.running.Store(false)

	log.Info("Hive worker started",
		"consumer", w.cfg.Consumer,
		"concurrency", w.cfg.Concurrency,
		"lease", w.cfg.Lease)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.claimLoop(gctx) })
	g.Go(func() error { return w.reapLoop(gctx) })

	err := g.Wait()
	log.Info("Hive worker stopped", "consumer", w.cfg.Consumer, "processed", w.processed.Load())
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// InFlight 目前執行中的作業數
func (w *Worker) InFlight() int { return int(w.inFlight.Load()) }

// Processed 已處理（含失敗）的作業數
func (w *Worker) Processed() int64 { return w.processed.Load() }

func (w *Worker) claimLoop(ctx context.Context) error {
	var pool errgroup.Group
	pool.SetLimit(w.cfg.Concurrency)
	defer pool.Wait()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if free := w.cfg.Concurrency - w.InFlight(); free > 0 {
			jobs, err := w.broker.Claim(ctx, w.cfg.Consumer, free, w.cfg.Lease)
			switch {
			case errors.Is(err, ErrBrokerClosed):
				return err
			case err != nil && ctx.Err() == nil:
				log.Warn("Claim failed", "consumer", w.cfg.Consumer, "error", err)
			}
			for _, job := range jobs {
				w.inFlight.Add(1)
				pool.Go(func() error {
					defer w.inFlight.Add(-1)
					w.process(ctx, job)
					return nil
				})
			}
			if len(jobs) == free {
				// 可能還有更多可用作業，不等 ticker
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n, err := w.broker.RequeueExpired(ctx, now)
			if errors.Is(err, ErrBrokerClosed) {
				return err
			}
			if err != nil {
				log.Warn("Requeue expired leases failed", "error", err)
				continue
			}
			if n > 0 {
				log.Warn("Requeued expired leases", "count", n)
			}
		}
	}
}

// process 執行一筆作業並回報結果
func (w *Worker) process(ctx context.Context, job Job) {
	defer w.processed.Add(1)

	jctx, cancel := context.WithTimeout(ctx, w.cfg.Lease)
	result, err := w.execute(jctx, job)
	cancel()

	// 回報不受關閉流程影響
	rctx := context.WithoutCancel(ctx)
	if err == nil {
		if ackErr := w.broker.Ack(rctx, job.ID, w.cfg.Consumer, result); ackErr != nil {
			log.Warn("Ack failed", "job_id", job.ID, "error", ackErr)
			return
		}
		w.metrics.RecordHiveJob("acked")
		log.Debug("Job done", "job_id", job.ID, "task_id", job.TaskID, "attempt", job.Attempts)
		return
	}

	state, nackErr := w.broker.Nack(rctx, job.ID, w.cfg.Consumer, err.Error())
	if nackErr != nil {
		log.Warn("Nack failed", "job_id", job.ID, "error", nackErr)
		return
	}
	w.metrics.RecordHiveJob("nacked")
	if state == StateDead {
		w.metrics.RecordHiveJob("dead")
		log.Error("Job moved to dead letter",
			"job_id", job.ID,
			"task_id", job.TaskID,
			"attempts", job.Attempts,
			"error", err)
		return
	}
	log.Warn("Job failed, will retry",
		"job_id", job.ID,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"error", err)
}

func (w *Worker) execute(ctx context.Context, job Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("skill %s panicked: %v", job.Skill, r)
		}
	}()
	return w.exec.Execute(ctx, job.Skill, cloneParams(job.Params))
}
