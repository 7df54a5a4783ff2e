// Package hive 提供持久化、以租約 (lease) 為基礎的工作佇列
//
// 作業狀態:
//
//	queued --Claim--> leased --Ack--> done
//	leased --Nack / 租約到期--> queued（指數退避後可再次領取）
//	leased --Nack 且已達 MaxAttempts--> dead
//
// 重試的冪等性由技能本身負責。
package hive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var log = slog.Default()

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrBrokerClosed  = errors.New("broker closed")
	ErrLeaseMismatch = errors.New("job is not leased by this consumer")
	ErrInvalidJob    = errors.New("invalid job")
	ErrJobDead       = errors.New("job exhausted its attempts")
)

// JobID 作業識別碼
type JobID string

// JobState 作業狀態
type JobState string

const (
	StateQueued JobState = "queued"
	StateLeased JobState = "leased"
	StateDone   JobState = "done"
	StateDead   JobState = "dead"
)

// Job 佇列中的一筆作業
type Job struct {
	ID          JobID             `json:"id"`
	TaskID      string            `json:"task_id,omitempty"`
	Skill       string            `json:"skill"`
	Params      map[string]string `json:"params,omitempty"`
	Priority    int               `json:"priority"`
	State       JobState          `json:"state"`
	Attempts    int               `json:"attempts"` // 已被領取的次數
	MaxAttempts int               `json:"max_attempts"`
	Consumer    string            `json:"consumer,omitempty"`
	LeaseUntil  time.Time         `json:"lease_until,omitempty"`
	AvailableAt time.Time         `json:"available_at"`
	Result      string            `json:"result,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Stats 各狀態的作業數
type Stats struct {
	Queued int `json:"queued"`
	Leased int `json:"leased"`
	Done   int `json:"done"`
	Dead   int `json:"dead"`
}

// Broker 工作佇列
type Broker interface {
	Enqueue(ctx context.Context, job Job) (JobID, error)
	// Claim 依 priority 由高到低、同優先度依加入順序，領取最多 max 筆可用作業
	Claim(ctx context.Context, consumer string, max int, lease time.Duration) ([]Job, error)
	Ack(ctx context.Context, id JobID, consumer, result string) error
	// Nack 回傳作業的新狀態（queued 或 dead）
	Nack(ctx context.Context, id JobID, consumer, errMsg string) (JobState, error)
	// RequeueExpired 將租約已到期的作業視為失敗處理
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id JobID) (Job, error)
	ListDead(ctx context.Context, limit int) ([]Job, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// ============================================================================
// 重試策略
// ============================================================================

// RetryPolicy 失敗後重新排入佇列的延遲
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy 5 次、500ms 起跳、上限 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Delay 第 attempt 次失敗後的等待時間（不加隨機抖動，便於重現）
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// fail 將已領取的作業轉為 queued 或 dead
func (p RetryPolicy) fail(j *Job, now time.Time, errMsg string) {
	j.LastError = errMsg
	j.Consumer = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now
	if j.Attempts >= j.MaxAttempts {
		j.State = StateDead
		return
	}
	j.State = StateQueued
	j.AvailableAt = now.Add(p.Delay(j.Attempts))
}

func validate(job Job) error {
	if job.Skill == "" {
		return errors.Join(ErrInvalidJob, errors.New("skill is required"))
	}
	return nil
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
