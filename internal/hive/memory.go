package hive

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	job Job
	seq uint64
}

// MemoryBroker 行程內佇列，用於單機與測試
type MemoryBroker struct {
	policy RetryPolicy
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[JobID]*memoryEntry
	seq    uint64
	closed bool
}

// NewMemoryBroker 建立記憶體佇列
func NewMemoryBroker(policy RetryPolicy) *MemoryBroker {
	return &MemoryBroker{
		policy: policy.withDefaults(),
		now:    time.Now,
		jobs:   make(map[JobID]*memoryEntry),
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, job Job) (JobID, error) {
	if err := validate(job); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBrokerClosed
	}

	if job.ID == "" {
		job.ID = JobID(uuid.NewString())
	}
	if _, exists := b.jobs[job.ID]; exists {
		return "", fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
	}
	now := b.now()
	job.Params = cloneParams(job.Params)
	job.State = StateQueued
	job.Attempts = 0
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = b.policy.MaxAttempts
	}
	job.AvailableAt = now
	job.EnqueuedAt = now
	job.UpdatedAt = now

	b.seq++
	b.jobs[job.ID] = &memoryEntry{job: job, seq: b.seq}
	return job.ID, nil
}

func (b *MemoryBroker) Claim(_ context.Context, consumer string, max int, lease time.Duration) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if max <= 0 {
		max = 1
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}

	now := b.now()
	var ready []*memoryEntry
	for _, e := range b.jobs {
		if e.job.State == StateQueued && !e.job.AvailableAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].job.Priority != ready[j].job.Priority {
			return ready[i].job.Priority > ready[j].job.Priority
		}
		return ready[i].seq < ready[j].seq
	})
	if len(ready) > max {
		ready = ready[:max]
	}

	out := make([]Job, 0, len(ready))
	for _, e := range ready {
		e.job.State = StateLeased
		e.job.Consumer = consumer
		e.job.LeaseUntil = now.Add(lease)
		e.job.Attempts++
		e.job.UpdatedAt = now
		out = append(out, copyJob(e.job))
	}
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, id JobID, consumer, result string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.leasedBy(id, consumer)
	if err != nil {
		return err
	}
	e.job.State = StateDone
	e.job.Result = result
	e.job.Consumer = ""
	e.job.LeaseUntil = time.Time{}
	e.job.UpdatedAt = b.now()
	return nil
}

func (b *MemoryBroker) Nack(_ context.Context, id JobID, consumer, errMsg string) (JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.leasedBy(id, consumer)
	if err != nil {
		return "", err
	}
	b.policy.fail(&e.job, b.now(), errMsg)
	return e.job.State, nil
}

func (b *MemoryBroker) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBrokerClosed
	}
	moved := 0
	for _, e := range b.jobs {
		if e.job.State != StateLeased || e.job.LeaseUntil.After(now) {
			continue
		}
		b.policy.fail(&e.job, now, "lease expired")
		moved++
	}
	return moved, nil
}

func (b *MemoryBroker) Get(_ context.Context, id JobID) (Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Job{}, ErrBrokerClosed
	}
	e, ok := b.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return copyJob(e.job), nil
}

func (b *MemoryBroker) ListDead(_ context.Context, limit int) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	var dead []*memoryEntry
	for _, e := range b.jobs {
		if e.job.State == StateDead {
			dead = append(dead, e)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].seq < dead[j].seq })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]Job, len(dead))
	for i, e := range dead {
		out[i] = copyJob(e.job)
	}
	return out, nil
}

func (b *MemoryBroker) Stats(_ context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Stats{}, ErrBrokerClosed
	}
	var s Stats
	for _, e := range b.jobs {
		switch e.job.State {
		case StateQueued:
			s.Queued++
		case StateLeased:
			s.Leased++
		case StateDone:
			s.Done++
		case StateDead:
			s.Dead++
		}
	}
	return s, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) leasedBy(id JobID, consumer string) (*memoryEntry, error) {
	if b.closed {
		return nil, ErrBrokerClosed
	}
	e, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.State != StateLeased || e.job.Consumer != consumer {
		return nil, fmt.Errorf("%w: %s is %s", ErrLeaseMismatch, id, e.job.State)
	}
	return e, nil
}

func copyJob(j Job) Job {
	j.Params = cloneParams(j.Params)
	return j
}
