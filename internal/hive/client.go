package hive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpieniak01/venom/internal/metrics"
	"github.com/mpieniak01/venom/pkg/types"
)

// Client 生產者端：放入作業並輪詢結果
type Client struct {
	broker  Broker
	poll    time.Duration
	metrics *metrics.Collector
}

// NewClient 建立客戶端，poll <= 0 時使用 100ms
func NewClient(broker Broker, poll time.Duration, m *metrics.Collector) *Client {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Client{broker: broker, poll: poll, metrics: m}
}

// Broker 回傳底層佇列
func (c *Client) Broker() Broker { return c.broker }

// Enqueue 放入作業
func (c *Client) Enqueue(ctx context.Context, job Job) (JobID, error) {
	id, err := c.broker.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	c.metrics.RecordHiveJob("enqueued")
	log.Debug("Job enqueued", "job_id", id, "task_id", job.TaskID, "skill", job.Skill)
	return id, nil
}

// Await 等待作業進入 done 或 dead
func (c *Client) Await(ctx context.Context, id JobID) (Job, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		job, err := c.broker.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		switch job.State {
		case StateDone:
			return job, nil
		case StateDead:
			return job, fmt.Errorf("%w: %s", ErrJobDead, job.LastError)
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dispatch 將任務放入佇列並等待結果
func (c *Client) Dispatch(ctx context.Context, taskID types.TaskID, skill string, params map[string]string, priority int) (string, error) {
	id, err := c.Enqueue(ctx, Job{
		TaskID:   string(taskID),
		Skill:    skill,
		Params:   params,
		Priority: priority,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", taskID, err)
	}

	job, err := c.Await(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobDead) {
			return "", fmt.Errorf("hive job %s: %w", id, err)
		}
		return "", err
	}
	return job.Result, nil
}
