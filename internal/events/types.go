package events

import (
	"time"

	"github.com/mpieniak01/venom/pkg/types"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	OccurredAt() time.Time
}

// Topic constants
const (
	TopicTask      = "task"
	TopicNode      = "node"
	TopicAutonomy  = "autonomy"
	TopicCostGuard = "costguard"
	TopicQueue     = "queue"
)

// Event type constants
const (
	EventTypeTaskCreated   = "task.created"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskAborted   = "task.aborted"

	EventTypeNodeRegistered   = "node.registered"
	EventTypeNodeHealth       = "node.health"
	EventTypeNodeDeregistered = "node.deregistered"

	EventTypeAutonomyChanged = "autonomy.changed"
	EventTypePaidMode        = "costguard.paid_mode"

	EventTypeQueuePaused        = "queue.paused"
	EventTypeQueueResumed       = "queue.resumed"
	EventTypeQueuePurged        = "queue.purged"
	EventTypeQueueEmergencyStop = "queue.emergency_stop"
)

// TaskEvent is published on every task lifecycle transition.
// Type is one of the task.* event types.
type TaskEvent struct {
	Type      string           `json:"type"`
	ID        types.TaskID     `json:"task_id"`
	Status    types.TaskStatus `json:"status"`
	TaskType  types.TaskType   `json:"task_type,omitempty"`
	Target    string           `json:"target,omitempty"`
	Error     string           `json:"error,omitempty"`
	Duration  time.Duration    `json:"duration,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func (e TaskEvent) EventType() string     { return e.Type }
func (e TaskEvent) Topic() string         { return TopicTask }
func (e TaskEvent) OccurredAt() time.Time { return e.Timestamp }

// NodeEvent is published when a node registers, changes health or leaves.
type NodeEvent struct {
	Type      string           `json:"type"`
	NodeID    string           `json:"node_id"`
	Address   string           `json:"address,omitempty"`
	OldHealth types.NodeHealth `json:"old_health,omitempty"`
	Health    types.NodeHealth `json:"health,omitempty"`
	Load      int              `json:"load"`
	Reason    string           `json:"reason,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func (e NodeEvent) EventType() string     { return e.Type }
func (e NodeEvent) Topic() string         { return TopicNode }
func (e NodeEvent) OccurredAt() time.Time { return e.Timestamp }

// AutonomyChangedEvent is published after an audited level change.
type AutonomyChangedEvent struct {
	Old       types.AutonomyLevel `json:"old"`
	New       types.AutonomyLevel `json:"new"`
	OldName   string              `json:"old_name"`
	NewName   string              `json:"new_name"`
	Timestamp time.Time           `json:"timestamp"`
}

func (e AutonomyChangedEvent) EventType() string     { return EventTypeAutonomyChanged }
func (e AutonomyChangedEvent) Topic() string         { return TopicAutonomy }
func (e AutonomyChangedEvent) OccurredAt() time.Time { return e.Timestamp }

// PaidModeEvent is published when paid mode is toggled.
type PaidModeEvent struct {
	Old       bool      `json:"old"`
	New       bool      `json:"new"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PaidModeEvent) EventType() string     { return EventTypePaidMode }
func (e PaidModeEvent) Topic() string         { return TopicCostGuard }
func (e PaidModeEvent) OccurredAt() time.Time { return e.Timestamp }

// QueueEvent is published on queue control operations.
type QueueEvent struct {
	Type      string         `json:"type"`
	TaskIDs   []types.TaskID `json:"task_ids,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e QueueEvent) EventType() string     { return e.Type }
func (e QueueEvent) Topic() string         { return TopicQueue }
func (e QueueEvent) OccurredAt() time.Time { return e.Timestamp }
