package wal

import "github.com/mpieniak01/venom/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventUpsert EventType = "UPSERT" // Full task record after a mutation
	EventPurge  EventType = "PURGE"  // PENDING tasks discarded by purge
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64         `json:"seq"`           // Event sequence number (monotonically increasing)
	Type      EventType      `json:"type"`          // Event type
	Task      *types.Task    `json:"task,omitempty"` // UPSERT payload
	TaskIDs   []types.TaskID `json:"task_ids,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32         `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
