package wal

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the records appended by the memory store
// ============================================================================

// EventType identifies which entity a change rewrites
type EventType string

const (
	EventPlan        EventType = "PLAN"         // Current plan definition
	EventPlanVersion EventType = "PLAN_VERSION" // Plan version history entry
	EventInstance    EventType = "INSTANCE"     // Workflow instance
	EventJobInstance EventType = "JOB_INSTANCE" // Job instance
	EventSegment     EventType = "SEGMENT"      // ID segment counter
	EventAgent       EventType = "AGENT"        // Agent heartbeat record
)

// Change is the full new value of one entity
type Change struct {
	Type  EventType       `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// NewChange encodes v as the new value of (t, key)
func NewChange(t EventType, key string, v any) (Change, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Change{}, fmt.Errorf("wal: encode %s %s: %w", t, key, err)
	}
	return Change{Type: t, Key: key, Value: raw}, nil
}

// Decode unmarshals the change value into v
func (c Change) Decode(v any) error {
	if err := json.Unmarshal(c.Value, v); err != nil {
		return fmt.Errorf("wal: decode %s %s: %w", c.Type, c.Key, err)
	}
	return nil
}

// Event represents a WAL record.
// All changes of one event are applied together on replay.
type Event struct {
	Seq       uint64   `json:"seq"`       // Event sequence number (monotonically increasing)
	Changes   []Change `json:"changes"`   // Entity values written by one commit
	Timestamp int64    `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32   `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
