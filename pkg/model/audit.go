package model

import "time"

// TrailEventType identifies a guest-side action in the per-run trail.
type TrailEventType string

const (
	TrailConnect      TrailEventType = "connect"
	TrailInput        TrailEventType = "input"
	TrailScreenshot   TrailEventType = "screenshot"
	TrailLoginAttempt TrailEventType = "login_attempt"
	TrailSetup        TrailEventType = "setup"
	TrailCommand      TrailEventType = "command"
	TrailInstruction  TrailEventType = "instruction"
	TrailState        TrailEventType = "state"
)

// TrailRecord is a single line in the action trail (JSONL format).
type TrailRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id,omitempty"`
	EventType  TrailEventType `json:"event_type"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
