package model

import "time"

// Step is one requested verification step.
type Step struct {
	Kind StepKind `json:"kind"`
	Text string   `json:"text"`
}

// CommandStep returns a step that runs text as a literal PowerShell command.
func CommandStep(text string) Step { return Step{Kind: StepCommand, Text: text} }

// InstructionStep returns a step resolved by the advisor into guest actions.
func InstructionStep(text string) Step { return Step{Kind: StepInstruction, Text: text} }

// ActionKind identifies a single guest interaction within an ActionPlan.
type ActionKind string

const (
	ActionCommand ActionKind = "command"
	ActionType    ActionKind = "type"
	ActionKeys    ActionKind = "keys"
	ActionWait    ActionKind = "wait"
)

// PlannedAction is one concrete guest interaction.
type PlannedAction struct {
	Kind  ActionKind `json:"kind"`
	Value string     `json:"value"`
}

// ActionPlan is a concrete sequence of guest interactions derived from an instruction.
type ActionPlan struct {
	Instruction string          `json:"instruction"`
	Actions     []PlannedAction `json:"actions"`
}

// Empty reports whether the plan has nothing to execute.
func (p ActionPlan) Empty() bool { return len(p.Actions) == 0 }

// ActionLogEntry records the outcome of one verification step.
type ActionLogEntry struct {
	Seq         int       `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        StepKind  `json:"kind,omitempty"`
	Description string    `json:"description"`
	Input       string    `json:"input,omitempty"`
	Success     bool      `json:"success"`
	Screenshot  string    `json:"screenshot,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Transition records the pipeline entering a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// VerificationResult aggregates one pipeline run.
type VerificationResult struct {
	RunID         string           `json:"run_id"`
	Agent         Agent            `json:"agent"`
	SnapshotID    string           `json:"snapshot_id,omitempty"`
	SnapshotAt    *time.Time       `json:"snapshot_at,omitempty"`
	VMID          string           `json:"vm_id,omitempty"`
	Actions       []ActionLogEntry `json:"actions"`
	Success       bool             `json:"success"`
	Summary       string           `json:"summary"`
	FailureCode   string           `json:"failure_code,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	FinalState    State            `json:"final_state"`
	Screenshots   []string         `json:"screenshots,omitempty"`
	Timeline      []Transition     `json:"timeline,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at"`
}

// Duration is the wall time of the run.
func (r *VerificationResult) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// SuccessCount returns the number of successful steps.
func (r *VerificationResult) SuccessCount() int {
	n := 0
	for _, a := range r.Actions {
		if a.Success {
			n++
		}
	}
	return n
}

// AllStepsSucceeded reports whether every attempted step succeeded.
func (r *VerificationResult) AllStepsSucceeded() bool {
	return r.SuccessCount() == len(r.Actions)
}
