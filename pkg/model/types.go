package model

// BootState is the lifecycle of a restore VM as reported by the backup service.
type BootState string

const (
	BootPending BootState = "pending"
	BootBooting BootState = "booting"
	BootReady   BootState = "ready"
	BootFailed  BootState = "failed"
)

// Settled reports whether the VM will not change boot state on its own.
func (s BootState) Settled() bool {
	return s == BootReady || s == BootFailed
}

// State is a verification pipeline state.
type State string

const (
	StateInit             State = "init"
	StateSnapshotSelected State = "snapshot_selected"
	StateVMProvisioning   State = "vm_provisioning"
	StateVMReady          State = "vm_ready"
	StateGuestLoggedIn    State = "guest_logged_in"
	StateStepsExecuting   State = "steps_executing"
	StateSummarizing      State = "summarizing"
	StateReporting        State = "reporting"
	StateCleanup          State = "cleanup"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// StepKind distinguishes literal commands from natural-language instructions.
type StepKind string

const (
	StepCommand     StepKind = "command"
	StepInstruction StepKind = "instruction"
)

// HashValue is a hex-encoded digest.
type HashValue string

// NetworkNone is the only network mode used for restore VMs.
const NetworkNone = "network-none"
