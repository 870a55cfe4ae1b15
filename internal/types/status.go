package types

// Batch lifecycle. Detected batches move to init_dispatched when the runbook
// declares init steps, otherwise straight to active. Completed and failed are
// terminal; cancelled is terminal for manual batches.
const (
	BatchStatusDetected       = "detected"
	BatchStatusInitDispatched = "init_dispatched"
	BatchStatusActive         = "active"
	BatchStatusCompleted      = "completed"
	BatchStatusFailed         = "failed"
	BatchStatusCancelled      = "cancelled"
)

const (
	MemberStatusActive  = "active"
	MemberStatusRemoved = "removed"
)

const (
	PhaseStatusPending    = "pending"
	PhaseStatusDispatched = "dispatched"
	PhaseStatusCompleted  = "completed"
	PhaseStatusFailed     = "failed"
	PhaseStatusSkipped    = "skipped"
	PhaseStatusSuperseded = "superseded"
)

// Shared by step executions and init executions.
const (
	ExecStatusPending     = "pending"
	ExecStatusDispatched  = "dispatched"
	ExecStatusPolling     = "polling"
	ExecStatusSucceeded   = "succeeded"
	ExecStatusFailed      = "failed"
	ExecStatusPollTimeout = "poll_timeout"
	ExecStatusCancelled   = "cancelled"
)

const (
	OverdueBehaviorCatchUp = "catch_up"
	OverdueBehaviorIgnore  = "ignore"
)

func BatchIsTerminal(status string) bool {
	switch status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

func PhaseIsSettled(status string) bool {
	switch status {
	case PhaseStatusCompleted, PhaseStatusSkipped, PhaseStatusSuperseded:
		return true
	}
	return false
}

func ExecIsTerminal(status string) bool {
	switch status {
	case ExecStatusSucceeded, ExecStatusFailed, ExecStatusPollTimeout, ExecStatusCancelled:
		return true
	}
	return false
}
