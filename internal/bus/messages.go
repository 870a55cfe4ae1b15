package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topics. Internal orchestration events, outgoing worker jobs and incoming
// worker results each get their own stream.
const (
	TopicEvents  = "cutover.events"
	TopicJobs    = "cutover.jobs"
	TopicResults = "cutover.results"
)

// Message kinds.
const (
	KindBatchInit     = "batch-init"
	KindPhaseDue      = "phase-due"
	KindMemberAdded   = "member-added"
	KindMemberRemoved = "member-removed"
	KindPollCheck     = "poll-check"
	KindRetryCheck    = "retry-check"
	KindWorkerJob     = "worker-job"
	KindWorkerResult  = "worker-result"
)

// Poll/retry target kinds.
const (
	TargetStep = "step"
	TargetInit = "init"
)

// Message is the transport envelope. Subject carries worker routing for job
// messages; EnqueueAt requests scheduled delivery.
type Message struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject,omitempty"`
	Body      json.RawMessage `json:"body"`
	EnqueueAt *time.Time      `json:"enqueue_at,omitempty"`
}

func (m Message) Decode(v any) error { return json.Unmarshal(m.Body, v) }

// NewMessage wraps a payload. The envelope id is fresh per publish attempt;
// dedup happens at the state machine, not the bus.
func NewMessage(kind string, payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: uuid.NewString(), Kind: kind, Body: body}, nil
}

type BatchInitEvent struct {
	BatchID int64 `json:"batch_id"`
}

type PhaseDueEvent struct {
	RunbookName      string    `json:"runbook_name"`
	RunbookVersion   int       `json:"runbook_version"`
	BatchID          int64     `json:"batch_id"`
	PhaseExecutionID int64     `json:"phase_execution_id"`
	PhaseName        string    `json:"phase_name"`
	OffsetMinutes    int       `json:"offset_minutes"`
	DueAt            time.Time `json:"due_at"`
	MemberIDs        []int64   `json:"member_ids"`
}

type MemberAddedEvent struct {
	BatchID  int64 `json:"batch_id"`
	MemberID int64 `json:"member_id"`
}

type MemberRemovedEvent struct {
	BatchID  int64 `json:"batch_id"`
	MemberID int64 `json:"member_id"`
}

type PollCheckEvent struct {
	TargetKind string `json:"target_kind"` // step|init
	TargetID   int64  `json:"target_id"`
}

type RetryCheckEvent struct {
	TargetKind string `json:"target_kind"`
	TargetID   int64  `json:"target_id"`
}

// CorrelationData lets the result handler re-locate the originating
// execution row. Exactly one of StepExecutionID / InitExecutionID is set,
// discriminated by IsInitStep.
type CorrelationData struct {
	StepExecutionID int64  `json:"step_execution_id,omitempty"`
	InitExecutionID int64  `json:"init_execution_id,omitempty"`
	IsInitStep      bool   `json:"is_init_step"`
	RunbookName     string `json:"runbook_name"`
	RunbookVersion  int    `json:"runbook_version"`
}

type WorkerJob struct {
	JobID           uuid.UUID         `json:"job_id"`
	BatchID         int64             `json:"batch_id"`
	WorkerID        string            `json:"worker_id"`
	FunctionName    string            `json:"function_name"`
	Parameters      map[string]string `json:"parameters"`
	CorrelationData CorrelationData   `json:"correlation_data"`
}

const (
	ResultStatusSuccess = "success"
	ResultStatusFailure = "failure"
)

type WorkerError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type WorkerResult struct {
	JobID               uuid.UUID       `json:"job_id"`
	Status              string          `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	IsPollingInProgress bool            `json:"is_polling_in_progress"`
	Error               *WorkerError    `json:"error,omitempty"`
	CorrelationData     CorrelationData `json:"correlation_data"`
}
