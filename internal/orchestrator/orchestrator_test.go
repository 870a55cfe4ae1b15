package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/dispatch"
	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/repos"
	"github.com/waypointops/cutoverd/internal/types"
)

const simpleDoc = `
name: user-cutover
data_source:
  type: warehouse
  connection: wh
  query: SELECT user_id FROM users
  primary_key: user_id
  batch_time: immediate
phases:
  - name: provision
    offset: T-0
    steps:
      - name: flip
        worker_id: w
        function: flip_account
        params:
          id: "{{user_id}}"
`

const fullDoc = `
name: user-cutover
data_source:
  type: warehouse
  connection: wh
  query: SELECT user_id FROM users
  primary_key: user_id
  batch_time: immediate
phases:
  - name: provision
    offset: T-0
    steps:
      - name: flip
        worker_id: w
        function: flip_account
        params:
          id: "{{user_id}}"
        poll:
          interval: 5s
          timeout: 30s
        retry:
          max_retries: 2
          interval: 10s
        on_failure: unflip
rollbacks:
  unflip:
    - name: unflip
      worker_id: w
      function: unflip_account
      params:
        id: "{{user_id}}"
`

type busRecord struct {
	topic string
	msg   bus.Message
}

type fakeBus struct {
	mu        sync.Mutex
	published []busRecord
}

func (f *fakeBus) Publish(_ context.Context, topic string, msg bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, busRecord{topic: topic, msg: msg})
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string, string, string, []string, bus.Handler) error {
	return nil
}

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) jobs(t *testing.T) []bus.WorkerJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bus.WorkerJob
	for _, rec := range f.published {
		if rec.topic != bus.TopicJobs {
			continue
		}
		var job bus.WorkerJob
		if err := rec.msg.Decode(&job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		out = append(out, job)
	}
	return out
}

func (f *fakeBus) events(t *testing.T, kind string) []bus.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bus.Message
	for _, rec := range f.published {
		if rec.topic == bus.TopicEvents && rec.msg.Kind == kind {
			out = append(out, rec.msg)
		}
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	orch     *Orchestrator
	bus      *fakeBus
	batches  repos.BatchRepo
	members  repos.BatchMemberRepo
	phases   repos.PhaseExecutionRepo
	steps    repos.StepExecutionRepo
	inits    repos.InitExecutionRepo
	runbooks repos.RunbookRepo
}

func newFixture(t *testing.T, doc string) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := db.AutoMigrate(
		&types.Runbook{}, &types.Batch{}, &types.BatchMember{},
		&types.PhaseExecution{}, &types.StepExecution{}, &types.InitExecution{},
	); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	fb := &fakeBus{}
	f := &fixture{
		db:       db,
		bus:      fb,
		batches:  repos.NewBatchRepo(db, log),
		members:  repos.NewBatchMemberRepo(db, log),
		phases:   repos.NewPhaseExecutionRepo(db, log),
		steps:    repos.NewStepExecutionRepo(db, log),
		inits:    repos.NewInitExecutionRepo(db, log),
		runbooks: repos.NewRunbookRepo(db, log),
	}
	f.orch = New(log, Deps{
		DB:         db,
		Runbooks:   f.runbooks,
		Batches:    f.batches,
		Members:    f.members,
		Phases:     f.phases,
		Steps:      f.steps,
		Inits:      f.inits,
		Dispatcher: dispatch.NewDispatcher(log, fb),
	})

	if _, err := f.runbooks.Create(context.Background(), nil, &types.Runbook{
		Name: "user-cutover", Version: 1, SpecText: doc, Active: true,
		DataTableName: "rb_user_cutover_v1", OverdueBehavior: types.OverdueBehaviorCatchUp,
	}); err != nil {
		t.Fatalf("seed runbook: %v", err)
	}
	return f
}

func (f *fixture) seedBatch(t *testing.T, memberKeys ...string) (*types.Batch, []*types.BatchMember, *types.PhaseExecution) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b, err := f.batches.Create(ctx, nil, &types.Batch{
		RunbookName: "user-cutover", RunbookVersion: 1,
		BatchStartTime: start, Status: types.BatchStatusActive,
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	var members []*types.BatchMember
	for _, key := range memberKeys {
		snap, _ := json.Marshal(map[string]string{"user_id": key})
		members = append(members, &types.BatchMember{
			BatchID: b.ID, MemberKey: key, Status: types.MemberStatusActive,
			DataJSON: datatypes.JSON(snap),
		})
	}
	if _, err := f.members.Create(ctx, nil, members); err != nil {
		t.Fatalf("seed members: %v", err)
	}
	phases, err := f.phases.Create(ctx, nil, []*types.PhaseExecution{{
		BatchID: b.ID, RunbookVersion: 1, PhaseName: "provision", PhaseIndex: 0,
		OffsetMinutes: 0, DueAt: start, Status: types.PhaseStatusDispatched,
	}})
	if err != nil {
		t.Fatalf("seed phase: %v", err)
	}
	return b, members, phases[0]
}

func phaseDue(b *types.Batch, pe *types.PhaseExecution, memberIDs []int64) bus.PhaseDueEvent {
	return bus.PhaseDueEvent{
		RunbookName: b.RunbookName, RunbookVersion: b.RunbookVersion,
		BatchID: b.ID, PhaseExecutionID: pe.ID, PhaseName: pe.PhaseName,
		DueAt: pe.DueAt, MemberIDs: memberIDs,
	}
}

func successResult(job bus.WorkerJob) bus.WorkerResult {
	return bus.WorkerResult{
		JobID: job.JobID, Status: bus.ResultStatusSuccess,
		CorrelationData: job.CorrelationData,
	}
}

func failureResult(job bus.WorkerJob, msg string) bus.WorkerResult {
	return bus.WorkerResult{
		JobID: job.JobID, Status: bus.ResultStatusFailure,
		Error:           &bus.WorkerError{Message: msg},
		CorrelationData: job.CorrelationData,
	}
}

func TestSinglePhaseBatchRunsToCompletion(t *testing.T) {
	f := newFixture(t, simpleDoc)
	ctx := context.Background()
	b, _, pe := f.seedBatch(t, "u1", "u2")

	if err := f.orch.HandlePhaseDue(ctx, phaseDue(b, pe, nil)); err != nil {
		t.Fatalf("HandlePhaseDue: %v", err)
	}

	jobs := f.bus.jobs(t)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 worker jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.WorkerID != "w" || job.FunctionName != "flip_account" {
			t.Fatalf("job = %+v", job)
		}
		if job.Parameters["id"] != "u1" && job.Parameters["id"] != "u2" {
			t.Fatalf("unresolved param: %+v", job.Parameters)
		}
	}

	for _, job := range jobs {
		if err := f.orch.HandleWorkerResult(ctx, successResult(job)); err != nil {
			t.Fatalf("HandleWorkerResult: %v", err)
		}
	}

	steps, err := f.steps.ListByPhase(ctx, nil, pe.ID)
	if err != nil {
		t.Fatalf("ListByPhase: %v", err)
	}
	for _, st := range steps {
		if st.Status != types.ExecStatusSucceeded {
			t.Fatalf("step %d status = %s", st.ID, st.Status)
		}
	}
	gotPhase, _ := f.phases.GetByID(ctx, nil, pe.ID)
	if gotPhase.Status != types.PhaseStatusCompleted {
		t.Fatalf("phase status = %s", gotPhase.Status)
	}
	gotBatch, _ := f.batches.GetByID(ctx, nil, b.ID)
	if gotBatch.Status != types.BatchStatusCompleted {
		t.Fatalf("batch status = %s", gotBatch.Status)
	}
}

func TestDuplicatePhaseDueIsIdempotent(t *testing.T) {
	f := newFixture(t, simpleDoc)
	ctx := context.Background()
	b, _, pe := f.seedBatch(t, "u1", "u2")

	ev := phaseDue(b, pe, nil)
	for i := 0; i < 3; i++ {
		if err := f.orch.HandlePhaseDue(ctx, ev); err != nil {
			t.Fatalf("HandlePhaseDue #%d: %v", i, err)
		}
	}

	steps, _ := f.steps.ListByPhase(ctx, nil, pe.ID)
	if len(steps) != 2 {
		t.Fatalf("duplicate delivery multiplied steps: %d", len(steps))
	}
	if jobs := f.bus.jobs(t); len(jobs) != 2 {
		t.Fatalf("duplicate delivery multiplied jobs: %d", len(jobs))
	}
}

func TestLateJoinerBackfilledIntoDispatchedPhase(t *testing.T) {
	f := newFixture(t, simpleDoc)
	ctx := context.Background()
	b, _, pe := f.seedBatch(t, "u1")

	if err := f.orch.HandlePhaseDue(ctx, phaseDue(b, pe, nil)); err != nil {
		t.Fatalf("HandlePhaseDue: %v", err)
	}

	snap, _ := json.Marshal(map[string]string{"user_id": "u3"})
	late, err := f.members.Create(ctx, nil, []*types.BatchMember{{
		BatchID: b.ID, MemberKey: "u3", Status: types.MemberStatusActive,
		DataJSON: datatypes.JSON(snap),
	}})
	if err != nil {
		t.Fatalf("create late member: %v", err)
	}

	if err := f.orch.HandleMemberAdded(ctx, bus.MemberAddedEvent{BatchID: b.ID, MemberID: late[0].ID}); err != nil {
		t.Fatalf("HandleMemberAdded: %v", err)
	}

	steps, _ := f.steps.ListByPhase(ctx, nil, pe.ID)
	if len(steps) != 2 {
		t.Fatalf("late joiner steps missing: %d", len(steps))
	}
	var lateStep *types.StepExecution
	for _, st := range steps {
		if st.BatchMemberID == late[0].ID {
			lateStep = st
		}
	}
	if lateStep == nil || lateStep.Status != types.ExecStatusDispatched {
		t.Fatalf("late joiner step = %+v", lateStep)
	}

	jobs := f.bus.jobs(t)
	if len(jobs) != 2 || jobs[1].Parameters["id"] != "u3" {
		t.Fatalf("late joiner job not dispatched: %+v", jobs)
	}
}

func TestRetryBudgetThenRollback(t *testing.T) {
	f := newFixture(t, fullDoc)
	ctx := context.Background()
	b, _, pe := f.seedBatch(t, "u1")

	if err := f.orch.HandlePhaseDue(ctx, phaseDue(b, pe, nil)); err != nil {
		t.Fatalf("HandlePhaseDue: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		jobs := f.bus.jobs(t)
		job := jobs[len(jobs)-1]
		if err := f.orch.HandleWorkerResult(ctx, failureResult(job, "throttled")); err != nil {
			t.Fatalf("failure %d: %v", attempt, err)
		}

		retries := f.bus.events(t, bus.KindRetryCheck)
		if len(retries) != attempt+1 {
			t.Fatalf("expected %d retry-checks, got %d", attempt+1, len(retries))
		}
		last := retries[len(retries)-1]
		if last.EnqueueAt == nil {
			t.Fatalf("retry-check missing scheduled delivery time")
		}
		if d := time.Until(*last.EnqueueAt); d < 5*time.Second || d > 15*time.Second {
			t.Fatalf("retry delay = %v, want about 10s", d)
		}

		var ev bus.RetryCheckEvent
		if err := last.Decode(&ev); err != nil {
			t.Fatalf("decode retry-check: %v", err)
		}
		if err := f.orch.HandleRetryCheck(ctx, ev); err != nil {
			t.Fatalf("HandleRetryCheck: %v", err)
		}
	}

	// Third failure exhausts the budget and triggers the rollback list.
	jobs := f.bus.jobs(t)
	job := jobs[len(jobs)-1]
	if err := f.orch.HandleWorkerResult(ctx, failureResult(job, "permanent")); err != nil {
		t.Fatalf("final failure: %v", err)
	}

	steps, _ := f.steps.ListByPhase(ctx, nil, pe.ID)
	if steps[0].Status != types.ExecStatusFailed {
		t.Fatalf("step status = %s", steps[0].Status)
	}
	if steps[0].RetryCount != 2 {
		t.Fatalf("retry count = %d", steps[0].RetryCount)
	}

	jobs = f.bus.jobs(t)
	rollback := jobs[len(jobs)-1]
	if rollback.FunctionName != "unflip_account" || rollback.Parameters["id"] != "u1" {
		t.Fatalf("rollback job = %+v", rollback)
	}
	if rollback.CorrelationData.StepExecutionID != 0 {
		t.Fatalf("rollback must be fire-and-forget: %+v", rollback.CorrelationData)
	}
}

func TestPollingStepTimesOut(t *testing.T) {
	f := newFixture(t, fullDoc)
	ctx := context.Background()
	b, _, pe := f.seedBatch(t, "u1")

	if err := f.orch.HandlePhaseDue(ctx, phaseDue(b, pe, nil)); err != nil {
		t.Fatalf("HandlePhaseDue: %v", err)
	}
	job := f.bus.jobs(t)[0]

	polling := bus.WorkerResult{
		JobID: job.JobID, Status: bus.ResultStatusSuccess,
		IsPollingInProgress: true, CorrelationData: job.CorrelationData,
	}
	if err := f.orch.HandleWorkerResult(ctx, polling); err != nil {
		t.Fatalf("polling result: %v", err)
	}

	st, _ := f.steps.GetByID(ctx, nil, job.CorrelationData.StepExecutionID)
	if st.Status != types.ExecStatusPolling || st.PollStartedAt == nil {
		t.Fatalf("step after polling result = %+v", st)
	}

	// Within the timeout the same job is re-issued with the same job id.
	if err := f.orch.HandlePollCheck(ctx, bus.PollCheckEvent{TargetKind: bus.TargetStep, TargetID: st.ID}); err != nil {
		t.Fatalf("HandlePollCheck: %v", err)
	}
	jobs := f.bus.jobs(t)
	reissued := jobs[len(jobs)-1]
	if reissued.JobID != job.JobID {
		t.Fatalf("re-issued job id changed: %s vs %s", reissued.JobID, job.JobID)
	}
	// One poll from the worker's in-progress report, one from the re-issue.
	st, _ = f.steps.GetByID(ctx, nil, st.ID)
	if st.PollCount != 2 {
		t.Fatalf("poll_count = %d, want 2", st.PollCount)
	}

	// Push poll_started_at past the 30s timeout.
	past := time.Now().Add(-time.Minute)
	if err := f.steps.UpdateFields(ctx, nil, st.ID, map[string]interface{}{"poll_started_at": past}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	if err := f.orch.HandlePollCheck(ctx, bus.PollCheckEvent{TargetKind: bus.TargetStep, TargetID: st.ID}); err != nil {
		t.Fatalf("HandlePollCheck timeout: %v", err)
	}

	st, _ = f.steps.GetByID(ctx, nil, st.ID)
	if st.Status != types.ExecStatusPollTimeout {
		t.Fatalf("status = %s, want poll_timeout", st.Status)
	}
	// Timeout is a non-retryable failure: the rollback list fires.
	jobs = f.bus.jobs(t)
	if jobs[len(jobs)-1].FunctionName != "unflip_account" {
		t.Fatalf("rollback not dispatched after timeout: %+v", jobs[len(jobs)-1])
	}
}

func TestDuplicateResultDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, simpleDoc)
	ctx := context.Background()
	b, _, pe := f.seedBatch(t, "u1")

	if err := f.orch.HandlePhaseDue(ctx, phaseDue(b, pe, nil)); err != nil {
		t.Fatalf("HandlePhaseDue: %v", err)
	}
	job := f.bus.jobs(t)[0]

	for i := 0; i < 3; i++ {
		if err := f.orch.HandleWorkerResult(ctx, successResult(job)); err != nil {
			t.Fatalf("result #%d: %v", i, err)
		}
	}
	st, _ := f.steps.GetByID(ctx, nil, job.CorrelationData.StepExecutionID)
	if st.Status != types.ExecStatusSucceeded {
		t.Fatalf("status = %s", st.Status)
	}
	gotBatch, _ := f.batches.GetByID(ctx, nil, b.ID)
	if gotBatch.Status != types.BatchStatusCompleted {
		t.Fatalf("batch status = %s", gotBatch.Status)
	}
}

func TestStepFailureCancelsOnlyTheFailingPhase(t *testing.T) {
	f := newFixture(t, simpleDoc)
	ctx := context.Background()
	b, members, pe1 := f.seedBatch(t, "u1")
	u1 := members[0]

	// u1 was backfilled into a second, later phase that is already
	// materialized with a pending step.
	pe2s, err := f.phases.Create(ctx, nil, []*types.PhaseExecution{{
		BatchID: b.ID, RunbookVersion: 1, PhaseName: "verify", PhaseIndex: 1,
		OffsetMinutes: 0, DueAt: b.BatchStartTime, Status: types.PhaseStatusDispatched,
	}})
	if err != nil {
		t.Fatalf("seed second phase: %v", err)
	}
	steps, err := f.steps.Create(ctx, nil, []*types.StepExecution{
		{PhaseExecutionID: pe1.ID, BatchID: b.ID, BatchMemberID: u1.ID, StepName: "flip", StepIndex: 0,
			WorkerID: "w", FunctionName: "flip_account", Status: types.ExecStatusDispatched, LastJobID: uuid.New()},
		{PhaseExecutionID: pe1.ID, BatchID: b.ID, BatchMemberID: u1.ID, StepName: "confirm", StepIndex: 1,
			WorkerID: "w", FunctionName: "confirm_account", Status: types.ExecStatusPending},
		{PhaseExecutionID: pe2s[0].ID, BatchID: b.ID, BatchMemberID: u1.ID, StepName: "check", StepIndex: 0,
			WorkerID: "w", FunctionName: "check_account", Status: types.ExecStatusPending},
	})
	if err != nil {
		t.Fatalf("seed steps: %v", err)
	}

	res := bus.WorkerResult{
		JobID: steps[0].LastJobID, Status: bus.ResultStatusFailure,
		Error: &bus.WorkerError{Message: "permanent"},
		CorrelationData: bus.CorrelationData{
			StepExecutionID: steps[0].ID, RunbookName: b.RunbookName, RunbookVersion: b.RunbookVersion,
		},
	}
	if err := f.orch.HandleWorkerResult(ctx, res); err != nil {
		t.Fatalf("HandleWorkerResult: %v", err)
	}

	confirm, _ := f.steps.GetByID(ctx, nil, steps[1].ID)
	if confirm.Status != types.ExecStatusCancelled {
		t.Fatalf("pending step in the failing phase should be cancelled, got %s", confirm.Status)
	}
	check, _ := f.steps.GetByID(ctx, nil, steps[2].ID)
	if check.Status != types.ExecStatusPending {
		t.Fatalf("step in another phase must survive the failure, got %s", check.Status)
	}
}
