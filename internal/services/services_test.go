package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/dispatch"
	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/repos"
	"github.com/waypointops/cutoverd/internal/types"
)

const twoPhaseDoc = `
name: user-cutover
data_source:
  type: warehouse
  connection: wh
  query: SELECT user_id FROM users
  primary_key: user_id
  batch_time: immediate
phases:
  - name: preflight
    offset: T-1h
    steps:
      - name: check
        worker_id: w
        function: check_account
        params:
          id: "{{user_id}}"
  - name: cutover
    offset: T-0
    steps:
      - name: flip
        worker_id: w
        function: flip_account
        params:
          id: "{{user_id}}"
`

const initDoc = `
name: user-cutover
data_source:
  type: warehouse
  connection: wh
  query: SELECT user_id FROM users
  primary_key: user_id
  batch_time: immediate
init:
  - name: prepare
    worker_id: w
    function: prepare_batch
phases:
  - name: cutover
    offset: T-0
    steps:
      - name: flip
        worker_id: w
        function: flip_account
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

func (f *fakeBus) events(kind string) []bus.Message {
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
	bus      *fakeBus
	runbooks RunbookService
	batches  BatchService
	batchRe  repos.BatchRepo
	memberRe repos.BatchMemberRepo
	phaseRe  repos.PhaseExecutionRepo
	stepRe   repos.StepExecutionRepo
	initRe   repos.InitExecutionRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := db.AutoMigrate(
		&types.Runbook{}, &types.AutomationSetting{}, &types.Batch{}, &types.BatchMember{},
		&types.PhaseExecution{}, &types.StepExecution{}, &types.InitExecution{},
	); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	fb := &fakeBus{}
	runbookRepo := repos.NewRunbookRepo(db, log)
	settingRepo := repos.NewAutomationSettingRepo(db, log)
	batchRepo := repos.NewBatchRepo(db, log)
	memberRepo := repos.NewBatchMemberRepo(db, log)
	phaseRepo := repos.NewPhaseExecutionRepo(db, log)
	stepRepo := repos.NewStepExecutionRepo(db, log)
	initRepo := repos.NewInitExecutionRepo(db, log)
	d := dispatch.NewDispatcher(log, fb)

	return &fixture{
		db:       db,
		bus:      fb,
		runbooks: NewRunbookService(db, log, runbookRepo, settingRepo),
		batches:  NewBatchService(db, log, runbookRepo, batchRepo, memberRepo, phaseRepo, stepRepo, initRepo, d),
		batchRe:  batchRepo,
		memberRe: memberRepo,
		phaseRe:  phaseRepo,
		stepRe:   stepRepo,
		initRe:   initRepo,
	}
}

func requirePrecondition(t *testing.T, err error, substr string) {
	t.Helper()
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if !strings.Contains(pe.Msg, substr) {
		t.Fatalf("expected error containing %q, got %q", substr, pe.Msg)
	}
}

func TestPublishAssignsVersionsAndDeactivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false)
	if err != nil {
		t.Fatalf("Publish v1: %v", err)
	}
	if v1.Version != 1 || !v1.Active {
		t.Fatalf("unexpected v1: version=%d active=%v", v1.Version, v1.Active)
	}
	if v1.OverdueBehavior != types.OverdueBehaviorCatchUp {
		t.Fatalf("expected catch_up default, got %q", v1.OverdueBehavior)
	}

	v2, err := f.runbooks.Publish(ctx, twoPhaseDoc, types.OverdueBehaviorIgnore, true)
	if err != nil {
		t.Fatalf("Publish v2: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}

	active, err := f.runbooks.GetActive(ctx, "user-cutover")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.ID != v2.ID {
		t.Fatalf("expected v2 active, got id=%d", active.ID)
	}
	versions, err := f.runbooks.ListVersions(ctx, "user-cutover")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 {
		t.Fatalf("unexpected versions: %+v", versions)
	}
	if versions[1].Active {
		t.Fatal("v1 should be deactivated")
	}
}

func TestPublishRejectsUnknownOverdueBehavior(t *testing.T) {
	f := newFixture(t)
	if _, err := f.runbooks.Publish(context.Background(), twoPhaseDoc, "pause", false); err == nil {
		t.Fatal("expected error for unknown overdue behavior")
	}
}

func TestAutomationDefaultsEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	enabled, err := f.runbooks.GetAutomation(ctx, "user-cutover")
	if err != nil {
		t.Fatalf("GetAutomation: %v", err)
	}
	if !enabled {
		t.Fatal("automation should default to enabled")
	}
	if err := f.runbooks.SetAutomation(ctx, "user-cutover", false); err != nil {
		t.Fatalf("SetAutomation: %v", err)
	}
	enabled, err = f.runbooks.GetAutomation(ctx, "user-cutover")
	if err != nil {
		t.Fatalf("GetAutomation: %v", err)
	}
	if enabled {
		t.Fatal("automation should be disabled")
	}
	if err := f.runbooks.SetAutomation(ctx, "no-such-runbook", false); err == nil {
		t.Fatal("expected error for unknown runbook")
	}
}

func TestCreateManualBuildsPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, initDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b, err := f.batches.CreateManual(ctx, "user-cutover", start)
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}
	if !b.IsManual || b.Status != types.BatchStatusDetected {
		t.Fatalf("unexpected batch: manual=%v status=%s", b.IsManual, b.Status)
	}

	detail, err := f.batches.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.Phases) != 1 || detail.Phases[0].Status != types.PhaseStatusPending {
		t.Fatalf("unexpected phases: %+v", detail.Phases)
	}
	if len(detail.Inits) != 1 || detail.Inits[0].Status != types.ExecStatusPending {
		t.Fatalf("unexpected inits: %+v", detail.Inits)
	}

	if _, err := f.batches.CreateManual(ctx, "user-cutover", start); err == nil {
		t.Fatal("expected duplicate batch to be refused")
	}
}

func TestAdvanceDispatchesInitThenRefusesUntilDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, initDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b, err := f.batches.CreateManual(ctx, "user-cutover", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}

	did, err := f.batches.Advance(ctx, b.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if did != "init dispatched" {
		t.Fatalf("expected init dispatch, got %q", did)
	}
	if got := len(f.bus.events(bus.KindBatchInit)); got != 1 {
		t.Fatalf("expected 1 batch-init event, got %d", got)
	}

	_, err = f.batches.Advance(ctx, b.ID)
	requirePrecondition(t, err, "init steps not yet completed")
}

func TestAdvanceRefusesWhilePhaseInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b, err := f.batches.CreateManual(ctx, "user-cutover", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}

	// No init steps declared: first advance activates.
	did, err := f.batches.Advance(ctx, b.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if did != "batch activated" {
		t.Fatalf("expected activation, got %q", did)
	}

	did, err = f.batches.Advance(ctx, b.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if did != "phase preflight dispatched" {
		t.Fatalf("unexpected result %q", did)
	}
	if got := len(f.bus.events(bus.KindPhaseDue)); got != 1 {
		t.Fatalf("expected 1 phase-due event, got %d", got)
	}

	// preflight has not settled; cutover must not fire.
	_, err = f.batches.Advance(ctx, b.ID)
	requirePrecondition(t, err, "phase preflight still in progress")
	if got := len(f.bus.events(bus.KindPhaseDue)); got != 1 {
		t.Fatalf("refused advance must not publish, got %d phase-due events", got)
	}

	detail, err := f.batches.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var preflight *types.PhaseExecution
	for _, pe := range detail.Phases {
		if pe.PhaseName == "preflight" {
			preflight = pe
		}
	}
	if _, err := f.phaseRe.UpdateStatus(ctx, nil, preflight.ID, types.PhaseStatusDispatched, types.PhaseStatusCompleted); err != nil {
		t.Fatalf("settle preflight: %v", err)
	}

	did, err = f.batches.Advance(ctx, b.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if did != "phase cutover dispatched" {
		t.Fatalf("unexpected result %q", did)
	}
}

func TestAdvanceCompletesWhenAllPhasesSettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b, err := f.batches.CreateManual(ctx, "user-cutover", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}
	if _, err := f.batches.Advance(ctx, b.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	detail, err := f.batches.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, pe := range detail.Phases {
		if _, err := f.phaseRe.UpdateStatus(ctx, nil, pe.ID, types.PhaseStatusPending, types.PhaseStatusCompleted); err != nil {
			t.Fatalf("settle phase: %v", err)
		}
	}

	did, err := f.batches.Advance(ctx, b.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if did != "batch completed" {
		t.Fatalf("unexpected result %q", did)
	}
	got, err := f.batchRe.GetByID(ctx, nil, b.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.BatchStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	// Advancing a terminal batch is refused.
	_, err = f.batches.Advance(ctx, b.ID)
	requirePrecondition(t, err, "completed")
}

func TestIngestCSVAddsAndStampsMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b, err := f.batches.CreateManual(ctx, "user-cutover", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}

	res, err := f.batches.IngestCSV(ctx, b.ID, strings.NewReader("user_id\nu1\nu2\n"))
	if err != nil {
		t.Fatalf("IngestCSV: %v", err)
	}
	if res.Added != 2 || res.Existing != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := len(f.bus.events(bus.KindMemberAdded)); got != 2 {
		t.Fatalf("expected 2 member-added events, got %d", got)
	}
	m, err := f.memberRe.GetByKey(ctx, nil, b.ID, "u1")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if m.AddDispatchedAt == nil {
		t.Fatal("expected add dispatch stamp after successful publish")
	}

	// Re-ingest is idempotent.
	res, err = f.batches.IngestCSV(ctx, b.ID, strings.NewReader("user_id\nu1\nu2\n"))
	if err != nil {
		t.Fatalf("IngestCSV again: %v", err)
	}
	if res.Added != 0 || res.Existing != 2 {
		t.Fatalf("unexpected re-ingest result: %+v", res)
	}

	_, err = f.batches.IngestCSV(ctx, b.ID, strings.NewReader("wrong_col\nx\n"))
	requirePrecondition(t, err, "missing required column")
}

func TestRemoveMemberStampsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b, err := f.batches.CreateManual(ctx, "user-cutover", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}
	if _, err := f.batches.IngestCSV(ctx, b.ID, strings.NewReader("user_id\nu1\n")); err != nil {
		t.Fatalf("IngestCSV: %v", err)
	}

	if err := f.batches.RemoveMember(ctx, b.ID, "u1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	m, err := f.memberRe.GetByKey(ctx, nil, b.ID, "u1")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if m.Status != types.MemberStatusRemoved || m.RemoveDispatchedAt == nil {
		t.Fatalf("unexpected member after removal: status=%s stamp=%v", m.Status, m.RemoveDispatchedAt)
	}
	if got := len(f.bus.events(bus.KindMemberRemoved)); got != 1 {
		t.Fatalf("expected 1 member-removed event, got %d", got)
	}

	// Removing twice is a no-op, not an extra event.
	if err := f.batches.RemoveMember(ctx, b.ID, "u1"); err != nil {
		t.Fatalf("RemoveMember again: %v", err)
	}
	if got := len(f.bus.events(bus.KindMemberRemoved)); got != 1 {
		t.Fatalf("expected still 1 member-removed event, got %d", got)
	}

	err = f.batches.RemoveMember(ctx, b.ID, "nobody")
	requirePrecondition(t, err, "not in batch")
}

func TestCancelStopsOutstandingSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	b, err := f.batches.CreateManual(ctx, "user-cutover", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateManual: %v", err)
	}
	if _, err := f.batches.IngestCSV(ctx, b.ID, strings.NewReader("user_id\nu1\n")); err != nil {
		t.Fatalf("IngestCSV: %v", err)
	}
	m, err := f.memberRe.GetByKey(ctx, nil, b.ID, "u1")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	detail, err := f.batches.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	steps, err := f.stepRe.Create(ctx, nil, []*types.StepExecution{{
		PhaseExecutionID: detail.Phases[0].ID,
		BatchID:          b.ID,
		BatchMemberID:    m.ID,
		StepName:         "check",
		WorkerID:         "w",
		FunctionName:     "check_account",
		Status:           types.ExecStatusDispatched,
	}})
	if err != nil {
		t.Fatalf("create step: %v", err)
	}

	if err := f.batches.Cancel(ctx, b.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := f.batchRe.GetByID(ctx, nil, b.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.BatchStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	st, err := f.stepRe.GetByID(ctx, nil, steps[0].ID)
	if err != nil {
		t.Fatalf("step GetByID: %v", err)
	}
	if st.Status != types.ExecStatusCancelled {
		t.Fatalf("expected step cancelled, got %s", st.Status)
	}

	err = f.batches.Cancel(ctx, b.ID)
	requirePrecondition(t, err, "already cancelled")
}

func TestCSVTemplateMatchesRequiredColumns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.runbooks.Publish(ctx, twoPhaseDoc, "", false); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	tmpl, err := f.batches.CSVTemplate(ctx, "user-cutover")
	if err != nil {
		t.Fatalf("CSVTemplate: %v", err)
	}
	if !strings.HasPrefix(string(tmpl), "user_id") {
		t.Fatalf("template should lead with the primary key, got %q", string(tmpl))
	}
}
