package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/csvio"
	"github.com/waypointops/cutoverd/internal/dispatch"
	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/repos"
	"github.com/waypointops/cutoverd/internal/runbook"
	"github.com/waypointops/cutoverd/internal/scheduler"
	"github.com/waypointops/cutoverd/internal/types"
)

// PreconditionError marks failures the API reports as 4xx rather than 5xx:
// invalid CSV, advancing a non-manual batch, advancing past in-flight work.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string { return e.Msg }

func preconditionf(format string, args ...any) error {
	return &PreconditionError{Msg: fmt.Sprintf(format, args...)}
}

// BatchDetail is the read model for one batch.
type BatchDetail struct {
	Batch   *types.Batch            `json:"batch"`
	Members []*types.BatchMember    `json:"members"`
	Phases  []*types.PhaseExecution `json:"phases"`
	Inits   []*types.InitExecution  `json:"inits"`
}

// IngestResult summarizes a CSV ingestion.
type IngestResult struct {
	Added    int      `json:"added"`
	Existing int      `json:"existing"`
	Warnings []string `json:"warnings,omitempty"`
}

// BatchService is the manual batch controller: batches whose progression is
// driven by admin calls instead of the scheduler tick.
type BatchService interface {
	CreateManual(ctx context.Context, runbookName string, batchStart time.Time) (*types.Batch, error)
	// Advance is idempotent; it returns a short description of what it did.
	Advance(ctx context.Context, batchID int64) (string, error)
	Cancel(ctx context.Context, batchID int64) error
	IngestCSV(ctx context.Context, batchID int64, r io.Reader) (*IngestResult, error)
	RemoveMember(ctx context.Context, batchID int64, memberKey string) error
	CSVTemplate(ctx context.Context, runbookName string) ([]byte, error)
	Get(ctx context.Context, batchID int64) (*BatchDetail, error)
	ListByRunbook(ctx context.Context, runbookName string, limit int) ([]*types.Batch, error)
}

type batchService struct {
	db         *gorm.DB
	log        *logger.Logger
	runbooks   repos.RunbookRepo
	batches    repos.BatchRepo
	members    repos.BatchMemberRepo
	phases     repos.PhaseExecutionRepo
	steps      repos.StepExecutionRepo
	inits      repos.InitExecutionRepo
	dispatcher *dispatch.Dispatcher
}

func NewBatchService(
	db *gorm.DB,
	log *logger.Logger,
	runbooks repos.RunbookRepo,
	batches repos.BatchRepo,
	members repos.BatchMemberRepo,
	phases repos.PhaseExecutionRepo,
	steps repos.StepExecutionRepo,
	inits repos.InitExecutionRepo,
	dispatcher *dispatch.Dispatcher,
) BatchService {
	return &batchService{
		db:         db,
		log:        log.With("service", "BatchService"),
		runbooks:   runbooks,
		batches:    batches,
		members:    members,
		phases:     phases,
		steps:      steps,
		inits:      inits,
		dispatcher: dispatcher,
	}
}

func (bs *batchService) loadRunbook(ctx context.Context, name string, version int) (*types.Runbook, *runbook.Spec, error) {
	var rb *types.Runbook
	var err error
	if version > 0 {
		rb, err = bs.runbooks.GetByNameVersion(ctx, nil, name, version)
	} else {
		rb, err = bs.runbooks.GetActive(ctx, nil, name)
	}
	if err != nil {
		return nil, nil, err
	}
	if rb == nil {
		return nil, nil, preconditionf("runbook %q not found", name)
	}
	spec, err := runbook.Parse(rb.SpecText)
	if err != nil {
		return nil, nil, fmt.Errorf("parse stored spec: %w", err)
	}
	return rb, spec, nil
}

func (bs *batchService) CreateManual(ctx context.Context, runbookName string, batchStart time.Time) (*types.Batch, error) {
	rb, spec, err := bs.loadRunbook(ctx, runbookName, 0)
	if err != nil {
		return nil, err
	}
	if batchStart.IsZero() {
		batchStart = time.Now().UTC().Truncate(5 * time.Minute)
	}
	batchStart = batchStart.UTC()

	if existing, err := bs.batches.GetByKey(ctx, nil, rb.Name, batchStart); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, preconditionf("batch already exists for %s at %s", rb.Name, batchStart)
	}

	plans, err := runbook.PlanNewBatch(spec, batchStart)
	if err != nil {
		return nil, err
	}

	var b *types.Batch
	err = bs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err = bs.batches.Create(ctx, tx, &types.Batch{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchStartTime: batchStart,
			Status:         types.BatchStatusDetected,
			IsManual:       true,
		})
		if err != nil {
			return err
		}
		phaseRows := make([]*types.PhaseExecution, 0, len(plans))
		for _, p := range plans {
			phaseRows = append(phaseRows, &types.PhaseExecution{
				BatchID:        b.ID,
				RunbookVersion: rb.Version,
				PhaseName:      p.PhaseName,
				PhaseIndex:     p.PhaseIndex,
				OffsetMinutes:  p.OffsetMinutes,
				DueAt:          p.DueAt,
				Status:         p.Status,
			})
		}
		if _, err := bs.phases.Create(ctx, tx, phaseRows); err != nil {
			return err
		}
		initRows, err := scheduler.BuildInitExecutions(spec, rb.Version, b.ID, batchStart)
		if err != nil {
			return err
		}
		_, err = bs.inits.Create(ctx, tx, initRows)
		return err
	})
	if err != nil {
		return nil, err
	}
	bs.log.Info("manual batch created", "runbook", rb.Name, "batch_id", b.ID, "batch_start_time", batchStart)
	return b, nil
}

func (bs *batchService) Advance(ctx context.Context, batchID int64) (string, error) {
	b, err := bs.batches.GetByID(ctx, nil, batchID)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", preconditionf("batch %d not found", batchID)
	}
	if !b.IsManual {
		return "", preconditionf("batch %d is not manual", batchID)
	}
	_, spec, err := bs.loadRunbook(ctx, b.RunbookName, b.RunbookVersion)
	if err != nil {
		return "", err
	}

	switch b.Status {
	case types.BatchStatusDetected:
		if len(spec.Init) > 0 {
			if err := bs.dispatcher.PublishEvent(ctx, bus.KindBatchInit, bus.BatchInitEvent{BatchID: b.ID}); err != nil {
				return "", err
			}
			if _, err := bs.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusDetected, types.BatchStatusInitDispatched); err != nil {
				return "", err
			}
			return "init dispatched", nil
		}
		if _, err := bs.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusDetected, types.BatchStatusActive); err != nil {
			return "", err
		}
		return "batch activated", nil

	case types.BatchStatusInitDispatched:
		return "", preconditionf("init steps not yet completed")

	case types.BatchStatusActive:
		return bs.advancePhase(ctx, b)

	default:
		return "", preconditionf("batch %d is %s", b.ID, b.Status)
	}
}

// advancePhase fires the next pending phase in declaration order, refusing
// while an earlier phase is still in flight.
func (bs *batchService) advancePhase(ctx context.Context, b *types.Batch) (string, error) {
	all, err := bs.phases.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return "", err
	}
	var next *types.PhaseExecution
	for _, pe := range all {
		if pe.RunbookVersion != b.RunbookVersion {
			continue
		}
		switch pe.Status {
		case types.PhaseStatusDispatched:
			return "", preconditionf("phase %s still in progress", pe.PhaseName)
		case types.PhaseStatusPending:
			if next == nil {
				next = pe
			}
		case types.PhaseStatusFailed:
			return "", preconditionf("phase %s failed", pe.PhaseName)
		}
	}
	if next == nil {
		ok, err := bs.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusActive, types.BatchStatusCompleted)
		if err != nil {
			return "", err
		}
		if ok {
			bs.log.Info("manual batch completed", "batch_id", b.ID)
		}
		return "batch completed", nil
	}

	members, err := bs.members.ListActiveByBatch(ctx, nil, b.ID)
	if err != nil {
		return "", err
	}
	memberIDs := make([]int64, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.ID)
	}
	ev := bus.PhaseDueEvent{
		RunbookName:      b.RunbookName,
		RunbookVersion:   b.RunbookVersion,
		BatchID:          b.ID,
		PhaseExecutionID: next.ID,
		PhaseName:        next.PhaseName,
		OffsetMinutes:    next.OffsetMinutes,
		DueAt:            next.DueAt,
		MemberIDs:        memberIDs,
	}
	if err := bs.dispatcher.PublishEvent(ctx, bus.KindPhaseDue, ev); err != nil {
		return "", err
	}
	if _, err := bs.phases.UpdateStatus(ctx, nil, next.ID, types.PhaseStatusPending, types.PhaseStatusDispatched); err != nil {
		return "", err
	}
	bs.log.Info("manual phase advanced", "batch_id", b.ID, "phase", next.PhaseName)
	return fmt.Sprintf("phase %s dispatched", next.PhaseName), nil
}

func (bs *batchService) Cancel(ctx context.Context, batchID int64) error {
	b, err := bs.batches.GetByID(ctx, nil, batchID)
	if err != nil {
		return err
	}
	if b == nil {
		return preconditionf("batch %d not found", batchID)
	}
	if !b.IsLive() {
		return preconditionf("batch %d is already %s", b.ID, b.Status)
	}
	ok, err := bs.batches.UpdateStatus(ctx, nil, b.ID, b.Status, types.BatchStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return preconditionf("batch %d changed state concurrently", b.ID)
	}
	members, err := bs.members.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if _, err := bs.steps.CancelForMember(ctx, nil, m.ID, 0, []string{types.ExecStatusPending, types.ExecStatusDispatched}); err != nil {
			return err
		}
	}
	bs.log.Info("batch cancelled", "batch_id", b.ID)
	return nil
}

func (bs *batchService) IngestCSV(ctx context.Context, batchID int64, r io.Reader) (*IngestResult, error) {
	b, err := bs.batches.GetByID(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, preconditionf("batch %d not found", batchID)
	}
	if !b.IsManual {
		return nil, preconditionf("batch %d is not manual", batchID)
	}
	if !b.IsLive() {
		return nil, preconditionf("batch %d is %s", b.ID, b.Status)
	}
	_, spec, err := bs.loadRunbook(ctx, b.RunbookName, b.RunbookVersion)
	if err != nil {
		return nil, err
	}

	parsed, err := csvio.Parse(r, spec)
	if err != nil {
		var ve *csvio.ValidationError
		if asValidation(err, &ve) {
			return nil, &PreconditionError{Msg: ve.Error()}
		}
		return nil, err
	}

	res := &IngestResult{Warnings: parsed.Warnings}
	for _, row := range parsed.Rows {
		existing, err := bs.members.GetByKey(ctx, nil, b.ID, row.Key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			res.Existing++
			continue
		}
		snap, _ := json.Marshal(row.Values)
		created, err := bs.members.Create(ctx, nil, []*types.BatchMember{{
			BatchID:   b.ID,
			MemberKey: row.Key,
			Status:    types.MemberStatusActive,
			DataJSON:  datatypes.JSON(snap),
		}})
		if err != nil {
			return nil, err
		}
		res.Added++
		bs.publishMemberAdded(ctx, b.ID, created[0].ID)
	}
	bs.log.Info("csv ingested", "batch_id", b.ID, "added", res.Added, "existing", res.Existing, "warnings", len(res.Warnings))
	return res, nil
}

func (bs *batchService) publishMemberAdded(ctx context.Context, batchID, memberID int64) {
	if err := bs.dispatcher.PublishEvent(ctx, bus.KindMemberAdded, bus.MemberAddedEvent{BatchID: batchID, MemberID: memberID}); err != nil {
		// Stamp stays null; the next admin sync or tick republishes.
		bs.log.Warn("member-added publish failed", "member_id", memberID, "error", err)
		return
	}
	if err := bs.members.StampAddDispatched(ctx, nil, memberID, time.Now().UTC()); err != nil {
		bs.log.Warn("dispatch stamp failed", "member_id", memberID, "error", err)
	}
}

func (bs *batchService) RemoveMember(ctx context.Context, batchID int64, memberKey string) error {
	b, err := bs.batches.GetByID(ctx, nil, batchID)
	if err != nil {
		return err
	}
	if b == nil {
		return preconditionf("batch %d not found", batchID)
	}
	m, err := bs.members.GetByKey(ctx, nil, b.ID, memberKey)
	if err != nil {
		return err
	}
	if m == nil {
		return preconditionf("member %q not in batch %d", memberKey, b.ID)
	}
	ok, err := bs.members.UpdateStatus(ctx, nil, m.ID, types.MemberStatusActive, types.MemberStatusRemoved)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := bs.dispatcher.PublishEvent(ctx, bus.KindMemberRemoved, bus.MemberRemovedEvent{BatchID: b.ID, MemberID: m.ID}); err != nil {
		bs.log.Warn("member-removed publish failed", "member_id", m.ID, "error", err)
		return nil
	}
	return bs.members.StampRemoveDispatched(ctx, nil, m.ID, time.Now().UTC())
}

func (bs *batchService) CSVTemplate(ctx context.Context, runbookName string) ([]byte, error) {
	_, spec, err := bs.loadRunbook(ctx, runbookName, 0)
	if err != nil {
		return nil, err
	}
	return csvio.Template(spec)
}

func (bs *batchService) Get(ctx context.Context, batchID int64) (*BatchDetail, error) {
	b, err := bs.batches.GetByID(ctx, nil, batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, preconditionf("batch %d not found", batchID)
	}
	members, err := bs.members.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return nil, err
	}
	phases, err := bs.phases.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return nil, err
	}
	inits, err := bs.inits.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{Batch: b, Members: members, Phases: phases, Inits: inits}, nil
}

func (bs *batchService) ListByRunbook(ctx context.Context, runbookName string, limit int) ([]*types.Batch, error) {
	return bs.batches.ListByRunbook(ctx, nil, runbookName, limit)
}

func asValidation(err error, target **csvio.ValidationError) bool {
	ve, ok := err.(*csvio.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
