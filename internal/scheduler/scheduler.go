// Package scheduler runs the periodic tick that detects batches, keeps
// membership in sync and fires phases when their time comes. The tick is
// pinned to one instance by a redis lease; runbooks are processed
// concurrently within it.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/datasource"
	"github.com/waypointops/cutoverd/internal/dispatch"
	"github.com/waypointops/cutoverd/internal/dyntable"
	"github.com/waypointops/cutoverd/internal/lease"
	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/repos"
	"github.com/waypointops/cutoverd/internal/runbook"
	"github.com/waypointops/cutoverd/internal/template"
	"github.com/waypointops/cutoverd/internal/types"
)

const (
	leaseName          = "scheduler-tick"
	batchTimeQuantum   = 5 * time.Minute
	runbookConcurrency = 4
)

type Scheduler struct {
	log        *logger.Logger
	db         *gorm.DB
	runbooks   repos.RunbookRepo
	settings   repos.AutomationSettingRepo
	batches    repos.BatchRepo
	members    repos.BatchMemberRepo
	phases     repos.PhaseExecutionRepo
	steps      repos.StepExecutionRepo
	inits      repos.InitExecutionRepo
	tables     *dyntable.Manager
	source     datasource.Source
	dispatcher *dispatch.Dispatcher
	leases     *lease.Manager
	interval   time.Duration
}

type Deps struct {
	DB         *gorm.DB
	Runbooks   repos.RunbookRepo
	Settings   repos.AutomationSettingRepo
	Batches    repos.BatchRepo
	Members    repos.BatchMemberRepo
	Phases     repos.PhaseExecutionRepo
	Steps      repos.StepExecutionRepo
	Inits      repos.InitExecutionRepo
	Tables     *dyntable.Manager
	Source     datasource.Source
	Dispatcher *dispatch.Dispatcher
	Leases     *lease.Manager
	Interval   time.Duration
}

func New(baseLog *logger.Logger, d Deps) *Scheduler {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		log:        baseLog.With("component", "Scheduler"),
		db:         d.DB,
		runbooks:   d.Runbooks,
		settings:   d.Settings,
		batches:    d.Batches,
		members:    d.Members,
		phases:     d.Phases,
		steps:      d.Steps,
		inits:      d.Inits,
		tables:     d.Tables,
		source:     d.Source,
		dispatcher: d.Dispatcher,
		leases:     d.Leases,
		interval:   interval,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("tick failed", "error", err)
			}
		}
	}
}

var tracer trace.Tracer = otel.Tracer("cutoverd/scheduler")

// Tick runs one scheduling pass under the tick lease. When another instance
// holds the lease this is a silent no-op.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	l, err := s.leases.Acquire(ctx, leaseName)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if l == nil {
		return nil
	}
	defer l.Release(ctx)

	active, err := s.runbooks.ListActive(ctx, nil)
	if err != nil {
		return fmt.Errorf("list active runbooks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runbookConcurrency)
	for _, rb := range active {
		rb := rb
		g.Go(func() error {
			if err := s.processRunbook(gctx, rb); err != nil {
				// One runbook failing must not starve the others.
				s.log.Error("runbook tick failed", "runbook", rb.Name, "version", rb.Version, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.pollingSweep(ctx)
	return nil
}

func (s *Scheduler) processRunbook(ctx context.Context, rb *types.Runbook) error {
	enabled, err := s.settings.IsEnabled(ctx, nil, rb.Name)
	if err != nil {
		return err
	}
	if !enabled {
		s.log.Debug("automation disabled, skipping", "runbook", rb.Name)
		return nil
	}

	spec, err := runbook.Parse(rb.SpecText)
	if err != nil {
		return fmt.Errorf("parse stored spec: %w", err)
	}

	now := time.Now().UTC()
	groups, err := s.detect(ctx, rb, spec, now)
	if err != nil {
		return err
	}

	for batchTime, rows := range groups {
		b, err := s.batches.GetByKey(ctx, nil, rb.Name, batchTime)
		if err != nil {
			return err
		}
		if b == nil {
			if err := s.createBatch(ctx, rb, spec, batchTime, rows); err != nil {
				return fmt.Errorf("create batch at %s: %w", batchTime, err)
			}
			continue
		}
		if !b.IsLive() || b.IsManual {
			continue
		}
		if err := s.syncMembers(ctx, rb, spec, b, rows); err != nil {
			return fmt.Errorf("sync batch %d: %w", b.ID, err)
		}
	}

	live, err := s.batches.ListLiveByRunbook(ctx, nil, rb.Name)
	if err != nil {
		return err
	}
	for _, b := range live {
		if b.IsManual {
			continue
		}
		if err := s.ensureBatchStarted(ctx, spec, b); err != nil {
			s.log.Warn("batch start retry failed", "batch_id", b.ID, "error", err)
		}
		if b.RunbookVersion != rb.Version {
			if err := s.transitionBatch(ctx, rb, spec, b, now); err != nil {
				s.log.Error("version transition failed", "batch_id", b.ID, "error", err)
				continue
			}
		}
		if err := s.dispatchDuePhases(ctx, rb, b, now); err != nil {
			s.log.Error("phase dispatch failed", "batch_id", b.ID, "error", err)
		}
	}
	return nil
}

// detect queries the data source, maintains the dynamic table and groups the
// result rows by batch time.
func (s *Scheduler) detect(ctx context.Context, rb *types.Runbook, spec *runbook.Spec, now time.Time) (map[time.Time][]dyntable.Row, error) {
	table, err := s.source.Query(ctx, spec.DataSource)
	if err != nil {
		return nil, fmt.Errorf("data source query: %w", err)
	}

	columns, err := dyntable.SelectColumns(spec.DataSource.Query)
	if err != nil {
		// OData resource paths have no SELECT list; fall back to result columns.
		columns = table.Columns
	}

	pk := spec.DataSource.PrimaryKey
	groups := map[time.Time][]dyntable.Row{}
	var presentKeys []string
	for _, raw := range table.Rows {
		keyPtr := raw[pk]
		if keyPtr == nil || strings.TrimSpace(*keyPtr) == "" {
			s.log.Warn("row without primary key skipped", "runbook", rb.Name, "primary_key", pk)
			continue
		}
		key := strings.TrimSpace(*keyPtr)

		values := make(map[string]*string, len(raw))
		for c, v := range raw {
			if fmtName := spec.MultiValuedFormat(c); fmtName != "" {
				norm, err := dyntable.NormalizeMultiValued(v, fmtName)
				if err != nil {
					s.log.Warn("multi-valued normalization failed", "runbook", rb.Name, "column", c, "error", err)
					continue
				}
				values[c] = norm
				continue
			}
			values[c] = v
		}

		batchTime, ok := s.batchTimeFor(rb, spec, raw, now)
		if !ok {
			continue
		}
		row := dyntable.Row{MemberKey: key, BatchTime: batchTime, Values: values}
		groups[batchTime] = append(groups[batchTime], row)
		presentKeys = append(presentKeys, key)
	}

	if err := s.tables.EnsureTable(ctx, rb.DataTableName, columns); err != nil {
		return nil, err
	}
	var all []dyntable.Row
	for _, rows := range groups {
		all = append(all, rows...)
	}
	if err := s.tables.UpsertRows(ctx, rb.DataTableName, columns, all); err != nil {
		return nil, err
	}
	if err := s.tables.MarkMissingNotCurrent(ctx, rb.DataTableName, presentKeys); err != nil {
		return nil, err
	}
	return groups, nil
}

var batchTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (s *Scheduler) batchTimeFor(rb *types.Runbook, spec *runbook.Spec, raw map[string]*string, now time.Time) (time.Time, bool) {
	if spec.DataSource.BatchTime == runbook.BatchTimeImmediate {
		return now.Truncate(batchTimeQuantum), true
	}
	cell := raw[spec.DataSource.BatchTimeColumn]
	if cell == nil || strings.TrimSpace(*cell) == "" {
		s.log.Warn("row without batch time skipped", "runbook", rb.Name, "column", spec.DataSource.BatchTimeColumn)
		return time.Time{}, false
	}
	for _, layout := range batchTimeLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(*cell)); err == nil {
			return t.UTC(), true
		}
	}
	s.log.Warn("unparseable batch time skipped", "runbook", rb.Name, "value", *cell)
	return time.Time{}, false
}

// createBatch persists a freshly detected batch with its members, phase plan
// and init executions in one transaction, then tries to move it out of
// detected. A failed publish leaves it detected for the next tick to retry.
func (s *Scheduler) createBatch(ctx context.Context, rb *types.Runbook, spec *runbook.Spec, batchTime time.Time, rows []dyntable.Row) error {
	// Immediate-mode keys already active in another live batch of this
	// runbook must not start a second one at the next quantum boundary.
	if spec.DataSource.BatchTime == runbook.BatchTimeImmediate {
		current := make(map[string]dyntable.Row, len(rows))
		for _, row := range rows {
			current[row.MemberKey] = row
		}
		if err := s.dropKeysInOtherBatches(ctx, rb.Name, 0, current); err != nil {
			return err
		}
		kept := rows[:0]
		for _, row := range rows {
			if _, ok := current[row.MemberKey]; ok {
				kept = append(kept, row)
			}
		}
		rows = kept
		if len(rows) == 0 {
			s.log.Debug("all detected keys already in live batches", "runbook", rb.Name)
			return nil
		}
	}

	plans, err := runbook.PlanNewBatch(spec, batchTime)
	if err != nil {
		return err
	}

	var batch *types.Batch
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err = s.batches.Create(ctx, tx, &types.Batch{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchStartTime: batchTime,
			Status:         types.BatchStatusDetected,
		})
		if err != nil {
			return err
		}

		memberRows := make([]*types.BatchMember, 0, len(rows))
		for _, row := range rows {
			memberRows = append(memberRows, &types.BatchMember{
				BatchID:   batch.ID,
				MemberKey: row.MemberKey,
				Status:    types.MemberStatusActive,
				DataJSON:  snapshotJSON(row.Values),
			})
		}
		if _, err := s.members.Create(ctx, tx, memberRows); err != nil {
			return err
		}

		phaseRows := make([]*types.PhaseExecution, 0, len(plans))
		for _, p := range plans {
			phaseRows = append(phaseRows, &types.PhaseExecution{
				BatchID:        batch.ID,
				RunbookVersion: rb.Version,
				PhaseName:      p.PhaseName,
				PhaseIndex:     p.PhaseIndex,
				OffsetMinutes:  p.OffsetMinutes,
				DueAt:          p.DueAt,
				Status:         p.Status,
			})
		}
		if _, err := s.phases.Create(ctx, tx, phaseRows); err != nil {
			return err
		}

		initRows, err := BuildInitExecutions(spec, rb.Version, batch.ID, batchTime)
		if err != nil {
			return err
		}
		if _, err := s.inits.Create(ctx, tx, initRows); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("batch detected", "runbook", rb.Name, "batch_id", batch.ID, "batch_start_time", batchTime, "members", len(rows))
	return s.ensureBatchStarted(ctx, spec, batch)
}

// ensureBatchStarted moves a detected batch forward: publish batch-init and
// flip to init_dispatched when the runbook has init steps, otherwise flip
// straight to active.
func (s *Scheduler) ensureBatchStarted(ctx context.Context, spec *runbook.Spec, b *types.Batch) error {
	if b.Status != types.BatchStatusDetected {
		return nil
	}
	if len(spec.Init) == 0 {
		ok, err := s.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusDetected, types.BatchStatusActive)
		if err == nil && ok {
			b.Status = types.BatchStatusActive
		}
		return err
	}
	if err := s.dispatcher.PublishEvent(ctx, bus.KindBatchInit, bus.BatchInitEvent{BatchID: b.ID}); err != nil {
		return err
	}
	ok, err := s.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusDetected, types.BatchStatusInitDispatched)
	if err == nil && ok {
		b.Status = types.BatchStatusInitDispatched
	}
	return err
}

// BuildInitExecutions expands the runbook's init list into pending rows with
// batch-scoped template resolution applied to the parameters.
func BuildInitExecutions(spec *runbook.Spec, version int, batchID int64, batchStart time.Time) ([]*types.InitExecution, error) {
	scope := template.Scope{BatchID: batchID, BatchStartTime: batchStart}
	out := make([]*types.InitExecution, 0, len(spec.Init))
	for i := range spec.Init {
		st := &spec.Init[i]
		params, err := template.ResolveParams(st.Params, scope)
		if err != nil {
			return nil, fmt.Errorf("init step %q: %w", st.Name, err)
		}
		budget := spec.StepBudget(st)
		out = append(out, &types.InitExecution{
			BatchID:          batchID,
			RunbookVersion:   version,
			StepName:         st.Name,
			StepIndex:        i,
			WorkerID:         st.WorkerID,
			FunctionName:     st.Function,
			ParamsJSON:       paramsJSON(params),
			Status:           types.ExecStatusPending,
			PollIntervalSec:  budget.PollIntervalSec,
			PollTimeoutSec:   budget.PollTimeoutSec,
			MaxRetries:       budget.MaxRetries,
			RetryIntervalSec: budget.RetryIntervalSec,
			OnFailure:        st.OnFailure,
		})
	}
	return out, nil
}

func snapshotJSON(values map[string]*string) datatypes.JSON {
	raw, _ := json.Marshal(values)
	return datatypes.JSON(raw)
}

func paramsJSON(params map[string]string) datatypes.JSON {
	raw, _ := json.Marshal(params)
	return datatypes.JSON(raw)
}
