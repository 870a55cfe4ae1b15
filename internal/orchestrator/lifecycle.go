package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/runbook"
	"github.com/waypointops/cutoverd/internal/template"
	"github.com/waypointops/cutoverd/internal/types"
)

// HandleBatchInit dispatches the lowest-index pending init step. Subsequent
// init steps are driven one at a time by their results.
func (o *Orchestrator) HandleBatchInit(ctx context.Context, ev bus.BatchInitEvent) error {
	b, err := o.batches.GetByID(ctx, nil, ev.BatchID)
	if err != nil {
		return err
	}
	if b == nil || !b.IsLive() {
		return nil
	}
	return o.advanceInit(ctx, b)
}

func (o *Orchestrator) dispatchInit(ctx context.Context, b *types.Batch, ie *types.InitExecution) error {
	ok, err := o.inits.UpdateStatus(ctx, nil, ie.ID, types.ExecStatusPending, types.ExecStatusDispatched)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	jobID := uuid.New()
	if err := o.inits.UpdateFields(ctx, nil, ie.ID, map[string]interface{}{"last_job_id": jobID}); err != nil {
		return err
	}
	return o.dispatcher.DispatchJob(ctx, bus.WorkerJob{
		JobID:        jobID,
		BatchID:      b.ID,
		WorkerID:     ie.WorkerID,
		FunctionName: ie.FunctionName,
		Parameters:   paramsFromJSON(ie.ParamsJSON),
		CorrelationData: bus.CorrelationData{
			InitExecutionID: ie.ID,
			IsInitStep:      true,
			RunbookName:     b.RunbookName,
			RunbookVersion:  b.RunbookVersion,
		},
	})
}

// HandleMemberAdded backfills a late joiner into phases that already fired
// and dispatches its first-index steps immediately. Phases still pending
// pick the member up when they fire.
func (o *Orchestrator) HandleMemberAdded(ctx context.Context, ev bus.MemberAddedEvent) error {
	m, err := o.members.GetByID(ctx, nil, ev.MemberID)
	if err != nil {
		return err
	}
	if m == nil || m.Status != types.MemberStatusActive {
		return nil
	}
	b, err := o.batches.GetByID(ctx, nil, ev.BatchID)
	if err != nil {
		return err
	}
	if b == nil || !b.IsLive() {
		return nil
	}
	spec, err := o.loadSpec(ctx, b.RunbookName, b.RunbookVersion)
	if err != nil {
		return err
	}
	phases, err := o.phases.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return err
	}

	for _, pe := range phases {
		if pe.RunbookVersion != b.RunbookVersion {
			continue
		}
		if pe.Status != types.PhaseStatusDispatched && pe.Status != types.PhaseStatusCompleted {
			continue
		}
		existing, err := o.steps.ListByPhase(ctx, nil, pe.ID)
		if err != nil {
			return err
		}
		has := false
		for _, st := range existing {
			if st.BatchMemberID == m.ID {
				has = true
				break
			}
		}
		if has {
			continue
		}
		phaseDef := spec.Phase(pe.PhaseName)
		if phaseDef == nil {
			continue
		}
		rows, err := o.buildMemberSteps(spec, phaseDef, b, pe, m)
		if err != nil {
			var ue *template.UnresolvedError
			if errors.As(err, &ue) {
				o.log.Warn("late joiner skipped, unresolved placeholders",
					"batch_id", b.ID, "member_key", m.MemberKey, "phase", pe.PhaseName, "missing", ue.Names)
				continue
			}
			return err
		}
		if _, err := o.steps.Create(ctx, nil, rows); err != nil {
			return err
		}
		o.log.Info("late joiner backfilled into phase",
			"batch_id", b.ID, "member_key", m.MemberKey, "phase", pe.PhaseName)
		for _, st := range rows {
			if st.StepIndex == 0 {
				if err := o.dispatchStep(ctx, b, st); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// HandleMemberRemoved cancels the member's open steps and fires the
// runbook's on_member_removed one-shots with the last-known snapshot.
func (o *Orchestrator) HandleMemberRemoved(ctx context.Context, ev bus.MemberRemovedEvent) error {
	m, err := o.members.GetByID(ctx, nil, ev.MemberID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	b, err := o.batches.GetByID(ctx, nil, ev.BatchID)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	n, err := o.steps.CancelForMember(ctx, nil, m.ID, 0, []string{types.ExecStatusPending, types.ExecStatusDispatched})
	if err != nil {
		return err
	}
	if n > 0 {
		o.log.Info("member steps cancelled", "batch_id", b.ID, "member_key", m.MemberKey, "cancelled", n)
	}

	spec, err := o.loadSpec(ctx, b.RunbookName, b.RunbookVersion)
	if err != nil {
		return err
	}
	if len(spec.OnMemberRemoved) > 0 {
		o.dispatchOneShots(ctx, b, spec.OnMemberRemoved, m)
	}
	return nil
}

// HandlePollCheck re-issues a polling job or times it out.
func (o *Orchestrator) HandlePollCheck(ctx context.Context, ev bus.PollCheckEvent) error {
	now := time.Now().UTC()
	if ev.TargetKind == bus.TargetInit {
		ie, err := o.inits.GetByID(ctx, nil, ev.TargetID)
		if err != nil || ie == nil || ie.Status != types.ExecStatusPolling {
			return err
		}
		b, err := o.batches.GetByID(ctx, nil, ie.BatchID)
		if err != nil || b == nil {
			return err
		}
		if pollTimedOut(ie.PollStartedAt, ie.PollTimeoutSec, now) {
			ok, err := o.inits.UpdateStatus(ctx, nil, ie.ID, types.ExecStatusPolling, types.ExecStatusPollTimeout)
			if err != nil || !ok {
				return err
			}
			o.log.Error("init step poll timeout", "batch_id", b.ID, "step", ie.StepName)
			if ie.OnFailure != "" {
				o.dispatchRollback(ctx, b, ie.OnFailure, nil)
			}
			_, err = o.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusInitDispatched, types.BatchStatusFailed)
			return err
		}
		if err := o.inits.UpdateFields(ctx, nil, ie.ID, map[string]interface{}{"last_polled_at": now, "poll_count": gorm.Expr("poll_count + 1")}); err != nil {
			return err
		}
		return o.dispatcher.DispatchJob(ctx, bus.WorkerJob{
			JobID:        ie.LastJobID,
			BatchID:      b.ID,
			WorkerID:     ie.WorkerID,
			FunctionName: ie.FunctionName,
			Parameters:   paramsFromJSON(ie.ParamsJSON),
			CorrelationData: bus.CorrelationData{
				InitExecutionID: ie.ID,
				IsInitStep:      true,
				RunbookName:     b.RunbookName,
				RunbookVersion:  b.RunbookVersion,
			},
		})
	}

	st, err := o.steps.GetByID(ctx, nil, ev.TargetID)
	if err != nil || st == nil || st.Status != types.ExecStatusPolling {
		return err
	}
	b, err := o.batches.GetByID(ctx, nil, st.BatchID)
	if err != nil || b == nil {
		return err
	}
	if pollTimedOut(st.PollStartedAt, st.PollTimeoutSec, now) {
		ok, err := o.steps.UpdateStatus(ctx, nil, st.ID, types.ExecStatusPolling, types.ExecStatusPollTimeout)
		if err != nil || !ok {
			return err
		}
		o.log.Error("step poll timeout", "batch_id", b.ID, "step", st.StepName, "member_id", st.BatchMemberID)
		return o.afterStepFailure(ctx, b, st)
	}
	if err := o.steps.UpdateFields(ctx, nil, st.ID, map[string]interface{}{"last_polled_at": now, "poll_count": gorm.Expr("poll_count + 1")}); err != nil {
		return err
	}
	return o.dispatcher.DispatchJob(ctx, bus.WorkerJob{
		JobID:        st.LastJobID,
		BatchID:      b.ID,
		WorkerID:     st.WorkerID,
		FunctionName: st.FunctionName,
		Parameters:   paramsFromJSON(st.ParamsJSON),
		CorrelationData: bus.CorrelationData{
			StepExecutionID: st.ID,
			RunbookName:     b.RunbookName,
			RunbookVersion:  b.RunbookVersion,
		},
	})
}

// HandleRetryCheck re-dispatches a step or init that was put back to pending
// by a retryable failure.
func (o *Orchestrator) HandleRetryCheck(ctx context.Context, ev bus.RetryCheckEvent) error {
	if ev.TargetKind == bus.TargetInit {
		ie, err := o.inits.GetByID(ctx, nil, ev.TargetID)
		if err != nil || ie == nil {
			return err
		}
		if ie.Status != types.ExecStatusPending || ie.RetryCount >= ie.MaxRetries {
			return nil
		}
		b, err := o.batches.GetByID(ctx, nil, ie.BatchID)
		if err != nil || b == nil {
			return err
		}
		if err := o.inits.UpdateFields(ctx, nil, ie.ID, map[string]interface{}{"retry_count": ie.RetryCount + 1}); err != nil {
			return err
		}
		return o.dispatchInit(ctx, b, ie)
	}

	st, err := o.steps.GetByID(ctx, nil, ev.TargetID)
	if err != nil || st == nil {
		return err
	}
	if st.Status != types.ExecStatusPending || st.RetryCount >= st.MaxRetries {
		return nil
	}
	b, err := o.batches.GetByID(ctx, nil, st.BatchID)
	if err != nil || b == nil {
		return err
	}
	if err := o.steps.UpdateFields(ctx, nil, st.ID, map[string]interface{}{"retry_count": st.RetryCount + 1}); err != nil {
		return err
	}
	return o.dispatchStep(ctx, b, st)
}

// dispatchRollback fires the named rollback step list. Rollback jobs carry
// no execution correlation; their results never feed phase progression.
func (o *Orchestrator) dispatchRollback(ctx context.Context, b *types.Batch, name string, m *types.BatchMember) {
	spec, err := o.loadSpec(ctx, b.RunbookName, b.RunbookVersion)
	if err != nil {
		o.log.Error("rollback spec load failed", "batch_id", b.ID, "rollback", name, "error", err)
		return
	}
	steps, ok := spec.Rollbacks[name]
	if !ok {
		o.log.Error("rollback list not found", "batch_id", b.ID, "rollback", name)
		return
	}
	o.log.Warn("dispatching rollback", "batch_id", b.ID, "rollback", name, "steps", len(steps))
	o.dispatchOneShots(ctx, b, steps, m)
}

// dispatchOneShots resolves and publishes fire-and-forget jobs. Resolution
// is best effort: a step that fails to resolve is logged and dropped.
func (o *Orchestrator) dispatchOneShots(ctx context.Context, b *types.Batch, steps []runbook.StepSpec, m *types.BatchMember) {
	scope := batchScope(b)
	if m != nil {
		scope = memberScope(b, m)
	}
	for i := range steps {
		st := &steps[i]
		fn, err := template.Resolve(st.Function, scope)
		if err != nil {
			o.log.Warn("one-shot step skipped, unresolved function", "batch_id", b.ID, "step", st.Name, "error", err)
			continue
		}
		params, err := template.ResolveParams(st.Params, scope)
		if err != nil {
			o.log.Warn("one-shot step skipped, unresolved params", "batch_id", b.ID, "step", st.Name, "error", err)
			continue
		}
		job := bus.WorkerJob{
			JobID:        uuid.New(),
			BatchID:      b.ID,
			WorkerID:     st.WorkerID,
			FunctionName: fn,
			Parameters:   params,
			CorrelationData: bus.CorrelationData{
				RunbookName:    b.RunbookName,
				RunbookVersion: b.RunbookVersion,
			},
		}
		if err := o.dispatcher.DispatchJob(ctx, job); err != nil {
			o.log.Error("one-shot dispatch failed", "batch_id", b.ID, "step", st.Name, "error", err)
		}
	}
}

func pollTimedOut(pollStartedAt *time.Time, timeoutSec int, now time.Time) bool {
	if pollStartedAt == nil || timeoutSec <= 0 {
		return false
	}
	return pollStartedAt.Add(time.Duration(timeoutSec) * time.Second).Before(now)
}
