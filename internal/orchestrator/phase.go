package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/runbook"
	"github.com/waypointops/cutoverd/internal/template"
	"github.com/waypointops/cutoverd/internal/types"
)

// HandlePhaseDue creates the phase's step executions on first delivery and
// advances exactly one step index. Later invocations, including duplicates,
// fall through the same guards.
func (o *Orchestrator) HandlePhaseDue(ctx context.Context, ev bus.PhaseDueEvent) error {
	b, err := o.batches.GetByID(ctx, nil, ev.BatchID)
	if err != nil {
		return err
	}
	if b == nil || !b.IsLive() {
		return nil
	}
	pe, err := o.phases.GetByID(ctx, nil, ev.PhaseExecutionID)
	if err != nil {
		return err
	}
	if pe == nil || types.PhaseIsSettled(pe.Status) || pe.Status == types.PhaseStatusFailed {
		return nil
	}

	spec, err := o.loadSpec(ctx, ev.RunbookName, ev.RunbookVersion)
	if err != nil {
		return err
	}
	phaseDef := spec.Phase(ev.PhaseName)
	if phaseDef == nil {
		return fmt.Errorf("phase %q not in runbook %s v%d", ev.PhaseName, ev.RunbookName, ev.RunbookVersion)
	}

	existing, err := o.steps.ListByPhase(ctx, nil, pe.ID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		members, err := o.members.ListActiveByBatch(ctx, nil, b.ID)
		if err != nil {
			return err
		}
		if err := o.createPhaseSteps(ctx, spec, phaseDef, b, pe, members); err != nil {
			return err
		}
		existing, err = o.steps.ListByPhase(ctx, nil, pe.ID)
		if err != nil {
			return err
		}
	}

	if err := o.advancePhase(ctx, spec, b, pe, existing); err != nil {
		return err
	}
	return o.completePhaseIfDone(ctx, b, pe)
}

// createPhaseSteps resolves templates per member and inserts the phase's
// step-execution rows in one transaction. Members that fail resolution are
// logged and left out; the rest of the batch proceeds.
func (o *Orchestrator) createPhaseSteps(ctx context.Context, spec *runbook.Spec, phaseDef *runbook.PhaseSpec, b *types.Batch, pe *types.PhaseExecution, members []*types.BatchMember) error {
	var rows []*types.StepExecution
	for _, m := range members {
		memberRows, err := o.buildMemberSteps(spec, phaseDef, b, pe, m)
		if err != nil {
			var ue *template.UnresolvedError
			if errors.As(err, &ue) {
				o.log.Warn("member skipped, unresolved placeholders",
					"batch_id", b.ID, "member_key", m.MemberKey, "phase", pe.PhaseName, "missing", ue.Names)
				continue
			}
			return err
		}
		rows = append(rows, memberRows...)
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := o.steps.Create(ctx, tx, rows)
		return err
	})
}

func (o *Orchestrator) buildMemberSteps(spec *runbook.Spec, phaseDef *runbook.PhaseSpec, b *types.Batch, pe *types.PhaseExecution, m *types.BatchMember) ([]*types.StepExecution, error) {
	scope := memberScope(b, m)
	out := make([]*types.StepExecution, 0, len(phaseDef.Steps))
	for i := range phaseDef.Steps {
		st := &phaseDef.Steps[i]
		fn, err := template.Resolve(st.Function, scope)
		if err != nil {
			return nil, err
		}
		params, err := template.ResolveParams(st.Params, scope)
		if err != nil {
			return nil, err
		}
		budget := spec.StepBudget(st)
		raw, _ := json.Marshal(params)
		var outputParams datatypes.JSON
		if len(st.OutputParams) > 0 {
			op, _ := json.Marshal(st.OutputParams)
			outputParams = datatypes.JSON(op)
		}
		out = append(out, &types.StepExecution{
			PhaseExecutionID: pe.ID,
			BatchID:          b.ID,
			BatchMemberID:    m.ID,
			StepName:         st.Name,
			StepIndex:        i,
			WorkerID:         st.WorkerID,
			FunctionName:     fn,
			ParamsJSON:       datatypes.JSON(raw),
			Status:           types.ExecStatusPending,
			PollIntervalSec:  budget.PollIntervalSec,
			PollTimeoutSec:   budget.PollTimeoutSec,
			MaxRetries:       budget.MaxRetries,
			RetryIntervalSec: budget.RetryIntervalSec,
			OnFailure:        st.OnFailure,
			OutputParamsJSON: outputParams,
		})
	}
	return out, nil
}

// advancePhase dispatches the first step index that has pending rows,
// waiting while any earlier index is still in flight. One index per
// invocation; worker results drive the next.
func (o *Orchestrator) advancePhase(ctx context.Context, spec *runbook.Spec, b *types.Batch, pe *types.PhaseExecution, steps []*types.StepExecution) error {
	byIndex := map[int][]*types.StepExecution{}
	maxIndex := -1
	for _, st := range steps {
		byIndex[st.StepIndex] = append(byIndex[st.StepIndex], st)
		if st.StepIndex > maxIndex {
			maxIndex = st.StepIndex
		}
	}
	for idx := 0; idx <= maxIndex; idx++ {
		group := byIndex[idx]
		var pending []*types.StepExecution
		inFlight := false
		for _, st := range group {
			switch st.Status {
			case types.ExecStatusPending:
				pending = append(pending, st)
			case types.ExecStatusDispatched, types.ExecStatusPolling:
				inFlight = true
			}
		}
		if inFlight {
			return nil
		}
		if len(pending) > 0 {
			for _, st := range pending {
				if err := o.dispatchStep(ctx, b, st); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return nil
}

// dispatchStep moves one pending step to dispatched and routes the job to
// its worker. The CAS makes duplicate deliveries a no-op.
func (o *Orchestrator) dispatchStep(ctx context.Context, b *types.Batch, st *types.StepExecution) error {
	ok, err := o.steps.UpdateStatus(ctx, nil, st.ID, types.ExecStatusPending, types.ExecStatusDispatched)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	jobID := uuid.New()
	if err := o.steps.UpdateFields(ctx, nil, st.ID, map[string]interface{}{"last_job_id": jobID}); err != nil {
		return err
	}
	job := bus.WorkerJob{
		JobID:        jobID,
		BatchID:      b.ID,
		WorkerID:     st.WorkerID,
		FunctionName: st.FunctionName,
		Parameters:   paramsFromJSON(st.ParamsJSON),
		CorrelationData: bus.CorrelationData{
			StepExecutionID: st.ID,
			RunbookName:     b.RunbookName,
			RunbookVersion:  b.RunbookVersion,
		},
	}
	return o.dispatcher.DispatchJob(ctx, job)
}

// completePhaseIfDone settles the phase once no step is pending or in
// flight. A phase where every member failed counts as failed; partial
// failures still complete because the surviving members finished.
func (o *Orchestrator) completePhaseIfDone(ctx context.Context, b *types.Batch, pe *types.PhaseExecution) error {
	steps, err := o.steps.ListByPhase(ctx, nil, pe.ID)
	if err != nil {
		return err
	}
	memberFailed := map[int64]bool{}
	memberSeen := map[int64]bool{}
	for _, st := range steps {
		switch st.Status {
		case types.ExecStatusPending, types.ExecStatusDispatched, types.ExecStatusPolling:
			return nil
		case types.ExecStatusFailed, types.ExecStatusPollTimeout:
			memberFailed[st.BatchMemberID] = true
		}
		memberSeen[st.BatchMemberID] = true
	}

	target := types.PhaseStatusCompleted
	if len(memberSeen) > 0 && len(memberFailed) == len(memberSeen) {
		target = types.PhaseStatusFailed
	}
	ok, err := o.phases.UpdateStatus(ctx, nil, pe.ID, types.PhaseStatusDispatched, target)
	if err != nil {
		return err
	}
	if ok {
		o.log.Info("phase settled", "batch_id", b.ID, "phase", pe.PhaseName, "status", target)
	}
	return o.evaluateBatchCompletion(ctx, b)
}

// evaluateBatchCompletion settles the batch when every phase of its current
// runbook version has reached a settled status.
func (o *Orchestrator) evaluateBatchCompletion(ctx context.Context, b *types.Batch) error {
	phases, err := o.phases.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return err
	}
	anyFailed := false
	allSettled := true
	for _, pe := range phases {
		if pe.RunbookVersion != b.RunbookVersion {
			continue
		}
		switch pe.Status {
		case types.PhaseStatusFailed:
			anyFailed = true
		case types.PhaseStatusCompleted, types.PhaseStatusSkipped, types.PhaseStatusSuperseded:
		default:
			allSettled = false
		}
	}
	if anyFailed {
		ok, err := o.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusActive, types.BatchStatusFailed)
		if err == nil && ok {
			o.log.Warn("batch failed", "batch_id", b.ID)
		}
		return err
	}
	if !allSettled {
		return nil
	}
	ok, err := o.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusActive, types.BatchStatusCompleted)
	if err == nil && ok {
		o.log.Info("batch completed", "batch_id", b.ID)
	}
	return err
}
