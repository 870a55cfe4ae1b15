package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/types"
)

// HandleWorkerResult applies one worker result to its originating execution
// row. Both init and step paths share the terminal-status guard and the
// polling/success/failure branches.
func (o *Orchestrator) HandleWorkerResult(ctx context.Context, res bus.WorkerResult) error {
	if res.CorrelationData.IsInitStep {
		return o.handleInitResult(ctx, res)
	}
	if res.CorrelationData.StepExecutionID == 0 {
		// Fire-and-forget job (rollback, on_member_removed); nothing to track.
		o.log.Debug("uncorrelated result dropped", "job_id", res.JobID, "status", res.Status)
		return nil
	}
	return o.handleStepResult(ctx, res)
}

func (o *Orchestrator) handleInitResult(ctx context.Context, res bus.WorkerResult) error {
	ie, err := o.inits.GetByID(ctx, nil, res.CorrelationData.InitExecutionID)
	if err != nil {
		return err
	}
	if ie == nil || types.ExecIsTerminal(ie.Status) {
		return nil
	}
	b, err := o.batches.GetByID(ctx, nil, ie.BatchID)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	if res.IsPollingInProgress {
		return o.markInitPolling(ctx, ie)
	}

	if res.Status == bus.ResultStatusSuccess {
		if !o.settleInit(ctx, ie, types.ExecStatusSucceeded, map[string]interface{}{"result_json": resultJSON(res.Result)}) {
			return nil
		}
		o.log.Info("init step succeeded", "batch_id", b.ID, "step", ie.StepName)
		return o.advanceInit(ctx, b)
	}
	return o.failInit(ctx, b, ie, workerErrorText(res))
}

// advanceInit dispatches the next pending init step, or flips the batch to
// active when none remain.
func (o *Orchestrator) advanceInit(ctx context.Context, b *types.Batch) error {
	inits, err := o.inits.ListByBatchVersion(ctx, nil, b.ID, b.RunbookVersion)
	if err != nil {
		return err
	}
	for _, ie := range inits {
		switch ie.Status {
		case types.ExecStatusPending:
			return o.dispatchInit(ctx, b, ie)
		case types.ExecStatusDispatched, types.ExecStatusPolling:
			return nil
		case types.ExecStatusFailed, types.ExecStatusPollTimeout:
			return nil
		}
	}
	ok, err := o.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusInitDispatched, types.BatchStatusActive)
	if err == nil && ok {
		o.log.Info("batch active, init complete", "batch_id", b.ID)
	}
	return err
}

func (o *Orchestrator) failInit(ctx context.Context, b *types.Batch, ie *types.InitExecution, errText string) error {
	if ie.RetryCount < ie.MaxRetries {
		if !o.settleInit(ctx, ie, types.ExecStatusPending, map[string]interface{}{"error": errText}) {
			return nil
		}
		at := time.Now().Add(time.Duration(ie.RetryIntervalSec) * time.Second)
		o.log.Warn("init step failed, retry scheduled", "batch_id", b.ID, "step", ie.StepName, "retry_at", at)
		return o.dispatcher.ScheduleEvent(ctx, bus.KindRetryCheck,
			bus.RetryCheckEvent{TargetKind: bus.TargetInit, TargetID: ie.ID}, at)
	}

	if !o.settleInit(ctx, ie, types.ExecStatusFailed, map[string]interface{}{"error": errText}) {
		return nil
	}
	o.log.Error("init step failed terminally", "batch_id", b.ID, "step", ie.StepName, "error", errText)
	if ie.OnFailure != "" {
		o.dispatchRollback(ctx, b, ie.OnFailure, nil)
	}
	ok, err := o.batches.UpdateStatus(ctx, nil, b.ID, types.BatchStatusInitDispatched, types.BatchStatusFailed)
	if err == nil && ok {
		o.log.Warn("batch failed during init", "batch_id", b.ID)
	}
	return err
}

// settleInit CASes the init row out of its in-flight status and applies the
// extra fields. Returns false when another delivery already settled it.
func (o *Orchestrator) settleInit(ctx context.Context, ie *types.InitExecution, to string, fields map[string]interface{}) bool {
	ok, err := o.inits.UpdateStatus(ctx, nil, ie.ID, types.ExecStatusDispatched, to)
	if err == nil && !ok {
		ok, err = o.inits.UpdateStatus(ctx, nil, ie.ID, types.ExecStatusPolling, to)
	}
	if err != nil || !ok {
		return false
	}
	if len(fields) > 0 {
		if err := o.inits.UpdateFields(ctx, nil, ie.ID, fields); err != nil {
			o.log.Error("init field update failed", "init_execution_id", ie.ID, "error", err)
		}
	}
	return true
}

func (o *Orchestrator) markInitPolling(ctx context.Context, ie *types.InitExecution) error {
	now := time.Now().UTC()
	ok, err := o.inits.UpdateStatus(ctx, nil, ie.ID, types.ExecStatusDispatched, types.ExecStatusPolling)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{"last_polled_at": now, "poll_count": gorm.Expr("poll_count + 1")}
	if ok && ie.PollStartedAt == nil {
		fields["poll_started_at"] = now
	}
	return o.inits.UpdateFields(ctx, nil, ie.ID, fields)
}

func (o *Orchestrator) handleStepResult(ctx context.Context, res bus.WorkerResult) error {
	st, err := o.steps.GetByID(ctx, nil, res.CorrelationData.StepExecutionID)
	if err != nil {
		return err
	}
	if st == nil || types.ExecIsTerminal(st.Status) {
		return nil
	}
	b, err := o.batches.GetByID(ctx, nil, st.BatchID)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	if res.IsPollingInProgress {
		return o.markStepPolling(ctx, st)
	}

	if res.Status == bus.ResultStatusSuccess {
		if !o.settleStep(ctx, st, types.ExecStatusSucceeded, map[string]interface{}{"result_json": resultJSON(res.Result)}) {
			return nil
		}
		o.log.Info("step succeeded", "batch_id", b.ID, "step", st.StepName, "member_id", st.BatchMemberID)
		if err := o.mergeOutputParams(ctx, st, res.Result); err != nil {
			o.log.Error("output param merge failed", "step_execution_id", st.ID, "error", err)
		}
		return o.advanceMember(ctx, b, st)
	}
	return o.failStep(ctx, b, st, workerErrorText(res))
}

// mergeOutputParams pulls the declared result fields out of the result JSON
// and folds them into the member's worker_data_json.
func (o *Orchestrator) mergeOutputParams(ctx context.Context, st *types.StepExecution, result json.RawMessage) error {
	if len(st.OutputParamsJSON) == 0 || len(result) == 0 {
		return nil
	}
	declared := map[string]string{}
	if err := json.Unmarshal(st.OutputParamsJSON, &declared); err != nil {
		return err
	}
	resultObj := map[string]any{}
	if err := json.Unmarshal(result, &resultObj); err != nil {
		// Scalar results carry no named fields to extract.
		return nil
	}

	m, err := o.members.GetByID(ctx, nil, st.BatchMemberID)
	if err != nil || m == nil {
		return err
	}
	merged := map[string]any{}
	if len(m.WorkerDataJSON) > 0 {
		_ = json.Unmarshal(m.WorkerDataJSON, &merged)
	}
	changed := false
	for outputKey, resultField := range declared {
		if v, ok := resultObj[resultField]; ok {
			merged[outputKey] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return o.members.MergeWorkerData(ctx, nil, m.ID, datatypes.JSON(raw))
}

// advanceMember moves one member forward within its phase after a success:
// dispatch the member's next-index step, or settle the phase when every
// member is done.
func (o *Orchestrator) advanceMember(ctx context.Context, b *types.Batch, st *types.StepExecution) error {
	pe, err := o.phases.GetByID(ctx, nil, st.PhaseExecutionID)
	if err != nil || pe == nil {
		return err
	}
	siblings, err := o.steps.ListByMember(ctx, nil, st.BatchMemberID)
	if err != nil {
		return err
	}
	for _, next := range siblings {
		if next.PhaseExecutionID == pe.ID && next.StepIndex == st.StepIndex+1 && next.Status == types.ExecStatusPending {
			return o.dispatchStep(ctx, b, next)
		}
	}
	return o.completePhaseIfDone(ctx, b, pe)
}

func (o *Orchestrator) failStep(ctx context.Context, b *types.Batch, st *types.StepExecution, errText string) error {
	if st.RetryCount < st.MaxRetries {
		if !o.settleStep(ctx, st, types.ExecStatusPending, map[string]interface{}{"error": errText}) {
			return nil
		}
		at := time.Now().Add(time.Duration(st.RetryIntervalSec) * time.Second)
		o.log.Warn("step failed, retry scheduled",
			"batch_id", b.ID, "step", st.StepName, "member_id", st.BatchMemberID, "retry_at", at)
		return o.dispatcher.ScheduleEvent(ctx, bus.KindRetryCheck,
			bus.RetryCheckEvent{TargetKind: bus.TargetStep, TargetID: st.ID}, at)
	}

	if !o.settleStep(ctx, st, types.ExecStatusFailed, map[string]interface{}{"error": errText}) {
		return nil
	}
	o.log.Error("step failed terminally",
		"batch_id", b.ID, "step", st.StepName, "member_id", st.BatchMemberID, "error", errText)
	return o.afterStepFailure(ctx, b, st)
}

// afterStepFailure runs the shared non-retryable failure path: rollback if
// declared, cancel the member's remaining pending steps, then re-evaluate
// phase completion for the surviving members.
func (o *Orchestrator) afterStepFailure(ctx context.Context, b *types.Batch, st *types.StepExecution) error {
	if st.OnFailure != "" {
		m, err := o.members.GetByID(ctx, nil, st.BatchMemberID)
		if err != nil {
			return err
		}
		o.dispatchRollback(ctx, b, st.OnFailure, m)
	}
	if _, err := o.steps.CancelForMember(ctx, nil, st.BatchMemberID, st.PhaseExecutionID, []string{types.ExecStatusPending}); err != nil {
		return err
	}
	pe, err := o.phases.GetByID(ctx, nil, st.PhaseExecutionID)
	if err != nil || pe == nil {
		return err
	}
	return o.completePhaseIfDone(ctx, b, pe)
}

func (o *Orchestrator) settleStep(ctx context.Context, st *types.StepExecution, to string, fields map[string]interface{}) bool {
	ok, err := o.steps.UpdateStatus(ctx, nil, st.ID, types.ExecStatusDispatched, to)
	if err == nil && !ok {
		ok, err = o.steps.UpdateStatus(ctx, nil, st.ID, types.ExecStatusPolling, to)
	}
	if err != nil || !ok {
		return false
	}
	if len(fields) > 0 {
		if err := o.steps.UpdateFields(ctx, nil, st.ID, fields); err != nil {
			o.log.Error("step field update failed", "step_execution_id", st.ID, "error", err)
		}
	}
	return true
}

func (o *Orchestrator) markStepPolling(ctx context.Context, st *types.StepExecution) error {
	now := time.Now().UTC()
	ok, err := o.steps.UpdateStatus(ctx, nil, st.ID, types.ExecStatusDispatched, types.ExecStatusPolling)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{"last_polled_at": now, "poll_count": gorm.Expr("poll_count + 1")}
	if ok && st.PollStartedAt == nil {
		fields["poll_started_at"] = now
	}
	return o.steps.UpdateFields(ctx, nil, st.ID, fields)
}

func resultJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func workerErrorText(res bus.WorkerResult) string {
	if res.Error == nil {
		return "worker reported failure"
	}
	if res.Error.Type != "" {
		return fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Message)
	}
	return res.Error.Message
}
