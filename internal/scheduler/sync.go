package scheduler

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/dyntable"
	"github.com/waypointops/cutoverd/internal/runbook"
	"github.com/waypointops/cutoverd/internal/types"
)

// syncMembers reconciles a live batch's membership with the current query
// result. Dispatch stamps are written only after the matching event actually
// published, so a bus outage is retried on the next tick.
func (s *Scheduler) syncMembers(ctx context.Context, rb *types.Runbook, spec *runbook.Spec, b *types.Batch, rows []dyntable.Row) error {
	existing, err := s.members.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return err
	}

	for _, m := range existing {
		switch {
		case m.Status == types.MemberStatusActive && m.AddDispatchedAt == nil:
			s.republishMemberEvent(ctx, b.ID, m.ID, bus.KindMemberAdded)
		case m.Status == types.MemberStatusRemoved && m.RemoveDispatchedAt == nil:
			s.republishMemberEvent(ctx, b.ID, m.ID, bus.KindMemberRemoved)
		}
	}

	current := make(map[string]dyntable.Row, len(rows))
	for _, row := range rows {
		current[row.MemberKey] = row
	}
	if spec.DataSource.BatchTime == runbook.BatchTimeImmediate {
		if err := s.dropKeysInOtherBatches(ctx, rb.Name, b.ID, current); err != nil {
			return err
		}
	}

	activeKeys := map[string]*types.BatchMember{}
	for _, m := range existing {
		if m.Status == types.MemberStatusActive {
			activeKeys[m.MemberKey] = m
		}
	}

	// Refresh snapshots of members still present.
	for key, m := range activeKeys {
		row, ok := current[key]
		if !ok {
			continue
		}
		if err := s.members.UpdateData(ctx, nil, m.ID, snapshotJSON(row.Values)); err != nil {
			return err
		}
	}

	// Additions.
	for key, row := range current {
		if _, ok := activeKeys[key]; ok {
			continue
		}
		created, err := s.members.Create(ctx, nil, []*types.BatchMember{{
			BatchID:   b.ID,
			MemberKey: key,
			Status:    types.MemberStatusActive,
			DataJSON:  snapshotJSON(row.Values),
		}})
		if err != nil {
			return err
		}
		s.log.Info("member joined batch", "batch_id", b.ID, "member_key", key)
		s.republishMemberEvent(ctx, b.ID, created[0].ID, bus.KindMemberAdded)
	}

	// Removals.
	for key, m := range activeKeys {
		if _, ok := current[key]; ok {
			continue
		}
		ok, err := s.members.UpdateStatus(ctx, nil, m.ID, types.MemberStatusActive, types.MemberStatusRemoved)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.log.Info("member left batch", "batch_id", b.ID, "member_key", key)
		s.republishMemberEvent(ctx, b.ID, m.ID, bus.KindMemberRemoved)
	}
	return nil
}

func (s *Scheduler) republishMemberEvent(ctx context.Context, batchID, memberID int64, kind string) {
	var err error
	switch kind {
	case bus.KindMemberAdded:
		err = s.dispatcher.PublishEvent(ctx, kind, bus.MemberAddedEvent{BatchID: batchID, MemberID: memberID})
	default:
		err = s.dispatcher.PublishEvent(ctx, kind, bus.MemberRemovedEvent{BatchID: batchID, MemberID: memberID})
	}
	if err != nil {
		// Stamp stays null; the next tick republishes.
		s.log.Warn("member event publish failed", "kind", kind, "member_id", memberID, "error", err)
		return
	}
	now := time.Now().UTC()
	if kind == bus.KindMemberAdded {
		err = s.members.StampAddDispatched(ctx, nil, memberID, now)
	} else {
		err = s.members.StampRemoveDispatched(ctx, nil, memberID, now)
	}
	if err != nil {
		s.log.Warn("dispatch stamp failed", "kind", kind, "member_id", memberID, "error", err)
	}
}

// dropKeysInOtherBatches removes keys that are already active members of
// another live batch of the same runbook. Only immediate-mode batches need
// this; column-mode rows carry their own batch time.
func (s *Scheduler) dropKeysInOtherBatches(ctx context.Context, runbookName string, batchID int64, current map[string]dyntable.Row) error {
	live, err := s.batches.ListLiveByRunbook(ctx, nil, runbookName)
	if err != nil {
		return err
	}
	for _, other := range live {
		if other.ID == batchID {
			continue
		}
		members, err := s.members.ListActiveByBatch(ctx, nil, other.ID)
		if err != nil {
			return err
		}
		for _, m := range members {
			delete(current, m.MemberKey)
		}
	}
	return nil
}

// transitionBatch applies the active runbook version to a live batch created
// under an older one.
func (s *Scheduler) transitionBatch(ctx context.Context, rb *types.Runbook, spec *runbook.Spec, b *types.Batch, now time.Time) error {
	existing, err := s.phases.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return err
	}
	newInits, err := s.inits.ListByBatchVersion(ctx, nil, b.ID, rb.Version)
	if err != nil {
		return err
	}
	plan, err := runbook.PlanVersionTransition(spec, rb, b.BatchStartTime, existing, len(newInits) > 0, now)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		phaseRows := make([]*types.PhaseExecution, 0, len(plan.Create))
		for _, p := range plan.Create {
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
		if _, err := s.phases.Create(ctx, tx, phaseRows); err != nil {
			return err
		}
		if err := s.phases.Supersede(ctx, tx, plan.SupersedeIDs); err != nil {
			return err
		}
		if plan.CreateInit {
			initRows, err := BuildInitExecutions(spec, rb.Version, b.ID, b.BatchStartTime)
			if err != nil {
				return err
			}
			if _, err := s.inits.Create(ctx, tx, initRows); err != nil {
				return err
			}
		}
		if err := s.batches.SetRunbookVersion(ctx, tx, b.ID, rb.Version); err != nil {
			return err
		}
		if plan.ApplyIgnoreOverdue {
			if err := s.runbooks.MarkIgnoreOverdueApplied(ctx, tx, rb.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.RunbookVersion = rb.Version
	s.log.Info("batch transitioned to new runbook version",
		"batch_id", b.ID, "version", rb.Version,
		"created_phases", len(plan.Create), "superseded", len(plan.SupersedeIDs))

	if plan.CreateInit {
		return s.dispatcher.PublishEvent(ctx, bus.KindBatchInit, bus.BatchInitEvent{BatchID: b.ID})
	}
	return nil
}

// dispatchDuePhases publishes phase-due for every pending phase whose due
// time has passed. Members are loaded once per batch regardless of how many
// phases are due.
func (s *Scheduler) dispatchDuePhases(ctx context.Context, rb *types.Runbook, b *types.Batch, now time.Time) error {
	all, err := s.phases.ListByBatch(ctx, nil, b.ID)
	if err != nil {
		return err
	}
	var due []*types.PhaseExecution
	for _, pe := range all {
		if pe.Status == types.PhaseStatusPending && !pe.DueAt.After(now) {
			due = append(due, pe)
		}
	}
	if len(due) == 0 {
		return nil
	}

	members, err := s.members.ListActiveByBatch(ctx, nil, b.ID)
	if err != nil {
		return err
	}
	memberIDs := make([]int64, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.ID)
	}

	for _, pe := range due {
		ev := bus.PhaseDueEvent{
			RunbookName:      rb.Name,
			RunbookVersion:   pe.RunbookVersion,
			BatchID:          b.ID,
			PhaseExecutionID: pe.ID,
			PhaseName:        pe.PhaseName,
			OffsetMinutes:    pe.OffsetMinutes,
			DueAt:            pe.DueAt,
			MemberIDs:        memberIDs,
		}
		if err := s.dispatcher.PublishEvent(ctx, bus.KindPhaseDue, ev); err != nil {
			return err
		}
		ok, err := s.phases.UpdateStatus(ctx, nil, pe.ID, types.PhaseStatusPending, types.PhaseStatusDispatched)
		if err != nil {
			return err
		}
		if ok {
			s.log.Info("phase dispatched", "batch_id", b.ID, "phase", pe.PhaseName, "due_at", pe.DueAt)
		}
	}
	return nil
}

// pollingSweep re-issues poll-check events for executions whose interval has
// elapsed since the last poll.
func (s *Scheduler) pollingSweep(ctx context.Context) {
	now := time.Now().UTC()

	steps, err := s.steps.ListPolling(ctx, nil)
	if err != nil {
		s.log.Error("polling sweep: list steps failed", "error", err)
		return
	}
	for _, st := range steps {
		if pollElapsed(st.LastPolledAt, st.PollStartedAt, st.PollIntervalSec, now) {
			ev := bus.PollCheckEvent{TargetKind: bus.TargetStep, TargetID: st.ID}
			if err := s.dispatcher.PublishEvent(ctx, bus.KindPollCheck, ev); err != nil {
				s.log.Warn("poll-check publish failed", "step_execution_id", st.ID, "error", err)
			}
		}
	}

	inits, err := s.inits.ListPolling(ctx, nil)
	if err != nil {
		s.log.Error("polling sweep: list inits failed", "error", err)
		return
	}
	for _, ie := range inits {
		if pollElapsed(ie.LastPolledAt, ie.PollStartedAt, ie.PollIntervalSec, now) {
			ev := bus.PollCheckEvent{TargetKind: bus.TargetInit, TargetID: ie.ID}
			if err := s.dispatcher.PublishEvent(ctx, bus.KindPollCheck, ev); err != nil {
				s.log.Warn("poll-check publish failed", "init_execution_id", ie.ID, "error", err)
			}
		}
	}
}

func pollElapsed(lastPolledAt, pollStartedAt *time.Time, intervalSec int, now time.Time) bool {
	anchor := lastPolledAt
	if anchor == nil {
		anchor = pollStartedAt
	}
	if anchor == nil {
		return true
	}
	return !anchor.Add(time.Duration(intervalSec) * time.Second).After(now)
}
