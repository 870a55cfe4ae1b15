package runbook

import (
	"fmt"
	"time"

	"github.com/waypointops/cutoverd/internal/types"
)

// PhasePlan is one phase-execution record to be inserted.
type PhasePlan struct {
	PhaseName     string
	PhaseIndex    int
	OffsetMinutes int
	DueAt         time.Time
	Status        string
}

// PlanNewBatch produces the phase-execution set for a freshly detected batch:
// one pending record per phase, in declaration order.
// due_at = batch_start_time - offset.
func PlanNewBatch(spec *Spec, batchStart time.Time) ([]PhasePlan, error) {
	out := make([]PhasePlan, 0, len(spec.Phases))
	for i, p := range spec.Phases {
		offset, err := ParseOffset(p.Offset)
		if err != nil {
			return nil, fmt.Errorf("phase %q: %w", p.Name, err)
		}
		out = append(out, PhasePlan{
			PhaseName:     p.Name,
			PhaseIndex:    i,
			OffsetMinutes: offset,
			DueAt:         batchStart.Add(-time.Duration(offset) * time.Minute),
			Status:        types.PhaseStatusPending,
		})
	}
	return out, nil
}

// TransitionPlan describes the records a version upgrade requires on a live
// batch.
type TransitionPlan struct {
	Create             []PhasePlan
	SupersedeIDs       []int64
	ApplyIgnoreOverdue bool
	CreateInit         bool
}

// PlanVersionTransition computes the transition of a live batch from an older
// runbook version to newVersion. Phases of the new version that are already
// overdue either stay pending (catch_up) or are created skipped (ignore, one
// shot via ignore_overdue_applied). Still-pending records of older versions
// are superseded so nothing fires twice.
func PlanVersionTransition(
	spec *Spec,
	rb *types.Runbook,
	batchStart time.Time,
	existing []*types.PhaseExecution,
	hasInitForNewVersion bool,
	now time.Time,
) (*TransitionPlan, error) {
	plan := &TransitionPlan{}

	current := map[string]bool{}
	for _, pe := range existing {
		if pe.RunbookVersion == rb.Version {
			current[pe.PhaseName] = true
		}
	}

	ignoreAvailable := rb.OverdueBehavior == types.OverdueBehaviorIgnore && !rb.IgnoreOverdueApplied
	for i, p := range spec.Phases {
		if current[p.Name] {
			continue
		}
		offset, err := ParseOffset(p.Offset)
		if err != nil {
			return nil, fmt.Errorf("phase %q: %w", p.Name, err)
		}
		due := batchStart.Add(-time.Duration(offset) * time.Minute)
		status := types.PhaseStatusPending
		if !due.After(now) && ignoreAvailable {
			status = types.PhaseStatusSkipped
			plan.ApplyIgnoreOverdue = true
		}
		plan.Create = append(plan.Create, PhasePlan{
			PhaseName:     p.Name,
			PhaseIndex:    i,
			OffsetMinutes: offset,
			DueAt:         due,
			Status:        status,
		})
	}

	for _, pe := range existing {
		if pe.RunbookVersion != rb.Version && pe.Status == types.PhaseStatusPending {
			plan.SupersedeIDs = append(plan.SupersedeIDs, pe.ID)
		}
	}

	if rb.RerunInit && len(spec.Init) > 0 && !hasInitForNewVersion {
		plan.CreateInit = true
	}
	return plan, nil
}
