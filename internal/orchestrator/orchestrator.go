// Package orchestrator consumes bus events and worker results and drives the
// batch/phase/step state machine. Every handler is idempotent: transitions
// are compare-and-set updates and a zero-row result means another delivery
// already did the work.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/dispatch"
	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/repos"
	"github.com/waypointops/cutoverd/internal/runbook"
	"github.com/waypointops/cutoverd/internal/template"
	"github.com/waypointops/cutoverd/internal/types"
)

type Orchestrator struct {
	log        *logger.Logger
	db         *gorm.DB
	runbooks   repos.RunbookRepo
	batches    repos.BatchRepo
	members    repos.BatchMemberRepo
	phases     repos.PhaseExecutionRepo
	steps      repos.StepExecutionRepo
	inits      repos.InitExecutionRepo
	dispatcher *dispatch.Dispatcher
}

type Deps struct {
	DB         *gorm.DB
	Runbooks   repos.RunbookRepo
	Batches    repos.BatchRepo
	Members    repos.BatchMemberRepo
	Phases     repos.PhaseExecutionRepo
	Steps      repos.StepExecutionRepo
	Inits      repos.InitExecutionRepo
	Dispatcher *dispatch.Dispatcher
}

func New(baseLog *logger.Logger, d Deps) *Orchestrator {
	return &Orchestrator{
		log:        baseLog.With("component", "Orchestrator"),
		db:         d.DB,
		runbooks:   d.Runbooks,
		batches:    d.Batches,
		members:    d.Members,
		phases:     d.Phases,
		steps:      d.Steps,
		inits:      d.Inits,
		dispatcher: d.Dispatcher,
	}
}

var tracer trace.Tracer = otel.Tracer("cutoverd/orchestrator")

// HandleEvent routes one internal event message. Unknown kinds are dropped
// so a rolling deploy with new event types does not wedge the stream.
func (o *Orchestrator) HandleEvent(ctx context.Context, msg bus.Message) error {
	ctx, span := tracer.Start(ctx, "orchestrator.event."+msg.Kind)
	defer span.End()

	switch msg.Kind {
	case bus.KindBatchInit:
		var ev bus.BatchInitEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return o.HandleBatchInit(ctx, ev)
	case bus.KindPhaseDue:
		var ev bus.PhaseDueEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return o.HandlePhaseDue(ctx, ev)
	case bus.KindMemberAdded:
		var ev bus.MemberAddedEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return o.HandleMemberAdded(ctx, ev)
	case bus.KindMemberRemoved:
		var ev bus.MemberRemovedEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return o.HandleMemberRemoved(ctx, ev)
	case bus.KindPollCheck:
		var ev bus.PollCheckEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return o.HandlePollCheck(ctx, ev)
	case bus.KindRetryCheck:
		var ev bus.RetryCheckEvent
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		return o.HandleRetryCheck(ctx, ev)
	}
	o.log.Warn("unknown event kind dropped", "kind", msg.Kind)
	return nil
}

// HandleResult routes one worker-result message.
func (o *Orchestrator) HandleResult(ctx context.Context, msg bus.Message) error {
	ctx, span := tracer.Start(ctx, "orchestrator.result")
	defer span.End()

	if msg.Kind != bus.KindWorkerResult {
		o.log.Warn("unexpected kind on results topic", "kind", msg.Kind)
		return nil
	}
	var res bus.WorkerResult
	if err := msg.Decode(&res); err != nil {
		return err
	}
	return o.HandleWorkerResult(ctx, res)
}

func (o *Orchestrator) loadSpec(ctx context.Context, name string, version int) (*runbook.Spec, error) {
	rb, err := o.runbooks.GetByNameVersion(ctx, nil, name, version)
	if err != nil {
		return nil, err
	}
	if rb == nil {
		return nil, fmt.Errorf("runbook %s v%d not found", name, version)
	}
	return runbook.Parse(rb.SpecText)
}

// memberScope builds the template scope for one member: the data snapshot
// overlaid with accumulated worker output params.
func memberScope(b *types.Batch, m *types.BatchMember) template.Scope {
	data := map[string]any{}
	if len(m.DataJSON) > 0 {
		_ = json.Unmarshal(m.DataJSON, &data)
	}
	if len(m.WorkerDataJSON) > 0 {
		worker := map[string]any{}
		if err := json.Unmarshal(m.WorkerDataJSON, &worker); err == nil {
			for k, v := range worker {
				data[k] = v
			}
		}
	}
	return template.Scope{BatchID: b.ID, BatchStartTime: b.BatchStartTime, Member: data}
}

func batchScope(b *types.Batch) template.Scope {
	return template.Scope{BatchID: b.ID, BatchStartTime: b.BatchStartTime}
}

func paramsFromJSON(raw []byte) map[string]string {
	out := map[string]string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}
