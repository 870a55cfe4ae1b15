// Package dispatch centralizes how orchestration events and worker jobs are
// put on the bus: topic selection, worker routing and scheduled delivery.
package dispatch

import (
	"context"
	"time"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/platform/logger"
)

type Dispatcher struct {
	log *logger.Logger
	bus bus.Bus
}

func NewDispatcher(baseLog *logger.Logger, b bus.Bus) *Dispatcher {
	return &Dispatcher{log: baseLog.With("component", "Dispatcher"), bus: b}
}

// PublishEvent puts an internal orchestration event on the events topic.
func (d *Dispatcher) PublishEvent(ctx context.Context, kind string, payload any) error {
	msg, err := bus.NewMessage(kind, payload)
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, bus.TopicEvents, msg); err != nil {
		d.log.Error("failed to publish event", "kind", kind, "error", err)
		return err
	}
	d.log.Debug("event published", "kind", kind, "message_id", msg.ID)
	return nil
}

// ScheduleEvent parks an internal event for delivery at the given time.
// Poll checks and retry checks ride on this.
func (d *Dispatcher) ScheduleEvent(ctx context.Context, kind string, payload any, at time.Time) error {
	msg, err := bus.NewMessage(kind, payload)
	if err != nil {
		return err
	}
	msg.EnqueueAt = &at
	if err := d.bus.Publish(ctx, bus.TopicEvents, msg); err != nil {
		d.log.Error("failed to schedule event", "kind", kind, "error", err)
		return err
	}
	d.log.Debug("event scheduled", "kind", kind, "message_id", msg.ID, "enqueue_at", at)
	return nil
}

// DispatchJob routes a job to its worker via the subject field.
func (d *Dispatcher) DispatchJob(ctx context.Context, job bus.WorkerJob) error {
	msg, err := bus.NewMessage(bus.KindWorkerJob, job)
	if err != nil {
		return err
	}
	msg.Subject = job.WorkerID
	if err := d.bus.Publish(ctx, bus.TopicJobs, msg); err != nil {
		d.log.Error("failed to dispatch job", "job_id", job.JobID, "worker_id", job.WorkerID, "error", err)
		return err
	}
	d.log.Info("job dispatched", "job_id", job.JobID, "worker_id", job.WorkerID, "function", job.FunctionName)
	return nil
}
