package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/aristath/deepproduct/internal/events"
)

var (
	initOnce            sync.Once
	initErr             error
	taskAttempts        metric.Int64Counter
	taskDuration        metric.Float64Histogram
	capacityExhausted   metric.Int64Counter
	decisions           metric.Int64Counter
	checkpoints         metric.Int64Counter
	runs                metric.Int64Counter
	stageDuration       metric.Float64Histogram
	agentStatusChanges  metric.Int64Counter
	registeredCallbacks []metric.Registration
	callbacksMu         sync.Mutex
)

// InitMetrics creates the instruments. Safe to call more than once; only the
// first call creates them. Call after InitMeterProvider.
func InitMetrics() error {
	initOnce.Do(func() {
		m := Meter()
		if taskAttempts, initErr = m.Int64Counter("deepproduct_task_attempts_total",
			metric.WithDescription("Task attempts by stage, agent and outcome")); initErr != nil {
			return
		}
		if taskDuration, initErr = m.Float64Histogram("deepproduct_task_duration_seconds",
			metric.WithDescription("Duration of task attempts in seconds")); initErr != nil {
			return
		}
		if capacityExhausted, initErr = m.Int64Counter("deepproduct_capacity_exhausted_total",
			metric.WithDescription("Tasks that waited too many dispatch cycles for an agent")); initErr != nil {
			return
		}
		if decisions, initErr = m.Int64Counter("deepproduct_decisions_total",
			metric.WithDescription("Decision history entries by kind")); initErr != nil {
			return
		}
		if checkpoints, initErr = m.Int64Counter("deepproduct_checkpoints_total",
			metric.WithDescription("Checkpoint writes by status")); initErr != nil {
			return
		}
		if runs, initErr = m.Int64Counter("deepproduct_runs_total",
			metric.WithDescription("Finished runs by terminal state")); initErr != nil {
			return
		}
		if stageDuration, initErr = m.Float64Histogram("deepproduct_stage_duration_seconds",
			metric.WithDescription("Stage duration in seconds")); initErr != nil {
			return
		}
		agentStatusChanges, initErr = m.Int64Counter("deepproduct_agent_status_changes_total",
			metric.WithDescription("Agent status transitions by target status"))
	})
	return initErr
}

// RecordTaskAttempt records one finished task attempt.
func RecordTaskAttempt(ctx context.Context, stage, agent, outcome string, d time.Duration) {
	if taskAttempts != nil {
		taskAttempts.Add(ctx, 1, metric.WithAttributes(
			AttrStage.String(stage), AttrAgent.String(agent), AttrOutcome.String(outcome)))
	}
	if taskDuration != nil && d > 0 {
		taskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			AttrStage.String(stage), AttrAgent.String(agent)))
	}
}

// RecordCapacityExhausted records a starvation warning.
func RecordCapacityExhausted(ctx context.Context) {
	if capacityExhausted != nil {
		capacityExhausted.Add(ctx, 1)
	}
}

// RecordDecision records a decision history entry.
func RecordDecision(ctx context.Context, kind, policy string) {
	if decisions != nil {
		decisions.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind), AttrPolicy.String(policy)))
	}
}

// RecordCheckpoint records a checkpoint write.
func RecordCheckpoint(ctx context.Context, ok bool) {
	if checkpoints == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	checkpoints.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// RecordRun records a run reaching a terminal state.
func RecordRun(ctx context.Context, state string) {
	if runs != nil {
		runs.Add(ctx, 1, metric.WithAttributes(AttrState.String(state)))
	}
}

// RecordStage records a completed stage.
func RecordStage(ctx context.Context, stage string, d time.Duration) {
	if stageDuration != nil {
		stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrStage.String(stage)))
	}
}

// RecordAgentStatus records an agent status transition.
func RecordAgentStatus(ctx context.Context, agent, to string) {
	if agentStatusChanges != nil {
		agentStatusChanges.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent), AttrStatus.String(to)))
	}
}

// AgentCountFunc returns the number of registered agents per status name.
type AgentCountFunc func() map[string]int64

// DroppedFunc returns the number of events dropped by the event bus.
type DroppedFunc func() uint64

// RegisterGauges reports agent counts and dropped events through
// observable instruments. Either function may be nil.
func RegisterGauges(agents AgentCountFunc, dropped DroppedFunc) error {
	if err := InitMetrics(); err != nil {
		return err
	}
	m := Meter()
	var observables []metric.Observable

	agentsGauge, err := m.Int64ObservableGauge("deepproduct_agents",
		metric.WithDescription("Registered agents by status"))
	if err != nil {
		return err
	}
	droppedCounter, err := m.Int64ObservableCounter("deepproduct_events_dropped_total",
		metric.WithDescription("Events dropped because a subscriber was full"))
	if err != nil {
		return err
	}
	if agents != nil {
		observables = append(observables, agentsGauge)
	}
	if dropped != nil {
		observables = append(observables, droppedCounter)
	}
	if len(observables) == 0 {
		return nil
	}

	reg, err := m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if agents != nil {
			for status, n := range agents() {
				o.ObserveInt64(agentsGauge, n, metric.WithAttributes(AttrStatus.String(status)))
			}
		}
		if dropped != nil {
			o.ObserveInt64(droppedCounter, int64(dropped()))
		}
		return nil
	}, observables...)
	if err != nil {
		return err
	}

	callbacksMu.Lock()
	registeredCallbacks = append(registeredCallbacks, reg)
	callbacksMu.Unlock()
	return nil
}

// UnregisterGauges removes every callback added by RegisterGauges.
func UnregisterGauges() {
	callbacksMu.Lock()
	defer callbacksMu.Unlock()
	for _, reg := range registeredCallbacks {
		_ = reg.Unregister()
	}
	registeredCallbacks = nil
}

// Consume records metrics for every event received from ch until ch closes
// or ctx is cancelled.
func Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			Record(ctx, e)
		}
	}
}

// Record updates the instruments affected by one event.
func Record(ctx context.Context, e events.Event) {
	switch ev := e.(type) {
	case events.TaskCompletedEvent:
		RecordTaskAttempt(ctx, ev.Stage, ev.AgentID, "completed", ev.Duration)
	case events.TaskFailedEvent:
		RecordTaskAttempt(ctx, ev.Stage, ev.AgentID, "failed:"+ev.Kind, ev.Duration)
	case events.CapacityExhaustedEvent:
		RecordCapacityExhausted(ctx)
	case events.DecisionEvent:
		RecordDecision(ctx, ev.EventType(), ev.Policy)
	case events.CheckpointSavedEvent:
		RecordCheckpoint(ctx, ev.Err == nil)
	case events.StageCompletedEvent:
		RecordStage(ctx, ev.Stage, ev.Duration)
	case events.RunFinishedEvent:
		RecordRun(ctx, ev.State)
	case events.AgentStatusEvent:
		RecordAgentStatus(ctx, ev.AgentID, ev.To)
	}
}
