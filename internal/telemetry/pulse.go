package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/graph"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// PulseScheduler publishes each active session's decision graph pulse on
// its telemetry topic whenever the configured cron schedule fires.
type PulseScheduler struct {
	schedule string
	sessions store.SessionStore
	graph    *graph.Graph
	bus      *bus.Bus
	logger   *slog.Logger
	gron     *gronx.Gronx

	// interval is the due-check granularity. Cron expressions resolve to
	// the minute, so the default is one minute.
	interval time.Duration
}

// NewPulseScheduler validates the cron expression and builds a scheduler.
func NewPulseScheduler(schedule string, sessions store.SessionStore, g *graph.Graph, b *bus.Bus, logger *slog.Logger) (*PulseScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid pulse schedule %q", schedule)
	}
	return &PulseScheduler{
		schedule: schedule,
		sessions: sessions,
		graph:    g,
		bus:      b,
		logger:   logger,
		gron:     gron,
		interval: time.Minute,
	}, nil
}

// Run checks the schedule once per interval and publishes pulses on due
// ticks. It blocks until the context is cancelled.
func (p *PulseScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("telemetry.pulse_scheduler_started", "schedule", p.schedule)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := p.gron.IsDue(p.schedule, now)
			if err != nil {
				p.logger.Warn("telemetry.pulse_schedule_check_failed", "error", err)
				continue
			}
			if due {
				p.publishAll(ctx)
			}
		}
	}
}

// publishAll takes one pulse per active session and mirrors it onto the
// session's telemetry topic and the firehose. Failures are logged and
// skipped so one bad session never starves the rest.
func (p *PulseScheduler) publishAll(ctx context.Context) {
	sessions, err := p.sessions.ListSessions(ctx)
	if err != nil {
		p.logger.Warn("telemetry.pulse_list_sessions_failed", "error", err)
		return
	}

	for _, s := range sessions {
		if s.Status != store.SessionActive {
			continue
		}
		pulse, err := p.graph.TakePulse(ctx, s.ID, graph.PulseOptions{})
		if err != nil {
			p.logger.Warn("telemetry.pulse_failed", "session_id", s.ID, "error", err)
			continue
		}
		ev := bus.Event{
			Name: protocol.EventGraphPulse,
			From: "pulse",
			Payload: map[string]any{
				"session_id":       s.ID,
				"summary":          pulse.Summary,
				"active_goals":     len(pulse.ActiveGoals),
				"recent_decisions": len(pulse.RecentDecisions),
				"coverage_gaps":    len(pulse.CoverageGaps),
				"low_confidence":   len(pulse.LowConfidence),
				"stale":            len(pulse.Stale),
			},
		}
		p.bus.Publish(protocol.TelemetryTopic(s.ID), ev)
		p.bus.Publish(protocol.TopicTelemetryUpdates, ev)
	}
}
