// Package metrics records client-side counters for turns, frames and
// conversation operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Recorder is safe to use as a nil pointer; every method is then a no-op.
type Recorder struct {
	framesTotal    *prometheus.CounterVec
	malformedTotal *prometheus.CounterVec
	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	actionsTotal   *prometheus.CounterVec
	storeOpsTotal  *prometheus.CounterVec
}

// New registers the client metrics on reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ops_assistant",
				Subsystem: "stream",
				Name:      "frames_total",
				Help:      "Stream frames applied to a turn",
			},
			[]string{"event"},
		),
		malformedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ops_assistant",
				Subsystem: "stream",
				Name:      "frames_skipped_total",
				Help:      "Stream frames skipped because they could not be parsed",
			},
			[]string{"event"},
		),
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ops_assistant",
				Subsystem: "chat",
				Name:      "turns_total",
				Help:      "Turns by outcome",
			},
			[]string{"outcome"},
		),
		turnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ops_assistant",
				Subsystem: "chat",
				Name:      "turn_duration_seconds",
				Help:      "Time from send to the end of the stream",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
			},
		),
		actionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ops_assistant",
				Subsystem: "chat",
				Name:      "actions_total",
				Help:      "Pending action resolutions by decision and outcome",
			},
			[]string{"decision", "outcome"},
		),
		storeOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ops_assistant",
				Subsystem: "conversations",
				Name:      "operations_total",
				Help:      "Conversation store operations by result",
			},
			[]string{"op", "result"},
		),
	}
}

func (r *Recorder) FrameApplied(event string) {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues(event).Inc()
}

func (r *Recorder) FrameSkipped(event string) {
	if r == nil {
		return
	}
	r.malformedTotal.WithLabelValues(event).Inc()
}

func (r *Recorder) TurnFinished(outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.turnsTotal.WithLabelValues(outcome).Inc()
	r.turnDuration.Observe(seconds)
}

func (r *Recorder) ActionResolved(decision, outcome string) {
	if r == nil {
		return
	}
	r.actionsTotal.WithLabelValues(decision, outcome).Inc()
}

func (r *Recorder) StoreOp(op string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.storeOpsTotal.WithLabelValues(op, result).Inc()
}
