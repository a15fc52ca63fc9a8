package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"feedsync/pkg/logger"
	"feedsync/pkg/syncerr"
)

var (
	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedsync",
			Name:      "op_duration_seconds",
			Help:      "Duration of sync operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"op"},
	)

	opErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "op_errors_total",
			Help:      "Failed sync operations by error kind.",
		},
		[]string{"op", "kind"},
	)

	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "retries_total",
			Help:      "Retried store writes.",
		},
		[]string{"op"},
	)

	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "notifications_total",
			Help:      "Inbound item notices by outcome.",
		},
		[]string{"outcome"},
	)

	feedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "feed_events_total",
			Help:      "Live feed events by disposition.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(opDuration)
	prometheus.MustRegister(opErrors)
	prometheus.MustRegister(retries)
	prometheus.MustRegister(alerts)
	prometheus.MustRegister(feedEvents)
}

var slowThreshold atomic.Int64

// SetSlowThreshold makes Finish log traces slower than d at info level.
func SetSlowThreshold(d time.Duration) {
	slowThreshold.Store(int64(d))
}

type Step struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_ms"`
}

// Trace times one operation and its named steps.
type Trace struct {
	Name     string
	Start    time.Time
	Steps    []Step
	TotalMS  float64
	lastMark time.Time
	done     bool
}

// Track starts a new trace.
func Track(name string) *Trace {
	now := time.Now()
	return &Trace{Name: name, Start: now, lastMark: now}
}

// Mark records the elapsed duration since last mark.
func (tr *Trace) Mark(label string) {
	now := time.Now()
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: now.Sub(tr.lastMark).Seconds() * 1000})
	tr.lastMark = now
}

// Finish observes the trace. Safe to call multiple times or via defer.
func (tr *Trace) Finish() {
	if tr == nil || tr.done {
		return
	}
	tr.done = true
	total := time.Since(tr.Start)
	tr.TotalMS = total.Seconds() * 1000
	opDuration.WithLabelValues(tr.Name).Observe(total.Seconds())

	if th := time.Duration(slowThreshold.Load()); th > 0 && total > th {
		logger.Info("slow_operation", "op", tr.Name, "total_ms", tr.TotalMS, "steps", tr.Steps)
		return
	}
	logger.Debug("operation_trace", "op", tr.Name, "total_ms", tr.TotalMS, "steps", tr.Steps)
}

// Fail records err against the trace's operation.
func (tr *Trace) Fail(err error) {
	if tr == nil || err == nil {
		return
	}
	CountError(tr.Name, err)
}

func CountError(op string, err error) {
	opErrors.WithLabelValues(op, syncerr.Kind(err)).Inc()
}

func CountRetry(op string) {
	retries.WithLabelValues(op).Inc()
}

func CountAlert(outcome string) {
	alerts.WithLabelValues(outcome).Inc()
}

func CountFeedEvent(event string) {
	feedEvents.WithLabelValues(event).Inc()
}
