package observability

import (
	"log/slog"
	"sync"
	"time"
)

// AlertKind identifies a threshold breach reported to operators.
type AlertKind string

const (
	AlertHighFailureRate AlertKind = "high_failure_rate"
	AlertHighLatency     AlertKind = "high_latency"
)

type Alert struct {
	Kind     AlertKind `json:"kind"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

// MatchingStats is the operator-facing snapshot of recent matching health.
type MatchingStats struct {
	Observed    int           `json:"observed"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	FailureRate float64       `json:"failure_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	Alerts      []Alert       `json:"alerts,omitempty"`
}

type matchOutcome struct {
	ok      bool
	latency time.Duration
}

// MatchingRecorder feeds the prometheus series and additionally keeps a
// bounded ring of recent outcomes so it can raise threshold alerts
// without a query layer. Counters are increment-only; the ring is the
// only guarded state.
type MatchingRecorder struct {
	mu     sync.Mutex
	ring   []matchOutcome
	next   int
	filled bool

	window       int
	failureRate  float64
	latencyLimit time.Duration

	alerts map[AlertKind]Alert
	logger *slog.Logger
}

func NewMatchingRecorder(window int, failureRate float64, latencyLimit time.Duration, logger *slog.Logger) *MatchingRecorder {
	if window <= 0 {
		window = 100
	}
	return &MatchingRecorder{
		ring:         make([]matchOutcome, window),
		window:       window,
		failureRate:  failureRate,
		latencyLimit: latencyLimit,
		alerts:       make(map[AlertKind]Alert),
		logger:       logger,
	}
}

// Observe records one match attempt. reason is empty on success and a
// short label ("no_drivers", "geo_error", ...) on failure.
func (r *MatchingRecorder) Observe(latency time.Duration, reason string) {
	ok := reason == ""
	if ok {
		MatchesTotal.Inc()
	} else {
		MatchFailuresTotal.WithLabelValues(reason).Inc()
	}
	MatchLatency.Observe(latency.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = matchOutcome{ok: ok, latency: latency}
	r.next++
	if r.next == r.window {
		r.next = 0
		r.filled = true
	}
	r.evaluate()
}

// evaluate must be called with r.mu held.
func (r *MatchingRecorder) evaluate() {
	n := r.next
	if r.filled {
		n = r.window
	}
	if n == 0 {
		return
	}
	failures := 0
	var total, max time.Duration
	for i := 0; i < n; i++ {
		o := r.ring[i]
		if !o.ok {
			failures++
		}
		total += o.latency
		if o.latency > max {
			max = o.latency
		}
	}

	rate := float64(failures) / float64(n)
	r.setAlert(AlertHighFailureRate, rate > r.failureRate && r.failureRate > 0,
		"matching failure rate above threshold")
	avg := total / time.Duration(n)
	r.setAlert(AlertHighLatency, r.latencyLimit > 0 && avg > r.latencyLimit,
		"matching latency above threshold")
}

func (r *MatchingRecorder) setAlert(kind AlertKind, active bool, msg string) {
	_, raised := r.alerts[kind]
	switch {
	case active && !raised:
		a := Alert{Kind: kind, Message: msg, RaisedAt: time.Now()}
		r.alerts[kind] = a
		if r.logger != nil {
			r.logger.Warn("matching alert raised", "kind", string(kind), "message", msg)
		}
	case !active && raised:
		delete(r.alerts, kind)
		if r.logger != nil {
			r.logger.Info("matching alert cleared", "kind", string(kind))
		}
	}
}

func (r *MatchingRecorder) Snapshot() MatchingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = r.window
	}
	st := MatchingStats{Observed: n}
	var total time.Duration
	for i := 0; i < n; i++ {
		o := r.ring[i]
		if o.ok {
			st.Successes++
		} else {
			st.Failures++
		}
		total += o.latency
		if o.latency > st.MaxLatency {
			st.MaxLatency = o.latency
		}
	}
	if n > 0 {
		st.FailureRate = float64(st.Failures) / float64(n)
		st.AvgLatency = total / time.Duration(n)
	}
	for _, a := range r.alerts {
		st.Alerts = append(st.Alerts, a)
	}
	return st
}
