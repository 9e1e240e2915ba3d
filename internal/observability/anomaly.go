package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

// AnomalyDetector watches child tool executions and warns when the
// failure rate of a verb climbs past the configured threshold inside a
// sliding window. Detection only logs; it never blocks or retries an
// execution.
type AnomalyDetector struct {
	mu       sync.Mutex
	failures map[string]*window
	runs     map[string]*window
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
}

// window counts events inside a trailing time span.
type window struct {
	times []time.Time
	span  time.Duration
}

// NewAnomalyDetector creates a detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		failures: make(map[string]*window),
		runs:     make(map[string]*window),
		cfg:      cfg,
		logger:   logger,
	}
}

// RecordRun feeds one finished child execution into the verb's windows
// and warns when its failure rate crosses the threshold.
func (a *AnomalyDetector) RecordRun(verb string, err error) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.runs, verb).hit()
	if err != nil {
		a.windowFor(a.failures, verb).hit()
		a.checkFailureRate(verb)
	}
}

// checkFailureRate warns when a verb's recent failure share exceeds the
// threshold. Callers hold a.mu.
func (a *AnomalyDetector) checkFailureRate(verb string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 || a.logger == nil {
		return
	}

	runs := a.windowFor(a.runs, verb).count()
	if runs < 5 {
		// Not enough samples yet.
		return
	}
	failures := a.windowFor(a.failures, verb).count()

	rate := float64(failures) / float64(runs)
	if rate > threshold {
		a.logger.Warn("tool failure rate above threshold",
			slog.String("verb", verb),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("failures", failures),
			slog.Int("runs", runs),
		)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*window, verb string) *window {
	w, ok := m[verb]
	if !ok {
		secs := a.cfg.WindowSeconds
		if secs <= 0 {
			secs = 300
		}
		w = &window{span: time.Duration(secs) * time.Second}
		m[verb] = w
	}
	return w
}

// hit records one event now and prunes expired ones.
func (w *window) hit() {
	now := time.Now()
	w.times = append(w.times, now)
	w.prune(now)
}

// count returns the number of events still inside the span.
func (w *window) count() int {
	w.prune(time.Now())
	return len(w.times)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.times = w.times[i:]
	}
}
