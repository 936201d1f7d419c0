package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/gitguard/internal/config"
)

// minSamples is the number of outcomes a command needs in the window
// before its rates are evaluated.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection over sliding
// windows, keyed by git subcommand.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	timeoutCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		timeoutCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed or refused call for command.
func (a *AnomalyDetector) RecordError(command string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.errorCounts, command).add(a.now(), 1)
	a.checkRate(command, a.errorCounts, a.cfg.ErrorRateThreshold, "anomaly detected: high error rate")
}

// RecordSuccess records a call for command that produced a result.
func (a *AnomalyDetector) RecordSuccess(command string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successCounts, command).add(a.now(), 1)
}

// RecordTimeout records a call for command that hit its deadline. A timeout
// still produces a result, so callers record it alongside RecordSuccess.
func (a *AnomalyDetector) RecordTimeout(command string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.timeoutCounts, command).add(a.now(), 1)
	a.checkRate(command, a.timeoutCounts, a.cfg.TimeoutThreshold, "anomaly detected: high timeout rate")
}

// checkRate logs when counts[command] over all outcomes exceeds threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkRate(command string, counts map[string]*slidingWindow, threshold float64, msg string) {
	if threshold <= 0 {
		return
	}

	now := a.now()
	hits := a.window(counts, command).sum(now)
	total := a.window(a.errorCounts, command).sum(now) + a.window(a.successCounts, command).sum(now)
	if total < minSamples {
		return
	}

	rate := hits / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn(msg,
			slog.String("command", command),
			slog.Float64("rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("count", hits),
			slog.Float64("total", total),
		)
	}
}

// rates reports the current error and timeout rates for command.
func (a *AnomalyDetector) rates(command string) (errRate, timeoutRate float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	errs := a.window(a.errorCounts, command).sum(now)
	total := errs + a.window(a.successCounts, command).sum(now)
	if total == 0 {
		return 0, 0
	}
	return errs / total, a.window(a.timeoutCounts, command).sum(now) / total
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
