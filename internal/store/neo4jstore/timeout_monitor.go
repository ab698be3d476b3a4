package neo4jstore

import (
	"log/slog"
	"sync"
	"time"
)

// TimeoutMonitor watches the long-running scans this store performs with
// server-side timeouts disabled. A full commit-history stream may legitimately
// outlive any default cursor lifetime, so instead of cancelling, the monitor
// logs scans that cross a soft limit and keeps per-operation statistics for
// the end-of-run summary.
type TimeoutMonitor struct {
	logger    *slog.Logger
	softLimit time.Duration

	mu    sync.Mutex
	stats map[string]*scanStats
}

type scanStats struct {
	executions    int
	failures      int
	overSoftLimit int
	totalDuration time.Duration
	maxDuration   time.Duration
}

// NewTimeoutMonitor creates a monitor with the default soft limit.
func NewTimeoutMonitor() *TimeoutMonitor {
	return &TimeoutMonitor{
		logger:    slog.Default().With("component", "timeout_monitor"),
		softLimit: 5 * time.Minute,
		stats:     make(map[string]*scanStats),
	}
}

// ObserveScan runs fn and records how long it took. A scan exceeding the
// soft limit is logged at warn level but never interrupted; the decision to
// stop a scan belongs to the caller's context, not to this monitor.
func (tm *TimeoutMonitor) ObserveScan(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	tm.record(operation, duration, err != nil)

	switch {
	case err != nil:
		tm.logger.Warn("scan failed",
			"operation", operation,
			"duration_seconds", duration.Seconds(),
			"error", err)
	case duration >= tm.softLimit:
		tm.logger.Warn("scan exceeded soft limit",
			"operation", operation,
			"duration_seconds", duration.Seconds(),
			"soft_limit_seconds", tm.softLimit.Seconds())
	default:
		tm.logger.Debug("scan completed",
			"operation", operation,
			"duration_seconds", duration.Seconds())
	}
	return err
}

func (tm *TimeoutMonitor) record(operation string, duration time.Duration, failed bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	s := tm.stats[operation]
	if s == nil {
		s = &scanStats{}
		tm.stats[operation] = s
	}
	s.executions++
	if failed {
		s.failures++
	}
	if duration >= tm.softLimit {
		s.overSoftLimit++
	}
	s.totalDuration += duration
	if duration > s.maxDuration {
		s.maxDuration = duration
	}
}

// LogSummary emits one line per observed operation, called when the gateway
// closes so slow scans show up at the end of a run without grepping.
func (tm *TimeoutMonitor) LogSummary() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for operation, s := range tm.stats {
		avg := time.Duration(0)
		if s.executions > 0 {
			avg = s.totalDuration / time.Duration(s.executions)
		}
		tm.logger.Info("scan statistics",
			"operation", operation,
			"executions", s.executions,
			"failures", s.failures,
			"over_soft_limit", s.overSoftLimit,
			"avg_duration_seconds", avg.Seconds(),
			"max_duration_seconds", s.maxDuration.Seconds())
	}
}
