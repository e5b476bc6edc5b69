package orchestrator

import (
	"sync"
	"time"
)

// Stats holds the Dispatcher's read-only task statistics from spec.md
// §4.6: counters for tasks completed and failed, sum of execution times,
// and the derived average.
type Stats struct {
	mu               sync.Mutex
	completed        int64
	failed           int64
	totalExecution   time.Duration
}

func (s *Stats) recordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.totalExecution += d
}

func (s *Stats) recordFailure(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.totalExecution += d
}

// Snapshot is a point-in-time read of Stats.
type Snapshot struct {
	TasksCompleted    int64
	TasksFailed       int64
	TotalExecution    time.Duration
	AverageExecution  time.Duration
}

// Snapshot returns the Dispatcher's current statistics.
func (d *Dispatcher) Snapshot() Snapshot {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()

	total := d.stats.completed + d.stats.failed
	var avg time.Duration
	if total > 0 {
		avg = d.stats.totalExecution / time.Duration(total)
	}
	return Snapshot{
		TasksCompleted:   d.stats.completed,
		TasksFailed:      d.stats.failed,
		TotalExecution:   d.stats.totalExecution,
		AverageExecution: avg,
	}
}
