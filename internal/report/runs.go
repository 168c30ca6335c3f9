package report

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunInfo describes an active run.
type RunInfo struct {
	RunID     string    `json:"runId"`
	ReportID  string    `json:"reportId"`
	SectionID string    `json:"sectionId,omitempty"`
	Mode      Mode      `json:"mode"`
	StartedAt time.Time `json:"startedAt"`
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

// RunRegistry tracks active runs and the per-report run slot. A report
// holds at most one generation, add or conversion run at a time.
type RunRegistry struct {
	mu    sync.Mutex
	runs  map[string]activeRun
	slots map[string]string // reportID -> runID
}

// NewRunRegistry constructs an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		runs:  make(map[string]activeRun),
		slots: make(map[string]string),
	}
}

// Acquire claims the run slot of reportID for runID.
func (r *RunRegistry) Acquire(reportID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.slots[reportID]; ok && holder != runID {
		return &ConflictError{Resource: "report", ID: reportID, Err: ErrRunInFlight}
	}
	r.slots[reportID] = runID
	return nil
}

// Busy reports whether reportID has a run in flight.
func (r *RunRegistry) Busy(reportID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[reportID]
	return ok
}

// Track registers a run so it can be listed and cancelled.
func (r *RunRegistry) Track(info RunInfo, cancel context.CancelFunc) {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[info.RunID] = activeRun{info: info, cancel: cancel}
}

// Release forgets runID and frees any slot it holds.
func (r *RunRegistry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run, ok := r.runs[runID]; ok {
		delete(r.runs, runID)
		if r.slots[run.info.ReportID] == runID {
			delete(r.slots, run.info.ReportID)
		}
		return
	}
	for reportID, holder := range r.slots {
		if holder == runID {
			delete(r.slots, reportID)
		}
	}
}

// Cancel stops runID. It reports false when the run is unknown.
func (r *RunRegistry) Cancel(runID string) bool {
	r.mu.Lock()
	run, ok := r.runs[runID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	run.cancel()
	return true
}

// Active lists runs ordered by start time.
func (r *RunRegistry) Active() []RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RunInfo, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
