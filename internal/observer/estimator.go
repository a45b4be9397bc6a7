package observer

import (
	"math"
	"sync"
)

const (
	estimateBaseSeconds     = 10
	estimateExpectedSeconds = 90
	estimateMinRatio        = 0.1
)

// Estimate returns the initial remaining-time guess, in seconds, for a job at progress.
// The remaining fraction is floored so a job in flight never shows zero.
func Estimate(progress int) int {
	ratio := float64(100-clampProgress(progress)) / 100
	ratio = math.Max(ratio, estimateMinRatio)
	return int(math.Round(estimateBaseSeconds + estimateExpectedSeconds*ratio))
}

type estimate struct {
	remaining int
	running   bool
}

// Estimator holds a countdown per job. Estimates are computed once and then only tick down;
// progress updates do not move them.
type Estimator struct {
	mu      sync.Mutex
	entries map[string]*estimate
}

func NewEstimator() *Estimator {
	return &Estimator{entries: make(map[string]*estimate)}
}

// Track feeds a merged view into the estimator. A countdown starts on the first
// non-terminal view of a job and restarts when a job comes back from terminal.
func (e *Estimator) Track(v JobView) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.entries[v.ID]
	if !ok {
		cur = &estimate{}
		e.entries[v.ID] = cur
	}
	switch {
	case v.Status.IsTerminal():
		cur.running = false
		cur.remaining = 0
	case !ok || !cur.running:
		cur.remaining = Estimate(v.Progress)
		cur.running = true
	}
}

// Tick decrements every running countdown by one, stopping at zero.
func (e *Estimator) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, est := range e.entries {
		if est.running && est.remaining > 0 {
			est.remaining--
		}
	}
}

// Remaining returns the countdown for jobID and whether one is running.
func (e *Estimator) Remaining(jobID string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	est, ok := e.entries[jobID]
	if !ok || !est.running {
		return 0, false
	}
	return est.remaining, true
}

func (e *Estimator) Forget(jobID string) {
	e.mu.Lock()
	delete(e.entries, jobID)
	e.mu.Unlock()
}
