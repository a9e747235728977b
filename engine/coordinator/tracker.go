package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/socialpulse/pulse/engine/domain"
)

// Tracker remembers the last run per scope and counts platform errors by kind
// since process start.
type Tracker struct {
	mu       sync.RWMutex
	last     map[string]domain.CollectionRun
	errs     map[domain.Platform]map[domain.ErrorKind]int
	finished time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		last: make(map[string]domain.CollectionRun),
		errs: make(map[domain.Platform]map[domain.ErrorKind]int),
	}
}

// Record stores run as the latest for its scope.
func (t *Tracker) Record(run domain.CollectionRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[run.ScopeID] = run
	if run.FinishedAt.After(t.finished) {
		t.finished = run.FinishedAt
	}
}

func (t *Tracker) RecordError(p domain.Platform, kind domain.ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.errs[p]
	if !ok {
		m = make(map[domain.ErrorKind]int)
		t.errs[p] = m
	}
	m[kind]++
}

// LastRun returns the most recent run of a scope.
func (t *Tracker) LastRun(scopeID string) (domain.CollectionRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.last[scopeID]
	return r, ok
}

// Runs returns the latest run of every scope, ordered by scope id.
func (t *Tracker) Runs() []domain.CollectionRun {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.CollectionRun, 0, len(t.last))
	for _, r := range t.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeID < out[j].ScopeID })
	return out
}

// LastFinished is the finish time of the most recent run, zero if none.
func (t *Tracker) LastFinished() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finished
}

// PlatformErrors returns a copy of the error counters.
func (t *Tracker) PlatformErrors() map[domain.Platform]map[domain.ErrorKind]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.Platform]map[domain.ErrorKind]int, len(t.errs))
	for p, m := range t.errs {
		cp := make(map[domain.ErrorKind]int, len(m))
		for k, n := range m {
			cp[k] = n
		}
		out[p] = cp
	}
	return out
}
