// Package tracker owns the single process-wide record of the in-flight
// infrastructure operation.
package tracker

import "sync"

// InitialStatus is the status line reported before any operation has run.
const InitialStatus = "No operations in progress."

// Tracker guards the one global operation slot: a human-readable status line
// plus an in-progress flag. Exactly one instance exists per process; it is
// constructed in main and passed by handle to everything that needs it.
//
// The slot does not record which session owns the in-flight action. Mutual
// exclusion is global, not per resource.
type Tracker struct {
	mu         sync.Mutex
	status     string
	inProgress bool
}

func New() *Tracker {
	return &Tracker{status: InitialStatus}
}

// TryAcquire atomically claims the operation slot. When no operation is in
// progress it records the status line and returns true; otherwise it returns
// false without mutating anything.
func (t *Tracker) TryAcquire(status string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress {
		return false
	}
	t.inProgress = true
	t.status = status
	return true
}

// UpdateStatus replaces the status line while an operation is running.
func (t *Tracker) UpdateStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

// Release frees the slot and records the terminal status line. Every
// background action must call Release exactly once on every exit path,
// failure included.
func (t *Tracker) Release(finalStatus string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inProgress = false
	t.status = finalStatus
}

// Status returns the current status line.
func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// InProgress reports whether an operation currently holds the slot.
func (t *Tracker) InProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inProgress
}
