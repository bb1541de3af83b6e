// Package hardlink coordinates the single writer and N-1 readers that
// materialize a hardlink group so that content sharing an inode tag is
// written to disk exactly once, then hardlinked for every other entry.
//
// The reference implementation relies on a weak-valued map so a
// group's tracker is reclaimed once every reader has subscribed.
// Weak references are not a reliable primitive in Go; instead the
// Register holds an explicit reference count seeded at nlink-1 and
// drops the tracker from its map when the count reaches zero. The count
// drops on each reader's GetTracker call; Subscribe does not change it.
package hardlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/otaclient/otaclient/pkg/log"
)

// Tracker coordinates one hardlink group: exactly one writer
// materializes the content, then every reader subscribes to learn
// where it landed.
type Tracker struct {
	groupID string
	ready   chan struct{}

	mu       sync.Mutex
	path     string
	err      error
	remaining int
}

// WriterDone signals that the writer successfully materialized the
// group's content at path. It must be called exactly once, by the
// writer only.
func (t *Tracker) WriterDone(path string) {
	t.mu.Lock()
	t.path = path
	t.mu.Unlock()
	close(t.ready)
}

// WriterOnFailed signals that the writer could not materialize the
// content; every blocked and future reader fails with err.
func (t *Tracker) WriterOnFailed(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.ready)
}

// Subscribe blocks until the writer finishes, returning the
// materialized path or the writer's failure.
func (t *Tracker) Subscribe(ctx context.Context) (string, error) {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return "", fmt.Errorf("hardlink group %s: writer failed: %w", t.groupID, t.err)
	}
	return t.path, nil
}

// Register coordinates hardlink trackers across the whole standby
// build. A single mutex guards the tracker map.
type Register struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegister constructs an empty hardlink register.
func NewRegister() *Register {
	return &Register{trackers: make(map[string]*Tracker)}
}

// GetTracker returns the Tracker for groupID, creating it if this is
// the first call for that group. The first caller becomes the writer
// (isWriter=true); every subsequent caller for the same group is a
// reader sharing the same Tracker. nlink is the hardlink group's link
// count; each reader call decrements a count seeded at nlink-1, and the
// tracker is dropped from the register when it reaches zero, whether or
// not those readers have called Subscribe yet.
func (r *Register) GetTracker(groupID string, nlink int) (tracker *Tracker, isWriter bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[groupID]; ok {
		t.mu.Lock()
		t.remaining--
		remaining := t.remaining
		t.mu.Unlock()
		if remaining <= 0 {
			delete(r.trackers, groupID)
		}
		return t, false
	}

	t := &Tracker{
		groupID:   groupID,
		ready:     make(chan struct{}),
		remaining: nlink - 1,
	}
	if t.remaining <= 0 {
		// nlink<=1 callers should not reach the register at all; guard
		// defensively so a writer-only group never leaks.
		log.WithComponent("hardlink").Warn().Str("group_id", groupID).Int("nlink", nlink).Msg("hardlink group has no expected readers")
	} else {
		r.trackers[groupID] = t
	}
	return t, true
}
