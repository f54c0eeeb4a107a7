package task

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Tracker remembers the newest job per source. A later job supersedes an
// earlier one for the same source: the earlier keeps running, but callers
// use IsCurrent to drop its events.
type Tracker struct {
	mu      sync.Mutex
	current map[string]uuid.UUID
}

func NewTracker() *Tracker {
	return &Tracker{current: make(map[string]uuid.UUID)}
}

// Track makes id the current job for source.
func (t *Tracker) Track(source string, id uuid.UUID) {
	t.mu.Lock()
	t.current[source] = id
	t.mu.Unlock()
}

// IsCurrent reports whether id is the newest job for source.
func (t *Tracker) IsCurrent(source string, id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.current[source]
	return ok && cur == id
}

// Current returns the newest job for source.
func (t *Tracker) Current(source string) (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.current[source]
	return id, ok
}

// Finish forgets source if id is still its newest job.
func (t *Tracker) Finish(source string, id uuid.UUID) {
	t.mu.Lock()
	if t.current[source] == id {
		delete(t.current, source)
	}
	t.mu.Unlock()
}

// StartTracked starts a job and makes it current for source.
func StartTracked[T any](ctx context.Context, t *Tracker, source string, work Func[T]) *Job[T] {
	id := uuid.New()
	t.Track(source, id)
	return start(ctx, id, source, work)
}

// Accept reports whether ev comes from the current job of its source.
func Accept[T any](t *Tracker, ev Event[T]) bool {
	return t.IsCurrent(ev.Source, ev.Job)
}
