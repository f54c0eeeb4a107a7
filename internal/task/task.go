// Package task runs long operations such as a decode or a pipeline Apply on
// a background goroutine and reports back over an ordered event channel.
package task

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindProgress Kind = "progress"
	KindDone     Kind = "done"
	KindFailed   Kind = "failed"
)

// Event is one message from a job. Every job emits zero or more progress
// events followed by exactly one Done or Failed event, then its channel is
// closed.
type Event[T any] struct {
	Job      uuid.UUID
	Source   string
	Seq      uint64
	Kind     Kind
	Fraction float64
	Text     string
	Result   T
	Err      error
}

// Terminal reports whether e is the job's last event.
func (e Event[T]) Terminal() bool { return e.Kind != KindProgress }

// Func is the work of a job. report may be called from the job goroutine at
// any rate; it never blocks.
type Func[T any] func(ctx context.Context, report func(fraction float64, text string)) (T, error)

const eventBuffer = 64

// Job is a running operation.
type Job[T any] struct {
	ID     uuid.UUID
	Source string

	events    chan Event[T]
	cancel    context.CancelFunc
	abandon   chan struct{}
	abandoned sync.Once

	seq      uint64
	lastPct  int
	lastText string
}

// Start runs work on a new goroutine.
func Start[T any](ctx context.Context, source string, work Func[T]) *Job[T] {
	return start(ctx, uuid.New(), source, work)
}

func start[T any](ctx context.Context, id uuid.UUID, source string, work Func[T]) *Job[T] {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job[T]{
		ID:      id,
		Source:  source,
		events:  make(chan Event[T], eventBuffer),
		cancel:  cancel,
		abandon: make(chan struct{}),
		lastPct: -1,
	}
	go j.run(ctx, work)
	return j
}

func (j *Job[T]) run(ctx context.Context, work Func[T]) {
	defer close(j.events)
	defer j.cancel()
	var (
		res T
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", j.ID, r)
			}
		}()
		res, err = work(ctx, j.report)
	}()
	ev := j.event(KindDone)
	if err != nil {
		ev.Kind = KindFailed
		ev.Err = err
	} else {
		ev.Result = res
		ev.Fraction = 1
	}
	select {
	case j.events <- ev:
	case <-j.abandon:
	}
}

func (j *Job[T]) event(k Kind) Event[T] {
	j.seq++
	return Event[T]{Job: j.ID, Source: j.Source, Seq: j.seq, Kind: k}
}

// report forwards progress when the whole percentage or the text changed.
// A full channel drops the event rather than stall the work.
func (j *Job[T]) report(fraction float64, text string) {
	fraction = math.Max(0, math.Min(1, fraction))
	pct := int(fraction * 100)
	if pct <= j.lastPct && text == j.lastText {
		return
	}
	ev := Event[T]{Job: j.ID, Source: j.Source, Seq: j.seq + 1, Kind: KindProgress, Fraction: fraction, Text: text}
	select {
	case j.events <- ev:
		j.seq++
		j.lastPct = pct
		j.lastText = text
	default:
	}
}

// Events is the job's event stream.
func (j *Job[T]) Events() <-chan Event[T] { return j.events }

// Cancel asks the work to stop and stops waiting for the terminal event to be
// read. Events already queued stay readable.
func (j *Job[T]) Cancel() {
	j.cancel()
	j.abandoned.Do(func() { close(j.abandon) })
}

// Wait drains the events, passing progress to onProgress if it is not nil,
// and returns the terminal result.
func (j *Job[T]) Wait(onProgress func(Event[T])) (T, error) {
	var zero T
	for ev := range j.events {
		switch ev.Kind {
		case KindProgress:
			if onProgress != nil {
				onProgress(ev)
			}
		case KindDone:
			return ev.Result, nil
		case KindFailed:
			return zero, ev.Err
		}
	}
	return zero, context.Canceled
}
