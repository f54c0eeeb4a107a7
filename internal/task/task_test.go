package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect[T any](t *testing.T, j *Job[T]) []Event[T] {
	t.Helper()
	var evs []Event[T]
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-j.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatalf("job %s did not finish", j.ID)
		}
	}
}

func TestJobEmitsOrderedEventsAndOneTerminal(t *testing.T) {
	j := Start(context.Background(), "a.bin", func(ctx context.Context, report func(float64, string)) (int, error) {
		for i := 0; i <= 10; i++ {
			report(float64(i)/10, "decoding")
		}
		return 42, nil
	})
	evs := collect(t, j)
	if len(evs) < 2 {
		t.Fatalf("expected progress and terminal events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Job != j.ID || ev.Source != "a.bin" {
			t.Fatalf("event %d has identity %s/%s", i, ev.Job, ev.Source)
		}
		if i > 0 && ev.Kind == KindProgress && ev.Fraction < evs[i-1].Fraction {
			t.Fatalf("progress went backwards at %d", i)
		}
	}
	terminals := 0
	for _, ev := range evs {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected 1 terminal event, got %d", terminals)
	}
	last := evs[len(evs)-1]
	if last.Kind != KindDone || last.Result != 42 || last.Fraction != 1 {
		t.Fatalf("unexpected terminal event %+v", last)
	}
}

func TestJobProgressThrottledByPercent(t *testing.T) {
	j := Start(context.Background(), "", func(ctx context.Context, report func(float64, string)) (struct{}, error) {
		for i := 0; i < 10000; i++ {
			report(float64(i)/10000, "Step 1/1")
		}
		return struct{}{}, nil
	})
	evs := collect(t, j)
	if n := len(evs) - 1; n > 100 {
		t.Fatalf("expected at most 100 progress events, got %d", n)
	}
}

func TestJobFailure(t *testing.T) {
	boom := errors.New("boom")
	j := Start(context.Background(), "", func(ctx context.Context, report func(float64, string)) (string, error) {
		return "", boom
	})
	_, err := j.Wait(nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait error = %v, want boom", err)
	}
}

func TestJobPanicBecomesFailure(t *testing.T) {
	j := Start(context.Background(), "", func(ctx context.Context, report func(float64, string)) (int, error) {
		panic("bad input")
	})
	evs := collect(t, j)
	if len(evs) != 1 || evs[0].Kind != KindFailed || evs[0].Err == nil {
		t.Fatalf("expected one failed event, got %+v", evs)
	}
}

func TestJobCancel(t *testing.T) {
	started := make(chan struct{})
	j := Start(context.Background(), "", func(ctx context.Context, report func(float64, string)) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started
	j.Cancel()
	select {
	case <-drained(j):
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled job did not close its channel")
	}
}

func drained[T any](j *Job[T]) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range j.Events() {
		}
		close(done)
	}()
	return done
}

func TestWaitReportsProgress(t *testing.T) {
	j := Start(context.Background(), "", func(ctx context.Context, report func(float64, string)) (int, error) {
		report(0.5, "half")
		return 1, nil
	})
	var texts []string
	got, err := j.Wait(func(ev Event[int]) { texts = append(texts, ev.Text) })
	if err != nil || got != 1 {
		t.Fatalf("Wait = %d, %v", got, err)
	}
	if len(texts) != 1 || texts[0] != "half" {
		t.Fatalf("progress texts = %v", texts)
	}
}

func TestTrackerSupersedes(t *testing.T) {
	tr := NewTracker()
	release := make(chan struct{})
	slow := StartTracked(context.Background(), tr, "flight.bin", func(ctx context.Context, report func(float64, string)) (int, error) {
		<-release
		return 1, nil
	})
	fast := StartTracked(context.Background(), tr, "flight.bin", func(ctx context.Context, report func(float64, string)) (int, error) {
		return 2, nil
	})
	close(release)

	for _, ev := range collect(t, slow) {
		if Accept(tr, ev) {
			t.Fatalf("stale event accepted: %+v", ev)
		}
	}
	evs := collect(t, fast)
	if !Accept(tr, evs[len(evs)-1]) {
		t.Fatal("current job's terminal event rejected")
	}
	if cur, ok := tr.Current("flight.bin"); !ok || cur != fast.ID {
		t.Fatalf("Current = %s, %v", cur, ok)
	}
	tr.Finish("flight.bin", slow.ID)
	if !tr.IsCurrent("flight.bin", fast.ID) {
		t.Fatal("finishing a stale job cleared the current one")
	}
	tr.Finish("flight.bin", fast.ID)
	if _, ok := tr.Current("flight.bin"); ok {
		t.Fatal("source still tracked after Finish")
	}
}
