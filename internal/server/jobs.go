package server

import (
	"context"
	"net/http"
	"time"

	"example.com/telemlog/internal/common"
	"example.com/telemlog/internal/task"
)

// jobEvent is the NDJSON form of a task event. Current is false once a newer
// job for the same source has started; clients drop such events.
type jobEvent struct {
	Type     string  `json:"type"`
	Job      string  `json:"job"`
	Source   string  `json:"source"`
	Seq      uint64  `json:"seq"`
	Fraction float64 `json:"fraction"`
	Text     string  `json:"text,omitempty"`
	Current  bool    `json:"current"`
	Error    string  `json:"error,omitempty"`
	Result   any     `json:"result,omitempty"`
}

func toJobEvent[T any](tr *task.Tracker, ev task.Event[T]) jobEvent {
	out := jobEvent{
		Type:     string(ev.Kind),
		Job:      ev.Job.String(),
		Source:   ev.Source,
		Seq:      ev.Seq,
		Fraction: ev.Fraction,
		Text:     ev.Text,
		Current:  task.Accept(tr, ev),
	}
	switch ev.Kind {
	case task.KindDone:
		out.Result = ev.Result
	case task.KindFailed:
		out.Error = ev.Err.Error()
	}
	return out
}

// runJob starts work as the current job for source and either streams its
// events as NDJSON or waits and writes the terminal result as one JSON
// document.
func runJob[T any](s *Server, w http.ResponseWriter, r *http.Request, op, source string, work task.Func[T]) {
	stream := r.URL.Query().Get("stream") != "false"
	start := time.Now()
	s.metrics.InFlight.Inc()
	j := task.StartTracked(r.Context(), s.tracker, source, func(ctx context.Context, report func(float64, string)) (T, error) {
		defer s.metrics.InFlight.Dec()
		res, err := work(ctx, report)
		s.metrics.finishJob(op, err, time.Since(start).Seconds())
		if err != nil {
			common.Logf("%s %s failed: %v", op, source, err)
		}
		return res, err
	})
	defer s.tracker.Finish(source, j.ID)

	if !stream {
		res, err := j.Wait(nil)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	events := newEventStream(w)
	for ev := range j.Events() {
		if err := events.send(toJobEvent(s.tracker, ev)); err != nil {
			common.Logf("%s %s: client gone: %v", op, source, err)
			j.Cancel()
			return
		}
	}
}
