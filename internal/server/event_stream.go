package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"example.com/telemlog/internal/task"
)

var errStreamClosed = errors.New("event stream already ended")

// eventStream writes job events as newline-delimited JSON, flushing after
// each one so progress reaches the client while the job runs. Nothing is
// written after the first done or failed event.
type eventStream struct {
	enc     *json.Encoder
	flusher http.Flusher
	ended   bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	s := &eventStream{enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *eventStream) send(ev jobEvent) error {
	if s.ended {
		return errStreamClosed
	}
	if err := s.enc.Encode(ev); err != nil {
		return err
	}
	s.ended = ev.Type != string(task.KindProgress)
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
