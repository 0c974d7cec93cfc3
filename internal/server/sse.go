package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xuan1250/transfer2read/internal/progress"
)

// eventStream writes the job progress feed as Server-Sent Events. Each
// event carries its log sequence number as the SSE id, so a client that
// reconnects with Last-Event-ID can discard the replayed prefix.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &eventStream{w: w, flusher: flusher}, nil
}

// WriteProgress sends one progress event and flushes it to the client.
func (s *eventStream) WriteProgress(ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: progress\ndata: %s\n\n", ev.Seq, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event and flushes it; the stream ends after.
func (s *eventStream) WriteError(message string) {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", data); err != nil {
		return
	}
	s.flusher.Flush()
}
