// Package replay records live event streams to JSONL files and plays them
// back, together with a recorded history, through the engine interfaces.
package replay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/threadview/internal/jsonl"
	"github.com/leonletto/threadview/internal/types"
	"github.com/leonletto/threadview/internal/wire"
)

// Record is one line of an event recording.
type Record struct {
	Type       string          `json:"type"`
	ReceivedAt string          `json:"received_at,omitempty"`
	Params     json.RawMessage `json:"params"`
}

// Recorder appends live events to a JSONL file. It implements
// engine.Recorder.
type Recorder struct {
	w *jsonl.Writer
}

// NewRecorder opens path for appending.
func NewRecorder(path string) (*Recorder, error) {
	w, err := jsonl.NewWriter(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return &Recorder{w: w}, nil
}

// Record appends ev.
func (r *Recorder) Record(ev types.Event) error {
	method, params, err := wire.EncodeEvent(ev)
	if err != nil {
		return err
	}
	rec := Record{Type: method, Params: params}
	if ts := receivedAt(ev); !ts.IsZero() {
		rec.ReceivedAt = ts.UTC().Format(time.RFC3339Nano)
	}
	return r.w.Append(rec)
}

// Close closes the recording.
func (r *Recorder) Close() error {
	return r.w.Close()
}

func receivedAt(ev types.Event) time.Time {
	switch e := ev.(type) {
	case types.MessageCreated:
		return e.ReceivedAt
	case types.StatusChanged:
		return e.ReceivedAt
	case types.TypingStarted:
		return e.ReceivedAt
	case types.TypingStopped:
		return e.ReceivedAt
	case types.ConnectionLost:
		return e.ReceivedAt
	case types.ConnectionRestored:
		return e.ReceivedAt
	}
	return time.Time{}
}
