package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a frame on the runner execution socket.
type EventType string

const (
	EventStart   EventType = "start"
	EventStdout  EventType = "stdout"
	EventStderr  EventType = "stderr"
	EventExit    EventType = "exit"
	EventTimeout EventType = "timeout"
	EventError   EventType = "error"
)

// Event is one frame received from the runner management execution socket.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Terminal reports whether the event ends the execution.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventExit, EventTimeout, EventError:
		return true
	default:
		return false
	}
}

// Text returns the data as a string; non-string payloads are returned as raw JSON.
func (e Event) Text() string {
	return rawText(e.Data)
}

// ExitCode decodes the data of an exit event.
func (e Event) ExitCode() (int, error) {
	var code int
	if err := json.Unmarshal(e.Data, &code); err != nil {
		return 0, fmt.Errorf("decoding exit code %q: %w", string(e.Data), err)
	}
	return code, nil
}

// DecodeEvent parses a runner socket frame.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding runner event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("runner event without type: %s", string(raw))
	}
	return ev, nil
}
