// Package protocol defines the JSON messages exchanged between browser clients,
// the session bridge, and runner sandboxes.
// Every message is a single JSON object carrying a "cmd" discriminator; any
// additional keys are preserved verbatim so that unknown payloads survive a
// decode/encode round trip.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command identifies the kind of a message.
type Command string

const (
	CmdInput       Command = "input"
	CmdWrite       Command = "write"
	CmdClear       Command = "clear"
	CmdTurtle      Command = "turtle"
	CmdTurtleBatch Command = "turtlebatch"
	CmdRender      Command = "render"
	CmdExit        Command = "exit"
	CmdStatus      Command = "status"
	CmdHint        Command = "hint"
	CmdClientKill  Command = "client_kill"
	CmdException   Command = "exception"
	CmdResult      Command = "result"
	CmdCanvasEvent Command = "canvasevent"

	// Legacy commands that only appear in previously stored transcripts.
	CmdTimeout     Command = "timeout"
	CmdOutOfMemory Command = "out_of_memory"
)

// commandCodes are the stable integer values used in the transcript tables.
var commandCodes = map[Command]int{
	CmdInput:       0,
	CmdWrite:       1,
	CmdClear:       2,
	CmdTurtle:      3,
	CmdTurtleBatch: 4,
	CmdRender:      5,
	CmdExit:        6,
	CmdStatus:      7,
	CmdHint:        8,
	CmdClientKill:  9,
	CmdException:   10,
	CmdResult:      11,
	CmdCanvasEvent: 12,
	CmdTimeout:     13,
	CmdOutOfMemory: 14,
}

// Known reports whether c belongs to the closed command set.
func (c Command) Known() bool {
	_, ok := commandCodes[c]
	return ok
}

// Code returns the stored integer value of c. Unknown commands store as write.
func (c Command) Code() int {
	if code, ok := commandCodes[c]; ok {
		return code
	}
	return commandCodes[CmdWrite]
}

// CommandFromCode maps a stored integer back to its command.
func CommandFromCode(code int) (Command, bool) {
	for c, v := range commandCodes {
		if v == code {
			return c, true
		}
	}
	return "", false
}

// Forwardable reports whether a client may pass c through to the runner.
func (c Command) Forwardable() bool {
	switch c {
	case CmdResult, CmdCanvasEvent, CmdException:
		return true
	default:
		return false
	}
}

// Stream is the output discriminator used with CmdWrite.
type Stream string

const (
	StreamStdin  Stream = "stdin"
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Code returns the stored integer value of s, or -1 when s is not a known stream.
func (s Stream) Code() int {
	switch s {
	case StreamStdin:
		return 0
	case StreamStdout:
		return 1
	case StreamStderr:
		return 2
	default:
		return -1
	}
}

// StreamFromCode maps a stored integer back to its stream.
func StreamFromCode(code int) (Stream, bool) {
	switch code {
	case 0:
		return StreamStdin, true
	case 1:
		return StreamStdout, true
	case 2:
		return StreamStderr, true
	default:
		return "", false
	}
}

// Valid reports whether s is one of the three known streams.
func (s Stream) Valid() bool {
	return s.Code() >= 0
}

var (
	// ErrInvalidJSON is returned when a client frame is not valid JSON.
	ErrInvalidJSON = errors.New("message is not valid json")
	// ErrNotObject is returned when a client frame is valid JSON but not an object.
	ErrNotObject = errors.New("message is not a json object")
	// ErrInvalidWrite is returned when a write lacks a stream or a text payload.
	ErrInvalidWrite = errors.New("write message requires stream and data")
)

// Message is a single protocol message. Keys other than cmd, stream, status,
// data, and timestamp are kept in Fields.
type Message struct {
	Cmd       Command
	Stream    Stream
	Status    Status
	Data      json.RawMessage // Raw "data" value, nil when absent.
	Fields    map[string]json.RawMessage
	Timestamp *time.Duration // Server-assigned on outbound messages only.
}

// Write builds a write message for the given stream.
func Write(stream Stream, text string) Message {
	return Message{Cmd: CmdWrite, Stream: stream, Data: mustString(text)}
}

// StatusMessage builds a status notification.
func StatusMessage(status Status) Message {
	return Message{Cmd: CmdStatus, Status: status}
}

// Hint builds a hint message carrying the matched hint and its template description.
func Hint(hint, description string) Message {
	return Message{
		Cmd: CmdHint,
		Fields: map[string]json.RawMessage{
			"hint":        mustString(hint),
			"description": mustString(description),
		},
	}
}

// Exit builds the terminal bookkeeping message.
func Exit() Message {
	return Message{Cmd: CmdExit}
}

// Text returns the data payload as a string. The second result is false when
// data is absent or is not a JSON string.
func (m Message) Text() (string, bool) {
	if len(m.Data) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

// Field decodes an extra key into target.
func (m Message) Field(key string, target any) error {
	raw, ok := m.Fields[key]
	if !ok {
		return fmt.Errorf("field %q not present", key)
	}
	return json.Unmarshal(raw, target)
}

// Validate checks the shape required by the command. Only writes are constrained.
func (m Message) Validate() error {
	if m.Cmd != CmdWrite {
		return nil
	}
	if !m.Stream.Valid() {
		return ErrInvalidWrite
	}
	if _, ok := m.Text(); !ok {
		return ErrInvalidWrite
	}
	return nil
}

// MarshalJSON flattens Fields next to the known keys.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+5)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["cmd"] = m.Cmd
	if m.Stream != "" {
		out["stream"] = m.Stream
	}
	if m.Status != "" {
		out["status"] = m.Status
	}
	if m.Data != nil {
		out["data"] = m.Data
	}
	if m.Timestamp != nil {
		out["timestamp"] = m.Timestamp.Seconds()
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a JSON object into known keys and Fields.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Message{}
	for k, v := range raw {
		switch k {
		case "cmd":
			var c string
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decoding cmd: %w", err)
			}
			m.Cmd = Command(c)
		case "stream":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decoding stream: %w", err)
			}
			m.Stream = Stream(s)
		case "status":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("decoding status: %w", err)
			}
			m.Status = Status(s)
		case "data":
			m.Data = v
		case "timestamp":
			var secs float64
			if err := json.Unmarshal(v, &secs); err != nil {
				return fmt.Errorf("decoding timestamp: %w", err)
			}
			d := time.Duration(secs * float64(time.Second))
			m.Timestamp = &d
		default:
			if m.Fields == nil {
				m.Fields = make(map[string]json.RawMessage)
			}
			m.Fields[k] = v
		}
	}
	return nil
}

// ParseClient decodes one frame received from the browser.
func ParseClient(raw []byte) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return Message{}, ErrInvalidJSON
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, ErrNotObject
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return m, nil
}

// FromRunnerOutput turns a chunk of runner output into a message. A chunk that
// decodes to a JSON object with a "cmd" key is taken as that message; anything
// else becomes a raw write to the stream the chunk arrived on.
func FromRunnerOutput(data string, stream Stream) Message {
	trimmed := bytes.TrimSpace([]byte(data))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if _, ok := probe["cmd"]; ok {
				var m Message
				if err := json.Unmarshal(trimmed, &m); err == nil {
					return m
				}
			}
		}
	}
	return Write(stream, data)
}

func mustString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
