package protocol

import (
	"encoding/json"
	"time"
)

// StoredMessage is the storage form of a Message. Exactly one of Log and Data
// is set, or neither.
type StoredMessage struct {
	Cmd       Command
	Stream    Stream
	Log       *string
	Data      map[string]json.RawMessage
	Timestamp time.Duration
}

// HasLog reports whether the message carries a log payload.
func (s StoredMessage) HasLog() bool { return s.Log != nil }

// HasData reports whether the message carries a structured payload.
func (s StoredMessage) HasData() bool { return len(s.Data) > 0 }

// Normalize converts an outbound message to its storage form. Writes, and any
// message carrying a "log" key, keep their text under Log; every other key
// except cmd, stream, and timestamp goes into Data.
func Normalize(m Message) StoredMessage {
	out := StoredMessage{Cmd: m.Cmd, Stream: m.Stream}
	if m.Timestamp != nil {
		out.Timestamp = *m.Timestamp
	}

	rest := make(map[string]json.RawMessage, len(m.Fields)+2)
	for k, v := range m.Fields {
		rest[k] = v
	}
	if m.Status != "" {
		rest["status"] = mustString(string(m.Status))
	}
	if m.Data != nil {
		rest["data"] = m.Data
	}

	logRaw, hasLog := rest["log"]
	if m.Cmd == CmdWrite || hasLog {
		if !hasLog {
			logRaw = rest["data"]
		}
		text := rawText(logRaw)
		out.Log = &text
		return out
	}

	if len(rest) > 0 {
		out.Data = rest
	}
	return out
}

// rawText returns a JSON string's value, or the raw JSON text for other values.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
