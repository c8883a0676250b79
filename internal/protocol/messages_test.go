package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseClient_Valid(t *testing.T) {
	m, err := ParseClient([]byte(`{"cmd":"result","data":"42","extra":{"a":1}}`))
	if err != nil {
		t.Fatalf("ParseClient error: %v", err)
	}
	if m.Cmd != CmdResult {
		t.Errorf("cmd = %q, want %q", m.Cmd, CmdResult)
	}
	if got, _ := m.Text(); got != "42" {
		t.Errorf("data = %q, want 42", got)
	}
	if _, ok := m.Fields["extra"]; !ok {
		t.Error("extra key should be kept in Fields")
	}
}

func TestParseClient_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"garbage", `{not json`, ErrInvalidJSON},
		{"empty", ``, ErrInvalidJSON},
		{"array", `[1,2,3]`, ErrNotObject},
		{"number", `17`, ErrNotObject},
		{"string", `"client_kill"`, ErrNotObject},
		{"bad cmd type", `{"cmd": 5}`, ErrNotObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClient([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFromRunnerOutput_Structured(t *testing.T) {
	m := FromRunnerOutput(`{"cmd":"turtle","action":"forward","stream":"stdout"}`, StreamStderr)
	if m.Cmd != CmdTurtle {
		t.Errorf("cmd = %q, want turtle", m.Cmd)
	}
	if m.Stream != StreamStdout {
		t.Errorf("stream = %q, want stdout (taken from payload)", m.Stream)
	}
	if _, ok := m.Fields["action"]; !ok {
		t.Error("action field missing")
	}
}

func TestFromRunnerOutput_Fallback(t *testing.T) {
	for _, data := range []string{
		"Hello\n",
		`{"no_cmd":true}`,
		`[1,2]`,
		`{"cmd":`,
		"42",
	} {
		m := FromRunnerOutput(data, StreamStdout)
		if m.Cmd != CmdWrite {
			t.Errorf("%q: cmd = %q, want write", data, m.Cmd)
		}
		if m.Stream != StreamStdout {
			t.Errorf("%q: stream = %q, want stdout", data, m.Stream)
		}
		if got, _ := m.Text(); got != data {
			t.Errorf("%q: data = %q", data, got)
		}
	}
}

func TestMessage_MarshalFlattensFields(t *testing.T) {
	ts := 1500 * time.Millisecond
	m := Hint("Use a semicolon", "Syntax error")
	m.Timestamp = &ts

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["cmd"] != "hint" {
		t.Errorf("cmd = %v", out["cmd"])
	}
	if out["hint"] != "Use a semicolon" || out["description"] != "Syntax error" {
		t.Errorf("hint fields = %v", out)
	}
	if out["timestamp"] != 1.5 {
		t.Errorf("timestamp = %v, want 1.5", out["timestamp"])
	}
	if _, ok := out["stream"]; ok {
		t.Error("empty stream should be omitted")
	}
}

func TestExit_HasNoPayload(t *testing.T) {
	b, _ := json.Marshal(Exit())
	if string(b) != `{"cmd":"exit"}` {
		t.Errorf("exit = %s", b)
	}
}

func TestMessage_Validate(t *testing.T) {
	if err := Write(StreamStdout, "x").Validate(); err != nil {
		t.Errorf("valid write rejected: %v", err)
	}
	if err := (Message{Cmd: CmdWrite, Data: mustString("x")}).Validate(); !errors.Is(err, ErrInvalidWrite) {
		t.Errorf("write without stream: err = %v", err)
	}
	if err := (Message{Cmd: CmdWrite, Stream: StreamStdout, Data: json.RawMessage(`{}`)}).Validate(); !errors.Is(err, ErrInvalidWrite) {
		t.Errorf("write with object data: err = %v", err)
	}
	if err := StatusMessage(StatusTimeout).Validate(); err != nil {
		t.Errorf("status rejected: %v", err)
	}
}

func TestCommand_Forwardable(t *testing.T) {
	for _, c := range []Command{CmdResult, CmdCanvasEvent, CmdException} {
		if !c.Forwardable() {
			t.Errorf("%q should be forwardable", c)
		}
	}
	for _, c := range []Command{CmdClientKill, CmdWrite, CmdInput, Command("bogus")} {
		if c.Forwardable() {
			t.Errorf("%q should not be forwardable", c)
		}
	}
}

func TestCommand_Codes(t *testing.T) {
	if CmdCanvasEvent.Code() != 12 || CmdWrite.Code() != 1 || CmdOutOfMemory.Code() != 14 {
		t.Error("unexpected command codes")
	}
	if Command("bogus").Known() {
		t.Error("bogus command reported as known")
	}
	c, ok := CommandFromCode(9)
	if !ok || c != CmdClientKill {
		t.Errorf("CommandFromCode(9) = %q, %v", c, ok)
	}
}

func TestStatus_Codes(t *testing.T) {
	if code, ok := StatusRunnerInUse.Code(); !ok || code != 6 {
		t.Errorf("runner_in_use code = %d, %v", code, ok)
	}
	if StatusContainerRunning.Terminal() {
		t.Error("container_running must not be terminal")
	}
	s, ok := StatusFromCode(4)
	if !ok || s != StatusOutOfMemory {
		t.Errorf("StatusFromCode(4) = %q", s)
	}
}

func TestNormalize_WriteUsesLog(t *testing.T) {
	ts := time.Second
	m := Write(StreamStderr, "boom")
	m.Timestamp = &ts
	s := Normalize(m)
	if !s.HasLog() || *s.Log != "boom" {
		t.Fatalf("log = %v", s.Log)
	}
	if s.HasData() {
		t.Errorf("data should be empty, got %v", s.Data)
	}
	if s.Stream != StreamStderr || s.Timestamp != time.Second {
		t.Errorf("stream/timestamp = %q/%v", s.Stream, s.Timestamp)
	}
}

func TestNormalize_StatusUsesData(t *testing.T) {
	s := Normalize(StatusMessage(StatusTimeout))
	if s.HasLog() {
		t.Fatal("status message must not have log")
	}
	if string(s.Data["status"]) != `"timeout"` {
		t.Errorf("data = %v", s.Data)
	}
}

func TestNormalize_NeverBoth(t *testing.T) {
	msgs := []Message{
		{Cmd: CmdWrite, Stream: StreamStdout, Data: mustString("x"), Fields: map[string]json.RawMessage{"extra": json.RawMessage(`1`)}},
		{Cmd: CmdRender, Fields: map[string]json.RawMessage{"log": mustString("l"), "data": json.RawMessage(`{}`)}},
		{Cmd: CmdTurtle, Data: json.RawMessage(`[1,2]`)},
		Exit(),
		Hint("h", "d"),
	}
	for _, m := range msgs {
		s := Normalize(m)
		if s.HasLog() && s.HasData() {
			t.Errorf("%q: both log and data set", m.Cmd)
		}
	}
}

func TestNormalize_LogKeyPreferred(t *testing.T) {
	m := Message{Cmd: CmdRender, Fields: map[string]json.RawMessage{"log": mustString("from log")}, Data: mustString("from data")}
	s := Normalize(m)
	if s.Log == nil || *s.Log != "from log" {
		t.Errorf("log = %v", s.Log)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"exit","data":137}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if !ev.Terminal() {
		t.Error("exit should be terminal")
	}
	code, err := ev.ExitCode()
	if err != nil || code != 137 {
		t.Errorf("exit code = %d, %v", code, err)
	}

	ev, err = DecodeEvent([]byte(`{"type":"stdout","data":"hi\n"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Terminal() || ev.Text() != "hi\n" {
		t.Errorf("stdout event = %+v", ev)
	}

	if _, err := DecodeEvent([]byte(`{"data":1}`)); err == nil || !strings.Contains(err.Error(), "without type") {
		t.Errorf("missing type err = %v", err)
	}
}
