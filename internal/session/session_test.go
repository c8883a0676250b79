package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/config"
	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type fakeClient struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	onSend    func(protocol.Message)

	mu   sync.Mutex
	sent []protocol.Message
}

func newFakeClient() *fakeClient {
	return &fakeClient{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeClient) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeClient) Send(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("client closed")
	default:
	}
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(m)
	}
	return nil
}

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeClient) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

func (c *fakeClient) withCmd(cmd protocol.Command) []protocol.Message {
	var out []protocol.Message
	for _, m := range c.messages() {
		if m.Cmd == cmd {
			out = append(out, m)
		}
	}
	return out
}

type fakeConn struct {
	events chan protocol.Event
	onSend func(string)
	closed atomic.Bool

	mu   sync.Mutex
	sent []string
}

func newFakeConn(events ...protocol.Event) *fakeConn {
	c := &fakeConn{events: make(chan protocol.Event, 32)}
	for _, ev := range events {
		c.events <- ev
	}
	return c
}

func (c *fakeConn) Events() <-chan protocol.Event { return c.events }

func (c *fakeConn) Send(_ context.Context, data string) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(data)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeStrategy struct {
	conn *fakeConn

	mu          sync.Mutex
	requestErrs []error
	requested   int
	synced      int
	attachedCmd string
	copied      []domain.File
}

func (f *fakeStrategy) RequestRunner(context.Context, domain.ExecutionEnvironment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested++
	if len(f.requestErrs) > 0 {
		err := f.requestErrs[0]
		f.requestErrs = f.requestErrs[1:]
		return "", err
	}
	return "runner-1", nil
}

func (f *fakeStrategy) SyncEnvironment(context.Context, domain.ExecutionEnvironment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	return nil
}

func (f *fakeStrategy) CopyFiles(_ context.Context, _ string, files []domain.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied = append(f.copied, files...)
	return nil
}

func (f *fakeStrategy) AttachToExecution(_ context.Context, _ string, cmd string) (runner.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachedCmd = cmd
	return f.conn, nil
}

func (f *fakeStrategy) Destroy(context.Context, string) error { return nil }
func (f *fakeStrategy) Health(context.Context) error          { return nil }

type memoryTranscripts struct {
	mu       sync.Mutex
	runs     []transcript.Testrun
	messages map[uuid.UUID][]transcript.Message
}

func (s *memoryTranscripts) Save(_ context.Context, run *transcript.Testrun, _ domain.ExecutionEnvironment, msgs []transcript.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = map[uuid.UUID][]transcript.Message{}
	}
	s.runs = append(s.runs, *run)
	s.messages[run.ID] = msgs
	return nil
}

func (s *memoryTranscripts) Get(_ context.Context, id uuid.UUID) (*transcript.Testrun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == id {
			run := s.runs[i]
			return &run, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memoryTranscripts) ListBySubmission(context.Context, uuid.UUID) ([]transcript.Testrun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Testrun(nil), s.runs...), nil
}

func (s *memoryTranscripts) Messages(_ context.Context, id uuid.UUID) ([]transcript.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id], nil
}

func (s *memoryTranscripts) Environment(context.Context, uuid.UUID) (*domain.ExecutionEnvironment, error) {
	return nil, domain.ErrNotFound
}

type memoryErrors struct {
	mu   sync.Mutex
	errs []domain.StructuredError
}

func (s *memoryErrors) CreateBatch(_ context.Context, errs []domain.StructuredError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
	return nil
}

type fakeReporter struct {
	reported chan error
}

func (r *fakeReporter) Report(_ context.Context, err error, _ ...slog.Attr) {
	r.reported <- err
}

// --- harness ---

type harness struct {
	svc         *Service
	manager     *runner.Manager
	strategy    *fakeStrategy
	transcripts *memoryTranscripts
	errors      *memoryErrors
	reporter    *fakeReporter
}

func newHarness(conn *fakeConn, cfg Config) *harness {
	h := &harness{
		strategy:    &fakeStrategy{conn: conn},
		transcripts: &memoryTranscripts{},
		errors:      &memoryErrors{},
		reporter:    &fakeReporter{reported: make(chan error, 8)},
	}
	h.manager = runner.NewManager(h.strategy, runner.NewMemoryLeaseStore(), nil, testLogger())
	recorder := transcript.NewRecorder(h.transcripts, testLogger())
	h.svc = NewService(h.manager, nil, nil, recorder, nil, testLogger(), cfg).
		WithStructuredErrors(h.errors).
		WithErrorReporter(h.reporter)
	return h
}

var alice = domain.Owner{Type: "user", ID: "alice"}

func newRequest(cause string, templates ...domain.ErrorTemplate) Request {
	return Request{
		Submission: &domain.Submission{
			ID:                     uuid.New(),
			Owner:                  alice,
			ExecutionEnvironmentID: 1,
			Cause:                  cause,
			Files:                  []domain.File{{Filepath: "main.py", Content: "print('hello')"}},
		},
		Environment: domain.ExecutionEnvironment{
			ID:             1,
			Name:           "Python",
			RunCommand:     "python3 %{filename}",
			TestCommand:    "pytest %{module_name}_test.py",
			ErrorTemplates: templates,
		},
		File: "main.py",
	}
}

func stdout(text string) protocol.Event {
	data, _ := json.Marshal(text)
	return protocol.Event{Type: protocol.EventStdout, Data: data}
}

func exitEvent(code int) protocol.Event {
	data, _ := json.Marshal(code)
	return protocol.Event{Type: protocol.EventExit, Data: data}
}

func runWithTimeout(t *testing.T, fn func() (Result, error)) Result {
	t.Helper()
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn()
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("session: %v", o.err)
		}
		return o.res
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return Result{}
	}
}

func writeTexts(msgs []protocol.Message) []string {
	var out []string
	for _, m := range msgs {
		if text, ok := m.Text(); ok && m.Cmd == protocol.CmdWrite {
			out = append(out, text)
		}
	}
	return out
}

// --- tests ---

func TestRun_StreamsOutputAndExits(t *testing.T) {
	conn := newFakeConn(protocol.Event{Type: protocol.EventStart}, stdout("hello\n"), exitEvent(0))
	h := newHarness(conn, Config{})
	client := newFakeClient()

	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
	})

	if res.Status != protocol.StatusOK {
		t.Fatalf("status = %q, want ok", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v", res.ExitCode)
	}
	if h.strategy.attachedCmd != "python3 main.py" {
		t.Errorf("command = %q", h.strategy.attachedCmd)
	}
	if !conn.closed.Load() {
		t.Error("runner connection not closed")
	}

	msgs := client.messages()
	if len(msgs) == 0 || msgs[0].Cmd != protocol.CmdStatus || msgs[0].Status != protocol.StatusContainerRunning {
		t.Fatalf("first message = %+v, want container_running status", msgs)
	}
	if last := msgs[len(msgs)-1]; last.Cmd != protocol.CmdExit {
		t.Errorf("last message = %+v, want exit", last)
	}
	writes := writeTexts(msgs)
	if len(writes) != 2 || writes[0] != "hello\n" {
		t.Fatalf("writes = %q", writes)
	}
	if !strings.HasPrefix(writes[1], "\nThe program terminated successfully (exit code 0) at ") {
		t.Errorf("exit statement = %q", writes[1])
	}

	run, err := h.svc.recorder.Get(context.Background(), res.TestrunID)
	if err != nil {
		t.Fatalf("Get testrun: %v", err)
	}
	if run.Output == nil || *run.Output != "hello\n" {
		t.Errorf("output = %v", run.Output)
	}
	if run.StartingTime == nil {
		t.Error("starting time not recorded")
	}
	if msgs := h.transcripts.messages[res.TestrunID]; len(msgs) != 0 {
		t.Errorf("ok testrun stored %d messages", len(msgs))
	}
}

func TestRun_ExitStatements(t *testing.T) {
	tests := []struct {
		name   string
		events []protocol.Event
		status protocol.Status
		prefix string
	}{
		{"no output success", []protocol.Event{exitEvent(0)}, protocol.StatusOK, "The program did not produce any output and terminated successfully (exit code 0)"},
		{"no output failure", []protocol.Event{exitEvent(2)}, protocol.StatusFailed, "The program did not produce any output and terminated with an error (exit code 2)"},
		{"output failure", []protocol.Event{stdout("boom"), exitEvent(1)}, protocol.StatusFailed, "\nThe program terminated with an error (exit code 1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(newFakeConn(tt.events...), Config{})
			client := newFakeClient()
			res := runWithTimeout(t, func() (Result, error) {
				return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
			})
			if res.Status != tt.status {
				t.Errorf("status = %q, want %q", res.Status, tt.status)
			}
			writes := writeTexts(client.messages())
			if len(writes) == 0 || !strings.HasPrefix(writes[len(writes)-1], tt.prefix) {
				t.Errorf("writes = %q, want last to start with %q", writes, tt.prefix)
			}
		})
	}
}

func TestRun_FailedRunStoresMessages(t *testing.T) {
	h := newHarness(newFakeConn(stdout("Traceback\n"), exitEvent(1)), Config{})
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), newFakeClient(), newRequest(domain.CauseRun))
	})
	stored := h.transcripts.messages[res.TestrunID]
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored))
	}
	if log := transcript.Log(stored); !strings.HasPrefix(log, "Traceback\n") {
		t.Errorf("log = %q", log)
	}
}

func TestRun_OutOfMemory(t *testing.T) {
	h := newHarness(newFakeConn(exitEvent(137)), Config{})
	client := newFakeClient()
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusOutOfMemory {
		t.Fatalf("status = %q, want out_of_memory", res.Status)
	}
	found := false
	for _, m := range client.withCmd(protocol.CmdStatus) {
		if m.Status == protocol.StatusOutOfMemory {
			found = true
		}
	}
	if !found {
		t.Error("client did not receive out_of_memory status")
	}
	var storedStatus bool
	for _, m := range h.transcripts.messages[res.TestrunID] {
		if m.Cmd == protocol.CmdStatus {
			storedStatus = true
		}
	}
	if !storedStatus {
		t.Error("out_of_memory status not stored")
	}
}

func TestRun_ClientKill(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(conn, Config{})
	client := newFakeClient()
	client.onSend = func(m protocol.Message) {
		if m.Status == protocol.StatusContainerRunning {
			client.frames <- []byte(`{"cmd":"client_kill"}`)
		}
	}
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusTerminatedByClient {
		t.Fatalf("status = %q", res.Status)
	}
	if !conn.closed.Load() {
		t.Error("runner connection not closed")
	}
	if len(client.withCmd(protocol.CmdExit)) != 1 {
		t.Error("client did not receive exit")
	}
}

func TestRun_ClientDisconnects(t *testing.T) {
	h := newHarness(newFakeConn(), Config{})
	client := newFakeClient()
	client.Close()
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusTerminatedByClient {
		t.Fatalf("status = %q", res.Status)
	}
	if _, err := h.svc.recorder.Get(context.Background(), res.TestrunID); err != nil {
		t.Errorf("testrun not persisted: %v", err)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(newFakeConn(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	client := newFakeClient()
	client.onSend = func(m protocol.Message) {
		if m.Status == protocol.StatusContainerRunning {
			cancel()
		}
	}
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(ctx, client, newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusTerminatedByClient {
		t.Fatalf("status = %q", res.Status)
	}
	if _, err := h.svc.recorder.Get(context.Background(), res.TestrunID); err != nil {
		t.Errorf("testrun not persisted after cancellation: %v", err)
	}
}

func TestRun_RunnerInUse(t *testing.T) {
	h := newHarness(newFakeConn(exitEvent(0)), Config{})
	req := newRequest(domain.CauseRun)
	held, err := h.manager.Acquire(context.Background(), alice, req.Environment)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release(context.Background())

	client := newFakeClient()
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, req)
	})
	if res.Status != protocol.StatusRunnerInUse {
		t.Fatalf("status = %q, want runner_in_use", res.Status)
	}
	statuses := client.withCmd(protocol.CmdStatus)
	if len(statuses) != 1 || statuses[0].Status != protocol.StatusRunnerInUse {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestRun_Timeout(t *testing.T) {
	h := newHarness(newFakeConn(stdout("partial"), protocol.Event{Type: protocol.EventTimeout}), Config{})
	client := newFakeClient()
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusTimeout {
		t.Fatalf("status = %q, want timeout", res.Status)
	}
	run, err := h.svc.recorder.Get(context.Background(), res.TestrunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Output == nil || *run.Output != "timeout: partial" {
		t.Errorf("output = %v", run.Output)
	}
	if run.ExecutionDuration <= 0 {
		t.Error("execution duration not recorded")
	}
}

func TestRun_RunnerErrorDepletesContainer(t *testing.T) {
	errData, _ := json.Marshal("docker died")
	h := newHarness(newFakeConn(protocol.Event{Type: protocol.EventError, Data: errData}), Config{})
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), newFakeClient(), newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusContainerDepleted {
		t.Fatalf("status = %q, want container_depleted", res.Status)
	}
}

func TestRun_ConnectionClosedWithoutExit(t *testing.T) {
	conn := newFakeConn(stdout("x"))
	close(conn.events)
	h := newHarness(conn, Config{})
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), newFakeClient(), newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusContainerDepleted {
		t.Fatalf("status = %q, want container_depleted", res.Status)
	}
}

func TestRun_Disabled(t *testing.T) {
	h := newHarness(newFakeConn(exitEvent(0)), Config{Features: config.FeaturesConfig{DisableRun: true}})
	client := newFakeClient()
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusTerminatedByClient {
		t.Errorf("status = %q", res.Status)
	}
	if h.strategy.requested != 0 {
		t.Errorf("requested %d runners while disabled", h.strategy.requested)
	}
	msgs := client.messages()
	if len(msgs) != 1 || msgs[0].Cmd != protocol.CmdExit {
		t.Errorf("messages = %+v, want only exit", msgs)
	}
}

func TestRun_HintsAreDedupedAndErrorsRecorded(t *testing.T) {
	templates := []domain.ErrorTemplate{
		{ID: uuid.New(), Name: "name", Signature: `NameError`, Description: "undefined name", Hint: "Check spelling."},
		{ID: uuid.New(), Name: "name2", Signature: `name '\w+' is not defined`, Description: "undefined", Hint: "Check spelling."},
		{ID: uuid.New(), Name: "zero", Signature: `ZeroDivisionError`, Hint: "Do not divide by zero."},
		{ID: uuid.New(), Name: "broken", Signature: `(`, Hint: "never"},
	}
	h := newHarness(newFakeConn(stdout("NameError: name 'x' is not defined\n"), exitEvent(1)), Config{})
	client := newFakeClient()
	runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun, templates...))
	})

	hints := client.withCmd(protocol.CmdHint)
	if len(hints) != 1 {
		t.Fatalf("hints = %d, want 1", len(hints))
	}
	var hint string
	if err := hints[0].Field("hint", &hint); err != nil || hint != "Check spelling." {
		t.Errorf("hint = %q (%v)", hint, err)
	}
	if len(h.errors.errs) != 2 {
		t.Errorf("structured errors = %d, want 2", len(h.errors.errs))
	}

	msgs := client.messages()
	if msgs[len(msgs)-1].Cmd != protocol.CmdExit || msgs[len(msgs)-2].Cmd != protocol.CmdHint {
		t.Error("hint must be sent right before exit")
	}
}

func TestRun_HintsDisabledStillRecordsErrors(t *testing.T) {
	templates := []domain.ErrorTemplate{{ID: uuid.New(), Signature: `Error`, Hint: "h"}}
	h := newHarness(newFakeConn(stdout("Error"), exitEvent(1)), Config{Features: config.FeaturesConfig{DisableHints: true}})
	client := newFakeClient()
	runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun, templates...))
	})
	if n := len(client.withCmd(protocol.CmdHint)); n != 0 {
		t.Errorf("hints = %d, want 0", n)
	}
	if len(h.errors.errs) != 1 {
		t.Errorf("structured errors = %d, want 1", len(h.errors.errs))
	}
}

func TestRun_ForwardsResultAfterAttach(t *testing.T) {
	const frame = `{"cmd":"result","data":"42"}`
	conn := newFakeConn()
	conn.onSend = func(string) { conn.events <- exitEvent(0) }
	h := newHarness(conn, Config{})
	client := newFakeClient()
	client.onSend = func(m protocol.Message) {
		if m.Status == protocol.StatusContainerRunning {
			client.frames <- []byte("\n")
			client.frames <- []byte(`{"cmd":"input","data":"42\n"}`)
			client.frames <- []byte(frame)
		}
	}
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusOK {
		t.Fatalf("status = %q", res.Status)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 1 || conn.sent[0] != frame {
		t.Errorf("forwarded = %q, want only the result frame", conn.sent)
	}
	select {
	case err := <-h.reporter.reported:
		if err == nil || !strings.Contains(err.Error(), "input") {
			t.Errorf("reported = %v, want unknown input command", err)
		}
	default:
		t.Error("input command was not reported")
	}
}

func TestRun_ReportsInvalidClientMessages(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(conn, Config{})
	client := newFakeClient()
	client.frames <- []byte(`{not json`)
	client.frames <- []byte(`{"cmd":"dance"}`)

	done := make(chan Result, 1)
	go func() {
		res, _ := h.svc.Run(context.Background(), client, newRequest(domain.CauseRun))
		done <- res
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-h.reporter.reported:
			if err == nil {
				t.Error("nil error reported")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("client error not reported")
		}
	}
	conn.events <- exitEvent(0)

	select {
	case res := <-done:
		if res.Status != protocol.StatusOK {
			t.Errorf("status = %q, want ok", res.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestRun_SyncsUnknownEnvironmentAndRetries(t *testing.T) {
	h := newHarness(newFakeConn(exitEvent(0)), Config{})
	h.strategy.requestErrs = []error{&runner.Error{Kind: runner.KindEnvironmentNotFound}}
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), newFakeClient(), newRequest(domain.CauseRun))
	})
	if res.Status != protocol.StatusOK {
		t.Fatalf("status = %q", res.Status)
	}
	if h.strategy.requested != 2 || h.strategy.synced != 1 {
		t.Errorf("requested = %d, synced = %d", h.strategy.requested, h.strategy.synced)
	}
}

func TestRun_OutputIsBounded(t *testing.T) {
	long := strings.Repeat("ä", 600)
	h := newHarness(newFakeConn(stdout(long), exitEvent(1)), Config{})
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Run(context.Background(), newFakeClient(), newRequest(domain.CauseRun))
	})
	run, err := h.svc.recorder.Get(context.Background(), res.TestrunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Output == nil || *run.Output != strings.Repeat("ä", 500) {
		t.Errorf("output has %d characters, want 500", len([]rune(*run.Output)))
	}
}

func TestAssess_ReportsResult(t *testing.T) {
	h := newHarness(newFakeConn(stdout("3 passed\n"), exitEvent(0)), Config{})
	client := newFakeClient()
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Assess(context.Background(), client, newRequest(domain.CauseAssess))
	})
	if res.Passed == nil || !*res.Passed {
		t.Fatalf("passed = %v", res.Passed)
	}
	if h.strategy.attachedCmd != "pytest main_test.py" {
		t.Errorf("command = %q", h.strategy.attachedCmd)
	}
	if writes := writeTexts(client.messages()); len(writes) != 0 {
		t.Errorf("assess streamed output: %q", writes)
	}
	results := client.withCmd(protocol.CmdResult)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	var output string
	if err := results[0].Field("output", &output); err != nil || output != "3 passed\n" {
		t.Errorf("result output = %q (%v)", output, err)
	}
	if len(client.withCmd(protocol.CmdStatus)) != 0 {
		t.Error("assess sent container_running status")
	}
}

func TestAssess_FailureNotPassed(t *testing.T) {
	h := newHarness(newFakeConn(protocol.Event{Type: protocol.EventTimeout}), Config{})
	res := runWithTimeout(t, func() (Result, error) {
		return h.svc.Assess(context.Background(), newFakeClient(), newRequest(domain.CauseAssess))
	})
	if res.Passed == nil || *res.Passed {
		t.Errorf("passed = %v, want false", res.Passed)
	}
	run, err := h.svc.recorder.Get(context.Background(), res.TestrunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Cause != domain.CauseAssess {
		t.Errorf("cause = %q", run.Cause)
	}
}

func TestHandleClient_DropsForwardableCommands(t *testing.T) {
	tests := []struct {
		name string
		mode mode
		exec bool
	}{
		{name: "run before attach", mode: modeRun},
		{name: "assess before attach", mode: modeAssess},
		{name: "assess after attach", mode: modeAssess, exec: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(newFakeConn(), Config{})
			client := newFakeClient()
			conn := newFakeConn()
			ss := &session{svc: h.svc, client: client, mode: tt.mode, logger: testLogger()}
			if tt.exec {
				ss.exec = &runner.Execution{Connection: conn, StartingTime: time.Now()}
			}
			for _, frame := range []string{
				`{"cmd":"result","data":"x"}`,
				`{"cmd":"canvasevent","data":{"x":1}}`,
				`{"cmd":"exception","error":"boom"}`,
			} {
				ss.handleClient(context.Background(), clientFrame{data: []byte(frame)})
			}
			if ss.done || ss.status != "" {
				t.Errorf("dropped command changed state: done=%v status=%q", ss.done, ss.status)
			}
			if len(client.messages()) != 0 {
				t.Error("dropped command produced client messages")
			}
			if len(conn.sent) != 0 {
				t.Errorf("forwarded = %q, want nothing", conn.sent)
			}
			select {
			case err := <-h.reporter.reported:
				t.Errorf("dropped command reported as error: %v", err)
			default:
			}
		})
	}
}

func TestAppendOutput(t *testing.T) {
	ss := &session{limit: 5}
	ss.appendOutput("abc")
	ss.appendOutput("défg")
	ss.appendOutput("h")
	if ss.output != "abcdé" {
		t.Errorf("output = %q, want %q", ss.output, "abcdé")
	}
}

func TestExpandCommand(t *testing.T) {
	tests := []struct {
		cmd, file, want string
	}{
		{"python3 %{filename}", "exercise.py", "python3 exercise.py"},
		{"java %{class_name}", "src/Main.java", "java Main"},
		{"pytest %{module_name}_test.py", "ListUtils.py", "pytest list_utils_test.py"},
		{"ruby %{filename} %{unknown}", "a.rb", "ruby a.rb %{unknown}"},
		{"make run", "", "make run"},
	}
	for _, tt := range tests {
		if got := expandCommand(tt.cmd, tt.file); got != tt.want {
			t.Errorf("expandCommand(%q, %q) = %q, want %q", tt.cmd, tt.file, got, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	sub := &domain.Submission{ID: uuid.New(), ExecutionEnvironmentID: 1, Files: []domain.File{{Filepath: "a.py"}}}
	svc := NewService(nil, staticEnvs{}, staticSubmissions{sub}, nil, nil, nil, Config{})
	if _, err := svc.Load(context.Background(), sub.ID, "a.py"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := svc.Load(context.Background(), sub.ID, "b.py"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing file error = %v, want ErrNotFound", err)
	}
}

type staticEnvs struct{}

func (staticEnvs) Get(_ context.Context, id int) (*domain.ExecutionEnvironment, error) {
	return &domain.ExecutionEnvironment{ID: id}, nil
}
func (staticEnvs) List(context.Context) ([]domain.ExecutionEnvironment, error) { return nil, nil }
func (staticEnvs) Upsert(context.Context, domain.ExecutionEnvironment) error   { return nil }

type staticSubmissions struct{ sub *domain.Submission }

func (s staticSubmissions) Create(context.Context, *domain.Submission) error { return nil }
func (s staticSubmissions) Get(_ context.Context, id uuid.UUID) (*domain.Submission, error) {
	if id != s.sub.ID {
		return nil, domain.ErrNotFound
	}
	return s.sub, nil
}
