package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/protocol"
	"github.com/codeocean/runbridge/internal/ratelimit"
	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/session"
	"github.com/codeocean/runbridge/internal/storage/sqlite"
	"github.com/codeocean/runbridge/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	events chan protocol.Event
}

func (c *fakeConn) Events() <-chan protocol.Event      { return c.events }
func (c *fakeConn) Send(context.Context, string) error { return nil }
func (c *fakeConn) Close() error                       { return nil }

type fakeStrategy struct {
	conn *fakeConn

	mu  sync.Mutex
	cmd string
}

func (f *fakeStrategy) RequestRunner(context.Context, domain.ExecutionEnvironment) (string, error) {
	return "runner-1", nil
}
func (f *fakeStrategy) SyncEnvironment(context.Context, domain.ExecutionEnvironment) error {
	return nil
}
func (f *fakeStrategy) CopyFiles(context.Context, string, []domain.File) error { return nil }
func (f *fakeStrategy) AttachToExecution(_ context.Context, _ string, cmd string) (runner.Connection, error) {
	f.mu.Lock()
	f.cmd = cmd
	f.mu.Unlock()
	return f.conn, nil
}
func (f *fakeStrategy) Destroy(context.Context, string) error { return nil }
func (f *fakeStrategy) Health(context.Context) error          { return nil }

type fixture struct {
	srv      *httptest.Server
	store    *sqlite.Store
	strategy *fakeStrategy
	sub      *domain.Submission
}

func newFixture(t *testing.T, limiter *ratelimit.Limiter, events ...protocol.Event) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(sqlite.Config{Path: sqlite.MemoryPath}, testLogger())
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	env := domain.ExecutionEnvironment{
		ID:          1,
		Name:        "Python",
		DockerImage: "python:3.12",
		RunCommand:  "python3 %{filename}",
		TestCommand: "pytest %{filename}",
	}
	if err := store.Environments().Upsert(ctx, env); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	sub := &domain.Submission{
		ID:                     uuid.New(),
		Owner:                  domain.Owner{Type: domain.OwnerUser, ID: "alice"},
		ExecutionEnvironmentID: 1,
		Cause:                  domain.CauseRun,
		Files:                  []domain.File{{Filepath: "main.py", Content: "print('hello')"}},
	}
	if err := store.Submissions().Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn := &fakeConn{events: make(chan protocol.Event, len(events)+1)}
	for _, ev := range events {
		conn.events <- ev
	}
	strategy := &fakeStrategy{conn: conn}
	manager := runner.NewManager(strategy, store.Leases(), nil, testLogger())
	recorder := transcript.NewRecorder(store.Testruns(), testLogger())
	svc := session.NewService(manager, store.Environments(), store.Submissions(), recorder, nil, testLogger(), session.Config{})

	auth := KeyAuthenticator(map[string]string{"alice-key": "alice", "bob-key": "bob"})
	server := NewServer(svc, auth, testLogger()).WithRateLimiter(limiter)

	mux := http.NewServeMux()
	mux.Handle("/ws/run", server.Handler(ModeRun))
	mux.Handle("/ws/score", server.Handler(ModeScore))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, strategy: strategy, sub: sub}
}

func (f *fixture) url(path, token string, sub uuid.UUID, file string) string {
	u := f.srv.URL + path + "?token=" + token + "&submission=" + sub.String()
	if file != "" {
		u += "&file=" + file
	}
	return u
}

func event(typ protocol.EventType, v any) protocol.Event {
	data, _ := json.Marshal(v)
	return protocol.Event{Type: typ, Data: data}
}

func TestHandler_RejectsRequests(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"missing token", f.url("/ws/run", "", f.sub.ID, "main.py"), http.StatusUnauthorized},
		{"unknown token", f.url("/ws/run", "nope", f.sub.ID, "main.py"), http.StatusUnauthorized},
		{"bad submission", f.srv.URL + "/ws/run?token=alice-key&submission=42&file=main.py", http.StatusBadRequest},
		{"missing file", f.url("/ws/run", "alice-key", f.sub.ID, ""), http.StatusBadRequest},
		{"unknown submission", f.url("/ws/run", "alice-key", uuid.New(), "main.py"), http.StatusNotFound},
		{"unknown file", f.url("/ws/run", "alice-key", f.sub.ID, "other.py"), http.StatusNotFound},
		{"foreign submission", f.url("/ws/run", "bob-key", f.sub.ID, "main.py"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(tt.url)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHandler_AcceptsBearerHeader(t *testing.T) {
	f := newFixture(t, nil)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/ws/run?submission="+uuid.NewString()+"&file=main.py", nil)
	req.Header.Set("Authorization", "Bearer alice-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestHandler_RateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}))
	u := f.url("/ws/run", "alice-key", f.sub.ID, "main.py")

	// The first request consumes the token and fails the upgrade.
	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("first request was rate limited")
	}

	resp, err = http.Get(u)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func readAll(t *testing.T, ctx context.Context, conn *websocket.Conn) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return msgs
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decoding %s: %v", data, err)
		}
		msgs = append(msgs, msg)
	}
}

func waitForTestrun(t *testing.T, store *sqlite.Store, sub uuid.UUID) transcript.Testrun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := store.Testruns().ListBySubmission(context.Background(), sub)
		if err != nil {
			t.Fatalf("ListBySubmission: %v", err)
		}
		if len(runs) > 0 {
			return runs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("testrun was not persisted")
	return transcript.Testrun{}
}

func TestHandler_RunSession(t *testing.T) {
	f := newFixture(t, nil,
		event(protocol.EventStdout, "hello\n"),
		event(protocol.EventExit, 0),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.url("/ws/run", "alice-key", f.sub.ID, "main.py"), "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	msgs := readAll(t, ctx, conn)
	if len(msgs) == 0 {
		t.Fatal("no messages received")
	}
	if last := msgs[len(msgs)-1]; last.Cmd != protocol.CmdExit {
		t.Errorf("last message = %q, want exit", last.Cmd)
	}
	var output strings.Builder
	for _, m := range msgs {
		if m.Cmd == protocol.CmdWrite && m.Stream == protocol.StreamStdout {
			text, _ := m.Text()
			output.WriteString(text)
		}
	}
	if !strings.HasPrefix(output.String(), "hello\n") {
		t.Errorf("stdout = %q, want prefix %q", output.String(), "hello\n")
	}

	f.strategy.mu.Lock()
	cmd := f.strategy.cmd
	f.strategy.mu.Unlock()
	if cmd != "python3 main.py" {
		t.Errorf("command = %q, want %q", cmd, "python3 main.py")
	}

	run := waitForTestrun(t, f.store, f.sub.ID)
	if run.Status != protocol.StatusOK {
		t.Errorf("status = %q, want ok", run.Status)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", run.ExitCode)
	}
}

func TestHandler_ScoreSessionReportsResult(t *testing.T) {
	f := newFixture(t, nil,
		event(protocol.EventStdout, "1 passed\n"),
		event(protocol.EventExit, 0),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.url("/ws/score", "alice-key", f.sub.ID, ""), "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	msgs := readAll(t, ctx, conn)
	var result *protocol.Message
	for i := range msgs {
		if msgs[i].Cmd == protocol.CmdResult {
			result = &msgs[i]
		}
	}
	if result == nil {
		t.Fatalf("no result message in %+v", msgs)
	}
	var passed bool
	if err := result.Field("passed", &passed); err != nil {
		t.Fatalf("passed field: %v", err)
	}
	if !passed {
		t.Error("passed = false, want true")
	}
}

func TestKeyAuthenticator(t *testing.T) {
	auth := KeyAuthenticator(map[string]string{"k1": "u1"})
	owner, ok := auth("k1")
	if !ok || owner != (domain.Owner{Type: domain.OwnerUser, ID: "u1"}) {
		t.Errorf("auth(k1) = %+v, %v", owner, ok)
	}
	if _, ok := auth("k2"); ok {
		t.Error("auth(k2) succeeded")
	}
	if _, ok := auth(""); ok {
		t.Error("empty token succeeded")
	}
}

func TestMayExecute(t *testing.T) {
	alice := domain.Owner{Type: domain.OwnerUser, ID: "alice"}
	bob := domain.Owner{Type: domain.OwnerUser, ID: "bob"}
	group := domain.Owner{Type: domain.OwnerGroup, ID: "g1"}

	if !mayExecute(alice, &domain.Submission{Owner: alice}) {
		t.Error("owner denied")
	}
	if mayExecute(bob, &domain.Submission{Owner: alice}) {
		t.Error("other user allowed")
	}
	if !mayExecute(bob, &domain.Submission{Owner: group}) {
		t.Error("group submission denied")
	}
}
