package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/codeocean/runbridge/internal/domain"
)

const tokenHeader = "Poseidon-Token"

// Poseidon talks to a Poseidon runner management service over HTTP and
// attaches to executions over WebSocket.
type Poseidon struct {
	baseURL string
	token   string
	client  *http.Client
	tracer  trace.Tracer
	metrics *Metrics
	logger  *slog.Logger
}

// NewPoseidon creates a Poseidon strategy from the runner management config.
func NewPoseidon(opts StrategyOptions) (*Poseidon, error) {
	base := strings.TrimRight(opts.Config.URL, "/")
	if base == "" {
		return nil, fmt.Errorf("poseidon: runner management url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("poseidon: invalid url %q: %w", base, err)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Config.RequestTimeout()}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Poseidon{
		baseURL: base,
		token:   opts.Config.Token,
		client:  client,
		tracer:  tracer,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

type environmentSpec struct {
	ID                 int    `json:"id"`
	Image              string `json:"image"`
	PrewarmingPoolSize int    `json:"prewarmingPoolSize"`
	CPULimit           int    `json:"cpuLimit"`
	MemoryLimit        int    `json:"memoryLimit"`
	NetworkAccess      bool   `json:"networkAccess"`
	ExposedPorts       []int  `json:"exposedPorts"`
}

type poseidonFile struct {
	Filepath string `json:"filepath"`
	Content  string `json:"content"`
}

// errorResponse is the body Poseidon sends with non-2xx answers.
type errorResponse struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// RequestRunner asks for a new runner in the given environment.
func (p *Poseidon) RequestRunner(ctx context.Context, env domain.ExecutionEnvironment) (string, error) {
	body := map[string]any{
		"executionEnvironmentId": env.ID,
		"timeLimit":              env.PermittedExecutionTime,
	}
	var resp struct {
		RunnerID string `json:"runnerId"`
	}
	status, msg, err := p.call(ctx, "request_runner", http.MethodPost, "/runners", body, &resp,
		attribute.Int("execution_environment.id", env.ID))
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		if resp.RunnerID == "" {
			return "", newError(KindUnknown, "runner management returned no runner id")
		}
		return resp.RunnerID, nil
	case http.StatusNotFound:
		return "", newError(KindEnvironmentNotFound, "environment %d: %s", env.ID, msg)
	default:
		return "", unexpectedStatus(status, msg)
	}
}

// SyncEnvironment creates or replaces the environment at the management service.
func (p *Poseidon) SyncEnvironment(ctx context.Context, env domain.ExecutionEnvironment) error {
	ports := env.ExposedPorts
	if ports == nil {
		ports = []int{}
	}
	spec := environmentSpec{
		ID:                 env.ID,
		Image:              env.DockerImage,
		PrewarmingPoolSize: env.PoolSize,
		CPULimit:           env.CPULimit,
		MemoryLimit:        env.MemoryLimit,
		NetworkAccess:      env.NetworkEnabled,
		ExposedPorts:       ports,
	}
	status, msg, err := p.call(ctx, "sync_environment", http.MethodPut,
		fmt.Sprintf("/execution-environments/%d", env.ID), spec, nil,
		attribute.Int("execution_environment.id", env.ID))
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusBadRequest:
		return newError(KindEnvironmentRejected, "environment %d: %s", env.ID, msg)
	default:
		return unexpectedStatus(status, msg)
	}
}

// CopyFiles writes files into the runner's filesystem.
func (p *Poseidon) CopyFiles(ctx context.Context, runnerID string, files []domain.File) error {
	payload := make([]poseidonFile, 0, len(files))
	for _, f := range files {
		payload = append(payload, poseidonFile{Filepath: f.Filepath, Content: f.Content})
	}
	status, msg, err := p.call(ctx, "copy_files", http.MethodPatch,
		"/runners/"+url.PathEscape(runnerID)+"/files", map[string]any{"files": payload}, nil,
		attribute.String("runner.id", runnerID), attribute.Int("files", len(files)))
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return newError(KindRunnerNotFound, "runner %s: %s", runnerID, msg)
	default:
		return unexpectedStatus(status, msg)
	}
}

// AttachToExecution starts command in the runner and connects to its output stream.
func (p *Poseidon) AttachToExecution(ctx context.Context, runnerID, command string) (Connection, error) {
	var resp struct {
		WebSocketURL string `json:"websocketUrl"`
	}
	status, msg, err := p.call(ctx, "execute", http.MethodPost,
		"/runners/"+url.PathEscape(runnerID)+"/execute", map[string]string{"command": command}, &resp,
		attribute.String("runner.id", runnerID))
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, newError(KindRunnerNotFound, "runner %s: %s", runnerID, msg)
	case http.StatusConflict:
		return nil, newError(KindRunnerInUse, "runner %s: %s", runnerID, msg)
	default:
		return nil, unexpectedStatus(status, msg)
	}
	if resp.WebSocketURL == "" {
		return nil, newError(KindUnknown, "runner management returned no websocket url")
	}

	header := http.Header{}
	if p.token != "" {
		header.Set(tokenHeader, p.token)
	}
	dialClient := *p.client
	dialClient.Timeout = 0
	conn, _, err := websocket.Dial(ctx, resp.WebSocketURL, &websocket.DialOptions{
		HTTPClient: &dialClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Msg: "connecting to execution socket", Err: err}
	}
	p.logger.Debug("attached to runner execution", slog.String("runner_id", runnerID))
	return newSocketConnection(conn, p.logger.With(slog.String("runner_id", runnerID))), nil
}

// Destroy removes the runner at the management service.
func (p *Poseidon) Destroy(ctx context.Context, runnerID string) error {
	status, msg, err := p.call(ctx, "destroy", http.MethodDelete,
		"/runners/"+url.PathEscape(runnerID), nil, nil,
		attribute.String("runner.id", runnerID))
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return newError(KindRunnerNotFound, "runner %s: %s", runnerID, msg)
	default:
		return unexpectedStatus(status, msg)
	}
}

// Health checks that the management service answers.
func (p *Poseidon) Health(ctx context.Context) error {
	status, msg, err := p.call(ctx, "health", http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return unexpectedStatus(status, msg)
	}
	return nil
}

// call sends one request and decodes a 2xx body into out. Non-2xx statuses are
// returned with the server's message for the caller to classify.
func (p *Poseidon) call(ctx context.Context, op, method, path string, body, out any, attrs ...attribute.KeyValue) (int, string, error) {
	ctx, span := p.tracer.Start(ctx, "runner_management."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs,
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		)...))
	defer span.End()

	start := time.Now()
	status, msg, err := p.do(ctx, method, path, body, out)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 300:
		outcome = strconv.Itoa(status)
		span.SetStatus(codes.Error, msg)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	p.metrics.observeRequest(op, outcome, time.Since(start).Seconds())

	return status, msg, err
}

func (p *Poseidon) do(ctx context.Context, method, path string, body, out any) (int, string, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, "", &Error{Kind: KindUnknown, Msg: "marshaling request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return 0, "", &Error{Kind: KindUnknown, Msg: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set(tokenHeader, p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", &Error{Kind: KindUnknown, Msg: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", &Error{Kind: KindUnknown, Msg: "reading response body", Err: err}
	}

	if resp.StatusCode >= 300 {
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			msg := er.Message
			if er.ErrorCode != "" {
				msg = er.ErrorCode + ": " + msg
			}
			return resp.StatusCode, msg, nil
		}
		return resp.StatusCode, strings.TrimSpace(string(data)), nil
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, "", &Error{Kind: KindUnknown, Msg: "parsing response", Err: err}
		}
	}
	return resp.StatusCode, "", nil
}

func unexpectedStatus(status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return newError(KindUnknown, "unexpected status %d: %s", status, msg)
}
