package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/transcript"
)

var errForbidden = errors.New("forbidden")

// **** Submission request/response types ****

// SubmissionRequest is the JSON body for POST /v1/submissions.
type SubmissionRequest struct {
	ExecutionEnvironmentID int           `json:"execution_environment_id"`
	Cause                  string        `json:"cause,omitempty"`    // Default "run".
	GroupID                string        `json:"group_id,omitempty"` // Submit on behalf of a programming group.
	Files                  []domain.File `json:"files"`
}

// SubmissionResponse describes a stored submission.
type SubmissionResponse struct {
	ID                     string       `json:"id"`
	Owner                  domain.Owner `json:"owner"`
	ExecutionEnvironmentID int          `json:"execution_environment_id"`
	Cause                  string       `json:"cause"`
	Files                  []string     `json:"files"`
	CreatedAt              time.Time    `json:"created_at"`
}

func toSubmissionResponse(sub *domain.Submission) SubmissionResponse {
	resp := SubmissionResponse{
		ID:                     sub.ID.String(),
		Owner:                  sub.Owner,
		ExecutionEnvironmentID: sub.ExecutionEnvironmentID,
		Cause:                  sub.Cause,
		Files:                  make([]string, len(sub.Files)),
		CreatedAt:              sub.CreatedAt,
	}
	for i, f := range sub.Files {
		resp.Files[i] = f.Filepath
	}
	return resp
}

// newSubmission validates req and builds the submission userID stores.
func newSubmission(req SubmissionRequest, userID string, now time.Time) (*domain.Submission, error) {
	if req.ExecutionEnvironmentID <= 0 {
		return nil, fmt.Errorf("execution_environment_id is required")
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	cause := req.Cause
	if cause == "" {
		cause = domain.CauseRun
	}
	switch cause {
	case domain.CauseRun, domain.CauseAssess, domain.CauseRequestComments, domain.CauseSubmit, domain.CauseSave:
	default:
		return nil, fmt.Errorf("unknown cause %q", cause)
	}
	seen := make(map[string]struct{}, len(req.Files))
	for _, f := range req.Files {
		if f.Filepath == "" {
			return nil, fmt.Errorf("filepath is required")
		}
		if _, dup := seen[f.Filepath]; dup {
			return nil, fmt.Errorf("duplicate filepath %q", f.Filepath)
		}
		seen[f.Filepath] = struct{}{}
	}

	owner := domain.Owner{Type: domain.OwnerUser, ID: userID}
	if req.GroupID != "" {
		owner = domain.Owner{Type: domain.OwnerGroup, ID: req.GroupID}
	}
	return &domain.Submission{
		ID:                     uuid.New(),
		Owner:                  owner,
		ExecutionEnvironmentID: req.ExecutionEnvironmentID,
		Cause:                  cause,
		Files:                  req.Files,
		CreatedAt:              now,
	}, nil
}

// **** Testrun response types ****

// TestrunResponse is the summary of one session.
type TestrunResponse struct {
	ID                string     `json:"id"`
	SubmissionID      string     `json:"submission_id"`
	File              string     `json:"file,omitempty"`
	Cause             string     `json:"cause"`
	Status            string     `json:"status"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	Passed            *bool      `json:"passed,omitempty"`
	Output            *string    `json:"output,omitempty"`
	ExecutionDuration float64    `json:"execution_duration"` // Seconds.
	WaitingDuration   float64    `json:"waiting_duration"`   // Seconds.
	StartingTime      *time.Time `json:"starting_time,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func toTestrunResponse(run *transcript.Testrun) TestrunResponse {
	return TestrunResponse{
		ID:                run.ID.String(),
		SubmissionID:      run.SubmissionID.String(),
		File:              run.File,
		Cause:             run.Cause,
		Status:            string(run.Status),
		ExitCode:          run.ExitCode,
		Passed:            run.Passed,
		Output:            run.Output,
		ExecutionDuration: run.ExecutionDuration.Seconds(),
		WaitingDuration:   run.WaitingDuration.Seconds(),
		StartingTime:      run.StartingTime,
		CreatedAt:         run.CreatedAt,
	}
}

// MessageResponse is one stored transcript message.
type MessageResponse struct {
	Cmd       string                     `json:"cmd"`
	Stream    string                     `json:"stream,omitempty"`
	Log       *string                    `json:"log,omitempty"`
	Data      map[string]json.RawMessage `json:"data,omitempty"`
	Timestamp float64                    `json:"timestamp"` // Seconds since the session started.
}

// TranscriptResponse is the JSON response for GET /v1/testruns/{id}/messages.
type TranscriptResponse struct {
	Log      string            `json:"log"`
	Messages []MessageResponse `json:"messages"`
}

func toTranscriptResponse(msgs []transcript.Message) TranscriptResponse {
	resp := TranscriptResponse{
		Log:      transcript.Log(msgs),
		Messages: make([]MessageResponse, len(msgs)),
	}
	for i, m := range msgs {
		resp.Messages[i] = MessageResponse{
			Cmd:       string(m.Cmd),
			Stream:    string(m.Stream),
			Log:       m.Log,
			Data:      m.Data,
			Timestamp: m.Timestamp.Seconds(),
		}
	}
	return resp
}

// **** Handlers ****

func (g *Gateway) handleSubmissionCreate(c *okapi.Context) error {
	userID := c.GetString("userID")
	if userID == "" {
		return c.AbortUnauthorized("Unauthorized")
	}
	if err := g.limiter.Allow(domain.Owner{Type: domain.OwnerUser, ID: userID}.Key()); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req SubmissionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	sub, err := newSubmission(req, userID, time.Now().UTC())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if _, err := g.backend.Environments.Get(c.Context(), sub.ExecutionEnvironmentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.AbortBadRequest("unknown execution environment")
		}
		return g.internalError(c, "loading execution environment", err)
	}
	if err := g.backend.Submissions.Create(c.Context(), sub); err != nil {
		return g.internalError(c, "creating submission", err)
	}

	g.logger.Info("submission created",
		slog.String("submission_id", sub.ID.String()),
		slog.String("owner", sub.Owner.Key()),
		slog.Int("execution_environment_id", sub.ExecutionEnvironmentID),
		slog.Int("files", len(sub.Files)),
	)
	return c.JSON(http.StatusCreated, toSubmissionResponse(sub))
}

func (g *Gateway) handleSubmissionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid submission ID")
	}
	sub, err := g.visibleSubmission(c.Context(), c.GetString("userID"), id)
	if err != nil {
		return g.lookupError(c, "submission", err)
	}
	return c.OK(toSubmissionResponse(sub))
}

func (g *Gateway) handleSubmissionTestruns(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid submission ID")
	}
	if _, err := g.visibleSubmission(c.Context(), c.GetString("userID"), id); err != nil {
		return g.lookupError(c, "submission", err)
	}
	runs, err := g.backend.Testruns.ListBySubmission(c.Context(), id)
	if err != nil {
		return g.internalError(c, "listing testruns", err)
	}
	resp := make([]TestrunResponse, len(runs))
	for i := range runs {
		resp[i] = toTestrunResponse(&runs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleTestrunGet(c *okapi.Context) error {
	run, err := g.visibleTestrun(c)
	if err != nil {
		return g.lookupError(c, "testrun", err)
	}
	return c.OK(toTestrunResponse(run))
}

func (g *Gateway) handleTestrunMessages(c *okapi.Context) error {
	run, err := g.visibleTestrun(c)
	if err != nil {
		return g.lookupError(c, "testrun", err)
	}
	msgs, err := g.backend.Testruns.Messages(c.Context(), run.ID)
	if err != nil {
		return g.internalError(c, "loading testrun messages", err)
	}
	return c.OK(toTranscriptResponse(msgs))
}

func (g *Gateway) handleEnvironmentList(c *okapi.Context) error {
	envs, err := g.backend.Environments.List(c.Context())
	if err != nil {
		return g.internalError(c, "listing execution environments", err)
	}
	return c.OK(envs)
}

func (g *Gateway) handleEnvironmentSync(c *okapi.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution environment ID")
	}
	env, err := g.backend.Environments.Get(c.Context(), id)
	if err != nil {
		return g.lookupError(c, "execution environment", err)
	}
	if err := g.backend.Runners.SyncEnvironment(c.Context(), *env); err != nil {
		g.logger.Warn("environment sync failed",
			slog.Int("execution_environment_id", id),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, okapi.M{"error": "runner management rejected the environment"})
	}
	g.logger.Info("environment synced", slog.Int("execution_environment_id", id))
	return c.OK(map[string]string{"status": "synced"})
}

// **** Helpers ****

func (g *Gateway) visibleSubmission(ctx context.Context, userID string, id uuid.UUID) (*domain.Submission, error) {
	sub, err := g.backend.Submissions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Owner.Type == domain.OwnerUser && sub.Owner.ID != userID {
		return nil, errForbidden
	}
	return sub, nil
}

func (g *Gateway) visibleTestrun(c *okapi.Context) (*transcript.Testrun, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, fmt.Errorf("invalid testrun ID: %w", domain.ErrNotFound)
	}
	run, err := g.backend.Testruns.Get(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if _, err := g.visibleSubmission(c.Context(), c.GetString("userID"), run.SubmissionID); err != nil {
		return nil, err
	}
	return run, nil
}

// lookupError maps store errors to responses. Foreign records are reported
// as missing.
func (g *Gateway) lookupError(c *okapi.Context, what string, err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, errForbidden) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": what + " not found"})
	}
	return g.internalError(c, "loading "+what, err)
}

func (g *Gateway) internalError(c *okapi.Context, msg string, err error) error {
	g.logger.Error(msg+" failed", slog.String("error", err.Error()))
	return c.AbortInternalServerError(msg + " failed")
}
