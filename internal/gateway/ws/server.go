// Package ws accepts browser WebSocket connections and hands them to the
// session service. One connection carries exactly one execution session.
package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/ratelimit"
	"github.com/codeocean/runbridge/internal/session"
)

const defaultPingInterval = 30 * time.Second

// Mode selects what a connection executes.
type Mode string

const (
	ModeRun   Mode = "run"   // Run command, output streamed.
	ModeScore Mode = "score" // Test command over the whole submission.
	ModeTest  Mode = "test"  // Test command for a single file.
)

// Authenticator maps a bearer token to the caller.
type Authenticator func(token string) (domain.Owner, bool)

// KeyAuthenticator authenticates API keys mapped to user ids.
func KeyAuthenticator(keys map[string]string) Authenticator {
	return func(token string) (domain.Owner, bool) {
		if token == "" {
			return domain.Owner{}, false
		}
		userID := ""
		for key, id := range keys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				userID = id
			}
		}
		if userID == "" {
			return domain.Owner{}, false
		}
		return domain.Owner{Type: domain.OwnerUser, ID: userID}, true
	}
}

// Server upgrades HTTP requests to execution sessions.
type Server struct {
	sessions     *session.Service
	auth         Authenticator
	limiter      *ratelimit.Limiter
	origins      []string
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewServer creates a server.
func NewServer(sessions *session.Service, auth Authenticator, logger *slog.Logger) *Server {
	return &Server{
		sessions:     sessions,
		auth:         auth,
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
}

// WithRateLimiter limits session starts per owner.
func (s *Server) WithRateLimiter(l *ratelimit.Limiter) *Server {
	s.limiter = l
	return s
}

// WithOriginPatterns allows cross-origin browsers matching patterns.
func (s *Server) WithOriginPatterns(patterns ...string) *Server {
	s.origins = append(s.origins, patterns...)
	return s
}

// Handler returns the upgrade handler for mode.
func (s *Server) Handler(mode Mode) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handle(w, r, mode)
	})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, mode Mode) {
	caller, ok := s.auth(bearerToken(r))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	subID, err := uuid.Parse(q.Get("submission"))
	if err != nil {
		http.Error(w, "submission must be a UUID", http.StatusBadRequest)
		return
	}
	file := q.Get("file")
	if file == "" && mode != ModeScore {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}

	req, err := s.sessions.Load(r.Context(), subID, file)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("loading session request failed",
			slog.String("submission_id", subID.String()),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !mayExecute(caller, req.Submission) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if err := s.limiter.Allow(caller.Key()); err != nil {
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			w.Header().Set("Retry-After", strconv.Itoa(int(le.RetryAfter.Seconds())+1))
		}
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	client := NewClient(conn, s.logger)
	defer client.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go client.keepalive(ctx, s.pingInterval)

	var res session.Result
	if mode == ModeRun {
		res, err = s.sessions.Run(ctx, client, req)
	} else {
		res, err = s.sessions.Assess(ctx, client, req)
	}
	if err != nil {
		s.logger.Error("session failed",
			slog.String("submission_id", subID.String()),
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("session completed",
		slog.String("submission_id", subID.String()),
		slog.String("mode", string(mode)),
		slog.String("status", string(res.Status)),
		slog.String("testrun_id", res.TestrunID.String()),
	)
}

// mayExecute reports whether caller may run sub. Group submissions are open
// to any authenticated user; membership is checked by the application that
// created the submission.
func mayExecute(caller domain.Owner, sub *domain.Submission) bool {
	return sub.Owner == caller || sub.Owner.Type == domain.OwnerGroup
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
