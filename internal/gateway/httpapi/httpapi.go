// Package httpapi implements the REST API next to the session WebSockets.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-owner rate limiting on writes
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeocean/runbridge/internal/domain"
	"github.com/codeocean/runbridge/internal/observability"
	"github.com/codeocean/runbridge/internal/ratelimit"
	"github.com/codeocean/runbridge/internal/runner"
	"github.com/codeocean/runbridge/internal/session"
	"github.com/codeocean/runbridge/internal/transcript"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served at /metrics. nil = no endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
}

// Backend holds the stores and services the handlers read and write.
type Backend struct {
	Submissions  session.SubmissionStore
	Environments session.EnvironmentStore
	Testruns     *transcript.Recorder
	Runners      *runner.Manager
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	backend Backend
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (the session WebSockets).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, backend Backend, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		backend: backend,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithHandler mounts an additional GET handler at pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "runbridge",
			Version: "v1",
		},
	)
}

func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/submissions", g.handleSubmissionCreate,
		okapi.DocSummary("Store a code snapshot for later execution"),
		okapi.DocTags("Submissions"),
		okapi.DocRequestBody(SubmissionRequest{}),
		okapi.DocResponse(http.StatusCreated, SubmissionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/submissions/{id}", g.handleSubmissionGet,
		okapi.DocSummary("Get a submission"),
		okapi.DocTags("Submissions"),
		okapi.DocPathParam("id", "string", "Submission ID (UUID)"),
		okapi.DocResponse(SubmissionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/submissions/{id}/testruns", g.handleSubmissionTestruns,
		okapi.DocSummary("List the testruns of a submission"),
		okapi.DocTags("Testruns"),
		okapi.DocPathParam("id", "string", "Submission ID (UUID)"),
		okapi.DocResponse([]TestrunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/testruns/{id}", g.handleTestrunGet,
		okapi.DocSummary("Get a testrun summary"),
		okapi.DocTags("Testruns"),
		okapi.DocPathParam("id", "string", "Testrun ID (UUID)"),
		okapi.DocResponse(TestrunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/testruns/{id}/messages", g.handleTestrunMessages,
		okapi.DocSummary("List the stored messages of a testrun"),
		okapi.DocTags("Testruns"),
		okapi.DocPathParam("id", "string", "Testrun ID (UUID)"),
		okapi.DocResponse(TranscriptResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/environments", g.handleEnvironmentList,
		okapi.DocSummary("List execution environments"),
		okapi.DocTags("Environments"),
		okapi.DocResponse([]domain.ExecutionEnvironment{}),
	)
	g.group.Post("/environments/{id}/sync", g.handleEnvironmentSync,
		okapi.DocSummary("Push an execution environment to the runner management"),
		okapi.DocTags("Environments"),
		okapi.DocPathParam("id", "string", "Execution environment ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// authenticate resolves the API key to a user and stores the id as "userID".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID := lookupKey(g.config.APIKeys, strings.TrimPrefix(authHeader, "Bearer "))
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func lookupKey(keys map[string]string, apiKey string) string {
	userID := ""
	for key, id := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = id
		}
	}
	return userID
}
