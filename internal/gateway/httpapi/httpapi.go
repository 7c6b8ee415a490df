// Package httpapi implements the HTTP API gateway for Kipande.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-actor rate limiting via token bucket
//   - Snippet code revetted by the sanitizer before any write
//   - All requests carry correlation IDs into the audit trail
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kipande/internal/config"
	"github.com/jkaninda/kipande/internal/executor"
	"github.com/jkaninda/kipande/internal/observability"
	"github.com/jkaninda/kipande/internal/ratelimit"
	"github.com/jkaninda/kipande/internal/registry"
	"github.com/jkaninda/kipande/internal/sanitizer"
	"github.com/jkaninda/kipande/internal/security"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// AuditReader reads back persisted audit events. Satisfied by
// storage.AuditRepository. nil disables the audit endpoint.
type AuditReader interface {
	Query(ctx context.Context, snippetName string, limit int) ([]security.AuditEvent, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []config.APIKeyConfig
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for the metrics endpoint.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	engine    *executor.Engine
	store     registry.Store
	sanitizer *sanitizer.Sanitizer
	gate      *security.Gate
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	auditReader AuditReader // nil = audit endpoint disabled.

	// API keys resolved to actors at construction.
	actors map[string]security.Actor

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket audit stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, engine *executor.Engine, store registry.Store, san *sanitizer.Sanitizer, gate *security.Gate, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = 1 << 20
	}

	actors := make(map[string]security.Actor, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		roles := make(map[string]bool, len(k.Roles))
		for _, r := range k.Roles {
			roles[r] = true
		}
		actors[k.Actor] = security.Actor{
			ID:            k.Actor,
			Authenticated: true,
			Roles:         roles,
		}
	}

	return &Gateway{
		config:    cfg,
		engine:    engine,
		store:     store,
		sanitizer: san,
		gate:      gate,
		limiter:   rl,
		logger:    logger,
		actors:    actors,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithAuditReader attaches the persisted audit trail to the gateway.
func (g *Gateway) WithAuditReader(r AuditReader) *Gateway {
	g.auditReader = r
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket audit stream endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kipande",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Render endpoint.
	g.group.Post("/render", g.handleRender,
		okapi.DocSummary("Render a snippet invocation"),
		okapi.DocTags("Render"),
		okapi.DocRequestBody(RenderRequest{}),
		okapi.DocResponse(RenderResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Snippet management.
	g.group.Get("/snippets", g.handleSnippetList,
		okapi.DocSummary("List all snippets"),
		okapi.DocTags("Snippets"),
		okapi.DocResponse([]SnippetResponse{}),
	)
	g.group.Post("/snippets", g.handleSnippetCreate,
		okapi.DocSummary("Create a snippet"),
		okapi.DocTags("Snippets"),
		okapi.DocRequestBody(SnippetRequest{}),
		okapi.DocResponse(http.StatusCreated, SnippetResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/snippets/{name}", g.handleSnippetGet,
		okapi.DocSummary("Get a snippet by name"),
		okapi.DocTags("Snippets"),
		okapi.DocPathParam("name", "string", "Snippet name"),
		okapi.DocResponse(SnippetResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/snippets/{name}", g.handleSnippetUpdate,
		okapi.DocSummary("Update a snippet"),
		okapi.DocTags("Snippets"),
		okapi.DocPathParam("name", "string", "Snippet name"),
		okapi.DocRequestBody(SnippetRequest{}),
		okapi.DocResponse(SnippetResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/snippets/{name}", g.handleSnippetDelete,
		okapi.DocSummary("Delete a snippet"),
		okapi.DocTags("Snippets"),
		okapi.DocPathParam("name", "string", "Snippet name"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/snippets/{name}/enable", g.handleSnippetEnable,
		okapi.DocSummary("Enable a snippet"),
		okapi.DocTags("Snippets"),
		okapi.DocPathParam("name", "string", "Snippet name"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/snippets/{name}/disable", g.handleSnippetDisable,
		okapi.DocSummary("Disable a snippet"),
		okapi.DocTags("Snippets"),
		okapi.DocPathParam("name", "string", "Snippet name"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/snippets/{name}/test", g.handleSnippetTest,
		okapi.DocSummary("Execute a snippet on the admin-test surface"),
		okapi.DocTags("Snippets"),
		okapi.DocPathParam("name", "string", "Snippet name"),
		okapi.DocRequestBody(TestRequest{}),
		okapi.DocResponse(RenderResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Bulk transfer.
	g.group.Get("/export", g.handleExport,
		okapi.DocSummary("Export all snippets as JSON"),
		okapi.DocTags("Transfer"),
		okapi.DocResponse(ExportDocument{}),
	)
	g.group.Post("/import", g.handleImport,
		okapi.DocSummary("Import snippets from a JSON export"),
		okapi.DocTags("Transfer"),
		okapi.DocRequestBody(ExportDocument{}),
		okapi.DocResponse(ImportResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Surface toggles.
	g.group.Get("/surfaces", g.handleSurfacesGet,
		okapi.DocSummary("Get the per-surface execution toggles"),
		okapi.DocTags("Surfaces"),
		okapi.DocResponse(registry.SurfaceFlags{}),
	)
	g.group.Put("/surfaces", g.handleSurfacesSet,
		okapi.DocSummary("Set the per-surface execution toggles"),
		okapi.DocTags("Surfaces"),
		okapi.DocRequestBody(registry.SurfaceFlags{}),
		okapi.DocResponse(registry.SurfaceFlags{}),
	)

	// Audit trail (only when a persistent audit store is configured).
	if g.auditReader != nil {
		g.group.Get("/audit", g.handleAuditQuery,
			okapi.DocSummary("Query persisted audit events, newest first"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]security.AuditEvent{}),
		)
	}

	// Extra handlers (e.g., the WebSocket audit stream).
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
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
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

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
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

// --- Authentication ---

// authenticate validates the API key, resolves the actor, and applies
// the per-actor rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		actorID := ""
		for _, k := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(k.Key)) == 1 {
				actorID = k.Actor
			}
		}
		if actorID == "" {
			return c.AbortUnauthorized("invalid API key")
		}

		if g.limiter != nil && !g.limiter.Allow(actorID) {
			return c.AbortTooManyRequests("rate limit exceeded")
		}

		c.Set("actorID", actorID)
		return next(c)
	}
}

// actor resolves the authenticated actor stored by the middleware.
func (g *Gateway) actor(c *okapi.Context) security.Actor {
	return g.actors[c.GetString("actorID")]
}
