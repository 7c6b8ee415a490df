package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kipande/internal/executor"
	"github.com/jkaninda/kipande/internal/registry"
	"github.com/jkaninda/kipande/internal/security"
	"github.com/jkaninda/kipande/internal/snippet"
)

// RenderRequest is the JSON body for POST /v1/render.
type RenderRequest struct {
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Content    string            `json:"content,omitempty"`
	Surface    string            `json:"surface,omitempty"` // Empty = "normal".
}

// RenderResponse is the JSON response for render and test endpoints.
type RenderResponse struct {
	Output     string `json:"output"`
	Status     string `json:"status"`
	Kind       string `json:"kind,omitempty"`
	Detail     string `json:"detail,omitempty"` // Only for actors with the manage role.
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) handleRender(c *okapi.Context) error {
	actor := g.actor(c)

	var req RenderRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Tag == "" {
		return c.AbortBadRequest("tag is required")
	}
	if req.Surface == "" {
		req.Surface = string(snippet.SurfaceNormal)
	}
	surface, ok := snippet.ParseSurface(req.Surface)
	if !ok {
		return c.AbortBadRequest("unknown surface")
	}

	res := g.engine.Invoke(c.Context(), snippet.Invocation{
		Tag:        req.Tag,
		Attributes: req.Attributes,
		Content:    req.Content,
		Surface:    surface,
	}, actor)

	return c.OK(g.renderResponse(actor, res))
}

func (g *Gateway) renderResponse(actor security.Actor, res snippet.Result) RenderResponse {
	out := RenderResponse{
		Output:     res.Output,
		Status:     string(res.Status),
		Kind:       res.Kind,
		DurationMS: res.Duration.Milliseconds(),
	}
	if g.gate.CanManage(actor) {
		out.Detail = res.Detail
	}
	return out
}

// SnippetRequest is the JSON body for snippet create and update.
type SnippetRequest struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	Buffer      bool   `json:"buffer,omitempty"`
}

// SnippetResponse is the JSON representation of a stored snippet.
type SnippetResponse struct {
	Name           string            `json:"name"`
	Code           string            `json:"code"`
	Enabled        bool              `json:"enabled"`
	Description    string            `json:"description,omitempty"`
	Buffer         bool              `json:"buffer,omitempty"`
	LastParameters map[string]string `json:"last_parameters,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func toSnippetResponse(sn *snippet.Snippet) SnippetResponse {
	return SnippetResponse{
		Name:           sn.Name,
		Code:           sn.Code,
		Enabled:        sn.Enabled,
		Description:    sn.Description,
		Buffer:         sn.Buffer,
		LastParameters: sn.LastParameters,
		CreatedAt:      sn.CreatedAt,
		UpdatedAt:      sn.UpdatedAt,
	}
}

func (g *Gateway) handleSnippetList(c *okapi.Context) error {
	list, err := g.store.List(c.Context())
	if err != nil {
		g.logger.Error("snippet list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing snippets failed")
	}

	resp := make([]SnippetResponse, len(list))
	for i := range list {
		resp[i] = toSnippetResponse(&list[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleSnippetGet(c *okapi.Context) error {
	sn, err := g.store.Get(c.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "snippet not found"})
		}
		return c.AbortInternalServerError("loading snippet failed")
	}
	return c.OK(toSnippetResponse(sn))
}

func (g *Gateway) handleSnippetCreate(c *okapi.Context) error {
	actor := g.actor(c)

	var req SnippetRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	if err := g.gate.Authorize(actor, security.ActionCreate, req.Name); err != nil {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}
	if err := snippet.ValidateName(req.Name); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	clean, err := g.sanitizer.Sanitize(req.Code)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	sn := &snippet.Snippet{
		Name:        req.Name,
		Code:        clean,
		Enabled:     req.Enabled,
		Description: snippet.SanitizeDescription(req.Description),
		Buffer:      req.Buffer,
	}
	if err := g.store.Create(c.Context(), sn); err != nil {
		if errors.Is(err, registry.ErrExists) {
			return c.JSON(http.StatusConflict, okapi.M{"error": "snippet already exists"})
		}
		g.logger.Error("snippet create failed",
			slog.String("snippet", req.Name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("creating snippet failed")
	}

	g.logger.Info("snippet created",
		slog.String("snippet", sn.Name),
		slog.String("actor", actor.ID),
	)
	return c.JSON(http.StatusCreated, toSnippetResponse(sn))
}

func (g *Gateway) handleSnippetUpdate(c *okapi.Context) error {
	actor := g.actor(c)
	name := c.Param("name")

	var req SnippetRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	if err := g.gate.Authorize(actor, security.ActionEdit, name); err != nil {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}

	clean, err := g.sanitizer.Sanitize(req.Code)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	sn := &snippet.Snippet{
		Name:        name,
		Code:        clean,
		Enabled:     req.Enabled,
		Description: snippet.SanitizeDescription(req.Description),
		Buffer:      req.Buffer,
	}
	if err := g.store.Update(c.Context(), sn); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "snippet not found"})
		}
		return c.AbortInternalServerError("updating snippet failed")
	}

	g.logger.Info("snippet updated",
		slog.String("snippet", name),
		slog.String("actor", actor.ID),
	)

	stored, err := g.store.Get(c.Context(), name)
	if err != nil {
		return c.OK(toSnippetResponse(sn))
	}
	return c.OK(toSnippetResponse(stored))
}

func (g *Gateway) handleSnippetDelete(c *okapi.Context) error {
	actor := g.actor(c)
	name := c.Param("name")

	if err := g.gate.Authorize(actor, security.ActionDelete, name); err != nil {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}

	if err := g.store.Delete(c.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "snippet not found"})
		}
		return c.AbortInternalServerError("deleting snippet failed")
	}

	g.logger.Info("snippet deleted",
		slog.String("snippet", name),
		slog.String("actor", actor.ID),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleSnippetEnable(c *okapi.Context) error {
	return g.setEnabled(c, true)
}

func (g *Gateway) handleSnippetDisable(c *okapi.Context) error {
	return g.setEnabled(c, false)
}

func (g *Gateway) setEnabled(c *okapi.Context, enabled bool) error {
	actor := g.actor(c)
	name := c.Param("name")

	if err := g.gate.Authorize(actor, security.ActionEdit, name); err != nil {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}

	if err := g.store.SetEnabled(c.Context(), name, enabled); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "snippet not found"})
		}
		return c.AbortInternalServerError("updating snippet failed")
	}

	status := "disabled"
	if enabled {
		status = "enabled"
	}
	return c.OK(map[string]string{"status": status})
}

// TestRequest is the JSON body for POST /v1/snippets/{name}/test.
type TestRequest struct {
	Attributes     map[string]string `json:"attributes,omitempty"`
	Content        string            `json:"content,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // Tightens the ambient timeout.
	MemoryMB       int               `json:"memory_mb,omitempty"`       // Tightens the ambient memory ceiling.
}

func (g *Gateway) handleSnippetTest(c *okapi.Context) error {
	actor := g.actor(c)
	name := c.Param("name")

	var req TestRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	res := g.engine.InvokeWithLimits(c.Context(), snippet.Invocation{
		Tag:        name,
		Attributes: req.Attributes,
		Content:    req.Content,
		Surface:    snippet.SurfaceAdminTest,
	}, actor, executorLimits(req))

	return c.OK(g.renderResponse(actor, res))
}

// executorLimits translates the optional per-test bounds. The engine
// only ever tightens, never widens, the ambient limits.
func executorLimits(req TestRequest) executor.Limits {
	var l executor.Limits
	if req.TimeoutSeconds > 0 {
		l.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if req.MemoryMB > 0 {
		l.MemoryMB = req.MemoryMB
	}
	return l
}

// ExportDocument is the transfer format for export and import.
type ExportDocument struct {
	Version    string            `json:"version"`
	ExportedAt time.Time         `json:"exported_at,omitempty"`
	Snippets   []ExportedSnippet `json:"snippets"`
}

// ExportedSnippet is one snippet in an export document. Runtime state
// (last parameters, timestamps) is deliberately not carried.
type ExportedSnippet struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
	Buffer      bool   `json:"buffer,omitempty"`
}

func (g *Gateway) handleExport(c *okapi.Context) error {
	actor := g.actor(c)
	if err := g.gate.Authorize(actor, security.ActionExport, ""); err != nil {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}

	list, err := g.store.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing snippets failed")
	}

	doc := ExportDocument{
		Version:    "1",
		ExportedAt: time.Now().UTC(),
		Snippets:   make([]ExportedSnippet, len(list)),
	}
	for i, sn := range list {
		doc.Snippets[i] = ExportedSnippet{
			Name:        sn.Name,
			Code:        sn.Code,
			Enabled:     sn.Enabled,
			Description: sn.Description,
			Buffer:      sn.Buffer,
		}
	}
	return c.OK(doc)
}

// ImportResponse summarizes an import run.
type ImportResponse struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// handleImport creates every snippet in the document. Every entry is
// revetted by the sanitizer; entries that already exist are skipped.
func (g *Gateway) handleImport(c *okapi.Context) error {
	actor := g.actor(c)
	if err := g.gate.Authorize(actor, security.ActionImport, ""); err != nil {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}

	var doc ExportDocument
	if err := c.Bind(&doc); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	var resp ImportResponse
	for _, in := range doc.Snippets {
		if err := snippet.ValidateName(in.Name); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", in.Name, err))
			continue
		}
		clean, err := g.sanitizer.Sanitize(in.Code)
		if err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", in.Name, err))
			continue
		}

		sn := &snippet.Snippet{
			Name:        in.Name,
			Code:        clean,
			Enabled:     in.Enabled,
			Description: snippet.SanitizeDescription(in.Description),
			Buffer:      in.Buffer,
		}
		if err := g.store.Create(c.Context(), sn); err != nil {
			if errors.Is(err, registry.ErrExists) {
				resp.Skipped++
				continue
			}
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", in.Name, err))
			continue
		}
		resp.Imported++
	}

	g.logger.Info("snippets imported",
		slog.String("actor", actor.ID),
		slog.Int("imported", resp.Imported),
		slog.Int("skipped", resp.Skipped),
		slog.Int("errors", len(resp.Errors)),
	)
	return c.OK(resp)
}

func (g *Gateway) handleSurfacesGet(c *okapi.Context) error {
	flags, err := g.store.SurfaceFlags(c.Context())
	if err != nil {
		return c.AbortInternalServerError("loading surface flags failed")
	}
	return c.OK(flags)
}

func (g *Gateway) handleSurfacesSet(c *okapi.Context) error {
	actor := g.actor(c)
	if err := g.gate.Authorize(actor, security.ActionEdit, "surfaces"); err != nil {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}

	var flags registry.SurfaceFlags
	if err := c.Bind(&flags); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := g.store.SetSurfaceFlags(c.Context(), flags); err != nil {
		return c.AbortInternalServerError("saving surface flags failed")
	}

	g.logger.Info("surface flags updated",
		slog.String("actor", actor.ID),
		slog.Bool("widget", flags.Widget),
		slog.Bool("excerpt", flags.Excerpt),
		slog.Bool("comment", flags.Comment),
		slog.Bool("feed", flags.Feed),
	)
	return c.OK(flags)
}

// handleAuditQuery reads back persisted audit events. Restricted to
// actors with the manage role.
func (g *Gateway) handleAuditQuery(c *okapi.Context) error {
	actor := g.actor(c)
	if !g.gate.CanManage(actor) {
		return c.JSON(http.StatusForbidden, okapi.M{"error": "access denied"})
	}

	q := c.Request().URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, err := g.auditReader.Query(c.Context(), q.Get("snippet"), limit)
	if err != nil {
		return c.AbortInternalServerError("querying audit events failed")
	}
	return c.OK(events)
}
