// Package executor runs snippet invocations through the full pipeline:
// validation, authorization, surface checking, sanitization, sandboxed
// evaluation, and audit. Invoke never panics and never returns an
// error; every outcome is a Result with a terminal status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kipande/internal/interp"
	"github.com/jkaninda/kipande/internal/observability"
	"github.com/jkaninda/kipande/internal/registry"
	"github.com/jkaninda/kipande/internal/sanitizer"
	"github.com/jkaninda/kipande/internal/security"
	"github.com/jkaninda/kipande/internal/snippet"
)

// Block and failure kinds reported in Result.Kind.
const (
	KindInvalidName       = "invalid_name"
	KindNotFound          = "not_found"
	KindDisabled          = "disabled"
	KindEmptyCode         = "empty_code"
	KindAccessDenied      = "access_denied"
	KindContextRestricted = "context_restricted"
	KindStoreError        = "store_error"
)

// Limits bounds one invocation. Zero fields fall back to the engine's
// ambient limits.
type Limits struct {
	Timeout  time.Duration
	MemoryMB int
}

// Options wires an Engine.
type Options struct {
	Store     registry.Store
	Sanitizer *sanitizer.Sanitizer
	Gate      *security.Gate
	Audit     *security.AuditLogger
	Evaluator interp.Evaluator
	Metrics   *observability.MetricsCollector
	Anomaly   *observability.AnomalyDetector
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// Ambient execution limits. Zero values select 5s and 64 MB.
	Timeout  time.Duration
	MemoryMB int

	// MaxOutputBytes caps captured snippet output. 0 = 1 MB.
	MaxOutputBytes int

	// DefaultBuffered selects output buffering for snippets that do
	// not set their own flag.
	DefaultBuffered bool
}

// Engine executes snippet invocations. Safe for concurrent use.
type Engine struct {
	store     registry.Store
	sanitizer *sanitizer.Sanitizer
	gate      *security.Gate
	audit     *security.AuditLogger
	eval      interp.Evaluator
	metrics   *observability.MetricsCollector
	anomaly   *observability.AnomalyDetector
	tracer    trace.Tracer
	logger    *slog.Logger

	ambient   Limits
	maxOutput int
	buffered  bool

	mu      sync.Mutex
	current Limits
}

// New creates an Engine from options.
func New(opts Options) *Engine {
	ambient := Limits{Timeout: opts.Timeout, MemoryMB: opts.MemoryMB}
	if ambient.Timeout <= 0 {
		ambient.Timeout = 5 * time.Second
	}
	if ambient.MemoryMB <= 0 {
		ambient.MemoryMB = 64
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     opts.Store,
		sanitizer: opts.Sanitizer,
		gate:      opts.Gate,
		audit:     opts.Audit,
		eval:      opts.Evaluator,
		metrics:   opts.Metrics,
		anomaly:   opts.Anomaly,
		tracer:    opts.Tracer,
		logger:    logger,
		ambient:   ambient,
		maxOutput: maxOutput,
		buffered:  opts.DefaultBuffered,
		current:   ambient,
	}
}

// Limits returns the limits currently in force. Outside an invocation
// this is always the ambient pair; a scoped override is visible only
// while its invocation runs.
func (e *Engine) Limits() Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Invoke runs one invocation under the ambient limits.
func (e *Engine) Invoke(ctx context.Context, inv snippet.Invocation, actor security.Actor) snippet.Result {
	return e.InvokeWithLimits(ctx, inv, actor, Limits{})
}

// InvokeWithLimits runs one invocation with a scoped limit override.
// Overrides only ever tighten: the effective memory ceiling is the
// minimum of the ambient and requested values, and the ambient limits
// are restored on every exit path.
func (e *Engine) InvokeWithLimits(ctx context.Context, inv snippet.Invocation, actor security.Actor, override Limits) snippet.Result {
	start := time.Now()
	correlationID := uuid.NewString()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "snippet.invoke",
			trace.WithAttributes(
				attribute.String("snippet.tag", inv.Tag),
				attribute.String("snippet.surface", string(inv.Surface)),
			))
		defer span.End()
	}

	limits := e.acquireLimits(override)
	defer e.releaseLimits()

	res := e.run(ctx, inv, actor, limits)
	res.Duration = time.Since(start)

	e.finalize(ctx, inv, actor, correlationID, &res)
	return res
}

// Render is the string-in, string-out entry point used by template
// surfaces. It never fails: unknown surfaces fail closed to the
// literal tag, and every other outcome is already a display string.
func (e *Engine) Render(ctx context.Context, tag string, attributes map[string]string, content, surface string, actor security.Actor) string {
	parsed, ok := snippet.ParseSurface(surface)
	inv := snippet.Invocation{Tag: tag, Attributes: attributes, Content: content, Surface: parsed}
	if !ok {
		inv.Surface = snippet.Surface(surface)
		return inv.LiteralTag()
	}
	return e.Invoke(ctx, inv, actor).Output
}

// acquireLimits installs the scoped limits for this invocation.
func (e *Engine) acquireLimits(override Limits) Limits {
	scoped := e.ambient
	if override.Timeout > 0 && override.Timeout < scoped.Timeout {
		scoped.Timeout = override.Timeout
	}
	scoped.MemoryMB = interp.EffectiveMemoryMB(e.ambient.MemoryMB, override.MemoryMB)

	e.mu.Lock()
	e.current = scoped
	e.mu.Unlock()
	return scoped
}

// releaseLimits restores the ambient limits.
func (e *Engine) releaseLimits() {
	e.mu.Lock()
	e.current = e.ambient
	e.mu.Unlock()
}

// run walks the invocation through the pipeline up to a terminal
// status. Output for blocked and failed outcomes is filled in by
// finalize, which knows the actor's privilege.
func (e *Engine) run(ctx context.Context, inv snippet.Invocation, actor security.Actor, limits Limits) snippet.Result {
	if err := snippet.ValidateName(inv.Tag); err != nil {
		return snippet.Result{Status: snippet.StatusBlocked, Kind: KindInvalidName, Detail: err.Error()}
	}

	sn, err := e.store.Get(ctx, inv.Tag)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return snippet.Result{Status: snippet.StatusBlocked, Kind: KindNotFound, Detail: "no snippet registered under this name"}
	case err != nil:
		return snippet.Result{Status: snippet.StatusFailed, Kind: KindStoreError, Detail: err.Error()}
	}
	if !sn.Enabled {
		return snippet.Result{Status: snippet.StatusBlocked, Kind: KindDisabled, Detail: "snippet is disabled"}
	}
	if strings.TrimSpace(sn.Code) == "" {
		return snippet.Result{Status: snippet.StatusBlocked, Kind: KindEmptyCode, Detail: "snippet has no code"}
	}

	if err := e.gate.Authorize(actor, security.ActionExecute, inv.Tag); err != nil {
		e.metrics.ObserveDenial(string(security.ActionExecute))
		return snippet.Result{Status: snippet.StatusBlocked, Kind: KindAccessDenied, Detail: err.Error()}
	}

	flags, err := e.store.SurfaceFlags(ctx)
	if err != nil {
		return snippet.Result{Status: snippet.StatusFailed, Kind: KindStoreError, Detail: err.Error()}
	}
	if !flags.Allows(inv.Surface) {
		return snippet.Result{Status: snippet.StatusBlocked, Kind: KindContextRestricted, Detail: fmt.Sprintf("surface %q is restricted", inv.Surface)}
	}

	// Stored code is vetted again on every invocation; the deny list
	// may have widened since the snippet was saved.
	code, err := e.sanitizer.Sanitize(sn.Code)
	if err != nil {
		var rej *sanitizer.Rejection
		if errors.As(err, &rej) {
			e.metrics.ObserveRejection(string(rej.Kind))
			return snippet.Result{Status: snippet.StatusBlocked, Kind: string(rej.Kind), Detail: rej.Error()}
		}
		return snippet.Result{Status: snippet.StatusBlocked, Kind: string(sanitizer.KindDangerousPattern), Detail: err.Error()}
	}

	evalCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	outcome, err := e.eval.Evaluate(evalCtx, interp.Request{
		Code: code,
		Bindings: interp.Bindings{
			Tag:        inv.Tag,
			Attributes: inv.Attributes,
			Content:    inv.Content,
		},
		MemoryMB:       limits.MemoryMB,
		MaxOutputBytes: e.maxOutput,
	})
	if err != nil {
		var trap *interp.Trap
		if errors.As(err, &trap) {
			return snippet.Result{Status: snippet.StatusFailed, Kind: string(trap.Kind), Detail: sanitizer.ScrubPaths(trap.Message)}
		}
		return snippet.Result{Status: snippet.StatusFailed, Kind: string(interp.TrapRuntime), Detail: sanitizer.ScrubPaths(err.Error())}
	}

	output := outcome.Value
	if sn.Buffer || e.buffered {
		output = outcome.Stdout + outcome.Value
	}
	output = stripResidualMarkers(output)

	// Best effort; a bookkeeping failure never affects the result.
	if saveErr := e.store.SaveLastParameters(ctx, inv.Tag, inv.Attributes); saveErr != nil {
		e.logger.Warn("saving last parameters failed",
			slog.String("snippet", inv.Tag),
			slog.String("error", saveErr.Error()),
		)
	}

	return snippet.Result{Status: snippet.StatusCompleted, Output: output}
}

// finalize fills in role-sensitive output for non-completed results,
// records metrics, and writes exactly one audit record.
func (e *Engine) finalize(ctx context.Context, inv snippet.Invocation, actor security.Actor, correlationID string, res *snippet.Result) {
	switch res.Status {
	case snippet.StatusCompleted:
		// Output already assembled.
	case snippet.StatusBlocked:
		switch res.Kind {
		case KindContextRestricted, KindNotFound:
			// The tag passes through unrendered so readers see what
			// the author wrote.
			res.Output = inv.LiteralTag()
		default:
			res.Output = e.errorText(inv, actor, res)
		}
	case snippet.StatusFailed:
		res.Output = e.errorText(inv, actor, res)
	}

	e.metrics.ObserveInvocation(string(res.Status), string(inv.Surface), res.Duration.Seconds())
	if e.anomaly != nil {
		if res.Status == snippet.StatusBlocked {
			e.anomaly.RecordBlocked(string(inv.Surface))
		} else {
			e.anomaly.RecordAllowed(string(inv.Surface))
		}
	}

	if e.audit.Enabled() {
		e.audit.Record(ctx, security.AuditEvent{
			Timestamp:     time.Now(),
			CorrelationID: correlationID,
			ActorID:       actor.ID,
			Snippet:       inv.Tag,
			Status:        string(res.Status),
			Message:       res.Kind,
			Surface:       string(inv.Surface),
			DurationMS:    res.Duration.Milliseconds(),
			Attributes:    inv.Attributes,
		})
		e.metrics.ObserveAuditEvent()
	}

	e.logger.DebugContext(ctx, "invocation finished",
		slog.String("snippet", inv.Tag),
		slog.String("status", string(res.Status)),
		slog.String("kind", res.Kind),
		slog.String("correlation_id", correlationID),
	)
}

// errorText renders a failure for inline display. Actors holding the
// manage role see the classification and detail; everyone else sees a
// neutral placeholder that names the snippet but nothing about why it
// failed.
func (e *Engine) errorText(inv snippet.Invocation, actor security.Actor, res *snippet.Result) string {
	if e.gate.CanManage(actor) {
		return fmt.Sprintf("[%s] %s: %s", inv.Tag, res.Kind, res.Detail)
	}
	return fmt.Sprintf("[snippet %q could not be rendered]", inv.Tag)
}

var residualMarkerRe = regexp.MustCompile(`(?s)<\?(php|lua)?.*?(\?>|$)`)

// stripResidualMarkers removes processing-instruction fragments a
// snippet may have emitted into its own output.
func stripResidualMarkers(s string) string {
	if !strings.Contains(s, "<?") {
		return s
	}
	return residualMarkerRe.ReplaceAllString(s, "")
}
