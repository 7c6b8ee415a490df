package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// AuditStore is an append-only persistent sink for audit events.
// No update or delete methods; immutability is enforced at the
// interface level. Retention pruning lives behind a separate interface.
type AuditStore interface {
	Append(ctx context.Context, event AuditEvent) error
}

// Observer receives each audit event after it is recorded. Observers
// must not block; slow consumers should buffer internally.
type Observer interface {
	Notify(event AuditEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event AuditEvent)

func (f ObserverFunc) Notify(event AuditEvent) { f(event) }

// AuditLogger records execution attempts for security monitoring.
//
// Fire-and-forget: Record never propagates failures into the caller's
// control flow. Disabled entirely unless the audit flag is on. Off by
// default to keep production log volume down; do not "fix" this into
// always-on.
type AuditLogger struct {
	enabled bool
	logger  *slog.Logger

	mu   sync.Mutex
	file *os.File

	store AuditStore // Optional persistent sink.

	obsMu     sync.RWMutex
	observers []Observer
}

// NewAuditLogger creates an audit logger. When path is non-empty the
// JSONL file sink is opened in append-only mode (0600). A nil store is
// legal; events then go to the file and observers only.
func NewAuditLogger(enabled bool, path string, store AuditStore, logger *slog.Logger) (*AuditLogger, error) {
	a := &AuditLogger{
		enabled: enabled,
		logger:  logger,
		store:   store,
	}
	if enabled && path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log %s: %w", path, err)
		}
		a.file = f
	}
	return a, nil
}

// Subscribe registers an observer notified on every recorded event.
// The logger never depends on its observers; a panicking observer is
// recovered and logged.
func (a *AuditLogger) Subscribe(o Observer) {
	a.obsMu.Lock()
	a.observers = append(a.observers, o)
	a.obsMu.Unlock()
}

// Enabled reports whether recording is active.
func (a *AuditLogger) Enabled() bool {
	return a != nil && a.enabled
}

// Record writes the event to every configured sink and notifies
// observers. Failures are logged and swallowed; an audit problem must
// never break an invocation.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if !a.Enabled() {
		return
	}

	if a.file != nil {
		if data, err := json.Marshal(event); err == nil {
			data = append(data, '\n')
			a.mu.Lock()
			_, writeErr := a.file.Write(data)
			a.mu.Unlock()
			if writeErr != nil {
				a.logger.Warn("audit file write failed", slog.String("error", writeErr.Error()))
			}
		}
	}

	if a.store != nil {
		if err := a.store.Append(ctx, event); err != nil {
			a.logger.Warn("audit store append failed",
				slog.String("snippet", event.Snippet),
				slog.String("error", err.Error()),
			)
		}
	}

	a.obsMu.RLock()
	observers := a.observers
	a.obsMu.RUnlock()
	for _, o := range observers {
		a.notify(o, event)
	}

	a.logger.DebugContext(ctx, "audit event recorded",
		slog.String("snippet", event.Snippet),
		slog.String("status", event.Status),
		slog.String("actor_id", event.ActorID),
		slog.String("correlation_id", event.CorrelationID),
	)
}

func (a *AuditLogger) notify(o Observer, event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("audit observer panicked", slog.Any("panic", r))
		}
	}()
	o.Notify(event)
}

// Close closes the file sink, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
