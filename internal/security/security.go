// Package security implements the capability gate and audit logging for
// snippet execution. Enforcement is default-deny: unknown actions and
// unauthenticated actors are always refused.
package security

import (
	"errors"
	"time"
)

// Sentinel errors for security enforcement.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Action identifies an operation an actor wants to perform on a snippet.
type Action string

const (
	ActionExecute Action = "execute"
	ActionEdit    Action = "edit"
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
	ActionImport  Action = "import"
	ActionExport  Action = "export"
)

// knownActions is the closed set the gate dispatches on. Anything else
// is denied without consulting roles.
var knownActions = map[Action]bool{
	ActionExecute: true,
	ActionEdit:    true,
	ActionCreate:  true,
	ActionDelete:  true,
	ActionImport:  true,
	ActionExport:  true,
}

// Actor is a snapshot of the caller's identity and roles, supplied by
// the host platform. The gate never mutates or re-resolves it.
type Actor struct {
	ID            string
	Authenticated bool
	Roles         map[string]bool
}

// HasRole reports whether the actor holds the named role.
func (a Actor) HasRole(role string) bool {
	return a.Roles[role]
}

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id"`
	ActorID       string            `json:"actor_id"`
	Snippet       string            `json:"snippet"`
	Status        string            `json:"status"` // "completed", "blocked", "failed"
	Message       string            `json:"message,omitempty"`
	Surface       string            `json:"surface,omitempty"`
	DurationMS    int64             `json:"duration_ms,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}
