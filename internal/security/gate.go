package security

import (
	"fmt"
)

// DefaultManageRole is the administrative role required for every
// snippet operation. Hosts that name their capability differently
// override it through GateConfig.
const DefaultManageRole = "manage-snippets"

// GateConfig configures the capability gate.
type GateConfig struct {
	// ManageRole is the role an actor must hold for any action.
	// Empty = DefaultManageRole.
	ManageRole string

	// ExecuteRoles optionally widens execution to additional roles
	// (e.g. an author role allowed to run but not edit snippets).
	ExecuteRoles []string
}

// Gate decides whether an actor may perform an action on a snippet.
// Pure with respect to the supplied actor snapshot: no side effects,
// no logging. The executor logs once per invocation, never per check.
type Gate struct {
	manageRole   string
	executeRoles []string
}

// NewGate creates a capability gate.
func NewGate(cfg GateConfig) *Gate {
	role := cfg.ManageRole
	if role == "" {
		role = DefaultManageRole
	}
	return &Gate{
		manageRole:   role,
		executeRoles: cfg.ExecuteRoles,
	}
}

// CanManage reports whether the actor holds the manage role. Used to
// decide how much error detail an actor may see.
func (g *Gate) CanManage(actor Actor) bool {
	return actor.Authenticated && actor.HasRole(g.manageRole)
}

// Authorize returns nil if the actor may perform the action on the
// named snippet. Baseline: the actor must be authenticated and hold
// the manage role; either missing denies immediately. Per-action
// refinement is a fixed dispatch table; unknown actions fail closed.
func (g *Gate) Authorize(actor Actor, action Action, name string) error {
	if !knownActions[action] {
		return fmt.Errorf("%w: unknown action %q", ErrAccessDenied, string(action))
	}
	if !actor.Authenticated {
		return fmt.Errorf("%w: actor is not authenticated", ErrAccessDenied)
	}

	switch action {
	case ActionExecute:
		// Execution is the one action open to the widened role set.
		if actor.HasRole(g.manageRole) {
			return nil
		}
		for _, r := range g.executeRoles {
			if actor.HasRole(r) {
				return nil
			}
		}
		return fmt.Errorf("%w: actor %q may not execute snippet %q", ErrAccessDenied, actor.ID, name)
	case ActionEdit, ActionCreate, ActionDelete, ActionImport, ActionExport:
		if !actor.HasRole(g.manageRole) {
			return fmt.Errorf("%w: actor %q lacks role %q for %s", ErrAccessDenied, actor.ID, g.manageRole, action)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", ErrAccessDenied, string(action))
	}
}
