// Package registry defines the persistence contract for snippets and
// the global surface flags. Implementations live in internal/storage;
// the in-memory store here backs tests and one-shot CLI runs.
package registry

import (
	"context"
	"errors"

	"github.com/jkaninda/kipande/internal/snippet"
)

var (
	ErrNotFound = errors.New("snippet not found")
	ErrExists   = errors.New("snippet already exists")
)

// SurfaceFlags are the global per-surface execution toggles. The
// normal and admin-test surfaces are always executable; the optional
// surfaces are opt-in and default to off.
type SurfaceFlags struct {
	Widget  bool `json:"widget" yaml:"widget"`
	Excerpt bool `json:"excerpt" yaml:"excerpt"`
	Comment bool `json:"comment" yaml:"comment"`
	Feed    bool `json:"feed" yaml:"feed"`
}

// Allows reports whether snippets may execute on the given surface.
// Unknown surfaces are refused.
func (f SurfaceFlags) Allows(s snippet.Surface) bool {
	switch s {
	case snippet.SurfaceNormal, snippet.SurfaceAdminTest:
		return true
	case snippet.SurfaceWidget:
		return f.Widget
	case snippet.SurfaceExcerpt:
		return f.Excerpt
	case snippet.SurfaceComment:
		return f.Comment
	case snippet.SurfaceFeed:
		return f.Feed
	default:
		return false
	}
}

// Store persists snippets. Get returns ErrNotFound for unknown names;
// Create returns ErrExists for duplicates.
type Store interface {
	Get(ctx context.Context, name string) (*snippet.Snippet, error)
	List(ctx context.Context) ([]snippet.Snippet, error)
	Create(ctx context.Context, sn *snippet.Snippet) error
	Update(ctx context.Context, sn *snippet.Snippet) error
	Delete(ctx context.Context, name string) error
	SetEnabled(ctx context.Context, name string, enabled bool) error

	// SaveLastParameters records the attribute set of the most recent
	// invocation. Best effort: callers ignore its error.
	SaveLastParameters(ctx context.Context, name string, params map[string]string) error

	SurfaceFlags(ctx context.Context) (SurfaceFlags, error)
	SetSurfaceFlags(ctx context.Context, flags SurfaceFlags) error
}
