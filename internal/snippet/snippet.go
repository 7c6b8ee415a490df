// Package snippet defines the core domain types for server-side
// shortcode snippets: the stored snippet, one invocation of it, and
// the result the caller receives.
package snippet

import (
	"regexp"
	"strings"
	"time"
)

// Surface identifies the rendering context an invocation originates
// from. Some surfaces can be disabled independently of the snippet.
type Surface string

const (
	SurfaceNormal    Surface = "normal"
	SurfaceWidget    Surface = "widget"
	SurfaceExcerpt   Surface = "excerpt"
	SurfaceComment   Surface = "comment"
	SurfaceFeed      Surface = "feed"
	SurfaceAdminTest Surface = "admin-test"
)

var knownSurfaces = map[Surface]bool{
	SurfaceNormal:    true,
	SurfaceWidget:    true,
	SurfaceExcerpt:   true,
	SurfaceComment:   true,
	SurfaceFeed:      true,
	SurfaceAdminTest: true,
}

// ParseSurface normalizes and validates a surface name. Unknown
// surfaces are rejected so that callers fail closed.
func ParseSurface(s string) (Surface, bool) {
	surface := Surface(strings.ToLower(strings.TrimSpace(s)))
	if !knownSurfaces[surface] {
		return "", false
	}
	return surface, true
}

// Snippet is one stored shortcode definition.
type Snippet struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`

	// Buffer selects buffered output ordering: incidental output is
	// emitted before the returned value instead of being discarded.
	Buffer bool `json:"buffer,omitempty"`

	// LastParameters records the attribute set of the most recent
	// successful invocation. Best effort, for operator inspection.
	LastParameters map[string]string `json:"last_parameters,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Invocation is one shortcode call site.
type Invocation struct {
	Tag        string
	Attributes map[string]string
	Content    string
	Surface    Surface
}

// LiteralTag reconstructs the original shortcode text of the
// invocation. Used when a restricted surface suppresses execution and
// the tag must pass through unrendered. Attributes render in sorted
// order so the output is stable.
func (inv Invocation) LiteralTag() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(inv.Tag)
	for _, k := range sortedKeys(inv.Attributes) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(inv.Attributes[k])
		b.WriteByte('"')
	}
	b.WriteByte(']')
	if inv.Content != "" {
		b.WriteString(inv.Content)
		b.WriteString("[/")
		b.WriteString(inv.Tag)
		b.WriteByte(']')
	}
	return b.String()
}

// Status is the terminal state of an invocation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
)

// Result is what an invocation produced.
type Result struct {
	Output   string
	Status   Status
	Kind     string // Failure or block classification, empty on success.
	Detail   string // Privileged detail, never shown to unprivileged callers.
	Duration time.Duration
}

var (
	descTagRe    = regexp.MustCompile(`(?i)<\s*(/?)\s*([a-z0-9]+)((?:\s+[a-z-]+\s*=\s*"[^"]*")*)\s*/?\s*>`)
	descHrefRe   = regexp.MustCompile(`(?i)\shref\s*=\s*"[^"]*"`)
	descAllowTag = map[string]bool{"a": true, "b": true, "br": true, "code": true, "em": true, "i": true, "strong": true}
)

// SanitizeDescription reduces a snippet description to a small HTML
// allow-list. Disallowed tags are dropped entirely; anchors keep only
// their href attribute.
func SanitizeDescription(s string) string {
	return descTagRe.ReplaceAllStringFunc(s, func(tag string) string {
		m := descTagRe.FindStringSubmatch(tag)
		closing, name, attrs := m[1], strings.ToLower(m[2]), m[3]
		if !descAllowTag[name] {
			return ""
		}
		if closing != "" {
			return "</" + name + ">"
		}
		if name == "a" {
			if href := descHrefRe.FindString(attrs); href != "" {
				return "<a" + href + ">"
			}
			return "<a>"
		}
		return "<" + name + ">"
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
