// Package sanitizer statically vets snippet code before it is ever
// stored or evaluated. The pipeline is deliberately conservative:
// matching is textual, so a blocked call inside a comment or string
// literal is still rejected.
package sanitizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yuin/gopher-lua/parse"
)

// RejectionKind classifies why code was refused.
type RejectionKind string

const (
	KindInvalidType      RejectionKind = "invalid_type"
	KindTooLong          RejectionKind = "too_long"
	KindBlockedFunction  RejectionKind = "blocked_function"
	KindDangerousPattern RejectionKind = "dangerous_pattern"
	KindSyntaxError      RejectionKind = "syntax_error"
)

// Rejection is a sanitizer refusal. Name carries the offending call
// for blocked functions; Reason is safe to show any caller, Detail is
// privileged diagnostic text.
type Rejection struct {
	Kind   RejectionKind
	Name   string
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Name != "" {
		return fmt.Sprintf("%s: %s (%s)", r.Kind, r.Reason, r.Name)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

// DefaultMaxCodeBytes bounds snippet code length.
const DefaultMaxCodeBytes = 10000

// DefaultBlockedCalls is the baseline deny list, grouped by the class
// of capability each call would grant. The set is extended or narrowed
// per deployment through Config.
var DefaultBlockedCalls = []string{
	// Process control and command execution.
	"exec", "system", "passthru", "shell_exec", "proc_open", "popen",
	"pcntl_exec", "os.execute", "io.popen", "posix_mkfifo",

	// Filesystem access.
	"fopen", "file_get_contents", "file_put_contents", "readfile",
	"unlink", "rmdir", "chmod", "chown", "symlink", "tmpfile",
	"io.open", "io.lines", "os.remove", "os.rename",

	// Network access.
	"fsockopen", "pfsockopen", "socket_create", "socket_connect",
	"stream_socket_client", "stream_socket_server", "curl_init",
	"curl_exec", "curl_multi_exec", "ftp_connect",

	// Environment and host-state manipulation.
	"ini_set", "ini_alter", "ini_restore", "set_time_limit", "putenv",
	"getenv", "ob_start", "ob_end_clean", "setcookie", "header",
	"session_start", "phpinfo", "mysqli_connect", "pg_connect",
}

type pattern struct {
	re     *regexp.Regexp
	reason string
}

var dangerousPatterns = []pattern{
	{regexp.MustCompile(`\$_(GET|POST|REQUEST|COOKIE|SERVER|FILES|SESSION|ENV)\b`), "direct superglobal access"},
	{regexp.MustCompile(`(?i)\beval\s*\(|\bload\s*\(|\bloadstring\s*\(|\bloadfile\s*\(`), "nested code evaluation"},
	{regexp.MustCompile(`\$GLOBALS\b|\b_G\b`), "global table access"},
	{regexp.MustCompile(`(?i)\b(extract|compact|setfenv|getfenv)\s*\(`), "scope manipulation"},
	{regexp.MustCompile(`\$\$\w+|\$\{`), "variable variables"},
	{regexp.MustCompile(`(?i)\b(include|require|include_once|require_once|dofile)\b\s*[\(\s'"]`), "file inclusion"},
}

// Config tunes the sanitizer for one deployment.
type Config struct {
	// MaxCodeBytes overrides DefaultMaxCodeBytes when positive.
	MaxCodeBytes int

	// ExtraBlockedCalls widens the deny list.
	ExtraBlockedCalls []string

	// AllowedCalls narrows it: names listed here are removed from the
	// effective deny list even if blocked by default.
	AllowedCalls []string

	// SyntaxCheck enables a full parse of the code after the textual
	// scans pass.
	SyntaxCheck bool
}

// Sanitizer vets snippet code. Safe for concurrent use.
type Sanitizer struct {
	maxBytes    int
	blocked     []blockedCall
	syntaxCheck bool
}

type blockedCall struct {
	name string
	re   *regexp.Regexp
}

// New builds a Sanitizer, compiling one matcher per effective blocked
// call.
func New(cfg Config) *Sanitizer {
	maxBytes := cfg.MaxCodeBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCodeBytes
	}

	allowed := make(map[string]bool, len(cfg.AllowedCalls))
	for _, name := range cfg.AllowedCalls {
		allowed[strings.ToLower(name)] = true
	}

	seen := make(map[string]bool)
	var blocked []blockedCall
	for _, name := range append(append([]string{}, DefaultBlockedCalls...), cfg.ExtraBlockedCalls...) {
		lower := strings.ToLower(name)
		if allowed[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		blocked = append(blocked, blockedCall{name: lower, re: callMatcher(lower)})
	}

	return &Sanitizer{maxBytes: maxBytes, blocked: blocked, syntaxCheck: cfg.SyntaxCheck}
}

// callMatcher matches `name(` as a call: the name must not be preceded
// by an identifier character or a dot, and must be followed by an
// opening parenthesis. The dot exclusion keeps `io.popen` from also
// matching the bare `popen` entry.
func callMatcher(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_.])` + regexp.QuoteMeta(name) + `\s*\(`)
}

// BlockedCalls returns the effective deny list, for introspection.
func (s *Sanitizer) BlockedCalls() []string {
	names := make([]string, len(s.blocked))
	for i, b := range s.blocked {
		names[i] = b.name
	}
	return names
}

// Sanitize vets raw snippet code and returns the normalized form that
// is safe to store and evaluate. Failures are always *Rejection.
func (s *Sanitizer) Sanitize(raw string) (string, error) {
	if !utf8.ValidString(raw) || strings.ContainsRune(raw, 0) {
		return "", &Rejection{Kind: KindInvalidType, Reason: "code is not valid text"}
	}

	code := stripMarkers(raw)
	if strings.TrimSpace(code) == "" {
		return code, nil
	}

	if len(code) > s.maxBytes {
		return "", &Rejection{
			Kind:   KindTooLong,
			Reason: fmt.Sprintf("code exceeds %d bytes", s.maxBytes),
		}
	}

	for _, b := range s.blocked {
		if b.re.MatchString(code) {
			return "", &Rejection{
				Kind:   KindBlockedFunction,
				Name:   b.name,
				Reason: "call to a blocked function",
			}
		}
	}

	for _, p := range dangerousPatterns {
		if loc := p.re.FindString(code); loc != "" {
			return "", &Rejection{
				Kind:   KindDangerousPattern,
				Reason: p.reason,
				Detail: loc,
			}
		}
	}

	// Unslash before the parse step so the syntax check sees the exact
	// text the executor will evaluate.
	code = unslash(code)

	if s.syntaxCheck {
		if _, err := parse.Parse(strings.NewReader(code), "snippet"); err != nil {
			return "", &Rejection{
				Kind:   KindSyntaxError,
				Reason: "code does not parse",
				Detail: ScrubPaths(err.Error()),
			}
		}
	}

	return code, nil
}

var markerOpenRe = regexp.MustCompile(`(?i)^\s*<\?(lua|php)?\s?`)

// stripMarkers removes a leading processing-instruction marker and a
// trailing `?>` if present. Editors pasting from templated files leave
// these behind.
func stripMarkers(code string) string {
	code = markerOpenRe.ReplaceAllString(code, "")
	trimmed := strings.TrimRight(code, " \t\r\n")
	if strings.HasSuffix(trimmed, "?>") {
		return strings.TrimRight(strings.TrimSuffix(trimmed, "?>"), " \t\r\n")
	}
	return code
}

// unslash removes one layer of backslash escaping, but only when the
// input is consistently slashed: if re-slashing the stripped text does
// not reproduce the input byte for byte, the input was never slashed
// and passes through unchanged. The check makes unslash idempotent.
func unslash(code string) string {
	stripped := stripSlashes(code)
	if stripped == code {
		return code
	}
	if addSlashes(stripped) == code {
		return stripped
	}
	return code
}

func stripSlashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		if i < len(s) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func addSlashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var pathRe = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}`)

// ScrubPaths removes filesystem paths from diagnostic text so error
// messages never leak server layout.
func ScrubPaths(msg string) string {
	return pathRe.ReplaceAllString(msg, "...")
}
