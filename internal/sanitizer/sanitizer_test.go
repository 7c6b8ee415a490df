package sanitizer

import (
	"errors"
	"strings"
	"testing"
)

func mustReject(t *testing.T, s *Sanitizer, code string, kind RejectionKind) *Rejection {
	t.Helper()
	_, err := s.Sanitize(code)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("Sanitize(%q) = %v, want *Rejection", code, err)
	}
	if rej.Kind != kind {
		t.Fatalf("Sanitize(%q) kind = %s, want %s", code, rej.Kind, kind)
	}
	return rej
}

func TestSanitize_EmptyCodeIsLegal(t *testing.T) {
	s := New(Config{SyntaxCheck: true})
	for _, code := range []string{"", "   ", "\n\t\n"} {
		if _, err := s.Sanitize(code); err != nil {
			t.Errorf("Sanitize(%q) = %v, want nil", code, err)
		}
	}
}

func TestSanitize_StripsMarkers(t *testing.T) {
	s := New(Config{})
	tests := []struct {
		in, want string
	}{
		{"<?lua return 1", "return 1"},
		{"<?php return 1", "return 1"},
		{"<? return 1", "return 1"},
		{"return 1 ?>", "return 1"},
		{"<?lua return 1 ?>\n", "return 1"},
		{"return 1", "return 1"},
	}
	for _, tt := range tests {
		got, err := s.Sanitize(tt.in)
		if err != nil {
			t.Fatalf("Sanitize(%q) = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitize_TooLong(t *testing.T) {
	s := New(Config{MaxCodeBytes: 20})
	mustReject(t, s, "return '"+strings.Repeat("a", 30)+"'", KindTooLong)
	if _, err := s.Sanitize("return 1"); err != nil {
		t.Errorf("short code rejected: %v", err)
	}
}

func TestSanitize_InvalidText(t *testing.T) {
	s := New(Config{})
	mustReject(t, s, "return \xff\xfe", KindInvalidType)
	mustReject(t, s, "return 1\x00", KindInvalidType)
}

func TestSanitize_DefaultBlockedCalls(t *testing.T) {
	if len(DefaultBlockedCalls) != 48 {
		t.Fatalf("default blocked set has %d entries, want 48", len(DefaultBlockedCalls))
	}
	s := New(Config{})
	for _, name := range DefaultBlockedCalls {
		rej := mustReject(t, s, name+`("x")`, KindBlockedFunction)
		if rej.Name != name {
			t.Errorf("blocked call %q reported as %q", name, rej.Name)
		}
	}
}

func TestSanitize_BlockedCallsCaseInsensitive(t *testing.T) {
	s := New(Config{})
	for _, code := range []string{`SYSTEM("ls")`, `System ("ls")`, `Io.Popen("ls")`} {
		mustReject(t, s, code, KindBlockedFunction)
	}
}

func TestSanitize_WordBoundaries(t *testing.T) {
	s := New(Config{})
	// Names embedded in longer identifiers are not calls to the
	// blocked function.
	for _, code := range []string{
		"systemic(1)",
		"mysystem(1)",
		"execute(1)",
		"local x = system",
		"reading = fopen_log",
		"do_headers(1)",
	} {
		if _, err := s.Sanitize(code); err != nil {
			t.Errorf("Sanitize(%q) = %v, want nil", code, err)
		}
	}
}

func TestSanitize_ExtensibleBlockedSet(t *testing.T) {
	s := New(Config{ExtraBlockedCalls: []string{"my_helper"}, AllowedCalls: []string{"getenv"}})
	mustReject(t, s, `my_helper(1)`, KindBlockedFunction)
	if _, err := s.Sanitize(`getenv("PATH")`); err != nil {
		t.Errorf("allowed call still rejected: %v", err)
	}
}

func TestSanitize_DangerousPatterns(t *testing.T) {
	s := New(Config{})
	tests := []struct {
		code   string
		reason string
	}{
		{`echo $_GET["q"]`, "superglobal"},
		{`echo $_POST["q"]`, "superglobal"},
		{`x = $_SESSION["u"]`, "superglobal"},
		{`eval("x")`, "evaluation"},
		{`eval ("x")`, "evaluation"},
		{`load("return 1")()`, "evaluation"},
		{`loadstring("x")`, "evaluation"},
		{`loadfile("x")`, "evaluation"},
		{`$GLOBALS["db"]`, "global table"},
		{`_G["os"]`, "global table"},
		{`x = _G`, "global table"},
		{`extract(args)`, "scope"},
		{`compact("a")`, "scope"},
		{`setfenv(1, {})`, "scope"},
		{`getfenv(0)`, "scope"},
		{`$$name = 1`, "variable variables"},
		{`x = "${name}"`, "variable variables"},
		{`include 'x.lua'`, "inclusion"},
		{`require_once("x")`, "inclusion"},
		{`dofile("x")`, "inclusion"},
	}
	for _, tt := range tests {
		rej := mustReject(t, s, tt.code, KindDangerousPattern)
		if !strings.Contains(rej.Reason, tt.reason) {
			t.Errorf("Sanitize(%q) reason = %q, want substring %q", tt.code, rej.Reason, tt.reason)
		}
	}
}

func TestSanitize_PatternsDoNotOverreach(t *testing.T) {
	s := New(Config{SyntaxCheck: true})
	for _, code := range []string{
		"local preload = 4",
		"local downloaded = {}",
		"GDP = 3",
		"local included = true",
		"return compacted or 1",
	} {
		if _, err := s.Sanitize(code); err != nil {
			t.Errorf("Sanitize(%q) = %v, want nil", code, err)
		}
	}
}

func TestSanitize_SyntaxCheck(t *testing.T) {
	s := New(Config{SyntaxCheck: true})
	rej := mustReject(t, s, "return ((", KindSyntaxError)
	if rej.Detail == "" {
		t.Error("syntax rejection carries no detail")
	}
	if _, err := s.Sanitize("return 1 + 1"); err != nil {
		t.Errorf("valid code rejected: %v", err)
	}

	// With the check disabled the same code passes the pipeline.
	lax := New(Config{})
	if _, err := lax.Sanitize("return (("); err != nil {
		t.Errorf("syntax check ran while disabled: %v", err)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	s := New(Config{SyntaxCheck: true})
	for _, code := range []string{
		`return "hi"`,
		`return \"hi\"`,
		"<?lua return 42 ?>",
		"local x = 'a\\'b'",
		"print(1)\nreturn 2",
	} {
		once, err := s.Sanitize(code)
		if err != nil {
			t.Fatalf("Sanitize(%q) = %v", code, err)
		}
		twice, err := s.Sanitize(once)
		if err != nil {
			t.Fatalf("re-Sanitize(%q) = %v", once, err)
		}
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", code, once, twice)
		}
	}
}

func TestSanitize_Unslash(t *testing.T) {
	s := New(Config{})
	got, err := s.Sanitize(`return \"hi\"`)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got != `return "hi"` {
		t.Errorf("unslash = %q, want %q", got, `return "hi"`)
	}

	// Clean code is untouched even when it contains backslashes that
	// do not round-trip.
	clean := `return "a\nb"`
	got, err = s.Sanitize(clean)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if got != clean {
		t.Errorf("clean code altered: %q", got)
	}
}

func TestScrubPaths(t *testing.T) {
	in := "parse error at /var/www/html/snippet.lua:3 near 'end'"
	got := ScrubPaths(in)
	if strings.Contains(got, "/var/www") {
		t.Errorf("path survived scrubbing: %q", got)
	}
	if !strings.Contains(got, "near 'end'") {
		t.Errorf("scrubbing removed too much: %q", got)
	}
}
