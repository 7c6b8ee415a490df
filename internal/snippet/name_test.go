package snippet

import (
	"strings"
	"testing"
)

func TestValidateName_Valid(t *testing.T) {
	for _, name := range []string{
		"greet",
		"greet_user",
		"greet-user-2",
		"G",
		"Greeting_Widget",
		strings.Repeat("a", 50),
	} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
}

func TestValidateName_Invalid(t *testing.T) {
	for _, name := range []string{
		"",
		strings.Repeat("a", 51),
		"has space",
		"has.dot",
		"uniçode",
		"_leading",
		"-leading",
		"4chan",
		"[bracket]",
	} {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestValidateName_Reserved(t *testing.T) {
	for _, name := range []string{"gallery", "Gallery", "GALLERY", "caption", "wp_caption", "embed"} {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want reserved error", name)
		}
	}
}

func TestLiteralTag(t *testing.T) {
	tests := []struct {
		name string
		inv  Invocation
		want string
	}{
		{
			name: "bare",
			inv:  Invocation{Tag: "greet"},
			want: "[greet]",
		},
		{
			name: "attributes sorted",
			inv:  Invocation{Tag: "greet", Attributes: map[string]string{"name": "Ada", "caps": "yes"}},
			want: `[greet caps="yes" name="Ada"]`,
		},
		{
			name: "enclosing",
			inv:  Invocation{Tag: "quote", Attributes: map[string]string{"by": "x"}, Content: "hello"},
			want: `[quote by="x"]hello[/quote]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.inv.LiteralTag(); got != tt.want {
				t.Errorf("LiteralTag() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSurface(t *testing.T) {
	for in, want := range map[string]Surface{
		"normal":     SurfaceNormal,
		"  Widget ":  SurfaceWidget,
		"FEED":       SurfaceFeed,
		"admin-test": SurfaceAdminTest,
	} {
		got, ok := ParseSurface(in)
		if !ok || got != want {
			t.Errorf("ParseSurface(%q) = %q, %v; want %q, true", in, got, ok, want)
		}
	}
	for _, in := range []string{"", "sidebar", "normal extra", "admin"} {
		if _, ok := ParseSurface(in); ok {
			t.Errorf("ParseSurface(%q) accepted, want rejection", in)
		}
	}
}

func TestSanitizeDescription(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"<b>bold</b> and <em>em</em>", "<b>bold</b> and <em>em</em>"},
		{`<script>alert(1)</script>`, "alert(1)"},
		{`<a href="https://example.com" onclick="x()">link</a>`, `<a href="https://example.com">link</a>`},
		{`<a onclick="x()">link</a>`, "<a>link</a>"},
		{"line<br/>break", "line<br>break"},
		{`<img src="x">`, ""},
	}
	for _, tt := range tests {
		if got := SanitizeDescription(tt.in); got != tt.want {
			t.Errorf("SanitizeDescription(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
