package interp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func newEvaluator() *LuaEvaluator {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLuaEvaluator(logger)
}

func TestEvaluate_ReturnValue(t *testing.T) {
	e := newEvaluator()
	out, err := e.Evaluate(context.Background(), Request{
		Code: `return "Hello, " .. (attributes["name"] or "World")`,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Value != "Hello, World" {
		t.Errorf("value = %q, want %q", out.Value, "Hello, World")
	}
}

func TestEvaluate_Bindings(t *testing.T) {
	e := newEvaluator()
	out, err := e.Evaluate(context.Background(), Request{
		Code: `return tag .. ":" .. attributes["name"] .. ":" .. content`,
		Bindings: Bindings{
			Tag:        "greet",
			Attributes: map[string]string{"name": "Ada"},
			Content:    "inner",
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Value != "greet:Ada:inner" {
		t.Errorf("value = %q", out.Value)
	}
}

func TestEvaluate_CapturesPrint(t *testing.T) {
	e := newEvaluator()
	out, err := e.Evaluate(context.Background(), Request{
		Code: "print('a', 'b')\nprint('c')\nreturn 'done'",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Stdout != "a\tb\nc\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if out.Value != "done" {
		t.Errorf("value = %q", out.Value)
	}
}

func TestEvaluate_OutputCapped(t *testing.T) {
	e := newEvaluator()
	out, err := e.Evaluate(context.Background(), Request{
		Code:           `for i = 1, 100 do print("xxxxxxxxxx") end`,
		MaxOutputBytes: 64,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(out.Stdout) > 64 {
		t.Errorf("output not capped: %d bytes", len(out.Stdout))
	}
}

func TestEvaluate_CompileTrap(t *testing.T) {
	e := newEvaluator()
	_, err := e.Evaluate(context.Background(), Request{Code: "return (("})
	var trap *Trap
	if !errors.As(err, &trap) || trap.Kind != TrapCompile {
		t.Fatalf("expected compile trap, got %v", err)
	}
}

func TestEvaluate_RuntimeTrap(t *testing.T) {
	e := newEvaluator()
	_, err := e.Evaluate(context.Background(), Request{Code: `error("kaboom")`})
	var trap *Trap
	if !errors.As(err, &trap) || trap.Kind != TrapRuntime {
		t.Fatalf("expected runtime trap, got %v", err)
	}
	if !strings.Contains(trap.Message, "kaboom") {
		t.Errorf("trap message = %q", trap.Message)
	}
}

func TestEvaluate_TimeoutTrap(t *testing.T) {
	e := newEvaluator()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Evaluate(ctx, Request{Code: "while true do end"})
	var trap *Trap
	if !errors.As(err, &trap) || trap.Kind != TrapTimeout {
		t.Fatalf("expected timeout trap, got %v", err)
	}
}

func TestEvaluate_SandboxRemovesDangerousGlobals(t *testing.T) {
	e := newEvaluator()
	for _, global := range []string{"os", "io", "debug", "require", "dofile", "load", "loadstring", "setmetatable"} {
		out, err := e.Evaluate(context.Background(), Request{
			Code: "return tostring(" + global + ")",
		})
		if err != nil {
			t.Fatalf("probe for %s: %v", global, err)
		}
		if out.Value != "nil" {
			t.Errorf("global %s still present: %q", global, out.Value)
		}
	}
}

func TestEvaluate_SafeLibsPreserved(t *testing.T) {
	e := newEvaluator()
	out, err := e.Evaluate(context.Background(), Request{
		Code: `return string.upper("ok") .. tostring(math.floor(2.9))`,
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Value != "OK2" {
		t.Errorf("value = %q", out.Value)
	}
}

func TestEvaluate_EmptyReturn(t *testing.T) {
	e := newEvaluator()
	out, err := e.Evaluate(context.Background(), Request{Code: "local x = 1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Value != "" {
		t.Errorf("value = %q, want empty", out.Value)
	}
}

func TestEffectiveMemoryMB(t *testing.T) {
	tests := []struct {
		ambient, configured, want int
	}{
		{64, 32, 32}, // Configured lowers ambient.
		{16, 32, 16}, // Configured can never raise ambient.
		{64, 64, 64},
		{0, 32, 32}, // No ambient cap.
		{64, 0, 64}, // No configured cap.
	}
	for _, tt := range tests {
		if got := EffectiveMemoryMB(tt.ambient, tt.configured); got != tt.want {
			t.Errorf("EffectiveMemoryMB(%d, %d) = %d, want %d", tt.ambient, tt.configured, got, tt.want)
		}
	}
}
