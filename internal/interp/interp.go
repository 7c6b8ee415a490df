// Package interp abstracts the host interpreter that evaluates snippet
// code. The executor calls Evaluate exactly once per invocation; the
// implementation owns binding installation, output capture, and trap
// classification.
package interp

import (
	"context"
	"fmt"
)

// TrapKind distinguishes the failure classes of an evaluation. The
// classes are never conflated: each is trapped independently and
// reported as a distinct kind.
type TrapKind string

const (
	TrapCompile TrapKind = "compile_error" // Parse-time failure.
	TrapRuntime TrapKind = "runtime_error" // Fault raised during evaluation.
	TrapTimeout TrapKind = "timeout"       // Wall-clock limit reached.
)

// Trap is a trapped evaluation failure.
type Trap struct {
	Kind    TrapKind
	Message string
}

func (t *Trap) Error() string {
	return fmt.Sprintf("%s: %s", t.Kind, t.Message)
}

// Bindings are the transient invocation variables installed into the
// evaluation scope. They exist only for the duration of one Evaluate.
type Bindings struct {
	Tag        string
	Attributes map[string]string
	Content    string
}

// Request is one evaluation request.
type Request struct {
	Code     string
	Bindings Bindings

	// MemoryMB is the effective memory ceiling for this evaluation.
	// Callers compute it as min(ambient, configured); the ceiling is
	// only ever lowered relative to the ambient process limit.
	MemoryMB int

	// MaxOutputBytes caps captured incidental output. 0 = default.
	MaxOutputBytes int
}

// Outcome is a successful evaluation result.
type Outcome struct {
	Value  string // Returned value, coerced to text.
	Stdout string // Captured incidental output (print etc.).
}

// Evaluator evaluates snippet code under the binding/timeout/trap
// contract. Implementations must honor ctx deadlines and classify all
// failures as *Trap.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*Outcome, error)
}

// EffectiveMemoryMB resolves the per-invocation memory ceiling.
// The configured value can only lower the ambient limit, never raise
// it; zero values fall through to the other operand.
func EffectiveMemoryMB(ambientMB, configuredMB int) int {
	switch {
	case ambientMB <= 0:
		return configuredMB
	case configuredMB <= 0:
		return ambientMB
	case configuredMB < ambientMB:
		return configuredMB
	default:
		return ambientMB
	}
}
