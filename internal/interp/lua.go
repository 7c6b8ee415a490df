package interp

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultMaxOutputBytes = 1 << 20 // 1 MB cap on captured output.
	defaultCallStackSize  = 256     // Bounds recursion depth.
	initialRegistrySize   = 1024 * 8
)

// LuaEvaluator evaluates snippet code in a sandboxed gopher-lua state.
//
// Each evaluation gets a fresh LState that is closed when the call
// returns, so no interpreter state leaks between invocations. The
// state is stripped of every capability the static analyzer also
// rejects: process execution, filesystem, module loading, nested
// evaluation, environment and metatable manipulation.
type LuaEvaluator struct {
	logger *slog.Logger
}

// NewLuaEvaluator creates a Lua-backed Evaluator.
func NewLuaEvaluator(logger *slog.Logger) *LuaEvaluator {
	return &LuaEvaluator{logger: logger}
}

// Evaluate runs the code with the request bindings installed and
// returns the chunk's return value plus captured print output.
// All failures are *Trap; a ctx deadline surfaces as TrapTimeout.
func (e *LuaEvaluator) Evaluate(ctx context.Context, req Request) (*Outcome, error) {
	L := lua.NewState(lua.Options{
		CallStackSize: defaultCallStackSize,
		RegistrySize:  initialRegistrySize,
		// Registry growth is the memory bound gopher-lua exposes;
		// sized proportionally to the effective MB ceiling.
		RegistryMaxSize:     registryEntries(req.MemoryMB),
		SkipOpenLibs:        false,
		IncludeGoStackTrace: false, // Never leak Go internals into error text.
	})
	defer L.Close()

	restrict(L)

	maxOut := req.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutputBytes
	}
	capture := &captureBuffer{limit: maxOut}
	L.SetGlobal("print", L.NewFunction(capture.luaPrint))

	installBindings(L, req.Bindings)

	if ctx != nil {
		L.SetContext(ctx)
	}

	fn, err := L.LoadString(req.Code)
	if err != nil {
		return nil, &Trap{Kind: TrapCompile, Message: err.Error()}
	}

	L.Push(fn)
	base := L.GetTop() - 1
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Trap{Kind: TrapTimeout, Message: "execution timed out"}
		}
		return nil, &Trap{Kind: TrapRuntime, Message: err.Error()}
	}

	// Collect everything the chunk returned, coerced to text.
	var values []string
	for i := base + 1; i <= L.GetTop(); i++ {
		v := L.Get(i)
		if v == lua.LNil {
			continue
		}
		values = append(values, lua.LVAsString(L.ToStringMeta(v)))
	}

	return &Outcome{
		Value:  strings.Join(values, ""),
		Stdout: capture.String(),
	}, nil
}

// restrict removes every unsafe capability from the state. Mirrors the
// sanitizer's blocked categories so a snippet that slips past the
// static scan still has nothing dangerous to call.
func restrict(L *lua.LState) {
	for _, name := range []string{
		"os", "io", "debug",
		"require", "dofile", "loadfile", "load", "loadstring",
		"getmetatable", "setmetatable", "rawget", "rawset", "rawequal",
		"getfenv", "setfenv",
		"collectgarbage",
	} {
		L.SetGlobal(name, lua.LNil)
	}
}

// registryEntries converts a memory ceiling in MB to a registry growth
// bound. Approximation: one registry slot is taken as ~64 bytes of
// working set.
func registryEntries(memoryMB int) int {
	if memoryMB <= 0 {
		memoryMB = 32
	}
	return memoryMB * 1024 * 1024 / 64
}

func installBindings(L *lua.LState, b Bindings) {
	attrs := L.NewTable()
	for k, v := range b.Attributes {
		attrs.RawSetString(k, lua.LString(v))
	}
	L.SetGlobal("attributes", attrs)
	L.SetGlobal("content", lua.LString(b.Content))
	L.SetGlobal("tag", lua.LString(b.Tag))
}

// captureBuffer collects print output up to a byte limit; excess is
// silently discarded rather than treated as an error.
type captureBuffer struct {
	b     strings.Builder
	limit int
}

func (c *captureBuffer) String() string { return c.b.String() }

func (c *captureBuffer) write(s string) {
	remaining := c.limit - c.b.Len()
	if remaining <= 0 {
		return
	}
	if len(s) > remaining {
		s = s[:remaining]
	}
	c.b.WriteString(s)
}

// luaPrint replaces the global print: tab-separated arguments plus a
// trailing newline, written into the capture buffer instead of stdout.
func (c *captureBuffer) luaPrint(L *lua.LState) int {
	top := L.GetTop()
	for i := 1; i <= top; i++ {
		if i > 1 {
			c.write("\t")
		}
		c.write(lua.LVAsString(L.ToStringMeta(L.Get(i))))
	}
	c.write("\n")
	return 0
}
