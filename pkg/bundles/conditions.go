package bundles

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Conditions compiles and evaluates step conditions. Programs are cached
// by expression.
type Conditions struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditions creates an evaluator. Conditions see two variables:
// `results`, keyed by step key with {status, data, error}, and `args`,
// the bundle arguments.
func NewConditions() (*Conditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("results", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Conditions{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks expr and caches its program.
func (c *Conditions) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

func (c *Conditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok = c.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition %q must be boolean, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	c.cache[expr] = prg
	return prg, nil
}

// Eval evaluates expr. An empty expression is true.
func (c *Conditions) Eval(expr string, results, args map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	if results == nil {
		results = map[string]any{}
	}
	if args == nil {
		args = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"results": results, "args": args})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}
