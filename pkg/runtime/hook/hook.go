// Package hook evaluates conditional directives after each execution step.
//
// A hook pairs a CEL condition over a fixed read-only context with an item
// reference to execute when the condition holds. The harness evaluates
// registered hooks after every step; a matching hook's action runs as a
// nested execution through the same harness, so retries, escalations, and
// cost notifications need no special casing.
package hook

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/keelworks/keel/pkg/fault"
	"github.com/keelworks/keel/pkg/item"
)

// Context is the read-only state a condition may inspect. No other
// execution state is visible to hook expressions.
type Context struct {
	// Cost counters consumed so far, in the budget's units.
	CostTokens int64
	CostTurns  int64
	CostSpend  int64

	// Error is the message of the last step's failure, empty on success.
	Error string

	// LoopCount is the number of steps executed in this harness so far.
	LoopCount int64

	// Directive is the ID of the currently executing root item.
	Directive string
}

// Hook binds a compiled condition to an action reference.
type Hook struct {
	Name      string
	Condition string
	Action    item.Reference

	// OneShot hooks fire at most once per execution.
	OneShot bool

	// Fatal hooks abort the execution when their action fails.
	Fatal bool

	program cel.Program

	mu    sync.Mutex
	fired bool
}

// Evaluator compiles and evaluates hook conditions against a shared CEL
// environment declaring the fixed context fields.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("cost", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("error", cel.StringType),
		cel.Variable("loop_count", cel.IntType),
		cel.Variable("directive", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("hook: building CEL environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile type-checks the hook's condition and verifies it yields a bool.
// Hooks must be compiled before evaluation.
func (e *Evaluator) Compile(h *Hook) error {
	ast, issues := e.env.Compile(h.Condition)
	if issues != nil && issues.Err() != nil {
		return fault.New(fault.CodeConfigInvalid, "hook %q: invalid condition: %v", h.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fault.New(fault.CodeConfigInvalid, "hook %q: condition must evaluate to bool, got %s", h.Name, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fault.New(fault.CodeConfigInvalid, "hook %q: building program", h.Name).WithCause(err)
	}
	h.program = prg
	return nil
}

// Matches evaluates the hook's condition against ctx. A one-shot hook that
// has already fired never matches again; a matching one-shot hook is marked
// fired atomically, so concurrent evaluations observe at most one match.
func (h *Hook) Matches(ctx Context) (bool, error) {
	if h.program == nil {
		return false, fault.New(fault.CodeConfigInvalid, "hook %q: condition not compiled", h.Name)
	}

	h.mu.Lock()
	if h.OneShot && h.fired {
		h.mu.Unlock()
		return false, nil
	}
	h.mu.Unlock()

	out, _, err := h.program.Eval(map[string]any{
		"cost": map[string]int64{
			"tokens": ctx.CostTokens,
			"turns":  ctx.CostTurns,
			"spend":  ctx.CostSpend,
		},
		"error":      ctx.Error,
		"loop_count": ctx.LoopCount,
		"directive":  ctx.Directive,
	})
	if err != nil {
		return false, fault.New(fault.CodeConfigInvalid, "hook %q: condition evaluation failed", h.Name).WithCause(err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fault.New(fault.CodeConfigInvalid, "hook %q: condition returned %T, want bool", h.Name, out.Value())
	}
	if !matched {
		return false, nil
	}

	if h.OneShot {
		h.mu.Lock()
		if h.fired {
			h.mu.Unlock()
			return false, nil
		}
		h.fired = true
		h.mu.Unlock()
	}
	return true, nil
}

// Set is an ordered collection of compiled hooks.
type Set struct {
	hooks []*Hook
}

func NewSet(e *Evaluator, hooks ...*Hook) (*Set, error) {
	for _, h := range hooks {
		if err := e.Compile(h); err != nil {
			return nil, err
		}
	}
	return &Set{hooks: hooks}, nil
}

// Matching returns the hooks whose conditions hold for ctx, in registration
// order. Evaluation errors skip the offending hook rather than failing the
// step; the harness logs them.
func (s *Set) Matching(ctx Context) ([]*Hook, []error) {
	var matched []*Hook
	var errs []error
	for _, h := range s.hooks {
		ok, err := h.Matches(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			matched = append(matched, h)
		}
	}
	return matched, errs
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hooks)
}
