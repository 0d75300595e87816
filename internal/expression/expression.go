// Package expression evaluates rule expressions against a read-only variable
// context. Expressions are CEL restricted to field access, arithmetic,
// comparison and boolean logic; anything else is rejected before it runs.
package expression

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	defaultCostLimit  = 10000
	defaultCacheLimit = 4096
	maxExpressionLen  = 2048
)

var (
	// ErrUnsafeExpression is returned for expressions that call anything
	// outside the allowed operator set.
	ErrUnsafeExpression = errors.New("expression uses a disallowed operation")

	// ErrNotBoolean is returned when a boolean expression yields another type.
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")
)

// allowedFunctions is every call an expression may contain.
var allowedFunctions = map[string]bool{
	operators.Conditional:      true,
	operators.LogicalAnd:       true,
	operators.LogicalOr:        true,
	operators.LogicalNot:       true,
	operators.NotStrictlyFalse: true,
	operators.Equals:           true,
	operators.NotEquals:        true,
	operators.Less:             true,
	operators.LessEquals:       true,
	operators.Greater:          true,
	operators.GreaterEquals:    true,
	operators.Add:              true,
	operators.Subtract:         true,
	operators.Multiply:         true,
	operators.Divide:           true,
	operators.Modulo:           true,
	operators.Negate:           true,
	operators.Index:            true,
	operators.In:               true,
	operators.Has:              true,
	"size":                     true,
	"int":                      true,
	"double":                   true,
	"string":                   true,
	"contains":                 true,
	"startsWith":               true,
	"endsWith":                 true,
}

// Vars is the read-only variable context of one evaluation.
type Vars map[string]any

// Evaluator compiles and runs expressions. It is safe for concurrent use.
type Evaluator struct {
	env       *cel.Env
	costLimit uint64

	mu       sync.RWMutex
	programs map[string]cel.Program
	limit    int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCostLimit bounds the runtime cost of a single evaluation.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) { e.costLimit = limit }
}

// WithCacheLimit bounds the number of compiled programs kept.
func WithCacheLimit(n int) Option {
	return func(e *Evaluator) { e.limit = n }
}

// New creates an Evaluator.
func New(opts ...Option) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.Macros(cel.HasMacro),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Evaluator{
		env:       env,
		costLimit: defaultCostLimit,
		programs:  make(map[string]cel.Program),
		limit:     defaultCacheLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Validate reports whether expr parses and stays inside the allowed
// operation set. Variables are not checked since they depend on the request.
func (e *Evaluator) Validate(expr string) error {
	if err := checkLength(expr); err != nil {
		return &domain.ExpressionError{Expression: expr, Err: err}
	}
	parsed, iss := e.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return &domain.ExpressionError{Expression: expr, Err: iss.Err()}
	}
	if err := checkSafe(parsed); err != nil {
		return &domain.ExpressionError{Expression: expr, Err: err}
	}
	return nil
}

// Evaluate runs a boolean expression. Any failure yields false and a
// logged diagnostic; use EvaluateErr to get the failure itself.
func (e *Evaluator) Evaluate(expr string, vars Vars) bool {
	ok, err := e.EvaluateErr(expr, vars)
	if err != nil {
		slog.Warn("expression evaluation failed", "expression", expr, "error", err)
		return false
	}
	return ok
}

// EvaluateErr runs a boolean expression and returns the failure, if any,
// as an *domain.ExpressionError. The boolean is false whenever err != nil.
func (e *Evaluator) EvaluateErr(expr string, vars Vars) (bool, error) {
	out, err := e.eval(expr, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, &domain.ExpressionError{Expression: expr, Err: fmt.Errorf("%w: got %s", ErrNotBoolean, out.Type().TypeName())}
	}
	return bool(b), nil
}

// EvaluateAs runs expr and converts the result to T. The second return is
// false when evaluation fails or the result does not convert.
func EvaluateAs[T any](e *Evaluator, expr string, vars Vars) (T, bool) {
	var zero T
	out, err := e.eval(expr, vars)
	if err != nil {
		slog.Warn("expression evaluation failed", "expression", expr, "error", err)
		return zero, false
	}

	native := out.Value()
	if v, ok := native.(T); ok {
		return v, true
	}

	// Numbers come back as int64 or float64 depending on the expression.
	var target any = zero
	switch target.(type) {
	case float64:
		switch n := native.(type) {
		case int64:
			return any(float64(n)).(T), true
		case uint64:
			return any(float64(n)).(T), true
		}
	case int64:
		if f, ok := native.(float64); ok && f == float64(int64(f)) {
			return any(int64(f)).(T), true
		}
	case int:
		switch n := native.(type) {
		case int64:
			return any(int(n)).(T), true
		case float64:
			if n == float64(int(n)) {
				return any(int(n)).(T), true
			}
		}
	}
	return zero, false
}

func (e *Evaluator) eval(expr string, vars Vars) (out ref.Val, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &domain.ExpressionError{Expression: expr, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	prg, err := e.program(expr, vars)
	if err != nil {
		return nil, err
	}

	out, _, err = prg.Eval(map[string]any(vars))
	if err != nil {
		return nil, &domain.ExpressionError{Expression: expr, Err: err}
	}
	if types.IsError(out) {
		return nil, &domain.ExpressionError{Expression: expr, Err: fmt.Errorf("%v", out)}
	}
	return out, nil
}

// program compiles expr for the variable names in vars, reusing earlier
// compilations of the same expression over the same names.
func (e *Evaluator) program(expr string, vars Vars) (cel.Program, error) {
	if err := checkLength(expr); err != nil {
		return nil, &domain.ExpressionError{Expression: expr, Err: err}
	}

	names := declarable(vars)
	key := expr + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	prg, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	decls := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		decls = append(decls, cel.Variable(name, cel.DynType))
	}
	env, err := e.env.Extend(decls...)
	if err != nil {
		return nil, &domain.ExpressionError{Expression: expr, Err: err}
	}

	checked, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, &domain.ExpressionError{Expression: expr, Err: iss.Err()}
	}
	if err := checkSafe(checked); err != nil {
		return nil, &domain.ExpressionError{Expression: expr, Err: err}
	}

	optimized, iss := cel.NewStaticOptimizer(numericPromotion{}).Optimize(env, checked)
	if iss != nil && iss.Err() != nil {
		return nil, &domain.ExpressionError{Expression: expr, Err: iss.Err()}
	}

	prg, err = env.Program(optimized, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, &domain.ExpressionError{Expression: expr, Err: err}
	}

	e.mu.Lock()
	if len(e.programs) >= e.limit {
		e.programs = make(map[string]cel.Program)
	}
	e.programs[key] = prg
	e.mu.Unlock()

	return prg, nil
}

// checkSafe walks every call in the expression and rejects anything not in
// allowedFunctions. Comprehensions cannot be produced with the macros
// cleared but are rejected anyway.
func checkSafe(a *cel.Ast) error {
	root := celast.NavigateAST(a.NativeRep())

	if len(celast.MatchDescendants(root, celast.KindMatcher(celast.ComprehensionKind))) > 0 {
		return fmt.Errorf("%w: comprehension", ErrUnsafeExpression)
	}
	for _, call := range celast.MatchDescendants(root, celast.KindMatcher(celast.CallKind)) {
		name := call.AsCall().FunctionName()
		if !allowedFunctions[name] {
			return fmt.Errorf("%w: %s", ErrUnsafeExpression, name)
		}
	}
	return nil
}

func checkLength(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLen {
		return fmt.Errorf("expression longer than %d bytes", maxExpressionLen)
	}
	return nil
}

// reserved words cannot be declared as CEL variables.
var reserved = []string{
	"as", "break", "const", "continue", "else", "false", "for", "function",
	"if", "import", "in", "let", "loop", "package", "namespace", "null",
	"return", "true", "var", "void", "while",
}

// declarable returns the sorted variable names that are valid identifiers.
func declarable(vars Vars) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		if isIdent(name) && !slices.Contains(reserved, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
