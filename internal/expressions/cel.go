package expressions

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// CELEngine evaluates condition-node expressions using Google's Common
// Expression Language. Expressions see the variable store's top-level keys
// as dyn-typed variables, so `score > 50` compares against the workflow
// variable `score` directly.
// Thread-safe: compiled programs are cached per expression and key set.
type CELEngine struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL condition engine.
func NewCELEngine() *CELEngine {
	return &CELEngine{cache: make(map[string]cel.Program)}
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Condition evaluates a boolean expression against the variable store.
// Template markers are substituted before evaluation, so both
// `score > 50` and `{{lead.score}} > 50` forms are accepted.
// A reference to a missing variable or a non-boolean result fails with
// kind TYPE_MISMATCH, distinct from template resolution's UNKNOWN_PATH.
func (e *CELEngine) Condition(expression string, vars map[string]any) (bool, error) {
	if expression == "" {
		return false, schema.NewError(schema.ErrKindValidation, "empty condition expression")
	}

	// Pre-substitute {{path}} markers into literals.
	if HasMarkers(expression) {
		resolved, err := substituteLiterals(expression, vars)
		if err != nil {
			return false, err
		}
		expression = resolved
	}

	prg, err := e.getOrCompile(expression, vars)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, len(vars))
	for k, v := range vars {
		activation[k] = v
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrKindTypeMismatch,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrKindTypeMismatch,
			"condition %q evaluated to %T, expected boolean", expression, out.Value()).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches one.
// The cache key includes the declared variable names because the environment
// is derived from the current store's top-level keys.
func (e *CELEngine) getOrCompile(expression string, vars map[string]any) (cel.Program, error) {
	names := make([]string, 0, len(vars))
	for k := range vars {
		if validIdent(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	cacheKey := expression + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	if prg, ok := e.cache[cacheKey]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[cacheKey]; ok {
		return prg, nil
	}

	// Substituted markers carry their native numeric type, so a double
	// operand must compare cleanly against an int literal.
	opts := make([]cel.EnvOption, 0, len(names)+1)
	opts = append(opts, cel.CrossTypeNumericComparisons(true))
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindExecution, "create condition environment: %s", err.Error()).WithCause(err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrKindTypeMismatch,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindTypeMismatch,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[cacheKey] = prg
	return prg, nil
}

// substituteLiterals replaces {{path}} markers with CEL literals so resolved
// values keep their native type inside the expression.
func substituteLiterals(expression string, vars map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(expression))

	i := 0
	for i < len(expression) {
		idx := strings.Index(expression[i:], "{{")
		if idx == -1 {
			result.WriteString(expression[i:])
			break
		}
		result.WriteString(expression[i : i+idx])
		start := i + idx + 2

		end := strings.Index(expression[start:], "}}")
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrKindValidation, "unclosed {{ marker in expression %q", expression)
		}
		end += start

		path := strings.TrimSpace(expression[start:end])
		val, err := LookupPath(vars, path)
		if err != nil {
			// Inside a comparison a missing operand is a type mismatch.
			return "", schema.NewErrorf(schema.ErrKindTypeMismatch,
				"missing operand %q in condition %q", path, expression).
				WithDetails(map[string]any{"path": path, "expression": expression})
		}
		result.WriteString(celLiteral(val))

		i = end + 2
	}

	return result.String(), nil
}

func celLiteral(val any) string {
	switch v := val.(type) {
	case string:
		return quoteString(v)
	case nil:
		return "null"
	default:
		return stringify(v)
	}
}

// quoteString quotes a string as a CEL string literal.
func quoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// validIdent reports whether a variable name is usable as a CEL identifier.
func validIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
