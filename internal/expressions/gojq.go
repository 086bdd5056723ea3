package expressions

import (
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// QueryEngine evaluates jq path-query expressions for transform nodes:
// filtering, reshaping, and aggregating node outputs.
// Thread-safe: compiled *gojq.Code objects are cached and reused across
// goroutines.
type QueryEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewQueryEngine creates a new jq transform engine.
func NewQueryEngine() *QueryEngine {
	return &QueryEngine{cache: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *QueryEngine) Name() string {
	return "jq"
}

// Query compiles (or retrieves from cache) a jq expression and runs it
// against the input value. When the query yields exactly one output it is
// returned directly; multiple outputs are collected into a []any.
func (e *QueryEngine) Query(expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrKindValidation, "empty query expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.Run(input)
	var outputs []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrKindTransform,
				"query evaluation failed for %q: %s", expression, qerr.Error()).
				WithCause(qerr).
				WithDetails(map[string]any{"expression": expression})
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

func (e *QueryEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindTransform,
			"query parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindTransform,
			"query compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForQuery converts arbitrary values into the plain JSON types gojq
// accepts (maps, slices, strings, float64, bool, nil).
func normalizeForQuery(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return v
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		// Fall back to a string rendering for exotic types.
		return fmt.Sprintf("%v", v)
	}
}
