package expressions

// Resolver bundles the template resolver and the expression engines behind a
// single dependency handed to node handlers. All methods are side-effect
// free and safe for concurrent use from parallel branches.
type Resolver struct {
	cel   *CELEngine
	expr  *ExprEngine
	query *QueryEngine
}

// NewResolver creates a Resolver with all engines initialized.
func NewResolver() *Resolver {
	return &Resolver{
		cel:   NewCELEngine(),
		expr:  NewExprEngine(),
		query: NewQueryEngine(),
	}
}

// Template resolves a {{dotted.path}} template against the variable store.
func (r *Resolver) Template(template string, vars map[string]any) (any, error) {
	return ResolveTemplate(template, vars)
}

// Mapping resolves an inputMapping, one template per key.
func (r *Resolver) Mapping(mapping map[string]string, vars map[string]any) (map[string]any, error) {
	return ResolveMapping(mapping, vars)
}

// Condition evaluates a boolean condition expression.
func (r *Resolver) Condition(expression string, vars map[string]any) (bool, error) {
	return r.cel.Condition(expression, vars)
}

// Query runs a jq path-query against a value.
func (r *Resolver) Query(expression string, input any) (any, error) {
	return r.query.Query(expression, normalizeForQuery(input))
}

// Eval runs a sandboxed pure expression against an environment.
func (r *Resolver) Eval(expression string, env map[string]any) (any, error) {
	return r.expr.Eval(expression, env)
}
