package conflict

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/example/offline-sync/internal/types"
)

// PolicySet holds one compiled CEL expression per entity type. An expression
// decides a pending conflict and must evaluate to "local_wins", "server_wins"
// or "pending".
//
// Variables: entity_type, action (string); local, server, base (map);
// overlapping (list of string); server_version, base_version (int, base_version
// is -1 for duplicate creates).
type PolicySet struct {
	programs map[types.EntityType]cel.Program
	sources  map[types.EntityType]string
}

func policyEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("local", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("server", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("base", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("overlapping", cel.ListType(cel.StringType)),
		cel.Variable("server_version", cel.IntType),
		cel.Variable("base_version", cel.IntType),
	)
}

// NewPolicySet compiles expressions keyed by entity type. Empty expressions
// are skipped.
func NewPolicySet(expressions map[types.EntityType]string) (*PolicySet, error) {
	env, err := policyEnv()
	if err != nil {
		return nil, fmt.Errorf("policy env: %w", err)
	}
	ps := &PolicySet{
		programs: make(map[types.EntityType]cel.Program, len(expressions)),
		sources:  make(map[types.EntityType]string, len(expressions)),
	}
	for entityType, expr := range expressions {
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy %s: %w", entityType, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.StringType) {
			return nil, fmt.Errorf("policy %s: must evaluate to a string, got %s", entityType, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", entityType, err)
		}
		ps.programs[entityType] = prg
		ps.sources[entityType] = expr
	}
	return ps, nil
}

// Has reports whether a policy exists for entityType.
func (p *PolicySet) Has(entityType types.EntityType) bool {
	if p == nil {
		return false
	}
	_, ok := p.programs[entityType]
	return ok
}

// Decide evaluates the entity type's policy for c. Without a policy the
// conflict stays pending.
func (p *PolicySet) Decide(c types.SyncConflict) (types.Resolution, error) {
	if !p.Has(c.EntityType) {
		return types.ResolutionPending, nil
	}
	baseVersion := int64(-1)
	if c.BaseVersion != nil {
		baseVersion = int64(*c.BaseVersion)
	}
	overlapping := c.Overlapping
	if overlapping == nil {
		overlapping = []string{}
	}

	out, _, err := p.programs[c.EntityType].Eval(map[string]any{
		"entity_type":    string(c.EntityType),
		"action":         string(c.Action),
		"local":          plainMap(c.LocalVersion),
		"server":         plainMap(c.ServerVersion.Fields),
		"base":           plainMap(c.BaseState),
		"overlapping":    overlapping,
		"server_version": int64(c.ServerVersion.Version),
		"base_version":   baseVersion,
	})
	if err != nil {
		return types.ResolutionPending, fmt.Errorf("policy %s: %w", c.EntityType, err)
	}
	decision, ok := out.Value().(string)
	if !ok {
		return types.ResolutionPending, fmt.Errorf("policy %s: non-string result %v", c.EntityType, out.Value())
	}
	switch r := types.Resolution(decision); r {
	case types.ResolutionLocalWins, types.ResolutionServerWins, types.ResolutionPending:
		return r, nil
	default:
		return types.ResolutionPending, fmt.Errorf("policy %s: unsupported decision %q", c.EntityType, decision)
	}
}

func plainMap(f types.Fields) map[string]any {
	if f == nil {
		return map[string]any{}
	}
	return map[string]any(f)
}
