package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/membership/domain"
)

const bootstrapQuery = "data.tenant.bootstrap"

// DefaultBootstrapPolicy grants config.first_member_role to the first member of an organization when the
// membership comes from one of config.sources, and otherwise keeps the requested role or config.default_role.
const DefaultBootstrapPolicy = `package tenant.bootstrap

default first_member := false

first_member if {
	input.org.live_members == 0
	input.source in input.config.sources
}

default role := ""

role := input.config.first_member_role if first_member

role := input.requested_role if {
	not first_member
	input.requested_role != ""
}

role := input.config.default_role if {
	not first_member
	input.requested_role == ""
}
`

// OPAEvaluator evaluates the bootstrap role policy with OPA Rego.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
	cfg   BootstrapConfig
	log   *zap.Logger
}

// NewOPAEvaluator compiles module (DefaultBootstrapPolicy when empty) and prepares the bootstrap query.
func NewOPAEvaluator(ctx context.Context, cfg BootstrapConfig, module string, log *zap.Logger) (*OPAEvaluator, error) {
	if !cfg.DefaultRole.Valid() {
		return nil, fmt.Errorf("bootstrap: invalid default role %q", cfg.DefaultRole)
	}
	if !cfg.FirstMemberRole.Valid() {
		return nil, fmt.Errorf("bootstrap: invalid first member role %q", cfg.FirstMemberRole)
	}
	if module == "" {
		module = DefaultBootstrapPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"bootstrap.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile bootstrap policy: %w", err)
	}
	pq, err := rego.New(rego.Query(bootstrapQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare bootstrap policy: %w", err)
	}
	return &OPAEvaluator{query: pq, cfg: cfg, log: logger.OrNop(log)}, nil
}

// DecideBootstrap evaluates the policy for in. On evaluation failure it logs and falls back to the
// least privileged outcome: no first-member elevation, requested role or the default role.
func (e *OPAEvaluator) DecideBootstrap(ctx context.Context, in BootstrapInput) (BootstrapDecision, error) {
	d, err := e.eval(ctx, in)
	if err != nil {
		e.log.Warn("policy: bootstrap evaluation failed, using defaults", zap.Error(err))
		return e.fallback(in), nil
	}
	if !d.FirstMember {
		return d, nil
	}
	// The first-member rule only ever raises a role.
	d.Floor = d.Role
	if in.RequestedRole.Valid() && in.RequestedRole.Rank() > d.Role.Rank() {
		d.Role = in.RequestedRole
	}
	return d, nil
}

// HealthCheck verifies the prepared policy evaluates to a known role for a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	d, err := e.eval(ctx, BootstrapInput{Source: domain.SourceAdmin, LiveMembers: 1})
	if err != nil {
		return err
	}
	if !d.Role.Valid() {
		return fmt.Errorf("bootstrap policy returned role %q", d.Role)
	}
	return nil
}

func (e *OPAEvaluator) eval(ctx context.Context, in BootstrapInput) (BootstrapDecision, error) {
	sources := make([]string, 0, len(e.cfg.Sources))
	for _, s := range e.cfg.Sources {
		sources = append(sources, string(s))
	}
	input := map[string]interface{}{
		"source":         string(in.Source),
		"requested_role": string(in.RequestedRole),
		"org":            map[string]interface{}{"live_members": in.LiveMembers},
		"config": map[string]interface{}{
			"first_member_role": string(e.cfg.FirstMemberRole),
			"default_role":      string(e.cfg.DefaultRole),
			"sources":           sources,
		},
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return BootstrapDecision{}, fmt.Errorf("eval bootstrap policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return BootstrapDecision{}, fmt.Errorf("bootstrap policy returned no result")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return BootstrapDecision{}, fmt.Errorf("bootstrap policy returned %T", rs[0].Expressions[0].Value)
	}
	first, _ := obj["first_member"].(bool)
	roleStr, _ := obj["role"].(string)
	role, err := domain.ParseRole(roleStr)
	if err != nil {
		return BootstrapDecision{}, fmt.Errorf("bootstrap policy: %w", err)
	}
	return BootstrapDecision{FirstMember: first, Role: role}, nil
}

func (e *OPAEvaluator) fallback(in BootstrapInput) BootstrapDecision {
	if in.RequestedRole.Valid() {
		return BootstrapDecision{Role: in.RequestedRole}
	}
	return BootstrapDecision{Role: e.cfg.DefaultRole}
}
