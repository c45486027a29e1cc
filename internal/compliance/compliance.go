// Package compliance evaluates rule expressions over completed verification
// outcomes. Rules compile once at engine construction; a failed check can
// raise a risk flag that travels with the audit completion.
package compliance

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Env is the expression environment one verification outcome is evaluated in.
// Workflows that skip classification leave Decision empty, so decision-keyed
// rules pass vacuously for them.
type Env struct {
	Decision   string   `expr:"decision"`
	Confidence float64  `expr:"confidence"`
	Status     string   `expr:"status"`
	Issues     []string `expr:"issues"`
	Kind       string   `expr:"kind"`
}

// EnvFor builds the evaluation environment for a step outcome. decision may
// be nil for workflows without a classifier verdict. Issues is never nil.
func EnvFor(kind schemas.WorkflowKind, status schemas.StepStatus, decision *schemas.AIDecision) Env {
	env := Env{
		Status: string(status),
		Kind:   string(kind),
	}
	if decision != nil {
		env.Decision = string(decision.Decision)
		env.Confidence = decision.Confidence
		env.Issues = decision.IssuesFound
	}
	if env.Issues == nil {
		env.Issues = []string{}
	}
	return env
}

type compiledRule struct {
	name  string
	check *vm.Program
	flag  *vm.Program
}

// Engine holds the compiled rule set.
type Engine struct {
	rules  []compiledRule
	logger *zap.Logger
}

// NewEngine compiles the embedded default rules plus any configured
// extensions. Rule names must be unique across both sets; every check must
// type-check as a boolean over Env.
func NewEngine(extra []config.ComplianceRule, logger *zap.Logger) (*Engine, error) {
	var doc struct {
		Rules []config.ComplianceRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(defaultRules, &doc); err != nil {
		return nil, fmt.Errorf("compliance: decoding built-in rules: %w", err)
	}

	all := append(doc.Rules, extra...)
	engine := &Engine{
		rules:  make([]compiledRule, 0, len(all)),
		logger: logger.Named("compliance"),
	}

	seen := make(map[string]bool, len(all))
	for _, r := range all {
		if r.Name == "" {
			return nil, fmt.Errorf("compliance: rule with empty name")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("compliance: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true

		check, err := expr.Compile(r.Check, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compliance: rule %q check: %w", r.Name, err)
		}

		var flag *vm.Program
		if strings.TrimSpace(r.RiskFlag) != "" {
			flag, err = expr.Compile(r.RiskFlag, expr.Env(Env{}))
			if err != nil {
				return nil, fmt.Errorf("compliance: rule %q risk flag: %w", r.Name, err)
			}
		}

		engine.rules = append(engine.rules, compiledRule{name: r.Name, check: check, flag: flag})
	}
	return engine, nil
}

// Evaluate runs every rule against env. It returns one check per rule, in
// rule order, plus the deduplicated risk flags raised by failing checks.
func (e *Engine) Evaluate(env Env) ([]schemas.ComplianceCheck, []string) {
	checks := make([]schemas.ComplianceCheck, 0, len(e.rules))
	var flags []string
	raised := make(map[string]bool)

	for _, rule := range e.rules {
		passed := e.runCheck(rule, env)
		checks = append(checks, schemas.ComplianceCheck{Name: rule.name, Passed: passed})
		if passed || rule.flag == nil {
			continue
		}

		out, err := expr.Run(rule.flag, env)
		if err != nil {
			e.logger.Warn("Risk flag expression failed to evaluate",
				zap.String("rule", rule.name), zap.Error(err))
			continue
		}
		flag, ok := out.(string)
		if !ok {
			e.logger.Warn("Risk flag expression must produce a string",
				zap.String("rule", rule.name), zap.String("got", fmt.Sprintf("%T", out)))
			continue
		}
		if flag == "" || raised[flag] {
			continue
		}
		raised[flag] = true
		flags = append(flags, flag)
	}
	return checks, flags
}

// runCheck evaluates one check expression. An evaluation error counts as a
// failed check and is logged.
func (e *Engine) runCheck(rule compiledRule, env Env) bool {
	out, err := expr.Run(rule.check, env)
	if err != nil {
		e.logger.Warn("Compliance check failed to evaluate",
			zap.String("rule", rule.name), zap.Error(err))
		return false
	}
	passed, ok := out.(bool)
	return ok && passed
}
