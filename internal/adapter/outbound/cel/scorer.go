// Package cel provides the CEL-based risk rule evaluator for the
// quarantine coordinator. Operators express risk rules as boolean CEL
// expressions over window aggregates; each matched rule adds its
// weight to the base deny-rate score.
package cel

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/agentgate/agentgate/internal/domain/risk"
)

// maxExpressionLength bounds rule expressions.
const maxExpressionLength = 1024

// evalTimeout bounds one rule evaluation.
const evalTimeout = time.Second

// Rule is one configured risk rule.
type Rule struct {
	Name string
	// Expression is a boolean CEL expression over the window signals:
	// total, denies, approvals, deny_rate, distinct_tools.
	Expression string
	// Weight is added to the score when the expression matches.
	Weight float64
}

// Scorer evaluates compiled risk rules over decision windows.
type Scorer struct {
	rules  []compiledRule
	logger *slog.Logger
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// NewScorer compiles the rules. An invalid expression fails
// construction so a bad rule never silently scores zero.
func NewScorer(rules []Rule, logger *slog.Logger) (*Scorer, error) {
	env, err := cel.NewEnv(
		cel.Variable("total", cel.IntType),
		cel.Variable("denies", cel.IntType),
		cel.Variable("approvals", cel.IntType),
		cel.Variable("deny_rate", cel.DoubleType),
		cel.Variable("distinct_tools", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create risk environment: %w", err)
	}

	s := &Scorer{logger: logger}
	for _, r := range rules {
		if len(r.Expression) > maxExpressionLength {
			return nil, fmt.Errorf("risk rule %q: expression too long", r.Name)
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("risk rule %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("risk rule %q: %w", r.Name, err)
		}
		s.rules = append(s.rules, compiledRule{rule: r, prg: prg})
	}
	return s, nil
}

// denyRateWeight is the contribution of the raw deny rate to the
// score; matched rules supply the rest, so a single denial can never
// reach a sane threshold on its own.
const denyRateWeight = 0.3

// Score computes the window score: the weighted deny rate plus the
// weight of every matched rule, clamped to 1.
func (s *Scorer) Score(window []risk.Sample) float64 {
	sig := risk.Aggregate(window)
	if sig.Total == 0 {
		return 0
	}

	score := denyRateWeight * sig.DenyRate
	activation := map[string]any{
		"total":          int64(sig.Total),
		"denies":         int64(sig.Denies),
		"approvals":      int64(sig.Approvals),
		"deny_rate":      sig.DenyRate,
		"distinct_tools": int64(sig.DistinctTools),
	}

	for _, cr := range s.rules {
		matched, err := s.evalRule(cr, activation)
		if err != nil {
			s.logger.Warn("risk rule evaluation failed", "rule", cr.rule.Name, "error", err)
			continue
		}
		if matched {
			score += cr.rule.Weight
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

func (s *Scorer) evalRule(cr compiledRule, activation map[string]any) (bool, error) {
	result, _, err := cr.prg.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// DefaultRules are the shipped risk rules: a burst of denials adds 0.5
// and a tool sweep adds 0.3 on top of the weighted deny rate. With every
// windowed decision a denial, the deny burst alone scores 0.8.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "deny-burst", Expression: "denies >= 5 && deny_rate >= 0.5", Weight: 0.5},
		{Name: "tool-sweep", Expression: "distinct_tools >= 10 && deny_rate >= 0.3", Weight: 0.3},
	}
}

var _ risk.Scorer = (*Scorer)(nil)
