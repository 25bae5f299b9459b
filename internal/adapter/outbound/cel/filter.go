package cel

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/policy"
)

// Filter evaluates configured local rules against an operation before the
// remote inspection. Rules are compiled once at startup; a rule that fails
// to evaluate at runtime is skipped, not treated as a match.
type Filter struct {
	rules  []compiledRule
	eval   *Evaluator
	logger *slog.Logger
}

type compiledRule struct {
	rule    policy.LocalRule
	program cel.Program
}

// NewFilter compiles every rule. A rule that does not compile is a
// configuration error and fails startup.
func NewFilter(rules []policy.LocalRule, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if err := eval.ValidateExpression(rule.Expr); err != nil {
			return nil, fmt.Errorf("local rule %q: %w", rule.Name, err)
		}
		prg, err := eval.Compile(rule.Expr)
		if err != nil {
			return nil, fmt.Errorf("local rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, program: prg})
	}
	return &Filter{rules: compiled, eval: eval, logger: logger}, nil
}

// Match evaluates rules in order and returns the verdict of the first match,
// or nil when no rule matches and the remote inspection should run.
func (f *Filter) Match(evalCtx policy.EvaluationContext) *decision.Verdict {
	for _, c := range f.rules {
		matched, err := f.eval.Evaluate(c.program, evalCtx)
		if err != nil {
			f.logger.Warn("local rule evaluation failed",
				"rule", c.rule.Name, "error", err)
			continue
		}
		if !matched {
			continue
		}
		f.logger.Debug("local rule matched",
			"rule", c.rule.Name, "decision", c.rule.Decision, "tool", evalCtx.Tool)
		return f.verdictFor(c.rule)
	}
	return nil
}

func (f *Filter) verdictFor(rule policy.LocalRule) *decision.Verdict {
	reason := rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("Matched local rule %q", rule.Name)
	}
	verdict := &decision.Verdict{
		Reasons:      []string{reason},
		MatchedRules: []string{rule.Name},
	}
	if rule.Decision == "allow" {
		verdict.Decision = decision.DecisionAllow
		return verdict
	}
	verdict.Decision = decision.DecisionBlock
	verdict.Severity = rule.Severity
	if verdict.Severity == "" {
		verdict.Severity = decision.SeverityHigh
	}
	return verdict
}
