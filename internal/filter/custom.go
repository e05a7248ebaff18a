package filter

import (
	"errors"
	"fmt"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
	"github.com/couchcryptid/storm-alert-pipeline/internal/rules"
)

// Rule is a named condition. A rule passes when its condition holds, or when
// it does not hold and Negate is set.
type Rule struct {
	Name      string          `yaml:"name"`
	Condition rules.Condition `yaml:",inline"`
	Negate    bool            `yaml:"negate,omitempty"`
	Disabled  bool            `yaml:"disabled,omitempty"`
}

// CustomRuleFilter requires every enabled rule to pass. Rules of an unknown
// type pass.
type CustomRuleFilter struct {
	base
	Rules     []Rule
	evaluator *rules.Evaluator
}

// NewCustomRuleFilter creates an enabled CustomRuleFilter.
func NewCustomRuleFilter(name string, evaluator *rules.Evaluator, rs ...Rule) *CustomRuleFilter {
	return &CustomRuleFilter{
		base:      base{name: name},
		Rules:     rs,
		evaluator: evaluator,
	}
}

func (f *CustomRuleFilter) Check(a domain.Alert) (Result, error) {
	var evaluated []string
	for _, r := range f.Rules {
		if r.Disabled {
			continue
		}
		ok, err := f.evaluator.Evaluate(a, r.Condition)
		if errors.Is(err, rules.ErrUnknownKind) {
			evaluated = append(evaluated, r.Name)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if ok == r.Negate {
			return reject(fmt.Sprintf("custom rule failed: %s", r.Name), map[string]any{
				"rule": r.Name,
			}), nil
		}
		evaluated = append(evaluated, r.Name)
	}
	return Result{Passed: true, Reason: "custom rules passed", Metadata: map[string]any{
		"rules_evaluated": evaluated,
	}}, nil
}
