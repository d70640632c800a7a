package internal

import (
	"encoding/json"
	"log"

	"github.com/Knetic/govaluate"
)

// Rule routes events matching a govaluate expression to a topic. Flattened
// payload fields are addressed with bracket syntax, e.g.
// `[pull_request.merged] == true`. Drivers optionally narrows which
// notification drivers receive the topic.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    string   `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// Match is one fired rule.
type Match struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	emit    string
	drivers []string
	expr    *govaluate.EvaluableExpression
}

// RuleEngine evaluates routing rules over event payloads.
type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

// NewRuleEngine compiles the configured rules. A rule that does not parse
// fails the whole engine so a bad deploy is caught at startup.
func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		expr, err := govaluate.NewEvaluableExpression(rule.When)
		if err != nil {
			return nil, err
		}
		rules = append(rules, compiledRule{emit: rule.Emit, drivers: rule.Drivers, expr: expr})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Evaluate returns the matches for one event. Fields referenced by a rule
// but absent from the payload make that rule a non-match; in strict mode
// the miss is also logged.
func (r *RuleEngine) Evaluate(event Event) []Match {
	if len(r.rules) == 0 {
		return nil
	}

	params := event.Data
	if len(params) == 0 && len(event.RawPayload) > 0 {
		params = flattenRaw(event.RawPayload)
	}

	matches := make([]Match, 0, 1)
	for _, rule := range r.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			if r.strict {
				r.logger.Printf("rule %q eval failed for %s/%s: %v", rule.emit, event.Provider, event.Name, err)
			}
			continue
		}
		ok, _ := result.(bool)
		if ok {
			matches = append(matches, Match{Topic: rule.emit, Drivers: rule.drivers})
		}
	}
	return matches
}

func flattenRaw(raw []byte) map[string]interface{} {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]interface{}{}
	}
	return Flatten(payload)
}
