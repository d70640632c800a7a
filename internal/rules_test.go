package internal

import "testing"

// TestRuleEngineEvaluate tests that the rule engine correctly evaluates a simple rule.
func TestRuleEngineEvaluate(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "action == \"opened\"", Emit: "pr.opened"},
			{When: "action == \"closed\" && merged == true", Emit: "pr.merged"},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"action":"opened","merged":false}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(matches))
	}
	if matches[0].Topic != "pr.opened" {
		t.Fatalf("expected topic pr.opened, got %q", matches[0].Topic)
	}
}

// TestRuleEngineEvaluateMissingField tests that a rule referencing a missing field does not match.
func TestRuleEngineEvaluateMissingField(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "missing == true", Emit: "never"},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "push",
		RawPayload: []byte(`{}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 0 {
		t.Fatalf("expected no topics, got %d", len(matches))
	}
}

// TestRuleEngineWithDrivers tests that a rule carries its driver list into the match.
func TestRuleEngineWithDrivers(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "action == \"opened\"", Emit: "pr.opened", Drivers: []string{"amqp", "http"}},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"action":"opened"}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if len(matches[0].Drivers) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(matches[0].Drivers))
	}
}

// TestRuleEngineNestedFields tests bracket access to flattened nested fields.
func TestRuleEngineNestedFields(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: `[pull_request.draft] == false`, Emit: "pr.ready"},
			{When: `[pull_request.merged] == true`, Emit: "pr.merged"},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		RawPayload: []byte(`{"pull_request":{"draft":false,"merged":true}}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
}

// TestRuleEnginePrefersFlattenedData tests that pre-flattened data wins over the raw payload.
func TestRuleEnginePrefersFlattenedData(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "action == \"closed\"", Emit: "pr.closed"},
		},
	}

	engine, err := NewRuleEngine(cfg)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	event := Event{
		Provider:   "github",
		Name:       "pull_request",
		Data:       map[string]interface{}{"action": "closed"},
		RawPayload: []byte(`{"action":"opened"}`),
	}

	matches := engine.Evaluate(event)
	if len(matches) != 1 || matches[0].Topic != "pr.closed" {
		t.Fatalf("expected pr.closed from flattened data, got %v", matches)
	}
}

// TestRuleEngineRejectsBadExpression tests that a malformed rule fails engine construction.
func TestRuleEngineRejectsBadExpression(t *testing.T) {
	cfg := RulesConfig{
		Rules: []Rule{
			{When: "action ===", Emit: "broken"},
		},
	}
	if _, err := NewRuleEngine(cfg); err == nil {
		t.Fatal("expected error for malformed expression")
	}
}
