package strategy

import "testing"

func TestIdleLeastLoadedPrefersFewestTasksCompleted(t *testing.T) {
	s := NewIdleLeastLoadedStrategy()
	req := &Request{Candidates: []Candidate{
		{AgentID: "agent-2", Idle: true, TasksCompleted: 5},
		{AgentID: "agent-1", Idle: true, TasksCompleted: 2},
		{AgentID: "agent-3", Idle: false, TasksCompleted: 0},
	}}

	agentID, reason := s.SelectAgent(req)
	if agentID != "agent-1" {
		t.Fatalf("expected agent-1, got %q", agentID)
	}
	if reason != "idle_least_loaded" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestIdleLeastLoadedBreaksTiesByAgentIDLexOrder(t *testing.T) {
	s := NewIdleLeastLoadedStrategy()
	req := &Request{Candidates: []Candidate{
		{AgentID: "agent-b", Idle: true, TasksCompleted: 3},
		{AgentID: "agent-a", Idle: true, TasksCompleted: 3},
	}}

	agentID, _ := s.SelectAgent(req)
	if agentID != "agent-a" {
		t.Fatalf("expected agent-a on tie, got %q", agentID)
	}
}

func TestIdleLeastLoadedReturnsEmptyWhenNoneIdle(t *testing.T) {
	s := NewIdleLeastLoadedStrategy()
	req := &Request{Candidates: []Candidate{
		{AgentID: "agent-1", Idle: false, TasksCompleted: 1},
	}}

	agentID, reason := s.SelectAgent(req)
	if agentID != "" || reason != "" {
		t.Fatalf("expected no selection, got %q/%q", agentID, reason)
	}
}

func TestLeastLoadedFallbackOnlyConsidersIdleCandidates(t *testing.T) {
	s := NewLeastLoadedFallbackStrategy()
	req := &Request{Candidates: []Candidate{
		{AgentID: "agent-1", Idle: false, TasksCompleted: 0},
		{AgentID: "agent-2", Idle: true, TasksCompleted: 4},
	}}

	agentID, reason := s.SelectAgent(req)
	if agentID != "agent-2" {
		t.Fatalf("expected agent-2 (the only idle candidate), got %q", agentID)
	}
	if reason != "least_loaded_fallback" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestLeastLoadedFallbackReturnsEmptyWhenNoneIdle(t *testing.T) {
	s := NewLeastLoadedFallbackStrategy()
	req := &Request{Candidates: []Candidate{
		{AgentID: "agent-1", Idle: false, TasksCompleted: 0},
		{AgentID: "agent-2", Idle: false, TasksCompleted: 4},
	}}

	agentID, reason := s.SelectAgent(req)
	if agentID != "" || reason != "" {
		t.Fatalf("expected no selection when every candidate is busy, got %q/%q", agentID, reason)
	}
}

func TestLeastLoadedFallbackReturnsEmptyWithNoCandidates(t *testing.T) {
	s := NewLeastLoadedFallbackStrategy()
	agentID, reason := s.SelectAgent(&Request{})
	if agentID != "" || reason != "" {
		t.Fatalf("expected no selection, got %q/%q", agentID, reason)
	}
}

func TestChainPrefersEarlierStrategyWhenBothMatch(t *testing.T) {
	// IdleLeastLoadedStrategy and LeastLoadedFallbackStrategy now share the
	// same idle-only eligibility filter, so whenever an idle candidate
	// exists both would select it — the chain must still report the
	// earlier strategy's name as the reason.
	c := NewChain(NewIdleLeastLoadedStrategy(), NewLeastLoadedFallbackStrategy())

	req := &Request{Candidates: []Candidate{
		{AgentID: "agent-2", Idle: true, TasksCompleted: 0},
	}}
	agentID, reason := c.SelectAgent(req)
	if agentID != "agent-2" || reason != "idle_least_loaded" {
		t.Fatalf("expected idle strategy to win, got %q/%q", agentID, reason)
	}
}

func TestChainFallsThroughWhenNoCandidateIsIdle(t *testing.T) {
	c := NewChain(NewIdleLeastLoadedStrategy(), NewLeastLoadedFallbackStrategy())

	req := &Request{Candidates: []Candidate{
		{AgentID: "agent-1", Idle: false, TasksCompleted: 2},
	}}
	agentID, reason := c.SelectAgent(req)
	if agentID != "" || reason != "no_strategy_matched" {
		t.Fatalf("expected no match since no candidate is idle, got %q/%q", agentID, reason)
	}
}

func TestChainReturnsNoStrategyMatchedWithNoCandidates(t *testing.T) {
	c := NewChain(NewIdleLeastLoadedStrategy(), NewLeastLoadedFallbackStrategy())
	agentID, reason := c.SelectAgent(&Request{})
	if agentID != "" {
		t.Fatalf("expected no selection, got %q", agentID)
	}
	if reason != "no_strategy_matched" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestStrategiesReturnsCopyNotLiveSlice(t *testing.T) {
	c := NewChain(NewIdleLeastLoadedStrategy())
	got := c.Strategies()
	got[0] = NewLeastLoadedFallbackStrategy()
	if c.strategies[0].Name() != "idle_least_loaded" {
		t.Fatalf("Strategies() leaked a mutable reference to internal slice")
	}
}
