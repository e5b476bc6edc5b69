// Package strategy implements the Dispatcher's agent selection policy
// (spec.md §4.6): deterministic, documented rules for picking which agent
// runs the next task.
//
// Adapted from the teacher's internal/apiserver/scheduler Strategy /
// StrategyChain pattern, generalized from "select a Node for a Run" to
// "select an Agent for a Task".
package strategy

// Candidate is one agent's selection-relevant state, as snapshotted by the
// Orchestrator immediately before a selection call.
type Candidate struct {
	AgentID        string
	Idle           bool
	TasksCompleted int
}

// Request carries the candidates a selection call chooses among. Kept as
// its own type, mirroring the teacher's ScheduleRequest, so a strategy
// chain can be extended with more fields (e.g. task affinity) without
// changing every Strategy's signature.
type Request struct {
	Candidates []Candidate
}

// Strategy selects one agent from req.Candidates, or ("", "") if none is
// suitable.
type Strategy interface {
	// Name identifies the strategy for logging.
	Name() string
	// SelectAgent returns the chosen agent_id and the reason it was
	// chosen, or ("", "") if no candidate qualifies.
	SelectAgent(req *Request) (agentID string, reason string)
}

// Chain tries each strategy in order, returning the first non-empty
// selection. Mirrors the teacher's StrategyChain: an ordered fallback list
// rather than a single monolithic policy.
type Chain struct {
	strategies []Strategy
}

// NewChain builds a Chain trying strategies in the given order.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// SelectAgent tries each strategy in order until one returns a non-empty
// agent_id.
func (c *Chain) SelectAgent(req *Request) (string, string) {
	for _, s := range c.strategies {
		if agentID, reason := s.SelectAgent(req); agentID != "" {
			return agentID, reason
		}
	}
	return "", "no_strategy_matched"
}

// Add appends s to the end of the chain.
func (c *Chain) Add(s Strategy) {
	c.strategies = append(c.strategies, s)
}

// Strategies returns a copy of the chain's current strategy list.
func (c *Chain) Strategies() []Strategy {
	result := make([]Strategy, len(c.strategies))
	copy(result, c.strategies)
	return result
}
