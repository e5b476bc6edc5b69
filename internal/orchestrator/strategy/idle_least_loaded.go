package strategy

// IdleLeastLoadedStrategy implements spec.md §4.6 rule 2: among idle
// agents, prefer the one with fewest tasks completed (load-balance for
// freshness), breaking ties by agent_id lexicographic order.
type IdleLeastLoadedStrategy struct{}

// NewIdleLeastLoadedStrategy builds the primary agent selection strategy.
func NewIdleLeastLoadedStrategy() *IdleLeastLoadedStrategy {
	return &IdleLeastLoadedStrategy{}
}

func (s *IdleLeastLoadedStrategy) Name() string { return "idle_least_loaded" }

// SelectAgent returns the idle candidate with the fewest TasksCompleted,
// or ("", "") if no candidate is idle.
func (s *IdleLeastLoadedStrategy) SelectAgent(req *Request) (string, string) {
	var best *Candidate
	for i := range req.Candidates {
		c := &req.Candidates[i]
		if !c.Idle {
			continue
		}
		if best == nil ||
			c.TasksCompleted < best.TasksCompleted ||
			(c.TasksCompleted == best.TasksCompleted && c.AgentID < best.AgentID) {
			best = c
		}
	}
	if best == nil {
		return "", ""
	}
	return best.AgentID, "idle_least_loaded"
}

// LeastLoadedFallbackStrategy implements spec.md §4.6 rule 3's fallback:
// once the wait window has elapsed with no agent idle, keep preferring the
// least-loaded agent among whichever ones are idle by the time the
// Dispatcher checks again. It never selects a candidate already running a
// task — the Dispatcher never overcommits an agent — so despite being
// named "fallback" its eligibility filter is identical to
// IdleLeastLoadedStrategy's; the two are kept as distinct chain entries
// because they answer different questions (try once now vs. keep trying
// past the deadline), not because the fallback is allowed to overcommit.
type LeastLoadedFallbackStrategy struct{}

// NewLeastLoadedFallbackStrategy builds the fallback selection strategy.
func NewLeastLoadedFallbackStrategy() *LeastLoadedFallbackStrategy {
	return &LeastLoadedFallbackStrategy{}
}

func (s *LeastLoadedFallbackStrategy) Name() string { return "least_loaded_fallback" }

func (s *LeastLoadedFallbackStrategy) SelectAgent(req *Request) (string, string) {
	var best *Candidate
	for i := range req.Candidates {
		c := &req.Candidates[i]
		if !c.Idle {
			continue
		}
		if best == nil ||
			c.TasksCompleted < best.TasksCompleted ||
			(c.TasksCompleted == best.TasksCompleted && c.AgentID < best.AgentID) {
			best = c
		}
	}
	if best == nil {
		return "", ""
	}
	return best.AgentID, "least_loaded_fallback"
}
