// internal/router/router.go
package router

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/mcoda/mcoda/internal/types"
)

// Rand is the randomness the router consumes. Injectable so selection is
// testable with a scripted sequence.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// NewRand returns a seeded math/rand source satisfying Rand.
func NewRand(seed int64) Rand {
	return rand.New(rand.NewSource(seed))
}

// Candidate pairs an agent with its last known health.
type Candidate struct {
	Agent  *types.Agent
	Health types.HealthState
}

// Request describes what the next step needs from an agent.
type Request struct {
	Complexity    int
	RequiredCaps  []string
	PreferredCaps []string
	Avoid         []string
}

// Selection records which agent was picked and why.
type Selection struct {
	Agent            *types.Agent `json:"agent"`
	Reason           string       `json:"reason"`
	Explored         bool         `json:"explored"`
	Stretch          bool         `json:"stretch"`
	MissingRequired  []string     `json:"missingRequired,omitempty"`
	MissingPreferred []string     `json:"missingPreferred,omitempty"`
}

// Router picks a concrete execution agent from the registry snapshot using
// complexity gating and epsilon-greedy exploration.
type Router struct {
	epsilon float64
	rng     Rand
	log     *slog.Logger
}

// New creates a router. rng must not be nil.
func New(epsilon float64, rng Rand, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{epsilon: epsilon, rng: rng, log: log}
}

// Select picks one agent for the request. Unreachable and avoided agents
// are excluded up front; the remaining set is gated by maxComplexity, then
// either explored uniformly (probability epsilon, optionally stretching one
// complexity level down) or exploited by rank.
func (r *Router) Select(req Request, candidates []Candidate) (*Selection, error) {
	avoid := map[string]bool{}
	for _, slug := range req.Avoid {
		avoid[slug] = true
	}

	var pool []*types.Agent
	for _, c := range candidates {
		if c.Health == types.HealthUnreachable {
			continue
		}
		if avoid[c.Agent.Slug] {
			continue
		}
		pool = append(pool, c.Agent)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: no reachable agents to route to", types.ErrAgentUnreachable)
	}

	var eligible, stretch []*types.Agent
	for _, a := range pool {
		switch {
		case a.MaxComplexity >= req.Complexity:
			eligible = append(eligible, a)
		case a.MaxComplexity == req.Complexity-1:
			stretch = append(stretch, a)
		}
	}
	if len(eligible) == 0 && len(stretch) == 0 {
		return nil, fmt.Errorf("%w: no agent accepts complexity %d", types.ErrValidation, req.Complexity)
	}

	if r.rng.Float64() < r.epsilon {
		return r.explore(req, eligible, stretch)
	}

	if len(eligible) == 0 {
		// Everything is one level short; exploitation still needs a pick.
		sel := r.exploit(req, stretch)
		sel.Stretch = true
		sel.Reason = fmt.Sprintf("stretched: no agent meets complexity %d, best one-below picked", req.Complexity)
		return sel, nil
	}
	return r.exploit(req, eligible), nil
}

// explore samples uniformly, half the time widening the set to agents one
// complexity level below the request.
func (r *Router) explore(req Request, eligible, stretch []*types.Agent) (*Selection, error) {
	set := append([]*types.Agent(nil), eligible...)
	allowStretch := r.rng.Float64() < 0.5
	if allowStretch {
		set = append(set, stretch...)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: no agent accepts complexity %d", types.ErrValidation, req.Complexity)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Slug < set[j].Slug })

	agent := set[r.rng.Intn(len(set))]
	sel := &Selection{
		Agent:    agent,
		Explored: true,
		Stretch:  agent.MaxComplexity < req.Complexity,
		Reason:   fmt.Sprintf("exploration: sampled %s from %d candidates", agent.Slug, len(set)),
	}
	sel.MissingRequired, sel.MissingPreferred = missingCaps(agent, req)
	r.log.Debug("agent routed", "agent", agent.Slug, "explored", true, "stretch", sel.Stretch)
	return sel, nil
}

// exploit ranks the eligible set and takes the head.
func (r *Router) exploit(req Request, set []*types.Agent) *Selection {
	type ranked struct {
		agent    *types.Agent
		meetsReq bool
		reqHits  int
		prefHits int
	}

	rs := make([]ranked, 0, len(set))
	for _, a := range set {
		reqHits := capHits(a, req.RequiredCaps)
		rs = append(rs, ranked{
			agent:    a,
			meetsReq: reqHits == len(req.RequiredCaps),
			reqHits:  reqHits,
			prefHits: capHits(a, req.PreferredCaps),
		})
	}

	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.meetsReq != b.meetsReq {
			return a.meetsReq
		}
		if a.reqHits != b.reqHits {
			return a.reqHits > b.reqHits
		}
		if a.prefHits != b.prefHits {
			return a.prefHits > b.prefHits
		}
		if a.agent.Rating != b.agent.Rating {
			return a.agent.Rating > b.agent.Rating
		}
		if a.agent.ReasoningRating != b.agent.ReasoningRating {
			return a.agent.ReasoningRating > b.agent.ReasoningRating
		}
		if a.agent.CostPerMillion != b.agent.CostPerMillion {
			return a.agent.CostPerMillion < b.agent.CostPerMillion
		}
		return a.agent.Slug < b.agent.Slug
	})

	head := rs[0]
	sel := &Selection{
		Agent: head.agent,
		Reason: fmt.Sprintf("exploitation: %s ranked first among %d agents with maxComplexity >= %d",
			head.agent.Slug, len(set), req.Complexity),
	}
	sel.MissingRequired, sel.MissingPreferred = missingCaps(head.agent, req)
	r.log.Debug("agent routed", "agent", head.agent.Slug, "explored", false)
	return sel
}

func capHits(a *types.Agent, caps []string) int {
	n := 0
	for _, c := range caps {
		if a.HasCapability(c) {
			n++
		}
	}
	return n
}

func missingCaps(a *types.Agent, req Request) (required, preferred []string) {
	for _, c := range req.RequiredCaps {
		if !a.HasCapability(c) {
			required = append(required, c)
		}
	}
	for _, c := range req.PreferredCaps {
		if !a.HasCapability(c) {
			preferred = append(preferred, c)
		}
	}
	return required, preferred
}
