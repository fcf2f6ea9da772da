package orchestration

import (
	"sort"
	"sync"

	"github.com/meridianhq/agentrt/internal/agent"
	"github.com/meridianhq/agentrt/internal/infra"
)

// Binding is one candidate agent-channel pairing the router scores an
// inbound message against.
type Binding struct {
	AgentID     string
	Priority    int
	Peer        string // if set, only this exact sender qualifies
	Team        string // if set, only this exact conversation qualifies
	Account     string
	Channel     string // "default" matches any channel; a specific value must match exactly
}

// scored pairs a Binding with its computed score, or marks it disqualified.
type scored struct {
	binding      Binding
	score        int
	disqualified bool
}

// AgentRouter scores configured bindings against an inbound message's
// (channelType, senderId, conversationId) and walks them highest-score
// first, returning the first candidate whose agent actually exists, is
// READY or RUNNING, and whose per-agent breaker is healthy.
//
// AgentRouter keeps its own breaker state, independent of the gateway
// pipeline's per-target breakers: a remote agent timing out through this
// router should not itself trip the gateway's inbound breaker for that
// agent, and vice versa.
type AgentRouter struct {
	mu       sync.RWMutex
	bindings []Binding
	registry *FederatedAgentRegistry
	breakers *infra.CircuitBreakerRegistry
}

// NewAgentRouter builds a router resolving candidates against registry.
func NewAgentRouter(registry *FederatedAgentRegistry) *AgentRouter {
	return &AgentRouter{
		registry: registry,
		breakers: infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{}),
	}
}

// SetBindings replaces the router's full candidate list.
func (r *AgentRouter) SetBindings(bindings []Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = bindings
}

// AddBinding appends one candidate binding.
func (r *AgentRouter) AddBinding(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, b)
}

// Breaker returns the per-agent breaker this router (not the gateway)
// maintains for agentID.
func (r *AgentRouter) Breaker(agentID string) *infra.CircuitBreaker {
	return r.breakers.Get(agentID)
}

// Route scores every configured binding against (channelType, senderID,
// conversationID) and returns the first candidate's agent id and entry, in
// descending score order, whose agent exists, is READY or RUNNING, and
// whose breaker here is healthy.
func (r *AgentRouter) Route(channelType, senderID, conversationID string) (string, Entry, bool) {
	r.mu.RLock()
	bindings := make([]Binding, len(r.bindings))
	copy(bindings, r.bindings)
	r.mu.RUnlock()

	candidates := make([]scored, 0, len(bindings))
	for _, b := range bindings {
		candidates = append(candidates, score(b, channelType, senderID, conversationID))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	for _, c := range candidates {
		if c.disqualified {
			continue
		}
		entry, ok := r.registry.Get(c.binding.AgentID)
		if !ok {
			continue
		}
		if entry.IsLocal() {
			handle, ok := r.localHandleFor(c.binding.AgentID)
			if ok && handle.Status() != agent.StatusReady && handle.Status() != agent.StatusRunning {
				continue
			}
		}
		if !r.Breaker(c.binding.AgentID).IsAllowed() {
			continue
		}
		return c.binding.AgentID, entry, true
	}
	return "", nil, false
}

func (r *AgentRouter) localHandleFor(agentID string) (AgentHandle, bool) {
	return r.registry.local.Get(agentID)
}

// score implements the fixed scoring rule: base priority, +4 exact peer
// match (disqualified on mismatch when set), +2 exact team match
// (disqualified on mismatch when set), +2 when account is set at all,
// +1 on an explicit channel match (0 for "default", disqualified on an
// explicit mismatch).
func score(b Binding, channelType, senderID, conversationID string) scored {
	s := scored{binding: b, score: b.Priority}

	if b.Peer != "" {
		if b.Peer == senderID {
			s.score += 4
		} else {
			s.disqualified = true
			return s
		}
	}

	if b.Team != "" {
		if b.Team == conversationID {
			s.score += 2
		} else {
			s.disqualified = true
			return s
		}
	}

	if b.Account != "" {
		s.score += 2
	}

	switch b.Channel {
	case "":
		// no preference
	case "default":
		// matches any channel, contributes no score
	default:
		if b.Channel == channelType {
			s.score += 1
		} else {
			s.disqualified = true
		}
	}

	return s
}
