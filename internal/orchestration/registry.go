// Package orchestration implements the multi-process side of agent
// dispatch: a priority scheduler bounding concurrent runs, a binding
// router that picks which local agent answers an inbound message, and a
// federated registry that makes remote agents (reached over the broker)
// indistinguishable from local ones to a caller.
package orchestration

import (
	"context"
	"sync"

	"github.com/meridianhq/agentrt/internal/agent"
)

// DispatchEvent is the event shape both local and remote Entry
// implementations yield, so a caller never needs to know which kind of
// agent it dispatched to.
type DispatchEvent struct {
	Type       string
	Content    string
	ToolName   string
	ToolCallID string
	Err        error
}

// Entry is one agent a FederatedAgentRegistry can dispatch to, whether it
// runs in this process or behind a remote reply subject.
type Entry interface {
	Dispatch(ctx context.Context, userMessage, sessionID string) (<-chan DispatchEvent, error)
	IsLocal() bool
}

// AgentHandle is the subset of *agent.AgentManager the registry needs;
// *agent.AgentManager satisfies it without modification.
type AgentHandle interface {
	Status() agent.AgentStatus
	Dispatch(ctx context.Context, userMessage string, sessionID string) (<-chan agent.AgentLoopEvent, error)
}

// LocalRegistry is the process-local agent directory a FederatedAgentRegistry
// wraps; it never itself knows about remote agents.
type LocalRegistry interface {
	Get(id string) (AgentHandle, bool)
	Has(id string) bool
	GetAll() map[string]AgentHandle
}

// localEntry adapts an AgentHandle to Entry by translating
// agent.AgentLoopEvent into the registry's transport-agnostic DispatchEvent.
type localEntry struct {
	handle AgentHandle
}

func (e *localEntry) IsLocal() bool { return true }

func (e *localEntry) Dispatch(ctx context.Context, userMessage, sessionID string) (<-chan DispatchEvent, error) {
	raw, err := e.handle.Dispatch(ctx, userMessage, sessionID)
	if err != nil {
		return nil, err
	}
	out := make(chan DispatchEvent)
	go func() {
		defer close(out)
		for ev := range raw {
			out <- DispatchEvent{
				Type:       string(ev.Type),
				Content:    ev.Content,
				ToolName:   ev.ToolName,
				ToolCallID: ev.ToolCallID,
				Err:        ev.Err,
			}
		}
	}()
	return out, nil
}

// FederatedAgentRegistry answers get/has/getAll/getAvailable against a
// local registry, falling back to a cached RemoteAgentRegistryEntry for
// any id the local registry doesn't hold.
type FederatedAgentRegistry struct {
	local LocalRegistry
	dial  RemoteDialer

	mu     sync.Mutex
	remote map[string]*RemoteAgentRegistryEntry
}

// RemoteDialer builds a RemoteAgentRegistryEntry for an agent id not
// known locally; it is how the registry learns which broker/timeout a
// remote dispatch should use without depending on a concrete transport.
type RemoteDialer func(agentID string) *RemoteAgentRegistryEntry

// NewFederatedAgentRegistry wraps local, dialing remote entries on first
// miss via dial.
func NewFederatedAgentRegistry(local LocalRegistry, dial RemoteDialer) *FederatedAgentRegistry {
	return &FederatedAgentRegistry{
		local:  local,
		dial:   dial,
		remote: make(map[string]*RemoteAgentRegistryEntry),
	}
}

// Get returns the local entry for id if present, else a cached (or
// newly-dialed) RemoteAgentRegistryEntry.
func (f *FederatedAgentRegistry) Get(id string) (Entry, bool) {
	if handle, ok := f.local.Get(id); ok {
		return &localEntry{handle: handle}, true
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.remote[id]; ok {
		return entry, true
	}
	if f.dial == nil {
		return nil, false
	}
	entry := f.dial(id)
	if entry == nil {
		return nil, false
	}
	f.remote[id] = entry
	return entry, true
}

// Has reports local presence only; the registry never assumes a remote
// agent exists without having dispatched to it at least once.
func (f *FederatedAgentRegistry) Has(id string) bool {
	return f.local.Has(id)
}

// GetAll returns every local entry, wrapped. Remote agents are not
// enumerable: the registry only learns about them by id.
func (f *FederatedAgentRegistry) GetAll() map[string]Entry {
	all := f.local.GetAll()
	out := make(map[string]Entry, len(all))
	for id, handle := range all {
		out[id] = &localEntry{handle: handle}
	}
	return out
}

// GetAvailable returns every local entry whose status is READY or RUNNING.
func (f *FederatedAgentRegistry) GetAvailable() []Entry {
	all := f.local.GetAll()
	out := make([]Entry, 0, len(all))
	for _, handle := range all {
		switch handle.Status() {
		case agent.StatusReady, agent.StatusRunning:
			out = append(out, &localEntry{handle: handle})
		}
	}
	return out
}
