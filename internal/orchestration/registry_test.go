package orchestration

import (
	"context"
	"testing"

	"github.com/meridianhq/agentrt/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle is a minimal AgentHandle for registry/router tests.
type fakeHandle struct {
	status agent.AgentStatus
	events []agent.AgentLoopEvent
	err    error
}

func (f *fakeHandle) Status() agent.AgentStatus { return f.status }

func (f *fakeHandle) Dispatch(ctx context.Context, userMessage, sessionID string) (<-chan agent.AgentLoopEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan agent.AgentLoopEvent, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, nil
}

type fakeLocalRegistry map[string]agent.AgentStatus

func (f fakeLocalRegistry) Get(id string) (AgentHandle, bool) {
	status, ok := f[id]
	if !ok {
		return nil, false
	}
	return &fakeHandle{status: status}, true
}

func (f fakeLocalRegistry) Has(id string) bool {
	_, ok := f[id]
	return ok
}

func (f fakeLocalRegistry) GetAll() map[string]AgentHandle {
	out := make(map[string]AgentHandle, len(f))
	for id, status := range f {
		out[id] = &fakeHandle{status: status}
	}
	return out
}

func TestFederatedAgentRegistry_LocalHit(t *testing.T) {
	local := fakeLocalRegistry{"a1": agent.StatusReady}
	reg := NewFederatedAgentRegistry(local, nil)

	entry, ok := reg.Get("a1")
	require.True(t, ok)
	assert.True(t, entry.IsLocal())
}

func TestFederatedAgentRegistry_RemoteDialedOnce(t *testing.T) {
	local := fakeLocalRegistry{}
	dialCount := 0
	reg := NewFederatedAgentRegistry(local, func(agentID string) *RemoteAgentRegistryEntry {
		dialCount++
		return NewRemoteAgentRegistryEntry(agentID, nil, nil)
	})

	entry1, ok := reg.Get("remote-1")
	require.True(t, ok)
	assert.False(t, entry1.IsLocal())

	entry2, ok := reg.Get("remote-1")
	require.True(t, ok)
	assert.Same(t, entry1, entry2)
	assert.Equal(t, 1, dialCount, "second Get for the same id must reuse the cached entry, not re-dial")
}

func TestFederatedAgentRegistry_NoDialerMisses(t *testing.T) {
	reg := NewFederatedAgentRegistry(fakeLocalRegistry{}, nil)
	_, ok := reg.Get("anything")
	assert.False(t, ok)
}

func TestFederatedAgentRegistry_HasIsLocalOnly(t *testing.T) {
	local := fakeLocalRegistry{"a1": agent.StatusReady}
	reg := NewFederatedAgentRegistry(local, func(agentID string) *RemoteAgentRegistryEntry {
		return NewRemoteAgentRegistryEntry(agentID, nil, nil)
	})
	_, _ = reg.Get("remote-1")

	assert.True(t, reg.Has("a1"))
	assert.False(t, reg.Has("remote-1"), "Has must not report true for an agent only reached via remote dial")
}

func TestFederatedAgentRegistry_GetAvailable(t *testing.T) {
	local := fakeLocalRegistry{
		"ready":   agent.StatusReady,
		"running": agent.StatusRunning,
		"suspend": agent.StatusSuspended,
	}
	reg := NewFederatedAgentRegistry(local, nil)

	available := reg.GetAvailable()
	assert.Len(t, available, 2)
}

func TestLocalEntry_DispatchTranslatesEvents(t *testing.T) {
	handle := &fakeHandle{
		status: agent.StatusReady,
		events: []agent.AgentLoopEvent{
			{Type: agent.AgentLoopAssistantMessage, Content: "hi"},
			{Type: agent.AgentLoopToolResult, ToolName: "search", ToolCallID: "tc1"},
		},
	}
	entry := &localEntry{handle: handle}

	events, err := entry.Dispatch(context.Background(), "hello", "sess-1")
	require.NoError(t, err)

	var collected []DispatchEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.Len(t, collected, 2)
	assert.Equal(t, "assistant_message", collected[0].Type)
	assert.Equal(t, "hi", collected[0].Content)
	assert.Equal(t, "tool_result", collected[1].Type)
	assert.Equal(t, "search", collected[1].ToolName)
}
