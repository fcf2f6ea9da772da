package llm

import (
	"context"
	"testing"

	"github.com/meridianhq/agentrt/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name      string
	fail      bool
	chunks    []*Chunk
	completed int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	p.completed++
	if p.fail {
		return nil, assertProviderErr
	}
	out := make(chan *Chunk, len(p.chunks))
	for _, c := range p.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (p *fakeProvider) CountTokens(messages []models.Message) int { return len(messages) }
func (p *fakeProvider) SupportsTools() bool                       { return true }
func (p *fakeProvider) ContextWindow() int                        { return 100000 }

var assertProviderErr = providerTestError("boom")

type providerTestError string

func (e providerTestError) Error() string { return string(e) }

func TestService_StreamCompletion_RequiresBinding(t *testing.T) {
	svc := NewService(map[string]Provider{"a": &fakeProvider{name: "a"}}, []string{"a"}, nil)
	_, err := svc.StreamCompletion(context.Background(), "sess-1", &Request{})
	assert.ErrorIs(t, err, LLMProviderUnavailable)
}

func TestService_StreamCompletion_FallsBackOnFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", fail: true}
	backup := &fakeProvider{name: "backup", chunks: []*Chunk{
		{Type: ChunkTextDelta, Text: "hi"},
		{Type: ChunkDone, FinishReason: "stop"},
	}}
	svc := NewService(map[string]Provider{"primary": primary, "backup": backup}, []string{"primary", "backup"}, nil)
	require.NoError(t, svc.BindSession("sess-1"))

	resp, err := svc.StreamCompletion(context.Background(), "sess-1", &Request{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 1, primary.completed)
	assert.Equal(t, 1, backup.completed)
}

func TestService_StreamCompletion_AggregatesToolCallDeltas(t *testing.T) {
	p := &fakeProvider{name: "p", chunks: []*Chunk{
		{Type: ChunkToolCallDelta, ToolCallID: "t1", ToolCallName: "search", ArgumentsDelta: `{"q":`},
		{Type: ChunkToolCallDelta, ToolCallID: "t1", ArgumentsDelta: `"x"}`},
		{Type: ChunkUsage, Usage: &Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
		{Type: ChunkDone, FinishReason: "tool_use"},
	}}
	svc := NewService(map[string]Provider{"p": p}, []string{"p"}, nil)
	require.NoError(t, svc.BindSession("sess-1"))

	resp, err := svc.StreamCompletion(context.Background(), "sess-1", &Request{})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, `{"q":"x"}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, "tool_use", resp.FinishReason)

	usage := svc.SessionUsage("sess-1")
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 15, usage.TotalTokens)
}

func TestService_SessionUsage_FoldsAcrossCalls(t *testing.T) {
	p := &fakeProvider{name: "p", chunks: []*Chunk{
		{Type: ChunkUsage, Usage: &Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}},
		{Type: ChunkDone},
	}}
	svc := NewService(map[string]Provider{"p": p}, []string{"p"}, nil)
	require.NoError(t, svc.BindSession("sess-1"))

	_, err := svc.StreamCompletion(context.Background(), "sess-1", &Request{})
	require.NoError(t, err)
	_, err = svc.StreamCompletion(context.Background(), "sess-1", &Request{})
	require.NoError(t, err)

	usage := svc.SessionUsage("sess-1")
	assert.Equal(t, 2, usage.TotalTokens)
}

func TestService_SessionUsage_EvictsPastLRUCap(t *testing.T) {
	p := &fakeProvider{name: "p", chunks: []*Chunk{
		{Type: ChunkUsage, Usage: &Usage{InputTokens: 1, TotalTokens: 1}},
		{Type: ChunkDone},
	}}
	svc := NewService(map[string]Provider{"p": p}, []string{"p"}, nil)

	for i := 0; i < maxTrackedSessionUsage+1; i++ {
		sessionID := "sess-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, svc.BindSession(sessionID))
		_, err := svc.StreamCompletion(context.Background(), sessionID, &Request{})
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, svc.usage.Len(), maxTrackedSessionUsage, "usage tracking must stay bounded at the configured cap")
}

func TestService_Unbind_RemovesBinding(t *testing.T) {
	svc := NewService(map[string]Provider{"p": &fakeProvider{name: "p"}}, []string{"p"}, nil)
	require.NoError(t, svc.BindSession("sess-1"))
	svc.Unbind("sess-1")

	_, err := svc.StreamCompletion(context.Background(), "sess-1", &Request{})
	assert.ErrorIs(t, err, LLMProviderUnavailable)
}
