package agent

import (
	"context"
	"fmt"

	"github.com/meridianhq/agentrt/internal/convctx"
	"github.com/meridianhq/agentrt/internal/hooks"
	"github.com/meridianhq/agentrt/internal/llm"
	"github.com/meridianhq/agentrt/pkg/models"
)

// defaultReserveTokens is the headroom a ContextCompactor keeps free below
// the active model's context window before it forces a compaction.
const defaultReserveTokens = 4000

// summaryPrompt is the fixed instruction sent to the model to produce a
// compaction summary; its output is wrapped with the "[Conversation
// summary]" marker before replacing history.
const summaryPrompt = "Summarize this conversation so far, preserving any facts, decisions, or open threads a continuation would need. Be concise."

// ContextCompactor decides when a session's running message list has grown
// too large for its bound model and replaces it with a short summary plus
// the most recent exchanges.
type ContextCompactor struct {
	llm           *llm.Service
	hooks         *hooks.Registry
	persona       string
	retainExchanges int
	reserveTokens int
}

// NewContextCompactor builds a compactor bound to svc for token counting
// and context-window lookups, persona for the rebuilt system message, and
// retainExchanges trailing exchanges to keep verbatim after a compaction.
func NewContextCompactor(svc *llm.Service, registry *hooks.Registry, persona string, retainExchanges int) *ContextCompactor {
	if retainExchanges <= 0 {
		retainExchanges = 3
	}
	return &ContextCompactor{
		llm:             svc,
		hooks:           registry,
		persona:         persona,
		retainExchanges: retainExchanges,
		reserveTokens:   defaultReserveTokens,
	}
}

// NeedsCompaction reports whether the session's bound provider's token
// count for the context's current messages has reached contextWindow -
// reserveTokens.
func (c *ContextCompactor) NeedsCompaction(ctx context.Context, sessionID string, convCtx *convctx.Context) (bool, error) {
	messages := convCtx.Messages()
	count, err := c.llm.CountTokens(sessionID, messages)
	if err != nil {
		return false, err
	}
	window, err := c.llm.ContextWindow(sessionID)
	if err != nil {
		return false, err
	}
	return count >= window-c.reserveTokens, nil
}

// Compact fires memory_flush, summarizes the context's current messages
// via a fixed prompt, and replaces the context with
// [system(persona), assistant("[Conversation summary]\n<summary>"),
// ...lastExchanges(retainExchanges)], then fires session_compact.
func (c *ContextCompactor) Compact(ctx context.Context, sessionID string, convCtx *convctx.Context) error {
	if c.hooks != nil {
		if _, err := c.hooks.Fire(ctx, hooks.EventMemoryFlush, hooks.Accumulator{Data: convCtx.Messages()}); err != nil {
			return fmt.Errorf("agent: memory_flush hook: %w", err)
		}
	}

	messages := convCtx.Messages()
	summaryReq := &llm.Request{
		Messages: append(append([]models.Message{}, messages...), models.Message{Role: models.RoleUser, Content: summaryPrompt}),
	}
	resp, err := c.llm.StreamCompletion(ctx, sessionID, summaryReq)
	if err != nil {
		return fmt.Errorf("agent: summarize for compaction: %w", err)
	}

	retained := convctx.LastExchanges(messages, c.retainExchanges)
	rebuilt := make([]models.Message, 0, 2+len(retained))
	rebuilt = append(rebuilt,
		models.Message{Role: models.RoleSystem, Content: c.persona},
		models.Message{Role: models.RoleAssistant, Content: "[Conversation summary]\n" + resp.Text},
	)
	rebuilt = append(rebuilt, retained...)

	if err := convCtx.Replace(rebuilt); err != nil {
		return fmt.Errorf("agent: install compacted context: %w", err)
	}

	if c.hooks != nil {
		if _, err := c.hooks.Fire(ctx, hooks.EventSessionCompact, hooks.Accumulator{Data: rebuilt}); err != nil {
			return fmt.Errorf("agent: session_compact hook: %w", err)
		}
	}
	return nil
}

// maxHistoryShare bounds how much of the context window the pruner's
// history budget may claim, independent of the reserve the compactor
// watches.
const maxHistoryShare = 0.5

// ContextPruner trims a turn's assembled message list to fit inside a
// token budget derived from the active model's context window, keeping
// the system message always and the most recent messages preferentially.
type ContextPruner struct {
	hooks    *hooks.Registry
	priority hooks.Priority

	contextWindow func() int
	handleID      string
}

// NewContextPruner registers a context_assemble handler at priority that
// prunes the accumulator's message list in place. The handler expects the
// accumulator's Data to be the same shape AgentLoop threads through
// context_assemble (a struct with a Messages []models.Message field
// addressable via pruneAssembled).
func NewContextPruner(registry *hooks.Registry, priority hooks.Priority) *ContextPruner {
	p := &ContextPruner{hooks: registry, priority: priority}
	return p
}

// Attach registers the pruner's handler against contextWindow, a callback
// returning the active session's model context window at call time (since
// it may change between binds). It returns the registration id so a caller
// can unregister it (e.g. AgentManager.Terminate).
func (p *ContextPruner) Attach(contextWindow func() int) string {
	p.contextWindow = contextWindow
	if p.hooks == nil {
		return ""
	}
	p.handleID = p.hooks.Register(hooks.EventContextAssemble, p.handle, hooks.WithPriority(p.priority), hooks.WithName("context-pruner"))
	return p.handleID
}

func (p *ContextPruner) handle(ctx context.Context, acc hooks.Accumulator) (hooks.Accumulator, error) {
	assembled, ok := acc.Data.(convctx.Assembled)
	if !ok {
		return acc, nil
	}
	window := defaultContextWindowFallback
	if p.contextWindow != nil {
		if w := p.contextWindow(); w > 0 {
			window = w
		}
	}
	assembled.Messages = pruneMessages(assembled.Messages, window)
	acc.Data = assembled
	return acc, nil
}

const defaultContextWindowFallback = 128000

// pruneMessages keeps the system message always, then walks backward from
// the end keeping messages while a token-estimated history budget allows,
// then repairs tool/assistant orphans left at the cut boundary.
func pruneMessages(messages []models.Message, contextWindow int) []models.Message {
	if len(messages) == 0 {
		return messages
	}
	system := messages[0]
	rest := messages[1:]

	systemTokens := estimateTokens(system)
	budget := contextWindow - systemTokens
	if share := int(float64(contextWindow) * maxHistoryShare); share < budget {
		budget = share
	}
	if budget < 0 {
		budget = 0
	}

	kept := make([]models.Message, 0, len(rest))
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := estimateTokens(rest[i])
		if used+cost > budget && len(kept) > 0 {
			break
		}
		used += cost
		kept = append([]models.Message{rest[i]}, kept...)
	}

	kept = repairOrphans(kept)

	out := make([]models.Message, 0, 1+len(kept))
	out = append(out, system)
	out = append(out, kept...)
	return out
}

func estimateTokens(m models.Message) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input) + len(tc.ID)
	}
	return (chars + 3) / 4
}

// repairOrphans drops tool messages whose ToolCallID no longer references
// a surviving assistant message's tool call, and strips any non-surviving
// call ids from surviving assistant messages (dropping ToolCalls entirely
// if none survive).
func repairOrphans(messages []models.Message) []models.Message {
	survivingCallIDs := map[string]bool{}
	for _, m := range messages {
		if m.Role == models.RoleAssistant {
			for _, tc := range m.ToolCalls {
				survivingCallIDs[tc.ID] = true
			}
		}
	}

	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleTool {
			if !survivingCallIDs[m.ToolCallID] {
				continue
			}
			out = append(out, m)
			continue
		}
		out = append(out, m)
	}

	// Re-derive surviving tool messages' call ids, then strip any
	// assistant tool call not referenced by a surviving tool message.
	referenced := map[string]bool{}
	for _, m := range out {
		if m.Role == models.RoleTool {
			referenced[m.ToolCallID] = true
		}
	}
	for i, m := range out {
		if m.Role != models.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		filtered := make([]models.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if referenced[tc.ID] {
				filtered = append(filtered, tc)
			}
		}
		if len(filtered) == 0 {
			filtered = nil
		}
		out[i].ToolCalls = filtered
	}

	return out
}
