// Package convctx implements ConversationContext: the in-memory message
// list and per-call options an AgentManager hands to the AgentLoop for one
// turn. The persisted view lives in sessions.Store; this package holds only
// the derived, working copy.
package convctx

import (
	"fmt"
	"sync"

	"github.com/meridianhq/agentrt/pkg/models"
)

// Assembled is the payload threaded through the context_assemble hook:
// the message list and completion options a turn is about to send to the
// model, after any registered handler (prompt assembly, pruning) has had
// a chance to transform it.
type Assembled struct {
	Messages []models.Message
	Options  models.CompletionOptions
}

// Context holds an ordered sequence of messages whose first element is
// always a system message, plus the completion options active for the
// session it belongs to.
type Context struct {
	mu       sync.RWMutex
	messages []models.Message
	options  models.CompletionOptions
}

// New creates a Context seeded with a system message carrying persona as
// its content.
func New(persona string) *Context {
	return &Context{
		messages: []models.Message{{Role: models.RoleSystem, Content: persona}},
	}
}

// FromMessages rebuilds a Context from a previously persisted message
// list (e.g. on resume, or when reloading history from SessionStore). The
// first message must have role=system; callers that only have history
// without a leading system message should prepend one via New + Append
// instead of calling this constructor.
func FromMessages(messages []models.Message) (*Context, error) {
	if len(messages) == 0 || messages[0].Role != models.RoleSystem {
		return nil, fmt.Errorf("convctx: first message must have role=system")
	}
	cloned := make([]models.Message, len(messages))
	copy(cloned, messages)
	return &Context{messages: cloned}, nil
}

// AppendUser appends a user message.
func (c *Context) AppendUser(content string) {
	c.append(models.Message{Role: models.RoleUser, Content: content})
}

// AppendAssistant appends an assistant message, optionally carrying tool
// calls the model requested.
func (c *Context) AppendAssistant(content string, toolCalls []models.ToolCall) {
	c.append(models.Message{Role: models.RoleAssistant, Content: content, ToolCalls: toolCalls})
}

// AppendTool appends a tool-result message bound to toolCallID.
func (c *Context) AppendTool(toolCallID, content string) {
	c.append(models.Message{Role: models.RoleTool, Content: content, ToolCallID: toolCallID})
}

// Append appends an arbitrary pre-built message, for callers (e.g. the
// AgentManager restoring history) that already have a Message value.
func (c *Context) Append(msg models.Message) {
	c.append(msg)
}

func (c *Context) append(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// Replace swaps the entire message list. The first message of replacement
// must be a system message; this is how ContextCompactor installs a
// summarized history.
func (c *Context) Replace(messages []models.Message) error {
	if len(messages) == 0 || messages[0].Role != models.RoleSystem {
		return fmt.Errorf("convctx: replacement must start with role=system")
	}
	cloned := make([]models.Message, len(messages))
	copy(cloned, messages)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = cloned
	return nil
}

// Messages returns a copy of the full message list.
func (c *Context) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// NonSystem returns every message after the leading system message.
func (c *Context) NonSystem() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return nil
	}
	out := make([]models.Message, len(c.messages)-1)
	copy(out, c.messages[1:])
	return out
}

// System returns the leading system message's content.
func (c *Context) System() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[0].Content
}

// Options returns the active completion options.
func (c *Context) Options() models.CompletionOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.options
}

// SetOptions replaces the active completion options.
func (c *Context) SetOptions(opts models.CompletionOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = opts
}

// LastExchanges returns up to n trailing user→assistant(+tool) groupings,
// walking backwards from the end: each grouping collects any trailing
// tool/assistant messages until (and including) a user message, repeated
// n times. The returned slice is in chronological order.
func LastExchanges(messages []models.Message, n int) []models.Message {
	if n <= 0 || len(messages) == 0 {
		return nil
	}
	start := len(messages)
	groupsFound := 0
	i := len(messages) - 1
	for i >= 0 && groupsFound < n {
		for i >= 0 && messages[i].Role != models.RoleUser {
			i--
		}
		if i < 0 {
			break
		}
		start = i
		groupsFound++
		i--
	}
	out := make([]models.Message, len(messages)-start)
	copy(out, messages[start:])
	return out
}

// LastExchanges is the method form, operating on this context's own
// message list.
func (c *Context) LastExchanges(n int) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return LastExchanges(c.messages, n)
}
