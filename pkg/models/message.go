// Package models defines the core data types shared across the runtime.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the external surface a message arrived on or is
// bound for (see AgentMessage's channelType metadata field).
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelAPI      ChannelType = "api"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSignal   ChannelType = "signal"
	ChannelIMessage ChannelType = "imessage"
	ChannelMatrix   ChannelType = "matrix"
	ChannelTeams    ChannelType = "teams"
	ChannelEmail    ChannelType = "email"
)

// Direction indicates whether a message crossed a channel boundary inbound
// (from the outside world into a session) or outbound (agent to channel).
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an assistant's request to invoke a tool. Input is the raw
// JSON arguments payload the model produced; it is not decoded until a
// handler actually runs the call.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Message is one turn of a conversation, and also the unit of storage for
// a session's branch log: BranchID/SequenceNum place it within a branch's
// strictly monotonic append order (see sessions.BranchStore), Channel/
// ChannelID/Direction record which external surface it crossed, if any.
// ToolCalls is only ever set on assistant messages; ToolCallID is only
// ever set on tool messages and must match the id of a ToolCall emitted
// earlier in the same context.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	BranchID    string         `json:"branch_id,omitempty"`
	SequenceNum int64          `json:"sequence_num,omitempty"`
	Channel     ChannelType    `json:"channel,omitempty"`
	ChannelID   string         `json:"channel_id,omitempty"`
	Direction   Direction      `json:"direction,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolResult is the outcome of executing a ToolCall, carried in the
// conversation history on a tool-role Message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Attachment is a file or media reference carried alongside a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// CompletionOptions carries per-call generation parameters passed through
// to the active LLMProvider.
type CompletionOptions struct {
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	ToolChoice  string         `json:"tool_choice,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Session is a lightweight descriptor of a conversation thread, used by
// gateway-facing code that needs channel/key metadata without pulling in
// the full session-log format (see SessionHeader/SessionEntry).
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Channel   ChannelType    `json:"channel,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Key       string         `json:"key"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Agent is a configured agent definition (not to be confused with the
// runtime AgentControlBlock, which tracks live state).
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// User is an authenticated principal, used by the auth service's JWT/API
// key/OAuth validation paths.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey is a long-lived credential for programmatic access, scoped to a
// User and a set of permission scopes.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"`
	Scopes     []string  `json:"scopes,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
