package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meridianhq/agentrt/internal/convctx"
	"github.com/meridianhq/agentrt/internal/hooks"
	"github.com/meridianhq/agentrt/internal/llm"
	"github.com/meridianhq/agentrt/internal/prompt"
	"github.com/meridianhq/agentrt/internal/sessions"
	"github.com/meridianhq/agentrt/internal/workspace"
	"github.com/meridianhq/agentrt/pkg/models"
)

// AgentStatus is one state in an AgentManager's lifecycle.
type AgentStatus string

const (
	StatusRegistered  AgentStatus = "REGISTERED"
	StatusInitializing AgentStatus = "INITIALIZING"
	StatusReady       AgentStatus = "READY"
	StatusRunning     AgentStatus = "RUNNING"
	StatusSuspended   AgentStatus = "SUSPENDED"
	StatusError       AgentStatus = "ERROR"
	StatusTerminated  AgentStatus = "TERMINATED"
)

// validTransitions is the fixed transition matrix an AgentManager enforces.
var validTransitions = map[AgentStatus]map[AgentStatus]bool{
	StatusRegistered:   {StatusInitializing: true},
	StatusInitializing: {StatusReady: true},
	StatusReady:        {StatusRunning: true, StatusSuspended: true, StatusTerminated: true},
	StatusRunning:      {StatusReady: true, StatusSuspended: true, StatusTerminated: true, StatusError: true},
	StatusSuspended:    {StatusReady: true, StatusTerminated: true},
	StatusError:        {StatusTerminated: true, StatusInitializing: true},
	StatusTerminated:   {},
}

// InvalidStateTransition is returned when a caller asks for a transition
// the matrix above does not allow.
type InvalidStateTransition struct {
	From, To AgentStatus
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("agent: invalid transition %s -> %s", e.From, e.To)
}

// AgentSnapshot is the durable record a suspend/resume cycle round-trips
// through disk.
type AgentSnapshot struct {
	AgentID         string           `json:"agent_id"`
	SessionID       string           `json:"session_id"`
	Messages        []models.Message `json:"messages"`
	LoopIteration   int              `json:"loop_iteration"`
	PendingToolCalls []models.ToolCall `json:"pending_tool_calls"`
	SavedAt         time.Time        `json:"saved_at"`
}

// ManagerConfig configures one AgentManager.
type ManagerConfig struct {
	AgentEntry   models.Agent
	WorkspaceRoot string // root directory containing agents/<id>/
	Sessions     sessions.Store
	Tools        *ToolRegistry
	Hooks        *hooks.Registry
	Logger       *slog.Logger

	// MaxHistoryExchanges bounds how many trailing exchanges a resumed or
	// freshly-loaded context retains when seeded from history; it backs
	// the compactor's retention count too.
	MaxHistoryExchanges int
}

// AgentManager drives one agent through its REGISTERED -> INITIALIZING ->
// READY -> {RUNNING, SUSPENDED, TERMINATED} lifecycle, owning the
// ConversationContext and LLM binding for whichever session it is
// currently dispatching.
type AgentManager struct {
	mu     sync.Mutex
	status AgentStatus

	cfg    ManagerConfig
	logger *slog.Logger

	llm       *llm.Service
	persona   string
	sessionID string
	convCtx   *convctx.Context
	compactor *ContextCompactor
	pruner    *ContextPruner

	promptHandles []string // hook registration ids, for terminate() cleanup

	workspaceDir  string
	snapshotsDir  string

	loopIteration int
}

// NewAgentManager constructs a manager in the REGISTERED state. Call init
// before dispatch.
func NewAgentManager(cfg ManagerConfig) *AgentManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHistoryExchanges <= 0 {
		cfg.MaxHistoryExchanges = 3
	}
	return &AgentManager{
		status: StatusRegistered,
		cfg:    cfg,
		logger: logger.With("component", "AgentManager", "agent_id", cfg.AgentEntry.ID),
	}
}

// Status returns the manager's current lifecycle state.
func (m *AgentManager) Status() AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// transition validates and applies a status change. Caller must hold m.mu.
func (m *AgentManager) transition(to AgentStatus) error {
	allowed, ok := validTransitions[m.status]
	if !ok || !allowed[to] {
		return &InvalidStateTransition{From: m.status, To: to}
	}
	m.logger.Debug("transition", "from", m.status, "to", to)
	m.status = to
	return nil
}

// Init moves the agent from REGISTERED to READY: it ensures the agent's
// workspace and snapshot directories exist, loads its persona, creates the
// context compactor and pruner, and registers the four prompt-assembly
// handlers. svc becomes the LLMService this manager binds sessions against.
func (m *AgentManager) Init(svc *llm.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transition(StatusInitializing); err != nil {
		return err
	}

	m.workspaceDir = filepath.Join(m.cfg.WorkspaceRoot, "agents", m.cfg.AgentEntry.ID)
	m.snapshotsDir = filepath.Join(m.workspaceDir, "snapshots")
	if err := os.MkdirAll(m.snapshotsDir, 0o755); err != nil {
		return fmt.Errorf("agent: ensure workspace: %w", err)
	}

	m.persona = m.loadPersona()
	m.llm = svc

	m.compactor = NewContextCompactor(svc, m.cfg.Hooks, m.persona, m.cfg.MaxHistoryExchanges)
	m.pruner = NewContextPruner(m.cfg.Hooks, hooks.Priority(500))

	ids, err := prompt.RegisterPromptHandlers(m.cfg.Hooks, prompt.Config{
		Tools:    func() []prompt.ToolDescriptor { return toolDescriptorsFrom(m.cfg.Tools) },
		Agent:    m.cfg.AgentEntry,
		RepoRoot: m.cfg.WorkspaceRoot,
	})
	if err != nil {
		return fmt.Errorf("agent: register prompt handlers: %w", err)
	}
	m.promptHandles = ids
	if pruneID := m.pruner.Attach(func() int {
		if w, err := m.llm.ContextWindow(m.sessionID); err == nil && w > 0 {
			return w
		}
		return defaultContextWindowFallback
	}); pruneID != "" {
		m.promptHandles = append(m.promptHandles, pruneID)
	}

	return m.transition(StatusReady)
}

// loadPersona prefers agents/<id>/SOUL.md when present, falling back to a
// persona composed from the agent entry's system prompt and name. Either
// way, an IDENTITY.md in the workspace root contributes a short identity
// line on top: SOUL.md describes how the agent behaves, IDENTITY.md is
// cosmetic (name, emoji, vibe) and the two are not redundant.
func (m *AgentManager) loadPersona() string {
	var base string
	if content, err := workspace.LoadSoul(m.workspaceDir, "SOUL.md"); err == nil && content != "" {
		base = content
	} else if m.cfg.AgentEntry.SystemPrompt != "" {
		base = m.cfg.AgentEntry.SystemPrompt
	} else {
		base = fmt.Sprintf("You are %s, an autonomous agent.", m.cfg.AgentEntry.Name)
	}

	if id, err := LoadIdentityFromWorkspace(m.workspaceDir); err == nil && id.HasValues() {
		base = identityLine(id) + "\n\n" + base
	}
	return base
}

// identityLine renders an Identity as a single descriptive sentence
// prepended to the persona.
func identityLine(id *Identity) string {
	name := id.Name
	if name == "" {
		name = "This agent"
	}
	line := fmt.Sprintf("You go by %s", name)
	if id.Emoji != "" {
		line += " " + id.Emoji
	}
	if id.Vibe != "" {
		line += fmt.Sprintf(", with a %s vibe", id.Vibe)
	}
	if id.Creature != "" {
		line += fmt.Sprintf(" (a %s)", id.Creature)
	}
	return line + "."
}

// Dispatch handles one user message end to end: it binds or rebinds the
// session, seeds or reloads the ConversationContext, consults the
// compactor, runs the turn loop, and persists every emitted message. The
// returned channel closes when the loop ends (including on hard failure,
// in which case the manager's status is forced to ERROR).
func (m *AgentManager) Dispatch(ctx context.Context, userMessage string, sessionID string) (<-chan AgentLoopEvent, error) {
	m.mu.Lock()
	if err := m.transition(StatusRunning); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if sessionID == "" {
		key := sessions.SessionKey(m.cfg.AgentEntry.ID, models.ChannelAPI, "")
		sess, err := m.cfg.Sessions.GetOrCreate(ctx, key, m.cfg.AgentEntry.ID, models.ChannelAPI, "")
		if err != nil {
			m.forceError()
			m.mu.Unlock()
			return nil, fmt.Errorf("agent: create session: %w", err)
		}
		sessionID = sess.ID
	}
	m.sessionID = sessionID

	if err := m.llm.BindSession(sessionID); err != nil {
		m.forceError()
		m.mu.Unlock()
		return nil, err
	}

	if m.convCtx == nil {
		history, err := m.cfg.Sessions.GetHistory(ctx, sessionID, 0)
		if err != nil {
			m.forceError()
			m.mu.Unlock()
			return nil, fmt.Errorf("agent: load history: %w", err)
		}
		m.convCtx = convctx.New(m.persona)
		for _, msg := range history {
			if msg != nil {
				m.convCtx.Append(*msg)
			}
		}
	}

	m.convCtx.AppendUser(userMessage)
	if err := m.cfg.Sessions.AppendMessage(ctx, sessionID, &models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   userMessage,
		CreatedAt: time.Now(),
	}); err != nil {
		m.forceError()
		m.mu.Unlock()
		return nil, fmt.Errorf("agent: persist user message: %w", err)
	}

	if needs, err := m.compactor.NeedsCompaction(ctx, sessionID, m.convCtx); err == nil && needs {
		if err := m.compactor.Compact(ctx, sessionID, m.convCtx); err != nil {
			m.logger.Warn("compaction failed, continuing uncompacted", "err", err)
		}
	}

	loopCfg := AgentLoopConfig{
		LLM:       m.llm,
		SessionID: sessionID,
		Context:   m.convCtx,
		Tools:     toolSchemasFrom(m.cfg.Tools),
		Handlers:  handlersFrom(m.cfg.Tools),
		Hooks:     m.cfg.Hooks,
	}
	m.mu.Unlock()

	raw := RunAgentLoop(ctx, loopCfg)
	out := make(chan AgentLoopEvent)

	go func() {
		defer close(out)
		defer m.llm.Unbind(sessionID)

		hadError := false
		for ev := range raw {
			switch ev.Type {
			case AgentLoopAssistantMessage:
				m.persistAssistant(ctx, sessionID, ev)
			case AgentLoopToolResult:
				m.persistToolResult(ctx, sessionID, ev)
			case AgentLoopError:
				hadError = true
			}
			out <- ev
		}

		m.mu.Lock()
		if hadError {
			m.status = StatusError
		} else {
			_ = m.transition(StatusReady)
		}
		m.mu.Unlock()
	}()

	return out, nil
}

func (m *AgentManager) persistAssistant(ctx context.Context, sessionID string, ev AgentLoopEvent) {
	if err := m.cfg.Sessions.AppendMessage(ctx, sessionID, &models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   ev.Content,
		ToolCalls: ev.ToolCalls,
		CreatedAt: time.Now(),
	}); err != nil {
		m.logger.Error("persist assistant message", "err", err)
	}
}

func (m *AgentManager) persistToolResult(ctx context.Context, sessionID string, ev AgentLoopEvent) {
	if err := m.cfg.Sessions.AppendMessage(ctx, sessionID, &models.Message{
		SessionID:  sessionID,
		Role:       models.RoleTool,
		Content:    ev.Result,
		ToolCallID: ev.ToolCallID,
		CreatedAt:  time.Now(),
	}); err != nil {
		m.logger.Error("persist tool result", "err", err)
	}
}

func (m *AgentManager) forceError() {
	m.status = StatusError
}

// Suspend moves READY -> SUSPENDED, writing an AgentSnapshot capturing the
// current ConversationContext and loop iteration to
// agents/<id>/snapshots/<sessionId>.json.
func (m *AgentManager) Suspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transition(StatusSuspended); err != nil {
		return err
	}

	snap := AgentSnapshot{
		AgentID:          m.cfg.AgentEntry.ID,
		SessionID:        m.sessionID,
		Messages:         m.convCtx.Messages(),
		LoopIteration:    m.loopIteration,
		PendingToolCalls: nil,
		SavedAt:          time.Now(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: marshal snapshot: %w", err)
	}
	path := filepath.Join(m.snapshotsDir, m.sessionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("agent: write snapshot: %w", err)
	}
	return nil
}

// Resume requires status SUSPENDED: it reads the session's snapshot back,
// restores the ConversationContext and loop iteration, and moves to READY.
func (m *AgentManager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusSuspended {
		return &InvalidStateTransition{From: m.status, To: StatusReady}
	}

	path := filepath.Join(m.snapshotsDir, m.sessionID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("agent: read snapshot: %w", err)
	}
	var snap AgentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("agent: %w: %v", ErrSessionCorrupt, err)
	}

	convCtx, err := convctx.FromMessages(snap.Messages)
	if err != nil {
		return fmt.Errorf("agent: %w: %v", ErrSessionCorrupt, err)
	}
	m.convCtx = convCtx
	m.loopIteration = snap.LoopIteration

	return m.transition(StatusReady)
}

// Terminate unsubscribes any inbox and disposes the prompt-assembly
// handlers, then moves to the terminal TERMINATED state.
func (m *AgentManager) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transition(StatusTerminated); err != nil {
		return err
	}
	if m.cfg.Hooks != nil {
		for _, id := range m.promptHandles {
			m.cfg.Hooks.Unregister(id)
		}
	}
	m.promptHandles = nil
	return nil
}

func toolSchemasFrom(reg *ToolRegistry) []llm.ToolSchema {
	if reg == nil {
		return nil
	}
	tools := reg.AsLLMTools()
	out := make([]llm.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return out
}

func toolDescriptorsFrom(reg *ToolRegistry) []prompt.ToolDescriptor {
	if reg == nil {
		return nil
	}
	tools := reg.AsLLMTools()
	out := make([]prompt.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, prompt.ToolDescriptor{Name: t.Name(), Description: t.Description()})
	}
	return out
}

func handlersFrom(reg *ToolRegistry) map[string]ToolHandler {
	handlers := map[string]ToolHandler{}
	if reg == nil {
		return handlers
	}
	for _, t := range reg.AsLLMTools() {
		tool := t
		handlers[tool.Name()] = func(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
			return reg.Execute(ctx, name, arguments)
		}
	}
	return handlers
}
