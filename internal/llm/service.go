package llm

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meridianhq/agentrt/pkg/models"
)

// maxTrackedSessionUsage bounds how many sessions' accumulated usage this
// process remembers at once; a long-lived gateway dispatching to many
// short sessions would otherwise grow this map forever.
const maxTrackedSessionUsage = 10000

// Response is the aggregated result of draining one streamCompletion call:
// the provider's chunk stream folded into a single value.
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason string
	Usage        Usage
}

// Service owns a list of providers and a fallback ordering, and binds one
// provider per session for the lifetime of that session's dispatch.
type Service struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	fallbacks  []string // provider names, in fallback order
	bindings   map[string]string // sessionId -> provider name
	usage      *lru.Cache[string, *Usage] // sessionId -> accumulated usage, LRU-bounded
	logger     *slog.Logger
}

// NewService builds a Service from a provider set and an explicit
// fallback order. providers[fallbacks[0]] is the default active provider
// for any session not yet bound.
func NewService(providers map[string]Provider, fallbacks []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	usage, _ := lru.New[string, *Usage](maxTrackedSessionUsage)
	return &Service{
		providers: providers,
		fallbacks: fallbacks,
		bindings:  make(map[string]string),
		usage:     usage,
		logger:    logger.With("component", "llm.Service"),
	}
}

// BindSession selects the first configured provider for sessionID and
// remembers it; subsequent calls for the same session reuse the binding
// until rebound.
func (s *Service) BindSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fallbacks) == 0 {
		return LLMProviderUnavailable
	}
	name := s.fallbacks[0]
	if _, ok := s.providers[name]; !ok {
		return LLMProviderUnavailable
	}
	s.bindings[sessionID] = name
	return nil
}

// Unbind drops the provider binding for sessionID, typically called when
// an AgentManager's dispatch generator is exhausted.
func (s *Service) Unbind(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, sessionID)
}

func (s *Service) activeProvider(sessionID string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.bindings[sessionID]
	if !ok {
		return nil, LLMProviderUnavailable
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, LLMProviderUnavailable
	}
	return p, nil
}

// fallbackOrder returns every fallback name after the active one, in
// configured order, excluding the active provider itself.
func (s *Service) fallbackOrder(activeName string) []Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Provider, 0, len(s.fallbacks))
	for _, name := range s.fallbacks {
		if name == activeName {
			continue
		}
		if p, ok := s.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// StreamCompletion invokes the active provider for sessionID; on failure
// it iterates fallbacks (excluding the active one) in configured order
// and returns the first success. It aggregates the winning provider's
// chunk stream into a single Response. Calling without an active binding
// fails with LLMProviderUnavailable.
func (s *Service) StreamCompletion(ctx context.Context, sessionID string, req *Request) (*Response, error) {
	active, err := s.activeProvider(sessionID)
	if err != nil {
		return nil, err
	}

	candidates := append([]Provider{active}, s.fallbackOrder(active.Name())...)

	var lastErr error
	for i, provider := range candidates {
		chunks, err := provider.Complete(ctx, req)
		if err != nil {
			lastErr = err
			s.logger.Warn("provider failed, trying fallback", "provider", provider.Name(), "err", err)
			continue
		}
		resp, err := s.aggregate(chunks)
		if err != nil {
			lastErr = err
			s.logger.Warn("provider stream failed, trying fallback", "provider", provider.Name(), "err", err)
			continue
		}
		if i > 0 {
			s.logger.Info("completion served by fallback provider", "provider", provider.Name())
		}
		s.foldUsage(sessionID, resp.Usage)
		return resp, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, LLMProviderUnavailable
}

// RawStream invokes the active provider and passes its chunk stream
// through unchanged, without aggregation or fallback rotation.
func (s *Service) RawStream(ctx context.Context, sessionID string, req *Request) (<-chan *Chunk, error) {
	active, err := s.activeProvider(sessionID)
	if err != nil {
		return nil, err
	}
	return active.Complete(ctx, req)
}

// CountTokens delegates to the active provider for sessionID.
func (s *Service) CountTokens(sessionID string, messages []models.Message) (int, error) {
	active, err := s.activeProvider(sessionID)
	if err != nil {
		return 0, err
	}
	return active.CountTokens(messages), nil
}

// ContextWindow delegates to the active provider for sessionID.
func (s *Service) ContextWindow(sessionID string) (int, error) {
	active, err := s.activeProvider(sessionID)
	if err != nil {
		return 0, err
	}
	return active.ContextWindow(), nil
}

// SessionUsage returns the accumulated input/output/total usage recorded
// for sessionID across every completed StreamCompletion call. A session
// evicted from the LRU (cold, past maxTrackedSessionUsage distinct
// sessions) reports a zero Usage rather than an error: usage tracking is
// best-effort telemetry, not a correctness-critical record.
func (s *Service) SessionUsage(sessionID string) Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.usage.Get(sessionID); ok {
		return *u
	}
	return Usage{}
}

func (s *Service) foldUsage(sessionID string, u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.usage.Get(sessionID)
	if !ok {
		acc = &Usage{}
		s.usage.Add(sessionID, acc)
	}
	acc.InputTokens += u.InputTokens
	acc.OutputTokens += u.OutputTokens
	acc.TotalTokens += u.TotalTokens
}

// aggregate drains chunks into a single Response per the fold rules:
// text_delta.text accumulates into text; tool_call_delta chunks merge by
// id (first occurrence seeds name/arguments, subsequent occurrences
// append to arguments and set name if not yet set); usage folds into the
// returned value; done.finishReason is recorded.
func (s *Service) aggregate(chunks <-chan *Chunk) (*Response, error) {
	resp := &Response{}
	order := []string{}
	byID := map[string]*models.ToolCall{}

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		switch chunk.Type {
		case ChunkTextDelta:
			resp.Text += chunk.Text
		case ChunkToolCallDelta:
			tc, ok := byID[chunk.ToolCallID]
			if !ok {
				tc = &models.ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolCallName}
				byID[chunk.ToolCallID] = tc
				order = append(order, chunk.ToolCallID)
			} else {
				if tc.Name == "" && chunk.ToolCallName != "" {
					tc.Name = chunk.ToolCallName
				}
			}
			tc.Input = append(tc.Input, []byte(chunk.ArgumentsDelta)...)
		case ChunkUsage:
			if chunk.Usage != nil {
				resp.Usage.InputTokens += chunk.Usage.InputTokens
				resp.Usage.OutputTokens += chunk.Usage.OutputTokens
				resp.Usage.TotalTokens += chunk.Usage.TotalTokens
			}
		case ChunkDone:
			resp.FinishReason = chunk.FinishReason
		}
	}

	for _, id := range order {
		resp.ToolCalls = append(resp.ToolCalls, *byID[id])
	}
	return resp, nil
}
