// Package hooks implements the runtime's lifecycle event chain: a named
// event maps to an ordered sequence of prioritized handlers, each of
// which receives an accumulator and returns the next value for the
// following handler.
package hooks

import (
	"context"
	"fmt"
)

// EventName identifies one of the fixed lifecycle events the AgentLoop
// and AgentManager fire during a dispatch.
type EventName string

const (
	EventInput              EventName = "input"
	EventBeforeAgentStart   EventName = "before_agent_start"
	EventAgentStart         EventName = "agent_start"
	EventTurnStart          EventName = "turn_start"
	EventContextAssemble    EventName = "context_assemble"
	EventToolCall           EventName = "tool_call"
	EventToolExecutionStart EventName = "tool_execution_start"
	EventToolExecutionEnd   EventName = "tool_execution_end"
	EventToolResult         EventName = "tool_result"
	EventTurnEnd            EventName = "turn_end"
	EventAgentEnd           EventName = "agent_end"
	EventMemoryFlush        EventName = "memory_flush"
	EventSessionCompact     EventName = "session_compact"
)

// Priority determines handler call order within one event: lower runs
// first.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Accumulator is the value threaded through a handler chain. Concrete
// fire sites (AgentLoop, PromptAssembler, ...) pass their own payload
// type as Data and type-assert it back out; the registry itself is
// payload-agnostic.
type Accumulator struct {
	Data any
}

// Handler processes one step of a fire chain. It receives the
// accumulator produced by the previous handler (or the caller's seed for
// the first handler) and returns the accumulator to hand to the next
// one. A handler that wants to stop the chain and surface a reason
// returns a *HookBlockError; any other error also stops the chain but is
// treated as a hard failure by the caller.
type Handler func(ctx context.Context, acc Accumulator) (Accumulator, error)

// HookBlockError short-circuits a fire chain. It is not a failure of the
// runtime: callers (chiefly the tool_call dispatch in AgentLoop) convert
// it into an explicit, user-visible outcome rather than propagating it
// as an unhandled error.
type HookBlockError struct {
	Event  EventName
	Reason string
}

func (e *HookBlockError) Error() string {
	return fmt.Sprintf("hook blocked %s: %s", e.Event, e.Reason)
}

// Registration is a single handler's entry in the registry.
type Registration struct {
	ID       string
	Event    EventName
	Handler  Handler
	Priority Priority
	Name     string
}
