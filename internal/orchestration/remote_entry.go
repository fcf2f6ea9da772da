package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/agentrt/internal/gateway"
)

// remoteDispatchTimeout bounds how long a RemoteAgentRegistryEntry waits
// for task.done/task.error on its reply inbox before failing the call.
const remoteDispatchTimeout = 120 * time.Second

// RemoteAgentRegistryEntry dispatches to an agent running in another
// process by publishing a task.request envelope to its inbox subject and
// reading events back off a per-call ephemeral reply subject.
type RemoteAgentRegistryEntry struct {
	agentID string
	redis   *redis.Client
	logger  *slog.Logger
}

// NewRemoteAgentRegistryEntry builds an entry that reaches agentID over
// client: publishing to agent.<agentID>.inbox and subscribing to a fresh
// reply-inbox subject per call.
func NewRemoteAgentRegistryEntry(agentID string, client *redis.Client, logger *slog.Logger) *RemoteAgentRegistryEntry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteAgentRegistryEntry{agentID: agentID, redis: client, logger: logger.With("component", "RemoteAgentRegistryEntry", "agent_id", agentID)}
}

func (e *RemoteAgentRegistryEntry) IsLocal() bool { return false }

// Dispatch allocates a reply-inbox subject, subscribes to it before
// publishing the request (so no event can arrive before the subscriber
// exists), and yields task.response events as DispatchEvents until
// task.done completes the call or task.error fails it or
// remoteDispatchTimeout elapses.
func (e *RemoteAgentRegistryEntry) Dispatch(ctx context.Context, userMessage, sessionID string) (<-chan DispatchEvent, error) {
	replyTo := fmt.Sprintf("_INBOX.%s", uuid.NewString())
	correlationID := uuid.NewString()

	pubsub := e.redis.Subscribe(ctx, replyTo)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("orchestration: subscribe reply inbox: %w", err)
	}

	envelope := gateway.TaskEnvelope{
		Type:          gateway.EnvelopeTaskRequest,
		CorrelationID: correlationID,
		Target:        e.agentID,
		ReplyTo:       replyTo,
		SessionID:     sessionID,
		Data:          map[string]any{"text": userMessage, "sessionId": sessionID},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	subject := fmt.Sprintf("agent.%s.inbox", e.agentID)
	if err := e.redis.Publish(ctx, subject, data).Err(); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("orchestration: publish task.request: %w", err)
	}

	out := make(chan DispatchEvent)
	go e.pump(ctx, pubsub, out)
	return out, nil
}

func (e *RemoteAgentRegistryEntry) pump(ctx context.Context, pubsub *redis.PubSub, out chan<- DispatchEvent) {
	defer close(out)
	defer pubsub.Close()

	timer := time.NewTimer(remoteDispatchTimeout)
	defer timer.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			out <- DispatchEvent{Type: "error", Err: ctx.Err()}
			return
		case <-timer.C:
			out <- DispatchEvent{Type: "error", Err: fmt.Errorf("orchestration: remote dispatch to %s timed out", e.agentID)}
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var envelope gateway.TaskEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				e.logger.Warn("malformed reply envelope, ignoring", "err", err)
				continue
			}
			switch envelope.Type {
			case gateway.EnvelopeTaskResponse:
				out <- eventFromData(envelope.Data)
			case gateway.EnvelopeTaskDone:
				return
			case gateway.EnvelopeTaskError:
				errMsg, _ := envelope.Data["error"].(string)
				if errMsg == "" {
					errMsg = "remote agent error"
				}
				out <- DispatchEvent{Type: "error", Err: fmt.Errorf("%s", errMsg)}
				return
			}
		}
	}
}

func eventFromData(data map[string]any) DispatchEvent {
	ev := DispatchEvent{Type: "assistant_message"}
	if t, ok := data["type"].(string); ok && t != "" {
		ev.Type = t
	}
	if c, ok := data["content"].(string); ok {
		ev.Content = c
	}
	if n, ok := data["toolName"].(string); ok {
		ev.ToolName = n
	}
	if id, ok := data["toolCallId"].(string); ok {
		ev.ToolCallID = id
	}
	return ev
}
