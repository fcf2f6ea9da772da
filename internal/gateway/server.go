package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/agentrt/internal/infra"
)

// Stream names the gateway ensures on startup.
const (
	StreamAgentTasks  = "AGENT_TASKS"
	StreamAgentEvents = "AGENT_EVENTS"
	StreamSystem      = "SYSTEM"

	ConsumerGroup = "gateway"
)

// EnvelopeType discriminates a task envelope riding the broker.
type EnvelopeType string

const (
	EnvelopeTaskRequest  EnvelopeType = "task.request"
	EnvelopeTaskResponse EnvelopeType = "task.response"
	EnvelopeTaskDone     EnvelopeType = "task.done"
	EnvelopeTaskError    EnvelopeType = "task.error"
)

// TaskEnvelope is the wire shape published to an agent's inbox subject
// (agent.<agentId>.inbox) and read back off its reply subject.
type TaskEnvelope struct {
	Type          EnvelopeType   `json:"type"`
	CorrelationID string         `json:"correlationId"`
	Source        string         `json:"source"`
	Target        string         `json:"target"`
	ReplyTo       string         `json:"replyTo,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// idempotencyTTL bounds how long a processed idempotency key is
// remembered; messages are not expected to be retried past this window.
const idempotencyTTL = 10 * time.Minute

// GatewayServer owns the broker connection, the lane-serialized dispatch
// pipeline, idempotency and breaker gating, and the WebSocket/health
// surface callers reach the runtime through.
type GatewayServer struct {
	redis   *redis.Client
	broker  *RedisBroker
	lanes   *LaneQueue
	breakers *infra.CircuitBreakerRegistry
	logger  *slog.Logger

	mu                sync.RWMutex
	correlationToWS   map[string]*wsSession
	responseListeners map[string]func(TaskEnvelope)

	upgrader websocket.Upgrader

	startedAt time.Time
	ready     bool
}

// wsSession is one connected WebSocket client.
type wsSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Config configures one GatewayServer.
type Config struct {
	RedisAddr string
	Consumer  string
	Logger    *slog.Logger
}

// NewGatewayServer dials redis, ensures the AGENT_TASKS/AGENT_EVENTS/SYSTEM
// streams, and wires the lane queue's handler to the idempotency ->
// breaker -> route pipeline.
func NewGatewayServer(cfg Config) *GatewayServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	g := &GatewayServer{
		redis:             client,
		broker:            NewRedisBroker(client, cfg.Consumer, logger),
		breakers:          infra.NewCircuitBreakerRegistry(infra.CircuitBreakerConfig{}),
		logger:            logger.With("component", "GatewayServer"),
		correlationToWS:   make(map[string]*wsSession),
		responseListeners: make(map[string]func(TaskEnvelope)),
		upgrader:          websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		startedAt:         time.Now(),
	}
	g.lanes = NewLaneQueue(g.processLaneMessage, logger)
	return g
}

// Start ensures the durable streams exist and launches the AGENT_TASKS
// consumer loop; it blocks until ctx is cancelled.
func (g *GatewayServer) Start(ctx context.Context) error {
	specs := []StreamSpec{
		{Name: StreamAgentTasks, Group: ConsumerGroup, MaxDeliver: 3, AckWait: 30 * time.Second},
		{Name: StreamAgentEvents, Group: ConsumerGroup},
		{Name: StreamSystem, Group: ConsumerGroup, MaxAge: 7 * 24 * time.Hour},
	}
	for _, spec := range specs {
		if err := g.broker.EnsureStream(ctx, spec); err != nil {
			return err
		}
	}
	g.ready = true

	return g.broker.Subscribe(ctx, specs[0], g.handleIncomingMessage, g.handleMaxDeliver)
}

// handleMaxDeliver republishes an entry that exhausted its delivery
// budget to the stream's dead-letter subject as a SYSTEM advisory.
func (g *GatewayServer) handleMaxDeliver(env Envelope, deliveries int64) {
	g.logger.Warn("max-deliver exceeded, routing to dlq", "subject", env.Subject, "deliveries", deliveries)
	advisory, _ := json.Marshal(map[string]any{
		"subject":    env.Subject,
		"deliveries": deliveries,
		"payload":    json.RawMessage(env.Data),
	})
	if err := g.broker.Publish(context.Background(), DLQSubject(env.Subject), advisory); err != nil {
		g.logger.Error("publish dlq advisory failed", "err", err)
	}
}

// handleIncomingMessage is the broker subscription's entry point: it
// decodes the envelope, tracks correlation/session routing, and enqueues
// the message on its lane for sequential processing.
func (g *GatewayServer) handleIncomingMessage(env Envelope) error {
	var envelope TaskEnvelope
	if err := json.Unmarshal(env.Data, &envelope); err != nil {
		g.logger.Error("decode envelope failed", "err", err)
		return nil // malformed payloads are dropped, not retried
	}

	lane := LaneKey(envelope.Source, envelope.Target, envelope.CorrelationID)
	g.lanes.Enqueue(context.Background(), lane, envelope)
	return nil
}

// processLaneMessage runs one envelope through idempotency, breaker
// gating, and routing. It never returns an error: a message this pipeline
// rejects is silently dropped, per the component design.
func (g *GatewayServer) processLaneMessage(ctx context.Context, msg any) error {
	envelope, ok := msg.(TaskEnvelope)
	if !ok {
		return nil
	}

	if envelope.IdempotencyKey != "" {
		key := "idem:" + envelope.IdempotencyKey + "|" + envelope.CorrelationID
		set, err := g.redis.SetNX(ctx, key, "1", idempotencyTTL).Result()
		if err == nil && !set {
			g.logger.Debug("duplicate envelope dropped", "key", key)
			return nil
		}
	}

	breaker := g.breakers.Get(envelope.Target)
	if !breaker.IsAllowed() {
		g.logger.Warn("breaker open, dropping envelope", "target", envelope.Target)
		return nil
	}

	err := g.route(ctx, envelope)
	if err != nil {
		breaker.RecordFailure()
		g.logger.Error("route failed", "target", envelope.Target, "err", err)
		return nil
	}
	breaker.RecordSuccess()
	return nil
}

// route publishes envelope to its target agent's inbox subject.
func (g *GatewayServer) route(ctx context.Context, envelope TaskEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("agent.%s.inbox", envelope.Target)
	return g.broker.Publish(ctx, subject, data)
}

// InjectMessage lets a caller (e.g. a WebSocket handler) feed an envelope
// into the same pipeline an incoming broker message would take, without
// round-tripping through the broker.
func (g *GatewayServer) InjectMessage(ctx context.Context, envelope TaskEnvelope) {
	lane := LaneKey(envelope.Source, envelope.Target, envelope.CorrelationID)
	g.lanes.Enqueue(ctx, lane, envelope)
}

// OnResponseForCorrelation registers a one-shot-or-durable listener for
// every response envelope carrying correlationID, until removed via the
// returned cancel function.
func (g *GatewayServer) OnResponseForCorrelation(correlationID string, fn func(TaskEnvelope)) func() {
	g.mu.Lock()
	g.responseListeners[correlationID] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.responseListeners, correlationID)
		g.mu.Unlock()
	}
}

// bindWSSession associates correlationID with an active WebSocket
// session so SendResponse can reach it directly.
func (g *GatewayServer) bindWSSession(correlationID string, sess *wsSession) {
	g.mu.Lock()
	g.correlationToWS[correlationID] = sess
	g.mu.Unlock()
}

// SendResponse dispatches envelope by preference: a known WebSocket
// session for its correlation id, else a registered response listener,
// else the envelope is dropped.
func (g *GatewayServer) SendResponse(envelope TaskEnvelope) {
	g.mu.RLock()
	sess, hasWS := g.correlationToWS[envelope.CorrelationID]
	listener, hasListener := g.responseListeners[envelope.CorrelationID]
	g.mu.RUnlock()

	switch {
	case hasWS:
		if err := sess.send(envelope); err != nil {
			g.logger.Warn("ws send failed", "correlation_id", envelope.CorrelationID, "err", err)
		}
	case hasListener:
		listener(envelope)
	default:
		g.logger.Debug("no sink for response, dropped", "correlation_id", envelope.CorrelationID)
	}
}

// ServeWS upgrades the request to a WebSocket and pumps inbound frames
// into InjectMessage, tagging each with this connection's session.
func (g *GatewayServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("ws upgrade failed", "err", err)
		return
	}
	sess := &wsSession{id: fmt.Sprintf("ws-%d", time.Now().UnixNano()), conn: conn}
	defer conn.Close()

	for {
		var envelope TaskEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}
		if envelope.CorrelationID != "" {
			g.bindWSSession(envelope.CorrelationID, sess)
		}
		g.InjectMessage(r.Context(), envelope)
	}
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status string `json:"status"`
}

// readyResponse is returned by GET /ready.
type readyResponse struct {
	Status string `json:"status"`
	Redis  bool   `json:"redis"`
	Uptime string `json:"uptime"`
}

// ServeHealth always reports ok: liveness does not depend on backing
// services being reachable.
func (g *GatewayServer) ServeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// ServeReady reports 503 until streams are ensured and redis answers
// PING; it is what a load balancer or orchestrator should probe.
func (g *GatewayServer) ServeReady(w http.ResponseWriter, r *http.Request) {
	redisOK := g.redis.Ping(r.Context()).Err() == nil
	status := "ok"
	code := http.StatusOK
	if !g.ready || !redisOK {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, readyResponse{Status: status, Redis: redisOK, Uptime: time.Since(g.startedAt).String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
