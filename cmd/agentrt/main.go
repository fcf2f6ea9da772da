// Package main provides the CLI entry point for the agentrt multi-agent
// runtime.
//
// agentrt dispatches inbound messages to stateful agent instances, each
// bound to an LLM provider and driven by a compaction/pruning-aware
// context assembly pipeline, and federates dispatch across processes over
// a durable broker.
//
// # Basic Usage
//
// Start the gateway:
//
//	agentrt serve --config agentrt.yaml
//
// Manage database migrations:
//
//	agentrt migrate up
//	agentrt migrate status
//
// # Environment Variables
//
//   - AGENTRT_CONFIG: path to the configuration file (default: agentrt.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/meridianhq/agentrt/internal/agent"
	"github.com/meridianhq/agentrt/internal/agent/providers"
	"github.com/meridianhq/agentrt/internal/config"
	"github.com/meridianhq/agentrt/internal/gateway"
	"github.com/meridianhq/agentrt/internal/hooks"
	"github.com/meridianhq/agentrt/internal/llm"
	memstore "github.com/meridianhq/agentrt/internal/memory"
	"github.com/meridianhq/agentrt/internal/memory/embeddings"
	"github.com/meridianhq/agentrt/internal/memory/embeddings/ollama"
	"github.com/meridianhq/agentrt/internal/memory/embeddings/openai"
	"github.com/meridianhq/agentrt/internal/orchestration"
	"github.com/meridianhq/agentrt/internal/sessions"
	toolsmemory "github.com/meridianhq/agentrt/internal/tools/memory"
	"github.com/meridianhq/agentrt/pkg/models"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "agentrt.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentrt",
		Short: "agentrt - multi-agent LLM runtime",
		Long: `agentrt dispatches inbound messages to stateful, compaction-aware agent
instances and federates dispatch across processes over a durable broker.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildMigrateCmd())
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("AGENTRT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentrt gateway",
		Long: `Start the agentrt gateway: it loads configuration, binds LLM providers,
initializes the default agent, and starts the broker-backed dispatch
pipeline plus the WebSocket/health HTTP surface.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  agentrt serve

  # Start with a custom config and debug logging
  agentrt serve --config /etc/agentrt/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage session store schema migrations",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd.Context(), resolveConfigPath(configPath), func(ctx context.Context, m *sessions.Migrator) error {
					applied, err := m.Up(ctx, 0)
					if err != nil {
						return err
					}
					for _, id := range applied {
						fmt.Fprintf(cmd.OutOrStdout(), "applied: %s\n", id)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd.Context(), resolveConfigPath(configPath), func(ctx context.Context, m *sessions.Migrator) error {
					reverted, err := m.Down(ctx, 1)
					if err != nil {
						return err
					}
					for _, id := range reverted {
						fmt.Fprintf(cmd.OutOrStdout(), "reverted: %s\n", id)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd.Context(), resolveConfigPath(configPath), func(ctx context.Context, m *sessions.Migrator) error {
					applied, pending, err := m.Status(ctx)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "applied (%d):\n", len(applied))
					for _, a := range applied {
						fmt.Fprintf(out, "  %s  %s\n", a.ID, a.AppliedAt.Format(time.RFC3339))
					}
					fmt.Fprintf(out, "pending (%d):\n", len(pending))
					for _, p := range pending {
						fmt.Fprintf(out, "  %s\n", p.ID)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func withMigrator(ctx context.Context, configPath string, fn func(context.Context, *sessions.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database url is required for migrations")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	migrator, err := sessions.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := migrator.EnsureSchema(ctx); err != nil {
		return err
	}
	return fn(ctx, migrator)
}

// runServe loads configuration, wires the LLM/session/agent/gateway
// layers, and blocks serving until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting agentrt", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := buildSessionStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("build session store: %w", err)
	}

	llmProviders, err := buildLLMProviders(cfg)
	if err != nil {
		return fmt.Errorf("build llm providers: %w", err)
	}
	llmSvc := llm.NewService(llmProviders, cfg.LLM.FallbackChain, logger)

	toolRegistry := agent.NewToolRegistry()
	hookRegistry := hooks.NewRegistry(logger)

	memStore, err := buildMemoryStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("build memory store: %w", err)
	}
	if memStore != nil {
		defer func() {
			if err := memStore.Close(); err != nil {
				logger.Warn("memory store close failed", "err", err)
			}
		}()
		toolRegistry.Register(toolsmemory.NewWriteTool(memStore, "default"))
		toolRegistry.Register(toolsmemory.NewSearchTool(memStore, "default"))
		memstore.RegisterFlushHook(hookRegistry, memStore, logger)
	}

	defaultAgent := models.Agent{
		ID:       "default",
		Name:     "agentrt",
		Model:    defaultModel(cfg),
		Provider: cfg.LLM.DefaultProvider,
	}

	mgr := agent.NewAgentManager(agent.ManagerConfig{
		AgentEntry:          defaultAgent,
		WorkspaceRoot:       cfg.Workspace.Path,
		Sessions:            store,
		Tools:               toolRegistry,
		Hooks:               hookRegistry,
		Logger:              logger,
		MaxHistoryExchanges: 3,
	})
	if err := mgr.Init(llmSvc); err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Gateway.RedisAddr})
	defer redisClient.Close()

	local := localAgents{defaultAgent.ID: mgr}
	registry := orchestration.NewFederatedAgentRegistry(local, func(agentID string) *orchestration.RemoteAgentRegistryEntry {
		return orchestration.NewRemoteAgentRegistryEntry(agentID, redisClient, logger)
	})
	scheduler := orchestration.NewAgentScheduler(cfg.Gateway.MaxConcurrentAgents, registry)
	router := orchestration.NewAgentRouter(registry)
	router.AddBinding(orchestration.Binding{AgentID: defaultAgent.ID, Priority: 0, Channel: "default"})

	gw := gateway.NewGatewayServer(gateway.Config{
		RedisAddr: cfg.Gateway.RedisAddr,
		Consumer:  "agentrt-" + defaultAgent.ID,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.ServeHealth)
	mux.HandleFunc("/ready", gw.ServeReady)
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.HandleFunc("/dispatch", handleDispatch(router, scheduler, logger))

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- gw.Start(ctx) }()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("agentrt started", "http_addr", httpAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := mgr.Terminate(); err != nil {
		logger.Warn("agent terminate failed", "err", err)
	}

	logger.Info("agentrt stopped gracefully")
	return nil
}

func buildSessionStore(cfg *config.Config, logger *slog.Logger) (sessions.Store, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		logger.Warn("no database url configured, using in-memory session store")
		return sessions.NewMemoryStore(), nil
	}
	poolCfg := sessions.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		poolCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	store, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, poolCfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildMemoryStore opens the episodic memory store when cfg.VectorMemory is
// enabled and attaches an Embedder built from cfg.RAG.Embeddings so BM25
// candidates get re-ranked against real vectors instead of running
// BM25-only. A disabled config returns (nil, nil): callers skip memory
// tool/hook registration entirely rather than wiring a no-op store.
func buildMemoryStore(cfg *config.Config, logger *slog.Logger) (*memstore.Store, error) {
	if !cfg.VectorMemory.Enabled {
		return nil, nil
	}
	store, err := memstore.Open(cfg.VectorMemory, logger)
	if err != nil {
		return nil, err
	}
	provider, err := buildEmbeddingProvider(cfg.RAG.Embeddings)
	if err != nil {
		logger.Warn("embedding provider unavailable, memory falls back to bm25-only", "err", err)
		return store, nil
	}
	if provider != nil {
		store.SetEmbedder(memstore.NewEmbedder(provider, 0))
	}
	return store, nil
}

// buildEmbeddingProvider adapts the teacher's per-backend embeddings.Provider
// constructors (ollama, openai) to the configured RAG embeddings backend. An
// empty/unrecognized provider name returns (nil, nil): vector search is then
// simply unavailable rather than an error, same as VectorMemory being
// disabled outright.
func buildEmbeddingProvider(cfg config.RAGEmbeddingsConfig) (embeddings.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "ollama":
		return ollama.New(ollama.Config{BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "openai":
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unsupported embeddings provider: %s", cfg.Provider)
	}
}

func defaultModel(cfg *config.Config) string {
	if p, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok && p.DefaultModel != "" {
		return p.DefaultModel
	}
	return ""
}

// buildLLMProviders adapts the teacher's providers.LLMProvider
// implementations (Anthropic, OpenAI) into llm.Provider via
// agent.AsLLMServiceProvider, keyed by the config's provider ids.
func buildLLMProviders(cfg *config.Config) (map[string]llm.Provider, error) {
	out := make(map[string]llm.Provider, len(cfg.LLM.Providers))
	for id, pc := range cfg.LLM.Providers {
		switch id {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("anthropic provider: %w", err)
			}
			out[id] = agent.AsLLMServiceProvider(p, pc.DefaultModel)
		case "openai":
			p := providers.NewOpenAIProvider(pc.APIKey)
			out[id] = agent.AsLLMServiceProvider(p, pc.DefaultModel)
		}
	}
	return out, nil
}

// dispatchRequest is the /dispatch HTTP request body: a non-broker path
// into the router and scheduler, useful for direct integrations that
// don't speak the broker's envelope wire format.
type dispatchRequest struct {
	ChannelType    string `json:"channelType"`
	SenderID       string `json:"senderId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	SessionID      string `json:"sessionId"`
}

type dispatchResponse struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId"`
	Error   string `json:"error,omitempty"`
}

// handleDispatch routes an inbound request via router.Route and hands it
// to scheduler.Enqueue. Dispatch is asynchronous: the response carries the
// scheduled task id, and the resulting events are delivered the same way
// any other agent output is (persisted to the session, pushed over a
// bound WebSocket session via SendResponse-style delivery) rather than
// held open on this request.
func handleDispatch(router *orchestration.AgentRouter, scheduler *orchestration.AgentScheduler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, dispatchResponse{Error: "invalid request body"})
			return
		}

		agentID, _, ok := router.Route(req.ChannelType, req.SenderID, req.ConversationID)
		if !ok {
			writeJSONResponse(w, http.StatusServiceUnavailable, dispatchResponse{Error: "no agent available"})
			return
		}

		taskID := scheduler.Enqueue(context.Background(), orchestration.Task{
			AgentID:     agentID,
			UserMessage: req.Message,
			SessionID:   req.SessionID,
		}, func(_ orchestration.Task, ev orchestration.DispatchEvent) {
			if ev.Err != nil {
				logger.Warn("dispatch event error", "agent_id", agentID, "err", ev.Err)
			}
		}, func(task orchestration.Task) {
			logger.Debug("dispatch complete", "task_id", task.ID, "agent_id", agentID)
		}, func(task orchestration.Task, err error) {
			logger.Warn("dispatch failed", "task_id", task.ID, "agent_id", agentID, "err", err)
		})

		writeJSONResponse(w, http.StatusAccepted, dispatchResponse{AgentID: agentID, TaskID: taskID})
	}
}

func writeJSONResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// localAgents adapts a fixed set of *agent.AgentManager instances to
// orchestration.LocalRegistry.
type localAgents map[string]*agent.AgentManager

func (l localAgents) Get(id string) (orchestration.AgentHandle, bool) {
	m, ok := l[id]
	if !ok {
		return nil, false
	}
	return m, true
}

func (l localAgents) Has(id string) bool {
	_, ok := l[id]
	return ok
}

func (l localAgents) GetAll() map[string]orchestration.AgentHandle {
	out := make(map[string]orchestration.AgentHandle, len(l))
	for id, m := range l {
		out[id] = m
	}
	return out
}
