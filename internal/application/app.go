package application

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/compaction"
	"github.com/corerun/agentcore/internal/domain/handle"
	domainmemory "github.com/corerun/agentcore/internal/domain/memory"
	"github.com/corerun/agentcore/internal/domain/pathguard"
	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/plugin"
	"github.com/corerun/agentcore/internal/domain/service"
	domaintool "github.com/corerun/agentcore/internal/domain/tool"
	"github.com/corerun/agentcore/internal/domain/toolpipeline"
	"github.com/corerun/agentcore/internal/domain/turnloop"
	"github.com/corerun/agentcore/internal/infrastructure/config"
	"github.com/corerun/agentcore/internal/infrastructure/embedding"
	"github.com/corerun/agentcore/internal/infrastructure/llm"
	"github.com/corerun/agentcore/internal/infrastructure/monitoring"
	"github.com/corerun/agentcore/internal/infrastructure/persistence"
	"github.com/corerun/agentcore/internal/infrastructure/prompt"
	"github.com/corerun/agentcore/internal/infrastructure/sandbox"
	"github.com/corerun/agentcore/internal/infrastructure/sideload"
	toolpkg "github.com/corerun/agentcore/internal/infrastructure/tool"
	"github.com/corerun/agentcore/internal/infrastructure/vectorstore"

	// Provider self-registration via init().
	_ "github.com/corerun/agentcore/internal/infrastructure/llm/anthropic"
	_ "github.com/corerun/agentcore/internal/infrastructure/llm/gemini"
	_ "github.com/corerun/agentcore/internal/infrastructure/llm/openai"
)

// App wires the turn loop, tool pipeline and compaction engine and their
// supporting infrastructure into a single runnable unit. It replaces
// the teacher's service.AgentLoop plus its per-channel delivery
// adapters: one turnloop.Engine now drives every entry point (REPL,
// CLI, sub-agent) instead of a Telegram bot / HTTP server / gRPC
// server each running their own copy of the ReAct loop.
type App struct {
	config  *config.Config
	logger  *zap.Logger
	monitor *monitoring.Monitor

	toolRegistry domaintool.Registry
	sideloader   *sideload.Manager
	engineHolder *toolpkg.EngineHolder
	memory       *domainmemory.MemoryManager

	engine *turnloop.Engine
	sessDB *persistence.SessionStore
}

// NewApp builds the full dependency graph described in SPEC_FULL.md §4
// and returns an App ready to drive turns.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config:  cfg,
		logger:  logger,
		monitor: monitoring.NewMonitor(logger),
	}
	if err := app.init(); err != nil {
		return nil, err
	}
	return app, nil
}

func (app *App) init() error {
	app.logger.Info("Initializing agentcore")

	app.toolRegistry = domaintool.NewInMemoryRegistry()

	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".agentcore", "skills")
	workspaceDir := app.config.Agent.Workspace
	if workspaceDir == "" {
		workspaceDir, _ = os.Getwd()
	}

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	// ── LLM Router: one provider per configured backend. Model-policy
	// resolution (spec §4.B) happens downstream, inside turnloop.
	llmRouter := llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name: p.Name, Type: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey,
			Models: p.Models, Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Warn("Failed to create LLM provider", zap.String("name", p.Name), zap.Error(err))
			continue
		}
		llmRouter.AddProvider(provider)
	}

	contextLimits := make(map[string]int, len(app.config.Agent.Models))
	if app.config.Agent.Guardrails.ContextMaxTokens > 0 {
		for _, m := range app.config.Agent.Models {
			contextLimits[m.ID] = app.config.Agent.Guardrails.ContextMaxTokens
		}
	}
	turnProvider := llm.NewTurnProvider(llmRouter, contextLimits, app.logger)

	// ── Sideloaded modules (spec §4.J): discovered from the workspace
	// .agentcore/modules dir, registering additional tools at startup.
	app.sideloader = sideload.NewManager(app.toolRegistry, app.logger)
	app.sideloader.SetProjectDir(workspaceDir)

	mcpConfigPath := filepath.Join(homeDir, ".agentcore", "mcp.json")
	mcpManager := toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	// EngineHolder breaks the registry⇄Engine construction cycle: the
	// sub_agent tool is registered against the registry before the
	// Engine that owns that registry exists.
	app.engineHolder = toolpkg.NewEngineHolder()

	subAgentTimeout := app.config.Agent.Runtime.SubAgentTimeout
	if subAgentTimeout <= 0 {
		subAgentTimeout = 3 * time.Minute
	}

	registered := toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:   app.toolRegistry,
		Logger:     app.logger,
		Sandbox:    sbx,
		SkillExec:  nil,
		PythonEnv:  app.config.PythonEnv,
		SkillsDir:  systemSkillsDir,
		Workspace:  workspaceDir,
		MCPManager: mcpManager,
		SubAgent: &toolpkg.SubAgentDeps{
			Holder:  app.engineHolder,
			Timeout: subAgentTimeout,
		},
	})
	app.logger.Info("Tool layer ready", zap.Int("tools", registered))

	// ── Permission / path containment (spec §4.A, §4.C).
	mode := permission.ModeBuild
	if app.config.Agent.AskMode {
		mode = permission.ModePlan
	}
	guard := pathguard.New(pathguard.Config{
		WorkspaceRoot:      workspaceDir,
		AllowExternalPaths: false,
	})
	ruleset := permission.DefaultRuleset(mode)
	handles := handle.New()

	pipeline := toolpipeline.New(
		app.toolRegistry,
		guard,
		ruleset,
		handles,
		stdinApproval,
		toolpipeline.Hooks{},
		app.logger,
	)

	// ── Long-term vector memory (spec §5 memory config): LanceDB-backed
	// when enabled and reachable, otherwise the in-process fallback so
	// compaction's memory extraction always has a recall destination.
	app.memory = app.buildMemoryManager()

	// ── Compaction (spec §4.F): summarizer reuses the same router the
	// turn loop talks to; memory extraction persists through both the
	// teacher's JSON-backed save_memory store and the vector memory
	// manager above, so a later turn can recall it semantically.
	compactor := compaction.New(compaction.DefaultConfig(), app.buildSummarizer(llmRouter), app.buildMemorySaver(), app.logger)

	// ── System prompt: assembled once at startup. turnloop.Config is
	// fixed per-Engine, so the teacher's per-message intent-driven
	// prompt variation (PromptContext.UserMessage) cannot be
	// re-assembled per turn here.
	promptEngine := prompt.NewPromptEngine(workspaceDir, app.logger)
	if err := promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt discovery failed, using soul-only prompt", zap.Error(err))
	}
	systemPrompt := promptEngine.Assemble(prompt.PromptContext{
		RegisteredTools: toolNames(app.toolRegistry),
		ModelName:       app.config.Agent.DefaultModel,
		Workspace:       workspaceDir,
	})

	maxIter := app.config.Agent.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}

	cfg := turnloop.DefaultConfig()
	cfg.Model = app.config.Agent.DefaultModel
	cfg.SystemPrompt = systemPrompt
	cfg.MaxIterations = maxIter
	cfg.WorkspaceRoot = workspaceDir
	cfg.AllowExternalPaths = false
	cfg.AutoApprove = app.config.Agent.Security.ApprovalMode == "auto"
	if app.config.Agent.Guardrails.ContextHardRatio > 0 {
		cfg.CompactionFraction = app.config.Agent.Guardrails.ContextHardRatio
	}

	engine := turnloop.New(turnProvider, app.toolRegistry, pipeline, compactor, plugin.Hooks{}, nil, app.logger, cfg)
	app.engineHolder.Set(engine)
	app.engine = engine

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	app.sessDB = persistence.NewSessionStore(db)

	return nil
}

// stdinApproval is the fallback interactive gate for tool calls the
// permission ruleset marks Ask: it blocks on stdin rather than
// auto-approving, so a headless caller (e.g. a gateway with no
// attached terminal) should run with security.approval_mode: auto
// instead. REPL entry points render a richer prompt around the tool
// call themselves before this ever runs, but this text fallback still
// gates the decision in every case.
func stdinApproval(ctx context.Context, toolName string, args map[string]interface{}) (bool, error) {
	fmt.Fprintf(os.Stderr, "\nApprove tool call %q? [y/N] ", toolName)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes", nil
}

func toolNames(reg domaintool.Registry) []string {
	defs := reg.List()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

// buildSummarizer adapts the LLM router into compaction.Summarizer.
func (app *App) buildSummarizer(router *llm.Router) compaction.Summarizer {
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		resp, err := router.Generate(ctx, &service.LLMRequest{
			Model: app.config.Agent.DefaultModel,
			Messages: []service.LLMMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt},
			},
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// buildMemorySaver adapts the teacher's JSON memory store into
// compaction.MemorySaver, appending one fact per compaction-extracted
// <memory_candidates> line, and additionally embeds+indexes the same
// fact into the vector memory manager so a later turn can recall it by
// semantic similarity rather than only by the save_memory tool's exact
// full-text listing.
func (app *App) buildMemorySaver() compaction.MemorySaver {
	return func(ctx context.Context, fact string) error {
		store, err := toolpkg.LoadMemoryStore()
		if err != nil {
			store = &toolpkg.MemoryStore{}
		}
		store.Facts = append(store.Facts, toolpkg.MemoryFact{
			ID:        uuid.NewString(),
			Content:   fact,
			Category:  "context",
			Source:    "compaction",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		})
		if err := toolpkg.SaveMemoryStore(store); err != nil {
			return err
		}
		if app.memory != nil {
			if _, err := app.memory.Remember(ctx, fact, map[string]interface{}{"source": "compaction"}); err != nil {
				app.logger.Warn("Vector memory write failed", zap.Error(err))
			}
		}
		return nil
	}
}

// buildMemoryManager constructs the vector-backed long-term memory
// (spec §5): Ollama embeddings over a LanceDB table when
// memory.enabled is set and both are reachable at startup, falling
// back to the in-process cosine-similarity store otherwise so recall
// always has a (session-lifetime) destination.
func (app *App) buildMemoryManager() *domainmemory.MemoryManager {
	memCfg := app.config.Memory
	if !memCfg.Enabled {
		return domainmemory.NewMemoryManager(domainmemory.NewInMemoryVectorStore(), domainmemory.NewSimpleEmbedder(128))
	}

	embedder, err := embedding.NewOllamaEmbedder(memCfg.OllamaURL, memCfg.EmbedModel, app.logger)
	if err != nil {
		app.logger.Warn("Ollama embedder unavailable, falling back to in-process memory", zap.Error(err))
		return domainmemory.NewMemoryManager(domainmemory.NewInMemoryVectorStore(), domainmemory.NewSimpleEmbedder(128))
	}

	if memCfg.StoreType == "lancedb" {
		storePath := memCfg.StorePath
		if storePath == "" {
			homeDir, _ := os.UserHomeDir()
			storePath = filepath.Join(homeDir, ".agentcore", "memory", "lancedb")
		}
		store, err := vectorstore.NewLanceDBVectorStore(storePath, embedder.Dimension(), app.logger)
		if err != nil {
			app.logger.Warn("LanceDB store unavailable, falling back to in-process memory", zap.Error(err))
			return domainmemory.NewMemoryManager(domainmemory.NewInMemoryVectorStore(), embedder)
		}
		return domainmemory.NewMemoryManager(store, embedder)
	}

	return domainmemory.NewMemoryManager(domainmemory.NewInMemoryVectorStore(), embedder)
}

// Engine returns the shared turn loop engine driving every entry point.
func (app *App) Engine() *turnloop.Engine { return app.engine }

// SessionStore returns the persistence layer backing cross-restart
// session recovery.
func (app *App) SessionStore() *persistence.SessionStore { return app.sessDB }

// ToolRegistry returns the shared tool registry.
func (app *App) ToolRegistry() domaintool.Registry { return app.toolRegistry }

// AppConfig returns the loaded configuration.
func (app *App) AppConfig() *config.Config { return app.config }

// Logger returns the shared structured logger.
func (app *App) Logger() *zap.Logger { return app.logger }

// Monitor returns the in-process metrics collector.
func (app *App) Monitor() *monitoring.Monitor { return app.monitor }

// Start discovers and launches sideloaded modules (spec §4.J). There is
// no delivery-channel server to start beyond this: agentcore's entry
// points (REPL, CLI) drive the Engine directly in-process.
func (app *App) Start(ctx context.Context) error {
	if err := app.sideloader.DiscoverAndStart(ctx); err != nil {
		app.logger.Warn("Sideload discovery failed", zap.Error(err))
	}
	return nil
}

// Stop is a no-op placeholder for symmetry with Start; sideloaded
// module processes are cleaned up by their own context cancellation.
func (app *App) Stop(ctx context.Context) error {
	return nil
}
