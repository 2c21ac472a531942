package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	otelglobal "go.opentelemetry.io/otel"

	"github.com/openrlm/rlm-go/agent"
	"github.com/openrlm/rlm-go/delegate"
	"github.com/openrlm/rlm-go/internal/config"
	"github.com/openrlm/rlm-go/llm"
	"github.com/openrlm/rlm-go/observe"
	otelsink "github.com/openrlm/rlm-go/observe/otel"
	"github.com/openrlm/rlm-go/providers/openai"
	"github.com/openrlm/rlm-go/resilience"
	"github.com/openrlm/rlm-go/sandbox"
	"github.com/openrlm/rlm-go/session"
	sessionredis "github.com/openrlm/rlm-go/session/redis"
	sessionsqlite "github.com/openrlm/rlm-go/session/sqlite"
	"github.com/openrlm/rlm-go/tools"
)

const defaultSystemPrompt = "You are a recursive problem solver. Break work that exceeds a single " +
	"pass into subtasks with the call and call_parallel tools, or drive them " +
	"programmatically with execute_code. Answer directly when the task is small."

// runtimeDeps bundles everything a command needs: one ledger, one
// executor and one dispatcher shared by the root agent and every child
// it spawns, so budgets and breaker state hold across the whole tree.
type runtimeDeps struct {
	cfg        config.File
	provider   llm.Provider
	store      session.Store
	ledger     *session.Ledger
	executor   *resilience.Executor
	dispatcher *delegate.Dispatcher
	sandbox    *sandbox.Runtime
	observer   observe.Sink
	toolset    []tools.Tool
	shutdown   func()
}

func buildDeps(ctx context.Context, opts cliOptions) (*runtimeDeps, error) {
	cfg, err := config.Load(configPath(opts))
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	ledger := session.NewLedger(
		session.WithBudget(session.Budget{
			MaxDepth:  cfg.Budget.MaxDepth,
			MaxCalls:  cfg.Budget.MaxCalls,
			BudgetUSD: cfg.Budget.BudgetUSD,
		}),
		session.WithStore(store),
	)

	observer, closeObserver := buildObserver()

	toolset, err := buildToolset(opts)
	if err != nil {
		closeObserver()
		closeStore(store)
		return nil, err
	}
	memory := tools.NewMemory()
	toolset = append(toolset, memory.Tool())

	byName := make(map[string]tools.Tool, len(toolset))
	for _, tool := range toolset {
		byName[tool.Definition().Name] = tool
	}

	registry := resilience.NewRegistry(
		resilience.WithFailureThreshold(cfg.Circuit.FailureThreshold),
		resilience.WithResetTimeout(cfg.Circuit.ResetTimeout),
	)
	executor := resilience.NewExecutor(registry,
		resilience.WithRetryPolicy(resilience.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			BaseDelay:    cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			JitterFactor: cfg.Retry.JitterFactor,
		}),
		resilience.WithToolResolver(func(name string) (tools.Tool, bool) {
			tool, ok := byName[name]
			return tool, ok
		}),
		resilience.WithObserver(observer),
	)

	deps := &runtimeDeps{
		cfg:      cfg,
		provider: provider,
		store:    store,
		ledger:   ledger,
		executor: executor,
		observer: observer,
		toolset:  toolset,
	}

	// Children resolve against the same deps, so the factory closes over
	// the dispatcher and sandbox fields that are filled in just below.
	loopback := delegate.NewLoopback(agent.ChildRunner(func(sub delegate.Subtask) (*agent.Agent, error) {
		return deps.newAgent("sub-"+sub.ID, sub.Depth, defaultSystemPrompt)
	}))
	deps.dispatcher = delegate.NewDispatcher(ledger, loopback, delegate.WithObserver(observer))
	deps.sandbox = sandbox.NewRuntime(ledger, deps.dispatcher, executor,
		sandbox.WithMemory(memory),
		sandbox.WithProvider(provider),
		sandbox.WithOffloadThreshold(cfg.Sandbox.OffloadThreshold),
		sandbox.WithExecuteTimeout(cfg.Sandbox.Timeout),
	)

	if err := deps.dispatcher.Start(ctx); err != nil {
		closeObserver()
		closeStore(store)
		return nil, err
	}

	deps.shutdown = func() {
		if err := deps.dispatcher.Stop(); err != nil {
			log.Printf("dispatcher stop failed: %v", err)
		}
		closeObserver()
		closeStore(store)
	}
	return deps, nil
}

func (d *runtimeDeps) newAgent(sessionKey string, depth int, systemPrompt string) (*agent.Agent, error) {
	agentOpts := []agent.Option{
		agent.WithSystemPrompt(systemPrompt),
		agent.WithLedger(d.ledger),
		agent.WithExecutor(d.executor),
		agent.WithDispatcher(d.dispatcher),
		agent.WithSandbox(d.sandbox),
		agent.WithSessionKey(sessionKey),
		agent.WithDepth(depth),
		agent.WithObserver(d.observer),
	}
	for _, tool := range d.toolset {
		agentOpts = append(agentOpts, agent.WithTool(tool))
	}
	return agent.New(d.provider, agentOpts...)
}

func configPath(opts cliOptions) string {
	if opts.config != "" {
		return opts.config
	}
	if env := strings.TrimSpace(os.Getenv("RLM_CONFIG")); env != "" {
		return env
	}
	return "rlm.yaml"
}

func buildProvider(cfg config.ProviderConfig) (llm.Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key: set provider.apiKey in the config file or OPENAI_API_KEY")
	}
	return openai.New(apiKey,
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(cfg.BaseURL),
	)
}

func buildStore(cfg config.StoreConfig) (session.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./.rlm/sessions.db"
		}
		return sessionsqlite.New(path)
	case "redis":
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		return sessionredis.New(addr)
	default:
		return nil, fmt.Errorf("unknown store backend %q (memory, sqlite, redis)", cfg.Backend)
	}
}

func buildToolset(opts cliOptions) ([]tools.Tool, error) {
	selection := opts.tools
	if len(selection) == 0 {
		selection = splitCSV(os.Getenv("RLM_TOOLS"))
	}
	if len(selection) == 0 {
		selection = tools.ToolNames()
	}
	toolset, err := tools.BuildTools(selection...)
	if err != nil {
		return nil, fmt.Errorf("resolve tools: %w", err)
	}
	return toolset, nil
}

func buildObserver() (observe.Sink, func()) {
	sinks := make([]observe.Sink, 0, 2)
	if config.ParseBoolString(os.Getenv("RLM_TRACES"), false) {
		sinks = append(sinks, otelsink.NewSink(otelglobal.GetTracerProvider()))
	}
	if config.ParseBoolString(os.Getenv("RLM_VERBOSE"), false) {
		sinks = append(sinks, observe.SinkFunc(func(_ context.Context, event observe.Event) error {
			line := fmt.Sprintf("[%s] %s %s", event.Kind, event.Status, event.Name)
			if event.ToolName != "" {
				line += " tool=" + event.ToolName
			}
			if event.Error != "" {
				line += " error=" + event.Error
			}
			log.Print(line)
			return nil
		}))
	}
	if len(sinks) == 0 {
		return observe.NoopSink{}, func() {}
	}
	async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), 256)
	return async, async.Close
}
