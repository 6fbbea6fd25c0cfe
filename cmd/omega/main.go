// Command omega starts the agent orchestration server: it wires the tool
// registry, workspace manager, LLM gateway, event store, task manager, and
// the WebSocket/HTTP gateway, then serves until SIGINT/SIGTERM.
//
// Exit codes: 0 clean shutdown, 2 configuration error, 3 storage error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pocketomega/foreman/internal/config"
	"github.com/pocketomega/foreman/internal/eventbus"
	"github.com/pocketomega/foreman/internal/gateway"
	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/llmgateway/openai"
	"github.com/pocketomega/foreman/internal/mcp"
	"github.com/pocketomega/foreman/internal/metrics"
	"github.com/pocketomega/foreman/internal/prompt"
	"github.com/pocketomega/foreman/internal/skill"
	"github.com/pocketomega/foreman/internal/store"
	"github.com/pocketomega/foreman/internal/task"
	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/tool/builtin"
	"github.com/pocketomega/foreman/internal/workspace"
)

const (
	exitOK            = 0
	exitConfigError   = 2
	exitStorageError  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", "", "path to a .env file (default: auto-discover)")
	flag.Parse()

	if *envFile != "" {
		config.LoadEnv(*envFile)
	} else {
		config.LoadEnv()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("[Main] configuration error: %v", err)
		return exitConfigError
	}

	eventStore, err := store.New(cfg.EventStoreDir)
	if err != nil {
		log.Printf("[Main] storage error: %v", err)
		return exitStorageError
	}
	defer eventStore.Close()

	workspaces, err := workspace.NewManager(cfg.WorkspaceDir)
	if err != nil {
		log.Printf("[Main] storage error: %v", err)
		return exitStorageError
	}

	provider, err := openai.NewProvider(openai.Config{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		HTTPTimeout: cfg.HTTPTimeout,
	})
	if err != nil {
		log.Printf("[Main] configuration error: %v", err)
		return exitConfigError
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	llm := llmgateway.New(provider, cfg.LLMRetries, cfg.LLMBackoff, cfg.LLMTimeout, cfg.LLMMaxInFlight, m)

	registry := tool.NewRegistry()
	registerBuiltins(registry, cfg)

	if err := registry.InitAll(context.Background()); err != nil {
		log.Printf("[Main] configuration error: initialize tools: %v", err)
		return exitConfigError
	}
	defer registry.CloseAll()

	promptLoader := prompt.NewPromptLoader(cfg.PromptsDir, cfg.UserRulesPath, cfg.SoulPath)

	// Workspace skills and MCP servers are optional tool sources.
	if cfg.SkillsDir != "" {
		skillMgr := skill.NewManager(cfg.SkillsDir)
		if n, skillErrs := skillMgr.LoadAll(context.Background(), registry); n > 0 || len(skillErrs) > 0 {
			log.Printf("[Main] workspace skills: %d loaded", n)
			for _, e := range skillErrs {
				log.Printf("[Main] skill load: %v", e)
			}
		}
		registry.Register(skill.NewReloadTool(skillMgr, registry))
	}
	if _, statErr := os.Stat(cfg.MCPConfigPath); statErr == nil {
		mcpMgr := mcp.NewManager(cfg.MCPConfigPath)
		mcpMgr.SetPromptLoader(promptLoader)
		registry.Register(mcp.NewReloadTool(mcpMgr, registry))

		n, mcpErrs := mcpMgr.ConnectAll(context.Background())
		for _, e := range mcpErrs {
			log.Printf("[Main] MCP connect: %v", e)
		}
		if n > 0 {
			if err := mcpMgr.RegisterTools(context.Background(), registry); err != nil {
				log.Printf("[Main] MCP register tools: %v", err)
			}
			log.Printf("[Main] MCP: %d server(s) connected", n)
		}
		defer mcpMgr.CloseAll()
	}

	log.Printf("[Main] tools: %d registered", len(registry.List()))

	bus := eventbus.New(eventStore)
	taskCfg := task.Config{
		MaxStepRetries: cfg.MaxStepRetries,
		MaxReplans:     cfg.MaxReplans,
		NodeRetries:    cfg.NodeRetries,
		GracePeriod:    cfg.GracePeriod,
		Timeouts: task.ToolTimeouts{
			ReadOnly: cfg.ToolTimeoutRead,
			Writes:   cfg.ToolTimeoutWrite,
			Executes: cfg.ToolTimeoutExec,
		},
		Experts:        cfg.BoardExperts,
		MaxRunTokens:   cfg.MaxRunTokens,
		MaxRunDuration: cfg.MaxRunDuration,
	}
	manager := task.NewManager(taskCfg, llm, registry, bus, promptLoader, workspaces, eventStore, m, cfg.ModelByRole, cfg.MaxConcurrentTasks)
	if err := manager.Restore(); err != nil {
		log.Printf("[Main] storage error: restore tasks: %v", err)
		return exitStorageError
	}

	fmt.Printf("omega: %d tools, models per role configured, listening at %s\n", len(registry.List()), cfg.ListenAddr)

	server := gateway.NewServer(cfg.ListenAddr, manager, bus, registry, cfg.ModelByRole)
	if err := server.Start(); err != nil {
		log.Printf("[Main] server error: %v", err)
		return 1
	}
	return exitOK
}

// registerBuiltins installs the native tool catalog. Tools keep a fallback
// workspace dir for single-task use, but every Run resolves its own sandbox
// root via the invocation context.
func registerBuiltins(registry *tool.Registry, cfg *config.Config) {
	fallback := cfg.WorkspaceDir

	shellEnabled := os.Getenv("TOOL_SHELL_ENABLED") != "false"
	registry.Register(builtin.NewShellTool(fallback, shellEnabled))
	registry.Register(builtin.NewFileReadTool(fallback))
	registry.Register(builtin.NewFileWriteTool(fallback))
	registry.Register(builtin.NewFileListTool(fallback))
	registry.Register(builtin.NewFileFindTool(fallback))
	registry.Register(builtin.NewFileGrepTool(fallback))
	registry.Register(builtin.NewFileMoveTool(fallback))
	registry.Register(builtin.NewFileOpenTool(fallback))
	registry.Register(builtin.NewFileDeleteTool(fallback))
	registry.Register(builtin.NewFilePatchTool(fallback))
	registry.Register(builtin.NewGitInfoTool(fallback))
	registry.Register(builtin.NewTimeTool())
	registry.Register(builtin.NewWebReaderTool())
	registry.Register(builtin.NewMCPServerAddTool(cfg.MCPConfigPath))
	registry.Register(builtin.NewMCPServerRemoveTool(cfg.MCPConfigPath))
	registry.Register(builtin.NewMCPServerListTool(cfg.MCPConfigPath))
	// The only file editable outside a task sandbox is the MCP catalog.
	registry.Register(builtin.NewConfigEditTool(map[string]string{"mcp.json": cfg.MCPConfigPath}))

	if os.Getenv("TOOL_HTTP_ENABLED") != "false" {
		allowInternal := os.Getenv("TOOL_HTTP_ALLOW_INTERNAL") == "true"
		registry.Register(builtin.NewHTTPRequestTool(allowInternal))
	}
	if key := os.Getenv("TAVILY_API_KEY"); key != "" {
		registry.Register(builtin.NewTavilySearchTool(key))
		log.Printf("[Main] Tavily web search enabled")
	}
	if key := os.Getenv("BRAVE_API_KEY"); key != "" {
		registry.Register(builtin.NewBraveSearchTool(key))
		log.Printf("[Main] Brave search enabled")
	}
}
