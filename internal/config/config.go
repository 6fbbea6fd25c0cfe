package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pocketomega/foreman/internal/llmgateway"
)

// Config is every knob the server reads from the environment, loaded once
// at startup and immutable thereafter.
type Config struct {
	ListenAddr string

	// LLM provider (one account, per-role model selection).
	APIKey      string
	BaseURL     string
	HTTPTimeout time.Duration
	LLMRetries  int
	LLMBackoff  time.Duration
	LLMTimeout  time.Duration // per-call wall-clock budget
	LLMMaxInFlight int

	ModelByRole map[llmgateway.Role]string

	// Orchestration budgets.
	MaxConcurrentTasks int
	MaxStepRetries     int
	MaxReplans         int
	NodeRetries        int
	GracePeriod        time.Duration
	MaxRunTokens       int64
	MaxRunDuration     time.Duration

	// Per-scope tool timeouts.
	ToolTimeoutRead  time.Duration
	ToolTimeoutWrite time.Duration
	ToolTimeoutExec  time.Duration

	// Paths.
	WorkspaceDir  string
	EventStoreDir string
	PromptsDir    string
	UserRulesPath string
	SoulPath      string
	MCPConfigPath string
	SkillsDir     string

	BoardExperts []string
}

// roleEnvSuffix maps each role to its MODEL_* environment variable suffix.
var roleEnvSuffix = map[llmgateway.Role]string{
	llmgateway.RoleRouter:      "ROUTER",
	llmgateway.RoleArchitect:   "ARCHITECT",
	llmgateway.RoleLibrarian:   "LIBRARIAN",
	llmgateway.RoleForeman:     "FOREMAN",
	llmgateway.RoleWorker:      "WORKER",
	llmgateway.RoleSupervisor:  "SUPERVISOR",
	llmgateway.RoleEditor:      "EDITOR",
	llmgateway.RoleBoardChair:  "BOARD_CHAIR",
	llmgateway.RoleBoardExpert: "BOARD_EXPERT",
}

// Load reads the full configuration from the environment. A missing API key
// or model is a configuration error (the caller exits 2).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envString("LISTEN_ADDR", ":8080"),
		APIKey:             os.Getenv("LLM_API_KEY"),
		BaseURL:            os.Getenv("LLM_BASE_URL"),
		HTTPTimeout:        envSeconds("LLM_HTTP_TIMEOUT_SECONDS", 300),
		LLMRetries:         envInt("LLM_MAX_RETRIES", 3, 0, 10),
		LLMBackoff:         envSeconds("LLM_RETRY_BACKOFF_SECONDS", 1),
		LLMTimeout:         envSeconds("LLM_TIMEOUT_SECONDS", 60),
		LLMMaxInFlight:     envInt("LLM_MAX_IN_FLIGHT", 8, 1, 128),
		MaxConcurrentTasks: envInt("MAX_CONCURRENT_TASKS", 8, 1, 256),
		MaxStepRetries:     envInt("MAX_STEP_RETRIES", 2, 0, 10),
		MaxReplans:         envInt("MAX_REPLANS", 2, 0, 10),
		NodeRetries:        envInt("NODE_RETRIES", 1, 0, 5),
		GracePeriod:        envSeconds("CANCEL_GRACE_SECONDS", 5),
		MaxRunTokens:       int64(envInt("MAX_RUN_TOKENS", 0, 0, 1<<30)),
		MaxRunDuration:     envSeconds("MAX_RUN_DURATION_SECONDS", 0),
		ToolTimeoutRead:    envSeconds("TOOL_TIMEOUT_READ_SECONDS", 30),
		ToolTimeoutWrite:   envSeconds("TOOL_TIMEOUT_WRITE_SECONDS", 60),
		ToolTimeoutExec:    envSeconds("TOOL_TIMEOUT_EXEC_SECONDS", 300),
		WorkspaceDir:       envString("WORKSPACE_DIR", "./workspaces"),
		EventStoreDir:      envString("EVENT_STORE_DIR", "./events"),
		PromptsDir:         os.Getenv("PROMPTS_DIR"),
		UserRulesPath:      os.Getenv("USER_RULES_PATH"),
		SoulPath:           os.Getenv("SOUL_PATH"),
		MCPConfigPath:      envString("MCP_CONFIG", "mcp.json"),
		SkillsDir:          os.Getenv("SKILLS_DIR"),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}

	defaultModel := os.Getenv("LLM_MODEL")
	cfg.ModelByRole = make(map[llmgateway.Role]string, len(roleEnvSuffix))
	for role, suffix := range roleEnvSuffix {
		if v := os.Getenv("MODEL_" + suffix); v != "" {
			cfg.ModelByRole[role] = v
		} else {
			cfg.ModelByRole[role] = defaultModel
		}
	}
	if defaultModel == "" {
		for role, id := range cfg.ModelByRole {
			if id == "" {
				return nil, fmt.Errorf("no model configured for role %s: set LLM_MODEL or MODEL_%s", role, roleEnvSuffix[role])
			}
		}
	}

	if v := os.Getenv("BOARD_EXPERTS"); v != "" {
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				cfg.BoardExperts = append(cfg.BoardExperts, e)
			}
		}
	}
	if len(cfg.BoardExperts) == 0 {
		cfg.BoardExperts = []string{"feasibility", "risk", "efficiency"}
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def, min, max int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		log.Printf("[Config] WARNING: invalid %s=%q (want %d..%d), using default %d", key, v, min, max, def)
		return def
	}
	return n
}

func envSeconds(key string, def int) time.Duration {
	n := envInt(key, def, 0, 24*3600)
	return time.Duration(n) * time.Second
}
