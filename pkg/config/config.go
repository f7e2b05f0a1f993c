// Package config loads the orchestrator's environment-driven settings and
// the MCP server manifest.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// PlanGrouping defines how admin actions without a plan_id argument are
// grouped into plans
type PlanGrouping string

const (
	// PlanGroupingAction mints one plan id per action (the default)
	PlanGroupingAction PlanGrouping = "action"
	// PlanGroupingGroup mints one plan id for the whole directive
	PlanGroupingGroup PlanGrouping = "group"
)

// IsValid checks if the plan grouping is valid
func (g PlanGrouping) IsValid() bool {
	return g == PlanGroupingGroup || g == PlanGroupingAction
}

// OpenAIConfig holds the primary chat/completion model backend settings
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Configured reports whether the chat backend can be called at all
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// OllamaConfig holds the embedding/bypasser model backend settings
type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
}

// Configured reports whether the bypasser backend can be called at all
func (c OllamaConfig) Configured() bool {
	return c.BaseURL != "" && c.EmbedModel != "" && c.ChatModel != ""
}

// Settings is the full runtime configuration, resolved from the environment.
// Call Load after godotenv has populated the process environment.
type Settings struct {
	HTTPAddr string

	OpenAI OpenAIConfig
	Ollama OllamaConfig

	// ManifestPath is the MCP_SERVERS_JSON file naming every tool server
	ManifestPath string

	// ClientURL is the base URL of the chat platform's REST persistence API
	ClientURL string

	// SocketServerURL is the realtime message bus endpoint
	SocketServerURL string

	// AgentUserID is the chat identity the socket client authenticates as.
	// When empty it is resolved from AgentUsername at startup.
	AgentUserID   string
	AgentUsername string

	// AdminServer names the MCP server whose catalog backs ask_admin
	AdminServer string

	AdminPlanGrouping PlanGrouping

	PlanWorkers  int
	AdminWorkers int
}

// Load resolves Settings from the environment and validates them.
// The MCP manifest itself is loaded separately via LoadManifest.
func Load() (*Settings, error) {
	s := &Settings{
		HTTPAddr: getEnv("HTTP_ADDR", DefaultHTTPAddr),
		OpenAI: OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_API_BASE_URL"),
			Model:   getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		},
		Ollama: OllamaConfig{
			BaseURL:    getEnv("OLLAMA_API_BASE_URL", DefaultOllamaBaseURL),
			EmbedModel: getEnv("EMBED_MODEL", DefaultEmbedModel),
			ChatModel:  os.Getenv("OLLAMA_MODEL"),
		},
		ManifestPath:      os.Getenv("MCP_SERVERS_JSON"),
		ClientURL:         getEnv("CLIENT_URL", DefaultClientURL),
		SocketServerURL:   getEnv("SOCKET_SERVER_URL", DefaultSocketServerURL),
		AgentUserID:       os.Getenv("AGENT_USER_ID"),
		AgentUsername:     getEnv("AGENT_USERNAME", DefaultAgentUsername),
		AdminServer:       getEnv("ADMIN_MCP_SERVER", DefaultAdminServer),
		AdminPlanGrouping: PlanGrouping(getEnv("ADMIN_PLAN_GROUPING", string(PlanGroupingAction))),
		PlanWorkers:       getEnvInt("PLAN_WORKERS", DefaultPlanWorkers),
		AdminWorkers:      getEnvInt("ADMIN_WORKERS", DefaultAdminWorkers),
	}

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	if !s.OpenAI.Configured() {
		slog.Warn("OPENAI_API_KEY is not set; plan and skill synthesis will degrade to no-op plans")
	}

	return s, nil
}

func (s *Settings) validate() error {
	if s.ManifestPath == "" {
		return fmt.Errorf("%w: MCP_SERVERS_JSON", ErrMissingRequiredField)
	}
	if s.HTTPAddr == "" {
		return fmt.Errorf("%w: HTTP_ADDR", ErrMissingRequiredField)
	}
	if !s.AdminPlanGrouping.IsValid() {
		return fmt.Errorf("%w: ADMIN_PLAN_GROUPING %q (want %q or %q)",
			ErrInvalidValue, s.AdminPlanGrouping, PlanGroupingGroup, PlanGroupingAction)
	}
	if s.PlanWorkers < 1 {
		return fmt.Errorf("%w: PLAN_WORKERS must be >= 1", ErrInvalidValue)
	}
	if s.AdminWorkers < 1 {
		return fmt.Errorf("%w: ADMIN_WORKERS must be >= 1", ErrInvalidValue)
	}
	return nil
}

// getEnv returns the environment value or a fallback when unset or blank
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer environment value or a fallback when unset
// or unparseable
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}
