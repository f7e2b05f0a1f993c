package config

// Default values applied when the environment leaves a setting unset.
const (
	// DefaultHTTPAddr is the orchestrator's listen address
	DefaultHTTPAddr = ":34430"

	// DefaultOpenAIModel is the primary chat/completion model
	DefaultOpenAIModel = "deepseek-chat"

	// DefaultOllamaBaseURL is the local Ollama endpoint
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultEmbedModel embeds server descriptions for the bypasser
	DefaultEmbedModel = "nomic-embed-text"

	// DefaultClientURL is the chat platform's REST persistence API
	DefaultClientURL = "http://localhost:3000"

	// DefaultSocketServerURL is the realtime message bus
	DefaultSocketServerURL = "http://localhost:3001"

	// DefaultAgentUsername resolves the agent's chat identity when
	// AGENT_USER_ID is unset
	DefaultAgentUsername = "agent"

	// DefaultAdminServer is the MCP server backing ask_admin
	DefaultAdminServer = "admin"

	// DefaultPlanWorkers / DefaultAdminWorkers cap queue concurrency
	DefaultPlanWorkers  = 2
	DefaultAdminWorkers = 2
)
