package api

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one dependency's entry in the health report.
type HealthCheck struct {
	Status        string            `json:"status"`
	Message       string            `json:"message,omitempty"`
	LiveServers   []string          `json:"live_servers,omitempty"`
	FailedServers map[string]string `json:"failed_servers,omitempty"`
}
