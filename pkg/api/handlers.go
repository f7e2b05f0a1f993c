package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/steward/pkg/messages"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/socket"
	"github.com/parleyhq/steward/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// createPlan handles POST /api/create_plan. The request is queued and the
// caller released immediately; planning happens on the plan workers.
func (s *Server) createPlan(c *gin.Context) {
	var req models.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.planQueue.Push(req)
	c.JSON(http.StatusOK, "processed")
}

// askAdmin handles POST /api/ask_admin. Directives asking to skip the
// approval loop are refused outright; everything else is queued.
func (s *Server) askAdmin(c *gin.Context) {
	var req models.OwnerMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Trust {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "trusted directives are not accepted; every action requires approval",
		})
		return
	}

	s.adminQueue.Push(req)
	c.JSON(http.StatusOK, "processed")
}

// perform handles POST /api/perform synchronously: the caller is the human
// who just approved, and the response carries the outcome.
func (s *Server) perform(c *gin.Context) {
	var req models.PerformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.performer.Perform(c.Request.Context(), req.LogID); err != nil {
		status, msg := mapPerformError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Perform failed", "log_id", req.LogID, "error", err)
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "performed"})
}

// agentMessage handles POST /api/agent_message: an ad-hoc agent message
// pushed into a room, for tools and diagnostics. An undeliverable message is
// not lost — the bus queues it for replay — so the answer is 202, not an
// error.
func (s *Server) agentMessage(c *gin.Context) {
	var req models.AgentMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := messages.NewChatMessage(s.agent, req.RoomID, req.Content)
	if err := s.bus.SendMessage(c.Request.Context(), msg); err != nil {
		s.logger.Warn("Agent message queued for replay", "room_id", req.RoomID, "error", err)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "message_id": msg.ID})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent", "message_id": msg.ID})
}

// getServers handles GET /api/get_servers: the full catalog keyed by server
// name.
func (s *Server) getServers(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.Servers())
}

// getTools handles GET /api/get_tools. Without a server filter it returns
// every server's function descriptors; with one, just that server's.
func (s *Server) getTools(c *gin.Context) {
	server := c.Query("server")
	if server == "" {
		all := make(map[string][]models.FunctionDescriptor)
		for _, name := range s.catalog.Names() {
			descriptors, err := s.catalog.Descriptors(name)
			if err != nil {
				continue
			}
			all[name] = descriptors
		}
		c.JSON(http.StatusOK, all)
		return
	}

	descriptors, err := s.catalog.Descriptors(server)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("MCP server %q not found", server),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{server: descriptors})
}

// health handles GET /health. Degradation stays a 200: failed MCP servers or
// a reconnecting socket must not get the process restarted by an
// orchestrator probe, and everything else here keeps working without them.
func (s *Server) health(c *gin.Context) {
	status := healthStatusHealthy
	checks := make(map[string]HealthCheck, 2)

	mcpCheck := HealthCheck{Status: healthStatusHealthy, LiveServers: s.fabric.Servers()}
	if failed := s.fabric.FailedServers(); len(failed) > 0 {
		status = healthStatusDegraded
		mcpCheck.Status = healthStatusDegraded
		mcpCheck.FailedServers = failed
	}
	checks["mcp"] = mcpCheck

	socketCheck := HealthCheck{Status: healthStatusHealthy}
	if state := s.bus.State(); state != socket.StateConnected {
		status = healthStatusDegraded
		socketCheck.Status = healthStatusDegraded
		socketCheck.Message = string(state)
	}
	checks["socket"] = socketCheck

	c.JSON(http.StatusOK, &HealthResponse{
		Status:  status,
		Version: version.Full(),
		Checks:  checks,
	})
}
