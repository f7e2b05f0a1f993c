// Package api is the HTTP front-end: plan and admin intake feeding the
// request queues, the synchronous approval endpoint, catalog lookups, and
// the health and metrics surfaces.
package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/steward/pkg/catalog"
	"github.com/parleyhq/steward/pkg/metrics"
	"github.com/parleyhq/steward/pkg/models"
	"github.com/parleyhq/steward/pkg/queue"
	"github.com/parleyhq/steward/pkg/socket"
)

// Performer executes an approved action by its approval log id.
type Performer interface {
	Perform(ctx context.Context, logID string) error
}

// Bus is the slice of the realtime client the front-end needs: ad-hoc
// message delivery and the connection state for /health.
type Bus interface {
	SendMessage(ctx context.Context, msg models.Message) error
	State() socket.State
}

// ToolFabric reports which MCP servers are live and which failed to start,
// for /health.
type ToolFabric interface {
	Servers() []string
	FailedServers() map[string]string
}

// Server owns the routes. Intake endpoints only enqueue; perform is the one
// request that does work inline, because its caller is the human who just
// clicked approve and wants the outcome.
type Server struct {
	performer  Performer
	planQueue  *queue.Queue[models.PlanRequest]
	adminQueue *queue.Queue[models.OwnerMessage]
	catalog    *catalog.Catalog
	fabric     ToolFabric
	bus        Bus
	agent      models.User
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// Deps carries the server's dependencies. Every field is required.
type Deps struct {
	Performer  Performer
	PlanQueue  *queue.Queue[models.PlanRequest]
	AdminQueue *queue.Queue[models.OwnerMessage]
	Catalog    *catalog.Catalog
	Fabric     ToolFabric
	Bus        Bus
	Agent      models.User
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
}

// New wires the front-end.
func New(deps Deps) *Server {
	if deps.Performer == nil {
		panic("api.New: performer must not be nil")
	}
	if deps.PlanQueue == nil {
		panic("api.New: plan queue must not be nil")
	}
	if deps.AdminQueue == nil {
		panic("api.New: admin queue must not be nil")
	}
	if deps.Catalog == nil {
		panic("api.New: catalog must not be nil")
	}
	if deps.Fabric == nil {
		panic("api.New: fabric must not be nil")
	}
	if deps.Bus == nil {
		panic("api.New: bus must not be nil")
	}
	if deps.Metrics == nil {
		panic("api.New: metrics must not be nil")
	}
	if deps.Gatherer == nil {
		panic("api.New: gatherer must not be nil")
	}
	return &Server{
		performer:  deps.Performer,
		planQueue:  deps.PlanQueue,
		adminQueue: deps.AdminQueue,
		catalog:    deps.Catalog,
		fabric:     deps.Fabric,
		bus:        deps.Bus,
		agent:      deps.Agent,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		logger:     slog.Default().With("component", "api"),
	}
}

// Router assembles the gin engine: panic recovery, request observation, and
// every route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	api := router.Group("/api")
	api.POST("/create_plan", s.createPlan)
	api.POST("/ask_admin", s.askAdmin)
	api.POST("/perform", s.perform)
	api.POST("/agent_message", s.agentMessage)
	api.GET("/get_servers", s.getServers)
	api.GET("/get_tools", s.getTools)

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	return router
}
