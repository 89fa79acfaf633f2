package router

import (
	"spotfleet/app/handler"
	"spotfleet/app/middleware"
	"spotfleet/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	agentHandler   *handler.AgentHandler
	replicaHandler *handler.ReplicaHandler
	switchHandler  *handler.SwitchHandler
	savingsHandler *handler.SavingsHandler
	auth           gin.HandlerFunc
}

// NewRouter creates a new Router
func NewRouter(agentHandler *handler.AgentHandler, replicaHandler *handler.ReplicaHandler, switchHandler *handler.SwitchHandler, savingsHandler *handler.SavingsHandler, auth gin.HandlerFunc) *Router {
	return &Router{
		agentHandler:   agentHandler,
		replicaHandler: replicaHandler,
		switchHandler:  switchHandler,
		savingsHandler: savingsHandler,
		auth:           auth,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())
	engine.Use(middleware.Metrics())

	api := engine.Group("/api/v1")
	api.Use(r.auth)
	{
		agents := api.Group("/agents")
		{
			// Agent-facing
			agents.POST("/register", r.agentHandler.Register)
			agents.GET("/:agent_id", r.agentHandler.GetAgent)
			agents.POST("/:agent_id/heartbeat", r.agentHandler.Heartbeat)
			agents.POST("/:agent_id/signals", r.agentHandler.ReportSignal)
			agents.GET("/:agent_id/events", r.agentHandler.ListEvents)
			agents.POST("/:agent_id/pricing", r.switchHandler.ReportPricing)
			agents.GET("/:agent_id/pools", r.switchHandler.RankPools)
			agents.POST("/:agent_id/replicas", r.replicaHandler.CreateReplica)
			agents.GET("/:agent_id/replicas", r.replicaHandler.ListReplicas)
			agents.POST("/:agent_id/switches", r.switchHandler.CommitSwitch)
			agents.GET("/:agent_id/switches", r.switchHandler.ListSwitches)
			agents.GET("/:agent_id/instances", r.agentHandler.ListInstances)
			agents.POST("/:agent_id/instances/:instance_id/retire", r.agentHandler.RetireInstance)
			agents.POST("/:agent_id/cleanup", r.agentHandler.ReportCleanup)
			agents.GET("/:agent_id/cleanup", r.agentHandler.ListCleanups)

			// Operator-facing
			agents.PUT("/:agent_id/mode", r.agentHandler.SetMode)
			agents.POST("/:agent_id/commands", r.agentHandler.CreateCommand)
		}

		replicas := api.Group("/replicas")
		{
			replicas.GET("/:id", r.replicaHandler.GetReplica)
			replicas.POST("/:id/ready", r.replicaHandler.MarkReady)
			replicas.DELETE("/:id", r.replicaHandler.TerminateReplica)
		}

		api.POST("/events/:id/fail", r.agentHandler.FailEvent)
		api.POST("/events/:id/decline", r.agentHandler.DeclineEvent)
		api.POST("/commands/:id/executed", r.agentHandler.CompleteCommand)

		clients := api.Group("/clients/:client_id")
		{
			clients.GET("/agents", r.agentHandler.ListAgents)
			clients.GET("/savings", r.savingsHandler.GetSavings)
			clients.POST("/savings/recompute", r.savingsHandler.Recompute)
		}
	}

	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
