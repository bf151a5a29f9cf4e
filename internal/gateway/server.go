// Package gateway exposes the local HTTP/WS API (spec.md §6 addition):
// thin handlers that validate request shape, call the orchestrator or
// registries, and translate results/errors to JSON. All business logic
// lives in internal/orchestrator, internal/task, and internal/project.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/orchestrator"
	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/task"
)

// Dependencies are the gateway's explicit collaborators.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Tasks        *task.Registry
	Projects     *project.Registry
	Bus          *eventbus.Bus
	Logger       *logging.Logger
	Debug        bool
}

// Server wraps the gin engine and the WS hub it feeds.
type Server struct {
	Engine *gin.Engine
	hub    *Hub
	deps   Dependencies
}

// NewServer builds the router with every route of spec.md §6 registered,
// grounded on the teacher's cmd/kandev gin.New()+Recovery()+CORS wiring.
func NewServer(deps Dependencies) *Server {
	if !deps.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{Engine: engine, hub: NewHub(deps.Bus, deps.Logger), deps: deps}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "taskforge"})
	})

	api := engine.Group("/api/v1")
	{
		api.GET("/tasks", s.listTasks)
		api.POST("/tasks", s.createTask)
		api.GET("/tasks/:id", s.getTask)
		api.POST("/tasks/:id/followup", s.followUpTask)
		api.POST("/tasks/:id/merge", s.mergeTask)
		api.POST("/tasks/:id/cancel", s.cancelTask)
		api.DELETE("/tasks/:id", s.deleteTask)

		api.GET("/projects", s.listProjects)
		api.POST("/projects", s.createProject)
		api.POST("/projects/:id/select", s.selectProject)
		api.DELETE("/projects/:id", s.removeProject)

		api.GET("/events", s.streamEvents)
	}

	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
