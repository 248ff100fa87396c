package api

import (
	"github.com/gin-gonic/gin"

	"github.com/thanhnp/pow-ledger/internal/api/handlers"
	"github.com/thanhnp/pow-ledger/internal/api/middleware"
	"github.com/thanhnp/pow-ledger/internal/chain"
	"github.com/thanhnp/pow-ledger/internal/producer"
)

// Router wraps the Gin router with handlers
type Router struct {
	engine       *gin.Engine
	blockHandler *handlers.BlockHandler
	maxBodySize  int64
}

// NewRouter creates a new Router serving c. Writes go through p.
func NewRouter(c *chain.Chain, p *producer.Producer, maxBodySize int64) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine:       gin.New(),
		blockHandler: handlers.NewBlockHandler(c, p),
		maxBodySize:  maxBodySize,
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// setupMiddleware configures middleware
func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.Recovery())
	r.engine.Use(middleware.Logger())
	r.engine.Use(middleware.CORS())
}

// setupRoutes configures API routes
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.engine.Group("/api/v1")
	{
		blocks := v1.Group("/blocks")
		{
			blocks.GET("", r.blockHandler.List)
			blocks.GET("/latest", r.blockHandler.GetLatest)
			blocks.GET("/height/:height", r.blockHandler.GetByHeight)
			blocks.GET("/:hash", r.blockHandler.GetByHash)

			writes := blocks.Group("", middleware.MaxBodySize(r.maxBodySize))
			writes.POST("", r.blockHandler.Create)
			writes.POST("/async", r.blockHandler.Submit)
		}

		v1.GET("/chain/verify", r.blockHandler.Verify)
	}
}

// Engine returns the underlying Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
