package routes

import (
	"net/http"
	"time"

	"kb-rag-service/utils"

	"github.com/gin-gonic/gin"
)

func SetupHealthRoutes(router *gin.Engine, d *Deps) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	// readiness pings both stores
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := utils.WithShortTimeout(c.Request.Context())
		defer cancel()

		checks := gin.H{"store": "ok", "vector_index": "ok"}
		ready := true
		if err := d.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			ready = false
		}
		if err := d.Index.Health(ctx); err != nil {
			checks["vector_index"] = err.Error()
			ready = false
		}

		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "not_ready"
		}
		c.JSON(status, gin.H{"status": state, "checks": checks})
	})
}
