package router

import (
	"net/http"

	"github.com/chatline/chatline-be/internal/ingress/handler"
	"github.com/gin-gonic/gin"
)

// Config carries the router-level settings.
type Config struct {
	// WebhookToken guards POST /webhook/events. Empty disables the check.
	WebhookToken string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, cfg Config) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ingress-service",
		})
	})

	webhookHandler := handler.NewWebhookHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	webhook := r.Group("/webhook")
	webhook.Use(BearerTokenMiddleware(cfg.WebhookToken))
	{
		// POST /webhook/events - provider event deliveries
		webhook.POST("/events", webhookHandler.HandleEvents)
	}

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/retry - run one retry sweep now
			jobs.POST("/retry", jobHandler.RetrySweep)
		}
	}

	return r
}
