package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouteConfig carries the settings routes need beyond the handlers.
type RouteConfig struct {
	CORSOrigins     []string
	IngestRateLimit int
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, authz *Authorizer, cfg RouteConfig, logger *logrus.Logger) error {
	if err := RegisterValidators(); err != nil {
		return err
	}

	authService := handlers.services.Authentication

	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(Metrics())
	router.Use(CORS(cfg.CORSOrigins))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	// Device traffic is unauthenticated and rate limited per client IP.
	devices := api.Group("")
	devices.Use(RateLimiter(cfg.IngestRateLimit))
	{
		devices.POST("/heartbeats", handlers.IngestHeartbeat)
		devices.POST("/voice/upload", handlers.UploadRecording)
	}

	auth := api.Group("/auth")
	auth.Use(RateLimiter(cfg.IngestRateLimit))
	{
		auth.POST("/login", handlers.Login)
		auth.POST("/password/forgot", handlers.ForgotPassword)
		auth.POST("/password/reset", handlers.ResetPassword)
	}

	secured := api.Group("")
	secured.Use(Authenticate(handlers.tokens, authService))
	{
		secured.POST("/auth/logout", handlers.Logout)
		secured.GET("/auth/me", handlers.Me)

		read := func(resource string) gin.HandlerFunc { return Authorize(authz, resource, ActionRead) }
		write := func(resource string) gin.HandlerFunc { return Authorize(authz, resource, ActionWrite) }

		secured.GET("/heartbeats", read("heartbeats"), handlers.ListHeartbeats)
		secured.GET("/heartbeats/:identity/history", read("heartbeats"), handlers.HeartbeatHistory)

		secured.GET("/recordings", read("recordings"), handlers.ListRecordings)
		secured.GET("/audio/:filename", read("recordings"), handlers.StreamAudio)

		secured.GET("/dashboard/summary", read("dashboard"), handlers.DashboardSummary)

		devicesAPI := secured.Group("/devices")
		{
			devicesAPI.GET("", read("devices"), handlers.ListDevices)
			devicesAPI.GET("/:id", read("devices"), handlers.GetDevice)
			devicesAPI.POST("", write("devices"), handlers.CreateDevice)
			devicesAPI.PUT("/:id", write("devices"), handlers.UpdateDevice)
			devicesAPI.DELETE("/:id", write("devices"), handlers.DeleteDevice)
		}

		branches := secured.Group("/branches")
		{
			branches.GET("", read("branches"), handlers.ListBranches)
			branches.GET("/:id", read("branches"), handlers.GetBranch)
			branches.POST("", write("branches"), handlers.CreateBranch)
			branches.PUT("/:id", write("branches"), handlers.UpdateBranch)
			branches.DELETE("/:id", write("branches"), handlers.DeleteBranch)
		}

		users := secured.Group("/users")
		{
			users.GET("", read("users"), handlers.ListUsers)
			users.GET("/:id", read("users"), handlers.GetUser)
			users.POST("", write("users"), handlers.CreateUser)
			users.PUT("/:id", write("users"), handlers.UpdateUser)
			users.DELETE("/:id", write("users"), handlers.DeleteUser)
		}

		deployments := secured.Group("/deployments")
		{
			deployments.GET("", read("deployments"), handlers.ListDeployments)
			deployments.GET("/:id", read("deployments"), handlers.GetDeployment)
			deployments.POST("", write("deployments"), handlers.CreateDeployment)
			deployments.PUT("/:id", write("deployments"), handlers.UpdateDeployment)
			deployments.DELETE("/:id", write("deployments"), handlers.DeleteDeployment)
		}

		complaints := secured.Group("/complaints")
		{
			complaints.GET("", read("complaints"), handlers.ListComplaints)
			complaints.GET("/:id", read("complaints"), handlers.GetComplaint)
			complaints.POST("", write("complaints"), handlers.CreateComplaint)
			complaints.PUT("/:id", write("complaints"), handlers.UpdateComplaint)
			complaints.DELETE("/:id", write("complaints"), handlers.DeleteComplaint)
		}

		contacts := secured.Group("/contacts")
		{
			contacts.GET("", read("contacts"), handlers.ListContacts)
			contacts.GET("/:id", read("contacts"), handlers.GetContact)
			contacts.POST("", write("contacts"), handlers.CreateContact)
			contacts.PUT("/:id", write("contacts"), handlers.UpdateContact)
			contacts.DELETE("/:id", write("contacts"), handlers.DeleteContact)
		}
	}

	return nil
}
