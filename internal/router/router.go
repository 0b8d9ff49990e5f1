package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Exam      *handler.ExamHandler
	Session   *handler.SessionHandler
	Analytics *handler.AnalyticsHandler
	WS        *handler.WSHandler
	Monitor   *handler.MonitorHandler
	System    *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// publicLimiter, when non-nil, rate-limits unauthenticated routes per IP.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	publicLimiter *middleware.RateLimiter,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Brotli())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Clock (Public + Authenticated) ─────────────────────────────
	api := router.Group("/api/v1")
	{
		public := []gin.HandlerFunc{}
		if publicLimiter != nil {
			public = append(public, publicLimiter.Middleware())
		}
		api.GET("/time", append(public, handlers.Exam.ServerTime)...)
		api.GET("/exams/:id/countdown", middleware.RequireJWT(authService), handlers.Exam.Countdown)
	}

	// ─── 2. Student Group ──────────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.POST("/exams/:id/sessions", handlers.Session.StartSession)
		studentAPI.GET("/sessions/:id", handlers.Session.GetOwnSession)
	}

	// ─── 3. WebSocket Group ────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	{
		ws.GET("/student/exams/:exam_id/stream", middleware.RequireWSAuth(authService, false), handlers.WS.ExamWebSocketStream)
		ws.GET("/monitor",
			middleware.RequireWSAuth(authService, true),
			middleware.RequireAnyPermission(service.PermissionMonitorRead, service.PermissionMonitorWrite),
			handlers.Monitor.MonitorWebSocket,
		)
	}

	// ─── 4. Monitor Group (Staff JWT + RBAC) ───────────────────────────
	read := middleware.RequireAnyPermission(service.PermissionMonitorRead, service.PermissionMonitorWrite)
	write := middleware.RequirePermission(service.PermissionMonitorWrite)

	monitorAPI := router.Group("/api/v1/monitor")
	monitorAPI.Use(middleware.RequireStaffJWT(authService))
	{
		// Sessions
		monitorAPI.GET("/sessions", read, handlers.Session.ListSessions)
		monitorAPI.GET("/sessions/active", read, handlers.Session.ActiveSessions)
		monitorAPI.GET("/sessions/by-connection/:conn_id", read, handlers.Session.SessionByConnection)
		monitorAPI.GET("/sessions/:id", read, handlers.Session.GetSession)
		monitorAPI.GET("/sessions/:id/report", read, handlers.Session.SessionReport)
		monitorAPI.GET("/sessions/:id/live", read, handlers.Session.SessionLive)
		monitorAPI.POST("/sessions/:id/terminate", write, handlers.Session.TerminateSession)

		// Analytics
		monitorAPI.GET("/analytics/sessions", read, handlers.Analytics.SessionAnalytics)
		monitorAPI.GET("/analytics/flags", read, handlers.Analytics.FlagsSummary)
		monitorAPI.GET("/analytics/high-risk", read, handlers.Analytics.HighRisk)
		monitorAPI.GET("/exams/:id/progress", read, handlers.Analytics.ExamProgress)

		// Live
		monitorAPI.GET("/exams/:id/stream", read, handlers.Monitor.MonitorExamSSE)

		// Maintenance
		monitorAPI.POST("/maintenance/cleanup", write, handlers.Session.CleanupInactive)
		monitorAPI.GET("/hub/stats", read, handlers.System.HubStats)
		monitorAPI.GET("/system/stream", read, handlers.System.StatsSSE)
	}

	return router
}
