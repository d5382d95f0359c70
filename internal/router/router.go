package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/config"
	"github.com/stemsi/academy-attendance/internal/handler"
	"github.com/stemsi/academy-attendance/internal/middleware"
	"github.com/stemsi/academy-attendance/internal/response"
	"github.com/stemsi/academy-attendance/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attendance *handler.AttendanceHandler
	Instructor *handler.InstructorHandler
	WS         *handler.WSHandler
	Monitor    *handler.MonitorHandler
	System     *handler.SystemHandler
}

// Deps carries the cross-cutting collaborators the middlewares need.
type Deps struct {
	AuthService *service.AuthService
	Clock       clock.Clock
	MarkLimiter middleware.Limiter
	Log         zerolog.Logger
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(deps Deps, handlers *Handlers, cfg *config.Config) *gin.Engine {
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

	// Every response carries a request id and the authoritative server time.
	router.Use(
		response.RequestIDMiddleware(),
		response.ClockMiddleware(deps.Clock),
		middleware.RequestLogger(deps.Log),
	)

	router.GET("/health", handlers.System.Health)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(deps.AuthService))
	{
		studentAPI.GET("/attendance", handlers.Attendance.ListSessions)
		studentAPI.POST("/courses/:course_id/attendance/:class_id/present",
			middleware.RateLimit(deps.MarkLimiter, deps.Log),
			handlers.Attendance.MarkPresent,
		)
		studentAPI.POST("/courses/:course_id/attendance/:class_id/absent", handlers.Attendance.MarkAbsent)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(deps.AuthService))
	{
		ws.GET("/student/courses/:course_id/attendance/:class_id/countdown", handlers.WS.CountdownStream)
	}

	// ─── 3. Instructor Group (JWT) ─────────────────────────────────────
	instructorAPI := router.Group("/api/v1/instructor")
	instructorAPI.Use(middleware.RequireInstructorJWT(deps.AuthService))
	{
		instructorAPI.POST("/courses/:course_id/attendance", handlers.Instructor.OpenSession)
		instructorAPI.GET("/courses/:course_id/attendance/:class_id", handlers.Instructor.GetSession)
		instructorAPI.POST("/courses/:course_id/attendance/:class_id/close", handlers.Instructor.CloseSession)
		instructorAPI.GET("/courses/:course_id/attendance/:class_id/monitor", handlers.Monitor.MonitorSessionSSE)
	}

	return router
}
