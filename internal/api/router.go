package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter wires the lifecycle routes and hands everything else to the
// traffic proxy. Lifecycle routes always win over proxying so a backend
// can never shadow login or logout.
func NewRouter(auth *AuthHandler, health *HealthHandler, traffic http.Handler, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(RequestIDMiddleware())

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", auth.Login)
		authGroup.POST("/logout", auth.Logout)
		authGroup.GET("/logout", auth.Logout) // browser link support
		authGroup.POST("/heartbeat", auth.Heartbeat)
	}

	r.GET("/healthz", health.Health)

	// Everything else belongs to the session's backend.
	r.NoRoute(func(c *gin.Context) {
		traffic.ServeHTTP(c.Writer, c.Request)
	})

	return r
}
