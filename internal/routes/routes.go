// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"board-bridge/docs"
	"board-bridge/internal/config"
	"board-bridge/internal/connector"
	"board-bridge/internal/handler"
	"board-bridge/internal/middleware"
	"board-bridge/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config   *config.Config
	logger   *zap.Logger
	ports    connector.Factory
	scanners handler.Discoverer
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, ports connector.Factory, scanners handler.Discoverer) *Router {
	return &Router{
		config:   config,
		logger:   logger,
		ports:    ports,
		scanners: scanners,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	r.addDocumentationRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(r.config.Companion.AllowedOrigins))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes. Hosts speak the relay protocol
// on the root path; the REST routes are for inspection.
func (r *Router) addRoutes(router *gin.Engine) {
	wsHandler := handler.NewWebSocketHandler(r.config.Companion, r.ports, r.scanners, r.logger)
	healthHandler := handler.NewHealthHandler(wsHandler.Connections(), r.scanners, r.config, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.scanners, r.logger)

	wsHandler.RegisterRoutes(router)
	healthHandler.RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	discoveryHandler.RegisterRoutes(apiV1.Group("/discovery"))

	r.logger.Info("All routes configured successfully")
}

// addDocumentationRoutes serves the REST API document
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	docs.SwaggerInfo.Host = r.config.GetCompanionAddr()
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
