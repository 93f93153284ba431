// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"board-bridge/internal/config"
	"board-bridge/internal/utils"
)

// ScannerLister reports which discovery scanners can run on this host
type ScannerLister interface {
	GetAvailableScanners() []string
}

// HealthHandler handles health check requests
type HealthHandler struct {
	connections *ConnectionManager
	scanners    ScannerLister
	config      *config.Config
	startedAt   time.Time
	logger      *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connections *ConnectionManager, scanners ScannerLister, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		connections: connections,
		scanners:    scanners,
		config:      config,
		startedAt:   time.Now(),
		logger:      utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
	router.GET("/stats", h.Stats)
}

// HealthCheck reports the companion's overall status. The service is
// degraded, not down, when no port scanner is usable.
// @Summary Health check
// @Description Get the companion's status including scanner availability and open ports
// @Tags Health
// @Accept json
// @Produce json
// @Success 200 {object} HealthResponse "Companion is healthy or degraded"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).String(),
		Checks:    make(map[string]CheckResult),
	}

	available := h.scanners.GetAvailableScanners()
	if len(available) == 0 {
		health.Status = "degraded"
		health.Checks["scanners"] = CheckResult{
			Status:  "unhealthy",
			Message: "no port scanner available",
		}
	} else {
		health.Checks["scanners"] = CheckResult{
			Status: "healthy",
			Data:   map[string]interface{}{"available": available},
		}
	}

	stats := h.connections.GetStats()
	health.Checks["connections"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"clients":    stats.TotalConnections,
			"open_ports": stats.OpenPorts,
		},
	}

	c.JSON(http.StatusOK, health)
}

// ReadinessCheck reports whether hosts can be served
// @Summary Readiness check
// @Description Check whether a port scanner is available to serve hosts
// @Tags Health
// @Accept json
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Companion is ready"
// @Failure 503 {object} object{status=string,reason=string,code=string} "No port scanner available"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if len(h.scanners.GetAvailableScanners()) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "no port scanner available",
			"code":   utils.CodeNoScanner,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck reports that the process responds
// @Summary Liveness check
// @Description Check if the companion is alive
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Companion is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// Stats lists the connected hosts and their open ports
// @Summary Connection statistics
// @Description List the connected hosts and the ports each one holds open
// @Tags Health
// @Produce json
// @Success 200 {object} utils.APIResponse{data=ConnectionStats} "Connection statistics"
// @Router /stats [get]
func (h *HealthHandler) Stats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connection statistics", h.connections.GetStats())
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
