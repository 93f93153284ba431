// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"board-bridge/internal/model"
	"board-bridge/internal/utils"
)

// Discoverer runs the registered device scanners
type Discoverer interface {
	PortScanner
	ScannerLister
	ScanAll(ctx context.Context) ([]model.DiscoveredDevice, error)
}

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	scanners Discoverer
	logger   *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanners Discoverer, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanners: scanners,
		logger:   utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/scan", h.ScanDevices)
	router.GET("/scanners", h.GetScanners)
}

// ScanDevices scans for boards with one scanner type or all of them
// @Summary Scan for boards
// @Description Run one port scanner, or all of them, and list the boards found
// @Tags Discovery
// @Accept json
// @Produce json
// @Param type query string false "Scanner type (serial, usb) or all" default(all)
// @Param timeout query string false "Scan timeout as a duration" default(10s)
// @Success 200 {object} utils.APIResponse{data=object{devices_found=int,devices=[]model.DiscoveredDevice}} "Scan completed"
// @Failure 400 {object} utils.APIResponse "Unknown scanner or invalid timeout"
// @Failure 500 {object} utils.APIResponse "Scan failed"
// @Router /api/v1/discovery/scan [get]
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	scanType := c.DefaultQuery("type", "all")
	timeout, err := time.ParseDuration(c.DefaultQuery("timeout", "10s"))
	if err != nil || timeout <= 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, utils.CodeInvalidTimeout, "Invalid timeout", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	var devices []model.DiscoveredDevice
	if scanType == "all" {
		devices, err = h.scanners.ScanAll(ctx)
	} else {
		if !slices.Contains(h.scanners.GetAvailableScanners(), scanType) {
			utils.ErrorResponse(c, http.StatusBadRequest, utils.CodeUnknownScanner, "Unknown scanner type",
				fmt.Errorf("scanner %q is not available", scanType))
			return
		}
		devices, err = h.scanners.ScanByType(ctx, scanType)
	}
	if err != nil {
		h.logger.Error("Failed to scan devices", zap.String("type", scanType), zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, utils.CodeScanFailed, "Failed to scan devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", gin.H{
		"devices_found": len(devices),
		"devices":       devices,
	})
}

// GetScanners lists the scanners usable on this host
// @Summary List scanners
// @Description List the port scanners usable on this host
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=object{scanners=[]string}} "Available scanners"
// @Router /api/v1/discovery/scanners [get]
func (h *DiscoveryHandler) GetScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Available scanners", gin.H{
		"scanners": h.scanners.GetAvailableScanners(),
	})
}
