// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"board-bridge/internal/config"
	"board-bridge/internal/model"
)

// DeviceScanner finds candidate boards of one kind
type DeviceScanner interface {
	Scan(ctx context.Context) ([]model.DiscoveredDevice, error)
	GetScannerType() string
	IsAvailable() bool
}

// Whitelist is a set of allowed USB vendor/product id pairs
type Whitelist map[string]struct{}

// NewWhitelist parses "VID:PID" entries
func NewWhitelist(entries []string) (Whitelist, error) {
	w := make(Whitelist, len(entries))
	for _, entry := range entries {
		vid, pid, err := config.ParseUSBID(entry)
		if err != nil {
			return nil, err
		}
		w[vid+":"+pid] = struct{}{}
	}
	return w, nil
}

// Allows reports whether the hex vid/pid pair is whitelisted
func (w Whitelist) Allows(vid, pid string) bool {
	if vid == "" || pid == "" {
		return false
	}
	_, ok := w[strings.ToUpper(vid)+":"+strings.ToUpper(pid)]
	return ok
}

// ScannerManager manages all device scanners
type ScannerManager struct {
	scanners map[string]DeviceScanner
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]DeviceScanner),
		logger:   logger,
	}
}

// RegisterScanner registers a device scanner
func (sm *ScannerManager) RegisterScanner(scanner DeviceScanner) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every available scanner. A failing scanner is logged and skipped.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]model.DiscoveredDevice, error) {
	var allDevices []model.DiscoveredDevice

	for _, scannerType := range sm.types() {
		if err := ctx.Err(); err != nil {
			return allDevices, err
		}

		scanner := sm.get(scannerType)
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		devices, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allDevices = append(allDevices, devices...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("devices_found", len(devices)),
		)
	}

	return allDevices, nil
}

// ScanByType runs one scanner
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]model.DiscoveredDevice, error) {
	scanner := sm.get(scannerType)
	if scanner == nil {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}

	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}

	return scanner.Scan(ctx)
}

// GetAvailableScanners returns list of available scanner types
func (sm *ScannerManager) GetAvailableScanners() []string {
	var available []string
	for _, scannerType := range sm.types() {
		if sm.get(scannerType).IsAvailable() {
			available = append(available, scannerType)
		}
	}
	return available
}

func (sm *ScannerManager) get(scannerType string) DeviceScanner {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.scanners[scannerType]
}

func (sm *ScannerManager) types() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	types := make([]string, 0, len(sm.scanners))
	for scannerType := range sm.scanners {
		types = append(types, scannerType)
	}
	sort.Strings(types)
	return types
}
