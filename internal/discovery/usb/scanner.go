// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"board-bridge/internal/discovery"
	"board-bridge/internal/model"
)

// Scanner finds whitelisted USB boards from their device descriptors. No
// device is opened and no interface is claimed.
type Scanner struct {
	logger       *zap.Logger
	knownDevices *DeviceDatabase
	config       Config
}

// Config for USB scanner
type Config struct {
	Whitelist   discovery.Whitelist
	ScanTimeout time.Duration
	EnableDebug bool
}

// NewScanner creates a new USB scanner
func NewScanner(config Config, logger *zap.Logger) *Scanner {
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = 10 * time.Second
	}
	return &Scanner{
		logger:       logger.With(zap.String("scanner", "usb")),
		knownDevices: NewDeviceDatabase(),
		config:       config,
	}
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable checks that libusb can enumerate devices
func (s *Scanner) IsAvailable() (available bool) {
	defer func() {
		// gousb panics when libusb cannot be initialised
		if p := recover(); p != nil {
			s.logger.Debug("USB subsystem unavailable", zap.Any("cause", p))
			available = false
		}
	}()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	_, err := usbCtx.OpenDevices(func(*gousb.DeviceDesc) bool { return false })
	if err != nil {
		s.logger.Debug("USB subsystem access test failed", zap.Error(err))
		return false
	}
	return true
}

// Scan lists whitelisted USB devices
func (s *Scanner) Scan(ctx context.Context) ([]model.DiscoveredDevice, error) {
	startTime := time.Now()

	scanCtx, cancel := context.WithTimeout(ctx, s.config.ScanTimeout)
	defer cancel()

	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()
	if s.config.EnableDebug {
		usbCtx.Debug(3)
	}

	var discovered []model.DiscoveredDevice
	_, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if scanCtx.Err() != nil {
			return false
		}
		if device, ok := s.Identify(desc); ok {
			discovered = append(discovered, device)
		}
		return false
	})
	if err != nil {
		return discovered, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if err := scanCtx.Err(); err != nil {
		return discovered, err
	}

	s.logger.Info("USB scan completed",
		zap.Int("devices_found", len(discovered)),
		zap.Duration("scan_duration", time.Since(startTime)),
	)
	return discovered, nil
}

// Identify turns a whitelisted descriptor into a discovered device
func (s *Scanner) Identify(desc *gousb.DeviceDesc) (model.DiscoveredDevice, bool) {
	vid := fmt.Sprintf("%04X", uint16(desc.Vendor))
	pid := fmt.Sprintf("%04X", uint16(desc.Product))
	if !s.config.Whitelist.Allows(vid, pid) {
		return model.DiscoveredDevice{}, false
	}

	name, known := s.knownDevices.Describe(desc.Vendor, desc.Product)
	if !known {
		name = fmt.Sprintf("USB %s:%s", vid, pid)
	}

	s.logger.Debug("Found whitelisted USB device",
		zap.String("vendor_id", vid),
		zap.String("product_id", pid),
		zap.Int("bus", desc.Bus),
		zap.Int("address", desc.Address),
	)

	return model.DiscoveredDevice{
		ConnectionType: model.ConnectionTypeSerial,
		DeviceID:       fmt.Sprintf("usb:%d:%d", desc.Bus, desc.Address),
		Name:           name,
		VendorID:       vid,
		ProductID:      pid,
	}, true
}
