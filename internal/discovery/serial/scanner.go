// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"board-bridge/internal/discovery"
	"board-bridge/internal/model"
)

// Lister enumerates the serial ports present on the host
type Lister func() ([]*enumerator.PortDetails, error)

// Config for serial scanner
type Config struct {
	// NamePrefix keeps ports whose name contains it
	NamePrefix string
	// Whitelist keeps USB serial ports with an allowed VID:PID
	Whitelist discovery.Whitelist
}

// Scanner finds boards among the host's serial ports
type Scanner struct {
	logger *zap.Logger
	config Config
	list   Lister
}

// NewScanner creates a new serial scanner. A nil lister uses the OS enumerator.
func NewScanner(config Config, list Lister, logger *zap.Logger) *Scanner {
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		config: config,
		list:   list,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan lists the serial ports that look like boards
func (s *Scanner) Scan(ctx context.Context) ([]model.DiscoveredDevice, error) {
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	var discovered []model.DiscoveredDevice
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return discovered, err
		}
		if !s.Matches(port) {
			s.logger.Debug("Skipping serial port", zap.String("port", port.Name))
			continue
		}
		discovered = append(discovered, toDevice(port))
	}

	s.logger.Info("Serial scan completed",
		zap.Int("ports", len(ports)),
		zap.Int("devices_found", len(discovered)),
	)
	return discovered, nil
}

// Matches reports whether port is a board: its name carries the configured
// prefix or it is a USB serial port with a whitelisted VID:PID
func (s *Scanner) Matches(port *enumerator.PortDetails) bool {
	if s.config.NamePrefix != "" &&
		strings.Contains(strings.ToLower(port.Name), strings.ToLower(s.config.NamePrefix)) {
		return true
	}
	return port.IsUSB && s.config.Whitelist.Allows(port.VID, port.PID)
}

func toDevice(port *enumerator.PortDetails) model.DiscoveredDevice {
	name := port.Product
	if name == "" {
		name = filepath.Base(port.Name)
	}
	return model.DiscoveredDevice{
		ConnectionType: model.ConnectionTypeSerial,
		DeviceID:       port.Name,
		Name:           name,
		VendorID:       strings.ToUpper(port.VID),
		ProductID:      strings.ToUpper(port.PID),
		SerialNumber:   port.SerialNumber,
	}
}
