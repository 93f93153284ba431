// internal/model/device.go
package model

import "fmt"

// ConnectionType represents how the board is reached
type ConnectionType string

const (
	ConnectionTypeSerial ConnectionType = "serial"
	ConnectionTypeBLE    ConnectionType = "ble"
)

// Environment identifies the runtime the process was started in
type Environment string

const (
	// EnvironmentNative talks to serial/BLE hardware directly
	EnvironmentNative Environment = "native"
	// EnvironmentBrowser relays everything through the companion process
	EnvironmentBrowser Environment = "browser"
	// EnvironmentMobile relays through the mobile bridge
	EnvironmentMobile Environment = "mobile"
)

// ParseEnvironment validates an environment name from configuration
func ParseEnvironment(name string) (Environment, error) {
	switch env := Environment(name); env {
	case EnvironmentNative, EnvironmentBrowser, EnvironmentMobile:
		return env, nil
	default:
		return "", fmt.Errorf("unknown environment: %q", name)
	}
}

// Target addresses a single physical board
type Target struct {
	// DeviceID is the port path for serial boards and the BLE address for BLE boards
	DeviceID string         `json:"device_id"`
	Name     string         `json:"name,omitempty"`
	Type     ConnectionType `json:"type"`
}

// DiscoveredDevice represents a board found by a scanner
type DiscoveredDevice struct {
	ConnectionType ConnectionType `json:"connection_type"`
	DeviceID       string         `json:"device_id"`
	Name           string         `json:"name"`
	VendorID       string         `json:"vendor_id,omitempty"`
	ProductID      string         `json:"product_id,omitempty"`
	SerialNumber   string         `json:"serial_number,omitempty"`
	RSSI           int            `json:"rssi,omitempty"`
}
