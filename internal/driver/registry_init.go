// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// RegisterDefaultConnectors registers the serial and BLE factories of the
// selected platform. A nil factory leaves that link type unsupported.
func RegisterDefaultConnectors(registry *Registry, serial, ble connector.Factory, logger *zap.Logger) {
	registered := 0

	if serial != nil {
		registry.Register(model.ConnectionTypeSerial, serial)
		registered++
	}
	if ble != nil {
		registry.Register(model.ConnectionTypeBLE, ble)
		registered++
	}

	logger.Info("Connector factories registered",
		zap.Int("count", registered),
	)
}
