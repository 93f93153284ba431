// internal/driver/registry.go
package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// Registry manages connector factories and the live driver of each device.
// Each device gets exactly one Driver and therefore one Sequencer.
type Registry struct {
	factories map[model.ConnectionType]connector.Factory
	drivers   map[string]*Driver
	profile   model.BoardProfile
	config    Config
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRegistry creates a new driver registry
func NewRegistry(profile model.BoardProfile, config Config, logger *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[model.ConnectionType]connector.Factory),
		drivers:   make(map[string]*Driver),
		profile:   profile,
		config:    config,
		logger:    logger,
	}
}

// Register registers a connector factory for a link type
func (r *Registry) Register(connectionType model.ConnectionType, factory connector.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[connectionType] = factory
	r.logger.Info("Connector factory registered",
		zap.String("connection_type", string(connectionType)),
	)
}

// IsSupported checks if a link type has a registered factory
func (r *Registry) IsSupported(connectionType model.ConnectionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[connectionType]
	return exists
}

// Get returns the driver of a device, creating it on first use
func (r *Registry) Get(target model.Target) (*Driver, error) {
	r.mu.RLock()
	drv, exists := r.drivers[target.DeviceID]
	r.mu.RUnlock()
	if exists {
		return drv, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if drv, exists := r.drivers[target.DeviceID]; exists {
		return drv, nil
	}

	factory, exists := r.factories[target.Type]
	if !exists {
		return nil, fmt.Errorf("no connector for connection type %q", target.Type)
	}

	conn, err := factory(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector for %s: %w", target.Type, target.DeviceID, err)
	}

	drv = New(conn, r.profile, r.config, target.DeviceID, r.logger)
	r.drivers[target.DeviceID] = drv

	r.logger.Debug("Driver created",
		zap.String("device_id", target.DeviceID),
		zap.String("connection_type", string(target.Type)),
	)
	return drv, nil
}

// Lookup returns an existing driver without creating one
func (r *Registry) Lookup(deviceID string) (*Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drv, exists := r.drivers[deviceID]
	return drv, exists
}

// Remove closes and forgets the driver of a device
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	drv, exists := r.drivers[deviceID]
	delete(r.drivers, deviceID)
	r.mu.Unlock()

	if !exists {
		return nil
	}
	if err := drv.Close(); err != nil && !errors.Is(err, connector.ErrNotOpen) {
		return err
	}
	return nil
}

// ListDevices returns the ids of all devices with a driver
func (r *Registry) ListDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every driver
func (r *Registry) CloseAll() error {
	var errs []error
	for _, id := range r.ListDevices() {
		if err := r.Remove(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
