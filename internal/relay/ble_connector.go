// internal/relay/ble_connector.go
package relay

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// BLEConfig names the GATT endpoints of a board
type BLEConfig struct {
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string
	ChunkSize      int
}

// BLEConnector forwards connector calls for one BLE board to the companion
type BLEConnector struct {
	*session
	config BLEConfig
}

var _ connector.Connector = (*BLEConnector)(nil)

// NewBLEConnector creates a relay connector for the board addressed by target.DeviceID
func NewBLEConnector(engine *Engine, target model.Target, config BLEConfig, logger *zap.Logger) *BLEConnector {
	target.Type = model.ConnectionTypeBLE
	if config.ChunkSize <= 0 || config.ChunkSize > connector.MaxBLEChunkSize {
		config.ChunkSize = connector.MaxBLEChunkSize
	}
	return &BLEConnector{
		session: newSession(engine, target, logger),
		config:  config,
	}
}

func (c *BLEConnector) address(service, characteristic string) Address {
	return Address{
		Type:               model.ConnectionTypeBLE,
		Name:               c.target.Name,
		Address:            c.target.DeviceID,
		DeviceID:           c.target.DeviceID,
		ServiceUUID:        service,
		CharacteristicUUID: characteristic,
	}
}

// Open connects, resolves the service and characteristics and starts notifications.
// The baud rate is ignored.
func (c *BLEConnector) Open(ctx context.Context, _ int) error {
	if c.IsOpen() {
		return nil
	}
	if err := c.engine.Open(ctx); err != nil {
		return err
	}

	c.logger.Info("Opening relayed BLE device")

	c.subscribe()
	if err := c.open(ctx); err != nil {
		c.abandon()
		disconnect := Request{Action: ActionDisconnect, To: c.address("", "")}
		if sendErr := c.engine.Send(context.Background(), disconnect); sendErr != nil {
			c.logger.Debug("Failed to release device after open error", zap.Error(sendErr))
		}
		return fmt.Errorf("failed to open %s: %w", c.target.DeviceID, err)
	}

	c.activate()
	return nil
}

func (c *BLEConnector) open(ctx context.Context) error {
	deviceID := c.target.DeviceID

	connect := Request{Action: ActionConnect, To: c.address("", "")}
	if _, err := c.engine.Exchange(ctx, connect, Match{Predicate: PredicateDeviceConnected, DeviceID: deviceID}, 0); err != nil {
		return err
	}

	services := Request{Action: ActionGetServices, To: c.address("", "")}
	env, err := c.engine.Exchange(ctx, services, Match{Predicate: PredicateServiceList, DeviceID: deviceID}, 0)
	if err != nil {
		return err
	}
	if !containsUUID(env.Content.Services, c.config.ServiceUUID) {
		return fmt.Errorf("service %s not offered by device", c.config.ServiceUUID)
	}

	chars := Request{Action: ActionGetCharacteristics, To: c.address(c.config.ServiceUUID, "")}
	env, err = c.engine.Exchange(ctx, chars, Match{
		Predicate:   PredicateCharacteristicList,
		DeviceID:    deviceID,
		ServiceUUID: c.config.ServiceUUID,
	}, 0)
	if err != nil {
		return err
	}
	for _, uuid := range []string{c.config.WriteCharUUID, c.config.NotifyCharUUID} {
		if !containsUUID(env.Content.Characteristics, uuid) {
			return fmt.Errorf("characteristic %s not offered by device", uuid)
		}
	}

	notify := Request{Action: ActionStartNotify, To: c.address(c.config.ServiceUUID, c.config.NotifyCharUUID)}
	_, err = c.engine.Exchange(ctx, notify, Match{
		Predicate:          PredicateNotifyStarted,
		DeviceID:           deviceID,
		ServiceUUID:        c.config.ServiceUUID,
		CharacteristicUUID: c.config.NotifyCharUUID,
	}, 0)
	return err
}

func containsUUID(list []string, uuid string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, uuid) })
}

// Close disconnects the board. Closing a closed connector is a no-op.
func (c *BLEConnector) Close() error {
	if !c.IsOpen() {
		return nil
	}

	req := Request{Action: ActionDisconnect, To: c.address("", "")}
	match := Match{Predicate: PredicateDeviceDisconnected, DeviceID: c.target.DeviceID}
	if _, err := c.engine.Exchange(context.Background(), req, match, 0); err != nil {
		c.logger.Warn("Companion did not confirm disconnect", zap.Error(err))
	}

	c.shutdown("closed")
	return nil
}

// Send writes data to the write characteristic in chunks of at most 16 bytes
func (c *BLEConnector) Send(ctx context.Context, data []byte, opts connector.SendOptions) ([]byte, error) {
	if !c.IsOpen() {
		return nil, connector.ErrNotOpen
	}

	size := c.config.ChunkSize
	if opts.ChunkSize > 0 && opts.ChunkSize < size {
		size = opts.ChunkSize
	}

	to := c.address(c.config.ServiceUUID, c.config.WriteCharUUID)
	match := Match{
		Predicate:          PredicateWriteDone,
		DeviceID:           c.target.DeviceID,
		ServiceUUID:        c.config.ServiceUUID,
		CharacteristicUUID: c.config.WriteCharUUID,
	}

	for _, chunk := range connector.Chunk(data, size) {
		req := Request{Action: ActionWrite, To: to, Content: Content{Data: chunk}}
		if opts.WithoutResponse {
			if err := c.engine.Send(ctx, req); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := c.engine.Exchange(ctx, req, match, c.engine.Timeouts().Flash); err != nil {
			return nil, fmt.Errorf("write to %s failed: %w", c.target.DeviceID, err)
		}
	}
	return data, nil
}

// SetDTR is not available over BLE
func (c *BLEConnector) SetDTR(context.Context, bool) error {
	return connector.ErrNotSupported
}
