// internal/relay/serial_connector.go
package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// SerialConnector forwards connector calls for one serial port to the companion
type SerialConnector struct {
	*session
}

var (
	_ connector.Connector      = (*SerialConnector)(nil)
	_ connector.BaudRateSetter = (*SerialConnector)(nil)
)

// NewSerialConnector creates a relay connector for the port named by target.DeviceID
func NewSerialConnector(engine *Engine, target model.Target, logger *zap.Logger) *SerialConnector {
	target.Type = model.ConnectionTypeSerial
	return &SerialConnector{session: newSession(engine, target, logger)}
}

func (c *SerialConnector) address() Address {
	return Address{
		Type:     model.ConnectionTypeSerial,
		Name:     c.target.Name,
		DeviceID: c.target.DeviceID,
	}
}

func (c *SerialConnector) match(p Predicate) Match {
	return Match{Predicate: p, DeviceID: c.target.DeviceID}
}

// Open connects the companion to the port at baudRate
func (c *SerialConnector) Open(ctx context.Context, baudRate int) error {
	if c.IsOpen() {
		return nil
	}
	if err := c.engine.Open(ctx); err != nil {
		return err
	}

	c.logger.Info("Opening relayed serial port", zap.Int("baud_rate", baudRate))

	c.subscribe()
	req := Request{Action: ActionConnect, To: c.address(), Content: Content{BaudRate: baudRate}}
	if _, err := c.engine.Exchange(ctx, req, c.match(PredicateDeviceConnected), 0); err != nil {
		c.abandon()
		return fmt.Errorf("failed to open %s: %w", c.target.DeviceID, err)
	}

	c.activate()
	return nil
}

// Close asks the companion to release the port. Closing a closed port is a no-op.
func (c *SerialConnector) Close() error {
	if !c.IsOpen() {
		return nil
	}

	req := Request{Action: ActionDisconnect, To: c.address()}
	if _, err := c.engine.Exchange(context.Background(), req, c.match(PredicateDeviceDisconnected), 0); err != nil {
		c.logger.Warn("Companion did not confirm disconnect", zap.Error(err))
	}

	c.shutdown("closed")
	return nil
}

// Send writes data through the companion. Unless WithoutResponse is set each
// write waits for the companion's confirmation within the flash timeout.
func (c *SerialConnector) Send(ctx context.Context, data []byte, opts connector.SendOptions) ([]byte, error) {
	if !c.IsOpen() {
		return nil, connector.ErrNotOpen
	}

	for _, chunk := range connector.Chunk(data, opts.ChunkSize) {
		req := Request{Action: ActionWrite, To: c.address(), Content: Content{Data: chunk}}
		if opts.WithoutResponse {
			if err := c.engine.Send(ctx, req); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := c.engine.Exchange(ctx, req, c.match(PredicateWriteDone), c.engine.Timeouts().Flash); err != nil {
			return nil, fmt.Errorf("write to %s failed: %w", c.target.DeviceID, err)
		}
	}
	return data, nil
}

// SetBaudRate changes the port rate and returns once the companion confirms it
func (c *SerialConnector) SetBaudRate(ctx context.Context, rate int) error {
	if !c.IsOpen() {
		return connector.ErrNotOpen
	}

	req := Request{Action: ActionSetBaudRate, To: c.address(), Content: Content{BaudRate: rate}}
	env, err := c.engine.Exchange(ctx, req, c.match(PredicateBaudRateSet), 0)
	if err != nil {
		return fmt.Errorf("failed to set baud rate: %w", err)
	}
	if env.Content.BaudRate != rate {
		return fmt.Errorf("companion set baud rate %d, requested %d", env.Content.BaudRate, rate)
	}
	return nil
}

// SetDTR asserts or clears the DTR line
func (c *SerialConnector) SetDTR(ctx context.Context, value bool) error {
	if !c.IsOpen() {
		return connector.ErrNotOpen
	}

	req := Request{Action: ActionSetDTR, To: c.address(), Content: Content{DTR: Bool(value)}}
	if _, err := c.engine.Exchange(ctx, req, c.match(PredicateDTRSet), 0); err != nil {
		return fmt.Errorf("failed to set DTR: %w", err)
	}
	return nil
}
