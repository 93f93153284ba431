// internal/protocol/ble/connection.go
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// Config represents BLE link configuration
type Config struct {
	Address            string        `json:"address"`
	NamePattern        string        `json:"name_pattern"`
	ServiceUUID        string        `json:"service_uuid"`
	WriteCharUUID      string        `json:"write_char_uuid"`
	NotifyCharUUID     string        `json:"notify_char_uuid"`
	ChunkSize          int           `json:"chunk_size"`
	ScanTimeout        time.Duration `json:"scan_timeout"`
	InterChunkInterval time.Duration `json:"inter_chunk_interval"`
}

// Connection is a connector.Connector over a native BLE peripheral
type Connection struct {
	config  Config
	central Central
	logger  *zap.Logger

	mutex      sync.RWMutex
	peripheral Peripheral
	handler    func([]byte)
	closer     connector.CloseNotifier
}

var _ connector.Connector = (*Connection)(nil)

// NewConnection creates a new BLE connection
func NewConnection(config Config, central Central, logger *zap.Logger) *Connection {
	if config.ChunkSize <= 0 || config.ChunkSize > connector.MaxBLEChunkSize {
		config.ChunkSize = connector.MaxBLEChunkSize
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = 10 * time.Second
	}

	return &Connection{
		config:  config,
		central: central,
		logger: logger.With(
			zap.String("protocol", "ble"),
			zap.String("address", config.Address),
		),
	}
}

// Open scans for and connects to the board. The baud rate is ignored.
func (c *Connection) Open(ctx context.Context, _ int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.peripheral != nil {
		return nil
	}

	c.logger.Info("Opening BLE connection")

	p, err := c.central.Connect(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to open BLE connection", zap.Error(err))
		return fmt.Errorf("failed to open BLE connection: %w", err)
	}

	if err := p.Subscribe(c.dispatch); err != nil {
		p.Disconnect()
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	p.OnDisconnect(func() { c.shutdown(p, "device disconnected", false) })

	c.peripheral = p
	c.closer.Arm()

	c.logger.Info("BLE connection opened", zap.String("device", p.Address()))
	return nil
}

func (c *Connection) dispatch(data []byte) {
	c.mutex.RLock()
	handler := c.handler
	c.mutex.RUnlock()
	if handler != nil {
		handler(data)
	}
}

func (c *Connection) shutdown(p Peripheral, reason string, disconnect bool) error {
	c.mutex.Lock()
	if c.peripheral == nil || c.peripheral != p {
		c.mutex.Unlock()
		return nil
	}
	c.peripheral = nil
	c.mutex.Unlock()

	var err error
	if disconnect {
		if err = p.Disconnect(); err != nil {
			c.logger.Warn("BLE disconnect failed", zap.Error(err))
			err = fmt.Errorf("failed to disconnect: %w", err)
		}
	}

	c.closer.Fire(reason)
	c.logger.Info("BLE connection closed", zap.String("reason", reason))
	return err
}

// Close disconnects from the board. Closing a closed connection is a no-op.
func (c *Connection) Close() error {
	c.mutex.RLock()
	p := c.peripheral
	c.mutex.RUnlock()

	if p == nil {
		return nil
	}
	return c.shutdown(p, "closed", true)
}

// IsOpen returns whether the connection is open
func (c *Connection) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.peripheral != nil
}

// Send writes data in chunks no larger than the characteristic allows. Each
// chunk is acknowledged by the board unless opts.WithoutResponse is set.
func (c *Connection) Send(ctx context.Context, data []byte, opts connector.SendOptions) ([]byte, error) {
	c.mutex.RLock()
	p := c.peripheral
	c.mutex.RUnlock()

	if p == nil {
		return nil, connector.ErrNotOpen
	}

	size := c.config.ChunkSize
	if opts.ChunkSize > 0 && opts.ChunkSize < size {
		size = opts.ChunkSize
	}

	chunks := connector.Chunk(data, size)
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := p.Write(chunk, opts.WithoutResponse); err != nil {
			c.logger.Error("BLE write failed", zap.Error(err), zap.Int("chunk", i))
			return nil, fmt.Errorf("failed to write chunk %d: %w", i, err)
		}

		if c.config.InterChunkInterval > 0 && i < len(chunks)-1 {
			time.Sleep(c.config.InterChunkInterval)
		}
	}

	c.logger.Debug("Data written to BLE device",
		zap.Int("bytes_written", len(data)),
		zap.Int("chunks", len(chunks)),
	)
	return data, nil
}

// SetDataHandler sets the callback for notified bytes
func (c *Connection) SetDataHandler(handler func(data []byte)) {
	c.mutex.Lock()
	c.handler = handler
	c.mutex.Unlock()
}

// SetDTR is not available over BLE
func (c *Connection) SetDTR(context.Context, bool) error {
	return connector.ErrNotSupported
}

// OnClose registers a close event handler
func (c *Connection) OnClose(handler func(reason string)) func() {
	return c.closer.Subscribe(handler)
}

// Type returns the connection type
func (c *Connection) Type() model.ConnectionType {
	return model.ConnectionTypeBLE
}
