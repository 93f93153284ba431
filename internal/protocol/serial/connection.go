// internal/protocol/serial/connection.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"board-bridge/internal/connector"
	"board-bridge/internal/model"
)

// Port is the subset of serial.Port the connection uses
type Port interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	SetDTR(dtr bool) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a named port with the given mode
type Opener func(name string, mode *serial.Mode) (Port, error)

// OpenPort opens a real serial port
func OpenPort(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

// Config represents serial port configuration
type Config struct {
	Port        string        `json:"port"`
	BaudRate    int           `json:"baud_rate"`
	DataBits    int           `json:"data_bits"`
	StopBits    int           `json:"stop_bits"`
	Parity      string        `json:"parity"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// Connection is a connector.Connector over a native serial port
type Connection struct {
	config  Config
	open    Opener
	logger  *zap.Logger
	mutex   sync.RWMutex
	port    Port
	handler func([]byte)
	closer  connector.CloseNotifier
	done    chan struct{}
}

var (
	_ connector.Connector      = (*Connection)(nil)
	_ connector.BaudRateSetter = (*Connection)(nil)
)

// NewConnection creates a new serial connection. A nil opener uses OpenPort.
func NewConnection(config Config, opener Opener, logger *zap.Logger) (*Connection, error) {
	if config.Port == "" {
		return nil, fmt.Errorf("port is required")
	}
	if opener == nil {
		opener = OpenPort
	}
	if config.DataBits == 0 {
		config.DataBits = 8
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 100 * time.Millisecond
	}

	return &Connection{
		config: config,
		open:   opener,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
	}, nil
}

func (c *Connection) mode(baudRate int) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: c.config.DataBits,
	}

	switch c.config.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	switch c.config.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode
}

// Open opens the serial port and starts the read loop
func (c *Connection) Open(ctx context.Context, baudRate int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.port != nil {
		return nil
	}
	if baudRate == 0 {
		baudRate = c.config.BaudRate
	}
	if !model.IsValidBaudRate(baudRate) {
		return fmt.Errorf("unsupported baud rate: %d", baudRate)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.logger.Info("Opening serial port", zap.Int("baud_rate", baudRate))

	port, err := c.open(c.config.Port, c.mode(baudRate))
	if err != nil {
		c.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(c.config.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	c.port = port
	c.config.BaudRate = baudRate
	c.done = make(chan struct{})
	c.closer.Arm()

	go c.readLoop(port, c.done)

	c.logger.Info("Serial port opened successfully")
	return nil
}

// readLoop forwards incoming bytes to the data handler until the port fails or closes
func (c *Connection) readLoop(port Port, done chan struct{}) {
	buffer := make([]byte, 256)
	for {
		n, err := port.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])

			c.mutex.RLock()
			handler := c.handler
			c.mutex.RUnlock()
			if handler != nil {
				handler(data)
			}
		}

		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("Serial read failed", zap.Error(err))
			}
			c.shutdown(port, "read failed")
			return
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

// shutdown releases port if it is still the active one and fires the close event
func (c *Connection) shutdown(port Port, reason string) error {
	c.mutex.Lock()
	if c.port == nil || c.port != port {
		c.mutex.Unlock()
		return nil
	}
	c.port = nil
	close(c.done)
	c.mutex.Unlock()

	err := port.Close()
	if err != nil {
		c.logger.Error("Failed to close serial port", zap.Error(err))
		err = fmt.Errorf("failed to close serial port: %w", err)
	}

	c.closer.Fire(reason)
	c.logger.Info("Serial port closed", zap.String("reason", reason))
	return err
}

// Close closes the serial port. Closing a closed port is a no-op.
func (c *Connection) Close() error {
	c.mutex.RLock()
	port := c.port
	c.mutex.RUnlock()

	if port == nil {
		return nil
	}
	return c.shutdown(port, "closed")
}

// IsOpen returns whether the connection is open
func (c *Connection) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.port != nil
}

// Send writes data to the port and returns the bytes written
func (c *Connection) Send(ctx context.Context, data []byte, opts connector.SendOptions) ([]byte, error) {
	c.mutex.RLock()
	port := c.port
	c.mutex.RUnlock()

	if port == nil {
		return nil, connector.ErrNotOpen
	}

	for _, chunk := range connector.Chunk(data, opts.ChunkSize) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := port.Write(chunk)
		if err != nil {
			c.logger.Error("Failed to write to serial port",
				zap.Error(err),
				zap.Int("bytes_to_write", len(chunk)),
			)
			return nil, fmt.Errorf("failed to write to serial port: %w", err)
		}
		if n != len(chunk) {
			return nil, fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(chunk))
		}
	}

	c.logger.Debug("Data written to serial port",
		zap.Int("bytes_written", len(data)),
		zap.Binary("data", data),
	)

	return data, nil
}

// SetDataHandler sets the callback for received bytes
func (c *Connection) SetDataHandler(handler func(data []byte)) {
	c.mutex.Lock()
	c.handler = handler
	c.mutex.Unlock()
}

// SetDTR asserts or clears the DTR line
func (c *Connection) SetDTR(ctx context.Context, value bool) error {
	c.mutex.RLock()
	port := c.port
	c.mutex.RUnlock()

	if port == nil {
		return connector.ErrNotOpen
	}
	if err := port.SetDTR(value); err != nil {
		return fmt.Errorf("failed to set DTR: %w", err)
	}
	return nil
}

// SetBaudRate changes the line rate of the open port
func (c *Connection) SetBaudRate(ctx context.Context, rate int) error {
	if !model.IsValidBaudRate(rate) {
		return fmt.Errorf("unsupported baud rate: %d", rate)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.port == nil {
		return connector.ErrNotOpen
	}
	if err := c.port.SetMode(c.mode(rate)); err != nil {
		return fmt.Errorf("failed to set baud rate: %w", err)
	}
	if err := c.port.ResetInputBuffer(); err != nil {
		c.logger.Warn("Failed to reset input buffer", zap.Error(err))
	}

	c.config.BaudRate = rate
	c.logger.Info("Serial baud rate changed", zap.Int("baud_rate", rate))
	return nil
}

// BaudRate returns the current line rate
func (c *Connection) BaudRate() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.config.BaudRate
}

// OnClose registers a close event handler
func (c *Connection) OnClose(handler func(reason string)) func() {
	return c.closer.Subscribe(handler)
}

// Type returns the connection type
func (c *Connection) Type() model.ConnectionType {
	return model.ConnectionTypeSerial
}
