// internal/driver/driver.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"board-bridge/internal/burn"
	"board-bridge/internal/connector"
	"board-bridge/internal/model"
	"board-bridge/internal/sequencer"
	"board-bridge/internal/utils"
)

// Config holds driver timing configuration
type Config struct {
	// SendTimeout bounds the wait for a reply to Send or Exchange
	SendTimeout time.Duration
	// QuietGap ends a Send reply once no more bytes arrive for this long
	QuietGap time.Duration
	// ResetPulse is how long DTR is held low to reset the board
	ResetPulse time.Duration
	// ResetSettle is the wait after releasing DTR before the bootloader listens
	ResetSettle time.Duration

	BurnOptions []burn.Option
}

// DefaultConfig returns the driver defaults
func DefaultConfig() Config {
	return Config{
		SendTimeout: 4 * time.Second,
		QuietGap:    50 * time.Millisecond,
		ResetPulse:  100 * time.Millisecond,
		ResetSettle: 50 * time.Millisecond,
	}
}

// Driver is the device-facing facade over one Connector. Every stateful call
// is routed through the device's Sequencer.
type Driver struct {
	conn    connector.Connector
	profile model.BoardProfile
	config  Config
	seq     *sequencer.Sequencer
	logger  *utils.DeviceLogger

	mu       sync.Mutex
	inbound  []byte
	notify   chan struct{}
	baudRate int
	unsub    func()
}

// New creates a driver for the board reached through conn
func New(conn connector.Connector, profile model.BoardProfile, config Config, deviceID string, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.QuietGap <= 0 {
		config.QuietGap = defaults.QuietGap
	}
	if config.ResetPulse <= 0 {
		config.ResetPulse = defaults.ResetPulse
	}

	d := &Driver{
		conn:    conn,
		profile: profile,
		config:  config,
		seq:     sequencer.New(),
		logger:  utils.NewDeviceLogger(logger, deviceID, string(conn.Type())),
		notify:  make(chan struct{}, 1),
	}
	conn.SetDataHandler(d.receive)
	return d
}

// DeviceID returns the id of the driven board
func (d *Driver) DeviceID() string {
	return d.logger.DeviceID()
}

// Type returns the link type of the driven board
func (d *Driver) Type() model.ConnectionType {
	return d.conn.Type()
}

// IsOpen reports whether the link is open
func (d *Driver) IsOpen() bool {
	return d.conn.IsOpen()
}

// BaudRate returns the cached link rate, 0 when closed
func (d *Driver) BaudRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baudRate
}

// Open opens the link at baudRate, or the board's default rate when 0
func (d *Driver) Open(ctx context.Context, baudRate int) error {
	return d.run(ctx, "open", func(ctx context.Context) error {
		if baudRate == 0 {
			baudRate = d.profile.DefaultBaudRate
		}
		if !model.IsValidBaudRate(baudRate) {
			return fmt.Errorf("unsupported baud rate: %d", baudRate)
		}

		if err := d.conn.Open(ctx, baudRate); err != nil {
			d.logger.LogConnection("open", err)
			return err
		}

		d.mu.Lock()
		d.baudRate = baudRate
		if d.unsub != nil {
			d.unsub()
		}
		d.unsub = d.conn.OnClose(d.closed)
		d.mu.Unlock()

		d.logger.LogConnection("open", nil)
		return nil
	})
}

// Close closes the link
func (d *Driver) Close() error {
	return d.run(context.Background(), "close", func(ctx context.Context) error {
		err := d.conn.Close()
		d.logger.LogConnection("close", err)
		return err
	})
}

// Send writes data and, unless withoutResponse is set, returns the bytes the
// board answers with until a quiet gap or the send timeout
func (d *Driver) Send(ctx context.Context, data []byte, withoutResponse bool) ([]byte, error) {
	return doLogged(ctx, d, "send", func(ctx context.Context) ([]byte, error) {
		d.clearInbound()
		if _, err := d.conn.Send(ctx, data, d.sendOptions()); err != nil {
			return nil, err
		}
		if withoutResponse {
			return nil, nil
		}
		return d.collect(ctx)
	})
}

// SetBaudRate changes the link rate in turn with the device's other calls.
// A rate equal to the current one at its turn is a no-op; the cached rate
// changes only once confirmed.
func (d *Driver) SetBaudRate(ctx context.Context, rate int) error {
	if !model.IsValidBaudRate(rate) {
		return fmt.Errorf("unsupported baud rate: %d", rate)
	}
	return d.run(ctx, "set_baud_rate", func(ctx context.Context) error {
		return d.setBaudRate(ctx, rate)
	})
}

// Reset pulses DTR to restart the board
func (d *Driver) Reset(ctx context.Context) error {
	return d.run(ctx, "reset", d.reset)
}

// Exchange writes frame and returns exactly the next n bytes received
func (d *Driver) Exchange(ctx context.Context, frame []byte, n int) ([]byte, error) {
	return doLogged(ctx, d, "exchange", func(ctx context.Context) ([]byte, error) {
		return d.exchange(ctx, frame, n)
	})
}

// Burn flashes image through the board's bootloader. The sequencer is held
// for the whole session so nothing interleaves with it.
func (d *Driver) Burn(ctx context.Context, image burn.Image, onProgress func(fraction float64)) error {
	return d.run(ctx, "burn", func(ctx context.Context) error {
		previous := d.BaudRate()
		upload := d.profile.UploadBaudRate
		if upload != 0 && upload != previous {
			if err := d.setBaudRate(ctx, upload); err != nil {
				return fmt.Errorf("failed to switch to upload rate: %w", err)
			}
			defer func() {
				if previous == 0 {
					return
				}
				restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.SendTimeout)
				defer cancel()
				if err := d.setBaudRate(restoreCtx, previous); err != nil {
					d.logger.Warn("Failed to restore baud rate after burn", zap.Error(err))
				}
			}()
		}

		opts := append([]burn.Option{burn.WithLogger(d.logger.Logger)}, d.config.BurnOptions...)
		engine := burn.New(rawLink{d}, d.profile, opts...)
		return engine.Flash(ctx, image, onProgress)
	})
}

func (d *Driver) run(ctx context.Context, operation string, exec func(ctx context.Context) error) error {
	start := time.Now()
	err := d.seq.Run(ctx, exec)
	d.logger.LogOperation(operation, time.Since(start), err)
	return err
}

func doLogged[T any](ctx context.Context, d *Driver, operation string, exec func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	value, err := sequencer.Do(ctx, d.seq, exec)
	d.logger.LogOperation(operation, time.Since(start), err)
	return value, err
}

func (d *Driver) sendOptions() connector.SendOptions {
	if d.conn.Type() == model.ConnectionTypeBLE {
		return connector.SendOptions{ChunkSize: connector.MaxBLEChunkSize}
	}
	return connector.SendOptions{}
}

func (d *Driver) setBaudRate(ctx context.Context, rate int) error {
	if rate == d.BaudRate() {
		return nil
	}

	if setter, ok := d.conn.(connector.BaudRateSetter); ok {
		if err := setter.SetBaudRate(ctx, rate); err != nil {
			return err
		}
	} else {
		if err := d.conn.Close(); err != nil && !errors.Is(err, connector.ErrNotOpen) {
			return err
		}
		if err := d.conn.Open(ctx, rate); err != nil {
			return err
		}
		d.mu.Lock()
		if d.unsub != nil {
			d.unsub()
		}
		d.unsub = d.conn.OnClose(d.closed)
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.baudRate = rate
	d.mu.Unlock()

	d.logger.Debug("Baud rate changed", zap.Int("baud_rate", rate))
	return nil
}

func (d *Driver) reset(ctx context.Context) error {
	if err := d.conn.SetDTR(ctx, false); err != nil {
		return err
	}
	if err := sleep(ctx, d.config.ResetPulse); err != nil {
		return err
	}
	if err := d.conn.SetDTR(ctx, true); err != nil {
		return err
	}
	return sleep(ctx, d.config.ResetSettle)
}

func (d *Driver) exchange(ctx context.Context, frame []byte, n int) ([]byte, error) {
	d.clearInbound()
	if _, err := d.conn.Send(ctx, frame, d.sendOptions()); err != nil {
		return nil, err
	}
	return d.readN(ctx, n)
}

// receive is the connector data handler
func (d *Driver) receive(data []byte) {
	d.mu.Lock()
	d.inbound = append(d.inbound, data...)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Driver) closed(reason string) {
	d.mu.Lock()
	d.baudRate = 0
	d.mu.Unlock()
	d.logger.Info("Device link closed", zap.String("reason", reason))
}

func (d *Driver) clearInbound() {
	d.mu.Lock()
	d.inbound = nil
	d.mu.Unlock()
}

func (d *Driver) takeInbound() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.inbound
	d.inbound = nil
	return data
}

func (d *Driver) takeN(n int) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inbound) < n {
		return nil, false
	}
	data := append([]byte(nil), d.inbound[:n]...)
	d.inbound = d.inbound[n:]
	return data, true
}

// collect gathers reply bytes until a quiet gap follows the last chunk
func (d *Driver) collect(ctx context.Context) ([]byte, error) {
	budget := time.NewTimer(d.config.SendTimeout)
	defer budget.Stop()
	gap := time.NewTimer(d.config.QuietGap)
	defer gap.Stop()

	for {
		select {
		case <-d.notify:
			gap.Reset(d.config.QuietGap)
		case <-gap.C:
			d.mu.Lock()
			received := len(d.inbound)
			d.mu.Unlock()
			if received > 0 {
				return d.takeInbound(), nil
			}
		case <-budget.C:
			if data := d.takeInbound(); len(data) > 0 {
				return data, nil
			}
			return nil, fmt.Errorf("no reply within %s: %w", d.config.SendTimeout, connector.ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (d *Driver) readN(ctx context.Context, n int) ([]byte, error) {
	timer := time.NewTimer(d.config.SendTimeout)
	defer timer.Stop()

	for {
		if data, ok := d.takeN(n); ok {
			return data, nil
		}
		select {
		case <-d.notify:
		case <-timer.C:
			return d.partial(n)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return d.partial(n)
			}
			return nil, ctx.Err()
		}
	}
}

// partial returns what arrived of an n-byte reply along with a timeout error
func (d *Driver) partial(n int) ([]byte, error) {
	if data, ok := d.takeN(n); ok {
		return data, nil
	}
	got := d.takeInbound()
	return got, fmt.Errorf("got %d of %d reply bytes: %w", len(got), n, connector.ErrTimeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rawLink gives the burn engine direct access to the link while Burn holds the sequencer
type rawLink struct {
	d *Driver
}

func (l rawLink) Exchange(ctx context.Context, frame []byte, n int) ([]byte, error) {
	return l.d.exchange(ctx, frame, n)
}

func (l rawLink) Reset(ctx context.Context) error {
	if l.d.conn.Type() == model.ConnectionTypeBLE {
		return connector.ErrNotSupported
	}
	return l.d.reset(ctx)
}
