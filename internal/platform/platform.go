// internal/platform/platform.go
package platform

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"board-bridge/internal/config"
	"board-bridge/internal/connector"
	"board-bridge/internal/model"
	"board-bridge/internal/protocol/ble"
	"board-bridge/internal/protocol/serial"
	"board-bridge/internal/relay"
)

// Platform holds the connector constructors for the running environment
type Platform struct {
	Environment model.Environment
	Serial      connector.Factory
	BLE         connector.Factory

	// Engine is the shared companion link in relayed environments, nil in native
	Engine *relay.Engine
}

// Option customizes native hardware access
type Option func(*options)

type options struct {
	opener  serial.Opener
	central ble.Central
}

// WithSerialOpener replaces the OS serial port opener
func WithSerialOpener(opener serial.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithCentral replaces the default Bluetooth adapter
func WithCentral(central ble.Central) Option {
	return func(o *options) {
		o.central = central
	}
}

// Select returns the connector implementations for env. An environment
// without an implementation fails with connector.ErrUnsupportedEnvironment.
func Select(env model.Environment, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Platform, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger = logger.With(zap.String("component", "platform"))

	switch env {
	case model.EnvironmentNative:
		return native(cfg, o, logger), nil
	case model.EnvironmentBrowser:
		return relayed(env, cfg.Relay.URL, cfg, logger)
	case model.EnvironmentMobile:
		return relayed(env, cfg.Relay.MobileURL, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", connector.ErrUnsupportedEnvironment, env)
	}
}

func native(cfg *config.Config, o options, logger *zap.Logger) *Platform {
	logger.Info("Using native serial and BLE connectors")

	var centralOnce sync.Once
	central := func() ble.Central {
		centralOnce.Do(func() {
			if o.central == nil {
				o.central = ble.NewAdapterCentral(bluetooth.DefaultAdapter, logger)
			}
		})
		return o.central
	}

	return &Platform{
		Environment: model.EnvironmentNative,
		Serial: func(target model.Target) (connector.Connector, error) {
			return serial.NewConnection(serial.Config{
				Port:        target.DeviceID,
				BaudRate:    cfg.Serial.BaudRate,
				DataBits:    cfg.Serial.DataBits,
				StopBits:    cfg.Serial.StopBits,
				Parity:      cfg.Serial.Parity,
				ReadTimeout: cfg.Serial.ReadTimeout,
			}, o.opener, logger)
		},
		BLE: func(target model.Target) (connector.Connector, error) {
			return ble.NewConnection(ble.Config{
				Address:            target.DeviceID,
				NamePattern:        cfg.BLE.NamePattern,
				ServiceUUID:        cfg.BLE.ServiceUUID,
				WriteCharUUID:      cfg.BLE.WriteCharUUID,
				NotifyCharUUID:     cfg.BLE.NotifyCharUUID,
				ChunkSize:          cfg.BLE.ChunkSize,
				ScanTimeout:        cfg.BLE.ScanTimeout,
				InterChunkInterval: cfg.BLE.InterChunkInterval,
			}, central(), logger), nil
		},
	}
}

func relayed(env model.Environment, url string, cfg *config.Config, logger *zap.Logger) (*Platform, error) {
	if url == "" {
		return nil, fmt.Errorf("no companion url configured for %s environment", env)
	}

	logger.Info("Using relayed connectors",
		zap.String("environment", string(env)),
		zap.String("url", url),
	)

	engine := relay.NewEngine(relay.Config{
		URL: url,
		Timeouts: relay.Timeouts{
			Connect:  cfg.Relay.ConnectTimeout,
			Exchange: cfg.Relay.ExchangeTimeout,
			Flash:    cfg.Relay.FlashTimeout,
		},
		Breaker: relay.BreakerConfig{
			MaxFailures: cfg.Relay.Breaker.MaxFailures,
			Timeout:     cfg.Relay.Breaker.Timeout,
			Interval:    cfg.Relay.Breaker.Interval,
		},
	}, logger)

	bleConfig := relay.BLEConfig{
		ServiceUUID:    cfg.BLE.ServiceUUID,
		WriteCharUUID:  cfg.BLE.WriteCharUUID,
		NotifyCharUUID: cfg.BLE.NotifyCharUUID,
		ChunkSize:      cfg.BLE.ChunkSize,
	}

	return &Platform{
		Environment: env,
		Engine:      engine,
		Serial: func(target model.Target) (connector.Connector, error) {
			return relay.NewSerialConnector(engine, target, logger), nil
		},
		BLE: func(target model.Target) (connector.Connector, error) {
			return relay.NewBLEConnector(engine, target, bleConfig, logger), nil
		},
	}, nil
}

// Close releases the companion link, if any
func (p *Platform) Close() error {
	if p.Engine == nil {
		return nil
	}
	return p.Engine.Close()
}
