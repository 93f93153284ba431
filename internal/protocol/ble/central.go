// internal/protocol/ble/central.go
package ble

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// Central finds and connects to a board
type Central interface {
	Connect(ctx context.Context, config Config) (Peripheral, error)
}

// Peripheral is a connected board exposing one write and one notify characteristic
type Peripheral interface {
	Address() string
	// Write sends p, waiting for the peripheral's acknowledgement unless withoutResponse
	Write(p []byte, withoutResponse bool) error
	Subscribe(handler func(data []byte)) error
	OnDisconnect(handler func())
	Disconnect() error
}

// AdapterCentral implements Central on a tinygo bluetooth adapter
type AdapterCentral struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger

	enableOnce sync.Once
	enableErr  error

	mu          sync.Mutex
	peripherals map[string]*adapterPeripheral
}

// NewAdapterCentral wraps adapter; a nil adapter uses bluetooth.DefaultAdapter
func NewAdapterCentral(adapter *bluetooth.Adapter, logger *zap.Logger) *AdapterCentral {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	return &AdapterCentral{
		adapter:     adapter,
		logger:      logger.With(zap.String("component", "ble_central")),
		peripherals: make(map[string]*adapterPeripheral),
	}
}

func (c *AdapterCentral) enable() error {
	c.enableOnce.Do(func() {
		if err := c.adapter.Enable(); err != nil {
			c.enableErr = fmt.Errorf("failed to enable BLE adapter: %w", err)
			return
		}
		c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			c.mu.Lock()
			p := c.peripherals[device.Address.String()]
			delete(c.peripherals, device.Address.String())
			c.mu.Unlock()
			if p != nil {
				p.disconnected()
			}
		})
	})
	return c.enableErr
}

// Connect scans for a device matching config, connects and resolves its characteristics
func (c *AdapterCentral) Connect(ctx context.Context, config Config) (Peripheral, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}

	result, err := c.scan(ctx, config)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Connecting to BLE device",
		zap.String("address", result.Address.String()),
		zap.String("name", result.LocalName()),
	)

	device, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	p, err := resolve(device, config)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	c.mu.Lock()
	c.peripherals[p.Address()] = p
	c.mu.Unlock()
	return p, nil
}

func (c *AdapterCentral) scan(ctx context.Context, config Config) (bluetooth.ScanResult, error) {
	pattern, err := regexp.Compile(config.NamePattern)
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("invalid name pattern: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.ScanTimeout)
	defer cancel()

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matches(config, pattern, result.Address.String(), result.LocalName()) {
				return
			}
			select {
			case found <- result:
				adapter.StopScan()
			default:
			}
		})
	}()

	select {
	case result := <-found:
		return result, nil
	case err := <-scanErr:
		if err == nil {
			err = fmt.Errorf("scan stopped before a device was found")
		}
		return bluetooth.ScanResult{}, fmt.Errorf("BLE scan failed: %w", err)
	case <-ctx.Done():
		c.adapter.StopScan()
		return bluetooth.ScanResult{}, fmt.Errorf("no BLE device found: %w", ctx.Err())
	}
}

// matches selects a scan result by configured address, or by advertised name
func matches(config Config, pattern *regexp.Regexp, address, name string) bool {
	if config.Address != "" {
		return strings.EqualFold(config.Address, address)
	}
	return name != "" && pattern.MatchString(name)
}

func resolve(device bluetooth.Device, config Config) (*adapterPeripheral, error) {
	serviceUUID, err := bluetooth.ParseUUID(config.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service uuid: %w", err)
	}
	writeUUID, err := bluetooth.ParseUUID(config.WriteCharUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid write characteristic uuid: %w", err)
	}
	notifyUUID, err := bluetooth.ParseUUID(config.NotifyCharUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid notify characteristic uuid: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("service %s not found", config.ServiceUUID)
	}

	uuids := []bluetooth.UUID{writeUUID}
	if notifyUUID != writeUUID {
		uuids = append(uuids, notifyUUID)
	}
	chars, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}

	p := &adapterPeripheral{device: device}
	for i := range chars {
		if chars[i].UUID() == writeUUID {
			p.write = &chars[i]
		}
		if chars[i].UUID() == notifyUUID {
			p.notify = &chars[i]
		}
	}
	if p.write == nil || p.notify == nil {
		return nil, fmt.Errorf("characteristics %s/%s not found", config.WriteCharUUID, config.NotifyCharUUID)
	}
	return p, nil
}

type adapterPeripheral struct {
	device bluetooth.Device
	write  *bluetooth.DeviceCharacteristic
	notify *bluetooth.DeviceCharacteristic

	mu           sync.Mutex
	onDisconnect func()
}

func (p *adapterPeripheral) Address() string {
	return p.device.Address.String()
}

func (p *adapterPeripheral) Write(data []byte, withoutResponse bool) error {
	if withoutResponse {
		_, err := p.write.WriteWithoutResponse(data)
		return err
	}
	_, err := p.write.Write(data)
	return err
}

func (p *adapterPeripheral) Subscribe(handler func(data []byte)) error {
	return p.notify.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		handler(data)
	})
}

func (p *adapterPeripheral) OnDisconnect(handler func()) {
	p.mu.Lock()
	p.onDisconnect = handler
	p.mu.Unlock()
}

func (p *adapterPeripheral) disconnected() {
	p.mu.Lock()
	handler := p.onDisconnect
	p.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (p *adapterPeripheral) Disconnect() error {
	return p.device.Disconnect()
}
