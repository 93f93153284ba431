// cmd/bridge/main.go
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"board-bridge/internal/burn"
	"board-bridge/internal/config"
	"board-bridge/internal/discovery"
	serialscan "board-bridge/internal/discovery/serial"
	usbscan "board-bridge/internal/discovery/usb"
	"board-bridge/internal/driver"
	"board-bridge/internal/model"
	"board-bridge/internal/platform"
	"board-bridge/internal/utils"
)

const usage = `usage: bridge [flags] <command> [args]

commands:
  list              list boards reachable in the configured environment
  send <hex bytes>  open the board, send the bytes and print the reply
  flash <file.hex>  reflash the board with an Intel HEX image

flags:
`

// Application wires the platform, the driver registry and discovery for one command
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	platform *platform.Platform
	registry *driver.Registry
}

func main() {
	flags := pflag.NewFlagSet("bridge", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config file")
	flags.StringP("environment", "e", "native", "native, browser or mobile")
	flags.String("relay-url", "", "companion WebSocket url")
	flags.StringP("port", "p", "", "serial port of the board")
	flags.IntP("baud", "b", 115200, "serial baud rate")
	flags.String("ble-address", "", "Bluetooth address of the board")
	flags.String("board", "core", "board profile (core, core+)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	useBLE := flags.Bool("ble", false, "reach the board over Bluetooth instead of serial")
	scanFor := flags.Duration("scan-duration", 3*time.Second, "how long list waits for relayed scan reports")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	app, err := NewApplication(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := flags.Args()
	switch args[0] {
	case "list":
		err = app.List(ctx, *scanFor)
	case "send":
		if len(args) < 2 {
			err = errors.New("send needs the bytes to send")
			break
		}
		err = app.Send(ctx, app.target(*useBLE), strings.Join(args[1:], ""))
	case "flash":
		if len(args) != 2 {
			err = errors.New("flash needs exactly one hex file")
			break
		}
		err = app.Flash(ctx, app.target(*useBLE), args[1])
	default:
		flags.Usage()
		err = fmt.Errorf("unknown command %q", args[0])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		app.Close()
		os.Exit(1)
	}
}

// NewApplication loads configuration and selects the connectors for the environment
func NewApplication(configPath string, flags *pflag.FlagSet) (*Application, error) {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	p, err := platform.Select(cfg.GetEnvironment(), cfg, logger)
	if err != nil {
		return nil, err
	}

	driverConfig := driver.DefaultConfig()
	driverConfig.ResetPulse = cfg.Burn.ResetPulse
	driverConfig.BurnOptions = []burn.Option{
		burn.WithSyncAttempts(cfg.Burn.SyncAttempts),
		burn.WithSyncInterval(cfg.Burn.SyncInterval),
		burn.WithLogger(logger),
	}

	registry := driver.NewRegistry(cfg.GetBoardProfile(), driverConfig, logger)
	driver.RegisterDefaultConnectors(registry, p.Serial, p.BLE, logger)

	return &Application{
		config:   cfg,
		logger:   logger,
		platform: p,
		registry: registry,
	}, nil
}

func (app *Application) target(useBLE bool) model.Target {
	if useBLE {
		return model.Target{DeviceID: app.config.BLE.Address, Type: model.ConnectionTypeBLE}
	}
	return model.Target{DeviceID: app.config.Serial.Port, Type: model.ConnectionTypeSerial}
}

// List prints the boards found by the local scanners or, when relayed, by the companion
func (app *Application) List(ctx context.Context, scanFor time.Duration) error {
	var devices []model.DiscoveredDevice
	var err error
	if app.platform.Engine != nil {
		devices, err = app.listRelayed(ctx, scanFor)
	} else {
		devices, err = app.listNative(ctx)
	}
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("no boards found")
		return nil
	}
	for _, d := range devices {
		ids := ""
		if d.VendorID != "" {
			ids = fmt.Sprintf(" [%s:%s]", d.VendorID, d.ProductID)
		}
		fmt.Printf("%-7s %-24s %s%s\n", d.ConnectionType, d.DeviceID, d.Name, ids)
	}
	return nil
}

func (app *Application) listNative(ctx context.Context) ([]model.DiscoveredDevice, error) {
	whitelist, err := discovery.NewWhitelist(app.config.Serial.USBWhitelist)
	if err != nil {
		return nil, err
	}

	scanners := discovery.NewScannerManager(app.logger)
	scanners.RegisterScanner(serialscan.NewScanner(serialscan.Config{
		NamePrefix: app.config.Serial.NamePrefix,
		Whitelist:  whitelist,
	}, nil, app.logger))
	scanners.RegisterScanner(usbscan.NewScanner(usbscan.Config{Whitelist: whitelist}, app.logger))

	return scanners.ScanAll(ctx)
}

func (app *Application) listRelayed(ctx context.Context, scanFor time.Duration) ([]model.DiscoveredDevice, error) {
	engine := app.platform.Engine
	if err := engine.Open(ctx); err != nil {
		return nil, err
	}

	seen := make(map[string]model.DiscoveredDevice)
	found := make(chan model.DiscoveredDevice, 16)
	unsubscribe := engine.Discover(func(d model.DiscoveredDevice) {
		select {
		case found <- d:
		default:
		}
	})
	defer unsubscribe()

	if err := engine.StartScan(ctx, model.ConnectionTypeSerial); err != nil {
		return nil, err
	}

	timer := time.NewTimer(scanFor)
	defer timer.Stop()
collect:
	for {
		select {
		case d := <-found:
			seen[d.DeviceID] = d
		case <-timer.C:
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := engine.StopScan(ctx); err != nil {
		app.logger.Warn("Failed to stop scan", zap.Error(err))
	}

	devices := make([]model.DiscoveredDevice, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	return devices, nil
}

func (app *Application) open(ctx context.Context, target model.Target) (*driver.Driver, error) {
	if target.DeviceID == "" && target.Type == model.ConnectionTypeSerial {
		return nil, errors.New("no serial port given, use --port")
	}

	d, err := app.registry.Get(target)
	if err != nil {
		return nil, err
	}
	if err := d.Open(ctx, app.config.Serial.BaudRate); err != nil {
		return nil, err
	}
	return d, nil
}

// Send writes the hex-encoded bytes to the board and prints its reply
func (app *Application) Send(ctx context.Context, target model.Target, payload string) error {
	data, err := hex.DecodeString(strings.ReplaceAll(payload, " ", ""))
	if err != nil {
		return fmt.Errorf("bytes must be hex encoded: %w", err)
	}

	d, err := app.open(ctx, target)
	if err != nil {
		return err
	}

	reply, err := d.Send(ctx, data, false)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(reply))
	return nil
}

// Flash reflashes the board and prints progress per page
func (app *Application) Flash(ctx context.Context, target model.Target, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	image, err := burn.ParseHex(file)
	file.Close()
	if err != nil {
		return err
	}

	d, err := app.open(ctx, target)
	if err != nil {
		return err
	}

	err = d.Burn(ctx, image, func(fraction float64) {
		fmt.Printf("\rflashing %3.0f%%", fraction*100)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Println("done")
	return nil
}

// Close releases every open board and the companion link
func (app *Application) Close() {
	if err := app.registry.CloseAll(); err != nil {
		app.logger.Warn("Failed to close devices", zap.Error(err))
	}
	if err := app.platform.Close(); err != nil {
		app.logger.Warn("Failed to close platform", zap.Error(err))
	}
	utils.CloseLogger(app.logger)
}
