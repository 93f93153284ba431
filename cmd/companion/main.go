// cmd/companion/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"board-bridge/internal/config"
	"board-bridge/internal/discovery"
	serialscan "board-bridge/internal/discovery/serial"
	usbscan "board-bridge/internal/discovery/usb"
	"board-bridge/internal/model"
	"board-bridge/internal/platform"
	"board-bridge/internal/routes"
	"board-bridge/internal/utils"
)

// Application is the companion process: a local WebSocket server that gives
// hosts without serial access the machine's serial ports
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	scanners *discovery.ScannerManager
	platform *platform.Platform
}

// @title Board Bridge Companion API
// @version 1.0.0
// @description Local companion that serves a machine's serial ports to hosts over WebSocket

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:5741
// @BasePath /
func main() {
	flags := pflag.NewFlagSet("companion", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config file")
	flags.Int("listen-port", 5741, "port to serve hosts on")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Parse(os.Args[1:])

	app, err := NewApplication(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize companion: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start companion", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string, flags *pflag.FlagSet) (*Application, error) {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "companion")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg.Companion)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeScanners(); err != nil {
		return nil, fmt.Errorf("failed to initialize scanners: %w", err)
	}

	// The companion always drives the local hardware
	app.platform, err = platform.Select(model.EnvironmentNative, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to select platform: %w", err)
	}

	app.initializeServer()
	return app, nil
}

// initializeScanners registers the serial and USB port scanners
func (app *Application) initializeScanners() error {
	whitelist, err := discovery.NewWhitelist(app.config.Serial.USBWhitelist)
	if err != nil {
		return err
	}

	app.scanners = discovery.NewScannerManager(app.logger)
	app.scanners.RegisterScanner(serialscan.NewScanner(serialscan.Config{
		NamePrefix: app.config.Serial.NamePrefix,
		Whitelist:  whitelist,
	}, nil, app.logger))
	app.scanners.RegisterScanner(usbscan.NewScanner(usbscan.Config{
		Whitelist:   whitelist,
		EnableDebug: app.config.IsDebugEnabled(),
	}, app.logger))

	app.logger.Info("Scanners initialized successfully",
		zap.Strings("available", app.scanners.GetAvailableScanners()),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	routerManager := routes.NewRouter(app.config, app.logger, app.platform.Serial, app.scanners)

	app.server = &http.Server{
		Addr:              app.config.GetCompanionAddr(),
		Handler:           routerManager.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.server.Addr))
}

// Start serves hosts until a shutdown signal arrives
func (app *Application) Start() error {
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting companion server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	app.shutdown()
	return nil
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "companion")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if err := app.platform.Close(); err != nil {
		app.logger.Error("Platform close error", zap.Error(err))
	}

	app.logger.Info("Companion shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Fprintf(os.Stderr, "Logger close error: %v\n", err)
	}
}
