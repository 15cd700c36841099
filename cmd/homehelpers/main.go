package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homehelpers/internal/api"
	"homehelpers/internal/clock"
	"homehelpers/internal/config"
	"homehelpers/internal/ha"
	"homehelpers/internal/history"
	"homehelpers/internal/inputboolean"
	"homehelpers/internal/restore"
	"homehelpers/internal/statestream"
	"homehelpers/pkg/component"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load settings from .env and the environment
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(settings, logger); err != nil {
		logger.Error("Home Helpers stopped with an error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// run owns every resource it opens and releases them in reverse order on
// any return, so failures after the store is open still close it
func run(settings *config.Settings, logger *zap.Logger) error {
	logger.Info("Starting Home Helpers",
		zap.String("config", settings.ConfigFile),
		zap.String("db", settings.DBPath),
		zap.Int("port", settings.HTTPPort))

	ctx := context.Background()
	clk := clock.NewReal()

	// Open the restore store and load the last known states
	store, err := restore.Open(restore.Config{
		Path:     settings.DBPath,
		Domains:  []string{inputboolean.Domain},
		Interval: settings.RestoreInterval,
	}, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to open restore store: %w", err)
	}
	defer store.Close()

	cache, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load restore states: %w", err)
	}

	hass := ha.New(clk, logger)
	hass.SetRestoreCache(cache)
	hass.SetState(ha.CoreStateStarting)

	// Load configuration and set up components
	loader := config.NewLoader(settings.ConfigFile, logger)
	hass.SetConfigLoader(loader.Load)

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := component.SetupAll(ctx, hass, cfg); err != nil {
		logger.Error("Some components failed to set up", zap.Error(err))
	}
	logger.Info("Components loaded", zap.Strings("components", hass.Components()))

	store.StartPeriodicDump(hass)

	if settings.MQTTEnabled() {
		startStateStream(hass, settings, logger)
	}
	if settings.InfluxEnabled() {
		startHistory(hass, settings, logger)
	}

	stop := func() {
		stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		hass.Stop(stopCtx)
	}

	// Start HTTP API server
	server := api.NewServer(hass, logger, settings.HTTPPort, settings.AccessToken)
	if err := server.Start(); err != nil {
		stop()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	hass.Start()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	stop()
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid HH_LOG_LEVEL: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

// startStateStream mirrors states to MQTT. A broker that cannot be reached
// at startup is logged and skipped.
func startStateStream(hass *ha.Hass, settings *config.Settings, logger *zap.Logger) {
	pub, err := statestream.ConnectMQTT(statestream.MQTTOptions{
		Broker:      settings.MQTTBroker,
		TopicPrefix: settings.MQTTTopicPrefix,
		QoS:         1,
	}, logger.Named("mqtt"))
	if err != nil {
		logger.Error("State stream disabled", zap.Error(err))
		return
	}

	stream := statestream.New(pub, settings.MQTTTopicPrefix, logger)
	if err := stream.Start(hass); err != nil {
		logger.Error("Failed to start state stream", zap.Error(err))
		pub.Close()
		return
	}

	hass.OnStop(func(context.Context) {
		stream.Stop()
		pub.Close()
	})
}

// startHistory records state changes in InfluxDB
func startHistory(hass *ha.Hass, settings *config.Settings, logger *zap.Logger) {
	writer, err := history.ConnectInflux(history.InfluxOptions{
		URL:    settings.InfluxURL,
		Token:  settings.InfluxToken,
		Org:    settings.InfluxOrg,
		Bucket: settings.InfluxBucket,
	}, logger.Named("influxdb"))
	if err != nil {
		logger.Error("History recorder disabled", zap.Error(err))
		return
	}

	recorder := history.NewRecorder(writer, logger)
	if err := recorder.Start(hass); err != nil {
		logger.Error("Failed to start history recorder", zap.Error(err))
		writer.Close()
		return
	}

	hass.OnStop(func(context.Context) {
		recorder.Stop()
		writer.Close()
	})
}
