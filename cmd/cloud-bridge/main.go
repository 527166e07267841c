package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/api"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/bus"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/cloud"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/config"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/correlation"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/fleet"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/metrics"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/provisioning"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/registry"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/router"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/session"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/storage"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configFile string
	var validate bool
	flag.StringVar(&configFile, "config", "config/cloud-bridge.yml", "Configuration file path")
	flag.BoolVar(&validate, "validate", false, "Validate the configuration and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if validate {
		cfg.PrintConfigSummary()
		return
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Bridge failed")
	}
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	correlations := correlation.NewRegistry()
	sessions := session.NewManager()

	rt := router.New(sessions, correlations, cfg, store, m)
	pool := worker.NewPool[router.Task](cfg.Workers.Count, cfg.Workers.QueueSize, rt.Process,
		worker.WithMetrics[router.Task](reg, "lorawan_bridge_router"))
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	dispatcher := router.NewDispatcher(pool, sessions)

	gauges := map[string]func() float64{
		"pending_downlinks": func() float64 { return float64(correlations.Len()) },
		"device_sessions":   func() float64 { return float64(sessions.DeviceCount()) },
		"tenant_sessions":   func() float64 { return float64(sessions.TenantCount()) },
	}
	for name, fn := range gauges {
		if err := metrics.RegisterGauge(reg, name, "Current number of "+name, fn); err != nil {
			log.Warn().Err(err).Str("gauge", name).Msg("Failed to register gauge")
		}
	}

	var wg sync.WaitGroup

	// lock tokens stop being settleable after ack_wait
	wg.Add(1)
	go func() {
		defer wg.Done()
		correlations.RunJanitor(ctx, cfg.Cloud.AckWait, 2*cfg.Cloud.AckWait)
	}()

	startTenants(ctx, cfg, sessions, dispatcher)
	if sessions.TenantCount() == 0 {
		return errors.New("no application bus session could be registered")
	}

	dps := provisioning.NewDPSClient(cfg.Provisioning.GlobalEndpoint, cfg.Provisioning.APIVersion,
		cfg.Provisioning.PollInterval, cfg.Provisioning.MaxPolls, cfg.Provisioning.Timeout)
	dialer := &cloud.NATSDialer{
		Stream:   cfg.Cloud.Stream,
		AckWait:  cfg.Cloud.AckWait,
		NakDelay: cfg.Bus.AutoReconnectDelay,
		Timeout:  cfg.Cloud.Timeout,
	}
	provisioner := provisioning.NewProvisioner(cfg.Applications, dps, dialer)

	syncer := fleet.NewSynchronizer(fleet.Config{
		Lister:      registry.NewClient(cfg.Registry.APIBaseURL, cfg.Registry.APIKey, cfg.Registry.Timeout),
		Provisioner: provisioner,
		Defaults:    cfg,
		Sessions:    sessions,
		Handlers:    dispatcher.CommandHandler,
		Store:       store,
		Metrics:     m,
		PageSize:    cfg.Registry.PageSize,
	})
	dialer.OnLost = func(deviceID string, err error) {
		syncer.DeviceLost(ctx, deviceID, err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := syncer.SyncAll(ctx, cfg.ApplicationKeys()); err != nil {
			log.Error().Err(err).Msg("Fleet synchronization incomplete")
		}
		log.Info().Int("devices", sessions.DeviceCount()).Msg("Fleet online")
	}()

	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, api.Dependencies{
			Sessions:     sessions,
			Correlations: correlations,
			Store:        store,
			Pool:         pool,
			Fleet:        syncer,
			Gatherer:     reg,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Operator API server failed")
			}
		}()
	}

	log.Info().Int("applications", sessions.TenantCount()).Msg("Bridge started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
	}

	if err := pool.Stop(shutdownTimeout / 2); err != nil {
		log.Warn().Err(err).Msg("Worker pool did not drain")
	}

	done := make(chan struct{})
	go func() {
		sessions.CloseAll()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timed out")
	}

	log.Info().Msg("Bridge stopped")
	return nil
}

// startTenants opens one bus session per application. A session failing its first
// connect keeps retrying in the background and is registered anyway.
func startTenants(ctx context.Context, cfg *config.Config, sessions *session.Manager, dispatcher *router.Dispatcher) {
	for _, key := range cfg.ApplicationKeys() {
		app := cfg.Applications[key]
		mqttID := cfg.MQTTApplicationID(key)

		clientID := ""
		if cfg.Bus.ClientID != "" {
			clientID = cfg.Bus.ClientID + "-" + key
		}

		s := bus.NewSession(mqttID, bus.Options{
			Server:             cfg.Bus.Server,
			ClientID:           clientID,
			Username:           mqttID,
			Password:           app.MQTTAccessKey,
			TLS:                cfg.Bus.TLS,
			InsecureSkipVerify: cfg.Bus.InsecureSkipVerify,
			ReconnectDelay:     cfg.Bus.AutoReconnectDelay,
			PublishTimeout:     cfg.Bus.PublishTimeout,
			Topics:             bus.SubscriptionTopics(cfg.Bus.TopicPrefix, mqttID),
		}, dispatcher.BusHandler(key))

		if err := s.Connect(ctx); err != nil {
			log.Error().Err(err).Str("applicationID", key).Msg("Bus connect failed, retrying in background")
		}

		err := sessions.AddTenant(&session.Tenant{
			ApplicationID:         key,
			MQTTApplicationID:     mqttID,
			DownlinkApplicationID: cfg.DownlinkApplicationID(key),
			TopicPrefix:           cfg.Bus.TopicPrefix,
			Bus:                   s,
		})
		if err != nil {
			log.Error().Err(err).Str("applicationID", key).Msg("Bus session not registered")
			s.Close()
		}
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		log.Info().Msg("No database configured, keeping the event log in memory")
		return storage.NewMemoryStore(10000), nil
	}

	store, err := storage.NewPostgresStore(ctx, cfg.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	log.Info().Msg("Connected to database")
	return store, nil
}
