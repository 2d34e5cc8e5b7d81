package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Pycube-FP/Pycube-MDM/internal/api"
	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/dedup"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
	"github.com/Pycube-FP/Pycube-MDM/internal/health"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/config"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/influxdb"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/logging"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/mqtt"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/redis"
	"github.com/Pycube-FP/Pycube-MDM/internal/notify"
	"github.com/Pycube-FP/Pycube-MDM/internal/reader"
	"github.com/Pycube-FP/Pycube-MDM/internal/sighting"
	"github.com/Pycube-FP/Pycube-MDM/internal/sweep"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the presence engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe wires every component and blocks until ctx is cancelled.
//
// Deferred shutdown runs in reverse order of construction:
//  1. API server and health reporter
//  2. Sighting processor (stops accepting, finishes the in-flight message)
//  3. Missing sweep (cancelled without waiting for a tick)
//  4. Reader cache refresh and dedup pruning
//  5. Notification fanout (drains queued events)
//  6. MQTT (offline status, disconnect)
//  7. InfluxDB (flush), Redis
//  8. Database
func runServe(ctx context.Context, opts *rootOptions) error {
	log := logging.Default()
	log.Info("starting presence engine",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log = logging.New(cfg.Logging, version)
	defer log.Sync() //nolint:errcheck // stdout sync errors are not actionable
	log.Info("configuration loaded", "path", path, "level", cfg.Logging.Level)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "driver", cfg.Database.Driver)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	redisClient, err := connectRedis(ctx, cfg, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := redisClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
	}

	influxClient, err := connectInflux(ctx, cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	// The broker client is built now and connected last, once the
	// subscription has somewhere to deliver.
	mqttClient, err := mqtt.New(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("configuring MQTT: %w", err)
	}
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	fanout := buildFanout(cfg, mqttClient, redisClient, influxClient)
	fanout.SetLogger(log.With("component", "notify"))
	fanout.Start()
	defer func() {
		log.Info("draining notifications")
		fanout.Stop()
	}()
	log.Info("notification sinks configured", "sinks", fanout.Sinks())

	registry := reader.NewRegistry(reader.NewSQLRepository(db), cfg.Site.HospitalID)
	registry.SetLogger(log.With("component", "reader"))
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading reader registry: %w", refreshErr)
	}
	registry.StartRefresh(ctx, cfg.Presence.ReaderRefreshInterval)
	defer registry.Stop()
	log.Info("reader registry initialised", "readers", registry.CacheSize())

	suppressor, stopDedup := buildSuppressor(ctx, cfg, redisClient)
	defer stopDedup()

	devices := device.NewSQLRepository(db)
	store := audit.NewStore(db)

	scheduler := sweep.NewScheduler(devices, store, sweep.Config{
		Interval:   cfg.Presence.SweepInterval,
		Threshold:  cfg.Presence.MissingThreshold,
		RunOnStart: cfg.Presence.SweepOnStart,
	})
	scheduler.SetLogger(log.With("component", "sweep"))
	scheduler.SetNotifier(fanout)
	scheduler.Start(ctx)
	defer func() {
		log.Info("stopping missing sweep")
		scheduler.Stop()
	}()
	log.Info("missing sweep started",
		"interval", cfg.Presence.SweepInterval.String(),
		"threshold", cfg.Presence.MissingThreshold.String(),
	)

	processor := sighting.NewProcessor(registry, devices, store, sighting.Config{
		QueueSize:      cfg.Presence.QueueSize,
		EnqueueWait:    cfg.Presence.EnqueueWait,
		OpTimeout:      cfg.Database.OpTimeout,
		DedupPerReader: cfg.Presence.Dedup.PerReader,
	})
	processor.SetLogger(log.With("component", "sighting"))
	processor.SetNotifier(fanout)
	if suppressor != nil {
		processor.SetSuppressor(suppressor)
	}
	processor.Start(ctx)
	defer func() {
		log.Info("stopping sighting processor", "queued", processor.QueueDepth())
		processor.Stop()
	}()

	// A full queue blocks the paho router for up to enqueue_wait, which holds
	// back the broker. A delivery still refused stays unacked and is only
	// redelivered after the next reconnect; health reports it as degraded.
	if subErr := mqttClient.Subscribe(cfg.MQTT.Topic, byte(cfg.MQTT.QoS), func(msg *mqtt.Message) error {
		return processor.Enqueue(sighting.Delivery{
			Payload:    msg.Payload,
			ReceivedAt: msg.ReceivedAt,
			Ack:        msg.Ack,
		})
	}); subErr != nil {
		return fmt.Errorf("subscribing to %s: %w", cfg.MQTT.Topic, subErr)
	}
	mqttClient.Start(ctx)
	log.Info("MQTT connect loop started", "topic", cfg.MQTT.Topic, "qos", cfg.MQTT.QoS)

	reporter := health.NewReporter(health.Config{
		Version:     version,
		Interval:    cfg.Health.Interval,
		StatusTopic: cfg.MQTT.StatusTopic,
		Database:    db,
		Broker:      mqttClient,
		Processor:   processor,
		Sweep:       scheduler,
		Publisher:   mqttClient,
	})
	reporter.SetLogger(log.With("component", "health"))
	reporter.Start(ctx)
	defer reporter.Stop()

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			Location:  cfg.Location(),
			Logger:    log.With("component", "api"),
			Devices:   devices,
			Audit:     store,
			Database:  db,
			MQTT:      mqttClient,
			Processor: processor,
			Sweep:     scheduler,
			Health:    reporter,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, influxClient, redisClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

func connectRedis(ctx context.Context, cfg *config.Config, log *logging.Logger) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		log.Info("Redis disabled")
		return nil, nil
	}
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	log.Info("Redis connected", "addr", cfg.Redis.Addr)
	return client, nil
}

func connectInflux(ctx context.Context, cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// buildFanout attaches a sink for every configured destination.
func buildFanout(cfg *config.Config, mqttClient *mqtt.Client, redisClient *redis.Client, influxClient *influxdb.Client) *notify.Fanout {
	var sinks []notify.Sink
	if cfg.MQTT.EventsTopic != "" {
		sinks = append(sinks, notify.NewMQTTSink(mqttClient, cfg.MQTT.EventsTopic))
	}
	if redisClient != nil && cfg.Redis.AlertStream != "" {
		sinks = append(sinks, notify.NewRedisStreamSink(redisClient, cfg.Redis.AlertStream, cfg.Redis.StreamMaxLen))
	}
	if influxClient != nil {
		sinks = append(sinks, notify.NewInfluxSink(influxClient))
	}
	return notify.NewFanout(sinks...)
}

// buildSuppressor returns nil when duplicate suppression is disabled.
func buildSuppressor(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (dedup.Suppressor, func()) {
	dc := cfg.Presence.Dedup
	if !dc.Enabled {
		return nil, func() {}
	}
	if dc.Backend == config.DedupBackendRedis && redisClient != nil {
		return dedup.NewRedis(redisClient, dc.Window), func() {}
	}
	mem := dedup.NewMemory(dc.Window)
	mem.Start(ctx)
	return mem, mem.Stop
}

// healthCheck verifies the required store and any enabled optional
// backends. The broker is not required; its connect loop keeps retrying.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client, redisClient *redis.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
