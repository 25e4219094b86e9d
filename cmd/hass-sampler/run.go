package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaflik/hass-sampler/hass"
	"github.com/jkaflik/hass-sampler/internal/api"
	"github.com/jkaflik/hass-sampler/internal/config"
	"github.com/jkaflik/hass-sampler/internal/database"
	"github.com/jkaflik/hass-sampler/internal/discovery"
	"github.com/jkaflik/hass-sampler/internal/entry"
	"github.com/jkaflik/hass-sampler/internal/logging"
	"github.com/jkaflik/hass-sampler/internal/metrics"
	"github.com/jkaflik/hass-sampler/internal/mqtt"
	"github.com/jkaflik/hass-sampler/internal/recorder"
	"github.com/jkaflik/hass-sampler/internal/restore"
	"github.com/jkaflik/hass-sampler/internal/sampler"
	"github.com/jkaflik/hass-sampler/pkg/clickhouse"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sampler service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logging.Setup(cfg.Logging, version)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := run(ctx, cfg); err != nil {
			log.Err(err).Msg("Sampler stopped with an error")
			return err
		}

		log.Info().Msg("Shutdown complete")
		return nil
	},
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	client := hass.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token,
		hass.WithReconnectConfig(
			cfg.HomeAssistant.Reconnect.InitialInterval,
			cfg.HomeAssistant.Reconnect.MaxInterval,
			cfg.HomeAssistant.Reconnect.Multiplier,
		),
		hass.WithResultTimeout(cfg.HomeAssistant.ResultTimeout),
	)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.WaitAuthenticated(ctx); err != nil {
		return fmt.Errorf("failed to authenticate with Home Assistant: %w", err)
	}

	states := hass.NewStates()
	registry := hass.NewRegistry(client)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return err
	}
	defer mqttClient.Close()

	disc := discovery.New(mqttClient, discovery.Config{
		Prefix:  cfg.MQTT.DiscoveryPrefix,
		NodeID:  cfg.MQTT.NodeID,
		Version: version,
	})
	mqttClient.OnConnect(func() {
		if err := disc.Republish(context.Background()); err != nil {
			log.Err(err).Msg("Failed to republish sensors after MQTT reconnect")
		}
	})
	if err := mqttClient.Subscribe(disc.BirthTopic(), byte(cfg.MQTT.QoS), disc.HandleBirth); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sinks := sampler.MultiSink{disc}

	if cfg.Recorder.ClickHouse.Enabled {
		ch, err := newClickHouseRecorder(ctx, cfg.Recorder.ClickHouse)
		if err != nil {
			return err
		}
		sinks = append(sinks, ch)

		g.Go(func() error {
			if err := ch.Run(gctx); err != nil {
				log.Err(err).Msg("ClickHouse recorder stopped")
			}
			return nil
		})
	}

	if cfg.Recorder.InfluxDB.Enabled {
		influx, err := recorder.ConnectInfluxDB(ctx, cfg.Recorder.InfluxDB)
		if err != nil {
			return err
		}
		defer influx.Close()
		sinks = append(sinks, influx)
	}

	repo := entry.NewSQLiteRepository(db.DB)
	manager := sampler.NewManager(repo, registry, states, restore.NewSQLiteStore(db.DB), sinks)

	flow := entry.NewFlow(repo, registry, states)
	flow.OnChange(manager.HandleChange)

	health := func(ctx context.Context) error {
		hassCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		return errors.Join(
			db.HealthCheck(ctx),
			mqttClient.HealthCheck(ctx),
			client.WaitAuthenticated(hassCtx),
		)
	}

	apiServer, err := api.New(api.Deps{
		Listen:  cfg.API.Listen,
		Entries: flow,
		States:  manager,
		Health:  health,
		Version: version,
	})
	if err != nil {
		return err
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, health)
		g.Go(metricsServer.Start)
	}

	g.Go(apiServer.Start)

	g.Go(func() error {
		return states.Sync(gctx, client)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-states.Loaded():
		}
		return manager.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		manager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		errs := []error{apiServer.Shutdown(shutdownCtx)}
		if metricsServer != nil {
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newClickHouseRecorder(ctx context.Context, cfg config.ClickHouseConfig) (*recorder.ClickHouse, error) {
	client, err := clickhouse.NewClient(cfg.URL, cfg.Username, cfg.Password, clickhouse.WithDatabase(cfg.Database))
	if err != nil {
		return nil, err
	}

	ch := recorder.NewClickHouse(client, recorder.ClickHouseConfig{
		Database:  cfg.Database,
		Table:     cfg.Table,
		BatchSize: cfg.BatchSize,
		BatchWait: cfg.BatchWait,
	})
	if err := ch.CreateSchema(ctx); err != nil {
		return nil, err
	}

	return ch, nil
}
