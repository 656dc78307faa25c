package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austinmesh/bridger/internal/config"
	"github.com/austinmesh/bridger/internal/exhook"
	bridgerhttp "github.com/austinmesh/bridger/internal/http"
	"github.com/austinmesh/bridger/internal/influx"
	"github.com/austinmesh/bridger/internal/ingest"
	"github.com/austinmesh/bridger/internal/mesh"
	"github.com/austinmesh/bridger/internal/metrics"
	"github.com/austinmesh/bridger/internal/vnode"
)

func main() {
	app := &cli.App{
		Name:  "bridger",
		Usage: "Meshtastic to InfluxDB bridge and gateway control plane",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration YAML file",
				EnvVars: []string{"BRIDGER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "run the MQTT to InfluxDB packet pipeline",
				Action: runIngest,
			},
			{
				Name:   "exhook",
				Usage:  "run the broker publish-filter gRPC service",
				Action: runExhook,
			},
			{
				Name:   "virtual-node",
				Usage:  "run the virtual mesh node agent",
				Action: runVirtualNode,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Service.LogLevel = lvl
	}
	logger, err := initLogger(cfg.Service.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	metrics.Register()
	return cfg, logger, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}

func newProcessor(cfg *config.Config, logger *zap.Logger) (*mesh.Processor, error) {
	crypto, err := mesh.NewCryptoEngine(cfg.Mesh.Key)
	if err != nil {
		return nil, fmt.Errorf("initializing crypto: %w", err)
	}
	registry := mesh.NewRegistry(mesh.Options{
		StripText:   cfg.Mesh.StripText,
		ForceDecode: cfg.Mesh.ForceDecode,
	})
	return mesh.NewProcessor(crypto, registry, logger.Named("mesh")), nil
}

func runIngest(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting ingest",
		zap.String("broker", cfg.MQTT.URI()),
		zap.String("topic", cfg.MQTT.Topic),
		zap.String("influx_url", cfg.Influx.URL),
		zap.String("bucket", cfg.Influx.Bucket))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor, err := newProcessor(cfg, logger)
	if err != nil {
		return err
	}

	influxClient := influxdb2.NewClientWithOptions(cfg.Influx.URL, cfg.Influx.Token,
		influxdb2.DefaultOptions().SetPrecision(writePrecision(cfg.Influx.WritePrecision)))
	defer influxClient.Close()
	writer := influx.NewWriter(influxClient, cfg.Influx.Org, logger.Named("influx"),
		influx.WithBucket(cfg.Influx.Bucket))

	svc := ingest.NewService(cfg.MQTT, cfg.Mesh.DedupCapacity, processor, writer, logger.Named("ingest"))

	httpServer := bridgerhttp.NewServer(cfg.Service.HTTPListen, influxClient, svc, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}

	runErr := svc.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("ingest stopped")
	return runErr
}

func writePrecision(p string) time.Duration {
	switch p {
	case "ns":
		return time.Nanosecond
	case "us":
		return time.Microsecond
	case "ms":
		return time.Millisecond
	default:
		return time.Second
	}
}

func runExhook(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting exhook service",
		zap.String("addr", cfg.Exhook.Addr()),
		zap.Strings("allowed_users", cfg.Exhook.AllowedUsers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := exhook.NewService(cfg.Exhook.AllowedUsers, logger.Named("exhook"))
	srv := exhook.NewServer(cfg.Exhook.Addr(), svc, logger.Named("exhook"))
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down exhook service")
	srv.Stop()
	return nil
}

func runVirtualNode(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	identity := vnode.Identity{
		NodeID:    cfg.VirtualNode.NodeID,
		ShortName: cfg.VirtualNode.ShortName,
		LongName:  cfg.VirtualNode.LongName,
		HwModel:   cfg.VirtualNode.HwModel,
		Role:      cfg.VirtualNode.Role,
		Channel:   cfg.VirtualNode.Channel,
	}
	logger.Info("starting virtual node",
		zap.String("node", identity.HexID()),
		zap.String("short_name", identity.ShortName),
		zap.Int("broadcast_interval_hours", cfg.VirtualNode.BroadcastIntervalHours))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor, err := newProcessor(cfg, logger)
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.URI()).
		SetClientID(cfg.MQTT.ClientID + "-vnode").
		SetUsername(cfg.MQTT.User).
		SetPassword(cfg.MQTT.Pass).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(2 * time.Minute).
		SetResumeSubs(true)
	client := mqtt.NewClient(opts)
	if err := ingest.ConnectWithRetry(ctx, client, logger.Named("vnode")); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("virtual-node: %w", err)
	}
	defer client.Disconnect(250)

	interval := time.Duration(cfg.VirtualNode.BroadcastIntervalHours) * time.Hour
	agent := vnode.NewAgent(client, identity, cfg.MQTT.BaseTopic(), interval, processor, logger.Named("vnode"))
	return agent.Run(ctx)
}
