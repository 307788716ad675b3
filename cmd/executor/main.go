package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/absmach/evofed"
	"github.com/absmach/evofed/executor"
	"github.com/absmach/evofed/pkg/mqtt"
	"github.com/absmach/evofed/pkg/participant"
	"github.com/absmach/evofed/pkg/sdk"
	"github.com/absmach/supermq/pkg/server"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	svcName = "executor"
	pathEnv = ".env"

	submitMQTT = "mqtt"
	submitHTTP = "http"
)

type envConfig struct {
	LogLevel         string        `env:"EVOFED_LOG_LEVEL"          envDefault:"info"`
	InstanceID       string        `env:"EVOFED_INSTANCE_ID"`
	ConfigFile       string        `env:"EVOFED_CONFIG_FILE"`
	Index            int           `env:"EVOFED_EXECUTOR_INDEX"     envDefault:"0"`
	Count            int           `env:"EVOFED_EXECUTOR_COUNT"     envDefault:"1"`
	Submit           string        `env:"EVOFED_EXECUTOR_SUBMIT"    envDefault:"mqtt"`
	CoordinatorURL   string        `env:"EVOFED_COORDINATOR_URL"    envDefault:"http://localhost:7070"`
	TLSVerification  bool          `env:"EVOFED_TLS_VERIFICATION"   envDefault:"false"`
	LivenessInterval time.Duration `env:"EVOFED_LIVENESS_INTERVAL"  envDefault:"10s"`
	MQTTAddress      string        `env:"EVOFED_MQTT_ADDRESS"       envDefault:"tcp://localhost:1883"`
	MQTTQoS          uint8         `env:"EVOFED_MQTT_QOS"           envDefault:"2"`
	MQTTTimeout      time.Duration `env:"EVOFED_MQTT_TIMEOUT"       envDefault:"30s"`
	MQTTUsername     string        `env:"EVOFED_MQTT_USERNAME"`
	MQTTPassword     string        `env:"EVOFED_MQTT_PASSWORD"`
	ChannelID        string        `env:"EVOFED_CHANNEL_ID"         envDefault:"evofed"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = fmt.Sprintf("%s-%s", namegenerator.NewGenerator().Generate(), uuid.NewString()[:8])
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler).With(slog.String("executor", cfg.InstanceID))
	slog.SetDefault(logger)

	expCfg := evofed.DefaultConfig()
	if cfg.ConfigFile != "" {
		c, err := evofed.LoadConfig(cfg.ConfigFile)
		if err != nil {
			logger.Error("failed to load experiment configuration", slog.String("error", err.Error()))

			return
		}
		expCfg = *c
	}

	profiles := participant.Generate(expCfg.Experiment.Seed, expCfg.Simulation.Clients, expCfg.Simulation.LocalSteps)
	if expCfg.Simulation.ProfilesPath != "" {
		var err error
		if profiles, err = participant.LoadProfiles(expCfg.Simulation.ProfilesPath); err != nil {
			logger.Error("failed to load client profiles", slog.String("error", err.Error()))

			return
		}
	}
	registry, err := participant.NewRegistry(profiles)
	if err != nil {
		logger.Error("failed to build client registry", slog.String("error", err.Error()))

		return
	}

	pubsub, err := mqtt.NewPubSub(mqtt.Config{
		URL:      cfg.MQTTAddress,
		QoS:      cfg.MQTTQoS,
		ID:       cfg.InstanceID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		Channel:  cfg.ChannelID,
		Role:     svcName,
		Timeout:  cfg.MQTTTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize mqtt pubsub", slog.String("error", err.Error()))

		return
	}
	defer func() {
		if err := pubsub.Disconnect(context.Background()); err != nil {
			logger.Error("failed to disconnect mqtt pubsub", slog.Any("error", err))
		}
	}()

	var submitter executor.Submitter
	switch cfg.Submit {
	case submitMQTT:
		submitter = executor.NewMQTTSubmitter(pubsub, cfg.ChannelID)
	case submitHTTP:
		submitter = executor.NewHTTPSubmitter(sdk.NewSDK(sdk.Config{
			CoordinatorURL:  cfg.CoordinatorURL,
			TLSVerification: cfg.TLSVerification,
		}))
	default:
		logger.Error(fmt.Sprintf("unsupported submit transport %q", cfg.Submit))

		return
	}

	pool, err := executor.NewPool(executor.Config{
		ID:          cfg.InstanceID,
		Index:       cfg.Index,
		Count:       cfg.Count,
		Concurrency: expCfg.Simulation.Concurrency,
		DropRate:    expCfg.Simulation.DropRate,
		Seed:        expCfg.Experiment.Seed,
	}, executor.NewSimulatedTrainer(expCfg.Experiment.Seed), registry, submitter, logger)
	if err != nil {
		logger.Error("failed to create executor pool", slog.String("error", err.Error()))

		return
	}
	defer pool.Close()

	if err := executor.Subscribe(ctx, cfg.ChannelID, pubsub, pool, logger); err != nil {
		logger.Error("failed to subscribe to coordinator topics", slog.String("error", err.Error()))

		return
	}

	g.Go(func() error {
		executor.Heartbeat(ctx, cfg.ChannelID, cfg.InstanceID, cfg.LivenessInterval, pubsub, logger)

		return nil
	})

	g.Go(func() error {
		select {
		case <-pool.Done():
			logger.Info("Coordinator shut the experiment down")
			cancel()
		case <-ctx.Done():
		}

		return nil
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}
}
