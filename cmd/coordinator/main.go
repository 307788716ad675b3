package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/absmach/evofed"
	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/coordinator/api"
	"github.com/absmach/evofed/coordinator/middleware"
	"github.com/absmach/evofed/executor"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/mqtt"
	"github.com/absmach/evofed/pkg/participant"
	"github.com/absmach/evofed/pkg/scheduler"
	"github.com/absmach/evofed/pkg/storage"
	"github.com/absmach/supermq/pkg/jaeger"
	"github.com/absmach/supermq/pkg/prometheus"
	"github.com/absmach/supermq/pkg/server"
	httpserver "github.com/absmach/supermq/pkg/server/http"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	svcName       = "coordinator"
	defHTTPPort   = "7070"
	envPrefixHTTP = "EVOFED_HTTP_"
	pathEnv       = ".env"

	storageMemory = "memory"
	storageBadger = "badger"
)

type envConfig struct {
	LogLevel     string        `env:"EVOFED_LOG_LEVEL"     envDefault:"info"`
	InstanceID   string        `env:"EVOFED_INSTANCE_ID"`
	ConfigFile   string        `env:"EVOFED_CONFIG_FILE"`
	Storage      string        `env:"EVOFED_STORAGE"       envDefault:"memory"`
	DataDir      string        `env:"EVOFED_DATA_DIR"      envDefault:"./data"`
	MQTTAddress  string        `env:"EVOFED_MQTT_ADDRESS"`
	MQTTQoS      uint8         `env:"EVOFED_MQTT_QOS"      envDefault:"2"`
	MQTTTimeout  time.Duration `env:"EVOFED_MQTT_TIMEOUT"  envDefault:"30s"`
	MQTTUsername string        `env:"EVOFED_MQTT_USERNAME"`
	MQTTPassword string        `env:"EVOFED_MQTT_PASSWORD"`
	ChannelID    string        `env:"EVOFED_CHANNEL_ID"    envDefault:"evofed"`
	OTELURL      url.URL       `env:"EVOFED_OTEL_URL"`
	TraceRatio   float64       `env:"EVOFED_TRACE_RATIO"   envDefault:"0"`
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
		cfg.InstanceID = uuid.NewString()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	expCfg, err := loadExperiment(cfg.ConfigFile)
	if err != nil {
		logger.Error("failed to load experiment configuration", slog.String("error", err.Error()))

		return
	}

	var tp trace.TracerProvider
	switch {
	case cfg.OTELURL == (url.URL{}):
		tp = noop.NewTracerProvider()
	default:
		sdktp, err := jaeger.NewProvider(ctx, svcName, cfg.OTELURL, cfg.InstanceID, cfg.TraceRatio)
		if err != nil {
			logger.Error("failed to initialize opentelemetry", slog.String("error", err.Error()))

			return
		}
		defer func() {
			if err := sdktp.Shutdown(ctx); err != nil {
				logger.Error("error shutting down tracer provider", slog.Any("error", err))
			}
		}()
		tp = sdktp
	}
	tracer := tp.Tracer(svcName)

	stores, err := newStores(cfg)
	if err != nil {
		logger.Error("failed to initialize storage", slog.String("error", err.Error()))

		return
	}
	defer stores.close(logger)

	profiles := participant.Generate(expCfg.Experiment.Seed, expCfg.Simulation.Clients, expCfg.Simulation.LocalSteps)
	if expCfg.Simulation.ProfilesPath != "" {
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

	var (
		pools       coordinator.Broadcasters
		broadcaster coordinator.Broadcaster = &pools
		pubsub      mqtt.PubSub
	)
	if cfg.MQTTAddress != "" {
		pubsub, err = mqtt.NewPubSub(mqtt.Config{
			URL:      cfg.MQTTAddress,
			QoS:      cfg.MQTTQoS,
			ID:       cfg.InstanceID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
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
		broadcaster = coordinator.NewMQTTBroadcaster(pubsub, cfg.ChannelID)
	}

	components, err := newComponents(expCfg, registry, stores)
	if err != nil {
		logger.Error("failed to initialize coordinator components", slog.String("error", err.Error()))

		return
	}
	components.Broadcaster = broadcaster

	svc, err := coordinator.NewService(serviceConfig(expCfg), components, logger)
	if err != nil {
		logger.Error("failed to create coordinator", slog.String("error", err.Error()))

		return
	}
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := prometheus.MakeMetrics(svcName, "api")
	svc = middleware.Metrics(counter, latency, svc)

	if pubsub != nil {
		if err := coordinator.Subscribe(ctx, cfg.ChannelID, pubsub, svc, logger); err != nil {
			logger.Error("failed to subscribe to executor topics", slog.String("error", err.Error()))

			return
		}
	} else {
		for i := range expCfg.Simulation.Executors {
			pool, err := executor.NewPool(executor.Config{
				ID:          fmt.Sprintf("%s-executor-%d", cfg.InstanceID, i),
				Index:       i,
				Count:       expCfg.Simulation.Executors,
				Concurrency: expCfg.Simulation.Concurrency,
				DropRate:    expCfg.Simulation.DropRate,
				Seed:        expCfg.Experiment.Seed,
			}, executor.NewSimulatedTrainer(expCfg.Experiment.Seed), registry, executor.NewServiceSubmitter(svc), logger)
			if err != nil {
				logger.Error("failed to create executor pool", slog.String("error", err.Error()))

				return
			}
			defer pool.Close()
			pools = append(pools, pool)
		}
	}

	httpServerConfig := server.Config{Port: defHTTPPort}
	if err := env.ParseWithOptions(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err.Error()))

		return
	}

	hs := httpserver.NewServer(ctx, cancel, svcName, httpServerConfig, api.MakeHandler(svc, logger, cfg.InstanceID), logger)

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	g.Go(func() error {
		err := svc.Run(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		logger.Info("Experiment finished", slog.String("name", expCfg.Experiment.Name))
		cancel()

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}
}

func loadExperiment(path string) (evofed.Config, error) {
	if path == "" {
		cfg := evofed.DefaultConfig()

		return cfg, cfg.Validate()
	}
	cfg, err := evofed.LoadConfig(path)
	if err != nil {
		return evofed.Config{}, err
	}

	return *cfg, nil
}

func serviceConfig(cfg evofed.Config) coordinator.Config {
	timeout := time.Duration(cfg.Experiment.RoundTimeoutS) * time.Second

	return coordinator.Config{
		Rounds:          cfg.Experiment.Rounds,
		EvalInterval:    cfg.Experiment.EvalInterval,
		NumParticipants: cfg.Selection.NumParticipants,
		Overcommitment:  cfg.Selection.Overcommitment,
		LayerAlpha:      cfg.Transform.LayerAlpha,
		MaxVariants:     cfg.Transform.MaxVariants,
		RoundTimeout:    timeout,
		EvalTimeout:     timeout,
		Testers:         cfg.Simulation.Executors,
	}
}

func newComponents(cfg evofed.Config, registry *participant.Registry, st storeSet) (coordinator.Components, error) {
	initial, err := cfg.Model.InitialWeights(cfg.Experiment.Seed)
	if err != nil {
		return coordinator.Components{}, err
	}
	population, err := fl.NewPopulation(initial)
	if err != nil {
		return coordinator.Components{}, err
	}
	aggregator, err := fl.NewAggregator(cfg.Experiment.AggregateMode)
	if err != nil {
		return coordinator.Components{}, err
	}
	convergence, err := fl.NewConvergenceTest(cfg.Transform.Criterion, cfg.Transform.ConvergeM, cfg.Transform.ConvergeN, cfg.Transform.ConvergeC)
	if err != nil {
		return coordinator.Components{}, err
	}
	assigner, err := scheduler.NewAssigner(cfg.Experiment.ModelAssignment)
	if err != nil {
		return coordinator.Components{}, err
	}
	checkpoints, err := fl.NewCheckpointer(cfg.Experiment.CheckpointDir)
	if err != nil {
		return coordinator.Components{}, err
	}

	var scaler fl.ModelScaler = fl.NewWidenScaler()
	if cfg.Transform.Scaler == evofed.ScalerWasm {
		if scaler, err = fl.NewWasmScaler(cfg.Transform.WasmPath); err != nil {
			return coordinator.Components{}, err
		}
	}

	return coordinator.Components{
		Population:  population,
		Aggregator:  aggregator,
		Convergence: convergence,
		Scaler:      scaler,
		Planner:     scheduler.NewStraggler(registry, registry, registry),
		Assigner:    assigner,
		Selector:    participant.NewSelector(registry, st.feedback, cfg.Experiment.Seed, cfg.Selection.Exploration),
		Rounds:      st.rounds,
		Evaluations: st.evaluations,
		Checkpoints: checkpoints,
	}, nil
}

type storeSet struct {
	feedback    storage.Storage
	rounds      storage.Storage
	evaluations storage.Storage
}

func newStores(cfg envConfig) (storeSet, error) {
	switch cfg.Storage {
	case storageMemory:
		return storeSet{
			feedback:    storage.NewInMemoryStorage(),
			rounds:      storage.NewInMemoryStorage(),
			evaluations: storage.NewInMemoryStorage(),
		}, nil
	case storageBadger:
		var s storeSet
		var err error
		if s.feedback, err = storage.NewBadgerStorage(filepath.Join(cfg.DataDir, "feedback"), participant.Record{}); err != nil {
			return storeSet{}, err
		}
		if s.rounds, err = storage.NewBadgerStorage(filepath.Join(cfg.DataDir, "rounds"), coordinator.RoundSummary{}); err != nil {
			_ = s.feedback.Close()

			return storeSet{}, err
		}
		if s.evaluations, err = storage.NewBadgerStorage(filepath.Join(cfg.DataDir, "evaluations"), coordinator.Evaluation{}); err != nil {
			_ = s.feedback.Close()
			_ = s.rounds.Close()

			return storeSet{}, err
		}

		return s, nil
	default:
		return storeSet{}, fmt.Errorf("unsupported storage %q", cfg.Storage)
	}
}

func (s storeSet) close(logger *slog.Logger) {
	for _, st := range []storage.Storage{s.feedback, s.rounds, s.evaluations} {
		if err := st.Close(); err != nil {
			logger.Error("failed to close storage", slog.Any("error", err))
		}
	}
}
