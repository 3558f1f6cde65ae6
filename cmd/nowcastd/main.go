// Command nowcastd serves radar nowcasts over HTTP and, when enabled, from a
// Kafka topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfluke/nowcast/dgmr"
	"github.com/openfluke/nowcast/gpu"
	"github.com/openfluke/nowcast/internal/api"
	"github.com/openfluke/nowcast/internal/config"
	"github.com/openfluke/nowcast/internal/inference"
	"github.com/openfluke/nowcast/internal/logging"
	"github.com/openfluke/nowcast/internal/metrics"
	"github.com/openfluke/nowcast/internal/store"
	"github.com/openfluke/nowcast/internal/stream"
	"github.com/openfluke/nowcast/internal/supervisor"
	"github.com/openfluke/nowcast/nn"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.Fatal().Err(err).Msg("nowcastd failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.Logging)

	if cfg.GPU.Enabled {
		gpu.PreferredVendor = cfg.GPU.Vendor
		backend, err := gpu.NewBackend()
		if err != nil {
			logging.Warn().Err(err).Msg("gpu unavailable, using cpu convolutions")
		} else {
			defer backend.Close()
			nn.SetConvBackend(backend)
			if rep, err := gpu.Probe(); err == nil {
				logging.Info().Str("adapter", rep.Name).Str("backend", rep.Backend).Str("driver", rep.Driver).
					Uint64("max_buffer_size", rep.Limits.MaxBufferSize).Msg("gpu ready")
			}
		}
	}
	logging.Info().Str("backend", nn.CurrentConvBackend().Name()).Msg("convolution backend selected")

	models, err := store.Open(store.Options{Dir: cfg.Store.Path, InMemory: cfg.Store.InMemory})
	if err != nil {
		return err
	}
	defer models.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen, err := loadModel(ctx, cfg.Model, models)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	engine := inference.NewEngine(cfg.Model.ID, gen, inference.Options{
		MaxConcurrent: cfg.Inference.MaxConcurrent,
		MaxMembers:    cfg.Inference.MaxMembers,
		Timeout:       cfg.Inference.Timeout,
		Metrics:       m,
	})

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	srv := api.NewServer(cfg.Server, engine, models, m)
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	if cfg.Kafka.Enabled {
		worker := stream.NewKafkaWorker(cfg.Kafka, engine, m)
		defer func() {
			if err := worker.Close(); err != nil {
				logging.Err(err).Msg("kafka close error")
			}
		}()
		tree.AddStreamService(worker)
		logging.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.SourceTopic).Msg("stream worker enabled")
	}

	err = tree.Serve(ctx)
	logging.Info().Msg("shutdown complete")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// loadModel resolves the served generator: an explicit bundle file wins,
// then the store, and otherwise a freshly initialised generator is stored.
func loadModel(ctx context.Context, cfg config.ModelConfig, models *store.Store) (*dgmr.Generator, error) {
	if cfg.BundlePath != "" {
		gen, err := dgmr.LoadModel(cfg.BundlePath, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("load bundle %s: %w", cfg.BundlePath, err)
		}
		if _, err := models.Put(ctx, cfg.ID, gen); err != nil {
			return nil, err
		}
		logging.Info().Str("model_id", cfg.ID).Str("path", cfg.BundlePath).Msg("model loaded from bundle")
		return gen, nil
	}

	gen, err := models.Get(ctx, cfg.ID)
	switch {
	case err == nil:
		logging.Info().Str("model_id", cfg.ID).Msg("model loaded from store")
		return gen, nil
	case !errors.Is(err, store.ErrModelNotFound):
		return nil, err
	}

	gen, err = dgmr.NewGenerator(cfg.Generator, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if _, err := models.Put(ctx, cfg.ID, gen); err != nil {
		return nil, err
	}
	logging.Warn().Str("model_id", cfg.ID).Int64("seed", cfg.Seed).
		Msg("no trained weights found, serving a freshly initialised generator")
	return gen, nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: nowcastd [-config path]\n\nEnvironment overrides use the %s prefix.\n", config.EnvPrefix)
		flag.PrintDefaults()
	}
}
