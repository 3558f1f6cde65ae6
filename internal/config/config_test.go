package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/nowcast/dgmr"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, dgmr.DefaultGeneratorConfig(), cfg.Model.Generator)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9000"
  read_timeout: 10s
model:
  id: radar-small
  generator:
    sampler:
      forecast_steps: 6
      latent_channels: 64
      context_channels: 16
      output_channels: 1
      variant: standard
    frame_height: 64
    frame_width: 64
    context_steps: 2
    noise_channels: 2
kafka:
  enabled: true
  brokers: ["k1:9092"]
`)
	t.Setenv("NOWCAST_SERVER__ADDR", ":9100")
	t.Setenv("NOWCAST_KAFKA__BROKERS", "a:9092,b:9092")
	t.Setenv("NOWCAST_INFERENCE__MAX_CONCURRENT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr, "env beats file")
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "radar-small", cfg.Model.ID)
	assert.Equal(t, 6, cfg.Model.Generator.Sampler.ForecastSteps)
	assert.Equal(t, dgmr.VariantStandard, cfg.Model.Generator.Sampler.Variant)
	assert.Equal(t, 64, cfg.Model.Generator.FrameHeight)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Inference.MaxConcurrent)
	assert.Equal(t, "radar-frames", cfg.Kafka.SourceTopic, "untouched defaults survive")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad level":     "logging:\n  level: loud\n",
		"bad generator": "model:\n  generator:\n    frame_height: 100\n",
		"no workers":    "inference:\n  max_concurrent: 0\n",
		"bad variant":   "model:\n  generator:\n    sampler:\n      variant: huge\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestKafkaRequiresBrokersWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Kafka.Enabled = true
	assert.Error(t, cfg.Validate())
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	assert.NoError(t, cfg.Validate())
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "kafka.source_topic", envTransform("NOWCAST_KAFKA__SOURCE_TOPIC"))
	assert.Equal(t, "model.generator.sampler.forecast_steps", envTransform("NOWCAST_MODEL__GENERATOR__SAMPLER__FORECAST_STEPS"))
}
