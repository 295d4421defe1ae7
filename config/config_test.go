package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/models"
	bucketstore "github.com/adamlounds/nightscout-uam/stores/bucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterEnv(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", "127.0.0.1:1337")
	t.Setenv("API_SECRET", "secretsecret")
	t.Setenv("DEFAULT_ROLE", "readable")
	t.Setenv("AUTH_TOKENS", `{"uam-0123456789abcdef": ["meals-estimator"], "view-fedcba9876543210": ["readable"]}`)
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("BUCKET_CONFIG", `{"type": "filesystem", "config": {"directory": "/tmp/uam"}}`)
	t.Setenv("SQLITE_PATH", "/tmp/uam.db")
	t.Setenv("OTEL_ENDPOINT", "localhost:4318")
	t.Setenv("UAM_SOLVER", "lm")
	t.Setenv("UAM_INSULIN_PEAK", "65")

	var cfg ServerConfig
	require.NoError(t, cfg.RegisterEnv())

	assert.Equal(t, "127.0.0.1:1337", cfg.Server.Address)
	assert.Equal(t, "e579c4fea528a36862a0a5352587a30d58da532f", cfg.APISecretHash)
	assert.Equal(t, "readable", cfg.DefaultRole)
	assert.Equal(t, []string{"meals-estimator"}, cfg.AuthTokens["uam-0123456789abcdef"])
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.NotNil(t, cfg.BucketConfig)
	assert.Equal(t, bucketstore.ProviderFilesystem, cfg.BucketConfig.Type)
	assert.Equal(t, "/tmp/uam.db", cfg.SqlitePath)
	assert.Equal(t, "localhost:4318", cfg.OTelEndpoint)
	assert.Equal(t, "lm", cfg.Estimator.Solver)
	assert.Equal(t, 65.0, cfg.Estimator.InsulinPeak)
	assert.Equal(t, float64(models.DefaultAbsorptionTime), cfg.Estimator.AbsorptionTime)
}

func TestRegisterEnvDefaults(t *testing.T) {
	for _, env := range []string{"SERVER_ADDRESS", "API_SECRET", "DEFAULT_ROLE", "AUTH_TOKENS", "LOG_LEVEL",
		"BUCKET_CONFIG", "SQLITE_PATH", "OTEL_ENDPOINT", "UAM_SOLVER", "UAM_ABSORPTION_TIME",
		"UAM_INSULIN_DURATION", "UAM_INSULIN_PEAK"} {
		t.Setenv(env, "")
	}

	var cfg ServerConfig
	require.NoError(t, cfg.RegisterEnv())

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Empty(t, cfg.APISecretHash)
	assert.Equal(t, "denied", cfg.DefaultRole)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Nil(t, cfg.BucketConfig)
	assert.Equal(t, DefaultEstimator(), cfg.Estimator)
}

func TestRegisterEnvErrors(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
	}{
		{name: "bad bucket config", env: "BUCKET_CONFIG", value: `{"type": [}`},
		{name: "bad auth tokens", env: "AUTH_TOKENS", value: `[1, 2`},
		{name: "negative absorption", env: "UAM_ABSORPTION_TIME", value: "-10"},
		{name: "non-numeric duration", env: "UAM_INSULIN_DURATION", value: "6h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			var cfg ServerConfig
			assert.Error(t, cfg.RegisterEnv())
		})
	}
}

func TestLoadEstimatorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estimator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
solver: parabola
absorptionTime: 150
maxGap: 20m
maxSnippet: 12h
solvers:
  minCarbs: 5
  gridStep: 10m
`), 0o600))

	settings, err := LoadEstimatorFile(path)

	require.NoError(t, err)
	assert.Equal(t, "parabola", settings.Solver)
	assert.Equal(t, 150.0, settings.AbsorptionTime)
	assert.Equal(t, float64(models.DefaultInsulinDuration), settings.InsulinDuration)
	assert.Equal(t, 20*time.Minute, settings.MaxGap)
	assert.Equal(t, 12*time.Hour, settings.MaxSnippet)
	assert.Equal(t, estimation.DefaultMinSnippet, settings.MinSnippet)
	assert.Equal(t, 5.0, settings.Solvers.MinCarbs)
	assert.Equal(t, 10*time.Minute, settings.Solvers.GridStep)
	assert.Equal(t, 500, settings.Solvers.MaxIterations)
}

func TestLoadEstimatorFileErrors(t *testing.T) {
	_, err := LoadEstimatorFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "cannot read estimator config")

	path := filepath.Join(t.TempDir(), "estimator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("solvr: lm\n"), 0o600))
	_, err = LoadEstimatorFile(path)
	assert.ErrorContains(t, err, "cannot parse estimator config")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("Error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("verbose"))
}
