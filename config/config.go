package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/adamlounds/nightscout-uam/estimation"
	"github.com/adamlounds/nightscout-uam/models"
	"github.com/adamlounds/nightscout-uam/solvers"
	bucketstore "github.com/adamlounds/nightscout-uam/stores/bucket"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ServerConfig is the root config for a nightscout-uam server
type ServerConfig struct {
	APISecretHash string
	DefaultRole   string
	// AuthTokens maps "name-hash" tokens to role names
	AuthTokens map[string][]string
	// BucketConfig is optional; without it datasets and run meals are not stored.
	BucketConfig *bucketstore.BucketConfig
	SqlitePath   string
	Server       struct {
		Address string
	}
	OTelEndpoint string
	OTelInsecure bool
	LogLevel     slog.Level
	Estimator    estimation.Settings
}

// ParseLogLevel maps debug/info/warn/error to a level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	logLevel, ok := logLevels[strings.ToLower(s)]
	if !ok {
		return slog.LevelInfo
	}
	return logLevel
}

// RegisterEnv registers config from the environment, after loading a .env
// file if there is one.
func (c *ServerConfig) RegisterEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot load .env: %w", err)
	}

	c.Server.Address = os.Getenv("SERVER_ADDRESS")
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	// authn may be performed using a sha1 of API_SECRET
	if apiSecret := os.Getenv("API_SECRET"); apiSecret != "" {
		hasher := sha1.New()
		hasher.Write([]byte(apiSecret))
		c.APISecretHash = hex.EncodeToString(hasher.Sum(nil))
	}
	c.DefaultRole = os.Getenv("DEFAULT_ROLE")
	if c.DefaultRole == "" {
		c.DefaultRole = "denied"
	}
	if raw := os.Getenv("AUTH_TOKENS"); raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &c.AuthTokens); err != nil {
			return fmt.Errorf("cannot parse AUTH_TOKENS: %w", err)
		}
	}

	c.LogLevel = ParseLogLevel(os.Getenv("LOG_LEVEL"))

	// nb "yaml is a superset of json", so we can load json from env while
	// using the standard Thanos yaml code
	if raw := os.Getenv("BUCKET_CONFIG"); raw != "" {
		bucketConfig, err := bucketstore.ParseConfig([]byte(raw))
		if err != nil {
			return fmt.Errorf("cannot parse bucket config: %w", err)
		}
		c.BucketConfig = &bucketConfig
	}

	c.SqlitePath = os.Getenv("SQLITE_PATH")
	if c.SqlitePath == "" {
		c.SqlitePath = "nightscout-uam.db"
	}

	c.OTelEndpoint = os.Getenv("OTEL_ENDPOINT")
	c.OTelInsecure = os.Getenv("OTEL_INSECURE") == "true"

	estimator, err := EstimatorFromEnv(DefaultEstimator())
	if err != nil {
		return err
	}
	c.Estimator = estimator
	return nil
}

func DefaultEstimator() estimation.Settings {
	return estimation.Settings{
		Solver:          estimation.DefaultSolver,
		AbsorptionTime:  models.DefaultAbsorptionTime,
		InsulinDuration: models.DefaultInsulinDuration,
		InsulinPeak:     models.DefaultInsulinPeak,
		MaxGap:          estimation.DefaultMaxGap,
		MaxSnippet:      estimation.DefaultMaxSnippet,
		MinSnippet:      estimation.DefaultMinSnippet,
		Solvers:         solvers.DefaultOptions(),
	}
}

// EstimatorFromEnv overrides settings with UAM_SOLVER, UAM_ABSORPTION_TIME,
// UAM_INSULIN_DURATION and UAM_INSULIN_PEAK (minutes).
func EstimatorFromEnv(settings estimation.Settings) (estimation.Settings, error) {
	if s := os.Getenv("UAM_SOLVER"); s != "" {
		settings.Solver = s
	}
	minutes := []struct {
		env string
		dst *float64
	}{
		{"UAM_ABSORPTION_TIME", &settings.AbsorptionTime},
		{"UAM_INSULIN_DURATION", &settings.InsulinDuration},
		{"UAM_INSULIN_PEAK", &settings.InsulinPeak},
	}
	for _, m := range minutes {
		s := os.Getenv(m.env)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			return settings, fmt.Errorf("%s must be a positive number of minutes, got %q", m.env, s)
		}
		*m.dst = v
	}
	return settings, nil
}

// LoadEstimatorFile reads estimator settings from a yaml file. Keys missing
// from the file keep their defaults.
func LoadEstimatorFile(path string) (estimation.Settings, error) {
	settings := DefaultEstimator()
	b, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("cannot read estimator config: %w", err)
	}
	if err := yaml.UnmarshalStrict(b, &settings); err != nil {
		return settings, fmt.Errorf("cannot parse estimator config %s: %w", path, err)
	}
	return settings, nil
}
