// Package config loads the service configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the service configuration, populated from environment
// variables.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Estimation struct {
		// MaxIterations is the default iteration budget per calibration.
		MaxIterations int `env:"EST_MAX_ITERATIONS" envDefault:"50"`
		// Tolerance is the default relative residual-decrease tolerance.
		Tolerance float64 `env:"EST_TOLERANCE" envDefault:"1e-8"`
		// ResidualTolerance is the default absolute residual tolerance.
		ResidualTolerance float64 `env:"EST_RESIDUAL_TOLERANCE" envDefault:"1e-10"`
		// Differencing selects the default Jacobian scheme: forward,
		// pure-forward or central.
		Differencing string `env:"EST_DIFFERENCING" envDefault:"forward"`
		// WorkerCount bounds the evaluator's parallel model runs.
		WorkerCount int `env:"EST_WORKER_COUNT" envDefault:"8"`
	}
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Development runs default to verbose logging unless overridden.
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}
