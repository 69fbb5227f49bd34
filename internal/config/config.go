// Package config loads run configuration in defaults -> YAML file ->
// environment order and validates the result before anything runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/rules"
	"market-analog-lab/internal/sim"
)

// EnvPrefix scopes the environment overrides, e.g. ANALOG_ASSET.
const EnvPrefix = "ANALOG_"

// Config is the root document binding every tunable of a run.
type Config struct {
	Asset     string        `yaml:"asset"`
	Horizons  []int         `yaml:"horizons"`
	Estimator analog.Config `yaml:"estimator"`
	Rules     rules.Ruleset `yaml:"rules"`
	Sim       sim.Config    `yaml:"sim"`
	Storage   Storage       `yaml:"storage"`
	Ingest    Ingest        `yaml:"ingest"`
	Logging   Logging       `yaml:"logging"`
}

// Storage selects backends. Empty DSNs (or use_memory) run everything on
// the in-memory stores.
type Storage struct {
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	UseMemory     bool   `yaml:"use_memory"`
}

// Ingest tunes the market-data fetcher and the live quote stream.
type Ingest struct {
	Sources           []string `yaml:"sources"` // URL templates tried in order
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	TimeoutSeconds    int      `yaml:"timeout_seconds"`
	QuoteWSURL        string   `yaml:"quote_ws_url"`
}

// Logging tunes zerolog output.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a runnable memory-backed configuration.
func Default() Config {
	return Config{
		Asset:    "SPY",
		Horizons: append([]int(nil), features.DefaultHorizons...),
		Estimator: analog.Config{
			Horizon:   5,
			K:         120,
			Weighting: analog.WeightingInverseDistance,
		},
		Rules: rules.DefaultRuleset(),
		Sim:   sim.DefaultConfig(),
		Storage: Storage{
			UseMemory: true,
		},
		Ingest: Ingest{
			RequestsPerSecond: 2,
			TimeoutSeconds:    15,
		},
		Logging: Logging{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load reads the first existing path (or the conventional locations when
// none are given), overlays it on the defaults, applies environment
// overrides and validates.
func Load(paths ...string) (*Config, error) {
	c := Default()

	if len(paths) == 0 {
		paths = []string{"./configs/analog.yaml", "./analog.yaml", "./config.yaml"}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	c.applyEnv(EnvPrefix)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the document bounds and delegates to the component
// validators. Called by Load, exported for callers that assemble a Config
// by hand.
func (c *Config) Validate() error {
	if c.Asset == "" {
		return fmt.Errorf("asset must not be empty")
	}
	for _, h := range c.Horizons {
		if h <= 0 {
			return fmt.Errorf("horizons must be positive, got %d", h)
		}
	}
	if c.Estimator.Horizon < 0 || c.Estimator.K < 0 || c.Estimator.Threshold < 0 {
		return fmt.Errorf("estimator parameters must not be negative")
	}
	switch c.Estimator.Weighting {
	case "", analog.WeightingInverseDistance, analog.WeightingSoftmax:
	default:
		return fmt.Errorf("unknown estimator weighting %q", c.Estimator.Weighting)
	}
	if err := c.Rules.Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if err := c.Sim.Validate(); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	if c.Ingest.RequestsPerSecond < 0 {
		return fmt.Errorf("ingest.requests_per_second must not be negative")
	}
	if c.Ingest.TimeoutSeconds < 0 {
		return fmt.Errorf("ingest.timeout_seconds must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "error":
		if c.Logging.Level == "" {
			c.Logging.Level = "info"
		}
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// applyEnv overrides fields from prefixed environment variables. Unset or
// malformed values keep what the file set.
func (c *Config) applyEnv(prefix string) {
	c.Asset = pickStr(os.Getenv(prefix+"ASSET"), c.Asset)

	c.Estimator.Horizon = pickInt(os.Getenv(prefix+"HORIZON"), c.Estimator.Horizon)
	c.Estimator.K = pickInt(os.Getenv(prefix+"K"), c.Estimator.K)
	c.Estimator.Threshold = pickFloat(os.Getenv(prefix+"THRESHOLD"), c.Estimator.Threshold)
	c.Estimator.Weighting = pickStr(os.Getenv(prefix+"WEIGHTING"), c.Estimator.Weighting)
	c.Estimator.Tau = pickFloat(os.Getenv(prefix+"TAU"), c.Estimator.Tau)

	c.Rules.EntryThreshold = pickFloat(os.Getenv(prefix+"ENTRY_THRESHOLD"), c.Rules.EntryThreshold)
	c.Rules.ExitThreshold = pickFloat(os.Getenv(prefix+"EXIT_THRESHOLD"), c.Rules.ExitThreshold)

	c.Sim.InitialEquity = pickFloat(os.Getenv(prefix+"INITIAL_EQUITY"), c.Sim.InitialEquity)
	c.Sim.FeeBps = pickFloat(os.Getenv(prefix+"FEE_BPS"), c.Sim.FeeBps)
	c.Sim.SlippageBps = pickFloat(os.Getenv(prefix+"SLIPPAGE_BPS"), c.Sim.SlippageBps)

	c.Storage.ClickHouseDSN = pickStr(os.Getenv(prefix+"CLICKHOUSE_DSN"), c.Storage.ClickHouseDSN)
	c.Storage.PostgresDSN = pickStr(os.Getenv(prefix+"POSTGRES_DSN"), c.Storage.PostgresDSN)
	c.Storage.UseMemory = pickBool(os.Getenv(prefix+"USE_MEMORY"), c.Storage.UseMemory)

	c.Logging.Level = pickStr(os.Getenv(prefix+"LOG_LEVEL"), c.Logging.Level)
	c.Logging.Pretty = pickBool(os.Getenv(prefix+"LOG_PRETTY"), c.Logging.Pretty)
}

func pickStr(env, cur string) string {
	if strings.TrimSpace(env) != "" {
		return strings.TrimSpace(env)
	}
	return cur
}

func pickInt(env string, cur int) int {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	if v, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
		return v
	}
	return cur
}

func pickFloat(env string, cur float64) float64 {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
		return v
	}
	return cur
}

func pickBool(env string, cur bool) bool {
	if strings.TrimSpace(env) == "" {
		return cur
	}
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
