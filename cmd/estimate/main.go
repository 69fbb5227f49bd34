package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-analog-lab/internal/analog"
	"market-analog-lab/internal/config"
	"market-analog-lab/internal/cot"
	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/features"
	"market-analog-lab/internal/ingest"
	"market-analog-lab/internal/rules"
)

// Analysis is the JSON document printed for one trading day.
type Analysis struct {
	Asset    string
	Date     string
	Index    int
	Bars     int
	Estimate *domain.AnalysisResult // nil when the analog pool was too thin
	Decision domain.Decision
}

func main() {
	// Parse flags
	configPath := flag.String("config", "", "YAML config path (defaults and env overrides apply when empty)")
	barsPath := flag.String("bars", "", "Daily bars file, CSV or JSON (required)")
	asset := flag.String("asset", "", "Asset symbol (overrides config)")
	date := flag.String("date", "", "Evaluate this ISO date instead of the latest bar")

	// Positioning overlay
	cotPath := flag.String("cot", "", "Weekly positioning file, CSV or JSON")
	cotMarket := flag.String("cot-market", "", "Positioning market name (enables the bias overlay)")
	cotLookback := flag.Int("cot-lookback-weeks", 0, "Positioning percentile window in weeks (0 = ~3 years)")

	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *asset != "" {
		cfg.Asset = *asset
	}

	logger := newLogger(cfg.Logging)

	// Validate required flags
	if *barsPath == "" {
		logger.Fatal().Msg("-bars is required")
	}
	if *cotPath != "" && *cotMarket == "" {
		logger.Fatal().Msg("-cot-market is required with -cot")
	}

	bars, skipped, err := ingest.ReadBarsFile(*barsPath, cfg.Asset)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *barsPath).Msg("read bars")
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("bar records rejected during load")
	}

	rows := features.NewBuilder(cfg.Horizons).Build(cfg.Asset, bars)
	if len(rows) == 0 {
		logger.Fatal().Msg("no usable bars in the series")
	}

	idx := len(rows) - 1
	if *date != "" {
		idx = indexOfDate(rows, *date)
		if idx < 0 {
			logger.Fatal().Str("date", *date).Msg("date not present in the series")
		}
	}
	row := rows[idx]

	est, err := analog.New(cfg.Estimator)
	if err != nil {
		logger.Fatal().Err(err).Msg("create estimator")
	}
	estimate, err := est.Estimate(rows, idx)
	if err != nil && !errors.Is(err, analog.ErrNoEstimate) {
		logger.Fatal().Err(err).Msg("estimate failed")
	}
	if estimate == nil {
		logger.Warn().Str("date", row.Date).Msg("no estimate for this day; checklist will carry NA checks")
	}

	bias, err := loadBias(*cotPath, *cotMarket, *cotLookback, row.Date, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("positioning overlay failed")
	}

	var vol20 *float64
	if v, ok := row.Feature(domain.FeatureVol20); ok {
		vol20 = &v
	}

	// A standalone evaluation is always flat; entry checks carry the
	// whole story and exit/add checks come out NA.
	decision := rules.Evaluate(rules.Input{
		Asset:    cfg.Asset,
		Date:     row.Date,
		Index:    row.Index,
		Estimate: estimate,
		Vol20:    vol20,
		Bias:     bias,
		Ruleset:  cfg.Rules,
	})

	out := Analysis{
		Asset:    cfg.Asset,
		Date:     row.Date,
		Index:    row.Index,
		Bars:     len(rows),
		Estimate: estimate,
		Decision: decision,
	}
	output, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(output))
}

// loadConfig resolves the configuration for the run. An empty path falls
// back to the conventional config locations.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.Load(path)
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger
}

// indexOfDate finds the row holding the given ISO date, -1 when absent.
func indexOfDate(rows []*domain.FeatureRow, date string) int {
	for i, r := range rows {
		if r.Date == date {
			return i
		}
	}
	return -1
}

// loadBias derives the bias signal in force on the given date, or nil
// when no positioning file was supplied.
func loadBias(path, market string, lookback int, date string, logger zerolog.Logger) (*domain.BiasSignal, error) {
	if path == "" {
		return nil, nil
	}
	reports, skipped, err := ingest.ReadCOTFile(path, market)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Msg("positioning records rejected during load")
	}
	signals, err := cot.Signals(reports, lookback)
	if err != nil {
		return nil, err
	}
	return cot.AsOf(signals, date), nil
}
