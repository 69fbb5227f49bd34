package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"market-analog-lab/internal/domain"
)

// Fetcher defaults.
const (
	DefaultFetchTimeout      = 15 * time.Second
	DefaultRequestsPerSecond = 2.0
	breakerCooldown          = 30 * time.Second
)

// Source is one HTTP bar feed. The URL template may contain {asset},
// {from} and {to} placeholders.
type Source struct {
	Name        string
	URLTemplate string
}

// FetcherConfig configures the bar fetcher.
type FetcherConfig struct {
	Sources           []Source
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Fetcher pulls daily bars over HTTP with ordered source fallback.
// Each source sits behind its own circuit breaker so a flapping
// primary stops eating the rate budget, and all sources share one
// limiter.
type Fetcher struct {
	cfg      FetcherConfig
	client   *http.Client
	limiter  *rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	log      zerolog.Logger
}

// NewFetcher creates a Fetcher. At least one source is required.
func NewFetcher(cfg FetcherConfig, log zerolog.Logger) (*Fetcher, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("fetcher needs at least one source")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	f := &Fetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfg.Sources)),
		log:      log,
	}
	for _, src := range cfg.Sources {
		name := src.Name
		f.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("source", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("bar source breaker state changed")
			},
		})
	}
	return f, nil
}

// SourcesFromTemplates builds named sources from raw URL templates,
// using the host as the name.
func SourcesFromTemplates(templates []string) []Source {
	sources := make([]Source, 0, len(templates))
	for i, t := range templates {
		name := fmt.Sprintf("source-%d", i+1)
		if u, err := url.Parse(t); err == nil && u.Host != "" {
			name = u.Host
		}
		sources = append(sources, Source{Name: name, URLTemplate: t})
	}
	return sources
}

// FetchBars tries each source in order until one returns a valid
// series. Open breakers are skipped. Returns the clean bars, the
// number of records dropped, and an error only when every source
// failed.
func (f *Fetcher) FetchBars(ctx context.Context, asset, from, to string) ([]*domain.Bar, int, error) {
	var lastErr error
	for _, src := range f.cfg.Sources {
		cb := f.breakers[src.Name]
		if cb.State() == gobreaker.StateOpen {
			f.log.Warn().Str("source", src.Name).Msg("breaker open, skipping source")
			continue
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
		res, err := cb.Execute(func() (interface{}, error) {
			return f.fetchOnce(ctx, src, asset, from, to)
		})
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", src.Name, err)
			f.log.Warn().Err(err).Str("source", src.Name).Str("asset", asset).
				Msg("bar fetch failed, falling back")
			continue
		}
		out := res.(*fetchResult)
		f.log.Info().Str("source", src.Name).Str("asset", asset).
			Int("bars", len(out.bars)).Int("skipped", out.skipped).
			Msg("bars fetched")
		return out.bars, out.skipped, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all breakers open")
	}
	return nil, 0, fmt.Errorf("fetch bars for %s: %w", asset, lastErr)
}

type fetchResult struct {
	bars    []*domain.Bar
	skipped int
}

func (f *Fetcher) fetchOnce(ctx context.Context, src Source, asset, from, to string) (*fetchResult, error) {
	reqURL := expandTemplate(src.URLTemplate, asset, from, to)
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	recs, err := decodeBarsPayload(body)
	if err != nil {
		return nil, err
	}
	bars := make([]*domain.Bar, 0, len(recs))
	skipped := 0
	for _, rec := range recs {
		b, err := AdaptBar(asset, rec)
		if err != nil {
			skipped++
			continue
		}
		bars = append(bars, b)
	}
	clean, dropped, err := ValidateBars(bars)
	if err != nil {
		return nil, err
	}
	return &fetchResult{bars: clean, skipped: skipped + dropped}, nil
}

// decodeBarsPayload accepts either a bare JSON array of records or an
// object wrapping one under a conventional key.
func decodeBarsPayload(data []byte) ([]map[string]any, error) {
	var recs []map[string]any
	if err := json.Unmarshal(data, &recs); err == nil {
		return recs, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	for _, key := range []string{"bars", "results", "data", "prices"} {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, fmt.Errorf("decode payload %q: %w", key, err)
		}
		return recs, nil
	}
	return nil, fmt.Errorf("payload has no recognizable bar array")
}

func expandTemplate(template, asset, from, to string) string {
	return strings.NewReplacer(
		"{asset}", url.QueryEscape(asset),
		"{from}", url.QueryEscape(from),
		"{to}", url.QueryEscape(to),
	).Replace(template)
}
