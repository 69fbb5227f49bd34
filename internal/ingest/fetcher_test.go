package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const barsJSON = `[
	{"date": "2024-01-02", "close": 100},
	{"date": "2024-01-03", "close": 101},
	{"date": "2024-01-04", "close": 102}
]`

func newTestFetcher(t *testing.T, sources ...Source) *Fetcher {
	t.Helper()
	f, err := NewFetcher(FetcherConfig{
		Sources:           sources,
		RequestsPerSecond: 1000,
		Timeout:           2 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func TestFetchBars_PrimaryServes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("asset"); got != "SPY" {
			t.Errorf("asset param = %q", got)
		}
		if got := r.URL.Query().Get("from"); got != "2024-01-01" {
			t.Errorf("from param = %q", got)
		}
		w.Write([]byte(barsJSON))
	}))
	defer server.Close()

	f := newTestFetcher(t, Source{
		Name:        "primary",
		URLTemplate: server.URL + "/bars?asset={asset}&from={from}&to={to}",
	})
	bars, skipped, err := f.FetchBars(context.Background(), "SPY", "2024-01-01", "2024-02-01")
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 3 || skipped != 0 {
		t.Errorf("got %d bars, %d skipped", len(bars), skipped)
	}
	if bars[0].Close != 100 {
		t.Errorf("first close = %v", bars[0].Close)
	}
}

func TestFetchBars_FallsBackToBackup(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(barsJSON))
	}))
	defer backup.Close()

	f := newTestFetcher(t,
		Source{Name: "primary", URLTemplate: primary.URL},
		Source{Name: "backup", URLTemplate: backup.URL},
	)
	bars, _, err := f.FetchBars(context.Background(), "SPY", "", "")
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 3 {
		t.Errorf("len = %d, want 3", len(bars))
	}
	if primaryHits.Load() != 1 {
		t.Errorf("primary hits = %d, want 1", primaryHits.Load())
	}
}

func TestFetchBars_AllSourcesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := newTestFetcher(t,
		Source{Name: "a", URLTemplate: server.URL},
		Source{Name: "b", URLTemplate: server.URL},
	)
	if _, _, err := f.FetchBars(context.Background(), "SPY", "", ""); err == nil {
		t.Error("expected error when every source fails")
	}
}

func TestFetchBars_BreakerSkipsFailingSource(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(barsJSON))
	}))
	defer backup.Close()

	f := newTestFetcher(t,
		Source{Name: "primary", URLTemplate: primary.URL},
		Source{Name: "backup", URLTemplate: backup.URL},
	)

	// Three consecutive failures trip the breaker.
	for i := 0; i < 4; i++ {
		if _, _, err := f.FetchBars(context.Background(), "SPY", "", ""); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := primaryHits.Load(); got != 3 {
		t.Errorf("primary hits = %d, want 3 (breaker should skip the fourth)", got)
	}
}

func TestFetchBars_WrappedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": ` + barsJSON + `}`))
	}))
	defer server.Close()

	f := newTestFetcher(t, Source{Name: "wrapped", URLTemplate: server.URL})
	bars, _, err := f.FetchBars(context.Background(), "SPY", "", "")
	if err != nil {
		t.Fatalf("FetchBars: %v", err)
	}
	if len(bars) != 3 {
		t.Errorf("len = %d, want 3", len(bars))
	}
}

func TestFetchBars_GarbagePayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"note": "no bars here"}`))
	}))
	defer server.Close()

	f := newTestFetcher(t, Source{Name: "garbage", URLTemplate: server.URL})
	if _, _, err := f.FetchBars(context.Background(), "SPY", "", ""); err == nil {
		t.Error("expected error for unrecognizable payload")
	}
}

func TestNewFetcher_RequiresSources(t *testing.T) {
	if _, err := NewFetcher(FetcherConfig{}, zerolog.Nop()); err == nil {
		t.Error("expected error for empty source list")
	}
}

func TestSourcesFromTemplates(t *testing.T) {
	sources := SourcesFromTemplates([]string{
		"https://feed.example.com/v1/bars?s={asset}",
		"not a url",
	})
	if len(sources) != 2 {
		t.Fatalf("len = %d", len(sources))
	}
	if sources[0].Name != "feed.example.com" {
		t.Errorf("first name = %q", sources[0].Name)
	}
	if sources[1].Name != "source-2" {
		t.Errorf("second name = %q", sources[1].Name)
	}
}

func TestExpandTemplate(t *testing.T) {
	got := expandTemplate("https://x.test/bars?s={asset}&a={from}&b={to}", "BRK B", "2024-01-01", "2024-02-01")
	if !strings.Contains(got, "s=BRK+B") {
		t.Errorf("asset not escaped: %s", got)
	}
	if !strings.Contains(got, "a=2024-01-01") || !strings.Contains(got, "b=2024-02-01") {
		t.Errorf("dates not expanded: %s", got)
	}
}
