package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// quoteServer upgrades, verifies the subscribe request and replays the
// given frames before holding the connection open.
func quoteServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req quoteSubscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal subscribe: %v", err)
			return
		}
		if req.Type != "subscribe" {
			t.Errorf("expected subscribe, got %s", req.Type)
		}

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForQuote(t *testing.T, s *QuoteStream) Quote {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q, ok := s.Latest(); ok {
			return q
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for quote")
	return Quote{}
}

func TestQuoteStream_LatestQuote(t *testing.T) {
	server := quoteServer(t, []string{
		`{"symbol": "SPY", "price": 512.34, "time": 1709251200}`,
	})
	defer server.Close()

	s, err := NewQuoteStream(context.Background(), wsURL(server), "SPY", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQuoteStream: %v", err)
	}
	defer s.Close()

	q := waitForQuote(t, s)
	if q.Symbol != "SPY" {
		t.Errorf("symbol = %q", q.Symbol)
	}
	if q.Price != 512.34 {
		t.Errorf("price = %v", q.Price)
	}
	if q.At.UTC().Format("2006-01-02") != "2024-03-01" {
		t.Errorf("time = %v", q.At)
	}
}

func TestQuoteStream_ShortFieldNamesAndOverwrite(t *testing.T) {
	server := quoteServer(t, []string{
		`{"s": "SPY", "p": 500.0}`,
		`{"s": "SPY", "p": 501.5}`,
	})
	defer server.Close()

	s, err := NewQuoteStream(context.Background(), wsURL(server), "SPY", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQuoteStream: %v", err)
	}
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q, ok := s.Latest(); ok && q.Price == 501.5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	q, _ := s.Latest()
	t.Fatalf("latest never reached second tick, got %+v", q)
}

func TestQuoteStream_IgnoresOtherSymbolsAndJunk(t *testing.T) {
	server := quoteServer(t, []string{
		`{"symbol": "QQQ", "price": 430.0}`,
		`not json`,
		`{"symbol": "SPY", "price": -1}`,
		`{"symbol": "SPY", "price": 512.0}`,
	})
	defer server.Close()

	s, err := NewQuoteStream(context.Background(), wsURL(server), "SPY", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQuoteStream: %v", err)
	}
	defer s.Close()

	q := waitForQuote(t, s)
	if q.Price != 512.0 {
		t.Errorf("price = %v, junk frames should have been dropped", q.Price)
	}
}

func TestQuoteStream_NoQuoteBeforeFirstTick(t *testing.T) {
	server := quoteServer(t, nil)
	defer server.Close()

	s, err := NewQuoteStream(context.Background(), wsURL(server), "SPY", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQuoteStream: %v", err)
	}
	defer s.Close()

	if _, ok := s.Latest(); ok {
		t.Error("expected no quote before any tick")
	}
}

func TestQuoteStream_Close(t *testing.T) {
	server := quoteServer(t, nil)
	defer server.Close()

	s, err := NewQuoteStream(context.Background(), wsURL(server), "SPY", nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQuoteStream: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !s.closed.Load() {
		t.Error("stream should be closed")
	}
	if err := s.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}
}

func TestQuoteStream_DialFailure(t *testing.T) {
	_, err := NewQuoteStream(context.Background(), "ws://127.0.0.1:1/ws", "SPY", nil, zerolog.Nop())
	if err == nil {
		t.Error("expected dial error")
	}
}

func TestQuoteStream_CustomConfig(t *testing.T) {
	server := quoteServer(t, nil)
	defer server.Close()

	config := &QuoteStreamConfig{
		ReconnectDelay:    100 * time.Millisecond,
		MaxReconnectDelay: 1 * time.Second,
		PingInterval:      5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
	s, err := NewQuoteStream(context.Background(), wsURL(server), "SPY", config, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewQuoteStream: %v", err)
	}
	defer s.Close()

	if s.config.PingInterval != 5*time.Second {
		t.Errorf("expected PingInterval 5s, got %v", s.config.PingInterval)
	}
}
