package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Quote is the most recent price seen on the stream.
type Quote struct {
	Symbol string
	Price  float64
	At     time.Time
}

// QuoteStreamConfig configures stream behavior.
type QuoteStreamConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultQuoteStreamConfig returns default stream configuration.
func DefaultQuoteStreamConfig() QuoteStreamConfig {
	return QuoteStreamConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// QuoteStream keeps a live websocket subscription for one symbol and
// caches the latest quote. The connection heals itself with
// exponential backoff and resubscribes after every reconnect.
type QuoteStream struct {
	endpoint string
	symbol   string
	config   QuoteStreamConfig
	log      zerolog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	latest   *Quote
	latestMu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup

	// reconnecting indicates reconnection in progress
	reconnecting atomic.Bool
}

type quoteSubscribeRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// NewQuoteStream connects to the endpoint, subscribes to the symbol
// and starts the read and ping loops.
func NewQuoteStream(ctx context.Context, endpoint, symbol string, config *QuoteStreamConfig, log zerolog.Logger) (*QuoteStream, error) {
	cfg := DefaultQuoteStreamConfig()
	if config != nil {
		cfg = *config
	}

	s := &QuoteStream{
		endpoint: endpoint,
		symbol:   symbol,
		config:   cfg,
		log:      log,
		done:     make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	if err := s.subscribe(); err != nil {
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

// Latest returns the most recent quote, false before the first tick.
func (s *QuoteStream) Latest() (Quote, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	if s.latest == nil {
		return Quote{}, false
	}
	return *s.latest, true
}

// Close shuts the stream down. Safe to call twice.
func (s *QuoteStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *QuoteStream) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	return nil
}

func (s *QuoteStream) subscribe() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(quoteSubscribeRequest{Type: "subscribe", Symbol: s.symbol}); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// readLoop reads messages and updates the latest-quote cache.
func (s *QuoteStream) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			if !s.reconnecting.Swap(true) {
				go s.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		// Reset delay on successful read
		reconnectDelay = s.config.ReconnectDelay

		s.handleMessage(message)
	}
}

// handleMessage parses a quote tick. Field names go through the same
// alias tables as file ingestion, so feeds with {"s":..,"p":..} or
// {"symbol":..,"price":..} both work. Messages for other symbols and
// non-quote frames are ignored.
func (s *QuoteStream) handleMessage(message []byte) {
	var rec map[string]any
	if err := json.Unmarshal(message, &rec); err != nil {
		return
	}
	if sym, ok := pick(rec, []string{"symbol", "s", "ticker"}); ok {
		if str, isStr := sym.(string); isStr && str != s.symbol {
			return
		}
	}
	price, ok := ToFinite(firstPresent(rec, []string{"price", "p", "last", "close", "c"}))
	if !ok || price <= 0 {
		return
	}
	at := time.Now().UTC()
	if raw, okT := pick(rec, []string{"time", "t", "timestamp"}); okT {
		if epoch, okF := ToFinite(raw); okF {
			if epoch > 1e11 {
				epoch /= 1000
			}
			at = time.Unix(int64(epoch), 0).UTC()
		}
	}

	s.latestMu.Lock()
	s.latest = &Quote{Symbol: s.symbol, Price: price, At: at}
	s.latestMu.Unlock()
}

func firstPresent(rec map[string]any, aliases []string) any {
	v, _ := pick(rec, aliases)
	return v
}

// reconnect attempts to reconnect and resubscribe.
func (s *QuoteStream) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.log.Warn().Err(err).Str("symbol", s.symbol).Msg("quote stream reconnect failed")
		return
	}
	if err := s.subscribe(); err != nil {
		s.log.Warn().Err(err).Str("symbol", s.symbol).Msg("quote stream resubscribe failed")
		return
	}
	s.log.Info().Str("symbol", s.symbol).Msg("quote stream reconnected")
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (s *QuoteStream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(s.config.WriteTimeout))
			}
			s.connMu.Unlock()
		}
	}
}
