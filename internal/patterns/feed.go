package patterns

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FeedConfig holds pattern feed subscription configuration
type FeedConfig struct {
	URL               string        `json:"url"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay"`
	ReadTimeout       time.Duration `json:"read_timeout"`
}

// DefaultFeedConfig returns feed defaults
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		ReconnectInterval: 2 * time.Second,
		MaxReconnectDelay: 60 * time.Second,
		ReadTimeout:       90 * time.Second,
	}
}

// BatchHandler receives each delivered batch. Delivery is at-least-once:
// after a reconnect the feed may replay batches, so handlers must be
// idempotent.
type BatchHandler func(matches []PatternMatch)

// Feed is a reconnecting websocket subscription to the pattern detection
// service.
type Feed struct {
	config  FeedConfig
	handler BatchHandler
	logger  zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	reconnects int
	lastSeq    int64
}

// NewFeed creates a pattern feed client.
func NewFeed(cfg FeedConfig, handler BatchHandler, logger zerolog.Logger) *Feed {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	return &Feed{
		config:  cfg,
		handler: handler,
		logger:  logger.With().Str("component", "pattern_feed").Logger(),
	}
}

// Start begins the subscription loop.
func (f *Feed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("pattern feed already running")
	}
	if f.config.URL == "" {
		f.mu.Unlock()
		return fmt.Errorf("pattern feed URL not configured")
	}
	f.running = true
	f.stopChan = make(chan struct{})
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run()
	return nil
}

// Stop closes the subscription.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// Reconnects returns how many times the feed had to reconnect.
func (f *Feed) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *Feed) run() {
	defer f.wg.Done()

	delay := f.config.ReconnectInterval
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		if err := f.connectAndRead(); err != nil {
			f.logger.Warn().Err(err).Dur("retry_in", delay).Msg("pattern feed disconnected")
		}

		select {
		case <-f.stopChan:
			return
		case <-time.After(delay):
		}

		f.mu.Lock()
		f.reconnects++
		f.mu.Unlock()

		delay *= 2
		if delay > f.config.MaxReconnectDelay {
			delay = f.config.MaxReconnectDelay
		}
	}
}

func (f *Feed) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial pattern feed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer conn.Close()

	f.logger.Info().Str("url", f.config.URL).Msg("pattern feed connected")

	for {
		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read pattern feed: %w", err)
		}

		var batch Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			f.logger.Warn().Err(err).Msg("malformed pattern batch, skipped")
			continue
		}

		f.mu.Lock()
		f.lastSeq = batch.Sequence
		f.mu.Unlock()

		if len(batch.Matches) > 0 {
			f.handler(batch.Matches)
		}
	}
}
