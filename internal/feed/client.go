package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// ClientConfig tunes the SSE consumer.
type ClientConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Buffer        int           `yaml:"buffer"`
	ReconnectMin  time.Duration `yaml:"reconnect_min"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	ClientTimeout time.Duration `yaml:"client_timeout"`
}

func (c ClientConfig) defaulted() ClientConfig {
	if c.Buffer == 0 {
		c.Buffer = 1000
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Client consumes the bot's event stream, reconnecting with backoff and
// resuming from the last seen event ID.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	events chan Envelope
	log    zerolog.Logger

	mu          sync.Mutex
	lastEventID string
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	cfg = cfg.defaulted()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.ClientTimeout},
		events: make(chan Envelope, cfg.Buffer),
		log:    log.With().Str("component", "feed_client").Logger(),
	}
}

// Start begins consuming; the returned channel closes when ctx is cancelled.
func (c *Client) Start(ctx context.Context) <-chan Envelope {
	go c.consumeLoop(ctx)
	return c.events
}

// LastEventID returns the most recent event ID for resume.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Client) consumeLoop(ctx context.Context) {
	defer close(c.events)
	bo := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := bo.Duration()
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndConsume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}
	c.log.Info().Str("url", c.cfg.BaseURL).Msg("stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"): // heartbeat
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(line[len("data:"):])
		case line == "" && data != "":
			c.dispatch(data)
			data = ""
		}
	}
	return scanner.Err()
}

func (c *Client) dispatch(data string) {
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		c.log.Warn().Err(err).Msg("malformed stream event dropped")
		return
	}
	select {
	case c.events <- env:
		c.mu.Lock()
		c.lastEventID = env.ID
		c.mu.Unlock()
	default:
		c.log.Warn().Str("id", env.ID).Msg("event dropped, consumer too slow")
	}
}
