package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnect policy defaults. Backoff is linear: baseDelay x attemptNumber.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 3000 * time.Millisecond
)

// ChannelConfig configures the notification stream connection.
type ChannelConfig struct {
	// Endpoint is the stream URL without credentials,
	// e.g. "wss://pbx.callsign.io/api/ws/notifications".
	Endpoint string

	// MaxAttempts bounds consecutive reconnect attempts (default 5).
	MaxAttempts int

	// BaseDelay is the linear backoff unit (default 3s).
	BaseDelay time.Duration

	// Dialer used to open connections (default websocket.DefaultDialer).
	Dialer *websocket.Dialer
}

func (c *ChannelConfig) withDefaults() ChannelConfig {
	out := *c
	if out.MaxAttempts == 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.BaseDelay == 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Channel maintains a single live event-stream connection per authenticated
// session. Abnormal closures drive bounded reconnection; a normal closure
// (explicit Disconnect) never reconnects. After the attempt budget is spent
// the channel stays closed until Connect is called again.
type Channel struct {
	cfg   ChannelConfig
	store *Store

	mu       sync.Mutex
	conn     *websocket.Conn
	token    string
	attempts int
	retry    *time.Timer

	onRecord func(Record)
	onEvent  func(eventType string, payload []byte)
}

// NewChannel creates a channel feeding the given store.
func NewChannel(cfg ChannelConfig, store *Store) *Channel {
	return &Channel{cfg: cfg.withDefaults(), store: store}
}

// OnRecord installs a callback invoked for each stored record, after the
// store is updated. Must be set before Connect.
func (c *Channel) OnRecord(fn func(Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecord = fn
}

// OnEvent installs a raw event tap invoked for every well-formed inbound
// event, before record mapping. Used to trigger call handling on
// call_incoming. Must be set before Connect.
func (c *Channel) OnEvent(fn func(eventType string, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Connect opens the stream with the token as a query credential. No-op when
// a connection is already open. A successful open resets the reconnect
// attempt counter.
func (c *Channel) Connect(token string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	c.attempts = 0
	c.mu.Unlock()

	return c.dial()
}

// Disconnect closes the connection with the normal-closure code and spends
// the attempt budget so a pending reconnect timer has no effect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts = c.cfg.MaxAttempts
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Attempts returns the consecutive reconnect-attempt count.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// dial opens a connection and starts the read loop on success.
func (c *Channel) dial() error {
	c.mu.Lock()
	if c.conn != nil {
		// A connection appeared while we were scheduled; never overlap.
		c.mu.Unlock()
		return nil
	}
	endpoint := c.cfg.Endpoint + "?token=" + url.QueryEscape(c.token)
	dialer := c.cfg.Dialer
	c.mu.Unlock()

	conn, resp, err := dialer.Dial(endpoint, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("notification stream dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	slog.Info("[Notify] Stream connected", "endpoint", c.cfg.Endpoint)
	go c.readLoop(conn)
	return nil
}

// readLoop consumes inbound frames until the connection drops, then applies
// the reconnect policy based on the close code.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

// handleClose clears the connection and schedules a reconnect for abnormal
// closures while attempts remain.
func (c *Channel) handleClose(conn *websocket.Conn, err error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer connection took over; this loop is stale.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	slog.Info("[Notify] Stream closed", "code", code)

	if code == websocket.CloseNormalClosure {
		return
	}
	c.scheduleRetry()
}

// scheduleRetry arms the reconnect timer when budget remains. The attempt
// counter increments per schedule, so the delay grows linearly.
func (c *Channel) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts >= c.cfg.MaxAttempts {
		slog.Warn("[Notify] Reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	c.attempts++
	delay := backoffDelay(c.cfg.BaseDelay, c.attempts)
	slog.Info("[Notify] Reconnect scheduled", "attempt", c.attempts, "delay", delay)

	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		// Disconnect clears the timer; if it ran between arming and
		// firing, this reconnect is suppressed.
		suppressed := c.retry == nil
		c.mu.Unlock()
		if suppressed {
			return
		}
		if err := c.dial(); err != nil {
			slog.Warn("[Notify] Reconnect failed", "error", err)
			c.scheduleRetry()
		}
	})
}

// backoffDelay returns the linear backoff delay for the given attempt
// number (1-based).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

// handleMessage decodes one inbound payload. Malformed payloads are logged
// and dropped without affecting channel state.
func (c *Channel) handleMessage(data []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("[Notify] Dropping malformed event", "error", err)
		return
	}

	c.mu.Lock()
	onEvent := c.onEvent
	onRecord := c.onRecord
	c.mu.Unlock()

	if onEvent != nil && ev.Type != "" {
		onEvent(ev.Type, data)
	}

	rec, ok := ev.toRecord()
	if !ok {
		slog.Debug("[Notify] Ignoring event without message", "type", ev.Type)
		return
	}
	rec.ID = c.store.Add(rec)

	slog.Debug("[Notify] Stored notification",
		"id", rec.ID,
		"type", rec.Type,
		"title", rec.Title,
	)
	if onRecord != nil {
		onRecord(rec)
	}
}
