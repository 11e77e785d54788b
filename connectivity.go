package bizsync

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnectivityConfig configures a ConnectivityWatcher.
type ConnectivityConfig struct {
	Token             string
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger

	// Reconnect waits start at ReconnectBaseDelay and double per consecutive
	// failed session up to ReconnectMaxDelay. ReconnectJitter adds up to that
	// fraction of the base delay at random; negative disables it. A session
	// that stayed up for ReconnectResetAfter restarts the sequence.
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectJitter     float64
	ReconnectResetAfter time.Duration

	Clock Clock
}

func (c *ConnectivityConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.5
	}
	if c.ReconnectResetAfter == 0 {
		c.ReconnectResetAfter = time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ============================================================================
// Reconnect backoff
// ============================================================================

type reconnectBackoff struct {
	base, max   time.Duration
	jitter      float64
	resetAfter  time.Duration
	now         Clock
	failures    int
	connectedAt time.Time
}

func newReconnectBackoff(cfg ConnectivityConfig) *reconnectBackoff {
	return &reconnectBackoff{
		base:       cfg.ReconnectBaseDelay,
		max:        cfg.ReconnectMaxDelay,
		jitter:     cfg.ReconnectJitter,
		resetAfter: cfg.ReconnectResetAfter,
		now:        cfg.Clock,
	}
}

func (b *reconnectBackoff) connected() { b.connectedAt = b.now() }

// next returns the wait before redialing after a session ended.
func (b *reconnectBackoff) next() time.Duration {
	if !b.connectedAt.IsZero() && b.now().Sub(b.connectedAt) >= b.resetAfter {
		b.failures = 0
	}
	b.connectedAt = time.Time{}

	d := b.max
	if b.failures < 20 {
		d = b.base << b.failures
	}
	if b.jitter > 0 {
		d += time.Duration(rand.Float64() * b.jitter * float64(b.base))
	}
	b.failures++
	return min(d, b.max)
}

// ============================================================================
// ConnectivityWatcher
// ============================================================================

// ConnectivityWatcher holds a websocket open to the server's /ws endpoint and
// pushes online/offline transitions into a NetworkMonitor. A live socket is
// the connectivity signal; a failed dial, read, or heartbeat marks offline.
type ConnectivityWatcher struct {
	url     string
	config  ConnectivityConfig
	monitor *NetworkMonitor
	backoff *reconnectBackoff

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnectivityWatcher watches the server at baseURL (http or https).
func NewConnectivityWatcher(baseURL string, monitor *NetworkMonitor, config *ConnectivityConfig) *ConnectivityWatcher {
	var cfg ConnectivityConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	wsURL := strings.TrimRight(baseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	return &ConnectivityWatcher{
		url:     wsURL,
		config:  cfg,
		monitor: monitor,
		backoff: newReconnectBackoff(cfg),
	}
}

// Start runs the watch loop until Stop or ctx cancellation.
func (w *ConnectivityWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop ends the loop and waits for it to exit.
func (w *ConnectivityWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *ConnectivityWatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		w.monitor.SetOnline(false)

		delay := w.backoff.next()
		w.config.Logger.Debug("connectivity lost", "err", err, "retry_in", delay)
		if sleep(ctx, delay) != nil {
			return
		}
	}
}

// session dials, marks online, and blocks until the connection drops.
func (w *ConnectivityWatcher) session(ctx context.Context) error {
	opts := &websocket.DialOptions{HTTPClient: w.config.HTTPClient}
	if w.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + w.config.Token}}
	}
	conn, _, err := websocket.Dial(ctx, w.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "watcher stopped")

	w.backoff.connected()
	w.monitor.SetOnline(true)
	w.config.Logger.Debug("connectivity established", "url", w.url)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(connCtx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(connCtx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return err
			}
		}
	}
}
