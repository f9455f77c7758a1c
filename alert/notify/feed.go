package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
	"github.com/chazwilder/iqx-dockmonitor/pkg/buffer"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedReadTimeout  = 60 * time.Second
	feedPingInterval = 30 * time.Second
)

type feedClient struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *feedClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(messageType, data)
}

func (c *feedClient) writeLocked(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Feed broadcasts notifications to connected websocket clients. Mount
// Handler on the ops server. Clients only receive; anything they send is
// read and discarded to keep pong handling alive.
type Feed struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// mu also orders backlog writes against client registration.
	mu      sync.RWMutex
	clients map[*websocket.Conn]*feedClient
	backlog *buffer.Ring[[]byte]

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// FeedOption configures a Feed.
type FeedOption func(*feedOptions)

type feedOptions struct {
	backlog  int
	registry *metric.MetricsRegistry
}

// WithBacklog replays the last n notifications to every new client.
func WithBacklog(n int) FeedOption {
	return func(o *feedOptions) { o.backlog = n }
}

// WithFeedMetrics registers backlog metrics.
func WithFeedMetrics(r *metric.MetricsRegistry) FeedOption {
	return func(o *feedOptions) { o.registry = r }
}

// NewFeed creates a feed and starts its ping loop.
func NewFeed(logger *slog.Logger, opts ...FeedOption) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	o := feedOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	f := &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:   logger.With("component", "alert-feed"),
		clients:  make(map[*websocket.Conn]*feedClient),
		shutdown: make(chan struct{}),
	}
	if o.backlog > 0 {
		var ringOpts []buffer.Option[[]byte]
		if o.registry != nil {
			ringOpts = append(ringOpts, buffer.WithMetrics[[]byte](o.registry, "alert_feed"))
		}
		ring, err := buffer.NewRing[[]byte](o.backlog, ringOpts...)
		if err != nil {
			f.logger.Warn("alert feed backlog metrics disabled", "error", err)
			ring, _ = buffer.NewRing[[]byte](o.backlog)
		}
		f.backlog = ring
	}
	f.wg.Add(1)
	go f.pingLoop()
	return f
}

// Name implements alert.Notifier.
func (f *Feed) Name() string { return "feed" }

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Handler upgrades requests to websocket connections.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-f.shutdown:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		c := &feedClient{conn: conn}

		// Hold the client's write lock until the backlog is out so live
		// notifications arrive after it.
		c.writeMu.Lock()
		f.mu.Lock()
		f.clients[conn] = c
		var backlog [][]byte
		if f.backlog != nil {
			backlog = f.backlog.Snapshot()
		}
		f.mu.Unlock()
		for _, data := range backlog {
			if err := c.writeLocked(websocket.TextMessage, data); err != nil {
				break
			}
		}
		c.writeMu.Unlock()

		f.wg.Add(1)
		go f.readLoop(c)
	})
}

func (f *Feed) readLoop(c *feedClient) {
	defer f.wg.Done()
	defer f.remove(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		f.mu.Lock()
		delete(f.clients, c.conn)
		f.mu.Unlock()
		_ = c.conn.Close()
	})
}

func (f *Feed) snapshot() []*feedClient {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshotLocked()
}

func (f *Feed) snapshotLocked() []*feedClient {
	out := make([]*feedClient, 0, len(f.clients))
	for _, c := range f.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

// Notify implements alert.Notifier. A client that cannot keep up is
// dropped; the broadcast itself never fails because of one client.
func (f *Feed) Notify(ctx context.Context, n alert.Notification) error {
	select {
	case <-f.shutdown:
		return retry.NonRetryable(errors.ErrShuttingDown)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(n)
	if err != nil {
		return retry.NonRetryable(err)
	}

	f.mu.Lock()
	if f.backlog != nil {
		f.backlog.Write(data)
	}
	clients := f.snapshotLocked()
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *feedClient) {
			defer wg.Done()
			if err := c.write(websocket.TextMessage, data); err != nil {
				f.remove(c)
			}
		}(c)
	}
	wg.Wait()
	return nil
}

func (f *Feed) pingLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.shutdown:
			return
		case <-ticker.C:
			for _, c := range f.snapshot() {
				if err := c.write(websocket.PingMessage, nil); err != nil {
					f.remove(c)
				}
			}
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (f *Feed) Close() error {
	f.stopOnce.Do(func() {
		close(f.shutdown)
		for _, c := range f.snapshot() {
			f.remove(c)
		}
	})
	f.wg.Wait()
	return nil
}
