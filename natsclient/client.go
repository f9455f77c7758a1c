package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages one NATS connection. Repeated connect or JetStream
// failures open a circuit that rejects calls until the backoff elapses.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Int64 // time.Duration
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username  string
	password  string
	token     string
	credsFile string

	clientName string

	jsMetrics       *jetstreamMetrics
	core            *metric.Metrics
	metricsCancel   context.CancelFunc
	metricsInterval time.Duration

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client. Nothing is dialled until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		metricsInterval:  30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "nats", "url", url)
	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	return c, nil
}

// URL returns the server URL.
func (m *Client) URL() string { return m.url }

// Status returns the current connection status.
func (m *Client) Status() ConnectionStatus {
	if v, ok := m.status.Load().(ConnectionStatus); ok {
		return v
	}
	return StatusDisconnected
}

func (m *Client) setStatus(s ConnectionStatus) {
	m.status.Store(s)
	m.observeStatus()
}

// observeStatus mirrors the connection and circuit state into the
// process gauges.
func (m *Client) observeStatus() {
	if m.core == nil {
		return
	}
	s := m.Status()
	m.core.RecordNATSStatus(s == StatusConnected)
	circuit := 0
	if s == StatusCircuitOpen {
		circuit = 1
	}
	m.core.RecordCircuitBreakerState(circuit)
}

// IsHealthy reports whether the connection is up.
func (m *Client) IsHealthy() bool { return m.Status() == StatusConnected }

// Failures returns the failure count since the last success.
func (m *Client) Failures() int32 { return m.failures.Load() }

// Backoff returns the current circuit backoff.
func (m *Client) Backoff() time.Duration { return time.Duration(m.backoff.Load()) }

// Conn returns the underlying connection, nil before Connect.
func (m *Client) Conn() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Client) recordFailure() {
	m.failures.Add(1)
	if m.circuitFailures.Add(1) < m.circuitThreshold {
		return
	}
	m.circuitFailures.Store(0)

	current := m.Backoff()
	next := current * 2
	if next > m.maxBackoff {
		next = m.maxBackoff
	}
	m.backoff.Store(int64(next))

	prev := m.Status()
	if prev == StatusCircuitOpen || !m.status.CompareAndSwap(prev, StatusCircuitOpen) {
		m.logger.Warn("circuit breaker still open", "backoff", next)
		return
	}
	m.observeStatus()
	m.logger.Warn("circuit breaker opened", "failures", m.failures.Load(), "backoff", current)
	time.AfterFunc(current, func() {
		if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
			m.observeStatus()
		}
	})
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(int64(time.Second))
	if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		m.observeStatus()
	}
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.credsFile != "" {
		opts = append(opts, nats.UserCredentials(m.credsFile))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect dials the server and initialises JetStream.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	m.setStatus(StatusConnecting)
	m.logger.Info("connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.connectionOptions()...)
		done <- result{conn, err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			m.recordFailure()
			m.status.CompareAndSwap(StatusConnecting, StatusDisconnected)
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		conn = r.conn
	case <-ctx.Done():
		m.recordFailure()
		m.status.CompareAndSwap(StatusConnecting, StatusDisconnected)
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Client", "Connect", "init JetStream")
	}

	m.mu.Lock()
	m.conn = conn
	m.js = js
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("connected to NATS")

	if m.jsMetrics != nil && m.metricsInterval > 0 {
		m.metricsCancel = m.jsMetrics.startPoller(context.Background(), m.metricsInterval)
	}
	m.notifyHealth(true)
	return nil
}

// WaitForConnection blocks until the client is connected or ctx is done.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

// Close stops consumers, drains the connection and clears credentials.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed.Swap(true) {
		return nil
	}
	if m.metricsCancel != nil {
		m.metricsCancel()
	}

	m.consumersMu.Lock()
	for _, cc := range m.consumers {
		cc.Stop()
	}
	m.consumers = nil
	m.consumersMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	m.subs = nil

	if m.conn != nil {
		timeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}
		drained := make(chan error, 1)
		conn := m.conn
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(timeout):
			errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout),
				"Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
		}
		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.username, m.password, m.token = "", "", ""
	m.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the server.
func (m *Client) RTT() (time.Duration, error) {
	conn := m.Conn()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Publish sends a core NATS message.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := m.Conn()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Subscribe registers a core NATS handler. Each message gets a context
// derived from ctx with a 30 second timeout.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || !m.conn.IsConnected() {
		return ErrNotConnected
	}
	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}
	m.subs = append(m.subs, sub)
	return nil
}

// JetStream returns the JetStream context.
func (m *Client) JetStream() (jetstream.JetStream, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("ensure_stream")
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	m.resetCircuit()
	m.jsMetrics.trackStream(cfg.Name, stream)
	return stream, nil
}

// PublishToStream publishes with a JetStream ack.
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := m.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}
	m.resetCircuit()
	return nil
}

// ConsumeStream delivers messages on subject from an existing stream to
// handler. A handler error naks the message for redelivery unless it is
// classified invalid, in which case the message is terminated. Durable
// may be empty for an ephemeral consumer.
func (m *Client) ConsumeStream(ctx context.Context, streamName, subject, durable string, handler func(context.Context, []byte) error) error {
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeStream", "check client state")
	}
	js, err := m.JetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("create_consumer")
		return errors.WrapTransient(err, "Client", "ConsumeStream", "create consumer")
	}
	if info, err := consumer.Info(ctx); err == nil {
		m.jsMetrics.trackConsumer(streamName, info.Name, consumer)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		switch err := handler(ctx, msg.Data()); {
		case err == nil:
			_ = msg.Ack()
		case errors.IsInvalid(err):
			_ = msg.Term()
		default:
			_ = msg.Nak()
		}
	})
	if err != nil {
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeStream", "start consume")
	}

	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()
	if m.closed.Load() {
		cc.Stop()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeStream", "register consumer")
	}
	if m.consumers == nil {
		m.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := streamName + ":" + subject
	if prev, ok := m.consumers[key]; ok {
		prev.Stop()
	}
	m.consumers[key] = cc
	m.resetCircuit()
	return nil
}

// CreateKeyValueBucket returns the bucket, creating it if needed.
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}
	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		m.resetCircuit()
		return bucket, nil
	}
	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}
	m.logger.Info("using KV bucket", "bucket", cfg.Bucket)
	m.resetCircuit()
	return bucket, nil
}

func (m *Client) notifyHealth(healthy bool) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	m.logger.Warn("NATS disconnected", "error", err)
	m.notifyHealth(false)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	if m.core != nil {
		m.core.RecordNATSReconnect()
	}
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("NATS reconnected")
	m.notifyHealth(true)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	m.notifyHealth(false)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "already in use") || strings.Contains(s, "already exists")
}
