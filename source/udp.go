package source

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
)

// socketBufferSize is the requested OS receive buffer.
const socketBufferSize = 2 * 1024 * 1024

// UDPConfig configures a datagram listener. Each datagram carries one
// JSON event.
type UDPConfig struct {
	Bind string `json:"bind" yaml:"bind"`
	Port int    `json:"port" yaml:"port"`
}

// Validate checks the port.
func (c UDPConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: udp port %d", errors.ErrInvalidConfig, c.Port),
			"UDPConfig", "Validate", "check port")
	}
	return nil
}

// UDP listens for event datagrams from sensor gateways.
type UDP struct {
	decoder
	cfg   UDPConfig
	retry retry.Config
	ready chan net.Addr
}

// NewUDP creates a UDP source. Port 0 picks a free port; Addr reports it
// once bound.
func NewUDP(cfg UDPConfig, opts ...Option) *UDP {
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	return &UDP{
		decoder: newDecoder("udp", opts),
		cfg:     cfg,
		retry:   retry.Quick(),
		ready:   make(chan net.Addr, 1),
	}
}

// Addr blocks until the socket is bound or ctx is done.
func (u *UDP) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-u.ready:
		u.ready <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *UDP) bind() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.cfg.Bind, u.cfg.Port))
	if err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("resolve %s:%d: %w", u.cfg.Bind, u.cfg.Port, err))
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		u.logger.Warn("could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	return conn, nil
}

// Run implements Source.
func (u *UDP) Run(ctx context.Context, emit EmitFunc) error {
	if err := u.cfg.Validate(); err != nil {
		return err
	}
	conn, err := retry.DoWithResult(ctx, u.retry, u.bind)
	if err != nil {
		return errors.WrapTransient(err, "UDP", "Run", "bind socket")
	}
	defer conn.Close()
	u.ready <- conn.LocalAddr()
	u.logger.Info("listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		// The deadline lets the loop notice cancellation.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "UDP", "Run", "read datagram")
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		u.logEmitError(ctx, u.handle(ctx, data, emit))
	}
	return nil
}
