package cloud

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
)

const (
	defaultPort         = 443
	defaultTimeout      = 15 * time.Second
	defaultPollInterval = time.Second
	defaultMaxResponse  = 64 * 1024
)

// Config holds the per-client exchange parameters. The zero value of an
// optional field selects its default.
type Config struct {
	Host         string
	Port         int
	Timeout      time.Duration // per request, enforced by the liveness check
	PollInterval time.Duration // liveness check cadence, independent of Timeout
	MaxResponse  int           // response accumulation cap in bytes
	TLS          *tls.Config   // optional; nil selects TLS 1.2+ with system roots
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxResponse == 0 {
		c.MaxResponse = defaultMaxResponse
	}
}

// Client performs synchronous request/response exchanges over a
// callback-driven transport. It supports at most one exchange in flight.
type Client struct {
	cfg    Config
	dialer Dialer

	mu       sync.Mutex
	inFlight bool
}

// Option configures a Client beyond its Config.
type Option func(*Client)

// WithDialer substitutes the transport implementation.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	errFactory := errors.New()

	if cfg.Host == "" {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "host must not be empty")
	}
	cfg.applyDefaults()

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = newTLSDialer(cfg.TLS)
	}

	return c, nil
}

// Do sends one request and blocks until the exchange reaches a terminal
// state. On success it returns exactly the bytes accumulated up to the
// remote close; on timeout or transport failure it returns the classified
// error. The wait is cooperative: the calling goroutine blocks on the
// session's completion while a ticker runs the deadline check.
func (c *Client) Do(ctx context.Context, request []byte) ([]byte, error) {
	errFactory := errors.New()

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, errFactory.New(ErrSessionBusy)
	}
	c.inFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	s := newSession(request, time.Now().Add(c.cfg.Timeout), c.cfg.MaxResponse)
	s.begin()
	go c.run(ctx, s)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return s.result()
		case now := <-ticker.C:
			if s.handlePoll(now) {
				logger.Debug().
					Str("host", c.cfg.Host).
					Dur("timeout", c.cfg.Timeout).
					Msg("Request deadline elapsed")
			}
		case <-ctx.Done():
			s.handleError(errFactory.Wrap(ErrRequestCanceled, ctx.Err()))
			<-s.done
			return s.result()
		}
	}
}

// run drives one session on the transport goroutine: resolve, connect,
// write, then pump inbound events into the session until it ends.
func (c *Client) run(ctx context.Context, s *session) {
	errFactory := errors.New()

	addr, err := c.dialer.Resolve(ctx, c.cfg.Host)
	if err != nil {
		s.handleError(coded(err, ErrResolveFailed))
		return
	}

	if !s.handleResolved() {
		return
	}

	conn, err := c.dialer.Connect(ctx, net.JoinHostPort(addr, strconv.Itoa(c.cfg.Port)), c.cfg.Host)
	if err != nil {
		s.handleError(coded(err, ErrConnectFailed))
		return
	}

	if !s.handleConnected(conn) {
		// The session ended while the handshake was in flight. The handle
		// was never attached, so it is this goroutine's to release.
		conn.Abort()
		return
	}

	if err := conn.Write(s.request); err != nil {
		s.handleError(errFactory.Wrap(ErrWriteFailed, err))
		return
	}

	if !s.handleSent() {
		return
	}

	for {
		chunk, err := conn.Read()
		if len(chunk) > 0 {
			if !s.handleData(chunk) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.handleRemoteClose()
			} else {
				s.handleError(errFactory.Wrap(ErrRemoteClosed, err))
			}
			return
		}
	}
}
