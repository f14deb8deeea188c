package cloud

import (
	"context"
	"crypto/tls"
	"net"

	"codeberg.org/mutker/greenhousectl/internal/errors"
)

const readChunkSize = 4096

// Conn is one established transport connection, exclusively owned by the
// session it was attached to.
type Conn interface {
	// Write transmits the full request.
	Write(p []byte) error
	// Read blocks for the next inbound chunk. It returns io.EOF once the
	// remote peer has closed the stream.
	Read() ([]byte, error)
	// Close shuts the connection down gracefully.
	Close() error
	// Abort tears the connection down immediately.
	Abort()
}

// Dialer resolves hostnames and establishes connections. The production
// implementation speaks TLS; tests substitute fakes through WithDialer.
type Dialer interface {
	Resolve(ctx context.Context, host string) (string, error)
	Connect(ctx context.Context, addr, serverName string) (Conn, error)
}

// tlsDialer is the production Dialer. Its TLS configuration is built once
// at client construction and shared read-only by every session.
type tlsDialer struct {
	tlsConfig *tls.Config
	resolver  *net.Resolver
}

func newTLSDialer(cfg *tls.Config) *tlsDialer {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &tlsDialer{
		tlsConfig: cfg,
		resolver:  net.DefaultResolver,
	}
}

func (d *tlsDialer) Resolve(ctx context.Context, host string) (string, error) {
	errFactory := errors.New()

	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", errFactory.Wrap(ErrResolveFailed, err)
	}
	if len(addrs) == 0 {
		return "", errFactory.WithData(ErrResolveFailed, host)
	}

	return addrs[0], nil
}

func (d *tlsDialer) Connect(ctx context.Context, addr, serverName string) (Conn, error) {
	errFactory := errors.New()

	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errFactory.Wrap(ErrConnectFailed, err)
	}

	cfg := d.tlsConfig.Clone()
	cfg.ServerName = serverName

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, errFactory.Wrap(ErrTLSHandshake, err)
	}

	return &tlsConn{tc: tc}, nil
}

type tlsConn struct {
	tc *tls.Conn
}

func (c *tlsConn) Write(p []byte) error {
	_, err := c.tc.Write(p)
	return err
}

func (c *tlsConn) Read() ([]byte, error) {
	buf := make([]byte, readChunkSize)
	n, err := c.tc.Read(buf)
	if n > 0 {
		return buf[:n], err
	}
	return nil, err
}

func (c *tlsConn) Close() error {
	return c.tc.Close()
}

func (c *tlsConn) Abort() {
	// Reset instead of lingering in a graceful TLS teardown
	if raw, ok := c.tc.NetConn().(*net.TCPConn); ok {
		raw.SetLinger(0)
	}
	c.tc.Close()
}
