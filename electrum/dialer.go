package electrum

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/go-socks/socks"
)

const (
	// DefaultConnectTimeout bounds establishing a connection, including
	// the SOCKS negotiation and the TLS handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultReadTimeout bounds waiting for a reply line.
	DefaultReadTimeout = 60 * time.Second

	// DefaultTorRetryAttempts is the number of connection attempts made
	// over Tor before giving up.
	DefaultTorRetryAttempts = 3

	// DefaultTorRetryBackoff is the base delay between Tor connection
	// attempts.  Attempt n waits n times this value.
	DefaultTorRetryBackoff = 2 * time.Second
)

// RetryPolicy controls how many times a connection is attempted and how long
// to wait between attempts.  Attempt n (counting from 1) is followed by a
// delay of n * Backoff.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// NoRetry makes exactly one attempt.
var NoRetry = RetryPolicy{Attempts: 1}

// DefaultTorRetryPolicy tolerates transient circuit failures.
var DefaultTorRetryPolicy = RetryPolicy{
	Attempts: DefaultTorRetryAttempts,
	Backoff:  DefaultTorRetryBackoff,
}

// DialFunc opens a raw TCP connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ConnConfig describes the upstream Electrum server and how to reach it.
type ConnConfig struct {
	// Host and Port identify the Electrum server.
	Host string
	Port int

	// UseTLS wraps the connection in TLS validated by trust on first use.
	UseTLS bool

	// UseTor routes the connection through the SOCKS5 proxy at TorProxy.
	UseTor       bool
	TorProxy     string
	TorIsolation bool

	// ConnectTimeout bounds each connection attempt; ReadTimeout bounds
	// each wait for a reply line.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// TorRetry is applied when UseTor is set.  Clearnet connections are
	// never retried.  A zero value selects DefaultTorRetryPolicy.
	TorRetry RetryPolicy

	// Dial overrides how raw connections are opened.  When nil, a direct
	// TCP dial or a SOCKS5 dial through TorProxy is used.
	Dial DialFunc
}

// Addr returns the host:port of the Electrum server.
func (c ConnConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// validate checks the required config options are set.
func (c *ConnConfig) validate() error {
	if c == nil {
		return errors.New("missing conn config")
	}
	if c.Host == "" {
		return errors.New("missing electrum server host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid electrum server port %d", c.Port)
	}
	if c.UseTor && c.TorProxy == "" && c.Dial == nil {
		return errors.New("tor enabled without a socks proxy address")
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.TorRetry.Attempts < 0 || c.TorRetry.Backoff < 0 {
		return errors.New("tor retry policy must not be negative")
	}
	return nil
}

// ConnFactory produces connected, optionally TLS-wrapped sockets to the
// configured Electrum server.  It is shared by every channel of a Proxy.
type ConnFactory struct {
	cfg   ConnConfig
	trust *TrustDecision
	retry RetryPolicy
	dial  DialFunc

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	preMtx       sync.Mutex
	preConnected net.Conn
}

// NewConnFactory validates cfg and returns a factory.  trust may only be nil
// if TLS is disabled.
func NewConnFactory(cfg *ConnConfig, trust *TrustDecision) (*ConnFactory,
	error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.UseTLS && trust == nil {
		return nil, errors.New("tls enabled without a trust decision")
	}

	f := &ConnFactory{
		cfg:   *cfg,
		trust: trust,
		retry: NoRetry,
		sleep: sleepContext,
	}
	if f.cfg.ConnectTimeout == 0 {
		f.cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if f.cfg.ReadTimeout == 0 {
		f.cfg.ReadTimeout = DefaultReadTimeout
	}
	if f.cfg.UseTor {
		f.retry = f.cfg.TorRetry
		if f.retry.Attempts == 0 {
			f.retry = DefaultTorRetryPolicy
		}
	}

	switch {
	case f.cfg.Dial != nil:
		f.dial = f.cfg.Dial

	case f.cfg.UseTor:
		proxy := &socks.Proxy{
			Addr:         f.cfg.TorProxy,
			TorIsolation: f.cfg.TorIsolation,
		}
		f.dial = socksDialer(proxy, f.cfg.ConnectTimeout)

	default:
		dialer := &net.Dialer{Timeout: f.cfg.ConnectTimeout}
		f.dial = dialer.DialContext
	}

	return f, nil
}

// Config returns a copy of the factory's effective configuration.
func (f *ConnFactory) Config() ConnConfig {
	return f.cfg
}

// ReadTimeout is the per-line read budget for channels built on the
// factory.
func (f *ConnFactory) ReadTimeout() time.Duration {
	return f.cfg.ReadTimeout
}

// UsePreConnected hands the factory a connection that is already
// established (and, with TLS, already past the trust decision).  The next
// Connect returns it instead of dialing; it is consumed at most once.
func (f *ConnFactory) UsePreConnected(conn net.Conn) {
	f.preMtx.Lock()
	prev := f.preConnected
	f.preConnected = conn
	f.preMtx.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// takePreConnected returns and forgets the pre-connected socket, if any.
func (f *ConnFactory) takePreConnected() net.Conn {
	f.preMtx.Lock()
	defer f.preMtx.Unlock()

	conn := f.preConnected
	f.preConnected = nil
	return conn
}

// Close releases an unused pre-connected socket.
func (f *ConnFactory) Close() {
	if conn := f.takePreConnected(); conn != nil {
		conn.Close()
	}
}

// Connect returns a ready connection to the Electrum server.  Transport
// failures are retried according to the policy; trust signals
// (FirstUseError, FingerprintMismatchError) are returned immediately and
// unmodified so they can reach the user.
func (f *ConnFactory) Connect(ctx context.Context) (net.Conn, error) {
	if conn := f.takePreConnected(); conn != nil {
		log.Debugf("Reusing pre-connected socket to %s", f.cfg.Addr())
		return conn, nil
	}

	attempts := f.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := f.connectOnce(ctx)
		if err == nil {
			return conn, nil
		}
		if IsTrustError(err) {
			return nil, err
		}
		lastErr = err

		if attempt == attempts || ctx.Err() != nil {
			break
		}

		delay := time.Duration(attempt) * f.retry.Backoff
		log.Debugf("Connection attempt %d/%d to %s failed: %v, "+
			"retrying in %v", attempt, attempts, f.cfg.Addr(), err,
			delay)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("unable to connect to %s: %w", f.cfg.Addr(),
		lastErr)
}

// connectOnce performs a single dial and, if configured, TLS handshake.
func (f *ConnFactory) connectOnce(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	conn, err := f.dial(ctx, "tcp", f.cfg.Addr())
	if err != nil {
		return nil, err
	}

	if !f.cfg.UseTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, f.trust.TLSConfig(f.cfg.Host, f.cfg.Port))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()

		// Hand back the trust signal itself rather than the
		// handshake's wrapping of it.
		var (
			firstUse *FirstUseError
			mismatch *FingerprintMismatchError
		)
		switch {
		case errors.As(err, &firstUse):
			return nil, firstUse
		case errors.As(err, &mismatch):
			return nil, mismatch
		}
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// socksDialer adapts a SOCKS5 proxy to DialFunc.  The proxy dial is not
// context aware, so cancellation abandons the attempt and closes whatever
// connection it eventually produces.
func socksDialer(proxy *socks.Proxy, timeout time.Duration) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn,
		error) {

		type result struct {
			conn net.Conn
			err  error
		}
		done := make(chan result, 1)
		go func() {
			conn, err := proxy.DialTimeout(network, addr, timeout)
			done <- result{conn, err}
		}()

		select {
		case r := <-done:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-done; r.conn != nil {
					r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
