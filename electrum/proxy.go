package electrum

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/electrumproxy/metrics"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultHealthInterval is how often the proxy pings the server while
// running.
const DefaultHealthInterval = time.Minute

// Status is the connectivity state reported to the application.
type Status uint8

const (
	// StatusDisconnected means the server is not reachable, or has not
	// been contacted yet.
	StatusDisconnected Status = iota

	// StatusConnecting means a connection attempt is in progress.
	StatusConnecting

	// StatusConnected means the server answered recently.
	StatusConnected

	// StatusCertificateRequired means a trust decision is pending: the
	// server presented a certificate that was never approved, or one
	// that differs from the pinned certificate.
	StatusCertificateRequired
)

// String returns a human readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusCertificateRequired:
		return "certificate required"
	default:
		return "unknown"
	}
}

// ProxyConfig holds everything a Proxy needs at construction.
type ProxyConfig struct {
	// Conn describes the upstream server.
	Conn ConnConfig

	// Cache is the transaction cache.  It may be nil.
	Cache TxCache

	// TrustStore holds the certificate pins.  It is required with TLS.
	TrustStore TrustStore

	// BridgeListenAddr overrides the loopback address of the bridge.
	BridgeListenAddr string

	// HealthInterval is how often the server is pinged.  Zero selects
	// DefaultHealthInterval.
	HealthInterval time.Duration

	// HealthTicker overrides the ticker created from HealthInterval.
	HealthTicker ticker.Ticker

	// HealthTimeout is the budget of each ping.  Zero selects
	// DefaultPingTimeout.
	HealthTimeout time.Duration

	// Metrics records proxy statistics.  It may be nil.
	Metrics *metrics.Proxy
}

// validate checks the required config options are set.
func (c *ProxyConfig) validate() error {
	if c == nil {
		return errors.New("missing proxy config")
	}
	if err := c.Conn.validate(); err != nil {
		return err
	}
	if c.Conn.UseTLS && c.TrustStore == nil {
		return errors.New("tls enabled without a trust store")
	}
	if c.HealthInterval < 0 || c.HealthTimeout < 0 {
		return errors.New("health intervals must not be negative")
	}
	return nil
}

// Proxy ties the three upstream channels together around one connection
// factory and one trust decision.
type Proxy struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg ProxyConfig

	trust        *TrustDecision
	factory      *ConnFactory
	bus          *NotificationBus
	bridge       *Bridge
	direct       *DirectQuery
	subscription *Subscription
	health       ticker.Ticker

	statusMtx     sync.Mutex
	status        Status
	statusClients map[uint64]chan Status
	nextStatusID  uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewProxy builds every channel of the proxy without opening any
// connection.
func NewProxy(cfg *ProxyConfig) (*Proxy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Proxy{
		cfg:           *cfg,
		bus:           NewNotificationBus(),
		statusClients: make(map[uint64]chan Status),
		quit:          make(chan struct{}),
	}
	if p.cfg.HealthInterval == 0 {
		p.cfg.HealthInterval = DefaultHealthInterval
	}
	if p.cfg.HealthTimeout == 0 {
		p.cfg.HealthTimeout = DefaultPingTimeout
	}
	p.health = p.cfg.HealthTicker
	if p.health == nil {
		p.health = ticker.New(p.cfg.HealthInterval)
	}

	if cfg.TrustStore != nil {
		p.trust = NewTrustDecision(cfg.TrustStore)
	}

	var err error
	p.factory, err = NewConnFactory(&p.cfg.Conn, p.trust)
	if err != nil {
		return nil, err
	}

	p.bridge, err = NewBridge(&BridgeConfig{
		Factory:             p.factory,
		Cache:               cfg.Cache,
		ListenAddr:          cfg.BridgeListenAddr,
		OnUpstreamError:     p.upstreamFailed,
		OnUpstreamConnected: p.upstreamConnected,
		Metrics:             cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	p.direct, err = NewDirectQuery(&DirectQueryConfig{
		Factory: p.factory,
		Cache:   cfg.Cache,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	p.subscription, err = NewSubscription(&SubscriptionConfig{
		Factory:     p.factory,
		Bus:         p.bus,
		HealthCheck: p.direct.Ping,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Start opens the bridge listener and starts the health monitor.  It
// returns the loopback port the wallet engine should connect to.
func (p *Proxy) Start() (int, error) {
	if atomic.LoadInt32(&p.stopped) == 1 {
		return 0, ErrProxyStopped
	}
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return p.bridge.Port(), nil
	}

	if err := p.bridge.Start(); err != nil {
		return 0, err
	}

	p.wg.Add(1)
	go p.healthMonitor()

	log.Infof("Electrum proxy for %s started on port %d",
		p.cfg.Conn.Addr(), p.bridge.Port())
	return p.bridge.Port(), nil
}

// Stop tears down every channel.  Each channel closes its sockets before
// stopping its goroutines and clearing its state.
func (p *Proxy) Stop() {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return
	}

	close(p.quit)

	// The subscription listener may be blocked in a health ping on the
	// direct channel.  Stopping the direct channel first fails that ping,
	// so the listener exits instead of being waited out.
	p.direct.Stop()
	p.subscription.Stop()
	p.bridge.Stop()
	p.bus.Stop()
	p.factory.Close()

	p.wg.Wait()
	p.bridge.WaitForShutdown()

	p.statusMtx.Lock()
	for id, c := range p.statusClients {
		close(c)
		delete(p.statusClients, id)
	}
	p.statusMtx.Unlock()

	log.Infof("Electrum proxy for %s stopped", p.cfg.Conn.Addr())
}

// Port returns the bridge port, or zero before Start.
func (p *Proxy) Port() int {
	return p.bridge.Port()
}

// Direct returns the ad-hoc query channel.
func (p *Proxy) Direct() *DirectQuery {
	return p.direct
}

// Subscription returns the push notification channel.
func (p *Proxy) Subscription() *Subscription {
	return p.subscription
}

// Notifications registers a new notification consumer.
func (p *Proxy) Notifications() *NotificationClient {
	return p.bus.Subscribe()
}

// CheckCertificate connects once so a pending trust decision surfaces
// before the wallet engine connects.  Trust signals are returned as-is.  On
// success the connection is kept for the next channel that connects.
func (p *Proxy) CheckCertificate(ctx context.Context) error {
	if atomic.LoadInt32(&p.stopped) == 1 {
		return ErrProxyStopped
	}

	p.setStatus(StatusConnecting)

	conn, err := p.factory.Connect(ctx)
	if err != nil {
		p.upstreamFailed(err)
		return err
	}

	p.factory.UsePreConnected(conn)
	p.setStatus(StatusConnected)
	return nil
}

// Approve pins a certificate the user accepted.  The caller should check
// again or let the wallet reconnect.
func (p *Proxy) Approve(info CertificateInfo) (TrustState, error) {
	if p.trust == nil {
		return TrustNoRecord, errors.New("tls is disabled")
	}
	state, err := p.trust.Approve(info)
	if err == nil {
		p.setStatus(StatusDisconnected)
	}
	return state, err
}

// Reject declines a certificate.  It always returns ErrCertificateRejected.
func (p *Proxy) Reject(info CertificateInfo) (TrustState, error) {
	if p.trust == nil {
		return TrustNoRecord, errors.New("tls is disabled")
	}
	p.setStatus(StatusDisconnected)
	return p.trust.Reject(info)
}

// Status returns the current connectivity state.
func (p *Proxy) Status() Status {
	p.statusMtx.Lock()
	defer p.statusMtx.Unlock()
	return p.status
}

// StatusChanges returns a channel receiving the latest status after every
// change, and a function to stop receiving.  A slow reader only ever misses
// intermediate states, never the most recent one.
func (p *Proxy) StatusChanges() (<-chan Status, func()) {
	c := make(chan Status, 1)

	p.statusMtx.Lock()
	defer p.statusMtx.Unlock()

	if atomic.LoadInt32(&p.stopped) == 1 {
		close(c)
		return c, func() {}
	}

	id := p.nextStatusID
	p.nextStatusID++
	p.statusClients[id] = c

	var once sync.Once
	return c, func() {
		once.Do(func() {
			p.statusMtx.Lock()
			defer p.statusMtx.Unlock()
			if _, ok := p.statusClients[id]; ok {
				delete(p.statusClients, id)
				close(c)
			}
		})
	}
}

func (p *Proxy) setStatus(s Status) {
	p.statusMtx.Lock()
	defer p.statusMtx.Unlock()

	if p.status == s {
		return
	}
	log.Debugf("Status %v -> %v", p.status, s)
	p.status = s

	for _, c := range p.statusClients {
		// Replace any undelivered status with the latest one.
		select {
		case <-c:
		default:
		}
		c <- s
	}
}

func (p *Proxy) upstreamFailed(err error) {
	if IsTrustError(err) && !errors.Is(err, ErrCertificateRejected) {
		p.setStatus(StatusCertificateRequired)
		return
	}
	p.setStatus(StatusDisconnected)
}

func (p *Proxy) upstreamConnected() {
	p.setStatus(StatusConnected)
}

// healthMonitor pings the server on every tick.  A pending trust decision
// is left alone; pinging would only fail the same way.
func (p *Proxy) healthMonitor() {
	defer p.wg.Done()

	p.health.Resume()
	defer p.health.Stop()

	for {
		select {
		case <-p.health.Ticks():
			if p.Status() == StatusCertificateRequired {
				continue
			}
			if p.direct.Ping(p.cfg.HealthTimeout) {
				p.setStatus(StatusConnected)
			} else {
				p.setStatus(StatusDisconnected)
			}

		case <-p.quit:
			return
		}
	}
}
