// Package metrics exposes Prometheus collectors for the Electrum proxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "electrumproxy"

// Cache kinds.
const (
	CacheRawTx     = "raw_tx"
	CacheVerboseTx = "verbose_tx"
)

// Channel names.
const (
	ChannelBridge       = "bridge"
	ChannelDirectQuery  = "direct_query"
	ChannelSubscription = "subscription"
)

// Health check results.
const (
	HealthAlive     = "alive"
	HealthDead      = "dead"
	HealthContended = "contended"
)

var (
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Count of transaction cache lookups.",
	}, []string{"server", "kind", "result"})
	cacheStoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "stores_total",
		Help:      "Count of transaction cache writes.",
	}, []string{"server", "kind", "status"})
	channelConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "connects_total",
		Help:      "Count of upstream connection attempts per channel.",
	}, []string{"server", "channel", "status"})
	channelConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "connect_duration_seconds",
		Help:      "Duration of upstream connection establishment.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"server", "channel", "status"})
	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "direct_query",
		Name:      "health_checks_total",
		Help:      "Count of health checks by result.",
	}, []string{"server", "result"})
	healthCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "direct_query",
		Name:      "health_check_duration_seconds",
		Help:      "Duration of health checks.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"server", "result"})
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "notifications_total",
		Help:      "Count of notifications published by type.",
	}, []string{"server", "type"})
	bridgeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "wallet_connections",
		Help:      "Number of wallet connections currently relayed.",
	}, []string{"server"})
)

// Proxy records metrics for a single upstream server.  A nil *Proxy is
// valid and records nothing.
type Proxy struct {
	server string
}

// NewProxy constructs a metrics recorder labelled with server.
func NewProxy(server string) *Proxy {
	if server == "" {
		server = "unknown"
	}
	return &Proxy{server: server}
}

// ObserveCacheLookup records a cache hit or miss.
func (m *Proxy) ObserveCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(m.server, kind, result).Inc()
}

// ObserveCacheStore records a cache write outcome.
func (m *Proxy) ObserveCacheStore(kind string, err error) {
	if m == nil {
		return
	}
	cacheStoresTotal.WithLabelValues(m.server, kind, status(err)).Inc()
}

// ObserveConnect records an upstream connection attempt for channel.
func (m *Proxy) ObserveConnect(channel string, err error, started time.Time) {
	if m == nil {
		return
	}
	s := status(err)
	channelConnectsTotal.WithLabelValues(m.server, channel, s).Inc()
	channelConnectDuration.WithLabelValues(m.server, channel, s).
		Observe(time.Since(started).Seconds())
}

// ObserveHealthCheck records the outcome of a ping.
func (m *Proxy) ObserveHealthCheck(result string, started time.Time) {
	if m == nil {
		return
	}
	healthChecksTotal.WithLabelValues(m.server, result).Inc()
	healthCheckDuration.WithLabelValues(m.server, result).
		Observe(time.Since(started).Seconds())
}

// ObserveNotification records a published notification.
func (m *Proxy) ObserveNotification(kind string) {
	if m == nil {
		return
	}
	notificationsTotal.WithLabelValues(m.server, kind).Inc()
}

// BridgeConnectionOpened increments the relayed wallet connection gauge.
func (m *Proxy) BridgeConnectionOpened() {
	if m == nil {
		return
	}
	bridgeConnections.WithLabelValues(m.server).Inc()
}

// BridgeConnectionClosed decrements the relayed wallet connection gauge.
func (m *Proxy) BridgeConnectionClosed() {
	if m == nil {
		return
	}
	bridgeConnections.WithLabelValues(m.server).Dec()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
