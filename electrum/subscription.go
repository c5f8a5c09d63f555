package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/electrumproxy/metrics"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// subscriptionIDBase seeds the request ids of the subscription channel.
const subscriptionIDBase = 200000

// HealthCheckFunc reports whether the server is still answering.  It is
// consulted by the subscription listener after a period of silence.
type HealthCheckFunc func(timeout time.Duration) bool

// SubscriptionConfig holds the collaborators of a Subscription channel.
type SubscriptionConfig struct {
	Factory *ConnFactory

	// Bus receives every decoded push notification.
	Bus *NotificationBus

	// HealthCheck is run when the listener has read nothing for a full
	// read timeout.  If nil, silence is never treated as suspicious.
	HealthCheck HealthCheckFunc

	Metrics *metrics.Proxy
}

// validate checks the required config options are set.
func (c *SubscriptionConfig) validate() error {
	if c == nil {
		return errors.New("missing subscription config")
	}
	if c.Factory == nil {
		return errors.New("missing connection factory")
	}
	if c.Bus == nil {
		return errors.New("missing notification bus")
	}
	return nil
}

// Subscription maintains the long-lived connection carrying
// headers.subscribe and scripthash.subscribe, and runs the listener that
// turns server pushes into notifications.
//
// Only the listener reads the socket once it is running.  Writers that add
// subscriptions afterwards only write, and ask the listener to drop what it
// reads through the paused flag.  The listener never takes mtx, so Stop can
// always close the socket and wait for it.
type Subscription struct {
	paused  int32 // To be used atomically.
	running int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg SubscriptionConfig

	// ctx is cancelled by Stop to abort a Start that is still connecting.
	ctx    context.Context
	cancel context.CancelFunc

	// mtx guards the fields below.
	mtx          sync.Mutex
	upstream     *upstreamConn
	tracked      map[string]struct{}
	listenerQuit chan struct{}
	listenerWg   sync.WaitGroup
}

// NewSubscription returns a channel that connects when Start is called.
func NewSubscription(cfg *SubscriptionConfig) (*Subscription, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		cfg:    *cfg,
		ctx:    ctx,
		cancel: cancel,
		upstream: newUpstreamConn(
			metrics.ChannelSubscription, cfg.Factory, cfg.Metrics,
			subscriptionIDBase,
		),
		tracked: make(map[string]struct{}),
	}, nil
}

// Running reports whether the listener is currently active.
func (s *Subscription) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Tracked returns the script hashes subscribed on the current connection.
func (s *Subscription) Tracked() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	hashes := make([]string, 0, len(s.tracked))
	for scriptHash := range s.tracked {
		hashes = append(hashes, scriptHash)
	}
	return hashes
}

// withStop derives a context that is also cancelled by Stop.
func (s *Subscription) withStop(ctx context.Context) (context.Context,
	context.CancelFunc) {

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Start subscribes to block headers and to every script hash, publishes the
// current tip as a NewBlockHeader and returns the initial status of each
// script hash, then hands the socket to the listener.  The returned map has
// exactly one entry per distinct script hash.  Any previously running
// listener is stopped and a fresh connection is used.
func (s *Subscription) Start(ctx context.Context,
	scriptHashes []string) (map[string]fn.Option[string], error) {

	if atomic.LoadInt32(&s.stopped) == 1 {
		return nil, ErrProxyStopped
	}

	ctx, cancel := s.withStop(ctx)
	defer cancel()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if atomic.LoadInt32(&s.stopped) == 1 {
		return nil, ErrProxyStopped
	}

	s.stopListenerLocked()
	s.upstream.teardown()
	s.tracked = make(map[string]struct{})

	if err := s.upstream.ensure(ctx); err != nil {
		return nil, err
	}

	statuses, err := s.subscribeLocked(ctx, uniqueStrings(scriptHashes))
	if err != nil {
		s.upstream.teardown()
		return nil, err
	}

	for scriptHash := range statuses {
		s.tracked[scriptHash] = struct{}{}
	}
	s.startListenerLocked()

	log.Infof("Subscribed to headers and %d script hashes", len(statuses))
	return statuses, nil
}

// subscribeLocked runs the startup exchange.  Replies are matched by id in
// whatever order the server sends them.  Pushes seen before the header reply
// are skipped; pushes seen after it are published right away.
func (s *Subscription) subscribeLocked(ctx context.Context,
	scriptHashes []string) (map[string]fn.Option[string], error) {

	u := s.upstream

	headersID, err := u.write(methodHeadersSubscribe)
	if err != nil {
		return nil, err
	}
	outstanding := make(map[uint64]string, len(scriptHashes))
	for _, scriptHash := range scriptHashes {
		id, err := u.write(methodScriptHashSubscribe, scriptHash)
		if err != nil {
			return nil, err
		}
		outstanding[id] = scriptHash
	}
	if err := u.flush(); err != nil {
		return nil, err
	}

	statuses := make(map[string]fn.Option[string], len(scriptHashes))
	for _, scriptHash := range scriptHashes {
		statuses[scriptHash] = fn.None[string]()
	}

	gotHeaders := false
	for !gotHeaders || len(outstanding) != 0 {
		msg, err := s.readReplyLocked(ctx, gotHeaders)
		if err != nil {
			return nil, err
		}
		id, _ := msg.numericID()

		if id == headersID && !gotHeaders {
			if rpcErr := msg.rpcError(); rpcErr != nil {
				return nil, fmt.Errorf("headers.subscribe: %w",
					rpcErr)
			}
			var tip headerResult
			err := json.Unmarshal(msg.Result, &tip)
			if err != nil {
				return nil, fmt.Errorf("%w: headers.subscribe: "+
					"%v", ErrMalformedResponse, err)
			}
			s.publish(tip.notification())
			gotHeaders = true
			continue
		}

		scriptHash, ok := outstanding[id]
		if !ok {
			continue
		}
		delete(outstanding, id)

		if rpcErr := msg.rpcError(); rpcErr != nil {
			log.Warnf("Unable to subscribe to %s: %v", scriptHash,
				rpcErr)
			continue
		}
		status, err := decodeStatus(msg.Result)
		if err != nil {
			log.Warnf("Malformed status for %s: %v", scriptHash, err)
			continue
		}
		statuses[scriptHash] = status
	}
	return statuses, nil
}

// readReplyLocked returns the next line that is a reply.  Pushes are
// published when dispatch is set and skipped otherwise.  Undecodable lines
// are skipped.
func (s *Subscription) readReplyLocked(ctx context.Context,
	dispatch bool) (*message, error) {

	for {
		line, err := s.upstream.readLine(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := decodeMessage(line)
		if err != nil {
			log.Debugf("Skipping undecodable line: %v", err)
			continue
		}
		if !msg.isPush() {
			return msg, nil
		}
		if dispatch {
			s.dispatch(msg)
		}
	}
}

// AddScriptHashes subscribes to script hashes not yet tracked.  While the
// listener runs, the requests are only written; the listener drops what it
// reads until they are sent, and status changes arrive later as pushes, so
// the new script hashes are reported with an unknown status.  If the
// listener is not running, the channel is restarted with the full set.
func (s *Subscription) AddScriptHashes(ctx context.Context,
	scriptHashes []string) (map[string]fn.Option[string], error) {

	if atomic.LoadInt32(&s.stopped) == 1 {
		return nil, ErrProxyStopped
	}

	s.mtx.Lock()
	var added []string
	for _, scriptHash := range uniqueStrings(scriptHashes) {
		if _, ok := s.tracked[scriptHash]; !ok {
			added = append(added, scriptHash)
		}
	}
	if len(added) == 0 {
		s.mtx.Unlock()
		return map[string]fn.Option[string]{}, nil
	}

	if !s.Running() {
		all := append(added, mapKeys(s.tracked)...)
		s.mtx.Unlock()

		statuses, err := s.Start(ctx, all)
		if err != nil {
			return nil, err
		}
		result := make(map[string]fn.Option[string], len(added))
		for _, scriptHash := range added {
			result[scriptHash] = statuses[scriptHash]
		}
		return result, nil
	}
	defer s.mtx.Unlock()

	atomic.StoreInt32(&s.paused, 1)
	defer atomic.StoreInt32(&s.paused, 0)

	result := make(map[string]fn.Option[string], len(added))
	for _, scriptHash := range added {
		if _, err := s.upstream.write(
			methodScriptHashSubscribe, scriptHash,
		); err != nil {

			s.upstream.closeConn()
			return nil, err
		}
		result[scriptHash] = fn.None[string]()
	}
	if err := s.upstream.flush(); err != nil {
		s.upstream.closeConn()
		return nil, err
	}

	for scriptHash := range result {
		s.tracked[scriptHash] = struct{}{}
	}
	log.Debugf("Added %d script hash subscriptions", len(added))
	return result, nil
}

// startListenerLocked hands the socket to a new listener goroutine.
func (s *Subscription) startListenerLocked() {
	quit := make(chan struct{})
	s.listenerQuit = quit

	atomic.StoreInt32(&s.running, 1)
	s.listenerWg.Add(1)
	go s.listen(s.upstream.conn, s.upstream.reader, s.upstream.readTimeout,
		quit)
}

// stopListenerLocked closes the socket, then stops the listener and waits
// for it.  The listener never takes mtx, so waiting here cannot deadlock.
func (s *Subscription) stopListenerLocked() {
	if s.listenerQuit == nil {
		return
	}
	s.upstream.closeConn()
	close(s.listenerQuit)
	s.listenerWg.Wait()
	s.listenerQuit = nil
}

// listen reads the socket until it fails or quit is closed.  It owns the
// reader exclusively and must never take mtx.
func (s *Subscription) listen(conn net.Conn, reader *lineReader,
	readTimeout time.Duration, quit chan struct{}) {

	defer s.listenerWg.Done()
	defer atomic.StoreInt32(&s.running, 0)

	quitting := func() bool {
		select {
		case <-quit:
			return true
		default:
			return false
		}
	}

	for {
		if quitting() {
			return
		}

		err := conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err != nil {
			return
		}
		line, err := reader.readLine()
		switch {
		case err == nil:

		case isTimeout(err):
			if quitting() || s.cfg.HealthCheck == nil {
				continue
			}
			if s.cfg.HealthCheck(readTimeout) {
				log.Tracef("Subscription idle, server alive")
				continue
			}
			if quitting() {
				return
			}
			log.Warnf("Subscription connection to %s lost",
				s.cfg.Factory.Config().Addr())
			conn.Close()
			s.publish(ConnectionLost{})
			return

		default:
			log.Debugf("Subscription listener exiting: %v", err)
			return
		}

		if atomic.LoadInt32(&s.paused) == 1 {
			continue
		}

		msg, err := decodeMessage(line)
		if err != nil {
			log.Debugf("Skipping undecodable line: %v", err)
			continue
		}
		if !msg.isPush() {
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch decodes a push and publishes it.
func (s *Subscription) dispatch(msg *message) {
	n, err := decodeNotification(msg)
	if err != nil {
		log.Warnf("Dropping push: %v", err)
		return
	}
	s.publish(n)
}

func (s *Subscription) publish(n Notification) {
	s.cfg.Metrics.ObserveNotification(notificationType(n))
	s.cfg.Bus.Publish(n)
}

// Stop closes the socket, stops the listener, then clears all state.  Later
// calls return ErrProxyStopped.
func (s *Subscription) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}

	s.upstream.closeConn()
	s.cancel()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.stopListenerLocked()
	s.upstream.teardown()
	s.tracked = make(map[string]struct{})
}

// notificationType names a notification for metrics and logs.
func notificationType(n Notification) string {
	switch n.(type) {
	case ScriptHashChanged:
		return "scripthash"
	case NewBlockHeader:
		return "header"
	case ConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func mapKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
