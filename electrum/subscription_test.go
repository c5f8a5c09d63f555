package electrum

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

type subscriptionHarness struct {
	server *fakeServer
	bus    *NotificationBus
	client *NotificationClient
	sub    *Subscription
	checks int32
}

func newSubscriptionHarness(t *testing.T, readTimeout time.Duration,
	healthy bool) *subscriptionHarness {

	t.Helper()

	h := &subscriptionHarness{
		server: newFakeServer(t),
		bus:    NewNotificationBus(),
	}
	h.client = h.bus.Subscribe()

	cfg := h.server.connConfig()
	cfg.ReadTimeout = readTimeout
	factory, err := NewConnFactory(cfg, nil)
	require.NoError(t, err)

	h.sub, err = NewSubscription(&SubscriptionConfig{
		Factory: factory,
		Bus:     h.bus,
		HealthCheck: func(time.Duration) bool {
			atomic.AddInt32(&h.checks, 1)
			return healthy
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.sub.Stop()
		h.bus.Stop()
	})
	return h
}

// TestSubscriptionStart checks startup returns one status per distinct
// script hash and announces the tip.
func TestSubscriptionStart(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, testTimeout, true)
	h.server.mtx.Lock()
	h.server.statuses[testScriptHashA] = "beef"
	h.server.mtx.Unlock()

	statuses, err := h.sub.Start(context.Background(), []string{
		testScriptHashA, testScriptHashB, testScriptHashC,
		testScriptHashA,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]fn.Option[string]{
		testScriptHashA: fn.Some("beef"),
		testScriptHashB: fn.None[string](),
		testScriptHashC: fn.None[string](),
	}, statuses)

	require.Equal(t, NewBlockHeader{
		Height:    800000,
		HeaderHex: testHeaderHex,
	}, readNotification(t, h.client))

	require.True(t, h.sub.Running())
	require.ElementsMatch(t, []string{
		testScriptHashA, testScriptHashB, testScriptHashC,
	}, h.sub.Tracked())
	require.Equal(t, 3, h.server.methodCount(methodScriptHashSubscribe))
}

// TestSubscriptionPushObserved checks a status change pushed after startup
// reaches the bus.
func TestSubscriptionPushObserved(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, testTimeout, true)
	_, err := h.sub.Start(context.Background(), []string{testScriptHashA})
	require.NoError(t, err)
	readNotification(t, h.client)

	h.server.pushAll(pushLine(methodScriptHashSubscribe,
		testScriptHashA, "cafe"))

	require.Equal(t, ScriptHashChanged{
		ScriptHash: testScriptHashA,
		Status:     fn.Some("cafe"),
	}, readNotification(t, h.client))

	h.server.pushAll(pushLine(methodHeadersSubscribe, headerResult{
		Height: 800001,
		Hex:    testHeaderHex,
	}))
	require.Equal(t, NewBlockHeader{
		Height:    800001,
		HeaderHex: testHeaderHex,
	}, readNotification(t, h.client))
}

// TestSubscriptionStartupPushes checks pushes interleaved with the script
// hash replies are dispatched instead of dropped.
func TestSubscriptionStartupPushes(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, testTimeout, true)

	h.server.mtx.Lock()
	h.server.respond = func(msg *message) []string {
		if msg.Method == methodScriptHashSubscribe {
			return []string{
				pushLine(methodScriptHashSubscribe,
					testScriptHashB, "01"),
				resultLine(msg.ID, nil),
			}
		}
		return h.server.defaultRespond(msg)
	}
	h.server.mtx.Unlock()

	statuses, err := h.sub.Start(context.Background(), []string{
		testScriptHashA,
	})
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	require.IsType(t, NewBlockHeader{}, readNotification(t, h.client))
	require.Equal(t, ScriptHashChanged{
		ScriptHash: testScriptHashB,
		Status:     fn.Some("01"),
	}, readNotification(t, h.client))
}

// TestSubscriptionOutOfOrderReplies checks startup matches replies by id
// when the server answers a script hash before the headers request.
func TestSubscriptionOutOfOrderReplies(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, testTimeout, true)

	var heldHeaders []string
	h.server.mtx.Lock()
	h.server.statuses[testScriptHashA] = "beef"
	h.server.respond = func(msg *message) []string {
		switch msg.Method {
		case methodHeadersSubscribe:
			heldHeaders = h.server.defaultRespond(msg)
			return nil

		case methodScriptHashSubscribe:
			out := h.server.defaultRespond(msg)
			out = append(out, heldHeaders...)
			heldHeaders = nil
			return out
		}
		return h.server.defaultRespond(msg)
	}
	h.server.mtx.Unlock()

	start := time.Now()
	statuses, err := h.sub.Start(context.Background(), []string{
		testScriptHashA, testScriptHashB,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), testTimeout/2)
	require.Equal(t, map[string]fn.Option[string]{
		testScriptHashA: fn.Some("beef"),
		testScriptHashB: fn.None[string](),
	}, statuses)

	require.Equal(t, NewBlockHeader{
		Height:    800000,
		HeaderHex: testHeaderHex,
	}, readNotification(t, h.client))
	require.True(t, h.sub.Running())
}

// TestSubscriptionAddScriptHashes checks later subscriptions are only
// written, reported unknown, and leave the listener in charge.
func TestSubscriptionAddScriptHashes(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, testTimeout, true)
	_, err := h.sub.Start(context.Background(), []string{testScriptHashA})
	require.NoError(t, err)
	readNotification(t, h.client)

	added, err := h.sub.AddScriptHashes(context.Background(), []string{
		testScriptHashA, testScriptHashB,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]fn.Option[string]{
		testScriptHashB: fn.None[string](),
	}, added)
	require.Equal(t, int32(0), atomic.LoadInt32(&h.sub.paused))

	require.Eventually(t, func() bool {
		return h.server.methodCount(methodScriptHashSubscribe) == 2
	}, testTimeout, 10*time.Millisecond)

	// The listener still dispatches pushes for the new script hash.
	h.server.pushAll(pushLine(methodScriptHashSubscribe,
		testScriptHashB, "02"))
	require.Equal(t, ScriptHashChanged{
		ScriptHash: testScriptHashB,
		Status:     fn.Some("02"),
	}, readNotification(t, h.client))

	added, err = h.sub.AddScriptHashes(context.Background(), []string{
		testScriptHashB,
	})
	require.NoError(t, err)
	require.Empty(t, added)
}

// TestSubscriptionAddRestartsStoppedListener checks adding to a dead
// channel resubscribes everything.
func TestSubscriptionAddRestartsStoppedListener(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, testTimeout, true)
	_, err := h.sub.Start(context.Background(), []string{testScriptHashA})
	require.NoError(t, err)

	h.server.dropConnections()
	require.Eventually(t, func() bool {
		return !h.sub.Running()
	}, testTimeout, 10*time.Millisecond)

	added, err := h.sub.AddScriptHashes(context.Background(), []string{
		testScriptHashB,
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	require.True(t, h.sub.Running())
	require.Equal(t, 2, h.server.acceptedConns())
	require.ElementsMatch(t, []string{
		testScriptHashA, testScriptHashB,
	}, h.sub.Tracked())
}

// TestSubscriptionPausedDropsPushes checks pushes read while paused are not
// dispatched.
func TestSubscriptionPausedDropsPushes(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, testTimeout, true)
	_, err := h.sub.Start(context.Background(), []string{testScriptHashA})
	require.NoError(t, err)
	readNotification(t, h.client)

	atomic.StoreInt32(&h.sub.paused, 1)
	h.server.pushAll(pushLine(methodScriptHashSubscribe,
		testScriptHashA, "dropped"))
	time.Sleep(200 * time.Millisecond)
	atomic.StoreInt32(&h.sub.paused, 0)

	h.server.pushAll(pushLine(methodScriptHashSubscribe,
		testScriptHashA, "seen"))
	require.Equal(t, ScriptHashChanged{
		ScriptHash: testScriptHashA,
		Status:     fn.Some("seen"),
	}, readNotification(t, h.client))
}

// TestSubscriptionConnectionLost checks silence followed by a failed health
// check is reported.
func TestSubscriptionConnectionLost(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, 100*time.Millisecond, false)
	_, err := h.sub.Start(context.Background(), nil)
	require.NoError(t, err)
	readNotification(t, h.client)

	require.Equal(t, ConnectionLost{}, readNotification(t, h.client))
	require.Eventually(t, func() bool {
		return !h.sub.Running()
	}, testTimeout, 10*time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&h.checks))
}

// TestSubscriptionIdleButAlive checks a healthy silent server keeps the
// listener running.
func TestSubscriptionIdleButAlive(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, 100*time.Millisecond, true)
	_, err := h.sub.Start(context.Background(), nil)
	require.NoError(t, err)
	readNotification(t, h.client)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.checks) >= 3
	}, testTimeout, 10*time.Millisecond)
	require.True(t, h.sub.Running())

	h.server.pushAll(pushLine(methodScriptHashSubscribe,
		testScriptHashA, "after-idle"))
	n := readNotification(t, h.client)
	require.IsType(t, ScriptHashChanged{}, n)
}

// TestSubscriptionStop checks Stop never waits on the listener's blocking
// read, and that the channel refuses further work.
func TestSubscriptionStop(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, time.Hour, true)
	_, err := h.sub.Start(context.Background(), []string{testScriptHashA})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.sub.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("stop deadlocked against the listener")
	}

	require.False(t, h.sub.Running())
	require.Empty(t, h.sub.Tracked())

	_, err = h.sub.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrProxyStopped)
	_, err = h.sub.AddScriptHashes(context.Background(), []string{
		testScriptHashB,
	})
	require.ErrorIs(t, err, ErrProxyStopped)
}

// TestSubscriptionStopDuringStart checks Stop aborts a startup that waits
// on a silent server.
func TestSubscriptionStopDuringStart(t *testing.T) {
	t.Parallel()

	h := newSubscriptionHarness(t, time.Hour, true)
	h.server.mtx.Lock()
	h.server.respond = func(msg *message) []string {
		if msg.Method == methodServerVersion {
			return []string{resultLine(msg.ID, []string{"x", "1.4"})}
		}
		return nil
	}
	h.server.mtx.Unlock()

	errs := make(chan error, 1)
	go func() {
		_, err := h.sub.Start(context.Background(), []string{
			testScriptHashA,
		})
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return h.server.methodCount(methodHeadersSubscribe) == 1
	}, testTimeout, 10*time.Millisecond)

	h.sub.Stop()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatalf("start not aborted by stop")
	}
}
