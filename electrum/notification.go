package electrum

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrUnknownNotification is returned when the server pushes a method the
// proxy does not know how to represent.
var ErrUnknownNotification = errors.New("unknown electrum notification")

// Notification is a server-originated event delivered by the subscription
// channel.  The concrete types are ScriptHashChanged, NewBlockHeader and
// ConnectionLost; the set is closed.
type Notification interface {
	electrumNotification()
}

// Notification types.  These are produced only by the subscription channel
// and may be consumed by any number of NotificationBus clients.
type (
	// ScriptHashChanged is sent when the status of a subscribed script
	// hash changes.  Status is empty when the script hash has no history.
	ScriptHashChanged struct {
		ScriptHash string
		Status     fn.Option[string]
	}

	// NewBlockHeader is sent for the initial tip and for every new tip
	// announced by the server.
	NewBlockHeader struct {
		Height    int32
		HeaderHex string
	}

	// ConnectionLost is sent when the subscription connection stopped
	// answering and was abandoned.  Consumers should expect to resubscribe.
	ConnectionLost struct{}
)

func (ScriptHashChanged) electrumNotification() {}
func (NewBlockHeader) electrumNotification()    {}
func (ConnectionLost) electrumNotification()    {}

// Header decodes the announced block header.
func (n NewBlockHeader) Header() (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(n.HeaderHex)
	if err != nil {
		return nil, err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &header, nil
}

// headerResult is both the result of blockchain.headers.subscribe and the
// single param of its push.
type headerResult struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

func (h headerResult) notification() NewBlockHeader {
	return NewBlockHeader{Height: h.Height, HeaderHex: h.Hex}
}

// decodeStatus converts a scripthash status (a hex string or null).
func decodeStatus(raw json.RawMessage) (fn.Option[string], error) {
	if !isPresent(raw) {
		return fn.None[string](), nil
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return fn.None[string](), err
	}
	return fn.Some(status), nil
}

// decodeNotification is the single dispatch point mapping push methods to
// Notification values.  Every push method the proxy subscribes to must have
// a case here; anything else is reported as ErrUnknownNotification rather
// than silently dropped.
func decodeNotification(msg *message) (Notification, error) {
	switch msg.Method {
	case methodScriptHashSubscribe:
		var params []json.RawMessage
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if len(params) < 1 {
			return nil, fmt.Errorf("%w: scripthash push without "+
				"params", ErrMalformedResponse)
		}
		var scriptHash string
		if err := json.Unmarshal(params[0], &scriptHash); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		status := fn.None[string]()
		if len(params) > 1 {
			var err error
			status, err = decodeStatus(params[1])
			if err != nil {
				return nil, fmt.Errorf("%w: %v",
					ErrMalformedResponse, err)
			}
		}
		return ScriptHashChanged{
			ScriptHash: scriptHash,
			Status:     status,
		}, nil

	case methodHeadersSubscribe:
		var params []headerResult
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if len(params) < 1 {
			return nil, fmt.Errorf("%w: header push without params",
				ErrMalformedResponse)
		}
		return params[0].notification(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNotification,
			msg.Method)
	}
}

// NotificationClient receives every notification published on the bus after
// it subscribed.  Notifications are queued without bound, so a slow
// consumer never stalls the subscription listener.
type NotificationClient struct {
	// Notifications delivers the published events in order.  It is
	// closed once the client is cancelled or the bus stops.
	Notifications <-chan Notification

	id       uint64
	bus      *NotificationBus
	enqueue  chan Notification
	dequeue  chan Notification
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Cancel unregisters the client from the bus and closes its channel.
func (c *NotificationClient) Cancel() {
	c.bus.remove(c.id)
	c.stop()
}

func (c *NotificationClient) stop() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	c.wg.Wait()
}

// handler maintains the client's queue of notifications.
func (c *NotificationClient) handler() {
	defer c.wg.Done()
	defer close(c.dequeue)

	var (
		queue   []Notification
		dequeue chan Notification
		next    Notification
	)
	for {
		select {
		case n := <-c.enqueue:
			if len(queue) == 0 {
				next = n
				dequeue = c.dequeue
			}
			queue = append(queue, n)

		case dequeue <- next:
			queue[0] = nil
			queue = queue[1:]
			if len(queue) != 0 {
				next = queue[0]
			} else {
				next = nil
				dequeue = nil
			}

		case <-c.quit:
			return
		}
	}
}

// NotificationBus fans notifications out to any number of clients.
type NotificationBus struct {
	mtx     sync.Mutex
	clients map[uint64]*NotificationClient
	nextID  uint64
	stopped bool
}

// NewNotificationBus returns an empty bus.
func NewNotificationBus() *NotificationBus {
	return &NotificationBus{
		clients: make(map[uint64]*NotificationClient),
	}
}

// Subscribe registers a new client.  Subscribing to a stopped bus returns a
// client whose channel is already closed.
func (b *NotificationBus) Subscribe() *NotificationClient {
	dequeue := make(chan Notification)
	c := &NotificationClient{
		Notifications: dequeue,
		bus:           b,
		enqueue:       make(chan Notification),
		dequeue:       dequeue,
		quit:          make(chan struct{}),
	}
	c.wg.Add(1)
	go c.handler()

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.stopped {
		c.quitOnce.Do(func() { close(c.quit) })
		return c
	}
	c.id = b.nextID
	b.nextID++
	b.clients[c.id] = c
	return c
}

// Publish delivers n to every registered client.  It only blocks for as
// long as it takes each client's queue handler to accept the value.
func (b *NotificationBus) Publish(n Notification) {
	log.Debugf("Publishing notification %T", n)
	log.Tracef("Notification: %v", newNotificationLogClosure(n))

	b.mtx.Lock()
	defer b.mtx.Unlock()

	for _, c := range b.clients {
		select {
		case c.enqueue <- n:
		case <-c.quit:
		}
	}
}

// Stop cancels every client.  Publishing after Stop is a no-op.
func (b *NotificationBus) Stop() {
	b.mtx.Lock()
	clients := b.clients
	b.clients = make(map[uint64]*NotificationClient)
	b.stopped = true
	b.mtx.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

func (b *NotificationBus) remove(id uint64) {
	b.mtx.Lock()
	delete(b.clients, id)
	b.mtx.Unlock()
}
