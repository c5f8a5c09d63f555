package electrum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/electrumproxy/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	// minRawTxHexLen is the shortest result accepted as a raw
	// transaction worth caching.
	minRawTxHexLen = 20

	// defaultBridgeListenAddr binds an OS-assigned loopback port.
	defaultBridgeListenAddr = "127.0.0.1:0"
)

// BridgeConfig holds the collaborators of a Bridge.
type BridgeConfig struct {
	// Factory opens one upstream connection per wallet connection.
	Factory *ConnFactory

	// Cache answers non-verbose transaction.get requests locally and
	// stores upstream replies.  It may be nil.
	Cache TxCache

	// ListenAddr overrides the loopback listen address.
	ListenAddr string

	// OnUpstreamError, if set, is called when establishing an upstream
	// connection for a wallet fails.  Trust signals arrive here.
	OnUpstreamError func(error)

	// OnUpstreamConnected, if set, is called after an upstream
	// connection for a wallet was established.
	OnUpstreamConnected func()

	// Metrics records cache and connection statistics.  It may be nil.
	Metrics *metrics.Proxy
}

// validate checks the required config options are set.
func (c *BridgeConfig) validate() error {
	if c == nil {
		return errors.New("missing bridge config")
	}
	if c.Factory == nil {
		return errors.New("missing connection factory")
	}
	return nil
}

// Bridge exposes a plaintext loopback port for the wallet engine and relays
// every connection to the Electrum server, answering cacheable
// transaction.get requests locally.
type Bridge struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg BridgeConfig

	listener net.Listener

	connsMtx   sync.Mutex
	conns      map[uint64]*bridgeConn
	nextConnID uint64

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewBridge returns a Bridge that is not yet listening.
func NewBridge(cfg *BridgeConfig) (*Bridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:    *cfg,
		conns:  make(map[uint64]*bridgeConn),
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
	}
	if b.cfg.ListenAddr == "" {
		b.cfg.ListenAddr = defaultBridgeListenAddr
	}
	return b, nil
}

// Start binds the loopback listener and begins accepting wallet
// connections.
func (b *Bridge) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return nil
	}

	listener, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return err
	}
	b.listener = listener

	log.Infof("Bridge listening on %s", listener.Addr())

	b.wg.Add(1)
	go b.acceptLoop()
	return nil
}

// Port returns the OS-assigned port the wallet engine should connect to, or
// zero if the bridge is not listening.
func (b *Bridge) Port() int {
	if b.listener == nil {
		return 0
	}
	addr, ok := b.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Stop closes the listener and every relayed connection.
func (b *Bridge) Stop() {
	if !atomic.CompareAndSwapInt32(&b.stopped, 0, 1) {
		return
	}

	if b.listener != nil {
		b.listener.Close()
	}

	// Close sockets first so the relay goroutines unblock, then cancel.
	b.connsMtx.Lock()
	for _, c := range b.conns {
		c.close()
	}
	b.connsMtx.Unlock()

	b.cancel()
	close(b.quit)
}

// WaitForShutdown blocks until all relay goroutines have exited.
func (b *Bridge) WaitForShutdown() {
	b.wg.Wait()
}

// ActiveConnections returns the number of wallet connections being relayed.
func (b *Bridge) ActiveConnections() int {
	b.connsMtx.Lock()
	defer b.connsMtx.Unlock()
	return len(b.conns)
}

func (b *Bridge) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.quit:
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("Bridge accept failed: %v", err)
			return
		}

		b.wg.Add(1)
		go b.handleConn(conn)
	}
}

// handleConn establishes the upstream for one wallet connection and relays
// until either side goes away.  Nothing is retained afterwards, so the next
// wallet connection starts from scratch.
func (b *Bridge) handleConn(walletConn net.Conn) {
	defer b.wg.Done()

	start := time.Now()
	upstream, err := b.cfg.Factory.Connect(b.ctx)
	b.cfg.Metrics.ObserveConnect(metrics.ChannelBridge, err, start)
	if err != nil {
		log.Errorf("Unable to open upstream for wallet %s: %v",
			walletConn.RemoteAddr(), err)
		walletConn.Close()
		if b.cfg.OnUpstreamError != nil {
			b.cfg.OnUpstreamError(err)
		}
		return
	}
	if b.cfg.OnUpstreamConnected != nil {
		b.cfg.OnUpstreamConnected()
	}

	c := newBridgeConn(walletConn, upstream, b.cfg.Cache, b.cfg.Metrics)

	b.connsMtx.Lock()
	if atomic.LoadInt32(&b.stopped) == 1 {
		b.connsMtx.Unlock()
		c.close()
		return
	}
	id := b.nextConnID
	b.nextConnID++
	b.conns[id] = c
	b.connsMtx.Unlock()

	b.cfg.Metrics.BridgeConnectionOpened()
	log.Debugf("Relaying wallet %s to %s", walletConn.RemoteAddr(),
		upstream.RemoteAddr())

	if err := c.relay(); err != nil {
		log.Debugf("Bridge connection %d ended: %v", id, err)
	} else {
		log.Debugf("Bridge connection %d closed", id)
	}

	b.cfg.Metrics.BridgeConnectionClosed()
	b.connsMtx.Lock()
	delete(b.conns, id)
	b.connsMtx.Unlock()
}

// bridgeConn is a single relayed wallet connection.
type bridgeConn struct {
	wallet   net.Conn
	upstream net.Conn
	cache    TxCache
	metrics  *metrics.Proxy

	// pending maps the id of an in-flight, forwarded transaction.get to
	// its txid.
	pendingMtx sync.Mutex
	pending    map[string]string

	// walletMtx guards walletW, which both directions write to.
	walletMtx sync.Mutex
	walletW   *bufio.Writer

	closeOnce sync.Once
}

func newBridgeConn(wallet, upstream net.Conn, cache TxCache,
	m *metrics.Proxy) *bridgeConn {

	return &bridgeConn{
		wallet:   wallet,
		upstream: upstream,
		cache:    cache,
		metrics:  m,
		pending:  make(map[string]string),
		walletW:  bufio.NewWriter(wallet),
	}
}

// close closes both sockets, unblocking any read in either direction.
func (c *bridgeConn) close() {
	c.closeOnce.Do(func() {
		c.wallet.Close()
		c.upstream.Close()
	})
}

// relay runs both directions until the first of them ends.
func (c *bridgeConn) relay() error {
	var g errgroup.Group
	g.Go(func() error {
		defer c.close()
		return c.walletToServer()
	})
	g.Go(func() error {
		defer c.close()
		return c.serverToWallet()
	})
	err := g.Wait()

	c.pendingMtx.Lock()
	c.pending = make(map[string]string)
	c.pendingMtx.Unlock()

	return err
}

// walletToServer forwards wallet requests, answering cache hits directly.
// Writes are flushed only once no more wallet input is buffered, so a
// pipelined burst from the wallet leaves as one burst.
func (c *bridgeConn) walletToServer() error {
	r := bufio.NewReader(c.wallet)
	w := bufio.NewWriter(c.upstream)

	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) != 0 {
			handled, err := c.answerFromCache(line)
			if err != nil {
				return err
			}
			if !handled {
				if _, err := w.Write(line); err != nil {
					return err
				}
			}
		}

		if readErr == nil && hasBufferedLine(r) {
			continue
		}

		if err := w.Flush(); err != nil {
			return err
		}
		if err := c.flushWallet(); err != nil {
			return err
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// hasBufferedLine reports whether r already holds a complete line, so the
// next read returns without touching the socket.  A partial line does not
// count: waiting for the rest of it must not hold back what was written.
func hasBufferedLine(r *bufio.Reader) bool {
	buffered, _ := r.Peek(r.Buffered())
	return bytes.IndexByte(buffered, '\n') >= 0
}

// serverToWallet forwards every server line to the wallet, caching the
// replies to forwarded transaction.get requests.
func (c *bridgeConn) serverToWallet() error {
	r := bufio.NewReader(c.upstream)

	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) != 0 {
			c.cacheReply(line)

			c.walletMtx.Lock()
			_, err := c.walletW.Write(line)
			if err == nil && !hasBufferedLine(r) {
				err = c.walletW.Flush()
			}
			c.walletMtx.Unlock()
			if err != nil {
				return err
			}
		}

		if readErr != nil {
			if err := c.flushWallet(); err != nil {
				return err
			}
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func (c *bridgeConn) flushWallet() error {
	c.walletMtx.Lock()
	defer c.walletMtx.Unlock()

	if c.walletW.Buffered() == 0 {
		return nil
	}
	return c.walletW.Flush()
}

// answerFromCache inspects a wallet line.  It returns true if the request
// was answered locally and must not be forwarded.  Forwarded cacheable
// requests are recorded as pending.
func (c *bridgeConn) answerFromCache(line []byte) (bool, error) {
	trimmed := bytes.TrimSpace(line)

	// Batches are forwarded whole, but their cacheable members are still
	// recorded so the replies populate the cache.
	if len(trimmed) != 0 && trimmed[0] == '[' {
		var batch []message
		if err := json.Unmarshal(trimmed, &batch); err == nil {
			for i := range batch {
				if key, txid, ok := cacheableTxGet(&batch[i]); ok {
					c.addPending(key, txid)
				}
			}
		}
		return false, nil
	}

	msg, err := decodeMessage(trimmed)
	if err != nil {
		return false, nil
	}
	key, txid, ok := cacheableTxGet(msg)
	if !ok {
		return false, nil
	}

	rawHex := fetchRawTx(c.cache, txid)
	c.metrics.ObserveCacheLookup(metrics.CacheRawTx, rawHex.IsSome())
	if rawHex.IsNone() {
		c.addPending(key, txid)
		return false, nil
	}

	resp, err := encodeResult(msg.ID, rawHex.UnwrapOr(""))
	if err != nil {
		c.addPending(key, txid)
		return false, nil
	}

	log.Tracef("Answered transaction.get %s from cache", txid)

	c.walletMtx.Lock()
	_, err = c.walletW.Write(resp)
	c.walletMtx.Unlock()
	return true, err
}

func (c *bridgeConn) addPending(key, txid string) {
	c.pendingMtx.Lock()
	c.pending[key] = txid
	c.pendingMtx.Unlock()
}

// takePending removes and returns the txid recorded for key.
func (c *bridgeConn) takePending(key string) (string, bool) {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	txid, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	return txid, ok
}

func (c *bridgeConn) hasPending() bool {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()
	return len(c.pending) != 0
}

// cacheReply stores the result of a forwarded transaction.get.
func (c *bridgeConn) cacheReply(line []byte) {
	if !c.hasPending() {
		return
	}

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) != 0 && trimmed[0] == '[' {
		var batch []message
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return
		}
		for i := range batch {
			c.cacheMessage(&batch[i])
		}
		return
	}

	msg, err := decodeMessage(trimmed)
	if err != nil {
		return
	}
	c.cacheMessage(msg)
}

func (c *bridgeConn) cacheMessage(msg *message) {
	key, ok := msg.idKey()
	if !ok {
		return
	}
	txid, ok := c.takePending(key)
	if !ok {
		return
	}
	if msg.hasError() {
		return
	}

	var rawHex string
	if err := json.Unmarshal(msg.Result, &rawHex); err != nil {
		return
	}
	if !isPlausibleRawTx(rawHex) {
		return
	}

	var err error
	if c.cache != nil {
		err = c.cache.PutRawTx(txid, rawHex)
		if err != nil {
			log.Warnf("Unable to cache tx %s: %v", txid, err)
		}
	}
	c.metrics.ObserveCacheStore(metrics.CacheRawTx, err)
}

// cacheableTxGet reports whether msg is a non-verbose transaction.get
// request with an id, returning the id key and txid.
func cacheableTxGet(msg *message) (string, string, bool) {
	if msg.Method != methodTransactionGet {
		return "", "", false
	}
	key, ok := msg.idKey()
	if !ok {
		return "", "", false
	}

	txid, verbose, ok := txGetParams(msg.Params)
	if !ok || verbose {
		return "", "", false
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return "", "", false
	}
	return key, txid, true
}

// txGetParams extracts the txid and verbose flag from positional or named
// transaction.get params.
func txGetParams(raw json.RawMessage) (string, bool, bool) {
	var positional []json.RawMessage
	if err := json.Unmarshal(raw, &positional); err == nil {
		if len(positional) == 0 {
			return "", false, false
		}
		var txid string
		if err := json.Unmarshal(positional[0], &txid); err != nil {
			return "", false, false
		}
		if len(positional) == 1 {
			return txid, false, true
		}
		verbose, ok := parseVerbose(positional[1])
		return txid, verbose, ok
	}

	var named struct {
		TxHash  string          `json:"tx_hash"`
		Verbose json.RawMessage `json:"verbose"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.TxHash == "" {
		return "", false, false
	}
	verbose, ok := parseVerbose(named.Verbose)
	return named.TxHash, verbose, ok
}

// parseVerbose interprets the verbose flag, accepting the falsy forms
// wallets send for "raw hex please".
func parseVerbose(raw json.RawMessage) (bool, bool) {
	if !isPresent(raw) {
		return false, true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, true
	}
	return false, false
}

// isPlausibleRawTx reports whether s looks like a serialized transaction.
func isPlausibleRawTx(s string) bool {
	if len(s) < minRawTxHexLen || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
