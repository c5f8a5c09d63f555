package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/electrumproxy/metrics"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/semaphore"
)

const (
	// directQueryIDBase seeds the request ids of the direct query
	// channel.  Channels never share a socket, but disjoint ranges keep
	// server-side logs unambiguous.
	directQueryIDBase = 100000

	// pingLockTimeout is how long Ping waits for the channel lock before
	// concluding that an in-flight operation already proves liveness.
	pingLockTimeout = 250 * time.Millisecond

	// DefaultPingTimeout is the caller budget used when Ping is given none.
	DefaultPingTimeout = 10 * time.Second
)

// Balance is the result of blockchain.scripthash.get_balance.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// HistoryItem is one entry of blockchain.scripthash.get_history.  Height is
// zero or negative for mempool transactions; Fee is only reported for
// those.
type HistoryItem struct {
	TxHash string
	Height int32
	Fee    fn.Option[btcutil.Amount]
}

// rpcCall is one request of a pipelined batch.  key is the caller's
// semantic key (script hash, txid) the reply is matched back to.
type rpcCall struct {
	key    string
	method string
	params []interface{}
}

// rpcReply is the outcome of one rpcCall.
type rpcReply struct {
	result json.RawMessage
	err    *btcjson.RPCError
}

// DirectQueryConfig holds the collaborators of a DirectQuery channel.
type DirectQueryConfig struct {
	Factory *ConnFactory
	Cache   TxCache
	Metrics *metrics.Proxy
}

// DirectQuery serves ad-hoc, pipelineable requests on a single persistent
// connection that is independent of the wallet bridge.  One lock serializes
// request/response exchanges and guards lazy (re)connection, so replies to
// concurrent callers are never interleaved.
type DirectQuery struct {
	stopped int32 // To be used atomically.

	cache   TxCache
	metrics *metrics.Proxy

	// ctx is cancelled by Stop so a caller that is still connecting or
	// waiting for a reply gives up at once.
	ctx    context.Context
	cancel context.CancelFunc

	// lock guards upstream.  It is a weighted semaphore of size one
	// rather than a mutex so Ping can give up after a short wait.
	lock     *semaphore.Weighted
	upstream *upstreamConn
}

// NewDirectQuery returns a channel that connects on first use.
func NewDirectQuery(cfg *DirectQueryConfig) (*DirectQuery, error) {
	if cfg == nil || cfg.Factory == nil {
		return nil, errors.New("missing connection factory")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DirectQuery{
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		lock:    semaphore.NewWeighted(1),
		upstream: newUpstreamConn(
			metrics.ChannelDirectQuery, cfg.Factory, cfg.Metrics,
			directQueryIDBase,
		),
	}, nil
}

func (d *DirectQuery) acquire(ctx context.Context) error {
	if atomic.LoadInt32(&d.stopped) == 1 {
		return ErrProxyStopped
	}
	if err := d.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	if atomic.LoadInt32(&d.stopped) == 1 {
		d.lock.Release(1)
		return ErrProxyStopped
	}
	return nil
}

func (d *DirectQuery) release() {
	d.lock.Release(1)
}

// roundTripLocked writes all calls in one flush and reads until every reply
// has been collected.  Pushes and unmatched lines are skipped.
func (d *DirectQuery) roundTripLocked(ctx context.Context,
	calls []rpcCall) (map[string]rpcReply, error) {

	u := d.upstream
	outstanding := make(map[uint64]string, len(calls))
	for _, call := range calls {
		id, err := u.write(call.method, call.params...)
		if err != nil {
			return nil, err
		}
		outstanding[id] = call.key
	}
	if err := u.flush(); err != nil {
		return nil, err
	}

	replies := make(map[string]rpcReply, len(calls))
	for len(outstanding) != 0 {
		line, err := u.readLine(ctx)
		if err != nil {
			return nil, err
		}

		msg, err := decodeMessage(line)
		if err != nil {
			log.Debugf("Skipping undecodable line: %v", err)
			continue
		}
		if msg.isPush() {
			log.Tracef("Skipping interleaved %s push", msg.Method)
			continue
		}
		id, ok := msg.numericID()
		if !ok {
			continue
		}
		key, ok := outstanding[id]
		if !ok {
			log.Debugf("Skipping reply with unexpected id %d", id)
			continue
		}
		delete(outstanding, id)

		replies[key] = rpcReply{result: msg.Result, err: msg.rpcError()}
	}
	return replies, nil
}

// do runs a pipelined batch under the channel lock, tearing the connection
// down on any I/O failure.
func (d *DirectQuery) do(ctx context.Context, calls []rpcCall) (
	map[string]rpcReply, error) {

	if len(calls) == 0 {
		return map[string]rpcReply{}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(d.ctx, cancel)()

	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	if err := d.upstream.ensure(ctx); err != nil {
		return nil, err
	}

	replies, err := d.roundTripLocked(ctx, calls)
	if err != nil {
		d.upstream.teardown()
		if atomic.LoadInt32(&d.stopped) == 1 {
			return nil, ErrProxyStopped
		}
		return nil, err
	}
	return replies, nil
}

// call runs a single request and returns its result.
func (d *DirectQuery) call(ctx context.Context, method string,
	params ...interface{}) (json.RawMessage, error) {

	replies, err := d.do(ctx, []rpcCall{{
		key:    method,
		method: method,
		params: params,
	}})
	if err != nil {
		return nil, err
	}
	reply := replies[method]
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.result, nil
}

// Ping reports whether the server is alive.  If another caller holds the
// channel, the channel is considered alive without doing any I/O.
// Otherwise the read deadline is tightened below timeout for the duration
// of the ping so a hung server cannot hold the lock past the caller's
// patience.
func (d *DirectQuery) Ping(timeout time.Duration) bool {
	start := time.Now()
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}

	lockCtx, cancel := context.WithTimeout(
		context.Background(), pingLockTimeout,
	)
	err := d.acquire(lockCtx)
	cancel()
	switch {
	case errors.Is(err, ErrProxyStopped):
		d.metrics.ObserveHealthCheck(metrics.HealthDead, start)
		return false

	case err != nil:
		d.metrics.ObserveHealthCheck(metrics.HealthContended, start)
		return true
	}
	defer d.release()

	budget := timeout - timeout/4
	ctx, cancel := context.WithTimeout(d.ctx, budget)
	defer cancel()

	alive := d.pingLocked(ctx, budget)

	result := metrics.HealthAlive
	if !alive {
		result = metrics.HealthDead
	}
	d.metrics.ObserveHealthCheck(result, start)
	return alive
}

func (d *DirectQuery) pingLocked(ctx context.Context,
	budget time.Duration) bool {

	u := d.upstream
	if err := u.ensure(ctx); err != nil {
		log.Debugf("Ping unable to connect: %v", err)
		return false
	}

	prev := u.readTimeout
	u.readTimeout = budget
	defer func() {
		// A failed ping tears the socket down; there is nothing to
		// restore then.
		if u.conn != nil {
			u.readTimeout = prev
		}
	}()

	_, err := d.roundTripLocked(ctx, []rpcCall{{
		key:    methodServerPing,
		method: methodServerPing,
	}})
	if err != nil {
		log.Debugf("Ping failed: %v", err)
		u.teardown()
		return false
	}
	return true
}

// ServerVersion returns the server software and protocol version reported
// during the handshake, connecting if needed.
func (d *DirectQuery) ServerVersion(ctx context.Context) ([]string, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	if err := d.upstream.ensure(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), d.upstream.serverVersion...), nil
}

// RawTransaction returns the raw hex of a transaction, consulting the cache
// first and storing what the server returns.
func (d *DirectQuery) RawTransaction(ctx context.Context,
	txid string) (string, error) {

	cached := fetchRawTx(d.cache, txid)
	d.metrics.ObserveCacheLookup(metrics.CacheRawTx, cached.IsSome())
	if cached.IsSome() {
		return cached.UnwrapOr(""), nil
	}

	result, err := d.call(ctx, methodTransactionGet, txid, false)
	if err != nil {
		return "", err
	}
	var rawHex string
	if err := json.Unmarshal(result, &rawHex); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if isPlausibleRawTx(rawHex) {
		putRawTx(d.cache, txid, rawHex)
	}
	return rawHex, nil
}

// VerboseTransaction returns the verbose JSON of a transaction, consulting
// the cache first.
func (d *DirectQuery) VerboseTransaction(ctx context.Context,
	txid string) (json.RawMessage, error) {

	if cached := fetchVerboseTx(d.cache, txid); cached.IsSome() {
		d.metrics.ObserveCacheLookup(metrics.CacheVerboseTx, true)
		return cached.UnwrapOr(nil), nil
	}
	d.metrics.ObserveCacheLookup(metrics.CacheVerboseTx, false)

	result, err := d.call(ctx, methodTransactionGet, txid, true)
	if err != nil {
		return nil, err
	}
	d.storeVerbose(txid, result)
	return result, nil
}

// VerboseTransactions fetches many verbose transactions, answering what it
// can from the cache and pipelining the rest in one round trip.  Transactions
// the server failed to return are logged and left out of the result.
func (d *DirectQuery) VerboseTransactions(ctx context.Context,
	txids []string) (map[string]json.RawMessage, error) {

	result := make(map[string]json.RawMessage, len(txids))
	calls := make([]rpcCall, 0, len(txids))
	for _, txid := range txids {
		if _, ok := result[txid]; ok {
			continue
		}
		cached := fetchVerboseTx(d.cache, txid)
		d.metrics.ObserveCacheLookup(
			metrics.CacheVerboseTx, cached.IsSome(),
		)
		if cached.IsSome() {
			result[txid] = cached.UnwrapOr(nil)
			continue
		}

		// Reserve the key so duplicates are requested once.
		result[txid] = nil
		calls = append(calls, rpcCall{
			key:    txid,
			method: methodTransactionGet,
			params: []interface{}{txid, true},
		})
	}

	replies, err := d.do(ctx, calls)
	if err != nil {
		return nil, err
	}
	for _, call := range calls {
		reply := replies[call.key]
		if reply.err != nil || !isPresent(reply.result) {
			log.Warnf("Unable to fetch tx %s: %v", call.key,
				reply.err)
			delete(result, call.key)
			continue
		}
		d.storeVerbose(call.key, reply.result)
		result[call.key] = reply.result
	}
	return result, nil
}

// storeVerbose caches a verbose transaction, noting whether it is mined.
func (d *DirectQuery) storeVerbose(txid string, verbose json.RawMessage) {
	var tx struct {
		Confirmations int64 `json:"confirmations"`
	}
	confirmed := json.Unmarshal(verbose, &tx) == nil && tx.Confirmations > 0

	var err error
	if d.cache != nil {
		err = d.cache.PutVerboseTx(txid, verbose, confirmed)
		if err != nil {
			log.Warnf("Unable to cache verbose tx %s: %v", txid, err)
		}
	}
	d.metrics.ObserveCacheStore(metrics.CacheVerboseTx, err)
}

// RelayFee returns the server's minimum relay fee per kilobyte.
func (d *DirectQuery) RelayFee(ctx context.Context) (btcutil.Amount, error) {
	result, err := d.call(ctx, methodRelayFee)
	if err != nil {
		return 0, err
	}
	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return btcutil.NewAmount(btcPerKB)
}

// Balance returns the balance of a single script hash.
func (d *DirectQuery) Balance(ctx context.Context,
	scriptHash string) (*Balance, error) {

	balances, err := d.Balances(ctx, []string{scriptHash})
	if err != nil {
		return nil, err
	}
	return balances[scriptHash], nil
}

// Balances returns the balances of many script hashes in one round trip.
func (d *DirectQuery) Balances(ctx context.Context,
	scriptHashes []string) (map[string]*Balance, error) {

	replies, err := d.do(ctx, scriptHashCalls(
		methodScriptHashGetBalance, scriptHashes,
	))
	if err != nil {
		return nil, err
	}

	balances := make(map[string]*Balance, len(replies))
	for scriptHash, reply := range replies {
		if reply.err != nil {
			return nil, fmt.Errorf("balance of %s: %w", scriptHash,
				reply.err)
		}
		var raw struct {
			Confirmed   int64 `json:"confirmed"`
			Unconfirmed int64 `json:"unconfirmed"`
		}
		if err := json.Unmarshal(reply.result, &raw); err != nil {
			return nil, fmt.Errorf("%w: balance of %s: %v",
				ErrMalformedResponse, scriptHash, err)
		}
		balances[scriptHash] = &Balance{
			Confirmed:   btcutil.Amount(raw.Confirmed),
			Unconfirmed: btcutil.Amount(raw.Unconfirmed),
		}
	}
	return balances, nil
}

// History returns the transaction history of a single script hash.
func (d *DirectQuery) History(ctx context.Context,
	scriptHash string) ([]HistoryItem, error) {

	histories, err := d.Histories(ctx, []string{scriptHash})
	if err != nil {
		return nil, err
	}
	return histories[scriptHash], nil
}

// Histories returns the histories of many script hashes in one round trip.
func (d *DirectQuery) Histories(ctx context.Context,
	scriptHashes []string) (map[string][]HistoryItem, error) {

	replies, err := d.do(ctx, scriptHashCalls(
		methodScriptHashGetHistory, scriptHashes,
	))
	if err != nil {
		return nil, err
	}

	histories := make(map[string][]HistoryItem, len(replies))
	for scriptHash, reply := range replies {
		if reply.err != nil {
			return nil, fmt.Errorf("history of %s: %w", scriptHash,
				reply.err)
		}
		var raw []struct {
			TxHash string `json:"tx_hash"`
			Height int32  `json:"height"`
			Fee    *int64 `json:"fee"`
		}
		if err := json.Unmarshal(reply.result, &raw); err != nil {
			return nil, fmt.Errorf("%w: history of %s: %v",
				ErrMalformedResponse, scriptHash, err)
		}

		items := make([]HistoryItem, 0, len(raw))
		for _, r := range raw {
			fee := fn.None[btcutil.Amount]()
			if r.Fee != nil {
				fee = fn.Some(btcutil.Amount(*r.Fee))
			}
			items = append(items, HistoryItem{
				TxHash: r.TxHash,
				Height: r.Height,
				Fee:    fee,
			})
		}
		histories[scriptHash] = items
	}
	return histories, nil
}

// ScriptHashStatuses subscribes to many script hashes on this channel and
// returns their current statuses.  Later pushes for them are skipped here;
// long-lived subscriptions belong on the Subscription channel.
func (d *DirectQuery) ScriptHashStatuses(ctx context.Context,
	scriptHashes []string) (map[string]fn.Option[string], error) {

	replies, err := d.do(ctx, scriptHashCalls(
		methodScriptHashSubscribe, scriptHashes,
	))
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]fn.Option[string], len(replies))
	for scriptHash, reply := range replies {
		if reply.err != nil {
			return nil, fmt.Errorf("status of %s: %w", scriptHash,
				reply.err)
		}
		status, err := decodeStatus(reply.result)
		if err != nil {
			return nil, fmt.Errorf("%w: status of %s: %v",
				ErrMalformedResponse, scriptHash, err)
		}
		statuses[scriptHash] = status
	}
	return statuses, nil
}

// Stop closes the socket, which fails any in-flight read, then clears the
// channel state.  Later operations return ErrProxyStopped.
func (d *DirectQuery) Stop() {
	if !atomic.CompareAndSwapInt32(&d.stopped, 0, 1) {
		return
	}

	d.upstream.closeConn()
	d.cancel()

	// The stopped flag is already set, so acquire directly.
	if err := d.lock.Acquire(context.Background(), 1); err != nil {
		return
	}
	d.upstream.teardown()
	d.lock.Release(1)
}

// scriptHashCalls builds one call per unique script hash.
func scriptHashCalls(method string, scriptHashes []string) []rpcCall {
	unique := uniqueStrings(scriptHashes)
	calls := make([]rpcCall, 0, len(unique))
	for _, scriptHash := range unique {
		calls = append(calls, rpcCall{
			key:    scriptHash,
			method: method,
			params: []interface{}{scriptHash},
		})
	}
	return calls
}
