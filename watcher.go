package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/electrumproxy/electrum"
	"github.com/btcsuite/electrumproxy/pkg/btcunit"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// resubscribeDelay is how long the watcher waits before subscribing
	// again after the subscription connection failed.
	resubscribeDelay = 10 * time.Second

	// listenerCheckInterval is how often the watcher checks that the
	// subscription listener is still running.  A listener ends silently
	// when the server closes the connection.
	listenerCheckInterval = time.Minute
)

// txTracker remembers which transactions were reported and at what height,
// so a transaction is logged once when it appears and once more when it
// confirms.
type txTracker struct {
	mtx     sync.Mutex
	heights map[string]int32
}

func newTxTracker() *txTracker {
	return &txTracker{heights: make(map[string]int32)}
}

// changed reports whether txid is unknown or moved from the mempool into a
// block since it was last recorded.
func (t *txTracker) changed(txid string, height int32) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	prev, ok := t.heights[txid]
	return !ok || (prev <= 0 && height > 0)
}

// record stores the last reported height of txid.
func (t *txTracker) record(txid string, height int32) {
	t.mtx.Lock()
	t.heights[txid] = height
	t.mtx.Unlock()
}

// watcher subscribes to a fixed set of addresses and logs every transaction
// touching them.
type watcher struct {
	proxy  *electrum.Proxy
	params *chaincfg.Params

	// addrs maps each script hash to the address it was derived from.
	addrs map[string]string
	owned electrum.ScriptSet
	seen  *txTracker

	client   *electrum.NotificationClient
	listener ticker.Ticker
	quit     chan struct{}
	wg       sync.WaitGroup
}

func newWatcher(p *electrum.Proxy, addrs []string,
	params *chaincfg.Params) (*watcher, error) {

	w := &watcher{
		proxy:    p,
		params:   params,
		addrs:    make(map[string]string, len(addrs)),
		owned:    electrum.NewScriptSet(),
		seen:     newTxTracker(),
		listener: ticker.New(listenerCheckInterval),
		quit:     make(chan struct{}),
	}
	for _, addr := range addrs {
		pkScript, err := electrum.PkScriptFromAddress(addr, params)
		if err != nil {
			return nil, err
		}
		w.owned.Add(pkScript)
		w.addrs[electrum.ScriptHashFromPkScript(pkScript)] = addr
	}
	return w, nil
}

// Start registers for notifications and subscribes in the background.
func (w *watcher) Start() {
	// Register before subscribing so the initial tip is not missed.
	w.client = w.proxy.Notifications()

	ctx, cancel := context.WithCancel(context.Background())
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		<-w.quit
		cancel()
	}()
	go w.handler(ctx)
}

// Stop cancels outstanding requests and waits for the watcher to exit.
func (w *watcher) Stop() {
	select {
	case <-w.quit:
		return
	default:
	}
	close(w.quit)
	w.client.Cancel()
	w.wg.Wait()
}

func (w *watcher) scriptHashes() []string {
	hashes := make([]string, 0, len(w.addrs))
	for scriptHash := range w.addrs {
		hashes = append(hashes, scriptHash)
	}
	return hashes
}

// subscribe subscribes to every watched script hash, retrying until it
// succeeds or the watcher stops.
func (w *watcher) subscribe(ctx context.Context) bool {
	for {
		statuses, err := w.proxy.Subscription().Start(
			ctx, w.scriptHashes(),
		)
		if err == nil {
			log.Infof("Watching %d %s", len(statuses),
				pickNoun(len(statuses), "address", "addresses"))
			for scriptHash, status := range statuses {
				if status.IsSome() {
					w.refresh(ctx, scriptHash)
				}
			}
			return true
		}
		log.Warnf("Unable to subscribe to watched addresses: %v", err)

		select {
		case <-time.After(resubscribeDelay):
		case <-w.quit:
			return false
		}
	}
}

func (w *watcher) handler(ctx context.Context) {
	defer w.wg.Done()

	if !w.subscribe(ctx) {
		return
	}

	w.listener.Resume()
	defer w.listener.Stop()

	for {
		select {
		case n, ok := <-w.client.Notifications:
			if !ok {
				return
			}
			switch n := n.(type) {
			case electrum.ScriptHashChanged:
				w.refresh(ctx, n.ScriptHash)

			case electrum.NewBlockHeader:
				header, err := n.Header()
				if err != nil {
					log.Errorf("Invalid header at height "+
						"%d: %v", n.Height, err)
					continue
				}
				log.Infof("New block %v (height %d)",
					header.BlockHash(), n.Height)

			case electrum.ConnectionLost:
				log.Warnf("Subscription connection lost, " +
					"resubscribing")
				if !w.subscribe(ctx) {
					return
				}

			default:
				log.Errorf("Unknown notification %T", n)
			}

		case <-w.listener.Ticks():
			if w.proxy.Subscription().Running() {
				continue
			}
			log.Infof("Subscription connection closed, " +
				"resubscribing")
			if !w.subscribe(ctx) {
				return
			}

		case <-w.quit:
			return
		}
	}
}

// refresh fetches the history of a watched script hash and logs the
// transactions not reported yet.
func (w *watcher) refresh(ctx context.Context, scriptHash string) {
	addr, ok := w.addrs[scriptHash]
	if !ok {
		return
	}

	history, err := w.proxy.Direct().History(ctx, scriptHash)
	if err != nil {
		log.Errorf("Unable to fetch history of %s: %v", addr, err)
		return
	}

	for _, item := range history {
		if !w.seen.changed(item.TxHash, item.Height) {
			continue
		}

		info, err := w.proxy.Direct().AddressTxInfo(
			ctx, item.TxHash, w.owned, w.params,
		)
		if err != nil {
			log.Errorf("Unable to resolve transaction %s: %v",
				item.TxHash, err)
			continue
		}
		w.seen.record(item.TxHash, item.Height)

		state := "unconfirmed"
		if item.Height > 0 {
			state = "confirmed"
		}
		log.Infof("%s: %s transaction %s net %v counterparty %s fee %s",
			addr, state, info.TxID, info.Net,
			info.Counterparty.UnwrapOr("unknown"),
			w.formatFee(ctx, info))
	}
}

// formatFee renders the fee of a transaction along with its rate.  The size
// lookup is served from the cache filled while resolving the transaction.
func (w *watcher) formatFee(ctx context.Context,
	info *electrum.AddressTxInfo) string {

	if info.Fee.IsNone() {
		return "unknown"
	}
	fee := info.Fee.UnwrapOr(0)

	details, err := w.proxy.Direct().TxDetails(ctx, info.TxID)
	if err != nil {
		log.Debugf("Unable to size transaction %s: %v", info.TxID, err)
		return fee.String()
	}
	return formatFeeRate(fee, details.VSize)
}

func formatFeeRate(fee btcutil.Amount, vsize btcunit.VByte) string {
	if vsize == 0 {
		return fee.String()
	}
	return fmt.Sprintf("%v (%v)", fee, btcunit.NewSatPerVByte(fee, vsize))
}

// logRelayFee reports the minimum fee rate the server relays.
func logRelayFee(ctx context.Context, d *electrum.DirectQuery) {
	fee, err := d.RelayFee(ctx)
	if err != nil {
		log.Warnf("Unable to fetch relay fee: %v", err)
		return
	}
	rate := btcunit.NewSatPerKVByte(fee)
	log.Infof("Server relay fee %v (%v)", rate, rate.FeePerVByte())
}
