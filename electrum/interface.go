package electrum

import (
	"encoding/json"
	"errors"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrProxyStopped is returned by operations attempted after the proxy
	// or one of its channels has been shut down.
	ErrProxyStopped = errors.New("electrum proxy stopped")

	// ErrNotConnected is returned when an operation needs a live upstream
	// connection that the channel does not currently hold.
	ErrNotConnected = errors.New("not connected to electrum server")

	// ErrMalformedResponse is returned when a reply line cannot be decoded
	// into the shape the caller expects.
	ErrMalformedResponse = errors.New("malformed electrum response")
)

// TxCache is the external key/value store consulted before going to the
// network for transactions.  Implementations must be safe for concurrent
// use.  Errors are never fatal to the proxy: a failed lookup is treated as a
// miss and a failed store is logged and dropped.
type TxCache interface {
	// FetchRawTx returns the raw hex of the transaction with the given
	// txid, if known.
	FetchRawTx(txid string) (fn.Option[string], error)

	// PutRawTx stores the raw hex of a transaction.
	PutRawTx(txid, rawHex string) error

	// FetchVerboseTx returns the verbose JSON form of the transaction
	// with the given txid, if known.
	FetchVerboseTx(txid string) (fn.Option[json.RawMessage], error)

	// PutVerboseTx stores the verbose JSON form of a transaction.
	// Confirmed transactions are immutable and may be kept
	// indefinitely; unconfirmed ones are expected to change.
	PutVerboseTx(txid string, verbose json.RawMessage, confirmed bool) error
}

// TrustStore persists the TOFU certificate pins keyed by server endpoint.
type TrustStore interface {
	// FetchFingerprint returns the pinned fingerprint for host:port.  An
	// empty option means the endpoint has never been approved.
	FetchFingerprint(host string, port int) (fn.Option[string], error)

	// PutFingerprint pins fingerprint for host:port, replacing any prior
	// value.
	PutFingerprint(host string, port int, fingerprint string) error
}

// fetchRawTx consults the cache, degrading every failure to a miss.
func fetchRawTx(cache TxCache, txid string) fn.Option[string] {
	if cache == nil {
		return fn.None[string]()
	}
	rawHex, err := cache.FetchRawTx(txid)
	if err != nil {
		log.Warnf("Unable to read tx %s from cache: %v", txid, err)
		return fn.None[string]()
	}
	return rawHex
}

// putRawTx stores into the cache, logging and dropping any failure.
func putRawTx(cache TxCache, txid, rawHex string) {
	if cache == nil {
		return
	}
	if err := cache.PutRawTx(txid, rawHex); err != nil {
		log.Warnf("Unable to cache tx %s: %v", txid, err)
	}
}

func fetchVerboseTx(cache TxCache, txid string) fn.Option[json.RawMessage] {
	if cache == nil {
		return fn.None[json.RawMessage]()
	}
	verbose, err := cache.FetchVerboseTx(txid)
	if err != nil {
		log.Warnf("Unable to read verbose tx %s from cache: %v", txid,
			err)
		return fn.None[json.RawMessage]()
	}
	return verbose
}
