package cachedb

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// rawEntry is the hex of a raw transaction held in memory, exactly as the
// server sent it.
type rawEntry []byte

// Size returns the memory footprint of the entry.
func (e rawEntry) Size() (uint64, error) {
	return uint64(len(e)), nil
}

// verboseEntry is a verbose transaction held in memory.  Unconfirmed
// entries expire.
type verboseEntry struct {
	data      json.RawMessage
	confirmed bool
	expiry    time.Time
}

// Size returns the memory footprint of the entry.
func (e *verboseEntry) Size() (uint64, error) {
	return uint64(len(e.data)), nil
}

func (e *verboseEntry) expired(now time.Time) bool {
	return !e.confirmed && !now.Before(e.expiry)
}

// FetchRawTx returns the raw hex of a transaction from memory or disk.
func (d *DB) FetchRawTx(txid string) (fn.Option[string], error) {
	if raw, err := d.rawTxs.Get(txid); err == nil {
		return fn.Some(string(raw)), nil
	}

	raw, err := d.get(rawTxBucket, []byte(txid))
	switch {
	case errors.Is(err, ErrCacheMiss):
		return fn.None[string](), nil
	case err != nil:
		return fn.None[string](), err
	}

	if _, err := d.rawTxs.Put(txid, raw); err != nil {
		log.Debugf("Unable to keep tx %s in memory: %v", txid, err)
	}
	return fn.Some(string(raw)), nil
}

// PutRawTx stores a raw transaction.  The hex is kept verbatim so a cached
// reply matches the server's byte for byte.
func (d *DB) PutRawTx(txid, rawHex string) error {
	if _, err := hex.DecodeString(rawHex); err != nil {
		return fmt.Errorf("raw tx %s: %w", txid, err)
	}

	raw := []byte(rawHex)
	if err := d.put(rawTxBucket, []byte(txid), raw); err != nil {
		return err
	}
	if _, err := d.rawTxs.Put(txid, raw); err != nil {
		log.Debugf("Unable to keep tx %s in memory: %v", txid, err)
	}
	return nil
}

// FetchVerboseTx returns the verbose form of a transaction.  Unconfirmed
// transactions are reported as a miss once they expired.
func (d *DB) FetchVerboseTx(txid string) (fn.Option[json.RawMessage], error) {
	entry, err := d.verboseTxs.Get(txid)
	if err == nil {
		if entry.expired(d.now()) {
			log.Tracef("Unconfirmed tx %s expired", txid)
			return fn.None[json.RawMessage](), nil
		}
		return fn.Some(entry.data), nil
	}

	data, err := d.get(verboseTxBucket, []byte(txid))
	switch {
	case errors.Is(err, ErrCacheMiss):
		return fn.None[json.RawMessage](), nil
	case err != nil:
		return fn.None[json.RawMessage](), err
	}

	d.keepVerbose(txid, &verboseEntry{
		data:      data,
		confirmed: true,
	})
	return fn.Some(json.RawMessage(data)), nil
}

// PutVerboseTx stores the verbose form of a transaction.  Only confirmed
// transactions reach the database.
func (d *DB) PutVerboseTx(txid string, verbose json.RawMessage,
	confirmed bool) error {

	if !json.Valid(verbose) {
		return fmt.Errorf("verbose tx %s: invalid json", txid)
	}
	data := append(json.RawMessage(nil), verbose...)

	if confirmed {
		if err := d.put(verboseTxBucket, []byte(txid), data); err != nil {
			return err
		}
	}

	d.keepVerbose(txid, &verboseEntry{
		data:      data,
		confirmed: confirmed,
		expiry:    d.now().Add(d.unconfirmedTTL),
	})
	return nil
}

func (d *DB) keepVerbose(txid string, entry *verboseEntry) {
	if _, err := d.verboseTxs.Put(txid, entry); err != nil {
		log.Debugf("Unable to keep verbose tx %s in memory: %v", txid,
			err)
	}
}
