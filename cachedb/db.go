// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cachedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/electrumproxy/electrum"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// DefaultRawCacheSize is the number of bytes of raw transactions kept
	// in memory in front of the database.
	DefaultRawCacheSize = 8 << 20

	// DefaultVerboseCacheSize is the number of bytes of verbose
	// transactions kept in memory in front of the database.
	DefaultVerboseCacheSize = 8 << 20

	// DefaultUnconfirmedTTL is how long an unconfirmed verbose
	// transaction is served from memory before it is fetched again.
	DefaultUnconfirmedTTL = 10 * time.Minute

	// DefaultOpenTimeout bounds the wait for the file lock held by another
	// process.
	DefaultOpenTimeout = time.Second

	// dbVersion is the current version of the database layout.
	dbVersion uint32 = 1

	// dbType is the walletdb driver backing the cache.
	dbType = "bdb"
)

var (
	// ErrCacheMiss is returned by the internal lookups when a key is not
	// stored.  It never escapes the electrum interfaces, which report a
	// miss as an empty option.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUnknownVersion is returned when the database was written by a
	// newer release.
	ErrUnknownVersion = errors.New("unknown database version")

	metaBucket      = []byte("meta")
	rawTxBucket     = []byte("rawtx")
	verboseTxBucket = []byte("verbosetx")
	pinBucket       = []byte("certpins")

	versionKey = []byte("version")
)

// Config describes the database file and the in-memory caches in front of
// it.
type Config struct {
	// Path is the database file.  Its directory is created if needed.
	Path string

	// RawCacheSize and VerboseCacheSize are byte budgets of the
	// in-memory caches.  Zero selects the defaults.
	RawCacheSize     uint64
	VerboseCacheSize uint64

	// UnconfirmedTTL bounds how long an unconfirmed verbose transaction
	// is reused.  Zero selects DefaultUnconfirmedTTL.
	UnconfirmedTTL time.Duration

	// OpenTimeout bounds the wait for the database file lock.  Zero
	// selects DefaultOpenTimeout.
	OpenTimeout time.Duration
}

// DB is the persistent transaction cache and certificate trust store of the
// proxy.  Confirmed transactions and certificate pins are written to a
// walletdb bolt file; unconfirmed verbose transactions only live in memory
// until they expire.
type DB struct {
	db walletdb.DB

	rawTxs     *lru.Cache[string, rawEntry]
	verboseTxs *lru.Cache[string, *verboseEntry]

	unconfirmedTTL time.Duration

	// now is replaced in tests.
	now func() time.Time
}

// Enforce DB implements both electrum collaborators.
var (
	_ electrum.TxCache    = (*DB)(nil)
	_ electrum.TrustStore = (*DB)(nil)
)

// Open opens the database at cfg.Path, creating it if it does not exist.
func Open(cfg *Config) (*DB, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("missing database path")
	}

	rawSize := cfg.RawCacheSize
	if rawSize == 0 {
		rawSize = DefaultRawCacheSize
	}
	verboseSize := cfg.VerboseCacheSize
	if verboseSize == 0 {
		verboseSize = DefaultVerboseCacheSize
	}
	ttl := cfg.UnconfirmedTTL
	if ttl == 0 {
		ttl = DefaultUnconfirmedTTL
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = DefaultOpenTimeout
	}

	db, err := openOrCreate(cfg.Path, timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", cfg.Path, err)
	}

	if err := initBuckets(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Opened transaction cache %s", cfg.Path)

	return &DB{
		db:             db,
		rawTxs:         lru.NewCache[string, rawEntry](rawSize),
		verboseTxs:     lru.NewCache[string, *verboseEntry](verboseSize),
		unconfirmedTTL: ttl,
		now:            time.Now,
	}, nil
}

// openOrCreate opens the bolt database at path, creating it and its
// directory on first use.
func openOrCreate(path string, timeout time.Duration) (walletdb.DB, error) {
	// The cache can always be rebuilt from the server, so the freelist is
	// not synced.
	const noFreelistSync = true

	if _, err := os.Stat(path); err == nil {
		return walletdb.Open(dbType, path, noFreelistSync, timeout)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return walletdb.Create(dbType, path, noFreelistSync, timeout)
}

// initBuckets creates the top level buckets of a new database and checks
// the version of an existing one.
func initBuckets(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		meta, err := topLevelBucket(tx, metaBucket)
		if err != nil {
			return err
		}

		version := meta.Get(versionKey)
		switch {
		case version == nil:
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], dbVersion)
			if err := meta.Put(versionKey, buf[:]); err != nil {
				return err
			}

		case len(version) != 4:
			return fmt.Errorf("%w: corrupt version", ErrUnknownVersion)

		case binary.BigEndian.Uint32(version) > dbVersion:
			return fmt.Errorf("%w: %d", ErrUnknownVersion,
				binary.BigEndian.Uint32(version))
		}

		for _, name := range [][]byte{
			rawTxBucket, verboseTxBucket, pinBucket,
		} {
			if _, err := topLevelBucket(tx, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// topLevelBucket returns the named top level bucket, creating it if needed.
func topLevelBucket(tx walletdb.ReadWriteTx,
	name []byte) (walletdb.ReadWriteBucket, error) {

	if b := tx.ReadWriteBucket(name); b != nil {
		return b, nil
	}
	return tx.CreateTopLevelBucket(name)
}

// Close closes the database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// get copies the value stored under key in bucket.
func (d *DB) get(bucket, key []byte) ([]byte, error) {
	var value []byte
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucket)
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucket)
		}
		v := b.Get(key)
		if v == nil {
			return ErrCacheMiss
		}

		// Values are only valid for the life of the transaction.
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// put stores value under key in bucket.
func (d *DB) put(bucket, key, value []byte) error {
	return walletdb.Update(d.db, func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(bucket)
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucket)
		}
		return b.Put(key, value)
	})
}
