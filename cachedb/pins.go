package cachedb

import (
	"encoding/hex"
	"errors"
	"net"
	"strconv"

	"github.com/lightningnetwork/lnd/fn/v2"
)

func pinKey(host string, port int) []byte {
	return []byte(net.JoinHostPort(host, strconv.Itoa(port)))
}

// FetchFingerprint returns the certificate fingerprint pinned for
// host:port.
func (d *DB) FetchFingerprint(host string, port int) (fn.Option[string],
	error) {

	fingerprint, err := d.get(pinBucket, pinKey(host, port))
	switch {
	case errors.Is(err, ErrCacheMiss):
		return fn.None[string](), nil
	case err != nil:
		return fn.None[string](), err
	}
	return fn.Some(hex.EncodeToString(fingerprint)), nil
}

// PutFingerprint pins a hex encoded certificate fingerprint for host:port.
func (d *DB) PutFingerprint(host string, port int, fingerprint string) error {
	raw, err := hex.DecodeString(fingerprint)
	if err != nil {
		return err
	}
	if err := d.put(pinBucket, pinKey(host, port), raw); err != nil {
		return err
	}

	log.Infof("Pinned certificate %s for %s", fingerprint,
		pinKey(host, port))
	return nil
}
