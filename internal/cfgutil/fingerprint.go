// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// fingerprintLen is the length of a hex encoded SHA-256 fingerprint.
const fingerprintLen = 64

// FingerprintFlag is a certificate fingerprint config option.  It accepts
// the plain hex form and the colon separated form shown to users, in any
// case, and always holds lowercase hex.
type FingerprintFlag struct {
	Fingerprint string
}

// IsSet reports whether a fingerprint was given.
func (f *FingerprintFlag) IsSet() bool {
	return f.Fingerprint != ""
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (f *FingerprintFlag) MarshalFlag() (string, error) {
	return f.Fingerprint, nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (f *FingerprintFlag) UnmarshalFlag(value string) error {
	fingerprint, err := ParseFingerprint(value)
	if err != nil {
		return err
	}
	f.Fingerprint = fingerprint
	return nil
}

// ParseFingerprint normalizes a SHA-256 certificate fingerprint to
// lowercase hex without separators.
func ParseFingerprint(value string) (string, error) {
	fingerprint := strings.ToLower(strings.ReplaceAll(
		strings.TrimSpace(value), ":", "",
	))
	if len(fingerprint) != fingerprintLen {
		return "", fmt.Errorf("fingerprint %q must be %d hex "+
			"characters", value, fingerprintLen)
	}
	if _, err := hex.DecodeString(fingerprint); err != nil {
		return "", fmt.Errorf("fingerprint %q is not hex: %w", value,
			err)
	}
	return fingerprint, nil
}
