package electrum

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrCertificateRejected is returned when the user declined to trust a
// certificate presented on first use.
var ErrCertificateRejected = errors.New("server certificate rejected")

// TrustState enumerates the outcomes of evaluating a presented certificate
// against the trust store.
type TrustState uint8

const (
	// TrustNoRecord means no fingerprint is pinned for the endpoint.  The
	// connection fails with a FirstUseError until the user decides.
	TrustNoRecord TrustState = iota

	// TrustFirstUseApproved means the user approved the certificate and
	// its fingerprint is now pinned.
	TrustFirstUseApproved

	// TrustRejected means the user declined the certificate.
	TrustRejected

	// TrustMatch means the presented certificate matches the pin.
	TrustMatch

	// TrustMismatch means a pin exists and the presented certificate does
	// not match it.
	TrustMismatch

	// TrustBypassed means the host is on an anonymity network where the
	// transport itself authenticates the server.
	TrustBypassed
)

// String returns a human readable name for the state.
func (s TrustState) String() string {
	switch s {
	case TrustNoRecord:
		return "no record"
	case TrustFirstUseApproved:
		return "first use approved"
	case TrustRejected:
		return "rejected"
	case TrustMatch:
		return "match"
	case TrustMismatch:
		return "mismatch"
	case TrustBypassed:
		return "bypassed"
	default:
		return "unknown"
	}
}

// CertificateInfo describes a server certificate for a trust decision.
type CertificateInfo struct {
	Host        string
	Port        int
	Fingerprint string
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
}

// newCertificateInfo extracts the fields of interest from a leaf
// certificate.
func newCertificateInfo(host string, port int, rawLeaf []byte) CertificateInfo {
	info := CertificateInfo{
		Host:        host,
		Port:        port,
		Fingerprint: Fingerprint(rawLeaf),
	}

	// A certificate we cannot parse can still be pinned by its raw bytes,
	// so a parse failure only loses the descriptive fields.
	cert, err := x509.ParseCertificate(rawLeaf)
	if err != nil {
		log.Debugf("Unable to parse certificate from %s: %v",
			net.JoinHostPort(host, fmt.Sprint(port)), err)
		return info
	}
	info.Subject = cert.Subject.String()
	info.Issuer = cert.Issuer.String()
	info.NotBefore = cert.NotBefore
	info.NotAfter = cert.NotAfter
	return info
}

// FirstUseError is returned from a TLS handshake with a server whose
// certificate has never been pinned.  The caller must obtain an explicit
// decision and either Approve the certificate and reconnect, or Reject it.
type FirstUseError struct {
	Cert CertificateInfo
}

// Error implements the error interface.
func (e *FirstUseError) Error() string {
	return fmt.Sprintf("first connection to %s:%d, certificate %s "+
		"requires approval", e.Cert.Host, e.Cert.Port,
		e.Cert.Fingerprint)
}

// FingerprintMismatchError is returned from a TLS handshake when a server
// presents a certificate other than the pinned one.  This may indicate an
// interception attempt and is never accepted silently.
type FingerprintMismatchError struct {
	Cert   CertificateInfo
	Stored string
}

// Error implements the error interface.
func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("certificate for %s:%d changed: pinned %s, "+
		"presented %s", e.Cert.Host, e.Cert.Port, e.Stored,
		e.Cert.Fingerprint)
}

// IsTrustError reports whether err is one of the trust signals that need a
// human decision rather than a reconnect.
func IsTrustError(err error) bool {
	var (
		firstUse *FirstUseError
		mismatch *FingerprintMismatchError
	)
	return errors.As(err, &firstUse) || errors.As(err, &mismatch) ||
		errors.Is(err, ErrCertificateRejected)
}

// TrustSignal unwraps the trust signal carried by err, if any.  At most one
// of the results is non-nil.
func TrustSignal(err error) (*FirstUseError, *FingerprintMismatchError) {
	var firstUse *FirstUseError
	if errors.As(err, &firstUse) {
		return firstUse, nil
	}
	var mismatch *FingerprintMismatchError
	if errors.As(err, &mismatch) {
		return nil, mismatch
	}
	return nil, nil
}

// Fingerprint returns the lowercase hex SHA-256 of a DER certificate.
func Fingerprint(rawCert []byte) string {
	sum := sha256.Sum256(rawCert)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint renders a fingerprint as colon separated uppercase
// byte pairs for display.
func FormatFingerprint(fingerprint string) string {
	fingerprint = strings.ToUpper(fingerprint)
	pairs := make([]string, 0, len(fingerprint)/2)
	for i := 0; i+1 < len(fingerprint); i += 2 {
		pairs = append(pairs, fingerprint[i:i+2])
	}
	return strings.Join(pairs, ":")
}

// IsOnionHost reports whether host is a Tor hidden service address.
func IsOnionHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return strings.HasSuffix(host, ".onion")
}

// TrustDecision evaluates server certificates using trust on first use.  It
// is stateless apart from the trust store and safe for concurrent use by all
// channels.
type TrustDecision struct {
	store TrustStore
}

// NewTrustDecision returns a TrustDecision backed by store.
func NewTrustDecision(store TrustStore) *TrustDecision {
	return &TrustDecision{store: store}
}

// Evaluate classifies a presented leaf certificate.  The returned error is
// the signal a handshake must fail with, or nil if the connection may
// proceed.
func (t *TrustDecision) Evaluate(host string, port int,
	rawLeaf []byte) (TrustState, error) {

	if IsOnionHost(host) {
		return TrustBypassed, nil
	}

	info := newCertificateInfo(host, port, rawLeaf)

	stored, err := t.store.FetchFingerprint(host, port)
	if err != nil {
		// Fail closed: without the pin we cannot tell a match from an
		// interception.
		return TrustNoRecord, fmt.Errorf("unable to read pinned "+
			"certificate for %s:%d: %w", host, port, err)
	}
	if stored.IsNone() {
		return TrustNoRecord, &FirstUseError{Cert: info}
	}

	pinned := stored.UnwrapOr("")
	if !strings.EqualFold(pinned, info.Fingerprint) {
		return TrustMismatch, &FingerprintMismatchError{
			Cert:   info,
			Stored: pinned,
		}
	}
	return TrustMatch, nil
}

// Verify is the handshake callback form of Evaluate.
func (t *TrustDecision) Verify(host string, port int, rawCerts [][]byte) error {
	if IsOnionHost(host) {
		return nil
	}
	if len(rawCerts) == 0 {
		return fmt.Errorf("server %s:%d presented no certificate", host,
			port)
	}

	state, err := t.Evaluate(host, port, rawCerts[0])
	log.Debugf("Certificate for %s:%d: %v", host, port, state)
	return err
}

// Approve pins the certificate described by info after the user accepted
// it.
func (t *TrustDecision) Approve(info CertificateInfo) (TrustState, error) {
	err := t.store.PutFingerprint(info.Host, info.Port, info.Fingerprint)
	if err != nil {
		return TrustNoRecord, fmt.Errorf("unable to pin certificate: %w",
			err)
	}
	log.Infof("Pinned certificate %s for %s:%d", info.Fingerprint,
		info.Host, info.Port)
	return TrustFirstUseApproved, nil
}

// Reject records nothing and returns the terminal rejection signal.
func (t *TrustDecision) Reject(info CertificateInfo) (TrustState, error) {
	log.Warnf("Certificate %s for %s:%d rejected", info.Fingerprint,
		info.Host, info.Port)
	return TrustRejected, ErrCertificateRejected
}

// TLSConfig returns a client configuration whose verification is entirely
// delegated to Verify.  The decision runs inside the handshake, so no
// application data is exchanged before it is final.
func (t *TrustDecision) TLSConfig(host string, port int) *tls.Config {
	cfg := &tls.Config{
		// Chain validation is replaced by pinning; Electrum servers
		// commonly use self-signed certificates.
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte,
			_ [][]*x509.Certificate) error {

			return t.Verify(host, port, rawCerts)
		},
	}
	if net.ParseIP(host) == nil {
		cfg.ServerName = host
	}
	return cfg
}
