// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !js

package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/electrumproxy/electrum"
	"golang.org/x/term"
)

// IsInteractive reports whether f is a terminal a user can answer prompts
// on.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, w io.Writer, prefix string,
	validResponses []string, defaultEntry string) (string, error) {

	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	for {
		fmt.Fprint(w, prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given
// prefix.  The function will repeat the prompt to the user until they enter a
// valid response.
func promptListBool(reader *bufio.Reader, w io.Writer, prefix string,
	defaultEntry string) (bool, error) {

	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, w, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// describeCertificate writes the fields a user needs to recognize a
// certificate.
func describeCertificate(w io.Writer, cert electrum.CertificateInfo) {
	fmt.Fprintf(w, "  Server:      %s:%d\n", cert.Host, cert.Port)
	if cert.Subject != "" {
		fmt.Fprintf(w, "  Subject:     %s\n", cert.Subject)
	}
	if cert.Issuer != "" {
		fmt.Fprintf(w, "  Issuer:      %s\n", cert.Issuer)
	}
	if !cert.NotAfter.IsZero() {
		fmt.Fprintf(w, "  Valid:       %s to %s\n",
			cert.NotBefore.Format(time.DateOnly),
			cert.NotAfter.Format(time.DateOnly))
	}
	fmt.Fprintf(w, "  Fingerprint: %s\n",
		electrum.FormatFingerprint(cert.Fingerprint))
}

// ApproveCertificate asks whether to trust the certificate carried by a
// trust signal.  A changed certificate is shown next to the pinned one and
// defaults to no.  Errors other than trust signals are returned unchanged.
func ApproveCertificate(reader *bufio.Reader, w io.Writer,
	trustErr error) (electrum.CertificateInfo, bool, error) {

	firstUse, mismatch := electrum.TrustSignal(trustErr)
	switch {
	case firstUse != nil:
		fmt.Fprintln(w, "The Electrum server presented a certificate "+
			"that has not been seen before:")
		describeCertificate(w, firstUse.Cert)

		ok, err := promptListBool(reader, w, "Trust this certificate?",
			"no")
		return firstUse.Cert, ok, err

	case mismatch != nil:
		fmt.Fprintln(w, "WARNING: the Electrum server certificate "+
			"changed.  This may mean the connection is being "+
			"intercepted.")
		fmt.Fprintf(w, "  Pinned:      %s\n",
			electrum.FormatFingerprint(mismatch.Stored))
		describeCertificate(w, mismatch.Cert)

		ok, err := promptListBool(reader, w, "Replace the pinned "+
			"certificate?", "no")
		return mismatch.Cert, ok, err

	default:
		return electrum.CertificateInfo{}, false, trustErr
	}
}
