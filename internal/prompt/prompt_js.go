// Copyright (c) 2015-2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/electrumproxy/electrum"
)

func IsInteractive(_ *os.File) bool {
	return false
}

func ApproveCertificate(_ *bufio.Reader, _ io.Writer,
	_ error) (electrum.CertificateInfo, bool, error) {

	return electrum.CertificateInfo{}, false,
		fmt.Errorf("prompt not supported in WebAssembly")
}
