// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"

	"github.com/btcsuite/electrumproxy/netparams"
)

// activeNet is the network the proxy serves, selected by loadConfig.
var activeNet = &netparams.MainNetParams

// networkDir returns the directory holding the data of one network inside
// the application data directory.
func networkDir(appDataDir string, params *netparams.Params) string {
	return filepath.Join(appDataDir, params.Name)
}
