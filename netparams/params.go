// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Params groups the chain parameters of a network with the default ports
// Electrum servers listen on for it.
type Params struct {
	*chaincfg.Params
	ElectrumTCPPort string
	ElectrumTLSPort string
}

// DefaultPort returns the Electrum port matching the transport.
func (p *Params) DefaultPort(useTLS bool) string {
	if useTLS {
		return p.ElectrumTLSPort
	}
	return p.ElectrumTCPPort
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:          &chaincfg.MainNetParams,
	ElectrumTCPPort: "50001",
	ElectrumTLSPort: "50002",
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:          &chaincfg.TestNet3Params,
	ElectrumTCPPort: "51001",
	ElectrumTLSPort: "51002",
}

// TestNet4Params contains parameters specific to the test network (version
// 4).
var TestNet4Params = Params{
	Params:          &TestNet4ChainParams,
	ElectrumTCPPort: "51001",
	ElectrumTLSPort: "51002",
}

// SigNetParams contains parameters specific to the default signet.
var SigNetParams = Params{
	Params:          &chaincfg.SigNetParams,
	ElectrumTCPPort: "51001",
	ElectrumTLSPort: "51002",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:          &chaincfg.RegressionNetParams,
	ElectrumTCPPort: "51001",
	ElectrumTLSPort: "51002",
}

// ByName returns the parameters of the named network.
func ByName(name string) (*Params, error) {
	for _, params := range []*Params{
		&MainNetParams, &TestNet3Params, &TestNet4Params,
		&SigNetParams, &RegressionNetParams,
	} {
		if params.Name == name {
			return params, nil
		}
	}
	return nil, fmt.Errorf("unknown network %q", name)
}
