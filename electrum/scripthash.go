package electrum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptHashFromPkScript returns the Electrum script hash of an output
// script: the SHA-256 of the script in reversed byte order, hex encoded.
func ScriptHashFromPkScript(pkScript []byte) string {
	return chainhash.Hash(sha256.Sum256(pkScript)).String()
}

// ScriptHashFromAddress returns the Electrum script hash of the output
// script paying to addr on the given network.
func ScriptHashFromAddress(addr string, params *chaincfg.Params) (string,
	error) {

	pkScript, err := PkScriptFromAddress(addr, params)
	if err != nil {
		return "", err
	}
	return ScriptHashFromPkScript(pkScript), nil
}

// PkScriptFromAddress decodes addr and returns the output script paying to
// it.
func PkScriptFromAddress(addr string, params *chaincfg.Params) ([]byte,
	error) {

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", addr,
			params.Name)
	}
	return txscript.PayToAddrScript(decoded)
}

// ScriptSet is a set of output scripts owned by the wallet, keyed by their
// hex encoding.
type ScriptSet map[string]struct{}

// NewScriptSet returns a set holding the given output scripts.
func NewScriptSet(pkScripts ...[]byte) ScriptSet {
	s := make(ScriptSet, len(pkScripts))
	for _, pkScript := range pkScripts {
		s.Add(pkScript)
	}
	return s
}

// Add inserts an output script.
func (s ScriptSet) Add(pkScript []byte) {
	s[hex.EncodeToString(pkScript)] = struct{}{}
}

// ContainsHex reports whether the hex encoded output script is owned.
func (s ScriptSet) ContainsHex(pkScriptHex string) bool {
	_, ok := s[strings.ToLower(pkScriptHex)]
	return ok
}
