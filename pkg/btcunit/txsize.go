// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides transaction size and fee rate units.
package btcunit

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// WeightUnit expresses a transaction size as defined by BIP141: the size
// without witness data times three plus the full serialized size.
type WeightUnit uint64

// NewWeightUnit creates a new WeightUnit from a uint64.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit(val)
}

// TxWeight returns the weight of a decoded transaction.
func TxWeight(tx *wire.MsgTx) WeightUnit {
	return WeightUnit(blockchain.GetTransactionWeight(btcutil.NewTx(tx)))
}

// ToVB converts a value expressed in weight units to virtual bytes.
func (wu WeightUnit) ToVB() VByte {
	// According to BIP141: Virtual transaction size is defined as
	// Transaction weight / 4 (rounded up to the next integer).
	vbytes := math.Ceil(float64(wu) / blockchain.WitnessScaleFactor)
	return VByte(vbytes)
}

// String returns the string representation of the weight unit.
func (wu WeightUnit) String() string {
	return fmt.Sprintf("%d wu", uint64(wu))
}

// VByte expresses a transaction size in virtual bytes, a quarter of a
// weight unit.
type VByte uint64

// NewVByte creates a new VByte from a uint64.
func NewVByte(val uint64) VByte {
	return VByte(val)
}

// ToWU converts a value expressed in virtual bytes to weight units.
func (vb VByte) ToWU() WeightUnit {
	return WeightUnit(uint64(vb) * blockchain.WitnessScaleFactor)
}

// String returns the string representation of the virtual byte.
func (vb VByte) String() string {
	return fmt.Sprintf("%d vb", uint64(vb))
}
