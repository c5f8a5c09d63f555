package netparams

import (
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TestNet4Net is the network magic of testnet4.
const TestNet4Net wire.BitcoinNet = 0x1c163f28

// TestNet4ChainParams are the chain parameters of testnet4.  Address
// encodings are shared with testnet3; consensus fields differ only where
// BIP94 changed them.
var TestNet4ChainParams = newTestNet4Params()

func newTestNet4Params() chaincfg.Params {
	params := chaincfg.TestNet3Params

	params.Name = "testnet4"
	params.Net = TestNet4Net
	params.DefaultPort = "48333"
	params.DNSSeeds = []chaincfg.DNSSeed{
		{Host: "seed.testnet4.bitcoin.sprovoost.nl", HasFiltering: true},
		{Host: "seed.testnet4.wiz.biz", HasFiltering: true},
	}

	genesisHash := testNet4GenesisBlock.BlockHash()
	params.GenesisBlock = &testNet4GenesisBlock
	params.GenesisHash = &genesisHash
	params.BIP0034Height = 1
	params.BIP0065Height = 1
	params.BIP0066Height = 1
	params.Checkpoints = nil

	return params
}

var (
	testNet4GenesisSigScript, _ = hex.DecodeString("04ffff001d01044c4c" +
		"30332f4d61792f3230323420303030303030303030303030303030303030" +
		"303031656264353863323434393730623361613964373833626230303130" +
		"31316662653865613865393865303065")
	testNet4GenesisPkScript, _ = hex.DecodeString("21000000000000000000" +
		"000000000000000000000000000000000000000000000000ac")

	testNet4GenesisCoinbase = wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{},
				Index: 0xffffffff,
			},
			SignatureScript: testNet4GenesisSigScript,
			Sequence:        0xffffffff,
		}},
		TxOut: []*wire.TxOut{{
			Value:    0x12a05f200,
			PkScript: testNet4GenesisPkScript,
		}},
	}

	testNet4GenesisBlock = wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			MerkleRoot: testNet4GenesisCoinbase.TxHash(),
			Timestamp:  time.Unix(1714777860, 0),
			Bits:       0x1d00ffff,
			Nonce:      393743547,
		},
		Transactions: []*wire.MsgTx{&testNet4GenesisCoinbase},
	}
)
