package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/electrumproxy/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxDetails are the size figures of a transaction.
type TxDetails struct {
	TxID   string
	Size   int64
	VSize  btcunit.VByte
	Weight btcunit.WeightUnit
}

// AddressTxInfo summarizes a transaction from the point of view of a set of
// owned scripts.  It is derived on demand and never stored.
type AddressTxInfo struct {
	TxID string

	// Net is what the owned scripts received minus what they spent.
	Net btcutil.Amount

	// Timestamp is the block time, or the first-seen time for mempool
	// transactions if the server reports one.
	Timestamp fn.Option[time.Time]

	// Counterparty is the first foreign output address of an outgoing
	// transaction, or the first foreign input address of an incoming one.
	Counterparty fn.Option[string]

	// Fee is only known when every input's previous output was resolved.
	Fee fn.Option[btcutil.Amount]
}

// verboseTx is the subset of a verbose transaction.get result the proxy
// reads.
type verboseTx struct {
	TxID          string         `json:"txid"`
	Hex           string         `json:"hex"`
	Size          int64          `json:"size"`
	VSize         int64          `json:"vsize"`
	Weight        int64          `json:"weight"`
	Time          int64          `json:"time"`
	BlockTime     int64          `json:"blocktime"`
	Confirmations int64          `json:"confirmations"`
	Vin           []verboseTxIn  `json:"vin"`
	Vout          []verboseTxOut `json:"vout"`
}

type verboseTxIn struct {
	TxID     string        `json:"txid"`
	Vout     uint32        `json:"vout"`
	Coinbase string        `json:"coinbase"`
	Prevout  *verboseTxOut `json:"prevout"`
}

type verboseTxOut struct {
	Value        float64 `json:"value"`
	N            uint32  `json:"n"`
	ScriptPubKey struct {
		Hex       string   `json:"hex"`
		Address   string   `json:"address"`
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
}

func decodeVerboseTx(raw json.RawMessage) (*verboseTx, error) {
	var tx verboseTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: verbose tx: %v", ErrMalformedResponse,
			err)
	}
	return &tx, nil
}

// amount converts the BTC value of an output.
func (o *verboseTxOut) amount() (btcutil.Amount, error) {
	return btcutil.NewAmount(o.Value)
}

// address returns the address an output pays to, deriving it from the
// script when the server did not report one.
func (o *verboseTxOut) address(params *chaincfg.Params) fn.Option[string] {
	switch {
	case o.ScriptPubKey.Address != "":
		return fn.Some(o.ScriptPubKey.Address)
	case len(o.ScriptPubKey.Addresses) != 0:
		return fn.Some(o.ScriptPubKey.Addresses[0])
	case params == nil:
		return fn.None[string]()
	}

	pkScript, err := hex.DecodeString(o.ScriptPubKey.Hex)
	if err != nil {
		return fn.None[string]()
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) == 0 {
		return fn.None[string]()
	}
	return fn.Some(addrs[0].EncodeAddress())
}

// TxDetailsFromVerbose extracts size figures from a verbose transaction.
// The virtual size is computed from the weight when the server omits it;
// when both are missing they are computed from the embedded raw hex.
func TxDetailsFromVerbose(raw json.RawMessage) (*TxDetails, error) {
	tx, err := decodeVerboseTx(raw)
	if err != nil {
		return nil, err
	}
	if tx.Weight == 0 && tx.VSize == 0 && tx.Hex != "" {
		return TxDetailsFromRaw(tx.Hex)
	}

	details := &TxDetails{
		TxID:   tx.TxID,
		Size:   tx.Size,
		Weight: btcunit.NewWeightUnit(uint64(tx.Weight)),
		VSize:  btcunit.NewVByte(uint64(tx.VSize)),
	}
	switch {
	case tx.VSize == 0:
		details.VSize = details.Weight.ToVB()
	case tx.Weight == 0:
		details.Weight = details.VSize.ToWU()
	}
	return details, nil
}

// TxDetailsFromRaw decodes a raw transaction and measures it.
func TxDetailsFromRaw(rawHex string) (*TxDetails, error) {
	tx, err := decodeRawTx(rawHex)
	if err != nil {
		return nil, err
	}
	weight := btcunit.TxWeight(tx)
	return &TxDetails{
		TxID:   tx.TxHash().String(),
		Size:   int64(tx.SerializeSize()),
		Weight: weight,
		VSize:  weight.ToVB(),
	}, nil
}

func decodeRawTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: raw tx: %v", ErrMalformedResponse, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: raw tx: %v", ErrMalformedResponse, err)
	}
	return &tx, nil
}

// TxDetails fetches a transaction, preferring its verbose form, and
// measures it.
func (d *DirectQuery) TxDetails(ctx context.Context,
	txid string) (*TxDetails, error) {

	verbose, err := d.VerboseTransaction(ctx, txid)
	if err == nil {
		if details, err := TxDetailsFromVerbose(verbose); err == nil {
			return details, nil
		}
	}

	log.Debugf("Falling back to raw tx for details of %s: %v", txid, err)
	rawHex, err := d.RawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	return TxDetailsFromRaw(rawHex)
}

// AddressTxInfo correlates a transaction with the owned scripts.  Inputs
// carrying a prevout are resolved locally; the rest need their funding
// transactions, which are fetched in one pipelined batch.  That fallback
// costs an extra round trip and up to one transaction download per input,
// so large consolidations can be slow on servers that omit prevouts.
func (d *DirectQuery) AddressTxInfo(ctx context.Context, txid string,
	owned ScriptSet, params *chaincfg.Params) (*AddressTxInfo, error) {

	raw, err := d.VerboseTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx, err := decodeVerboseTx(raw)
	if err != nil {
		return nil, err
	}

	prevouts, err := d.resolvePrevouts(ctx, tx)
	if err != nil {
		return nil, err
	}
	return correlate(tx, prevouts, owned, params)
}

// resolvePrevouts returns the previous output of every non-coinbase input,
// indexed like tx.Vin.  Unresolvable inputs are nil.
func (d *DirectQuery) resolvePrevouts(ctx context.Context,
	tx *verboseTx) ([]*verboseTxOut, error) {

	prevouts := make([]*verboseTxOut, len(tx.Vin))

	var missing []string
	for i := range tx.Vin {
		in := &tx.Vin[i]
		switch {
		case in.Coinbase != "":
		case in.Prevout != nil:
			prevouts[i] = in.Prevout
		default:
			missing = append(missing, in.TxID)
		}
	}
	if len(missing) == 0 {
		return prevouts, nil
	}

	missing = uniqueStrings(missing)
	start := time.Now()
	log.Debugf("Resolving prevouts of %s through %d funding transactions",
		tx.TxID, len(missing))

	funding, err := d.VerboseTransactions(ctx, missing)
	if err != nil {
		return nil, err
	}

	decoded := make(map[string]*verboseTx, len(funding))
	for fundingID, raw := range funding {
		fundingTx, err := decodeVerboseTx(raw)
		if err != nil {
			log.Warnf("Unable to decode funding tx %s: %v",
				fundingID, err)
			continue
		}
		decoded[fundingID] = fundingTx
	}

	for i := range tx.Vin {
		in := &tx.Vin[i]
		if prevouts[i] != nil || in.Coinbase != "" {
			continue
		}
		fundingTx, ok := decoded[in.TxID]
		if !ok {
			continue
		}
		for j := range fundingTx.Vout {
			if fundingTx.Vout[j].N == in.Vout {
				prevouts[i] = &fundingTx.Vout[j]
				break
			}
		}
	}

	log.Debugf("Resolved prevouts of %s in %v", tx.TxID,
		time.Since(start))
	return prevouts, nil
}

// correlate computes the owned view of tx given its resolved prevouts.
func correlate(tx *verboseTx, prevouts []*verboseTxOut, owned ScriptSet,
	params *chaincfg.Params) (*AddressTxInfo, error) {

	info := &AddressTxInfo{
		TxID:         tx.TxID,
		Timestamp:    fn.None[time.Time](),
		Counterparty: fn.None[string](),
		Fee:          fn.None[btcutil.Amount](),
	}
	switch {
	case tx.BlockTime > 0:
		info.Timestamp = fn.Some(time.Unix(tx.BlockTime, 0))
	case tx.Time > 0:
		info.Timestamp = fn.Some(time.Unix(tx.Time, 0))
	}

	var (
		sent, received, totalIn, totalOut btcutil.Amount
		allResolved                       = true
		coinbase                          bool
		foreignIn                         = fn.None[string]()
		foreignOut                        = fn.None[string]()
	)
	for i, prevout := range prevouts {
		if tx.Vin[i].Coinbase != "" {
			coinbase = true
			continue
		}
		if prevout == nil {
			allResolved = false
			continue
		}
		value, err := prevout.amount()
		if err != nil {
			return nil, fmt.Errorf("%w: input value: %v",
				ErrMalformedResponse, err)
		}
		totalIn += value

		if owned.ContainsHex(prevout.ScriptPubKey.Hex) {
			sent += value
		} else if foreignIn.IsNone() {
			foreignIn = prevout.address(params)
		}
	}
	for i := range tx.Vout {
		out := &tx.Vout[i]
		value, err := out.amount()
		if err != nil {
			return nil, fmt.Errorf("%w: output value: %v",
				ErrMalformedResponse, err)
		}
		totalOut += value

		if owned.ContainsHex(out.ScriptPubKey.Hex) {
			received += value
		} else if foreignOut.IsNone() {
			foreignOut = out.address(params)
		}
	}

	info.Net = received - sent
	if info.Net < 0 {
		info.Counterparty = foreignOut
	} else {
		info.Counterparty = foreignIn
	}
	if allResolved && !coinbase && totalIn >= totalOut {
		info.Fee = fn.Some(totalIn - totalOut)
	}
	return info, nil
}
