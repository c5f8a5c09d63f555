package electrum

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestDecodeNotification checks every push method maps to its notification
// and that nothing falls through silently.
func TestDecodeNotification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		line    string
		want    Notification
		wantErr error
	}{
		{
			name: "scripthash with status",
			line: pushLine(methodScriptHashSubscribe,
				testScriptHashA, "beef"),
			want: ScriptHashChanged{
				ScriptHash: testScriptHashA,
				Status:     fn.Some("beef"),
			},
		},
		{
			name: "scripthash without history",
			line: pushLine(methodScriptHashSubscribe,
				testScriptHashA, nil),
			want: ScriptHashChanged{
				ScriptHash: testScriptHashA,
				Status:     fn.None[string](),
			},
		},
		{
			name: "header",
			line: pushLine(methodHeadersSubscribe, headerResult{
				Height: 42,
				Hex:    testHeaderHex,
			}),
			want: NewBlockHeader{Height: 42, HeaderHex: testHeaderHex},
		},
		{
			name:    "unknown method",
			line:    pushLine("mempool.fee_histogram", 1),
			wantErr: ErrUnknownNotification,
		},
		{
			name:    "header without params",
			line:    pushLine(methodHeadersSubscribe),
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "scripthash with bad params",
			line:    `{"method":"blockchain.scripthash.subscribe","params":{}}`,
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			msg, err := decodeMessage([]byte(tc.line))
			require.NoError(t, err)
			require.True(t, msg.isPush())

			n, err := decodeNotification(msg)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, n)
		})
	}
}

// TestNewBlockHeaderDecode checks the announced header decodes.
func TestNewBlockHeaderDecode(t *testing.T) {
	t.Parallel()

	genesis := chaincfg.MainNetParams.GenesisBlock.Header

	var buf bytes.Buffer
	require.NoError(t, genesis.Serialize(&buf))

	n := NewBlockHeader{HeaderHex: hex.EncodeToString(buf.Bytes())}
	header, err := n.Header()
	require.NoError(t, err)
	require.Equal(t, genesis.BlockHash(), header.BlockHash())

	_, err = NewBlockHeader{HeaderHex: "zz"}.Header()
	require.Error(t, err)
}

// TestNotificationBusFanOut checks every client sees every notification in
// order, and that publishing never waits on a slow reader.
func TestNotificationBusFanOut(t *testing.T) {
	t.Parallel()

	bus := NewNotificationBus()
	defer bus.Stop()

	fast := bus.Subscribe()
	slow := bus.Subscribe()

	const count = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < count; i++ {
			bus.Publish(NewBlockHeader{Height: int32(i)})
		}
	}()

	for i := 0; i < count; i++ {
		n := readNotification(t, fast)
		require.Equal(t, NewBlockHeader{Height: int32(i)}, n)
	}

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("publishing blocked on a slow client")
	}

	for i := 0; i < count; i++ {
		n := readNotification(t, slow)
		require.Equal(t, NewBlockHeader{Height: int32(i)}, n)
	}
}

// TestNotificationClientCancel checks cancelled clients and stopped buses
// close their channels.
func TestNotificationClientCancel(t *testing.T) {
	t.Parallel()

	bus := NewNotificationBus()

	c := bus.Subscribe()
	c.Cancel()
	_, ok := <-c.Notifications
	require.False(t, ok)

	// Publishing to no clients is fine.
	bus.Publish(ConnectionLost{})

	other := bus.Subscribe()
	bus.Stop()
	_, ok = <-other.Notifications
	require.False(t, ok)

	late := bus.Subscribe()
	_, ok = <-late.Notifications
	require.False(t, ok)

	// Stopping twice and publishing afterwards are no-ops.
	bus.Stop()
	bus.Publish(ConnectionLost{})
}
