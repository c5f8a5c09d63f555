package electrum

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// bridgeHarness wires a bridge in front of a fake server.
type bridgeHarness struct {
	server *fakeServer
	cache  *memCache
	bridge *Bridge
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()

	server := newFakeServer(t)
	factory, err := NewConnFactory(server.connConfig(), nil)
	require.NoError(t, err)

	cache := newMemCache()
	bridge, err := NewBridge(&BridgeConfig{
		Factory: factory,
		Cache:   cache,
	})
	require.NoError(t, err)
	require.NoError(t, bridge.Start())
	t.Cleanup(func() {
		bridge.Stop()
		bridge.WaitForShutdown()
	})

	return &bridgeHarness{server: server, cache: cache, bridge: bridge}
}

// roundTrip writes a request line and reads one reply line.
func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader,
	req string) *message {

	t.Helper()

	_, err := conn.Write([]byte(req + "\n"))
	require.NoError(t, err)

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)

	msg, err := decodeMessage(line)
	require.NoError(t, err)
	return msg
}

func txGetRequest(id int, txid string, verbose bool) string {
	b, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  methodTransactionGet,
		"params":  []interface{}{txid, verbose},
	})
	return string(b)
}

func resultString(t *testing.T, msg *message) string {
	t.Helper()

	var s string
	require.NoError(t, json.Unmarshal(msg.Result, &s))
	return s
}

// TestBridgeCacheHitSkipsUpstream checks a cached transaction is answered
// without any byte reaching the server.
func TestBridgeCacheHitSkipsUpstream(t *testing.T) {
	t.Parallel()

	h := newBridgeHarness(t)
	require.NoError(t, h.cache.PutRawTx(testTxID, testRawTx))

	conn, r := dialLine(t, h.bridge.Port())
	reply := roundTrip(t, conn, r, txGetRequest(9, testTxID, false))

	id, ok := reply.numericID()
	require.True(t, ok)
	require.Equal(t, uint64(9), id)
	require.Equal(t, testRawTx, resultString(t, reply))
	require.False(t, reply.hasError())

	require.Equal(t, 0, h.server.bytesReceived())
}

// TestBridgeCachesMiss follows a miss to the server, then repeats the
// request and expects the identical answer from the cache.
func TestBridgeCachesMiss(t *testing.T) {
	t.Parallel()

	h := newBridgeHarness(t)
	h.server.mtx.Lock()
	h.server.rawTxs[testTxID] = testRawTx
	h.server.mtx.Unlock()

	conn, r := dialLine(t, h.bridge.Port())

	first := roundTrip(t, conn, r, txGetRequest(1, testTxID, false))
	require.Equal(t, testRawTx, resultString(t, first))

	cached, ok := h.cache.rawTx(testTxID)
	require.True(t, ok)
	require.Equal(t, testRawTx, cached)

	sent := h.server.bytesReceived()
	require.NotZero(t, sent)

	second := roundTrip(t, conn, r, txGetRequest(1, testTxID, false))
	require.Equal(t, first.Result, second.Result)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, sent, h.server.bytesReceived())
}

// TestBridgeDoesNotCacheBadReplies checks error replies and implausible
// results are forwarded but never stored.
func TestBridgeDoesNotCacheBadReplies(t *testing.T) {
	t.Parallel()

	const shortTxID = "0000000000000000000000000000000000000000000000000000000000000002"

	h := newBridgeHarness(t)
	h.server.mtx.Lock()
	h.server.errTxs[testTxID] = true
	h.server.rawTxs[shortTxID] = testShortHex
	h.server.mtx.Unlock()

	conn, r := dialLine(t, h.bridge.Port())

	reply := roundTrip(t, conn, r, txGetRequest(1, testTxID, false))
	require.True(t, reply.hasError())
	_, ok := h.cache.rawTx(testTxID)
	require.False(t, ok)

	reply = roundTrip(t, conn, r, txGetRequest(2, shortTxID, false))
	require.Equal(t, testShortHex, resultString(t, reply))
	_, ok = h.cache.rawTx(shortTxID)
	require.False(t, ok)
}

// TestBridgeForwardsUncacheable checks verbose requests and other methods
// pass through untouched.
func TestBridgeForwardsUncacheable(t *testing.T) {
	t.Parallel()

	h := newBridgeHarness(t)
	h.server.mtx.Lock()
	h.server.verboseTxs[testTxID] = `{"txid":"` + testTxID + `"}`
	h.server.mtx.Unlock()

	// Even with the raw form cached, a verbose request goes upstream.
	require.NoError(t, h.cache.PutRawTx(testTxID, testRawTx))

	conn, r := dialLine(t, h.bridge.Port())

	reply := roundTrip(t, conn, r, txGetRequest(1, testTxID, true))
	require.JSONEq(t, `{"txid":"`+testTxID+`"}`, string(reply.Result))
	require.Equal(t, 1, h.server.methodCount(methodTransactionGet))

	reply = roundTrip(t, conn, r,
		`{"jsonrpc":"2.0","id":"v","method":"server.version",`+
			`"params":["wallet","1.4"]}`)
	require.JSONEq(t, `["FakeElectrum 1.0","1.4"]`, string(reply.Result))
	require.JSONEq(t, `"v"`, string(reply.ID))
}

// TestBridgePipelinedRequests checks a burst of requests mixing hits and
// misses is answered completely.
func TestBridgePipelinedRequests(t *testing.T) {
	t.Parallel()

	const otherTxID = "ef00000000000000000000000000000000000000000000000000000000000003"

	h := newBridgeHarness(t)
	h.server.mtx.Lock()
	h.server.rawTxs[otherTxID] = testRawTx + "00"
	h.server.mtx.Unlock()
	require.NoError(t, h.cache.PutRawTx(testTxID, testRawTx))

	conn, r := dialLine(t, h.bridge.Port())

	burst := txGetRequest(1, testTxID, false) + "\n" +
		txGetRequest(2, otherTxID, false) + "\n" +
		`{"jsonrpc":"2.0","id":3,"method":"server.ping","params":[]}` +
		"\n"
	_, err := conn.Write([]byte(burst))
	require.NoError(t, err)

	results := make(map[uint64]json.RawMessage)
	for len(results) < 3 {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		msg, err := decodeMessage(line)
		require.NoError(t, err)
		id, ok := msg.numericID()
		require.True(t, ok)
		results[id] = msg.Result
	}

	require.JSONEq(t, `"`+testRawTx+`"`, string(results[1]))
	require.JSONEq(t, `"`+testRawTx+`00"`, string(results[2]))

	cached, ok := h.cache.rawTx(otherTxID)
	require.True(t, ok)
	require.Equal(t, testRawTx+"00", cached)
}

// TestBridgeForwardsBeforePartialLine checks a request followed by the start
// of the next one is forwarded at once instead of waiting for the rest.
func TestBridgeForwardsBeforePartialLine(t *testing.T) {
	t.Parallel()

	h := newBridgeHarness(t)
	h.server.mtx.Lock()
	h.server.rawTxs[testTxID] = testRawTx
	h.server.mtx.Unlock()

	conn, r := dialLine(t, h.bridge.Port())

	req := txGetRequest(1, testTxID, false) + "\n" + `{"jsonrpc":"2.0",`
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)

	reply, err := decodeMessage(line)
	require.NoError(t, err)
	require.Equal(t, testRawTx, resultString(t, reply))
}

func TestHasBufferedLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		reads int
		want  bool
	}{{
		name:  "empty",
		input: "",
		want:  false,
	}, {
		name:  "partial line",
		input: "a\nb",
		reads: 1,
		want:  false,
	}, {
		name:  "complete line",
		input: "a\nb\n",
		reads: 1,
		want:  true,
	}, {
		name:  "two lines",
		input: "a\nb\nc\n",
		reads: 1,
		want:  true,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(test.input))
			for i := 0; i < test.reads; i++ {
				_, err := r.ReadBytes('\n')
				require.NoError(t, err)
			}
			require.Equal(t, test.want, hasBufferedLine(r))
		})
	}
}

// TestBridgeUpstreamFailure checks a failed upstream closes the wallet
// connection and reports the error.
func TestBridgeUpstreamFailure(t *testing.T) {
	t.Parallel()

	dialer := &recordingDialer{fail: true}
	factory, err := NewConnFactory(&ConnConfig{
		Host: "127.0.0.1",
		Port: 1,
		Dial: dialer.dial,
	}, nil)
	require.NoError(t, err)

	errs := make(chan error, 2)
	bridge, err := NewBridge(&BridgeConfig{
		Factory:         factory,
		OnUpstreamError: func(err error) { errs <- err },
	})
	require.NoError(t, err)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	_, r := dialLine(t, bridge.Port())
	_, err = r.ReadByte()
	require.Error(t, err)

	select {
	case err := <-errs:
		require.ErrorIs(t, err, errTest)
	case <-time.After(testTimeout):
		t.Fatalf("upstream error not reported")
	}

	// A new wallet connection starts over.
	_, r = dialLine(t, bridge.Port())
	_, err = r.ReadByte()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return dialer.count() == 2
	}, testTimeout, 10*time.Millisecond)
}

// TestBridgeStopClosesConnections checks Stop unblocks relayed wallets.
func TestBridgeStopClosesConnections(t *testing.T) {
	t.Parallel()

	h := newBridgeHarness(t)
	conn, r := dialLine(t, h.bridge.Port())
	roundTrip(t, conn, r,
		`{"jsonrpc":"2.0","id":1,"method":"server.ping","params":[]}`)
	require.Equal(t, 1, h.bridge.ActiveConnections())

	done := make(chan struct{})
	go func() {
		h.bridge.Stop()
		h.bridge.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("bridge did not stop")
	}

	_, err := r.ReadByte()
	require.Error(t, err)
	require.Equal(t, 0, h.bridge.ActiveConnections())
}

// TestTxGetParams checks which transaction.get requests are cacheable.
func TestTxGetParams(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		line      string
		cacheable bool
	}{
		{
			name:      "positional raw",
			line:      txGetRequest(1, testTxID, false),
			cacheable: true,
		},
		{
			name: "txid only",
			line: `{"id":1,"method":"blockchain.transaction.get",` +
				`"params":["` + testTxID + `"]}`,
			cacheable: true,
		},
		{
			name: "numeric falsy verbose",
			line: `{"id":1,"method":"blockchain.transaction.get",` +
				`"params":["` + testTxID + `",0]}`,
			cacheable: true,
		},
		{
			name: "named params",
			line: `{"id":1,"method":"blockchain.transaction.get",` +
				`"params":{"tx_hash":"` + testTxID + `"}}`,
			cacheable: true,
		},
		{
			name: "verbose",
			line: txGetRequest(1, testTxID, true),
		},
		{
			name: "notification without id",
			line: `{"method":"blockchain.transaction.get",` +
				`"params":["` + testTxID + `"]}`,
		},
		{
			name: "invalid txid",
			line: txGetRequest(1, "nothex", false),
		},
		{
			name: "other method",
			line: `{"id":1,"method":"server.ping","params":[]}`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			msg, err := decodeMessage([]byte(tc.line))
			require.NoError(t, err)

			_, txid, ok := cacheableTxGet(msg)
			require.Equal(t, tc.cacheable, ok)
			if ok {
				require.Equal(t, testTxID, txid)
			}
		})
	}
}

// TestIsPlausibleRawTx checks the minimum shape of a cacheable result.
func TestIsPlausibleRawTx(t *testing.T) {
	t.Parallel()

	require.True(t, isPlausibleRawTx(testRawTx))
	require.False(t, isPlausibleRawTx(testShortHex))
	require.False(t, isPlausibleRawTx("0100000000000000000"))
	require.False(t, isPlausibleRawTx("zz000000000000000000000000"))
	require.True(t, isPlausibleRawTx("01000000000000000000"))
}
