package electrum

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

const (
	testTxID     = "abcd000000000000000000000000000000000000000000000000000000000001"
	testRawTx    = "0100000000000000000000deadbeef"
	testShortHex = "abcd"

	testScriptHashA = "aa00000000000000000000000000000000000000000000000000000000000001"
	testScriptHashB = "bb00000000000000000000000000000000000000000000000000000000000002"
	testScriptHashC = "cc00000000000000000000000000000000000000000000000000000000000003"

	testTimeout = 5 * time.Second
)

var (
	errTest = errors.New("test error")

	// testHeaderHex is an 80 byte version 0x20000000 header.
	testHeaderHex = "00000020" + strings.Repeat("00", 76)
)

// fakeConn is one accepted connection of a fakeServer.
type fakeConn struct {
	net.Conn
	writeMtx sync.Mutex
}

func (c *fakeConn) writeLine(line string) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	_, err := c.Write([]byte(line + "\n"))
	return err
}

// fakeServer is a line-delimited Electrum server on a loopback listener.  It
// records every byte and request it receives.
type fakeServer struct {
	t        *testing.T
	listener net.Listener

	mtx sync.Mutex

	received int
	methods  []string
	conns    []*fakeConn
	accepted int

	// Server state consulted by the default responder.
	rawTxs      map[string]string
	verboseTxs  map[string]string
	statuses    map[string]string
	histories   map[string]string
	errTxs      map[string]bool
	hangPings   bool
	pushFirst   string
	relayFeeBTC float64

	// respond overrides the default responder when set.
	respond func(msg *message) []string

	wg sync.WaitGroup
}

// newFakeServer starts a plaintext fake server.
func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	return startFakeServer(t, listener)
}

// newTLSFakeServer starts a fake server presenting cert.
func newTLSFakeServer(t *testing.T, cert tls.Certificate) *fakeServer {
	t.Helper()

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	return startFakeServer(t, tls.NewListener(listener, &tls.Config{
		Certificates: []tls.Certificate{cert},
	}))
}

func startFakeServer(t *testing.T, listener net.Listener) *fakeServer {
	s := &fakeServer{
		t:           t,
		listener:    listener,
		rawTxs:      make(map[string]string),
		verboseTxs:  make(map[string]string),
		statuses:    make(map[string]string),
		histories:   make(map[string]string),
		errTxs:      make(map[string]bool),
		relayFeeBTC: 0.00001,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

func (s *fakeServer) port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// connConfig returns a plaintext clearnet config for the server.
func (s *fakeServer) connConfig() *ConnConfig {
	return &ConnConfig{
		Host:           s.host(),
		Port:           s.port(),
		ConnectTimeout: testTimeout,
		ReadTimeout:    testTimeout,
	}
}

func (s *fakeServer) close() {
	s.listener.Close()
	s.dropConnections()
	s.wg.Wait()
}

// dropConnections closes every accepted connection.
func (s *fakeServer) dropConnections() {
	s.mtx.Lock()
	conns := s.conns
	s.conns = nil
	s.mtx.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *fakeServer) bytesReceived() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.received
}

func (s *fakeServer) acceptedConns() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.accepted
}

// methodCount returns how many requests for method were received.
func (s *fakeServer) methodCount(method string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var n int
	for _, m := range s.methods {
		if m == method {
			n++
		}
	}
	return n
}

// pushAll writes a push line to every open connection.
func (s *fakeServer) pushAll(line string) {
	s.mtx.Lock()
	conns := append([]*fakeConn(nil), s.conns...)
	s.mtx.Unlock()

	for _, c := range conns {
		_ = c.writeLine(line)
	}
}

func (s *fakeServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		c := &fakeConn{Conn: conn}
		s.mtx.Lock()
		s.conns = append(s.conns, c)
		s.accepted++
		s.mtx.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *fakeServer) serve(c *fakeConn) {
	defer s.wg.Done()
	defer c.Close()

	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')

		s.mtx.Lock()
		s.received += len(line)
		respond := s.respond
		s.mtx.Unlock()

		if err != nil {
			return
		}

		msg, err := decodeMessage(line)
		if err != nil {
			continue
		}

		s.mtx.Lock()
		s.methods = append(s.methods, msg.Method)
		s.mtx.Unlock()

		if respond == nil {
			respond = s.defaultRespond
		}
		for _, out := range respond(msg) {
			if err := c.writeLine(out); err != nil {
				return
			}
		}
	}
}

// defaultRespond answers the Electrum methods the proxy uses from the
// server state.
func (s *fakeServer) defaultRespond(msg *message) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var params []json.RawMessage
	_ = json.Unmarshal(msg.Params, &params)
	stringParam := func(i int) string {
		if i >= len(params) {
			return ""
		}
		var v string
		_ = json.Unmarshal(params[i], &v)
		return v
	}

	var out []string
	if s.pushFirst != "" {
		out = append(out, s.pushFirst)
	}

	switch msg.Method {
	case methodServerVersion:
		return append(out, resultLine(msg.ID,
			[]string{"FakeElectrum 1.0", "1.4"}))

	case methodServerPing:
		if s.hangPings {
			return nil
		}
		return append(out, resultLine(msg.ID, nil))

	case methodHeadersSubscribe:
		return append(out, resultLine(msg.ID, headerResult{
			Height: 800000,
			Hex:    testHeaderHex,
		}))

	case methodScriptHashSubscribe:
		status, ok := s.statuses[stringParam(0)]
		if !ok {
			return append(out, resultLine(msg.ID, nil))
		}
		return append(out, resultLine(msg.ID, status))

	case methodScriptHashGetBalance:
		return append(out, resultLine(msg.ID, map[string]int64{
			"confirmed":   100000,
			"unconfirmed": -2500,
		}))

	case methodScriptHashGetHistory:
		history, ok := s.histories[stringParam(0)]
		if !ok {
			history = "[]"
		}
		return append(out, resultLine(msg.ID, json.RawMessage(history)))

	case methodRelayFee:
		return append(out, resultLine(msg.ID, s.relayFeeBTC))

	case methodTransactionGet:
		txid := stringParam(0)
		verbose := false
		if len(params) > 1 {
			_ = json.Unmarshal(params[1], &verbose)
		}
		if s.errTxs[txid] {
			return append(out, errorLine(msg.ID, 2, "daemon error"))
		}
		if verbose {
			tx, ok := s.verboseTxs[txid]
			if !ok {
				return append(out, errorLine(msg.ID, 2, "not found"))
			}
			return append(out, resultLine(msg.ID, json.RawMessage(tx)))
		}
		tx, ok := s.rawTxs[txid]
		if !ok {
			return append(out, errorLine(msg.ID, 2, "not found"))
		}
		return append(out, resultLine(msg.ID, tx))

	default:
		return append(out, errorLine(msg.ID, -32601, "unknown method"))
	}
}

func resultLine(id json.RawMessage, result interface{}) string {
	b, err := encodeResult(id, result)
	if err != nil {
		panic(err)
	}
	return string(b[:len(b)-1])
}

func errorLine(id json.RawMessage, code int, text string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":%d,"message":%q},`+
		`"id":%s}`, code, text, id)
}

func pushLine(method string, params ...interface{}) string {
	b, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		panic(err)
	}
	return string(b)
}

// memCache is an in-memory TxCache.
type memCache struct {
	mtx       sync.Mutex
	raw       map[string]string
	verbose   map[string]json.RawMessage
	confirmed map[string]bool
	failReads bool
}

var _ TxCache = (*memCache)(nil)

func newMemCache() *memCache {
	return &memCache{
		raw:       make(map[string]string),
		verbose:   make(map[string]json.RawMessage),
		confirmed: make(map[string]bool),
	}
}

func (c *memCache) FetchRawTx(txid string) (fn.Option[string], error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.failReads {
		return fn.None[string](), errTest
	}
	raw, ok := c.raw[txid]
	if !ok {
		return fn.None[string](), nil
	}
	return fn.Some(raw), nil
}

func (c *memCache) PutRawTx(txid, rawHex string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.raw[txid] = rawHex
	return nil
}

func (c *memCache) FetchVerboseTx(txid string) (fn.Option[json.RawMessage],
	error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.failReads {
		return fn.None[json.RawMessage](), errTest
	}
	v, ok := c.verbose[txid]
	if !ok {
		return fn.None[json.RawMessage](), nil
	}
	return fn.Some(v), nil
}

func (c *memCache) PutVerboseTx(txid string, verbose json.RawMessage,
	confirmed bool) error {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.verbose[txid] = verbose
	c.confirmed[txid] = confirmed
	return nil
}

func (c *memCache) rawTx(txid string) (string, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	raw, ok := c.raw[txid]
	return raw, ok
}

// memTrustStore is an in-memory TrustStore.
type memTrustStore struct {
	mtx  sync.Mutex
	pins map[string]string
}

var _ TrustStore = (*memTrustStore)(nil)

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{pins: make(map[string]string)}
}

func (s *memTrustStore) FetchFingerprint(host string,
	port int) (fn.Option[string], error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	fp, ok := s.pins[net.JoinHostPort(host, strconv.Itoa(port))]
	if !ok {
		return fn.None[string](), nil
	}
	return fn.Some(fp), nil
}

func (s *memTrustStore) PutFingerprint(host string, port int,
	fingerprint string) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.pins[net.JoinHostPort(host, strconv.Itoa(port))] = fingerprint
	return nil
}

// mockTrustStore is a testify mock of TrustStore.
type mockTrustStore struct {
	mock.Mock
}

var _ TrustStore = (*mockTrustStore)(nil)

func (m *mockTrustStore) FetchFingerprint(host string,
	port int) (fn.Option[string], error) {

	args := m.Called(host, port)
	return args.Get(0).(fn.Option[string]), args.Error(1)
}

func (m *mockTrustStore) PutFingerprint(host string, port int,
	fingerprint string) error {

	args := m.Called(host, port, fingerprint)
	return args.Error(0)
}

// newTestCert returns a self-signed certificate for the loopback address.
func newTestCert(t *testing.T, commonName string) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}
	der, err := x509.CreateCertificate(
		rand.Reader, template, template, &key.PublicKey, key,
	)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

// dialLine connects to addr and returns a line reader and the connection.
func dialLine(t *testing.T, port int) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.DialTimeout(
		"tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		testTimeout,
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	return conn, bufio.NewReader(conn)
}

// readNotification waits for the next notification on c.
func readNotification(t *testing.T, c *NotificationClient) Notification {
	t.Helper()

	select {
	case n, ok := <-c.Notifications:
		require.True(t, ok, "notification channel closed")
		return n
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for notification")
		return nil
	}
}
