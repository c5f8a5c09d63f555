package electrum

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/btcsuite/btcd/btcjson"
)

// Electrum protocol methods used by the proxy.
const (
	methodServerVersion        = "server.version"
	methodServerPing           = "server.ping"
	methodTransactionGet       = "blockchain.transaction.get"
	methodScriptHashSubscribe  = "blockchain.scripthash.subscribe"
	methodScriptHashGetBalance = "blockchain.scripthash.get_balance"
	methodScriptHashGetHistory = "blockchain.scripthash.get_history"
	methodHeadersSubscribe     = "blockchain.headers.subscribe"
	methodRelayFee             = "blockchain.relayfee"
)

const (
	// clientName is announced to the server in server.version.
	clientName = "electrumproxy"

	// protocolVersion is the Electrum protocol version requested during
	// the handshake.
	protocolVersion = "1.4"

	// maxLineSize bounds a single JSON-RPC line.  Verbose transactions and
	// long histories can be large, but never this large.
	maxLineSize = 32 * 1024 * 1024
)

var errLineTooLong = errors.New("json-rpc line exceeds maximum size")

// message is the decoded form of any line seen on an Electrum connection:
// a request, a response, or a server push.
type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// decodeMessage parses a single line.
func decodeMessage(line []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &msg, nil
}

// numericID returns the id as an integer if it is present and numeric.
func (m *message) numericID() (uint64, bool) {
	if !isPresent(m.ID) {
		return 0, false
	}
	var id uint64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// idKey returns a canonical string form of the id suitable for use as a map
// key, whatever JSON type the peer chose for it.
func (m *message) idKey() (string, bool) {
	if !isPresent(m.ID) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, m.ID); err != nil {
		return "", false
	}
	return buf.String(), true
}

// isPush reports whether the line is an unsolicited server notification: it
// names a method and carries no numeric id.
func (m *message) isPush() bool {
	if m.Method == "" {
		return false
	}
	_, ok := m.numericID()
	return !ok
}

// hasError reports whether the line carries a non-null error member.
func (m *message) hasError() bool {
	return isPresent(m.Error)
}

// rpcError converts the error member into a btcjson.RPCError.  Servers that
// send a bare string are tolerated.
func (m *message) rpcError() *btcjson.RPCError {
	if !m.hasError() {
		return nil
	}
	var rpcErr btcjson.RPCError
	if err := json.Unmarshal(m.Error, &rpcErr); err == nil &&
		rpcErr.Message != "" {

		return &rpcErr
	}
	var text string
	if err := json.Unmarshal(m.Error, &text); err == nil {
		return &btcjson.RPCError{
			Code:    btcjson.ErrRPCMisc,
			Message: text,
		}
	}
	return &btcjson.RPCError{
		Code:    btcjson.ErrRPCMisc,
		Message: string(m.Error),
	}
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) != 0 && !bytes.Equal(trimmed, []byte("null"))
}

// encodeRequest marshals a JSON-RPC 2.0 request terminated by a newline.
func encodeRequest(id uint64, method string, params ...interface{}) ([]byte,
	error) {

	if params == nil {
		params = []interface{}{}
	}
	req, err := btcjson.NewRequest(btcjson.RpcVersion2, id, method, params)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// encodeResult marshals a successful response carrying the caller's id
// verbatim.
func encodeResult(id json.RawMessage, result interface{}) ([]byte, error) {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  interface{}     `json:"result"`
		ID      json.RawMessage `json:"id"`
	}{
		JSONRPC: string(btcjson.RpcVersion2),
		Result:  result,
		ID:      id,
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// lineReader reads newline-delimited lines from a connection whose reads
// may time out.  Bytes already consumed when a timeout interrupts a line are
// kept and prefixed to the next read, so a slow server never causes a line
// to be split into two undecodable halves.
type lineReader struct {
	r       *bufio.Reader
	partial []byte
}

func newLineReader(conn net.Conn) *lineReader {
	return &lineReader{r: bufio.NewReader(conn)}
}

// readLine returns the next line without its terminator.
func (l *lineReader) readLine() ([]byte, error) {
	chunk, err := l.r.ReadBytes('\n')
	if len(l.partial)+len(chunk) > maxLineSize {
		l.partial = nil
		return nil, errLineTooLong
	}
	if err != nil {
		l.partial = append(l.partial, chunk...)
		return nil, err
	}

	line := chunk
	if len(l.partial) != 0 {
		line = append(l.partial, chunk...)
		l.partial = nil
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// isTimeout reports whether err is a read deadline expiry rather than a hard
// connection failure.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
