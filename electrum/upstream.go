package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/electrumproxy/metrics"
)

// upstreamConn is the socket state owned by a lazily connected channel: the
// connection, its reader and writer, the handshake flag and the request id
// counter.  The owning channel serializes access with its own lock; only
// closeConn may be called concurrently with the owner.
type upstreamConn struct {
	channel string
	factory *ConnFactory
	metrics *metrics.Proxy

	// connMtx guards conn so the socket can be closed from a shutdown
	// path that does not hold the owner's lock.
	connMtx sync.Mutex
	conn    net.Conn

	reader        *lineReader
	writer        *bufio.Writer
	handshaked    bool
	readTimeout   time.Duration
	serverVersion []string
	nextID        uint64
}

func newUpstreamConn(channel string, factory *ConnFactory,
	m *metrics.Proxy, idBase uint64) *upstreamConn {

	return &upstreamConn{
		channel:     channel,
		factory:     factory,
		metrics:     m,
		readTimeout: factory.ReadTimeout(),
		nextID:      idBase,
	}
}

// ready reports whether the connection is established and handshaked.
func (u *upstreamConn) ready() bool {
	return u.conn != nil && u.handshaked
}

// ensure (re)connects and performs the version handshake if needed.
func (u *upstreamConn) ensure(ctx context.Context) error {
	if u.ready() {
		return nil
	}
	if u.conn == nil {
		start := time.Now()
		conn, err := u.factory.Connect(ctx)
		u.metrics.ObserveConnect(u.channel, err, start)
		if err != nil {
			return err
		}

		u.connMtx.Lock()
		u.conn = conn
		u.connMtx.Unlock()
		u.reader = newLineReader(conn)
		u.writer = bufio.NewWriter(conn)
		u.readTimeout = u.factory.ReadTimeout()
	}

	if err := u.handshake(ctx); err != nil {
		u.teardown()
		return fmt.Errorf("server.version handshake: %w", err)
	}
	return nil
}

// handshake sends server.version and discards lines until the first
// non-push line, draining any stale pushes left on the socket.
func (u *upstreamConn) handshake(ctx context.Context) error {
	if _, err := u.write(methodServerVersion, clientName,
		protocolVersion); err != nil {

		return err
	}
	if err := u.flush(); err != nil {
		return err
	}

	for {
		line, err := u.readLine(ctx)
		if err != nil {
			return err
		}
		msg, err := decodeMessage(line)
		if err != nil {
			log.Debugf("Skipping undecodable line during %s "+
				"handshake: %v", u.channel, err)
			continue
		}
		if msg.isPush() {
			continue
		}
		if rpcErr := msg.rpcError(); rpcErr != nil {
			return rpcErr
		}

		var version []string
		if err := json.Unmarshal(msg.Result, &version); err == nil {
			u.serverVersion = version
		}
		u.handshaked = true

		log.Infof("Channel %s connected to %s (%v)", u.channel,
			u.factory.Config().Addr(), u.serverVersion)
		return nil
	}
}

// write encodes a request with the next id and buffers it.
func (u *upstreamConn) write(method string, params ...interface{}) (uint64,
	error) {

	if u.writer == nil {
		return 0, ErrNotConnected
	}

	id := u.nextID
	u.nextID++

	req, err := encodeRequest(id, method, params...)
	if err != nil {
		return 0, err
	}
	if _, err := u.writer.Write(req); err != nil {
		return 0, err
	}
	return id, nil
}

func (u *upstreamConn) flush() error {
	if u.writer == nil {
		return ErrNotConnected
	}
	return u.writer.Flush()
}

// readLine reads one line, bounded by the read timeout and the context
// deadline, whichever is sooner.  Cancelling ctx interrupts the read.
func (u *upstreamConn) readLine(ctx context.Context) ([]byte, error) {
	conn := u.conn
	if conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(u.readTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	line, err := u.reader.readLine()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return line, err
}

// closeConn closes the socket without clearing any state, unblocking a
// reader in another goroutine.  It may be called without the owner's lock.
func (u *upstreamConn) closeConn() {
	u.connMtx.Lock()
	conn := u.conn
	u.connMtx.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// teardown closes the socket and forgets the connection so the next caller
// rebuilds it.
func (u *upstreamConn) teardown() {
	u.connMtx.Lock()
	conn := u.conn
	u.conn = nil
	u.connMtx.Unlock()

	if conn != nil {
		conn.Close()
	}
	u.reader = nil
	u.writer = nil
	u.handshaked = false
	u.serverVersion = nil
}
