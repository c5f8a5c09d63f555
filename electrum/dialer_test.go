package electrum

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingDialer counts dials and fails or delegates.
type recordingDialer struct {
	mtx   sync.Mutex
	dials int
	fail  bool
}

func (d *recordingDialer) dial(ctx context.Context, network,
	addr string) (net.Conn, error) {

	d.mtx.Lock()
	d.dials++
	fail := d.fail
	d.mtx.Unlock()

	if fail {
		return nil, errTest
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, addr)
}

func (d *recordingDialer) count() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.dials
}

// TestConnectRetryPolicy checks only Tor connections are retried, with a
// linearly growing delay.
func TestConnectRetryPolicy(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		useTor        bool
		retry         RetryPolicy
		wantAttempts  int
		wantSleepings []time.Duration
	}{
		{
			name:         "clearnet fails fast",
			useTor:       false,
			retry:        RetryPolicy{Attempts: 5, Backoff: time.Second},
			wantAttempts: 1,
		},
		{
			name:         "tor default policy",
			useTor:       true,
			wantAttempts: DefaultTorRetryAttempts,
			wantSleepings: []time.Duration{
				DefaultTorRetryBackoff,
				2 * DefaultTorRetryBackoff,
			},
		},
		{
			name:         "tor custom policy",
			useTor:       true,
			retry:        RetryPolicy{Attempts: 4, Backoff: time.Second},
			wantAttempts: 4,
			wantSleepings: []time.Duration{
				time.Second, 2 * time.Second, 3 * time.Second,
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dialer := &recordingDialer{fail: true}
			factory, err := NewConnFactory(&ConnConfig{
				Host:     "electrum.example.com",
				Port:     50001,
				UseTor:   tc.useTor,
				TorRetry: tc.retry,
				Dial:     dialer.dial,
			}, nil)
			require.NoError(t, err)

			var sleepings []time.Duration
			factory.sleep = func(_ context.Context,
				d time.Duration) error {

				sleepings = append(sleepings, d)
				return nil
			}

			_, err = factory.Connect(context.Background())
			require.ErrorIs(t, err, errTest)
			require.Contains(t, err.Error(), "electrum.example.com")
			require.Equal(t, tc.wantAttempts, dialer.count())
			require.Equal(t, tc.wantSleepings, sleepings)
		})
	}
}

// TestConnectTrustErrorNotRetried checks trust signals end the retry loop
// at once.
func TestConnectTrustErrorNotRetried(t *testing.T) {
	t.Parallel()

	server := newTLSFakeServer(t, newTestCert(t, "tor"))
	dialer := &recordingDialer{}

	cfg := server.connConfig()
	cfg.UseTLS = true
	cfg.UseTor = true
	cfg.Dial = dialer.dial
	factory, err := NewConnFactory(cfg, NewTrustDecision(newMemTrustStore()))
	require.NoError(t, err)
	factory.sleep = func(context.Context, time.Duration) error {
		t.Fatalf("trust errors must not be retried")
		return nil
	}

	_, err = factory.Connect(context.Background())
	var firstUse *FirstUseError
	require.ErrorAs(t, err, &firstUse)
	require.Equal(t, 1, dialer.count())
}

// TestConnectPreConnected checks a handed over connection is used once.
func TestConnectPreConnected(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	dialer := &recordingDialer{}

	cfg := server.connConfig()
	cfg.Dial = dialer.dial
	factory, err := NewConnFactory(cfg, nil)
	require.NoError(t, err)

	pre, other := net.Pipe()
	defer other.Close()
	factory.UsePreConnected(pre)

	conn, err := factory.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, pre, conn)
	require.Equal(t, 0, dialer.count())

	conn, err = factory.Connect(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, pre, conn)
	require.Equal(t, 1, dialer.count())
	conn.Close()

	// An unused pre-connected socket is closed with the factory.
	unused, peer := net.Pipe()
	factory.UsePreConnected(unused)
	factory.Close()
	_, err = peer.Read(make([]byte, 1))
	require.Error(t, err)
}

// TestConnectCancelledDuringBackoff checks cancellation stops retrying.
func TestConnectCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	dialer := &recordingDialer{fail: true}
	factory, err := NewConnFactory(&ConnConfig{
		Host:     "electrum.example.com",
		Port:     50001,
		UseTor:   true,
		TorRetry: RetryPolicy{Attempts: 3, Backoff: time.Hour},
		Dial:     dialer.dial,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err = factory.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, dialer.count())
}

// TestConnConfigValidate checks invalid configs are refused.
func TestConnConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		cfg   *ConnConfig
		valid bool
	}{
		{
			name: "nil",
		},
		{
			name: "missing host",
			cfg:  &ConnConfig{Port: 50001},
		},
		{
			name: "bad port",
			cfg:  &ConnConfig{Host: "h", Port: 70000},
		},
		{
			name: "tor without proxy",
			cfg:  &ConnConfig{Host: "h", Port: 1, UseTor: true},
		},
		{
			name: "negative timeout",
			cfg:  &ConnConfig{Host: "h", Port: 1, ReadTimeout: -1},
		},
		{
			name: "tor with proxy",
			cfg: &ConnConfig{
				Host: "h", Port: 1, UseTor: true,
				TorProxy: "127.0.0.1:9050",
			},
			valid: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}

	_, err := NewConnFactory(&ConnConfig{
		Host: "h", Port: 1, UseTLS: true,
	}, nil)
	require.Error(t, err)
}

// TestConnFactoryDefaults checks zero timeouts select the defaults.
func TestConnFactoryDefaults(t *testing.T) {
	t.Parallel()

	factory, err := NewConnFactory(&ConnConfig{Host: "h", Port: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultConnectTimeout, factory.Config().ConnectTimeout)
	require.Equal(t, DefaultReadTimeout, factory.ReadTimeout())
	require.Equal(t, NoRetry, factory.retry)
	require.Equal(t, "h:1", factory.Config().Addr())
}
