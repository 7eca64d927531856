package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"senhaerens.be/hap-avion/avion"
	"senhaerens.be/hap-avion/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockConn struct {
	mock.Mock
}

func (m *MockConn) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockConn) SetBrightness(value uint8, channel int) error {
	args := m.Called(value, channel)
	return args.Error(0)
}

type closingConn struct {
	MockConn
	closed bool
}

func (c *closingConn) Close() error {
	c.closed = true
	return nil
}

// fakeClock only advances when the retry loop sleeps.
type fakeClock struct {
	t      time.Time
	sleeps int
}

func (f *fakeClock) clock() clock {
	return clock{
		now: func() time.Time { return f.t },
		sleep: func(_ context.Context, d time.Duration) error {
			f.sleeps++
			f.t = f.t.Add(d)
			return nil
		},
	}
}

func newTestRegistry(dial Dialer) (*Registry, *fakeClock) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	r := New(dial, DefaultOptions)
	r.clock = fc.clock()
	return r, fc
}

func intPtr(v int) *int {
	return &v
}

func TestResolveReusesConnectionForSameKey(t *testing.T) {
	conn := new(MockConn)
	conn.On("Connect", mock.Anything).Return(nil).Once()

	dials := 0
	r, _ := newTestRegistry(func(address, key string) (Conn, error) {
		dials++
		return conn, nil
	})

	first, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k", ID: intPtr(1)})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k", ID: intPtr(2)})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, r.Len())
	conn.AssertExpectations(t)
}

func TestResolveDistinguishesKeys(t *testing.T) {
	r, _ := newTestRegistry(func(address, key string) (Conn, error) {
		conn := new(MockConn)
		conn.On("Connect", mock.Anything).Return(nil)
		return conn, nil
	})

	a, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k1"})
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k2"})
	require.NoError(t, err)
	c, err := r.Resolve(context.Background(), config.Device{Address: "BB", Key: "k1"})
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 3, r.Len())
}

func TestResolveRetriesUntilConnected(t *testing.T) {
	conn := new(MockConn)
	conn.On("Connect", mock.Anything).Return(avion.ErrNotConnected).Times(3)
	conn.On("Connect", mock.Anything).Return(nil).Once()

	r, fc := newTestRegistry(func(string, string) (Conn, error) { return conn, nil })

	got, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k"})
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Equal(t, 3, fc.sleeps)
	assert.Equal(t, 1500*time.Millisecond, fc.t.Sub(time.Unix(0, 0)))
	conn.AssertExpectations(t)
}

func TestResolveTimesOut(t *testing.T) {
	conn := new(MockConn)
	conn.On("Connect", mock.Anything).Return(fmt.Errorf("%w: busy", avion.ErrNotConnected))

	r, fc := newTestRegistry(func(string, string) (Conn, error) { return conn, nil })

	_, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, avion.ErrNotConnected))

	var terr *TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 10, terr.Attempts)
	assert.Equal(t, 5*time.Second, terr.Elapsed)
	assert.Equal(t, "AA", terr.Address)
	assert.Equal(t, 10, fc.sleeps)

	conn.AssertNumberOfCalls(t, "Connect", 10)
	assert.Equal(t, 0, r.Len())
}

func TestResolveTransportErrorIsFatal(t *testing.T) {
	boom := errors.New("adapter gone")
	conn := new(MockConn)
	conn.On("Connect", mock.Anything).Return(boom).Once()

	r, fc := newTestRegistry(func(string, string) (Conn, error) { return conn, nil })

	_, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 0, fc.sleeps)
	assert.Equal(t, 0, r.Len())
	conn.AssertExpectations(t)
}

func TestResolveDialError(t *testing.T) {
	r, _ := newTestRegistry(func(string, string) (Conn, error) {
		return nil, errors.New("bad key")
	})

	_, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k"})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestResolveAfterFailureDialsAgain(t *testing.T) {
	failing := new(MockConn)
	failing.On("Connect", mock.Anything).Return(errors.New("boom"))
	working := new(MockConn)
	working.On("Connect", mock.Anything).Return(nil)

	conns := []Conn{failing, working}
	r, _ := newTestRegistry(func(string, string) (Conn, error) {
		c := conns[0]
		conns = conns[1:]
		return c, nil
	})

	device := config.Device{Address: "AA", Key: "k"}
	_, err := r.Resolve(context.Background(), device)
	require.Error(t, err)

	got, err := r.Resolve(context.Background(), device)
	require.NoError(t, err)
	assert.Same(t, working, got)
}

func TestConnectWithRetryCancelled(t *testing.T) {
	conn := new(MockConn)
	conn.On("Connect", mock.Anything).Return(avion.ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ConnectWithRetry(ctx, "AA", conn, DefaultOptions)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	conn.AssertNumberOfCalls(t, "Connect", 1)
}

func TestConnectWithRetryRealClock(t *testing.T) {
	conn := new(MockConn)
	conn.On("Connect", mock.Anything).Return(avion.ErrNotConnected)

	start := time.Now()
	err := ConnectWithRetry(context.Background(), "AA", conn,
		Options{Timeout: 100 * time.Millisecond, Interval: 10 * time.Millisecond})
	elapsed := time.Since(start)

	require.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	calls := len(conn.Calls)
	assert.GreaterOrEqual(t, calls, 5)
	assert.LessOrEqual(t, calls, 11)
}

func TestClose(t *testing.T) {
	conn := &closingConn{}
	conn.On("Connect", mock.Anything).Return(nil)

	r, _ := newTestRegistry(func(string, string) (Conn, error) { return conn, nil })
	_, err := r.Resolve(context.Background(), config.Device{Address: "AA", Key: "k"})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, conn.closed)
	assert.Equal(t, 0, r.Len())
}
