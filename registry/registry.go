// Package registry keeps one BLE session per (address, key) pair.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"senhaerens.be/hap-avion/avion"
	"senhaerens.be/hap-avion/config"

	"github.com/charmbracelet/log"
)

// Conn is a device session able to dim any channel behind it.
type Conn interface {
	Connect(ctx context.Context) error
	SetBrightness(value uint8, channel int) error
}

// Dialer constructs an unconnected session.
type Dialer func(address, key string) (Conn, error)

// AvionDialer dials Avion nodes over BLE.
func AvionDialer(address, key string) (Conn, error) {
	d, err := avion.Dial(address, key)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Key identifies a physical transport session.
type Key struct {
	Address string
	Key     string
}

// Options controls the connect retry loop.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

// DefaultOptions retries every 500ms for at most 5s.
var DefaultOptions = Options{
	Timeout:  5 * time.Second,
	Interval: 500 * time.Millisecond,
}

type clock struct {
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var realClock = clock{
	now: time.Now,
	sleep: func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	},
}

// Registry caches connected sessions. Entries are never evicted.
type Registry struct {
	mu    sync.Mutex
	conns map[Key]Conn
	dial  Dialer
	opts  Options
	clock clock
}

func New(dial Dialer, opts Options) *Registry {
	return &Registry{
		conns: make(map[Key]Conn),
		dial:  dial,
		opts:  opts,
		clock: realClock,
	}
}

// Resolve returns the session for the device, connecting it first when the
// (address, key) pair was not seen before. Failed sessions are not stored.
func (r *Registry) Resolve(ctx context.Context, device config.Device) (Conn, error) {
	key := Key{Address: device.Address, Key: device.Key}

	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[key]; ok {
		log.Debug("BLE reusing connection", "address", device.Address, "id", device.Channel())
		return conn, nil
	}

	conn, err := r.dial(device.Address, device.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", device.Address, err)
	}

	if err := r.connect(ctx, device.Address, conn); err != nil {
		return nil, err
	}

	r.conns[key] = conn
	log.Info("BLE connected", "address", device.Address)
	return conn, nil
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close disconnects every cached session that supports it.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, conn := range r.conns {
		if c, ok := conn.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key.Address, err))
			}
		}
		delete(r.conns, key)
	}
	return errors.Join(errs...)
}

// ConnectWithRetry connects conn, retrying transient failures every
// opts.Interval until opts.Timeout has elapsed since the first attempt.
func ConnectWithRetry(ctx context.Context, address string, conn Conn, opts Options) error {
	return connectWithRetry(ctx, realClock, address, conn, opts)
}

func (r *Registry) connect(ctx context.Context, address string, conn Conn) error {
	return connectWithRetry(ctx, r.clock, address, conn, r.opts)
}

func connectWithRetry(ctx context.Context, c clock, address string, conn Conn, opts Options) error {
	initial := c.now()
	attempts := 0
	var last error

	for {
		if elapsed := c.now().Sub(initial); elapsed >= opts.Timeout {
			return &TimeoutError{Address: address, Attempts: attempts, Elapsed: elapsed, Last: last}
		}

		attempts++
		err := conn.Connect(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, avion.ErrNotConnected) {
			return fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		last = err
		log.Debug("BLE not connected yet", "address", address, "attempt", attempts)

		if err := c.sleep(ctx, opts.Interval); err != nil {
			return fmt.Errorf("connecting to %s interrupted: %w", address, err)
		}
	}
}
