// Package avion drives Avion dimmers over Bluetooth Low Energy.
package avion

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrNotConnected is returned while the BLE session is not (yet) established.
// Connect failures wrapping it are transient and worth retrying.
var ErrNotConnected = errors.New("avion: not connected")

// link is an established GATT session exposing the two mesh characteristics.
type link interface {
	WriteLow([]byte) error
	WriteHigh([]byte) error
	Close() error
}

type connector func(ctx context.Context, address string) (link, error)

// Device is a BLE session with one Avion mesh node.
// All channels of the mesh are reachable through it.
type Device struct {
	address string
	key     []byte
	connect connector

	mu   sync.Mutex
	seq  uint32
	link link
}

// Dial prepares a session with the node at address. No I/O happens until Connect.
func Dial(address, passphrase string) (*Device, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("missing passphrase for %s", address)
	}
	return newDevice(address, passphrase, dialBLE), nil
}

func newDevice(address, passphrase string, connect connector) *Device {
	return &Device{
		address: address,
		key:     NetworkKey(passphrase),
		connect: connect,
		seq:     rand.Uint32() & 0xffffff,
	}
}

// Address returns the BLE address of the node.
func (d *Device) Address() string {
	return d.address
}

// Connect establishes the BLE session. Errors wrapping ErrNotConnected are transient.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link != nil {
		return nil
	}

	l, err := d.connect(ctx, d.address)
	if err != nil {
		return err
	}
	d.link = l
	log.Debug("BLE connected", "address", d.address)
	return nil
}

// SetBrightness sends a dimming command for the given channel, 0 turns it off.
func (d *Device) SetBrightness(value uint8, channel int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == nil {
		return ErrNotConnected
	}

	d.seq = (d.seq + 1) & 0xffffff
	packet, err := MakePacket(d.key, d.seq, brightnessPayload(value, channel))
	if err != nil {
		return err
	}

	low, high := splitPacket(packet)
	if err := d.link.WriteLow(low); err != nil {
		return fmt.Errorf("failed writing to %s: %w", d.address, err)
	}
	if len(high) > 0 {
		if err := d.link.WriteHigh(high); err != nil {
			return fmt.Errorf("failed writing to %s: %w", d.address, err)
		}
	}

	log.Debug("BLE sent brightness", "address", d.address, "channel", channel, "value", value)
	return nil
}

// Close drops the BLE session.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == nil {
		return nil
	}
	err := d.link.Close()
	d.link = nil
	return err
}
