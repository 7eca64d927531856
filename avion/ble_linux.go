//go:build linux

package avion

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

var (
	adapter = bluetooth.DefaultAdapter

	enableOnce sync.Once
	enableErr  error

	meshServiceUUID = bluetooth.New16BitUUID(0xfef1)
	lowCharUUID     = mustParseUUID("c4edc000-9daf-11e3-8003-00025b000b00")
	highCharUUID    = mustParseUUID("c4edc000-9daf-11e3-8004-00025b000b00")
)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}

type bleLink struct {
	device *bluetooth.Device
	low    bluetooth.DeviceCharacteristic
	high   bluetooth.DeviceCharacteristic
}

func (l *bleLink) WriteLow(p []byte) error {
	_, err := l.low.WriteWithoutResponse(p)
	return err
}

func (l *bleLink) WriteHigh(p []byte) error {
	_, err := l.high.WriteWithoutResponse(p)
	return err
}

func (l *bleLink) Close() error {
	return l.device.Disconnect()
}

func dialBLE(ctx context.Context, address string) (link, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("invalid BLE address %q: %w", address, err)
	}

	enableOnce.Do(func() {
		enableErr = adapter.Enable()
	})
	if enableErr != nil {
		return nil, fmt.Errorf("failed enabling BLE adapter: %w", enableErr)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, address, err)
	}

	l, err := discoverMesh(&device)
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("%w: %s: %v", ErrNotConnected, address, err)
	}
	return l, nil
}

func discoverMesh(device *bluetooth.Device) (*bleLink, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{meshServiceUUID})
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("mesh service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{lowCharUUID, highCharUUID})
	if err != nil {
		return nil, err
	}

	l := &bleLink{device: device}
	found := 0
	for _, c := range chars {
		switch c.UUID() {
		case lowCharUUID:
			l.low = c
			found++
		case highCharUUID:
			l.high = c
			found++
		}
	}
	if found != 2 {
		return nil, fmt.Errorf("mesh characteristics not found")
	}
	return l, nil
}
