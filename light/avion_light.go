package light

import (
	"fmt"
	"strconv"
	"sync"

	"senhaerens.be/hap-avion/config"

	"github.com/charmbracelet/log"
)

const avionTypeTag = "avion_light"

// Commander sends dimming commands to a channel of a shared session.
type Commander interface {
	SetBrightness(value uint8, channel int) error
}

// AvionLight is one channel of an Avion mesh session.
//
// State is optimistic: it follows the last command and is never read back,
// even when the command failed.
type AvionLight struct {
	name    string
	address string
	id      *int
	conn    Commander

	mu         sync.Mutex
	on         bool
	brightness uint8
}

var _ Light = (*AvionLight)(nil)

func NewAvionLight(device config.Device, conn Commander) *AvionLight {
	var id *int
	if device.ID != nil {
		v := *device.ID
		id = &v
	}

	return &AvionLight{
		name:       device.Name,
		address:    device.Address,
		id:         id,
		conn:       conn,
		brightness: MaxBrightness,
	}
}

func (l *AvionLight) UniqueID() string {
	id := "none"
	if l.id != nil {
		id = strconv.Itoa(*l.id)
	}
	return fmt.Sprintf("%s.%s.%s", avionTypeTag, l.address, id)
}

func (l *AvionLight) Name() string {
	return l.name
}

// Address returns the BLE address of the session.
func (l *AvionLight) Address() string {
	return l.address
}

func (l *AvionLight) IsOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func (l *AvionLight) Brightness() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.brightness
}

func (l *AvionLight) SupportedFeatures() Feature {
	return SupportBrightness
}

// ShouldPoll is false: the device never reports its state.
func (l *AvionLight) ShouldPoll() bool {
	return false
}

func (l *AvionLight) AssumedState() bool {
	return true
}

func (l *AvionLight) channel() int {
	if l.id == nil {
		return 0
	}
	return *l.id
}

// SetState sends brightness to the device without touching local state.
func (l *AvionLight) SetState(brightness uint8) bool {
	return l.setState(brightness) == nil
}

func (l *AvionLight) setState(brightness uint8) error {
	err := l.conn.SetBrightness(brightness, l.channel())
	if err != nil {
		log.Error("Avion command failed", "light", l.UniqueID(), "brightness", brightness, "error", err)
		return err
	}
	log.Debug("Avion command sent", "light", l.UniqueID(), "brightness", brightness)
	return nil
}

// TurnOn marks the light on whatever the command outcome. The returned error
// only reports the command failure.
func (l *AvionLight) TurnOn(brightness *uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if brightness != nil {
		l.brightness = *brightness
	}
	err := l.setState(l.brightness)
	l.on = true
	return err
}

// TurnOff marks the light off whatever the command outcome.
func (l *AvionLight) TurnOff() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.setState(0)
	l.on = false
	return err
}
