// Package light defines the light contract consumed by the bridge and the
// Avion implementation of it.
package light

// Feature flags a light supports.
type Feature uint32

const (
	SupportBrightness Feature = 1 << iota
)

// MaxBrightness is full brightness on the 0-255 scale.
const MaxBrightness uint8 = 255

// Light is the contract the bridge drives. State is reported as last commanded
// when AssumedState is true.
type Light interface {
	UniqueID() string
	Name() string
	IsOn() bool
	Brightness() uint8
	SupportedFeatures() Feature
	ShouldPoll() bool
	AssumedState() bool

	// TurnOn switches the light on, at brightness when not nil.
	TurnOn(brightness *uint8) error
	TurnOff() error
}

// Brightness is a helper for TurnOn.
func Brightness(v uint8) *uint8 {
	return &v
}
