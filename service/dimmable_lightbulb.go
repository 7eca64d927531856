package service

import (
	"math"

	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
)

// DimmableLightbulb is a lightbulb service with a brightness characteristic.
type DimmableLightbulb struct {
	*service.S
	On         *characteristic.On
	Brightness *characteristic.Brightness
	Name       *characteristic.Name
}

func NewDimmableLightbulb(name string) *DimmableLightbulb {
	s := DimmableLightbulb{}
	s.S = service.New(service.TypeLightbulb)

	s.On = characteristic.NewOn()
	s.AddC(s.On.C)

	s.Brightness = characteristic.NewBrightness()
	s.AddC(s.Brightness.C)

	if name != "" {
		s.Name = characteristic.NewName()
		s.Name.SetValue(name)
		s.AddC(s.Name.C)
	}

	return &s
}

// Update shows an on/off state and a 0-255 brightness.
func (s *DimmableLightbulb) Update(on bool, brightness uint8) {
	s.On.SetValue(on)
	s.Brightness.SetValue(ToPercent(brightness))
}

// ToPercent scales a 0-255 brightness to the 0-100 HomeKit range.
func ToPercent(brightness uint8) int {
	return int(math.Round(float64(brightness) * 100 / 255))
}

// FromPercent scales a HomeKit brightness back to 0-255, clamping out of range values.
func FromPercent(percent int) uint8 {
	switch {
	case percent <= 0:
		return 0
	case percent >= 100:
		return 255
	}
	return uint8(math.Round(float64(percent) * 255 / 100))
}
