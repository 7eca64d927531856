package light

import (
	"context"
	"errors"
	"fmt"

	"senhaerens.be/hap-avion/config"
	"senhaerens.be/hap-avion/registry"

	"github.com/charmbracelet/log"
)

// Resolver hands out connected sessions per device.
type Resolver interface {
	Resolve(ctx context.Context, device config.Device) (registry.Conn, error)
}

// SetupPlatform connects every configured device and passes the resulting
// lights to add, in configuration order. A device that fails to connect is
// left out and its error joined into the returned error; the others are
// still added.
func SetupPlatform(ctx context.Context, devices []config.Device, resolver Resolver, add func([]Light)) error {
	lights := make([]Light, 0, len(devices))
	var errs []error

	for _, device := range devices {
		conn, err := resolver.Resolve(ctx, device)
		if err != nil {
			log.Error("Avion setup failed", "address", device.Address, "name", device.Name, "error", err)
			errs = append(errs, fmt.Errorf("device %s: %w", device.Address, err))
			continue
		}

		l := NewAvionLight(device, conn)
		log.Info("Avion light ready", "light", l.UniqueID(), "name", l.Name())
		lights = append(lights, l)
	}

	add(lights)
	return errors.Join(errs...)
}
