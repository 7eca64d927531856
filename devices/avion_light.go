package devices

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"senhaerens.be/hap-avion/light"
	"senhaerens.be/hap-avion/service"

	"github.com/brutella/hap/accessory"
	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.mqtt.golang"
)

type AvionLight struct {
	*accessory.A
	*service.DimmableLightbulb
	light  light.Light
	prefix string
	slug   string

	mu     sync.Mutex
	client mqtt.Client
}

func NewAvionLight(id int, l light.Light, topicPrefix string) *AvionLight {
	name := l.Name()
	model := "Dimmer"
	if name == "" {
		name = l.UniqueID()
	} else {
		model = fmt.Sprintf("%s (%s)", model, l.UniqueID())
	}

	a := AvionLight{}
	a.A = accessory.New(accessory.Info{
		Name:         name,
		Model:        model,
		SerialNumber: l.UniqueID(),
		Manufacturer: "Avion",
	}, accessory.TypeLightbulb)
	a.Id = uint64(id)
	log.Infof("HAP Create Accessory %4d - %s", a.Id, l.UniqueID())

	a.DimmableLightbulb = service.NewDimmableLightbulb(l.Name())
	a.AddS(a.DimmableLightbulb.S)
	a.DimmableLightbulb.Update(l.IsOn(), l.Brightness())

	a.light = l
	a.prefix = topicPrefix
	a.slug = topicSlug(l)

	// HAP -> BLE
	a.On.OnValueRemoteUpdate(a.remoteOn)
	a.Brightness.OnValueRemoteUpdate(a.remoteBrightness)

	return &a
}

func topicSlug(l light.Light) string {
	if l.Name() != "" {
		return strings.ReplaceAll(strings.ToLower(l.Name()), " ", "_")
	}
	if a, ok := l.(interface{ Address() string }); ok {
		return a.Address()
	}
	return l.UniqueID()
}

// NewAvionLights wraps lights with consecutive ids starting at offset. Lights
// whose topic slugs collide fall back to their unique id.
func NewAvionLights(offset int, lights []light.Light, topicPrefix string) []*AvionLight {
	devices := make([]*AvionLight, len(lights))
	count := make(map[string]int, len(lights))
	for i, l := range lights {
		devices[i] = NewAvionLight(i+offset, l, topicPrefix)
		count[devices[i].slug]++
	}

	for _, a := range devices {
		if count[a.slug] > 1 {
			log.Warn("MQTT topic collision, using unique id", "slug", a.slug, "light", a.light.UniqueID())
			a.slug = a.light.UniqueID()
		}
	}
	return devices
}

func (a *AvionLight) Accessory() *accessory.A {
	return a.A
}

func (a *AvionLight) Light() light.Light {
	return a.light
}

func (a *AvionLight) remoteOn(on bool) {
	log.Debugf("HAP received on=%t for %s", on, a.light.UniqueID())
	a.switchLight(on)
	a.Brightness.SetValue(service.ToPercent(a.light.Brightness()))
	a.publish()
}

func (a *AvionLight) remoteBrightness(percent int) {
	log.Debugf("HAP received brightness=%d%% for %s", percent, a.light.UniqueID())
	a.dim(service.FromPercent(percent))
	a.On.SetValue(a.light.IsOn())
	a.publish()
}

func (a *AvionLight) switchLight(on bool) {
	var err error
	if on {
		err = a.light.TurnOn(nil)
	} else {
		err = a.light.TurnOff()
	}
	if err != nil {
		log.Error("Failed to switch light", "light", a.light.UniqueID(), "on", on, "error", err)
	}
}

// dim turns the light off for 0, on at brightness otherwise.
func (a *AvionLight) dim(brightness uint8) {
	if brightness == 0 {
		a.switchLight(false)
		return
	}
	if err := a.light.TurnOn(light.Brightness(brightness)); err != nil {
		log.Error("Failed to dim light", "light", a.light.UniqueID(), "brightness", brightness, "error", err)
	}
}

func (a *AvionLight) stateTopic(kind, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", a.prefix, kind, a.slug, name)
}

// publish mirrors the assumed state when MQTT is enabled.
func (a *AvionLight) publish() {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}

	state := "off"
	if a.light.IsOn() {
		state = "on"
	}
	pubState := a.stateTopic("stat", "state")
	token := client.Publish(pubState, 1, true, state)
	token.Wait()
	log.Debugf("MQTT published %s to %s", state, pubState)

	dim := strconv.Itoa(int(a.light.Brightness()))
	pubDim := a.stateTopic("stat", "dim")
	token = client.Publish(pubDim, 1, true, dim)
	token.Wait()
	log.Debugf("MQTT published %s to %s", dim, pubDim)
}

func (a *AvionLight) Listen(client mqtt.Client) {
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	// MQTT -> BLE
	subState := a.stateTopic("cmnd", "state")
	client.Subscribe(subState, 1, func(_ mqtt.Client, msg mqtt.Message) {
		msg.Ack()
		payload := string(msg.Payload())
		log.Debugf("MQTT received %s from %s", payload, msg.Topic())

		switch strings.ToLower(payload) {
		case "on":
			a.switchLight(true)
		case "off":
			a.switchLight(false)
		default:
			log.Warn("Unknown state command", "topic", msg.Topic(), "payload", payload)
			return
		}
		a.DimmableLightbulb.Update(a.light.IsOn(), a.light.Brightness())
		a.publish()
	})

	subDim := a.stateTopic("cmnd", "dim")
	client.Subscribe(subDim, 1, func(_ mqtt.Client, msg mqtt.Message) {
		msg.Ack()
		payload := string(msg.Payload())
		log.Debugf("MQTT received %s from %s", payload, msg.Topic())

		brightness, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 8)
		if err != nil {
			log.Warn("Invalid brightness command", "topic", msg.Topic(), "payload", payload, "error", err)
			return
		}
		a.dim(uint8(brightness))
		a.DimmableLightbulb.Update(a.light.IsOn(), a.light.Brightness())
		a.publish()
	})

	a.publish()
}
