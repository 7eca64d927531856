package config

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/go-playground/validator.v9"
	"gopkg.in/yaml.v2"
)

// Device is one configured Avion light.
type Device struct {
	Address string `yaml:"-"`
	Name    string `yaml:"name"`
	Key     string `yaml:"api_key" validate:"required"`
	ID      *int   `yaml:"id,omitempty" validate:"omitempty,min=0"`
}

// Channel returns the channel id sent to the mesh, 0 when absent.
func (d Device) Channel() int {
	if d.ID == nil {
		return 0
	}
	return *d.ID
}

type Config struct {
	Hap struct {
		Dbdir  string   `yaml:"db_dir" default:"data/db"`
		Ifaces []string `yaml:"ifaces"`
		Addr   string   `yaml:"address"`
		Pin    string   `yaml:"pin" default:"00102003"`
	} `yaml:"hap"`

	Mqtt struct {
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id" default:"hap-avion"`
		TopicPrefix string `yaml:"topic_prefix" default:"avion"`
	} `yaml:"mqtt"`

	Ble struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout" default:"5s" validate:"duration"`
		RetryInterval  time.Duration `yaml:"retry_interval" default:"500ms" validate:"duration"`
	} `yaml:"ble"`

	Devices Devices `yaml:"devices"`
}

// Devices keeps the configured lights in document order.
type Devices []Device

var validate = newValidator()

// Field names in validation errors follow the yaml keys.
func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("duration", minDuration); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Durations below a millisecond are almost always a bare number missing its unit.
func minDuration(fl validator.FieldLevel) bool {
	return time.Duration(fl.Field().Int()) >= time.Millisecond
}

// scalar keeps a YAML scalar as written, so 007 or 0x1F are not turned into numbers.
type scalar string

func (s *scalar) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	*s = scalar(text)
	return nil
}

// UnmarshalYAML decodes the address -> device mapping, validating every entry.
func (d *Devices) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// The ordered decode only gives the document order, values come from the typed one.
	var items yaml.MapSlice
	if err := unmarshal(&items); err != nil {
		return &ValidationError{Field: "devices", Err: err}
	}

	var values map[string]map[string]scalar
	if err := unmarshal(&values); err != nil {
		return &ValidationError{Field: "devices", Err: err}
	}

	devices := make(Devices, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		address, ok := item.Key.(string)
		if !ok || address == "" {
			return &ValidationError{Address: fmt.Sprint(item.Key), Field: "address",
				Err: fmt.Errorf("expected a non-empty string")}
		}
		if seen[address] {
			return &ValidationError{Address: address, Field: "address", Err: fmt.Errorf("duplicate device")}
		}
		seen[address] = true

		device, err := parseDevice(address, values[address])
		if err != nil {
			return err
		}
		devices = append(devices, device)
	}

	*d = devices
	return nil
}

func parseDevice(address string, fields map[string]scalar) (Device, error) {
	device := Device{Address: address}

	for field, value := range fields {
		switch field {
		case "name":
			device.Name = string(value)
		case "api_key":
			device.Key = string(value)
		case "id":
			id, err := strconv.Atoi(strings.TrimSpace(string(value)))
			if err != nil {
				return Device{}, &ValidationError{Address: address, Field: field, Err: fmt.Errorf("expected an integer")}
			}
			device.ID = &id
		default:
			return Device{}, &ValidationError{Address: address, Field: field, Err: fmt.Errorf("unknown field")}
		}
	}

	if err := validate.Struct(device); err != nil {
		return Device{}, newValidationError(address, err)
	}

	return device, nil
}

// Load decodes and validates a configuration document.
func Load(r io.Reader) (Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("failed setting config defaults: %w", err)
	}

	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return cfg, err
		}
		return cfg, &ValidationError{Err: err}
	}

	if err := validate.Struct(cfg.Ble); err != nil {
		return cfg, newValidationError("", err)
	}

	return cfg, nil
}

// MarshalYAML renders the devices back into the address -> device mapping.
func (d Devices) MarshalYAML() (interface{}, error) {
	items := make(yaml.MapSlice, 0, len(d))
	for _, device := range d {
		items = append(items, yaml.MapItem{Key: device.Address, Value: device})
	}
	return items, nil
}
