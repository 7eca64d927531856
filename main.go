package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"senhaerens.be/hap-avion/config"
	"senhaerens.be/hap-avion/devices"
	"senhaerens.be/hap-avion/light"
	"senhaerens.be/hap-avion/registry"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	haplog "github.com/brutella/hap/log"
	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.mqtt.golang"
	"gopkg.in/yaml.v2"
)

const (
	programName string = "hap-avion"

	// Accessory ids start after the bridge.
	accessoryOffset = 2
)

var (
	configPath  = flag.String("config", "data/config.yml", "Configuration filepath")
	printConfig = flag.Bool("printcfg", false, "Print configuration")
	debugLog    = flag.Bool("debug", false, "Enable debug log")
	debugHapLog = flag.Bool("debughap", false, "Enable HAP debug log")
)

func setupConfig(fpath string, print bool) config.Config {
	f, err := os.Open(fpath)
	if err != nil {
		log.Fatal("Config filepath not found", "error", err)
	}
	defer f.Close()

	cfg, err := config.Load(f)
	if err != nil {
		log.Fatal("Failed decoding configuration", "error", err)
	}

	if print {
		d, err := yaml.Marshal(&cfg)
		if err != nil {
			log.Fatal("Failed printing configuration", "error", err)
		}
		fmt.Printf("# %s\n%s\n", fpath, string(d))
		os.Exit(0)
	}

	return cfg
}

// setupMqtt returns nil when no broker is configured.
func setupMqtt(cfg config.Config) *mqtt.ClientOptions {
	if cfg.Mqtt.Broker == "" {
		log.Info("MQTT broker is not specified in configuration, MQTT disabled")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Mqtt.Broker)

	if cfg.Mqtt.Username != "" {
		opts.SetUsername(cfg.Mqtt.Username)
	}
	if cfg.Mqtt.Password != "" {
		opts.SetPassword(cfg.Mqtt.Password)
	}

	log.Debug("MQTT Set", "Clientid", cfg.Mqtt.ClientID)
	opts.SetClientID(cfg.Mqtt.ClientID)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(_ mqtt.Client) {
		log.Info("MQTT connected", "broker", opts.Servers)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Error("MQTT connection lost", "error", err)
	}

	return opts
}

func setupSignals() context.Context {
	chanSigs := make(chan os.Signal, 1)
	signal.Notify(chanSigs, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-chanSigs
		log.Debug("Received", "signal", sig)
		log.Info("Stopping " + programName)
		signal.Stop(chanSigs)
		cancel()
	}()

	return ctx
}

// makeAccessories wraps every light in a HAP accessory, mirroring it on MQTT
// when a client is given.
func makeAccessories(lights []light.Light, offset int, topicPrefix string, mqttClient mqtt.Client) []*accessory.A {
	accessories := make([]*accessory.A, 0, len(lights))

	for _, device := range devices.NewAvionLights(offset, lights, topicPrefix) {
		if mqttClient != nil {
			device.Listen(mqttClient)
		}
		accessories = append(accessories, device.Accessory())
	}

	return accessories
}

func main() {
	flag.Parse()

	// Do not output timestamp when running under systemd
	if a, b := os.Getenv("INVOCATION_ID"), os.Getenv("JOURNAL_STREAM"); a != "" && b != "" {
		log.SetReportTimestamp(false)
	}

	if *debugHapLog {
		haplog.Debug.Enable()
	}

	// Setup config
	cfg := setupConfig(*configPath, *printConfig)
	if *debugLog {
		log.SetLevel(log.DebugLevel)
	}

	ctx := setupSignals()

	// Setup BLE connections
	connections := registry.New(registry.AvionDialer, registry.Options{
		Timeout:  cfg.Ble.ConnectTimeout,
		Interval: cfg.Ble.RetryInterval,
	})
	defer func() {
		if err := connections.Close(); err != nil {
			log.Error("Failed closing BLE connections", "error", err)
		}
	}()

	var lights []light.Light
	err := light.SetupPlatform(ctx, cfg.Devices, connections, func(l []light.Light) {
		lights = append(lights, l...)
	})
	if err != nil {
		log.Error("Some Avion devices are unavailable", "error", err)
	}
	log.Infof("%d of %d Avion lights available on %d connections", len(lights), len(cfg.Devices), connections.Len())

	// Setup MQTT client
	var mqttClient mqtt.Client
	if mqttOpts := setupMqtt(cfg); mqttOpts != nil {
		mqttClient = mqtt.NewClient(mqttOpts)
		log.Debug("Starting MQTT client")
		if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
			log.Fatal("MQTT could not connect", "token", token.Error())
		}
		defer mqttClient.Disconnect(250)
	}

	// Setup HAP Bridge
	hapBridge := accessory.NewBridge(accessory.Info{
		Name:         programName,
		Manufacturer: "Avion",
	})
	hapBridge.Id = 1
	log.Infof("HAP Create Accessory %4d - %s (Bridge)", hapBridge.Id, hapBridge.A.Name())

	// Setup HAP Accessories
	accessories := makeAccessories(lights, accessoryOffset, cfg.Mqtt.TopicPrefix, mqttClient)
	log.Debugf("%d HAP Accessories", len(accessories))

	// Setup HAP filestore
	err = os.MkdirAll(cfg.Hap.Dbdir, 0750)
	if err != nil {
		log.Fatal("Failed creating HAP dbdir", "error", err)
	}
	hapFs := hap.NewFsStore(cfg.Hap.Dbdir)

	// Setup HAP server
	hapServer, err := hap.NewServer(hapFs, hapBridge.A, accessories...)
	if err != nil {
		log.Fatal("Failed to create HAP server", "error", err)
	}

	hapServer.Ifaces = cfg.Hap.Ifaces
	hapServer.Addr = cfg.Hap.Addr
	hapServer.Pin = cfg.Hap.Pin

	log.Debug("Starting HAP server")
	log.Debugf("%d Goroutines exist", runtime.NumGoroutine())
	if err := hapServer.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start HAP server", "error", err)
	}

	log.Debugf("%d Goroutines exist", runtime.NumGoroutine())
}
