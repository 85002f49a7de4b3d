// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/edgeo/bacnet-stack/bacnet"
	"github.com/edgeo/bacnet-stack/internal/gateway"
	"github.com/edgeo/bacnet-stack/internal/persist"
)

var (
	serveDB       string
	serveHTTP     string
	serveNetwork  uint16
	serveSimulate time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a simulated BACnet device",
	Long: `Serve runs a BACnet/IP device whose objects come from the "simulator"
section of the config file. Without objects a small demo set is served.

  simulator:
    instance: 260001
    name: AHU-1
    vendor-name: Edgeo
    objects:
      - type: analog-input
        instance: 1
        name: Supply Air Temperature
        units: "°C"
        value: 18.5
      - type: binary-value
        instance: 1
        name: Occupied
        value: active
      - type: multi-state-value
        instance: 1
        name: Mode
        states: [Off, Heat, Cool]

Examples:
  # Serve on the default port
  bacnet-stack serve --config ahu.yaml

  # Keep written values across restarts and expose metrics and events
  bacnet-stack serve --config ahu.yaml --db ahu.db --http :9100

  # Drift the inputs every 5 seconds
  bacnet-stack serve --simulate 5s`,

	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database keeping written values")
	serveCmd.Flags().StringVar(&serveHTTP, "http", "", "Gateway listen address for /metrics, /healthz and /events")
	serveCmd.Flags().Uint16Var(&serveNetwork, "network", 0, "Local network number (0 for none)")
	serveCmd.Flags().DurationVar(&serveSimulate, "simulate", 0, "Interval of simulated input changes (0 to disable)")

	for _, name := range []string{"db", "http", "network", "simulate"} {
		viper.BindPFlag("serve."+name, serveCmd.Flags().Lookup(name))
	}
}

// simulatorConfig is the "simulator" config section
type simulatorConfig struct {
	Instance    uint32         `mapstructure:"instance"`
	Name        string         `mapstructure:"name"`
	VendorName  string         `mapstructure:"vendor-name"`
	VendorID    uint16         `mapstructure:"vendor-id"`
	ModelName   string         `mapstructure:"model-name"`
	Description string         `mapstructure:"description"`
	Location    string         `mapstructure:"location"`
	Objects     []objectConfig `mapstructure:"objects"`
}

// objectConfig defines one served object
type objectConfig struct {
	Type         string      `mapstructure:"type"`
	Instance     uint32      `mapstructure:"instance"`
	Name         string      `mapstructure:"name"`
	Description  string      `mapstructure:"description"`
	Units        string      `mapstructure:"units"`
	States       []string    `mapstructure:"states"`
	Value        interface{} `mapstructure:"value"`
	COVIncrement float32     `mapstructure:"cov-increment"`
}

var defaultObjects = []objectConfig{
	{Type: "analog-input", Instance: 1, Name: "Zone Temperature", Units: "°C", Value: 21.0, COVIncrement: 0.5},
	{Type: "analog-input", Instance: 2, Name: "Zone Humidity", Units: "%RH", Value: 45.0, COVIncrement: 1},
	{Type: "analog-value", Instance: 1, Name: "Zone Setpoint", Units: "°C", Value: 21.0},
	{Type: "analog-output", Instance: 1, Name: "Damper Position", Units: "%"},
	{Type: "binary-input", Instance: 1, Name: "Filter Alarm"},
	{Type: "binary-value", Instance: 1, Name: "Occupied", Value: "active"},
	{Type: "multi-state-value", Instance: 1, Name: "Mode", States: []string{"Off", "Heat", "Cool", "Auto"}},
}

// loadSimulatorConfig reads the simulator section of v, filling defaults
func loadSimulatorConfig(v *viper.Viper) (simulatorConfig, error) {
	var cfg simulatorConfig
	if err := v.UnmarshalKey("simulator", &cfg); err != nil {
		return cfg, fmt.Errorf("simulator config: %w", err)
	}
	if id := v.GetUint32("device"); id != 0 {
		cfg.Instance = id
	}
	if cfg.Instance == 0 {
		cfg.Instance = 260001
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("bacnet-stack-%d", cfg.Instance)
	}
	if len(cfg.Objects) == 0 {
		cfg.Objects = defaultObjects
	}
	return cfg, nil
}

// buildStore creates the object store of cfg. It returns the inputs that
// the simulation drives.
func buildStore(cfg simulatorConfig) (*bacnet.ObjectStore, []bacnet.ObjectIdentifier, error) {
	if cfg.Instance > bacnet.MaxInstance {
		return nil, nil, fmt.Errorf("device instance %d out of range", cfg.Instance)
	}
	store, err := bacnet.NewObjectStore(bacnet.NewDeviceObject(bacnet.DeviceConfig{
		Instance:        cfg.Instance,
		Name:            cfg.Name,
		VendorName:      cfg.VendorName,
		VendorID:        cfg.VendorID,
		ModelName:       cfg.ModelName,
		SoftwareVersion: version,
		Description:     cfg.Description,
		Location:        cfg.Location,
	}))
	if err != nil {
		return nil, nil, err
	}

	var inputs []bacnet.ObjectIdentifier
	for i, oc := range cfg.Objects {
		obj, err := newConfiguredObject(oc)
		if err != nil {
			return nil, nil, fmt.Errorf("object %d: %w", i, err)
		}
		if err := store.Add(obj); err != nil {
			return nil, nil, fmt.Errorf("object %d: %w", i, err)
		}

		if oc.Value != nil {
			// A commandable object starts from its relinquish default
			prop := bacnet.PropertyPresentValue
			if obj.Commandable() {
				prop = bacnet.PropertyRelinquishDefault
			}
			if err := store.Restore(obj.ID(), prop, configValue(oc.Value), nil); err != nil {
				return nil, nil, fmt.Errorf("%s initial value %v: %w", obj.ID(), oc.Value, err)
			}
		}

		switch obj.ID().Type {
		case bacnet.ObjectTypeAnalogInput, bacnet.ObjectTypeBinaryInput, bacnet.ObjectTypeMultiStateInput:
			inputs = append(inputs, obj.ID())
		}
	}
	return store, inputs, nil
}

func newConfiguredObject(oc objectConfig) (*bacnet.Object, error) {
	t, ok := bacnet.ParseObjectType(oc.Type)
	if !ok {
		return nil, fmt.Errorf("unknown object type %q", oc.Type)
	}
	if oc.Instance > bacnet.MaxInstance {
		return nil, fmt.Errorf("instance %d out of range", oc.Instance)
	}
	name := oc.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", t, oc.Instance)
	}

	units := bacnet.UnitsNoUnits
	if oc.Units != "" {
		if units, ok = bacnet.ParseEngineeringUnits(oc.Units); !ok {
			return nil, fmt.Errorf("unknown units %q", oc.Units)
		}
	}

	var obj *bacnet.Object
	switch t {
	case bacnet.ObjectTypeAnalogInput:
		obj = bacnet.NewAnalogInput(oc.Instance, name, units)
	case bacnet.ObjectTypeAnalogOutput:
		obj = bacnet.NewAnalogOutput(oc.Instance, name, units)
	case bacnet.ObjectTypeAnalogValue:
		obj = bacnet.NewAnalogValue(oc.Instance, name, units)
	case bacnet.ObjectTypeBinaryInput:
		obj = bacnet.NewBinaryInput(oc.Instance, name)
	case bacnet.ObjectTypeBinaryOutput:
		obj = bacnet.NewBinaryOutput(oc.Instance, name)
	case bacnet.ObjectTypeBinaryValue:
		obj = bacnet.NewBinaryValue(oc.Instance, name)
	case bacnet.ObjectTypeMultiStateInput:
		obj = bacnet.NewMultiStateInput(oc.Instance, name, oc.States)
	case bacnet.ObjectTypeMultiStateOutput:
		obj = bacnet.NewMultiStateOutput(oc.Instance, name, oc.States)
	case bacnet.ObjectTypeMultiStateValue:
		obj = bacnet.NewMultiStateValue(oc.Instance, name, oc.States)
	default:
		return nil, fmt.Errorf("object type %s cannot be served", t)
	}

	if oc.Description != "" {
		obj.SetProperty(bacnet.PropertyDescription, oc.Description)
	}
	if oc.COVIncrement > 0 {
		obj.SetProperty(bacnet.PropertyCOVIncrement, oc.COVIncrement)
	}
	return obj, nil
}

// configValue maps decoded YAML scalars onto store values
func configValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch strings.ToLower(s) {
	case "active", "on":
		return bacnet.BinaryActive
	case "inactive", "off":
		return bacnet.BinaryInactive
	}
	return s
}

// simulateStep moves every input one step: analog inputs drift by up to
// half a unit, binary inputs flip now and then, multi-state inputs move
// to a neighbouring state
func simulateStep(store *bacnet.ObjectStore, inputs []bacnet.ObjectIdentifier, rng *rand.Rand) error {
	for _, id := range inputs {
		current, err := store.ReadProperty(id, bacnet.PropertyPresentValue, nil)
		if err != nil {
			return err
		}

		var next interface{}
		switch v := current.(type) {
		case float32:
			next = v + float32(rng.Float64()-0.5)
		case bacnet.Enumerated:
			if rng.IntN(10) != 0 {
				continue
			}
			next = bacnet.Enumerated(1 - v)
		case uint32:
			n, _ := store.ReadProperty(id, bacnet.PropertyNumberOfStates, nil)
			states, _ := n.(uint32)
			if states < 2 {
				continue
			}
			next = v%states + 1
		default:
			continue
		}
		if err := store.SetPresentValue(id, next); err != nil {
			return fmt.Errorf("simulate %s: %w", id, err)
		}
	}
	return nil
}

func simulate(ctx context.Context, store *bacnet.ObjectStore, inputs []bacnet.ObjectIdentifier, every time.Duration) error {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(store.DeviceID().Instance)))
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := simulateStep(store, inputs, rng); err != nil {
				return err
			}
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadSimulatorConfig(viper.GetViper())
	if err != nil {
		return err
	}
	store, inputs, err := buildStore(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	if path := viper.GetString("serve.db"); path != "" {
		db, err := persist.Open(path, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		detach, err := db.Attach(ctx, store)
		if err != nil {
			return fmt.Errorf("restore values: %w", err)
		}
		defer detach()
	}

	opts := []bacnet.Option{bacnet.WithLogger(logger)}
	if addr := viper.GetString("local"); addr != "" {
		opts = append(opts, bacnet.WithLocalAddress(addr))
	}
	if n := viper.GetUint32("serve.network"); n != 0 {
		opts = append(opts, bacnet.WithNetworkNumber(uint16(n)))
	}
	if addr := viper.GetString("bbmd"); addr != "" {
		opts = append(opts, bacnet.WithBBMD(addr, viper.GetInt("bbmd-port"), viper.GetDuration("bbmd-ttl")))
	}

	device, err := bacnet.NewDevice(store, opts...)
	if err != nil {
		return err
	}
	if err := device.Start(ctx); err != nil {
		return err
	}
	defer device.Close()

	logger.Info("serving device",
		slog.Uint64("device_id", uint64(cfg.Instance)),
		slog.Int("objects", len(store.Objects())),
	)

	g, gctx := errgroup.WithContext(ctx)
	if addr := viper.GetString("serve.http"); addr != "" {
		gw := gateway.New(store, device.Metrics().Registry(), gateway.WithLogger(logger))
		g.Go(func() error { return gw.ListenAndServe(gctx, addr) })
	}
	if every := viper.GetDuration("serve.simulate"); every > 0 && len(inputs) > 0 {
		g.Go(func() error { return simulate(gctx, store, inputs, every) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	notifySystemd(daemon.SdNotifyReady)

	err = g.Wait()
	notifySystemd(daemon.SdNotifyStopping)
	return err
}

// notifySystemd sends a state to the service manager, when there is one,
// and reports whether it was sent
func notifySystemd(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("systemd notify failed",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		logger.Debug("systemd notified", slog.String("state", state))
	}
	return sent
}
