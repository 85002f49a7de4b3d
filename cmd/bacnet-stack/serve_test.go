package main

import (
	"math/rand/v2"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo/bacnet-stack/bacnet"
)

const ahuConfig = `
simulator:
  instance: 1500
  name: AHU-1
  vendor-name: Edgeo
  vendor-id: 999
  location: Roof
  objects:
    - type: analog-input
      instance: 1
      name: Supply Air Temperature
      units: "°C"
      value: 18.5
      cov-increment: 0.2
    - type: ao
      instance: 1
      name: Damper
      units: "%"
      value: 30
    - type: binary-value
      instance: 1
      name: Occupied
      value: active
      description: schedule override
    - type: multi-state-value
      instance: 1
      name: Mode
      states: [Off, Heat, Cool]
      value: 2
`

func loadYAML(t *testing.T, doc string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return v
}

func readValue(t *testing.T, store *bacnet.ObjectStore, id bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier) interface{} {
	t.Helper()
	v, err := store.ReadProperty(id, prop, nil)
	require.NoError(t, err)
	return v
}

func TestLoadSimulatorConfig(t *testing.T) {
	cfg, err := loadSimulatorConfig(loadYAML(t, ahuConfig))
	require.NoError(t, err)

	assert.Equal(t, uint32(1500), cfg.Instance)
	assert.Equal(t, "AHU-1", cfg.Name)
	assert.Equal(t, uint16(999), cfg.VendorID)
	assert.Equal(t, "Roof", cfg.Location)
	require.Len(t, cfg.Objects, 4)
	assert.Equal(t, "°C", cfg.Objects[0].Units)
	assert.Equal(t, float32(0.2), cfg.Objects[0].COVIncrement)
	assert.Equal(t, []string{"Off", "Heat", "Cool"}, cfg.Objects[3].States)
}

func TestLoadSimulatorConfigDefaults(t *testing.T) {
	cfg, err := loadSimulatorConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, uint32(260001), cfg.Instance)
	assert.Equal(t, "bacnet-stack-260001", cfg.Name)
	assert.Equal(t, defaultObjects, cfg.Objects)

	store, _, err := buildStore(cfg)
	require.NoError(t, err)
	assert.Len(t, store.Objects(), len(defaultObjects)+1)
}

func TestLoadSimulatorConfigDeviceOverride(t *testing.T) {
	v := loadYAML(t, ahuConfig)
	v.Set("device", 77)

	cfg, err := loadSimulatorConfig(v)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), cfg.Instance)
}

func TestBuildStore(t *testing.T) {
	cfg, err := loadSimulatorConfig(loadYAML(t, ahuConfig))
	require.NoError(t, err)

	store, inputs, err := buildStore(cfg)
	require.NoError(t, err)

	ai := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1)
	ao := bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogOutput, 1)
	bv := bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryValue, 1)
	msv := bacnet.NewObjectIdentifier(bacnet.ObjectTypeMultiStateValue, 1)

	assert.Equal(t, bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, 1500), store.DeviceID())
	assert.Equal(t, []bacnet.ObjectIdentifier{store.DeviceID(), ai, ao, bv, msv}, store.Objects())
	assert.Equal(t, []bacnet.ObjectIdentifier{ai}, inputs)

	assert.Equal(t, float32(18.5), readValue(t, store, ai, bacnet.PropertyPresentValue))
	assert.Equal(t, bacnet.UnitsDegreesCelsius, readValue(t, store, ai, bacnet.PropertyUnits))
	assert.Equal(t, float32(0.2), readValue(t, store, ai, bacnet.PropertyCOVIncrement))

	// Commandable objects start relinquished at their configured value
	assert.Equal(t, float32(30), readValue(t, store, ao, bacnet.PropertyRelinquishDefault))
	assert.Equal(t, float32(30), readValue(t, store, ao, bacnet.PropertyPresentValue))
	assert.Equal(t, bacnet.UnitsPercent, readValue(t, store, ao, bacnet.PropertyUnits))

	assert.Equal(t, bacnet.BinaryActive, readValue(t, store, bv, bacnet.PropertyPresentValue))
	assert.Equal(t, "schedule override", readValue(t, store, bv, bacnet.PropertyDescription))

	assert.Equal(t, uint32(2), readValue(t, store, msv, bacnet.PropertyPresentValue))
	assert.Equal(t, uint32(3), readValue(t, store, msv, bacnet.PropertyNumberOfStates))

	assert.Equal(t, "Roof", readValue(t, store, store.DeviceID(), bacnet.PropertyLocation))
}

func TestBuildStoreErrors(t *testing.T) {
	tests := []struct {
		name    string
		objects []objectConfig
		want    string
	}{
		{"unknown type", []objectConfig{{Type: "pump", Instance: 1}}, "unknown object type"},
		{"unsupported type", []objectConfig{{Type: "device", Instance: 2}}, "cannot be served"},
		{"unknown units", []objectConfig{{Type: "ai", Instance: 1, Units: "furlongs"}}, "unknown units"},
		{"instance range", []objectConfig{{Type: "ai", Instance: bacnet.MaxInstance + 1}}, "out of range"},
		{"duplicate", []objectConfig{
			{Type: "av", Instance: 1, Name: "a"},
			{Type: "av", Instance: 1, Name: "b"},
		}, "object 1"},
		{"bad value", []objectConfig{{Type: "msv", Instance: 1, States: []string{"a", "b"}, Value: 9}}, "initial value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildStore(simulatorConfig{Instance: 1, Name: "dev", Objects: tt.objects})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigValue(t *testing.T) {
	assert.Equal(t, bacnet.BinaryActive, configValue("Active"))
	assert.Equal(t, bacnet.BinaryInactive, configValue("off"))
	assert.Equal(t, "text", configValue("text"))
	assert.Equal(t, 1.5, configValue(1.5))
}

func TestSimulateStep(t *testing.T) {
	store, inputs, err := buildStore(simulatorConfig{
		Instance: 1,
		Name:     "sim",
		Objects: []objectConfig{
			{Type: "ai", Instance: 1, Value: 20.0},
			{Type: "bi", Instance: 1},
			{Type: "msi", Instance: 1, States: []string{"low", "mid", "high"}},
			{Type: "av", Instance: 1, Value: 5.0},
		},
	})
	require.NoError(t, err)
	require.Len(t, inputs, 3)

	ai, bi, msi, av := inputs[0], inputs[1], inputs[2], bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 1)
	rng := rand.New(rand.NewPCG(1, 2))

	require.NoError(t, simulateStep(store, inputs, rng))
	temp := readValue(t, store, ai, bacnet.PropertyPresentValue).(float32)
	assert.InDelta(t, 20, temp, 0.5)
	assert.Equal(t, uint32(2), readValue(t, store, msi, bacnet.PropertyPresentValue))

	flipped := false
	for i := 0; i < 200; i++ {
		require.NoError(t, simulateStep(store, inputs, rng))
		if readValue(t, store, bi, bacnet.PropertyPresentValue) == bacnet.BinaryActive {
			flipped = true
		}
	}
	assert.True(t, flipped)

	// Values are left alone
	assert.Equal(t, float32(5), readValue(t, store, av, bacnet.PropertyPresentValue))
}

func TestNotifySystemd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()

	t.Setenv("NOTIFY_SOCKET", path)
	for _, state := range []string{daemon.SdNotifyReady, daemon.SdNotifyStopping} {
		assert.True(t, notifySystemd(state))

		buf := make([]byte, 64)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, state, string(buf[:n]))
	}

	// A missing socket is reported, not fatal
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "gone.sock"))
	assert.False(t, notifySystemd(daemon.SdNotifyStopping))

	t.Setenv("NOTIFY_SOCKET", "")
	assert.False(t, notifySystemd(daemon.SdNotifyStopping))
}
