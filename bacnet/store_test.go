package bacnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDeviceID = NewObjectIdentifier(ObjectTypeDevice, 1234)
	zoneTemp     = NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	damper       = NewObjectIdentifier(ObjectTypeAnalogOutput, 1)
	fan          = NewObjectIdentifier(ObjectTypeBinaryValue, 1)
	mode         = NewObjectIdentifier(ObjectTypeMultiStateValue, 1)
)

func newTestStore(t *testing.T) *ObjectStore {
	t.Helper()

	store, err := NewObjectStore(NewDeviceObject(DeviceConfig{
		Instance:   testDeviceID.Instance,
		Name:       "Test Device",
		VendorName: "Edgeo",
		VendorID:   999,
		ModelName:  "bacnet-stack",
	}))
	require.NoError(t, err)

	require.NoError(t, store.Add(NewAnalogInput(1, "Zone Temp", UnitsDegreesCelsius)))
	require.NoError(t, store.Add(NewAnalogOutput(1, "Damper", UnitsPercent)))
	require.NoError(t, store.Add(NewBinaryValue(1, "Fan")))
	require.NoError(t, store.Add(NewMultiStateValue(1, "Mode", []string{"off", "heat", "cool"})))
	return store
}

func prio(p uint8) *uint8 { return &p }

func TestNewObjectStoreNeedsDevice(t *testing.T) {
	_, err := NewObjectStore(nil)
	assert.Error(t, err)

	_, err = NewObjectStore(NewAnalogInput(1, "AI", UnitsNoUnits))
	assert.Error(t, err)
}

func TestObjectStoreAdd(t *testing.T) {
	store := newTestStore(t)

	assert.Equal(t, []ObjectIdentifier{testDeviceID, zoneTemp, damper, fan, mode}, store.Objects())

	rev, err := store.ReadProperty(testDeviceID, PropertyDatabaseRevision, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), rev)

	tests := []struct {
		name string
		obj  *Object
		want *BACnetError
	}{
		{"second device", NewDeviceObject(DeviceConfig{Instance: 2, Name: "Other"}), objectError(ErrorCodeDynamicCreationNotSupported)},
		{"duplicate identifier", NewAnalogInput(1, "Another", UnitsNoUnits), objectError(ErrorCodeObjectIdentifierAlreadyExists)},
		{"duplicate name", NewAnalogInput(2, "Zone Temp", UnitsNoUnits), propertyError(ErrorCodeDuplicateName)},
		{"empty name", NewAnalogInput(3, "", UnitsNoUnits), propertyError(ErrorCodeValueOutOfRange)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, store.Add(tt.obj), tt.want)
		})
	}

	id, ok := store.Lookup("Fan")
	assert.True(t, ok)
	assert.Equal(t, fan, id)

	name, ok := store.Name(mode)
	assert.True(t, ok)
	assert.Equal(t, "Mode", name)
}

func TestObjectStoreRemove(t *testing.T) {
	store := newTestStore(t)

	assert.ErrorIs(t, store.Remove(testDeviceID), objectError(ErrorCodeObjectDeletionNotPermitted))
	assert.ErrorIs(t, store.Remove(NewObjectIdentifier(ObjectTypeAnalogInput, 99)), objectError(ErrorCodeUnknownObject))

	require.NoError(t, store.Remove(fan))
	assert.False(t, store.Has(fan))
	_, ok := store.Lookup("Fan")
	assert.False(t, ok)

	list, err := store.ReadProperty(testDeviceID, PropertyObjectList, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{testDeviceID, zoneTemp, damper, mode}, list)

	rev, err := store.ReadProperty(testDeviceID, PropertyDatabaseRevision, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), rev)
}

func TestObjectStoreReadProperty(t *testing.T) {
	store := newTestStore(t)

	t.Run("object list elements", func(t *testing.T) {
		n, err := store.ReadProperty(testDeviceID, PropertyObjectList, u32(0))
		require.NoError(t, err)
		assert.Equal(t, uint32(5), n)

		second, err := store.ReadProperty(testDeviceID, PropertyObjectList, u32(2))
		require.NoError(t, err)
		assert.Equal(t, zoneTemp, second)

		_, err = store.ReadProperty(testDeviceID, PropertyObjectList, u32(6))
		assert.ErrorIs(t, err, propertyError(ErrorCodeInvalidArrayIndex))
	})

	t.Run("errors", func(t *testing.T) {
		_, err := store.ReadProperty(NewObjectIdentifier(ObjectTypeAnalogInput, 42), PropertyPresentValue, nil)
		assert.ErrorIs(t, err, objectError(ErrorCodeUnknownObject))
		assert.True(t, IsDeviceNotFound(err))

		_, err = store.ReadProperty(zoneTemp, PropertyPriorityArray, nil)
		assert.ErrorIs(t, err, propertyError(ErrorCodeUnknownProperty))
		assert.True(t, IsPropertyNotFound(err))

		_, err = store.ReadProperty(zoneTemp, PropertyPresentValue, u32(1))
		assert.ErrorIs(t, err, propertyError(ErrorCodePropertyIsNotAnArray))
	})

	t.Run("identity", func(t *testing.T) {
		v, err := store.ReadProperty(zoneTemp, PropertyObjectIdentifier, nil)
		require.NoError(t, err)
		assert.Equal(t, zoneTemp, v)

		v, err = store.ReadProperty(zoneTemp, PropertyObjectType, nil)
		require.NoError(t, err)
		assert.Equal(t, ObjectTypeAnalogInput, v)

		v, err = store.ReadProperty(zoneTemp, PropertyUnits, nil)
		require.NoError(t, err)
		assert.Equal(t, UnitsDegreesCelsius, v)

		v, err = store.ReadProperty(mode, PropertyStateText, u32(3))
		require.NoError(t, err)
		assert.Equal(t, "cool", v)
	})

	t.Run("device clock", func(t *testing.T) {
		store.now = func() time.Time { return time.Date(2024, time.March, 15, 13, 4, 5, 600_000_000, time.UTC) }
		t.Cleanup(func() { store.now = time.Now })

		date, err := store.ReadProperty(testDeviceID, PropertyLocalDate, nil)
		require.NoError(t, err)
		assert.Equal(t, Date{Year: 124, Month: 3, Day: 15, Weekday: 5}, date)

		tm, err := store.ReadProperty(testDeviceID, PropertyLocalTime, nil)
		require.NoError(t, err)
		assert.Equal(t, Time{Hour: 13, Minute: 4, Second: 5, Hundredths: 60}, tm)
	})
}

func TestObjectStorePropertyList(t *testing.T) {
	store := newTestStore(t)

	all, err := store.PropertyList(zoneTemp, PropertyAll)
	require.NoError(t, err)
	assert.Contains(t, all, PropertyObjectIdentifier)
	assert.Contains(t, all, PropertyCOVIncrement)
	assert.NotContains(t, all, PropertyPropertyList)

	required, err := store.PropertyList(zoneTemp, PropertyRequired)
	require.NoError(t, err)
	assert.Equal(t, []PropertyIdentifier{
		PropertyObjectIdentifier,
		PropertyObjectName,
		PropertyObjectType,
		PropertyPresentValue,
		PropertyStatusFlags,
		PropertyEventState,
		PropertyOutOfService,
		PropertyUnits,
	}, required)

	optional, err := store.PropertyList(zoneTemp, PropertyOptional)
	require.NoError(t, err)
	assert.Equal(t, []PropertyIdentifier{PropertyReliability, PropertyDescription, PropertyCOVIncrement}, optional)

	listed, err := store.ReadProperty(zoneTemp, PropertyPropertyList, nil)
	require.NoError(t, err)
	assert.NotContains(t, listed, Enumerated(PropertyObjectName))
	assert.Contains(t, listed, Enumerated(PropertyPresentValue))

	_, err = store.PropertyList(NewObjectIdentifier(ObjectTypeAnalogInput, 7), PropertyAll)
	assert.ErrorIs(t, err, objectError(ErrorCodeUnknownObject))
}

func TestObjectStoreCommandPriorities(t *testing.T) {
	store := newTestStore(t)

	read := func() interface{} {
		v, err := store.ReadProperty(damper, PropertyPresentValue, nil)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, float32(0), read(), "relinquish default")

	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, float32(30), nil))
	assert.Equal(t, float32(30), read())

	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, float32(50), prio(8)))
	assert.Equal(t, float32(50), read())

	slot, err := store.ReadProperty(damper, PropertyPriorityArray, u32(8))
	require.NoError(t, err)
	assert.Equal(t, float32(50), slot)

	size, err := store.ReadProperty(damper, PropertyPriorityArray, u32(0))
	require.NoError(t, err)
	assert.Equal(t, uint32(16), size)

	// Lower priorities only take over once higher ones are relinquished
	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, float32(10), prio(12)))
	assert.Equal(t, float32(50), read())

	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, nil, prio(8)))
	assert.Equal(t, float32(10), read())

	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, nil, prio(12)))
	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, nil, nil))
	assert.Equal(t, float32(0), read())

	assert.ErrorIs(t, store.WriteProperty(damper, PropertyPresentValue, nil, float32(1), prio(0)), propertyError(ErrorCodeValueOutOfRange))
	assert.ErrorIs(t, store.WriteProperty(damper, PropertyPresentValue, nil, float32(1), prio(17)), propertyError(ErrorCodeValueOutOfRange))
}

func TestObjectStoreWriteRules(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name  string
		id    ObjectIdentifier
		prop  PropertyIdentifier
		index *uint32
		value interface{}
		want  *BACnetError
	}{
		{"input present value in service", zoneTemp, PropertyPresentValue, nil, float32(1), propertyError(ErrorCodeWriteAccessDenied)},
		{"read only property", zoneTemp, PropertyUnits, nil, UnitsPercent, propertyError(ErrorCodeWriteAccessDenied)},
		{"object list", testDeviceID, PropertyObjectList, nil, []interface{}{}, propertyError(ErrorCodeWriteAccessDenied)},
		{"index on scalar", damper, PropertyPresentValue, u32(1), float32(1), propertyError(ErrorCodePropertyIsNotAnArray)},
		{"string to analog", damper, PropertyPresentValue, nil, "fifty", propertyError(ErrorCodeInvalidDataType)},
		{"binary out of range", fan, PropertyPresentValue, nil, Enumerated(2), propertyError(ErrorCodeValueOutOfRange)},
		{"state zero", mode, PropertyPresentValue, nil, uint32(0), propertyError(ErrorCodeValueOutOfRange)},
		{"state past last", mode, PropertyPresentValue, nil, uint32(4), propertyError(ErrorCodeValueOutOfRange)},
		{"null to non-commandable", zoneTemp, PropertyDescription, nil, nil, propertyError(ErrorCodeInvalidDataType)},
		{"negative cov increment", zoneTemp, PropertyCOVIncrement, nil, float32(-1), propertyError(ErrorCodeValueOutOfRange)},
		{"out of service as number", zoneTemp, PropertyOutOfService, nil, uint32(1), propertyError(ErrorCodeInvalidDataType)},
		{"unknown property", zoneTemp, PropertyPriorityArray, nil, nil, propertyError(ErrorCodeUnknownProperty)},
		{"unknown object", NewObjectIdentifier(ObjectTypeBinaryValue, 9), PropertyPresentValue, nil, BinaryActive, objectError(ErrorCodeUnknownObject)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.WriteProperty(tt.id, tt.prop, tt.index, tt.value, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestObjectStoreCoercion(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, 42, nil))
	v, _ := store.ReadProperty(damper, PropertyPresentValue, nil)
	assert.Equal(t, float32(42), v)

	require.NoError(t, store.WriteProperty(fan, PropertyPresentValue, nil, true, nil))
	v, _ = store.ReadProperty(fan, PropertyPresentValue, nil)
	assert.Equal(t, BinaryActive, v)

	require.NoError(t, store.WriteProperty(mode, PropertyPresentValue, nil, uint32(3), nil))
	v, _ = store.ReadProperty(mode, PropertyPresentValue, nil)
	assert.Equal(t, uint32(3), v)
}

func TestObjectStoreOutOfService(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetPresentValue(zoneTemp, float32(21.5)))
	v, _ := store.ReadProperty(zoneTemp, PropertyPresentValue, nil)
	assert.Equal(t, float32(21.5), v)

	require.NoError(t, store.WriteProperty(zoneTemp, PropertyOutOfService, nil, true, nil))
	flags, err := store.ReadProperty(zoneTemp, PropertyStatusFlags, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFlags{OutOfService: true}, flags)

	// Out of service inputs accept writes to the present value
	require.NoError(t, store.WriteProperty(zoneTemp, PropertyPresentValue, nil, float32(99), nil))
	v, _ = store.ReadProperty(zoneTemp, PropertyPresentValue, nil)
	assert.Equal(t, float32(99), v)
}

func TestObjectStoreRename(t *testing.T) {
	store := newTestStore(t)

	assert.ErrorIs(t, store.WriteProperty(fan, PropertyObjectName, nil, "Mode", nil), propertyError(ErrorCodeDuplicateName))
	assert.ErrorIs(t, store.WriteProperty(fan, PropertyObjectName, nil, "", nil), propertyError(ErrorCodeValueOutOfRange))

	require.NoError(t, store.WriteProperty(fan, PropertyObjectName, nil, "Supply Fan", nil))
	_, ok := store.Lookup("Fan")
	assert.False(t, ok)
	id, ok := store.Lookup("Supply Fan")
	assert.True(t, ok)
	assert.Equal(t, fan, id)

	// Writing the same name again is not a duplicate
	require.NoError(t, store.WriteProperty(fan, PropertyObjectName, nil, "Supply Fan", nil))
}

func TestObjectStoreChangeEvents(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return at }

	var events []ChangeEvent
	cancel := store.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	require.NoError(t, store.WriteProperty(damper, PropertyPresentValue, nil, float32(75), prio(5)))
	require.NoError(t, store.SetPresentValue(zoneTemp, float32(20)))
	require.NoError(t, store.Restore(damper, PropertyPresentValue, float32(1), prio(6)))
	assert.Error(t, store.WriteProperty(zoneTemp, PropertyPresentValue, nil, float32(1), nil))

	require.Len(t, events, 2, "restores and failed writes are silent")
	assert.Equal(t, ChangeEvent{
		ObjectID:   damper,
		PropertyID: PropertyPresentValue,
		Value:      float32(75),
		Priority:   prio(5),
		Remote:     true,
		Time:       at,
	}, events[0])
	assert.Equal(t, zoneTemp, events[1].ObjectID)
	assert.Nil(t, events[1].Priority)
	assert.False(t, events[1].Remote)

	// Restored values are applied
	slot, err := store.ReadProperty(damper, PropertyPriorityArray, u32(6))
	require.NoError(t, err)
	assert.Equal(t, float32(1), slot)

	cancel()
	require.NoError(t, store.SetPresentValue(zoneTemp, float32(22)))
	assert.Len(t, events, 2)
}
