package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32(v uint32) *uint32 { return &v }

func TestWhoIs(t *testing.T) {
	assert.Nil(t, WhoIsRequest{}.Encode())
	assert.Nil(t, WhoIsRequest{Low: u32(1)}.Encode(), "unpaired limit")

	req := WhoIsRequest{Low: u32(3), High: u32(300)}
	data := req.Encode()
	assert.Equal(t, []byte{0x09, 0x03, 0x1A, 0x01, 0x2C}, data)

	got, err := DecodeWhoIs(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), *got.Low)
	assert.Equal(t, uint32(300), *got.High)

	assert.True(t, got.Matches(3))
	assert.True(t, got.Matches(300))
	assert.False(t, got.Matches(2))
	assert.False(t, got.Matches(301))
	assert.True(t, WhoIsRequest{}.Matches(42))

	empty, err := DecodeWhoIs(nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Low)

	_, err = DecodeWhoIs(EncodeContextUnsigned(0, 1))
	assert.ErrorIs(t, err, ErrMissingRequiredParameter, "low limit alone")

	_, err = DecodeWhoIs(append(EncodeContextUnsigned(0, 1), EncodeContextUnsigned(1, MaxInstance+1)...))
	assert.ErrorIs(t, err, &RejectError{Reason: RejectReasonParameterOutOfRange})
}

func TestIAm(t *testing.T) {
	req := IAmRequest{
		DeviceID:     NewObjectIdentifier(ObjectTypeDevice, 1),
		MaxAPDU:      1476,
		Segmentation: SegmentationNone,
		VendorID:     260,
	}
	data := req.Encode()
	assert.Equal(t, []byte{
		0xC4, 0x02, 0x00, 0x00, 0x01,
		0x22, 0x05, 0xC4,
		0x91, 0x03,
		0x22, 0x01, 0x04,
	}, data)

	got, err := DecodeIAm(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = DecodeIAm(data[:8])
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)

	notDevice := IAmRequest{DeviceID: NewObjectIdentifier(ObjectTypeAnalogInput, 1)}.Encode()
	_, err = DecodeIAm(notDevice)
	assert.ErrorIs(t, err, ErrInvalidTag)
}

func TestWhoHasAndIHave(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeAnalogValue, 7)

	t.Run("by identifier with range", func(t *testing.T) {
		req := WhoHasRequest{Low: u32(1), High: u32(10), ObjectID: &oid}
		got, err := DecodeWhoHas(req.Encode())
		require.NoError(t, err)
		require.NotNil(t, got.ObjectID)
		assert.Equal(t, oid, *got.ObjectID)
		assert.True(t, got.Matches(10))
		assert.False(t, got.Matches(11))
	})

	t.Run("by name", func(t *testing.T) {
		got, err := DecodeWhoHas(WhoHasRequest{ObjectName: "Setpoint"}.Encode())
		require.NoError(t, err)
		assert.Nil(t, got.ObjectID)
		assert.Equal(t, "Setpoint", got.ObjectName)
		assert.True(t, got.Matches(4194303))
	})

	t.Run("missing object", func(t *testing.T) {
		_, err := DecodeWhoHas(nil)
		assert.ErrorIs(t, err, ErrMissingRequiredParameter)

		_, err = DecodeWhoHas(EncodeContextUnsigned(5, 1))
		assert.ErrorIs(t, err, ErrInvalidTag)
	})

	t.Run("i-have", func(t *testing.T) {
		ans := IHaveRequest{DeviceID: NewObjectIdentifier(ObjectTypeDevice, 9), ObjectID: oid, ObjectName: "Setpoint"}
		got, err := DecodeIHave(ans.Encode())
		require.NoError(t, err)
		assert.Equal(t, ans, got)

		_, err = DecodeIHave(EncodeObjectIdentifierTag(oid))
		assert.ErrorIs(t, err, ErrMissingRequiredParameter)
	})
}

func TestReadProperty(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeAnalogInput, 0)
	req := ReadPropertyRequest{ObjectID: oid, PropertyID: PropertyPresentValue}
	data := req.Encode()
	assert.Equal(t, []byte{0x0C, 0x00, 0x00, 0x00, 0x00, 0x19, 0x55}, data)

	got, err := DecodeReadProperty(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	indexed := ReadPropertyRequest{ObjectID: oid, PropertyID: PropertyPriorityArray, ArrayIndex: u32(8)}
	got, err = DecodeReadProperty(indexed.Encode())
	require.NoError(t, err)
	require.NotNil(t, got.ArrayIndex)
	assert.Equal(t, uint32(8), *got.ArrayIndex)

	_, err = DecodeReadProperty(data[:5])
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)

	_, err = DecodeReadProperty(append(data, 0x3C))
	assert.Error(t, err)
}

func TestReadPropertyAck(t *testing.T) {
	ack := ReadPropertyAck{
		ObjectID:   NewObjectIdentifier(ObjectTypeAnalogInput, 0),
		PropertyID: PropertyPresentValue,
		Value:      float32(72.5),
	}
	data, err := ack.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x0C, 0x00, 0x00, 0x00, 0x00,
		0x19, 0x55,
		0x3E, 0x44, 0x42, 0x91, 0x00, 0x00, 0x3F,
	}, data)

	got, err := DecodeReadPropertyAck(data)
	require.NoError(t, err)
	assert.Equal(t, ack, got)

	list := ReadPropertyAck{
		ObjectID:   NewObjectIdentifier(ObjectTypeDevice, 1),
		PropertyID: PropertyObjectList,
		Value: []interface{}{
			NewObjectIdentifier(ObjectTypeDevice, 1),
			NewObjectIdentifier(ObjectTypeAnalogInput, 0),
		},
	}
	data, err = list.Encode()
	require.NoError(t, err)
	got, err = DecodeReadPropertyAck(data)
	require.NoError(t, err)
	assert.Equal(t, list.Value, got.Value)

	_, err = ReadPropertyAck{Value: struct{}{}}.Encode()
	assert.Error(t, err)
}

func TestWriteProperty(t *testing.T) {
	prio := uint8(8)
	req := WritePropertyRequest{
		ObjectID:   NewObjectIdentifier(ObjectTypeAnalogOutput, 1),
		PropertyID: PropertyPresentValue,
		Value:      float32(50),
		Priority:   &prio,
	}
	data, err := req.Encode()
	require.NoError(t, err)

	got, err := DecodeWriteProperty(data)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	relinquish := WritePropertyRequest{ObjectID: req.ObjectID, PropertyID: PropertyPresentValue, Value: nil}
	data, err = relinquish.Encode()
	require.NoError(t, err)
	got, err = DecodeWriteProperty(data)
	require.NoError(t, err)
	assert.Nil(t, got.Value)
	assert.Nil(t, got.Priority)

	bad, err := WritePropertyRequest{ObjectID: req.ObjectID, PropertyID: PropertyPresentValue, Value: float32(1)}.Encode()
	require.NoError(t, err)
	bad = append(bad, EncodeContextUnsigned(4, 300)...)
	_, err = DecodeWriteProperty(bad)
	assert.ErrorIs(t, err, &RejectError{Reason: RejectReasonParameterOutOfRange})

	_, err = DecodeWriteProperty(ReadPropertyRequest{ObjectID: req.ObjectID, PropertyID: PropertyPresentValue}.Encode())
	assert.ErrorIs(t, err, ErrMissingRequiredParameter, "value missing")
}

func TestReadPropertyMultiple(t *testing.T) {
	ai := NewObjectIdentifier(ObjectTypeAnalogInput, 1)
	bv := NewObjectIdentifier(ObjectTypeBinaryValue, 2)

	specs := GroupReadRequests([]ReadPropertyRequest{
		{ObjectID: ai, PropertyID: PropertyPresentValue},
		{ObjectID: bv, PropertyID: PropertyPresentValue},
		{ObjectID: ai, PropertyID: PropertyStatusFlags},
		{ObjectID: bv, PropertyID: PropertyPriorityArray, ArrayIndex: u32(16)},
	})
	require.Len(t, specs, 2)
	assert.Equal(t, ai, specs[0].ObjectID)
	assert.Len(t, specs[0].Properties, 2)
	assert.Equal(t, PropertyStatusFlags, specs[0].Properties[1].PropertyID)

	got, err := DecodeReadPropertyMultiple(EncodeReadPropertyMultiple(specs))
	require.NoError(t, err)
	assert.Equal(t, specs, got)

	_, err = DecodeReadPropertyMultiple(nil)
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)

	empty := EncodeReadPropertyMultiple([]ReadAccessSpec{{ObjectID: ai}})
	_, err = DecodeReadPropertyMultiple(empty)
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)

	unterminated := EncodeReadPropertyMultiple(specs[:1])
	_, err = DecodeReadPropertyMultiple(unterminated[:len(unterminated)-1])
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)
}

func TestReadPropertyMultipleAck(t *testing.T) {
	results := []ReadAccessResult{
		{
			ObjectID: NewObjectIdentifier(ObjectTypeAnalogInput, 1),
			Results: []PropertyResult{
				{PropertyID: PropertyPresentValue, Value: float32(21)},
				{PropertyID: PropertyDescription, Err: propertyError(ErrorCodeUnknownProperty)},
				{PropertyID: PropertyObjectName, Value: "Zone"},
			},
		},
		{
			ObjectID: NewObjectIdentifier(ObjectTypeAnalogInput, 9),
			Results: []PropertyResult{
				{PropertyID: PropertyAll, Err: objectError(ErrorCodeUnknownObject)},
			},
		},
	}

	data, err := EncodeReadPropertyMultipleAck(results)
	require.NoError(t, err)

	got, err := DecodeReadPropertyMultipleAck(data)
	require.NoError(t, err)
	assert.Equal(t, results, got)
}

func TestSubscribeCOV(t *testing.T) {
	confirmed := true
	req := SubscribeCOVRequest{
		ProcessID: 18,
		ObjectID:  NewObjectIdentifier(ObjectTypeAnalogInput, 10),
		Confirmed: &confirmed,
		Lifetime:  u32(600),
	}
	assert.False(t, req.IsCancellation())

	got, err := DecodeSubscribeCOV(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	cancel := SubscribeCOVRequest{ProcessID: 18, ObjectID: req.ObjectID}
	got, err = DecodeSubscribeCOV(cancel.Encode())
	require.NoError(t, err)
	assert.True(t, got.IsCancellation())

	orphan := append(cancel.Encode(), EncodeContextUnsigned(3, 60)...)
	_, err = DecodeSubscribeCOV(orphan)
	assert.ErrorIs(t, err, ErrMissingRequiredParameter, "lifetime without confirmation flag")
}

func TestCOVNotification(t *testing.T) {
	oid := NewObjectIdentifier(ObjectTypeBinaryValue, 3)
	n := COVNotification{
		ProcessID:     1,
		DeviceID:      NewObjectIdentifier(ObjectTypeDevice, 260001),
		ObjectID:      oid,
		TimeRemaining: 120,
		Values: []PropertyValue{
			{ObjectID: oid, PropertyID: PropertyPresentValue, Value: BinaryActive},
			{ObjectID: oid, PropertyID: PropertyStatusFlags, Value: StatusFlags{}.BitString()},
		},
	}
	data, err := n.Encode()
	require.NoError(t, err)

	got, err := DecodeCOVNotification(data)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	_, err = DecodeCOVNotification(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrMissingRequiredParameter)
}
