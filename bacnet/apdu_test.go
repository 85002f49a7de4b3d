package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxAPDUCodes(t *testing.T) {
	tests := []struct {
		length int
		code   uint8
	}{
		{10, 0},
		{50, 0},
		{127, 0},
		{128, 1},
		{480, 3},
		{1024, 4},
		{1476, 5},
		{9000, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, EncodeMaxAPDU(tt.length), "length %d", tt.length)
	}

	assert.Equal(t, 1476, DecodeMaxAPDU(5))
	assert.Equal(t, 206, DecodeMaxAPDU(2))
	assert.Equal(t, 50, DecodeMaxAPDU(15), "reserved code")
}

func TestConfirmedRequestRoundTrip(t *testing.T) {
	data := EncodeConfirmedRequest(7, ServiceReadProperty, []byte{0x0C, 0x00}, 0, EncodeMaxAPDU(1476))
	assert.Equal(t, []byte{0x00, 0x05, 0x07, 0x0C, 0x0C, 0x00}, data)

	apdu, err := DecodeAPDU(data)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeConfirmedRequest, apdu.Type)
	assert.False(t, apdu.Segmented)
	assert.Equal(t, uint8(7), apdu.InvokeID)
	assert.Equal(t, uint8(ServiceReadProperty), apdu.Service)
	assert.Equal(t, uint8(5), apdu.MaxAPDU)
	assert.Equal(t, []byte{0x0C, 0x00}, apdu.Data)
}

func TestDecodeSegmentedConfirmedRequest(t *testing.T) {
	apdu, err := DecodeAPDU([]byte{0x0E, 0x05, 0x01, 0x00, 0x04, byte(ServiceWriteProperty), 0xAA})
	require.NoError(t, err)
	assert.True(t, apdu.Segmented)
	assert.True(t, apdu.MoreFollows)
	assert.True(t, apdu.SegmentedResponseAccepted)
	assert.Equal(t, uint8(0), apdu.SequenceNum)
	assert.Equal(t, uint8(4), apdu.WindowSize)
	assert.Equal(t, uint8(ServiceWriteProperty), apdu.Service)
	assert.Equal(t, []byte{0xAA}, apdu.Data)
}

func TestDecodeAPDUKinds(t *testing.T) {
	t.Run("unconfirmed", func(t *testing.T) {
		apdu, err := DecodeAPDU(EncodeUnconfirmedRequest(ServiceWhoIs, nil))
		require.NoError(t, err)
		assert.Equal(t, PDUTypeUnconfirmedRequest, apdu.Type)
		assert.Equal(t, uint8(ServiceWhoIs), apdu.Service)
		assert.Empty(t, apdu.Data)
	})

	t.Run("simple ack", func(t *testing.T) {
		apdu, err := DecodeAPDU(EncodeSimpleAck(3, ServiceWriteProperty))
		require.NoError(t, err)
		assert.Equal(t, PDUTypeSimpleAck, apdu.Type)
		assert.Equal(t, uint8(3), apdu.InvokeID)
	})

	t.Run("complex ack", func(t *testing.T) {
		apdu, err := DecodeAPDU(EncodeComplexAck(4, ServiceReadProperty, []byte{0x01}))
		require.NoError(t, err)
		assert.Equal(t, PDUTypeComplexAck, apdu.Type)
		assert.Equal(t, []byte{0x01}, apdu.Data)
	})

	t.Run("segmented complex ack", func(t *testing.T) {
		apdu, err := DecodeAPDU([]byte{0x3C, 0x09, 0x00, 0x02, byte(ServiceReadProperty), 0x01})
		require.NoError(t, err)
		assert.True(t, apdu.Segmented)
		assert.Equal(t, uint8(9), apdu.InvokeID)
		assert.Equal(t, uint8(ServiceReadProperty), apdu.Service)
	})

	t.Run("segment ack", func(t *testing.T) {
		apdu, err := DecodeAPDU(EncodeSegmentAck(1, 2, 3, true, true))
		require.NoError(t, err)
		assert.Equal(t, PDUTypeSegmentAck, apdu.Type)
		assert.True(t, apdu.Negative)
		assert.True(t, apdu.Server)
		assert.Equal(t, uint8(2), apdu.SequenceNum)
		assert.Equal(t, uint8(3), apdu.WindowSize)
	})

	t.Run("error", func(t *testing.T) {
		apdu, err := DecodeAPDU(EncodeErrorPDU(5, ServiceReadProperty, ErrorClassObject, ErrorCodeUnknownObject))
		require.NoError(t, err)
		assert.Equal(t, PDUTypeError, apdu.Type)

		bacErr, err := DecodeErrorPayload(apdu.Data)
		require.NoError(t, err)
		assert.ErrorIs(t, bacErr, objectError(ErrorCodeUnknownObject))
	})

	t.Run("reject", func(t *testing.T) {
		apdu, err := DecodeAPDU(EncodeReject(6, RejectReasonUnrecognizedService))
		require.NoError(t, err)
		assert.Equal(t, PDUTypeReject, apdu.Type)
		assert.Equal(t, uint8(RejectReasonUnrecognizedService), apdu.Service)
	})

	t.Run("abort", func(t *testing.T) {
		apdu, err := DecodeAPDU(EncodeAbort(8, AbortReasonSegmentationNotSupported, true))
		require.NoError(t, err)
		assert.Equal(t, PDUTypeAbort, apdu.Type)
		assert.True(t, apdu.Server)
		assert.Equal(t, uint8(AbortReasonSegmentationNotSupported), apdu.Service)
	})
}

func TestDecodeAPDUErrors(t *testing.T) {
	tests := map[string][]byte{
		"empty":               nil,
		"short confirmed":     {0x00, 0x05, 0x01},
		"short segmented":     {0x08, 0x05, 0x01, 0x00},
		"short unconfirmed":   {0x10},
		"short simple ack":    {0x20, 0x01},
		"short segmented ack": {0x38, 0x01, 0x00, 0x01},
		"short segment ack":   {0x40, 0x01, 0x00},
		"short abort":         {0x70, 0x01},
		"reserved type":       {0x80, 0x00, 0x00},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAPDU(data)
			assert.ErrorIs(t, err, ErrInvalidAPDU)
		})
	}
}

func TestDecodeErrorPayloadEnclosed(t *testing.T) {
	var data []byte
	data = append(data, EncodeOpeningTag(0)...)
	data = append(data, EncodeErrorPayload(ErrorClassServices, ErrorCodeUnknownSubscription)...)
	data = append(data, EncodeClosingTag(0)...)

	bacErr, err := DecodeErrorPayload(data)
	require.NoError(t, err)
	assert.Equal(t, ErrorClassServices, bacErr.Class)
	assert.Equal(t, ErrorCodeUnknownSubscription, bacErr.Code)

	_, err = DecodeErrorPayload(EncodeUnsignedTag(1))
	assert.Error(t, err)
}
