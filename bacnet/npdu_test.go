package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPDUEncode(t *testing.T) {
	apdu := []byte{0x10, 0x08}

	t.Run("local", func(t *testing.T) {
		n := NewAPDUNPDU(apdu, false, NPDUControlPriorityNormal)
		assert.Equal(t, []byte{0x01, 0x00, 0x10, 0x08}, n.Encode())
	})

	t.Run("remote destination", func(t *testing.T) {
		n := NewAPDUNPDU(apdu, true, NPDUControlPriorityUrgent)
		n.SetDestination(5, []byte{0x0A}, DefaultHopCount)
		assert.Equal(t, []byte{0x01, 0x25, 0x00, 0x05, 0x01, 0x0A, 0xFF, 0x10, 0x08}, n.Encode())
	})

	t.Run("source and destination", func(t *testing.T) {
		n := NewAPDUNPDU(apdu, false, NPDUControlPriorityNormal)
		n.SetDestination(GlobalNetwork, nil, 16)
		n.SetSource(7, []byte{0x01, 0x02})
		assert.Equal(t, []byte{
			0x01, 0x28,
			0xFF, 0xFF, 0x00,
			0x00, 0x07, 0x02, 0x01, 0x02,
			0x10,
			0x10, 0x08,
		}, n.Encode())
	})

	t.Run("network message", func(t *testing.T) {
		n := NewNetworkMessage(NetworkMessageIAmRouterToNetwork, EncodeNetworkList([]uint16{1, 2}))
		assert.Equal(t, []byte{0x01, 0x80, 0x01, 0x00, 0x01, 0x00, 0x02}, n.Encode())
	})
}

func TestNPDURoundTrip(t *testing.T) {
	n := NewAPDUNPDU([]byte{0x30, 0x01, 0x0C}, true, NPDUControlPriorityCritical)
	n.SetDestination(100, []byte{192, 168, 1, 10, 0xBA, 0xC0}, 12)
	n.SetSource(200, []byte{0x7F})

	got, err := DecodeNPDU(n.Encode())
	require.NoError(t, err)

	assert.True(t, got.HasDestination())
	assert.True(t, got.HasSource())
	assert.True(t, got.ExpectingReply())
	assert.False(t, got.IsNetworkMessage())
	assert.Equal(t, NPDUControlPriorityCritical, got.Priority())
	assert.Equal(t, uint16(100), got.DestNet)
	assert.Equal(t, []byte{192, 168, 1, 10, 0xBA, 0xC0}, got.DestAddr)
	assert.Equal(t, uint8(12), got.DestHopCount)
	assert.Equal(t, uint16(200), got.SrcNet)
	assert.Equal(t, []byte{0x7F}, got.SrcAddr)
	assert.Equal(t, []byte{0x30, 0x01, 0x0C}, got.Data)

	got.ClearDestination()
	got.ClearSource()
	assert.Equal(t, []byte{0x01, 0x06, 0x30, 0x01, 0x0C}, got.Encode())
}

func TestDecodeNPDUVendorMessage(t *testing.T) {
	n := NewNetworkMessage(0x80, []byte{0xAA})
	n.VendorID = 260

	got, err := DecodeNPDU(n.Encode())
	require.NoError(t, err)
	assert.Equal(t, NetworkMessageType(0x80), got.MessageType)
	assert.Equal(t, uint16(260), got.VendorID)
	assert.Equal(t, []byte{0xAA}, got.Data)
}

func TestDecodeNPDUErrors(t *testing.T) {
	tests := map[string][]byte{
		"short":                 {0x01},
		"version":               {0x02, 0x00},
		"reserved bits":         {0x01, 0x40},
		"truncated destination": {0x01, 0x20, 0x00},
		"destination network 0": {0x01, 0x20, 0x00, 0x00, 0x00, 0xFF},
		"missing hop count":     {0x01, 0x20, 0x00, 0x05, 0x00},
		"global source":         {0x01, 0x08, 0xFF, 0xFF, 0x01, 0x01},
		"source without mac":    {0x01, 0x08, 0x00, 0x05, 0x00},
		"missing message type":  {0x01, 0x80},
		"missing vendor":        {0x01, 0x80, 0x80, 0x01},
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeNPDU(data)
			assert.ErrorIs(t, err, ErrInvalidNPDU)
		})
	}
}

func TestNetworkMessagePayloads(t *testing.T) {
	nets, err := DecodeNetworkList(EncodeNetworkList([]uint16{1, 300, 65534}))
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 300, 65534}, nets)

	_, err = DecodeNetworkList([]byte{0x00})
	assert.ErrorIs(t, err, ErrInvalidNPDU)

	reason, net, err := DecodeRejectMessageToNetwork(EncodeRejectMessageToNetwork(NetworkRejectUnknownNetwork, 42))
	require.NoError(t, err)
	assert.Equal(t, NetworkRejectUnknownNetwork, reason)
	assert.Equal(t, uint16(42), net)
	assert.Equal(t, "not-directly-connected", reason.String())

	num, configured, err := DecodeNetworkNumberIs(EncodeNetworkNumberIs(9, true))
	require.NoError(t, err)
	assert.Equal(t, uint16(9), num)
	assert.True(t, configured)

	_, _, err = DecodeNetworkNumberIs([]byte{0x00})
	assert.ErrorIs(t, err, ErrInvalidNPDU)
}
