package bacnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIgnoresResponseFromOtherStation(t *testing.T) {
	hub := NewLoopbackHub()
	server := openLink(t, hub, 0x05)
	other := openLink(t, hub, 0x03)

	client, err := NewClient(
		WithDatalink(hub.Attach([]byte{0x01})),
		WithLogger(testLogger()),
		WithTimeout(time.Second),
		WithRetries(0),
	)
	require.NoError(t, err)
	ctx := testContext(t)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	client.AddDevice(DeviceInfo{
		ObjectID:      NewObjectIdentifier(ObjectTypeDevice, 5),
		Address:       Address{Addr: []byte{0x05}},
		MaxAPDULength: 1476,
	})
	ai := NewObjectIdentifier(ObjectTypeAnalogInput, 1)

	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := client.ReadProperty(ctx, 5, ai, PropertyPresentValue)
		done <- result{v, err}
	}()

	npdu, _ := receiveNPDU(t, server)
	req, err := DecodeAPDU(npdu.Data)
	require.NoError(t, err)
	require.Equal(t, PDUTypeConfirmedRequest, req.Type)

	ack := func(v float32) []byte {
		data, err := ReadPropertyAck{ObjectID: ai, PropertyID: PropertyPresentValue, Value: v}.Encode()
		require.NoError(t, err)
		return NewAPDUNPDU(EncodeComplexAck(req.InvokeID, ServiceReadProperty, data), false, NPDUControlPriorityNormal).Encode()
	}

	// Same invoke ID, wrong station
	require.NoError(t, other.Send(ctx, []byte{0x01}, ack(666)))
	require.NoError(t, server.Send(ctx, []byte{0x01}, ack(21.5)))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, float32(21.5), r.value)
	case <-ctx.Done():
		t.Fatal("no response")
	}
}

func TestClientTimesOutWhenOnlyOtherStationAnswers(t *testing.T) {
	hub := NewLoopbackHub()
	server := openLink(t, hub, 0x05)
	other := openLink(t, hub, 0x03)

	client, err := NewClient(
		WithDatalink(hub.Attach([]byte{0x01})),
		WithLogger(testLogger()),
		WithTimeout(200*time.Millisecond),
		WithRetries(0),
	)
	require.NoError(t, err)
	ctx := testContext(t)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { client.Close() })

	client.AddDevice(DeviceInfo{
		ObjectID:      NewObjectIdentifier(ObjectTypeDevice, 5),
		Address:       Address{Addr: []byte{0x05}},
		MaxAPDULength: 1476,
	})

	done := make(chan error, 1)
	go func() {
		done <- client.WriteProperty(ctx, 5, NewObjectIdentifier(ObjectTypeAnalogValue, 1), PropertyPresentValue, float32(1))
	}()

	npdu, _ := receiveNPDU(t, server)
	req, err := DecodeAPDU(npdu.Data)
	require.NoError(t, err)

	ack := NewAPDUNPDU(EncodeSimpleAck(req.InvokeID, ServiceWriteProperty), false, NPDUControlPriorityNormal)
	require.NoError(t, other.Send(ctx, []byte{0x01}, ack.Encode()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-ctx.Done():
		t.Fatal("request never finished")
	}
}
