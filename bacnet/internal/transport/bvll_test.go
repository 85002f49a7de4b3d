package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBVLC(t *testing.T) {
	frame := EncodeBVLC(BVLCOriginalUnicastNPDU, []byte{0x01, 0x04, 0xAA})
	assert.Equal(t, []byte{0x81, 0x0A, 0x00, 0x07, 0x01, 0x04, 0xAA}, frame)
}

func TestDecodeBVLC(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *BVLC
		wantErr bool
	}{
		{
			name: "original broadcast",
			data: []byte{0x81, 0x0B, 0x00, 0x06, 0x01, 0x00},
			want: &BVLC{Function: BVLCOriginalBroadcastNPDU, Length: 6, NPDU: []byte{0x01, 0x00}},
		},
		{
			name: "forwarded npdu",
			data: []byte{0x81, 0x04, 0x00, 0x0C, 192, 168, 1, 10, 0xBA, 0xC0, 0x01, 0x00},
			want: &BVLC{
				Function: BVLCForwardedNPDU,
				Length:   12,
				Origin:   []byte{192, 168, 1, 10, 0xBA, 0xC0},
				NPDU:     []byte{0x01, 0x00},
			},
		},
		{
			name: "result nak",
			data: []byte{0x81, 0x00, 0x00, 0x06, 0x00, 0x30},
			want: &BVLC{Function: BVLCResult, Length: 6, Result: ResultRegisterForeignDeviceNAK},
		},
		{
			name: "register foreign device",
			data: []byte{0x81, 0x05, 0x00, 0x06, 0x00, 0x3C},
			want: &BVLC{Function: BVLCRegisterForeignDevice, Length: 6, TTL: 60},
		},
		{name: "short header", data: []byte{0x81, 0x0A}, wantErr: true},
		{name: "wrong type", data: []byte{0x82, 0x0A, 0x00, 0x04}, wantErr: true},
		{name: "length mismatch", data: []byte{0x81, 0x0A, 0x00, 0x09, 0x01, 0x00}, wantErr: true},
		{name: "truncated forwarded", data: []byte{0x81, 0x04, 0x00, 0x07, 1, 2, 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBVLC(tt.data)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidBVLC)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestForwardedNPDURoundTrip(t *testing.T) {
	origin := []byte{10, 0, 0, 5, 0xBA, 0xC0}
	b, err := DecodeBVLC(EncodeForwardedNPDU(origin, []byte{0x01, 0x20}))
	require.NoError(t, err)
	assert.Equal(t, origin, b.Origin)
	assert.Equal(t, []byte{0x01, 0x20}, b.NPDU)
}

func TestIPAddress(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 0, 7), Port: 47809}
	mac := EncodeIPAddress(addr)
	assert.Equal(t, []byte{192, 168, 0, 7, 0xBA, 0xC1}, mac)

	back, err := DecodeIPAddress(mac)
	require.NoError(t, err)
	assert.True(t, back.IP.Equal(addr.IP))
	assert.Equal(t, 47809, back.Port)

	_, err = DecodeIPAddress([]byte{1, 2, 3})
	assert.Error(t, err)
}
