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

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrInvalidBVLC is returned for malformed BVLL frames
var ErrInvalidBVLC = errors.New("transport: invalid BVLC header")

// BVLCTypeBACnetIP identifies BACnet/IP (Annex J) frames
const BVLCTypeBACnetIP = 0x81

// bvlcHeaderLen is the fixed BVLL header size
const bvlcHeaderLen = 4

// BVLCFunction is the BVLL function code
type BVLCFunction uint8

const (
	BVLCResult                            BVLCFunction = 0x00
	BVLCWriteBroadcastDistributionTable   BVLCFunction = 0x01
	BVLCReadBroadcastDistributionTable    BVLCFunction = 0x02
	BVLCReadBroadcastDistributionTableAck BVLCFunction = 0x03
	BVLCForwardedNPDU                     BVLCFunction = 0x04
	BVLCRegisterForeignDevice             BVLCFunction = 0x05
	BVLCReadForeignDeviceTable            BVLCFunction = 0x06
	BVLCReadForeignDeviceTableAck         BVLCFunction = 0x07
	BVLCDeleteForeignDeviceTableEntry     BVLCFunction = 0x08
	BVLCDistributeBroadcastToNetwork      BVLCFunction = 0x09
	BVLCOriginalUnicastNPDU               BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU             BVLCFunction = 0x0B
	BVLCSecureBVLL                        BVLCFunction = 0x0C
)

func (f BVLCFunction) String() string {
	switch f {
	case BVLCResult:
		return "BVLC-Result"
	case BVLCForwardedNPDU:
		return "Forwarded-NPDU"
	case BVLCRegisterForeignDevice:
		return "Register-Foreign-Device"
	case BVLCDistributeBroadcastToNetwork:
		return "Distribute-Broadcast-To-Network"
	case BVLCOriginalUnicastNPDU:
		return "Original-Unicast-NPDU"
	case BVLCOriginalBroadcastNPDU:
		return "Original-Broadcast-NPDU"
	default:
		return fmt.Sprintf("bvlc-function(%d)", uint8(f))
	}
}

// BVLCResultCode is the payload of a BVLC-Result frame
type BVLCResultCode uint16

const (
	ResultSuccessfulCompletion            BVLCResultCode = 0x0000
	ResultWriteBDTNAK                     BVLCResultCode = 0x0010
	ResultReadBDTNAK                      BVLCResultCode = 0x0020
	ResultRegisterForeignDeviceNAK        BVLCResultCode = 0x0030
	ResultReadFDTNAK                      BVLCResultCode = 0x0040
	ResultDeleteFDTEntryNAK               BVLCResultCode = 0x0050
	ResultDistributeBroadcastToNetworkNAK BVLCResultCode = 0x0060
)

func (c BVLCResultCode) String() string {
	switch c {
	case ResultSuccessfulCompletion:
		return "successful-completion"
	case ResultRegisterForeignDeviceNAK:
		return "register-foreign-device-nak"
	case ResultDistributeBroadcastToNetworkNAK:
		return "distribute-broadcast-to-network-nak"
	default:
		return fmt.Sprintf("bvlc-result(0x%04x)", uint16(c))
	}
}

// BVLC is a decoded BVLL frame
type BVLC struct {
	Function BVLCFunction
	Length   uint16

	// Origin is set for Forwarded-NPDU frames (6 byte B/IP address)
	Origin []byte

	// Result is set for BVLC-Result frames
	Result BVLCResultCode

	// TTL is set for Register-Foreign-Device frames (seconds)
	TTL uint16

	// NPDU carries the network layer payload, if any
	NPDU []byte
}

// EncodeBVLC frames an NPDU with a BVLL header
func EncodeBVLC(function BVLCFunction, npdu []byte) []byte {
	buf := make([]byte, bvlcHeaderLen, bvlcHeaderLen+len(npdu))
	buf[0] = BVLCTypeBACnetIP
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(bvlcHeaderLen+len(npdu)))
	return append(buf, npdu...)
}

// EncodeForwardedNPDU frames an NPDU forwarded on behalf of origin
func EncodeForwardedNPDU(origin []byte, npdu []byte) []byte {
	payload := make([]byte, 0, 6+len(npdu))
	payload = append(payload, origin...)
	payload = append(payload, npdu...)
	return EncodeBVLC(BVLCForwardedNPDU, payload)
}

// EncodeRegisterForeignDevice builds a Register-Foreign-Device request
func EncodeRegisterForeignDevice(ttl uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, ttl)
	return EncodeBVLC(BVLCRegisterForeignDevice, payload)
}

// EncodeBVLCResult builds a BVLC-Result frame
func EncodeBVLCResult(code BVLCResultCode) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(code))
	return EncodeBVLC(BVLCResult, payload)
}

// DecodeBVLC decodes a BVLL frame.
// The length field must match the datagram size.
func DecodeBVLC(data []byte) (*BVLC, error) {
	if len(data) < bvlcHeaderLen {
		return nil, ErrInvalidBVLC
	}
	if data[0] != BVLCTypeBACnetIP {
		return nil, fmt.Errorf("%w: type 0x%02x", ErrInvalidBVLC, data[0])
	}

	b := &BVLC{
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}
	if int(b.Length) != len(data) {
		return nil, fmt.Errorf("%w: length %d, datagram %d", ErrInvalidBVLC, b.Length, len(data))
	}

	payload := data[bvlcHeaderLen:]
	switch b.Function {
	case BVLCResult:
		if len(payload) < 2 {
			return nil, ErrInvalidBVLC
		}
		b.Result = BVLCResultCode(binary.BigEndian.Uint16(payload))
	case BVLCRegisterForeignDevice:
		if len(payload) < 2 {
			return nil, ErrInvalidBVLC
		}
		b.TTL = binary.BigEndian.Uint16(payload)
	case BVLCForwardedNPDU:
		if len(payload) < 6 {
			return nil, ErrInvalidBVLC
		}
		b.Origin = append([]byte(nil), payload[:6]...)
		b.NPDU = payload[6:]
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU, BVLCDistributeBroadcastToNetwork:
		b.NPDU = payload
	}

	return b, nil
}

// EncodeIPAddress encodes a UDP address as a 6 byte B/IP MAC
func EncodeIPAddress(addr *net.UDPAddr) []byte {
	mac := make([]byte, 6)
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(mac, ip4)
	}
	binary.BigEndian.PutUint16(mac[4:], uint16(addr.Port))
	return mac
}

// DecodeIPAddress decodes a 6 byte B/IP MAC into a UDP address
func DecodeIPAddress(mac []byte) (*net.UDPAddr, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("transport: B/IP address must be 6 bytes, got %d", len(mac))
	}
	return &net.UDPAddr{
		IP:   net.IPv4(mac[0], mac[1], mac[2], mac[3]),
		Port: int(binary.BigEndian.Uint16(mac[4:])),
	}, nil
}
