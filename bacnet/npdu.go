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

package bacnet

import (
	"encoding/binary"
	"fmt"
)

const (
	npduVersion = 0x01

	// DefaultHopCount is the hop count of routed messages on origination
	DefaultHopCount = 255
)

// NPDU (Network Protocol Data Unit)
type NPDU struct {
	Version      uint8
	Control      NPDUControl
	DestNet      uint16
	DestAddr     []byte
	DestHopCount uint8
	SrcNet       uint16
	SrcAddr      []byte
	MessageType  NetworkMessageType
	VendorID     uint16
	Data         []byte
}

// NewAPDUNPDU wraps an APDU for the local network
func NewAPDUNPDU(apdu []byte, expectingReply bool, priority NPDUControl) *NPDU {
	n := &NPDU{
		Version: npduVersion,
		Control: priority & npduPriorityMask,
		Data:    apdu,
	}
	if expectingReply {
		n.Control |= NPDUControlExpectingReply
	}
	return n
}

// NewNetworkMessage builds a network layer message NPDU
func NewNetworkMessage(mt NetworkMessageType, data []byte) *NPDU {
	return &NPDU{
		Version:     npduVersion,
		Control:     NPDUControlNetworkLayerMessage,
		MessageType: mt,
		Data:        data,
	}
}

// IsNetworkMessage reports whether the NPDU carries a network layer message
func (n *NPDU) IsNetworkMessage() bool {
	return n.Control&NPDUControlNetworkLayerMessage != 0
}

// HasDestination reports whether DNET/DADR are present
func (n *NPDU) HasDestination() bool {
	return n.Control&NPDUControlDestSpecifier != 0
}

// HasSource reports whether SNET/SADR are present
func (n *NPDU) HasSource() bool {
	return n.Control&NPDUControlSourceSpecifier != 0
}

// ExpectingReply reports the data-expecting-reply bit
func (n *NPDU) ExpectingReply() bool {
	return n.Control&NPDUControlExpectingReply != 0
}

// Priority returns the network priority
func (n *NPDU) Priority() NPDUControl {
	return n.Control & npduPriorityMask
}

// SetDestination addresses the NPDU to a remote network. An empty addr
// broadcasts on that network.
func (n *NPDU) SetDestination(net uint16, addr []byte, hopCount uint8) {
	n.Control |= NPDUControlDestSpecifier
	n.DestNet = net
	n.DestAddr = addr
	n.DestHopCount = hopCount
}

// ClearDestination removes DNET/DADR and the hop count
func (n *NPDU) ClearDestination() {
	n.Control &^= NPDUControlDestSpecifier
	n.DestNet = 0
	n.DestAddr = nil
	n.DestHopCount = 0
}

// SetSource records the originating network and MAC
func (n *NPDU) SetSource(net uint16, addr []byte) {
	n.Control |= NPDUControlSourceSpecifier
	n.SrcNet = net
	n.SrcAddr = addr
}

// ClearSource removes SNET/SADR
func (n *NPDU) ClearSource() {
	n.Control &^= NPDUControlSourceSpecifier
	n.SrcNet = 0
	n.SrcAddr = nil
}

// Encode encodes the NPDU with its payload
func (n *NPDU) Encode() []byte {
	buf := make([]byte, 0, 12+len(n.DestAddr)+len(n.SrcAddr)+len(n.Data))
	buf = append(buf, npduVersion, byte(n.Control))

	if n.HasDestination() {
		buf = binary.BigEndian.AppendUint16(buf, n.DestNet)
		buf = append(buf, byte(len(n.DestAddr)))
		buf = append(buf, n.DestAddr...)
	}
	if n.HasSource() {
		buf = binary.BigEndian.AppendUint16(buf, n.SrcNet)
		buf = append(buf, byte(len(n.SrcAddr)))
		buf = append(buf, n.SrcAddr...)
	}
	if n.HasDestination() {
		buf = append(buf, n.DestHopCount)
	}
	if n.IsNetworkMessage() {
		buf = append(buf, byte(n.MessageType))
		if n.MessageType >= 0x80 {
			buf = binary.BigEndian.AppendUint16(buf, n.VendorID)
		}
	}

	return append(buf, n.Data...)
}

// DecodeNPDU decodes an NPDU. Data aliases the input.
func DecodeNPDU(data []byte) (*NPDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidNPDU
	}

	npdu := &NPDU{
		Version: data[0],
		Control: NPDUControl(data[1]),
	}

	if npdu.Version != npduVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, npdu.Version)
	}
	if npdu.Control&0x50 != 0 {
		return nil, fmt.Errorf("%w: reserved control bits set", ErrInvalidNPDU)
	}

	offset := 2

	if npdu.HasDestination() {
		if len(data) < offset+3 {
			return nil, ErrInvalidNPDU
		}
		npdu.DestNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if npdu.DestNet == 0 {
			return nil, fmt.Errorf("%w: destination network 0", ErrInvalidNPDU)
		}
		if len(data) < offset+addrLen {
			return nil, ErrInvalidNPDU
		}
		npdu.DestAddr = append([]byte(nil), data[offset:offset+addrLen]...)
		offset += addrLen
	}

	if npdu.HasSource() {
		if len(data) < offset+3 {
			return nil, ErrInvalidNPDU
		}
		npdu.SrcNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2

		addrLen := int(data[offset])
		offset++

		if npdu.SrcNet == 0 || npdu.SrcNet == GlobalNetwork || addrLen == 0 {
			return nil, fmt.Errorf("%w: invalid source network %d/%d", ErrInvalidNPDU, npdu.SrcNet, addrLen)
		}
		if len(data) < offset+addrLen {
			return nil, ErrInvalidNPDU
		}
		npdu.SrcAddr = append([]byte(nil), data[offset:offset+addrLen]...)
		offset += addrLen
	}

	if npdu.HasDestination() {
		if len(data) < offset+1 {
			return nil, ErrInvalidNPDU
		}
		npdu.DestHopCount = data[offset]
		offset++
	}

	if npdu.IsNetworkMessage() {
		if len(data) < offset+1 {
			return nil, ErrInvalidNPDU
		}
		npdu.MessageType = NetworkMessageType(data[offset])
		offset++

		// Vendor proprietary messages carry a vendor ID
		if npdu.MessageType >= 0x80 {
			if len(data) < offset+2 {
				return nil, ErrInvalidNPDU
			}
			npdu.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}

	npdu.Data = data[offset:]
	return npdu, nil
}

// NetworkRejectReason is the reason of a Reject-Message-To-Network
type NetworkRejectReason uint8

const (
	NetworkRejectOther              NetworkRejectReason = 0
	NetworkRejectUnknownNetwork     NetworkRejectReason = 1
	NetworkRejectRouterBusy         NetworkRejectReason = 2
	NetworkRejectUnknownMessageType NetworkRejectReason = 3
	NetworkRejectMessageTooLong     NetworkRejectReason = 4
	NetworkRejectSecurityError      NetworkRejectReason = 5
	NetworkRejectAddressingError    NetworkRejectReason = 6
)

var networkRejectNames = [...]string{
	"other",
	"not-directly-connected",
	"router-busy",
	"unknown-network-message",
	"message-too-long",
	"security-error",
	"addressing-error",
}

func (r NetworkRejectReason) String() string {
	if int(r) < len(networkRejectNames) {
		return networkRejectNames[r]
	}
	return fmt.Sprintf("reject-reason(%d)", uint8(r))
}

// EncodeNetworkList encodes the network numbers of Who-Is-Router and
// I-Am-Router messages
func EncodeNetworkList(nets []uint16) []byte {
	buf := make([]byte, 0, 2*len(nets))
	for _, n := range nets {
		buf = binary.BigEndian.AppendUint16(buf, n)
	}
	return buf
}

// DecodeNetworkList decodes a list of network numbers
func DecodeNetworkList(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd network list length %d", ErrInvalidNPDU, len(data))
	}
	nets := make([]uint16, 0, len(data)/2)
	for i := 0; i < len(data); i += 2 {
		nets = append(nets, binary.BigEndian.Uint16(data[i:]))
	}
	return nets, nil
}

// EncodeRejectMessageToNetwork encodes a Reject-Message-To-Network payload
func EncodeRejectMessageToNetwork(reason NetworkRejectReason, net uint16) []byte {
	return []byte{byte(reason), byte(net >> 8), byte(net)}
}

// DecodeRejectMessageToNetwork decodes a Reject-Message-To-Network payload
func DecodeRejectMessageToNetwork(data []byte) (NetworkRejectReason, uint16, error) {
	if len(data) < 3 {
		return 0, 0, fmt.Errorf("%w: short reject message", ErrInvalidNPDU)
	}
	return NetworkRejectReason(data[0]), binary.BigEndian.Uint16(data[1:]), nil
}

// EncodeNetworkNumberIs encodes a Network-Number-Is payload
func EncodeNetworkNumberIs(net uint16, configured bool) []byte {
	flag := byte(0)
	if configured {
		flag = 1
	}
	return []byte{byte(net >> 8), byte(net), flag}
}

// DecodeNetworkNumberIs decodes a Network-Number-Is payload
func DecodeNetworkNumberIs(data []byte) (uint16, bool, error) {
	if len(data) < 3 {
		return 0, false, fmt.Errorf("%w: short network number", ErrInvalidNPDU)
	}
	return binary.BigEndian.Uint16(data), data[2] == 1, nil
}
