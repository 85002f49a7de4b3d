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
	"fmt"
)

// APDU (Application Protocol Data Unit)
type APDU struct {
	Type                      PDUType
	Segmented                 bool
	MoreFollows               bool
	SegmentedResponseAccepted bool

	// Server is set on aborts and segment acks sent by the server side
	Server bool
	// Negative is set on negative segment acks
	Negative bool

	MaxSegments uint8
	MaxAPDU     uint8
	InvokeID    uint8
	SequenceNum uint8
	WindowSize  uint8

	// Service holds the service choice, or the reason of a reject or abort
	Service uint8
	Data    []byte
}

var maxAPDULengths = [...]int{50, 128, 206, 480, 1024, 1476}

// EncodeMaxAPDU returns the code of the largest APDU size not above length
func EncodeMaxAPDU(length int) uint8 {
	code := uint8(0)
	for i, l := range maxAPDULengths {
		if l <= length {
			code = uint8(i)
		}
	}
	return code
}

// DecodeMaxAPDU returns the APDU size of a max-APDU code. Reserved codes
// map to the minimum size.
func DecodeMaxAPDU(code uint8) int {
	if int(code) < len(maxAPDULengths) {
		return maxAPDULengths[code]
	}
	return maxAPDULengths[0]
}

// EncodeConfirmedRequest encodes a confirmed service request APDU
func EncodeConfirmedRequest(invokeID uint8, service ConfirmedServiceChoice, data []byte, maxSegments, maxAPDU uint8) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, byte(PDUTypeConfirmedRequest))
	buf = append(buf, (maxSegments&0x07)<<4|maxAPDU&0x0F)
	buf = append(buf, invokeID, byte(service))
	return append(buf, data...)
}

// EncodeUnconfirmedRequest encodes an unconfirmed service request APDU
func EncodeUnconfirmedRequest(service UnconfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(PDUTypeUnconfirmedRequest), byte(service))
	return append(buf, data...)
}

// EncodeSimpleAck encodes a Simple-ACK
func EncodeSimpleAck(invokeID uint8, service ConfirmedServiceChoice) []byte {
	return []byte{byte(PDUTypeSimpleAck), invokeID, byte(service)}
}

// EncodeComplexAck encodes an unsegmented Complex-ACK
func EncodeComplexAck(invokeID uint8, service ConfirmedServiceChoice, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeComplexAck), invokeID, byte(service))
	return append(buf, data...)
}

// EncodeSegmentAck encodes a Segment-ACK
func EncodeSegmentAck(invokeID, sequence, window uint8, negative, server bool) []byte {
	b := byte(PDUTypeSegmentAck)
	if negative {
		b |= 0x02
	}
	if server {
		b |= 0x01
	}
	return []byte{b, invokeID, sequence, window}
}

// EncodeErrorPDU encodes an Error PDU with the class and code payload
func EncodeErrorPDU(invokeID uint8, service ConfirmedServiceChoice, class ErrorClass, code ErrorCode) []byte {
	buf := []byte{byte(PDUTypeError), invokeID, byte(service)}
	return append(buf, EncodeErrorPayload(class, code)...)
}

// EncodeErrorPayload encodes the error class and code
func EncodeErrorPayload(class ErrorClass, code ErrorCode) []byte {
	return append(EncodeEnumeratedTag(uint32(class)), EncodeEnumeratedTag(uint32(code))...)
}

// DecodeErrorPayload decodes the error class and code of an Error PDU
func DecodeErrorPayload(data []byte) (*BACnetError, error) {
	d := newDecoder(data)

	// Some services enclose the error in context tag 0
	enclosed := d.peekOpening(0)
	if enclosed {
		d.next()
	}

	class, err := d.applicationValue()
	if err != nil {
		return nil, err
	}
	code, err := d.applicationValue()
	if err != nil {
		return nil, err
	}
	c, ok1 := class.(Enumerated)
	e, ok2 := code.(Enumerated)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: error class and code must be enumerated", ErrInvalidTag)
	}

	if enclosed {
		if err := d.closing(0); err != nil {
			return nil, err
		}
	}
	return NewBACnetError(ErrorClass(c), ErrorCode(e)), nil
}

// EncodeReject encodes a Reject PDU
func EncodeReject(invokeID uint8, reason RejectReason) []byte {
	return []byte{byte(PDUTypeReject), invokeID, byte(reason)}
}

// EncodeAbort encodes an Abort PDU
func EncodeAbort(invokeID uint8, reason AbortReason, server bool) []byte {
	b := byte(PDUTypeAbort)
	if server {
		b |= 0x01
	}
	return []byte{b, invokeID, byte(reason)}
}

// DecodeAPDU decodes an APDU
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAPDU
	}

	switch pduType := PDUType(data[0] & 0xF0); pduType {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)
	case PDUTypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(data)
	case PDUTypeSimpleAck:
		return decodeShortAPDU(data, pduType)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeSegmentAck:
		return decodeSegmentAck(data)
	case PDUTypeError:
		apdu, err := decodeShortAPDU(data, pduType)
		if err != nil {
			return nil, err
		}
		apdu.Data = data[3:]
		return apdu, nil
	case PDUTypeReject:
		return decodeShortAPDU(data, pduType)
	case PDUTypeAbort:
		apdu, err := decodeShortAPDU(data, pduType)
		if err != nil {
			return nil, err
		}
		apdu.Server = data[0]&0x01 != 0
		return apdu, nil
	default:
		return nil, fmt.Errorf("%w: unknown PDU type %02x", ErrInvalidAPDU, uint8(pduType))
	}
}

func decodeConfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:                      PDUTypeConfirmedRequest,
		Segmented:                 data[0]&0x08 != 0,
		MoreFollows:               data[0]&0x04 != 0,
		SegmentedResponseAccepted: data[0]&0x02 != 0,
		MaxSegments:               (data[1] >> 4) & 0x07,
		MaxAPDU:                   data[1] & 0x0F,
		InvokeID:                  data[2],
		Service:                   data[3],
		Data:                      data[4:],
	}

	if apdu.Segmented {
		if len(data) < 6 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[3]
		apdu.WindowSize = data[4]
		apdu.Service = data[5]
		apdu.Data = data[6:]
	}

	return apdu, nil
}

func decodeUnconfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: data[1],
		Data:    data[2:],
	}, nil
}

// decodeShortAPDU decodes the type, invoke ID, service/reason triple
func decodeShortAPDU(data []byte, pduType PDUType) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:     pduType,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeComplexAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}

	apdu := &APDU{
		Type:        PDUTypeComplexAck,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		InvokeID:    data[1],
		Service:     data[2],
		Data:        data[3:],
	}

	if apdu.Segmented {
		if len(data) < 5 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[2]
		apdu.WindowSize = data[3]
		apdu.Service = data[4]
		apdu.Data = data[5:]
	}

	return apdu, nil
}

func decodeSegmentAck(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}

	return &APDU{
		Type:        PDUTypeSegmentAck,
		Negative:    data[0]&0x02 != 0,
		Server:      data[0]&0x01 != 0,
		InvokeID:    data[1],
		SequenceNum: data[2],
		WindowSize:  data[3],
	}, nil
}
