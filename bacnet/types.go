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

// Package bacnet implements a BACnet/IP protocol stack: network layer,
// application layer service codec and dispatcher, an object store, and a
// client and device server built on top of them.
package bacnet

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/edgeo/bacnet-stack/bacnet/internal/transport"
)

// DefaultPort is the standard BACnet/IP UDP port
const DefaultPort = transport.DefaultBIPPort

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = transport.BIPMaxAPDU

// MaxInstance is the largest object instance number (22 bits)
const MaxInstance = 0x3FFFFF

// NPDUControl is the NPCI control octet
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityNormal      NPDUControl = 0x00
	NPDUControlPriorityUrgent      NPDUControl = 0x01
	NPDUControlPriorityCritical    NPDUControl = 0x02
	NPDUControlPriorityLifeSafety  NPDUControl = 0x03

	npduPriorityMask NPDUControl = 0x03
)

// NetworkMessageType identifies a network layer message
type NetworkMessageType uint8

const (
	NetworkMessageWhoIsRouterToNetwork      NetworkMessageType = 0x00
	NetworkMessageIAmRouterToNetwork        NetworkMessageType = 0x01
	NetworkMessageICouldBeRouterToNetwork   NetworkMessageType = 0x02
	NetworkMessageRejectMessageToNetwork    NetworkMessageType = 0x03
	NetworkMessageRouterBusyToNetwork       NetworkMessageType = 0x04
	NetworkMessageRouterAvailableToNetwork  NetworkMessageType = 0x05
	NetworkMessageInitializeRoutingTable    NetworkMessageType = 0x06
	NetworkMessageInitializeRoutingTableAck NetworkMessageType = 0x07
	NetworkMessageWhatIsNetworkNumber       NetworkMessageType = 0x12
	NetworkMessageNetworkNumberIs           NetworkMessageType = 0x13
)

var networkMessageNames = map[NetworkMessageType]string{
	NetworkMessageWhoIsRouterToNetwork:     "Who-Is-Router-To-Network",
	NetworkMessageIAmRouterToNetwork:       "I-Am-Router-To-Network",
	NetworkMessageICouldBeRouterToNetwork:  "I-Could-Be-Router-To-Network",
	NetworkMessageRejectMessageToNetwork:   "Reject-Message-To-Network",
	NetworkMessageRouterBusyToNetwork:      "Router-Busy-To-Network",
	NetworkMessageRouterAvailableToNetwork: "Router-Available-To-Network",
	NetworkMessageWhatIsNetworkNumber:      "What-Is-Network-Number",
	NetworkMessageNetworkNumberIs:          "Network-Number-Is",
}

func (m NetworkMessageType) String() string {
	if name, ok := networkMessageNames[m]; ok {
		return name
	}
	return fmt.Sprintf("network-message(0x%02x)", uint8(m))
}

// PDUType is the APDU type carried in the upper nibble of the first octet
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

func (p PDUType) String() string {
	switch p {
	case PDUTypeConfirmedRequest:
		return "confirmed-request"
	case PDUTypeUnconfirmedRequest:
		return "unconfirmed-request"
	case PDUTypeSimpleAck:
		return "simple-ack"
	case PDUTypeComplexAck:
		return "complex-ack"
	case PDUTypeSegmentAck:
		return "segment-ack"
	case PDUTypeError:
		return "error"
	case PDUTypeReject:
		return "reject"
	case PDUTypeAbort:
		return "abort"
	default:
		return fmt.Sprintf("pdu-type(0x%02x)", uint8(p))
	}
}

// ConfirmedServiceChoice identifies a confirmed service
type ConfirmedServiceChoice uint8

const (
	ServiceAcknowledgeAlarm           ConfirmedServiceChoice = 0
	ServiceConfirmedCOVNotification   ConfirmedServiceChoice = 1
	ServiceConfirmedEventNotification ConfirmedServiceChoice = 2
	ServiceGetAlarmSummary            ConfirmedServiceChoice = 3
	ServiceGetEnrollmentSummary       ConfirmedServiceChoice = 4
	ServiceSubscribeCOV               ConfirmedServiceChoice = 5
	ServiceAtomicReadFile             ConfirmedServiceChoice = 6
	ServiceAtomicWriteFile            ConfirmedServiceChoice = 7
	ServiceAddListElement             ConfirmedServiceChoice = 8
	ServiceRemoveListElement          ConfirmedServiceChoice = 9
	ServiceCreateObject               ConfirmedServiceChoice = 10
	ServiceDeleteObject               ConfirmedServiceChoice = 11
	ServiceReadProperty               ConfirmedServiceChoice = 12
	ServiceReadPropertyConditional    ConfirmedServiceChoice = 13
	ServiceReadPropertyMultiple       ConfirmedServiceChoice = 14
	ServiceWriteProperty              ConfirmedServiceChoice = 15
	ServiceWritePropertyMultiple      ConfirmedServiceChoice = 16
	ServiceDeviceCommunicationControl ConfirmedServiceChoice = 17
	ServiceConfirmedPrivateTransfer   ConfirmedServiceChoice = 18
	ServiceConfirmedTextMessage       ConfirmedServiceChoice = 19
	ServiceReinitializeDevice         ConfirmedServiceChoice = 20
	ServiceReadRange                  ConfirmedServiceChoice = 26
	ServiceSubscribeCOVProperty       ConfirmedServiceChoice = 28
	ServiceGetEventInformation        ConfirmedServiceChoice = 29
)

var confirmedServiceNames = map[ConfirmedServiceChoice]string{
	ServiceAcknowledgeAlarm:           "AcknowledgeAlarm",
	ServiceConfirmedCOVNotification:   "ConfirmedCOVNotification",
	ServiceConfirmedEventNotification: "ConfirmedEventNotification",
	ServiceGetAlarmSummary:            "GetAlarmSummary",
	ServiceGetEnrollmentSummary:       "GetEnrollmentSummary",
	ServiceSubscribeCOV:               "SubscribeCOV",
	ServiceAtomicReadFile:             "AtomicReadFile",
	ServiceAtomicWriteFile:            "AtomicWriteFile",
	ServiceAddListElement:             "AddListElement",
	ServiceRemoveListElement:          "RemoveListElement",
	ServiceCreateObject:               "CreateObject",
	ServiceDeleteObject:               "DeleteObject",
	ServiceReadProperty:               "ReadProperty",
	ServiceReadPropertyConditional:    "ReadPropertyConditional",
	ServiceReadPropertyMultiple:       "ReadPropertyMultiple",
	ServiceWriteProperty:              "WriteProperty",
	ServiceWritePropertyMultiple:      "WritePropertyMultiple",
	ServiceDeviceCommunicationControl: "DeviceCommunicationControl",
	ServiceConfirmedPrivateTransfer:   "ConfirmedPrivateTransfer",
	ServiceConfirmedTextMessage:       "ConfirmedTextMessage",
	ServiceReinitializeDevice:         "ReinitializeDevice",
	ServiceReadRange:                  "ReadRange",
	ServiceSubscribeCOVProperty:       "SubscribeCOVProperty",
	ServiceGetEventInformation:        "GetEventInformation",
}

func (s ConfirmedServiceChoice) String() string {
	if name, ok := confirmedServiceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// UnconfirmedServiceChoice identifies an unconfirmed service
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm                          UnconfirmedServiceChoice = 0
	ServiceIHave                        UnconfirmedServiceChoice = 1
	ServiceUnconfirmedCOVNotification   UnconfirmedServiceChoice = 2
	ServiceUnconfirmedEventNotification UnconfirmedServiceChoice = 3
	ServiceUnconfirmedPrivateTransfer   UnconfirmedServiceChoice = 4
	ServiceUnconfirmedTextMessage       UnconfirmedServiceChoice = 5
	ServiceTimeSynchronization          UnconfirmedServiceChoice = 6
	ServiceWhoHas                       UnconfirmedServiceChoice = 7
	ServiceWhoIs                        UnconfirmedServiceChoice = 8
	ServiceUTCTimeSynchronization       UnconfirmedServiceChoice = 9
)

var unconfirmedServiceNames = map[UnconfirmedServiceChoice]string{
	ServiceIAm:                          "I-Am",
	ServiceIHave:                        "I-Have",
	ServiceUnconfirmedCOVNotification:   "UnconfirmedCOVNotification",
	ServiceUnconfirmedEventNotification: "UnconfirmedEventNotification",
	ServiceUnconfirmedPrivateTransfer:   "UnconfirmedPrivateTransfer",
	ServiceUnconfirmedTextMessage:       "UnconfirmedTextMessage",
	ServiceTimeSynchronization:          "TimeSynchronization",
	ServiceWhoHas:                       "Who-Has",
	ServiceWhoIs:                        "Who-Is",
	ServiceUTCTimeSynchronization:       "UTCTimeSynchronization",
}

func (s UnconfirmedServiceChoice) String() string {
	if name, ok := unconfirmedServiceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// ServicesSupportedBit returns the protocol-services-supported bit position
// of a confirmed service.
func (s ConfirmedServiceChoice) ServicesSupportedBit() int {
	return int(s)
}

// ServicesSupportedBit returns the protocol-services-supported bit position
// of an unconfirmed service.
func (s UnconfirmedServiceChoice) ServicesSupportedBit() int {
	if s == ServiceUTCTimeSynchronization {
		return 36
	}
	return 26 + int(s)
}

// ObjectType is a BACnet object type
type ObjectType uint16

const (
	ObjectTypeAnalogInput          ObjectType = 0
	ObjectTypeAnalogOutput         ObjectType = 1
	ObjectTypeAnalogValue          ObjectType = 2
	ObjectTypeBinaryInput          ObjectType = 3
	ObjectTypeBinaryOutput         ObjectType = 4
	ObjectTypeBinaryValue          ObjectType = 5
	ObjectTypeCalendar             ObjectType = 6
	ObjectTypeCommand              ObjectType = 7
	ObjectTypeDevice               ObjectType = 8
	ObjectTypeEventEnrollment      ObjectType = 9
	ObjectTypeFile                 ObjectType = 10
	ObjectTypeGroup                ObjectType = 11
	ObjectTypeLoop                 ObjectType = 12
	ObjectTypeMultiStateInput      ObjectType = 13
	ObjectTypeMultiStateOutput     ObjectType = 14
	ObjectTypeNotificationClass    ObjectType = 15
	ObjectTypeProgram              ObjectType = 16
	ObjectTypeSchedule             ObjectType = 17
	ObjectTypeAveraging            ObjectType = 18
	ObjectTypeMultiStateValue      ObjectType = 19
	ObjectTypeTrendLog             ObjectType = 20
	ObjectTypeAccumulator          ObjectType = 23
	ObjectTypeCharacterStringValue ObjectType = 40
	ObjectTypeIntegerValue         ObjectType = 45
	ObjectTypeNetworkPort          ObjectType = 56

	// object types above this are not defined by this stack
	maxObjectType ObjectType = 1023
)

// objectTypeNames lists the full name first, then accepted short forms
var objectTypeNames = map[ObjectType][]string{
	ObjectTypeAnalogInput:          {"analog-input", "ai"},
	ObjectTypeAnalogOutput:         {"analog-output", "ao"},
	ObjectTypeAnalogValue:          {"analog-value", "av"},
	ObjectTypeBinaryInput:          {"binary-input", "bi"},
	ObjectTypeBinaryOutput:         {"binary-output", "bo"},
	ObjectTypeBinaryValue:          {"binary-value", "bv"},
	ObjectTypeCalendar:             {"calendar", "cal"},
	ObjectTypeCommand:              {"command"},
	ObjectTypeDevice:               {"device", "dev"},
	ObjectTypeEventEnrollment:      {"event-enrollment"},
	ObjectTypeFile:                 {"file"},
	ObjectTypeGroup:                {"group"},
	ObjectTypeLoop:                 {"loop"},
	ObjectTypeMultiStateInput:      {"multi-state-input", "msi"},
	ObjectTypeMultiStateOutput:     {"multi-state-output", "mso"},
	ObjectTypeNotificationClass:    {"notification-class", "nc"},
	ObjectTypeProgram:              {"program", "prg"},
	ObjectTypeSchedule:             {"schedule", "sch"},
	ObjectTypeAveraging:            {"averaging"},
	ObjectTypeMultiStateValue:      {"multi-state-value", "msv"},
	ObjectTypeTrendLog:             {"trend-log", "tl"},
	ObjectTypeAccumulator:          {"accumulator"},
	ObjectTypeCharacterStringValue: {"characterstring-value", "csv"},
	ObjectTypeIntegerValue:         {"integer-value", "iv"},
	ObjectTypeNetworkPort:          {"network-port"},
}

var objectTypesByName = func() map[string]ObjectType {
	m := make(map[string]ObjectType)
	for t, names := range objectTypeNames {
		for _, n := range names {
			m[n] = t
		}
	}
	return m
}()

func (o ObjectType) String() string {
	if names, ok := objectTypeNames[o]; ok {
		return names[0]
	}
	return fmt.Sprintf("vendor-specific(%d)", uint16(o))
}

// ParseObjectType parses a full or short object type name
func ParseObjectType(s string) (ObjectType, bool) {
	t, ok := objectTypesByName[strings.ToLower(s)]
	return t, ok
}

// PropertyIdentifier is a BACnet property identifier
type PropertyIdentifier uint32

const (
	PropertyActiveText                   PropertyIdentifier = 4
	PropertyAll                          PropertyIdentifier = 8
	PropertyApduSegmentTimeout           PropertyIdentifier = 10
	PropertyApduTimeout                  PropertyIdentifier = 11
	PropertyApplicationSoftwareVersion   PropertyIdentifier = 12
	PropertyCOVIncrement                 PropertyIdentifier = 22
	PropertyDeadband                     PropertyIdentifier = 25
	PropertyDescription                  PropertyIdentifier = 28
	PropertyDeviceAddressBinding         PropertyIdentifier = 30
	PropertyDeviceType                   PropertyIdentifier = 31
	PropertyEventState                   PropertyIdentifier = 36
	PropertyFirmwareRevision             PropertyIdentifier = 44
	PropertyHighLimit                    PropertyIdentifier = 45
	PropertyInactiveText                 PropertyIdentifier = 46
	PropertyLocalDate                    PropertyIdentifier = 56
	PropertyLocalTime                    PropertyIdentifier = 57
	PropertyLocation                     PropertyIdentifier = 58
	PropertyLowLimit                     PropertyIdentifier = 59
	PropertyMaxApduLengthAccepted        PropertyIdentifier = 62
	PropertyMaxPresValue                 PropertyIdentifier = 65
	PropertyMinPresValue                 PropertyIdentifier = 69
	PropertyModelName                    PropertyIdentifier = 70
	PropertyNumberOfApduRetries          PropertyIdentifier = 73
	PropertyNumberOfStates               PropertyIdentifier = 74
	PropertyObjectIdentifier             PropertyIdentifier = 75
	PropertyObjectList                   PropertyIdentifier = 76
	PropertyObjectName                   PropertyIdentifier = 77
	PropertyObjectType                   PropertyIdentifier = 79
	PropertyOptional                     PropertyIdentifier = 80
	PropertyOutOfService                 PropertyIdentifier = 81
	PropertyPolarity                     PropertyIdentifier = 84
	PropertyPresentValue                 PropertyIdentifier = 85
	PropertyPriorityArray                PropertyIdentifier = 87
	PropertyProtocolObjectTypesSupported PropertyIdentifier = 96
	PropertyProtocolServicesSupported    PropertyIdentifier = 97
	PropertyProtocolVersion              PropertyIdentifier = 98
	PropertyReliability                  PropertyIdentifier = 103
	PropertyRelinquishDefault            PropertyIdentifier = 104
	PropertyRequired                     PropertyIdentifier = 105
	PropertyResolution                   PropertyIdentifier = 106
	PropertySegmentationSupported        PropertyIdentifier = 107
	PropertyStateText                    PropertyIdentifier = 110
	PropertyStatusFlags                  PropertyIdentifier = 111
	PropertySystemStatus                 PropertyIdentifier = 112
	PropertyUnits                        PropertyIdentifier = 117
	PropertyUtcOffset                    PropertyIdentifier = 119
	PropertyVendorIdentifier             PropertyIdentifier = 120
	PropertyVendorName                   PropertyIdentifier = 121
	PropertyProtocolRevision             PropertyIdentifier = 139
	PropertyActiveCOVSubscriptions       PropertyIdentifier = 152
	PropertyDatabaseRevision             PropertyIdentifier = 155
	PropertyMaxSegmentsAccepted          PropertyIdentifier = 167
	PropertyPropertyList                 PropertyIdentifier = 371
)

var propertyNames = map[PropertyIdentifier][]string{
	PropertyActiveText:                   {"active-text"},
	PropertyAll:                          {"all"},
	PropertyApduSegmentTimeout:           {"apdu-segment-timeout"},
	PropertyApduTimeout:                  {"apdu-timeout"},
	PropertyApplicationSoftwareVersion:   {"application-software-version"},
	PropertyCOVIncrement:                 {"cov-increment"},
	PropertyDeadband:                     {"deadband"},
	PropertyDescription:                  {"description", "desc"},
	PropertyDeviceAddressBinding:         {"device-address-binding"},
	PropertyDeviceType:                   {"device-type"},
	PropertyEventState:                   {"event-state"},
	PropertyFirmwareRevision:             {"firmware-revision"},
	PropertyHighLimit:                    {"high-limit"},
	PropertyInactiveText:                 {"inactive-text"},
	PropertyLocalDate:                    {"local-date"},
	PropertyLocalTime:                    {"local-time"},
	PropertyLocation:                     {"location"},
	PropertyLowLimit:                     {"low-limit"},
	PropertyMaxApduLengthAccepted:        {"max-apdu-length-accepted"},
	PropertyMaxPresValue:                 {"max-pres-value"},
	PropertyMinPresValue:                 {"min-pres-value"},
	PropertyModelName:                    {"model-name"},
	PropertyNumberOfApduRetries:          {"number-of-apdu-retries"},
	PropertyNumberOfStates:               {"number-of-states"},
	PropertyObjectIdentifier:             {"object-identifier", "oid"},
	PropertyObjectList:                   {"object-list"},
	PropertyObjectName:                   {"object-name", "name"},
	PropertyObjectType:                   {"object-type", "type"},
	PropertyOptional:                     {"optional"},
	PropertyOutOfService:                 {"out-of-service", "oos"},
	PropertyPolarity:                     {"polarity"},
	PropertyPresentValue:                 {"present-value", "pv"},
	PropertyPriorityArray:                {"priority-array", "pa"},
	PropertyProtocolObjectTypesSupported: {"protocol-object-types-supported"},
	PropertyProtocolServicesSupported:    {"protocol-services-supported"},
	PropertyProtocolVersion:              {"protocol-version"},
	PropertyReliability:                  {"reliability"},
	PropertyRelinquishDefault:            {"relinquish-default", "rd"},
	PropertyRequired:                     {"required"},
	PropertyResolution:                   {"resolution"},
	PropertySegmentationSupported:        {"segmentation-supported"},
	PropertyStateText:                    {"state-text"},
	PropertyStatusFlags:                  {"status-flags", "sf"},
	PropertySystemStatus:                 {"system-status"},
	PropertyUnits:                        {"units"},
	PropertyUtcOffset:                    {"utc-offset"},
	PropertyVendorIdentifier:             {"vendor-identifier"},
	PropertyVendorName:                   {"vendor-name"},
	PropertyProtocolRevision:             {"protocol-revision"},
	PropertyActiveCOVSubscriptions:       {"active-cov-subscriptions"},
	PropertyDatabaseRevision:             {"database-revision"},
	PropertyMaxSegmentsAccepted:          {"max-segments-accepted"},
	PropertyPropertyList:                 {"property-list"},
}

var propertiesByName = func() map[string]PropertyIdentifier {
	m := make(map[string]PropertyIdentifier)
	for p, names := range propertyNames {
		for _, n := range names {
			m[n] = p
		}
	}
	return m
}()

func (p PropertyIdentifier) String() string {
	if names, ok := propertyNames[p]; ok {
		return names[0]
	}
	return fmt.Sprintf("property(%d)", uint32(p))
}

// ParsePropertyIdentifier parses a full or short property name
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	p, ok := propertiesByName[strings.ToLower(s)]
	return p, ok
}

// ObjectIdentifier is a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType `json:"type"`
	Instance uint32     `json:"instance"`
}

// NewObjectIdentifier creates a new ObjectIdentifier
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     objectType,
		Instance: instance,
	}
}

// Encode packs the identifier into its 32 bit wire form
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & MaxInstance)
}

// DecodeObjectIdentifier unpacks a 32 bit wire value
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & MaxInstance,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.Instance)
}

// ParseObjectIdentifier parses "type:instance" where type is a name, a
// short form or a number.
func ParseObjectIdentifier(s string) (ObjectIdentifier, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("expected format type:instance (e.g., analog-input:1)")
	}

	instance, err := strconv.ParseUint(inst, 10, 32)
	if err != nil || instance > MaxInstance {
		return ObjectIdentifier{}, fmt.Errorf("invalid instance number: %s", inst)
	}

	if n, err := strconv.ParseUint(typ, 10, 16); err == nil {
		if ObjectType(n) > maxObjectType {
			return ObjectIdentifier{}, fmt.Errorf("object type out of range: %d", n)
		}
		return NewObjectIdentifier(ObjectType(n), uint32(instance)), nil
	}

	t, ok := ParseObjectType(typ)
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("unknown object type: %s", typ)
	}
	return NewObjectIdentifier(t, uint32(instance)), nil
}

// StatusFlags is the decoded status-flags bit string
type StatusFlags struct {
	InAlarm      bool `json:"in_alarm"`
	Fault        bool `json:"fault"`
	Overridden   bool `json:"overridden"`
	OutOfService bool `json:"out_of_service"`
}

// StatusFlagsFromBitString reads status flags from their wire bit string
func StatusFlagsFromBitString(b BitString) StatusFlags {
	return StatusFlags{
		InAlarm:      b.Bit(0),
		Fault:        b.Bit(1),
		Overridden:   b.Bit(2),
		OutOfService: b.Bit(3),
	}
}

// BitString converts the flags to their wire form
func (s StatusFlags) BitString() BitString {
	return NewBitString(s.InAlarm, s.Fault, s.Overridden, s.OutOfService)
}

func (s StatusFlags) String() string {
	return fmt.Sprintf("{in-alarm:%v, fault:%v, overridden:%v, out-of-service:%v}",
		s.InAlarm, s.Fault, s.Overridden, s.OutOfService)
}

// EventState is the BACnet event state
type EventState uint8

const (
	EventStateNormal          EventState = 0
	EventStateFault           EventState = 1
	EventStateOffNormal       EventState = 2
	EventStateHighLimit       EventState = 3
	EventStateLowLimit        EventState = 4
	EventStateLifeSafetyAlarm EventState = 5
)

func (e EventState) String() string {
	switch e {
	case EventStateNormal:
		return "normal"
	case EventStateFault:
		return "fault"
	case EventStateOffNormal:
		return "off-normal"
	case EventStateHighLimit:
		return "high-limit"
	case EventStateLowLimit:
		return "low-limit"
	case EventStateLifeSafetyAlarm:
		return "life-safety-alarm"
	}
	return fmt.Sprintf("event-state(%d)", uint8(e))
}

// Reliability is the BACnet reliability enumeration
type Reliability uint8

const (
	ReliabilityNoFaultDetected      Reliability = 0
	ReliabilityNoSensor             Reliability = 1
	ReliabilityOverRange            Reliability = 2
	ReliabilityUnderRange           Reliability = 3
	ReliabilityOpenLoop             Reliability = 4
	ReliabilityShortedLoop          Reliability = 5
	ReliabilityNoOutput             Reliability = 6
	ReliabilityUnreliableOther      Reliability = 7
	ReliabilityCommunicationFailure Reliability = 12
)

func (r Reliability) String() string {
	switch r {
	case ReliabilityNoFaultDetected:
		return "no-fault-detected"
	case ReliabilityNoSensor:
		return "no-sensor"
	case ReliabilityOverRange:
		return "over-range"
	case ReliabilityUnderRange:
		return "under-range"
	case ReliabilityOpenLoop:
		return "open-loop"
	case ReliabilityShortedLoop:
		return "shorted-loop"
	case ReliabilityNoOutput:
		return "no-output"
	case ReliabilityUnreliableOther:
		return "unreliable-other"
	case ReliabilityCommunicationFailure:
		return "communication-failure"
	}
	return fmt.Sprintf("reliability(%d)", uint8(r))
}

// EngineeringUnits is the BACnet engineering units enumeration
type EngineeringUnits uint16

const (
	UnitsSquareMeters            EngineeringUnits = 0
	UnitsMilliamperes            EngineeringUnits = 2
	UnitsAmperes                 EngineeringUnits = 3
	UnitsVolts                   EngineeringUnits = 5
	UnitsKilowattHours           EngineeringUnits = 19
	UnitsHertz                   EngineeringUnits = 27
	UnitsPercentRelativeHumidity EngineeringUnits = 29
	UnitsMeters                  EngineeringUnits = 31
	UnitsLuxes                   EngineeringUnits = 37
	UnitsWatts                   EngineeringUnits = 41
	UnitsKilowatts               EngineeringUnits = 42
	UnitsPascals                 EngineeringUnits = 47
	UnitsKilopascals             EngineeringUnits = 48
	UnitsBars                    EngineeringUnits = 49
	UnitsDegreesCelsius          EngineeringUnits = 62
	UnitsDegreesKelvin           EngineeringUnits = 63
	UnitsDegreesFahrenheit       EngineeringUnits = 64
	UnitsHours                   EngineeringUnits = 71
	UnitsMinutes                 EngineeringUnits = 72
	UnitsSeconds                 EngineeringUnits = 73
	UnitsMetersPerSecond         EngineeringUnits = 74
	UnitsCubicMeters             EngineeringUnits = 80
	UnitsLiters                  EngineeringUnits = 82
	UnitsLitersPerSecond         EngineeringUnits = 87
	UnitsNoUnits                 EngineeringUnits = 95
	UnitsPartsPerMillion         EngineeringUnits = 96
	UnitsPercent                 EngineeringUnits = 98
)

var unitSymbols = map[EngineeringUnits]string{
	UnitsSquareMeters:            "m²",
	UnitsMilliamperes:            "mA",
	UnitsAmperes:                 "A",
	UnitsVolts:                   "V",
	UnitsKilowattHours:           "kWh",
	UnitsHertz:                   "Hz",
	UnitsPercentRelativeHumidity: "%RH",
	UnitsMeters:                  "m",
	UnitsLuxes:                   "lx",
	UnitsWatts:                   "W",
	UnitsKilowatts:               "kW",
	UnitsPascals:                 "Pa",
	UnitsKilopascals:             "kPa",
	UnitsBars:                    "bar",
	UnitsDegreesCelsius:          "°C",
	UnitsDegreesKelvin:           "K",
	UnitsDegreesFahrenheit:       "°F",
	UnitsHours:                   "h",
	UnitsMinutes:                 "min",
	UnitsSeconds:                 "s",
	UnitsMetersPerSecond:         "m/s",
	UnitsCubicMeters:             "m³",
	UnitsLiters:                  "L",
	UnitsLitersPerSecond:         "L/s",
	UnitsNoUnits:                 "",
	UnitsPartsPerMillion:         "ppm",
	UnitsPercent:                 "%",
}

func (u EngineeringUnits) String() string {
	if sym, ok := unitSymbols[u]; ok {
		return sym
	}
	return fmt.Sprintf("units(%d)", uint16(u))
}

// ParseEngineeringUnits parses a unit symbol ("°C", "kWh") or an
// enumeration number
func ParseEngineeringUnits(s string) (EngineeringUnits, bool) {
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return EngineeringUnits(n), true
	}
	for u, sym := range unitSymbols {
		if sym != "" && sym == s {
			return u, true
		}
	}
	return 0, false
}

// Segmentation is the segmentation capability of a device
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	switch s {
	case SegmentationBoth:
		return "segmented-both"
	case SegmentationTransmit:
		return "segmented-transmit"
	case SegmentationReceive:
		return "segmented-receive"
	case SegmentationNone:
		return "no-segmentation"
	}
	return fmt.Sprintf("segmentation(%d)", uint8(s))
}

// DeviceStatus is the system-status of a device
type DeviceStatus uint8

const (
	DeviceStatusOperational         DeviceStatus = 0
	DeviceStatusOperationalReadOnly DeviceStatus = 1
	DeviceStatusDownloadRequired    DeviceStatus = 2
	DeviceStatusDownloadInProgress  DeviceStatus = 3
	DeviceStatusNonOperational      DeviceStatus = 4
	DeviceStatusBackupInProgress    DeviceStatus = 5
)

func (d DeviceStatus) String() string {
	switch d {
	case DeviceStatusOperational:
		return "operational"
	case DeviceStatusOperationalReadOnly:
		return "operational-read-only"
	case DeviceStatusDownloadRequired:
		return "download-required"
	case DeviceStatusDownloadInProgress:
		return "download-in-progress"
	case DeviceStatusNonOperational:
		return "non-operational"
	case DeviceStatusBackupInProgress:
		return "backup-in-progress"
	}
	return fmt.Sprintf("device-status(%d)", uint8(d))
}

// GlobalNetwork is the DNET used for global broadcasts
const GlobalNetwork uint16 = 0xFFFF

// Address is a BACnet network address. Net 0 means the local network.
// An empty Addr is a broadcast on Net.
type Address struct {
	Net  uint16 `json:"net"`
	Addr []byte `json:"addr,omitempty"`
}

// LocalBroadcast addresses every station on the local network
func LocalBroadcast() Address {
	return Address{}
}

// GlobalBroadcast addresses every station on every network
func GlobalBroadcast() Address {
	return Address{Net: GlobalNetwork}
}

// RemoteBroadcast addresses every station on network n
func RemoteBroadcast(n uint16) Address {
	return Address{Net: n}
}

// AddressFromUDP builds a local B/IP address from a UDP address
func AddressFromUDP(addr *net.UDPAddr) Address {
	return Address{Addr: transport.EncodeIPAddress(addr)}
}

// IsBroadcast reports whether the address targets more than one station
func (a Address) IsBroadcast() bool {
	return len(a.Addr) == 0
}

// IsGlobalBroadcast reports whether the address targets every network
func (a Address) IsGlobalBroadcast() bool {
	return a.Net == GlobalNetwork
}

// IsRemote reports whether the address is on another network
func (a Address) IsRemote() bool {
	return a.Net != 0 && a.Net != GlobalNetwork
}

// UDPAddr returns the UDP address of a 6 byte B/IP MAC
func (a Address) UDPAddr() (*net.UDPAddr, bool) {
	addr, err := transport.DecodeIPAddress(a.Addr)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// Equal compares two addresses
func (a Address) Equal(b Address) bool {
	return a.Net == b.Net && string(a.Addr) == string(b.Addr)
}

func (a Address) String() string {
	var station string
	switch {
	case len(a.Addr) == 0:
		station = "*"
	case len(a.Addr) == 6:
		udp, _ := a.UDPAddr()
		station = udp.String()
	default:
		station = hex.EncodeToString(a.Addr)
	}

	switch {
	case a.IsGlobalBroadcast():
		return "global:*"
	case a.Net == 0:
		return station
	default:
		return fmt.Sprintf("%d:%s", a.Net, station)
	}
}

// DeviceInfo describes a device learned through I-Am or a static binding
type DeviceInfo struct {
	ObjectID            ObjectIdentifier   `json:"object_id"`
	Address             Address            `json:"address"`
	MaxAPDULength       uint16             `json:"max_apdu_length"`
	Segmentation        Segmentation       `json:"segmentation"`
	VendorID            uint16             `json:"vendor_id"`
	VendorName          string             `json:"vendor_name,omitempty"`
	ModelName           string             `json:"model_name,omitempty"`
	FirmwareRevision    string             `json:"firmware_revision,omitempty"`
	ApplicationSoftware string             `json:"application_software,omitempty"`
	Description         string             `json:"description,omitempty"`
	Location            string             `json:"location,omitempty"`
	ObjectList          []ObjectIdentifier `json:"object_list,omitempty"`
}

// PropertyValue is a property value with its identity. Err is set when a
// ReadPropertyMultiple result carried an access error instead of a value.
type PropertyValue struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      interface{}
	Priority   *uint8
	Err        *BACnetError
}

// TagClass distinguishes application and context tags
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

// ApplicationTag is an application tag number
type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)
