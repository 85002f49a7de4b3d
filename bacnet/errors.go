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
	"errors"
	"fmt"

	"github.com/edgeo/bacnet-stack/bacnet/internal/transport"
)

// Sentinel errors
var (
	ErrTimeout                  = errors.New("bacnet: request timeout")
	ErrConnectionClosed         = errors.New("bacnet: connection closed")
	ErrInvalidResponse          = errors.New("bacnet: invalid response")
	ErrInvalidAPDU              = errors.New("bacnet: invalid APDU")
	ErrInvalidNPDU              = errors.New("bacnet: invalid NPDU")
	ErrInvalidBVLC              = transport.ErrInvalidBVLC
	ErrSegmentationNotSupported = errors.New("bacnet: segmentation not supported")
	ErrDeviceNotFound           = errors.New("bacnet: device not found")
	ErrPropertyNotFound         = errors.New("bacnet: property not found")
	ErrNotConnected             = errors.New("bacnet: not connected")
	ErrAlreadyConnected         = errors.New("bacnet: already connected")
	ErrNoDatalink               = errors.New("bacnet: no datalink configured")
	ErrNoRoute                  = errors.New("bacnet: no route to network")

	// Decoding failures of service parameters. The dispatcher turns these
	// into Reject PDUs.
	ErrMissingRequiredParameter = errors.New("bacnet: missing required parameter")
	ErrInvalidTag               = errors.New("bacnet: invalid tag")
	ErrTooManyArguments         = errors.New("bacnet: too many arguments")
)

// ErrorClass is a BACnet error class
type ErrorClass uint16

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	switch e {
	case ErrorClassDevice:
		return "device"
	case ErrorClassObject:
		return "object"
	case ErrorClassProperty:
		return "property"
	case ErrorClassResources:
		return "resources"
	case ErrorClassSecurity:
		return "security"
	case ErrorClassServices:
		return "services"
	case ErrorClassVT:
		return "vt"
	case ErrorClassCommunication:
		return "communication"
	}
	return fmt.Sprintf("error-class(%d)", uint16(e))
}

// ErrorCode is a BACnet error code
type ErrorCode uint16

const (
	ErrorCodeOther                             ErrorCode = 0
	ErrorCodeConfigurationInProgress           ErrorCode = 2
	ErrorCodeDeviceBusy                        ErrorCode = 3
	ErrorCodeDynamicCreationNotSupported       ErrorCode = 4
	ErrorCodeInconsistentParameters            ErrorCode = 7
	ErrorCodeInvalidDataType                   ErrorCode = 9
	ErrorCodeInvalidParameterDataType          ErrorCode = 13
	ErrorCodeMissingRequiredParameter          ErrorCode = 16
	ErrorCodeNoObjectsOfSpecifiedType          ErrorCode = 17
	ErrorCodeNoSpaceForObject                  ErrorCode = 18
	ErrorCodeNoSpaceToWriteProperty            ErrorCode = 20
	ErrorCodePropertyIsNotAList                ErrorCode = 22
	ErrorCodeObjectDeletionNotPermitted        ErrorCode = 23
	ErrorCodeObjectIdentifierAlreadyExists     ErrorCode = 24
	ErrorCodeReadAccessDenied                  ErrorCode = 27
	ErrorCodeServiceRequestDenied              ErrorCode = 29
	ErrorCodeTimeout                           ErrorCode = 30
	ErrorCodeUnknownObject                     ErrorCode = 31
	ErrorCodeUnknownProperty                   ErrorCode = 32
	ErrorCodeUnsupportedObjectType             ErrorCode = 36
	ErrorCodeValueOutOfRange                   ErrorCode = 37
	ErrorCodeWriteAccessDenied                 ErrorCode = 40
	ErrorCodeCharacterSetNotSupported          ErrorCode = 41
	ErrorCodeInvalidArrayIndex                 ErrorCode = 42
	ErrorCodeCOVSubscriptionFailed             ErrorCode = 43
	ErrorCodeNotCOVProperty                    ErrorCode = 44
	ErrorCodeOptionalFunctionalityNotSupported ErrorCode = 45
	ErrorCodeDatatypeNotSupported              ErrorCode = 47
	ErrorCodeDuplicateName                     ErrorCode = 48
	ErrorCodeDuplicateObjectID                 ErrorCode = 49
	ErrorCodePropertyIsNotAnArray              ErrorCode = 50
	ErrorCodeUnknownDevice                     ErrorCode = 70
	ErrorCodeUnknownRoute                      ErrorCode = 71
	ErrorCodeUnknownSubscription               ErrorCode = 79
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeOther:                             "other",
	ErrorCodeConfigurationInProgress:           "configuration-in-progress",
	ErrorCodeDeviceBusy:                        "device-busy",
	ErrorCodeDynamicCreationNotSupported:       "dynamic-creation-not-supported",
	ErrorCodeInconsistentParameters:            "inconsistent-parameters",
	ErrorCodeInvalidDataType:                   "invalid-data-type",
	ErrorCodeInvalidParameterDataType:          "invalid-parameter-data-type",
	ErrorCodeMissingRequiredParameter:          "missing-required-parameter",
	ErrorCodeNoObjectsOfSpecifiedType:          "no-objects-of-specified-type",
	ErrorCodeNoSpaceForObject:                  "no-space-for-object",
	ErrorCodeNoSpaceToWriteProperty:            "no-space-to-write-property",
	ErrorCodePropertyIsNotAList:                "property-is-not-a-list",
	ErrorCodeObjectDeletionNotPermitted:        "object-deletion-not-permitted",
	ErrorCodeObjectIdentifierAlreadyExists:     "object-identifier-already-exists",
	ErrorCodeReadAccessDenied:                  "read-access-denied",
	ErrorCodeServiceRequestDenied:              "service-request-denied",
	ErrorCodeTimeout:                           "timeout",
	ErrorCodeUnknownObject:                     "unknown-object",
	ErrorCodeUnknownProperty:                   "unknown-property",
	ErrorCodeUnsupportedObjectType:             "unsupported-object-type",
	ErrorCodeValueOutOfRange:                   "value-out-of-range",
	ErrorCodeWriteAccessDenied:                 "write-access-denied",
	ErrorCodeCharacterSetNotSupported:          "character-set-not-supported",
	ErrorCodeInvalidArrayIndex:                 "invalid-array-index",
	ErrorCodeCOVSubscriptionFailed:             "cov-subscription-failed",
	ErrorCodeNotCOVProperty:                    "not-cov-property",
	ErrorCodeOptionalFunctionalityNotSupported: "optional-functionality-not-supported",
	ErrorCodeDatatypeNotSupported:              "datatype-not-supported",
	ErrorCodeDuplicateName:                     "duplicate-name",
	ErrorCodeDuplicateObjectID:                 "duplicate-object-id",
	ErrorCodePropertyIsNotAnArray:              "property-is-not-an-array",
	ErrorCodeUnknownDevice:                     "unknown-device",
	ErrorCodeUnknownRoute:                      "unknown-route",
	ErrorCodeUnknownSubscription:               "unknown-subscription",
}

func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", uint16(e))
}

// BACnetError is an Error PDU returned by a device
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet error: class=%s, code=%s", e.Class, e.Code)
}

func (e *BACnetError) Is(target error) bool {
	t, ok := target.(*BACnetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewBACnetError creates a new BACnet error
func NewBACnetError(class ErrorClass, code ErrorCode) *BACnetError {
	return &BACnetError{
		Class: class,
		Code:  code,
	}
}

// RejectReason is the reason carried by a Reject PDU
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

var rejectReasonNames = [...]string{
	"other",
	"buffer-overflow",
	"inconsistent-parameters",
	"invalid-parameter-data-type",
	"invalid-tag",
	"missing-required-parameter",
	"parameter-out-of-range",
	"too-many-arguments",
	"undefined-enumeration",
	"unrecognized-service",
}

func (r RejectReason) String() string {
	if int(r) < len(rejectReasonNames) {
		return rejectReasonNames[r]
	}
	return fmt.Sprintf("reject-reason(%d)", uint8(r))
}

// RejectError is a Reject PDU
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// Is matches another RejectError with the same reason
func (e *RejectError) Is(target error) bool {
	t, ok := target.(*RejectError)
	return ok && t.Reason == e.Reason
}

// AbortReason is the reason carried by an Abort PDU
type AbortReason uint8

const (
	AbortReasonOther                         AbortReason = 0
	AbortReasonBufferOverflow                AbortReason = 1
	AbortReasonInvalidApduInThisState        AbortReason = 2
	AbortReasonPreemptedByHigherPriorityTask AbortReason = 3
	AbortReasonSegmentationNotSupported      AbortReason = 4
	AbortReasonSecurityError                 AbortReason = 5
	AbortReasonInsufficientSecurity          AbortReason = 6
	AbortReasonWindowSizeOutOfRange          AbortReason = 7
	AbortReasonApplicationExceededReplyTime  AbortReason = 8
	AbortReasonOutOfResources                AbortReason = 9
	AbortReasonTsmTimeout                    AbortReason = 10
	AbortReasonApduTooLong                   AbortReason = 11
)

var abortReasonNames = [...]string{
	"other",
	"buffer-overflow",
	"invalid-apdu-in-this-state",
	"preempted-by-higher-priority-task",
	"segmentation-not-supported",
	"security-error",
	"insufficient-security",
	"window-size-out-of-range",
	"application-exceeded-reply-time",
	"out-of-resources",
	"tsm-timeout",
	"apdu-too-long",
}

func (a AbortReason) String() string {
	if int(a) < len(abortReasonNames) {
		return abortReasonNames[a]
	}
	return fmt.Sprintf("abort-reason(%d)", uint8(a))
}

// AbortError is an Abort PDU
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

// Is matches another AbortError with the same reason
func (e *AbortError) Is(target error) bool {
	t, ok := target.(*AbortError)
	return ok && t.Reason == e.Reason
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDeviceNotFound returns true if the error indicates device not found
func IsDeviceNotFound(err error) bool {
	if errors.Is(err, ErrDeviceNotFound) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownDevice || bacnetErr.Code == ErrorCodeUnknownObject
	}
	return false
}

// IsPropertyNotFound returns true if the error indicates property not found
func IsPropertyNotFound(err error) bool {
	if errors.Is(err, ErrPropertyNotFound) {
		return true
	}
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeUnknownProperty
	}
	return false
}

// IsAccessDenied returns true if the error indicates access denied
func IsAccessDenied(err error) bool {
	var bacnetErr *BACnetError
	if errors.As(err, &bacnetErr) {
		return bacnetErr.Code == ErrorCodeReadAccessDenied || bacnetErr.Code == ErrorCodeWriteAccessDenied
	}
	return false
}

// IsRejected returns true if the request was rejected
func IsRejected(err error) bool {
	var rejectErr *RejectError
	return errors.As(err, &rejectErr)
}

// IsAborted returns true if the transaction was aborted
func IsAborted(err error) bool {
	var abortErr *AbortError
	return errors.As(err, &abortErr)
}

// Shorthands for the store and service handlers.
func objectError(code ErrorCode) *BACnetError   { return NewBACnetError(ErrorClassObject, code) }
func propertyError(code ErrorCode) *BACnetError { return NewBACnetError(ErrorClassProperty, code) }
func servicesError(code ErrorCode) *BACnetError { return NewBACnetError(ErrorClassServices, code) }
