package bacnet

import (
	"fmt"
)

// Who-Is

// WhoIsRequest is a Who-Is request. Without limits every device answers.
type WhoIsRequest struct {
	Low  *uint32
	High *uint32
}

// Encode encodes the request parameters
func (r WhoIsRequest) Encode() []byte {
	if r.Low == nil || r.High == nil {
		return nil
	}
	data := EncodeContextUnsigned(0, *r.Low)
	return append(data, EncodeContextUnsigned(1, *r.High)...)
}

// Matches reports whether a device instance falls in the requested range
func (r WhoIsRequest) Matches(instance uint32) bool {
	if r.Low == nil || r.High == nil {
		return true
	}
	return instance >= *r.Low && instance <= *r.High
}

// DecodeWhoIs decodes Who-Is parameters. The limits come in pairs.
func DecodeWhoIs(data []byte) (WhoIsRequest, error) {
	var r WhoIsRequest
	if len(data) == 0 {
		return r, nil
	}

	d := newDecoder(data)
	low, err := d.contextUnsigned(0)
	if err != nil {
		return r, err
	}
	high, err := d.contextUnsigned(1)
	if err != nil {
		return r, err
	}
	if low > MaxInstance || high > MaxInstance {
		return r, &RejectError{Reason: RejectReasonParameterOutOfRange}
	}
	r.Low, r.High = &low, &high
	return r, d.finish()
}

// I-Am

// IAmRequest announces a device
type IAmRequest struct {
	DeviceID     ObjectIdentifier
	MaxAPDU      uint32
	Segmentation Segmentation
	VendorID     uint16
}

// Encode encodes the announcement
func (r IAmRequest) Encode() []byte {
	data := EncodeObjectIdentifierTag(r.DeviceID)
	data = append(data, EncodeUnsignedTag(r.MaxAPDU)...)
	data = append(data, EncodeEnumeratedTag(uint32(r.Segmentation))...)
	return append(data, EncodeUnsignedTag(uint32(r.VendorID))...)
}

// DecodeIAm decodes an I-Am announcement
func DecodeIAm(data []byte) (IAmRequest, error) {
	var r IAmRequest
	values, err := DecodeApplicationValues(data)
	if err != nil {
		return r, err
	}
	if len(values) < 4 {
		return r, ErrMissingRequiredParameter
	}

	oid, ok := values[0].(ObjectIdentifier)
	if !ok || oid.Type != ObjectTypeDevice {
		return r, fmt.Errorf("%w: I-Am device identifier", ErrInvalidTag)
	}
	maxAPDU, ok := values[1].(uint32)
	if !ok {
		return r, fmt.Errorf("%w: I-Am max APDU", ErrInvalidTag)
	}
	seg, ok := values[2].(Enumerated)
	if !ok {
		return r, fmt.Errorf("%w: I-Am segmentation", ErrInvalidTag)
	}
	vendor, ok := values[3].(uint32)
	if !ok {
		return r, fmt.Errorf("%w: I-Am vendor", ErrInvalidTag)
	}

	return IAmRequest{
		DeviceID:     oid,
		MaxAPDU:      maxAPDU,
		Segmentation: Segmentation(seg),
		VendorID:     uint16(vendor),
	}, nil
}

// Who-Has / I-Have

// WhoHasRequest looks for an object by identifier or by name
type WhoHasRequest struct {
	Low        *uint32
	High       *uint32
	ObjectID   *ObjectIdentifier
	ObjectName string
}

// Encode encodes the request parameters
func (r WhoHasRequest) Encode() []byte {
	var data []byte
	if r.Low != nil && r.High != nil {
		data = append(data, EncodeContextUnsigned(0, *r.Low)...)
		data = append(data, EncodeContextUnsigned(1, *r.High)...)
	}
	if r.ObjectID != nil {
		return append(data, EncodeContextObjectIdentifier(2, *r.ObjectID)...)
	}
	return append(data, EncodeContextCharacterString(3, r.ObjectName)...)
}

// Matches reports whether a device instance falls in the requested range
func (r WhoHasRequest) Matches(instance uint32) bool {
	return WhoIsRequest{Low: r.Low, High: r.High}.Matches(instance)
}

// DecodeWhoHas decodes Who-Has parameters
func DecodeWhoHas(data []byte) (WhoHasRequest, error) {
	var r WhoHasRequest
	d := newDecoder(data)

	if d.peekContext(0) {
		low, err := d.contextUnsigned(0)
		if err != nil {
			return r, err
		}
		high, err := d.contextUnsigned(1)
		if err != nil {
			return r, err
		}
		r.Low, r.High = &low, &high
	}

	switch {
	case d.peekContext(2):
		oid, err := d.contextObjectID(2)
		if err != nil {
			return r, err
		}
		r.ObjectID = &oid
	case d.peekContext(3):
		name, err := d.contextCharacterString(3)
		if err != nil {
			return r, err
		}
		r.ObjectName = name
	case d.done():
		return r, ErrMissingRequiredParameter
	default:
		return r, fmt.Errorf("%w: Who-Has object", ErrInvalidTag)
	}

	return r, d.finish()
}

// IHaveRequest answers a Who-Has
type IHaveRequest struct {
	DeviceID   ObjectIdentifier
	ObjectID   ObjectIdentifier
	ObjectName string
}

// Encode encodes the answer
func (r IHaveRequest) Encode() []byte {
	data := EncodeObjectIdentifierTag(r.DeviceID)
	data = append(data, EncodeObjectIdentifierTag(r.ObjectID)...)
	return append(data, EncodeCharacterStringTag(r.ObjectName)...)
}

// DecodeIHave decodes an I-Have
func DecodeIHave(data []byte) (IHaveRequest, error) {
	var r IHaveRequest
	values, err := DecodeApplicationValues(data)
	if err != nil {
		return r, err
	}
	if len(values) < 3 {
		return r, ErrMissingRequiredParameter
	}
	dev, ok1 := values[0].(ObjectIdentifier)
	obj, ok2 := values[1].(ObjectIdentifier)
	name, ok3 := values[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return r, fmt.Errorf("%w: I-Have parameters", ErrInvalidTag)
	}
	return IHaveRequest{DeviceID: dev, ObjectID: obj, ObjectName: name}, nil
}

// ReadProperty

// ReadPropertyRequest identifies one property to read
type ReadPropertyRequest struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
}

// Encode encodes the request parameters
func (r ReadPropertyRequest) Encode() []byte {
	data := make([]byte, 0, 16)
	data = append(data, EncodeContextObjectIdentifier(0, r.ObjectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(r.PropertyID))...)
	if r.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *r.ArrayIndex)...)
	}
	return data
}

// DecodeReadProperty decodes ReadProperty parameters
func DecodeReadProperty(data []byte) (ReadPropertyRequest, error) {
	var r ReadPropertyRequest
	d := newDecoder(data)

	oid, err := d.contextObjectID(0)
	if err != nil {
		return r, err
	}
	prop, err := d.contextEnumerated(1)
	if err != nil {
		return r, err
	}
	index, err := d.optionalUnsigned(2)
	if err != nil {
		return r, err
	}

	r = ReadPropertyRequest{ObjectID: oid, PropertyID: PropertyIdentifier(prop), ArrayIndex: index}
	return r, d.finish()
}

// ReadPropertyAck is the result of a ReadProperty
type ReadPropertyAck struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      interface{}
}

// Encode encodes the acknowledgement
func (a ReadPropertyAck) Encode() ([]byte, error) {
	value, err := EncodeApplicationValue(a.Value)
	if err != nil {
		return nil, err
	}
	data := ReadPropertyRequest{ObjectID: a.ObjectID, PropertyID: a.PropertyID, ArrayIndex: a.ArrayIndex}.Encode()
	data = append(data, EncodeOpeningTag(3)...)
	data = append(data, value...)
	return append(data, EncodeClosingTag(3)...), nil
}

// DecodeReadPropertyAck decodes a ReadProperty acknowledgement
func DecodeReadPropertyAck(data []byte) (ReadPropertyAck, error) {
	var a ReadPropertyAck
	d := newDecoder(data)

	oid, err := d.contextObjectID(0)
	if err != nil {
		return a, err
	}
	prop, err := d.contextEnumerated(1)
	if err != nil {
		return a, err
	}
	index, err := d.optionalUnsigned(2)
	if err != nil {
		return a, err
	}
	if err := d.opening(3); err != nil {
		return a, err
	}
	value, err := d.enclosedValues(3)
	if err != nil {
		return a, err
	}

	a = ReadPropertyAck{ObjectID: oid, PropertyID: PropertyIdentifier(prop), ArrayIndex: index, Value: value}
	return a, d.finish()
}

// WriteProperty

// WritePropertyRequest writes one property. Priority applies to
// commandable properties only.
type WritePropertyRequest struct {
	ObjectID   ObjectIdentifier
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      interface{}
	Priority   *uint8
}

// Encode encodes the request parameters
func (r WritePropertyRequest) Encode() ([]byte, error) {
	value, err := EncodeApplicationValue(r.Value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}

	data := ReadPropertyRequest{ObjectID: r.ObjectID, PropertyID: r.PropertyID, ArrayIndex: r.ArrayIndex}.Encode()
	data = append(data, EncodeOpeningTag(3)...)
	data = append(data, value...)
	data = append(data, EncodeClosingTag(3)...)
	if r.Priority != nil {
		data = append(data, EncodeContextUnsigned(4, uint32(*r.Priority))...)
	}
	return data, nil
}

// DecodeWriteProperty decodes WriteProperty parameters
func DecodeWriteProperty(data []byte) (WritePropertyRequest, error) {
	var r WritePropertyRequest
	d := newDecoder(data)

	oid, err := d.contextObjectID(0)
	if err != nil {
		return r, err
	}
	prop, err := d.contextEnumerated(1)
	if err != nil {
		return r, err
	}
	index, err := d.optionalUnsigned(2)
	if err != nil {
		return r, err
	}
	if err := d.opening(3); err != nil {
		return r, err
	}
	value, err := d.enclosedValues(3)
	if err != nil {
		return r, err
	}
	prio, err := d.optionalUnsigned(4)
	if err != nil {
		return r, err
	}

	r = WritePropertyRequest{ObjectID: oid, PropertyID: PropertyIdentifier(prop), ArrayIndex: index, Value: value}
	if prio != nil {
		if *prio > 255 {
			return r, &RejectError{Reason: RejectReasonParameterOutOfRange}
		}
		p := uint8(*prio)
		r.Priority = &p
	}
	return r, d.finish()
}

// ReadPropertyMultiple

// PropertyReference names a property inside a read access specification
type PropertyReference struct {
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
}

// ReadAccessSpec lists the properties to read from one object
type ReadAccessSpec struct {
	ObjectID   ObjectIdentifier
	Properties []PropertyReference
}

// GroupReadRequests groups property requests by object, keeping the order
// in which objects first appear.
func GroupReadRequests(requests []ReadPropertyRequest) []ReadAccessSpec {
	var specs []ReadAccessSpec
	index := make(map[ObjectIdentifier]int)
	for _, req := range requests {
		i, ok := index[req.ObjectID]
		if !ok {
			i = len(specs)
			index[req.ObjectID] = i
			specs = append(specs, ReadAccessSpec{ObjectID: req.ObjectID})
		}
		specs[i].Properties = append(specs[i].Properties, PropertyReference{
			PropertyID: req.PropertyID,
			ArrayIndex: req.ArrayIndex,
		})
	}
	return specs
}

// EncodeReadPropertyMultiple encodes a list of read access specifications
func EncodeReadPropertyMultiple(specs []ReadAccessSpec) []byte {
	data := make([]byte, 0, 64)
	for _, spec := range specs {
		data = append(data, EncodeContextObjectIdentifier(0, spec.ObjectID)...)
		data = append(data, EncodeOpeningTag(1)...)
		for _, ref := range spec.Properties {
			data = append(data, EncodeContextEnumerated(0, uint32(ref.PropertyID))...)
			if ref.ArrayIndex != nil {
				data = append(data, EncodeContextUnsigned(1, *ref.ArrayIndex)...)
			}
		}
		data = append(data, EncodeClosingTag(1)...)
	}
	return data
}

// DecodeReadPropertyMultiple decodes ReadPropertyMultiple parameters
func DecodeReadPropertyMultiple(data []byte) ([]ReadAccessSpec, error) {
	if len(data) == 0 {
		return nil, ErrMissingRequiredParameter
	}

	var specs []ReadAccessSpec
	d := newDecoder(data)
	for !d.done() {
		oid, err := d.contextObjectID(0)
		if err != nil {
			return nil, err
		}
		if err := d.opening(1); err != nil {
			return nil, err
		}

		spec := ReadAccessSpec{ObjectID: oid}
		for !d.peekClosing(1) {
			if d.done() {
				return nil, fmt.Errorf("%w: closing tag 1", ErrMissingRequiredParameter)
			}
			prop, err := d.contextEnumerated(0)
			if err != nil {
				return nil, err
			}
			index, err := d.optionalUnsigned(1)
			if err != nil {
				return nil, err
			}
			spec.Properties = append(spec.Properties, PropertyReference{
				PropertyID: PropertyIdentifier(prop),
				ArrayIndex: index,
			})
		}
		d.next()

		if len(spec.Properties) == 0 {
			return nil, fmt.Errorf("%w: empty property list", ErrMissingRequiredParameter)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// PropertyResult is the value or access error of one property
type PropertyResult struct {
	PropertyID PropertyIdentifier
	ArrayIndex *uint32
	Value      interface{}
	Err        *BACnetError
}

// ReadAccessResult holds the results for one object
type ReadAccessResult struct {
	ObjectID ObjectIdentifier
	Results  []PropertyResult
}

// EncodeReadPropertyMultipleAck encodes the ReadPropertyMultiple results
func EncodeReadPropertyMultipleAck(results []ReadAccessResult) ([]byte, error) {
	data := make([]byte, 0, 128)
	for _, res := range results {
		data = append(data, EncodeContextObjectIdentifier(0, res.ObjectID)...)
		data = append(data, EncodeOpeningTag(1)...)
		for _, pr := range res.Results {
			data = append(data, EncodeContextEnumerated(2, uint32(pr.PropertyID))...)
			if pr.ArrayIndex != nil {
				data = append(data, EncodeContextUnsigned(3, *pr.ArrayIndex)...)
			}
			if pr.Err != nil {
				data = append(data, EncodeOpeningTag(5)...)
				data = append(data, EncodeErrorPayload(pr.Err.Class, pr.Err.Code)...)
				data = append(data, EncodeClosingTag(5)...)
				continue
			}
			value, err := EncodeApplicationValue(pr.Value)
			if err != nil {
				return nil, err
			}
			data = append(data, EncodeOpeningTag(4)...)
			data = append(data, value...)
			data = append(data, EncodeClosingTag(4)...)
		}
		data = append(data, EncodeClosingTag(1)...)
	}
	return data, nil
}

// DecodeReadPropertyMultipleAck decodes ReadPropertyMultiple results
func DecodeReadPropertyMultipleAck(data []byte) ([]ReadAccessResult, error) {
	var results []ReadAccessResult
	d := newDecoder(data)
	for !d.done() {
		oid, err := d.contextObjectID(0)
		if err != nil {
			return nil, err
		}
		if err := d.opening(1); err != nil {
			return nil, err
		}

		res := ReadAccessResult{ObjectID: oid}
		for !d.peekClosing(1) {
			if d.done() {
				return nil, fmt.Errorf("%w: closing tag 1", ErrMissingRequiredParameter)
			}
			prop, err := d.contextEnumerated(2)
			if err != nil {
				return nil, err
			}
			index, err := d.optionalUnsigned(3)
			if err != nil {
				return nil, err
			}
			pr := PropertyResult{PropertyID: PropertyIdentifier(prop), ArrayIndex: index}

			switch {
			case d.peekOpening(4):
				d.next()
				if pr.Value, err = d.enclosedValues(4); err != nil {
					return nil, err
				}
			case d.peekOpening(5):
				d.next()
				start := d.pos
				for !d.peekClosing(5) {
					if _, _, err := d.next(); err != nil {
						return nil, err
					}
				}
				if pr.Err, err = DecodeErrorPayload(d.buf[start:d.pos]); err != nil {
					return nil, err
				}
				d.next()
			default:
				return nil, fmt.Errorf("%w: expected property value or error", ErrInvalidTag)
			}
			res.Results = append(res.Results, pr)
		}
		d.next()
		results = append(results, res)
	}
	return results, nil
}

// SubscribeCOV

// SubscribeCOVRequest subscribes to, or cancels, change of value
// notifications for one object
type SubscribeCOVRequest struct {
	ProcessID uint32
	ObjectID  ObjectIdentifier
	Confirmed *bool
	Lifetime  *uint32
}

// IsCancellation reports whether the request cancels a subscription
func (r SubscribeCOVRequest) IsCancellation() bool {
	return r.Confirmed == nil && r.Lifetime == nil
}

// Encode encodes the request parameters
func (r SubscribeCOVRequest) Encode() []byte {
	data := make([]byte, 0, 20)
	data = append(data, EncodeContextUnsigned(0, r.ProcessID)...)
	data = append(data, EncodeContextObjectIdentifier(1, r.ObjectID)...)
	if r.Confirmed != nil {
		data = append(data, EncodeContextBoolean(2, *r.Confirmed)...)
	}
	if r.Lifetime != nil {
		data = append(data, EncodeContextUnsigned(3, *r.Lifetime)...)
	}
	return data
}

// DecodeSubscribeCOV decodes SubscribeCOV parameters
func DecodeSubscribeCOV(data []byte) (SubscribeCOVRequest, error) {
	var r SubscribeCOVRequest
	d := newDecoder(data)

	pid, err := d.contextUnsigned(0)
	if err != nil {
		return r, err
	}
	oid, err := d.contextObjectID(1)
	if err != nil {
		return r, err
	}
	r = SubscribeCOVRequest{ProcessID: pid, ObjectID: oid}

	if d.peekContext(2) {
		confirmed, err := d.contextBoolean(2)
		if err != nil {
			return r, err
		}
		r.Confirmed = &confirmed
	}
	if r.Lifetime, err = d.optionalUnsigned(3); err != nil {
		return r, err
	}
	if r.Confirmed == nil && r.Lifetime != nil {
		// A lifetime without the confirmation flag is incomplete
		return r, ErrMissingRequiredParameter
	}
	return r, d.finish()
}

// COV notification

// COVNotification reports changed values of a monitored object
type COVNotification struct {
	ProcessID     uint32
	DeviceID      ObjectIdentifier
	ObjectID      ObjectIdentifier
	TimeRemaining uint32
	Values        []PropertyValue
}

// Encode encodes the notification parameters
func (n COVNotification) Encode() ([]byte, error) {
	data := make([]byte, 0, 64)
	data = append(data, EncodeContextUnsigned(0, n.ProcessID)...)
	data = append(data, EncodeContextObjectIdentifier(1, n.DeviceID)...)
	data = append(data, EncodeContextObjectIdentifier(2, n.ObjectID)...)
	data = append(data, EncodeContextUnsigned(3, n.TimeRemaining)...)
	data = append(data, EncodeOpeningTag(4)...)
	for _, pv := range n.Values {
		value, err := EncodeApplicationValue(pv.Value)
		if err != nil {
			return nil, err
		}
		data = append(data, EncodeContextEnumerated(0, uint32(pv.PropertyID))...)
		if pv.ArrayIndex != nil {
			data = append(data, EncodeContextUnsigned(1, *pv.ArrayIndex)...)
		}
		data = append(data, EncodeOpeningTag(2)...)
		data = append(data, value...)
		data = append(data, EncodeClosingTag(2)...)
		if pv.Priority != nil {
			data = append(data, EncodeContextUnsigned(3, uint32(*pv.Priority))...)
		}
	}
	return append(data, EncodeClosingTag(4)...), nil
}

// DecodeCOVNotification decodes confirmed and unconfirmed COV notifications
func DecodeCOVNotification(data []byte) (COVNotification, error) {
	var n COVNotification
	d := newDecoder(data)

	var err error
	if n.ProcessID, err = d.contextUnsigned(0); err != nil {
		return n, err
	}
	if n.DeviceID, err = d.contextObjectID(1); err != nil {
		return n, err
	}
	if n.ObjectID, err = d.contextObjectID(2); err != nil {
		return n, err
	}
	if n.TimeRemaining, err = d.contextUnsigned(3); err != nil {
		return n, err
	}
	if err := d.opening(4); err != nil {
		return n, err
	}

	for !d.peekClosing(4) {
		if d.done() {
			return n, fmt.Errorf("%w: closing tag 4", ErrMissingRequiredParameter)
		}
		prop, err := d.contextEnumerated(0)
		if err != nil {
			return n, err
		}
		index, err := d.optionalUnsigned(1)
		if err != nil {
			return n, err
		}
		if err := d.opening(2); err != nil {
			return n, err
		}
		value, err := d.enclosedValues(2)
		if err != nil {
			return n, err
		}
		pv := PropertyValue{
			ObjectID:   n.ObjectID,
			PropertyID: PropertyIdentifier(prop),
			ArrayIndex: index,
			Value:      value,
		}
		prio, err := d.optionalUnsigned(3)
		if err != nil {
			return n, err
		}
		if prio != nil {
			p := uint8(*prio)
			pv.Priority = &p
		}
		n.Values = append(n.Values, pv)
	}
	d.next()

	return n, d.finish()
}
