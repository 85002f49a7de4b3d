package bacnet

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ChangeEvent describes a property change in an ObjectStore. For present
// value commands Value is the commanded value (nil relinquishes) and
// Priority the command priority. Remote is set for changes made through
// WriteProperty and clear for local updates such as SetPresentValue.
type ChangeEvent struct {
	ObjectID   ObjectIdentifier   `json:"object_id"`
	PropertyID PropertyIdentifier `json:"property_id"`
	ArrayIndex *uint32            `json:"array_index,omitempty"`
	Value      interface{}        `json:"value"`
	Priority   *uint8             `json:"priority,omitempty"`
	Remote     bool               `json:"remote"`
	Time       time.Time          `json:"time"`
}

// ObjectStore is the table of objects of a local device. It holds exactly
// one Device object whose object-list is derived from the table.
type ObjectStore struct {
	mu      sync.RWMutex
	device  *Object
	objects map[ObjectIdentifier]*Object
	order   []ObjectIdentifier
	names   map[string]ObjectIdentifier

	subsMu  sync.RWMutex
	subs    map[int]func(ChangeEvent)
	nextSub int

	now func() time.Time
}

// NewObjectStore creates a store around its Device object
func NewObjectStore(device *Object) (*ObjectStore, error) {
	if device == nil || device.id.Type != ObjectTypeDevice {
		return nil, fmt.Errorf("bacnet: object store needs a device object")
	}
	s := &ObjectStore{
		device:  device,
		objects: make(map[ObjectIdentifier]*Object),
		names:   make(map[string]ObjectIdentifier),
		subs:    make(map[int]func(ChangeEvent)),
		now:     time.Now,
	}
	s.objects[device.id] = device
	s.order = append(s.order, device.id)
	s.names[device.Name()] = device.id
	return s, nil
}

// Add adds an object. Identifiers and names must be unique.
func (s *ObjectStore) Add(o *Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.id.Type == ObjectTypeDevice {
		return objectError(ErrorCodeDynamicCreationNotSupported)
	}
	if _, ok := s.objects[o.id]; ok {
		return objectError(ErrorCodeObjectIdentifierAlreadyExists)
	}
	if o.Name() == "" {
		return propertyError(ErrorCodeValueOutOfRange)
	}
	if _, ok := s.names[o.Name()]; ok {
		return propertyError(ErrorCodeDuplicateName)
	}

	s.objects[o.id] = o
	s.order = append(s.order, o.id)
	s.names[o.Name()] = o.id
	s.bumpRevision()
	return nil
}

// Remove deletes an object. The Device object cannot be removed.
func (s *ObjectStore) Remove(id ObjectIdentifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[id]
	if !ok {
		return objectError(ErrorCodeUnknownObject)
	}
	if o == s.device {
		return objectError(ErrorCodeObjectDeletionNotPermitted)
	}

	delete(s.objects, id)
	delete(s.names, o.Name())
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.bumpRevision()
	return nil
}

func (s *ObjectStore) bumpRevision() {
	rev, _ := s.device.props[PropertyDatabaseRevision].(uint32)
	s.device.props[PropertyDatabaseRevision] = rev + 1
}

// DeviceID returns the identifier of the Device object
func (s *ObjectStore) DeviceID() ObjectIdentifier {
	return s.device.id
}

// Objects returns the object identifiers in object-list order
func (s *ObjectStore) Objects() []ObjectIdentifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ObjectIdentifier(nil), s.order...)
}

// Has reports whether the object exists
func (s *ObjectStore) Has(id ObjectIdentifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok
}

// Name returns the name of an object
func (s *ObjectStore) Name(id ObjectIdentifier) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[id]
	if !ok {
		return "", false
	}
	return o.Name(), true
}

// Lookup finds an object by name
func (s *ObjectStore) Lookup(name string) (ObjectIdentifier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.names[name]
	return id, ok
}

// SetDeviceProperty sets a property of the Device object that the device
// server maintains, such as the supported services
func (s *ObjectStore) SetDeviceProperty(prop PropertyIdentifier, value interface{}) {
	s.mu.Lock()
	s.device.set(prop, value)
	s.mu.Unlock()
}

// PropertyList returns the properties of an object. which is one of
// PropertyAll, PropertyRequired, PropertyOptional or PropertyPropertyList.
func (s *ObjectStore) PropertyList(id ObjectIdentifier, which PropertyIdentifier) ([]PropertyIdentifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.objects[id]
	if !ok {
		return nil, objectError(ErrorCodeUnknownObject)
	}
	return o.propertyList(which), nil
}

func (o *Object) propertyList(which PropertyIdentifier) []PropertyIdentifier {
	var list []PropertyIdentifier
	for _, p := range o.order {
		switch which {
		case PropertyAll:
			if p == PropertyPropertyList {
				continue
			}
		case PropertyRequired:
			if !o.required[p] || p == PropertyPropertyList {
				continue
			}
		case PropertyOptional:
			if o.required[p] {
				continue
			}
		case PropertyPropertyList:
			switch p {
			case PropertyObjectIdentifier, PropertyObjectName, PropertyObjectType, PropertyPropertyList:
				continue
			}
		}
		list = append(list, p)
	}
	return list
}

// ReadProperty reads a property. An array index of 0 returns the array
// length.
func (s *ObjectStore) ReadProperty(id ObjectIdentifier, prop PropertyIdentifier, index *uint32) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.objects[id]
	if !ok {
		return nil, objectError(ErrorCodeUnknownObject)
	}
	if _, ok := o.props[prop]; !ok {
		return nil, propertyError(ErrorCodeUnknownProperty)
	}

	value := s.value(o, prop)
	if index == nil {
		return value, nil
	}

	if !arrayProperties[prop] {
		return nil, propertyError(ErrorCodePropertyIsNotAnArray)
	}
	arr, _ := value.([]interface{})
	if *index == 0 {
		return uint32(len(arr)), nil
	}
	if int(*index) > len(arr) {
		return nil, propertyError(ErrorCodeInvalidArrayIndex)
	}
	return arr[*index-1], nil
}

// value returns the current value of a property, deriving computed ones
func (s *ObjectStore) value(o *Object, prop PropertyIdentifier) interface{} {
	switch prop {
	case PropertyPresentValue:
		return o.presentValue()
	case PropertyPriorityArray:
		return o.priorityArray()
	case PropertyPropertyList:
		list := o.propertyList(PropertyPropertyList)
		arr := make([]interface{}, len(list))
		for i, p := range list {
			arr[i] = Enumerated(p)
		}
		return arr
	case PropertyStatusFlags:
		flags, _ := o.props[prop].(StatusFlags)
		flags.OutOfService, _ = o.props[PropertyOutOfService].(bool)
		return flags
	}

	if o == s.device {
		switch prop {
		case PropertyObjectList:
			arr := make([]interface{}, len(s.order))
			for i, id := range s.order {
				arr[i] = id
			}
			return arr
		case PropertyLocalDate:
			now := s.now()
			return Date{
				Year:    uint8(now.Year() - 1900),
				Month:   uint8(now.Month()),
				Day:     uint8(now.Day()),
				Weekday: uint8((int(now.Weekday())+6)%7 + 1),
			}
		case PropertyLocalTime:
			now := s.now()
			return Time{
				Hour:       uint8(now.Hour()),
				Minute:     uint8(now.Minute()),
				Second:     uint8(now.Second()),
				Hundredths: uint8(now.Nanosecond() / 10_000_000),
			}
		}
	}
	return o.props[prop]
}

// WriteProperty writes a property the way a remote WriteProperty does.
// priority applies to commandable present values and defaults to 16.
func (s *ObjectStore) WriteProperty(id ObjectIdentifier, prop PropertyIdentifier, index *uint32, value interface{}, priority *uint8) error {
	ev, err := s.write(id, prop, index, value, priority, true)
	if err != nil {
		return err
	}
	s.publish(ev)
	return nil
}

// SetPresentValue updates the present value from local process data,
// bypassing write access checks. Commandable objects are commanded at the
// lowest priority.
func (s *ObjectStore) SetPresentValue(id ObjectIdentifier, value interface{}) error {
	ev, err := s.write(id, PropertyPresentValue, nil, value, nil, false)
	if err != nil {
		return err
	}
	s.publish(ev)
	return nil
}

// Restore applies a saved value without access checks or change events
func (s *ObjectStore) Restore(id ObjectIdentifier, prop PropertyIdentifier, value interface{}, priority *uint8) error {
	_, err := s.write(id, prop, nil, value, priority, false)
	return err
}

func (s *ObjectStore) write(id ObjectIdentifier, prop PropertyIdentifier, index *uint32, value interface{}, priority *uint8, remote bool) (ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.objects[id]
	if !ok {
		return ChangeEvent{}, objectError(ErrorCodeUnknownObject)
	}
	if _, ok := o.props[prop]; !ok {
		return ChangeEvent{}, propertyError(ErrorCodeUnknownProperty)
	}
	if index != nil && !arrayProperties[prop] {
		return ChangeEvent{}, propertyError(ErrorCodePropertyIsNotAnArray)
	}
	if remote && !s.writable(o, prop, index) {
		return ChangeEvent{}, propertyError(ErrorCodeWriteAccessDenied)
	}

	ev := ChangeEvent{
		ObjectID:   id,
		PropertyID: prop,
		ArrayIndex: index,
		Remote:     remote,
		Time:       s.now(),
	}

	if prop == PropertyPresentValue && o.commandable {
		prio := uint8(numPriorities)
		if priority != nil {
			prio = *priority
		}
		if prio < 1 || prio > numPriorities {
			return ChangeEvent{}, propertyError(ErrorCodeValueOutOfRange)
		}
		if value != nil {
			v, err := o.coerce(prop, value)
			if err != nil {
				return ChangeEvent{}, err
			}
			value = v
		}
		o.priority[prio-1] = value
		ev.Value = value
		ev.Priority = &prio
		return ev, nil
	}

	if value == nil {
		return ChangeEvent{}, propertyError(ErrorCodeInvalidDataType)
	}
	v, err := o.coerce(prop, value)
	if err != nil {
		return ChangeEvent{}, err
	}

	if prop == PropertyObjectName {
		name := v.(string)
		if name == "" {
			return ChangeEvent{}, propertyError(ErrorCodeValueOutOfRange)
		}
		if other, ok := s.names[name]; ok && other != id {
			return ChangeEvent{}, propertyError(ErrorCodeDuplicateName)
		}
		delete(s.names, o.Name())
		s.names[name] = id
		s.bumpRevision()
	}

	o.props[prop] = v
	ev.Value = v
	return ev, nil
}

func (s *ObjectStore) writable(o *Object, prop PropertyIdentifier, index *uint32) bool {
	if index != nil {
		return false
	}
	if prop == PropertyPresentValue && !o.commandable {
		oos, _ := o.props[PropertyOutOfService].(bool)
		return oos
	}
	return o.writable[prop]
}

// coerce converts a written value to the datatype of the property
func (o *Object) coerce(prop PropertyIdentifier, value interface{}) (interface{}, error) {
	switch prop {
	case PropertyPresentValue, PropertyRelinquishDefault:
		switch o.kind {
		case kindAnalog:
			return toReal(value)
		case kindBinary:
			return toBinary(value)
		case kindMultiState:
			n, _ := o.props[PropertyNumberOfStates].(uint32)
			return toState(value, n)
		}
	case PropertyCOVIncrement:
		f, err := toReal(value)
		if err != nil {
			return nil, err
		}
		if f.(float32) < 0 {
			return nil, propertyError(ErrorCodeValueOutOfRange)
		}
		return f, nil
	case PropertyObjectName, PropertyDescription, PropertyLocation:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, propertyError(ErrorCodeInvalidDataType)
	case PropertyOutOfService:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, propertyError(ErrorCodeInvalidDataType)
	}

	// Other properties keep the datatype they were created with
	if current := o.props[prop]; current != nil && fmt.Sprintf("%T", current) != fmt.Sprintf("%T", value) {
		return nil, propertyError(ErrorCodeInvalidDataType)
	}
	return value, nil
}

func toReal(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float32:
		return v, nil
	case float64:
		if math.Abs(v) > math.MaxFloat32 {
			return nil, propertyError(ErrorCodeValueOutOfRange)
		}
		return float32(v), nil
	case uint32:
		return float32(v), nil
	case int32:
		return float32(v), nil
	case int:
		return float32(v), nil
	}
	return nil, propertyError(ErrorCodeInvalidDataType)
}

func toBinary(value interface{}) (interface{}, error) {
	var n uint32
	switch v := value.(type) {
	case Enumerated:
		n = uint32(v)
	case uint32:
		n = v
	case bool:
		if v {
			return BinaryActive, nil
		}
		return BinaryInactive, nil
	default:
		return nil, propertyError(ErrorCodeInvalidDataType)
	}
	if n > 1 {
		return nil, propertyError(ErrorCodeValueOutOfRange)
	}
	return Enumerated(n), nil
}

func toState(value interface{}, states uint32) (interface{}, error) {
	var n uint32
	switch v := value.(type) {
	case uint32:
		n = v
	case int32:
		if v < 0 {
			return nil, propertyError(ErrorCodeValueOutOfRange)
		}
		n = uint32(v)
	case int:
		if v < 0 {
			return nil, propertyError(ErrorCodeValueOutOfRange)
		}
		n = uint32(v)
	default:
		return nil, propertyError(ErrorCodeInvalidDataType)
	}
	if n < 1 || n > states {
		return nil, propertyError(ErrorCodeValueOutOfRange)
	}
	return n, nil
}

// Subscribe registers fn for every change. fn runs synchronously after the
// change and must not block. The returned function unsubscribes.
func (s *ObjectStore) Subscribe(fn func(ChangeEvent)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *ObjectStore) publish(ev ChangeEvent) {
	s.subsMu.RLock()
	subs := make([]func(ChangeEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
