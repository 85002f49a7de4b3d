package bacnet

// valueKind selects how the present value of an object is typed
type valueKind uint8

const (
	kindNone valueKind = iota
	kindAnalog
	kindBinary
	kindMultiState
)

// numPriorities is the size of a command priority array
const numPriorities = 16

// Object is an object of the local device. Build objects with the
// New* constructors, then hand them to an ObjectStore, which owns them.
type Object struct {
	id    ObjectIdentifier
	kind  valueKind
	props map[PropertyIdentifier]interface{}

	// order keeps the properties in definition order
	order    []PropertyIdentifier
	required map[PropertyIdentifier]bool
	writable map[PropertyIdentifier]bool

	commandable bool
	priority    [numPriorities]interface{}
}

func newObject(t ObjectType, instance uint32, name string, kind valueKind) *Object {
	o := &Object{
		id:       NewObjectIdentifier(t, instance),
		kind:     kind,
		props:    make(map[PropertyIdentifier]interface{}),
		required: make(map[PropertyIdentifier]bool),
		writable: make(map[PropertyIdentifier]bool),
	}
	o.require(PropertyObjectIdentifier, o.id)
	o.require(PropertyObjectName, name)
	o.require(PropertyObjectType, t)
	o.require(PropertyPropertyList, nil)
	o.writable[PropertyObjectName] = true
	return o
}

func (o *Object) require(prop PropertyIdentifier, value interface{}) {
	o.required[prop] = true
	o.set(prop, value)
}

func (o *Object) set(prop PropertyIdentifier, value interface{}) {
	if _, ok := o.props[prop]; !ok {
		o.order = append(o.order, prop)
	}
	o.props[prop] = value
}

// SetProperty sets an initial property value, adding the property when
// the object does not have it yet
func (o *Object) SetProperty(prop PropertyIdentifier, value interface{}) *Object {
	if prop == PropertyPresentValue && o.commandable {
		o.set(PropertyRelinquishDefault, value)
		return o
	}
	o.set(prop, value)
	return o
}

// SetWritable marks properties as writable through WriteProperty
func (o *Object) SetWritable(props ...PropertyIdentifier) *Object {
	for _, p := range props {
		o.writable[p] = true
	}
	return o
}

// ID returns the object identifier
func (o *Object) ID() ObjectIdentifier {
	return o.id
}

// Name returns the object name
func (o *Object) Name() string {
	name, _ := o.props[PropertyObjectName].(string)
	return name
}

// Commandable reports whether the present value is commanded through a
// priority array
func (o *Object) Commandable() bool {
	return o.commandable
}

// presentValue is the value of the highest non-null priority, or the
// relinquish default
func (o *Object) presentValue() interface{} {
	if !o.commandable {
		return o.props[PropertyPresentValue]
	}
	for _, v := range o.priority {
		if v != nil {
			return v
		}
	}
	return o.props[PropertyRelinquishDefault]
}

// activePriority returns the priority in control, 0 when relinquished
func (o *Object) activePriority() uint8 {
	for i, v := range o.priority {
		if v != nil {
			return uint8(i + 1)
		}
	}
	return 0
}

func (o *Object) priorityArray() []interface{} {
	arr := make([]interface{}, numPriorities)
	copy(arr, o.priority[:])
	return arr
}

func (o *Object) makeCommandable(relinquishDefault interface{}) {
	o.commandable = true
	o.require(PropertyPriorityArray, nil)
	o.require(PropertyRelinquishDefault, relinquishDefault)
	o.writable[PropertyPresentValue] = true
}

func (o *Object) addStatus() {
	o.require(PropertyStatusFlags, StatusFlags{})
	o.require(PropertyEventState, EventStateNormal)
	o.require(PropertyOutOfService, false)
	o.set(PropertyReliability, ReliabilityNoFaultDetected)
	o.set(PropertyDescription, "")
	o.writable[PropertyOutOfService] = true
	o.writable[PropertyDescription] = true
}

func newAnalog(t ObjectType, instance uint32, name string, units EngineeringUnits) *Object {
	o := newObject(t, instance, name, kindAnalog)
	o.require(PropertyPresentValue, float32(0))
	o.addStatus()
	o.require(PropertyUnits, units)
	o.set(PropertyCOVIncrement, float32(0))
	o.writable[PropertyCOVIncrement] = true
	return o
}

// NewAnalogInput creates an Analog Input. Its present value is written
// through WriteProperty only while out of service.
func NewAnalogInput(instance uint32, name string, units EngineeringUnits) *Object {
	return newAnalog(ObjectTypeAnalogInput, instance, name, units)
}

// NewAnalogOutput creates a commandable Analog Output
func NewAnalogOutput(instance uint32, name string, units EngineeringUnits) *Object {
	o := newAnalog(ObjectTypeAnalogOutput, instance, name, units)
	o.makeCommandable(float32(0))
	return o
}

// NewAnalogValue creates a commandable Analog Value
func NewAnalogValue(instance uint32, name string, units EngineeringUnits) *Object {
	o := newAnalog(ObjectTypeAnalogValue, instance, name, units)
	o.makeCommandable(float32(0))
	return o
}

// Binary present values
const (
	BinaryInactive Enumerated = 0
	BinaryActive   Enumerated = 1
)

func newBinary(t ObjectType, instance uint32, name string) *Object {
	o := newObject(t, instance, name, kindBinary)
	o.require(PropertyPresentValue, BinaryInactive)
	o.addStatus()
	if t != ObjectTypeBinaryValue {
		o.require(PropertyPolarity, Enumerated(0))
	}
	o.set(PropertyActiveText, "active")
	o.set(PropertyInactiveText, "inactive")
	return o
}

// NewBinaryInput creates a Binary Input
func NewBinaryInput(instance uint32, name string) *Object {
	return newBinary(ObjectTypeBinaryInput, instance, name)
}

// NewBinaryOutput creates a commandable Binary Output
func NewBinaryOutput(instance uint32, name string) *Object {
	o := newBinary(ObjectTypeBinaryOutput, instance, name)
	o.makeCommandable(BinaryInactive)
	return o
}

// NewBinaryValue creates a commandable Binary Value
func NewBinaryValue(instance uint32, name string) *Object {
	o := newBinary(ObjectTypeBinaryValue, instance, name)
	o.makeCommandable(BinaryInactive)
	return o
}

func newMultiState(t ObjectType, instance uint32, name string, states []string) *Object {
	if len(states) == 0 {
		states = []string{"state-1"}
	}
	o := newObject(t, instance, name, kindMultiState)
	o.require(PropertyPresentValue, uint32(1))
	o.addStatus()
	o.require(PropertyNumberOfStates, uint32(len(states)))
	text := make([]interface{}, len(states))
	for i, s := range states {
		text[i] = s
	}
	o.set(PropertyStateText, text)
	return o
}

// NewMultiStateInput creates a Multi-state Input with the given state texts
func NewMultiStateInput(instance uint32, name string, states []string) *Object {
	return newMultiState(ObjectTypeMultiStateInput, instance, name, states)
}

// NewMultiStateOutput creates a commandable Multi-state Output
func NewMultiStateOutput(instance uint32, name string, states []string) *Object {
	o := newMultiState(ObjectTypeMultiStateOutput, instance, name, states)
	o.makeCommandable(uint32(1))
	return o
}

// NewMultiStateValue creates a commandable Multi-state Value
func NewMultiStateValue(instance uint32, name string, states []string) *Object {
	o := newMultiState(ObjectTypeMultiStateValue, instance, name, states)
	o.makeCommandable(uint32(1))
	return o
}

// DeviceConfig describes the Device object
type DeviceConfig struct {
	Instance         uint32
	Name             string
	VendorName       string
	VendorID         uint16
	ModelName        string
	FirmwareRevision string
	SoftwareVersion  string
	Description      string
	Location         string
	MaxAPDU          uint32
}

// NewDeviceObject creates the Device object of a local device
func NewDeviceObject(cfg DeviceConfig) *Object {
	if cfg.MaxAPDU == 0 {
		cfg.MaxAPDU = MaxAPDULength
	}

	o := newObject(ObjectTypeDevice, cfg.Instance, cfg.Name, kindNone)
	o.require(PropertySystemStatus, DeviceStatusOperational)
	o.require(PropertyVendorName, cfg.VendorName)
	o.require(PropertyVendorIdentifier, uint32(cfg.VendorID))
	o.require(PropertyModelName, cfg.ModelName)
	o.require(PropertyFirmwareRevision, cfg.FirmwareRevision)
	o.require(PropertyApplicationSoftwareVersion, cfg.SoftwareVersion)
	o.require(PropertyProtocolVersion, uint32(1))
	o.require(PropertyProtocolRevision, uint32(14))
	o.require(PropertyProtocolServicesSupported, NewBitString(make([]bool, 41)...))
	o.require(PropertyProtocolObjectTypesSupported, NewBitString(make([]bool, 57)...))
	o.require(PropertyObjectList, nil)
	o.require(PropertyMaxApduLengthAccepted, cfg.MaxAPDU)
	o.require(PropertySegmentationSupported, SegmentationNone)
	o.require(PropertyApduTimeout, uint32(3000))
	o.require(PropertyNumberOfApduRetries, uint32(3))
	o.require(PropertyDeviceAddressBinding, []interface{}{})
	o.require(PropertyDatabaseRevision, uint32(0))
	o.set(PropertyDescription, cfg.Description)
	o.set(PropertyLocation, cfg.Location)
	o.set(PropertyLocalDate, nil)
	o.set(PropertyLocalTime, nil)
	o.writable[PropertyDescription] = true
	o.writable[PropertyLocation] = true
	return o
}

// arrayProperties are read element-wise with an array index
var arrayProperties = map[PropertyIdentifier]bool{
	PropertyObjectList:    true,
	PropertyPriorityArray: true,
	PropertyStateText:     true,
	PropertyPropertyList:  true,
}
