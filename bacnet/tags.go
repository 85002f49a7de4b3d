package bacnet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tag is a decoded tag header
type Tag struct {
	Number uint8
	Class  TagClass

	// Length is the content length. For an application boolean it holds
	// the value itself and no content follows.
	Length int

	Opening bool
	Closing bool

	// HeaderLen is the number of octets of the tag header
	HeaderLen int
}

// IsContext reports whether t is a primitive context tag with number n
func (t Tag) IsContext(n uint8) bool {
	return t.Class == TagClassContext && t.Number == n && !t.Opening && !t.Closing
}

// IsApplication reports whether t is the given application tag
func (t Tag) IsApplication(tag ApplicationTag) bool {
	return t.Class == TagClassApplication && t.Number == uint8(tag)
}

// contentLen is the number of octets following the header
func (t Tag) contentLen() int {
	if t.Opening || t.Closing || t.IsApplication(TagBoolean) {
		return 0
	}
	return t.Length
}

// EncodeTag encodes a tag header. Tag numbers above 14 use the extended
// form, lengths above 4 the extended length octets.
func EncodeTag(tagNum uint8, class TagClass, length int) []byte {
	buf := make([]byte, 1, 7)

	lvt := byte(length)
	if length > 4 {
		lvt = 5
	}

	if tagNum < 15 {
		buf[0] = tagNum<<4 | byte(class)<<3 | lvt
	} else {
		buf[0] = 0xF0 | byte(class)<<3 | lvt
		buf = append(buf, tagNum)
	}

	switch {
	case length <= 4:
	case length < 254:
		buf = append(buf, byte(length))
	case length < 65536:
		buf = append(buf, 254, byte(length>>8), byte(length))
	default:
		buf = append(buf, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}

	return buf
}

// EncodeOpeningTag encodes an opening tag for constructed data
func EncodeOpeningTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{tagNum<<4 | 0x0E}
	}
	return []byte{0xFE, tagNum}
}

// EncodeClosingTag encodes a closing tag for constructed data
func EncodeClosingTag(tagNum uint8) []byte {
	if tagNum < 15 {
		return []byte{tagNum<<4 | 0x0F}
	}
	return []byte{0xFF, tagNum}
}

// DecodeTag decodes the tag header at the start of data and checks that
// its content is present.
func DecodeTag(data []byte) (Tag, error) {
	if len(data) < 1 {
		return Tag{}, ErrMissingRequiredParameter
	}

	t := Tag{
		Number:    data[0] >> 4,
		Class:     TagClass((data[0] >> 3) & 0x01),
		HeaderLen: 1,
	}
	lvt := data[0] & 0x07

	if t.Number == 0x0F {
		if len(data) < 2 {
			return Tag{}, ErrInvalidTag
		}
		t.Number = data[1]
		t.HeaderLen = 2
	}

	switch {
	case lvt == 6 && t.Class == TagClassContext:
		t.Opening = true
		return t, nil
	case lvt == 7 && t.Class == TagClassContext:
		t.Closing = true
		return t, nil
	case lvt >= 6:
		return Tag{}, fmt.Errorf("%w: application tag with length code %d", ErrInvalidTag, lvt)
	case lvt == 5:
		if len(data) < t.HeaderLen+1 {
			return Tag{}, ErrInvalidTag
		}
		switch ext := data[t.HeaderLen]; {
		case ext < 254:
			t.Length = int(ext)
			t.HeaderLen++
		case ext == 254:
			if len(data) < t.HeaderLen+3 {
				return Tag{}, ErrInvalidTag
			}
			t.Length = int(binary.BigEndian.Uint16(data[t.HeaderLen+1:]))
			t.HeaderLen += 3
		default:
			if len(data) < t.HeaderLen+5 {
				return Tag{}, ErrInvalidTag
			}
			t.Length = int(binary.BigEndian.Uint32(data[t.HeaderLen+1:]))
			t.HeaderLen += 5
		}
	default:
		t.Length = int(lvt)
	}

	if t.Length < 0 || len(data) < t.HeaderLen+t.contentLen() {
		return Tag{}, fmt.Errorf("%w: content truncated", ErrInvalidTag)
	}
	return t, nil
}

// Primitive content encoders

// EncodeUnsigned encodes an unsigned integer in the fewest octets
func EncodeUnsigned(value uint32) []byte {
	switch {
	case value < 0x100:
		return []byte{byte(value)}
	case value < 0x10000:
		return []byte{byte(value >> 8), byte(value)}
	case value < 0x1000000:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	}
	return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
}

// EncodeSigned encodes a two's complement integer in the fewest octets
func EncodeSigned(value int32) []byte {
	switch {
	case value >= -128 && value < 128:
		return []byte{byte(value)}
	case value >= -32768 && value < 32768:
		return []byte{byte(value >> 8), byte(value)}
	case value >= -8388608 && value < 8388608:
		return []byte{byte(value >> 16), byte(value >> 8), byte(value)}
	}
	return []byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}
}

// EncodeReal encodes an IEEE-754 single
func EncodeReal(value float32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(value))
	return buf
}

// EncodeDouble encodes an IEEE-754 double
func EncodeDouble(value float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(value))
	return buf
}

// EncodeObjectIdentifier encodes an object identifier
func EncodeObjectIdentifier(oid ObjectIdentifier) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, oid.Encode())
	return buf
}

// Application tagged encoders

func applicationTagged(tag ApplicationTag, content []byte) []byte {
	return append(EncodeTag(uint8(tag), TagClassApplication, len(content)), content...)
}

// EncodeNullTag encodes an application Null
func EncodeNullTag() []byte {
	return []byte{0x00}
}

// EncodeBooleanTag encodes an application boolean
func EncodeBooleanTag(value bool) []byte {
	if value {
		return []byte{0x11}
	}
	return []byte{0x10}
}

// EncodeUnsignedTag encodes an application unsigned integer
func EncodeUnsignedTag(value uint32) []byte {
	return applicationTagged(TagUnsignedInt, EncodeUnsigned(value))
}

// EncodeSignedTag encodes an application signed integer
func EncodeSignedTag(value int32) []byte {
	return applicationTagged(TagSignedInt, EncodeSigned(value))
}

// EncodeRealTag encodes an application REAL
func EncodeRealTag(value float32) []byte {
	return applicationTagged(TagReal, EncodeReal(value))
}

// EncodeDoubleTag encodes an application Double
func EncodeDoubleTag(value float64) []byte {
	return applicationTagged(TagDouble, EncodeDouble(value))
}

// EncodeOctetStringTag encodes an application octet string
func EncodeOctetStringTag(value []byte) []byte {
	return applicationTagged(TagOctetString, value)
}

// EncodeEnumeratedTag encodes an application enumerated value
func EncodeEnumeratedTag(value uint32) []byte {
	return applicationTagged(TagEnumerated, EncodeUnsigned(value))
}

// EncodeObjectIdentifierTag encodes an application object identifier
func EncodeObjectIdentifierTag(oid ObjectIdentifier) []byte {
	return applicationTagged(TagObjectID, EncodeObjectIdentifier(oid))
}

// EncodeCharacterStringTag encodes an application UTF-8 character string
func EncodeCharacterStringTag(s string) []byte {
	return applicationTagged(TagCharacterString, append([]byte{byte(CharsetUTF8)}, s...))
}

// Context tagged encoders

// EncodeContextTag wraps primitive content in a context tag
func EncodeContextTag(tagNum uint8, data []byte) []byte {
	return append(EncodeTag(tagNum, TagClassContext, len(data)), data...)
}

// EncodeContextUnsigned encodes an unsigned integer with context tag
func EncodeContextUnsigned(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeContextEnumerated encodes an enumerated value with context tag
func EncodeContextEnumerated(tagNum uint8, value uint32) []byte {
	return EncodeContextTag(tagNum, EncodeUnsigned(value))
}

// EncodeContextBoolean encodes a boolean with context tag
func EncodeContextBoolean(tagNum uint8, value bool) []byte {
	if value {
		return EncodeContextTag(tagNum, []byte{1})
	}
	return EncodeContextTag(tagNum, []byte{0})
}

// EncodeContextReal encodes a REAL with context tag
func EncodeContextReal(tagNum uint8, value float32) []byte {
	return EncodeContextTag(tagNum, EncodeReal(value))
}

// EncodeContextObjectIdentifier encodes an object identifier with context tag
func EncodeContextObjectIdentifier(tagNum uint8, oid ObjectIdentifier) []byte {
	return EncodeContextTag(tagNum, EncodeObjectIdentifier(oid))
}

// EncodeContextCharacterString encodes a UTF-8 string with context tag
func EncodeContextCharacterString(tagNum uint8, s string) []byte {
	return EncodeContextTag(tagNum, append([]byte{byte(CharsetUTF8)}, s...))
}

// Primitive content decoders

// DecodeUnsigned decodes 1 to 4 octets of unsigned content
func DecodeUnsigned(data []byte) uint32 {
	var v uint32
	for _, b := range data {
		v = v<<8 | uint32(b)
	}
	return v
}

// DecodeSigned decodes 1 to 4 octets of two's complement content
func DecodeSigned(data []byte) int32 {
	if len(data) == 0 {
		return 0
	}
	v := int32(int8(data[0]))
	for _, b := range data[1:] {
		v = v<<8 | int32(b)
	}
	return v
}

// DecodeReal decodes an IEEE-754 single
func DecodeReal(data []byte) float32 {
	if len(data) != 4 {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(data))
}

// DecodeDouble decodes an IEEE-754 double
func DecodeDouble(data []byte) float64 {
	if len(data) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data))
}

// decoder walks the tagged parameters of a service request
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(data []byte) *decoder {
	return &decoder{buf: data}
}

func (d *decoder) done() bool {
	return d.pos >= len(d.buf)
}

func (d *decoder) rest() []byte {
	return d.buf[d.pos:]
}

// finish fails when parameters remain after the last expected one
func (d *decoder) finish() error {
	if !d.done() {
		return fmt.Errorf("%w: %d trailing octets", ErrTooManyArguments, len(d.buf)-d.pos)
	}
	return nil
}

func (d *decoder) peek() (Tag, error) {
	return DecodeTag(d.rest())
}

// next consumes one tag and returns its content
func (d *decoder) next() (Tag, []byte, error) {
	t, err := d.peek()
	if err != nil {
		return Tag{}, nil, err
	}
	start := d.pos + t.HeaderLen
	end := start + t.contentLen()
	d.pos = end
	return t, d.buf[start:end], nil
}

func (d *decoder) peekContext(n uint8) bool {
	t, err := d.peek()
	return err == nil && t.IsContext(n)
}

func (d *decoder) peekOpening(n uint8) bool {
	t, err := d.peek()
	return err == nil && t.Opening && t.Number == n
}

func (d *decoder) peekClosing(n uint8) bool {
	t, err := d.peek()
	return err == nil && t.Closing && t.Number == n
}

func (d *decoder) opening(n uint8) error {
	t, _, err := d.next()
	if err != nil {
		return err
	}
	if !t.Opening || t.Number != n {
		return fmt.Errorf("%w: expected opening tag %d", ErrInvalidTag, n)
	}
	return nil
}

func (d *decoder) closing(n uint8) error {
	t, _, err := d.next()
	if err != nil {
		return err
	}
	if !t.Closing || t.Number != n {
		return fmt.Errorf("%w: expected closing tag %d", ErrInvalidTag, n)
	}
	return nil
}

func (d *decoder) context(n uint8) ([]byte, error) {
	t, content, err := d.next()
	if err != nil {
		return nil, err
	}
	if !t.IsContext(n) {
		return nil, fmt.Errorf("%w: expected context tag %d", ErrInvalidTag, n)
	}
	return content, nil
}

func (d *decoder) contextUnsigned(n uint8) (uint32, error) {
	content, err := d.context(n)
	if err != nil {
		return 0, err
	}
	if len(content) < 1 || len(content) > 4 {
		return 0, fmt.Errorf("%w: unsigned of %d octets", ErrInvalidTag, len(content))
	}
	return DecodeUnsigned(content), nil
}

func (d *decoder) contextEnumerated(n uint8) (uint32, error) {
	return d.contextUnsigned(n)
}

func (d *decoder) contextBoolean(n uint8) (bool, error) {
	content, err := d.context(n)
	if err != nil {
		return false, err
	}
	if len(content) != 1 {
		return false, fmt.Errorf("%w: boolean of %d octets", ErrInvalidTag, len(content))
	}
	return content[0] != 0, nil
}

func (d *decoder) contextReal(n uint8) (float32, error) {
	content, err := d.context(n)
	if err != nil {
		return 0, err
	}
	if len(content) != 4 {
		return 0, fmt.Errorf("%w: real of %d octets", ErrInvalidTag, len(content))
	}
	return DecodeReal(content), nil
}

func (d *decoder) contextObjectID(n uint8) (ObjectIdentifier, error) {
	content, err := d.context(n)
	if err != nil {
		return ObjectIdentifier{}, err
	}
	if len(content) != 4 {
		return ObjectIdentifier{}, fmt.Errorf("%w: object identifier of %d octets", ErrInvalidTag, len(content))
	}
	return DecodeObjectIdentifier(binary.BigEndian.Uint32(content)), nil
}

func (d *decoder) contextCharacterString(n uint8) (string, error) {
	content, err := d.context(n)
	if err != nil {
		return "", err
	}
	return DecodeCharacterString(content)
}

// optionalUnsigned decodes context tag n only if it is next
func (d *decoder) optionalUnsigned(n uint8) (*uint32, error) {
	if !d.peekContext(n) {
		return nil, nil
	}
	v, err := d.contextUnsigned(n)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// applicationValue decodes one application tagged value
func (d *decoder) applicationValue() (interface{}, error) {
	t, content, err := d.next()
	if err != nil {
		return nil, err
	}
	if t.Class != TagClassApplication {
		return nil, fmt.Errorf("%w: expected application tag, got context %d", ErrInvalidTag, t.Number)
	}
	return decodeApplicationContent(t, content)
}

// enclosedValues decodes application values up to and including the
// closing tag n. A single value is returned as is, none or several as a
// slice.
func (d *decoder) enclosedValues(n uint8) (interface{}, error) {
	var values []interface{}
	for {
		if d.done() {
			return nil, fmt.Errorf("%w: closing tag %d", ErrMissingRequiredParameter, n)
		}
		if d.peekClosing(n) {
			d.next()
			break
		}
		v, err := d.applicationValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	switch len(values) {
	case 0:
		return []interface{}{}, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}
