package bacnet

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// Application values are represented by Go values:
//
//	Null             nil
//	Boolean          bool
//	Unsigned         uint32
//	Signed           int32
//	Real             float32
//	Double           float64
//	OctetString      []byte
//	CharacterString  string
//	BitString        BitString
//	Enumerated       Enumerated
//	Date             Date
//	Time             Time
//	ObjectIdentifier ObjectIdentifier
//
// Arrays and lists are []interface{}.

// Enumerated is an application enumerated value
type Enumerated uint32

// BitString is a BACnet bit string
type BitString struct {
	Bits []bool
}

// NewBitString builds a bit string from its bits, bit 0 first
func NewBitString(bits ...bool) BitString {
	return BitString{Bits: append([]bool(nil), bits...)}
}

// Bit returns bit i, false when out of range
func (b BitString) Bit(i int) bool {
	return i >= 0 && i < len(b.Bits) && b.Bits[i]
}

// Len returns the number of bits
func (b BitString) Len() int {
	return len(b.Bits)
}

func (b BitString) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, bit := range b.Bits {
		if i > 0 {
			sb.WriteByte(',')
		}
		if bit {
			sb.WriteByte('T')
		} else {
			sb.WriteByte('F')
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

func encodeBitStringContent(b BitString) []byte {
	n := (len(b.Bits) + 7) / 8
	buf := make([]byte, 1+n)
	buf[0] = byte(n*8 - len(b.Bits))
	for i, bit := range b.Bits {
		if bit {
			buf[1+i/8] |= 0x80 >> (i % 8)
		}
	}
	return buf
}

func decodeBitStringContent(data []byte) (BitString, error) {
	if len(data) < 1 {
		return BitString{}, fmt.Errorf("%w: empty bit string", ErrInvalidTag)
	}
	unused := int(data[0])
	if unused > 7 || (len(data) == 1 && unused != 0) {
		return BitString{}, fmt.Errorf("%w: bit string unused bits %d", ErrInvalidTag, unused)
	}
	n := (len(data)-1)*8 - unused
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = data[1+i/8]&(0x80>>(i%8)) != 0
	}
	return BitString{Bits: bits}, nil
}

// Unspecified marks a date or time field as "any"
const Unspecified = 0xFF

// Date is a BACnet date. Year is the number of years since 1900.
type Date struct {
	Year    uint8
	Month   uint8
	Day     uint8
	Weekday uint8
}

func (d Date) String() string {
	if d.Year == Unspecified {
		return fmt.Sprintf("*-%02d-%02d", d.Month, d.Day)
	}
	return fmt.Sprintf("%04d-%02d-%02d", 1900+int(d.Year), d.Month, d.Day)
}

// Time is a BACnet time of day
type Time struct {
	Hour       uint8
	Minute     uint8
	Second     uint8
	Hundredths uint8
}

func (t Time) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%02d", t.Hour, t.Minute, t.Second, t.Hundredths)
}

// CharacterSet identifies the encoding of a character string
type CharacterSet uint8

const (
	CharsetUTF8     CharacterSet = 0
	CharsetDBCS     CharacterSet = 1
	CharsetJIS      CharacterSet = 2
	CharsetUCS4     CharacterSet = 3
	CharsetUCS2     CharacterSet = 4
	CharsetISO88591 CharacterSet = 5
)

func charsetEncoding(cs CharacterSet) encoding.Encoding {
	switch cs {
	case CharsetUCS4:
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM)
	case CharsetUCS2:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case CharsetISO88591:
		return charmap.ISO8859_1
	}
	return nil
}

// DecodeCharacterString decodes character string content: the charset
// octet followed by the encoded text.
func DecodeCharacterString(data []byte) (string, error) {
	if len(data) < 1 {
		return "", fmt.Errorf("%w: empty character string", ErrInvalidTag)
	}

	cs := CharacterSet(data[0])
	if cs == CharsetUTF8 {
		if !utf8.Valid(data[1:]) {
			return "", fmt.Errorf("%w: invalid UTF-8", ErrInvalidTag)
		}
		return string(data[1:]), nil
	}

	enc := charsetEncoding(cs)
	if enc == nil {
		return "", propertyError(ErrorCodeCharacterSetNotSupported)
	}
	out, err := enc.NewDecoder().Bytes(data[1:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTag, err)
	}
	return string(out), nil
}

// EncodeCharacterString encodes s in the given character set
func EncodeCharacterString(s string, cs CharacterSet) ([]byte, error) {
	if cs == CharsetUTF8 {
		return append([]byte{byte(cs)}, s...), nil
	}
	enc := charsetEncoding(cs)
	if enc == nil {
		return nil, propertyError(ErrorCodeCharacterSetNotSupported)
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("bacnet: encode %q: %w", s, err)
	}
	return append([]byte{byte(cs)}, out...), nil
}

// EncodeApplicationValue encodes a Go value as an application tagged value.
// Slices of values are encoded back to back.
func EncodeApplicationValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return EncodeNullTag(), nil
	case bool:
		return EncodeBooleanTag(val), nil
	case uint32:
		return EncodeUnsignedTag(val), nil
	case uint:
		return EncodeUnsignedTag(uint32(val)), nil
	case uint8:
		return EncodeUnsignedTag(uint32(val)), nil
	case uint16:
		return EncodeUnsignedTag(uint32(val)), nil
	case int32:
		return EncodeSignedTag(val), nil
	case int:
		return EncodeSignedTag(int32(val)), nil
	case float32:
		return EncodeRealTag(val), nil
	case float64:
		return EncodeDoubleTag(val), nil
	case []byte:
		return EncodeOctetStringTag(val), nil
	case string:
		return EncodeCharacterStringTag(val), nil
	case BitString:
		return applicationTagged(TagBitString, encodeBitStringContent(val)), nil
	case StatusFlags:
		return applicationTagged(TagBitString, encodeBitStringContent(val.BitString())), nil
	case Enumerated:
		return EncodeEnumeratedTag(uint32(val)), nil
	case Date:
		return applicationTagged(TagDate, []byte{val.Year, val.Month, val.Day, val.Weekday}), nil
	case Time:
		return applicationTagged(TagTime, []byte{val.Hour, val.Minute, val.Second, val.Hundredths}), nil
	case ObjectIdentifier:
		return EncodeObjectIdentifierTag(val), nil
	case []ObjectIdentifier:
		var buf []byte
		for _, oid := range val {
			buf = append(buf, EncodeObjectIdentifierTag(oid)...)
		}
		return buf, nil
	case []interface{}:
		var buf []byte
		for _, item := range val {
			b, err := EncodeApplicationValue(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		return buf, nil
	case ObjectType:
		return EncodeEnumeratedTag(uint32(val)), nil
	case PropertyIdentifier:
		return EncodeEnumeratedTag(uint32(val)), nil
	case EngineeringUnits:
		return EncodeEnumeratedTag(uint32(val)), nil
	case EventState:
		return EncodeEnumeratedTag(uint32(val)), nil
	case Reliability:
		return EncodeEnumeratedTag(uint32(val)), nil
	case Segmentation:
		return EncodeEnumeratedTag(uint32(val)), nil
	case DeviceStatus:
		return EncodeEnumeratedTag(uint32(val)), nil
	}
	return nil, fmt.Errorf("bacnet: cannot encode %T as application value", v)
}

// DecodeApplicationValue decodes one application tagged value and returns
// it with the number of octets consumed.
func DecodeApplicationValue(data []byte) (interface{}, int, error) {
	d := newDecoder(data)
	v, err := d.applicationValue()
	if err != nil {
		return nil, 0, err
	}
	return v, d.pos, nil
}

// DecodeApplicationValues decodes consecutive application values
func DecodeApplicationValues(data []byte) ([]interface{}, error) {
	d := newDecoder(data)
	var values []interface{}
	for !d.done() {
		v, err := d.applicationValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func decodeApplicationContent(t Tag, content []byte) (interface{}, error) {
	fixed := func(n int) error {
		if len(content) != n {
			return fmt.Errorf("%w: %s of %d octets", ErrInvalidTag, ApplicationTag(t.Number), len(content))
		}
		return nil
	}
	ranged := func() error {
		if len(content) < 1 || len(content) > 4 {
			return fmt.Errorf("%w: %s of %d octets", ErrInvalidTag, ApplicationTag(t.Number), len(content))
		}
		return nil
	}

	switch ApplicationTag(t.Number) {
	case TagNull:
		return nil, fixed(0)
	case TagBoolean:
		if t.Length > 1 {
			return nil, fmt.Errorf("%w: boolean value %d", ErrInvalidTag, t.Length)
		}
		return t.Length == 1, nil
	case TagUnsignedInt:
		if err := ranged(); err != nil {
			return nil, err
		}
		return DecodeUnsigned(content), nil
	case TagSignedInt:
		if err := ranged(); err != nil {
			return nil, err
		}
		return DecodeSigned(content), nil
	case TagReal:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return DecodeReal(content), nil
	case TagDouble:
		if err := fixed(8); err != nil {
			return nil, err
		}
		return DecodeDouble(content), nil
	case TagOctetString:
		return append([]byte(nil), content...), nil
	case TagCharacterString:
		return DecodeCharacterString(content)
	case TagBitString:
		return decodeBitStringContent(content)
	case TagEnumerated:
		if err := ranged(); err != nil {
			return nil, err
		}
		return Enumerated(DecodeUnsigned(content)), nil
	case TagDate:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return Date{Year: content[0], Month: content[1], Day: content[2], Weekday: content[3]}, nil
	case TagTime:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return Time{Hour: content[0], Minute: content[1], Second: content[2], Hundredths: content[3]}, nil
	case TagObjectID:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return DecodeObjectIdentifier(binary.BigEndian.Uint32(content)), nil
	}
	return nil, fmt.Errorf("%w: reserved application tag %d", ErrInvalidTag, t.Number)
}

func (t ApplicationTag) String() string {
	switch t {
	case TagNull:
		return "null"
	case TagBoolean:
		return "boolean"
	case TagUnsignedInt:
		return "unsigned"
	case TagSignedInt:
		return "signed"
	case TagReal:
		return "real"
	case TagDouble:
		return "double"
	case TagOctetString:
		return "octet-string"
	case TagCharacterString:
		return "character-string"
	case TagBitString:
		return "bit-string"
	case TagEnumerated:
		return "enumerated"
	case TagDate:
		return "date"
	case TagTime:
		return "time"
	case TagObjectID:
		return "object-identifier"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// FormatValue renders a decoded value for display
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case []byte:
		return fmt.Sprintf("%X", val)
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = FormatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}
