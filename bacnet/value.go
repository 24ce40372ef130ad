package bacnet

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Application tag numbers.
const (
	tagNull        = 0
	tagBoolean     = 1
	tagUnsigned    = 2
	tagSigned      = 3
	tagReal        = 4
	tagDouble      = 5
	tagOctetString = 6
	tagCharString  = 7
	tagBitString   = 8
	tagEnumerated  = 9
	tagDate        = 10
	tagTime        = 11
	tagObjectID    = 12
)

// Character set codes carried in the first octet of a character string.
const (
	charsetUTF8   = 0
	charsetUCS2   = 4
	charsetLatin1 = 5
)

// Kind identifies the decoded type of a [Value].
type Kind uint8

const (
	Null Kind = iota
	Boolean
	Unsigned
	Integer
	Real
	Double
	CharString
	Enumerated
	ObjectIdentifier
)

var kindNames = [...]string{
	Null:             "null",
	Boolean:          "boolean",
	Unsigned:         "unsigned",
	Integer:          "integer",
	Real:             "real",
	Double:           "double",
	CharString:       "character-string",
	Enumerated:       "enumerated",
	ObjectIdentifier: "object-identifier",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind-" + strconv.FormatUint(uint64(k), 10)
}

// Value is a decoded BACnet application-tagged value.
type Value struct {
	kind Kind
	num  uint64
	f    float64
	s    string
}

func NullValue() Value             { return Value{kind: Null} }
func UnsignedValue(u uint64) Value { return Value{kind: Unsigned, num: u} }
func IntegerValue(i int64) Value   { return Value{kind: Integer, num: uint64(i)} }
func RealValue(f float64) Value    { return Value{kind: Real, f: f} }
func DoubleValue(f float64) Value  { return Value{kind: Double, f: f} }
func StringValue(s string) Value   { return Value{kind: CharString, s: s} }
func EnumValue(u uint64) Value     { return Value{kind: Enumerated, num: u} }

func BoolValue(b bool) Value {
	v := Value{kind: Boolean}
	if b {
		v.num = 1
	}
	return v
}

func ObjectValue(id ObjectID) Value {
	return Value{kind: ObjectIdentifier, num: uint64(id.encode())}
}

// Kind returns the decoded type of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the BACnet Null.
func (v Value) IsNull() bool { return v.kind == Null }

// Bool returns the boolean view of the value.
func (v Value) Bool() bool { return v.num != 0 }

// Uint returns the unsigned view of the value.
func (v Value) Uint() uint64 { return v.num }

// Int returns the signed view of the value.
func (v Value) Int() int64 { return int64(v.num) }

// ObjectID returns the value as an object identifier.
func (v Value) ObjectID() (ObjectID, bool) {
	if v.kind != ObjectIdentifier {
		return ObjectID{}, false
	}
	return decodeObjectID(uint32(v.num)), true
}

// Float64 returns the numeric view of the value. ok is false for
// non-numeric kinds.
func (v Value) Float64() (f float64, ok bool) {
	switch v.kind {
	case Unsigned, Enumerated:
		return float64(v.num), true
	case Integer:
		return float64(int64(v.num)), true
	case Real, Double:
		return v.f, true
	}
	return 0, false
}

// Scalar returns the native Go scalar used in publish payloads.
func (v Value) Scalar() any {
	switch v.kind {
	case Boolean:
		return v.num != 0
	case Unsigned, Enumerated:
		return v.num
	case Integer:
		return int64(v.num)
	case Real, Double:
		return v.f
	case CharString:
		return v.s
	case ObjectIdentifier:
		return decodeObjectID(uint32(v.num)).String()
	}
	return nil
}

// String returns the display form of the value, used for the stored
// last reading.
func (v Value) String() string {
	switch v.kind {
	case Boolean:
		return strconv.FormatBool(v.num != 0)
	case Unsigned, Enumerated:
		return strconv.FormatUint(v.num, 10)
	case Integer:
		return strconv.FormatInt(int64(v.num), 10)
	case Real:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case Double:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case CharString:
		return v.s
	case ObjectIdentifier:
		return decodeObjectID(uint32(v.num)).String()
	}
	return "null"
}

// Leaks reports whether the value's string form carries a stringified
// protocol object. Gateways have published raw decoder dumps before;
// such readings are refused rather than forwarded to consumers.
func (v Value) Leaks() bool {
	if v.kind != CharString {
		return false
	}
	return strings.Contains(v.s, "bacpypes3") || strings.Contains(v.s, "object at")
}

// DecodeValue decodes the first usable application-tagged value in
// data. Null tags are remembered but skipped, so an all-null stream
// (a released priority array, a null present value) decodes to the
// Null value. A stream with no decodable tag returns [ErrUnknownTag].
func DecodeValue(data []byte) (Value, error) {
	var sawNull bool
	rest := data
	for len(rest) > 0 {
		h, payload, next, err := readTag(rest)
		if err != nil {
			break
		}
		rest = next
		if h.context {
			continue
		}
		switch h.number {
		case tagNull:
			sawNull = true
		case tagBoolean:
			if len(payload) == 1 {
				return BoolValue(payload[0] != 0), nil
			}
			return BoolValue(h.lvt != 0), nil
		case tagUnsigned:
			if len(payload) > 0 {
				return UnsignedValue(decodeUint(payload)), nil
			}
		case tagSigned:
			if len(payload) > 0 {
				return IntegerValue(decodeInt(payload)), nil
			}
		case tagReal:
			if len(payload) == 4 {
				f := math.Float32frombits(binary.BigEndian.Uint32(payload))
				return RealValue(float64(f)), nil
			}
		case tagDouble:
			if len(payload) == 8 {
				return DoubleValue(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
			}
		case tagCharString:
			if len(payload) > 0 {
				s, err := decodeCharString(payload)
				if err != nil {
					return Value{}, err
				}
				v := StringValue(s)
				if v.Leaks() {
					return Value{}, ErrValueLeak
				}
				return v, nil
			}
		case tagEnumerated:
			if len(payload) > 0 {
				return EnumValue(decodeUint(payload)), nil
			}
		case tagObjectID:
			if len(payload) == 4 {
				return ObjectValue(decodeObjectID(binary.BigEndian.Uint32(payload))), nil
			}
		}
	}
	if sawNull {
		return NullValue(), nil
	}
	return Value{}, ErrUnknownTag
}

// decodeObjectIDs decodes every object identifier in an
// application-tagged stream, for object-list reads.
func decodeObjectIDs(data []byte) []ObjectID {
	var ids []ObjectID
	rest := data
	for len(rest) > 0 {
		h, payload, next, err := readTag(rest)
		if err != nil {
			break
		}
		rest = next
		if !h.context && h.number == tagObjectID && len(payload) == 4 {
			ids = append(ids, decodeObjectID(binary.BigEndian.Uint32(payload)))
		}
	}
	return ids
}

func decodeCharString(payload []byte) (string, error) {
	cs, text := payload[0], payload[1:]
	switch cs {
	case charsetUTF8:
		return string(text), nil
	case charsetUCS2:
		b, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(text)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case charsetLatin1:
		b, err := charmap.ISO8859_1.NewDecoder().Bytes(text)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	// Remaining charsets pass through undecoded rather than failing
	// the read.
	return string(text), nil
}

func decodeUint(b []byte) uint64 {
	var v uint64
	for _, octet := range b {
		v = v<<8 | uint64(octet)
	}
	return v
}

func decodeInt(b []byte) int64 {
	v := int64(int8(b[0]))
	for _, octet := range b[1:] {
		v = v<<8 | int64(octet)
	}
	return v
}

// AppendValue encodes v as an application-tagged value. Only the kinds
// written by the gateway encode; the rest return [ErrUnencodable].
func AppendValue(b []byte, v Value) ([]byte, error) {
	switch v.kind {
	case Null:
		return AppendNull(b), nil
	case Boolean:
		return AppendBoolean(b, v.num != 0), nil
	case Unsigned:
		return AppendUnsigned(b, v.num), nil
	case Real:
		return AppendReal(b, float32(v.f)), nil
	case Enumerated:
		return AppendEnumerated(b, v.num), nil
	case CharString:
		return AppendString(b, v.s), nil
	case ObjectIdentifier:
		return AppendObjectID(b, decodeObjectID(uint32(v.num))), nil
	}
	return b, ErrUnencodable
}

func AppendNull(b []byte) []byte {
	return append(b, tagNull<<4)
}

func AppendBoolean(b []byte, v bool) []byte {
	octet := byte(tagBoolean << 4)
	if v {
		octet |= 1
	}
	return append(b, octet)
}

func AppendUnsigned(b []byte, v uint64) []byte {
	b = appendTag(b, tagUnsigned, false, uintLen(v))
	return appendUint(b, v)
}

func AppendEnumerated(b []byte, v uint64) []byte {
	b = appendTag(b, tagEnumerated, false, uintLen(v))
	return appendUint(b, v)
}

func AppendReal(b []byte, f float32) []byte {
	b = appendTag(b, tagReal, false, 4)
	return binary.BigEndian.AppendUint32(b, math.Float32bits(f))
}

func AppendString(b []byte, s string) []byte {
	b = appendTag(b, tagCharString, false, len(s)+1)
	b = append(b, charsetUTF8)
	return append(b, s...)
}

func AppendObjectID(b []byte, id ObjectID) []byte {
	b = appendTag(b, tagObjectID, false, 4)
	return binary.BigEndian.AppendUint32(b, id.encode())
}

func uintLen(v uint64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

func appendUint(b []byte, v uint64) []byte {
	for n := uintLen(v) - 1; n >= 0; n-- {
		b = append(b, byte(v>>(8*n)))
	}
	return b
}

// tagHeader is one parsed tag octet, application or context class.
type tagHeader struct {
	number  byte
	context bool
	opening bool
	closing bool
	lvt     byte
}

// readTag parses one tag and its payload. Application booleans carry
// their value in the length field and have no payload.
func readTag(b []byte) (h tagHeader, payload, rest []byte, err error) {
	if len(b) == 0 {
		return h, nil, nil, errTruncated
	}
	octet := b[0]
	b = b[1:]
	h.number = octet >> 4
	h.context = octet&0x08 != 0
	h.lvt = octet & 0x07
	if h.number == 0xF {
		if len(b) == 0 {
			return h, nil, nil, errTruncated
		}
		h.number = b[0]
		b = b[1:]
	}
	if h.context {
		switch h.lvt {
		case 6:
			h.opening = true
			return h, nil, b, nil
		case 7:
			h.closing = true
			return h, nil, b, nil
		}
	} else if h.number == tagBoolean {
		return h, nil, b, nil
	}
	var length int
	switch {
	case h.lvt < 5:
		length = int(h.lvt)
	default:
		if len(b) == 0 {
			return h, nil, nil, errTruncated
		}
		ext := b[0]
		b = b[1:]
		switch {
		case ext < 254:
			length = int(ext)
		case ext == 254:
			if len(b) < 2 {
				return h, nil, nil, errTruncated
			}
			length = int(binary.BigEndian.Uint16(b))
			b = b[2:]
		default:
			if len(b) < 4 {
				return h, nil, nil, errTruncated
			}
			length = int(binary.BigEndian.Uint32(b))
			b = b[4:]
		}
	}
	if length < 0 || len(b) < length {
		return h, nil, nil, errTruncated
	}
	return h, b[:length], b[length:], nil
}

func appendTag(b []byte, number byte, context bool, length int) []byte {
	octet := number << 4
	if context {
		octet |= 0x08
	}
	switch {
	case length < 5:
		return append(b, octet|byte(length))
	case length < 254:
		return append(b, octet|5, byte(length))
	case length < 1<<16:
		b = append(b, octet|5, 254)
		return binary.BigEndian.AppendUint16(b, uint16(length))
	default:
		b = append(b, octet|5, 255)
		return binary.BigEndian.AppendUint32(b, uint32(length))
	}
}

func appendOpening(b []byte, number byte) []byte {
	return append(b, number<<4|0x0E)
}

func appendClosing(b []byte, number byte) []byte {
	return append(b, number<<4|0x0F)
}

func appendContextUnsigned(b []byte, number byte, v uint64) []byte {
	b = appendTag(b, number, true, uintLen(v))
	return appendUint(b, v)
}

func appendContextObjectID(b []byte, number byte, id ObjectID) []byte {
	b = appendTag(b, number, true, 4)
	return binary.BigEndian.AppendUint32(b, id.encode())
}
