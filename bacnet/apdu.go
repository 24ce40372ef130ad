package bacnet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// BVLC header constants (Annex J, BACnet/IP).
const (
	bvlcType              = 0x81
	bvlcForwardedNPDU     = 0x04
	bvlcOriginalUnicast   = 0x0A
	bvlcOriginalBroadcast = 0x0B
)

const npduVersion = 0x01

// APDU types.
const (
	pduConfirmedRequest   = 0x0
	pduUnconfirmedRequest = 0x1
	pduSimpleACK          = 0x2
	pduComplexACK         = 0x3
	pduSegmentACK         = 0x4
	pduError              = 0x5
	pduReject             = 0x6
	pduAbort              = 0x7
)

// Service choices used by the gateway.
const (
	serviceIAm           = 0
	serviceWhoIs         = 8
	serviceReadProperty  = 12
	serviceWriteProperty = 15
)

// maxAPDU1024 is the max-APDU-length-accepted code for 1024 octets,
// carried in the second octet of every confirmed request. The
// segmented-response-accepted bit stays clear, so devices whose
// response would not fit abort instead of segmenting.
const maxAPDU1024 = 0x04

const segmentedBoth = 0

// appendFrame wraps an APDU in NPDU and BVLC headers. expectReply is
// set on confirmed requests.
func appendFrame(b []byte, function byte, expectReply bool, apdu []byte) []byte {
	start := len(b)
	b = append(b, bvlcType, function, 0, 0)
	ctrl := byte(0)
	if expectReply {
		ctrl = 0x04
	}
	b = append(b, npduVersion, ctrl)
	b = append(b, apdu...)
	binary.BigEndian.PutUint16(b[start+2:], uint16(len(b)-start))
	return b
}

// stripBVLC returns the NPDU within a BACnet/IP datagram, or nil for
// frames the gateway does not consume.
func stripBVLC(b []byte) ([]byte, error) {
	if len(b) < 4 || b[0] != bvlcType {
		return nil, fmt.Errorf("not a BACnet/IP frame")
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < 4 || length > len(b) {
		return nil, fmt.Errorf("frame length %d out of range", length)
	}
	switch b[1] {
	case bvlcOriginalUnicast, bvlcOriginalBroadcast:
		return b[4:length], nil
	case bvlcForwardedNPDU:
		// The source address occupies six octets after the header.
		if length < 10 {
			return nil, fmt.Errorf("forwarded frame too short")
		}
		return b[10:length], nil
	}
	return nil, nil
}

// stripNPDU returns the APDU within an NPDU, skipping any routing
// information. Network-layer messages return nil.
func stripNPDU(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("NPDU too short")
	}
	if b[0] != npduVersion {
		return nil, fmt.Errorf("unsupported NPDU version 0x%02x", b[0])
	}
	control := b[1]
	if control&0x80 != 0 {
		return nil, nil
	}
	offset := 2
	if control&0x20 != 0 {
		if len(b) < offset+3 {
			return nil, fmt.Errorf("NPDU truncated at DNET")
		}
		offset += 3 + int(b[offset+2])
	}
	if control&0x08 != 0 {
		if len(b) < offset+3 {
			return nil, fmt.Errorf("NPDU truncated at SNET")
		}
		offset += 3 + int(b[offset+2])
	}
	if control&0x20 != 0 {
		offset++ // hop count
	}
	if offset > len(b) {
		return nil, fmt.Errorf("NPDU truncated")
	}
	return b[offset:], nil
}

// apduInfo is one parsed APDU, with payload meaning depending on the
// type: service data for acks and errors, the reason octet for reject
// and abort.
type apduInfo struct {
	typ       byte
	segmented bool
	invokeID  byte
	service   byte
	payload   []byte
}

func parseAPDU(b []byte) (apduInfo, error) {
	if len(b) < 2 {
		return apduInfo{}, fmt.Errorf("APDU too short")
	}
	info := apduInfo{typ: b[0] >> 4}
	switch info.typ {
	case pduConfirmedRequest:
		if len(b) < 4 {
			return apduInfo{}, fmt.Errorf("confirmed request too short")
		}
		info.invokeID = b[2]
		info.service = b[3]
		info.payload = b[4:]
	case pduUnconfirmedRequest:
		info.service = b[1]
		info.payload = b[2:]
	case pduSimpleACK:
		if len(b) < 3 {
			return apduInfo{}, fmt.Errorf("simple ack too short")
		}
		info.invokeID = b[1]
		info.service = b[2]
	case pduComplexACK:
		info.segmented = b[0]&0x08 != 0
		info.invokeID = b[1]
		if !info.segmented {
			if len(b) < 3 {
				return apduInfo{}, fmt.Errorf("complex ack too short")
			}
			info.service = b[2]
			info.payload = b[3:]
		}
	case pduError:
		if len(b) < 3 {
			return apduInfo{}, fmt.Errorf("error PDU too short")
		}
		info.invokeID = b[1]
		info.service = b[2]
		info.payload = b[3:]
	case pduReject, pduAbort:
		info.invokeID = b[1]
		info.payload = b[2:]
	}
	return info, nil
}

// pduErr converts a response APDU into the device-side error it
// carries, or nil for an ack. Segmented acks surface as aborts since
// the gateway requests unsegmented responses only.
func pduErr(info apduInfo) error {
	switch info.typ {
	case pduSimpleACK:
		return nil
	case pduComplexACK:
		if info.segmented {
			return &AbortError{Reason: 4}
		}
		return nil
	case pduError:
		return parseErrorPDU(info.payload)
	case pduReject:
		var reason uint8
		if len(info.payload) > 0 {
			reason = info.payload[0]
		}
		return &RejectError{Reason: reason}
	case pduAbort:
		var reason uint8
		if len(info.payload) > 0 {
			reason = info.payload[0]
		}
		return &AbortError{Reason: reason}
	}
	return fmt.Errorf("unexpected PDU type %d", info.typ)
}

func parseErrorPDU(b []byte) *ServiceError {
	e := &ServiceError{}
	rest := b
	for i := 0; i < 2 && len(rest) > 0; i++ {
		h, payload, next, err := readTag(rest)
		if err != nil {
			break
		}
		rest = next
		if h.context || h.number != tagEnumerated || len(payload) == 0 {
			continue
		}
		if i == 0 {
			e.Class = decodeUint(payload)
		} else {
			e.Code = decodeUint(payload)
		}
	}
	return e
}

// encodeReadProperty builds a ReadProperty request APDU. A negative
// index reads the whole property.
func encodeReadProperty(invokeID byte, obj ObjectID, prop PropertyID, index int64) []byte {
	a := make([]byte, 0, 24)
	a = append(a, pduConfirmedRequest<<4, maxAPDU1024, invokeID, serviceReadProperty)
	a = appendContextObjectID(a, 0, obj)
	a = appendContextUnsigned(a, 1, uint64(prop))
	if index >= 0 {
		a = appendContextUnsigned(a, 2, uint64(index))
	}
	return a
}

// encodeWriteProperty builds a WriteProperty request APDU targeting
// presentValue. value is the pre-encoded application-tagged payload.
// Priority 0 omits the priority parameter.
func encodeWriteProperty(invokeID byte, obj ObjectID, value []byte, priority uint8) []byte {
	a := make([]byte, 0, 32)
	a = append(a, pduConfirmedRequest<<4, maxAPDU1024, invokeID, serviceWriteProperty)
	a = appendContextObjectID(a, 0, obj)
	a = appendContextUnsigned(a, 1, uint64(PropPresentValue))
	a = appendOpening(a, 3)
	a = append(a, value...)
	a = appendClosing(a, 3)
	if priority >= 1 && priority <= 16 {
		a = appendContextUnsigned(a, 4, uint64(priority))
	}
	return a
}

// parseReadPropertyACK extracts the application-tagged value between
// the opening and closing value tags of a ReadProperty ack.
func parseReadPropertyACK(b []byte) ([]byte, error) {
	rest := b
	for len(rest) > 0 {
		h, _, next, err := readTag(rest)
		if err != nil {
			return nil, err
		}
		if h.context && h.opening && h.number == 3 {
			return captureUntilClosing(next, 3)
		}
		rest = next
	}
	return nil, fmt.Errorf("ack carries no value")
}

// captureUntilClosing returns the bytes preceding the matching closing
// tag, tracking nesting depth.
func captureUntilClosing(b []byte, number byte) ([]byte, error) {
	depth := 0
	rest := b
	for len(rest) > 0 {
		h, _, next, err := readTag(rest)
		if err != nil {
			return nil, err
		}
		if h.context && h.number == number {
			switch {
			case h.opening:
				depth++
			case h.closing && depth > 0:
				depth--
			case h.closing:
				return b[:len(b)-len(rest)], nil
			}
		}
		rest = next
	}
	return nil, fmt.Errorf("unterminated value")
}

func encodeWhoIs() []byte {
	return []byte{pduUnconfirmedRequest << 4, serviceWhoIs}
}

// parseWhoIs returns the device-instance range limits of a Who-Is, if
// present.
func parseWhoIs(b []byte) (low, high uint32, hasRange bool) {
	rest := b
	for len(rest) > 0 {
		h, payload, next, err := readTag(rest)
		if err != nil {
			return 0, 0, false
		}
		rest = next
		if !h.context || len(payload) == 0 {
			continue
		}
		switch h.number {
		case 0:
			low = uint32(decodeUint(payload))
		case 1:
			high = uint32(decodeUint(payload))
			hasRange = true
		}
	}
	return low, high, hasRange
}

// IAm is one I-Am announcement collected during discovery.
type IAm struct {
	Device       ObjectID
	MaxAPDU      uint32
	Segmentation uint8
	Vendor       uint32
	Addr         *net.UDPAddr
}

func encodeIAm(instance uint32, vendor uint16) []byte {
	a := make([]byte, 0, 16)
	a = append(a, pduUnconfirmedRequest<<4, serviceIAm)
	a = AppendObjectID(a, DeviceID(instance))
	a = AppendUnsigned(a, 1024)
	a = AppendEnumerated(a, segmentedBoth)
	a = AppendUnsigned(a, uint64(vendor))
	return a
}

func parseIAm(b []byte) (IAm, error) {
	var iam IAm
	rest := b
	field := 0
	for len(rest) > 0 && field < 4 {
		h, payload, next, err := readTag(rest)
		if err != nil {
			return iam, err
		}
		rest = next
		if h.context {
			continue
		}
		switch field {
		case 0:
			if h.number != tagObjectID || len(payload) != 4 {
				return iam, fmt.Errorf("I-Am without device identifier")
			}
			iam.Device = decodeObjectID(binary.BigEndian.Uint32(payload))
		case 1:
			iam.MaxAPDU = uint32(decodeUint(payload))
		case 2:
			iam.Segmentation = uint8(decodeUint(payload))
		case 3:
			iam.Vendor = uint32(decodeUint(payload))
		}
		field++
	}
	if field == 0 {
		return iam, fmt.Errorf("empty I-Am")
	}
	if iam.Device.Type != Device {
		return iam, fmt.Errorf("I-Am object %s is not a device", iam.Device)
	}
	return iam, nil
}

// Broadcast24 derives the /24 broadcast address from a device or
// gateway address.
func Broadcast24(ip net.IP) net.IP {
	v4 := ip.To4()
	if v4 == nil {
		return net.IPv4bcast
	}
	b := make(net.IP, 4)
	copy(b, v4)
	b[3] = 0xFF
	return b
}

// Addr resolves a device host and port into a UDP address.
func Addr(host string, port int) (*net.UDPAddr, error) {
	if port <= 0 {
		port = DefaultPort
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return net.ResolveUDPAddr("udp4", net.JoinHostPort(host, fmt.Sprint(port)))
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// DefaultPort is the registered BACnet/IP UDP port.
const DefaultPort = 47808
