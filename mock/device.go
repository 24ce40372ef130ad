package mock

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/bacpipes/bacmq/bacnet"
)

// Device is a scripted BACnet/IP device on a loopback UDP socket. It
// answers ReadProperty, WriteProperty and Who-Is from an in-memory
// object table, and can be told to drop, abort, reject or fail
// upcoming requests to exercise client retry paths.
type Device struct {
	instance uint32
	vendor   uint16
	conn     *net.UDPConn

	mu             sync.Mutex
	props          map[propKey]bacnet.Value
	objects        []bacnet.ObjectID
	writes         []Write
	failures       []failure
	wholeListFails bool
	requests       int
	heard          []uint32

	closed chan struct{}
	wg     sync.WaitGroup
}

type propKey struct {
	obj  bacnet.ObjectID
	prop bacnet.PropertyID
}

// Write is one recorded WriteProperty request.
type Write struct {
	Object   bacnet.ObjectID
	Value    bacnet.Value
	Priority uint8
}

const (
	failDrop = iota
	failAbort
	failReject
	failError
)

type failure struct {
	kind int
	a, b uint64
}

// NewDevice binds a device with the given instance on 127.0.0.1. The
// device object itself is the first entry of the object list.
func NewDevice(instance uint32) (*Device, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	d := &Device{
		instance: instance,
		vendor:   15,
		conn:     conn,
		props:    make(map[propKey]bacnet.Value),
		objects:  []bacnet.ObjectID{bacnet.DeviceID(instance)},
		closed:   make(chan struct{}),
	}
	d.props[propKey{bacnet.DeviceID(instance), bacnet.PropObjectName}] =
		bacnet.StringValue(fmt.Sprintf("MockDevice%d", instance))
	d.wg.Add(1)
	go d.serve()
	return d, nil
}

// Addr returns the device's UDP address.
func (d *Device) Addr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *Device) Close() {
	select {
	case <-d.closed:
		return
	default:
	}
	close(d.closed)
	d.conn.Close()
	d.wg.Wait()
}

// AddObject adds an object and its properties to the device.
func (d *Device) AddObject(obj bacnet.ObjectID, props map[bacnet.PropertyID]bacnet.Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects = append(d.objects, obj)
	for p, v := range props {
		d.props[propKey{obj, p}] = v
	}
}

// SetProperty sets one property of an object already on the device.
func (d *Device) SetProperty(obj bacnet.ObjectID, prop bacnet.PropertyID, v bacnet.Value) {
	d.mu.Lock()
	d.props[propKey{obj, prop}] = v
	d.mu.Unlock()
}

// SetName sets the device object's name.
func (d *Device) SetName(name string) {
	d.SetProperty(bacnet.DeviceID(d.instance), bacnet.PropObjectName, bacnet.StringValue(name))
}

// Writes returns the recorded WriteProperty requests.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Requests returns the number of confirmed requests received,
// including dropped ones.
func (d *Device) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// DropNext makes the device ignore the next n confirmed requests.
func (d *Device) DropNext(n int) {
	d.mu.Lock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, failure{kind: failDrop})
	}
	d.mu.Unlock()
}

// AbortNext makes the device abort the next confirmed request.
func (d *Device) AbortNext(reason uint8) {
	d.mu.Lock()
	d.failures = append(d.failures, failure{kind: failAbort, a: uint64(reason)})
	d.mu.Unlock()
}

// RejectNext makes the device reject the next confirmed request.
func (d *Device) RejectNext(reason uint8) {
	d.mu.Lock()
	d.failures = append(d.failures, failure{kind: failReject, a: uint64(reason)})
	d.mu.Unlock()
}

// ErrorNext makes the device answer the next confirmed request with an
// Error PDU.
func (d *Device) ErrorNext(class, code uint64) {
	d.mu.Lock()
	d.failures = append(d.failures, failure{kind: failError, a: class, b: code})
	d.mu.Unlock()
}

// FailWholeObjectList makes whole-array object-list reads abort with
// segmentation-not-supported while indexed reads keep working, the way
// devices with large object lists behave.
func (d *Device) FailWholeObjectList(on bool) {
	d.mu.Lock()
	d.wholeListFails = on
	d.mu.Unlock()
}

// AnnounceTo unicasts an I-Am to dst, as devices do when answering a
// Who-Is heard on another segment.
func (d *Device) AnnounceTo(dst *net.UDPAddr) {
	d.sendIAm(dst)
}

// SendWhoIs unicasts an unranged Who-Is to dst.
func (d *Device) SendWhoIs(dst *net.UDPAddr) {
	d.send(dst, []byte{0x10, 8})
}

// Heard returns the device instances of I-Am announcements received.
func (d *Device) Heard() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.heard...)
}

func (d *Device) serve() {
	defer d.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.closed:
				return
			default:
				continue
			}
		}
		d.handle(buf[:n], src)
	}
}

func (d *Device) handle(pkt []byte, src *net.UDPAddr) {
	if len(pkt) < 6 || pkt[0] != 0x81 {
		return
	}
	apdu := pkt[6:] // no routing information in tests
	if len(apdu) < 2 {
		return
	}
	switch apdu[0] >> 4 {
	case 0x0: // confirmed request
		if len(apdu) < 4 {
			return
		}
		invoke, service := apdu[2], apdu[3]
		if d.preempt(invoke, service, src) {
			return
		}
		switch service {
		case 12:
			d.readProperty(invoke, apdu[4:], src)
		case 15:
			d.writeProperty(invoke, apdu[4:], src)
		default:
			d.send(src, []byte{0x60, invoke, 9}) // reject unrecognized-service
		}
	case 0x1: // unconfirmed request
		switch apdu[1] {
		case 8:
			d.sendIAm(src)
		case 0:
			if len(apdu) >= 7 && apdu[2] == 0xC4 {
				raw := binary.BigEndian.Uint32(apdu[3:7])
				d.mu.Lock()
				d.heard = append(d.heard, raw&bacnet.MaxInstance)
				d.mu.Unlock()
			}
		}
	}
}

// preempt consumes one scripted failure, if any. Reports whether the
// request was already answered (or deliberately ignored).
func (d *Device) preempt(invoke, service byte, src *net.UDPAddr) bool {
	d.mu.Lock()
	d.requests++
	if len(d.failures) == 0 {
		d.mu.Unlock()
		return false
	}
	f := d.failures[0]
	d.failures = d.failures[1:]
	d.mu.Unlock()

	switch f.kind {
	case failDrop:
	case failAbort:
		d.send(src, []byte{0x70, invoke, byte(f.a)})
	case failReject:
		d.send(src, []byte{0x60, invoke, byte(f.a)})
	case failError:
		resp := []byte{0x50, invoke, service}
		resp = bacnet.AppendEnumerated(resp, f.a)
		resp = bacnet.AppendEnumerated(resp, f.b)
		d.send(src, resp)
	}
	return true
}

func (d *Device) readProperty(invoke byte, body []byte, src *net.UDPAddr) {
	obj, prop, index, _, ok := parseTarget(body)
	if !ok {
		d.send(src, []byte{0x60, invoke, 4}) // reject invalid-tag
		return
	}

	d.mu.Lock()
	known := false
	for _, o := range d.objects {
		if o == obj {
			known = true
			break
		}
	}
	value, hasValue := d.props[propKey{obj, prop}]
	objects := append([]bacnet.ObjectID(nil), d.objects...)
	wholeListFails := d.wholeListFails
	d.mu.Unlock()

	if !known {
		d.sendError(src, invoke, 12, 1, 31) // object: unknown-object
		return
	}

	var payload []byte
	switch {
	case prop == bacnet.PropObjectList && index == 0:
		payload = bacnet.AppendUnsigned(nil, uint64(len(objects)))
	case prop == bacnet.PropObjectList && index > 0:
		if int(index) > len(objects) {
			d.sendError(src, invoke, 12, 2, 42) // property: invalid-array-index
			return
		}
		payload = bacnet.AppendObjectID(nil, objects[index-1])
	case prop == bacnet.PropObjectList:
		if wholeListFails {
			d.send(src, []byte{0x70, invoke, 4}) // abort segmentation-not-supported
			return
		}
		for _, o := range objects {
			payload = bacnet.AppendObjectID(payload, o)
		}
	case hasValue:
		var err error
		payload, err = bacnet.AppendValue(nil, value)
		if err != nil {
			d.sendError(src, invoke, 12, 2, 32)
			return
		}
	default:
		d.sendError(src, invoke, 12, 2, 32) // property: unknown-property
		return
	}

	resp := []byte{0x30, invoke, 12}
	resp = appendContextObjectID(resp, 0, obj)
	resp = appendContextUnsigned(resp, 1, uint64(prop))
	if index >= 0 {
		resp = appendContextUnsigned(resp, 2, uint64(index))
	}
	resp = append(resp, 0x3E)
	resp = append(resp, payload...)
	resp = append(resp, 0x3F)
	d.send(src, resp)
}

func (d *Device) writeProperty(invoke byte, body []byte, src *net.UDPAddr) {
	obj, _, _, rest, ok := parseTarget(body)
	if !ok || len(rest) == 0 || rest[0] != 0x3E {
		d.send(src, []byte{0x60, invoke, 4})
		return
	}
	rest = rest[1:]
	end := valueEnd(rest)
	if end < 0 {
		d.send(src, []byte{0x60, invoke, 4})
		return
	}
	value, err := bacnet.DecodeValue(rest[:end])
	if err != nil {
		d.send(src, []byte{0x60, invoke, 3}) // reject invalid-parameter-data-type
		return
	}
	var priority uint8
	after := rest[end+1:]
	if len(after) >= 2 && after[0] == 0x49 {
		priority = after[1]
	}

	d.mu.Lock()
	d.writes = append(d.writes, Write{Object: obj, Value: value, Priority: priority})
	d.props[propKey{obj, bacnet.PropPresentValue}] = value
	d.mu.Unlock()

	d.send(src, []byte{0x20, invoke, 15})
}

func (d *Device) sendError(src *net.UDPAddr, invoke, service byte, class, code uint64) {
	resp := []byte{0x50, invoke, service}
	resp = bacnet.AppendEnumerated(resp, class)
	resp = bacnet.AppendEnumerated(resp, code)
	d.send(src, resp)
}

func (d *Device) sendIAm(src *net.UDPAddr) {
	apdu := []byte{0x10, 0x00}
	apdu = bacnet.AppendObjectID(apdu, bacnet.DeviceID(d.instance))
	apdu = bacnet.AppendUnsigned(apdu, 1024)
	apdu = bacnet.AppendEnumerated(apdu, 3) // no-segmentation
	apdu = bacnet.AppendUnsigned(apdu, uint64(d.vendor))
	d.send(src, apdu)
}

func (d *Device) send(dst *net.UDPAddr, apdu []byte) {
	frame := make([]byte, 0, 6+len(apdu))
	frame = append(frame, 0x81, 0x0A, 0, 0, 0x01, 0x00)
	frame = append(frame, apdu...)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	d.conn.WriteToUDP(frame, dst)
}

// parseTarget reads the object-identifier and property-identifier
// context tags leading every ReadProperty and WriteProperty request,
// plus the optional array index. index is -1 when absent; rest is the
// remainder after the consumed tags.
func parseTarget(b []byte) (obj bacnet.ObjectID, prop bacnet.PropertyID, index int64, rest []byte, ok bool) {
	index = -1
	if len(b) < 5 || b[0] != 0x0C {
		return obj, prop, index, nil, false
	}
	raw := binary.BigEndian.Uint32(b[1:5])
	obj = bacnet.ObjectID{Type: bacnet.ObjectType(raw >> 22), Instance: raw & bacnet.MaxInstance}
	b = b[5:]

	n, v, ok := readContext(b, 1)
	if !ok {
		return obj, prop, index, nil, false
	}
	prop = bacnet.PropertyID(v)
	b = b[n:]

	if n, v, found := readContext(b, 2); found {
		index = int64(v)
		b = b[n:]
	}
	return obj, prop, index, b, true
}

// valueEnd walks application tags and returns the offset of the
// closing tag ending the written value. Scanning for the closing octet
// would misfire on Real payloads whose first byte happens to be 0x3F.
func valueEnd(b []byte) int {
	i := 0
	for i < len(b) {
		octet := b[i]
		if octet == 0x3F {
			return i
		}
		lvt := int(octet & 0x07)
		switch {
		case octet&0x08 == 0 && octet>>4 == 1: // boolean, value in lvt
			i++
		case lvt < 5:
			i += 1 + lvt
		case lvt == 6 || lvt == 7: // nested opening/closing
			i++
		default:
			if i+1 >= len(b) {
				return -1
			}
			ext := int(b[i+1])
			switch {
			case ext < 254:
				i += 2 + ext
			case ext == 254:
				if i+4 > len(b) {
					return -1
				}
				i += 4 + int(binary.BigEndian.Uint16(b[i+2:]))
			default:
				if i+6 > len(b) {
					return -1
				}
				i += 6 + int(binary.BigEndian.Uint32(b[i+2:]))
			}
		}
	}
	return -1
}

// readContext reads one small context-tagged unsigned with the given
// tag number, returning the consumed length and value.
func readContext(b []byte, number byte) (n int, v uint64, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	octet := b[0]
	if octet>>4 != number || octet&0x08 == 0 {
		return 0, 0, false
	}
	length := int(octet & 0x07)
	if length > 4 || len(b) < 1+length {
		return 0, 0, false
	}
	for _, x := range b[1 : 1+length] {
		v = v<<8 | uint64(x)
	}
	return 1 + length, v, true
}

func appendContextUnsigned(b []byte, number byte, v uint64) []byte {
	n := 1
	for x := v; x > 0xFF; x >>= 8 {
		n++
	}
	b = append(b, number<<4|0x08|byte(n))
	for i := n - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func appendContextObjectID(b []byte, number byte, id bacnet.ObjectID) []byte {
	b = append(b, number<<4|0x08|4)
	return binary.BigEndian.AppendUint32(b, uint32(id.Type)<<22|id.Instance&bacnet.MaxInstance)
}
