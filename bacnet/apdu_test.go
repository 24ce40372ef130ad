package bacnet

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestEncodeReadProperty(t *testing.T) {
	apdu := encodeReadProperty(1, ObjectID{AnalogInput, 1}, PropPresentValue, -1)
	want := []byte{
		0x00, 0x04, 0x01, 0x0C, // confirmed request, max APDU 1024, invoke 1, ReadProperty
		0x0C, 0x00, 0x00, 0x00, 0x01, // analog-input:1
		0x19, 0x55, // presentValue
	}
	if !bytes.Equal(apdu, want) {
		t.Errorf("Wanted % x, got % x", want, apdu)
	}

	frame := appendFrame(nil, bvlcOriginalUnicast, true, apdu)
	wantFrame := append([]byte{0x81, 0x0A, 0x00, 0x11, 0x01, 0x04}, want...)
	if !bytes.Equal(frame, wantFrame) {
		t.Errorf("Wanted % x, got % x", wantFrame, frame)
	}
}

func TestEncodeReadPropertyIndexed(t *testing.T) {
	apdu := encodeReadProperty(3, DeviceID(260001), PropObjectList, 0)
	want := []byte{
		0x00, 0x04, 0x03, 0x0C,
		0x0C, 0x02, 0x03, 0xF7, 0xA1, // device:260001
		0x19, 0x4C, // objectList
		0x29, 0x00, // index 0
	}
	if !bytes.Equal(apdu, want) {
		t.Errorf("Wanted % x, got % x", want, apdu)
	}
}

func TestEncodeWriteProperty(t *testing.T) {
	value := AppendReal(nil, 22.5)
	apdu := encodeWriteProperty(2, ObjectID{AnalogOutput, 3}, value, 8)
	want := []byte{
		0x00, 0x04, 0x02, 0x0F,
		0x0C, 0x00, 0x40, 0x00, 0x03, // analog-output:3
		0x19, 0x55,
		0x3E, 0x44, 0x41, 0xB4, 0x00, 0x00, 0x3F,
		0x49, 0x08, // priority 8
	}
	if !bytes.Equal(apdu, want) {
		t.Errorf("Wanted % x, got % x", want, apdu)
	}

	// Priority 0 omits the priority parameter.
	apdu = encodeWriteProperty(2, ObjectID{AnalogOutput, 3}, value, 0)
	if !bytes.Equal(apdu, want[:len(want)-2]) {
		t.Errorf("Wanted % x, got % x", want[:len(want)-2], apdu)
	}
}

func TestParseReadPropertyACK(t *testing.T) {
	value := AppendReal(nil, 21.5)
	payload := appendContextObjectID(nil, 0, ObjectID{AnalogInput, 1})
	payload = appendContextUnsigned(payload, 1, uint64(PropPresentValue))
	payload = appendOpening(payload, 3)
	payload = append(payload, value...)
	payload = appendClosing(payload, 3)

	got, err := parseReadPropertyACK(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Wanted % x, got % x", value, got)
	}

	if _, err := parseReadPropertyACK(payload[:len(payload)-1]); err == nil {
		t.Error("unterminated value: Wanted error, got nil")
	}
	if _, err := parseReadPropertyACK(payload[:4]); err == nil {
		t.Error("no value tags: Wanted error, got nil")
	}
}

func TestCaptureUntilClosing(t *testing.T) {
	// Nested 3-tags stay inside the captured value.
	b := []byte{0x3E, 0x00, 0x3F, 0x21, 0x05, 0x3F}
	got, err := captureUntilClosing(b, 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := b[:5]; !bytes.Equal(got, want) {
		t.Errorf("Wanted % x, got % x", want, got)
	}
}

func TestStripBVLC(t *testing.T) {
	npdu := []byte{0x01, 0x00, 0x10, 0x08}

	frame := appendFrame(nil, bvlcOriginalUnicast, false, npdu[2:])
	got, err := stripBVLC(frame)
	if err != nil || !bytes.Equal(got, npdu) {
		t.Errorf("unicast: got % x, %v", got, err)
	}

	frame = appendFrame(nil, bvlcOriginalBroadcast, false, npdu[2:])
	if got, err = stripBVLC(frame); err != nil || !bytes.Equal(got, npdu) {
		t.Errorf("broadcast: got % x, %v", got, err)
	}

	// Forwarded frames carry the origin address before the NPDU.
	fwd := []byte{0x81, 0x04, 0x00, 0x0E, 0xC0, 0xA8, 0x01, 0x05, 0xBA, 0xC0}
	fwd = append(fwd, npdu...)
	if got, err = stripBVLC(fwd); err != nil || !bytes.Equal(got, npdu) {
		t.Errorf("forwarded: got % x, %v", got, err)
	}

	// Functions the gateway does not consume.
	if got, err = stripBVLC([]byte{0x81, 0x00, 0x00, 0x06, 0x00, 0x00}); err != nil || got != nil {
		t.Errorf("result: got % x, %v", got, err)
	}

	if _, err = stripBVLC([]byte{0x42, 0x0A, 0x00, 0x04}); err == nil {
		t.Error("bad type: Wanted error, got nil")
	}
	if _, err = stripBVLC([]byte{0x81, 0x0A, 0x00, 0xFF, 0x01, 0x00}); err == nil {
		t.Error("bad length: Wanted error, got nil")
	}
}

func TestStripNPDU(t *testing.T) {
	apdu := []byte{0x30, 0x01, 0x0C}
	var tests = []struct {
		name string
		npdu []byte
	}{
		{"plain", []byte{0x01, 0x00}},
		{"expecting reply", []byte{0x01, 0x04}},
		{"dnet", []byte{0x01, 0x20, 0x12, 0x34, 0x01, 0xFF, 0x07}},
		{"snet", []byte{0x01, 0x08, 0x56, 0x78, 0x06, 1, 2, 3, 4, 5, 6}},
		{"dnet and snet", []byte{0x01, 0x28, 0x12, 0x34, 0x00, 0x56, 0x78, 0x02, 9, 9, 0x07}},
	}
	for _, tt := range tests {
		got, err := stripNPDU(append(tt.npdu, apdu...))
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if !bytes.Equal(got, apdu) {
			t.Errorf("%s: Wanted % x, got % x", tt.name, apdu, got)
		}
	}

	if got, err := stripNPDU([]byte{0x01, 0x80, 0x00, 0x12, 0x34}); err != nil || got != nil {
		t.Errorf("network message: got % x, %v", got, err)
	}
	if _, err := stripNPDU([]byte{0x02, 0x00, 0x10, 0x08}); err == nil {
		t.Error("version: Wanted error, got nil")
	}
	if _, err := stripNPDU([]byte{0x01, 0x20, 0x12}); err == nil {
		t.Error("truncated: Wanted error, got nil")
	}
}

func TestParseAPDU(t *testing.T) {
	var tests = []struct {
		name string
		data []byte
		want apduInfo
	}{
		{"simple ack", []byte{0x20, 0x07, 0x0F}, apduInfo{typ: pduSimpleACK, invokeID: 7, service: 15}},
		{"complex ack", []byte{0x30, 0x07, 0x0C, 0xAA}, apduInfo{typ: pduComplexACK, invokeID: 7, service: 12, payload: []byte{0xAA}}},
		{"segmented ack", []byte{0x38, 0x07}, apduInfo{typ: pduComplexACK, segmented: true, invokeID: 7}},
		{"error", []byte{0x50, 0x07, 0x0C, 0x91, 0x01}, apduInfo{typ: pduError, invokeID: 7, service: 12, payload: []byte{0x91, 0x01}}},
		{"reject", []byte{0x60, 0x07, 0x09}, apduInfo{typ: pduReject, invokeID: 7, payload: []byte{0x09}}},
		{"abort", []byte{0x70, 0x07, 0x04}, apduInfo{typ: pduAbort, invokeID: 7, payload: []byte{0x04}}},
		{"unconfirmed", []byte{0x10, 0x08}, apduInfo{typ: pduUnconfirmedRequest, service: 8, payload: []byte{}}},
	}
	for _, tt := range tests {
		got, err := parseAPDU(tt.data)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got.typ != tt.want.typ || got.segmented != tt.want.segmented ||
			got.invokeID != tt.want.invokeID || got.service != tt.want.service ||
			!bytes.Equal(got.payload, tt.want.payload) {
			t.Errorf("%s: Wanted %+v, got %+v", tt.name, tt.want, got)
		}
	}

	if _, err := parseAPDU([]byte{0x20}); err == nil {
		t.Error("short: Wanted error, got nil")
	}
}

func TestPduErr(t *testing.T) {
	if err := pduErr(apduInfo{typ: pduSimpleACK}); err != nil {
		t.Errorf("simple ack: %v", err)
	}
	if err := pduErr(apduInfo{typ: pduComplexACK}); err != nil {
		t.Errorf("complex ack: %v", err)
	}

	err := pduErr(apduInfo{typ: pduComplexACK, segmented: true})
	var abort *AbortError
	if !errors.As(err, &abort) || abort.Reason != 4 {
		t.Errorf("segmented ack: Wanted abort 4, got %v", err)
	}

	err = pduErr(apduInfo{typ: pduAbort, payload: []byte{0x01}})
	if !errors.As(err, &abort) || abort.Reason != 1 {
		t.Errorf("abort: Wanted abort 1, got %v", err)
	}

	err = pduErr(apduInfo{typ: pduReject, payload: []byte{0x09}})
	var reject *RejectError
	if !errors.As(err, &reject) || reject.Reason != 9 {
		t.Errorf("reject: Wanted reject 9, got %v", err)
	}

	err = pduErr(apduInfo{typ: pduError, payload: []byte{0x91, 0x02, 0x91, 0x20}})
	var serr *ServiceError
	if !errors.As(err, &serr) || serr.Class != 2 || serr.Code != 32 {
		t.Errorf("error: Wanted class 2 code 32, got %v", err)
	}
	if want := "device error: property: unknown-property"; err.Error() != want {
		t.Errorf("Wanted %q, got %q", want, err.Error())
	}
}

func TestWhoIs(t *testing.T) {
	if got := encodeWhoIs(); !bytes.Equal(got, []byte{0x10, 0x08}) {
		t.Errorf("Wanted 10 08, got % x", got)
	}

	if _, _, hasRange := parseWhoIs(nil); hasRange {
		t.Error("unranged Who-Is reported a range")
	}

	low, high, hasRange := parseWhoIs([]byte{0x09, 0x05, 0x19, 0x64})
	if !hasRange || low != 5 || high != 100 {
		t.Errorf("Wanted range 5..100, got %d..%d (%v)", low, high, hasRange)
	}
}

func TestIAmRoundTrip(t *testing.T) {
	apdu := encodeIAm(260001, 999)
	info, err := parseAPDU(apdu)
	if err != nil {
		t.Fatal(err)
	}
	if info.typ != pduUnconfirmedRequest || info.service != serviceIAm {
		t.Fatalf("got %+v", info)
	}

	iam, err := parseIAm(info.payload)
	if err != nil {
		t.Fatal(err)
	}
	if iam.Device != DeviceID(260001) {
		t.Errorf("Wanted device:260001, got %s", iam.Device)
	}
	if iam.MaxAPDU != 1024 {
		t.Errorf("Wanted max APDU 1024, got %d", iam.MaxAPDU)
	}
	if iam.Segmentation != segmentedBoth {
		t.Errorf("Wanted segmentation %d, got %d", segmentedBoth, iam.Segmentation)
	}
	if iam.Vendor != 999 {
		t.Errorf("Wanted vendor 999, got %d", iam.Vendor)
	}
}

func TestParseIAmInvalid(t *testing.T) {
	if _, err := parseIAm(nil); err == nil {
		t.Error("empty: Wanted error, got nil")
	}

	payload := AppendObjectID(nil, ObjectID{AnalogInput, 1})
	payload = AppendUnsigned(payload, 1024)
	if _, err := parseIAm(payload); err == nil {
		t.Error("non-device object: Wanted error, got nil")
	}
}

func TestBroadcast24(t *testing.T) {
	if got := Broadcast24(net.IPv4(192, 168, 1, 77)); !got.Equal(net.IPv4(192, 168, 1, 255)) {
		t.Errorf("Wanted 192.168.1.255, got %s", got)
	}
	if got := Broadcast24(net.ParseIP("2001:db8::1")); !got.Equal(net.IPv4bcast) {
		t.Errorf("Wanted 255.255.255.255, got %s", got)
	}
}

func TestAddr(t *testing.T) {
	addr, err := Addr("10.0.0.5", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.IP.Equal(net.IPv4(10, 0, 0, 5)) || addr.Port != DefaultPort {
		t.Errorf("Wanted 10.0.0.5:%d, got %s", DefaultPort, addr)
	}

	addr, err = Addr("10.0.0.5", 47809)
	if err != nil {
		t.Fatal(err)
	}
	if addr.Port != 47809 {
		t.Errorf("Wanted port 47809, got %d", addr.Port)
	}
}
