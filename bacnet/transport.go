package bacnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bacpipes/bacmq/log"
)

// transport owns one BACnet/IP socket: it serializes invoke-id
// allocation, correlates confirmed-request responses, answers Who-Is,
// and feeds I-Am announcements to an optional sink.
type transport struct {
	conn *net.UDPConn

	identity    Identity
	answerWhoIs bool

	mu      sync.Mutex
	pending map[byte]chan apduInfo
	lastID  byte

	sinkMu sync.Mutex
	sink   chan<- IAm

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// newTransport binds the BACnet/IP socket. The socket binds the
// wildcard address: I-Am replies are broadcast and would never reach a
// unicast-bound socket. SO_BROADCAST is required to send Who-Is.
func newTransport(port int, id Identity, answerWhoIs bool) (*transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable broadcast: %w", err)
	}

	t := &transport{
		conn:        conn,
		identity:    id,
		answerWhoIs: answerWhoIs,
		pending:     make(map[byte]chan apduInfo),
		closed:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.receive()
	return t, nil
}

func (t *transport) localPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

func (t *transport) close() {
	t.once.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
	t.wg.Wait()
}

func (t *transport) receive() {
	defer t.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Debug("BACnet receive error", "error", err)
			continue
		}
		t.handle(buf[:n], src)
	}
}

func (t *transport) handle(pkt []byte, src *net.UDPAddr) {
	npdu, err := stripBVLC(pkt)
	if err != nil || npdu == nil {
		return
	}
	apdu, err := stripNPDU(npdu)
	if err != nil || len(apdu) == 0 {
		return
	}
	info, err := parseAPDU(apdu)
	if err != nil {
		log.Debug("Dropping malformed APDU", "from", src, "cause", err)
		return
	}
	switch info.typ {
	case pduSimpleACK, pduComplexACK, pduError, pduReject, pduAbort:
		t.deliver(info)
	case pduUnconfirmedRequest:
		switch info.service {
		case serviceIAm:
			iam, err := parseIAm(info.payload)
			if err != nil {
				return
			}
			iam.Addr = src
			t.announce(iam)
		case serviceWhoIs:
			t.maybeAnswerWhoIs(info.payload, src)
		}
	}
}

func (t *transport) deliver(info apduInfo) {
	// The payload aliases the receive buffer.
	info.payload = append([]byte(nil), info.payload...)

	t.mu.Lock()
	ch := t.pending[info.invokeID]
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- info:
	default:
	}
}

func (t *transport) announce(iam IAm) {
	t.sinkMu.Lock()
	sink := t.sink
	t.sinkMu.Unlock()
	if sink == nil {
		return
	}
	select {
	case sink <- iam:
	default:
		log.Warn("Dropping I-Am, collector is behind", "device", iam.Device)
	}
}

func (t *transport) setSink(ch chan<- IAm) {
	t.sinkMu.Lock()
	t.sink = ch
	t.sinkMu.Unlock()
}

func (t *transport) maybeAnswerWhoIs(payload []byte, src *net.UDPAddr) {
	if !t.answerWhoIs || t.identity.Instance == 0 {
		return
	}
	if low, high, ok := parseWhoIs(payload); ok {
		if t.identity.Instance < low || t.identity.Instance > high {
			return
		}
	}
	frame := appendFrame(nil, bvlcOriginalUnicast, false, encodeIAm(t.identity.Instance, t.identity.Vendor))
	if _, err := t.conn.WriteToUDP(frame, src); err != nil {
		log.Debug("I-Am reply failed", "to", src, "cause", err)
	}
}

// register allocates an invoke id and its response channel.
func (t *transport) register() (byte, chan apduInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < 256; i++ {
		t.lastID++
		if _, busy := t.pending[t.lastID]; !busy {
			ch := make(chan apduInfo, 1)
			t.pending[t.lastID] = ch
			return t.lastID, ch, nil
		}
	}
	return 0, nil, fmt.Errorf("all invoke ids in flight")
}

func (t *transport) release(id byte) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// exchange sends one confirmed request and waits for its response. The
// build callback receives the allocated invoke id.
func (t *transport) exchange(ctx context.Context, dst *net.UDPAddr, build func(invokeID byte) []byte, timeout time.Duration) (apduInfo, error) {
	id, ch, err := t.register()
	if err != nil {
		return apduInfo{}, err
	}
	defer t.release(id)

	frame := appendFrame(nil, bvlcOriginalUnicast, true, build(id))
	if _, err := t.conn.WriteToUDP(frame, dst); err != nil {
		select {
		case <-t.closed:
			return apduInfo{}, ErrClosed
		default:
		}
		return apduInfo{}, fmt.Errorf("send: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info := <-ch:
		return info, nil
	case <-timer.C:
		return apduInfo{}, ErrTimeout
	case <-ctx.Done():
		return apduInfo{}, ctx.Err()
	case <-t.closed:
		return apduInfo{}, ErrClosed
	}
}

// send transmits one unconfirmed APDU.
func (t *transport) send(dst *net.UDPAddr, function byte, apdu []byte) error {
	frame := appendFrame(nil, function, false, apdu)
	_, err := t.conn.WriteToUDP(frame, dst)
	return err
}
