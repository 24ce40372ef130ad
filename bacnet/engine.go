// Package bacnet implements the BACnet/IP client used by the gateway:
// confirmed ReadProperty and WriteProperty over a single UDP socket,
// Who-Is discovery, and the application-tag value codec.
//
// The engine owns the socket exclusively. Requests to the same device
// address are serialized, requests to different devices run
// concurrently up to a fan-out cap, and every confirmed request
// follows one retry policy: per-attempt timeouts double from the base,
// device-side aborts, rejects and errors are retried once, socket
// errors surface immediately.
package bacnet

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bacpipes/bacmq/config"
	"github.com/bacpipes/bacmq/log"
)

// Identity is the device object the gateway presents on the network.
// Instance 0 disables Who-Is replies.
type Identity struct {
	Instance uint32
	Name     string
	Vendor   uint16
}

// Engine is a BACnet/IP client bound to one UDP port.
type Engine struct {
	identity    Identity
	answerWhoIs bool

	maxRetries     int
	baseTimeout    time.Duration
	retryPause     time.Duration
	priorityWrites bool

	fanout *semaphore.Weighted

	mu    sync.Mutex
	tr    *transport
	ip    string
	port  int
	bound bool

	locks map[string]*sync.Mutex
}

// Option configures an [Engine].
type Option func(*Engine)

// WithPriorityWrites makes present-value writes carry the requested
// priority on the wire. By default priority is tracked in history only
// and the write targets the plain present value.
func WithPriorityWrites(on bool) Option {
	return func(e *Engine) { e.priorityWrites = on }
}

// WithWhoIsReplies controls whether the engine answers Who-Is with its
// own identity. On by default; the discovery scanner turns it off so
// its own broadcast does not echo back as a discovered device.
func WithWhoIsReplies(on bool) Option {
	return func(e *Engine) { e.answerWhoIs = on }
}

// New returns an engine with the given tuning and identity. The
// returned engine is closed; call [Engine.Open] to bind the socket.
func New(cfg config.BACnetConfig, id Identity, opts ...Option) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 6 * time.Second
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = 500 * time.Millisecond
	}
	if cfg.Fanout < 1 {
		cfg.Fanout = 1
	}
	e := &Engine{
		identity:    id,
		answerWhoIs: true,
		maxRetries:  cfg.MaxRetries,
		baseTimeout: cfg.BaseTimeout,
		retryPause:  cfg.RetryPause,
		fanout:      semaphore.NewWeighted(int64(cfg.Fanout)),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open binds the engine's UDP socket. Port 0 binds an ephemeral port.
// Opening an already-open engine is a no-op.
func (e *Engine) Open(ip string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tr != nil {
		return nil
	}
	tr, err := newTransport(port, e.identity, e.answerWhoIs)
	if err != nil {
		return err
	}
	e.tr = tr
	e.ip = ip
	e.port = tr.localPort()
	e.bound = true
	log.Info("BACnet engine listening", "ip", ip, "port", e.port, "device", e.identity.Instance)
	return nil
}

// Close releases the UDP socket. In-flight requests fail with
// [ErrClosed]. Closing a closed engine is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	tr := e.tr
	e.tr = nil
	e.mu.Unlock()
	if tr == nil {
		return nil
	}
	tr.close()
	log.Info("BACnet engine closed", "port", e.port)
	return nil
}

// Reopen re-binds the socket released by [Engine.Close] to the same
// address.
func (e *Engine) Reopen() error {
	e.mu.Lock()
	if !e.bound {
		e.mu.Unlock()
		return errors.New("bacnet: engine was never opened")
	}
	ip, port := e.ip, e.port
	e.mu.Unlock()
	return e.Open(ip, port)
}

// Port returns the bound UDP port, once opened.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

func (e *Engine) transport() (*transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tr == nil {
		return nil, ErrClosed
	}
	return e.tr, nil
}

func (e *Engine) addrLock(addr string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		e.locks[addr] = l
	}
	return l
}

// invoke runs one confirmed request through the retry policy. The
// destination lock keeps requests to one device in order; the fan-out
// semaphore caps concurrent requests across devices.
func (e *Engine) invoke(ctx context.Context, dst *net.UDPAddr, build func(byte) []byte) (apduInfo, error) {
	lock := e.addrLock(dst.String())
	lock.Lock()
	defer lock.Unlock()

	if err := e.fanout.Acquire(ctx, 1); err != nil {
		return apduInfo{}, err
	}
	defer e.fanout.Release(1)

	var (
		lastErr     error
		deviceRetry bool
	)
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.retryPause):
			case <-ctx.Done():
				return apduInfo{}, ctx.Err()
			}
		}
		tr, err := e.transport()
		if err != nil {
			return apduInfo{}, err
		}
		info, err := tr.exchange(ctx, dst, build, e.baseTimeout<<attempt)
		if err == nil {
			perr := pduErr(info)
			if perr == nil {
				return info, nil
			}
			lastErr = perr
			if deviceRetry {
				return info, perr
			}
			deviceRetry = true
			log.Debug("Retrying after device error", "addr", dst, "cause", perr)
			continue
		}
		if errors.Is(err, ErrTimeout) {
			lastErr = err
			log.Debug("Request timed out", "addr", dst, "attempt", attempt+1)
			continue
		}
		return apduInfo{}, err
	}
	return apduInfo{}, lastErr
}

// ReadProperty reads one property of an object and decodes its value.
func (e *Engine) ReadProperty(ctx context.Context, addr *net.UDPAddr, obj ObjectID, prop PropertyID) (Value, error) {
	return e.read(ctx, addr, obj, prop, -1)
}

// ReadPropertyAt reads one element of an array property.
func (e *Engine) ReadPropertyAt(ctx context.Context, addr *net.UDPAddr, obj ObjectID, prop PropertyID, index uint32) (Value, error) {
	return e.read(ctx, addr, obj, prop, int64(index))
}

func (e *Engine) read(ctx context.Context, addr *net.UDPAddr, obj ObjectID, prop PropertyID, index int64) (Value, error) {
	info, err := e.invoke(ctx, addr, func(id byte) []byte {
		return encodeReadProperty(id, obj, prop, index)
	})
	if err != nil {
		return Value{}, &ReadError{Addr: addr.String(), Object: obj, Property: prop, Err: err}
	}
	raw, err := parseReadPropertyACK(info.payload)
	if err != nil {
		return Value{}, &ReadError{Addr: addr.String(), Object: obj, Property: prop, Err: err}
	}
	v, err := DecodeValue(raw)
	if err != nil {
		return Value{}, &ReadError{Addr: addr.String(), Object: obj, Property: prop, Err: err}
	}
	return v, nil
}

// ReadObjectList reads a device's object list, falling back to indexed
// reads when the whole-array read fails (devices whose list does not
// fit in one APDU abort the plain read).
func (e *Engine) ReadObjectList(ctx context.Context, addr *net.UDPAddr, instance uint32) ([]ObjectID, error) {
	obj := DeviceID(instance)
	info, err := e.invoke(ctx, addr, func(id byte) []byte {
		return encodeReadProperty(id, obj, PropObjectList, -1)
	})
	if err == nil {
		raw, perr := parseReadPropertyACK(info.payload)
		if perr == nil {
			return decodeObjectIDs(raw), nil
		}
		err = perr
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return nil, &ReadError{Addr: addr.String(), Object: obj, Property: PropObjectList, Err: err}
	}

	log.Debug("Falling back to indexed object-list reads", "device", instance, "cause", err)
	count, err := e.ReadPropertyAt(ctx, addr, obj, PropObjectList, 0)
	if err != nil {
		return nil, err
	}
	n := count.Uint()
	const maxObjects = 10000
	if n > maxObjects {
		n = maxObjects
	}
	ids := make([]ObjectID, 0, n)
	for i := uint64(1); i <= n; i++ {
		v, err := e.ReadPropertyAt(ctx, addr, obj, PropObjectList, uint32(i))
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return ids, err
			}
			continue
		}
		if id, ok := v.ObjectID(); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// WritePresentValue writes a present value. Priority rides along in
// history unless the engine was built with [WithPriorityWrites].
func (e *Engine) WritePresentValue(ctx context.Context, addr *net.UDPAddr, obj ObjectID, v Value, priority uint8) error {
	value, err := AppendValue(nil, v)
	if err != nil {
		return &WriteError{Addr: addr.String(), Object: obj, Err: err}
	}
	wirePriority := uint8(0)
	if e.priorityWrites {
		wirePriority = priority
	}
	info, err := e.invoke(ctx, addr, func(id byte) []byte {
		return encodeWriteProperty(id, obj, value, wirePriority)
	})
	if err != nil {
		return &WriteError{Addr: addr.String(), Object: obj, Err: err}
	}
	if info.typ != pduSimpleACK {
		return &WriteError{Addr: addr.String(), Object: obj, Err: errors.New("unexpected response type")}
	}
	return nil
}

// Discover broadcasts a Who-Is on the /24 of the target address and
// collects I-Am announcements for the window. Results are deduplicated
// by device instance in arrival order; the engine's own identity is
// filtered out.
func (e *Engine) Discover(ctx context.Context, target net.IP, port int, window time.Duration) ([]IAm, error) {
	tr, err := e.transport()
	if err != nil {
		return nil, err
	}
	if port <= 0 {
		port = DefaultPort
	}

	sink := make(chan IAm, 64)
	tr.setSink(sink)
	defer tr.setSink(nil)

	bcast := &net.UDPAddr{IP: Broadcast24(target), Port: port}
	if err := tr.send(bcast, bvlcOriginalBroadcast, encodeWhoIs()); err != nil {
		return nil, err
	}
	log.Info("Who-Is broadcast sent", "broadcast", bcast, "window", window)

	var (
		found []IAm
		seen  = make(map[uint32]bool)
	)
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case iam := <-sink:
			if iam.Device.Instance == e.identity.Instance || seen[iam.Device.Instance] {
				continue
			}
			seen[iam.Device.Instance] = true
			found = append(found, iam)
		case <-timer.C:
			return found, nil
		case <-ctx.Done():
			return found, ctx.Err()
		case <-tr.closed:
			return found, ErrClosed
		}
	}
}
