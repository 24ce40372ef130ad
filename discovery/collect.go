package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bacpipes/bacmq/bacnet"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// scan binds the scanner's endpoint, broadcasts Who-Is, and
// inventories every responder. The endpoint closes before results are
// persisted so the polling worker can rebind without waiting out the
// database writes.
func (r *Runner) scan(ctx context.Context, job *store.Job) ([]store.DiscoveredDevice, error) {
	target := net.ParseIP(job.Address)
	if target == nil {
		return nil, fmt.Errorf("invalid discovery address %q", job.Address)
	}

	engine := bacnet.New(r.Config, bacnet.Identity{
		Instance: job.DeviceID,
		Name:     scannerName,
		Vendor:   scannerVendor,
	}, bacnet.WithWhoIsReplies(false))

	if err := engine.Open(job.Address, job.Port); err != nil {
		return nil, err
	}
	defer engine.Close()

	responders, err := engine.Discover(ctx, target, job.Port, job.Timeout)
	if err != nil {
		return nil, err
	}

	found := make([]store.DiscoveredDevice, 0, len(responders))
	for _, iam := range responders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found = append(found, r.collect(ctx, engine, iam))
	}
	return found, nil
}

// collect inventories one responder. Trouble stays local: a device
// whose object list is unreadable is still recorded, just bare.
func (r *Runner) collect(ctx context.Context, engine *bacnet.Engine, iam bacnet.IAm) store.DiscoveredDevice {
	instance := iam.Device.Instance

	d := store.Device{
		Instance: instance,
		Name:     fmt.Sprintf("Device_%d", instance),
		Address:  iam.Addr.IP.String(),
		Port:     iam.Addr.Port,
	}
	if iam.Vendor != 0 {
		vendor := int(iam.Vendor)
		d.VendorID = &vendor
	}

	if v, err := engine.ReadProperty(ctx, iam.Addr, bacnet.DeviceID(instance), bacnet.PropObjectName); err == nil && !v.IsNull() {
		if s := v.String(); s != "" {
			d.Name = s
		}
	}

	objects, err := engine.ReadObjectList(ctx, iam.Addr, instance)
	if err != nil {
		log.WarnError("Object list unavailable", err, "device", instance, "addr", iam.Addr)
		return store.DiscoveredDevice{Device: d}
	}

	var points []store.Point
	for _, obj := range objects {
		if obj.Type == bacnet.Device || obj.Type == bacnet.NetworkPort {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		points = append(points, r.readPoint(ctx, engine, iam.Addr, obj))
	}

	log.Info("Device inventoried", "device", instance, "name", d.Name, "points", len(points))
	return store.DiscoveredDevice{Device: d, Points: points}
}

// readPoint reads one object's metadata. Every property is
// best-effort: controllers routinely omit description or bounds, and
// proprietary objects may answer nothing at all. Writability follows
// the priority array, which commandable objects expose and the rest
// reject as an unknown property.
func (r *Runner) readPoint(ctx context.Context, engine *bacnet.Engine, addr *net.UDPAddr, obj bacnet.ObjectID) store.Point {
	p := store.Point{
		ObjectType:     obj.Type.String(),
		ObjectInstance: obj.Instance,
		Name:           "Unknown",
		PollInterval:   r.PollInterval,
	}

	if v, err := engine.ReadProperty(ctx, addr, obj, bacnet.PropObjectName); err == nil && !v.IsNull() {
		if s := v.String(); s != "" {
			p.Name = s
		}
	}
	if v, err := engine.ReadProperty(ctx, addr, obj, bacnet.PropDescription); err == nil && !v.IsNull() {
		p.Description = v.String()
	}
	if v, err := engine.ReadProperty(ctx, addr, obj, bacnet.PropPresentValue); err == nil && !v.IsNull() {
		p.LastValue = v.String()
	}
	if v, err := engine.ReadProperty(ctx, addr, obj, bacnet.PropUnits); err == nil && !v.IsNull() {
		p.Units = bacnet.UnitName(uint32(v.Uint()))
	}

	// A decode miss still proves the property exists; the device
	// acknowledged the read.
	if _, err := engine.ReadProperty(ctx, addr, obj, bacnet.PropPriorityArray); err == nil || errors.Is(err, bacnet.ErrUnknownTag) {
		p.PriorityArray = true
		p.IsWritable = true
	}

	if v, err := engine.ReadProperty(ctx, addr, obj, bacnet.PropMinPresValue); err == nil {
		if f, ok := v.Float64(); ok {
			p.MinPresValue = &f
		}
	}
	if v, err := engine.ReadProperty(ctx, addr, obj, bacnet.PropMaxPresValue); err == nil {
		if f, ok := v.Float64(); ok {
			p.MaxPresValue = &f
		}
	}

	return p
}
