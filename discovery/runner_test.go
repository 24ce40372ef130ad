package discovery

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bacpipes/bacmq/bacnet"
	"github.com/bacpipes/bacmq/config"
	"github.com/bacpipes/bacmq/mock"
	"github.com/bacpipes/bacmq/store"
)

type finish struct {
	id              uuid.UUID
	status          string
	devices, points int
	errMsg          string
}

type fakeInventory struct {
	mu       sync.Mutex
	found    []store.DiscoveredDevice
	replaced bool
	merged   bool
	finished []finish
	errors   []string

	failSave   error
	failFinish error
}

func (f *fakeInventory) ReplaceDiscovered(_ context.Context, found []store.DiscoveredDevice) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return 0, 0, f.failSave
	}
	f.replaced = true
	f.found = found
	return count(found)
}

func (f *fakeInventory) MergeDiscovered(_ context.Context, found []store.DiscoveredDevice) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return 0, 0, f.failSave
	}
	f.merged = true
	f.found = found
	return count(found)
}

func (f *fakeInventory) FinishJob(_ context.Context, id uuid.UUID, status string, devices, points int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, finish{id, status, devices, points, errMsg})
	return f.failFinish
}

func (f *fakeInventory) LogError(_ context.Context, _ int64, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
	return nil
}

func count(found []store.DiscoveredDevice) (int, int, error) {
	points := 0
	for _, d := range found {
		points += len(d.Points)
	}
	return len(found), points, nil
}

func testRunner(t *testing.T, inv *fakeInventory) *Runner {
	t.Helper()
	return &Runner{
		Store:        inv,
		Config:       fastConfig(),
		Flag:         filepath.Join(t.TempDir(), "discovery_active"),
		PollInterval: 30,
	}
}

func fastConfig() config.BACnetConfig {
	return config.BACnetConfig{
		MaxRetries:  1,
		BaseTimeout: 200 * time.Millisecond,
		RetryPause:  10 * time.Millisecond,
		Fanout:      8,
	}
}

// freePort reserves an ephemeral UDP port and releases it so the
// runner can bind it by number.
func freePort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	port := c.LocalAddr().(*net.UDPAddr).Port
	c.Close()
	return port
}

func testJob(port int, window time.Duration) *store.Job {
	return &store.Job{
		ID:       uuid.New(),
		Address:  "127.0.0.1",
		Port:     port,
		Timeout:  window,
		DeviceID: 3001234,
	}
}

func TestRunReplace(t *testing.T) {
	dev, err := mock.NewDevice(260001)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dev.Close)
	dev.SetName("Chiller Plant")
	dev.AddObject(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}, map[bacnet.PropertyID]bacnet.Value{
		bacnet.PropObjectName:   bacnet.StringValue("AI1"),
		bacnet.PropPresentValue: bacnet.RealValue(21.5),
		bacnet.PropUnits:        bacnet.EnumValue(62),
	})
	dev.AddObject(bacnet.ObjectID{Type: bacnet.AnalogOutput, Instance: 3}, map[bacnet.PropertyID]bacnet.Value{
		bacnet.PropObjectName:    bacnet.StringValue("ZoneTempSP"),
		bacnet.PropDescription:   bacnet.StringValue("Zone setpoint"),
		bacnet.PropPresentValue:  bacnet.RealValue(22),
		bacnet.PropPriorityArray: bacnet.NullValue(),
		bacnet.PropMinPresValue:  bacnet.RealValue(10),
		bacnet.PropMaxPresValue:  bacnet.RealValue(35),
	})
	dev.AddObject(bacnet.ObjectID{Type: bacnet.NetworkPort, Instance: 1}, nil)

	inv := &fakeInventory{}
	r := testRunner(t, inv)
	port := freePort(t)
	job := testJob(port, 500*time.Millisecond)

	go func() {
		time.Sleep(100 * time.Millisecond)
		dev.AnnounceTo(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	}()

	if err := r.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	if job.Status != store.JobComplete {
		t.Fatalf("Wanted status %q, got %q (%s)", store.JobComplete, job.Status, job.Error)
	}
	if job.DevicesFound != 1 || job.PointsFound != 2 {
		t.Errorf("Wanted 1 device and 2 points, got %d and %d", job.DevicesFound, job.PointsFound)
	}
	if !inv.replaced || inv.merged {
		t.Errorf("Wanted a replace save, got replaced=%v merged=%v", inv.replaced, inv.merged)
	}
	if len(inv.finished) != 1 || inv.finished[0].status != store.JobComplete || inv.finished[0].id != job.ID {
		t.Errorf("Job not finalized: %+v", inv.finished)
	}
	if _, err := os.Stat(r.Flag); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Wanted the flag cleared, got %v", err)
	}

	if len(inv.found) != 1 {
		t.Fatalf("Wanted 1 device saved, got %d", len(inv.found))
	}
	d := inv.found[0]
	if d.Device.Instance != 260001 || d.Device.Name != "Chiller Plant" || d.Device.Address != "127.0.0.1" {
		t.Errorf("Device: %+v", d.Device)
	}
	if d.Device.VendorID == nil || *d.Device.VendorID != 15 {
		t.Errorf("Wanted vendor 15, got %v", d.Device.VendorID)
	}
	if len(d.Points) != 2 {
		t.Fatalf("Wanted 2 points (device and network-port skipped), got %d", len(d.Points))
	}

	byName := map[string]store.Point{}
	for _, p := range d.Points {
		byName[p.Name] = p
	}

	ai := byName["AI1"]
	if ai.ObjectType != "analog-input" || ai.ObjectInstance != 1 {
		t.Errorf("AI1 identity: %+v", ai)
	}
	if ai.LastValue != "21.5" || ai.Units != "degreesCelsius" {
		t.Errorf("AI1 reading: value %q units %q", ai.LastValue, ai.Units)
	}
	if ai.IsWritable || ai.PriorityArray || ai.MinPresValue != nil {
		t.Errorf("AI1 should not be writable: %+v", ai)
	}
	if ai.PollInterval != 30 {
		t.Errorf("Wanted the seeded poll interval 30, got %d", ai.PollInterval)
	}

	sp := byName["ZoneTempSP"]
	if !sp.IsWritable || !sp.PriorityArray {
		t.Errorf("ZoneTempSP should be writable: %+v", sp)
	}
	if sp.Description != "Zone setpoint" || sp.LastValue != "22" {
		t.Errorf("ZoneTempSP metadata: %+v", sp)
	}
	if sp.MinPresValue == nil || *sp.MinPresValue != 10 || sp.MaxPresValue == nil || *sp.MaxPresValue != 35 {
		t.Errorf("ZoneTempSP bounds: min %v max %v", sp.MinPresValue, sp.MaxPresValue)
	}
}

func TestRunMergeEmptyWindow(t *testing.T) {
	inv := &fakeInventory{}
	r := testRunner(t, inv)
	r.Merge = true
	job := testJob(freePort(t), 100*time.Millisecond)

	if err := r.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobComplete || job.DevicesFound != 0 || job.PointsFound != 0 {
		t.Errorf("Wanted an empty complete run, got %+v", job)
	}
	if !inv.merged || inv.replaced {
		t.Errorf("Wanted a merge save, got replaced=%v merged=%v", inv.replaced, inv.merged)
	}
}

func TestRunCancelled(t *testing.T) {
	inv := &fakeInventory{}
	r := testRunner(t, inv)
	job := testJob(freePort(t), 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if err := r.Run(ctx, job); err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobCancelled {
		t.Errorf("Wanted status %q, got %q", store.JobCancelled, job.Status)
	}
	if len(inv.errors) != 0 {
		t.Errorf("Cancellation should not log errors, got %v", inv.errors)
	}
	if _, err := os.Stat(r.Flag); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Wanted the flag cleared, got %v", err)
	}
}

func TestRunSaveError(t *testing.T) {
	boom := errors.New("pool exhausted")
	inv := &fakeInventory{failSave: boom}
	r := testRunner(t, inv)
	job := testJob(freePort(t), 100*time.Millisecond)

	err := r.Run(context.Background(), job)
	if !errors.Is(err, boom) {
		t.Fatalf("Wanted the save error surfaced, got %v", err)
	}
	if job.Status != store.JobError || job.Error == "" {
		t.Errorf("Wanted an error job, got %+v", job)
	}
	if len(inv.errors) != 1 || inv.errors[0] != "pool exhausted" {
		t.Errorf("Wanted the failure in the error log, got %v", inv.errors)
	}
	if len(inv.finished) != 1 || inv.finished[0].status != store.JobError {
		t.Errorf("Job not finalized as error: %+v", inv.finished)
	}
}

func TestRunBadAddress(t *testing.T) {
	inv := &fakeInventory{}
	r := testRunner(t, inv)
	job := testJob(freePort(t), 100*time.Millisecond)
	job.Address = "not-an-ip"

	if err := r.Run(context.Background(), job); err == nil {
		t.Fatal("Wanted an error for a bad address")
	}
	if job.Status != store.JobError {
		t.Errorf("Wanted status %q, got %q", store.JobError, job.Status)
	}
}

func TestWaitPortFree(t *testing.T) {
	port := freePort(t)

	if free, err := portFree(port); err != nil || !free {
		t.Fatalf("Wanted a free port, got free=%v err=%v", free, err)
	}

	holder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}

	if free, err := portFree(port); err != nil || free {
		holder.Close()
		t.Fatalf("Wanted a busy port, got free=%v err=%v", free, err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		holder.Close()
	}()

	start := time.Now()
	if err := waitPortFree(context.Background(), port); err != nil {
		t.Fatalf("waitPortFree: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("waitPortFree returned before the holder released the port")
	}
}

func TestWaitPortFreeGivesUp(t *testing.T) {
	oldWait, oldStep := portWait, portWaitStep
	portWait, portWaitStep = 150*time.Millisecond, 20*time.Millisecond
	t.Cleanup(func() { portWait, portWaitStep = oldWait, oldStep })

	port := freePort(t)
	holder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { holder.Close() })

	if err := waitPortFree(context.Background(), port); err == nil {
		t.Fatal("Wanted a timeout while the port is held")
	}
}

func TestFlagLifecycle(t *testing.T) {
	r := &Runner{Flag: filepath.Join(t.TempDir(), "discovery_active")}

	if err := r.raiseFlag(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(r.Flag); err != nil {
		t.Fatalf("Wanted the flag file, got %v", err)
	}

	r.clearFlag()
	if _, err := os.Stat(r.Flag); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Wanted the flag gone, got %v", err)
	}

	// Clearing twice and running unflagged are both fine.
	r.clearFlag()
	none := &Runner{}
	if err := none.raiseFlag(); err != nil {
		t.Errorf("Unflagged raise: %v", err)
	}
}
