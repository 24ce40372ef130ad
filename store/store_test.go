package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testStore opens the store named by BACMQ_TEST_DATABASE_URL and resets
// the tables every test touches. Tests skip when the variable is unset.
func testStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	url := os.Getenv("BACMQ_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BACMQ_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()

	s, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, stmt := range []string{
		`DELETE FROM devices`,
		`DELETE FROM discovery_jobs`,
		`DELETE FROM error_log`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}

	return s, ctx
}

// seedInventory saves one device with a tagged, publishable setpoint
// and an untagged sensor, and returns the setpoint.
func seedInventory(t *testing.T, s *Store, ctx context.Context) *PollPoint {
	t.Helper()

	min, max := 10.0, 35.0

	_, _, err := s.ReplaceDiscovered(ctx, []DiscoveredDevice{{
		Device: Device{Instance: 260001, Name: "RTU-1", Address: "10.0.0.12", Port: 47808},
		Points: []Point{
			{
				ObjectType:     "analog-output",
				ObjectInstance: 3,
				Name:           "ZoneTempSP",
				Units:          "degreesCelsius",
				IsWritable:     true,
				PriorityArray:  true,
				MinPresValue:   &min,
				MaxPresValue:   &max,
				PollInterval:   60,
			},
			{
				ObjectType:     "analog-input",
				ObjectInstance: 1,
				Name:           "ZoneTemp",
				Units:          "degreesCelsius",
				PollInterval:   60,
			},
		},
	}})
	if err != nil {
		t.Fatalf("ReplaceDiscovered: %v", err)
	}

	// Tag and enable the setpoint for publishing, as the UI would.
	_, err = s.pool.Exec(ctx, `
		UPDATE points SET
			mqtt_publish = TRUE,
			site_id = 'klcc', equipment_type = 'ahu', equipment_id = '12',
			point_function = 'sp', quantity = 'temp',
			haystack_name = 'klcc.ahu.12.sp.temp',
			mqtt_topic = 'klcc/ahu/12/sp/temp/3',
			dis = 'Zone Temp Setpoint'
		WHERE object_type = 'analog-output'`)
	if err != nil {
		t.Fatalf("tag point: %v", err)
	}

	p, err := s.LookupPoint(ctx, 260001, "analog-output", 3)
	if err != nil {
		t.Fatalf("LookupPoint: %v", err)
	}

	return p
}

func TestInitDefaults(t *testing.T) {
	s, ctx := testStore(t)

	sys, err := s.LoadSystem(ctx)
	if err != nil {
		t.Fatalf("LoadSystem: %v", err)
	}
	if !sys.IsZero() {
		t.Errorf("Wanted zero system settings before setup, got %+v", sys)
	}
	if sys.BACnetPort != 47808 {
		t.Errorf("Wanted default port 47808, got %d", sys.BACnetPort)
	}
	if sys.DeviceID != 3001234 {
		t.Errorf("Wanted default device id 3001234, got %d", sys.DeviceID)
	}
	if sys.Timezone != "UTC" {
		t.Errorf("Wanted default timezone UTC, got %q", sys.Timezone)
	}
	if sys.DiscoveryTimeout != 15*time.Second {
		t.Errorf("Wanted default discovery timeout 15s, got %v", sys.DiscoveryTimeout)
	}

	cfg, err := s.LoadMQTT(ctx)
	if err != nil {
		t.Fatalf("LoadMQTT: %v", err)
	}
	if !cfg.IsZero() {
		t.Errorf("Wanted zero mqtt settings before setup, got %+v", cfg)
	}
	if cfg.ClientID != "bacpipes_worker" {
		t.Errorf("Wanted default client id, got %q", cfg.ClientID)
	}
	if cfg.KeepAlive != 30*time.Second {
		t.Errorf("Wanted default keep alive 30s, got %v", cfg.KeepAlive)
	}
	if cfg.WriteCommandTopic != "bacnet/write/command" {
		t.Errorf("Wanted default write command topic, got %q", cfg.WriteCommandTopic)
	}
	if cfg.SubscribeQoS != 1 {
		t.Errorf("Wanted default subscribe qos 1, got %d", cfg.SubscribeQoS)
	}
}

func TestPollablePoints(t *testing.T) {
	s, ctx := testStore(t)
	seedInventory(t, s, ctx)

	points, err := s.ListPollablePoints(ctx)
	if err != nil {
		t.Fatalf("ListPollablePoints: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("Wanted 1 pollable point, got %d", len(points))
	}

	p := points[0]
	if p.Name != "ZoneTempSP" || p.DeviceInstance != 260001 || p.DeviceAddr != "10.0.0.12" {
		t.Errorf("Unexpected pollable point: %+v", p)
	}
	if p.Tags.SiteID != "klcc" || p.MQTTTopic != "klcc/ahu/12/sp/temp/3" {
		t.Errorf("Tags not loaded: %+v", p.Tags)
	}
	if p.MinPresValue == nil || *p.MinPresValue != 10 {
		t.Errorf("Wanted min 10, got %v", p.MinPresValue)
	}

	// Disabling the device hides its points.
	if _, err := s.pool.Exec(ctx, `UPDATE devices SET enabled = FALSE`); err != nil {
		t.Fatal(err)
	}

	points, err = s.ListPollablePoints(ctx)
	if err != nil {
		t.Fatalf("ListPollablePoints: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("Wanted no pollable points on a disabled device, got %d", len(points))
	}
}

func TestLookups(t *testing.T) {
	s, ctx := testStore(t)
	p := seedInventory(t, s, ctx)

	byTopic, err := s.LookupPointByTopic(ctx, "klcc/ahu/12/sp/temp/3")
	if err != nil {
		t.Fatalf("LookupPointByTopic: %v", err)
	}
	if byTopic.ID != p.ID {
		t.Errorf("Wanted point %d, got %d", p.ID, byTopic.ID)
	}

	if _, err := s.LookupPoint(ctx, 260001, "analog-value", 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Wanted ErrNotFound, got %v", err)
	}
	if _, err := s.LookupPointByTopic(ctx, "never/seen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Wanted ErrNotFound, got %v", err)
	}
}

func TestUpdateReading(t *testing.T) {
	s, ctx := testStore(t)
	p := seedInventory(t, s, ctx)

	ts := time.Now().Truncate(time.Millisecond)
	if err := s.UpdateReading(ctx, p.ID, "21.5", ts); err != nil {
		t.Fatalf("UpdateReading: %v", err)
	}

	got, err := s.LookupPoint(ctx, 260001, "analog-output", 3)
	if err != nil {
		t.Fatalf("LookupPoint: %v", err)
	}
	if got.LastValue != "21.5" {
		t.Errorf("Wanted last value 21.5, got %q", got.LastValue)
	}
	if got.LastPollTime == nil || !got.LastPollTime.Equal(ts) {
		t.Errorf("Wanted poll time %v, got %v", ts, got.LastPollTime)
	}

	if err := s.RecordPointError(ctx, p.ID, "read timed out", time.Now()); err != nil {
		t.Fatalf("RecordPointError: %v", err)
	}

	got, err = s.LookupPoint(ctx, 260001, "analog-output", 3)
	if err != nil {
		t.Fatalf("LookupPoint: %v", err)
	}
	if got.ErrorCount != 1 || got.LastError != "read timed out" {
		t.Errorf("Wanted the error recorded, got count=%d err=%q", got.ErrorCount, got.LastError)
	}

	if err := s.UpdateReading(ctx, 999999, "1", ts); !errors.Is(err, ErrNotFound) {
		t.Errorf("Wanted ErrNotFound for a missing point, got %v", err)
	}
}

func TestMergePreservesTags(t *testing.T) {
	s, ctx := testStore(t)
	seedInventory(t, s, ctx)

	// Rescan with a renamed point, new bounds, and one new sibling.
	min := 5.0

	_, pts, err := s.MergeDiscovered(ctx, []DiscoveredDevice{{
		Device: Device{Instance: 260001, Name: "RTU-1v2", Address: "10.0.0.13", Port: 47808},
		Points: []Point{
			{
				ObjectType:     "analog-output",
				ObjectInstance: 3,
				Name:           "ZoneTempSP_v2",
				Units:          "degreesFahrenheit",
				IsWritable:     true,
				PriorityArray:  true,
				MinPresValue:   &min,
				PollInterval:   60,
			},
			{ObjectType: "binary-output", ObjectInstance: 2, Name: "FanCmd", PollInterval: 60},
		},
	}})
	if err != nil {
		t.Fatalf("MergeDiscovered: %v", err)
	}
	if pts != 2 {
		t.Errorf("Wanted 2 points saved, got %d", pts)
	}

	got, err := s.LookupPoint(ctx, 260001, "analog-output", 3)
	if err != nil {
		t.Fatalf("LookupPoint: %v", err)
	}
	if got.Name != "ZoneTempSP_v2" || got.Units != "degreesFahrenheit" {
		t.Errorf("Metadata not refreshed: %+v", got.Point)
	}
	if got.BACnetName != "ZoneTempSP" {
		t.Errorf("Wanted the original BACnet name kept, got %q", got.BACnetName)
	}
	if got.Tags.SiteID != "klcc" || got.MQTTTopic != "klcc/ahu/12/sp/temp/3" || !got.MQTTPublish {
		t.Errorf("Operator fields not preserved: %+v", got.Point)
	}
	if got.DeviceAddr != "10.0.0.13" {
		t.Errorf("Wanted the refreshed address, got %q", got.DeviceAddr)
	}
	if got.MaxPresValue != nil {
		t.Errorf("Wanted max cleared by the rescan, got %v", *got.MaxPresValue)
	}

	// Replace drops the tags with everything else.
	_, _, err = s.ReplaceDiscovered(ctx, []DiscoveredDevice{{
		Device: Device{Instance: 260001, Name: "RTU-1", Address: "10.0.0.12", Port: 47808},
		Points: []Point{{ObjectType: "analog-output", ObjectInstance: 3, Name: "ZoneTempSP", PollInterval: 60}},
	}})
	if err != nil {
		t.Fatalf("ReplaceDiscovered: %v", err)
	}

	got, err = s.LookupPoint(ctx, 260001, "analog-output", 3)
	if err != nil {
		t.Fatalf("LookupPoint: %v", err)
	}
	if got.Tags.SiteID != "" || got.MQTTPublish {
		t.Errorf("Wanted a fresh slate after replace, got %+v", got.Point)
	}
}

func TestJobLifecycle(t *testing.T) {
	s, ctx := testStore(t)

	job := &Job{Address: "10.0.0.255", Port: 47808, Timeout: 15 * time.Second, DeviceID: 3001234}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID == uuid.Nil || job.Status != JobRunning {
		t.Fatalf("Job not initialized: %+v", job)
	}

	second := &Job{Address: "10.0.0.255", Port: 47808, Timeout: time.Second, DeviceID: 1}
	if err := s.CreateJob(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("Wanted ErrConflict for a second running job, got %v", err)
	}

	if err := s.FinishJob(ctx, job.ID, JobComplete, 3, 42, ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobComplete || got.DevicesFound != 3 || got.PointsFound != 42 {
		t.Errorf("Unexpected finished job: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("Wanted a completion stamp")
	}
	if got.Timeout != 15*time.Second {
		t.Errorf("Wanted timeout 15s, got %v", got.Timeout)
	}

	if err := s.FinishJob(ctx, job.ID, JobError, 0, 0, "boom"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Wanted ErrNotFound finishing twice, got %v", err)
	}

	// The slot is free again.
	if err := s.CreateJob(ctx, second); err != nil {
		t.Errorf("CreateJob after finish: %v", err)
	}
}

func TestWriteHistoryAndErrorLog(t *testing.T) {
	s, ctx := testStore(t)
	p := seedInventory(t, s, ctx)

	rec := &WriteRecord{JobID: uuid.New(), PointID: p.ID, Value: "22.5", Priority: 8, Success: true}
	if err := s.RecordWrite(ctx, rec); err != nil {
		t.Fatalf("RecordWrite: %v", err)
	}

	release := &WriteRecord{JobID: uuid.New(), PointID: p.ID, Priority: 8, Release: true, Success: false, Error: "device offline"}
	if err := s.RecordWrite(ctx, release); err != nil {
		t.Fatalf("RecordWrite release: %v", err)
	}

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM write_history WHERE point_id = $1`, p.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Wanted 2 history rows, got %d", n)
	}

	var value *string
	if err := s.pool.QueryRow(ctx, `SELECT value FROM write_history WHERE job_id = $1`, release.JobID).Scan(&value); err != nil {
		t.Fatal(err)
	}
	if value != nil {
		t.Errorf("Wanted NULL value for a release, got %q", *value)
	}

	if err := s.LogError(ctx, p.ID, SourceWrite, "write failed"); err != nil {
		t.Fatalf("LogError: %v", err)
	}
	if err := s.LogError(ctx, 0, SourcePolling, "cycle overrun"); err != nil {
		t.Fatalf("LogError without point: %v", err)
	}

	var withPoint, without int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM error_log WHERE point_id IS NOT NULL`).Scan(&withPoint); err != nil {
		t.Fatal(err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM error_log WHERE point_id IS NULL`).Scan(&without); err != nil {
		t.Fatal(err)
	}
	if withPoint != 1 || without != 1 {
		t.Errorf("Wanted 1 row with a point and 1 without, got %d and %d", withPoint, without)
	}
}

func TestSetMQTTStatus(t *testing.T) {
	s, ctx := testStore(t)

	if err := s.SetMQTTStatus(ctx, StatusConnected, false); err != nil {
		t.Fatalf("SetMQTTStatus: %v", err)
	}

	var (
		status                      string
		lastConnected, lastDataFlow *time.Time
	)

	if err := s.pool.QueryRow(ctx,
		`SELECT connection_status, last_connected, last_data_flow FROM mqtt_config WHERE id = 1`,
	).Scan(&status, &lastConnected, &lastDataFlow); err != nil {
		t.Fatal(err)
	}
	if status != StatusConnected || lastConnected == nil {
		t.Errorf("Wanted connected with a stamp, got %q %v", status, lastConnected)
	}

	if err := s.SetMQTTStatus(ctx, StatusConnected, true); err != nil {
		t.Fatalf("SetMQTTStatus: %v", err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT connection_status, last_connected, last_data_flow FROM mqtt_config WHERE id = 1`,
	).Scan(&status, &lastConnected, &lastDataFlow); err != nil {
		t.Fatal(err)
	}
	if lastDataFlow == nil {
		t.Error("Wanted a data flow stamp")
	}
}
