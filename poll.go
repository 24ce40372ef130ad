package bacmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bacpipes/bacmq/bacnet"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// alignWindow is how many seconds past an interval boundary a due
// point may still fire. Later than that the point waits for the next
// boundary, keeping readings aligned across restarts.
const alignWindow = 2

// pointPayload is the document published on a point's topic for every
// reading. Failed reads reuse it with a null value and a non-good
// quality.
type pointPayload struct {
	Value          any     `json:"value"`
	Timestamp      string  `json:"timestamp"`
	TZ             int     `json:"tz"`
	Units          *string `json:"units"`
	Quality        string  `json:"quality"`
	Dis            *string `json:"dis"`
	HaystackName   *string `json:"haystackName"`
	ObjectType     string  `json:"objectType"`
	ObjectInstance uint32  `json:"objectInstance"`
}

// batchPayload is the equipment-level document grouping one cycle's
// successful reads.
type batchPayload struct {
	Timestamp     string        `json:"timestamp"`
	Site          string        `json:"site"`
	Equipment     string        `json:"equipment"`
	EquipmentType string        `json:"equipmentType"`
	EquipmentID   string        `json:"equipmentId"`
	Points        []batchPoint  `json:"points"`
	Metadata      batchMetadata `json:"metadata"`
}

type batchPoint struct {
	Name           string  `json:"name"`
	Dis            *string `json:"dis"`
	HaystackName   *string `json:"haystackName"`
	Value          any     `json:"value"`
	Units          *string `json:"units"`
	Quality        string  `json:"quality"`
	ObjectType     string  `json:"objectType"`
	ObjectInstance uint32  `json:"objectInstance"`
}

type batchMetadata struct {
	PollCycle       int64   `json:"pollCycle"`
	TotalPoints     int     `json:"totalPoints"`
	SuccessfulReads int     `json:"successfulReads"`
	FailedReads     int     `json:"failedReads"`
	PollDuration    float64 `json:"pollDuration"`
}

// reading is one point's result within a cycle.
type reading struct {
	pt    *store.PollPoint
	value bacnet.Value
	err   error
	ts    time.Time
}

// cycleStats tallies one scheduler pass.
type cycleStats struct {
	polled    int
	succeeded int
	failed    int
	nulls     int
	published int
}

// pollTick runs one scheduler pass: select the points whose interval
// boundary just passed, read them concurrently, then store and publish
// the results in order.
func (g *Gateway) pollTick(ctx context.Context) {
	due := g.duePoints(time.Now())
	if len(due) == 0 {
		return
	}
	g.cycle++

	start := time.Now()
	readings := make([]reading, len(due))

	var wg sync.WaitGroup
	for i, pt := range due {
		wg.Add(1)
		go func(i int, pt *store.PollPoint) {
			defer wg.Done()
			readings[i] = g.readPresentValue(ctx, pt)
		}(i, pt)
	}
	wg.Wait()

	stats := cycleStats{polled: len(due)}
	for i := range readings {
		g.finishReading(ctx, &readings[i], &stats)
	}
	duration := time.Since(start)

	if g.mqtt.BatchPublishing {
		g.publishBatches(ctx, readings, start, duration, stats)
	}

	log.Info("Poll cycle complete",
		"cycle", g.cycle,
		"polled", stats.polled,
		"ok", stats.succeeded,
		"failed", stats.failed,
		"null", stats.nulls,
		"published", stats.published,
		"duration", duration.Round(time.Millisecond),
	)

	if stats.published > 0 {
		g.session.setStatus(store.StatusConnected, true)
	}
}

// duePoints selects the points whose boundary has passed and snaps
// their last-poll stamp to that boundary. A point first seen is
// scheduled from the next minute so boots do not burst-read the site.
func (g *Gateway) duePoints(now time.Time) []*store.PollPoint {
	unix := now.Unix()
	nextMinute := (unix/60 + 1) * 60

	var due []*store.PollPoint
	for _, pt := range g.points {
		interval := int64(g.pollInterval(pt))

		last, seen := g.lastPoll[pt.ID]
		if !seen {
			g.lastPoll[pt.ID] = nextMinute - interval
			continue
		}
		if unix-last < interval {
			continue
		}
		if (unix%60)%interval >= alignWindow {
			continue
		}

		g.lastPoll[pt.ID] = unix / interval * interval
		due = append(due, pt)
	}

	return due
}

// pollInterval returns the point's interval in seconds, falling back to
// the system default and then one minute.
func (g *Gateway) pollInterval(pt *store.PollPoint) int {
	if pt.PollInterval > 0 {
		return pt.PollInterval
	}
	if g.system.DefaultPollInterval > 0 {
		return g.system.DefaultPollInterval
	}
	return 60
}

func (g *Gateway) readPresentValue(ctx context.Context, pt *store.PollPoint) reading {
	r := reading{pt: pt, ts: time.Now().UTC()}

	ot, err := bacnet.ParseObjectType(pt.ObjectType)
	if err != nil {
		r.err = err
		return r
	}
	ip := net.ParseIP(pt.DeviceAddr)
	if ip == nil {
		r.err = fmt.Errorf("invalid device address %q", pt.DeviceAddr)
		return r
	}

	addr := &net.UDPAddr{IP: ip, Port: pt.DevicePort}
	obj := bacnet.ObjectID{Type: ot, Instance: pt.ObjectInstance}
	r.value, r.err = g.engine.ReadProperty(ctx, addr, obj, bacnet.PropPresentValue)

	return r
}

// finishReading stores and publishes one result.
func (g *Gateway) finishReading(ctx context.Context, r *reading, stats *cycleStats) {
	pt := r.pt
	switch {
	case r.err != nil:
		stats.failed++
		log.WarnError("Point read failed", r.err, "point", pt.Name, "device", pt.DeviceInstance)
		if err := g.store.RecordPointError(ctx, pt.ID, r.err.Error(), r.ts); err != nil {
			log.WarnError("Point error not recorded", err, "point", pt.Name)
		}
		if err := g.store.LogError(ctx, pt.ID, store.SourcePolling, r.err.Error()); err != nil {
			log.WarnError("Error log write failed", err)
		}
		g.publishReading(ctx, r, stats)
	case r.value.IsNull():
		// A Null present value is the relinquished state, not a reading.
		stats.nulls++
		log.Debug("Null present value", "point", pt.Name)
	default:
		stats.succeeded++
		if err := g.store.UpdateReading(ctx, pt.ID, r.value.String(), r.ts); err != nil {
			log.WarnError("Reading update failed", err, "point", pt.Name)
		}
		g.publishReading(ctx, r, stats)
	}
}

// publishReading sends the point document. Failed reads publish an
// error-quality envelope only when configured; either way a point
// without a topic, or a closed session, publishes nothing.
func (g *Gateway) publishReading(ctx context.Context, r *reading, stats *cycleStats) {
	pt := r.pt
	if pt.MQTTTopic == "" || !g.session.connected() {
		return
	}
	if r.err != nil && !g.cfg.Worker.PublishFailures {
		return
	}

	payload := pointPayload{
		Timestamp:      r.ts.Format(time.RFC3339),
		TZ:             g.system.TZOffsetHours(r.ts),
		Units:          optional(pt.Units),
		Quality:        "good",
		Dis:            optional(pt.Dis),
		HaystackName:   optional(pt.HaystackName),
		ObjectType:     pt.ObjectType,
		ObjectInstance: pt.ObjectInstance,
	}
	if r.err != nil {
		payload.Quality = readQuality(r.err)
	} else {
		payload.Value = r.value.Scalar()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("Point payload not encodable", err, "point", pt.Name)
		return
	}
	if err := g.session.publish(ctx, pt.MQTTTopic, pt.QoS, false, data); err != nil {
		log.WarnError("Point publish failed", err, "topic", pt.MQTTTopic)
		return
	}

	stats.published++
	log.Debug("Published reading", "topic", pt.MQTTTopic, "value", payload.Value)
}

// publishBatches groups the cycle's successful reads by equipment and
// publishes one document per group. Points missing any of the three
// grouping tags stay out of every batch.
func (g *Gateway) publishBatches(ctx context.Context, readings []reading, start time.Time, duration time.Duration, stats cycleStats) {
	if !g.session.connected() {
		return
	}

	type groupKey struct {
		site, equipType, equipID string
	}
	groups := make(map[groupKey][]batchPoint)
	for i := range readings {
		r := &readings[i]
		if r.err != nil || r.value.IsNull() {
			continue
		}
		tags := r.pt.Tags
		if tags.SiteID == "" || tags.EquipmentType == "" || tags.EquipmentID == "" {
			continue
		}
		key := groupKey{tags.SiteID, tags.EquipmentType, tags.EquipmentID}
		groups[key] = append(groups[key], batchPoint{
			Name:           fmt.Sprintf("%s%d", r.pt.ObjectType, r.pt.ObjectInstance),
			Dis:            optional(r.pt.Dis),
			HaystackName:   optional(r.pt.HaystackName),
			Value:          r.value.Scalar(),
			Units:          optional(r.pt.Units),
			Quality:        "good",
			ObjectType:     r.pt.ObjectType,
			ObjectInstance: r.pt.ObjectInstance,
		})
	}

	meta := batchMetadata{
		PollCycle:       g.cycle,
		TotalPoints:     stats.polled,
		SuccessfulReads: stats.succeeded,
		FailedReads:     stats.failed,
		PollDuration:    math.Round(duration.Seconds()*1000) / 1000,
	}
	ts := start.UTC().Format(time.RFC3339)

	for key, points := range groups {
		equipment := strings.ToLower(key.equipType) + "_" + key.equipID
		topic := strings.ReplaceAll(strings.ToLower(key.site), " ", "_") + "/" + equipment + "/batch"

		data, err := json.Marshal(batchPayload{
			Timestamp:     ts,
			Site:          key.site,
			Equipment:     equipment,
			EquipmentType: key.equipType,
			EquipmentID:   key.equipID,
			Points:        points,
			Metadata:      meta,
		})
		if err != nil {
			log.Error("Batch payload not encodable", err, "topic", topic)
			continue
		}
		if err := g.session.publish(ctx, topic, 1, false, data); err != nil {
			log.WarnError("Batch publish failed", err, "topic", topic)
			continue
		}
		log.Info("Published batch", "topic", topic, "points", len(points))
	}
}

// readQuality maps a read failure to the published quality marker.
func readQuality(err error) string {
	if errors.Is(err, bacnet.ErrTimeout) {
		return "timeout"
	}
	return "error"
}

// optional returns nil for an empty string so the JSON field renders
// null instead of "".
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
