package bacmq

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/bacpipes/bacmq/bacnet"
	"github.com/bacpipes/bacmq/haystack"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// Validation codes carried in the result envelope, one per rejected
// write. The first failing check wins.
const (
	CodeMissingFields         = "MISSING_FIELDS"
	CodePointNotFound         = "POINT_NOT_FOUND"
	CodeInvalidPointFunction  = "INVALID_POINT_FUNCTION"
	CodeInvalidHaystackFormat = "INVALID_HAYSTACK_FORMAT"
	CodePointNotWritable      = "POINT_NOT_WRITABLE"
	CodeInvalidPriority       = "INVALID_PRIORITY"
	CodeValueBelowMinimum     = "VALUE_BELOW_MINIMUM"
	CodeValueAboveMaximum     = "VALUE_ABOVE_MAXIMUM"
	CodeInvalidValueType      = "INVALID_VALUE_TYPE"
)

// defaultPriority is assumed when a command carries no priority.
const defaultPriority = 8

// ValidationError is one rejected precondition of a write command.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the envelope published for every explicit write job.
type Result struct {
	JobID            string            `json:"jobId"`
	Success          bool              `json:"success"`
	Timestamp        string            `json:"timestamp"`
	Error            string            `json:"error,omitempty"`
	DeviceID         uint32            `json:"deviceId,omitempty"`
	PointName        string            `json:"pointName,omitempty"`
	HaystackName     string            `json:"haystackName,omitempty"`
	Value            any               `json:"value"`
	Priority         int               `json:"priority"`
	Release          bool              `json:"release"`
	ValidationErrors []ValidationError `json:"validationErrors"`
}

// command is one queued write, from the command topic or an override
// subtopic. Override commands resolve their point by topic and never
// publish a result envelope.
type command struct {
	JobID          string  `json:"jobId"`
	DeviceID       *uint32 `json:"deviceId"`
	ObjectType     string  `json:"objectType"`
	ObjectInstance *uint32 `json:"objectInstance"`
	Value          any     `json:"value"`
	Priority       *int    `json:"priority"`
	Release        bool    `json:"release"`

	overrideTopic string
}

func (c *command) priority() int {
	if c.Priority == nil {
		return defaultPriority
	}
	return *c.Priority
}

// onWriteCommand parses an explicit write job and queues it for the
// run loop. Malformed JSON is logged and dropped; there is no job id
// to report against.
func (g *Gateway) onWriteCommand(_ mqtt.Client, msg mqtt.Message) {
	msg.Ack()

	cmd := &command{}
	if err := json.Unmarshal(msg.Payload(), cmd); err != nil {
		log.Error("Malformed write command", err, "topic", msg.Topic())
		return
	}
	log.Info("Write command received", "job", cmd.JobID)
	g.enqueue(cmd)
}

// onOverride parses an override message and queues it. The payload is
// a JSON object with a value and optional priority, or a bare scalar
// written at the default priority.
func (g *Gateway) onOverride(_ mqtt.Client, msg mqtt.Message) {
	msg.Ack()

	value, priority, ok := parseOverride(msg.Payload())
	if !ok {
		log.Warn("Override message carries no value", "topic", msg.Topic())
		return
	}
	log.Info("Override received", "topic", msg.Topic(), "value", value)
	g.enqueue(&command{
		Value:         value,
		Priority:      &priority,
		overrideTopic: msg.Topic(),
	})
}

// enqueue hands a command to the run loop, dropping with a warning
// when the queue is full. The producer is paho's network goroutine and
// must not block.
func (g *Gateway) enqueue(cmd *command) {
	select {
	case g.queue <- cmd:
	default:
		log.Warn("Command queue full, dropping", "job", cmd.JobID, "topic", cmd.overrideTopic)
	}
}

// parseOverride extracts the value and priority from an override
// payload: a JSON object, any JSON scalar, or raw text.
func parseOverride(payload []byte) (value any, priority int, ok bool) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil, 0, false
	}

	if trimmed[0] == '{' {
		var obj struct {
			Value    any  `json:"value"`
			Priority *int `json:"priority"`
		}
		if err := json.Unmarshal(payload, &obj); err != nil || obj.Value == nil {
			return nil, 0, false
		}
		priority = defaultPriority
		if obj.Priority != nil {
			priority = *obj.Priority
		}
		return obj.Value, priority, true
	}

	var scalar any
	if err := json.Unmarshal([]byte(trimmed), &scalar); err == nil {
		if scalar == nil {
			return nil, 0, false
		}
		return scalar, defaultPriority, true
	}
	return trimmed, defaultPriority, true
}

// drainCommands empties the queue before a poll tick so override and
// write traffic shares the engine with the scheduler instead of racing
// it.
func (g *Gateway) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-g.queue:
			g.executeCommand(ctx, cmd)
		default:
			return
		}
	}
}

// executeCommand runs one write through resolution, validation, the
// wire, the audit trail, and the result envelope.
func (g *Gateway) executeCommand(ctx context.Context, cmd *command) {
	res := &Result{
		JobID:            cmd.JobID,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Value:            cmd.Value,
		Priority:         cmd.priority(),
		Release:          cmd.Release,
		ValidationErrors: []ValidationError{},
	}
	if res.JobID == "" {
		res.JobID = "unknown"
	}
	if cmd.DeviceID != nil {
		res.DeviceID = *cmd.DeviceID
	}

	pt, ve := g.resolveCommand(ctx, cmd)
	if ve == nil && pt != nil {
		res.DeviceID = pt.DeviceInstance
		res.PointName = pt.Name
		res.HaystackName = pt.HaystackName
		ve = validateWrite(pt, cmd.priority(), cmd.Value, cmd.Release)
	}
	if ve != nil {
		res.Success = false
		res.Error = "Validation failed"
		res.ValidationErrors = append(res.ValidationErrors, *ve)
		log.Warn("Write rejected", "job", res.JobID, "code", ve.Code, "detail", ve.Message)
		g.publishResult(ctx, cmd, res)
		return
	}
	if pt == nil {
		// Unmapped override; already logged.
		return
	}

	werr := g.writePoint(ctx, pt, cmd)
	res.Success = werr == nil
	if werr != nil {
		res.Error = werr.Error()
	}

	g.recordWrite(ctx, pt, cmd, werr)

	if werr != nil {
		log.Error("Write failed", werr, "job", res.JobID, "point", pt.Name)
		if err := g.store.LogError(ctx, pt.ID, store.SourceWrite, werr.Error()); err != nil {
			log.WarnError("Error log write failed", err)
		}
	} else {
		log.Info("Write successful", "job", res.JobID, "point", pt.Name, "value", cmd.Value, "priority", cmd.priority())
		if cmd.overrideTopic != "" {
			// Overrides refresh the stored value so the UI tracks the
			// command before the next poll lands.
			now := time.Now().UTC()
			if err := g.store.UpdateReading(ctx, pt.ID, valueString(cmd), now); err != nil {
				log.WarnError("Reading update failed", err, "point", pt.Name)
			}
		}
	}

	g.publishResult(ctx, cmd, res)
}

// resolveCommand finds the target point. Explicit commands look up by
// BACnet coordinates; overrides consult the topic map. A nil point
// with a nil error means an unmapped override, which is dropped.
func (g *Gateway) resolveCommand(ctx context.Context, cmd *command) (*store.PollPoint, *ValidationError) {
	if cmd.overrideTopic != "" {
		pt := g.overrides[cmd.overrideTopic]
		if pt == nil {
			log.Warn("Override topic not mapped", "topic", cmd.overrideTopic)
		}
		return pt, nil
	}

	if cmd.DeviceID == nil || *cmd.DeviceID == 0 || cmd.ObjectType == "" || cmd.ObjectInstance == nil {
		return nil, &ValidationError{
			Field:   "required",
			Code:    CodeMissingFields,
			Message: "deviceId, objectType, and objectInstance are required",
		}
	}

	pt, err := g.store.LookupPoint(ctx, *cmd.DeviceID, cmd.ObjectType, *cmd.ObjectInstance)
	if err != nil {
		return nil, &ValidationError{
			Field: "point",
			Code:  CodePointNotFound,
			Message: fmt.Sprintf("Point not found: device=%d, %s:%d",
				*cmd.DeviceID, cmd.ObjectType, *cmd.ObjectInstance),
		}
	}
	return pt, nil
}

// validateWrite applies the point-dependent checks in their published
// order. The first failure wins.
func validateWrite(pt *store.PollPoint, priority int, value any, release bool) *ValidationError {
	fn, n := haystack.Function(pt.HaystackName)
	if n >= 4 && fn != haystack.SetpointFunction {
		return &ValidationError{
			Field:   "haystackName",
			Code:    CodeInvalidPointFunction,
			Message: fmt.Sprintf("Write not allowed: point function must be %q, found %q", haystack.SetpointFunction, fn),
		}
	}
	if n > 0 && n < 4 {
		return &ValidationError{
			Field:   "haystackName",
			Code:    CodeInvalidHaystackFormat,
			Message: fmt.Sprintf("Haystack name %q has %d elements, need at least 4", pt.HaystackName, n),
		}
	}
	if !pt.IsWritable {
		return &ValidationError{
			Field:   "isWritable",
			Code:    CodePointNotWritable,
			Message: fmt.Sprintf("Point %q is not writable", pt.Name),
		}
	}
	if priority < 1 || priority > 16 {
		return &ValidationError{
			Field:   "priority",
			Code:    CodeInvalidPriority,
			Message: fmt.Sprintf("Priority must be 1-16, got %d", priority),
		}
	}
	if release {
		return nil
	}
	f, ok := toFloat(value)
	switch {
	case !ok:
		return &ValidationError{
			Field:   "value",
			Code:    CodeInvalidValueType,
			Message: fmt.Sprintf("Value must be numeric, got: %v", value),
		}
	case pt.MinPresValue != nil && f < *pt.MinPresValue:
		return &ValidationError{
			Field:   "value",
			Code:    CodeValueBelowMinimum,
			Message: fmt.Sprintf("Value %v below minimum %v", f, *pt.MinPresValue),
		}
	case pt.MaxPresValue != nil && f > *pt.MaxPresValue:
		return &ValidationError{
			Field:   "value",
			Code:    CodeValueAboveMaximum,
			Message: fmt.Sprintf("Value %v above maximum %v", f, *pt.MaxPresValue),
		}
	}
	return nil
}

// writePoint puts the command on the wire.
func (g *Gateway) writePoint(ctx context.Context, pt *store.PollPoint, cmd *command) error {
	ot, err := bacnet.ParseObjectType(pt.ObjectType)
	if err != nil {
		return err
	}
	ip := net.ParseIP(pt.DeviceAddr)
	if ip == nil {
		return fmt.Errorf("invalid device address %q", pt.DeviceAddr)
	}

	f, _ := toFloat(cmd.Value)
	obj := bacnet.ObjectID{Type: ot, Instance: pt.ObjectInstance}
	addr := &net.UDPAddr{IP: ip, Port: pt.DevicePort}

	return g.engine.WritePresentValue(ctx, addr, obj, writeValue(pt.ObjectType, f, cmd.Release), uint8(cmd.priority()))
}

// recordWrite appends the audit row. Every executed write gets exactly
// one, success or not.
func (g *Gateway) recordWrite(ctx context.Context, pt *store.PollPoint, cmd *command, werr error) {
	rec := &store.WriteRecord{
		JobID:    writeJobID(cmd.JobID),
		PointID:  pt.ID,
		Value:    valueString(cmd),
		Priority: cmd.priority(),
		Release:  cmd.Release,
		Success:  werr == nil,
	}
	if werr != nil {
		rec.Error = werr.Error()
	}
	if err := g.store.RecordWrite(ctx, rec); err != nil {
		log.WarnError("Write history not recorded", err, "job", cmd.JobID, "point", pt.Name)
	}
}

// publishResult sends the envelope for explicit commands. Overrides
// are fire-and-forget on the result topic.
func (g *Gateway) publishResult(ctx context.Context, cmd *command, res *Result) {
	if cmd.overrideTopic != "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		log.Error("Result envelope not encodable", err, "job", res.JobID)
		return
	}
	if err := g.session.publish(ctx, g.resultTopic(), 1, false, data); err != nil {
		log.WarnError("Result envelope not published", err, "job", res.JobID)
	}
}

// writeJobID keeps caller-supplied UUIDs for the audit row and mints
// one otherwise. The envelope always echoes the caller's original id.
func writeJobID(id string) uuid.UUID {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed
	}
	return uuid.New()
}

// valueString renders the command value the way it lands in history
// and the stored last value. Releases store NULL.
func valueString(cmd *command) string {
	if cmd.Release || cmd.Value == nil {
		return ""
	}
	if f, ok := cmd.Value.(float64); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(cmd.Value)
}

// toFloat coerces a decoded JSON value to a float. Booleans follow
// numeric truthiness and strings parse when they hold a number.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// writeValue encodes the outgoing present value: Unsigned for
// multi-state and binary objects, Real otherwise, Null on release.
func writeValue(objectType string, f float64, release bool) bacnet.Value {
	if release {
		return bacnet.NullValue()
	}
	switch {
	case strings.HasPrefix(objectType, "multi-state"):
		return bacnet.UnsignedValue(uint64(f))
	case strings.HasPrefix(objectType, "binary"):
		if f != 0 {
			return bacnet.UnsignedValue(1)
		}
		return bacnet.UnsignedValue(0)
	default:
		return bacnet.RealValue(f)
	}
}
