package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectType is a BACnet object type code.
type ObjectType uint16

const (
	AnalogInput       ObjectType = 0
	AnalogOutput      ObjectType = 1
	AnalogValue       ObjectType = 2
	BinaryInput       ObjectType = 3
	BinaryOutput      ObjectType = 4
	BinaryValue       ObjectType = 5
	Calendar          ObjectType = 6
	Command           ObjectType = 7
	Device            ObjectType = 8
	EventEnrollment   ObjectType = 9
	File              ObjectType = 10
	Group             ObjectType = 11
	Loop              ObjectType = 12
	MultiStateInput   ObjectType = 13
	MultiStateOutput  ObjectType = 14
	NotificationClass ObjectType = 15
	Program           ObjectType = 16
	Schedule          ObjectType = 17
	Averaging         ObjectType = 18
	MultiStateValue   ObjectType = 19
	TrendLog          ObjectType = 20
	Accumulator       ObjectType = 23
	PulseConverter    ObjectType = 24
	NetworkPort       ObjectType = 56
)

var objectTypeNames = map[ObjectType]string{
	AnalogInput:       "analog-input",
	AnalogOutput:      "analog-output",
	AnalogValue:       "analog-value",
	BinaryInput:       "binary-input",
	BinaryOutput:      "binary-output",
	BinaryValue:       "binary-value",
	Calendar:          "calendar",
	Command:           "command",
	Device:            "device",
	EventEnrollment:   "event-enrollment",
	File:              "file",
	Group:             "group",
	Loop:              "loop",
	MultiStateInput:   "multi-state-input",
	MultiStateOutput:  "multi-state-output",
	NotificationClass: "notification-class",
	Program:           "program",
	Schedule:          "schedule",
	Averaging:         "averaging",
	MultiStateValue:   "multi-state-value",
	TrendLog:          "trend-log",
	Accumulator:       "accumulator",
	PulseConverter:    "pulse-converter",
	NetworkPort:       "network-port",
}

var objectTypeCodes = func() map[string]ObjectType {
	m := make(map[string]ObjectType, len(objectTypeNames))
	for t, name := range objectTypeNames {
		m[name] = t
	}
	return m
}()

// String returns the kebab-case name of the object type, or
// "object-type-N" for codes without a well-known name.
func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return "object-type-" + strconv.FormatUint(uint64(t), 10)
}

// ParseObjectType converts a kebab-case object type name back to its
// code. Names produced by [ObjectType.String] always parse.
func ParseObjectType(s string) (ObjectType, error) {
	if t, ok := objectTypeCodes[s]; ok {
		return t, nil
	}
	if n, ok := strings.CutPrefix(s, "object-type-"); ok {
		code, err := strconv.ParseUint(n, 10, 16)
		if err == nil {
			return ObjectType(code), nil
		}
	}
	return 0, fmt.Errorf("unknown object type %q", s)
}

// WritesUnsigned reports whether present-value writes to this object
// type are encoded as Unsigned rather than Real. Binary objects take
// 1/0 for active/inactive and multi-state objects take the state
// index; everything else takes a Real.
func (t ObjectType) WritesUnsigned() bool {
	switch t {
	case BinaryInput, BinaryOutput, BinaryValue,
		MultiStateInput, MultiStateOutput, MultiStateValue:
		return true
	}
	return false
}

// MaxInstance is the largest encodable object instance (22 bits).
const MaxInstance = 1<<22 - 1

// ObjectID identifies a BACnet object within a device.
type ObjectID struct {
	Type     ObjectType
	Instance uint32
}

// DeviceID returns the object identifier of a device object.
func DeviceID(instance uint32) ObjectID {
	return ObjectID{Type: Device, Instance: instance}
}

func (id ObjectID) String() string {
	return id.Type.String() + ":" + strconv.FormatUint(uint64(id.Instance), 10)
}

func (id ObjectID) encode() uint32 {
	return uint32(id.Type)<<22 | id.Instance&MaxInstance
}

func decodeObjectID(v uint32) ObjectID {
	return ObjectID{Type: ObjectType(v >> 22), Instance: v & MaxInstance}
}

// PropertyID is a BACnet property identifier.
type PropertyID uint32

const (
	PropDescription   PropertyID = 28
	PropMaxPresValue  PropertyID = 65
	PropMinPresValue  PropertyID = 69
	PropObjectList    PropertyID = 76
	PropObjectName    PropertyID = 77
	PropPresentValue  PropertyID = 85
	PropPriorityArray PropertyID = 87
	PropUnits         PropertyID = 117
)

var propertyNames = map[PropertyID]string{
	PropDescription:   "description",
	PropMaxPresValue:  "maxPresValue",
	PropMinPresValue:  "minPresValue",
	PropObjectList:    "objectList",
	PropObjectName:    "objectName",
	PropPresentValue:  "presentValue",
	PropPriorityArray: "priorityArray",
	PropUnits:         "units",
}

func (p PropertyID) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return "property-" + strconv.FormatUint(uint64(p), 10)
}

// Engineering units codes a building gateway commonly meets. Codes
// without a name render as "unit-N" so unknown units stay visible
// downstream instead of being dropped.
var unitNames = map[uint32]string{
	0:   "squareMeters",
	1:   "squareFeet",
	2:   "milliamperes",
	3:   "amperes",
	4:   "ohms",
	5:   "volts",
	16:  "joules",
	17:  "kilojoules",
	18:  "wattHours",
	19:  "kilowattHours",
	27:  "hertz",
	29:  "percentRelativeHumidity",
	47:  "watts",
	48:  "kilowatts",
	53:  "pascals",
	54:  "kilopascals",
	55:  "bars",
	56:  "poundsForcePerSquareInch",
	62:  "degreesCelsius",
	63:  "degreesKelvin",
	64:  "degreesFahrenheit",
	74:  "metersPerSecond",
	84:  "cubicFeetPerMinute",
	87:  "litersPerSecond",
	88:  "litersPerMinute",
	90:  "degreesAngular",
	95:  "noUnits",
	96:  "partsPerMillion",
	98:  "percent",
	135: "cubicMetersPerHour",
}

// UnitName returns the camel-case name of an engineering units code.
func UnitName(code uint32) string {
	if name, ok := unitNames[code]; ok {
		return name
	}
	return "unit-" + strconv.FormatUint(uint64(code), 10)
}
