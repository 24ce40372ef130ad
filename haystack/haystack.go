// Package haystack derives semantic point names and MQTT topics from
// Project Haystack style tag tuples.
//
// A point carries up to eight ordered tags. The dotted name joins the
// non-empty tags with "."; the publish topic joins them with "/" and
// appends the BACnet object instance so that two points sharing every
// tag still map to distinct topics.
package haystack

import (
	"strconv"
	"strings"
)

// SetpointFunction is the point-function tag carried by writable
// setpoints. Write commands are refused for any other function.
const SetpointFunction = "sp"

// overridePrefix roots the inbound write topics under their own
// subtree so a single wildcard subscription covers all points.
const overridePrefix = "override/"

// Tags is the ordered Haystack tuple of a point. Empty fields are
// skipped during derivation.
type Tags struct {
	SiteID        string
	EquipmentType string
	EquipmentID   string
	PointFunction string
	Quantity      string
	Subject       string
	Location      string
	Qualifier     string
}

func (t Tags) parts() []string {
	all := [8]string{
		t.SiteID,
		t.EquipmentType,
		t.EquipmentID,
		t.PointFunction,
		t.Quantity,
		t.Subject,
		t.Location,
		t.Qualifier,
	}
	parts := make([]string, 0, len(all))
	for _, p := range all {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Name returns the dotted point name, or "" when every tag is empty.
func (t Tags) Name() string {
	return strings.Join(t.parts(), ".")
}

// Topic returns the publish topic for the point with the given object
// instance. A point without a site has no publishable topic and Topic
// returns "".
func (t Tags) Topic(objectInstance uint32) string {
	if t.SiteID == "" {
		return ""
	}
	parts := append(t.parts(), strconv.FormatUint(uint64(objectInstance), 10))
	return strings.Join(parts, "/")
}

// IsZero reports whether every tag is empty.
func (t Tags) IsZero() bool {
	return t == Tags{}
}

// OverrideTopic returns the override topic for a publish topic, or ""
// when the point has no topic.
func OverrideTopic(topic string) string {
	if topic == "" {
		return ""
	}
	return overridePrefix + topic
}

// PointTopic strips the override prefix from an inbound topic. ok is
// false when the topic is not under the override subtree.
func PointTopic(override string) (topic string, ok bool) {
	return strings.CutPrefix(override, overridePrefix)
}

// Function returns the point-function element of a dotted name along
// with the number of elements. Names with fewer than four elements
// carry no function and return fn == "".
func Function(name string) (fn string, n int) {
	if name == "" {
		return "", 0
	}
	parts := strings.Split(name, ".")
	if len(parts) < 4 {
		return "", len(parts)
	}
	return parts[3], len(parts)
}
