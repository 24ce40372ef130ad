package store

import (
	"testing"

	"github.com/bacpipes/bacmq/haystack"
)

var regenerateTests = []struct {
	name      string
	tags      haystack.Tags
	instance  uint32
	wantName  string
	wantTopic string
}{
	{
		name: "full",
		tags: haystack.Tags{
			SiteID:        "klcc",
			EquipmentType: "ahu",
			EquipmentID:   "12",
			PointFunction: "sensor",
			Quantity:      "temp",
			Subject:       "air",
			Location:      "supply",
		},
		instance:  435,
		wantName:  "klcc.ahu.12.sensor.temp.air.supply",
		wantTopic: "klcc/ahu/12/sensor/temp/air/supply/435",
	},
	{
		name: "sparse",
		tags: haystack.Tags{
			SiteID:        "menara",
			EquipmentType: "vav",
			EquipmentID:   "3",
			PointFunction: "sp",
			Quantity:      "temp",
		},
		instance:  7,
		wantName:  "menara.vav.3.sp.temp",
		wantTopic: "menara/vav/3/sp/temp/7",
	},
	{
		name:      "no site",
		tags:      haystack.Tags{EquipmentType: "ahu", PointFunction: "sensor"},
		instance:  1,
		wantName:  "ahu.sensor",
		wantTopic: "",
	},
	{
		name:     "untagged",
		instance: 9,
	},
}

func TestRegenerate(t *testing.T) {
	for _, tt := range regenerateTests {
		p := Point{ObjectInstance: tt.instance, Tags: tt.tags}
		p.Regenerate()

		if p.HaystackName != tt.wantName {
			t.Errorf("%s: Wanted name %q, got %q", tt.name, tt.wantName, p.HaystackName)
		}
		if p.MQTTTopic != tt.wantTopic {
			t.Errorf("%s: Wanted topic %q, got %q", tt.name, tt.wantTopic, p.MQTTTopic)
		}
	}
}
