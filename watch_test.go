package bacmq

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bacpipes/bacmq/config"
)

func TestSettingsChanged(t *testing.T) {
	st := &fakeStore{mqtt: testMQTT()}
	g := New(testConfig(t), st)
	g.mqttHash.Store(testMQTT().Hash())
	ctx := context.Background()

	if g.settingsChanged(ctx) {
		t.Error("Unchanged settings reported as drift")
	}

	next := testMQTT()
	next.Broker = "10.1.1.1"
	st.setMQTT(next)
	if !g.settingsChanged(ctx) {
		t.Error("Changed broker not reported")
	}

	disabled := testMQTT()
	disabled.Enabled = false
	st.setMQTT(disabled)
	if !g.settingsChanged(ctx) {
		t.Error("Toggled enable flag not reported")
	}

	st.setMQTT(&config.MQTT{})
	if g.settingsChanged(ctx) {
		t.Error("Empty settings row reported as drift")
	}

	st.setMQTT(nil)
	if g.settingsChanged(ctx) {
		t.Error("Missing settings row reported as drift")
	}
}

func TestWatchFlagsEvents(t *testing.T) {
	g := New(testConfig(t), &fakeStore{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := g.watchFlags(ctx)
	if events == nil {
		t.Skip("flag watcher unavailable")
	}

	flag := g.cfg.Worker.RestartFlag
	if err := os.WriteFile(flag, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("No event for the restart flag")
	}

	// A create and a write may both have fired; let them settle.
	for {
		select {
		case <-events:
			continue
		case <-time.After(150 * time.Millisecond):
		}
		break
	}

	// Unrelated files in the watched directory stay quiet.
	noise := filepath.Join(filepath.Dir(flag), "noise")
	if err := os.WriteFile(noise, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-events:
		t.Error("Event for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
