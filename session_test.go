package bacmq

import (
	"context"
	"errors"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bacpipes/bacmq/mock"
	"github.com/bacpipes/bacmq/store"
)

func testSession(t *testing.T) (*session, *mock.Client, *fakeStore) {
	t.Helper()
	st := &fakeStore{}
	var c *mock.Client
	s := newSession(testMQTT(), st, func(o *mqtt.ClientOptions) mqtt.Client {
		c = mock.NewClient(o)
		return c
	})
	return s, c, st
}

func TestSessionSubscribeBeforeConnect(t *testing.T) {
	s, c, _ := testSession(t)

	handled := 0
	if err := s.subscribe("cmd/#", 1, func(mqtt.Client, mqtt.Message) { handled++ }); err != nil {
		t.Fatal(err)
	}
	if c.Subscribed("cmd/#") {
		t.Fatal("Subscription wired while disconnected")
	}

	if err := s.connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Subscribed("cmd/#") {
		t.Fatal("Table not replayed on connect")
	}

	c.Inject("cmd/run", []byte("x"))
	if handled != 1 {
		t.Errorf("Wanted 1 handled message, got %d", handled)
	}
}

func TestSessionResubscribeAfterDrop(t *testing.T) {
	s, c, st := testSession(t)

	if err := s.connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	handled := 0
	if err := s.subscribe("override/#", 1, func(mqtt.Client, mqtt.Message) { handled++ }); err != nil {
		t.Fatal(err)
	}

	c.LoseConnection(errors.New("broker went away"))
	if s.connected() {
		t.Fatal("Session still connected after the drop")
	}

	// Paho reconnects and fires the connect callback; the table comes
	// back with it.
	c.Connect()
	if !c.Subscribed("override/#") {
		t.Fatal("Subscription not replayed on reconnect")
	}
	c.Inject("override/plant/sp", []byte("21"))
	if handled != 1 {
		t.Errorf("Wanted 1 handled message, got %d", handled)
	}

	want := []statusCall{
		{store.StatusConnected, false},
		{store.StatusDisconnected, false},
		{store.StatusConnected, false},
	}
	if len(st.statuses) != len(want) {
		t.Fatalf("Wanted %d status writes, got %+v", len(want), st.statuses)
	}
	for i, w := range want {
		if st.statuses[i] != w {
			t.Errorf("Status %d: Wanted %+v, got %+v", i, w, st.statuses[i])
		}
	}
}

func TestSessionUnsubscribe(t *testing.T) {
	s, c, _ := testSession(t)
	if err := s.connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.subscribe("a/b", 0, func(mqtt.Client, mqtt.Message) {}); err != nil {
		t.Fatal(err)
	}

	s.unsubscribe("a/b")
	if c.Subscribed("a/b") {
		t.Fatal("Filter still subscribed")
	}

	// Dropped filters stay dropped across reconnects.
	c.LoseConnection(errors.New("x"))
	c.Connect()
	if c.Subscribed("a/b") {
		t.Error("Dropped filter replayed on reconnect")
	}
}

func TestSessionPublish(t *testing.T) {
	s, c, _ := testSession(t)
	ctx := context.Background()

	if err := s.publish(ctx, "t", 1, false, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Wanted ErrNotConnected, got %v", err)
	}

	if err := s.connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.publish(ctx, "t", 1, true, []byte("x")); err != nil {
		t.Fatal(err)
	}
	msgs := c.PublishedTo("t")
	if len(msgs) != 1 || msgs[0].QoS != 1 || !msgs[0].Retained || string(msgs[0].Payload) != "x" {
		t.Errorf("Publish record: %+v", msgs)
	}

	c.FailPublish(errors.New("no pipe"))
	if err := s.publish(ctx, "t", 1, false, []byte("y")); err == nil {
		t.Error("Wanted the token error surfaced")
	}

	c.LoseConnection(errors.New("gone"))
	if err := s.publish(ctx, "t", 1, false, []byte("z")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Wanted ErrNotConnected after the drop, got %v", err)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	s, c, st := testSession(t)
	c.FailConnect(errors.New("connection refused"))

	if err := s.connect(context.Background()); err == nil {
		t.Fatal("Wanted the connect failure surfaced")
	}
	if len(st.statuses) != 1 || st.statuses[0].status != store.StatusDisconnected {
		t.Errorf("Wanted a disconnected status write, got %+v", st.statuses)
	}
}

func TestSessionStatusRateLimit(t *testing.T) {
	s, _, st := testSession(t)

	s.setStatus(store.StatusConnected, false)
	s.setStatus(store.StatusConnected, false) // repeat inside the window
	s.setStatus(store.StatusConnected, true)  // data-flow stamps bypass
	s.setStatus(store.StatusDisconnected, false)

	want := []statusCall{
		{store.StatusConnected, false},
		{store.StatusConnected, true},
		{store.StatusDisconnected, false},
	}
	if len(st.statuses) != len(want) {
		t.Fatalf("Wanted %d status writes, got %+v", len(want), st.statuses)
	}
	for i, w := range want {
		if st.statuses[i] != w {
			t.Errorf("Status %d: Wanted %+v, got %+v", i, w, st.statuses[i])
		}
	}
}
