package bacmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bacpipes/bacmq/config"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// ErrNotConnected is returned by publishes attempted while the broker
// is unreachable. The caller keeps polling and storing readings; only
// the publish is lost.
var ErrNotConnected = errors.New("mqtt: not connected")

// statusEvery rate-limits connection-status writes to the config
// store. Publishes can run at line rate; the store must not.
const statusEvery = time.Second

// StatusStore receives the session's connection-status updates.
type StatusStore interface {
	SetMQTTStatus(ctx context.Context, status string, dataFlow bool) error
}

// session owns one MQTT client: subscriptions that survive reconnects,
// best-effort publishing, and rate-limited status writes. Inbound
// messages run on paho's network goroutine; handlers must hand work
// off and never block.
type session struct {
	client mqtt.Client
	status StatusStore

	mu   sync.Mutex
	subs map[string]subscription

	stMu      sync.Mutex
	lastState string
	lastWrite time.Time
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// newSession builds a session from the stored broker settings. The
// client is produced by newClient so tests can substitute a fake.
func newSession(cfg *config.MQTT, status StatusStore, newClient func(*mqtt.ClientOptions) mqtt.Client) *session {
	s := &session{
		status: status,
		subs:   make(map[string]subscription),
	}

	opts := cfg.ClientOptions()
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	s.client = newClient(opts)

	return s
}

// connect dials the broker. Failure is not fatal: the worker degrades
// to store-only operation and paho keeps retrying in the background.
func (s *session) connect(ctx context.Context) error {
	if err := waitToken(ctx, s.client.Connect()); err != nil {
		s.setStatus(store.StatusDisconnected, false)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *session) disconnect() {
	if s.client.IsConnected() {
		s.client.Disconnect(500)
	}
	s.setStatus(store.StatusDisconnected, false)
}

func (s *session) connected() bool {
	return s.client.IsConnectionOpen()
}

// subscribe registers a filter. Registration is idempotent and
// survives reconnects: onConnect replays the whole table.
func (s *session) subscribe(filter string, qos byte, handler mqtt.MessageHandler) error {
	s.mu.Lock()
	s.subs[filter] = subscription{qos, handler}
	s.mu.Unlock()

	if !s.client.IsConnectionOpen() {
		return nil
	}
	t := s.client.Subscribe(filter, qos, handler)
	if err := waitToken(context.Background(), t); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	log.Info("Subscribed", "filter", filter, "qos", qos)
	return nil
}

// unsubscribe drops a filter from the table and the broker.
func (s *session) unsubscribe(filter string) {
	s.mu.Lock()
	_, had := s.subs[filter]
	delete(s.subs, filter)
	s.mu.Unlock()

	if !had || !s.client.IsConnectionOpen() {
		return
	}
	if err := waitToken(context.Background(), s.client.Unsubscribe(filter)); err != nil {
		log.WarnError("Unsubscribe failed", err, "filter", filter)
	}
}

// publish sends one message and waits for the token. Disconnected
// sessions fail fast with [ErrNotConnected].
func (s *session) publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := waitToken(ctx, s.client.Publish(topic, qos, retain, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// onConnect replays the subscription table and marks the store
// connected. Paho calls it for the first connect and every reconnect.
func (s *session) onConnect(c mqtt.Client) {
	r := c.OptionsReader()
	log.Info("Connected to MQTT broker", "broker", r.Servers()[0], "client_id", r.ClientID())

	s.mu.Lock()
	subs := make(map[string]subscription, len(s.subs))
	for f, sub := range s.subs {
		subs[f] = sub
	}
	s.mu.Unlock()

	for filter, sub := range subs {
		t := c.Subscribe(filter, sub.qos, sub.handler)
		if err := waitToken(context.Background(), t); err != nil {
			log.Error("Resubscribe failed", err, "filter", filter)
			continue
		}
		log.Info("Subscribed", "filter", filter, "qos", sub.qos)
	}

	s.setStatus(store.StatusConnected, false)
}

func (s *session) onConnectionLost(_ mqtt.Client, err error) {
	log.WarnError("MQTT connection lost", err)
	s.setStatus(store.StatusDisconnected, false)
}

// setStatus writes the connection status through to the store, dropping
// repeats that land within the rate-limit window. Transitions and
// data-flow stamps always go through.
func (s *session) setStatus(state string, dataFlow bool) {
	s.stMu.Lock()
	if !dataFlow && state == s.lastState && time.Since(s.lastWrite) < statusEvery {
		s.stMu.Unlock()
		return
	}
	s.lastState = state
	s.lastWrite = time.Now()
	s.stMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.status.SetMQTTStatus(ctx, state, dataFlow); err != nil {
		log.WarnError("Status write failed", err, "status", state)
	}
}

// waitToken waits for a paho token, abandoning the wait when ctx ends.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Done():
	}
	return t.Error()
}
