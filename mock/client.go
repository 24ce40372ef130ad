package mock

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is an in-memory mqtt.Client. Publishes are recorded for
// inspection, subscriptions are kept in a registry, and Inject
// delivers an inbound message to the matching handler synchronously.
type Client struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	opts       *mqtt.ClientOptions
	published  []Message
	subs       map[string]subscription
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// Message is one recorded publish.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

func NewClient(o *mqtt.ClientOptions) *Client {
	return &Client{
		opts: o,
		subs: make(map[string]subscription),
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return &token{err: err}
	}
	c.connected = true
	onConnect := c.opts.OnConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect(c)
	}
	return &mqtt.DummyToken{}
}

func (c *Client) Disconnect(_ uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &token{err: c.publishErr}
	}
	var p []byte
	switch v := payload.(type) {
	case []byte:
		p = append([]byte(nil), v...)
	case string:
		p = []byte(v)
	default:
		p, _ = json.Marshal(v)
	}
	c.published = append(c.published, Message{Topic: topic, QoS: qos, Retained: retained, Payload: p})
	return &mqtt.DummyToken{}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: callback}
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	for topic, qos := range filters {
		c.subs[topic] = subscription{qos: qos, handler: callback}
	}
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	return &mqtt.DummyToken{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	c.subs[topic] = subscription{handler: callback}
	c.mu.Unlock()
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

// Inject delivers an inbound message to the handler whose filter
// matches topic, reporting whether one matched.
func (c *Client) Inject(topic string, payload []byte) bool {
	c.mu.Lock()
	var handler mqtt.MessageHandler
	var qos byte
	for filter, sub := range c.subs {
		if matchTopic(filter, topic) {
			handler = sub.handler
			qos = sub.qos
			break
		}
	}
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(c, &message{topic: topic, qos: qos, payload: payload})
	return true
}

// Published returns a copy of every recorded publish.
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// PublishedTo returns the recorded publishes to one topic.
func (c *Client) PublishedTo(topic string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []Message
	for _, m := range c.published {
		if m.Topic == topic {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Subscribed reports whether a subscription exists for the exact
// filter.
func (c *Client) Subscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[filter]
	return ok
}

// Reset clears the recorded publishes.
func (c *Client) Reset() {
	c.mu.Lock()
	c.published = nil
	c.mu.Unlock()
}

// FailConnect makes subsequent Connect calls fail with err.
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// FailPublish makes subsequent publishes fail with err. Pass nil to
// restore delivery.
func (c *Client) FailPublish(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// LoseConnection marks the client disconnected and fires the
// connection-lost handler, as the network loop would.
func (c *Client) LoseConnection(err error) {
	c.mu.Lock()
	c.connected = false
	lost := c.opts.OnConnectionLost
	c.mu.Unlock()
	if lost != nil {
		lost(c, err)
	}
}

// matchTopic applies MQTT filter matching with + and # wildcards.
func matchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

type token struct {
	err error
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Error() error                   { return t.err }

func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return m.qos }
func (m *message) Retained() bool    { return false }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Ack()              {}

func (m *message) Topic() string {
	return m.topic
}

func (m *message) Payload() []byte {
	return m.payload
}
