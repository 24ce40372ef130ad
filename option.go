package bacmq

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithClientFactory substitutes the MQTT client constructor. Tests use
// it to run the worker against an in-process client.
func WithClientFactory(f func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(g *Gateway) {
		g.newClient = f
	}
}
