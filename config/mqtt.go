package config

import (
	"crypto/tls"
	"crypto/x509"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bacpipes/bacmq/log"
)

// Topic and subscription defaults shared with the store's seed row.
const (
	DefaultWriteCommandTopic = "bacnet/write/command"
	DefaultWriteResultTopic  = "bacnet/write/result"
	OverridePattern          = "override/#"
	OverrideQoS              = 1
)

// MQTT is the broker configuration held in the config store and mutated
// by the UI. The worker snapshots it at boot and every reload interval.
//
// See [mqtt.ClientOptions].
type MQTT struct {
	// Broker is the broker host, with or without a scheme and port.
	Broker string
	// Port is joined to Broker when Broker carries no port of its own.
	Port     int
	ClientID string
	Username string
	Password string
	// KeepAlive is the interval between client pings of the broker.
	KeepAlive time.Duration

	TLS TLSConfig

	// WriteCommandTopic receives explicit write jobs (QoS 1).
	WriteCommandTopic string
	// WriteResultTopic receives one result envelope per write job (QoS 1).
	WriteResultTopic string
	// SubscribeEnabled turns on the override subscription.
	SubscribeEnabled bool
	// SubscribePattern is the override subscription filter.
	SubscribePattern string
	// SubscribeQoS is the QoS of the override subscription.
	SubscribeQoS byte
	// BatchPublishing additionally publishes one document per equipment
	// group each poll cycle.
	BatchPublishing bool
	// Enabled gates the whole MQTT session.
	Enabled bool

	tlsCert *tls.Certificate
}

// TLSConfig carries the three TLS modes of the session: disabled,
// enabled with system CAs, or enabled with a custom CA file. Insecure
// disables certificate verification orthogonally.
type TLSConfig struct {
	Enabled  bool
	Insecure bool
	CAFile   string
	CertFile string
	KeyFile  string
}

// BrokerURI returns the full broker URI for the paho client. A scheme
// already present in Broker is respected; otherwise ssl:// is used when
// TLS is enabled and tcp:// when not. A port already present in Broker
// wins over Port.
func (cfg *MQTT) BrokerURI() string {
	broker := cfg.Broker
	if broker == "" {
		return ""
	}

	if strings.Contains(broker, "://") {
		return broker
	}

	scheme := "tcp://"
	if cfg.TLS.Enabled {
		scheme = "ssl://"
	}

	return scheme + maybeWithPort(broker, cfg.Port)
}

func maybeWithPort(addr string, port int) string {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		if _, err := strconv.Atoi(addr[i+1:]); err == nil {
			return addr
		}
	}

	if port <= 0 {
		port = 1883
	}

	return addr + ":" + strconv.Itoa(port)
}

// ClientOptions returns cfg formatted as [mqtt.ClientOptions] to provide
// to the backing MQTT client when calling [mqtt.NewClient].
func (cfg *MQTT) ClientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(cfg.BrokerURI())
	o.SetClientID(cfg.ClientID)
	o.SetUsername(cfg.Username).SetPassword(cfg.Password)
	o.SetAutoReconnect(true)
	o.SetResumeSubs(true)
	o.SetOrderMatters(false)

	if cfg.KeepAlive > 0 {
		o.SetKeepAlive(cfg.KeepAlive)
	}

	if cfg.TLS.Enabled {
		o.SetTLSConfig(cfg.tlsConfig())
	}

	return o
}

func (cfg *MQTT) tlsConfig() *tls.Config {
	tc := &tls.Config{}

	if cfg.TLS.Insecure {
		tc.InsecureSkipVerify = true

		log.Warn("TLS configured with INSECURE mode, certificate verification disabled")
	}

	if ca := cfg.TLS.CAFile; ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			log.WarnError("Unable to read CA certificate, deferring to system CAs", err, "path", ca)
		} else {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				log.Warn("No certificates parsed from CA file, deferring to system CAs", "path", ca)
			} else {
				tc.RootCAs = pool
			}
		}
	}

	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tc.GetClientCertificate = cfg.getClientCertificate
	}

	return tc
}

func (cfg *MQTT) getClientCertificate(_ *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	if cfg.tlsCert == nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}

		cfg.tlsCert = &cert
	}

	return cfg.tlsCert, nil
}

// Hash returns a digest of the fields whose change requires the session
// to reconnect. The hot-reload watcher compares digests across reloads.
func (cfg *MQTT) Hash() uint64 {
	h := fnv.New64a()

	for _, s := range []string{
		cfg.Broker,
		strconv.Itoa(cfg.Port),
		cfg.ClientID,
		cfg.Username,
		cfg.Password,
		strconv.FormatBool(cfg.TLS.Enabled),
		strconv.FormatBool(cfg.TLS.Insecure),
		cfg.TLS.CAFile,
		cfg.TLS.CertFile,
		cfg.TLS.KeyFile,
		strconv.FormatBool(cfg.SubscribeEnabled),
		cfg.SubscribePattern,
		cfg.WriteCommandTopic,
		cfg.WriteResultTopic,
		strconv.FormatBool(cfg.Enabled),
	} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	return h.Sum64()
}

// IsZero reports whether no broker has been configured yet.
func (cfg *MQTT) IsZero() bool {
	return cfg == nil || cfg.Broker == ""
}
