package bacmq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bacpipes/bacmq/bacnet"
	"github.com/bacpipes/bacmq/config"
	"github.com/bacpipes/bacmq/haystack"
	"github.com/bacpipes/bacmq/log"
	"github.com/bacpipes/bacmq/store"
)

// settingsGate is how long the boot sequence sleeps between checks for
// the settings rows. Overridden in tests.
var settingsGate = 10 * time.Second

// Store is the slice of the config store the worker consumes.
type Store interface {
	LoadSystem(ctx context.Context) (*config.System, error)
	LoadMQTT(ctx context.Context) (*config.MQTT, error)
	ListPollablePoints(ctx context.Context) ([]*store.PollPoint, error)
	LookupPoint(ctx context.Context, deviceInstance uint32, objectType string, objectInstance uint32) (*store.PollPoint, error)
	UpdateReading(ctx context.Context, pointID int64, value string, ts time.Time) error
	RecordPointError(ctx context.Context, pointID int64, message string, ts time.Time) error
	RecordWrite(ctx context.Context, rec *store.WriteRecord) error
	LogError(ctx context.Context, pointID int64, source, message string) error
	SetMQTTStatus(ctx context.Context, status string, dataFlow bool) error
}

var _ Store = (*store.Store)(nil)

// Gateway supervises the worker: one BACnet engine, one MQTT session,
// the poll scheduler, the write pipeline, and the hot-reload watcher.
// The supervisor goroutine owns the point cache, the override map, and
// the schedule; everything it runs is serialized on a one second tick.
type Gateway struct {
	cfg   *config.Config
	store Store

	newClient func(*mqtt.ClientOptions) mqtt.Client

	engine  *bacnet.Engine
	session *session

	system   *config.System
	mqtt     *config.MQTT
	mqttHash atomic.Uint64

	points    []*store.PollPoint
	overrides map[string]*store.PollPoint
	lastPoll  map[int64]int64
	cycle     int64

	queue  chan *command
	reload chan struct{}
	wake   chan struct{}

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// New returns a Gateway over the given bootstrap config and store. The
// gateway must have [Gateway.Start] called on it before it does
// anything.
func New(cfg *config.Config, st Store, opts ...Option) *Gateway {
	if cfg.Log.Level <= log.LevelError {
		mqtt.ERROR = log.ErrorLogger()
	}
	if cfg.Log.Level <= log.LevelWarn {
		mqtt.WARN = log.WarnLogger()
	}
	if cfg.Log.Level <= log.LevelDebug {
		mqtt.DEBUG = log.DebugLogger()
	}

	g := &Gateway{
		cfg:       cfg,
		store:     st,
		newClient: mqtt.NewClient,
		overrides: make(map[string]*store.PollPoint),
		lastPoll:  make(map[int64]int64),
		queue:     make(chan *command, cfg.Worker.QueueSize),
		reload:    make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Start launches the supervisor. The boot sequence gates on the
// settings rows, binds the engine, connects the session, and loads the
// point cache; [Gateway.Ready] closes once that is through, with
// [Gateway.Err] reporting how it went.
func (g *Gateway) Start(ctx context.Context) {
	g.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, g.cancel = context.WithCancel(ctx)

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer close(g.done)

			err := g.boot(ctx)
			close(g.ready)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					g.setErr(err)
					log.Error("Worker failed to start", err)
				}
				return
			}

			g.run(ctx)
			g.shutdown()
		}()
	})
}

// Ready returns a channel that closes once the boot sequence is
// through, successfully or not.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Done returns a channel that closes once the supervisor has exited.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

// Err returns the boot error, if any, once Ready is closed.
func (g *Gateway) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *Gateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

// Stop cancels the supervisor and waits for it to wind down.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Gateway) boot(ctx context.Context) error {
	system, mqttCfg, err := g.awaitSettings(ctx)
	if err != nil {
		return err
	}
	g.system, g.mqtt = system, mqttCfg
	g.mqttHash.Store(mqttCfg.Hash())

	if err := g.openEngine(); err != nil {
		return err
	}

	g.session = newSession(g.mqtt, g.store, g.newClient)
	g.connectSession(ctx)

	if err := g.refreshPoints(ctx); err != nil {
		log.WarnError("Point load failed, starting empty", err)
	}

	return nil
}

// awaitSettings blocks until first-time setup has produced both the
// system row and the broker settings.
func (g *Gateway) awaitSettings(ctx context.Context) (*config.System, *config.MQTT, error) {
	for {
		system, err := g.store.LoadSystem(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.WarnError("System settings not readable", err)
		}

		if system.IsZero() {
			log.Info("Waiting for system configuration")
		} else {
			mqttCfg, err := g.store.LoadMQTT(ctx)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				log.WarnError("Broker settings not readable", err)
			}
			if !mqttCfg.IsZero() {
				return system, mqttCfg, nil
			}
			log.Info("Waiting for broker configuration")
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(settingsGate):
		}
	}
}

// openEngine binds the BACnet socket. Failure is fatal: without the
// socket there is nothing to poll.
func (g *Gateway) openEngine() error {
	id := bacnet.Identity{
		Instance: g.system.DeviceID,
		Name:     g.cfg.BACnet.ObjectName,
		Vendor:   g.cfg.BACnet.VendorID,
	}
	opts := []bacnet.Option{bacnet.WithWhoIsReplies(true)}
	if g.system.WriteWithPriority {
		opts = append(opts, bacnet.WithPriorityWrites(true))
	}

	g.engine = bacnet.New(g.cfg.BACnet, id, opts...)
	if err := g.engine.Open(g.system.BACnetIP, g.system.BACnetPort); err != nil {
		return fmt.Errorf("bacnet bind %s:%d: %w", g.system.BACnetIP, g.system.BACnetPort, err)
	}
	return nil
}

// connectSession dials the broker and installs the subscriptions. A
// refused broker is not fatal: the worker degrades to store-only
// operation until a reload brings the session back.
func (g *Gateway) connectSession(ctx context.Context) {
	if !g.mqtt.Enabled {
		log.Info("MQTT disabled, running store-only")
		return
	}
	if err := g.session.connect(ctx); err != nil {
		log.WarnError("Broker unreachable, continuing without MQTT", err)
	}
	g.installSubscriptions()
}

// installSubscriptions registers the write-command topic and, when
// enabled, the override wildcard. Registration outlives reconnects.
func (g *Gateway) installSubscriptions() {
	topic := g.mqtt.WriteCommandTopic
	if topic == "" {
		topic = config.DefaultWriteCommandTopic
	}
	if err := g.session.subscribe(topic, 1, g.onWriteCommand); err != nil {
		log.WarnError("Write command subscription failed", err, "topic", topic)
	}

	if !g.mqtt.SubscribeEnabled {
		return
	}
	pattern := g.mqtt.SubscribePattern
	if pattern == "" {
		pattern = config.OverridePattern
	}
	qos := g.mqtt.SubscribeQoS
	if qos == 0 {
		qos = config.OverrideQoS
	}
	if err := g.session.subscribe(pattern, qos, g.onOverride); err != nil {
		log.WarnError("Override subscription failed", err, "pattern", pattern)
	}
}

// resultTopic is where write envelopes land.
func (g *Gateway) resultTopic() string {
	if g.mqtt.WriteResultTopic != "" {
		return g.mqtt.WriteResultTopic
	}
	return config.DefaultWriteResultTopic
}

// refreshPoints reloads the pollable point cache and rebuilds the
// override topic map. Schedule entries for departed points fall away
// with the cache.
func (g *Gateway) refreshPoints(ctx context.Context) error {
	points, err := g.store.ListPollablePoints(ctx)
	if err != nil {
		return err
	}

	overrides := make(map[string]*store.PollPoint)
	keep := make(map[int64]int64, len(points))
	for _, pt := range points {
		if topic := haystack.OverrideTopic(pt.MQTTTopic); topic != "" {
			overrides[topic] = pt
		}
		if last, ok := g.lastPoll[pt.ID]; ok {
			keep[pt.ID] = last
		}
	}

	g.points, g.overrides, g.lastPoll = points, overrides, keep
	log.Info("Point cache refreshed", "points", len(points), "override_topics", len(overrides))
	return nil
}

// run is the supervisor loop. Once a second it honors the coordination
// flags, applies pending reloads, drains the command queue, and runs a
// scheduler pass.
func (g *Gateway) run(ctx context.Context) {
	g.startWatcher(ctx)
	log.Info("Worker running", "points", len(g.points))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
		case <-ticker.C:
		}

		if g.yieldToDiscovery(ctx) {
			continue
		}
		g.handleRestartFlag(ctx)

		select {
		case <-g.reload:
			g.applyReload(ctx)
		default:
		}

		g.drainCommands(ctx)
		g.pollTick(ctx)
	}
}

// yieldToDiscovery releases the BACnet socket while the discovery
// runner holds the flag, then rebinds and refreshes the cache to pick
// up whatever the scan changed.
func (g *Gateway) yieldToDiscovery(ctx context.Context) bool {
	flag := g.cfg.Worker.DiscoveryFlag
	if flag == "" {
		return false
	}
	if _, err := os.Stat(flag); err != nil {
		return false
	}

	log.Info("Discovery in progress, yielding BACnet socket")
	g.engine.Close()

	for {
		if _, err := os.Stat(flag); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(time.Second):
		}
	}

	for {
		err := g.engine.Reopen()
		if err == nil {
			break
		}
		log.WarnError("BACnet socket rebind failed, retrying", err)
		select {
		case <-ctx.Done():
			return true
		case <-time.After(time.Second):
		}
	}
	log.Info("BACnet socket rebound", "port", g.engine.Port())

	if err := g.refreshPoints(ctx); err != nil {
		log.WarnError("Point refresh failed", err)
	}
	return true
}

// handleRestartFlag applies a restart request: remove the flag, then
// reload settings, session, and cache in place.
func (g *Gateway) handleRestartFlag(ctx context.Context) {
	flag := g.cfg.Worker.RestartFlag
	if flag == "" {
		return
	}
	if _, err := os.Stat(flag); err != nil {
		return
	}

	log.Info("Restart flag found, reloading configuration")
	if err := os.Remove(flag); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WarnError("Restart flag not removed", err, "path", flag)
	}
	g.applyReload(ctx)
}

// applyReload snapshots the stored settings again, rebuilding the MQTT
// session when its connection fields changed and always refreshing the
// point cache. Queued commands survive the swap.
func (g *Gateway) applyReload(ctx context.Context) {
	system, err := g.store.LoadSystem(ctx)
	if err != nil {
		log.WarnError("System settings reload failed", err)
	} else if !system.IsZero() {
		g.system = system
	}

	mqttCfg, err := g.store.LoadMQTT(ctx)
	if err != nil {
		log.WarnError("Broker settings reload failed", err)
	} else if !mqttCfg.IsZero() {
		if hash := mqttCfg.Hash(); hash != g.mqttHash.Load() {
			log.Info("Broker settings changed, rebuilding MQTT session")
			g.session.disconnect()
			g.mqtt = mqttCfg
			g.mqttHash.Store(hash)
			g.session = newSession(g.mqtt, g.store, g.newClient)
			g.connectSession(ctx)
		} else {
			g.mqtt = mqttCfg
		}
	}

	if err := g.refreshPoints(ctx); err != nil {
		log.WarnError("Point refresh failed", err)
	}
}

func (g *Gateway) shutdown() {
	g.session.disconnect()
	g.engine.Close()
	log.Info("Worker stopped")
}

// poke raises a level-triggered signal without blocking.
func (g *Gateway) poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
