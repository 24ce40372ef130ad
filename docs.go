// Package bacmq implements the BacPipes gateway worker, bridging
// BACnet/IP devices to an MQTT broker.
//
// The worker shares a Postgres config store with the management UI: it
// loads broker and gateway settings from the store, polls the points
// the UI enabled, publishes readings on their derived topics, and
// executes write commands arriving over MQTT, recording every write in
// an audit log. Stored settings are picked up at runtime; the worker
// only restarts for a change of its own YAML bootstrap config.
//
// The [Gateway] type is the supervisor tying the pieces together. A
// minimal embedding looks like:
//
//	cfg := config.Default()
//	st, err := store.Open(ctx, cfg.DatabaseURL)
//	if err != nil {
//		return err
//	}
//	gw := bacmq.New(cfg, st)
//	gw.Start(ctx)
//	<-gw.Ready()
//	if err := gw.Err(); err != nil {
//		return err
//	}
//	<-gw.Done()
//
// Network scans live in the discovery package and run from a separate
// process; the coordination flag file hands the BACnet socket back and
// forth between the two.
//
// Full documentation is available at:
// https://pkg.go.dev/github.com/bacpipes/bacmq
package bacmq
