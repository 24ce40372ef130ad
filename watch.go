package bacmq

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bacpipes/bacmq/log"
)

// startWatcher launches the hot-reload watcher. Every reload interval
// it compares the stored broker settings against the running session
// and raises the reload signal on drift. When the flag files' parent
// directories are watchable, flag changes additionally wake the run
// loop ahead of its tick.
func (g *Gateway) startWatcher(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.watch(ctx)
	}()
}

func (g *Gateway) watch(ctx context.Context) {
	events := g.watchFlags(ctx)

	interval := g.cfg.Worker.ReloadInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			g.poke(g.wake)
		case <-ticker.C:
			if g.settingsChanged(ctx) {
				log.Info("Stored broker settings drifted, scheduling reload")
				g.poke(g.reload)
				g.poke(g.wake)
			}
		}
	}
}

// settingsChanged reports whether the stored broker settings diverge
// from the session the run loop built last.
func (g *Gateway) settingsChanged(ctx context.Context) bool {
	cfg, err := g.store.LoadMQTT(ctx)
	if err != nil {
		log.WarnError("Broker settings poll failed", err)
		return false
	}
	if cfg.IsZero() {
		return false
	}
	return cfg.Hash() != g.mqttHash.Load()
}

// watchFlags arranges filesystem events for the coordination flags.
// It returns nil when nothing is watchable; the ticker alone then
// drives the watcher.
func (g *Gateway) watchFlags(ctx context.Context) <-chan struct{} {
	flags := make(map[string]bool)
	var dirs []string
	seen := make(map[string]bool)
	for _, f := range []string{g.cfg.Worker.DiscoveryFlag, g.cfg.Worker.RestartFlag} {
		if f == "" {
			continue
		}
		flags[filepath.Clean(f)] = true
		dir := filepath.Dir(f)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.WarnError("Flag watcher unavailable, relying on the tick", err)
		return nil
	}
	watched := 0
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			log.WarnError("Flag directory not watchable", err, "dir", dir)
			continue
		}
		watched++
	}
	if watched == 0 {
		w.Close()
		return nil
	}

	events := make(chan struct{}, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer w.Close()
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !flags[filepath.Clean(ev.Name)] {
					continue
				}
				log.Debug("Flag file changed", "path", ev.Name, "op", ev.Op)
				select {
				case events <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnError("Flag watcher error", err)
			}
		}
	}()

	return events
}
