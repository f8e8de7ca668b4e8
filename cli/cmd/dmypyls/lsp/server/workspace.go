package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/Olimi-org/dmypyls/cli/daemon"
	"github.com/Olimi-org/dmypyls/cli/daemon/scheduler"
	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

// configWatchDelay coalesces bursts of config file events.
const configWatchDelay = 200 * time.Millisecond

// workspace is one root with its own daemon and scheduler.
type workspace struct {
	root  string
	h     *handler
	ctrl  *daemon.Controller
	sched *scheduler.Scheduler

	mu      sync.Mutex
	cfg     *dmypyconf.Config
	watcher *dmypyconf.Watcher
	closed  bool

	startOnce sync.Once
	warmup    sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newWorkspace(h *handler, root string) *workspace {
	ws := &workspace{root: root, h: h}
	ws.cfg = ws.loadConfig()

	opts := daemon.OptionsFromConfig(ws.cfg)
	opts.Clock = h.opts.Clock
	if h.opts.Spawner != nil {
		opts.Spawner = h.opts.Spawner
	} else {
		opts.Spawner = &daemon.ExecSpawner{
			StartTimeout: ws.cfg.StartTimeout,
			Stderr: func(line string) {
				h.logMessage(MessageLog, "dmypy: "+line)
			},
		}
	}
	opts.OnStateChange = ws.stateChanged

	ws.ctrl = daemon.NewController(root, daemon.ConfigResolver{Configs: h.opts.Configs}, opts)
	ws.sched = scheduler.New(ws.ctrl, h, scheduler.Options{
		Root:           root,
		Clock:          h.opts.Clock,
		OpenDebounce:   ws.cfg.OpenDebounce,
		ChangeDebounce: ws.cfg.ChangeDebounce,
	})
	log.Info().Str("root", root).Str("config", ws.cfg.Source).Msg("lsp: workspace added")
	return ws
}

// loadConfig reads the workspace config. Errors are reported by the
// Controller when it tries to start the daemon, so here they only fall back
// to defaults.
func (ws *workspace) loadConfig() *dmypyconf.Config {
	cfg, err := ws.h.opts.Configs.Load(ws.root)
	if err != nil {
		log.Warn().Err(err).Str("root", ws.root).Msg("lsp: config")
	}
	if cfg == nil {
		cfg = dmypyconf.Defaults(ws.root)
	}
	return cfg
}

// start warms up the daemon and starts watching config files. Only the
// first call has any effect.
func (ws *workspace) start() {
	ws.startOnce.Do(ws.doStart)
}

func (ws *workspace) doStart() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.warmup.Add(1)
	ws.mu.Unlock()
	go func() {
		defer ws.warmup.Done()
		if _, err := ws.ctrl.Submit(context.Background(), daemon.StatusCommand()); err != nil {
			log.Warn().Err(err).Str("root", ws.root).Msg("lsp: daemon warm-up failed")
		}
	}()

	w, err := dmypyconf.Watch(ws.h.opts.Configs.Dirs(ws.root), configWatchDelay, ws.configChanged)
	if err != nil {
		log.Warn().Err(err).Str("root", ws.root).Msg("lsp: cannot watch config files")
		return
	}
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		_ = w.Close()
		return
	}
	ws.watcher = w
	ws.mu.Unlock()
}

func (ws *workspace) handles(path string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.cfg.Handles(path)
}

func (ws *workspace) configChanged() {
	cfg := ws.loadConfig()
	ws.mu.Lock()
	ws.cfg = cfg
	ws.mu.Unlock()

	ws.ctrl.ConfigChanged()
	ws.sched.Recheck()
	ws.h.logMessage(MessageInfo, fmt.Sprintf("dmypyls: configuration for %s changed", ws.root))
}

func (ws *workspace) stateChanged(from, to daemon.State) {
	switch to {
	case daemon.StateBusy:
		return
	case daemon.StateReady:
		if from == daemon.StateBusy {
			return
		}
	}
	ws.h.logMessage(MessageLog, fmt.Sprintf("dmypy daemon for %s: %s -> %s", ws.root, from, to))
}

// close cancels pending checks and stops the daemon. It is safe to call
// more than once.
func (ws *workspace) close(ctx context.Context) error {
	ws.closeOnce.Do(func() {
		ws.sched.Shutdown()
		ws.mu.Lock()
		ws.closed = true
		w := ws.watcher
		ws.mu.Unlock()
		if w != nil {
			_ = w.Close()
		}
		if err := ws.ctrl.Close(ctx); err != nil {
			ws.closeErr = errors.Wrapf(err, "stop dmypy daemon for %s", ws.root)
		}
		ws.sched.Wait()
		ws.warmup.Wait()
		log.Info().Str("root", ws.root).Msg("lsp: workspace closed")
	})
	return ws.closeErr
}
