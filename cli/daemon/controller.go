// Package daemon supervises one dmypy daemon per workspace.
//
// The Controller owns the daemon process, serializes every command sent to
// it and restarts it after crashes, giving up once it crashes too often.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Options configure a Controller.
type Options struct {
	// Clock is used for timeouts and restart delays. Nil means the wall clock.
	Clock clock.Clock
	// Spawner starts the daemon. Nil means an ExecSpawner.
	Spawner Spawner

	// CheckTimeout bounds a single command. A daemon that does not answer
	// in time is treated as crashed. Zero disables the timeout.
	CheckTimeout time.Duration
	// StopGrace is how long a graceful stop may take before the process is
	// killed.
	StopGrace time.Duration
	// CrashThreshold crashes within CrashWindow make the daemon unavailable.
	CrashThreshold int
	CrashWindow    time.Duration
	// RestartBackoff is the initial delay before restarting a crashed
	// daemon. It grows exponentially while crashes keep happening. Zero
	// restarts immediately.
	RestartBackoff time.Duration

	// OnStateChange is called for every state transition, in order and one
	// call at a time. It runs outside the Controller's lock, so a slow
	// callback never blocks Status or Close.
	OnStateChange func(from, to State)
}

// DefaultOptions returns the default Controller options.
func DefaultOptions() Options {
	return Options{
		Clock:          clock.New(),
		Spawner:        &ExecSpawner{},
		CheckTimeout:   30 * time.Second,
		StopGrace:      5 * time.Second,
		CrashThreshold: 3,
		CrashWindow:    time.Minute,
		RestartBackoff: 250 * time.Millisecond,
	}
}

// Status is a point-in-time snapshot of a Controller.
type Status struct {
	Workspace    string
	State        State
	RestartCount int
	LastError    error
	Pid          int
	// Queued is the number of callers waiting for the command slot.
	Queued int
	Argv   []string
}

// Controller supervises the daemon for a single workspace.
type Controller struct {
	root     string
	resolver Resolver
	opts     Options
	log      zerolog.Logger

	// slot admits one command at a time. Waiters are served in FIFO order.
	slot   *semaphore.Weighted
	seq    atomic.Uint64
	queued atomic.Int32
	state  atomic.Int32

	mu           sync.Mutex
	proc         Process
	inv          Invocation
	restartCount int
	lastErr      error
	fatal        error // latched SpawnFailure or DaemonUnavailable
	crashes      []time.Time
	reload       bool
	closed       bool
	backoff      *backoff.ExponentialBackOff
	// events are transitions not yet passed to OnStateChange. notifying is
	// set while a goroutine is delivering them.
	events    []transition
	notifying bool
}

type transition struct{ from, to State }

// NewController returns a Controller for the workspace at root. The daemon
// is not started until the first command is submitted.
func NewController(root string, resolver Resolver, opts Options) *Controller {
	def := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Spawner == nil {
		opts.Spawner = def.Spawner
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = def.StopGrace
	}
	if opts.CrashThreshold <= 0 {
		opts.CrashThreshold = def.CrashThreshold
	}
	if opts.CrashWindow <= 0 {
		opts.CrashWindow = def.CrashWindow
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RestartBackoff
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Clock = opts.Clock
	bo.Reset()

	return &Controller{
		root:     root,
		resolver: resolver,
		opts:     opts,
		log:      log.With().Str("workspace", root).Str("daemon_id", xid.New().String()).Logger(),
		slot:     semaphore.NewWeighted(1),
		backoff:  bo,
	}
}

// Root returns the workspace root.
func (c *Controller) Root() string { return c.root }

// State returns the current state without blocking.
func (c *Controller) State() State { return State(c.state.Load()) }

// Status returns a snapshot of the Controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Workspace:    c.root,
		State:        c.State(),
		RestartCount: c.restartCount,
		LastError:    c.lastErr,
		Queued:       int(c.queued.Load()),
		Argv:         c.inv.Argv,
	}
	if c.proc != nil {
		st.Pid = c.proc.Pid()
	}
	return st
}

// Submit issues cmd to the daemon and waits for its response, starting the
// daemon first if it is not running. Commands are executed one at a time in
// submission order.
//
// ctx only bounds the wait for the command slot and daemon start-up; once a
// command is issued it runs to completion or until CheckTimeout elapses.
func (c *Controller) Submit(ctx context.Context, cmd Command) (*Response, error) {
	if cmd.cancelled == nil {
		cmd.cancelled = new(atomic.Bool)
	}

	c.queued.Add(1)
	err := c.slot.Acquire(ctx, 1)
	c.queued.Add(-1)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "waiting to issue %s", cmd), ErrCancelled)
	}
	defer c.slot.Release(1)

	if cmd.Cancelled() || ctx.Err() != nil {
		return nil, errors.Mark(errors.Newf("%s cancelled before it was issued", cmd), ErrCancelled)
	}
	cmd.seq = c.seq.Add(1)

	switch cmd.Kind {
	case KindStop:
		return c.stop(cmd)
	case KindRestart:
		return c.restart(ctx, cmd)
	}

	proc, err := c.ensureRunning(ctx)
	if err != nil {
		return nil, err
	}
	return c.exec(proc, cmd)
}

// Close stops the daemon and makes every later Submit fail with ErrStopped.
// It waits for the command in flight, if any, unless ctx is done first, in
// which case the daemon is killed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.unlock()

	if err := c.slot.Acquire(ctx, 1); err != nil {
		c.mu.Lock()
		proc := c.proc
		c.proc = nil
		c.setStateLocked(StateStopped)
		c.unlock()
		if proc != nil {
			c.log.Warn().Int("pid", proc.Pid()).Msg("daemon: killing busy dmypy daemon on shutdown")
			if kerr := proc.Kill(); kerr != nil {
				return multierror.Append(err, kerr)
			}
		}
		return err
	}
	defer c.slot.Release(1)

	cmd := StopCommand()
	cmd.seq = c.seq.Add(1)
	_, err := c.stop(cmd)
	return err
}

// ConfigChanged tells the Controller that the configuration may have
// changed. A latched SpawnFailure or DaemonUnavailable is cleared and a
// running daemon is restarted before the next command.
func (c *Controller) ConfigChanged() {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	c.fatal = nil
	c.crashes = nil
	c.backoff.Reset()
	if c.proc != nil {
		c.reload = true
	}
	if c.State() == StateUnavailable {
		// An operator reset starts fresh rather than as a crash restart.
		c.setStateLocked(StateStopped)
	}
	c.log.Info().Msg("daemon: configuration changed")
}

// ensureRunning returns the running daemon, starting it if needed.
func (c *Controller) ensureRunning(ctx context.Context) (Process, error) {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil, errors.WithStack(ErrStopped)
	}
	if c.fatal != nil {
		err := c.fatal
		c.unlock()
		return nil, err
	}
	proc := c.proc
	reload := c.reload && proc != nil
	if reload {
		c.proc = nil
		c.reload = false
		c.setStateLocked(StateStarting)
	}
	c.unlock()

	if proc != nil && !reload {
		return proc, nil
	}
	if reload {
		c.log.Info().Int("pid", proc.Pid()).Msg("daemon: restarting dmypy daemon after config change")
		if err := c.terminate(proc); err != nil {
			c.log.Warn().Err(err).Msg("daemon: failed to stop dmypy daemon cleanly")
		}
	}
	return c.start(ctx)
}

// start spawns the daemon, applying the crash-loop policy first.
func (c *Controller) start(ctx context.Context) (Process, error) {
	c.mu.Lock()
	now := c.opts.Clock.Now()
	c.pruneCrashesLocked(now)
	if len(c.crashes) >= c.opts.CrashThreshold {
		err := errors.WithHint(
			errors.Mark(
				errors.Newf("dmypy daemon crashed %d times within %s", len(c.crashes), c.opts.CrashWindow),
				ErrDaemonUnavailable,
			),
			"Fix the underlying problem, then restart the language server or edit dmypyls.yaml.",
		)
		c.fatal = err
		c.lastErr = err
		c.setStateLocked(StateUnavailable)
		c.unlock()
		c.log.Error().Err(err).Msg("daemon: giving up on dmypy daemon")
		return nil, err
	}
	restarting := c.State() == StateCrashed
	var delay time.Duration
	if restarting {
		delay = c.nextBackoffLocked()
	}
	c.unlock()

	if delay > 0 {
		t := c.opts.Clock.Timer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Mark(errors.Wrap(ctx.Err(), "waiting to restart dmypy daemon"), ErrCancelled)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil, errors.WithStack(ErrStopped)
	}
	if restarting {
		c.restartCount++
	}
	c.setStateLocked(StateStarting)
	c.unlock()

	inv, err := c.resolver.ResolveCommand(c.root)
	var proc Process
	if err == nil {
		c.log.Info().Strs("argv", inv.Argv).Str("dir", inv.Dir).Msg("daemon: starting dmypy daemon")
		proc, err = c.opts.Spawner.Spawn(ctx, inv)
	}

	c.mu.Lock()
	defer c.unlock()
	if err != nil {
		c.setStateLocked(StateStopped)
		if ctx.Err() != nil {
			return nil, errors.Mark(errors.Wrap(err, "starting dmypy daemon"), ErrCancelled)
		}
		err = errors.Mark(errors.Wrap(err, "start dmypy daemon"), ErrSpawnFailure)
		if len(errors.GetAllHints(err)) == 0 {
			err = errors.WithHint(err, "Check dmypy_command in dmypyls.yaml.")
		}
		c.fatal = err
		c.lastErr = err
		c.log.Error().Err(err).Msg("daemon: failed to start dmypy daemon")
		return nil, err
	}
	if c.closed {
		_ = proc.Kill()
		c.setStateLocked(StateStopped)
		return nil, errors.WithStack(ErrStopped)
	}
	c.proc = proc
	c.inv = inv
	c.setStateLocked(StateReady)
	c.log.Info().Int("pid", proc.Pid()).Int("restarts", c.restartCount).Msg("daemon: dmypy daemon ready")
	go c.watch(proc)
	return proc, nil
}

// exec runs cmd against proc. The caller holds the command slot.
func (c *Controller) exec(proc Process, cmd Command) (*Response, error) {
	c.mu.Lock()
	c.setStateLocked(StateBusy)
	c.unlock()

	var timeout <-chan time.Time
	if c.opts.CheckTimeout > 0 {
		t := c.opts.Clock.Timer(c.opts.CheckTimeout)
		defer t.Stop()
		timeout = t.C
	}

	type result struct {
		resp *Response
		err  error
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan result, 1)
	start := c.opts.Clock.Now()
	go func() {
		resp, err := proc.Exec(ctx, cmd)
		done <- result{resp, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-proc.Done():
		cancel()
		<-done
		return nil, c.crashed(proc, errors.Newf("dmypy daemon exited during %s: %v", cmd, proc.Err()))
	case <-timeout:
		c.log.Warn().Stringer("cmd", cmd).Dur("timeout", c.opts.CheckTimeout).Msg("daemon: dmypy daemon not responding")
		c.kill(proc)
		cancel()
		<-done
		return nil, c.crashed(proc, errors.Newf("dmypy daemon did not answer %s within %s", cmd, c.opts.CheckTimeout))
	}

	if r.err != nil {
		if isDone(proc) {
			return nil, c.crashed(proc, errors.Wrapf(r.err, "dmypy daemon exited during %s", cmd))
		}
		c.finish(proc, r.err)
		return nil, errors.Wrapf(r.err, "run %s", cmd)
	}

	resp := r.resp
	resp.Seq = cmd.seq
	resp.Kind = cmd.Kind
	if resp.Duration == 0 {
		resp.Duration = c.opts.Clock.Since(start)
	}
	exited := isDone(proc)
	var err error
	switch {
	case cmd.Kind == KindCheck:
		err = checkResult(resp, exited)
	case resp.ExitCode != 0 && (exited || reportsDaemonGone(resp)):
		err = errors.Mark(errors.Newf("%s failed: %s", cmd, firstLine(resp)), ErrDaemonCrashed)
	}
	if errors.Is(err, ErrDaemonCrashed) {
		c.kill(proc)
		return resp, c.crashed(proc, err)
	}
	c.finish(proc, err)
	c.log.Debug().Stringer("cmd", cmd).Uint64("seq", cmd.seq).Int("exit", resp.ExitCode).Dur("took", resp.Duration).Msg("daemon: command done")
	return resp, err
}

// finish returns to Ready after a command that did not crash the daemon.
func (c *Controller) finish(proc Process, err error) {
	c.mu.Lock()
	defer c.unlock()
	if err != nil {
		c.lastErr = err
	}
	if c.proc == proc {
		c.setStateLocked(StateReady)
	}
}

// crashed records the exit of proc and returns the error for the command
// that observed it.
func (c *Controller) crashed(proc Process, cause error) error {
	err := cause
	if !errors.Is(err, ErrDaemonCrashed) {
		err = errors.Mark(err, ErrDaemonCrashed)
	}
	c.handleExit(proc, err)

	c.mu.Lock()
	closed := c.closed
	c.unlock()
	if closed {
		return errors.Mark(err, ErrStopped)
	}
	return err
}

// handleExit records an unexpected exit of proc. It is a no-op if proc is
// no longer the current process.
func (c *Controller) handleExit(proc Process, cause error) {
	c.mu.Lock()
	defer c.unlock()
	if c.proc != proc {
		return
	}
	c.proc = nil
	c.lastErr = cause
	if c.closed {
		c.setStateLocked(StateStopped)
		return
	}
	now := c.opts.Clock.Now()
	c.pruneCrashesLocked(now)
	if len(c.crashes) == 0 {
		c.backoff.Reset()
	}
	c.crashes = append(c.crashes, now)
	c.setStateLocked(StateCrashed)
	c.log.Warn().Err(cause).Int("pid", proc.Pid()).Int("recent_crashes", len(c.crashes)).Msg("daemon: dmypy daemon crashed")
}

// watch detects the daemon exiting while no command is running.
func (c *Controller) watch(proc Process) {
	<-proc.Done()
	c.handleExit(proc, errors.Mark(errors.Newf("dmypy daemon exited: %v", proc.Err()), ErrDaemonCrashed))
}

func (c *Controller) stop(cmd Command) (*Response, error) {
	c.mu.Lock()
	c.closed = true
	proc := c.proc
	c.proc = nil
	c.unlock()

	start := c.opts.Clock.Now()
	var err error
	if proc != nil {
		c.log.Info().Int("pid", proc.Pid()).Msg("daemon: stopping dmypy daemon")
		err = c.terminate(proc)
	}

	c.mu.Lock()
	c.setStateLocked(StateStopped)
	if err != nil {
		c.lastErr = err
	}
	c.unlock()
	return &Response{Seq: cmd.seq, Kind: KindStop, Duration: c.opts.Clock.Since(start)}, err
}

func (c *Controller) restart(ctx context.Context, cmd Command) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil, errors.WithStack(ErrStopped)
	}
	c.fatal = nil
	c.crashes = nil
	c.reload = false
	c.backoff.Reset()
	c.restartCount++
	proc := c.proc
	c.proc = nil
	c.setStateLocked(StateStarting)
	c.unlock()

	start := c.opts.Clock.Now()
	if proc != nil {
		c.log.Info().Int("pid", proc.Pid()).Msg("daemon: restarting dmypy daemon")
		if err := c.terminate(proc); err != nil {
			c.log.Warn().Err(err).Msg("daemon: failed to stop dmypy daemon cleanly")
		}
	}
	if _, err := c.start(ctx); err != nil {
		return nil, err
	}
	return &Response{Seq: cmd.seq, Kind: KindRestart, Duration: c.opts.Clock.Since(start)}, nil
}

// terminate stops proc gracefully, killing it if it does not exit within
// the grace period.
func (c *Controller) terminate(proc Process) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- proc.Stop(ctx) }()

	t := c.opts.Clock.Timer(c.opts.StopGrace)
	defer t.Stop()

	var result *multierror.Error
	for {
		select {
		case <-proc.Done():
			return result.ErrorOrNil()
		case err := <-stopped:
			stopped = nil
			if err != nil {
				result = multierror.Append(result, errors.Wrap(err, "graceful stop"))
			}
		case <-t.C:
			c.log.Warn().Int("pid", proc.Pid()).Dur("grace", c.opts.StopGrace).Msg("daemon: dmypy daemon did not stop in time, killing it")
			if err := proc.Kill(); err != nil {
				result = multierror.Append(result, err)
			}
			return result.ErrorOrNil()
		}
	}
}

// kill terminates proc and waits a bounded time for it to exit.
func (c *Controller) kill(proc Process) {
	if err := proc.Kill(); err != nil {
		c.log.Warn().Err(err).Msg("daemon: failed to kill dmypy daemon")
	}
	t := c.opts.Clock.Timer(c.opts.StopGrace)
	defer t.Stop()
	select {
	case <-proc.Done():
	case <-t.C:
	}
}

func (c *Controller) pruneCrashesLocked(now time.Time) {
	cutoff := now.Add(-c.opts.CrashWindow)
	i := 0
	for i < len(c.crashes) && !c.crashes[i].After(cutoff) {
		i++
	}
	c.crashes = c.crashes[i:]
}

func (c *Controller) nextBackoffLocked() time.Duration {
	if c.opts.RestartBackoff <= 0 {
		return 0
	}
	d := c.backoff.NextBackOff()
	if d == backoff.Stop {
		return c.backoff.MaxInterval
	}
	return d
}

func (c *Controller) setStateLocked(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("daemon: state change")
	if c.opts.OnStateChange != nil {
		c.events = append(c.events, transition{from, to})
	}
}

// unlock releases mu and then delivers the transitions recorded while it
// was held. If another goroutine is already delivering, it picks them up.
func (c *Controller) unlock() {
	if len(c.events) == 0 || c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for {
		events := c.events
		c.events = nil
		c.mu.Unlock()
		for _, ev := range events {
			c.opts.OnStateChange(ev.from, ev.to)
		}
		c.mu.Lock()
		if len(c.events) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return
		}
	}
}

func isDone(proc Process) bool {
	select {
	case <-proc.Done():
		return true
	default:
		return false
	}
}
