package daemon

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// DefaultFlags are the mypy flags the daemon is started with. They make
// the report format stable and machine readable.
var DefaultFlags = []string{
	"--show-absolute-path",
	"--show-column-numbers",
	"--show-error-end",
	"--show-error-codes",
	"--hide-error-context",
	"--no-color-output",
	"--no-error-summary",
	"--no-pretty",
}

const readyBanner = "Daemon is up and running"

// ExecSpawner spawns dmypy as an OS process. The server runs in the
// foreground as "dmypy daemon" so its exit is observed directly, and each
// command is a short-lived dmypy client invocation against it.
type ExecSpawner struct {
	// StartTimeout bounds how long Spawn waits for the daemon to report
	// ready. Zero means 60s.
	StartTimeout time.Duration
	// Stderr, if set, receives the daemon's stderr line by line.
	Stderr func(line string)
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, inv Invocation) (Process, error) {
	if len(inv.Argv) == 0 {
		return nil, errors.New("empty dmypy command")
	}
	p := &execProcess{inv: inv, done: make(chan struct{})}

	// A daemon left behind by an earlier session would make ours exit
	// immediately, so stop it first.
	if resp, err := p.client(ctx, "status"); err == nil && resp.ExitCode == 0 {
		log.Info().Str("dir", inv.Dir).Msg("daemon: stopping stale dmypy daemon")
		_, _ = p.client(ctx, "stop")
	}

	args := append(p.globalArgs(), "daemon")
	if len(inv.Flags) > 0 {
		args = append(args, "--")
		args = append(args, inv.Flags...)
	}
	cmd := exec.Command(inv.Argv[0], append(inv.Argv[1:], args...)...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	stderr := &lineWriter{fn: s.Stderr}
	cmd.Stderr = stderr
	cmd.Stdout = stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", inv.Argv[0])
	}
	p.cmd = cmd
	go func() {
		err := cmd.Wait()
		stderr.Flush()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	timeout := s.StartTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = timeout
	bo.Reset()

	err := backoff.Retry(func() error {
		select {
		case <-p.done:
			return backoff.Permanent(errors.Newf("dmypy daemon exited during startup: %v", p.Err()))
		default:
		}
		resp, err := p.client(ctx, "status")
		if err != nil {
			return backoff.Permanent(err)
		}
		if resp.ExitCode == 0 && bytes.Contains(resp.Stdout, []byte(readyBanner)) {
			return nil
		}
		return errors.Newf("dmypy daemon not ready: %s", firstLine(resp))
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = p.Kill()
		<-p.done
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return p, nil
}

type execProcess struct {
	inv  Invocation
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) globalArgs() []string {
	if p.inv.StatusFile == "" {
		return nil
	}
	return []string{"--status-file", p.inv.StatusFile}
}

// client runs one dmypy client invocation. A non-zero exit status is not
// an error; it is reported in the Response.
func (p *execProcess) client(ctx context.Context, args ...string) (*Response, error) {
	argv := append(append(p.inv.Argv[1:len(p.inv.Argv):len(p.inv.Argv)], p.globalArgs()...), args...)
	cmd := exec.CommandContext(ctx, p.inv.Argv[0], argv...)
	cmd.Dir = p.inv.Dir
	cmd.Env = append(os.Environ(), p.inv.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	resp := &Response{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		resp.ExitCode = exitErr.ExitCode()
	default:
		return nil, errors.Wrapf(err, "run %s %s", p.inv.Argv[0], args[0])
	}
	return resp, nil
}

// Exec implements Process.
func (p *execProcess) Exec(ctx context.Context, cmd Command) (*Response, error) {
	var args []string
	switch cmd.Kind {
	case KindCheck:
		args = append([]string{"check"}, cmd.Paths...)
	case KindStatus:
		args = []string{"status"}
	case KindInspect:
		args = []string{"inspect", "--show", "type", cmd.Location.String()}
	case KindStop:
		args = []string{"stop"}
	default:
		return nil, errors.Newf("command %s cannot be executed directly", cmd.Kind)
	}
	resp, err := p.client(ctx, args...)
	if err != nil {
		return nil, err
	}
	resp.Kind = cmd.Kind
	return resp, nil
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop runs "dmypy stop" and waits for the server process to exit.
func (p *execProcess) Stop(ctx context.Context) error {
	if _, err := p.client(ctx, "stop"); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *execProcess) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "kill dmypy daemon")
	}
	return nil
}

func (p *execProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) String() string {
	return "dmypy[" + strconv.Itoa(p.Pid()) + "]"
}
