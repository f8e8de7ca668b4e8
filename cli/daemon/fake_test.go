package daemon

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	qt "github.com/frankban/quicktest"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once

	// exec, if set, handles every command.
	exec func(ctx context.Context, p *fakeProcess, cmd Command) (*Response, error)
	// ignoreStop makes Stop return without exiting.
	ignoreStop bool

	stopped atomic.Bool
	killed  atomic.Bool
	execs   atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Exec(ctx context.Context, cmd Command) (*Response, error) {
	p.execs.Add(1)
	if p.exec != nil {
		return p.exec(ctx, p, cmd)
	}
	return &Response{Stdout: []byte("Success: no issues found in 1 source file\n")}, nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return errors.New("signal: killed") }
func (p *fakeProcess) Pid() int              { return p.pid }

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.stopped.Store(true)
	if !p.ignoreStop {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

// crashOnExec makes the process die while a command is running.
func crashOnExec(ctx context.Context, p *fakeProcess, cmd Command) (*Response, error) {
	p.exit()
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
	// setup, if set, configures each new process.
	setup func(p *fakeProcess)
}

func (s *fakeSpawner) Spawn(ctx context.Context, inv Invocation) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.procs = append(s.procs, nil)
		return nil, s.err
	}
	p := newFakeProcess(1000 + len(s.procs))
	if s.setup != nil {
		s.setup(p)
	}
	s.procs = append(s.procs, p)
	return p, nil
}

// spawnsLocked is for use from setup, which runs with mu held.
func (s *fakeSpawner) spawnsLocked() int { return len(s.procs) }

func (s *fakeSpawner) spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func staticResolver(calls *atomic.Int32) Resolver {
	return ResolverFunc(func(root string) (Invocation, error) {
		if calls != nil {
			calls.Add(1)
		}
		return Invocation{Argv: []string{"dmypy"}, Dir: root}, nil
	})
}

type transitions struct {
	mu  sync.Mutex
	got []State
}

func (tr *transitions) record(from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, to)
}

func (tr *transitions) states() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.got...)
}

// wait returns the recorded states once there are at least n of them.
// Transitions can be delivered from the goroutine that observed them.
func (tr *transitions) wait(n int) []State {
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := tr.states()
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
}

// waitSuffix waits until the recorded states end with want.
func (tr *transitions) waitSuffix(c *qt.C, want []State) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := tr.states()
		if len(got) >= len(want) && slices.Equal(got[len(got)-len(want):], want) {
			return
		}
		if time.Now().After(deadline) {
			c.Fatalf("states %v do not end with %v", got, want)
		}
		time.Sleep(time.Millisecond)
	}
}
