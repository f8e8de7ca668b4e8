package daemon

import (
	"bytes"
	"context"
	"sync"
)

// Invocation describes how to run dmypy for one workspace.
type Invocation struct {
	// Argv is the dmypy command prefix, e.g. ["dmypy"] or
	// ["uv", "run", "dmypy"].
	Argv []string
	// Dir is the working directory, normally the workspace root.
	Dir string
	// Flags are the mypy flags passed to the daemon after "--".
	Flags []string
	// StatusFile is the dmypy status file. Empty means dmypy's default.
	StatusFile string
	// Env is appended to the current environment.
	Env []string
}

// Resolver determines the Invocation for a workspace root. It is consulted
// every time the daemon is (re)started, so configuration edits take effect
// on the next start.
type Resolver interface {
	ResolveCommand(root string) (Invocation, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(root string) (Invocation, error)

func (f ResolverFunc) ResolveCommand(root string) (Invocation, error) { return f(root) }

// Spawner starts daemon processes.
type Spawner interface {
	// Spawn starts the daemon and blocks until it is ready to accept
	// commands or ctx is done.
	Spawn(ctx context.Context, inv Invocation) (Process, error)
}

// Process is a running daemon.
type Process interface {
	// Exec runs a single command against the daemon. It is never called
	// concurrently.
	Exec(ctx context.Context, cmd Command) (*Response, error)
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err reports why the process exited. It is only valid after Done is
	// closed.
	Err() error
	// Stop asks the daemon to shut down gracefully.
	Stop(ctx context.Context) error
	// Kill terminates the process forcibly.
	Kill() error
	// Pid returns the OS process id, or 0 if unknown.
	Pid() int
}

// lineWriter is an io.Writer that calls fn for every complete line.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
		if w.fn != nil && line != "" {
			w.fn(line)
		}
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 && w.fn != nil {
		w.fn(string(w.buf))
	}
	w.buf = nil
}
