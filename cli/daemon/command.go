package daemon

import (
	"fmt"
	"slices"
	"sync/atomic"
	"time"
)

// Kind identifies the type of a daemon command.
type Kind int

const (
	KindCheck Kind = iota
	KindStatus
	KindRestart
	KindStop
	KindInspect
)

func (k Kind) String() string {
	switch k {
	case KindCheck:
		return "check"
	case KindStatus:
		return "status"
	case KindRestart:
		return "restart"
	case KindStop:
		return "stop"
	case KindInspect:
		return "inspect"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Location is a 1-based source position used by inspect commands.
type Location struct {
	Path   string
	Line   int
	Column int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Column)
}

// Command is a request to the daemon. Commands are values and are not
// modified after they are submitted; the cancellation flag is shared by all
// copies of a command.
type Command struct {
	Kind  Kind
	Paths []string
	// Versions holds the document versions a check was issued against.
	Versions map[string]int
	// Location is set for KindInspect.
	Location Location

	seq       uint64
	cancelled *atomic.Bool
}

func newCommand(kind Kind) Command {
	return Command{Kind: kind, cancelled: new(atomic.Bool)}
}

// StatusCommand asks the daemon whether it is up.
func StatusCommand() Command { return newCommand(KindStatus) }

// RestartCommand stops the daemon if it is running and starts a fresh one.
// It also clears a previous SpawnFailure or DaemonUnavailable.
func RestartCommand() Command { return newCommand(KindRestart) }

// StopCommand stops the daemon for good.
func StopCommand() Command { return newCommand(KindStop) }

// InspectCommand asks the daemon for the type of the expression at loc.
func InspectCommand(loc Location) Command {
	cmd := newCommand(KindInspect)
	cmd.Location = loc
	return cmd
}

// Seq returns the sequence number the Controller assigned when the command
// was issued. It is zero for commands that were never issued.
func (c Command) Seq() uint64 { return c.seq }

// Cancel marks the command cancelled. A cancelled command that has not been
// issued yet is never issued; one already executing runs to completion.
func (c Command) Cancel() {
	if c.cancelled != nil {
		c.cancelled.Store(true)
	}
}

// Cancelled reports whether Cancel was called.
func (c Command) Cancelled() bool {
	return c.cancelled != nil && c.cancelled.Load()
}

func (c Command) String() string {
	switch c.Kind {
	case KindCheck:
		return fmt.Sprintf("check(%d paths)", len(c.Paths))
	case KindInspect:
		return "inspect(" + c.Location.String() + ")"
	default:
		return c.Kind.String()
	}
}

// Response is the raw result of a command.
type Response struct {
	Seq      uint64
	Kind     Kind
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

func cloneVersions(v map[string]int) map[string]int {
	if v == nil {
		return nil
	}
	out := make(map[string]int, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

func clonePaths(p []string) []string {
	return slices.Clone(p)
}
