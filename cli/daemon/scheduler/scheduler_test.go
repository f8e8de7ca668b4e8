package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	qt "github.com/frankban/quicktest"

	"github.com/Olimi-org/dmypyls/cli/daemon"
	"github.com/Olimi-org/dmypyls/pkg/diagnostics"
)

type result struct {
	resp *daemon.Response
	err  error
}

type call struct {
	cmd   daemon.Command
	reply chan result
}

// fakeSubmitter hands every submitted command to the test, which decides
// how it completes.
type fakeSubmitter struct {
	calls chan call
}

func (f *fakeSubmitter) Submit(ctx context.Context, cmd daemon.Command) (*daemon.Response, error) {
	c := call{cmd: cmd, reply: make(chan result, 1)}
	select {
	case f.calls <- c:
	case <-ctx.Done():
		return nil, errors.Mark(ctx.Err(), daemon.ErrCancelled)
	}
	r := <-c.reply
	return r.resp, r.err
}

type published struct {
	path    string
	version *int
	diags   []diagnostics.Diagnostic
}

type shown struct {
	level Level
	text  string
}

type fakeSink struct {
	pubs  chan published
	shown chan shown
	logs  chan shown
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		pubs:  make(chan published, 100),
		shown: make(chan shown, 100),
		logs:  make(chan shown, 100),
	}
}

func (s *fakeSink) PublishDiagnostics(path string, version *int, diags []diagnostics.Diagnostic) {
	s.pubs <- published{path, version, diags}
}
func (s *fakeSink) LogMessage(level Level, text string)  { s.logs <- shown{level, text} }
func (s *fakeSink) ShowMessage(level Level, text string) { s.shown <- shown{level, text} }

const wait = 5 * time.Second

func receive[T any](c *qt.C, ch <-chan T, what string) T {
	c.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		c.Fatalf("timed out waiting for %s", what)
	}
	panic("unreachable")
}

func nothing[T any](c *qt.C, ch <-chan T, what string) {
	c.Helper()
	select {
	case v := <-ch:
		c.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(30 * time.Millisecond):
	}
}

type harness struct {
	*Scheduler
	sub  *fakeSubmitter
	sink *fakeSink
	mock *clock.Mock
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		sub:  &fakeSubmitter{calls: make(chan call)},
		sink: newFakeSink(),
		mock: clock.NewMock(),
	}
	h.Scheduler = New(h.sub, h.sink, Options{
		Root:           "/ws",
		Clock:          h.mock,
		OpenDebounce:   50 * time.Millisecond,
		ChangeDebounce: 300 * time.Millisecond,
	})
	t.Cleanup(h.Shutdown)
	return h
}

func ok(stdout string) result {
	return result{resp: &daemon.Response{Kind: daemon.KindCheck, Stdout: []byte(stdout)}}
}

func crashed() result {
	return result{err: errors.Mark(errors.New("dmypy daemon exited during check"), daemon.ErrDaemonCrashed)}
}

func TestCoalescesChanges(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	first := receive(c, h.sub.calls, "first check")
	c.Assert(first.cmd.Kind, qt.Equals, daemon.KindCheck)
	c.Assert(first.cmd.Paths, qt.DeepEquals, []string{"/ws/a.py"})
	first.reply <- ok("")

	for v := 2; v <= 9; v++ {
		h.OnDocumentEvent("/ws/a.py", v, Changed)
		h.mock.Add(100 * time.Millisecond)
	}
	nothing(c, h.sub.calls, "check during typing")

	h.mock.Add(300 * time.Millisecond)
	second := receive(c, h.sub.calls, "coalesced check")
	c.Assert(second.cmd.Versions, qt.DeepEquals, map[string]int{"/ws/a.py": 9})
	second.reply <- ok("")
	nothing(c, h.sub.calls, "extra check")
}

func TestCheckCoversAllOpenDocuments(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/b.py", 3, Opened)
	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	cl := receive(c, h.sub.calls, "check")
	c.Assert(cl.cmd.Paths, qt.DeepEquals, []string{"/ws/a.py", "/ws/b.py"})
	c.Assert(cl.cmd.Versions, qt.DeepEquals, map[string]int{"/ws/a.py": 1, "/ws/b.py": 3})

	doc, found := h.Document("/ws/a.py")
	c.Assert(found, qt.IsTrue)
	c.Assert(doc.Dirty, qt.IsFalse)

	cl.reply <- ok("/ws/b.py:2:1: error: bad  [misc]\n")
	p := receive(c, h.sink.pubs, "publication")
	c.Assert(p.path, qt.Equals, "/ws/b.py")
	c.Assert(*p.version, qt.Equals, 3)
	c.Assert(p.diags, qt.HasLen, 1)
	nothing(c, h.sink.pubs, "publication for a clean document")
}

func TestStaleResultSuppressed(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 5, Opened)
	h.mock.Add(50 * time.Millisecond)
	v5 := receive(c, h.sub.calls, "check for v5")

	// Version 6 arrives and its debounce fires while v5 is still running.
	h.OnDocumentEvent("/ws/a.py", 6, Changed)
	h.mock.Add(300 * time.Millisecond)
	nothing(c, h.sub.calls, "concurrent check")

	v5.reply <- ok("/ws/a.py:1:1: error: old  [misc]\n")
	v6 := receive(c, h.sub.calls, "check for v6")
	c.Assert(v6.cmd.Versions, qt.DeepEquals, map[string]int{"/ws/a.py": 6})
	nothing(c, h.sink.pubs, "stale publication")

	v6.reply <- ok("/ws/a.py:2:1: error: new  [misc]\n")
	p := receive(c, h.sink.pubs, "publication")
	c.Assert(*p.version, qt.Equals, 6)
	c.Assert(p.diags[0].Message, qt.Equals, "new")
}

func TestStaleResultWithPendingDebounce(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 5, Opened)
	h.mock.Add(50 * time.Millisecond)
	v5 := receive(c, h.sub.calls, "check for v5")

	h.OnDocumentEvent("/ws/a.py", 6, Changed)
	v5.reply <- ok("/ws/a.py:1:1: error: old  [misc]\n")
	nothing(c, h.sub.calls, "check before debounce")
	nothing(c, h.sink.pubs, "stale publication")

	h.mock.Add(300 * time.Millisecond)
	v6 := receive(c, h.sub.calls, "check for v6")
	c.Assert(v6.cmd.Versions["/ws/a.py"], qt.Equals, 6)
	v6.reply <- ok("")
}

func TestRetriesOnceAfterCrash(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- crashed()
	retry := receive(c, h.sub.calls, "retry")
	c.Assert(retry.cmd.Versions, qt.DeepEquals, map[string]int{"/ws/a.py": 1})
	retry.reply <- ok("/ws/a.py:1:1: error: bad  [misc]\n")

	p := receive(c, h.sink.pubs, "publication")
	c.Assert(p.diags, qt.HasLen, 1)
	nothing(c, h.sink.shown, "user notification")
}

func TestSecondCrashSurfaced(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- crashed()
	receive(c, h.sub.calls, "retry").reply <- crashed()

	msg := receive(c, h.sink.shown, "checking failure")
	c.Assert(msg.level, qt.Equals, LevelError)
	c.Assert(msg.text, qt.Contains, "crashed the daemon twice")
	nothing(c, h.sub.calls, "third attempt")

	// The same failure again is not shown a second time.
	h.OnDocumentEvent("/ws/a.py", 2, Changed)
	h.mock.Add(300 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- crashed()
	receive(c, h.sub.calls, "retry").reply <- crashed()
	nothing(c, h.sink.shown, "repeated notification")
}

func TestSpawnFailureShownWithHint(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	err := errors.WithHint(errors.Mark(errors.New("start dmypy daemon: not found"), daemon.ErrSpawnFailure), "Check dmypy_command in dmypyls.yaml.")
	receive(c, h.sub.calls, "check").reply <- result{err: err}

	msg := receive(c, h.sink.shown, "spawn failure")
	c.Assert(msg.text, qt.Contains, "dmypy_command")
	nothing(c, h.sub.calls, "retry of spawn failure")
}

func TestExplicitClear(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- ok("/ws/a.py:1:1: error: bad  [misc]\n")
	c.Assert(receive(c, h.sink.pubs, "publication").diags, qt.HasLen, 1)

	h.OnDocumentEvent("/ws/a.py", 2, Saved)
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- ok("Success: no issues found in 1 source file\n")
	p := receive(c, h.sink.pubs, "clear")
	c.Assert(p.diags, qt.HasLen, 0)
	c.Assert(p.diags, qt.IsNotNil)
	c.Assert(*p.version, qt.Equals, 2)

	h.OnDocumentEvent("/ws/a.py", 2, Saved)
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- ok("")
	nothing(c, h.sink.pubs, "repeated clear")
}

func TestCloseClearsWithoutCheck(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- ok("/ws/a.py:1:1: error: bad  [misc]\n")
	receive(c, h.sink.pubs, "publication")

	h.OnDocumentEvent("/ws/a.py", 0, Closed)
	p := receive(c, h.sink.pubs, "clear on close")
	c.Assert(p.path, qt.Equals, "/ws/a.py")
	c.Assert(p.version, qt.IsNil)
	c.Assert(p.diags, qt.HasLen, 0)
	c.Assert(h.Documents(), qt.HasLen, 0)
	c.Assert(h.Diagnostics("/ws/a.py"), qt.HasLen, 0)

	h.mock.Add(time.Second)
	nothing(c, h.sub.calls, "check after close")
}

func TestResultForClosedDocumentIgnored(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.OnDocumentEvent("/ws/b.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	cl := receive(c, h.sub.calls, "check")

	h.OnDocumentEvent("/ws/a.py", 0, Closed)
	c.Assert(receive(c, h.sink.pubs, "clear on close").path, qt.Equals, "/ws/a.py")

	cl.reply <- ok("/ws/a.py:1:1: error: bad  [misc]\n/ws/b.py:1:1: error: bad  [misc]\n")
	p := receive(c, h.sink.pubs, "publication")
	c.Assert(p.path, qt.Equals, "/ws/b.py")
	nothing(c, h.sink.pubs, "publication for closed document")
}

func TestOutOfOrderChangeIgnored(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 4, Opened)
	h.OnDocumentEvent("/ws/a.py", 3, Changed)
	doc, _ := h.Document("/ws/a.py")
	c.Assert(doc.Version, qt.Equals, 4)
}

func TestParseWarningsLogged(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	cl := receive(c, h.sub.calls, "check")
	cl.reply <- result{resp: &daemon.Response{
		Stdout: []byte("/ws/a.py:0:1: error: bad line\n/ws/a.py:3:1: warning: kept\n"),
		Stderr: []byte("some daemon chatter\n"),
	}}

	warn := receive(c, h.sink.logs, "parse warning")
	c.Assert(warn.level, qt.Equals, LevelWarning)
	chatter := receive(c, h.sink.logs, "stderr")
	c.Assert(chatter, qt.Equals, shown{LevelLog, "some daemon chatter"})

	p := receive(c, h.sink.pubs, "publication")
	c.Assert(p.diags, qt.HasLen, 1)
	c.Assert(p.diags[0].Severity, qt.Equals, diagnostics.SeverityWarning)
}

func TestShutdownDiscardsInFlight(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	cl := receive(c, h.sub.calls, "check")

	h.Shutdown()
	c.Assert(cl.cmd.Cancelled(), qt.IsTrue)
	cl.reply <- ok("/ws/a.py:1:1: error: bad  [misc]\n")
	h.Wait()
	nothing(c, h.sink.pubs, "publication after shutdown")

	h.OnDocumentEvent("/ws/a.py", 2, Changed)
	h.mock.Add(time.Second)
	nothing(c, h.sub.calls, "check after shutdown")
}

func TestShutdownCancelsPending(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.Shutdown()
	h.mock.Add(time.Second)
	nothing(c, h.sub.calls, "check after shutdown")
	h.Wait()
}

func TestRecheck(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t)

	h.Recheck()
	h.mock.Add(time.Second)
	nothing(c, h.sub.calls, "check without documents")

	h.OnDocumentEvent("/ws/a.py", 1, Opened)
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "check").reply <- ok("")

	h.Recheck()
	h.mock.Add(50 * time.Millisecond)
	receive(c, h.sub.calls, "recheck").reply <- ok("")
}
