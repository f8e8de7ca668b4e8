// Package scheduler turns document lifecycle events into dmypy checks.
//
// Edits are debounced per workspace, at most one check is in flight at a
// time, and results computed against document versions that have since
// changed are discarded instead of published.
package scheduler

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Olimi-org/dmypyls/cli/daemon"
	"github.com/Olimi-org/dmypyls/pkg/diagnostics"
)

// ErrCheckFailed is the checking failure surfaced when a check crashed the
// daemon twice in a row.
var ErrCheckFailed = errors.New("dmypy check failed")

// Submitter issues commands to a daemon. It is implemented by
// *daemon.Controller.
type Submitter interface {
	Submit(ctx context.Context, cmd daemon.Command) (*daemon.Response, error)
}

// Level is the severity of a message for the user. The values match the
// LSP MessageType enumeration.
type Level int

const (
	LevelError Level = iota + 1
	LevelWarning
	LevelInfo
	LevelLog
)

// Sink receives everything the Scheduler wants the editor to see.
type Sink interface {
	// PublishDiagnostics replaces the diagnostics of path. version is the
	// document version the check ran against, or nil.
	PublishDiagnostics(path string, version *int, diags []diagnostics.Diagnostic)
	LogMessage(level Level, text string)
	ShowMessage(level Level, text string)
}

// EventKind is the kind of a document lifecycle event.
type EventKind int

const (
	Opened EventKind = iota
	Changed
	Saved
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Changed:
		return "changed"
	case Saved:
		return "saved"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configure a Scheduler.
type Options struct {
	// Root is the workspace root. Relative paths in dmypy output resolve
	// against it.
	Root  string
	Clock clock.Clock
	// OpenDebounce delays checks triggered by open and save events.
	OpenDebounce time.Duration
	// ChangeDebounce is the coalescing window for edits.
	ChangeDebounce time.Duration
}

// Document is the Scheduler's record of an open document.
type Document struct {
	Path    string
	Version int
	// Dirty is set while a check for the current version has yet to be
	// issued.
	Dirty bool
}

// Scheduler debounces checks for a single workspace.
type Scheduler struct {
	opts   Options
	submit Submitter
	sink   Sink
	pub    *diagnostics.Publisher
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// emitMu orders sink calls. It is acquired while mu is held and
	// released after the calls, so notifications leave in the order the
	// state changes that produced them were made.
	emitMu sync.Mutex

	mu        sync.Mutex
	docs      map[string]*Document
	gen       uint64 // bumped by every event that needs a check
	issuedGen uint64 // value of gen when the last check was issued
	timer     *clock.Timer
	timerGen  uint64
	current   *daemon.Command // check in flight, if any
	waiting   bool            // debounce fired while a check was in flight
	surfaced  string          // category of the last failure shown to the user
	closed    bool
}

// New returns a Scheduler that issues checks through submit and reports to
// sink.
func New(submit Submitter, sink Sink, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.OpenDebounce <= 0 {
		opts.OpenDebounce = 50 * time.Millisecond
	}
	if opts.ChangeDebounce <= 0 {
		opts.ChangeDebounce = 300 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:   opts,
		submit: submit,
		sink:   sink,
		pub:    diagnostics.NewPublisher(),
		log:    log.With().Str("workspace", opts.Root).Logger(),
		ctx:    ctx,
		cancel: cancel,
		docs:   make(map[string]*Document),
	}
}

// OnDocumentEvent records a lifecycle event for the document at path.
// It never blocks on the daemon.
func (s *Scheduler) OnDocumentEvent(path string, version int, kind EventKind) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	doc := s.docs[path]
	switch kind {
	case Opened:
		s.docs[path] = &Document{Path: path, Version: version, Dirty: true}
		s.scheduleLocked(s.opts.OpenDebounce)

	case Changed:
		if doc == nil {
			s.log.Warn().Str("path", path).Int("version", version).Msg("scheduler: change for unopened document")
			s.docs[path] = &Document{Path: path, Version: version, Dirty: true}
		} else if version <= doc.Version {
			s.log.Warn().Str("path", path).Int("version", version).Int("current", doc.Version).Msg("scheduler: ignoring out-of-order change")
			s.mu.Unlock()
			return
		} else {
			doc.Version = version
			doc.Dirty = true
		}
		s.scheduleLocked(s.opts.ChangeDebounce)

	case Saved:
		if doc == nil {
			s.mu.Unlock()
			return
		}
		if version > doc.Version {
			doc.Version = version
		}
		doc.Dirty = true
		s.scheduleLocked(s.opts.OpenDebounce)

	case Closed:
		if doc == nil {
			s.mu.Unlock()
			return
		}
		delete(s.docs, path)
		s.pub.Forget(path)
		s.emitMu.Lock()
		s.mu.Unlock()
		s.sink.PublishDiagnostics(path, nil, []diagnostics.Diagnostic{})
		s.emitMu.Unlock()
		return
	}
	s.mu.Unlock()
}

// Recheck schedules a check of every open document, e.g. after the
// configuration changed.
func (s *Scheduler) Recheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.docs) == 0 {
		return
	}
	for _, d := range s.docs {
		d.Dirty = true
	}
	s.scheduleLocked(s.opts.OpenDebounce)
}

// scheduleLocked supersedes the pending check, if any, with one that fires
// after delay.
func (s *Scheduler) scheduleLocked(delay time.Duration) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen
	s.timerGen = gen
	s.timer = s.opts.Clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.timerGen {
		return
	}
	s.timer = nil
	if s.current != nil {
		s.waiting = true
		return
	}
	s.issueLocked()
}

// issueLocked issues one check covering every open document.
func (s *Scheduler) issueLocked() {
	s.waiting = false
	if len(s.docs) == 0 {
		return
	}
	paths := make([]string, 0, len(s.docs))
	versions := make(map[string]int, len(s.docs))
	for path, d := range s.docs {
		paths = append(paths, path)
		versions[path] = d.Version
		d.Dirty = false
	}
	slices.Sort(paths)
	s.issuedGen = s.gen

	cmd := daemon.CheckCommand(paths, versions)
	s.current = &cmd
	s.log.Debug().Int("paths", len(paths)).Uint64("gen", s.issuedGen).Msg("scheduler: issuing check")
	s.wg.Add(1)
	go s.run(cmd)
}

func (s *Scheduler) run(cmd daemon.Command) {
	defer s.wg.Done()
	resp, err := s.submit.Submit(s.ctx, cmd)
	if retryable(err) && !cmd.Cancelled() {
		s.log.Info().Err(err).Msg("scheduler: daemon crashed during check, retrying once")
		resp, err = s.submit.Submit(s.ctx, cmd)
		if retryable(err) {
			err = errors.Mark(errors.Wrap(err, "check crashed the daemon twice"), ErrCheckFailed)
		}
	}
	s.complete(cmd, resp, err)
}

func retryable(err error) bool {
	return errors.Is(err, daemon.ErrDaemonCrashed) && !errors.Is(err, daemon.ErrStopped)
}

type publication struct {
	path    string
	version int
	diags   []diagnostics.Diagnostic
}

type message struct {
	show  bool
	level Level
	text  string
}

func (s *Scheduler) complete(cmd daemon.Command, resp *daemon.Response, err error) {
	var (
		pubs []publication
		msgs []message
	)

	s.mu.Lock()
	s.current = nil
	if s.closed || cmd.Cancelled() {
		s.mu.Unlock()
		s.log.Debug().Msg("scheduler: discarding result of cancelled check")
		return
	}

	stale := false
	for path, v := range cmd.Versions {
		if d := s.docs[path]; d != nil && d.Version > v {
			stale = true
			break
		}
	}

	switch {
	case errors.Is(err, daemon.ErrCancelled) || errors.Is(err, daemon.ErrStopped):
		s.log.Debug().Err(err).Msg("scheduler: check cancelled")

	case err != nil:
		s.log.Error().Err(err).Msg("scheduler: check failed")
		if cat := category(err); cat != s.surfaced {
			s.surfaced = cat
			msgs = append(msgs, message{show: true, level: LevelError, text: userMessage(err)})
		}

	case stale:
		s.log.Debug().Msg("scheduler: discarding stale check result")

	default:
		s.surfaced = ""
		mapping, perrs := diagnostics.Translate(s.opts.Root, resp.Stdout)
		for _, perr := range perrs {
			s.log.Warn().Err(perr).Msg("scheduler: unparseable dmypy output")
			msgs = append(msgs, message{level: LevelWarning, text: perr.Error()})
		}
		covered := make([]string, 0, len(cmd.Paths))
		for _, path := range cmd.Paths {
			if _, open := s.docs[path]; open {
				covered = append(covered, path)
			}
		}
		for _, u := range s.pub.Apply(covered, mapping) {
			pubs = append(pubs, publication{path: u.Path, version: cmd.Versions[u.Path], diags: u.Diagnostics})
		}
	}
	if resp != nil && len(resp.Stderr) > 0 {
		msgs = append(msgs, message{level: LevelLog, text: strings.TrimSpace(string(resp.Stderr))})
	}

	if (s.waiting || stale) && s.timer == nil && s.gen > s.issuedGen {
		s.issueLocked()
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Unlock()

	for _, m := range msgs {
		if m.show {
			s.sink.ShowMessage(m.level, m.text)
		}
		s.sink.LogMessage(m.level, m.text)
	}
	for _, p := range pubs {
		v := p.version
		s.sink.PublishDiagnostics(p.path, &v, p.diags)
	}
}

// category groups failures so that the same problem is shown only once.
func category(err error) string {
	switch {
	case errors.Is(err, daemon.ErrSpawnFailure):
		return "spawn"
	case errors.Is(err, daemon.ErrDaemonUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCheckFailed):
		return "check"
	default:
		return "error"
	}
}

func userMessage(err error) string {
	msg := "dmypy: " + err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += "\n" + hint
	}
	return msg
}

// Shutdown cancels pending and in-flight checks. Results that arrive later
// are discarded. Shutdown does not wait; see Wait.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.current != nil {
		s.current.Cancel()
	}
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until every issued check has completed.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Document returns the record for path.
func (s *Scheduler) Document(path string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	if !ok {
		return Document{}, false
	}
	return *d, true
}

// Documents returns every open document, sorted by path.
func (s *Scheduler) Documents() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, *d)
	}
	slices.SortFunc(docs, func(a, b Document) int { return strings.Compare(a.Path, b.Path) })
	return docs
}

// Diagnostics returns the diagnostics last published for path.
func (s *Scheduler) Diagnostics(path string) []diagnostics.Diagnostic {
	return s.pub.Last(path)
}
