package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"go.lsp.dev/jsonrpc2"
	"golang.org/x/sync/errgroup"

	"github.com/Olimi-org/dmypyls/cli/daemon"
	"github.com/Olimi-org/dmypyls/cli/daemon/scheduler"
	"github.com/Olimi-org/dmypyls/pkg/diagnostics"
	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

const serverNotInitialized jsonrpc2.Code = -32002

// shutdownTimeout bounds how long shutdown waits for the daemons.
const shutdownTimeout = 15 * time.Second

// handler implements the LSP message handling logic.
type handler struct {
	opts Options
	conn jsonrpc2.Conn

	// mu protects the fields below.
	mu sync.Mutex
	// workspaces is sorted by descending root length, so the first match
	// for a path is the innermost folder.
	workspaces []*workspace
	// docs maps open documents to their workspace.
	docs        map[string]*workspace
	initialized bool
	shutdown    bool
	exited      bool
}

func newHandler(opts Options, conn jsonrpc2.Conn) *handler {
	return &handler{
		opts: opts,
		conn: conn,
		docs: make(map[string]*workspace),
	}
}

// Handle is the jsonrpc2.Handler implementation. Every request is replied
// to, hover replies are sent from a separate goroutine.
func (h *handler) Handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	method := req.Method()

	h.mu.Lock()
	initialized, shutdown := h.initialized, h.shutdown
	h.mu.Unlock()

	switch {
	case method == "exit":
		return h.handleExit(ctx, reply, req)
	case shutdown:
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidRequest, "server is shutting down"))
	case !initialized && method != "initialize":
		return reply(ctx, nil, jsonrpc2.NewError(serverNotInitialized, "server not initialized"))
	}

	switch method {
	case "initialize":
		return h.handleInitialize(ctx, reply, req)
	case "initialized":
		return h.handleInitialized(ctx, reply, req)
	case "shutdown":
		return h.handleShutdown(ctx, reply, req)
	case "textDocument/didOpen":
		return h.handleDidOpen(ctx, reply, req)
	case "textDocument/didChange":
		return h.handleDidChange(ctx, reply, req)
	case "textDocument/didSave":
		return h.handleDidSave(ctx, reply, req)
	case "textDocument/didClose":
		return h.handleDidClose(ctx, reply, req)
	case "textDocument/hover":
		return h.handleHover(ctx, reply, req)
	case "workspace/didChangeWatchedFiles":
		return h.handleDidChangeWatchedFiles(ctx, reply, req)
	case "workspace/didChangeConfiguration", "$/cancelRequest", "$/setTrace":
		return reply(ctx, nil, nil)
	default:
		// Replies to notifications are dropped by the connection.
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}

func (h *handler) handleInitialize(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params InitializeParams
	if err := unmarshalParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}

	var roots []string
	for _, f := range params.WorkspaceFolders {
		roots = append(roots, uriToFilePath(f.URI))
	}
	if len(roots) == 0 && params.RootURI != "" {
		roots = append(roots, uriToFilePath(params.RootURI))
	}
	if len(roots) == 0 && params.RootPath != "" {
		roots = append(roots, filepath.Clean(params.RootPath))
	}

	h.mu.Lock()
	if h.initialized {
		h.mu.Unlock()
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidRequest, "server already initialized"))
	}
	h.initialized = true
	for _, root := range roots {
		h.addWorkspaceLocked(root)
	}
	h.mu.Unlock()

	log.Info().Strs("roots", roots).Msg("lsp: initialize")

	result := InitializeResult{
		Capabilities: ServerCapabilities{
			TextDocumentSync: &TextDocumentSyncOptions{
				OpenClose: true,
				Change:    SyncFull,
				Save: &SaveOptions{
					IncludeText: false,
				},
			},
			HoverProvider: true,
		},
		ServerInfo: &ServerInfo{
			Name:    "dmypyls",
			Version: h.opts.Version,
		},
	}
	return reply(ctx, result, nil)
}

func (h *handler) handleInitialized(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	h.mu.Lock()
	wss := slices.Clone(h.workspaces)
	h.mu.Unlock()
	for _, ws := range wss {
		ws.start()
	}
	return reply(ctx, nil, nil)
}

func (h *handler) handleShutdown(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	log.Info().Msg("lsp: shutdown")
	if err := h.closeWorkspaces(ctx); err != nil {
		log.Warn().Err(err).Msg("lsp: shutdown")
	}
	return reply(ctx, nil, nil)
}

func (h *handler) handleExit(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	log.Info().Msg("lsp: exit")
	err := reply(ctx, nil, nil)
	_ = h.conn.Close()
	return err
}

func (h *handler) handleDidOpen(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params DidOpenTextDocumentParams
	if err := unmarshalParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	path := uriToFilePath(params.TextDocument.URI)
	log.Debug().Str("uri", params.TextDocument.URI).Int("version", params.TextDocument.Version).Msg("lsp: didOpen")

	ws := h.workspaceFor(path)
	if !ws.handles(path) {
		log.Debug().Str("path", path).Msg("lsp: ignoring non-python document")
		return reply(ctx, nil, nil)
	}
	h.mu.Lock()
	h.docs[path] = ws
	h.mu.Unlock()

	ws.sched.OnDocumentEvent(path, params.TextDocument.Version, scheduler.Opened)
	return reply(ctx, nil, nil)
}

func (h *handler) handleDidChange(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params DidChangeTextDocumentParams
	if err := unmarshalParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	path := uriToFilePath(params.TextDocument.URI)
	if ws := h.docWorkspace(path); ws != nil {
		ws.sched.OnDocumentEvent(path, params.TextDocument.Version, scheduler.Changed)
	}
	return reply(ctx, nil, nil)
}

func (h *handler) handleDidSave(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params DidSaveTextDocumentParams
	if err := unmarshalParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	path := uriToFilePath(params.TextDocument.URI)
	log.Debug().Str("uri", params.TextDocument.URI).Msg("lsp: didSave")
	if ws := h.docWorkspace(path); ws != nil {
		ws.sched.OnDocumentEvent(path, 0, scheduler.Saved)
	}
	return reply(ctx, nil, nil)
}

func (h *handler) handleDidClose(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params DidCloseTextDocumentParams
	if err := unmarshalParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	path := uriToFilePath(params.TextDocument.URI)
	log.Debug().Str("uri", params.TextDocument.URI).Msg("lsp: didClose")

	h.mu.Lock()
	ws := h.docs[path]
	delete(h.docs, path)
	h.mu.Unlock()
	if ws != nil {
		ws.sched.OnDocumentEvent(path, 0, scheduler.Closed)
	}
	return reply(ctx, nil, nil)
}

func (h *handler) handleHover(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params TextDocumentPositionParams
	if err := unmarshalParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	path := uriToFilePath(params.TextDocument.URI)
	ws := h.docWorkspace(path)
	if ws == nil {
		ws = h.workspaceFor(path)
	}
	if !ws.handles(path) {
		return reply(ctx, nil, nil)
	}

	loc := daemon.Location{Path: path, Line: params.Position.Line + 1, Column: params.Position.Character + 1}
	go func() {
		hover, err := h.inspect(ws, loc)
		if rerr := reply(context.Background(), hover, err); rerr != nil {
			log.Warn().Err(rerr).Msg("lsp: failed to reply to hover")
		}
	}()
	return nil
}

// inspect runs "dmypy inspect" through the workspace's command queue.
func (h *handler) inspect(ws *workspace, loc daemon.Location) (*Hover, error) {
	resp, err := ws.ctrl.Submit(context.Background(), daemon.InspectCommand(loc))
	switch {
	case errors.Is(err, daemon.ErrCancelled), errors.Is(err, daemon.ErrStopped):
		return nil, nil
	case err != nil:
		log.Warn().Err(err).Stringer("loc", loc).Msg("lsp: inspect failed")
		return nil, jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
	}
	out := strings.TrimSpace(string(resp.Stdout))
	if resp.ExitCode != 0 || out == "" {
		return nil, nil
	}
	return &Hover{Contents: MarkupContent{
		Kind:  "markdown",
		Value: "```python\n" + out + "\n```",
	}}, nil
}

func (h *handler) handleDidChangeWatchedFiles(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var params DidChangeWatchedFilesParams
	if err := unmarshalParams(req, &params); err != nil {
		return reply(ctx, nil, err)
	}
	for _, ch := range params.Changes {
		path := uriToFilePath(ch.URI)
		if !slices.Contains(dmypyconf.FileNames, filepath.Base(path)) {
			continue
		}
		h.mu.Lock()
		wss := slices.Clone(h.workspaces)
		h.mu.Unlock()
		for _, ws := range wss {
			ws.configChanged()
		}
		break
	}
	return reply(ctx, nil, nil)
}

// workspaceFor returns the innermost workspace containing path. A path
// outside every workspace gets a new workspace rooted at its directory.
func (h *handler) workspaceFor(path string) *workspace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ws := h.lookupLocked(path); ws != nil {
		return ws
	}
	ws := h.addWorkspaceLocked(filepath.Dir(path))
	if h.initialized {
		go ws.start()
	}
	return ws
}

func (h *handler) lookupLocked(path string) *workspace {
	for _, ws := range h.workspaces {
		if within(ws.root, path) {
			return ws
		}
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (h *handler) addWorkspaceLocked(root string) *workspace {
	for _, ws := range h.workspaces {
		if ws.root == root {
			return ws
		}
	}
	ws := newWorkspace(h, root)
	h.workspaces = append(h.workspaces, ws)
	slices.SortStableFunc(h.workspaces, func(a, b *workspace) int { return len(b.root) - len(a.root) })
	return ws
}

func (h *handler) docWorkspace(path string) *workspace {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.docs[path]
}

// closeWorkspaces stops every workspace in parallel.
func (h *handler) closeWorkspaces(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	wss := slices.Clone(h.workspaces)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	var g errgroup.Group
	for _, ws := range wss {
		g.Go(func() error { return ws.close(ctx) })
	}
	return g.Wait()
}

// PublishDiagnostics implements scheduler.Sink.
func (h *handler) PublishDiagnostics(path string, version *int, diags []diagnostics.Diagnostic) {
	h.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
		URI:         filePathToURI(path),
		Version:     version,
		Diagnostics: toLSP(diags),
	})
}

// LogMessage implements scheduler.Sink.
func (h *handler) LogMessage(level scheduler.Level, text string) {
	h.logMessage(MessageType(level), text)
}

// ShowMessage implements scheduler.Sink.
func (h *handler) ShowMessage(level scheduler.Level, text string) {
	h.notify("window/showMessage", ShowMessageParams{Type: MessageType(level), Message: text})
}

func (h *handler) logMessage(typ MessageType, text string) {
	h.notify("window/logMessage", LogMessageParams{Type: typ, Message: text})
}

func (h *handler) notify(method string, params any) {
	if h.conn == nil {
		return
	}
	if err := h.conn.Notify(context.Background(), method, params); err != nil {
		log.Warn().Err(err).Str("method", method).Msg("lsp: failed to send notification")
	}
}

// unmarshalParams extracts the params from a JSON-RPC request.
func unmarshalParams(req jsonrpc2.Request, v any) error {
	params := req.Params()
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	return nil
}
