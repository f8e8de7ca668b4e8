package server

import (
	"context"
	"io"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"go.lsp.dev/jsonrpc2"

	"github.com/Olimi-org/dmypyls/cli/daemon"
	"github.com/Olimi-org/dmypyls/pkg/dmypyconf"
)

// ErrExitWithoutShutdown is returned when the client sent exit without a
// preceding shutdown request.
var ErrExitWithoutShutdown = errors.New("lsp: exit received before shutdown")

// Options configure the LSP server.
type Options struct {
	Configs *dmypyconf.Resolver
	// Spawner overrides how daemons are started. Nil runs dmypy.
	Spawner daemon.Spawner
	Clock   clock.Clock
	Version string
}

// LSPServer is an LSP server that runs dmypy checks on file changes and
// publishes diagnostics back to the editor.
type LSPServer struct {
	opts Options
}

// NewLSPServer creates a new LSP server.
func NewLSPServer(opts Options) *LSPServer {
	if opts.Configs == nil {
		opts.Configs = &dmypyconf.Resolver{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &LSPServer{opts: opts}
}

// Start runs the LSP server, reading from stdin and writing to stdout.
// It blocks until the context is cancelled or the connection is closed.
func (s *LSPServer) Start(ctx context.Context) error {
	return s.Serve(ctx, &stdioConn{reader: os.Stdin, writer: os.Stdout})
}

// Serve runs the LSP server on rwc. Daemons still running when the
// connection ends are stopped before Serve returns.
func (s *LSPServer) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	log.Info().Msg("lsp: starting server")

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	h := newHandler(s.opts, conn)
	conn.Go(ctx, h.Handle)

	select {
	case <-conn.Done():
	case <-ctx.Done():
		_ = conn.Close()
		<-conn.Done()
	}
	if err := conn.Err(); err != nil {
		log.Debug().Err(err).Msg("lsp: connection closed")
	}

	h.mu.Lock()
	clean := h.shutdown
	exited := h.exited
	h.mu.Unlock()
	if err := h.closeWorkspaces(context.Background()); err != nil {
		log.Warn().Err(err).Msg("lsp: stopping daemons")
	}
	if exited && !clean {
		return ErrExitWithoutShutdown
	}
	return nil
}

// stdioConn joins stdin and stdout into the io.ReadWriteCloser the
// jsonrpc2 stream expects.
type stdioConn struct {
	reader *os.File
	writer *os.File
}

func (c *stdioConn) Read(b []byte) (int, error)  { return c.reader.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error) { return c.writer.Write(b) }

// Close closes stdin so the read loop ends. Stdout is left open.
func (c *stdioConn) Close() error {
	return c.reader.Close()
}
