package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/veyra/ghostwork/idgen"
	"github.com/veyra/ghostwork/kit"
)

// Handler runs individual MCP-over-QUIC connections against a shared
// mcp.Server. The SDK owns the JSON-RPC read/write loop; the handler only
// validates the preamble and enriches the session context so tool-level
// audit records carry the transport and session identity.
type Handler struct {
	srv    *mcp.Server
	logger *slog.Logger
	newID  idgen.Generator
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerIDGenerator sets a custom ID generator for session IDs.
func WithHandlerIDGenerator(gen idgen.Generator) HandlerOption {
	return func(h *Handler) { h.newID = gen }
}

// NewHandler creates an MCP connection handler.
func NewHandler(mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		srv:    mcpSrv,
		logger: logger,
		newID:  idgen.NanoID(8),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeConn handles a single QUIC connection as one MCP session. It blocks
// until the client disconnects or ctx is cancelled.
func (h *Handler) ServeConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := h.openStream(ctx, conn)
	if err != nil {
		h.logger.Error("mcp/quic: session rejected", "remote", remote, "error", err)
		return
	}

	sid := "quic_" + h.newID()
	h.logger.Info("mcp/quic: session open", "session", sid, "remote", remote)

	// The session ID doubles as the request correlation ID: SQL traces and
	// audit rows written during tool calls all point back to this session.
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithRequestID(ctx, sid)

	// The SDK runs the full initialize handshake and message loop.
	ss, err := h.srv.Connect(ctx, &serverTransport{stream: stream, sid: sid}, nil)
	if err != nil {
		h.logger.Error("mcp/quic: connect failed", "session", sid, "error", err)
		stream.Close()
		return
	}
	if err := ss.Wait(); err != nil {
		h.logger.Debug("mcp/quic: session error", "session", sid, "error", err)
	}

	h.logger.Info("mcp/quic: session closed", "session", sid, "remote", remote)
}

// openStream accepts the client's stream and checks the preamble, closing
// the connection on anything that does not look like MCP.
func (h *Handler) openStream(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	if err := ValidateMagicBytes(stream); err != nil {
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return nil, err
	}
	return stream, nil
}

// Listener accepts MCP-over-QUIC connections and dispatches each to the
// shared MCP server. ghostd runs one when mcp.transport is "quic".
type Listener struct {
	inner   *quic.Listener
	handler *Handler
	logger  *slog.Logger
}

func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	logger.Info("mcp/quic: listener ready", "addr", addr)
	return &Listener{
		inner:   l,
		handler: NewHandler(mcpSrv, logger, opts...),
		logger:  logger,
	}, nil
}

func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.inner.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("mcp/quic: accept failed", "error", err)
			continue
		}
		if proto := conn.ConnectionState().TLS.NegotiatedProtocol; proto != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+proto)
			continue
		}
		go l.handler.ServeConn(ctx, conn)
	}
}

// Addr reports the bound UDP address, useful when listening on :0.
func (l *Listener) Addr() string {
	return l.inner.Addr().String()
}

func (l *Listener) Close() error {
	return l.inner.Close()
}

// ioTransport wraps a QUIC stream in the SDK's newline-delimited JSON-RPC
// transport. Used by both ends.
func ioTransport(stream *quic.Stream) *mcp.IOTransport {
	return &mcp.IOTransport{
		Reader: io.NopCloser(stream),
		Writer: writeCloser{stream},
	}
}

// serverTransport implements mcp.Transport for accepted QUIC streams,
// stamping each connection with our session ID (the SDK's ioConn reports
// an empty one).
type serverTransport struct {
	stream *quic.Stream
	sid    string
}

func (t *serverTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := ioTransport(t.stream).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &namedSession{Connection: conn, sid: t.sid}, nil
}

type namedSession struct {
	mcp.Connection
	sid string
}

func (s *namedSession) SessionID() string { return s.sid }

// writeCloser adapts a *quic.Stream to io.WriteCloser.
type writeCloser struct{ stream *quic.Stream }

func (w writeCloser) Write(p []byte) (int, error) { return w.stream.Write(p) }
func (w writeCloser) Close() error                { return w.stream.Close() }
