package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// mcpHandshakeTimeout bounds the MCP initialize exchange after the QUIC
// connection is up.
const mcpHandshakeTimeout = 10 * time.Second

// Client connects to a ghostd MCP endpoint over QUIC. It dials, verifies
// ALPN, sends the magic preamble, then hands the stream to the MCP SDK,
// which runs the initialize handshake. The returned session serves all
// tool calls until Close.
type Client struct {
	addr   string
	tlsCfg *tls.Config

	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// NewClient prepares a client for the given address. A nil tlsCfg means
// full server certificate verification.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

// Connect establishes the QUIC connection and the MCP session on top.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}

	hsCtx, cancel := context.WithTimeout(ctx, mcpHandshakeTimeout)
	defer cancel()

	cl := mcp.NewClient(&mcp.Implementation{
		Name:    "ghostwork-client",
		Version: "1.0.0",
	}, nil)
	session, err := cl.Connect(hsCtx, ioTransport(c.stream), nil)
	if err != nil {
		c.teardown()
		return fmt.Errorf("mcp connect: %w", err)
	}
	c.session = session
	return nil
}

// dial opens the QUIC connection and the single MCP stream, sending the
// preamble. On any failure the connection is torn down with the matching
// application error code.
func (c *Client) dial(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, ProductionQUICConfig())
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", c.addr, err)
	}
	if proto := conn.ConnectionState().TLS.NegotiatedProtocol; proto != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return fmt.Errorf("%w: got %q", ErrUnsupportedALPN, proto)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return fmt.Errorf("open stream: %w", err)
	}
	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return err
	}
	c.conn, c.stream = conn, stream
	return nil
}

func (c *Client) live() (*mcp.ClientSession, error) {
	if c.session == nil {
		return nil, ErrConnectionClosed
	}
	return c.session, nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	ss, err := c.live()
	if err != nil {
		return nil, err
	}
	return ss.ListTools(ctx, nil)
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	ss, err := c.live()
	if err != nil {
		return nil, err
	}
	return ss.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

// Ping checks session liveness.
func (c *Client) Ping(ctx context.Context) error {
	ss, err := c.live()
	if err != nil {
		return err
	}
	return ss.Ping(ctx, nil)
}

// Close ends the MCP session and tears down the QUIC connection.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.teardown()
}

func (c *Client) teardown() error {
	if c.stream != nil {
		c.stream.Close()
	}
	if c.conn != nil {
		c.conn.CloseWithError(ConnErrorNoError, "client closing")
	}
	return nil
}
