package webdriver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/url"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/chromedp/cdproto"
)

// ErrInvalidWebsocketMessage is returned when the browser sends a non-text
// websocket frame.
var ErrInvalidWebsocketMessage = errors.New("invalid websocket message")

// Transport is the common interface to send/receive messages to a target.
type Transport interface {
	Read(context.Context, *cdproto.Message) error
	Write(context.Context, *cdproto.Message) error
	io.Closer
}

// Conn implements Transport with a gobwas/ws websocket connection.
//
// Read and Write may be called concurrently with each other, but neither may
// be called concurrently with itself.
type Conn struct {
	conn net.Conn

	reader wsutil.Reader
	writer wsutil.Writer

	// reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer

	dbgf func(string, ...interface{})
}

// DialContext dials the specified websocket URL using gobwas/ws.
func DialContext(ctx context.Context, urlstr string, opts ...DialOption) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, urlstr)
	if err != nil {
		return nil, err
	}

	var src io.Reader = conn
	if br != nil {
		// the server already sent frames along with the handshake.
		src = io.MultiReader(br, conn)
	}

	c := &Conn{
		conn: conn,
		reader: wsutil.Reader{
			Source:         src,
			State:          ws.StateClientSide,
			OnIntermediate: wsutil.ControlFrameHandler(conn, ws.StateClientSide),
		},
		writer: *wsutil.NewWriter(conn, ws.StateClientSide, ws.OpText),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Read reads the next message.
func (c *Conn) Read(_ context.Context, msg *cdproto.Message) error {
	var buf []byte
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := c.reader.OnIntermediate(hdr, &c.reader); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			return ErrInvalidWebsocketMessage
		}
		var b bytes.Buffer
		if _, err := b.ReadFrom(&c.reader); err != nil {
			return err
		}
		buf = b.Bytes()
		break
	}
	if c.dbgf != nil {
		c.dbgf("<- %s", buf)
	}

	c.decoder = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.decoder)
	return c.decoder.Error()
}

// Write writes a message.
func (c *Conn) Write(_ context.Context, msg *cdproto.Message) error {
	c.writer.Reset(c.conn, ws.StateClientSide, ws.OpText)

	c.encoder = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.encoder)
	if c.encoder.Error != nil {
		return c.encoder.Error
	}
	buf, err := c.encoder.BuildBytes()
	if err != nil {
		return err
	}
	if c.dbgf != nil {
		c.dbgf("-> %s", buf)
	}
	if _, err := c.writer.Write(buf); err != nil {
		return err
	}
	return c.writer.Flush()
}

// DialOption is a dial option.
type DialOption func(*Conn)

// WithConnDebugf is a dial option to set a protocol logger.
func WithConnDebugf(f func(string, ...interface{})) DialOption {
	return func(c *Conn) {
		c.dbgf = f
	}
}

// ForceIP forces the host component in urlstr to be an IP address.
//
// Since Chrome 66+, Chrome DevTools Protocol clients connecting to a browser
// must send the "Host:" header as either an IP address, or "localhost".
func ForceIP(urlstr string) string {
	u, err := url.Parse(urlstr)
	if err != nil {
		return urlstr
	}
	host := u.Hostname()
	if host == "" || host == "localhost" || net.ParseIP(host) != nil {
		return urlstr
	}
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return urlstr
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(addr.IP.String(), port)
	} else {
		u.Host = addr.IP.String()
	}
	return u.String()
}
