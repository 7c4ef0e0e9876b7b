package console

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxDesktopName bounds the desktop name a server may announce in ServerInit.
const maxDesktopName = 4096

// serverInitLen is the fixed part of ServerInit: width, height, pixel format
// and the name length.
const serverInitLen = 2 + 2 + 16 + 4

// wsConn presents a WebSocket carrying binary RFB frames as a net.Conn.
type wsConn struct {
	ws  *websocket.Conn
	cur io.Reader

	guard *initGuard

	failOnce sync.Once
	done     chan struct{}
	err      error // set before done is closed
}

func newWSConn(ws *websocket.Conn, guarded bool) *wsConn {
	c := &wsConn{ws: ws, done: make(chan struct{})}
	if guarded {
		c.guard = &initGuard{}
	}
	return c
}

func (c *wsConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.fail(err)
				return 0, err
			}
			c.cur = r
		}
		n, err := c.cur.Read(p)
		if err == io.EOF {
			c.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		if err != nil {
			c.fail(err)
			return n, err
		}
		if gerr := c.guard.read(p[:n]); gerr != nil {
			c.fail(gerr)
			return 0, gerr
		}
		return n, nil
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.guard.wrote(len(p))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.fail(net.ErrClosed)
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// initGuard inspects the ServerInit message and rejects an oversized desktop
// name before the RFB client allocates a buffer for it. It arms when the
// client sends ClientInit, the second single-byte write of the handshake
// after the security type.
type initGuard struct {
	mu       sync.Mutex
	oneByte  int
	armed    bool
	finished bool
	header   []byte
}

func (g *initGuard) wrote(n int) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished || g.armed || n != 1 {
		return
	}
	g.oneByte++
	g.armed = g.oneByte == 2
}

func (g *initGuard) read(p []byte) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed || g.finished {
		return nil
	}
	need := serverInitLen - len(g.header)
	if len(p) < need {
		need = len(p)
	}
	g.header = append(g.header, p[:need]...)
	if len(g.header) < serverInitLen {
		return nil
	}
	g.finished = true
	if n := binary.BigEndian.Uint32(g.header[serverInitLen-4:]); n > maxDesktopName {
		return fmt.Errorf("desktop name of %d bytes exceeds %d", n, maxDesktopName)
	}
	return nil
}
