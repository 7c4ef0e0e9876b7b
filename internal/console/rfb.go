package console

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	vnc "github.com/mitchellh/go-vnc"

	"github.com/snapverify-project/snapverify/pkg/errclass"
)

// rgb32 is the pixel format requested from servers: 32bpp little-endian
// true colour, 0x00RRGGBB.
var rgb32 = vnc.PixelFormat{
	BPP: 32, Depth: 24, TrueColor: true,
	RedMax: 255, GreenMax: 255, BlueMax: 255,
	RedShift: 16, GreenShift: 8, BlueShift: 0,
}

// RFBDialer connects to a VNC server through a WebSocket proxy such as websockify.
type RFBDialer struct {
	InputDelay time.Duration
	Log        logr.Logger
	// WS overrides the WebSocket dialer.
	WS *websocket.Dialer
}

// Dial performs the WebSocket upgrade and the RFB handshake.
func (d *RFBDialer) Dial(ctx context.Context, consoleURL string) (Console, error) {
	target, err := ParseURL(consoleURL)
	if err != nil {
		return nil, err
	}
	ws := d.WS
	if ws == nil {
		ws = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			Subprotocols:     []string{"binary"},
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}

	wsc, _, err := ws.DialContext(ctx, target.WebSocketURL, nil)
	if err != nil {
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("websocket dial: %w", err))
	}
	conn := newWSConn(wsc, true)

	msgs := make(chan vnc.ServerMessage, 16)
	cc, err := handshake(ctx, conn, &vnc.ClientConfig{
		Auth:            authMethods(target.Password),
		ServerMessageCh: msgs,
	})
	if err != nil {
		conn.Close()
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("rfb handshake: %w", err))
	}

	c := &RFBConsole{
		conn:       conn,
		vnc:        cc,
		name:       cc.DesktopName,
		fb:         image.NewRGBA(image.Rect(0, 0, int(cc.FrameBufferWidth), int(cc.FrameBufferHeight))),
		updates:    make(chan struct{}, 1),
		inputDelay: d.InputDelay,
		log:        d.Log,
	}
	if cc.PixelFormat != rgb32 {
		if err := cc.SetPixelFormat(&rgb32); err != nil {
			cc.Close()
			return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("set pixel format: %w", err))
		}
		cc.PixelFormat = rgb32
	}
	go c.consume(msgs)

	c.log.V(1).Info("console connected", "vm", target.VMID, "desktop", c.name,
		"width", c.fb.Rect.Dx(), "height", c.fb.Rect.Dy())
	return c, nil
}

// handshake runs the RFB client handshake bounded by ctx.
func handshake(ctx context.Context, conn *wsConn, cfg *vnc.ClientConfig) (*vnc.ClientConn, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cc, err := vnc.Client(conn, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, err
	}
	return cc, nil
}

// authMethods prefers VNC authentication when a password is known.
func authMethods(password string) []vnc.ClientAuth {
	if password != "" {
		return []vnc.ClientAuth{&vnc.PasswordAuth{Password: password}, new(vnc.ClientAuthNone)}
	}
	return []vnc.ClientAuth{new(vnc.ClientAuthNone), &vnc.PasswordAuth{}}
}

// RFBConsole is a single RFB session. Calls are serialized.
type RFBConsole struct {
	mu   sync.Mutex
	conn *wsConn
	vnc  *vnc.ClientConn
	name string

	fbMu    sync.Mutex
	fb      *image.RGBA
	updates chan struct{}

	inputDelay time.Duration
	log        logr.Logger
}

// consume applies framebuffer updates delivered by the client's read loop.
func (c *RFBConsole) consume(msgs <-chan vnc.ServerMessage) {
	for {
		select {
		case msg := <-msgs:
			u, ok := msg.(*vnc.FramebufferUpdateMessage)
			if !ok {
				continue
			}
			c.apply(u)
			select {
			case c.updates <- struct{}{}:
			default:
			}
		case <-c.conn.done:
			return
		}
	}
}

func (c *RFBConsole) apply(u *vnc.FramebufferUpdateMessage) {
	c.fbMu.Lock()
	defer c.fbMu.Unlock()
	for _, rect := range u.Rectangles {
		raw, ok := rect.Enc.(*vnc.RawEncoding)
		if !ok || rect.Width == 0 {
			continue
		}
		w := int(rect.Width)
		for i, col := range raw.Colors {
			p := image.Pt(int(rect.X)+i%w, int(rect.Y)+i/w)
			if !p.In(c.fb.Rect) {
				continue
			}
			off := c.fb.PixOffset(p.X, p.Y)
			c.fb.Pix[off+0] = scale(col.R, rgb32.RedMax)
			c.fb.Pix[off+1] = scale(col.G, rgb32.GreenMax)
			c.fb.Pix[off+2] = scale(col.B, rgb32.BlueMax)
			c.fb.Pix[off+3] = 0xff
		}
	}
}

func scale(v, limit uint16) uint8 {
	if limit == 0 {
		return 0
	}
	return uint8(uint32(v) * 255 / uint32(limit))
}

func (c *RFBConsole) writeDeadline(ctx context.Context) {
	var t time.Time
	if dl, ok := ctx.Deadline(); ok {
		t = dl
	}
	c.conn.SetWriteDeadline(t)
}

// Screenshot requests a full framebuffer update and encodes it as PNG.
func (c *RFBConsole) Screenshot(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline(ctx)

	select {
	case <-c.updates:
	default:
	}
	b := c.fb.Rect
	if err := c.vnc.FramebufferUpdateRequest(false, 0, 0, uint16(b.Dx()), uint16(b.Dy())); err != nil {
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("request framebuffer: %w", err))
	}

	select {
	case <-c.updates:
	case <-c.conn.done:
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("read framebuffer: %w", c.conn.err))
	case <-ctx.Done():
		return nil, errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("read framebuffer: %w", ctx.Err()))
	}

	c.fbMu.Lock()
	defer c.fbMu.Unlock()
	var out bytes.Buffer
	if err := png.Encode(&out, c.fb); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (c *RFBConsole) tap(sym uint32, shift bool) error {
	if shift {
		if err := c.vnc.KeyEvent(keysymShift, true); err != nil {
			return err
		}
	}
	if err := c.vnc.KeyEvent(sym, true); err != nil {
		return err
	}
	if err := c.vnc.KeyEvent(sym, false); err != nil {
		return err
	}
	if shift {
		return c.vnc.KeyEvent(keysymShift, false)
	}
	return nil
}

// SendInput delivers in as RFB key or pointer events.
func (c *RFBConsole) SendInput(ctx context.Context, in Input) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline(ctx)

	var err error
	switch in.Kind {
	case InputText:
		for _, r := range in.Text {
			if err = c.tap(runeKeysym(r), needsShift(r)); err != nil {
				break
			}
			if err = pause(ctx, c.inputDelay); err != nil {
				return err
			}
		}
	case InputChord:
		err = c.chord(in.Keys)
	case InputClick:
		x, y := uint16(in.X), uint16(in.Y)
		if err = c.vnc.PointerEvent(vnc.ButtonLeft, x, y); err == nil {
			err = c.vnc.PointerEvent(0, x, y)
		}
	default:
		return fmt.Errorf("unsupported input kind %d", in.Kind)
	}
	if err != nil {
		return errclass.ErrConnectionTimeout.Wrap(fmt.Errorf("send %s: %w", in, err))
	}
	return nil
}

func (c *RFBConsole) chord(keys []string) error {
	syms := make([]uint32, 0, len(keys))
	for _, k := range keys {
		s, err := Keysym(k)
		if err != nil {
			return err
		}
		syms = append(syms, s)
	}
	for _, s := range syms {
		if err := c.vnc.KeyEvent(s, true); err != nil {
			return err
		}
	}
	for i := len(syms) - 1; i >= 0; i-- {
		if err := c.vnc.KeyEvent(syms[i], false); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the session.
func (c *RFBConsole) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
