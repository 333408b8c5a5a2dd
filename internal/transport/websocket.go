package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/gorilla/websocket"
)

// Transport is a persistent duplex text channel to the remote end
type Transport interface {
	// Send writes one message
	Send(ctx context.Context, data []byte) error

	// Receive blocks until the next inbound message arrives or the channel closes
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the channel down. Calling it more than once is fine.
	Close() error
}

const (
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = time.Second
)

// WebSocket is a Transport backed by a gorilla websocket connection.
// A single reader goroutine owns the socket and hands frames over an unbuffered
// channel, so a cancelled Receive never loses a frame.
type WebSocket struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex

	frames    chan []byte
	done      chan struct{} // closed by Close
	readDone  chan struct{} // closed when the reader goroutine exits
	readErr   error
	closeOnce sync.Once
}

var _ Transport = (*WebSocket)(nil)

// Dial opens a websocket connection to url
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: handshake status %d: %v", protocol.ErrConnection, url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrConnection, url, err)
	}

	ws := &WebSocket{
		url:      url,
		conn:     conn,
		frames:   make(chan []byte),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go ws.readLoop()

	slog.Debug("websocket connected", "url", url)
	return ws, nil
}

// URL returns the endpoint this transport is connected to
func (w *WebSocket) URL() string {
	return w.url
}

func (w *WebSocket) readLoop() {
	defer close(w.readDone)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.readErr = err
			return
		}

		select {
		case w.frames <- data:
		case <-w.done:
			return
		}
	}
}

// Send writes data as a single text frame
func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	select {
	case <-w.done:
		return protocol.ErrTransportClosed
	case <-w.readDone:
		return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, w.readErr)
	default:
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, err)
	}

	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", protocol.ErrTransportClosed, err)
	}
	return nil
}

// Receive returns the next inbound frame
func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-w.frames:
		return data, nil
	case <-w.done:
		return nil, protocol.ErrTransportClosed
	case <-w.readDone:
		return nil, w.closedError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *WebSocket) closedError() error {
	if w.readErr == nil || websocket.IsCloseError(w.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return protocol.ErrTransportClosed
	}
	return fmt.Errorf("%w: %v", protocol.ErrTransportClosed, w.readErr)
}

// Close sends a close frame and tears the connection down
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		w.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			slog.Debug("failed to send close frame", "url", w.url, "error", werr)
		}
		w.writeMu.Unlock()

		err = w.conn.Close()
		slog.Debug("websocket closed", "url", w.url)
	})
	return err
}
