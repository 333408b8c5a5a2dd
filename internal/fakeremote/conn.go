package fakeremote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/gorilla/websocket"
)

type commandFrame struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type successFrame struct {
	Type   string `json:"type"`
	ID     uint64 `json:"id"`
	Result any    `json:"result"`
}

type errorFrame struct {
	Type       string  `json:"type"`
	ID         *uint64 `json:"id"`
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	Stacktrace string  `json:"stacktrace,omitempty"`
}

type eventFrame struct {
	Type   string `json:"type"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// conn serves one websocket client
type conn struct {
	server *Server
	ws     *websocket.Conn

	writeMu sync.Mutex

	subMu         sync.Mutex
	subscriptions map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		server:        s,
		ws:            ws,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// serve reads commands until the client goes away. Every command runs in its
// own goroutine so a slow command does not hold back the ones behind it.
func (c *conn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.ws.Close()
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client connection ended", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.writeError(nil, protocol.ErrorInvalidArgument, "binary frames are not supported")
			continue
		}

		var cmd commandFrame
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.ID == nil || cmd.Method == "" {
			c.writeError(cmd.ID, protocol.ErrorInvalidArgument, "Cannot parse command")
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(cmd)
		}()
	}
}

func (c *conn) handle(cmd commandFrame) {
	c.server.countCall(cmd.Method)

	if delay := c.server.delay(cmd.Method); delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}

	handler, ok := handlers[cmd.Method]
	if !ok {
		c.writeError(cmd.ID, protocol.ErrorUnknownCommand, "Unknown command '"+cmd.Method+"'.")
		return
	}

	params := cmd.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}

	result, err := handler(c, params)
	if err != nil {
		var remote *protocol.RemoteCommandError
		if !errors.As(err, &remote) {
			remote = &protocol.RemoteCommandError{Kind: protocol.ErrorUnknownError, Message: err.Error()}
		}
		c.writeError(cmd.ID, remote.Kind, remote.Message)
		return
	}

	if result == nil {
		result = struct{}{}
	}
	c.write(successFrame{Type: "success", ID: *cmd.ID, Result: result})
}

func (c *conn) write(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to encode frame", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("failed to write frame", "error", err)
	}
}

func (c *conn) writeError(id *uint64, kind protocol.ErrorKind, message string) {
	c.write(errorFrame{Type: "error", ID: id, Error: string(kind), Message: message})
}

func (c *conn) subscribe(events []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, e := range events {
		c.subscriptions[e] = true
	}
}

func (c *conn) unsubscribe(events []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, e := range events {
		delete(c.subscriptions, e)
	}
}

// subscribed matches an event against exact names and module prefixes
func (c *conn) subscribed(event string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscriptions[event] {
		return true
	}
	for module := event; ; {
		i := strings.LastIndex(module, ".")
		if i < 0 {
			return false
		}
		module = module[:i]
		if c.subscriptions[module] {
			return true
		}
	}
}

func (c *conn) close() {
	c.cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	c.ws.Close()
}
