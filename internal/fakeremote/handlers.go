package fakeremote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/google/uuid"
)

type handlerFunc func(c *conn, params json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	"session.status":                    handleStatus,
	"session.subscribe":                 handleSubscribe,
	"session.unsubscribe":               handleUnsubscribe,
	"browsingContext.getTree":           handleGetTree,
	"browsingContext.create":            handleCreate,
	"browsingContext.close":             handleClose,
	"browsingContext.navigate":          handleNavigate,
	"browsingContext.captureScreenshot": handleCaptureScreenshot,
	"cdp.getSession":                    handleGetSession,
	"cdp.sendCommand":                   handleSendCommand,
}

func invalidArgument(format string, args ...any) error {
	return &protocol.RemoteCommandError{Kind: protocol.ErrorInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func noSuchFrame(contextID string) error {
	return &protocol.RemoteCommandError{Kind: protocol.ErrorNoSuchFrame, Message: fmt.Sprintf("Context %s not found", contextID)}
}

func cdpError(message string) error {
	return &protocol.RemoteCommandError{Kind: protocol.ErrorUnknownError, Message: message}
}

func decodeParams(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidArgument("invalid params: %v", err)
	}
	return nil
}

func timestamp() int64 {
	return time.Now().UnixMilli()
}

func handleStatus(c *conn, _ json.RawMessage) (any, error) {
	return map[string]any{"ready": true, "message": "ready"}, nil
}

type subscriptionParams struct {
	Events []string `json:"events"`
}

func handleSubscribe(c *conn, raw json.RawMessage) (any, error) {
	var params subscriptionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if len(params.Events) == 0 {
		return nil, invalidArgument("events must not be empty")
	}
	c.subscribe(params.Events)
	return nil, nil
}

func handleUnsubscribe(c *conn, raw json.RawMessage) (any, error) {
	var params subscriptionParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	c.unsubscribe(params.Events)
	return nil, nil
}

func handleGetTree(c *conn, raw json.RawMessage) (any, error) {
	var params struct {
		Root     *string `json:"root"`
		MaxDepth *int    `json:"maxDepth"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	depth := -1
	if params.MaxDepth != nil {
		if *params.MaxDepth < 0 {
			return nil, invalidArgument("maxDepth must be non-negative")
		}
		depth = *params.MaxDepth
	}

	b := c.server.browser
	b.mu.Lock()
	defer b.mu.Unlock()

	contexts := []ContextInfo{}
	if params.Root != nil {
		root, ok := b.contexts[*params.Root]
		if !ok {
			return nil, noSuchFrame(*params.Root)
		}
		contexts = append(contexts, b.infoLocked(root, depth, true))
	} else {
		for _, id := range b.roots {
			contexts = append(contexts, b.infoLocked(b.contexts[id], depth, true))
		}
	}

	return map[string]any{"contexts": contexts}, nil
}

func handleCreate(c *conn, raw json.RawMessage) (any, error) {
	var params struct {
		Type string `json:"type"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Type != "tab" && params.Type != "window" {
		return nil, invalidArgument("unknown context type %q", params.Type)
	}

	b := c.server.browser
	b.mu.Lock()
	created := b.createLocked("", "about:blank")
	info := b.infoLocked(created, 0, true)
	b.mu.Unlock()

	c.server.emit("browsingContext.contextCreated", info)
	return map[string]any{"context": created.id}, nil
}

func handleClose(c *conn, raw json.RawMessage) (any, error) {
	var params struct {
		Context string `json:"context"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	b := c.server.browser
	b.mu.Lock()
	target, ok := b.contexts[params.Context]
	if !ok {
		b.mu.Unlock()
		return nil, noSuchFrame(params.Context)
	}
	if !target.isTopLevel() {
		b.mu.Unlock()
		return nil, invalidArgument("Non top-level browsing context %s cannot be closed", params.Context)
	}
	events := destroyedEvents(b, b.destroyLocked(target.id))
	b.mu.Unlock()

	c.server.emitAll(events)
	return nil, nil
}

type pendingEvent struct {
	method string
	params any
}

// destroyedEvents reports removed contexts, detaching their debug sessions first
func destroyedEvents(b *Browser, removed []*browsingContext) []pendingEvent {
	var events []pendingEvent
	for _, gone := range removed {
		if gone.session != "" {
			events = append(events, pendingEvent{
				method: "cdp.Target.detachedFromTarget",
				params: map[string]any{
					"event":  "Target.detachedFromTarget",
					"params": map[string]any{"sessionId": gone.session, "targetId": gone.id},
				},
			})
		}

		info := ContextInfo{Context: gone.id, URL: gone.url, UserContext: "default"}
		if gone.parent != "" {
			parent := gone.parent
			info.Parent = &parent
		}
		events = append(events, pendingEvent{method: "browsingContext.contextDestroyed", params: info})
	}
	return events
}

func handleNavigate(c *conn, raw json.RawMessage) (any, error) {
	var params struct {
		Context string `json:"context"`
		URL     string `json:"url"`
		Wait    string `json:"wait"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.URL == "" {
		return nil, invalidArgument("url must not be empty")
	}
	switch params.Wait {
	case "", "none", "interactive", "complete":
	default:
		return nil, invalidArgument("unknown readiness state %q", params.Wait)
	}

	b := c.server.browser
	b.mu.Lock()
	target, ok := b.contexts[params.Context]
	if !ok {
		b.mu.Unlock()
		return nil, noSuchFrame(params.Context)
	}

	var removed []*browsingContext
	for _, id := range append([]string(nil), target.children...) {
		removed = append(removed, b.destroyLocked(id)...)
	}
	events := destroyedEvents(b, removed)

	navigation := uuid.NewString()
	lifecycle := map[string]any{
		"context":    target.id,
		"navigation": navigation,
		"url":        params.URL,
	}
	events = append(events, pendingEvent{method: "browsingContext.navigationStarted", params: withTimestamp(lifecycle)})

	for _, child := range b.loadLocked(target, params.URL) {
		events = append(events, pendingEvent{method: "browsingContext.contextCreated", params: b.infoLocked(child, 0, true)})
	}
	b.mu.Unlock()

	events = append(events,
		pendingEvent{method: "browsingContext.domContentLoaded", params: withTimestamp(lifecycle)},
		pendingEvent{method: "browsingContext.load", params: withTimestamp(lifecycle)},
	)
	c.server.emitAll(events)

	return map[string]any{"navigation": navigation, "url": params.URL}, nil
}

// loadLocked replaces the document of target and returns the frames it created
func (b *Browser) loadLocked(target *browsingContext, url string) []*browsingContext {
	target.url = url
	doc := load(url)
	target.content = doc.content

	var created []*browsingContext
	for _, src := range doc.frames {
		child := b.createLocked(target.id, src)
		created = append(created, child)
		created = append(created, b.loadLocked(child, src)...)
	}
	return created
}

func withTimestamp(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["timestamp"] = timestamp()
	return out
}

func handleCaptureScreenshot(c *conn, raw json.RawMessage) (any, error) {
	var params struct {
		Context string `json:"context"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	b := c.server.browser
	b.mu.Lock()
	target, ok := b.contexts[params.Context]
	if !ok {
		b.mu.Unlock()
		return nil, noSuchFrame(params.Context)
	}
	img := b.renderLocked(target)
	b.mu.Unlock()

	data, err := encodePNG(img)
	if err != nil {
		return nil, &protocol.RemoteCommandError{Kind: protocol.ErrorUnableToCaptureScreen, Message: err.Error()}
	}
	return map[string]any{"data": data}, nil
}

func handleGetSession(c *conn, raw json.RawMessage) (any, error) {
	var params struct {
		Context string `json:"context"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	b := c.server.browser
	b.mu.Lock()
	defer b.mu.Unlock()

	target, ok := b.contexts[params.Context]
	if !ok {
		return nil, noSuchFrame(params.Context)
	}
	return map[string]any{"session": b.sessionLocked(target)}, nil
}

type cdpHandler func(b *Browser, target *browsingContext, params json.RawMessage) (any, error)

// Methods answered by a page session. The browser session only knows Browser.getVersion.
var cdpHandlers = map[string]cdpHandler{
	emulation.CommandSetDeviceMetricsOverride:   cdpSetDeviceMetrics,
	emulation.CommandClearDeviceMetricsOverride: cdpClearDeviceMetrics,
	page.CommandBringToFront:                    cdpNoop,
	page.CommandGetLayoutMetrics:                cdpLayoutMetrics,
}

func handleSendCommand(c *conn, raw json.RawMessage) (any, error) {
	var params struct {
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Session string          `json:"session"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Method == "" {
		return nil, invalidArgument("method must not be empty")
	}
	if len(params.Params) == 0 || string(params.Params) == "null" {
		params.Params = json.RawMessage(`{}`)
	}

	b := c.server.browser
	b.mu.Lock()
	defer b.mu.Unlock()

	if params.Session == "" {
		if params.Method == "Browser.getVersion" {
			return map[string]any{
				"result": map[string]any{
					"protocolVersion": "1.3",
					"product":         "FakeRemote/1.0",
				},
			}, nil
		}
		return nil, cdpError(fmt.Sprintf("'%s' wasn't found", params.Method))
	}

	contextID, ok := b.sessions[params.Session]
	if !ok {
		return nil, cdpError("Session with given id not found.")
	}

	handler, ok := cdpHandlers[params.Method]
	if !ok {
		return nil, cdpError(fmt.Sprintf("'%s' wasn't found", params.Method))
	}

	result, err := handler(b, b.contexts[contextID], params.Params)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = struct{}{}
	}
	return map[string]any{"result": result, "session": params.Session}, nil
}

func cdpSetDeviceMetrics(b *Browser, target *browsingContext, raw json.RawMessage) (any, error) {
	var params emulation.SetDeviceMetricsOverrideParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, cdpError("Invalid parameters")
	}

	const maxSize = 10000000
	if params.Width < 0 || params.Height < 0 || params.Width > maxSize || params.Height > maxSize {
		return nil, cdpError("Width and height values must be positive, not greater than 10000000")
	}

	// Zero dimensions disable the override
	target.width = int(params.Width)
	target.height = int(params.Height)
	return nil, nil
}

func cdpClearDeviceMetrics(b *Browser, target *browsingContext, _ json.RawMessage) (any, error) {
	target.width, target.height = 0, 0
	return nil, nil
}

func cdpNoop(*Browser, *browsingContext, json.RawMessage) (any, error) {
	return nil, nil
}

func cdpLayoutMetrics(b *Browser, target *browsingContext, _ json.RawMessage) (any, error) {
	width, height := b.surfaceLocked(target)
	viewport := &page.LayoutViewport{
		ClientWidth:  int64(width),
		ClientHeight: int64(height),
	}
	return &page.GetLayoutMetricsReturns{
		LayoutViewport:    viewport,
		CSSLayoutViewport: viewport,
	}, nil
}
