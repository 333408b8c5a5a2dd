package fakeremote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/correlator"
	"github.com/dhruvsoni1802/bidi-harness/internal/imagecmp"
	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/dhruvsoni1802/bidi-harness/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer("0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseConnections()
		ts.Close()
	})
	return srv, ts
}

func connect(t *testing.T, ts *httptest.Server) *correlator.Correlator {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session"

	ws, err := transport.Dial(context.Background(), url)
	require.NoError(t, err)

	c := correlator.New(ws)
	t.Cleanup(func() { c.Close() })
	return c
}

func execute(t *testing.T, c *correlator.Correlator, method string, params any, out any) {
	t.Helper()
	result, err := c.ExecuteCommand(context.Background(), method, params, testTimeout)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(result, out))
	}
}

func firstContext(t *testing.T, c *correlator.Correlator) string {
	t.Helper()
	var tree struct {
		Contexts []ContextInfo `json:"contexts"`
	}
	execute(t, c, "browsingContext.getTree", nil, &tree)
	require.NotEmpty(t, tree.Contexts)
	return tree.Contexts[0].Context
}

func solidPNG(t *testing.T, w, h int, c color.NRGBA) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func screenshot(t *testing.T, c *correlator.Correlator, contextID string) *imagecmp.Image {
	t.Helper()
	var result struct {
		Data string `json:"data"`
	}
	execute(t, c, "browsingContext.captureScreenshot", map[string]any{"context": contextID}, &result)
	img, err := imagecmp.DecodeBase64(result.Data)
	require.NoError(t, err)
	return img
}

func TestVersionEndpointAdvertisesSession(t *testing.T) {
	_, ts := startServer(t)

	host, port, ok := strings.Cut(strings.TrimPrefix(ts.URL, "http://"), ":")
	require.True(t, ok)

	url, err := transport.DiscoverURL(context.Background(), host, port)
	require.NoError(t, err)
	assert.Equal(t, "ws://"+host+":"+port+"/session", url)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownCommand(t *testing.T) {
	_, ts := startServer(t)
	c := connect(t, ts)

	_, err := c.ExecuteCommand(context.Background(), "browsingContext.teleport", nil, testTimeout)
	assert.True(t, protocol.IsRemoteKind(err, protocol.ErrorUnknownCommand))
}

func TestScreenshotUsesViewportOverride(t *testing.T) {
	_, ts := startServer(t)
	c := connect(t, ts)
	contextID := firstContext(t, c)

	red := color.NRGBA{R: 255, A: 255}
	execute(t, c, "browsingContext.navigate", map[string]any{
		"context": contextID,
		"url":     solidPNG(t, 40, 30, red),
		"wait":    "complete",
	}, nil)

	img := screenshot(t, c, contextID)
	assert.Equal(t, image.Rect(0, 0, DefaultViewportWidth, DefaultViewportHeight), img.Bounds())

	var session struct {
		Session string `json:"session"`
	}
	execute(t, c, "cdp.getSession", map[string]any{"context": contextID}, &session)
	require.NotEmpty(t, session.Session)

	execute(t, c, "cdp.sendCommand", map[string]any{
		"method":  "Emulation.setDeviceMetricsOverride",
		"params":  map[string]any{"width": 50, "height": 40, "deviceScaleFactor": 1, "mobile": false},
		"session": session.Session,
	}, nil)

	img = screenshot(t, c, contextID)
	require.Equal(t, image.Rect(0, 0, 50, 40), img.Bounds())
	assert.Equal(t, 3, img.Channels)
	assert.Equal(t, red, img.Pix.NRGBAAt(0, 0))
	assert.Equal(t, red, img.Pix.NRGBAAt(39, 29))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, img.Pix.NRGBAAt(45, 35))
}

func TestIframeBecomesChildContext(t *testing.T) {
	_, ts := startServer(t)
	c := connect(t, ts)
	contextID := firstContext(t, c)

	execute(t, c, "session.subscribe", map[string]any{"events": []string{"browsingContext"}}, nil)

	blue := color.NRGBA{B: 255, A: 255}
	page := `data:text/html,<iframe src="` + solidPNG(t, 20, 10, blue) + `"></iframe>`
	execute(t, c, "browsingContext.navigate", map[string]any{"context": contextID, "url": page, "wait": "complete"}, nil)

	var tree struct {
		Contexts []ContextInfo `json:"contexts"`
	}
	execute(t, c, "browsingContext.getTree", map[string]any{"root": contextID}, &tree)
	require.Len(t, tree.Contexts, 1)
	require.Len(t, tree.Contexts[0].Children, 1)

	childID := tree.Contexts[0].Children[0].Context
	assert.NotEqual(t, contextID, childID)

	child := screenshot(t, c, childID)
	assert.Equal(t, image.Rect(0, 0, 20, 10), child.Bounds())
	assert.Equal(t, blue, child.Pix.NRGBAAt(5, 5))

	parent := screenshot(t, c, contextID)
	assert.Equal(t, blue, parent.Pix.NRGBAAt(frameMargin, frameMargin))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, parent.Pix.NRGBAAt(0, 0))

	// Events arrive before the navigate response and stay queued in order
	var methods []string
	for c.Buffered() > 0 {
		msg, err := c.ReadNextMessage(context.Background(), testTimeout)
		require.NoError(t, err)
		methods = append(methods, msg.Method)
	}
	assert.Equal(t, []string{
		"browsingContext.navigationStarted",
		"browsingContext.contextCreated",
		"browsingContext.domContentLoaded",
		"browsingContext.load",
	}, methods)
}

func TestGetTreeMaxDepth(t *testing.T) {
	_, ts := startServer(t)
	c := connect(t, ts)
	contextID := firstContext(t, c)

	page := `data:text/html,<iframe src="about:blank"></iframe><iframe></iframe>`
	execute(t, c, "browsingContext.navigate", map[string]any{"context": contextID, "url": page}, nil)

	var tree struct {
		Contexts []ContextInfo `json:"contexts"`
	}
	execute(t, c, "browsingContext.getTree", map[string]any{"maxDepth": 0}, &tree)
	require.NotEmpty(t, tree.Contexts)
	assert.Nil(t, tree.Contexts[0].Children)

	execute(t, c, "browsingContext.getTree", map[string]any{"root": contextID, "maxDepth": 1}, &tree)
	assert.Len(t, tree.Contexts[0].Children, 2)

	_, err := c.ExecuteCommand(context.Background(), "browsingContext.getTree", map[string]any{"root": "nope"}, testTimeout)
	assert.True(t, protocol.IsRemoteKind(err, protocol.ErrorNoSuchFrame))
}

func TestSendCommandFailures(t *testing.T) {
	_, ts := startServer(t)
	c := connect(t, ts)
	contextID := firstContext(t, c)

	var session struct {
		Session string `json:"session"`
	}
	execute(t, c, "cdp.getSession", map[string]any{"context": contextID}, &session)

	tests := []struct {
		name    string
		params  map[string]any
		kind    protocol.ErrorKind
		message string
	}{
		{
			name:    "unknown session",
			params:  map[string]any{"method": "Page.bringToFront", "params": map[string]any{}, "session": "DEADBEEF"},
			kind:    protocol.ErrorUnknownError,
			message: "Session with given id not found.",
		},
		{
			name:    "unknown method",
			params:  map[string]any{"method": "Page.teleport", "params": map[string]any{}, "session": session.Session},
			kind:    protocol.ErrorUnknownError,
			message: "'Page.teleport' wasn't found",
		},
		{
			name:   "missing method",
			params: map[string]any{"params": map[string]any{}, "session": session.Session},
			kind:   protocol.ErrorInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ExecuteCommand(context.Background(), "cdp.sendCommand", tt.params, testTimeout)
			require.Error(t, err)

			var remote *protocol.RemoteCommandError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tt.kind, remote.Kind)
			if tt.message != "" {
				assert.Equal(t, tt.message, remote.Message)
			}
		})
	}

	_, err := c.ExecuteCommand(context.Background(), "cdp.getSession", map[string]any{"context": "gone"}, testTimeout)
	assert.True(t, protocol.IsRemoteKind(err, protocol.ErrorNoSuchFrame))
}

func TestCloseReportsDestroyedContexts(t *testing.T) {
	_, ts := startServer(t)
	c := connect(t, ts)

	execute(t, c, "session.subscribe", map[string]any{"events": []string{"browsingContext.contextDestroyed", "cdp"}}, nil)

	var created struct {
		Context string `json:"context"`
	}
	execute(t, c, "browsingContext.create", map[string]any{"type": "tab"}, &created)
	execute(t, c, "cdp.getSession", map[string]any{"context": created.Context}, nil)
	execute(t, c, "browsingContext.close", map[string]any{"context": created.Context}, nil)

	detached, err := c.ReadNextMessage(context.Background(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "cdp.Target.detachedFromTarget", detached.Method)

	destroyed, err := c.ReadNextMessage(context.Background(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "browsingContext.contextDestroyed", destroyed.Method)
	assert.Contains(t, string(destroyed.Params), created.Context)

	_, err = c.ExecuteCommand(context.Background(), "browsingContext.close", map[string]any{"context": created.Context}, testTimeout)
	assert.True(t, protocol.IsRemoteKind(err, protocol.ErrorNoSuchFrame))
}

func TestDelayAndCallCounters(t *testing.T) {
	srv, ts := startServer(t)
	c := connect(t, ts)
	contextID := firstContext(t, c)

	srv.SetDelay("browsingContext.captureScreenshot", 200*time.Millisecond)

	id, err := c.SendCommand(context.Background(), "browsingContext.captureScreenshot", map[string]any{"context": contextID})
	require.NoError(t, err)

	_, err = c.AwaitResponse(context.Background(), id, 20*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)

	_, err = c.AwaitResponse(context.Background(), id, testTimeout)
	require.NoError(t, err)

	assert.Equal(t, 1, srv.Calls("browsingContext.captureScreenshot"))
	assert.Equal(t, 1, srv.Calls("browsingContext.getTree"))
}

func TestParseDataURL(t *testing.T) {
	mediaType, data, err := parseDataURL("data:text/html,%3Cp%3Ehi%3C%2Fp%3E")
	require.NoError(t, err)
	assert.Equal(t, "text/html", mediaType)
	assert.Equal(t, "<p>hi</p>", string(data))

	mediaType, data, err = parseDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mediaType)
	assert.Equal(t, []byte{1, 2, 3}, data)

	mediaType, _, err = parseDataURL("data:,plain")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", mediaType)

	_, _, err = parseDataURL("https://example.com")
	assert.Error(t, err)
}

func TestIframeSources(t *testing.T) {
	sources := iframeSources([]byte(`<div><iframe src="a.html"></iframe><p><iframe></iframe></p></div>`))
	assert.Equal(t, []string{"a.html", "about:blank"}, sources)
}
