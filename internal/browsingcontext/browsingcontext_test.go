package browsingcontext

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cannedExecutor struct {
	method string
	params map[string]any
	reply  string
	err    error
}

func (c *cannedExecutor) ExecuteCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.method = method
	c.params = params.(map[string]any)
	if c.err != nil {
		return nil, c.err
	}
	return json.RawMessage(c.reply), nil
}

func TestGotoURLDefaultsToComplete(t *testing.T) {
	exec := &cannedExecutor{reply: `{"navigation":"nav-1","url":"data:text/html,hi"}`}
	h := New(exec, time.Second)

	result, err := h.GotoURL(context.Background(), "ctx-1", "data:text/html,hi", "")
	require.NoError(t, err)

	assert.Equal(t, MethodNavigate, exec.method)
	assert.Equal(t, WaitComplete, exec.params["wait"])
	assert.Equal(t, "nav-1", result.Navigation)
}

func TestGetTreeParams(t *testing.T) {
	exec := &cannedExecutor{reply: `{"contexts":[{"context":"top","url":"about:blank","children":[{"context":"frame","url":"https://example.com","children":null,"parent":"top"}]}]}`}
	h := New(exec, time.Second)

	depth := 1
	tree, err := h.GetTree(context.Background(), "top", &depth)
	require.NoError(t, err)

	assert.Equal(t, "top", exec.params["root"])
	assert.Equal(t, 1, exec.params["maxDepth"])

	child, err := FirstChild(tree)
	require.NoError(t, err)
	assert.Equal(t, "frame", child)

	info, ok := Find(tree, "frame")
	require.True(t, ok)
	assert.Equal(t, "top", info.Parent)

	_, ok = Find(tree, "missing")
	assert.False(t, ok)
}

func TestGetTreeWithoutRoot(t *testing.T) {
	exec := &cannedExecutor{reply: `{"contexts":[]}`}
	h := New(exec, time.Second)

	tree, err := h.GetTree(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, exec.params)

	_, err = FirstChild(tree)
	assert.ErrorIs(t, err, protocol.ErrContextNotFound)
}

func TestCaptureScreenshot(t *testing.T) {
	exec := &cannedExecutor{reply: `{"data":"iVBORw0KGgo="}`}
	h := New(exec, time.Second)

	data, err := h.CaptureScreenshot(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "iVBORw0KGgo=", data)
	assert.Equal(t, "ctx-1", exec.params["context"])
}

func TestCaptureScreenshotMissingData(t *testing.T) {
	for _, reply := range []string{`{}`, `{"data":42}`} {
		exec := &cannedExecutor{reply: reply}
		h := New(exec, time.Second)

		_, err := h.CaptureScreenshot(context.Background(), "ctx-1")
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage, reply)
	}
}

func TestRemoteErrorsPropagate(t *testing.T) {
	remote := &protocol.RemoteCommandError{Kind: protocol.ErrorNoSuchFrame, Message: "Context ctx-9 not found"}
	exec := &cannedExecutor{err: remote}
	h := New(exec, time.Second)

	err := h.Close(context.Background(), "ctx-9")

	var got *protocol.RemoteCommandError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, protocol.ErrorNoSuchFrame, got.Kind)
}

func TestCreate(t *testing.T) {
	exec := &cannedExecutor{reply: `{"context":"new-tab"}`}
	h := New(exec, time.Second)

	id, err := h.Create(context.Background(), CreateTab)
	require.NoError(t, err)
	assert.Equal(t, "new-tab", id)
	assert.Equal(t, CreateTab, exec.params["type"])
}
