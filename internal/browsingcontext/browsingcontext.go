package browsingcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
)

// BiDi browsingContext module methods
const (
	MethodNavigate          = "browsingContext.navigate"
	MethodGetTree           = "browsingContext.getTree"
	MethodCaptureScreenshot = "browsingContext.captureScreenshot"
	MethodCreate            = "browsingContext.create"
	MethodClose             = "browsingContext.close"
)

// ReadinessState is how far a navigation must progress before navigate returns
type ReadinessState string

const (
	WaitNone        ReadinessState = "none"
	WaitInteractive ReadinessState = "interactive"
	WaitComplete    ReadinessState = "complete"
)

// CreateType selects what kind of top-level context browsingContext.create opens
type CreateType string

const (
	CreateTab    CreateType = "tab"
	CreateWindow CreateType = "window"
)

// CommandExecutor sends a command and waits for its result
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Info is one node of the browsing context tree
type Info struct {
	Context  string `json:"context"`
	URL      string `json:"url"`
	Children []Info `json:"children"`
	Parent   string `json:"parent,omitempty"`
}

// Tree is the result of browsingContext.getTree
type Tree struct {
	Contexts []Info `json:"contexts"`
}

// NavigateResult is the result of browsingContext.navigate
type NavigateResult struct {
	Navigation string `json:"navigation"`
	URL        string `json:"url"`
}

// Helpers bundles an executor with the timeout applied to every command
type Helpers struct {
	exec    CommandExecutor
	timeout time.Duration
}

// New creates helpers that send through exec
func New(exec CommandExecutor, timeout time.Duration) *Helpers {
	return &Helpers{
		exec:    exec,
		timeout: timeout,
	}
}

// GotoURL navigates contextID to url and returns once the requested readiness is reached
func (h *Helpers) GotoURL(ctx context.Context, contextID string, url string, wait ReadinessState) (*NavigateResult, error) {
	if wait == "" {
		wait = WaitComplete
	}

	params := map[string]any{
		"context": contextID,
		"url":     url,
		"wait":    wait,
	}

	var result NavigateResult
	if err := h.call(ctx, MethodNavigate, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTree returns the context tree. An empty root lists every top-level context.
// A nil maxDepth means unlimited.
func (h *Helpers) GetTree(ctx context.Context, root string, maxDepth *int) (*Tree, error) {
	params := map[string]any{}
	if root != "" {
		params["root"] = root
	}
	if maxDepth != nil {
		params["maxDepth"] = *maxDepth
	}

	var tree Tree
	if err := h.call(ctx, MethodGetTree, params, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// CaptureScreenshot returns the base64 PNG payload of the context's rendering
func (h *Helpers) CaptureScreenshot(ctx context.Context, contextID string) (string, error) {
	params := map[string]any{"context": contextID}

	var result struct {
		Data *string `json:"data"`
	}
	if err := h.call(ctx, MethodCaptureScreenshot, params, &result); err != nil {
		return "", err
	}

	if result.Data == nil {
		return "", fmt.Errorf("%w: %s result has no data", protocol.ErrMalformedMessage, MethodCaptureScreenshot)
	}
	return *result.Data, nil
}

// Create opens a new top-level context and returns its id
func (h *Helpers) Create(ctx context.Context, typ CreateType) (string, error) {
	var result struct {
		Context string `json:"context"`
	}
	if err := h.call(ctx, MethodCreate, map[string]any{"type": typ}, &result); err != nil {
		return "", err
	}
	return result.Context, nil
}

// Close closes a top-level context
func (h *Helpers) Close(ctx context.Context, contextID string) error {
	return h.call(ctx, MethodClose, map[string]any{"context": contextID}, nil)
}

func (h *Helpers) call(ctx context.Context, method string, params any, out any) error {
	result, err := h.exec.ExecuteCommand(ctx, method, params, h.timeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("%w: %s result: %v", protocol.ErrMalformedMessage, method, err)
	}
	return nil
}

// FirstChild returns the first child of the first top-level context in tree
func FirstChild(tree *Tree) (string, error) {
	if len(tree.Contexts) == 0 {
		return "", fmt.Errorf("%w: tree has no contexts", protocol.ErrContextNotFound)
	}
	if len(tree.Contexts[0].Children) == 0 {
		return "", fmt.Errorf("%w: %s has no children", protocol.ErrContextNotFound, tree.Contexts[0].Context)
	}
	return tree.Contexts[0].Children[0].Context, nil
}

// Find searches the tree depth-first for contextID
func Find(tree *Tree, contextID string) (*Info, bool) {
	var walk func(nodes []Info) *Info
	walk = func(nodes []Info) *Info {
		for i := range nodes {
			if nodes[i].Context == contextID {
				return &nodes[i]
			}
			if found := walk(nodes[i].Children); found != nil {
				return found
			}
		}
		return nil
	}

	found := walk(tree.Contexts)
	return found, found != nil
}
