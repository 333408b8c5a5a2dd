package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"golang.org/x/sync/singleflight"
)

const (
	// MethodGetSession resolves the CDP session attached to a browsing context
	MethodGetSession = "cdp.getSession"

	eventContextCreated   = "browsingContext.contextCreated"
	eventContextDestroyed = "browsingContext.contextDestroyed"
	eventTargetDetached   = "cdp.Target.detachedFromTarget"
)

// CommandExecutor sends a command and waits for its result
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// EventSource delivers inbound events to observers
type EventSource interface {
	Subscribe(fn func(*protocol.Message)) (unsubscribe func())
}

// Registry maps browsing context ids to their CDP session ids.
// A Registry belongs to one connection and never outlives it.
type Registry struct {
	exec    CommandExecutor
	timeout time.Duration

	mu       sync.RWMutex
	bindings map[string]string // context id -> session id
	parents  map[string]string // child context id -> parent context id
	epochs   map[string]uint64 // bumped on every invalidation of a context

	group singleflight.Group
}

// NewRegistry creates an empty registry issuing its lookups through exec
func NewRegistry(exec CommandExecutor, timeout time.Duration) *Registry {
	return &Registry{
		exec:     exec,
		timeout:  timeout,
		bindings: make(map[string]string),
		parents:  make(map[string]string),
		epochs:   make(map[string]uint64),
	}
}

// GetOrCreate returns the session bound to contextID, asking the remote on first use.
// Concurrent callers for the same context share one in-flight lookup. A caller
// whose ctx ends first returns its ctx error; the lookup carries on for the rest.
func (r *Registry) GetOrCreate(ctx context.Context, contextID string) (string, error) {
	if sessionID, ok := r.Lookup(contextID); ok {
		return sessionID, nil
	}

	// The lookup is shared, so one caller giving up must not fail the others
	shared := context.WithoutCancel(ctx)

	ch := r.group.DoChan(contextID, func() (any, error) {
		return r.bind(shared, contextID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("debug session for %s: %w", contextID, ctx.Err())
	}
}

func (r *Registry) bind(ctx context.Context, contextID string) (string, error) {
	r.mu.RLock()
	if sessionID, ok := r.bindings[contextID]; ok {
		r.mu.RUnlock()
		return sessionID, nil
	}
	epoch := r.epochs[contextID]
	r.mu.RUnlock()

	sessionID, err := r.resolve(ctx, contextID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.epochs[contextID] == epoch {
		r.bindings[contextID] = sessionID
	}
	r.mu.Unlock()

	slog.Info("debug session bound", "context_id", contextID, "session_id", sessionID)
	return sessionID, nil
}

func (r *Registry) resolve(ctx context.Context, contextID string) (string, error) {
	params := map[string]any{"context": contextID}

	result, err := r.exec.ExecuteCommand(ctx, MethodGetSession, params, r.timeout)
	if err != nil {
		if protocol.IsRemoteKind(err, protocol.ErrorNoSuchFrame) {
			return "", fmt.Errorf("%w: %s: %v", protocol.ErrContextNotFound, contextID, err)
		}
		return "", fmt.Errorf("failed to get debug session for %s: %w", contextID, err)
	}

	var response struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return "", fmt.Errorf("%w: %s result: %v", protocol.ErrMalformedMessage, MethodGetSession, err)
	}

	if response.Session == "" {
		return "", fmt.Errorf("%w: %s has no debug session", protocol.ErrContextNotFound, contextID)
	}

	return response.Session, nil
}

// Lookup returns the cached binding without contacting the remote
func (r *Registry) Lookup(contextID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, ok := r.bindings[contextID]
	return sessionID, ok
}

// Invalidate drops the binding for contextID and for every known descendant.
// Unbound ids are ignored.
func (r *Registry) Invalidate(contextID string) {
	r.mu.Lock()
	removed := r.invalidateLocked(contextID)
	r.mu.Unlock()

	for _, id := range removed {
		r.group.Forget(id)
	}
}

func (r *Registry) invalidateLocked(contextID string) []string {
	removed := []string{contextID}

	if sessionID, ok := r.bindings[contextID]; ok {
		delete(r.bindings, contextID)
		slog.Debug("debug session invalidated", "context_id", contextID, "session_id", sessionID)
	}
	r.epochs[contextID]++
	delete(r.parents, contextID)

	for child, parent := range r.parents {
		if parent == contextID {
			removed = append(removed, r.invalidateLocked(child)...)
		}
	}
	return removed
}

// Len returns the number of live bindings
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Watch keeps the registry in sync with context lifecycle events from src
func (r *Registry) Watch(src EventSource) (unsubscribe func()) {
	return src.Subscribe(r.handleEvent)
}

func (r *Registry) handleEvent(msg *protocol.Message) {
	switch msg.Method {
	case eventContextCreated:
		var info struct {
			Context string `json:"context"`
			Parent  string `json:"parent"`
		}
		if err := json.Unmarshal(msg.Params, &info); err != nil || info.Parent == "" {
			return
		}
		r.mu.Lock()
		r.parents[info.Context] = info.Parent
		r.mu.Unlock()

	case eventContextDestroyed:
		var info struct {
			Context string `json:"context"`
		}
		if err := json.Unmarshal(msg.Params, &info); err != nil || info.Context == "" {
			return
		}
		r.Invalidate(info.Context)

	case eventTargetDetached:
		var detached struct {
			Params struct {
				SessionID string `json:"sessionId"`
			} `json:"params"`
		}
		if err := json.Unmarshal(msg.Params, &detached); err != nil || detached.Params.SessionID == "" {
			return
		}
		r.invalidateSession(detached.Params.SessionID)
	}
}

func (r *Registry) invalidateSession(sessionID string) {
	r.mu.RLock()
	var contexts []string
	for contextID, bound := range r.bindings {
		if bound == sessionID {
			contexts = append(contexts, contextID)
		}
	}
	r.mu.RUnlock()

	for _, contextID := range contexts {
		r.Invalidate(contextID)
	}
}
