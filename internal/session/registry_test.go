package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor answers cdp.getSession with "session-<context>-<n>" after a delay
type fakeExecutor struct {
	delay   time.Duration
	known   map[string]bool
	calls   atomic.Int32
	perCtx  sync.Map // context id -> *atomic.Int32
	failAll error
}

func (f *fakeExecutor) ExecuteCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.calls.Add(1)
	if method != MethodGetSession {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	if f.failAll != nil {
		return nil, f.failAll
	}

	contextID := params.(map[string]any)["context"].(string)
	counter, _ := f.perCtx.LoadOrStore(contextID, new(atomic.Int32))
	n := counter.(*atomic.Int32).Add(1)

	time.Sleep(f.delay)

	if !f.known[contextID] {
		return nil, fmt.Errorf("%s: %w", method, &protocol.RemoteCommandError{Kind: protocol.ErrorNoSuchFrame, Message: "Context " + contextID + " not found"})
	}
	return json.RawMessage(fmt.Sprintf(`{"session":"session-%s-%d"}`, contextID, n)), nil
}

// fakeEvents lets tests publish events to subscribers
type fakeEvents struct {
	mu  sync.Mutex
	fns []func(*protocol.Message)
}

func (f *fakeEvents) Subscribe(fn func(*protocol.Message)) func() {
	f.mu.Lock()
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeEvents) publish(t *testing.T, raw string) {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fn := range f.fns {
		fn(msg)
	}
}

func TestGetOrCreateCachesBinding(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"ctx-1": true}}
	registry := NewRegistry(exec, time.Second)

	first, err := registry.GetOrCreate(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "session-ctx-1-1", first)

	second, err := registry.GetOrCreate(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), exec.calls.Load())
	assert.Equal(t, 1, registry.Len())
}

func TestGetOrCreateCoalescesConcurrentCallers(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"ctx-1": true, "ctx-2": true}, delay: 50 * time.Millisecond}
	registry := NewRegistry(exec, time.Second)

	const n = 25
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessionID, err := registry.GetOrCreate(context.Background(), "ctx-1")
			assert.NoError(t, err)
			results[i] = sessionID
		}(i)
	}
	wg.Wait()

	for _, sessionID := range results {
		assert.Equal(t, "session-ctx-1-1", sessionID)
	}
	assert.Equal(t, int32(1), exec.calls.Load())

	// A different context is not blocked behind ctx-1
	other, err := registry.GetOrCreate(context.Background(), "ctx-2")
	require.NoError(t, err)
	assert.Equal(t, "session-ctx-2-1", other)
}

func TestGetOrCreateUnknownContext(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{}}
	registry := NewRegistry(exec, time.Second)

	_, err := registry.GetOrCreate(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrContextNotFound), "got %v", err)
	assert.Equal(t, 0, registry.Len())
}

func TestGetOrCreatePropagatesOtherFailures(t *testing.T) {
	exec := &fakeExecutor{failAll: fmt.Errorf("awaiting command 1: %w", protocol.ErrTransportClosed)}
	registry := NewRegistry(exec, time.Second)

	_, err := registry.GetOrCreate(context.Background(), "ctx-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransportClosed)
	assert.False(t, errors.Is(err, protocol.ErrContextNotFound))
}

func TestInvalidate(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"ctx-1": true}}
	registry := NewRegistry(exec, time.Second)

	// Unbound ids are a no-op
	registry.Invalidate("never-bound")

	first, err := registry.GetOrCreate(context.Background(), "ctx-1")
	require.NoError(t, err)

	registry.Invalidate("ctx-1")
	_, ok := registry.Lookup("ctx-1")
	assert.False(t, ok)

	second, err := registry.GetOrCreate(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), exec.calls.Load())
}

func TestWatchInvalidatesDestroyedContextAndChildren(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"top": true, "frame": true, "other": true}}
	registry := NewRegistry(exec, time.Second)
	events := &fakeEvents{}
	registry.Watch(events)

	ctx := context.Background()
	for _, id := range []string{"top", "frame", "other"} {
		_, err := registry.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}
	events.publish(t, `{"method":"browsingContext.contextCreated","params":{"context":"frame","parent":"top","url":"about:blank","children":null}}`)

	events.publish(t, `{"method":"browsingContext.contextDestroyed","params":{"context":"top","url":"about:blank","children":null}}`)

	_, ok := registry.Lookup("top")
	assert.False(t, ok)
	_, ok = registry.Lookup("frame")
	assert.False(t, ok)
	_, ok = registry.Lookup("other")
	assert.True(t, ok)
}

func TestWatchInvalidatesDetachedSession(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"top": true}}
	registry := NewRegistry(exec, time.Second)
	events := &fakeEvents{}
	registry.Watch(events)

	sessionID, err := registry.GetOrCreate(context.Background(), "top")
	require.NoError(t, err)

	events.publish(t, fmt.Sprintf(`{"method":"cdp.Target.detachedFromTarget","params":{"event":"Target.detachedFromTarget","params":{"sessionId":%q}}}`, sessionID))

	_, ok := registry.Lookup("top")
	assert.False(t, ok)
}

func TestInvalidateDuringCreationDoesNotStoreStaleBinding(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"ctx-1": true}, delay: 100 * time.Millisecond}
	registry := NewRegistry(exec, time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		registry.GetOrCreate(context.Background(), "ctx-1")
	}()

	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, time.Millisecond)
	registry.Invalidate("ctx-1")
	<-done

	_, ok := registry.Lookup("ctx-1")
	assert.False(t, ok)
}

func TestGetOrCreateHonoursCallerDeadline(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"ctx-1": true}, delay: 500 * time.Millisecond}
	registry := NewRegistry(exec, time.Second)

	// A patient caller joins the same lookup and must still get the session
	patient := make(chan string, 1)
	go func() {
		sessionID, err := registry.GetOrCreate(context.Background(), "ctx-1")
		assert.NoError(t, err)
		patient <- sessionID
	}()
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := registry.GetOrCreate(ctx, "ctx-1")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 250*time.Millisecond)

	select {
	case sessionID := <-patient:
		assert.Equal(t, "session-ctx-1-1", sessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("shared lookup did not finish")
	}
	assert.Equal(t, int32(1), exec.calls.Load())

	sessionID, ok := registry.Lookup("ctx-1")
	assert.True(t, ok)
	assert.Equal(t, "session-ctx-1-1", sessionID)
}

func TestGetOrCreateCancelledCallerLeavesBindingForLater(t *testing.T) {
	exec := &fakeExecutor{known: map[string]bool{"ctx-1": true}, delay: 100 * time.Millisecond}
	registry := NewRegistry(exec, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for exec.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := registry.GetOrCreate(ctx, "ctx-1")
	assert.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		_, ok := registry.Lookup("ctx-1")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), exec.calls.Load())
}
