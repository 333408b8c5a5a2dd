package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/dhruvsoni1802/bidi-harness/internal/transport"
)

const (
	// DefaultTimeout is used when a caller passes a zero timeout
	DefaultTimeout = 10 * time.Second

	// DefaultEventLimit caps how many unclaimed events are queued
	DefaultEventLimit = 1024
)

// Option configures a Correlator
type Option func(*Correlator)

// WithEventLimit keeps at most n unclaimed events queued. Past the limit the
// oldest queued event is dropped. Responses are never dropped. n <= 0 means no limit.
func WithEventLimit(n int) Option {
	return func(c *Correlator) {
		c.eventLimit = n
	}
}

// Correlator turns the raw message stream of a Transport into request/response semantics.
// It is the only consumer of the transport. Messages nobody has asked for yet are
// held in a pending queue in arrival order until a caller claims them.
type Correlator struct {
	transport transport.Transport
	nextID    atomic.Uint64

	mu       sync.Mutex
	pending  []*protocol.Message
	notify   chan struct{} // closed and replaced whenever pending or err changes
	err      error         // latched once the reader stops
	inflight map[uint64]string

	events     int // queued events, a subset of pending
	eventLimit int
	dropped    uint64

	obsMu     sync.RWMutex
	observers map[int]func(*protocol.Message)
	nextObs   int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts reading from t. The correlator owns t from now on.
func New(t transport.Transport, opts ...Option) *Correlator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Correlator{
		transport:  t,
		notify:     make(chan struct{}),
		inflight:   make(map[uint64]string),
		eventLimit: DefaultEventLimit,
		observers:  make(map[int]func(*protocol.Message)),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Correlator) readLoop() {
	defer close(c.done)

	for {
		data, err := c.transport.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				err = protocol.ErrTransportClosed
			}
			c.mu.Lock()
			c.err = err
			c.broadcastLocked()
			c.mu.Unlock()

			slog.Debug("correlator reader stopped", "error", err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("dropping malformed message", "error", err, "size", len(data))
			continue
		}

		slog.Debug("message received", "message", msg.String())

		isEvent := msg.Kind() == protocol.KindEvent
		if isEvent {
			c.dispatch(msg)
		}

		c.mu.Lock()
		c.pending = append(c.pending, msg)
		if isEvent {
			c.events++
			if c.eventLimit > 0 && c.events > c.eventLimit {
				c.dropOldestEventLocked()
			}
		}
		c.broadcastLocked()
		c.mu.Unlock()
	}
}

func (c *Correlator) dropOldestEventLocked() {
	for i, m := range c.pending {
		if m.Kind() != protocol.KindEvent {
			continue
		}
		c.removeLocked(i)
		c.dropped++
		if c.dropped == 1 || c.dropped%uint64(c.eventLimit) == 0 {
			slog.Warn("event queue full, dropping oldest events", "limit", c.eventLimit, "dropped", c.dropped)
		}
		return
	}
}

// removeLocked takes pending[i] off the queue
func (c *Correlator) removeLocked(i int) *protocol.Message {
	msg := c.pending[i]
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
	if msg.Kind() == protocol.KindEvent {
		c.events--
	}
	return msg
}

func (c *Correlator) broadcastLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Correlator) dispatch(msg *protocol.Message) {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()

	for _, fn := range c.observers {
		fn(msg)
	}
}

// Subscribe registers fn to see every event as it arrives. Observing an event does
// not consume it; it stays queued for ReadNextMessage. fn runs on the reader
// goroutine and must not call back into the correlator's blocking methods.
func (c *Correlator) Subscribe(fn func(*protocol.Message)) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// SendCommand transmits a command with a fresh id and returns the id without waiting for the response
func (c *Correlator) SendCommand(ctx context.Context, method string, params any) (uint64, error) {
	id := c.nextID.Add(1)

	data, err := protocol.Encode(protocol.Command{ID: id, Method: method, Params: params})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.inflight[id] = method
	c.mu.Unlock()

	if err := c.transport.Send(ctx, data); err != nil {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		return 0, fmt.Errorf("failed to send %s: %w", method, err)
	}

	slog.Debug("command sent", "id", id, "method", method)
	return id, nil
}

// AwaitResponse waits for the response to command id. Messages for other ids and
// events stay queued. A timeout leaves the queue untouched.
func (c *Correlator) AwaitResponse(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	msg, err := c.wait(ctx, timeout, func(pending []*protocol.Message) int {
		for i, m := range pending {
			if m.HasID(id) {
				return i
			}
		}
		return -1
	})
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			return nil, fmt.Errorf("%w: command %d (%s)", err, id, c.methodOf(id))
		}
		return nil, fmt.Errorf("awaiting command %d: %w", id, err)
	}

	c.mu.Lock()
	method := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()

	if remote := msg.Err(); remote != nil {
		return nil, fmt.Errorf("%s: %w", method, remote)
	}
	return msg.Result, nil
}

// ExecuteCommand sends a command and waits for its result
func (c *Correlator) ExecuteCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id, err := c.SendCommand(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return c.AwaitResponse(ctx, id, timeout)
}

// ReadNextMessage returns the oldest queued message, event or response, without correlating it
func (c *Correlator) ReadNextMessage(ctx context.Context, timeout time.Duration) (*protocol.Message, error) {
	msg, err := c.wait(ctx, timeout, func(pending []*protocol.Message) int {
		if len(pending) > 0 {
			return 0
		}
		return -1
	})
	if err != nil {
		return nil, err
	}

	if msg.ID != nil && msg.Kind() != protocol.KindEvent {
		c.mu.Lock()
		delete(c.inflight, *msg.ID)
		c.mu.Unlock()
	}
	return msg, nil
}

// wait blocks until pick selects a queued message, the reader stops, or time runs out.
// The selected message is removed from the queue under the same lock that found it.
func (c *Correlator) wait(ctx context.Context, timeout time.Duration, pick func([]*protocol.Message) int) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if i := pick(c.pending); i >= 0 {
			msg := c.removeLocked(i)
			c.mu.Unlock()
			return msg, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		notify := c.notify
		c.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s", protocol.ErrTimeout, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Correlator) methodOf(id uint64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[id]
}

// Buffered returns the number of queued messages nobody has claimed yet
func (c *Correlator) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dropped returns how many events were discarded because the queue was full
func (c *Correlator) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops the reader and closes the transport
func (c *Correlator) Close() error {
	c.cancel()
	err := c.transport.Close()
	<-c.done
	return err
}
