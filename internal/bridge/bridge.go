package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
)

// MethodSendCommand is the BiDi command that carries a CDP command to a session
const MethodSendCommand = "cdp.sendCommand"

// CommandExecutor sends a command and waits for its result
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Bridge issues CDP commands through the BiDi passthrough command
type Bridge struct {
	exec    CommandExecutor
	timeout time.Duration
}

// New creates a bridge sending through exec
func New(exec CommandExecutor, timeout time.Duration) *Bridge {
	return &Bridge{
		exec:    exec,
		timeout: timeout,
	}
}

// SendCommand runs a CDP method on sessionID and returns the CDP result
func (b *Bridge) SendCommand(ctx context.Context, sessionID string, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}

	envelope := map[string]any{
		"method":  method,
		"params":  params,
		"session": sessionID,
	}

	result, err := b.exec.ExecuteCommand(ctx, MethodSendCommand, envelope, b.timeout)
	if err != nil {
		var remote *protocol.RemoteCommandError
		if errors.As(err, &remote) && protocol.IsBridgeRejection(remote) {
			return nil, &protocol.BridgeRejectedError{Method: method, Session: sessionID, Cause: remote}
		}
		return nil, fmt.Errorf("bridged %s: %w", method, err)
	}

	var response struct {
		Result  json.RawMessage `json:"result"`
		Session string          `json:"session"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return nil, fmt.Errorf("%w: %s result: %v", protocol.ErrMalformedMessage, MethodSendCommand, err)
	}

	slog.Debug("bridged command completed", "method", method, "session_id", sessionID)

	if len(response.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return response.Result, nil
}

// SetDeviceMetrics forces a fixed rendering surface size on the session's target
func (b *Bridge) SetDeviceMetrics(ctx context.Context, sessionID string, width, height int64, scale float64, mobile bool) error {
	params := emulation.SetDeviceMetricsOverride(width, height, scale, mobile)

	if _, err := b.SendCommand(ctx, sessionID, emulation.CommandSetDeviceMetricsOverride, params); err != nil {
		return fmt.Errorf("failed to set device metrics: %w", err)
	}
	return nil
}

// ClearDeviceMetrics removes a previous SetDeviceMetrics override
func (b *Bridge) ClearDeviceMetrics(ctx context.Context, sessionID string) error {
	if _, err := b.SendCommand(ctx, sessionID, emulation.CommandClearDeviceMetricsOverride, emulation.ClearDeviceMetricsOverride()); err != nil {
		return fmt.Errorf("failed to clear device metrics: %w", err)
	}
	return nil
}

// BringToFront focuses the target. Screenshots of background tabs block until they get focus.
func (b *Bridge) BringToFront(ctx context.Context, sessionID string) error {
	if _, err := b.SendCommand(ctx, sessionID, page.CommandBringToFront, page.BringToFront()); err != nil {
		return fmt.Errorf("failed to bring page to front: %w", err)
	}
	return nil
}

// LayoutViewport reports the CSS layout viewport of the session's page
func (b *Bridge) LayoutViewport(ctx context.Context, sessionID string) (*page.LayoutViewport, error) {
	result, err := b.SendCommand(ctx, sessionID, page.CommandGetLayoutMetrics, page.GetLayoutMetrics())
	if err != nil {
		return nil, fmt.Errorf("failed to get layout metrics: %w", err)
	}

	var metrics page.GetLayoutMetricsReturns
	if err := json.Unmarshal(result, &metrics); err != nil {
		return nil, fmt.Errorf("%w: layout metrics: %v", protocol.ErrMalformedMessage, err)
	}

	if metrics.CSSLayoutViewport != nil {
		return metrics.CSSLayoutViewport, nil
	}
	if metrics.LayoutViewport != nil {
		return metrics.LayoutViewport, nil
	}
	return nil, fmt.Errorf("%w: layout metrics carry no viewport", protocol.ErrMalformedMessage)
}
