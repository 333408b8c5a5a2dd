// Package harness wires a connection to a WebDriver BiDi remote end together
// with the pieces a protocol test needs: command correlation, debug session
// bookkeeping, the CDP bridge and reference image comparison.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhruvsoni1802/bidi-harness/internal/assets"
	"github.com/dhruvsoni1802/bidi-harness/internal/bridge"
	"github.com/dhruvsoni1802/bidi-harness/internal/browsingcontext"
	"github.com/dhruvsoni1802/bidi-harness/internal/config"
	"github.com/dhruvsoni1802/bidi-harness/internal/correlator"
	"github.com/dhruvsoni1802/bidi-harness/internal/imagecmp"
	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
	"github.com/dhruvsoni1802/bidi-harness/internal/remote"
	"github.com/dhruvsoni1802/bidi-harness/internal/session"
	"github.com/dhruvsoni1802/bidi-harness/internal/transport"
)

const methodSubscribe = "session.subscribe"

// Events the session registry needs to stay correct
var (
	lifecycleEvents = []string{
		"browsingContext.contextCreated",
		"browsingContext.contextDestroyed",
	}
	detachEvents = []string{"cdp.Target.detachedFromTarget"}
)

// Harness is one live connection and everything built on it
type Harness struct {
	Config     *config.Config
	Correlator *correlator.Correlator
	Sessions   *session.Registry
	Bridge     *bridge.Bridge
	Contexts   *browsingcontext.Helpers
	Images     *imagecmp.Comparator
	Assets     assets.Loader

	process *remote.Process
	redis   *assets.RedisClient
	unwatch func()
}

// Open connects to the remote end described by cfg. The URL comes from
// RemoteURL, else from a launched ServerBinary, else from discovery on
// DebugHost:DebugPort.
func Open(ctx context.Context, cfg *config.Config) (*Harness, error) {
	h := &Harness{
		Config: cfg,
		Images: &imagecmp.Comparator{Tolerance: cfg.Tolerance, DiffDir: cfg.DiffDir},
		Assets: assets.DirLoader{Dir: cfg.AssetDir},
	}

	url, err := h.resolveURL(ctx)
	if err != nil {
		h.Close()
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ws, err := transport.Dial(dialCtx, url)
	if err != nil {
		h.Close()
		return nil, err
	}

	h.Correlator = correlator.New(ws, correlator.WithEventLimit(cfg.EventLimit))
	h.Sessions = session.NewRegistry(h.Correlator, cfg.CommandTimeout)
	h.unwatch = h.Sessions.Watch(h.Correlator)
	h.Bridge = bridge.New(h.Correlator, cfg.CommandTimeout)
	h.Contexts = browsingcontext.New(h.Correlator, cfg.CommandTimeout)

	h.subscribe(ctx, lifecycleEvents)
	h.subscribe(ctx, detachEvents)

	if cfg.RedisAddr != "" {
		client, err := assets.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.redis = client
		h.Assets = assets.NewRedisCache(client, h.Assets, cfg.AssetTTL)
	}

	slog.Info("harness connected", "url", url)
	return h, nil
}

func (h *Harness) resolveURL(ctx context.Context) (string, error) {
	cfg := h.Config

	if cfg.RemoteURL != "" {
		return cfg.RemoteURL, nil
	}

	if cfg.ServerBinary != "" {
		proc, err := remote.NewProcess(cfg.ServerBinary, cfg.ServerArgs, nil)
		if err != nil {
			return "", err
		}
		if err := proc.Start(); err != nil {
			return "", err
		}
		h.process = proc

		readyCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := proc.WaitReady(readyCtx); err != nil {
			return "", fmt.Errorf("%w: %v", protocol.ErrConnection, err)
		}
		return proc.URL(), nil
	}

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	return transport.DiscoverURL(discoverCtx, cfg.DebugHost, cfg.DebugPort)
}

// subscribe asks for events the registry listens to. Remotes that do not know
// an event only cost us the invalidation it would have triggered.
func (h *Harness) subscribe(ctx context.Context, events []string) {
	params := map[string]any{"events": events}
	if _, err := h.Correlator.ExecuteCommand(ctx, methodSubscribe, params, h.Config.CommandTimeout); err != nil {
		slog.Warn("event subscription refused", "events", events, "error", err)
	}
}

// TopLevelContext returns the first top-level browsing context
func (h *Harness) TopLevelContext(ctx context.Context) (string, error) {
	depth := 0
	tree, err := h.Contexts.GetTree(ctx, "", &depth)
	if err != nil {
		return "", err
	}
	if len(tree.Contexts) == 0 {
		return "", fmt.Errorf("%w: remote has no top-level context", protocol.ErrContextNotFound)
	}
	return tree.Contexts[0].Context, nil
}

// ChildContext returns the first child of contextID, e.g. an iframe
func (h *Harness) ChildContext(ctx context.Context, contextID string) (string, error) {
	tree, err := h.Contexts.GetTree(ctx, contextID, nil)
	if err != nil {
		return "", err
	}
	return browsingcontext.FirstChild(tree)
}

// Navigate loads url into contextID and waits for the load to complete
func (h *Harness) Navigate(ctx context.Context, contextID string, url string) error {
	_, err := h.Contexts.GotoURL(ctx, contextID, url, browsingcontext.WaitComplete)
	return err
}

// CDPSession returns the debug session bound to contextID
func (h *Harness) CDPSession(ctx context.Context, contextID string) (string, error) {
	return h.Sessions.GetOrCreate(ctx, contextID)
}

// SetViewport fixes the rendering surface of contextID at width x height CSS pixels
func (h *Harness) SetViewport(ctx context.Context, contextID string, width, height int64) error {
	sessionID, err := h.CDPSession(ctx, contextID)
	if err != nil {
		return err
	}
	return h.Bridge.SetDeviceMetrics(ctx, sessionID, width, height, 1, false)
}

// Screenshot captures contextID and returns the base64 PNG payload
func (h *Harness) Screenshot(ctx context.Context, contextID string) (string, error) {
	return h.Contexts.CaptureScreenshot(ctx, contextID)
}

// Reference returns a reference asset as base64
func (h *Harness) Reference(ctx context.Context, name string) (string, error) {
	return assets.Base64(ctx, h.Assets, name)
}

// ReferenceURL returns a reference asset as a data: URL to navigate to
func (h *Harness) ReferenceURL(ctx context.Context, name string) (string, error) {
	return assets.DataURL(ctx, h.Assets, name)
}

// ScreenshotMatches captures contextID and compares it with the named reference asset
func (h *Harness) ScreenshotMatches(ctx context.Context, contextID string, reference string) error {
	actual, err := h.Screenshot(ctx, contextID)
	if err != nil {
		return err
	}

	expected, err := h.Reference(ctx, reference)
	if err != nil {
		return err
	}

	return h.Images.Equal(actual, expected)
}

// Close drops the connection and stops anything Open started
func (h *Harness) Close() error {
	var errs []error

	if h.unwatch != nil {
		h.unwatch()
	}
	if h.Correlator != nil {
		if err := h.Correlator.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.process != nil {
		if err := h.process.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.redis != nil {
		if err := h.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
