// Package app wires the bridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the control-plane event loop and the HTTP
// surface, and Shutdown drains active calls and tears everything down.
//
// For testing, inject a mock control plane and a scripted event channel via
// functional options. When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aribridge/internal/ari"
	"github.com/MrWong99/aribridge/internal/call"
	"github.com/MrWong99/aribridge/internal/config"
	"github.com/MrWong99/aribridge/internal/health"
	"github.com/MrWong99/aribridge/internal/observe"
	"github.com/MrWong99/aribridge/internal/resilience"
)

// reconnectDelay is the pause before redialing the control-plane event
// stream after it drops.
const reconnectDelay = 2 * time.Second

// App owns all subsystem lifetimes and drives calls from control-plane
// events.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	control ari.ControlPlane
	client  *ari.Client // nil when a control plane was injected
	events  <-chan ari.Event

	registry *call.Registry
	httpSrv  *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithControlPlane injects a control plane instead of dialing a live one
// from config.
func WithControlPlane(cp ari.ControlPlane) Option {
	return func(a *App) { a.control = cp }
}

// WithEvents injects a scripted event stream instead of the live websocket.
func WithEvents(ch <-chan ari.Event) Option {
	return func(a *App) { a.events = ch }
}

// WithMetrics injects a metrics set bound to a test meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		registry: call.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.control == nil {
		client := ari.NewClient(ari.Config{
			URL:         cfg.ARI.URL,
			Username:    cfg.ARI.Username,
			Password:    cfg.ARI.Password,
			Application: cfg.ARI.Application,
		})
		a.control = ari.WithBreaker(client, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "ari"}))
		a.client = client
	}
	return a
}

// Run starts the HTTP surface and the event loop and blocks until ctx is
// cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serveHTTP(ctx) })
	g.Go(func() error { return a.eventLoop(ctx) })

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Shutdown(shutdownCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveHTTP exposes health probes and metrics.
func (a *App) serveHTTP(ctx context.Context) error {
	var checkers []health.Checker
	if a.client != nil {
		checkers = append(checkers, health.Checker{Name: "ari", Check: a.client.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpSrv.ListenAndServe()
	}()

	slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// eventLoop consumes control-plane events until ctx is cancelled. A dropped
// live event stream is redialed after a short pause; active calls keep
// running across the gap.
func (a *App) eventLoop(ctx context.Context) error {
	for {
		events := a.events
		if events == nil {
			if a.client == nil {
				return errors.New("app: no event source configured")
			}
			ch, err := a.client.Listen(ctx)
			if err != nil {
				slog.Error("event stream dial failed", "err", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
					continue
				}
			}
			slog.Info("event stream connected", "app", a.cfg.ARI.Application)
			events = ch
		}

		if err := a.pump(ctx, events); err != nil {
			return err
		}
		if a.events != nil {
			// Injected streams are not redialed; a closed channel ends
			// the loop.
			return nil
		}
		slog.Warn("event stream dropped, redialing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// pump drains one event stream. Returns nil when the stream closes and the
// context error when cancelled.
func (a *App) pump(ctx context.Context, events <-chan ari.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			a.handleEvent(ctx, evt)
		}
	}
}

// handleEvent routes one control-plane event to the owning call.
func (a *App) handleEvent(ctx context.Context, evt ari.Event) {
	switch evt.Type {
	case ari.EventStasisStart:
		a.onStasisStart(ctx, evt)
	case ari.EventStasisEnd:
		a.onStasisEnd(evt)
	case ari.EventPlaybackFinished, ari.EventPlaybackFailed:
		if c, ok := a.registry.Lookup(evt.ChannelID); ok {
			c.HandlePlaybackEvent(evt.PlaybackID, evt.Type == ari.EventPlaybackFailed)
		}
	case ari.EventChannelDtmfReceived:
		if c, ok := a.registry.Lookup(evt.ChannelID); ok {
			c.HandleDTMF(evt.Digit)
		}
	}
}

// onStasisStart admits a new caller. Channels the bridge created itself
// (snoop taps, external media legs) also enter the application and must not
// spawn calls of their own.
func (a *App) onStasisStart(ctx context.Context, evt ari.Event) {
	if a.ownedByAnyCall(evt.ChannelID) {
		slog.Debug("ignoring stasis start for helper channel", "channel", evt.ChannelID)
		return
	}
	if _, ok := a.registry.Lookup(evt.ChannelID); ok {
		slog.Warn("duplicate stasis start", "channel", evt.ChannelID)
		return
	}

	slog.Info("incoming call", "channel", evt.ChannelID, "args", evt.Args)
	c := call.New(evt.ChannelID, call.Config{
		AgentURL:          a.cfg.Agent.URL,
		AgentInRate:       a.cfg.Agent.InputSampleRate,
		AgentOutRate:      a.cfg.Agent.OutputSampleRate,
		HeartbeatInterval: a.cfg.Heartbeat.Interval,
		HeartbeatTimeout:  a.cfg.Heartbeat.Timeout,
		RTPHost:           a.cfg.RTP.Host,
		RTPPortMin:        a.cfg.RTP.PortMin,
		RTPPortMax:        a.cfg.RTP.PortMax,
		Output:            call.OutputMode(a.cfg.Agent.OutputMode),
	}, a.control, a.metrics)

	a.registry.Register(c)
	a.metrics.ActiveCalls.Add(ctx, 1)

	// Calls can close themselves, e.g. on a media setup failure; they must
	// not linger in the registry until the caller notices the silence.
	c.OnTerminated(func(string) { a.evict(c) })

	go func() {
		if err := c.Start(ctx); err != nil {
			slog.Error("call start failed", "channel", evt.ChannelID, "err", err)
			a.endCall(c, "start_failed")
		}
	}()
}

// onStasisEnd tears down the call whose channel left the application.
func (a *App) onStasisEnd(evt ari.Event) {
	c, ok := a.registry.Lookup(evt.ChannelID)
	if !ok {
		// Helper channels leave the application during teardown; nothing
		// to do for those.
		return
	}
	slog.Info("caller left", "channel", evt.ChannelID)
	c.CallerLeft()
	a.endCall(c, "caller_hangup")
}

// endCall terminates c and removes it from the registry.
func (a *App) endCall(c *call.Call, reason string) {
	c.Terminate(reason)
	a.evict(c)
}

// evict removes c from the registry exactly once, keeping the active-call
// gauge in step.
func (a *App) evict(c *call.Call) {
	if a.registry.Remove(c.ChannelID()) {
		a.metrics.ActiveCalls.Add(context.Background(), -1)
	}
}

// ownedByAnyCall reports whether id belongs to a registered call or one of
// its helper channels.
func (a *App) ownedByAnyCall(id string) bool {
	owned := false
	a.registry.Each(func(c *call.Call) {
		if c.OwnsChannel(id) {
			owned = true
		}
	})
	return owned
}

// Shutdown drains all active calls and stops the HTTP server. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		var active []*call.Call
		a.registry.Each(func(c *call.Call) { active = append(active, c) })
		slog.Info("shutting down", "active_calls", len(active))

		for _, c := range active {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded, abandoning remaining calls")
				return
			default:
			}
			a.endCall(c, "shutdown")
		}

		if a.httpSrv != nil {
			a.httpSrv.Shutdown(ctx)
		}
		slog.Info("shutdown complete")
	})
}
