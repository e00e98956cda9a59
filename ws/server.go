// Package ws assembles a running canvas server from configuration.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/rplacetk/canvasd"
	"github.com/rplacetk/canvasd/internal/admin"
	"github.com/rplacetk/canvasd/internal/bans"
	"github.com/rplacetk/canvasd/internal/config"
	"github.com/rplacetk/canvasd/internal/dispatch"
	"github.com/rplacetk/canvasd/internal/notify"
	"github.com/rplacetk/canvasd/internal/snapshot"
	"github.com/rplacetk/canvasd/internal/websocket"
)

// eventBuffer is how many events the engine's own subscriber may lag.
const eventBuffer = 256

var _ canvasd.Server = (*Engine)(nil)

// Engine is the canvas server: transport, dispatcher, persistence and the
// webhook relay, with one lifecycle.
type Engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	bans       *bans.Registry
	dispatcher *dispatch.Dispatcher
	transport  *websocket.Server
	writer     *snapshot.Writer
	webhook    *notify.Webhook

	faults chan error

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New loads the board and bans and builds the engine. Nothing listens
// until Start.
//
// Example:
//
//	engine, err := ws.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	defer engine.Stop(context.Background())
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	board, err := snapshot.Load(snapshot.LoadConfig{
		Path:      cfg.Canvas.BoardPath,
		Width:     cfg.Canvas.Width,
		Height:    cfg.Canvas.Height,
		Palette:   cfg.Canvas.Palette,
		BackupDir: cfg.Snapshot.BackupDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("load canvas: %w", err)
	}

	reg, err := openBans(cfg.Bans.DBPath)
	if err != nil {
		return nil, err
	}
	for _, identity := range cfg.Canvas.Bans {
		if _, err := reg.Add(identity); err != nil {
			reg.Close()
			return nil, fmt.Errorf("seed ban %q: %w", identity, err)
		}
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		bans:   reg,
		faults: make(chan error, 1),
	}

	e.dispatcher = dispatch.New(board, reg, dispatch.Config{
		Cooldown:    cfg.Canvas.Cooldown,
		Origin:      cfg.Server.Origin,
		CheckOrigin: cfg.Server.CheckOrigin,
	}, dispatch.WithLogger(logger))

	e.writer = snapshot.NewWriter(snapshot.Config{
		Path:           cfg.Canvas.BoardPath,
		Interval:       cfg.Snapshot.Interval,
		BackupDir:      cfg.Snapshot.BackupDir,
		BackupInterval: cfg.Snapshot.BackupInterval,
	}, e.dispatcher, logger)

	if cfg.Webhook.URL != "" {
		e.webhook, err = notify.New(notify.Config{
			URL:       cfg.Webhook.URL,
			Suffix:    cfg.Webhook.Suffix,
			Timeout:   cfg.Webhook.Timeout,
			QueueSize: cfg.Webhook.QueueSize,
			PerSecond: rate.Limit(cfg.Webhook.PerSecond),
			Burst:     cfg.Webhook.Burst,
		}, logger)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("webhook: %w", err)
		}
	}

	rl := websocket.NoRateLimit()
	if cfg.Server.RateLimit.Enabled {
		rl = &websocket.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.Server.RateLimit.MessagesPerSecond),
			Burst:             cfg.Server.RateLimit.Burst,
			Enabled:           true,
		}
	}

	e.transport = websocket.New(&websocket.ServerConfig{
		Addr:            cfg.Server.Addr,
		RateLimitConfig: rl,
		Timeouts: websocket.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
		},
		MaxFrameSize:      cfg.Server.MaxFrameSize,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
		Handler:           e.dispatcher,
		OnFault:           e.fault,
		Routes:            e.routes,
		Logger:            logger,
	})

	return e, nil
}

func openBans(path string) (*bans.Registry, error) {
	if path == "" {
		return bans.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ban database directory: %w", err)
	}
	return bans.Open(path)
}

func (e *Engine) routes(r chi.Router) {
	r.Get("/health", e.health)
	r.Get("/place", e.place)
	if e.cfg.Admin.Token != "" {
		admin.Mount(r, e, e.cfg.Admin.Token, e.logger)
	}
}

// Start binds the listener and starts the snapshot writer, the event
// relay and, when configured, the webhook.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New(canvasd.ErrServerAlreadyRunning)
	}

	if err := e.transport.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	events, unsubscribe := e.dispatcher.Subscribe(eventBuffer)
	e.cancel = cancel
	e.unsubscribe = unsubscribe
	e.running = true

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.writer.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.relay(events)
	}()
	if e.webhook != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.webhook.Run(runCtx)
		}()
	}

	w, h := e.dispatcher.Dimensions()
	e.logger.Info("canvas server started", "addr", e.transport.Addr(), "width", w, "height", h, "cooldown", e.dispatcher.Cooldown())
	return nil
}

// relay forwards events to the webhook and the debug log until the
// subscription is cancelled.
func (e *Engine) relay(events <-chan dispatch.Event) {
	for ev := range events {
		switch ev.Type {
		case dispatch.EventChat:
			if e.webhook != nil {
				e.webhook.Notify(ev.Chat)
			}
		case dispatch.EventAdmissionDenied:
			e.logger.Info("connection refused", "identity", ev.Identity)
		}
		e.logger.Debug("event", "type", ev.Type.String(), "client_id", ev.ClientID, "index", ev.Index, "color", ev.Color)
	}
}

// Stop closes the listener and every client, writes the final snapshot and
// closes the ban database. The engine cannot be restarted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	e.running = false
	e.mu.Unlock()

	var errs []error
	if running {
		if err := e.transport.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop transport: %w", err))
		}
		e.unsubscribe()
		e.cancel()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
		}
		e.logger.Info("canvas server stopped")
	}

	e.closeOnce.Do(func() {
		if err := e.bans.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ban database: %w", err))
		}
	})
	return errors.Join(errs...)
}

// Faults delivers the first unrecovered handler fault. The caller should
// Stop the engine when it fires.
func (e *Engine) Faults() <-chan error {
	return e.faults
}

func (e *Engine) fault(err error) {
	select {
	case e.faults <- err:
	default:
	}
}

// Reload applies the settings that can change while running: the cooldown
// and additional bans.
func (e *Engine) Reload(cfg *config.Config) {
	if cfg.Canvas.Cooldown != e.dispatcher.Cooldown() {
		e.dispatcher.SetCooldown(cfg.Canvas.Cooldown)
		e.logger.Info("cooldown changed", "cooldown", cfg.Canvas.Cooldown)
	}
	for _, identity := range cfg.Canvas.Bans {
		if err := e.dispatcher.Ban(identity); err != nil {
			e.logger.Warn("could not apply ban from configuration", "identity", identity, "error", err)
		}
	}
}

// Addr returns the bound listener address.
func (e *Engine) Addr() string {
	return e.transport.Addr()
}

func (e *Engine) Ban(identity string) error           { return e.dispatcher.Ban(identity) }
func (e *Engine) Unban(identity string) (bool, error) { return e.dispatcher.Unban(identity) }
func (e *Engine) Bans() []string                      { return e.dispatcher.Bans() }
func (e *Engine) Resize(dw, dh int) error             { return e.dispatcher.Resize(dw, dh) }
func (e *Engine) Players() int                        { return e.dispatcher.Players() }

func (e *Engine) BroadcastChat(ctx context.Context, message, channel, target string) error {
	return e.dispatcher.BroadcastChat(ctx, message, channel, target)
}

func (e *Engine) Fill(x0, y0, x1, y1 int, color byte) (int, error) {
	return e.dispatcher.Fill(x0, y0, x1, y1, color)
}

// Snapshot writes the board file now and returns its path.
func (e *Engine) Snapshot() (string, error) {
	if err := e.writer.Save(); err != nil {
		return "", err
	}
	return e.cfg.Canvas.BoardPath, nil
}

type healthResponse struct {
	Players       int   `json:"players"`
	Connections   int   `json:"connections"`
	Goroutines    int   `json:"goroutines"`
	Width         int   `json:"width"`
	Height        int   `json:"height"`
	DroppedEvents int64 `json:"dropped_events"`
}

func (e *Engine) health(w http.ResponseWriter, _ *http.Request) {
	width, height := e.dispatcher.Dimensions()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Players:       e.dispatcher.Players(),
		Connections:   e.transport.ClientCount(),
		Goroutines:    runtime.NumGoroutine(),
		Width:         width,
		Height:        height,
		DroppedEvents: e.dispatcher.DroppedEvents(),
	})
}

// place serves the raw board, the same bytes a snapshot file holds.
func (e *Engine) place(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(e.dispatcher.Board())
}
