// Package dispatch is the single authority over the canvas, the live
// sessions and the ban registry. Transports hand it decoded frames; it
// decides what to mutate, what to broadcast and what to reject.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rplacetk/canvasd"
	"github.com/rplacetk/canvasd/internal/bans"
	"github.com/rplacetk/canvasd/internal/canvas"
	"github.com/rplacetk/canvasd/internal/protocol"
	"github.com/rplacetk/canvasd/internal/session"
)

const (
	// ChatInterval is the minimum time between accepted chats per session.
	ChatInterval = 2500 * time.Millisecond
	// MaxChatPayload is the largest accepted chat payload, opcode excluded.
	MaxChatPayload = 400
	// CooldownDiscount is taken off every placement cooldown so clients can
	// refresh slightly early.
	CooldownDiscount = 500 * time.Millisecond
	// ServerChatName is the sender name on administrative chat messages.
	ServerChatName = "server"
	// DefaultFillColor is used by operator tooling that omits a color.
	DefaultFillColor byte = 27
)

var (
	ErrAdmissionDenied = errors.New(canvasd.ErrAdmissionDenied)
	ErrSessionNotFound = errors.New(canvasd.ErrClientNotFound)
)

// Config holds the admission and cooldown settings.
type Config struct {
	Cooldown time.Duration
	// Origin is compared with the request Origin header when CheckOrigin is set.
	Origin      string
	CheckOrigin bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher is safe for concurrent use by every connection.
type Dispatcher struct {
	// mu guards canvas and the check-then-write sequence of placements.
	mu     sync.Mutex
	canvas *canvas.Canvas

	cooldown    atomic.Int64
	origin      string
	checkOrigin bool

	sessions *session.Registry
	bans     *bans.Registry
	events   *bus

	now    func() time.Time
	logger *slog.Logger
}

// New builds a dispatcher that owns c and consults b at admission.
func New(c *canvas.Canvas, b *bans.Registry, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		canvas:      c,
		origin:      cfg.Origin,
		checkOrigin: cfg.CheckOrigin,
		sessions:    session.NewRegistry(),
		bans:        b,
		events:      newBus(),
		now:         time.Now,
		logger:      slog.Default(),
	}
	d.cooldown.Store(int64(cfg.Cooldown))
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Events are dropped for subscribers that fall behind.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	return d.events.subscribe(buffer)
}

// DroppedEvents returns how many events slow subscribers missed.
func (d *Dispatcher) DroppedEvents() int64 {
	return d.events.dropped.Load()
}

// Connect admits or refuses a new connection. On refusal the identity is
// banned and ErrAdmissionDenied is returned; the caller must close the
// connection without sending anything. On admission the client receives
// the cooldown frame and, with a custom palette, the palette frame.
func (d *Dispatcher) Connect(ctx context.Context, client canvasd.Client, identity, origin string) error {
	now := d.now()

	if reason := d.refuse(identity, origin); reason != "" {
		if _, err := d.bans.Add(identity); err != nil {
			d.logger.Warn("could not record ban", "identity", identity, "error", err)
		}
		d.logger.Info("admission denied", "identity", identity, "reason", reason)
		d.events.publish(Event{Type: EventAdmissionDenied, Time: now, ClientID: client.ID(), Identity: identity})
		return fmt.Errorf("%w: %s", ErrAdmissionDenied, reason)
	}

	s := session.New(client, identity, now)
	d.sessions.Add(s)

	if err := client.Send(ctx, protocol.EncodeCooldownInfo(d.Cooldown())); err != nil {
		d.logger.Debug("send cooldown info failed", "client_id", client.ID(), "error", err)
	}

	d.mu.Lock()
	var palette []uint32
	if d.canvas.HasCustomPalette() {
		palette = d.canvas.Palette()
	}
	d.mu.Unlock()
	if palette != nil {
		if err := client.Send(ctx, protocol.EncodePalette(palette)); err != nil {
			d.logger.Debug("send palette failed", "client_id", client.ID(), "error", err)
		}
	}

	d.logger.Debug("session admitted", "client_id", client.ID(), "identity", identity, "players", d.sessions.Len())
	d.events.publish(Event{Type: EventConnected, Time: now, ClientID: client.ID(), Identity: identity})
	return nil
}

func (d *Dispatcher) refuse(identity, origin string) string {
	switch {
	case d.checkOrigin && origin != d.origin:
		return "origin mismatch"
	case d.bans.Contains(identity):
		return "banned"
	case strings.HasPrefix(identity, session.BlockedMarker):
		return "blocked identity"
	}
	return ""
}

// Disconnect removes the client's session. Unknown clients are ignored.
func (d *Dispatcher) Disconnect(client canvasd.Client) {
	s, ok := d.sessions.Remove(client.ID())
	if !ok {
		return
	}
	d.logger.Debug("session removed", "client_id", client.ID(), "players", d.sessions.Len())
	d.events.publish(Event{Type: EventDisconnected, Time: d.now(), ClientID: client.ID(), Identity: s.Identity()})
}

// HandleFrame processes one frame from an admitted client. Malformed,
// unknown and out-of-range input is dropped without a reply.
func (d *Dispatcher) HandleFrame(ctx context.Context, client canvasd.Client, frame []byte) {
	s, ok := d.sessions.Get(client.ID())
	if !ok {
		return
	}

	for _, msg := range protocol.Decode(frame) {
		switch m := msg.(type) {
		case protocol.Chat:
			d.handleChat(ctx, s, m)
		case protocol.Ping:
			if err := client.Send(ctx, protocol.PingAck()); err != nil {
				d.logger.Debug("send ping ack failed", "client_id", client.ID(), "error", err)
			}
		case protocol.Placement:
			d.handlePlacement(ctx, s, m)
		}
	}
}

func (d *Dispatcher) handleChat(ctx context.Context, s *session.Session, m protocol.Chat) {
	if len(m.Payload()) > MaxChatPayload {
		d.logger.Debug("chat dropped: too long", "client_id", s.ID(), "len", len(m.Payload()))
		return
	}
	now := d.now()
	if !s.AllowChat(now, ChatInterval) {
		d.logger.Debug("chat dropped: too frequent", "client_id", s.ID())
		return
	}

	d.Broadcast(ctx, m.Frame)
	d.events.publish(Event{
		Type:     EventChat,
		Time:     now,
		ClientID: s.ID(),
		Identity: s.Identity(),
		Chat:     protocol.ParseChat(m.Payload()),
	})
}

func (d *Dispatcher) handlePlacement(ctx context.Context, s *session.Session, p protocol.Placement) {
	d.mu.Lock()
	if int64(p.Index) >= int64(d.canvas.Len()) || int(p.Color) >= d.canvas.PaletteSize() {
		d.mu.Unlock()
		d.logger.Debug("placement dropped: out of range", "client_id", s.ID(), "index", p.Index, "color", p.Color)
		return
	}

	now := d.now()
	if until := s.CooldownUntil(); now.Before(until) {
		current, _ := d.canvas.Get(int(p.Index))
		d.mu.Unlock()

		if err := s.Client().Send(ctx, protocol.EncodeRejection(until, p.Index, current)); err != nil {
			d.logger.Debug("send rejection failed", "client_id", s.ID(), "error", err)
		}
		d.events.publish(Event{Type: EventRejected, Time: now, ClientID: s.ID(), Identity: s.Identity(), Index: p.Index, Color: current})
		return
	}

	if err := d.canvas.Set(int(p.Index), p.Color); err != nil {
		d.mu.Unlock()
		d.logger.Error("placement failed after validation", "index", p.Index, "color", p.Color, "error", err)
		return
	}
	s.AdvanceCooldown(now.Add(d.Cooldown() - CooldownDiscount))
	d.mu.Unlock()

	d.events.publish(Event{Type: EventPixel, Time: now, ClientID: s.ID(), Identity: s.Identity(), Index: p.Index, Color: p.Color})
}

// Broadcast sends frame to every live session. A failed send is logged and
// skipped. It returns how many sessions accepted the frame.
func (d *Dispatcher) Broadcast(ctx context.Context, frame []byte) int {
	sent := 0
	for _, s := range d.sessions.Snapshot() {
		if err := s.Client().Send(ctx, frame); err != nil {
			d.logger.Debug("broadcast send failed", "client_id", s.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Ban adds identity to the ban registry. Live sessions are unaffected.
func (d *Dispatcher) Ban(identity string) error {
	added, err := d.bans.Add(identity)
	if err != nil {
		return err
	}
	if added {
		d.logger.Info("identity banned", "identity", identity)
	}
	return nil
}

// Unban lifts a ban and reports whether one existed.
func (d *Dispatcher) Unban(identity string) (bool, error) {
	removed, err := d.bans.Remove(identity)
	if removed {
		d.logger.Info("identity unbanned", "identity", identity)
	}
	return removed, err
}

// Bans lists the banned identities.
func (d *Dispatcher) Bans() []string {
	return d.bans.List()
}

// Resize changes the canvas dimensions.
func (d *Dispatcher) Resize(widthDelta, heightDelta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.canvas.Resize(widthDelta, heightDelta); err != nil {
		return err
	}
	d.logger.Info("canvas resized", "width", d.canvas.Width(), "height", d.canvas.Height())
	return nil
}

// Fill runs the diagonal fill on the canvas.
func (d *Dispatcher) Fill(x0, y0, x1, y1 int, color byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canvas.FillDiagonal(x0, y0, x1, y1, color)
}

// BroadcastChat sends a chat frame from the server on channel, to one
// session when target is a client ID, otherwise to all.
func (d *Dispatcher) BroadcastChat(ctx context.Context, message, channel, target string) error {
	frame := protocol.EncodeChat(message, ServerChatName, channel)
	if target == "" {
		d.Broadcast(ctx, frame)
		return nil
	}

	s, ok := d.sessions.Get(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, target)
	}
	return s.Client().Send(ctx, frame)
}

// SetCooldown changes the base cooldown for future placements and new
// connections. Existing session timers are left alone.
func (d *Dispatcher) SetCooldown(cooldown time.Duration) {
	d.cooldown.Store(int64(cooldown))
}

func (d *Dispatcher) Cooldown() time.Duration {
	return time.Duration(d.cooldown.Load())
}

// Board returns a copy of the board.
func (d *Dispatcher) Board() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canvas.Serialize()
}

// State returns a copy of the board together with the dimensions it was
// taken at. It satisfies snapshot.Source.
func (d *Dispatcher) State() ([]byte, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canvas.Serialize(), d.canvas.Width(), d.canvas.Height()
}

// Dimensions returns the current canvas width and height.
func (d *Dispatcher) Dimensions() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canvas.Width(), d.canvas.Height()
}

// Players returns the number of admitted sessions.
func (d *Dispatcher) Players() int {
	return d.sessions.Len()
}
