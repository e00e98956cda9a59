package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rplacetk/canvasd"
	"github.com/rplacetk/canvasd/internal/session"
)

// DefaultMaxFrameSize bounds inbound frames. Larger frames close the
// connection.
const DefaultMaxFrameSize = 4096

// Handler receives connection lifecycle and frames. The dispatcher
// implements it.
type Handler interface {
	// Connect admits or refuses a new client. A non-nil error closes the
	// connection with a policy violation.
	Connect(ctx context.Context, client canvasd.Client, identity, origin string) error
	// HandleFrame is called from the client's read loop, one frame at a time.
	HandleFrame(ctx context.Context, client canvasd.Client, frame []byte)
	Disconnect(client canvasd.Client)
}

// OnFaultFn is called when handling a frame panics. The server keeps
// running; the callback decides whether to shut it down.
type OnFaultFn = func(err error)

// Timeouts controls connection liveness.
type Timeouts struct {
	// Read is how long a connection may stay silent, pongs included.
	Read time.Duration
	// Write bounds each frame write and the flush on close.
	Write time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Read <= 0 {
		t.Read = 60 * time.Second
	}
	if t.Write <= 0 {
		t.Write = 10 * time.Second
	}
	return t
}

func (t Timeouts) pingPeriod() time.Duration {
	return t.Read * 9 / 10
}

type ServerConfig struct {
	Addr            string
	RateLimitConfig *RateLimitConfig
	Timeouts        Timeouts
	// MaxFrameSize defaults to DefaultMaxFrameSize.
	MaxFrameSize int64
	// TrustForwardedFor takes the identity from X-Forwarded-For.
	TrustForwardedFor bool
	Handler           Handler
	OnFault           OnFaultFn
	// Routes registers extra HTTP routes next to /ws.
	Routes func(r chi.Router)
	Logger *slog.Logger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 frames per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server accepts websocket connections and feeds their frames to a Handler.
type Server struct {
	cfg      ServerConfig
	server   *http.Server
	listener net.Listener
	clients  sync.Map // map[string]*Client
	wg       sync.WaitGroup

	mu       sync.RWMutex
	running  bool
	stopping bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a server. Origin checking is left to the Handler so refused
// origins still complete the handshake and receive a policy close.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    *cfg,
		logger: logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP routes served by Start.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	if s.cfg.Routes != nil {
		s.cfg.Routes(r)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New(canvasd.ErrServerAlreadyRunning)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections, closes every client and waits for
// their read loops, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopping = true
	s.mu.Unlock()

	// Hijacked websocket connections are not tracked by Shutdown.
	err := s.server.Shutdown(ctx)

	var closing sync.WaitGroup
	s.clients.Range(func(_, value any) bool {
		if client, ok := value.(*Client); ok {
			closing.Add(1)
			go func() {
				defer closing.Done()
				client.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
			}()
		}
		return true
	})
	closing.Wait()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// ClientCount returns the number of open connections, admitted or not.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameSize)

	client := NewClient(conn, r.RemoteAddr, s.cfg.RateLimitConfig, s.cfg.Timeouts, s.logger)
	identity := session.Identity(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), s.cfg.TrustForwardedFor)

	if err := s.cfg.Handler.Connect(client.Context(), client, identity, r.Header.Get("Origin")); err != nil {
		client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "")
		return
	}

	// Stop may already have walked s.clients; a client registered after
	// that would never be closed or waited for.
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.cfg.Handler.Disconnect(client)
		client.CloseWithCode(context.Background(), websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.clients.Store(client.ID(), client)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.handleClient(client)
}

// handleClient reads frames from a connected client until it goes away.
func (s *Server) handleClient(client *Client) {
	defer func() {
		s.cfg.Handler.Disconnect(client)
		s.clients.Delete(client.ID())
		client.Close(context.Background())
		s.wg.Done()
	}()

	conn := client.conn
	conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Read))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Read))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				client.logger.Debug("unexpected close", "error", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Read))

		if !client.CheckRateLimit() {
			client.logger.Warn("rate limit exceeded")
			client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		if err := s.dispatch(client, data); err != nil {
			client.logger.Error("frame handler fault", "error", err)
			if s.cfg.OnFault != nil {
				s.cfg.OnFault(err)
			}
			return
		}
	}
}

// dispatch runs the handler for one frame and turns a panic into an error.
func (s *Server) dispatch(client *Client, frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling frame: %v", r)
		}
	}()
	s.cfg.Handler.HandleFrame(client.Context(), client, frame)
	return nil
}
