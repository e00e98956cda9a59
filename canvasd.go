package canvasd

import "context"

// Server is a running canvas engine: the websocket endpoint plus the
// administrative operations the account layer and operator tooling call.
//
// Example usage:
//
//	import "github.com/rplacetk/canvasd/ws"
//
//	server, err := ws.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	if err := server.Start(ctx); err != nil {
//	    return err
//	}
//	defer server.Stop(context.Background())
type Server interface {
	// Start binds the listener and begins accepting connections. It returns
	// once the listener is up; serving continues in the background until
	// Stop is called or ctx is cancelled.
	//
	// Returns an error if the server is already running or the address
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop stops accepting connections, closes every client and writes a
	// final canvas snapshot. In-flight sends get until ctx expires.
	Stop(ctx context.Context) error

	// Ban adds identity to the ban registry. It only affects future
	// connections; live sessions are not dropped.
	Ban(identity string) error

	// Unban lifts a ban. It reports whether the identity was banned.
	Unban(identity string) (bool, error)

	// Resize grows or shrinks the canvas. Existing pixels keep their (x, y)
	// position; new cells take palette index 0.
	Resize(widthDelta, heightDelta int) error

	// BroadcastChat sends a server chat message on channel. With an empty
	// target it goes to every session; otherwise only to the session with
	// that client ID.
	BroadcastChat(ctx context.Context, message, channel, target string) error

	// Fill writes color along the diagonal from (x0, y0) until x1 or y1 is
	// reached. It is not an area fill.
	Fill(x0, y0, x1, y1 int, color byte) (int, error)

	// Players returns the number of admitted sessions.
	Players() int
}

// Client represents a connected websocket client.
//
// Each client has a unique identifier and maintains its own connection state.
// The client's context is automatically cancelled when the connection closes.
type Client interface {
	// ID returns a unique identifier for the connected client.
	//
	// The ID is automatically generated when the client connects and remains
	// constant for the lifetime of the connection.
	ID() string

	// RemoteAddr returns the client's remote network address, "IP:port".
	RemoteAddr() string

	// Context returns the client's lifecycle context. It is cancelled when
	// the connection closes.
	Context() context.Context

	// Send queues a complete frame for delivery. It does not wait for the
	// network write.
	//
	// Returns an error if the connection is closed, its send buffer is full,
	// or ctx is cancelled.
	Send(ctx context.Context, frame []byte) error

	// Close closes the client connection gracefully.
	//
	// This is equivalent to calling CloseWithCode with websocket.CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific websocket close
	// code and optional reason.
	//
	// Common close codes:
	//   - 1000 (websocket.CloseNormalClosure): Normal closure
	//   - 1001 (websocket.CloseGoingAway): Endpoint going away
	//   - 1008 (websocket.ClosePolicyViolation): Banned or rate limited
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	IsAlive() bool
}
