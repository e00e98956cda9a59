// Package canvasd is the real-time core of a collaborative pixel canvas.
//
// Players connect over a websocket and exchange small binary frames. The
// first byte of a frame is its opcode:
//
//	0   server → client  custom palette, N big-endian RGBA words
//	1   server → client  cooldown info: version marker, cooldown in ms
//	7   server → client  placement rejected: until (ms), index, current color
//	15  both directions  chat: "text\nname\nchannel"
//	16  client → server  ping, answered with [16, 255]
//
// Pixel placements carry no opcode: any inbound frame of six bytes or more
// is read as a placement, with the cell index in bytes 1-4 (big-endian) and
// the color in byte 5. Each connection may place one pixel per cooldown.
//
// # Packages
//
// The root package holds the Server and Client contracts and the wire
// constants. The ws package builds a running Server from configuration:
//
//	import "github.com/rplacetk/canvasd/ws"
//
//	engine, err := ws.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	defer engine.Stop(context.Background())
//
// Everything else lives under internal/: the canvas store, the frame codec,
// sessions, bans, the dispatcher that owns all mutable state, the gorilla
// websocket transport, snapshots and the chat webhook. The canvasd command
// in cmd/canvasd wires configuration, logging and signals around ws.
//
// # Concurrency
//
// The dispatcher serializes every placement behind one mutex, so the
// cooldown check and the board write are a single step. Each client has
// its own write pump; sends never block on a slow peer, they fail.
package canvasd
