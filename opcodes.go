package canvasd

// Frame opcodes. Byte 0 of every frame.
const (
	// OpPalette is sent server to client when a custom palette is configured.
	OpPalette byte = 0
	// OpCooldownInfo is the first frame a client receives after admission.
	OpCooldownInfo byte = 1
	// OpRejected answers a placement made before the session's cooldown expired.
	OpRejected byte = 7
	// OpChat carries "text\nname\nchannel" in either direction.
	OpChat byte = 15
	// OpPing is a client keepalive; the server answers with PingAck.
	OpPing byte = 16
)

// Pixel placements have no opcode. Any frame at least this long is also
// treated as a placement.
const PlacementFrameLen = 6

// ProtocolVersion is the marker written into the cooldown info frame.
const ProtocolVersion uint32 = 1

// Standard error messages
const (
	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrServerAlreadyRunning = "server already running"
	ErrAdmissionDenied      = "admission denied"
)
