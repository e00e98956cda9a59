// Package protocol encodes and decodes canvas frames.
//
// Frames have no length prefix; the transport frame boundary is the message
// boundary. Byte 0 is the opcode, except for pixel placements which are
// detected by length alone.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rplacetk/canvasd"
)

const (
	cooldownInfoLen = 9
	rejectionLen    = 10
	minChatLen      = 2
)

var (
	errEmptyFrame    = errors.New("empty frame")
	errFrameTooShort = errors.New("frame too short")
	errUnknownOp     = errors.New("unknown opcode")
)

// Kind identifies a decoded message variant.
type Kind int

const (
	KindPalette Kind = iota
	KindCooldownInfo
	KindRejection
	KindChat
	KindPing
	KindPlacement
)

func (k Kind) String() string {
	switch k {
	case KindPalette:
		return "palette"
	case KindCooldownInfo:
		return "cooldown_info"
	case KindRejection:
		return "rejection"
	case KindChat:
		return "chat"
	case KindPing:
		return "ping"
	case KindPlacement:
		return "placement"
	default:
		return "unknown"
	}
}

// Message is one of Palette, CooldownInfo, Rejection, Chat, Ping or Placement.
type Message interface {
	Kind() Kind
}

type Palette struct {
	Colors []uint32
}

type CooldownInfo struct {
	Version  uint32
	Cooldown time.Duration
}

type Rejection struct {
	// UntilMillis is the cooldown expiry in unix milliseconds, truncated to 32 bits.
	UntilMillis uint32
	Index       uint32
	Color       byte
}

// Chat holds the whole frame, opcode included, so it can be relayed verbatim.
type Chat struct {
	Frame []byte
}

type Ping struct{}

type Placement struct {
	Index uint32
	Color byte
}

func (Palette) Kind() Kind      { return KindPalette }
func (CooldownInfo) Kind() Kind { return KindCooldownInfo }
func (Rejection) Kind() Kind    { return KindRejection }
func (Chat) Kind() Kind         { return KindChat }
func (Ping) Kind() Kind         { return KindPing }
func (Placement) Kind() Kind    { return KindPlacement }

// Payload returns the chat text after the opcode.
func (c Chat) Payload() []byte {
	return c.Frame[1:]
}

// Decode interprets a client frame. The opcode arm runs first; then any frame
// of PlacementFrameLen bytes or more is also read as a placement, whatever
// its opcode. A long chat frame therefore yields both a Chat and a
// Placement. Malformed and unknown frames yield nothing.
//
// The returned messages reference frame; do not modify it.
func Decode(frame []byte) []Message {
	if len(frame) == 0 {
		return nil
	}

	var msgs []Message
	switch frame[0] {
	case canvasd.OpChat:
		if len(frame) >= minChatLen {
			msgs = append(msgs, Chat{Frame: frame})
		}
	case canvasd.OpPing:
		msgs = append(msgs, Ping{})
	}

	if len(frame) >= canvasd.PlacementFrameLen {
		msgs = append(msgs, Placement{
			Index: binary.BigEndian.Uint32(frame[1:5]),
			Color: frame[5],
		})
	}
	return msgs
}

// DecodeServer interprets a frame sent by the server. Clients and tests use
// it; the server itself never needs it.
func DecodeServer(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, errEmptyFrame
	}

	switch frame[0] {
	case canvasd.OpPalette:
		body := frame[1:]
		if len(body)%4 != 0 {
			return nil, fmt.Errorf("%w: palette body of %d bytes", errFrameTooShort, len(body))
		}
		colors := make([]uint32, len(body)/4)
		for i := range colors {
			colors[i] = binary.BigEndian.Uint32(body[i*4:])
		}
		return Palette{Colors: colors}, nil
	case canvasd.OpCooldownInfo:
		if len(frame) < cooldownInfoLen {
			return nil, fmt.Errorf("%w: cooldown info of %d bytes", errFrameTooShort, len(frame))
		}
		return CooldownInfo{
			Version:  binary.BigEndian.Uint32(frame[1:5]),
			Cooldown: time.Duration(binary.BigEndian.Uint32(frame[5:9])) * time.Millisecond,
		}, nil
	case canvasd.OpRejected:
		if len(frame) < rejectionLen {
			return nil, fmt.Errorf("%w: rejection of %d bytes", errFrameTooShort, len(frame))
		}
		return Rejection{
			UntilMillis: binary.BigEndian.Uint32(frame[1:5]),
			Index:       binary.BigEndian.Uint32(frame[5:9]),
			Color:       frame[9],
		}, nil
	case canvasd.OpChat:
		if len(frame) < minChatLen {
			return nil, fmt.Errorf("%w: chat of %d bytes", errFrameTooShort, len(frame))
		}
		return Chat{Frame: frame}, nil
	case canvasd.OpPing:
		return Ping{}, nil
	}
	return nil, fmt.Errorf("%w: %d", errUnknownOp, frame[0])
}

// EncodePalette packs colors as big-endian RGBA words after the opcode.
func EncodePalette(colors []uint32) []byte {
	out := make([]byte, 1+4*len(colors))
	out[0] = canvasd.OpPalette
	for i, c := range colors {
		binary.BigEndian.PutUint32(out[1+i*4:], c)
	}
	return out
}

// EncodeCooldownInfo builds the admission frame: version marker then the
// cooldown in milliseconds.
func EncodeCooldownInfo(cooldown time.Duration) []byte {
	out := make([]byte, cooldownInfoLen)
	out[0] = canvasd.OpCooldownInfo
	binary.BigEndian.PutUint32(out[1:5], canvasd.ProtocolVersion)
	binary.BigEndian.PutUint32(out[5:9], uint32(cooldown.Milliseconds()))
	return out
}

// EncodeRejection tells a client its placement at index was refused until
// the given time and what the cell currently holds.
func EncodeRejection(until time.Time, index uint32, current byte) []byte {
	out := make([]byte, rejectionLen)
	out[0] = canvasd.OpRejected
	binary.BigEndian.PutUint32(out[1:5], uint32(until.UnixMilli()))
	binary.BigEndian.PutUint32(out[5:9], index)
	out[9] = current
	return out
}

// EncodeChat builds a chat frame from its three segments.
func EncodeChat(text, name, channel string) []byte {
	body := text + "\n" + name + "\n" + channel
	out := make([]byte, 1+len(body))
	out[0] = canvasd.OpChat
	copy(out[1:], body)
	return out
}

// PingAck returns the fixed keepalive reply.
func PingAck() []byte {
	return []byte{canvasd.OpPing, 0xFF}
}

var nonWord = regexp.MustCompile(`\W+`)

// ChatMessage is a chat payload split into its segments.
type ChatMessage struct {
	Text    string
	Name    string
	Channel string
}

// ParseChat splits a chat payload (without opcode) on newlines. "@" is
// removed first and non-word characters are stripped from the name.
// Missing segments are left empty.
func ParseChat(payload []byte) ChatMessage {
	raw := strings.ReplaceAll(string(payload), "@", "")
	parts := strings.Split(raw, "\n")

	var msg ChatMessage
	msg.Text = parts[0]
	if len(parts) > 1 {
		msg.Name = nonWord.ReplaceAllString(parts[1], "")
	}
	if len(parts) > 2 {
		msg.Channel = parts[2]
	}
	return msg
}
