package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rplacetk/canvasd"
)

func kinds(msgs []Message) []Kind {
	out := make([]Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind()
	}
	return out
}

func equalKinds(a, b []Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func placementFrame(op byte, index uint32, color byte) []byte {
	out := make([]byte, 6)
	out[0] = op
	binary.BigEndian.PutUint32(out[1:5], index)
	out[5] = color
	return out
}

// TestDecode tests the decoded variants for various client frames
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame []byte
		want  []Kind
	}{
		{
			name:  "empty frame",
			frame: []byte{},
			want:  []Kind{},
		},
		{
			name:  "ping",
			frame: []byte{canvasd.OpPing},
			want:  []Kind{KindPing},
		},
		{
			name:  "short chat",
			frame: []byte{canvasd.OpChat, 'h', 'i'},
			want:  []Kind{KindChat},
		},
		{
			name:  "chat with opcode only is malformed",
			frame: []byte{canvasd.OpChat},
			want:  []Kind{},
		},
		{
			name:  "unknown opcode short",
			frame: []byte{99, 1, 2},
			want:  []Kind{},
		},
		{
			name:  "placement with zero lead byte",
			frame: placementFrame(0, 6, 5),
			want:  []Kind{KindPlacement},
		},
		{
			name:  "unknown opcode long enough for placement",
			frame: placementFrame(99, 6, 5),
			want:  []Kind{KindPlacement},
		},
		{
			name:  "five bytes is not a placement",
			frame: []byte{0, 0, 0, 0, 6},
			want:  []Kind{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := kinds(Decode(tt.frame))
			if !equalKinds(got, tt.want) {
				t.Errorf("Decode() kinds = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestDecodeChatFallsThroughToPlacement documents the legacy framing: a
// placement has no opcode, so a chat (or ping) frame of six bytes or more is
// also parsed as a placement after the opcode arm runs. This is surprising
// and intentionally preserved.
func TestDecodeChatFallsThroughToPlacement(t *testing.T) {
	t.Parallel()

	frame := []byte{canvasd.OpChat, 'h', 'i', '\n', 'a', '\n', 'g'}
	msgs := Decode(frame)

	want := []Kind{KindChat, KindPlacement}
	if got := kinds(msgs); !equalKinds(got, want) {
		t.Fatalf("Decode() kinds = %v, want %v", got, want)
	}

	chat := msgs[0].(Chat)
	if !bytes.Equal(chat.Frame, frame) {
		t.Errorf("chat frame = %v, want %v", chat.Frame, frame)
	}

	p := msgs[1].(Placement)
	if wantIdx := binary.BigEndian.Uint32(frame[1:5]); p.Index != wantIdx {
		t.Errorf("placement index = %d, want %d", p.Index, wantIdx)
	}
	if p.Color != '\n' {
		t.Errorf("placement color = %d, want %d", p.Color, '\n')
	}

	ping := placementFrame(canvasd.OpPing, 3, 1)
	if got := kinds(Decode(ping)); !equalKinds(got, []Kind{KindPing, KindPlacement}) {
		t.Errorf("long ping kinds = %v, want [ping placement]", got)
	}
}

// TestDecodePlacementBigEndian verifies the index byte order
func TestDecodePlacementBigEndian(t *testing.T) {
	t.Parallel()

	tests := []struct {
		frame     []byte
		wantIndex uint32
		wantColor byte
	}{
		{[]byte{0, 0x00, 0x00, 0x03, 0xE8, 99}, 1000, 99},
		{[]byte{0, 0x01, 0x02, 0x03, 0x04, 1}, 0x01020304, 1},
		{[]byte{0, 0xFF, 0xFF, 0xFF, 0xFF, 0, 7, 7}, 0xFFFFFFFF, 0},
	}

	for _, tt := range tests {
		msgs := Decode(tt.frame)
		if len(msgs) != 1 {
			t.Fatalf("Decode(%v) returned %d messages, want 1", tt.frame, len(msgs))
		}
		p := msgs[0].(Placement)
		if p.Index != tt.wantIndex || p.Color != tt.wantColor {
			t.Errorf("Decode(%v) = (%d, %d), want (%d, %d)", tt.frame, p.Index, p.Color, tt.wantIndex, tt.wantColor)
		}
	}
}

// TestEncodeCooldownInfo tests the admission frame layout
func TestEncodeCooldownInfo(t *testing.T) {
	t.Parallel()

	got := EncodeCooldownInfo(1500 * time.Millisecond)
	want := []byte{canvasd.OpCooldownInfo, 0, 0, 0, 1, 0, 0, 0x05, 0xDC}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeCooldownInfo() = %v, want %v", got, want)
	}

	msg, err := DecodeServer(got)
	if err != nil {
		t.Fatalf("DecodeServer() failed: %v", err)
	}
	info := msg.(CooldownInfo)
	if info.Version != canvasd.ProtocolVersion || info.Cooldown != 1500*time.Millisecond {
		t.Errorf("decoded = %+v", info)
	}
}

// TestEncodeRejection tests the rejection frame layout and 32-bit truncation
func TestEncodeRejection(t *testing.T) {
	t.Parallel()

	until := time.UnixMilli(1_700_000_000_123)
	got := EncodeRejection(until, 6, 5)

	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	if got[0] != canvasd.OpRejected {
		t.Errorf("opcode = %d, want %d", got[0], canvasd.OpRejected)
	}
	if ms := binary.BigEndian.Uint32(got[1:5]); ms != uint32(until.UnixMilli()) {
		t.Errorf("until = %d, want %d", ms, uint32(until.UnixMilli()))
	}
	if idx := binary.BigEndian.Uint32(got[5:9]); idx != 6 {
		t.Errorf("index = %d, want 6", idx)
	}
	if got[9] != 5 {
		t.Errorf("color = %d, want 5", got[9])
	}
}

// TestEncodePalette tests palette packing
func TestEncodePalette(t *testing.T) {
	t.Parallel()

	colors := []uint32{0xFF0000FF, 0x00FF00FF, 0x0000FFFF}
	got := EncodePalette(colors)
	if len(got) != 1+4*len(colors) {
		t.Fatalf("len = %d, want %d", len(got), 1+4*len(colors))
	}
	if got[0] != canvasd.OpPalette {
		t.Errorf("opcode = %d, want %d", got[0], canvasd.OpPalette)
	}

	msg, err := DecodeServer(got)
	if err != nil {
		t.Fatalf("DecodeServer() failed: %v", err)
	}
	decoded := msg.(Palette).Colors
	for i := range colors {
		if decoded[i] != colors[i] {
			t.Errorf("color[%d] = %#x, want %#x", i, decoded[i], colors[i])
		}
	}
}

// TestPingAck tests the fixed keepalive reply
func TestPingAck(t *testing.T) {
	t.Parallel()

	if got := PingAck(); !bytes.Equal(got, []byte{16, 255}) {
		t.Errorf("PingAck() = %v, want [16 255]", got)
	}
}

// TestDecodeServerErrors tests rejection of truncated server frames
func TestDecodeServerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", []byte{}},
		{"short cooldown info", []byte{canvasd.OpCooldownInfo, 0, 0, 0, 1}},
		{"short rejection", []byte{canvasd.OpRejected, 0, 0, 0, 1, 0}},
		{"ragged palette", []byte{canvasd.OpPalette, 1, 2, 3}},
		{"unknown opcode", []byte{42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := DecodeServer(tt.frame); err == nil {
				t.Errorf("DecodeServer(%v) expected error", tt.frame)
			}
		})
	}
}

// TestParseChat tests splitting of chat payloads
func TestParseChat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    ChatMessage
	}{
		{
			name:    "all segments",
			payload: "hi\na\ng",
			want:    ChatMessage{Text: "hi", Name: "a", Channel: "g"},
		},
		{
			name:    "name stripped of non-word characters",
			payload: "hello there\nbob-the <builder>!\nen",
			want:    ChatMessage{Text: "hello there", Name: "bobthebuilder", Channel: "en"},
		},
		{
			name:    "mentions removed",
			payload: "@everyone look\n@bob\nen",
			want:    ChatMessage{Text: "everyone look", Name: "bob", Channel: "en"},
		},
		{
			name:    "text only",
			payload: "lonely",
			want:    ChatMessage{Text: "lonely"},
		},
		{
			name:    "extra segments ignored",
			payload: "a\nb\nc\nd",
			want:    ChatMessage{Text: "a", Name: "b", Channel: "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ParseChat([]byte(tt.payload)); got != tt.want {
				t.Errorf("ParseChat() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestEncodeChat tests that server chat frames parse back into their segments
func TestEncodeChat(t *testing.T) {
	t.Parallel()

	frame := EncodeChat("maintenance soon", "server", "en")
	if frame[0] != canvasd.OpChat {
		t.Fatalf("opcode = %d, want %d", frame[0], canvasd.OpChat)
	}
	got := ParseChat(frame[1:])
	want := ChatMessage{Text: "maintenance soon", Name: "server", Channel: "en"}
	if got != want {
		t.Errorf("ParseChat(EncodeChat()) = %+v, want %+v", got, want)
	}
}

// BenchmarkDecodePlacement benchmarks the hot path
func BenchmarkDecodePlacement(b *testing.B) {
	frame := placementFrame(0, 1234, 5)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Decode(frame)
	}
}
