// Package canvas holds the pixel board and palette. It is pure state: no I/O
// and no locking. The dispatcher serializes every access.
package canvas

import (
	"errors"
	"fmt"
)

// DefaultPaletteSize is the number of colors assumed when no custom palette
// is configured.
const DefaultPaletteSize = 32

var (
	ErrOutOfRange        = errors.New("pixel index out of range")
	ErrInvalidColor      = errors.New("color index exceeds palette")
	ErrInvalidDimensions = errors.New("canvas dimensions must be positive")
	ErrSizeMismatch      = errors.New("board length does not match dimensions")
)

// Canvas is a row-major board of palette indices.
type Canvas struct {
	board   []byte
	width   int
	height  int
	palette []uint32
}

// New returns a zero-filled canvas. A nil palette selects the default
// 32-color palette.
func New(width, height int, palette []uint32) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	return &Canvas{
		board:   make([]byte, width*height),
		width:   width,
		height:  height,
		palette: clonePalette(palette),
	}, nil
}

// FromBytes wraps an existing board. The data is copied. Bytes that are not
// valid palette indices are rejected so the board invariant holds from load.
func FromBytes(width, height int, palette []uint32, data []byte) (*Canvas, error) {
	c, err := New(width, height, palette)
	if err != nil {
		return nil, err
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(data), width*height)
	}
	size := c.PaletteSize()
	for i, b := range data {
		if int(b) >= size {
			return nil, fmt.Errorf("%w: byte %d at index %d", ErrInvalidColor, b, i)
		}
	}
	copy(c.board, data)
	return c, nil
}

func clonePalette(p []uint32) []uint32 {
	if len(p) == 0 {
		return nil
	}
	out := make([]uint32, len(p))
	copy(out, p)
	return out
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }
func (c *Canvas) Len() int    { return len(c.board) }

// Palette returns the custom palette, or nil when the default is in use.
func (c *Canvas) Palette() []uint32 {
	return clonePalette(c.palette)
}

// HasCustomPalette reports whether a palette was configured.
func (c *Canvas) HasCustomPalette() bool {
	return len(c.palette) > 0
}

// PaletteSize returns the number of valid color indices.
func (c *Canvas) PaletteSize() int {
	if len(c.palette) == 0 {
		return DefaultPaletteSize
	}
	return len(c.palette)
}

// Get returns the color index stored at index.
func (c *Canvas) Get(index int) (byte, error) {
	if index < 0 || index >= len(c.board) {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	return c.board[index], nil
}

// Set overwrites a single cell. Nothing is clamped.
func (c *Canvas) Set(index int, color byte) error {
	if index < 0 || index >= len(c.board) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if int(color) >= c.PaletteSize() {
		return fmt.Errorf("%w: %d", ErrInvalidColor, color)
	}
	c.board[index] = color
	return nil
}

// Resize grows or shrinks the board by the given deltas. Original rows are
// copied into the top-left region; new cells are palette index 0.
func (c *Canvas) Resize(widthDelta, heightDelta int) error {
	newWidth := c.width + widthDelta
	newHeight := c.height + heightDelta
	if newWidth <= 0 || newHeight <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, newWidth, newHeight)
	}

	board := make([]byte, newWidth*newHeight)
	rowLen := min(c.width, newWidth)
	rows := min(c.height, newHeight)
	for y := 0; y < rows; y++ {
		copy(board[y*newWidth:y*newWidth+rowLen], c.board[y*c.width:y*c.width+rowLen])
	}

	c.board = board
	c.width = newWidth
	c.height = newHeight
	return nil
}

// FillDiagonal writes color from (x0,y0), stepping x and y together until
// either x1 or y1 is reached. The end bounds are clamped to the board, so
// the walk also stops at its edge. It does not fill an area: the operation
// has always walked the diagonal and admin tooling depends on that. It
// returns the number of cells written.
func (c *Canvas) FillDiagonal(x0, y0, x1, y1 int, color byte) (int, error) {
	if int(color) >= c.PaletteSize() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidColor, color)
	}
	if x0 < 0 || y0 < 0 {
		return 0, fmt.Errorf("%w: (%d,%d)", ErrOutOfRange, x0, y0)
	}

	xEnd, yEnd := min(x1, c.width), min(y1, c.height)
	written := 0
	for x, y := x0, y0; x < xEnd && y < yEnd; x, y = x+1, y+1 {
		c.board[x+y*c.width] = color
		written++
	}
	return written, nil
}

// Serialize returns a copy of the raw board.
func (c *Canvas) Serialize() []byte {
	out := make([]byte, len(c.board))
	copy(out, c.board)
	return out
}
