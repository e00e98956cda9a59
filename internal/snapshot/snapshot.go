// Package snapshot persists the board as raw bytes: one palette index per
// cell, row-major, no header. The timelapse renderer reads these files and
// infers dimensions from their size, so nothing else may be written.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"github.com/rplacetk/canvasd/internal/canvas"
)

// BackupExt is the extension of timestamped backup files.
const BackupExt = ".place"

// MetaExt is appended to the board path for the file recording the board's
// dimensions. The board file itself stays headerless.
const MetaExt = ".meta"

// Meta is the content of the dimensions file.
type Meta struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LoadConfig says where the board lives and what to create when there is
// none.
type LoadConfig struct {
	Path string
	// Width and Height are used for a new board, and for an existing one
	// when no dimensions file matches it.
	Width   int
	Height  int
	Palette []uint32
	// BackupDir receives boards that cannot be loaded as they are. Empty
	// means the directory of Path.
	BackupDir string
}

// Load reads the board at cfg.Path. The dimensions come from the
// dimensions file when its product matches the board length, otherwise
// from cfg. A missing or empty file yields a zero board that is written
// out. An unreadable file is moved into the backup directory when possible
// and a zero board is returned. A board of unexpected size, or one holding
// colors the palette no longer has, is copied into the backup directory
// first; if that copy fails Load returns an error instead of discarding
// the board. Out-of-palette cells are reset to 0.
func Load(cfg LoadConfig, logger *slog.Logger) (*canvas.Canvas, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", canvas.ErrInvalidDimensions, cfg.Width, cfg.Height)
	}

	data, err := os.ReadFile(cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0):
		logger.Info("creating empty canvas", "path", cfg.Path, "width", cfg.Width, "height", cfg.Height)
		return create(cfg, logger)
	case err != nil:
		logger.Warn("canvas file unreadable, starting with empty canvas", "path", cfg.Path, "error", err)
		moveAside(cfg, logger)
		return canvas.New(cfg.Width, cfg.Height, cfg.Palette)
	}

	width, height, ok := dimensions(len(data), cfg, logger)
	if !ok {
		saved, err := preserve(cfg, data)
		if err != nil {
			return nil, fmt.Errorf("canvas %s has %d bytes, which matches neither its dimensions file nor %dx%d, and could not be backed up: %w",
				cfg.Path, len(data), cfg.Width, cfg.Height, err)
		}
		logger.Warn("canvas size matches no known dimensions, starting with empty canvas",
			"path", cfg.Path, "size", len(data), "saved_to", saved)
		return create(cfg, logger)
	}

	c, err := canvas.New(width, height, cfg.Palette)
	if err != nil {
		return nil, err
	}
	if clean, reset := withoutInvalid(data, c.PaletteSize()); reset > 0 {
		saved, err := preserve(cfg, data)
		if err != nil {
			return nil, fmt.Errorf("canvas %s has %d cells outside the palette and could not be backed up: %w", cfg.Path, reset, err)
		}
		logger.Warn("reset cells with colors outside the palette", "path", cfg.Path, "cells", reset, "saved_to", saved)
		data = clean
	}

	c, err = canvas.FromBytes(width, height, cfg.Palette, data)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded canvas", "path", cfg.Path, "width", width, "height", height)
	return c, nil
}

// dimensions picks the width and height for a board of n bytes.
func dimensions(n int, cfg LoadConfig, logger *slog.Logger) (int, int, bool) {
	meta, err := ReadMeta(cfg.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("ignoring canvas dimensions file", "path", cfg.Path+MetaExt, "error", err)
	}
	if err == nil && meta.Width > 0 && meta.Height > 0 && meta.Width*meta.Height == n {
		if meta.Width != cfg.Width || meta.Height != cfg.Height {
			logger.Info("using stored canvas dimensions", "width", meta.Width, "height", meta.Height,
				"configured_width", cfg.Width, "configured_height", cfg.Height)
		}
		return meta.Width, meta.Height, true
	}
	if cfg.Width*cfg.Height == n {
		return cfg.Width, cfg.Height, true
	}
	return 0, 0, false
}

// ReadMeta reads the dimensions file that belongs to the board at path.
func ReadMeta(path string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(path + MetaExt)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", path+MetaExt, err)
	}
	return m, nil
}

func writeMeta(path string, width, height int) error {
	data, err := json.Marshal(Meta{Width: width, Height: height})
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path+MetaExt, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path+MetaExt, err)
	}
	return nil
}

// withoutInvalid returns a copy of data with every byte that is not below
// paletteSize set to 0, and how many were changed.
func withoutInvalid(data []byte, paletteSize int) ([]byte, int) {
	clean := bytes.Clone(data)
	reset := 0
	for i, b := range clean {
		if int(b) >= paletteSize {
			clean[i] = 0
			reset++
		}
	}
	return clean, reset
}

func backupDir(cfg LoadConfig) string {
	if cfg.BackupDir != "" {
		return cfg.BackupDir
	}
	return filepath.Dir(cfg.Path)
}

// preserve writes data as a new ULID-named file in the backup directory.
func preserve(cfg LoadConfig, data []byte) (string, error) {
	dir := backupDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ulid.Make().String()+BackupExt)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return path, nil
}

// moveAside renames an unreadable board into the backup directory so the
// first save does not replace it.
func moveAside(cfg LoadConfig, logger *slog.Logger) {
	dir := backupDir(cfg)
	target := filepath.Join(dir, ulid.Make().String()+BackupExt)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		if err = os.Rename(cfg.Path, target); err == nil {
			logger.Warn("moved unreadable canvas aside", "path", cfg.Path, "saved_to", target)
			return
		}
	}
	logger.Warn("could not move unreadable canvas aside; it will be replaced on the next save", "path", cfg.Path)
}

// create returns a zero board and writes it with its dimensions file.
func create(cfg LoadConfig, logger *slog.Logger) (*canvas.Canvas, error) {
	c, err := canvas.New(cfg.Width, cfg.Height, cfg.Palette)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		logger.Warn("could not create canvas directory", "path", cfg.Path, "error", err)
		return c, nil
	}
	if err := atomic.WriteFile(cfg.Path, bytes.NewReader(c.Serialize())); err != nil {
		logger.Warn("could not write initial canvas", "path", cfg.Path, "error", err)
		return c, nil
	}
	if err := writeMeta(cfg.Path, cfg.Width, cfg.Height); err != nil {
		logger.Warn("could not write canvas dimensions", "error", err)
	}
	return c, nil
}

// Source supplies a consistent copy of the board with its dimensions.
type Source interface {
	State() (board []byte, width, height int)
}

// Config controls where and how often snapshots are written.
type Config struct {
	Path string
	// Interval between saves to Path. Zero disables periodic saving; the
	// board is still written on shutdown.
	Interval time.Duration
	// BackupDir receives ULID-named copies every BackupInterval. Either
	// being empty disables backups.
	BackupDir      string
	BackupInterval time.Duration
}

// Writer saves the board from a Source.
type Writer struct {
	cfg    Config
	src    Source
	logger *slog.Logger

	mu       sync.Mutex
	lastSave time.Time
	saved    Meta
}

func NewWriter(cfg Config, src Source, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{cfg: cfg, src: src, logger: logger.With("component", "snapshot")}
}

// Save atomically replaces the board file, then the dimensions file when
// the dimensions changed since the last save.
func (w *Writer) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	board, width, height := w.src.State()
	if err := atomic.WriteFile(w.cfg.Path, bytes.NewReader(board)); err != nil {
		return fmt.Errorf("write snapshot %s: %w", w.cfg.Path, err)
	}
	if width != w.saved.Width || height != w.saved.Height {
		if err := writeMeta(w.cfg.Path, width, height); err != nil {
			return err
		}
		w.saved = Meta{Width: width, Height: height}
	}
	w.lastSave = time.Now()
	return nil
}

// Backup writes a new file named by a ULID into the backup directory, so a
// sorted directory listing is in chronological order.
func (w *Writer) Backup() (string, error) {
	if w.cfg.BackupDir == "" {
		return "", errors.New("backup directory not configured")
	}
	if err := os.MkdirAll(w.cfg.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	board, _, _ := w.src.State()
	path := filepath.Join(w.cfg.BackupDir, ulid.Make().String()+BackupExt)
	if err := atomic.WriteFile(path, bytes.NewReader(board)); err != nil {
		return "", fmt.Errorf("write backup %s: %w", path, err)
	}
	return path, nil
}

// LastSave returns when Save last succeeded.
func (w *Writer) LastSave() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSave
}

// Run saves on every tick until ctx is cancelled, then performs one final
// save. Errors are logged.
func (w *Writer) Run(ctx context.Context) {
	var saveC, backupC <-chan time.Time
	if w.cfg.Interval > 0 {
		t := time.NewTicker(w.cfg.Interval)
		defer t.Stop()
		saveC = t.C
	}
	if w.cfg.BackupDir != "" && w.cfg.BackupInterval > 0 {
		t := time.NewTicker(w.cfg.BackupInterval)
		defer t.Stop()
		backupC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			if err := w.Save(); err != nil {
				w.logger.Error("final snapshot failed", "error", err)
				return
			}
			w.logger.Info("final snapshot written", "path", w.cfg.Path)
			return
		case <-saveC:
			if err := w.Save(); err != nil {
				w.logger.Warn("snapshot failed", "error", err)
			}
		case <-backupC:
			path, err := w.Backup()
			if err != nil {
				w.logger.Warn("backup failed", "error", err)
				continue
			}
			w.logger.Info("backup written", "path", path)
		}
	}
}

// Info describes a snapshot file.
type Info struct {
	Size   int64
	Width  int
	Height int
	// Known is true when the dimensions were matched against a known size.
	Known bool
	// Colors counts cells per palette index.
	Colors map[byte]int
}

var knownSizes = map[int64][2]int{
	250000:  {500, 500},
	562500:  {750, 750},
	1000000: {1000, 1000},
	4000000: {2000, 2000},
}

// Inspect reads a snapshot and guesses its dimensions from its size, the
// same way the timelapse renderer does.
func Inspect(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("snapshot %s does not exist", path)
		}
		return Info{}, err
	}

	info := Info{Size: int64(len(data)), Colors: make(map[byte]int)}
	if dims, ok := knownSizes[info.Size]; ok {
		info.Width, info.Height, info.Known = dims[0], dims[1], true
	}
	for _, b := range data {
		info.Colors[b]++
	}
	return info, nil
}
