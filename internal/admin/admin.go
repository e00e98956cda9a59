// Package admin exposes the operator surface over HTTP. The account layer
// and scripting tools use it instead of reaching into the process.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rplacetk/canvasd/internal/bans"
	"github.com/rplacetk/canvasd/internal/canvas"
	"github.com/rplacetk/canvasd/internal/dispatch"
)

// Operator is what the routes act on.
type Operator interface {
	Ban(identity string) error
	Unban(identity string) (bool, error)
	Bans() []string
	Resize(widthDelta, heightDelta int) error
	BroadcastChat(ctx context.Context, message, channel, target string) error
	Fill(x0, y0, x1, y1 int, color byte) (int, error)
	Snapshot() (string, error)
}

type banRequest struct {
	Identity string `json:"identity"`
}

type resizeRequest struct {
	WidthDelta  int `json:"width_delta"`
	HeightDelta int `json:"height_delta"`
}

type chatRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

type fillRequest struct {
	X0    int   `json:"x0"`
	Y0    int   `json:"y0"`
	X1    int   `json:"x1"`
	Y1    int   `json:"y1"`
	Color *byte `json:"color"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Mount registers the /admin routes on r behind bearer token auth.
func Mount(r chi.Router, op Operator, token string, logger *slog.Logger) {
	h := &handler{op: op, logger: logger.With("component", "admin")}

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireToken(token))
		r.Get("/bans", h.listBans)
		r.Post("/bans", h.ban)
		r.Delete("/bans/{identity}", h.unban)
		r.Post("/resize", h.resize)
		r.Post("/chat", h.chat)
		r.Post("/fill", h.fill)
		r.Post("/snapshot", h.snapshot)
	})
}

func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if token == "" || subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handler struct {
	op     Operator
	logger *slog.Logger
}

func (h *handler) listBans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"bans": h.op.Bans()})
}

func (h *handler) ban(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decode(w, r, &req) {
		return
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if err := h.op.Ban(req.Identity); err != nil {
		h.fail(w, "ban", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unban(w http.ResponseWriter, r *http.Request) {
	removed, err := h.op.Unban(chi.URLParam(r, "identity"))
	if err != nil {
		h.fail(w, "unban", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *handler) resize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.op.Resize(req.WidthDelta, req.HeightDelta); err != nil {
		h.fail(w, "resize", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}
	if err := h.op.BroadcastChat(r.Context(), req.Message, req.Channel, req.Target); err != nil {
		h.fail(w, "chat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if !decode(w, r, &req) {
		return
	}
	color := dispatch.DefaultFillColor
	if req.Color != nil {
		color = *req.Color
	}
	n, err := h.op.Fill(req.X0, req.Y0, req.X1, req.Y1, color)
	if err != nil {
		h.fail(w, "fill", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"written": n})
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	path, err := h.op.Snapshot()
	if err != nil {
		h.fail(w, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// fail maps domain errors to status codes.
func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bans.ErrEmptyIdentity),
		errors.Is(err, canvas.ErrOutOfRange),
		errors.Is(err, canvas.ErrInvalidColor),
		errors.Is(err, canvas.ErrInvalidDimensions):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("admin operation failed", "op", op, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
