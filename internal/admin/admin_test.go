package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/rplacetk/canvasd/internal/bans"
	"github.com/rplacetk/canvasd/internal/canvas"
	"github.com/rplacetk/canvasd/internal/dispatch"
)

const testToken = "s3cret"

// fakeOperator records calls.
type fakeOperator struct {
	mu     sync.Mutex
	calls  []string
	banned map[string]bool
}

func newFakeOperator() *fakeOperator {
	return &fakeOperator{banned: make(map[string]bool)}
}

func (f *fakeOperator) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeOperator) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeOperator) Ban(identity string) error {
	if identity == "" {
		return bans.ErrEmptyIdentity
	}
	f.record("ban %s", identity)
	f.mu.Lock()
	f.banned[identity] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeOperator) Unban(identity string) (bool, error) {
	f.record("unban %s", identity)
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.banned[identity]
	delete(f.banned, identity)
	return was, nil
}

func (f *fakeOperator) Bans() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.banned {
		out = append(out, id)
	}
	return out
}

func (f *fakeOperator) Resize(dw, dh int) error {
	if dw < -100 {
		return fmt.Errorf("%w: too small", canvas.ErrInvalidDimensions)
	}
	f.record("resize %d %d", dw, dh)
	return nil
}

func (f *fakeOperator) BroadcastChat(_ context.Context, message, channel, target string) error {
	if target == "ghost" {
		return fmt.Errorf("%w: %s", dispatch.ErrSessionNotFound, target)
	}
	f.record("chat %s %s %s", message, channel, target)
	return nil
}

func (f *fakeOperator) Fill(x0, y0, x1, y1 int, color byte) (int, error) {
	f.record("fill %d %d %d %d %d", x0, y0, x1, y1, color)
	return min(x1-x0, y1-y0), nil
}

func (f *fakeOperator) Snapshot() (string, error) {
	f.record("snapshot")
	return "data/place", nil
}

func newTestAPI(t *testing.T) (*fakeOperator, *httptest.Server) {
	t.Helper()
	op := newFakeOperator()
	r := chi.NewRouter()
	Mount(r, op, testToken, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return op, ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

// TestAuth tests bearer token enforcement
func TestAuth(t *testing.T) {
	t.Parallel()

	_, ts := newTestAPI(t)
	for _, token := range []string{"", "wrong"} {
		resp, _ := do(t, ts, http.MethodGet, "/admin/bans", "", token)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
	}
	resp, _ := do(t, ts, http.MethodGet, "/admin/bans", "", testToken)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", resp.StatusCode)
	}
}

// TestEmptyTokenDisablesAPI tests that an unset token refuses everything
func TestEmptyTokenDisablesAPI(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	Mount(r, newFakeOperator(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(r)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/bans", nil)
	req.Header.Set("Authorization", "Bearer ")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// TestBanRoutes tests ban, list and unban
func TestBanRoutes(t *testing.T) {
	t.Parallel()

	op, ts := newTestAPI(t)

	resp, _ := do(t, ts, http.MethodPost, "/admin/bans", `{"identity":" 1.2.3.4 "}`, testToken)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ban status = %d", resp.StatusCode)
	}
	if op.lastCall() != "ban 1.2.3.4" {
		t.Errorf("last call = %q", op.lastCall())
	}

	_, body := do(t, ts, http.MethodGet, "/admin/bans", "", testToken)
	var list struct{ Bans []string }
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Bans) != 1 || list.Bans[0] != "1.2.3.4" {
		t.Errorf("bans = %v", list.Bans)
	}

	_, body = do(t, ts, http.MethodDelete, "/admin/bans/1.2.3.4", "", testToken)
	if !strings.Contains(body, `"removed":true`) {
		t.Errorf("unban body = %s", body)
	}
	_, body = do(t, ts, http.MethodDelete, "/admin/bans/1.2.3.4", "", testToken)
	if !strings.Contains(body, `"removed":false`) {
		t.Errorf("second unban body = %s", body)
	}

	resp, _ = do(t, ts, http.MethodPost, "/admin/bans", `{"identity":""}`, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty identity status = %d, want 400", resp.StatusCode)
	}
}

// TestOperationRoutes tests resize, chat, fill and snapshot
func TestOperationRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCall   string
		wantBody   string
	}{
		{"resize", "/admin/resize", `{"width_delta":10,"height_delta":-5}`, http.StatusNoContent, "resize 10 -5", ""},
		{"resize invalid", "/admin/resize", `{"width_delta":-1000}`, http.StatusBadRequest, "", ""},
		{"chat all", "/admin/chat", `{"message":"hello","channel":"en"}`, http.StatusNoContent, "chat hello en ", ""},
		{"chat target", "/admin/chat", `{"message":"hi","channel":"en","target":"abc"}`, http.StatusNoContent, "chat hi en abc", ""},
		{"chat unknown target", "/admin/chat", `{"message":"hi","target":"ghost"}`, http.StatusNotFound, "", ""},
		{"chat empty", "/admin/chat", `{"message":""}`, http.StatusBadRequest, "", ""},
		{"fill default color", "/admin/fill", `{"x0":0,"y0":0,"x1":4,"y1":4}`, http.StatusOK, "fill 0 0 4 4 27", `"written":4`},
		{"fill explicit color", "/admin/fill", `{"x0":1,"y0":1,"x1":3,"y1":5,"color":3}`, http.StatusOK, "fill 1 1 3 5 3", `"written":2`},
		{"snapshot", "/admin/snapshot", ``, http.StatusOK, "snapshot", `"path":"data/place"`},
		{"unknown field", "/admin/resize", `{"w":1}`, http.StatusBadRequest, "", ""},
		{"bad json", "/admin/fill", `{`, http.StatusBadRequest, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			op, ts := newTestAPI(t)
			resp, body := do(t, ts, http.MethodPost, tt.path, tt.body, testToken)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
			if op.lastCall() != tt.wantCall {
				t.Errorf("last call = %q, want %q", op.lastCall(), tt.wantCall)
			}
			if tt.wantBody != "" && !strings.Contains(body, tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tt.wantBody)
			}
		})
	}
}
