package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sibilla-voice/sibilla/internal/consult"
	"github.com/sibilla-voice/sibilla/internal/health"
	"github.com/sibilla-voice/sibilla/internal/session"
	sttmock "github.com/sibilla-voice/sibilla/pkg/provider/stt/mock"
	ttsmock "github.com/sibilla-voice/sibilla/pkg/provider/tts/mock"
)

var testParams = session.Params{
	Operator: "Luna Stellare",
	Category: "AMORE",
	Deck:     "Tarocchi di Marsiglia",
}

// stubMachine is a minimal TurnHandler for route tests.
type stubMachine struct {
	mu       sync.Mutex
	resetErr error
	resets   []string
}

func (m *stubMachine) HandleTurn(_ context.Context, _ string, _ session.Params, _ string, _ []string) (*consult.Result, error) {
	return &consult.Result{ReplyText: "Le carte parlano chiaro.", Phase: session.PhasePostShuffle}, nil
}

func (m *stubMachine) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	m.resets = append(m.resets, key)
	return nil
}

func (m *stubMachine) resetKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.resets...)
}

func newTestServer(machine *stubMachine, opts ...Option) *Server {
	return New(":0", machine,
		&sttmock.Provider{Text: "Tornerà da me?"},
		&ttsmock.Provider{Audio: []byte("pcm-clip")},
		func() session.Params { return testParams },
		opts...,
	)
}

func TestSessionDelete_NoContent(t *testing.T) {
	machine := &stubMachine{}
	srv := newTestServer(machine)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/call-42", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if keys := machine.resetKeys(); len(keys) != 1 || keys[0] != "call-42" {
		t.Errorf("reset keys = %v, want [call-42]", keys)
	}
}

func TestSessionDelete_NotFound(t *testing.T) {
	machine := &stubMachine{resetErr: session.ErrNotFound}
	srv := newTestServer(machine)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected a JSON error body")
	}
}

func TestSessionDelete_InternalError(t *testing.T) {
	machine := &stubMachine{resetErr: errors.New("store down")}
	srv := newTestServer(machine)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/call-42", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubMachine{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_FailingChecker(t *testing.T) {
	srv := newTestServer(&stubMachine{}, WithHealthCheckers(health.Checker{
		Name:  "database",
		Check: func(context.Context) error { return errors.New("unreachable") },
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "database") {
		t.Errorf("body should name the failing check, got %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&stubMachine{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestVoice_ExplicitEndTearsDownSession(t *testing.T) {
	machine := &stubMachine{}
	srv := newTestServer(machine)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/voice?session=call-42"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"end"}`)); err != nil {
		t.Fatalf("write end control: %v", err)
	}

	// The greeting arrives as binary audio; the end acknowledgement is the
	// first text frame.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal control frame: %v", err)
		}
		if msg.Type != "end" {
			t.Fatalf("control type = %q, want %q", msg.Type, "end")
		}
		break
	}

	// Teardown deletes the session.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if keys := machine.resetKeys(); len(keys) == 1 && keys[0] == "call-42" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("session was not reset, got %v", machine.resetKeys())
}
