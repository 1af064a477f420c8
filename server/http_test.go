package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/wasmtest"
)

func template(t *testing.T, wasm []byte, opts ...executor.TemplateOption) *executor.Template {
	t.Helper()
	exec, err := executor.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { exec.Close(context.Background()) })

	linker := host.NewLinker()
	mod, err := exec.Compile(context.Background(), wasm, nil)
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := exec.Prepare(context.Background(), mod, linker, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return tmpl
}

func decodeError(t *testing.T, body io.Reader) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.NewDecoder(body).Decode(&eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return eb
}

func TestInvokeGuests(t *testing.T) {
	tests := []struct {
		name   string
		wasm   []byte
		status int
		code   string
		state  string
	}{
		{"completed", wasmtest.Echo(), http.StatusOK, "", "completed"},
		{"guest error", wasmtest.Print("partial", "bad input", 3), http.StatusUnprocessableEntity, "guest_error", "failed"},
		{"trap", wasmtest.Trap(), http.StatusUnprocessableEntity, "guest_error", "failed"},
		{"timeout", wasmtest.Loop(), http.StatusGatewayTimeout, string(fault.CodeTimeout), "timed_out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := template(t, tt.wasm, executor.WithTimeout(50*time.Millisecond), executor.WithGrace(time.Second))
			h := NewHTTPListener(":0", NewDispatcher(tmpl)).Handler()

			req := httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader("hello harbor"))
			req.Header.Set(HeaderRequestID, "req-42")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if got := w.Header().Get(HeaderRequestID); got != "req-42" {
				t.Errorf("request id = %q", got)
			}
			if got := w.Header().Get(HeaderState); got != tt.state {
				t.Errorf("state = %q, want %q", got, tt.state)
			}
			if tt.status == http.StatusOK {
				if w.Body.String() != "hello harbor" {
					t.Errorf("body = %q", w.Body.String())
				}
				return
			}
			eb := decodeError(t, w.Body)
			if eb.Error.Code != tt.code || eb.RequestID != "req-42" || eb.State != tt.state {
				t.Errorf("error body = %+v", eb)
			}
		})
	}
}

func TestInvokeMeta(t *testing.T) {
	var got executor.Request
	d := NewDispatcher(runnerFunc(func(_ context.Context, req executor.Request) executor.Result {
		got = req
		return executor.Result{RequestID: req.ID, State: executor.StateCompleted, Output: []byte(`{"ok":true}`)}
	}))
	h := NewHTTPListener(":0", d).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/invoke/orders/7?dry=1", bytes.NewReader([]byte("x"))))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got.Trigger != executor.TriggerHTTP || got.ID == "" || string(got.Payload) != "x" {
		t.Errorf("request = %+v", got)
	}
	want := map[string]string{"method": "PUT", "path": "/orders/7", "query": "dry=1"}
	for k, v := range want {
		if got.Meta[k] != v {
			t.Errorf("meta[%s] = %q, want %q", k, got.Meta[k], v)
		}
	}
	if w.Header().Get(HeaderRequestID) != got.ID {
		t.Errorf("response id %q != request id %q", w.Header().Get(HeaderRequestID), got.ID)
	}
}

func TestInvokeFailures(t *testing.T) {
	panicked := runnerFunc(func(_ context.Context, req executor.Request) executor.Result {
		return executor.Result{RequestID: req.ID, State: executor.StateFailed, Err: fault.Panic("boom")}
	})
	w := httptest.NewRecorder()
	NewHTTPListener(":0", NewDispatcher(panicked)).Handler().
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/invoke", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d", w.Code)
	}
	if eb := decodeError(t, w.Body); eb.Error.Code != string(fault.CodeInternal) {
		t.Errorf("panic body = %+v", eb)
	}

	w = httptest.NewRecorder()
	NewHTTPListener(":0", NewDispatcher(echo()), WithMaxBody(4)).Handler().
		ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/invoke", strings.NewReader("too long")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d", w.Code)
	}

	g := newGated()
	d := NewDispatcher(g, WithMaxConcurrency(1))
	h := NewHTTPListener(":0", d).Handler()
	go d.Dispatch(context.Background(), executor.Request{})
	waitStarted(t, g)
	defer close(g.release)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/invoke", nil))
	if w.Code != http.StatusServiceUnavailable || w.Header().Get("Retry-After") == "" {
		t.Errorf("busy status = %d", w.Code)
	}
	if eb := decodeError(t, w.Body); eb.Error.Code != string(fault.CodeUnavailable) {
		t.Errorf("busy body = %+v", eb)
	}
}

func TestProbes(t *testing.T) {
	d := NewDispatcher(echo())
	h := NewHTTPListener(":0", d).Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s = %d", path, w.Code)
		}
	}

	d.Drain(context.Background())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz while draining = %d", w.Code)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz while draining = %d", w.Code)
	}
}

func TestServeListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	l := NewHTTPListener(ln.Addr().String(), NewDispatcher(echo()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.ServeListener(ctx, ln) }()

	resp, err := http.Post("http://"+ln.Addr().String()+"/invoke", "text/plain", strings.NewReader("ping"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ping" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
