package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/internal/logging"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderState     = "X-Harbor-State"
	HeaderTruncated = "X-Harbor-Truncated"

	maxRequestIDLen = 128
)

// ErrorDetail is the error part of HTTP error bodies and reply messages.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	RequestID string      `json:"request_id"`
	State     string      `json:"state,omitempty"`
	Error     ErrorDetail `json:"error"`
}

// StatusCode maps an instance result to an HTTP status.
func StatusCode(res executor.Result) int {
	switch res.State {
	case executor.StateCompleted:
		return http.StatusOK
	case executor.StateTimedOut:
		return http.StatusGatewayTimeout
	}
	if res.IsPanic() {
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

// Detail describes a failed result for the request's origin.
func Detail(res executor.Result) ErrorDetail {
	msg := "instance failed"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	switch {
	case res.State == executor.StateTimedOut:
		return ErrorDetail{Code: string(fault.CodeTimeout), Message: msg}
	case res.IsPanic():
		return ErrorDetail{Code: string(fault.CodeInternal), Message: msg}
	}
	var ge *executor.GuestError
	if errors.As(res.Err, &ge) {
		return ErrorDetail{Code: "guest_error", Message: msg}
	}
	return ErrorDetail{Code: string(fault.CodeOf(res.Err)), Message: msg}
}

// HTTPOption configures an HTTPListener.
type HTTPOption func(*HTTPListener)

func WithMaxBody(n int64) HTTPOption {
	return func(l *HTTPListener) {
		if n > 0 {
			l.maxBody = n
		}
	}
}

func WithReadTimeout(d time.Duration) HTTPOption {
	return func(l *HTTPListener) {
		if d > 0 {
			l.readTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Serve waits for in-flight requests
// after its context is done.
func WithShutdownTimeout(d time.Duration) HTTPOption {
	return func(l *HTTPListener) {
		if d > 0 {
			l.shutdownTimeout = d
		}
	}
}

func WithHTTPLogger(lg *zap.Logger) HTTPOption {
	return func(l *HTTPListener) {
		l.logger = logging.Or(lg)
	}
}

// HTTPListener serves instances over HTTP. Any method on /invoke and
// /invoke/* runs one instance with the request body as its payload; the
// instance's stdout is the response body.
type HTTPListener struct {
	addr            string
	d               *Dispatcher
	maxBody         int64
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func NewHTTPListener(addr string, d *Dispatcher, opts ...HTTPOption) *HTTPListener {
	l := &HTTPListener{
		addr:            addr,
		d:               d,
		maxBody:         8 << 20,
		readTimeout:     30 * time.Second,
		shutdownTimeout: 10 * time.Second,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *HTTPListener) Name() string {
	return "http " + l.addr
}

// Handler returns the listener's routes.
func (l *HTTPListener) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if l.d.Draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.HandleFunc("/invoke", l.invoke)
	r.HandleFunc("/invoke/*", l.invoke)
	return r
}

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully.
func (l *HTTPListener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	return l.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (l *HTTPListener) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           l.Handler(),
		ReadHeaderTimeout: l.readTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	l.logger.Info("http listener started", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (l *HTTPListener) invoke(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderRequestID)
	if id == "" || len(id) > maxRequestIDLen {
		id = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, id)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorBody{
				RequestID: id,
				Error:     ErrorDetail{Code: string(fault.CodeInvalidArgument), Message: fmt.Sprintf("body exceeds %d bytes", l.maxBody)},
			})
			return
		}
		writeError(w, http.StatusBadRequest, errorBody{
			RequestID: id,
			Error:     ErrorDetail{Code: string(fault.CodeInvalidArgument), Message: err.Error()},
		})
		return
	}

	req := executor.Request{
		ID:      id,
		Trigger: executor.TriggerHTTP,
		Payload: body,
		Meta: map[string]string{
			"method": r.Method,
			"path":   "/" + chi.URLParam(r, "*"),
			"query":  r.URL.RawQuery,
		},
	}

	res, err := l.d.Dispatch(r.Context(), req)
	if err != nil {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, errorBody{
			RequestID: id,
			Error:     ErrorDetail{Code: string(fault.CodeUnavailable), Message: err.Error()},
		})
		return
	}

	w.Header().Set(HeaderState, res.State.String())
	if res.Truncated {
		w.Header().Set(HeaderTruncated, "true")
	}
	status := StatusCode(res)
	if status != http.StatusOK {
		writeError(w, status, errorBody{RequestID: id, State: res.State.String(), Error: Detail(res)})
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(res.Output))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Output)))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Output)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
