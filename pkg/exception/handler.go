// Package exception converts failures escaping request handlers into RFC 7807
// problem responses.
//
// A failure is either a panic raised by a downstream http.Handler or an error
// returned by a handler adapted with Handle. Both are reported to the nearest
// enclosing Handler middleware, which logs the failure, counts it and writes a
// problem+json document whose title is the failure message and whose instance
// is the request path.
package exception

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"

	pkglog "github.com/theroutercompany/exception_handling/pkg/log"
	"github.com/theroutercompany/exception_handling/pkg/metrics"
	"github.com/theroutercompany/exception_handling/pkg/problem"
)

const (
	kindError = "error"
	kindPanic = "panic"

	genericDetail = "An unhandled error occurred while processing the request."
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the logger used to record failures.
func WithLogger(logger pkglog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRegistry exports the exceptions_handled_total counter on registry.
func WithRegistry(registry *metrics.Registry) Option {
	return func(h *Handler) {
		if registry != nil {
			h.registry = registry
		}
	}
}

// WithStatus maps failures matching target (errors.Is) to status.
func WithStatus(target error, status int) Option {
	return func(h *Handler) {
		if target != nil && validStatus(status) {
			h.mappings = append(h.mappings, mapping{target: target, status: status})
		}
	}
}

// WithStackTrace controls whether the problem detail carries the failure's
// stack trace. When disabled the detail is a fixed generic sentence.
func WithStackTrace(enabled bool) Option {
	return func(h *Handler) {
		h.stackTrace = enabled
	}
}

// WithTraceID sets how the trace identifier is read from the request context.
// When unset or empty, the X-Trace-Id response header is used.
func WithTraceID(fn func(context.Context) string) Option {
	return func(h *Handler) {
		h.traceID = fn
	}
}

type mapping struct {
	target error
	status int
}

// Handler is the exception-handling middleware.
type Handler struct {
	logger     pkglog.Logger
	registry   *metrics.Registry
	counter    *prometheus.CounterVec
	mappings   []mapping
	stackTrace bool
	traceID    func(context.Context) string
}

// New builds a Handler. Stack traces are included by default.
func New(opts ...Option) *Handler {
	h := &Handler{
		stackTrace: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.logger == nil {
		h.logger = pkglog.Shared()
	}
	h.counter = h.registry.CounterVec(prometheus.CounterOpts{
		Name: "exceptions_handled_total",
		Help: "Failures converted into problem responses, by kind and status.",
	}, []string{"kind", "status"})
	return h
}

// Middleware returns the handler as a standard middleware.
func (h *Handler) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := newStateWriter(w)
			sc := &scope{handler: h, state: sw, instance: r.URL.Path, method: r.Method}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				sc.report(sw, r, panicError{value: rec, stack: debug.Stack()}, kindPanic)
			}()

			next.ServeHTTP(sw, r.WithContext(withScope(r.Context(), sc)))
		})
	}
}

// scope ties a single request to the middleware instance that guards it.
type scope struct {
	handler  *Handler
	state    *stateWriter
	instance string
	method   string
}

func (sc *scope) report(w http.ResponseWriter, r *http.Request, err error, kind string) {
	h := sc.handler
	status := h.statusFor(err)
	traceID := h.traceIDFor(w, r)

	fields := []any{
		"method", sc.method,
		"path", sc.instance,
		"status", status,
		"kind", kind,
		"error", err.Error(),
	}
	if traceID != "" {
		fields = append(fields, "traceId", traceID)
	}
	var pe panicError
	if errors.As(err, &pe) {
		fields = append(fields, "stack", string(pe.stack))
	}

	h.counter.WithLabelValues(kind, fmt.Sprint(status)).Inc()

	if sc.state.started() {
		h.logger.Errorw("unhandled exception after response started", fields...)
		return
	}
	h.logger.Errorw("unhandled exception", fields...)

	resp := problem.New(status, err.Error(), h.detailFor(err), sc.instance).WithTraceID(traceID)
	if writeErr := resp.WriteTo(w); writeErr != nil {
		h.logger.Warnw("failed to write problem response", "error", writeErr, "path", sc.instance)
	}
}

func (h *Handler) statusFor(err error) int {
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		if code := coder.StatusCode(); validStatus(code) {
			return code
		}
	}
	for _, m := range h.mappings {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func (h *Handler) detailFor(err error) string {
	if !h.stackTrace {
		return genericDetail
	}
	detail := fmt.Sprintf("%+v", err)
	if detail == "" {
		return genericDetail
	}
	return detail
}

func (h *Handler) traceIDFor(w http.ResponseWriter, r *http.Request) string {
	if h.traceID != nil && r != nil {
		if tid := h.traceID(r.Context()); tid != "" {
			return tid
		}
	}
	return w.Header().Get("X-Trace-Id")
}

func validStatus(status int) bool {
	return status >= 400 && status <= 599
}

// panicError carries a recovered panic value and the stack captured at
// recovery time.
type panicError struct {
	value any
	stack []byte
}

func (e panicError) Error() string {
	if err, ok := e.value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.value)
}

func (e panicError) Unwrap() error {
	err, _ := e.value.(error)
	return err
}

func (e panicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "panic: %s\n\n%s", e.Error(), e.stack)
		return
	}
	fmt.Fprint(s, e.Error())
}
