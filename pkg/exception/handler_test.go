package exception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/theroutercompany/exception_handling/pkg/host"
	pkglog "github.com/theroutercompany/exception_handling/pkg/log"
	"github.com/theroutercompany/exception_handling/pkg/metrics"
	"github.com/theroutercompany/exception_handling/pkg/problem"
)

var errNotFound = errors.New("record not found")

func newTestHandler(opts ...Option) *Handler {
	return New(append([]Option{WithLogger(pkglog.NewNop())}, opts...)...)
}

func serve(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, problem.Response) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

	var payload problem.Response
	if strings.HasPrefix(rr.Header().Get("Content-Type"), problem.ContentType) {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode problem: %v (body=%s)", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestMiddlewarePassesThroughSuccess(t *testing.T) {
	mw := newTestHandler().Middleware()
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Ok"))
	}))

	rr, _ := serve(t, h, "/api/values")

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if rr.Body.String() != "Ok" {
		t.Fatalf("expected body untouched, got %q", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("expected content type untouched, got %q", ct)
	}
}

func TestMiddlewareConvertsReturnedError(t *testing.T) {
	mw := newTestHandler().Middleware()
	h := mw(Handle(func(http.ResponseWriter, *http.Request) error {
		return pkgerrors.New("Throw Exception")
	}))

	rr, payload := serve(t, h, "/api/Values/Exception")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != problem.ContentType {
		t.Fatalf("expected problem content type, got %q", ct)
	}
	if payload.Status != http.StatusInternalServerError {
		t.Fatalf("expected status 500 in body, got %d", payload.Status)
	}
	if payload.Title != "Throw Exception" {
		t.Fatalf("expected title from error message, got %q", payload.Title)
	}
	if payload.Instance != "/api/Values/Exception" {
		t.Fatalf("expected instance to echo request path, got %q", payload.Instance)
	}
	if !strings.Contains(payload.Detail, "Throw Exception") || !strings.Contains(payload.Detail, "handler_test.go") {
		t.Fatalf("expected detail with stack trace, got %q", payload.Detail)
	}
}

func TestMiddlewareConvertsPanic(t *testing.T) {
	mw := newTestHandler().Middleware()
	h := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("Throw Exception")
	}))

	rr, payload := serve(t, h, "/api/values/panic")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if payload.Title != "Throw Exception" || payload.Instance != "/api/values/panic" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if !strings.HasPrefix(payload.Detail, "panic: Throw Exception") {
		t.Fatalf("expected panic detail, got %q", payload.Detail)
	}
}

func TestMiddlewareConvertsPanicWithError(t *testing.T) {
	mw := newTestHandler(WithStatus(errNotFound, http.StatusNotFound)).Middleware()
	h := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(fmt.Errorf("lookup: %w", errNotFound))
	}))

	rr, payload := serve(t, h, "/api/values/7")

	if rr.Code != http.StatusNotFound || payload.Status != http.StatusNotFound {
		t.Fatalf("expected mapped 404, got %d / %d", rr.Code, payload.Status)
	}
	if payload.Title != "lookup: record not found" {
		t.Fatalf("unexpected title: %q", payload.Title)
	}
}

func TestStatusMapping(t *testing.T) {
	h := newTestHandler(WithStatus(errNotFound, http.StatusNotFound))

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"default", errors.New("boom"), http.StatusInternalServerError},
		{"sentinel", fmt.Errorf("wrapped: %w", errNotFound), http.StatusNotFound},
		{"status error", WithStatusCode(errors.New("bad input"), http.StatusBadRequest), http.StatusBadRequest},
		{"status error wins", WithStatusCode(errNotFound, http.StatusConflict), http.StatusConflict},
		{"invalid status ignored", WithStatusCode(errors.New("odd"), 200), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.statusFor(tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestStackTraceDisabledUsesGenericDetail(t *testing.T) {
	mw := newTestHandler(WithStackTrace(false)).Middleware()
	h := mw(Handle(func(http.ResponseWriter, *http.Request) error {
		return pkgerrors.New("Throw Exception")
	}))

	_, payload := serve(t, h, "/x")
	if payload.Detail != genericDetail {
		t.Fatalf("expected generic detail, got %q", payload.Detail)
	}
	if payload.Title != "Throw Exception" {
		t.Fatalf("expected title kept, got %q", payload.Title)
	}
}

func TestResponseAlreadyStartedIsNotOverwritten(t *testing.T) {
	mw := newTestHandler().Middleware()
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		panic("late failure")
	}))

	rr, _ := serve(t, h, "/stream")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected original status kept, got %d", rr.Code)
	}
	if rr.Body.String() != "partial" {
		t.Fatalf("expected partial body only, got %q", rr.Body.String())
	}
}

func TestAbortHandlerPanicIsRethrown(t *testing.T) {
	mw := newTestHandler().Middleware()
	h := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestTraceIDFromContextAndHeader(t *testing.T) {
	type key struct{}
	fromCtx := newTestHandler(WithTraceID(func(ctx context.Context) string {
		v, _ := ctx.Value(key{}).(string)
		return v
	})).Middleware()

	h := fromCtx(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Report(w, r.WithContext(context.WithValue(r.Context(), key{}, "trace-ctx")), errors.New("boom"))
	}))
	_, payload := serve(t, h, "/")
	if payload.TraceID != "trace-ctx" {
		t.Fatalf("expected trace id from context, got %q", payload.TraceID)
	}

	fromHeader := newTestHandler().Middleware()
	h = fromHeader(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Trace-Id", "trace-hdr")
		panic("boom")
	}))
	_, payload = serve(t, h, "/")
	if payload.TraceID != "trace-hdr" {
		t.Fatalf("expected trace id from header, got %q", payload.TraceID)
	}
}

func TestRepeatedFailuresHaveIdenticalShape(t *testing.T) {
	mw := newTestHandler().Middleware()
	h := mw(Handle(func(http.ResponseWriter, *http.Request) error {
		return errors.New("Throw Exception")
	}))

	_, first := serve(t, h, "/api/values/exception")
	for i := 0; i < 3; i++ {
		_, next := serve(t, h, "/api/values/exception")
		if next != first {
			t.Fatalf("expected identical problem, got %+v vs %+v", next, first)
		}
	}
}

func TestHandleWithoutMiddlewareFallsBack(t *testing.T) {
	h := Handle(func(http.ResponseWriter, *http.Request) error {
		return WithStatusCode(errors.New("nope"), http.StatusTeapot)
	})

	rr, payload := serve(t, h, "/tea")
	if rr.Code != http.StatusTeapot || payload.Title != "nope" || payload.Instance != "/tea" {
		t.Fatalf("unexpected fallback response: %d %+v", rr.Code, payload)
	}
}

func TestHandleWithoutMiddlewareKeepsStartedResponse(t *testing.T) {
	h := Handle(func(w http.ResponseWriter, _ *http.Request) error {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		return errors.New("late failure")
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/late", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected original status 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "partial" {
		t.Fatalf("expected partial body untouched, got %q", body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("expected original content type, got %q", ct)
	}
}

func TestFailuresAreCounted(t *testing.T) {
	registry := metrics.NewRegistry(metrics.WithoutDefaultCollectors())
	handler := newTestHandler(WithRegistry(registry))
	h := handler.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	serve(t, h, "/")
	serve(t, h, "/")

	if got := testutil.ToFloat64(handler.counter.WithLabelValues("panic", "500")); got != 2 {
		t.Fatalf("expected 2 panics counted, got %v", got)
	}
}

func TestRegistrationHelpers(t *testing.T) {
	registry := metrics.NewRegistry(metrics.WithoutDefaultCollectors())
	services := host.NewServices().
		AddValue(host.LoggerService, pkglog.NewNop()).
		AddValue(host.RegistryService, registry)

	AddGlobalHandler(services, WithStackTrace(false))
	if !services.Registered(ServiceName) {
		t.Fatalf("expected exception handler registered")
	}

	builder := host.NewBuilder(services)
	UseGlobalHandler(builder)

	h, err := builder.Build(Handle(func(http.ResponseWriter, *http.Request) error {
		return errors.New("Throw Exception")
	}))
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}

	rr, payload := serve(t, h, "/api/values/exception")
	if rr.Code != http.StatusInternalServerError || payload.Detail != genericDetail {
		t.Fatalf("unexpected response: %d %+v", rr.Code, payload)
	}

	mfs, err := registry.Raw().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 1 || mfs[0].GetName() != "exceptions_handled_total" {
		t.Fatalf("expected exception counter exported, got %v", mfs)
	}
}

func TestUseWithoutAddFailsToBuild(t *testing.T) {
	builder := host.NewBuilder(nil)
	UseGlobalHandler(builder)
	if _, err := builder.Build(nil); !errors.Is(err, host.ErrServiceNotRegistered) {
		t.Fatalf("expected ErrServiceNotRegistered, got %v", err)
	}
}
