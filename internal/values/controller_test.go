package values

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/theroutercompany/exception_handling/pkg/exception"
	pkglog "github.com/theroutercompany/exception_handling/pkg/log"
	"github.com/theroutercompany/exception_handling/pkg/problem"
)

func guarded() http.Handler {
	return exception.New(exception.WithLogger(pkglog.NewNop())).Middleware()(NewController())
}

func TestGetReturnsOk(t *testing.T) {
	rr := httptest.NewRecorder()
	guarded().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/values", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "Ok" {
		t.Fatalf("expected body Ok, got %q", rr.Body.String())
	}
}

func TestExceptionRouteIsCaseInsensitive(t *testing.T) {
	for _, path := range []string{"/api/values/exception", "/api/Values/Exception", "/API/VALUES/EXCEPTION/"} {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			guarded().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

			if rr.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", rr.Code)
			}
			var p problem.Response
			if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Title != ErrInvalidOperation.Error() || p.Instance != path || p.Detail == "" {
				t.Fatalf("unexpected problem: %+v", p)
			}
		})
	}
}

func TestPanicRouteProducesSameShape(t *testing.T) {
	rr := httptest.NewRecorder()
	guarded().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/values/panic", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var p problem.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Title != "Throw Exception" || !strings.HasPrefix(p.Detail, "panic: ") {
		t.Fatalf("unexpected problem: %+v", p)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	rr := httptest.NewRecorder()
	guarded().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/values/unknown", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	guarded().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/values", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("expected Allow header, got %q", rr.Header().Get("Allow"))
	}
}

func TestMatch(t *testing.T) {
	cases := map[string]bool{
		"/api/values":           true,
		"/API/Values/":          true,
		"/api/values/exception": true,
		"/api/valuesx":          false,
		"/health":               false,
	}
	for path, want := range cases {
		if got := Match(path); got != want {
			t.Fatalf("Match(%q) = %v, want %v", path, got, want)
		}
	}
}
