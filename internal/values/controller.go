// Package values implements the demo endpoints used to exercise the
// exception handler: one route that succeeds and two that fail.
package values

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/theroutercompany/exception_handling/pkg/exception"
	"github.com/theroutercompany/exception_handling/pkg/problem"
)

// ErrInvalidOperation is the failure raised by the exception routes.
var ErrInvalidOperation = errors.New("Throw Exception")

// Route paths, matched case-insensitively.
const (
	BasePath      = "/api/values"
	ExceptionPath = BasePath + "/exception"
	PanicPath     = BasePath + "/panic"
)

// Controller serves the /api/values routes.
type Controller struct {
	routes map[string]http.Handler
}

// NewController builds the controller.
func NewController() *Controller {
	c := &Controller{}
	c.routes = map[string]http.Handler{
		BasePath:      exception.Handle(c.get),
		ExceptionPath: exception.Handle(c.throw),
		PanicPath:     http.HandlerFunc(c.fail),
	}
	return c
}

// Match reports whether path belongs to the controller.
func Match(path string) bool {
	p := strings.ToLower(strings.TrimSuffix(path, "/"))
	return p == BasePath || strings.HasPrefix(p, BasePath+"/")
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.ToLower(strings.TrimSuffix(r.URL.Path, "/"))
	route, ok := c.routes[key]
	if !ok {
		problem.Write(w, http.StatusNotFound, "Not Found", fmt.Sprintf("No route matches %s", r.URL.Path), w.Header().Get("X-Trace-Id"), r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		problem.Write(w, http.StatusMethodNotAllowed, "Method Not Allowed", fmt.Sprintf("%s is not supported on %s", r.Method, r.URL.Path), w.Header().Get("X-Trace-Id"), r.URL.Path)
		return
	}
	route.ServeHTTP(w, r)
}

func (c *Controller) get(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := io.WriteString(w, "Ok")
	return err
}

func (c *Controller) throw(http.ResponseWriter, *http.Request) error {
	return pkgerrors.WithStack(ErrInvalidOperation)
}

func (c *Controller) fail(http.ResponseWriter, *http.Request) {
	panic(pkgerrors.WithStack(ErrInvalidOperation))
}
