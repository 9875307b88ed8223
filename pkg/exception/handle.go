package exception

import (
	"context"
	"net/http"
	"sync"
)

// HandlerFunc is a request handler that reports failure by returning an error.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type scopeKey struct{}

func withScope(ctx context.Context, sc *scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, sc)
}

func scopeFrom(ctx context.Context) (*scope, bool) {
	sc, ok := ctx.Value(scopeKey{}).(*scope)
	return sc, ok && sc != nil
}

var (
	fallbackOnce sync.Once
	fallback     *Handler
)

func fallbackHandler() *Handler {
	fallbackOnce.Do(func() {
		fallback = New()
	})
	return fallback
}

// Handle adapts fn to an http.Handler. A returned error is reported to the
// enclosing Handler middleware.
func Handle(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			http.NotFound(w, r)
			return
		}
		if _, guarded := scopeFrom(r.Context()); !guarded {
			if _, ok := w.(*stateWriter); !ok {
				w = newStateWriter(w)
			}
		}
		if err := fn(w, r); err != nil {
			Report(w, r, err)
		}
	})
}

// Report converts err into a problem response using the middleware guarding
// r. Without one, a default Handler writes the response directly.
func Report(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if sc, ok := scopeFrom(r.Context()); ok {
		sc.report(w, r, err, kindError)
		return
	}

	sw, ok := w.(*stateWriter)
	if !ok {
		sw = newStateWriter(w)
	}
	sc := &scope{handler: fallbackHandler(), state: sw, instance: r.URL.Path, method: r.Method}
	sc.report(sw, r, err, kindError)
}
