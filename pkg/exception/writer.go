package exception

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// stateWriter records whether the response has been started so that a
// failure raised mid-stream does not produce a second status line.
type stateWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func newStateWriter(w http.ResponseWriter) *stateWriter {
	return &stateWriter{ResponseWriter: w}
}

func (w *stateWriter) started() bool {
	return w.wroteHeader
}

func (w *stateWriter) WriteHeader(status int) {
	if status >= 100 && status < 200 && status != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(status)
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *stateWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *stateWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wroteHeader = true
		flusher.Flush()
	}
}

func (w *stateWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	w.wroteHeader = true
	return hijacker.Hijack()
}

func (w *stateWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
