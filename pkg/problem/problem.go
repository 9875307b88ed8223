// Package problem provides helpers for emitting RFC 7807 responses that
// include trace identifiers and consistent field casing across the web
// application and its middleware.
package problem

import (
	"encoding/json"
	"net/http"
)

// ContentType is the media type of a problem document.
const ContentType = "application/problem+json"

// DefaultType is used when a problem has no more specific type URI.
const DefaultType = "about:blank"

// Response represents an RFC 7807 problem document.
type Response struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// New builds a problem document. An empty title is replaced with the
// standard status text.
func New(status int, title, detail, instance string) Response {
	if title == "" {
		title = http.StatusText(status)
	}
	return Response{
		Type:     DefaultType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// WithTraceID returns a copy of the problem carrying the trace identifier.
func (p Response) WithTraceID(traceID string) Response {
	p.TraceID = traceID
	return p
}

// staleHeaders describe a body the handler meant to send and would be wrong
// on the problem document.
var staleHeaders = []string{
	"Content-Length",
	"Content-Encoding",
	"Content-Disposition",
	"Content-Range",
	"ETag",
	"Last-Modified",
}

// WriteTo emits the problem as the response. It must be called before any
// other write to w.
func (p Response) WriteTo(w http.ResponseWriter) error {
	if p.Type == "" {
		p.Type = DefaultType
	}
	headers := w.Header()
	for _, name := range staleHeaders {
		headers.Del(name)
	}
	headers.Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	return json.NewEncoder(w).Encode(p)
}

// Write emits a problem+json response.
func Write(w http.ResponseWriter, status int, title, detail, traceID, instance string) {
	_ = New(status, title, detail, instance).WithTraceID(traceID).WriteTo(w)
}
