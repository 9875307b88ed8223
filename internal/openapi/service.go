// Package openapi serves the OpenAPI document describing the web API.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed webapp.yaml
var embeddedDocument []byte

// DocumentProvider exposes the OpenAPI document.
type DocumentProvider interface {
	Document(ctx context.Context) ([]byte, error)
}

// Service loads, validates and caches the embedded document as JSON.
type Service struct {
	source []byte

	mu    sync.Mutex
	cache []byte
}

// Option customises a Service.
type Option func(*Service)

// WithSource replaces the embedded YAML/JSON document.
func WithSource(data []byte) Option {
	return func(s *Service) {
		if len(data) > 0 {
			s.source = data
		}
	}
}

// NewService constructs a Service with optional overrides.
func NewService(opts ...Option) *Service {
	s := &Service{source: embeddedDocument}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Document returns the validated document in JSON form. A failed build is
// not cached, so a later call retries.
func (s *Service) Document(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		return clone(s.cache), nil
	}

	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	s.cache = raw
	return clone(raw), nil
}

func (s *Service) load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	doc, err := loader.LoadFromData(s.source)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return doc, nil
}

func clone(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
