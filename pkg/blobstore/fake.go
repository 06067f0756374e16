package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/palettelab/conceptforge/internal/apperr"
)

// FakeGateway is an in-memory Gateway for Worker/API unit tests.
type FakeGateway struct {
	mu   sync.Mutex
	objs map[string][]byte

	// SignErr, if set, is returned from every SignedURL call, exercising
	// the "signing failed, fall back to raw path" behavior.
	SignErr error
	// Prefix is prepended to the path to form the fake signed URL.
	Prefix string
}

// NewFakeGateway creates an empty FakeGateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{objs: make(map[string][]byte)}
}

func (f *FakeGateway) Put(_ context.Context, path string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objs[path] = cp
	return nil
}

func (f *FakeGateway) Get(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objs[path]
	if !ok {
		return nil, apperr.NotFound("blob %q not found", path)
	}
	return data, nil
}

func (f *FakeGateway) SignedURL(path string) (string, error) {
	if f.SignErr != nil {
		return "", f.SignErr
	}
	prefix := f.Prefix
	if prefix == "" {
		prefix = "https://fake-blob.local/"
	}
	return prefix + path, nil
}

func (f *FakeGateway) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objs, path)
	return nil
}

var _ Gateway = (*FakeGateway)(nil)

// Router dispatches Put/Get/Delete/SignedURL to one of two underlying
// gateways by path prefix, letting the Worker upload base images and
// per-palette variations to the two environment-scoped buckets
// (BLOB_BUCKET_CONCEPT, BLOB_BUCKET_PALETTE) the configuration exposes while
// presenting a single Gateway (and concept.URLSigner) to callers that don't
// care which bucket a path lives in.
type Router struct {
	Concept Gateway
	Palette Gateway
}

const (
	// ConceptPrefix namespaces base-image paths routed to Concept.
	ConceptPrefix = "concept/"
	// PalettePrefix namespaces variation-image paths routed to Palette.
	PalettePrefix = "palette/"
)

func (r Router) route(path string) Gateway {
	if len(path) >= len(PalettePrefix) && path[:len(PalettePrefix)] == PalettePrefix {
		return r.Palette
	}
	return r.Concept
}

func (r Router) Put(ctx context.Context, path string, data []byte, contentType string) error {
	return r.route(path).Put(ctx, path, data, contentType)
}

func (r Router) Get(ctx context.Context, path string) ([]byte, error) {
	return r.route(path).Get(ctx, path)
}

func (r Router) SignedURL(path string) (string, error) {
	url, err := r.route(path).SignedURL(path)
	if err != nil {
		return "", fmt.Errorf("signing %s: %w", path, err)
	}
	return url, nil
}

func (r Router) Delete(ctx context.Context, path string) error {
	return r.route(path).Delete(ctx, path)
}

var _ Gateway = Router{}
