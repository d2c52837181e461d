// Package docparse turns stored document bytes into page-mapped text.
package docparse

import (
	"context"
	"errors"
	"mime"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/model"
)

// ErrUnsupported is returned when no extractor handles a MIME type.
var ErrUnsupported = errors.New("docparse: unsupported mime type")

// Extractor extracts text content from a document payload.
type Extractor interface {
	Extract(ctx context.Context, mimeType string, data []byte) (*model.DocumentText, error)
}

// Registry dispatches extraction on the document's MIME type.
type Registry struct {
	byType map[string]Extractor
}

// NewRegistry returns a Registry with the PDF and plain-text extractors.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Extractor)}
	r.Register(PDF{}, "application/pdf")
	r.Register(Text{}, "text/plain", "text/markdown", "text/csv", "text/x-markdown")
	return r
}

// Register binds ext to each MIME type, replacing any earlier binding.
func (r *Registry) Register(ext Extractor, mimeTypes ...string) {
	for _, m := range mimeTypes {
		r.byType[normalize(m)] = ext
	}
}

// Supports reports whether a registered extractor handles mimeType.
func (r *Registry) Supports(mimeType string) bool {
	_, ok := r.byType[normalize(mimeType)]
	return ok
}

// Extract runs the extractor registered for mimeType.
func (r *Registry) Extract(ctx context.Context, mimeType string, data []byte) (*model.DocumentText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext, ok := r.byType[normalize(mimeType)]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupported, "docparse: %q", mimeType)
	}
	return ext.Extract(ctx, mimeType, data)
}

// normalize strips parameters such as charset and lowercases the media type.
func normalize(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mt
}
