package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ResourceScheme prefixes the URI of every cached page.
const ResourceScheme = "cache://"

// ErrResourceNotFound is returned when a resource URI has no fresh cache entry.
var ErrResourceNotFound = errors.New("resource not found")

// Resource describes a cached page.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is the body of a cached page.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// Resources lists fresh cached pages, newest first.
func (r *Registry) Resources() []Resource {
	entries := r.deps.Cache.All()
	out := make([]Resource, 0, len(entries))
	for _, entry := range entries {
		name := entry.Title
		if name == "" {
			name = entry.URL
		}
		out = append(out, Resource{
			URI:         ResourceScheme + entry.URL,
			Name:        name,
			Description: fmt.Sprintf("Cached %s (%d bytes, sha256 %s)", entry.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), entry.Size, entry.Hash),
			MimeType:    mimeType(entry.ContentType),
		})
	}
	return out
}

// ReadResource returns the cached page behind uri.
func (r *Registry) ReadResource(uri string) (ResourceContent, error) {
	target, ok := strings.CutPrefix(uri, ResourceScheme)
	if !ok || target == "" {
		return ResourceContent{}, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	entry, found := r.deps.Cache.Get(target)
	if !found {
		return ResourceContent{}, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return ResourceContent{URI: uri, MimeType: mimeType(entry.ContentType), Text: entry.Content}, nil
}

func mimeType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mt)
}
