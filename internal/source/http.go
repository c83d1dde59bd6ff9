package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go-media-download/internal/api"
	"go-media-download/internal/models"
	"go-media-download/internal/storage"
)

// Manifest is served at an item URL ending in ".json" and lists the item's parts.
type Manifest struct {
	Parts []Part `json:"parts"`
}

// HTTPSource downloads items straight from their URL. An item URL pointing at a JSON
// manifest yields one part per listed file; any other URL is a single-file item.
type HTTPSource struct {
	id     int64
	name   string
	client *api.Client
}

func NewHTTPSource(id int64, name string, client *api.Client) *HTTPSource {
	return &HTTPSource{id: id, name: name, client: client}
}

func (s *HTTPSource) ID() int64    { return s.id }
func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Parts(ctx context.Context, entry models.Entry, item models.Item) ([]Part, error) {
	if item.URL == "" {
		return nil, fmt.Errorf("item %d of entry %d has no url", item.ID, entry.ID)
	}
	u, err := url.Parse(item.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid item url %q: %w", item.URL, err)
	}

	if strings.HasSuffix(strings.ToLower(u.Path), ".json") {
		var manifest Manifest
		if err := s.client.GetJSON(ctx, item.URL, &manifest); err != nil {
			return nil, err
		}
		parts := make([]Part, 0, len(manifest.Parts))
		for i, p := range manifest.Parts {
			if p.Locator == "" {
				continue
			}
			ref, err := u.Parse(p.Locator)
			if err != nil {
				return nil, fmt.Errorf("invalid part url %q: %w", p.Locator, err)
			}
			p.Locator = ref.String()
			if p.Name == "" {
				p.Name = fmt.Sprintf("%03d%s", i+1, path.Ext(ref.Path))
			}
			parts = append(parts, p)
		}
		return parts, nil
	}

	ext := path.Ext(u.Path)
	if ext == "" {
		ext = ".bin"
	}
	return []Part{{Name: storage.ItemDirName(item) + ext, Locator: item.URL}}, nil
}

func (s *HTTPSource) Open(ctx context.Context, part Part) (io.ReadCloser, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, part.Locator)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RemoteSize issues a HEAD request. It returns -1 when the server does not say.
func (s *HTTPSource) RemoteSize(ctx context.Context, part Part) (int64, error) {
	resp, err := s.client.Do(ctx, http.MethodHead, part.Locator)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.ContentLength, nil
}
