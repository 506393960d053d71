package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"fleetdesk/internal/core/ports"
)

// DefaultPublicPrefix is the object-storage path for publicly readable
// buckets.
const DefaultPublicPrefix = "storage/v1/object/public"

var ErrNoBaseURL = errors.New("storage base url not configured")

// PublicURLResolver builds <base>/<prefix>/<bucket>/<path> URLs.
type PublicURLResolver struct {
	base   *url.URL
	prefix string
}

var _ ports.URLResolver = (*PublicURLResolver)(nil)

// NewPublicURLResolver parses baseURL. An empty prefix selects
// DefaultPublicPrefix.
func NewPublicURLResolver(baseURL, prefix string) (*PublicURLResolver, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid storage base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid storage base url scheme %q", u.Scheme)
	}
	if prefix == "" {
		prefix = DefaultPublicPrefix
	}
	return &PublicURLResolver{base: u, prefix: strings.Trim(prefix, "/")}, nil
}

func (r *PublicURLResolver) PublicURL(bucket, path string) (string, error) {
	if bucket == "" {
		return "", fmt.Errorf("bucket is required")
	}
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", fmt.Errorf("object path is required")
	}
	segments := append([]string{r.prefix, bucket}, strings.Split(path, "/")...)
	return r.base.JoinPath(segments...).String(), nil
}
