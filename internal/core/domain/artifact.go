package domain

import (
	"net/url"
	"strings"
	"time"
)

type ArtifactKind string

// Artifact kinds double as table and storage bucket names.
const (
	ArtifactScreenshot ArtifactKind = "screenshots"
	ArtifactVideo      ArtifactKind = "videos"
)

func (k ArtifactKind) Valid() bool {
	return k == ArtifactScreenshot || k == ArtifactVideo
}

// Artifact is an immutable captured screenshot or clip.
type Artifact struct {
	ID          string       `json:"id"`
	AgentID     AgentID      `json:"employee_id"`
	Kind        ArtifactKind `json:"-"`
	URL         string       `json:"url"`
	StoragePath string       `json:"storage_path"`
	CreatedAt   time.Time    `json:"created_at"`

	// PublicURL is filled in by resolution and never stored.
	PublicURL string `json:"public_url,omitempty"`
}

// HasAbsoluteURL reports whether URL already carries a scheme and host.
func (a Artifact) HasAbsoluteURL() bool {
	if a.URL == "" {
		return false
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
