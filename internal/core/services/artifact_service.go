package services

import (
	"context"
	"fmt"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"go.uber.org/zap"
)

const (
	DefaultScreenshotLimit = 20
	DefaultVideoLimit      = 10
)

type artifactService struct {
	artifacts ports.ArtifactRepository
	resolver  ports.URLResolver
	logger    *zap.SugaredLogger
}

func NewArtifactService(artifacts ports.ArtifactRepository, resolver ports.URLResolver, logger *zap.SugaredLogger) ports.ArtifactService {
	return &artifactService{
		artifacts: artifacts,
		resolver:  resolver,
		logger:    logger,
	}
}

// List returns the newest artifacts of a kind with PublicURL resolved.
func (s *artifactService) List(ctx context.Context, agentID domain.AgentID, kind domain.ArtifactKind) ([]*domain.Artifact, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
	limit := DefaultScreenshotLimit
	if kind == domain.ArtifactVideo {
		limit = DefaultVideoLimit
	}

	items, err := s.artifacts.ListByAgent(ctx, agentID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	for _, a := range items {
		a.Kind = kind
		u, err := s.ResolveURL(a)
		if err != nil {
			s.logger.Warnw("Failed to resolve artifact url", "artifact_id", a.ID, "error", err)
			continue
		}
		a.PublicURL = u
	}
	return items, nil
}

// ResolveURL passes absolute URLs through unchanged; anything else is looked
// up in the artifact's bucket by storage path.
func (s *artifactService) ResolveURL(a *domain.Artifact) (string, error) {
	if a.HasAbsoluteURL() {
		return a.URL, nil
	}
	path := a.StoragePath
	if path == "" {
		path = a.URL
	}
	if path == "" {
		return "", fmt.Errorf("artifact %s has neither url nor storage_path", a.ID)
	}
	kind := a.Kind
	if !kind.Valid() {
		kind = domain.ArtifactScreenshot
	}
	return s.resolver.PublicURL(string(kind), path)
}
