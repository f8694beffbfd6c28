package arr

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpdateUnsupported is returned by services whose API does not accept
// indexer configuration writes (Prowlarr v1).
var ErrUpdateUnsupported = errors.New("arr: indexer updates not supported by this service")

// Service is one Arr instance the healing pipeline can talk to.
//
// Radarr and Sonarr expose the full surface; Prowlarr is list/test only and
// returns ErrUpdateUnsupported from UpdateIndexer.
type Service interface {
	// Name identifies the service instance ("radarr", "sonarr", "prowlarr").
	Name() string

	// GetIndexers lists every indexer configured on the service.
	GetIndexers(ctx context.Context) ([]Indexer, error)

	// TestIndexer asks the service to probe one indexer end to end.
	// A nil error means the indexer answered the test.
	TestIndexer(ctx context.Context, id int) error

	// UpdateIndexer pushes a complete indexer record back, typically with
	// Enable flipped. The record must originate from GetIndexers so the
	// unmodeled fields round-trip intact.
	UpdateIndexer(ctx context.Context, ix Indexer) error
}

// v3Service covers Radarr and Sonarr, which share the v3 indexer API.
type v3Service struct {
	name   string
	client *Client
}

// NewRadarr wraps a client pointing at a Radarr instance.
func NewRadarr(client *Client) Service {
	return &v3Service{name: "radarr", client: client}
}

// NewSonarr wraps a client pointing at a Sonarr instance.
func NewSonarr(client *Client) Service {
	return &v3Service{name: "sonarr", client: client}
}

func (s *v3Service) Name() string { return s.name }

func (s *v3Service) GetIndexers(ctx context.Context) ([]Indexer, error) {
	var indexers []Indexer
	if err := s.client.Get(ctx, "/api/v3/indexer", &indexers); err != nil {
		return nil, fmt.Errorf("%s: list indexers: %w", s.name, err)
	}
	return indexers, nil
}

func (s *v3Service) TestIndexer(ctx context.Context, id int) error {
	if err := s.client.Post(ctx, fmt.Sprintf("/api/v3/indexer/%d/test", id), nil, nil); err != nil {
		return fmt.Errorf("%s: test indexer %d: %w", s.name, id, err)
	}
	return nil
}

func (s *v3Service) UpdateIndexer(ctx context.Context, ix Indexer) error {
	if err := s.client.Put(ctx, fmt.Sprintf("/api/v3/indexer/%d", ix.ID), ix, nil); err != nil {
		return fmt.Errorf("%s: update indexer %d: %w", s.name, ix.ID, err)
	}
	return nil
}

// Prowlarr is the unified indexer manager. Its v1 API lists and tests
// indexers but does not take configuration writes, so the healing pipeline
// treats it as observe-only. AddIndexer is exposed for discovery.
type Prowlarr struct {
	client *Client
}

// NewProwlarr wraps a client pointing at a Prowlarr instance.
func NewProwlarr(client *Client) *Prowlarr {
	return &Prowlarr{client: client}
}

func (p *Prowlarr) Name() string { return "prowlarr" }

func (p *Prowlarr) GetIndexers(ctx context.Context) ([]Indexer, error) {
	var indexers []Indexer
	if err := p.client.Get(ctx, "/api/v1/indexer", &indexers); err != nil {
		return nil, fmt.Errorf("prowlarr: list indexers: %w", err)
	}
	return indexers, nil
}

func (p *Prowlarr) TestIndexer(ctx context.Context, id int) error {
	if err := p.client.Post(ctx, fmt.Sprintf("/api/v1/indexer/%d/test", id), nil, nil); err != nil {
		return fmt.Errorf("prowlarr: test indexer %d: %w", id, err)
	}
	return nil
}

func (p *Prowlarr) UpdateIndexer(ctx context.Context, ix Indexer) error {
	return fmt.Errorf("prowlarr: update indexer %d: %w", ix.ID, ErrUpdateUnsupported)
}

// AddIndexer registers a new indexer definition with Prowlarr.
func (p *Prowlarr) AddIndexer(ctx context.Context, def map[string]any) error {
	if err := p.client.Post(ctx, "/api/v1/indexer", def, nil); err != nil {
		return fmt.Errorf("prowlarr: add indexer: %w", err)
	}
	return nil
}
