package syncer

import (
	"context"
	"fmt"

	"github.com/fieldops/patrolsync/internal/records"
	"go.uber.org/zap"
)

// CatalogTransport pulls the reference data the agent caches locally.
type CatalogTransport interface {
	FetchPatrolLocations(ctx context.Context) ([]records.PatrolLocation, error)
	FetchCheckpoints(ctx context.Context, locationID int64) ([]records.Checkpoint, error)
}

// CatalogConfig describes the dependencies of the catalog refresher.
type CatalogConfig struct {
	Store  *records.Store
	Client CatalogTransport
	Logger *zap.Logger
}

// Catalog refreshes the read-mostly patrol location and checkpoint cache
// from the server. Replacement is wholesale, never a merge: the server owns
// reference data.
type Catalog struct {
	store  *records.Store
	client CatalogTransport
	logger *zap.Logger
}

// NewCatalog constructs the catalog refresher.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("syncer: catalog transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Catalog{store: cfg.Store, client: cfg.Client, logger: logger}, nil
}

// Refresh replaces the cached catalog with the server's current view.
func (c *Catalog) Refresh(ctx context.Context) error {
	locations, err := c.client.FetchPatrolLocations(ctx)
	if err != nil {
		return fmt.Errorf("syncer: fetch patrol locations: %w", err)
	}
	if err := c.store.ReplacePatrolLocations(ctx, locations); err != nil {
		return err
	}
	for _, location := range locations {
		checkpoints, err := c.client.FetchCheckpoints(ctx, location.ID)
		if err != nil {
			return fmt.Errorf("syncer: fetch checkpoints for %d: %w", location.ID, err)
		}
		if err := c.store.ReplaceCheckpoints(ctx, location.ID, checkpoints); err != nil {
			return err
		}
	}
	c.logger.Info("patrol catalog refreshed", zap.Int("locations", len(locations)))
	return nil
}
