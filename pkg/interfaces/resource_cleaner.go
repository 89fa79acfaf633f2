package interfaces

import (
	"context"
	"time"

	"spotfleet/internal/model"
)

// ResourceCleaner removes stale switch artifacts (snapshots, images) owned by the fleet
type ResourceCleaner interface {
	// Cleanup deletes artifacts older than the per-class cutoff and reports per resource class
	Cleanup(ctx context.Context, now time.Time) (map[string]*model.ResourceCleanup, error)
}
