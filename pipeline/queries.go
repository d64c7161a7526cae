package pipeline

import (
	"context"

	"github.com/LdDl/ppe-watch/registry"
	"github.com/LdDl/ppe-watch/store"
	"github.com/LdDl/ppe-watch/violation"
	"github.com/pkg/errors"
)

// RecentSightings returns people seen on any camera within the recent window
func (r *Runner) RecentSightings() map[string]registry.Sighting {
	return r.registry.Recent(r.cfg.Registry.RecentWindow, r.now())
}

// ViolationStatus returns all active violation windows
func (r *Runner) ViolationStatus() []violation.WindowStatus {
	return r.confirmer.Status()
}

// ConfirmedViolations returns persisted confirmed violations, most recent first.
// Limit is clamped to [1, 100], zero means 20.
func (r *Runner) ConfirmedViolations(ctx context.Context, limit, offset int) ([]store.Record, error) {
	if r.deps.Querier == nil {
		return nil, errors.New("Confirmed violations are not queryable: no store configured")
	}
	limit, offset = store.ClampPage(limit, offset)
	return r.deps.Querier.ConfirmedViolations(ctx, limit, offset)
}

// Stats returns counters of every camera ordered by identifier
func (r *Runner) Stats() []CameraStats {
	r.mu.Lock()
	cams := make([]*camera, 0, len(r.order))
	for _, id := range r.order {
		cams = append(cams, r.cameras[id])
	}
	r.mu.Unlock()
	stats := make([]CameraStats, 0, len(cams))
	for _, cam := range cams {
		stats = append(stats, cam.stats())
	}
	return stats
}

// PersistenceStats returns counters of the persistence pool
func (r *Runner) PersistenceStats() store.PoolStats {
	return r.pool.Stats()
}
