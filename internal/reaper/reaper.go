// Package reaper runs the background loop that marks abandoned sessions
// failed using type-aware heartbeat thresholds: list stale sessions,
// verify no live registry claim, mark failed, broadcast.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/eventbus"
	"github.com/waypoint-labs/sessionctl/internal/metrics"
	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/registry"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

// DefaultInterval is the reaper's fixed sweep cadence.
const DefaultInterval = 60 * time.Second

// DefaultThresholds returns the staleness cutoffs: 2h for initializer
// sessions, 20m for coding sessions.
func DefaultThresholds() map[model.SessionType]time.Duration {
	return map[model.SessionType]time.Duration{
		model.SessionInitializer: 2 * time.Hour,
		model.SessionCoding:      20 * time.Minute,
	}
}

// Reaper periodically reclaims stale sessions.
type Reaper struct {
	store      store.Store
	registry   *registry.Registry
	bus        *eventbus.EventBus
	interval   time.Duration
	thresholds map[model.SessionType]time.Duration
	metrics    *metrics.Metrics

	reclaimedTotal int
}

// SetMetrics attaches the process-wide collectors; nil disables
// instrumentation.
func (r *Reaper) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// New builds a Reaper with the given collaborators. Pass a zero Duration
// for interval to use DefaultInterval, and a nil thresholds map to use
// DefaultThresholds.
func New(st store.Store, reg *registry.Registry, bus *eventbus.EventBus, interval time.Duration, thresholds map[model.SessionType]time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Reaper{store: st, registry: reg, bus: bus, interval: interval, thresholds: thresholds}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(); err != nil {
				log.Printf("[reaper] sweep error: %v", err)
			}
		}
	}
}

// Sweep runs one reclamation pass; the running count of reclaimed
// sessions is available from ReclaimedTotal. It is exported so callers
// (and tests) can drive it synchronously instead of waiting for the ticker.
func (r *Reaper) Sweep() error {
	stale, err := r.store.ListStaleSessions(r.thresholds)
	if err != nil {
		return err
	}

	for _, s := range stale {
		if _, live := r.registry.Active(s.ProjectID); live {
			// The scheduler updates heartbeats on every observed event;
			// a live registry handle means the session is simply quiet,
			// not abandoned. Leave it alone.
			continue
		}

		reason := "stale"
		status := model.SessionFailed
		if err := r.store.UpdateSession(s.ID, store.SessionPatch{
			Status:        &status,
			FailureReason: &reason,
		}); err != nil {
			log.Printf("[reaper] failed to mark session %s stale: %v", s.ID, err)
			continue
		}

		r.registry.ReleaseStaleByID(s.ProjectID, s.ID)

		r.bus.Publish(s.ProjectID, eventbus.SessionError, eventbus.SessionErrorPayload{
			SessionID: s.ID,
			Code:      "stale",
			Detail:    "session heartbeat exceeded its type threshold and was reclaimed by the reaper",
		})

		r.reclaimedTotal++
		if r.metrics != nil {
			r.metrics.ReaperReclaims.WithLabelValues(string(s.Type), reason).Inc()
		}
		log.Printf("[reaper] reclaimed stale session %s (project %s, type %s)", s.ID, s.ProjectID, s.Type)
	}

	return nil
}

// ReclaimedTotal returns the running count of sessions this reaper has
// reclaimed since construction.
func (r *Reaper) ReclaimedTotal() int {
	return r.reclaimedTotal
}
