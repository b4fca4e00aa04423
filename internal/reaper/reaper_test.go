package reaper

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/eventbus"
	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/registry"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), store.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func backdateHeartbeat(t *testing.T, db *store.DB, sessionID string, age time.Duration) {
	t.Helper()
	if _, err := db.Exec(`UPDATE sessions SET heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-age).Format(time.RFC3339Nano), sessionID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
}

func TestSweepReclaimsSessionPastThresholdWithNoRegistryEntry(t *testing.T) {
	db := setupTestDB(t)
	proj, err := db.CreateProject("p1", "spec", model.ModeStrict, "local")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sess, err := db.RecordSession(proj.ID, model.SessionCoding, "claude")
	if err != nil {
		t.Fatalf("record session: %v", err)
	}
	backdateHeartbeat(t, db, sess.ID, 30*time.Minute)

	bus := eventbus.New(8)
	events, unsubscribe := bus.Subscribe(proj.ID)
	defer unsubscribe()

	r := New(db, registry.New(), bus, time.Hour, map[model.SessionType]time.Duration{
		model.SessionCoding: 20 * time.Minute,
	})
	if err := r.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := db.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != model.SessionFailed {
		t.Fatalf("expected session failed, got %s", got.Status)
	}
	if got.FailureReason != "stale" {
		t.Fatalf("expected failure reason 'stale', got %q", got.FailureReason)
	}
	if r.ReclaimedTotal() != 1 {
		t.Fatalf("expected reclaimed total 1, got %d", r.ReclaimedTotal())
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.SessionError {
			t.Fatalf("expected session_error event, got %s", ev.Type)
		}
	default:
		t.Fatal("expected a session_error event to be published")
	}
}

func TestSweepLeavesFreshSessionAlone(t *testing.T) {
	db := setupTestDB(t)
	proj, _ := db.CreateProject("p2", "spec", model.ModeStrict, "local")
	sess, _ := db.RecordSession(proj.ID, model.SessionCoding, "claude")

	r := New(db, registry.New(), eventbus.New(8), time.Hour, map[model.SessionType]time.Duration{
		model.SessionCoding: 20 * time.Minute,
	})
	if err := r.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := db.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != model.SessionCreated {
		t.Fatalf("expected session left untouched, got %s", got.Status)
	}
}

func TestSweepSkipsSessionWithLiveRegistryEntry(t *testing.T) {
	db := setupTestDB(t)
	proj, _ := db.CreateProject("p3", "spec", model.ModeStrict, "local")
	sess, _ := db.RecordSession(proj.ID, model.SessionCoding, "claude")
	backdateHeartbeat(t, db, sess.ID, 30*time.Minute)

	reg := registry.New()
	reg.TryClaim(proj.ID, sess.ID, registry.KindCoding, 1)

	r := New(db, reg, eventbus.New(8), time.Hour, map[model.SessionType]time.Duration{
		model.SessionCoding: 20 * time.Minute,
	})
	if err := r.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := db.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != model.SessionCreated {
		t.Fatalf("expected session left untouched while registry entry is live, got %s", got.Status)
	}
	if r.ReclaimedTotal() != 0 {
		t.Fatalf("expected reclaimed total 0, got %d", r.ReclaimedTotal())
	}
}
