package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// CreateIntervention records an epic that blocked in strict mode (or
// exceeded tolerance in autonomous mode). Ownership: created by the
// completion gate, cleared by explicit resume via ResolveIntervention.
func (db *DB) CreateIntervention(projectID, epicID, sessionID string, failedTests []string, reason string) (*model.Intervention, error) {
	var iv *model.Intervention
	err := db.withRetry("CreateIntervention", func() error {
		var err error
		iv, err = createInterventionIn(db, projectID, epicID, sessionID, failedTests, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return iv, nil
}

func createInterventionIn(q querier, projectID, epicID, sessionID string, failedTests []string, reason string) (*model.Intervention, error) {
	failed, err := json.Marshal(failedTests)
	if err != nil {
		return nil, err
	}
	iv := &model.Intervention{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		EpicID:      epicID,
		SessionID:   sessionID,
		FailedTests: failedTests,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = q.Exec(`
		INSERT INTO interventions (id, project_id, epic_id, session_id, failed_tests, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, iv.ID, iv.ProjectID, iv.EpicID, iv.SessionID, string(failed), iv.Reason, formatTime(iv.CreatedAt))
	if err != nil {
		return nil, err
	}
	return iv, nil
}

// ResolveIntervention clears an intervention, stamping resolved_at.
func (db *DB) ResolveIntervention(id string) error {
	return db.withRetry("ResolveIntervention", func() error {
		res, err := db.Exec(`UPDATE interventions SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`, formatTime(time.Now().UTC()), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListOpenInterventions returns unresolved interventions for a project.
func (db *DB) ListOpenInterventions(projectID string) ([]*model.Intervention, error) {
	rows, err := db.Query(`
		SELECT id, project_id, epic_id, session_id, failed_tests, reason, created_at, resolved_at
		FROM interventions WHERE project_id = ? AND resolved_at IS NULL
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Intervention
	for rows.Next() {
		var iv model.Intervention
		var failed, createdAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&iv.ID, &iv.ProjectID, &iv.EpicID, &iv.SessionID, &failed, &iv.Reason, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(failed), &iv.FailedTests)
		iv.CreatedAt, _ = parseTime(createdAt)
		iv.ResolvedAt = parseNullableTime(resolvedAt)
		out = append(out, &iv)
	}
	return out, rows.Err()
}
