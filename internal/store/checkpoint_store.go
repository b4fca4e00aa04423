package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// CreateCheckpoint persists an advisory snapshot at a well-defined point
// (task completion, epic completion, intervention). Checkpoints are not
// consulted for recovery decisions — the authoritative state is always
// the rows in the tables above.
func (db *DB) CreateCheckpoint(sessionID, projectID, kind, payload string) (*model.Checkpoint, error) {
	c := &model.Checkpoint{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ProjectID: projectID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	err := db.withRetry("CreateCheckpoint", func() error {
		_, err := db.Exec(`INSERT INTO checkpoints (id, session_id, project_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.SessionID, c.ProjectID, c.Kind, c.Payload, formatTime(c.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCheckpoints returns a session's checkpoints, oldest first.
func (db *DB) ListCheckpoints(sessionID string) ([]*model.Checkpoint, error) {
	rows, err := db.Query(`SELECT id, session_id, project_id, kind, payload, created_at FROM checkpoints WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Checkpoint
	for rows.Next() {
		var c model.Checkpoint
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ProjectID, &c.Kind, &c.Payload, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = parseTime(createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}
