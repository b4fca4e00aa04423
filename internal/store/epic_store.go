package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// CreateEpic adds a pending epic to a project.
func (db *DB) CreateEpic(projectID, name string, priority int) (*model.Epic, error) {
	e := &model.Epic{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		Priority:  priority,
		Status:    model.EpicPending,
		CreatedAt: time.Now().UTC(),
	}
	err := db.withRetry("CreateEpic", func() error {
		_, err := db.Exec(`INSERT INTO epics (id, project_id, name, priority, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.ProjectID, e.Name, e.Priority, string(e.Status), formatTime(e.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanEpic(row interface{ Scan(...any) error }) (*model.Epic, error) {
	var e model.Epic
	var status, createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Priority, &status, &createdAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Status = model.EpicStatus(status)
	e.CreatedAt, _ = parseTime(createdAt)
	e.CompletedAt = parseNullableTime(completedAt)
	return &e, nil
}

// GetEpic fetches a single epic by id.
func (db *DB) GetEpic(id string) (*model.Epic, error) {
	row := db.QueryRow(`SELECT id, project_id, name, priority, status, created_at, completed_at FROM epics WHERE id = ?`, id)
	return scanEpic(row)
}

// ListEpics returns a project's epics ordered by (priority, id).
func (db *DB) ListEpics(projectID string) ([]*model.Epic, error) {
	rows, err := db.Query(`SELECT id, project_id, name, priority, status, created_at, completed_at FROM epics WHERE project_id = ? ORDER BY priority, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEpicStatus sets an epic's status directly, outside the completion
// gate; ordinary completion transitions go through the gate instead.
func (db *DB) UpdateEpicStatus(id string, status model.EpicStatus) error {
	return db.withRetry("UpdateEpicStatus", func() error {
		return updateEpicStatusIn(db, id, status)
	})
}

func updateEpicStatusIn(q querier, id string, status model.EpicStatus) error {
	var completedAt sql.NullString
	if status == model.EpicCompleted {
		completedAt = sql.NullString{String: formatTime(time.Now().UTC()), Valid: true}
	}
	res, err := q.Exec(`UPDATE epics SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`, string(status), completedAt, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
