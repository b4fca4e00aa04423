package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// CreateEpicTest attaches an integration-level test to an epic.
func (db *DB) CreateEpicTest(epicID, name string, dependsOnTasks []string) (*model.EpicTest, error) {
	deps, err := json.Marshal(dependsOnTasks)
	if err != nil {
		return nil, err
	}
	et := &model.EpicTest{
		ID:             uuid.New().String(),
		EpicID:         epicID,
		Name:           name,
		LastResult:     model.EpicTestNotRun,
		DependsOnTasks: dependsOnTasks,
		CreatedAt:      time.Now().UTC(),
	}
	err = db.withRetry("CreateEpicTest", func() error {
		_, err := db.Exec(`INSERT INTO epic_tests (id, epic_id, name, last_result, depends_on_tasks, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			et.ID, et.EpicID, et.Name, string(et.LastResult), string(deps), formatTime(et.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return et, nil
}

const epicTestColumns = `id, epic_id, name, last_result, depends_on_tasks, failure_log, created_at, verified_at`

func scanEpicTest(row interface{ Scan(...any) error }) (*model.EpicTest, error) {
	var et model.EpicTest
	var lastResult, deps, createdAt string
	var verifiedAt sql.NullString
	if err := row.Scan(&et.ID, &et.EpicID, &et.Name, &lastResult, &deps, &et.FailureLog, &createdAt, &verifiedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	et.LastResult = model.EpicTestResult(lastResult)
	_ = json.Unmarshal([]byte(deps), &et.DependsOnTasks)
	et.CreatedAt, _ = parseTime(createdAt)
	et.VerifiedAt = parseNullableTime(verifiedAt)
	return &et, nil
}

// GetEpicTest fetches a single epic-test by id.
func (db *DB) GetEpicTest(id string) (*model.EpicTest, error) {
	row := db.QueryRow(`SELECT `+epicTestColumns+` FROM epic_tests WHERE id = ?`, id)
	return scanEpicTest(row)
}

// ListEpicTests returns all epic-tests attached to an epic.
func (db *DB) ListEpicTests(epicID string) ([]*model.EpicTest, error) {
	return listEpicTestsIn(db, epicID)
}

func listEpicTestsIn(q querier, epicID string) ([]*model.EpicTest, error) {
	rows, err := q.Query(`SELECT `+epicTestColumns+` FROM epic_tests WHERE epic_id = ?`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.EpicTest
	for rows.Next() {
		et, err := scanEpicTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, et)
	}
	return out, rows.Err()
}

// UpdateEpicTestResult records an epic-test outcome and, if the epic's
// tasks are already all done, re-runs the completion gate: a
// previously-pending epic can become completable or blocked purely from
// an epic-test result landing after the last task closed. The result
// write and whatever the gate decides commit or roll back together, in
// one transaction under the project's advisory lock.
func (db *DB) UpdateEpicTestResult(id string, result model.EpicTestResult, failureLog, sessionID string) (*GateResult, error) {
	et, err := db.GetEpicTest(id)
	if err != nil {
		return nil, err
	}
	epic, err := db.GetEpic(et.EpicID)
	if err != nil {
		return nil, err
	}
	project, err := db.GetProject(epic.ProjectID)
	if err != nil {
		return nil, err
	}

	var verifiedAt sql.NullString
	if result == model.EpicTestPassed || result == model.EpicTestFailed {
		verifiedAt = sql.NullString{String: formatTime(time.Now().UTC()), Valid: true}
	}

	var gateResult *GateResult
	err = db.WithProjectLock(project.ID, func() error {
		return db.withRetry("UpdateEpicTestResult", func() error {
			return db.Transaction(func(tx *sql.Tx) error {
				res, err := tx.Exec(`UPDATE epic_tests SET last_result = ?, failure_log = ?, verified_at = COALESCE(?, verified_at) WHERE id = ?`,
					string(result), failureLog, verifiedAt, id)
				if err != nil {
					return err
				}
				n, _ := res.RowsAffected()
				if n == 0 {
					return ErrNotFound
				}

				gateResult, err = db.checkEpicCompletion(tx, project, epic, sessionID)
				return err
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return gateResult, nil
}
