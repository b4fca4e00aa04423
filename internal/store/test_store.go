package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

// CreateTest attaches a new, unset test to a task. Identity is immutable
// once created: there is no RenameTest/ReparentTest operation.
func (db *DB) CreateTest(taskID, category, requirements, successCriteria, steps string) (*model.Test, error) {
	t := &model.Test{
		ID:              uuid.New().String(),
		TaskID:          taskID,
		Category:        category,
		Requirements:    requirements,
		SuccessCriteria: successCriteria,
		Steps:           steps,
		Passes:          false,
		CreatedAt:       time.Now().UTC(),
	}
	err := db.withRetry("CreateTest", func() error {
		_, err := db.Exec(`
			INSERT INTO tests (id, task_id, category, requirements, success_criteria, steps, passes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, t.ID, t.TaskID, t.Category, t.Requirements, t.SuccessCriteria, t.Steps, formatTime(t.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

const testColumns = `id, task_id, category, requirements, success_criteria, steps, passes, last_result, execution_time_ms, retry_count, notes, error_detail, verified_at, created_at`

func scanTest(row interface{ Scan(...any) error }) (*model.Test, error) {
	var t model.Test
	var passes int
	var verifiedAt sql.NullString
	var createdAt string
	if err := row.Scan(&t.ID, &t.TaskID, &t.Category, &t.Requirements, &t.SuccessCriteria, &t.Steps,
		&passes, &t.LastResult, &t.ExecutionTimeMs, &t.RetryCount, &t.Notes, &t.ErrorDetail, &verifiedAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Passes = passes != 0
	t.VerifiedAt = parseNullableTime(verifiedAt)
	t.CreatedAt, _ = parseTime(createdAt)
	return &t, nil
}

// GetTest fetches a single test by id.
func (db *DB) GetTest(id string) (*model.Test, error) {
	row := db.QueryRow(`SELECT `+testColumns+` FROM tests WHERE id = ?`, id)
	return scanTest(row)
}

// ListTests returns all tests attached to a task.
func (db *DB) ListTests(taskID string) ([]*model.Test, error) {
	return listTestsIn(db, taskID)
}

func listTestsIn(q querier, taskID string) ([]*model.Test, error) {
	rows, err := q.Query(`SELECT `+testColumns+` FROM tests WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTestResult records the outcome of running one test. Only the
// runner observing the test's own execution should call this — it is the
// sole path by which passes can become true.
func (db *DB) UpdateTestResult(testID string, passes bool, notes, errDetail string, durMs int64) error {
	return db.withRetry("UpdateTestResult", func() error {
		passesInt := 0
		if passes {
			passesInt = 1
		}
		lastResult := "passed"
		if !passes {
			lastResult = "failed"
		}

		var verifiedAt sql.NullString
		var retryBump string
		if passes {
			verifiedAt = sql.NullString{String: formatTime(time.Now().UTC()), Valid: true}
			retryBump = "retry_count"
		} else {
			retryBump = "retry_count + 1"
		}

		query := `UPDATE tests SET passes = ?, last_result = ?, execution_time_ms = ?, retry_count = ` + retryBump + `, notes = ?, error_detail = ?, verified_at = COALESCE(?, verified_at) WHERE id = ?`
		res, err := db.Exec(query, passesInt, lastResult, durMs, notes, errDetail, verifiedAt, testID)
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
