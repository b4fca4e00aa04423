package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/gate"
	"github.com/waypoint-labs/sessionctl/internal/model"
)

// CreateTask adds a pending task to an epic.
func (db *DB) CreateTask(epicID string, priority int, action, description string) (*model.Task, error) {
	t := &model.Task{
		ID:          uuid.New().String(),
		EpicID:      epicID,
		Priority:    priority,
		Action:      action,
		Description: description,
		Done:        false,
		CreatedAt:   time.Now().UTC(),
	}
	err := db.withRetry("CreateTask", func() error {
		_, err := db.Exec(`INSERT INTO tasks (id, epic_id, priority, action, description, done, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
			t.ID, t.EpicID, t.Priority, t.Action, t.Description, formatTime(t.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var done int
	var createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&t.ID, &t.EpicID, &t.Priority, &t.Action, &t.Description, &done, &createdAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Done = done != 0
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

const taskColumns = `id, epic_id, priority, action, description, done, created_at, completed_at`

// GetTask fetches a single task by id.
func (db *DB) GetTask(id string) (*model.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns an epic's tasks ordered by priority.
func (db *DB) ListTasks(epicID string) ([]*model.Task, error) {
	return listTasksIn(db, epicID)
}

func listTasksIn(q querier, epicID string) ([]*model.Task, error) {
	rows, err := q.Query(`SELECT `+taskColumns+` FROM tasks WHERE epic_id = ? ORDER BY priority, id`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextTask returns the next unit of work for a project: first, any epic
// whose tasks are all done but whose epic-tests have not all passed
// returns EpicTestRequired; otherwise the lowest-(epic.priority,
// task.priority) task with done = false. Epic status is deliberately not
// consulted here — a blocked epic still surfaces its pending epic-test
// check so a retried coding loop observes the same block.
func (db *DB) NextTask(projectID string) (*NextUnit, error) {
	epics, err := db.ListEpics(projectID)
	if err != nil {
		return nil, err
	}

	for _, epic := range epics {
		tasks, err := db.ListTasks(epic.ID)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			continue
		}
		allDone := true
		for _, t := range tasks {
			if !t.Done {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		epicTests, err := db.ListEpicTests(epic.ID)
		if err != nil {
			return nil, err
		}
		allPassed := true
		for _, et := range epicTests {
			if et.LastResult != model.EpicTestPassed {
				allPassed = false
				break
			}
		}
		if !allPassed {
			return &NextUnit{Kind: NextUnitEpicTestNeeded, Epic: epic}, nil
		}
	}

	for _, epic := range epics {
		tasks, err := db.ListTasks(epic.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if !t.Done {
				return &NextUnit{Kind: NextUnitTask, Task: t, Epic: epic}, nil
			}
		}
	}

	return &NextUnit{Kind: NextUnitNone}, nil
}

// MarkTaskDone enforces the task gate and, on success, triggers
// CheckEpicCompletion for the task's parent epic. The gate check, the
// done flip, and any status/intervention writes the epic gate makes all
// commit or roll back together: the whole body runs in one transaction
// under the project's advisory lock.
func (db *DB) MarkTaskDone(taskID, sessionID string) (*GateResult, error) {
	task, err := db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	epic, err := db.GetEpic(task.EpicID)
	if err != nil {
		return nil, err
	}
	project, err := db.GetProject(epic.ProjectID)
	if err != nil {
		return nil, err
	}

	var result *GateResult
	err = db.WithProjectLock(project.ID, func() error {
		return db.withRetry("MarkTaskDone", func() error {
			return db.Transaction(func(tx *sql.Tx) error {
				tests, err := listTestsIn(tx, taskID)
				if err != nil {
					return err
				}
				if failing := gate.TaskGate(tests); len(failing) > 0 {
					return &TestsNotPassing{FailingIDs: failing}
				}

				res, err := tx.Exec(`UPDATE tasks SET done = 1, completed_at = ? WHERE id = ? AND done = 0`, formatTime(time.Now().UTC()), taskID)
				if err != nil {
					return err
				}
				n, _ := res.RowsAffected()
				if n == 0 {
					return &Inconsistent{Detail: "task " + taskID + " already done or missing"}
				}

				result, err = db.checkEpicCompletion(tx, project, epic, sessionID)
				return err
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// checkEpicCompletion is CheckEpicCompletion's body, run inside the
// completing transaction while the project's advisory lock is held. It is
// the shared path for both MarkTaskDone and UpdateEpicTestResult, since
// either one can be the last event that makes an epic completable.
// sessionID identifies the session whose outcome triggered this check,
// recorded on any Intervention the gate creates so the failing session
// stays traceable.
func (db *DB) checkEpicCompletion(tx *sql.Tx, project *model.Project, epic *model.Epic, sessionID string) (*GateResult, error) {
	tasks, err := listTasksIn(tx, epic.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if !t.Done {
			// Epic still has pending work; nothing to gate yet.
			return &GateResult{EpicID: epic.ID, NewStatus: epic.Status}, nil
		}
	}

	epicTests, err := listEpicTestsIn(tx, epic.ID)
	if err != nil {
		return nil, err
	}

	decision := gate.EpicGate(gate.EpicGateConfig{
		Mode:                 project.EpicTestingMode,
		CriticalKeywords:     db.gateCfg.CriticalKeywords,
		AutoFailureTolerance: db.gateCfg.AutoFailureTolerance,
	}, epic.Name, epicTests)

	result := &GateResult{EpicID: epic.ID, NewStatus: decision.NewStatus, Blocked: decision.Blocked, FailingIDs: decision.FailingIDs}

	if decision.NewStatus == epic.Status && !decision.Blocked {
		return result, nil
	}

	if err := updateEpicStatusIn(tx, epic.ID, decision.NewStatus); err != nil {
		return nil, err
	}

	if decision.Blocked {
		iv, err := createInterventionIn(tx, project.ID, epic.ID, sessionID, decision.FailingIDs, decision.Reason)
		if err != nil {
			return nil, err
		}
		result.Intervention = iv
		if db.metrics != nil {
			db.metrics.GateBlocks.WithLabelValues(string(project.EpicTestingMode)).Inc()
		}
		return result, nil
	}

	if decision.NewStatus == model.EpicCompleted {
		completedCount := countCompletedEpicsIn(tx, project.ID)
		stride := db.gateCfg.RetestStride
		result.RetestRecommended = gate.ShouldRecommendRetest(completedCount, stride)
	}

	return result, nil
}

func countCompletedEpicsIn(q querier, projectID string) int {
	var n int
	row := q.QueryRow(`SELECT COUNT(*) FROM epics WHERE project_id = ? AND status = ?`, projectID, string(model.EpicCompleted))
	_ = row.Scan(&n)
	return n
}
