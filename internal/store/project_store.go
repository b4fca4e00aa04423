package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

var projectNamePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// CreateProject creates a project, unique on name.
func (db *DB) CreateProject(name, spec string, mode model.EpicTestingMode, sandboxType string) (*model.Project, error) {
	if !projectNamePattern.MatchString(name) {
		return nil, ErrInvalidProjectName
	}
	if spec == "" {
		return nil, ErrSpecMissing
	}
	if mode == "" {
		mode = model.ModeStrict
	}
	if sandboxType == "" {
		sandboxType = "local"
	}

	p := &model.Project{
		ID:              uuid.New().String(),
		Name:            name,
		Spec:            spec,
		Initialized:     false,
		EpicTestingMode: mode,
		SandboxType:     sandboxType,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	err := db.withRetry("CreateProject", func() error {
		_, err := db.Exec(`
			INSERT INTO projects (id, name, spec, initialized, epic_testing_mode, sandbox_type, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?, ?)
		`, p.ID, p.Name, p.Spec, string(p.EpicTestingMode), p.SandboxType, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
		if err != nil {
			if containsFold(err.Error(), "unique") {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanProject(row interface{ Scan(...any) error }) (*model.Project, error) {
	var p model.Project
	var initialized int
	var mode, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Spec, &initialized, &mode, &p.SandboxType, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Initialized = initialized != 0
	p.EpicTestingMode = model.EpicTestingMode(mode)
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return &p, nil
}

// GetProject fetches a project by id.
func (db *DB) GetProject(id string) (*model.Project, error) {
	row := db.QueryRow(`SELECT id, name, spec, initialized, epic_testing_mode, sandbox_type, created_at, updated_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByName fetches a project by its unique name.
func (db *DB) GetProjectByName(name string) (*model.Project, error) {
	row := db.QueryRow(`SELECT id, name, spec, initialized, epic_testing_mode, sandbox_type, created_at, updated_at FROM projects WHERE name = ?`, name)
	return scanProject(row)
}

// SetInitialized flips the project's initialized flag.
func (db *DB) SetInitialized(id string, initialized bool) error {
	return db.withRetry("SetInitialized", func() error {
		v := 0
		if initialized {
			v = 1
		}
		res, err := db.Exec(`UPDATE projects SET initialized = ?, updated_at = ? WHERE id = ?`, v, formatTime(time.Now().UTC()), id)
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

// DeleteProject cascades through epics, tasks, tests, epic-tests,
// sessions, interventions, and checkpoints, returning the counts removed.
func (db *DB) DeleteProject(id string) (DeleteCounts, error) {
	var counts DeleteCounts

	deleteRows := func(tx *sql.Tx) error {
		counts.TestsDeleted = countAndPrep(tx, `
			SELECT COUNT(*) FROM tests WHERE task_id IN (
				SELECT id FROM tasks WHERE epic_id IN (SELECT id FROM epics WHERE project_id = ?)
			)`, id)
		counts.EpicTestsDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM epic_tests WHERE epic_id IN (SELECT id FROM epics WHERE project_id = ?)`, id)
		counts.TasksDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM tasks WHERE epic_id IN (SELECT id FROM epics WHERE project_id = ?)`, id)
		counts.EpicsDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM epics WHERE project_id = ?`, id)
		counts.SessionsDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM sessions WHERE project_id = ?`, id)
		counts.InterventionsDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM interventions WHERE project_id = ?`, id)
		counts.CheckpointsDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM checkpoints WHERE project_id = ?`, id)

		res, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}
	err := db.WithProjectLock(id, func() error { return db.Transaction(deleteRows) })
	if err != nil {
		return DeleteCounts{}, err
	}
	return counts, nil
}

// PurgeRoadmap deletes every epic (and, by cascade, their tasks and tests)
// belonging to a project and clears its initialized flag, leaving the
// project row and its sessions intact. Used by CancelInitialize to discard
// a partially-built roadmap atomically.
func (db *DB) PurgeRoadmap(id string) (DeleteCounts, error) {
	var counts DeleteCounts

	purgeRows := func(tx *sql.Tx) error {
		counts.TestsDeleted = countAndPrep(tx, `
			SELECT COUNT(*) FROM tests WHERE task_id IN (
				SELECT id FROM tasks WHERE epic_id IN (SELECT id FROM epics WHERE project_id = ?)
			)`, id)
		counts.EpicTestsDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM epic_tests WHERE epic_id IN (SELECT id FROM epics WHERE project_id = ?)`, id)
		counts.TasksDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM tasks WHERE epic_id IN (SELECT id FROM epics WHERE project_id = ?)`, id)
		counts.EpicsDeleted = countAndPrep(tx, `SELECT COUNT(*) FROM epics WHERE project_id = ?`, id)

		if _, err := tx.Exec(`DELETE FROM epics WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("purge epics: %w", err)
		}
		res, err := tx.Exec(`UPDATE projects SET initialized = 0, updated_at = ? WHERE id = ?`, formatTime(time.Now().UTC()), id)
		if err != nil {
			return fmt.Errorf("clear initialized: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}
	err := db.WithProjectLock(id, func() error { return db.Transaction(purgeRows) })
	if err != nil {
		return DeleteCounts{}, err
	}
	return counts, nil
}

func countAndPrep(tx *sql.Tx, query string, args ...any) int {
	var n int
	row := tx.QueryRow(query, args...)
	_ = row.Scan(&n)
	return n
}
