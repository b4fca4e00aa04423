package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/waypoint-labs/sessionctl/internal/model"
)

const sessionColumns = `id, project_id, session_number, type, status, model, sandbox_type, failure_reason, created_at, started_at, ended_at, heartbeat_at, tool_uses, tokens_in, tokens_out, cost_usd, duration_ms`

// RecordSession creates a session row, assigning session_number =
// max(session_number)+1 for the project. It also enforces, at the store
// layer, that at most one session per project may be in
// {created, running}. The active-count check, the number assignment, and
// the insert run in one transaction under the project's advisory lock,
// so concurrent callers can neither double-claim nor duplicate a number.
func (db *DB) RecordSession(projectID string, typ model.SessionType, sessionModel string) (*model.Session, error) {
	var s *model.Session
	err := db.WithProjectLock(projectID, func() error {
		return db.withRetry("RecordSession", func() error {
			return db.Transaction(func(tx *sql.Tx) error {
				var activeCount int
				row := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE project_id = ? AND status IN ('created','running')`, projectID)
				if err := row.Scan(&activeCount); err != nil {
					return err
				}
				if activeCount > 0 {
					return ErrBusy
				}

				var maxNumber sql.NullInt64
				row = tx.QueryRow(`SELECT MAX(session_number) FROM sessions WHERE project_id = ?`, projectID)
				if err := row.Scan(&maxNumber); err != nil {
					return err
				}
				next := 1
				if maxNumber.Valid {
					next = int(maxNumber.Int64) + 1
				}

				now := time.Now().UTC()
				s = &model.Session{
					ID:            uuid.New().String(),
					ProjectID:     projectID,
					SessionNumber: next,
					Type:          typ,
					Status:        model.SessionCreated,
					Model:         sessionModel,
					CreatedAt:     now,
					HeartbeatAt:   now,
				}
				_, err := tx.Exec(`
					INSERT INTO sessions (id, project_id, session_number, type, status, model, sandbox_type, failure_reason, created_at, heartbeat_at)
					VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)
				`, s.ID, s.ProjectID, s.SessionNumber, string(s.Type), string(s.Status), s.Model, formatTime(s.CreatedAt), formatTime(s.HeartbeatAt))
				return err
			})
		})
	})
	if err != nil {
		return nil, err
	}
	if db.metrics != nil {
		db.metrics.SessionsTotal.WithLabelValues(string(s.Type), string(s.Status)).Inc()
	}
	return s, nil
}

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	var typ, status, createdAt, heartbeatAt string
	var startedAt, endedAt sql.NullString
	if err := row.Scan(&s.ID, &s.ProjectID, &s.SessionNumber, &typ, &status, &s.Model, &s.SandboxType, &s.FailureReason,
		&createdAt, &startedAt, &endedAt, &heartbeatAt,
		&s.Metrics.ToolUses, &s.Metrics.TokensIn, &s.Metrics.TokensOut, &s.Metrics.CostUSD, &s.Metrics.DurationMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Type = model.SessionType(typ)
	s.Status = model.SessionStatus(status)
	s.CreatedAt, _ = parseTime(createdAt)
	s.HeartbeatAt, _ = parseTime(heartbeatAt)
	s.StartedAt = parseNullableTime(startedAt)
	s.EndedAt = parseNullableTime(endedAt)
	return &s, nil
}

// GetSession fetches a single session by id.
func (db *DB) GetSession(id string) (*model.Session, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSession applies a partial update to a session row. Terminal
// status transitions feed the sessions-total counter when metrics are
// attached.
func (db *DB) UpdateSession(id string, patch SessionPatch) error {
	var counted model.SessionType
	err := db.withRetry("UpdateSession", func() error {
		current, err := db.GetSession(id)
		if err != nil {
			return err
		}
		if patch.Status != nil && *patch.Status != current.Status && isTerminalStatus(*patch.Status) {
			counted = current.Type
		}

		status := current.Status
		if patch.Status != nil {
			status = *patch.Status
		}
		failureReason := current.FailureReason
		if patch.FailureReason != nil {
			failureReason = *patch.FailureReason
		}
		startedAt := current.StartedAt
		if patch.StartedAt != nil {
			startedAt = patch.StartedAt
		}
		endedAt := current.EndedAt
		if patch.EndedAt != nil {
			endedAt = patch.EndedAt
		}
		metrics := current.Metrics
		if patch.Metrics != nil {
			metrics = *patch.Metrics
		}

		res, err := db.Exec(`
			UPDATE sessions SET status = ?, failure_reason = ?, started_at = ?, ended_at = ?,
				tool_uses = ?, tokens_in = ?, tokens_out = ?, cost_usd = ?, duration_ms = ?
			WHERE id = ?
		`, string(status), failureReason, nullableTimeString(startedAt), nullableTimeString(endedAt),
			metrics.ToolUses, metrics.TokensIn, metrics.TokensOut, metrics.CostUSD, metrics.DurationMs, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil && counted != "" && db.metrics != nil && patch.Status != nil {
		db.metrics.SessionsTotal.WithLabelValues(string(counted), string(*patch.Status)).Inc()
	}
	return err
}

func isTerminalStatus(s model.SessionStatus) bool {
	return s == model.SessionCompleted || s == model.SessionFailed || s == model.SessionCancelled
}

// Heartbeat stamps heartbeat_at = now. The scheduler calls this on every
// observed runner event, which is what keeps a healthy session ahead of
// the reaper's staleness thresholds.
func (db *DB) Heartbeat(id string) error {
	return db.withRetry("Heartbeat", func() error {
		res, err := db.Exec(`UPDATE sessions SET heartbeat_at = ? WHERE id = ?`, formatTime(time.Now().UTC()), id)
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

// ListStaleSessions returns sessions in {created, running} whose
// heartbeat has aged past the type-specific threshold.
func (db *DB) ListStaleSessions(threshold map[model.SessionType]time.Duration) ([]*model.Session, error) {
	rows, err := db.Query(`SELECT ` + sessionColumns + ` FROM sessions WHERE status IN ('created','running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	now := time.Now().UTC()
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		d, ok := threshold[s.Type]
		if !ok {
			continue
		}
		if s.HeartbeatAt.Before(now.Add(-d)) {
			out = append(out, s)
		}
	}
	return out, rows.Err()
}

// ListSessions returns all of a project's sessions, most recent first.
func (db *DB) ListSessions(projectID string) ([]*model.Session, error) {
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? ORDER BY session_number DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
