package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/taxonomy"
	"github.com/nidhogg/fleet/internal/tracker"
	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	class           TEXT NOT NULL,
	availability    TEXT NOT NULL,
	current_task_id TEXT NOT NULL DEFAULT '',
	registered_at   DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	labels            TEXT NOT NULL DEFAULT '[]',
	metadata          TEXT NOT NULL DEFAULT 'null',
	priority          INTEGER NOT NULL,
	state             TEXT NOT NULL,
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	failures          INTEGER NOT NULL DEFAULT 0,
	failure_reason    TEXT NOT NULL DEFAULT '',
	result            TEXT,
	history           TEXT NOT NULL DEFAULT '[]',
	created_at        DATETIME NOT NULL,
	assigned_at       DATETIME,
	started_at        DATETIME,
	completed_at      DATETIME,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks (state);
`

// SQLite persists snapshots in a single-file database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and ensures the schema
// exists. The caller is responsible for calling Close.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// SaveAgent upserts an agent snapshot.
func (s *SQLite) SaveAgent(ctx context.Context, a registry.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, class, availability, current_task_id, registered_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			class = excluded.class,
			availability = excluded.availability,
			current_task_id = excluded.current_task_id,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, string(a.Class), string(a.Availability), a.CurrentTaskID,
		a.RegisteredAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns every stored agent.
func (s *SQLite) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, class, availability, current_task_id, registered_at, updated_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []registry.Agent
	for rows.Next() {
		var a registry.Agent
		var class, availability string
		if err := rows.Scan(&a.ID, &a.Name, &class, &availability, &a.CurrentTaskID, &a.RegisteredAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Class = taxonomy.Class(class)
		a.Availability = registry.Availability(availability)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SaveTask upserts a task snapshot.
func (s *SQLite) SaveTask(ctx context.Context, t tracker.Task) error {
	c, err := encodeTask(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, labels, metadata, priority, state, assigned_agent_id,
			failures, failure_reason, result, history,
			created_at, assigned_at, started_at, completed_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			labels = excluded.labels,
			metadata = excluded.metadata,
			priority = excluded.priority,
			state = excluded.state,
			assigned_agent_id = excluded.assigned_agent_id,
			failures = excluded.failures,
			failure_reason = excluded.failure_reason,
			result = excluded.result,
			history = excluded.history,
			assigned_at = excluded.assigned_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		t.ID, t.Title, c.labels, c.metadata, int(t.Priority), string(t.State), t.AssignedAgentID,
		t.Failures, t.FailureReason, c.result, c.history,
		t.CreatedAt.UTC(), nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns every stored task, oldest first.
func (s *SQLite) ListTasks(ctx context.Context) ([]tracker.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, labels, metadata, priority, state, assigned_agent_id,
		       failures, failure_reason, result, history,
		       created_at, assigned_at, started_at, completed_at, updated_at
		FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []tracker.Task
	for rows.Next() {
		var t tracker.Task
		var labels, metadata, history, state string
		var result sql.NullString
		var priority int
		var assignedAt, startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.Title, &labels, &metadata, &priority, &state, &t.AssignedAgentID,
			&t.Failures, &t.FailureReason, &result, &history,
			&t.CreatedAt, &assignedAt, &startedAt, &completedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Priority = taxonomy.Priority(priority)
		t.State = tracker.State(state)
		t.AssignedAt = timePtr(assignedAt)
		t.StartedAt = timePtr(startedAt)
		t.CompletedAt = timePtr(completedAt)
		if err := decodeTask(&t, []byte(labels), []byte(metadata), []byte(history), []byte(result.String)); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
