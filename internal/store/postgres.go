package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/taxonomy"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

// Postgres wraps a PostgreSQL connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects with a pgx pool and verifies the connection.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate executes every .up.sql file of migrationsDir in name order.
// Migrations must be idempotent.
func (s *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// SaveAgent upserts an agent snapshot.
func (s *Postgres) SaveAgent(ctx context.Context, a registry.Agent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, class, availability, current_task_id, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			class = EXCLUDED.class,
			availability = EXCLUDED.availability,
			current_task_id = EXCLUDED.current_task_id,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, string(a.Class), string(a.Availability), a.CurrentTaskID,
		a.RegisteredAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns every stored agent.
func (s *Postgres) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	rows, err := s.db.Query(ctx, `
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
func (s *Postgres) SaveTask(ctx context.Context, t tracker.Task) error {
	c, err := encodeTask(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (id, title, labels, metadata, priority, state, assigned_agent_id,
			failures, failure_reason, result, history,
			created_at, assigned_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			labels = EXCLUDED.labels,
			metadata = EXCLUDED.metadata,
			priority = EXCLUDED.priority,
			state = EXCLUDED.state,
			assigned_agent_id = EXCLUDED.assigned_agent_id,
			failures = EXCLUDED.failures,
			failure_reason = EXCLUDED.failure_reason,
			result = EXCLUDED.result,
			history = EXCLUDED.history,
			assigned_at = EXCLUDED.assigned_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
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
func (s *Postgres) ListTasks(ctx context.Context) ([]tracker.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, labels::text, COALESCE(metadata::text, ''), priority, state, assigned_agent_id,
		       failures, failure_reason, COALESCE(result::text, ''), history::text,
		       created_at, assigned_at, started_at, completed_at, updated_at
		FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []tracker.Task
	for rows.Next() {
		var t tracker.Task
		var labels, metadata, result, history, state string
		var priority int
		if err := rows.Scan(
			&t.ID, &t.Title, &labels, &metadata, &priority, &state, &t.AssignedAgentID,
			&t.Failures, &t.FailureReason, &result, &history,
			&t.CreatedAt, &t.AssignedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Priority = taxonomy.Priority(priority)
		t.State = tracker.State(state)
		if err := decodeTask(&t, []byte(labels), []byte(metadata), []byte(history), []byte(result)); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
