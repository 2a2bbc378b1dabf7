// Package store implements the persistence collaborator on SQLite: tasks and
// platform accounts as read-mostly records, executions as an append-only
// ledger that doubles as the poller's cursor store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crossflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  source_account_ids TEXT NOT NULL DEFAULT '[]',
  target_account_ids TEXT NOT NULL DEFAULT '[]',
  execution_type TEXT NOT NULL CHECK(execution_type IN ('immediate','scheduled','recurring')),
  schedule_time INTEGER,
  recurring_pattern TEXT NOT NULL DEFAULT '',
  custom_cron TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('active','paused','completed','error')) DEFAULT 'active',
  filters TEXT NOT NULL DEFAULT '{}',
  transformations TEXT NOT NULL DEFAULT '{}',
  last_executed INTEGER,
  execution_count INTEGER NOT NULL DEFAULT 0,
  failed_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  username TEXT NOT NULL DEFAULT '',
  access_token TEXT NOT NULL DEFAULT '',
  refresh_token TEXT NOT NULL DEFAULT '',
  credentials TEXT NOT NULL DEFAULT '{}',
  active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  source_account_id TEXT NOT NULL,
  target_account_id TEXT NOT NULL,
  original_content TEXT NOT NULL DEFAULT '',
  transformed_content TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('success','failed')),
  error_message TEXT NOT NULL DEFAULT '',
  executed_at INTEGER NOT NULL,
  source_item_id TEXT NOT NULL DEFAULT '',
  source_identity TEXT NOT NULL DEFAULT '',
  response TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_exec_task_source ON executions(task_id, source_account_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_exec_task_identity ON executions(task_id, source_identity, executed_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

const taskColumns = `id,user_id,source_account_ids,target_account_ids,execution_type,schedule_time,recurring_pattern,custom_cron,status,filters,transformations,last_executed,execution_count,failed_count,created_at,updated_at`

func (s *Store) Tasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
}

func (s *Store) ActiveTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status='active' ORDER BY created_at`)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) Task(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                       domain.Task
		sources, targets        string
		filters, transforms     string
		scheduleAt, lastRunAt   sql.NullInt64
		createdAt, updatedAt    int64
	)
	err := row.Scan(&t.ID, &t.UserID, &sources, &targets, &t.ExecutionType, &scheduleAt,
		&t.RecurringPattern, &t.CustomCron, &t.Status, &filters, &transforms,
		&lastRunAt, &t.ExecutionCount, &t.FailedCount, &createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}

	if err := json.Unmarshal([]byte(sources), &t.SourceAccountIDs); err != nil {
		return domain.Task{}, fmt.Errorf("task %s source ids: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(targets), &t.TargetAccountIDs); err != nil {
		return domain.Task{}, fmt.Errorf("task %s target ids: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(filters), &t.Filters); err != nil {
		return domain.Task{}, fmt.Errorf("task %s filters: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(transforms), &t.Transformations); err != nil {
		return domain.Task{}, fmt.Errorf("task %s transformations: %w", t.ID, err)
	}
	if scheduleAt.Valid {
		ts := time.Unix(scheduleAt.Int64, 0).UTC()
		t.ScheduleTime = &ts
	}
	if lastRunAt.Valid {
		ts := time.Unix(lastRunAt.Int64, 0).UTC()
		t.LastExecuted = &ts
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, nil
}

// SaveTask upserts a task. Task CRUD belongs to the dashboard layer; this
// exists for seeding and tests.
func (s *Store) SaveTask(ctx context.Context, t domain.Task) error {
	sources, _ := json.Marshal(t.SourceAccountIDs)
	targets, _ := json.Marshal(t.TargetAccountIDs)
	filters, _ := json.Marshal(t.Filters)
	transforms, _ := json.Marshal(t.Transformations)

	var scheduleAt, lastRunAt any
	if t.ScheduleTime != nil {
		scheduleAt = t.ScheduleTime.Unix()
	}
	if t.LastExecuted != nil {
		lastRunAt = t.LastExecuted.Unix()
	}
	now := time.Now().Unix()
	created := t.CreatedAt.Unix()
	if t.CreatedAt.IsZero() {
		created = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  source_account_ids=excluded.source_account_ids,
  target_account_ids=excluded.target_account_ids,
  execution_type=excluded.execution_type,
  schedule_time=excluded.schedule_time,
  recurring_pattern=excluded.recurring_pattern,
  custom_cron=excluded.custom_cron,
  status=excluded.status,
  filters=excluded.filters,
  transformations=excluded.transformations,
  last_executed=excluded.last_executed,
  execution_count=excluded.execution_count,
  failed_count=excluded.failed_count,
  updated_at=excluded.updated_at`,
		t.ID, t.UserID, string(sources), string(targets), string(t.ExecutionType), scheduleAt,
		string(t.RecurringPattern), t.CustomCron, string(t.Status), string(filters), string(transforms),
		lastRunAt, t.ExecutionCount, t.FailedCount, created, now)
	return err
}

func (s *Store) UpdateTaskRun(ctx context.Context, taskID string, status domain.TaskStatus, lastExecuted int64, ran, failed int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status=?, last_executed=?, execution_count=execution_count+?,
  failed_count=failed_count+?, updated_at=? WHERE id=?`,
		string(status), lastExecuted, ran, failed, time.Now().Unix(), taskID)
	return err
}

func (s *Store) Account(ctx context.Context, id string) (domain.PlatformAccount, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,user_id,platform,username,access_token,refresh_token,credentials,active
FROM accounts WHERE id=?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PlatformAccount{}, domain.ErrNotFound
	}
	return a, err
}

func (s *Store) AccountsByIDs(ctx context.Context, ids []string) ([]domain.PlatformAccount, error) {
	accounts := make([]domain.PlatformAccount, 0, len(ids))
	for _, id := range ids {
		a, err := s.Account(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func scanAccount(row rowScanner) (domain.PlatformAccount, error) {
	var (
		a     domain.PlatformAccount
		creds string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Platform, &a.Username, &a.AccessToken, &a.RefreshToken, &creds, &a.Active)
	if err != nil {
		return domain.PlatformAccount{}, err
	}
	if err := json.Unmarshal([]byte(creds), &a.Credentials); err != nil {
		return domain.PlatformAccount{}, fmt.Errorf("account %s credentials: %w", a.ID, err)
	}
	return a, nil
}

// SaveAccount upserts an account; like SaveTask it serves seeding and tests.
func (s *Store) SaveAccount(ctx context.Context, a domain.PlatformAccount) error {
	creds, _ := json.Marshal(a.Credentials)
	if a.Credentials == nil {
		creds = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (id,user_id,platform,username,access_token,refresh_token,credentials,active)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  username=excluded.username,
  access_token=excluded.access_token,
  refresh_token=excluded.refresh_token,
  credentials=excluded.credentials,
  active=excluded.active`,
		a.ID, a.UserID, string(a.Platform), a.Username, a.AccessToken, a.RefreshToken, string(creds), a.Active)
	return err
}

func (s *Store) UpdateAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE accounts SET access_token=?, refresh_token=? WHERE id=?`, accessToken, refreshToken, accountID)
	return err
}

func (s *Store) CreateExecution(ctx context.Context, e domain.Execution) error {
	response, _ := json.Marshal(e.Response)
	if e.Response == nil {
		response = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id,task_id,source_account_id,target_account_id,original_content,
  transformed_content,status,error_message,executed_at,source_item_id,source_identity,response)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.SourceAccountID, e.TargetAccountID, e.OriginalContent,
		e.TransformedContent, string(e.Status), e.ErrorMessage, e.ExecutedAt.Unix(),
		e.SourceItemID, e.SourceIdentity, string(response))
	return err
}

func (s *Store) RecentExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,source_account_id,target_account_id,original_content,transformed_content,
  status,error_message,executed_at,source_item_id,source_identity,response
FROM executions WHERE task_id=? ORDER BY executed_at DESC, rowid DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		var (
			e          domain.Execution
			executedAt int64
			response   string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.SourceAccountID, &e.TargetAccountID,
			&e.OriginalContent, &e.TransformedContent, &e.Status, &e.ErrorMessage,
			&executedAt, &e.SourceItemID, &e.SourceIdentity, &response); err != nil {
			return nil, err
		}
		e.ExecutedAt = time.Unix(executedAt, 0).UTC()
		if err := json.Unmarshal([]byte(response), &e.Response); err != nil {
			return nil, fmt.Errorf("execution %s response: %w", e.ID, err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// LatestSourceItemID returns the most recently recorded source item id for
// (task, source account), or "" when the task has no history there.
func (s *Store) LatestSourceItemID(ctx context.Context, taskID, sourceAccountID string) (string, error) {
	return s.latestItemID(ctx, `
SELECT source_item_id FROM executions
WHERE task_id=? AND source_account_id=? AND source_item_id != ''
ORDER BY executed_at DESC, rowid DESC LIMIT 1`, taskID, sourceAccountID)
}

// LatestSourceItemIDByIdentity is the username-keyed variant used by triggers
// that query by content. Kept separate from the account-id lookup on purpose:
// a task that switches trigger mode starts from a fresh watermark.
func (s *Store) LatestSourceItemIDByIdentity(ctx context.Context, taskID, identity string) (string, error) {
	return s.latestItemID(ctx, `
SELECT source_item_id FROM executions
WHERE task_id=? AND source_identity=? AND source_item_id != ''
ORDER BY executed_at DESC, rowid DESC LIMIT 1`, taskID, identity)
}

func (s *Store) latestItemID(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}
