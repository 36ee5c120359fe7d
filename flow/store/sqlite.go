package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/draftflow/flowkit/flow"
)

// SQLiteStore is a SQLite-backed implementation of flow.Store and
// flow.ThreadStore. Single-file database, auto-migrated on open, WAL mode
// for concurrent reads. Suited to development, testing, and single-process
// deployments; use MySQLStore when several processes share state.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary creates) the database at path.
// Pass ":memory:" for an in-memory database that vanishes on Close.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			asset_type TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_thread_status
			ON workflows(thread_id, status)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			depends_on TEXT NOT NULL DEFAULT '[]',
			auto_execute INTEGER NOT NULL DEFAULT 0,
			prompt TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			user_input TEXT NOT NULL DEFAULT '',
			UNIQUE(workflow_id, name),
			UNIQUE(workflow_id, step_order)
		)`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread
			ON thread_messages(thread_id, seq)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const workflowColumns = "id, template_id, asset_type, thread_id, status, current_step_id, created_at, updated_at"
const stepColumns = "id, workflow_id, name, step_type, status, step_order, depends_on, auto_execute, prompt, payload, user_input"

func scanWorkflow(row *sql.Row) (*flow.Workflow, error) {
	var wf flow.Workflow
	var created, updated string
	err := row.Scan(&wf.ID, &wf.TemplateID, &wf.Type, &wf.ThreadID, &wf.Status, &wf.CurrentStepID, &created, &updated)
	if err != nil {
		return nil, err
	}
	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &wf, nil
}

func scanStep(scan func(dest ...any) error) (*flow.Step, error) {
	var st flow.Step
	var deps, payload string
	var auto int
	err := scan(&st.ID, &st.WorkflowID, &st.Name, &st.Type, &st.Status, &st.Order, &deps, &auto, &st.Prompt, &payload, &st.UserInput)
	if err != nil {
		return nil, err
	}
	st.AutoExecute = auto != 0
	if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
		return nil, fmt.Errorf("step %s: decode depends_on: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(payload), &st.Payload); err != nil {
		return nil, fmt.Errorf("step %s: decode payload: %w", st.ID, err)
	}
	return &st, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, workflowID string) ([]*flow.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order", workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*flow.Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// GetWorkflow loads a workflow with its steps ordered by Step.Order.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	if wf.Steps, err = s.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	return wf, nil
}

// GetStep loads a single step by ID.
func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*flow.Step, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE id = ?", id)
	st, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, notFound("step", id)
	}
	return st, err
}

// ActiveWorkflow returns the ACTIVE workflow on a thread.
func (s *SQLiteStore) ActiveWorkflow(ctx context.Context, threadID string) (*flow.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE thread_id = ? AND status = ? LIMIT 1",
		threadID, string(flow.WorkflowActive)))
	if err == sql.ErrNoRows {
		return nil, notFound("active workflow for thread", threadID)
	}
	if err != nil {
		return nil, err
	}
	if wf.Steps, err = s.loadSteps(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

// CreateWorkflow inserts a new ACTIVE workflow. At most one ACTIVE
// workflow may exist per thread.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, threadID, templateID, assetType string) (*flow.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM workflows WHERE thread_id = ? AND status = ?",
		threadID, string(flow.WorkflowActive)).Scan(&existing)
	if err == nil {
		return nil, fmt.Errorf("thread %q already has active workflow %s", threadID, existing)
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC()
	wf := &flow.Workflow{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		Type:       assetType,
		ThreadID:   threadID,
		Status:     flow.WorkflowActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO workflows ("+workflowColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		wf.ID, wf.TemplateID, wf.Type, wf.ThreadID, string(wf.Status), wf.CurrentStepID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wf, nil
}

// CreateStep instantiates a step definition under a workflow, PENDING.
func (s *SQLiteStore) CreateStep(ctx context.Context, workflowID string, def flow.StepDef) (*flow.Step, error) {
	st := &flow.Step{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Name:        def.Name,
		Type:        def.Type,
		Status:      flow.StepPending,
		Order:       def.Order,
		DependsOn:   append([]string(nil), def.DependsOn...),
		AutoExecute: def.AutoExecute,
		Prompt:      def.Prompt,
		Payload:     def.DefaultPayload(),
	}
	deps, err := json.Marshal(st.DependsOn)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(st.Payload)
	if err != nil {
		return nil, err
	}
	auto := 0
	if st.AutoExecute {
		auto = 1
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO workflow_steps ("+stepColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		st.ID, st.WorkflowID, st.Name, string(st.Type), string(st.Status), st.Order,
		string(deps), auto, st.Prompt, string(payload), st.UserInput)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateStep applies the non-nil fields of upd to a step.
func (s *SQLiteStore) UpdateStep(ctx context.Context, id string, upd flow.StepUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.Payload != nil {
		payload, err := json.Marshal(*upd.Payload)
		if err != nil {
			return err
		}
		sets = append(sets, "payload = ?")
		args = append(args, string(payload))
	}
	if upd.UserInput != nil {
		sets = append(sets, "user_input = ?")
		args = append(args, *upd.UserInput)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_steps SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("step", id)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE workflows SET updated_at = ? WHERE id = (SELECT workflow_id FROM workflow_steps WHERE id = ?)",
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// UpdateWorkflowStatus sets the workflow's lifecycle status.
func (s *SQLiteStore) UpdateWorkflowStatus(ctx context.Context, id string, status flow.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("workflow", id)
	}
	return nil
}

// UpdateWorkflowCurrentStep promotes stepID to IN_PROGRESS and points the
// workflow at it, in one transaction. Fails with flow.ErrStepConflict when
// a different step is already IN_PROGRESS.
func (s *SQLiteStore) UpdateWorkflowCurrentStep(ctx context.Context, workflowID, stepID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var conflicting string
	err = tx.QueryRowContext(ctx,
		"SELECT name FROM workflow_steps WHERE workflow_id = ? AND status = ? AND id <> ?",
		workflowID, string(flow.StepInProgress), stepID).Scan(&conflicting)
	if err == nil {
		return fmt.Errorf("workflow %s: step %q is already in progress: %w", workflowID, conflicting, flow.ErrStepConflict)
	}
	if err != sql.ErrNoRows {
		return err
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE workflow_steps SET status = ? WHERE id = ? AND workflow_id = ?",
		string(flow.StepInProgress), stepID, workflowID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("step", stepID)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE workflows SET current_step_id = ?, updated_at = ? WHERE id = ?",
		stepID, time.Now().UTC().Format(time.RFC3339Nano), workflowID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteWorkflow removes a workflow; its steps cascade via foreign key.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("workflow", id)
	}
	return nil
}

// ClaimIdempotency records key if unseen and reports whether this call
// claimed it.
func (s *SQLiteStore) ClaimIdempotency(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO idempotency_keys (key, created_at) VALUES (?, ?)",
		key, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseIdempotency removes a claimed key. Unknown keys are a no-op.
func (s *SQLiteStore) ReleaseIdempotency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE key = ?", key)
	return err
}

// AppendMessage appends a message to a thread.
func (s *SQLiteStore) AppendMessage(ctx context.Context, threadID string, msg flow.ThreadMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (id, thread_id, role, content, workflow_id, step_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, threadID, msg.Role, msg.Content, msg.WorkflowID, msg.StepID,
		msg.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// ListRecentMessages returns up to limit messages, oldest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]flow.ThreadMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, workflow_id, step_id, created_at
		 FROM thread_messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []flow.ThreadMessage
	for rows.Next() {
		var msg flow.ThreadMessage
		var created string
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.WorkflowID, &msg.StepID, &created); err != nil {
			return nil, err
		}
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first query, oldest-first contract.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Interface conformance.
var (
	_ flow.Store       = (*SQLiteStore)(nil)
	_ flow.ThreadStore = (*SQLiteStore)(nil)
)
