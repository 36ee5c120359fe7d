package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/draftflow/flowkit/flow"
)

// MySQLStore is a MySQL/MariaDB implementation of flow.Store and
// flow.ThreadStore, for deployments where several processes share workflow
// state. Uses connection pooling and transactions; tables are created on
// first use.
//
// The DSN format is the go-sql-driver one:
//
//	user:password@tcp(localhost:3306)/flowkit?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a pooled connection, verifies it, and migrates the
// schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(191) PRIMARY KEY,
			template_id VARCHAR(191) NOT NULL,
			asset_type VARCHAR(191) NOT NULL,
			thread_id VARCHAR(191) NOT NULL,
			status VARCHAR(32) NOT NULL,
			current_step_id VARCHAR(191) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_workflows_thread_status (thread_id, status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id VARCHAR(191) PRIMARY KEY,
			workflow_id VARCHAR(191) NOT NULL,
			name VARCHAR(191) NOT NULL,
			step_type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			step_order INT NOT NULL,
			depends_on JSON NOT NULL,
			auto_execute TINYINT(1) NOT NULL DEFAULT 0,
			prompt TEXT NOT NULL,
			payload JSON NOT NULL,
			user_input TEXT NOT NULL,
			UNIQUE KEY uniq_workflow_name (workflow_id, name),
			UNIQUE KEY uniq_workflow_order (workflow_id, step_order),
			CONSTRAINT fk_steps_workflow FOREIGN KEY (workflow_id)
				REFERENCES workflows(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(191) NOT NULL UNIQUE,
			thread_id VARCHAR(191) NOT NULL,
			role VARCHAR(32) NOT NULL,
			content MEDIUMTEXT NOT NULL,
			workflow_id VARCHAR(191) NOT NULL DEFAULT '',
			step_id VARCHAR(191) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			INDEX idx_thread_messages_thread (thread_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			` + "`key`" + ` VARCHAR(191) PRIMARY KEY,
			created_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) loadSteps(ctx context.Context, workflowID string) ([]*flow.Step, error) {
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

func (s *MySQLStore) scanWorkflowRow(row *sql.Row) (*flow.Workflow, error) {
	var wf flow.Workflow
	err := row.Scan(&wf.ID, &wf.TemplateID, &wf.Type, &wf.ThreadID, &wf.Status, &wf.CurrentStepID, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflow loads a workflow with its steps ordered by Step.Order.
func (s *MySQLStore) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	wf, err := s.scanWorkflowRow(s.db.QueryRowContext(ctx,
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
func (s *MySQLStore) GetStep(ctx context.Context, id string) (*flow.Step, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM workflow_steps WHERE id = ?", id)
	st, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, notFound("step", id)
	}
	return st, err
}

// ActiveWorkflow returns the ACTIVE workflow on a thread.
func (s *MySQLStore) ActiveWorkflow(ctx context.Context, threadID string) (*flow.Workflow, error) {
	wf, err := s.scanWorkflowRow(s.db.QueryRowContext(ctx,
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
func (s *MySQLStore) CreateWorkflow(ctx context.Context, threadID, templateID, assetType string) (*flow.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM workflows WHERE thread_id = ? AND status = ? FOR UPDATE",
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
		wf.ID, wf.TemplateID, wf.Type, wf.ThreadID, string(wf.Status), wf.CurrentStepID, now, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wf, nil
}

// CreateStep instantiates a step definition under a workflow, PENDING.
func (s *MySQLStore) CreateStep(ctx context.Context, workflowID string, def flow.StepDef) (*flow.Step, error) {
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
func (s *MySQLStore) UpdateStep(ctx context.Context, id string, upd flow.StepUpdate) error {
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
		// RowsAffected is 0 both for unknown IDs and no-op updates;
		// disambiguate with an existence check.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM workflow_steps WHERE id = ?", id).Scan(&exists); err == sql.ErrNoRows {
			return notFound("step", id)
		} else if err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE workflows SET updated_at = ? WHERE id = (SELECT workflow_id FROM workflow_steps WHERE id = ?)",
		time.Now().UTC(), id)
	return err
}

// UpdateWorkflowStatus sets the workflow's lifecycle status.
func (s *MySQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status flow.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM workflows WHERE id = ?", id).Scan(&exists); err == sql.ErrNoRows {
			return notFound("workflow", id)
		} else if err != nil {
			return err
		}
	}
	return nil
}

// UpdateWorkflowCurrentStep promotes stepID to IN_PROGRESS and points the
// workflow at it, in one transaction. Fails with flow.ErrStepConflict when
// a different step is already IN_PROGRESS.
func (s *MySQLStore) UpdateWorkflowCurrentStep(ctx context.Context, workflowID, stepID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var conflicting string
	err = tx.QueryRowContext(ctx,
		"SELECT name FROM workflow_steps WHERE workflow_id = ? AND status = ? AND id <> ? FOR UPDATE",
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
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM workflow_steps WHERE id = ? AND workflow_id = ?", stepID, workflowID).Scan(&exists); err == sql.ErrNoRows {
			return notFound("step", stepID)
		} else if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE workflows SET current_step_id = ?, updated_at = ? WHERE id = ?",
		stepID, time.Now().UTC(), workflowID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteWorkflow removes a workflow; its steps cascade via foreign key.
func (s *MySQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workflow", id)
	}
	return nil
}

// ClaimIdempotency records key if unseen and reports whether this call
// claimed it.
func (s *MySQLStore) ClaimIdempotency(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO idempotency_keys (`key`, created_at) VALUES (?, ?)",
		key, time.Now().UTC())
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
func (s *MySQLStore) ReleaseIdempotency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE `key` = ?", key)
	return err
}

// AppendMessage appends a message to a thread.
func (s *MySQLStore) AppendMessage(ctx context.Context, threadID string, msg flow.ThreadMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (id, thread_id, role, content, workflow_id, step_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, threadID, msg.Role, msg.Content, msg.WorkflowID, msg.StepID, msg.CreatedAt)
	return err
}

// ListRecentMessages returns up to limit messages, oldest first.
func (s *MySQLStore) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]flow.ThreadMessage, error) {
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
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &msg.WorkflowID, &msg.StepID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Interface conformance.
var (
	_ flow.Store       = (*MySQLStore)(nil)
	_ flow.ThreadStore = (*MySQLStore)(nil)
)
