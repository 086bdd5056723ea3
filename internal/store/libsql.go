package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/axiomiq/flowrun/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path
// should be a file URI, e.g. "file:/var/lib/flowrun/flowrun.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, definition, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET definition=excluded.definition`,
		wf.ID, wf.Version, string(def), timeOrNow(wf.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error) {
	wf := &Workflow{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, definition, created_at FROM workflows WHERE id = ? AND version = ?`,
		id, version,
	).Scan(&wf.ID, &wf.Version, &defJSON, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", workflowKey(id, version))
	}
	if err != nil {
		return nil, err
	}
	wf.Definition = &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(defJSON), wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	vars, history, errRecords, output, err := marshalExecutionState(exec)
	if err != nil {
		return err
	}
	var triggerJSON any
	if exec.Trigger != nil {
		b, err := json.Marshal(exec.Trigger)
		if err != nil {
			return fmt.Errorf("marshal trigger: %w", err)
		}
		triggerJSON = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_version, tenant_id, status, trigger_event, cursor, step_seq,
		                         variables, history, errors, output, created_at, updated_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, nullStr(exec.TenantID),
		string(exec.Status), triggerJSON, exec.Cursor, exec.StepSeq,
		vars, history, errRecords, output,
		timeOrNow(exec.CreatedAt), timeOrNow(exec.UpdatedAt),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, tenant_id, status, trigger_event, cursor, step_seq,
		        variables, history, errors, output, created_at, updated_at, started_at, completed_at
		 FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, notFound("execution", id)
	}
	return exec, err
}

// SaveExecution commits the post-step state, gated on StepSeq so a
// duplicate commit of an already-applied step is rejected.
func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *Execution) error {
	vars, history, errRecords, output, err := marshalExecutionState(exec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status=?, cursor=?, step_seq=?, variables=?, history=?, errors=?, output=?,
		     updated_at=?, started_at=?, completed_at=?
		 WHERE id = ? AND step_seq < ?`,
		string(exec.Status), exec.Cursor, exec.StepSeq,
		vars, history, errRecords, output,
		time.Now().UTC(), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		exec.ID, exec.StepSeq,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetExecution(ctx, exec.ID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrKindConflict,
			"stale save for execution %s: step %d not past committed sequence", exec.ID, exec.StepSeq)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT id, workflow_id, workflow_version, tenant_id, status, trigger_event, cursor, step_seq,
	                 variables, history, errors, output, created_at, updated_at, started_at, completed_at
	          FROM executions WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// --- Suspensions ---

func (s *LibSQLStore) CreateSuspension(ctx context.Context, susp *Suspension) error {
	status := susp.Status
	if status == "" {
		status = SuspensionPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suspensions (resume_token, execution_id, node_id, prompt, assignee, output_key,
		                          deadline, status, decision, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		susp.ResumeToken, susp.ExecutionID, susp.NodeID, susp.Prompt,
		nullStr(susp.Assignee), nullStr(susp.OutputKey),
		susp.Deadline, string(status), nil, timeOrNow(susp.CreatedAt), nullTime(susp.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetSuspension(ctx context.Context, resumeToken string) (*Suspension, error) {
	susp := &Suspension{}
	var assignee, outputKey, decision sql.NullString
	var status string
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT resume_token, execution_id, node_id, prompt, assignee, output_key,
		        deadline, status, decision, created_at, resolved_at
		 FROM suspensions WHERE resume_token = ?`, resumeToken,
	).Scan(&susp.ResumeToken, &susp.ExecutionID, &susp.NodeID, &susp.Prompt,
		&assignee, &outputKey, &susp.Deadline, &status, &decision,
		&susp.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("suspension", resumeToken)
	}
	if err != nil {
		return nil, err
	}
	susp.Assignee = assignee.String
	susp.OutputKey = outputKey.String
	susp.Status = SuspensionStatus(status)
	if decision.Valid && decision.String != "" {
		if err := json.Unmarshal([]byte(decision.String), &susp.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	if resolvedAt.Valid {
		susp.ResolvedAt = &resolvedAt.Time
	}
	return susp, nil
}

// ResolveSuspension transitions pending→resumed in one conditional
// update, so exactly one caller wins the token.
func (s *LibSQLStore) ResolveSuspension(ctx context.Context, resumeToken string, decision map[string]any) error {
	return s.finishSuspension(ctx, resumeToken, SuspensionResumed, decision)
}

func (s *LibSQLStore) ExpireSuspension(ctx context.Context, resumeToken string) error {
	return s.finishSuspension(ctx, resumeToken, SuspensionExpired, nil)
}

func (s *LibSQLStore) finishSuspension(ctx context.Context, resumeToken string, status SuspensionStatus, decision map[string]any) error {
	decisionJSON, err := nullableJSONMap(decision)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE suspensions SET status=?, decision=?, resolved_at=?
		 WHERE resume_token = ? AND status = ?`,
		string(status), decisionJSON, time.Now().UTC(), resumeToken, string(SuspensionPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		susp, getErr := s.GetSuspension(ctx, resumeToken)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrKindAlreadyResumed,
			"resume token %s was already %s", resumeToken, susp.Status)
	}
	return nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	payload, err := nullableJSONMap(event.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, timeOrNow(event.CreatedAt),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, type, payload, created_at
		 FROM events WHERE execution_id = ? AND id > ? ORDER BY id`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var tenantID, triggerJSON sql.NullString
	var status string
	var varsJSON, historyJSON, errorsJSON, outputJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowVersion, &tenantID,
		&status, &triggerJSON, &exec.Cursor, &exec.StepSeq,
		&varsJSON, &historyJSON, &errorsJSON, &outputJSON,
		&exec.CreatedAt, &exec.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	exec.TenantID = tenantID.String
	exec.Status = schema.ExecutionStatus(status)
	if triggerJSON.Valid && triggerJSON.String != "" {
		exec.Trigger = &schema.TriggerEvent{}
		if err := json.Unmarshal([]byte(triggerJSON.String), exec.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger: %w", err)
		}
	}
	if err := unmarshalNullable(varsJSON, &exec.Variables); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(historyJSON, &exec.History); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(errorsJSON, &exec.Errors); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(outputJSON, &exec.Output); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func marshalExecutionState(exec *Execution) (vars, history, errRecords, output any, err error) {
	if vars, err = nullableJSONMap(exec.Variables); err != nil {
		return
	}
	if len(exec.History) > 0 {
		var b []byte
		if b, err = json.Marshal(exec.History); err != nil {
			return
		}
		history = string(b)
	}
	if len(exec.Errors) > 0 {
		var b []byte
		if b, err = json.Marshal(exec.Errors); err != nil {
			return
		}
		errRecords = string(b)
	}
	output, err = nullableJSONMap(exec.Output)
	return
}

func unmarshalNullable[T any](ns sql.NullString, dest *T) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dest)
}

func nullableJSONMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
