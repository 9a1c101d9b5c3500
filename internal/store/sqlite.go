package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/sagaflow/pkg/api"
)

// SQLiteStores binds every store contract to a SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver:
//
//	import _ "modernc.org/sqlite"
//
// Entities are stored as JSON documents with the lookup keys broken out into
// indexed columns. The engine serializes writes per transaction partition,
// so the read-check-write transition guard needs no row locking beyond the
// enclosing SQL transaction.
type SQLiteStores struct {
	db *sql.DB
}

// NewSQLiteStores initializes the schema and returns the capability set.
func NewSQLiteStores(db *sql.DB) (*Stores, error) {
	s := &SQLiteStores{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return &Stores{
		Transactions: (*sqliteTransactionStore)(s),
		Workflows:    (*sqliteWorkflowStore)(s),
		Tasks:        (*sqliteTaskStore)(s),
		WorkflowDefs: (*sqliteWorkflowDefinitionStore)(s),
		TaskDefs:     (*sqliteTaskDefinitionStore)(s),
		Events:       (*sqliteEventStore)(s),
	}, nil
}

func (s *SQLiteStores) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS workflow_instances (
			workflow_id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_txn ON workflow_instances (transaction_id);
		CREATE TABLE IF NOT EXISTS task_instances (
			task_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			task_reference_name TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_instances_wf ON task_instances (workflow_id);
		CREATE TABLE IF NOT EXISTS workflow_definitions (
			name TEXT NOT NULL,
			rev TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (name, rev)
		);
		CREATE TABLE IF NOT EXISTS task_definitions (
			name TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id TEXT NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_txn ON events (transaction_id);
	`)
	return err
}

// --- transactions

type sqliteTransactionStore SQLiteStores

var _ TransactionStore = (*sqliteTransactionStore)(nil)

func (s *sqliteTransactionStore) Create(ctx context.Context, tx *api.Transaction) error {
	payload, err := encodeJSON(tx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, status, payload)
		VALUES (?, ?, ?)`,
		tx.TransactionID, string(tx.Status), payload,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", api.ErrTransactionAlreadyExists, tx.TransactionID)
	}
	return err
}

func (s *sqliteTransactionStore) Update(ctx context.Context, tx *api.Transaction) error {
	old, err := s.Get(ctx, tx.TransactionID)
	if err != nil {
		return err
	}
	if err := checkTransactionUpdate(old, tx); err != nil {
		return err
	}

	payload, err := encodeJSON(tx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = ?, payload = ?
		WHERE transaction_id = ?`,
		string(tx.Status), payload, tx.TransactionID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, tx.TransactionID))
}

func (s *sqliteTransactionStore) Get(ctx context.Context, transactionID string) (*api.Transaction, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM transactions WHERE transaction_id = ?`,
		transactionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}

	var tx api.Transaction
	if err := decodeJSON(payload, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *sqliteTransactionStore) Delete(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE transaction_id = ?`, transactionID)
	return err
}

// --- workflow instances

type sqliteWorkflowStore SQLiteStores

var _ WorkflowInstanceStore = (*sqliteWorkflowStore)(nil)

func (s *sqliteWorkflowStore) Create(ctx context.Context, wf *api.WorkflowInstance) error {
	payload, err := encodeJSON(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (workflow_id, transaction_id, status, payload)
		VALUES (?, ?, ?, ?)`,
		wf.WorkflowID, wf.TransactionID, string(wf.Status), payload,
	)
	return err
}

func (s *sqliteWorkflowStore) Update(ctx context.Context, wf *api.WorkflowInstance) error {
	old, err := s.Get(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	if err := checkWorkflowUpdate(old, wf); err != nil {
		return err
	}

	payload, err := encodeJSON(wf)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET status = ?, payload = ?
		WHERE workflow_id = ?`,
		string(wf.Status), payload, wf.WorkflowID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: %s", ErrWorkflowNotFound, wf.WorkflowID))
}

func (s *sqliteWorkflowStore) Get(ctx context.Context, workflowID string) (*api.WorkflowInstance, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM workflow_instances WHERE workflow_id = ?`,
		workflowID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, err
	}

	var wf api.WorkflowInstance
	if err := decodeJSON(payload, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *sqliteWorkflowStore) GetByTransactionID(ctx context.Context, transactionID string) ([]*api.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM workflow_instances
		WHERE transaction_id = ? ORDER BY rowid`,
		transactionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var wf api.WorkflowInstance
		if err := decodeJSON(payload, &wf); err != nil {
			return nil, err
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

func (s *sqliteWorkflowStore) Delete(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE workflow_id = ?`, workflowID)
	return err
}

// --- task instances

type sqliteTaskStore SQLiteStores

var _ TaskInstanceStore = (*sqliteTaskStore)(nil)

func (s *sqliteTaskStore) Create(ctx context.Context, t *api.TaskInstance) error {
	payload, err := encodeJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_instances (task_id, workflow_id, task_reference_name, status, payload)
		VALUES (?, ?, ?, ?, ?)`,
		t.TaskID, t.WorkflowID, t.TaskReferenceName, string(t.Status), payload,
	)
	return err
}

func (s *sqliteTaskStore) Update(ctx context.Context, t *api.TaskInstance) error {
	old, err := s.Get(ctx, t.TaskID)
	if err != nil {
		return err
	}
	if err := checkTaskUpdate(old, t); err != nil {
		return err
	}

	payload, err := encodeJSON(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_instances SET status = ?, payload = ?
		WHERE task_id = ?`,
		string(t.Status), payload, t.TaskID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: %s", api.ErrTaskNotFound, t.TaskID))
}

func (s *sqliteTaskStore) Reload(ctx context.Context, t *api.TaskInstance) error {
	payload, err := encodeJSON(t)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Single live slot per reference name: superseded instances stay as
	// history, flagged retried, before the replacement is inserted.
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, payload FROM task_instances
		WHERE workflow_id = ? AND task_reference_name = ? AND task_id <> ?`,
		t.WorkflowID, t.TaskReferenceName, t.TaskID,
	)
	if err != nil {
		return err
	}
	superseded := map[string][]byte{}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return err
		}
		superseded[id] = data
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for id, data := range superseded {
		var prev api.TaskInstance
		if err := decodeJSON(data, &prev); err != nil {
			return err
		}
		prev.IsRetried = true
		flagged, err := encodeJSON(&prev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_instances SET payload = ? WHERE task_id = ?`,
			flagged, id,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_instances (task_id, workflow_id, task_reference_name, status, payload)
		VALUES (?, ?, ?, ?, ?)`,
		t.TaskID, t.WorkflowID, t.TaskReferenceName, string(t.Status), payload,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteTaskStore) Get(ctx context.Context, taskID string) (*api.TaskInstance, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM task_instances WHERE task_id = ?`,
		taskID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	var t api.TaskInstance
	if err := decodeJSON(payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteTaskStore) GetAll(ctx context.Context, workflowID string) ([]*api.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM task_instances
		WHERE workflow_id = ? ORDER BY rowid`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.TaskInstance
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t api.TaskInstance
		if err := decodeJSON(payload, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqliteTaskStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_instances WHERE task_id = ?`, taskID)
	return err
}

// --- workflow definitions

type sqliteWorkflowDefinitionStore SQLiteStores

var _ WorkflowDefinitionStore = (*sqliteWorkflowDefinitionStore)(nil)

func (s *sqliteWorkflowDefinitionStore) Create(ctx context.Context, def api.WorkflowDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (name, rev, payload) VALUES (?, ?, ?)`,
		def.Name, def.Rev, payload,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: workflow %s rev %s", ErrDefinitionExists, def.Name, def.Rev)
	}
	return err
}

func (s *sqliteWorkflowDefinitionStore) Update(ctx context.Context, def api.WorkflowDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_definitions SET payload = ? WHERE name = ? AND rev = ?`,
		payload, def.Name, def.Rev,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, def.Name, def.Rev))
}

func (s *sqliteWorkflowDefinitionStore) Get(ctx context.Context, name, rev string) (api.WorkflowDefinition, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM workflow_definitions WHERE name = ? AND rev = ?`,
		name, rev,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, name, rev)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	var def api.WorkflowDefinition
	if err := decodeJSON(payload, &def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *sqliteWorkflowDefinitionStore) List(ctx context.Context) ([]api.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM workflow_definitions ORDER BY name, rev`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowDefinition
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var def api.WorkflowDefinition
		if err := decodeJSON(payload, &def); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// --- task definitions

type sqliteTaskDefinitionStore SQLiteStores

var _ TaskDefinitionStore = (*sqliteTaskDefinitionStore)(nil)

func (s *sqliteTaskDefinitionStore) Create(ctx context.Context, def api.TaskDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_definitions (name, payload) VALUES (?, ?)`,
		def.Name, payload,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: task %s", ErrDefinitionExists, def.Name)
	}
	return err
}

func (s *sqliteTaskDefinitionStore) Update(ctx context.Context, def api.TaskDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_definitions SET payload = ? WHERE name = ?`,
		payload, def.Name,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, def.Name))
}

func (s *sqliteTaskDefinitionStore) Get(ctx context.Context, name string) (api.TaskDefinition, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM task_definitions WHERE name = ?`,
		name,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return api.TaskDefinition{}, fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, name)
	}
	if err != nil {
		return api.TaskDefinition{}, err
	}

	var def api.TaskDefinition
	if err := decodeJSON(payload, &def); err != nil {
		return api.TaskDefinition{}, err
	}
	return def, nil
}

func (s *sqliteTaskDefinitionStore) List(ctx context.Context) ([]api.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM task_definitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TaskDefinition
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var def api.TaskDefinition
		if err := decodeJSON(payload, &def); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// --- events

type sqliteEventStore SQLiteStores

var _ EventStore = (*sqliteEventStore)(nil)

func (s *sqliteEventStore) Append(ctx context.Context, ev api.Event) error {
	payload, err := encodeJSON(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (transaction_id, payload) VALUES (?, ?)`,
		ev.TransactionID, payload,
	)
	return err
}

func (s *sqliteEventStore) ListByTransactionID(ctx context.Context, transactionID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM events WHERE transaction_id = ? ORDER BY id`,
		transactionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev api.Event
		if err := decodeJSON(payload, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- shared SQL helpers

func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite and pgx both put the constraint name in the
	// message; matching the text avoids driver-specific error types here.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
