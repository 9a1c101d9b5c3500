package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// PostgresStores binds every store contract to PostgreSQL via database/sql.
//
// The caller supplies a DB opened with a Postgres driver, typically pgx:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
//
// Layout mirrors the SQLite backend: JSON payloads with indexed key
// columns, plus an explicit seq column because Postgres has no rowid.
type PostgresStores struct {
	db *sql.DB
}

// NewPostgresStores initializes the schema and returns the capability set.
func NewPostgresStores(db *sql.DB) (*Stores, error) {
	s := &PostgresStores{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return &Stores{
		Transactions: (*pgTransactionStore)(s),
		Workflows:    (*pgWorkflowStore)(s),
		Tasks:        (*pgTaskStore)(s),
		WorkflowDefs: (*pgWorkflowDefinitionStore)(s),
		TaskDefs:     (*pgTaskDefinitionStore)(s),
		Events:       (*pgEventStore)(s),
	}, nil
}

func (s *PostgresStores) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			payload BYTEA NOT NULL
		);
		CREATE TABLE IF NOT EXISTS workflow_instances (
			workflow_id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			status TEXT NOT NULL,
			seq BIGSERIAL,
			payload BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_txn ON workflow_instances (transaction_id);
		CREATE TABLE IF NOT EXISTS task_instances (
			task_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			task_reference_name TEXT NOT NULL,
			status TEXT NOT NULL,
			seq BIGSERIAL,
			payload BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_instances_wf ON task_instances (workflow_id);
		CREATE TABLE IF NOT EXISTS workflow_definitions (
			name TEXT NOT NULL,
			rev TEXT NOT NULL,
			payload BYTEA NOT NULL,
			PRIMARY KEY (name, rev)
		);
		CREATE TABLE IF NOT EXISTS task_definitions (
			name TEXT PRIMARY KEY,
			payload BYTEA NOT NULL
		);
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			payload BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_txn ON events (transaction_id);
	`)
	return err
}

// --- transactions

type pgTransactionStore PostgresStores

var _ TransactionStore = (*pgTransactionStore)(nil)

func (s *pgTransactionStore) Create(ctx context.Context, tx *api.Transaction) error {
	payload, err := encodeJSON(tx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, status, payload)
		VALUES ($1, $2, $3)`,
		tx.TransactionID, string(tx.Status), payload,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", api.ErrTransactionAlreadyExists, tx.TransactionID)
	}
	return err
}

func (s *pgTransactionStore) Update(ctx context.Context, tx *api.Transaction) error {
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
		UPDATE transactions SET status = $1, payload = $2
		WHERE transaction_id = $3`,
		string(tx.Status), payload, tx.TransactionID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, tx.TransactionID))
}

func (s *pgTransactionStore) Get(ctx context.Context, transactionID string) (*api.Transaction, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM transactions WHERE transaction_id = $1`,
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

func (s *pgTransactionStore) Delete(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE transaction_id = $1`, transactionID)
	return err
}

// --- workflow instances

type pgWorkflowStore PostgresStores

var _ WorkflowInstanceStore = (*pgWorkflowStore)(nil)

func (s *pgWorkflowStore) Create(ctx context.Context, wf *api.WorkflowInstance) error {
	payload, err := encodeJSON(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (workflow_id, transaction_id, status, payload)
		VALUES ($1, $2, $3, $4)`,
		wf.WorkflowID, wf.TransactionID, string(wf.Status), payload,
	)
	return err
}

func (s *pgWorkflowStore) Update(ctx context.Context, wf *api.WorkflowInstance) error {
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
		UPDATE workflow_instances SET status = $1, payload = $2
		WHERE workflow_id = $3`,
		string(wf.Status), payload, wf.WorkflowID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: %s", ErrWorkflowNotFound, wf.WorkflowID))
}

func (s *pgWorkflowStore) Get(ctx context.Context, workflowID string) (*api.WorkflowInstance, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM workflow_instances WHERE workflow_id = $1`,
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

func (s *pgWorkflowStore) GetByTransactionID(ctx context.Context, transactionID string) ([]*api.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM workflow_instances
		WHERE transaction_id = $1 ORDER BY seq`,
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

func (s *pgWorkflowStore) Delete(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE workflow_id = $1`, workflowID)
	return err
}

// --- task instances

type pgTaskStore PostgresStores

var _ TaskInstanceStore = (*pgTaskStore)(nil)

func (s *pgTaskStore) Create(ctx context.Context, t *api.TaskInstance) error {
	payload, err := encodeJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_instances (task_id, workflow_id, task_reference_name, status, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		t.TaskID, t.WorkflowID, t.TaskReferenceName, string(t.Status), payload,
	)
	return err
}

func (s *pgTaskStore) Update(ctx context.Context, t *api.TaskInstance) error {
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
		UPDATE task_instances SET status = $1, payload = $2
		WHERE task_id = $3`,
		string(t.Status), payload, t.TaskID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: %s", api.ErrTaskNotFound, t.TaskID))
}

func (s *pgTaskStore) Reload(ctx context.Context, t *api.TaskInstance) error {
	payload, err := encodeJSON(t)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Superseded instances of the slot stay as history, flagged retried.
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, payload FROM task_instances
		WHERE workflow_id = $1 AND task_reference_name = $2 AND task_id <> $3`,
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
			UPDATE task_instances SET payload = $1 WHERE task_id = $2`,
			flagged, id,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_instances (task_id, workflow_id, task_reference_name, status, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		t.TaskID, t.WorkflowID, t.TaskReferenceName, string(t.Status), payload,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgTaskStore) Get(ctx context.Context, taskID string) (*api.TaskInstance, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM task_instances WHERE task_id = $1`,
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

func (s *pgTaskStore) GetAll(ctx context.Context, workflowID string) ([]*api.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM task_instances
		WHERE workflow_id = $1 ORDER BY seq`,
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

func (s *pgTaskStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_instances WHERE task_id = $1`, taskID)
	return err
}

// --- workflow definitions

type pgWorkflowDefinitionStore PostgresStores

var _ WorkflowDefinitionStore = (*pgWorkflowDefinitionStore)(nil)

func (s *pgWorkflowDefinitionStore) Create(ctx context.Context, def api.WorkflowDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (name, rev, payload) VALUES ($1, $2, $3)`,
		def.Name, def.Rev, payload,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: workflow %s rev %s", ErrDefinitionExists, def.Name, def.Rev)
	}
	return err
}

func (s *pgWorkflowDefinitionStore) Update(ctx context.Context, def api.WorkflowDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_definitions SET payload = $1 WHERE name = $2 AND rev = $3`,
		payload, def.Name, def.Rev,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, def.Name, def.Rev))
}

func (s *pgWorkflowDefinitionStore) Get(ctx context.Context, name, rev string) (api.WorkflowDefinition, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM workflow_definitions WHERE name = $1 AND rev = $2`,
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

func (s *pgWorkflowDefinitionStore) List(ctx context.Context) ([]api.WorkflowDefinition, error) {
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

type pgTaskDefinitionStore PostgresStores

var _ TaskDefinitionStore = (*pgTaskDefinitionStore)(nil)

func (s *pgTaskDefinitionStore) Create(ctx context.Context, def api.TaskDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_definitions (name, payload) VALUES ($1, $2)`,
		def.Name, payload,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: task %s", ErrDefinitionExists, def.Name)
	}
	return err
}

func (s *pgTaskDefinitionStore) Update(ctx context.Context, def api.TaskDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_definitions SET payload = $1 WHERE name = $2`,
		payload, def.Name,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, def.Name))
}

func (s *pgTaskDefinitionStore) Get(ctx context.Context, name string) (api.TaskDefinition, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM task_definitions WHERE name = $1`,
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

func (s *pgTaskDefinitionStore) List(ctx context.Context) ([]api.TaskDefinition, error) {
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

type pgEventStore PostgresStores

var _ EventStore = (*pgEventStore)(nil)

func (s *pgEventStore) Append(ctx context.Context, ev api.Event) error {
	payload, err := encodeJSON(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (transaction_id, payload) VALUES ($1, $2)`,
		ev.TransactionID, payload,
	)
	return err
}

func (s *pgEventStore) ListByTransactionID(ctx context.Context, transactionID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM events WHERE transaction_id = $1 ORDER BY id`,
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
