package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagaflow/pkg/api"
)

// RedisStores binds every store contract to Redis. Key structure:
//
//	<prefix>txn:<transactionId>         => JSON Transaction
//	<prefix>wf:<workflowId>             => JSON WorkflowInstance
//	<prefix>task:<taskId>               => JSON TaskInstance
//	<prefix>idx:txn-wf:<transactionId>  => LIST of workflowIds, append order
//	<prefix>idx:wf-task:<workflowId>    => LIST of taskIds, append order
//	<prefix>slot:<workflowId>:<ref>     => taskId currently holding the slot
//	<prefix>def:wf:<name>:<rev>         => JSON WorkflowDefinition
//	<prefix>def:task:<name>             => JSON TaskDefinition
//	<prefix>idx:def:wf / idx:def:task   => SET of definition keys
//	<prefix>events:<transactionId>      => LIST of JSON events, append order
//
// The slot key is what makes Reload a single-slot replace: it always points
// at the live instance for a reference name.
type RedisStores struct {
	client *redis.Client
	prefix string
}

// NewRedisStores creates the capability set on the given client.
// prefix is optional but recommended (e.g. "sagaflow:").
func NewRedisStores(client *redis.Client, prefix string) *Stores {
	if prefix == "" {
		prefix = "sagaflow:"
	}
	s := &RedisStores{client: client, prefix: prefix}
	return &Stores{
		Transactions: (*redisTransactionStore)(s),
		Workflows:    (*redisWorkflowStore)(s),
		Tasks:        (*redisTaskStore)(s),
		WorkflowDefs: (*redisWorkflowDefinitionStore)(s),
		TaskDefs:     (*redisTaskDefinitionStore)(s),
		Events:       (*redisEventStore)(s),
	}
}

func (s *RedisStores) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// --- transactions

type redisTransactionStore RedisStores

var _ TransactionStore = (*redisTransactionStore)(nil)

func (s *redisTransactionStore) Create(ctx context.Context, tx *api.Transaction) error {
	data, err := encodeJSON(tx)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, (*RedisStores)(s).key("txn", tx.TransactionID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrTransactionAlreadyExists, tx.TransactionID)
	}
	return nil
}

func (s *redisTransactionStore) Update(ctx context.Context, tx *api.Transaction) error {
	old, err := s.Get(ctx, tx.TransactionID)
	if err != nil {
		return err
	}
	if err := checkTransactionUpdate(old, tx); err != nil {
		return err
	}

	data, err := encodeJSON(tx)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, (*RedisStores)(s).key("txn", tx.TransactionID), data, 0).Err()
}

func (s *redisTransactionStore) Get(ctx context.Context, transactionID string) (*api.Transaction, error) {
	data, err := s.client.Get(ctx, (*RedisStores)(s).key("txn", transactionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}

	var tx api.Transaction
	if err := decodeJSON(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *redisTransactionStore) Delete(ctx context.Context, transactionID string) error {
	return s.client.Del(ctx, (*RedisStores)(s).key("txn", transactionID)).Err()
}

// --- workflow instances

type redisWorkflowStore RedisStores

var _ WorkflowInstanceStore = (*redisWorkflowStore)(nil)

func (s *redisWorkflowStore) Create(ctx context.Context, wf *api.WorkflowInstance) error {
	data, err := encodeJSON(wf)
	if err != nil {
		return err
	}
	r := (*RedisStores)(s)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, r.key("wf", wf.WorkflowID), data, 0)
	pipe.RPush(ctx, r.key("idx", "txn-wf", wf.TransactionID), wf.WorkflowID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisWorkflowStore) Update(ctx context.Context, wf *api.WorkflowInstance) error {
	old, err := s.Get(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	if err := checkWorkflowUpdate(old, wf); err != nil {
		return err
	}

	data, err := encodeJSON(wf)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, (*RedisStores)(s).key("wf", wf.WorkflowID), data, 0).Err()
}

func (s *redisWorkflowStore) Get(ctx context.Context, workflowID string) (*api.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, (*RedisStores)(s).key("wf", workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, err
	}

	var wf api.WorkflowInstance
	if err := decodeJSON(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *redisWorkflowStore) GetByTransactionID(ctx context.Context, transactionID string) ([]*api.WorkflowInstance, error) {
	r := (*RedisStores)(s)
	ids, err := s.client.LRange(ctx, r.key("idx", "txn-wf", transactionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var out []*api.WorkflowInstance
	for _, id := range ids {
		wf, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrWorkflowNotFound) {
				// Stale index entry after a delete.
				continue
			}
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *redisWorkflowStore) Delete(ctx context.Context, workflowID string) error {
	return s.client.Del(ctx, (*RedisStores)(s).key("wf", workflowID)).Err()
}

// --- task instances

type redisTaskStore RedisStores

var _ TaskInstanceStore = (*redisTaskStore)(nil)

func (s *redisTaskStore) Create(ctx context.Context, t *api.TaskInstance) error {
	data, err := encodeJSON(t)
	if err != nil {
		return err
	}
	r := (*RedisStores)(s)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, r.key("task", t.TaskID), data, 0)
	pipe.RPush(ctx, r.key("idx", "wf-task", t.WorkflowID), t.TaskID)
	pipe.Set(ctx, r.key("slot", t.WorkflowID, t.TaskReferenceName), t.TaskID, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisTaskStore) Update(ctx context.Context, t *api.TaskInstance) error {
	old, err := s.Get(ctx, t.TaskID)
	if err != nil {
		return err
	}
	if err := checkTaskUpdate(old, t); err != nil {
		return err
	}

	data, err := encodeJSON(t)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, (*RedisStores)(s).key("task", t.TaskID), data, 0).Err()
}

func (s *redisTaskStore) Reload(ctx context.Context, t *api.TaskInstance) error {
	data, err := encodeJSON(t)
	if err != nil {
		return err
	}
	r := (*RedisStores)(s)
	slotKey := r.key("slot", t.WorkflowID, t.TaskReferenceName)

	prevID, err := s.client.Get(ctx, slotKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	pipe := s.client.TxPipeline()
	if prevID != "" && prevID != t.TaskID {
		// The superseded instance keeps its row and index position as
		// history, flagged retried.
		prevData, gerr := s.client.Get(ctx, r.key("task", prevID)).Bytes()
		if gerr != nil && !errors.Is(gerr, redis.Nil) {
			return gerr
		}
		if gerr == nil {
			var prev api.TaskInstance
			if derr := decodeJSON(prevData, &prev); derr != nil {
				return derr
			}
			prev.IsRetried = true
			flagged, ferr := encodeJSON(&prev)
			if ferr != nil {
				return ferr
			}
			pipe.Set(ctx, r.key("task", prevID), flagged, 0)
		}
	}
	pipe.Set(ctx, r.key("task", t.TaskID), data, 0)
	pipe.RPush(ctx, r.key("idx", "wf-task", t.WorkflowID), t.TaskID)
	pipe.Set(ctx, slotKey, t.TaskID, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisTaskStore) Get(ctx context.Context, taskID string) (*api.TaskInstance, error) {
	data, err := s.client.Get(ctx, (*RedisStores)(s).key("task", taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	var t api.TaskInstance
	if err := decodeJSON(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *redisTaskStore) GetAll(ctx context.Context, workflowID string) ([]*api.TaskInstance, error) {
	r := (*RedisStores)(s)
	ids, err := s.client.LRange(ctx, r.key("idx", "wf-task", workflowID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.key("task", id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*api.TaskInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var t api.TaskInstance
		if err := decodeJSON(data, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *redisTaskStore) Delete(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, (*RedisStores)(s).key("task", taskID)).Err()
}

// --- workflow definitions

type redisWorkflowDefinitionStore RedisStores

var _ WorkflowDefinitionStore = (*redisWorkflowDefinitionStore)(nil)

func (s *redisWorkflowDefinitionStore) Create(ctx context.Context, def api.WorkflowDefinition) error {
	data, err := encodeJSON(def)
	if err != nil {
		return err
	}
	r := (*RedisStores)(s)
	ok, err := s.client.SetNX(ctx, r.key("def", "wf", def.Name, def.Rev), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: workflow %s rev %s", ErrDefinitionExists, def.Name, def.Rev)
	}
	return s.client.SAdd(ctx, r.key("idx", "def", "wf"), def.Name+":"+def.Rev).Err()
}

func (s *redisWorkflowDefinitionStore) Update(ctx context.Context, def api.WorkflowDefinition) error {
	r := (*RedisStores)(s)
	key := r.key("def", "wf", def.Name, def.Rev)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, def.Name, def.Rev)
	}

	data, err := encodeJSON(def)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *redisWorkflowDefinitionStore) Get(ctx context.Context, name, rev string) (api.WorkflowDefinition, error) {
	data, err := s.client.Get(ctx, (*RedisStores)(s).key("def", "wf", name, rev)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, name, rev)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	var def api.WorkflowDefinition
	if err := decodeJSON(data, &def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *redisWorkflowDefinitionStore) List(ctx context.Context) ([]api.WorkflowDefinition, error) {
	r := (*RedisStores)(s)
	keys, err := s.client.SMembers(ctx, r.key("idx", "def", "wf")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []api.WorkflowDefinition
	for _, k := range keys {
		name, rev, ok := splitDefKey(k)
		if !ok {
			continue
		}
		def, err := s.Get(ctx, name, rev)
		if err != nil {
			if errors.Is(err, ErrWorkflowDefinitionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Rev < out[j].Rev
	})
	return out, nil
}

func splitDefKey(k string) (name, rev string, ok bool) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}

// --- task definitions

type redisTaskDefinitionStore RedisStores

var _ TaskDefinitionStore = (*redisTaskDefinitionStore)(nil)

func (s *redisTaskDefinitionStore) Create(ctx context.Context, def api.TaskDefinition) error {
	data, err := encodeJSON(def)
	if err != nil {
		return err
	}
	r := (*RedisStores)(s)
	ok, err := s.client.SetNX(ctx, r.key("def", "task", def.Name), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s", ErrDefinitionExists, def.Name)
	}
	return s.client.SAdd(ctx, r.key("idx", "def", "task"), def.Name).Err()
}

func (s *redisTaskDefinitionStore) Update(ctx context.Context, def api.TaskDefinition) error {
	r := (*RedisStores)(s)
	key := r.key("def", "task", def.Name)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, def.Name)
	}

	data, err := encodeJSON(def)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *redisTaskDefinitionStore) Get(ctx context.Context, name string) (api.TaskDefinition, error) {
	data, err := s.client.Get(ctx, (*RedisStores)(s).key("def", "task", name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.TaskDefinition{}, fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, name)
	}
	if err != nil {
		return api.TaskDefinition{}, err
	}

	var def api.TaskDefinition
	if err := decodeJSON(data, &def); err != nil {
		return api.TaskDefinition{}, err
	}
	return def, nil
}

func (s *redisTaskDefinitionStore) List(ctx context.Context) ([]api.TaskDefinition, error) {
	r := (*RedisStores)(s)
	names, err := s.client.SMembers(ctx, r.key("idx", "def", "task")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(names)

	var out []api.TaskDefinition
	for _, name := range names {
		def, err := s.Get(ctx, name)
		if err != nil {
			if errors.Is(err, ErrTaskDefinitionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// --- events

type redisEventStore RedisStores

var _ EventStore = (*redisEventStore)(nil)

func (s *redisEventStore) Append(ctx context.Context, ev api.Event) error {
	data, err := encodeJSON(ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, (*RedisStores)(s).key("events", ev.TransactionID), data).Err()
}

func (s *redisEventStore) ListByTransactionID(ctx context.Context, transactionID string) ([]api.Event, error) {
	vals, err := s.client.LRange(ctx, (*RedisStores)(s).key("events", transactionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]api.Event, 0, len(vals))
	for _, v := range vals {
		var ev api.Event
		if err := decodeJSON([]byte(v), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
