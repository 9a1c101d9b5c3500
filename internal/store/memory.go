package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

// The in-memory backends are the reference implementations of the store
// contracts, backed by mutex-guarded maps. Instance values are cloned
// through the JSON codec on the way in and out, so callers observe the same
// value space a remote backend would and never share mutable state with the
// store.

// NewMemoryStores returns the full capability set backed by in-memory
// stores.
func NewMemoryStores() *Stores {
	return &Stores{
		Transactions: NewMemoryTransactionStore(),
		Workflows:    NewMemoryWorkflowStore(),
		Tasks:        NewMemoryTaskStore(),
		WorkflowDefs: NewMemoryWorkflowDefinitionStore(),
		TaskDefs:     NewMemoryTaskDefinitionStore(),
		Events:       NewMemoryEventStore(),
	}
}

func clone[T any](v *T) (*T, error) {
	data, err := encodeJSON(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := decodeJSON(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- transactions

// MemoryTransactionStore is a goroutine-safe TransactionStore backed by a map.
type MemoryTransactionStore struct {
	mu           sync.RWMutex
	transactions map[string]*api.Transaction
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{transactions: make(map[string]*api.Transaction)}
}

var _ TransactionStore = (*MemoryTransactionStore)(nil)

func (s *MemoryTransactionStore) Create(ctx context.Context, tx *api.Transaction) error {
	copied, err := clone(tx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.TransactionID]; ok {
		return fmt.Errorf("%w: %s", api.ErrTransactionAlreadyExists, tx.TransactionID)
	}
	s.transactions[tx.TransactionID] = copied
	return nil
}

func (s *MemoryTransactionStore) Update(ctx context.Context, tx *api.Transaction) error {
	copied, err := clone(tx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.transactions[tx.TransactionID]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrTransactionNotFound, tx.TransactionID)
	}
	if err := checkTransactionUpdate(old, tx); err != nil {
		return err
	}
	s.transactions[tx.TransactionID] = copied
	return nil
}

func (s *MemoryTransactionStore) Get(ctx context.Context, transactionID string) (*api.Transaction, error) {
	s.mu.RLock()
	tx, ok := s.transactions[transactionID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, transactionID)
	}
	return clone(tx)
}

func (s *MemoryTransactionStore) Delete(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transactions, transactionID)
	return nil
}

// --- workflow instances

// MemoryWorkflowStore is a goroutine-safe WorkflowInstanceStore backed by a map.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*api.WorkflowInstance
	seq       int64
	order     map[string]int64 // workflowId -> insertion order
}

func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]*api.WorkflowInstance),
		order:     make(map[string]int64),
	}
}

var _ WorkflowInstanceStore = (*MemoryWorkflowStore)(nil)

func (s *MemoryWorkflowStore) Create(ctx context.Context, wf *api.WorkflowInstance) error {
	copied, err := clone(wf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.WorkflowID] = copied
	s.seq++
	s.order[wf.WorkflowID] = s.seq
	return nil
}

func (s *MemoryWorkflowStore) Update(ctx context.Context, wf *api.WorkflowInstance) error {
	copied, err := clone(wf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.workflows[wf.WorkflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, wf.WorkflowID)
	}
	if err := checkWorkflowUpdate(old, wf); err != nil {
		return err
	}
	s.workflows[wf.WorkflowID] = copied
	return nil
}

func (s *MemoryWorkflowStore) Get(ctx context.Context, workflowID string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	wf, ok := s.workflows[workflowID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return clone(wf)
}

func (s *MemoryWorkflowStore) GetByTransactionID(ctx context.Context, transactionID string) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	var found []*api.WorkflowInstance
	for _, wf := range s.workflows {
		if wf.TransactionID == transactionID {
			found = append(found, wf)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return s.order[found[i].WorkflowID] < s.order[found[j].WorkflowID]
	})
	s.mu.RUnlock()

	out := make([]*api.WorkflowInstance, 0, len(found))
	for _, wf := range found {
		copied, err := clone(wf)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (s *MemoryWorkflowStore) Delete(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, workflowID)
	delete(s.order, workflowID)
	return nil
}

// --- task instances

// MemoryTaskStore is a goroutine-safe TaskInstanceStore backed by a map.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*api.TaskInstance
	seq   int64
	order map[string]int64 // taskId -> insertion order
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]*api.TaskInstance),
		order: make(map[string]int64),
	}
}

var _ TaskInstanceStore = (*MemoryTaskStore)(nil)

func (s *MemoryTaskStore) Create(ctx context.Context, t *api.TaskInstance) error {
	copied, err := clone(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.TaskID] = copied
	s.seq++
	s.order[t.TaskID] = s.seq
	return nil
}

func (s *MemoryTaskStore) Update(ctx context.Context, t *api.TaskInstance) error {
	copied, err := clone(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tasks[t.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrTaskNotFound, t.TaskID)
	}
	if err := checkTaskUpdate(old, t); err != nil {
		return err
	}
	s.tasks[t.TaskID] = copied
	return nil
}

func (s *MemoryTaskStore) Reload(ctx context.Context, t *api.TaskInstance) error {
	copied, err := clone(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Single live slot per reference name: superseded instances stay as
	// history, flagged retried.
	for id, old := range s.tasks {
		if old.WorkflowID == t.WorkflowID && old.TaskReferenceName == t.TaskReferenceName && id != t.TaskID {
			old.IsRetried = true
		}
	}
	s.tasks[t.TaskID] = copied
	s.seq++
	s.order[t.TaskID] = s.seq
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, taskID string) (*api.TaskInstance, error) {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, taskID)
	}
	return clone(t)
}

func (s *MemoryTaskStore) GetAll(ctx context.Context, workflowID string) ([]*api.TaskInstance, error) {
	s.mu.RLock()
	var found []*api.TaskInstance
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID {
			found = append(found, t)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return s.order[found[i].TaskID] < s.order[found[j].TaskID]
	})
	s.mu.RUnlock()

	out := make([]*api.TaskInstance, 0, len(found))
	for _, t := range found {
		copied, err := clone(t)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (s *MemoryTaskStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	delete(s.order, taskID)
	return nil
}

// --- workflow definitions

func defKey(name, rev string) string { return name + ":" + rev }

// MemoryWorkflowDefinitionStore is a goroutine-safe registry of workflow
// definitions keyed by (name, rev).
type MemoryWorkflowDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]api.WorkflowDefinition
}

func NewMemoryWorkflowDefinitionStore() *MemoryWorkflowDefinitionStore {
	return &MemoryWorkflowDefinitionStore{defs: make(map[string]api.WorkflowDefinition)}
}

var _ WorkflowDefinitionStore = (*MemoryWorkflowDefinitionStore)(nil)

func (s *MemoryWorkflowDefinitionStore) Create(ctx context.Context, def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := defKey(def.Name, def.Rev)
	if _, ok := s.defs[key]; ok {
		return fmt.Errorf("%w: workflow %s rev %s", ErrDefinitionExists, def.Name, def.Rev)
	}
	s.defs[key] = def
	return nil
}

func (s *MemoryWorkflowDefinitionStore) Update(ctx context.Context, def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := defKey(def.Name, def.Rev)
	if _, ok := s.defs[key]; !ok {
		return fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, def.Name, def.Rev)
	}
	s.defs[key] = def
	return nil
}

func (s *MemoryWorkflowDefinitionStore) Get(ctx context.Context, name, rev string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[defKey(name, rev)]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, name, rev)
	}
	return def, nil
}

func (s *MemoryWorkflowDefinitionStore) List(ctx context.Context) ([]api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
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

// --- task definitions

// MemoryTaskDefinitionStore is a goroutine-safe registry of task
// definitions keyed by name.
type MemoryTaskDefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]api.TaskDefinition
}

func NewMemoryTaskDefinitionStore() *MemoryTaskDefinitionStore {
	return &MemoryTaskDefinitionStore{defs: make(map[string]api.TaskDefinition)}
}

var _ TaskDefinitionStore = (*MemoryTaskDefinitionStore)(nil)

func (s *MemoryTaskDefinitionStore) Create(ctx context.Context, def api.TaskDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[def.Name]; ok {
		return fmt.Errorf("%w: task %s", ErrDefinitionExists, def.Name)
	}
	s.defs[def.Name] = def
	return nil
}

func (s *MemoryTaskDefinitionStore) Update(ctx context.Context, def api.TaskDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[def.Name]; !ok {
		return fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, def.Name)
	}
	s.defs[def.Name] = def
	return nil
}

func (s *MemoryTaskDefinitionStore) Get(ctx context.Context, name string) (api.TaskDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[name]
	if !ok {
		return api.TaskDefinition{}, fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, name)
	}
	return def, nil
}

func (s *MemoryTaskDefinitionStore) List(ctx context.Context) ([]api.TaskDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.TaskDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- events

// MemoryEventStore is an append-only, goroutine-safe EventStore.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]api.Event)}
}

var _ EventStore = (*MemoryEventStore)(nil)

func (s *MemoryEventStore) Append(ctx context.Context, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.TransactionID] = append(s.events[ev.TransactionID], ev)
	return nil
}

func (s *MemoryEventStore) ListByTransactionID(ctx context.Context, transactionID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[transactionID]
	out := make([]api.Event, len(evs))
	copy(out, evs)
	return out, nil
}
