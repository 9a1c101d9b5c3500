package store

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// All backends persist entity payloads as JSON so that a stored value
// round-trips to the same value space the bus carries. Encode failures are
// surfaced as api.ErrSerialization.

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrSerialization, err)
	}
	return data, nil
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", api.ErrSerialization, err)
	}
	return nil
}

// checkTransactionUpdate validates a status write against the transition
// table. Writes that keep the status are always allowed so non-status fields
// can be amended before a transition.
func checkTransactionUpdate(old, new *api.Transaction) error {
	if old.Status == new.Status {
		return nil
	}
	if !old.Status.CanTransitionTo(new.Status) {
		return fmt.Errorf("%w: transaction %s -> %s", api.ErrInvalidTransition, old.Status, new.Status)
	}
	return nil
}

func checkWorkflowUpdate(old, new *api.WorkflowInstance) error {
	if old.Status == new.Status {
		return nil
	}
	if !old.Status.CanTransitionTo(new.Status) {
		return fmt.Errorf("%w: workflow %s -> %s", api.ErrInvalidTransition, old.Status, new.Status)
	}
	return nil
}

func checkTaskUpdate(old, new *api.TaskInstance) error {
	if old.Status == new.Status {
		return nil
	}
	if !old.Status.CanTransitionTo(new.Status) {
		return fmt.Errorf("%w: task %s -> %s", api.ErrInvalidTransition, old.Status, new.Status)
	}
	return nil
}
