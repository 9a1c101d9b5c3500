package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/sagaflow/pkg/api"
)

func mongoSeqSort() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
}

func mongoIDSort() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
}

// MongoStores binds every store contract to MongoDB.
//
// Each entity kind lives in its own collection. Documents carry the JSON
// payload plus the key fields used for lookups, and a client-generated
// ObjectID used to preserve insertion order on range reads.
type MongoStores struct {
	db *mongo.Database
}

// NewMongoStores returns the capability set backed by the given database.
// dbName defaults to "sagaflow" if empty.
func NewMongoStores(client *mongo.Client, dbName string) *Stores {
	if dbName == "" {
		dbName = "sagaflow"
	}
	s := &MongoStores{db: client.Database(dbName)}
	return &Stores{
		Transactions: (*mongoTransactionStore)(s),
		Workflows:    (*mongoWorkflowStore)(s),
		Tasks:        (*mongoTaskStore)(s),
		WorkflowDefs: (*mongoWorkflowDefinitionStore)(s),
		TaskDefs:     (*mongoTaskDefinitionStore)(s),
		Events:       (*mongoEventStore)(s),
	}
}

type mongoEntityDoc struct {
	ID      string             `bson:"_id"`
	Seq     primitive.ObjectID `bson:"seq"`
	Scope   string             `bson:"scope,omitempty"`
	Ref     string             `bson:"ref,omitempty"`
	Status  string             `bson:"status,omitempty"`
	Payload []byte             `bson:"payload"`
}

func isMongoDuplicate(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

// --- transactions

type mongoTransactionStore MongoStores

var _ TransactionStore = (*mongoTransactionStore)(nil)

func (s *mongoTransactionStore) coll() *mongo.Collection { return s.db.Collection("transactions") }

func (s *mongoTransactionStore) Create(ctx context.Context, tx *api.Transaction) error {
	payload, err := encodeJSON(tx)
	if err != nil {
		return err
	}
	_, err = s.coll().InsertOne(ctx, mongoEntityDoc{
		ID:      tx.TransactionID,
		Seq:     primitive.NewObjectID(),
		Status:  string(tx.Status),
		Payload: payload,
	})
	if err != nil && isMongoDuplicate(err) {
		return fmt.Errorf("%w: %s", api.ErrTransactionAlreadyExists, tx.TransactionID)
	}
	return err
}

func (s *mongoTransactionStore) Update(ctx context.Context, tx *api.Transaction) error {
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
	res, err := s.coll().UpdateByID(ctx, tx.TransactionID, bson.M{"$set": bson.M{
		"status":  string(tx.Status),
		"payload": payload,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", api.ErrTransactionNotFound, tx.TransactionID)
	}
	return nil
}

func (s *mongoTransactionStore) Get(ctx context.Context, transactionID string) (*api.Transaction, error) {
	var doc mongoEntityDoc
	err := s.coll().FindOne(ctx, bson.M{"_id": transactionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", api.ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}

	var tx api.Transaction
	if err := decodeJSON(doc.Payload, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *mongoTransactionStore) Delete(ctx context.Context, transactionID string) error {
	_, err := s.coll().DeleteOne(ctx, bson.M{"_id": transactionID})
	return err
}

// --- workflow instances

type mongoWorkflowStore MongoStores

var _ WorkflowInstanceStore = (*mongoWorkflowStore)(nil)

func (s *mongoWorkflowStore) coll() *mongo.Collection { return s.db.Collection("workflow_instances") }

func (s *mongoWorkflowStore) Create(ctx context.Context, wf *api.WorkflowInstance) error {
	payload, err := encodeJSON(wf)
	if err != nil {
		return err
	}
	_, err = s.coll().InsertOne(ctx, mongoEntityDoc{
		ID:      wf.WorkflowID,
		Seq:     primitive.NewObjectID(),
		Scope:   wf.TransactionID,
		Status:  string(wf.Status),
		Payload: payload,
	})
	return err
}

func (s *mongoWorkflowStore) Update(ctx context.Context, wf *api.WorkflowInstance) error {
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
	res, err := s.coll().UpdateByID(ctx, wf.WorkflowID, bson.M{"$set": bson.M{
		"status":  string(wf.Status),
		"payload": payload,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, wf.WorkflowID)
	}
	return nil
}

func (s *mongoWorkflowStore) Get(ctx context.Context, workflowID string) (*api.WorkflowInstance, error) {
	var doc mongoEntityDoc
	err := s.coll().FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, err
	}

	var wf api.WorkflowInstance
	if err := decodeJSON(doc.Payload, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *mongoWorkflowStore) GetByTransactionID(ctx context.Context, transactionID string) ([]*api.WorkflowInstance, error) {
	cur, err := s.coll().Find(ctx, bson.M{"scope": transactionID}, mongoSeqSort())
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var wf api.WorkflowInstance
		if err := decodeJSON(doc.Payload, &wf); err != nil {
			return nil, err
		}
		out = append(out, &wf)
	}
	return out, cur.Err()
}

func (s *mongoWorkflowStore) Delete(ctx context.Context, workflowID string) error {
	_, err := s.coll().DeleteOne(ctx, bson.M{"_id": workflowID})
	return err
}

// --- task instances

type mongoTaskStore MongoStores

var _ TaskInstanceStore = (*mongoTaskStore)(nil)

func (s *mongoTaskStore) coll() *mongo.Collection { return s.db.Collection("task_instances") }

func (s *mongoTaskStore) Create(ctx context.Context, t *api.TaskInstance) error {
	payload, err := encodeJSON(t)
	if err != nil {
		return err
	}
	_, err = s.coll().InsertOne(ctx, mongoEntityDoc{
		ID:      t.TaskID,
		Seq:     primitive.NewObjectID(),
		Scope:   t.WorkflowID,
		Ref:     t.TaskReferenceName,
		Status:  string(t.Status),
		Payload: payload,
	})
	return err
}

func (s *mongoTaskStore) Update(ctx context.Context, t *api.TaskInstance) error {
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
	res, err := s.coll().UpdateByID(ctx, t.TaskID, bson.M{"$set": bson.M{
		"status":  string(t.Status),
		"payload": payload,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", api.ErrTaskNotFound, t.TaskID)
	}
	return nil
}

func (s *mongoTaskStore) Reload(ctx context.Context, t *api.TaskInstance) error {
	payload, err := encodeJSON(t)
	if err != nil {
		return err
	}

	// Superseded instances of the same slot stay as history, flagged
	// retried, then the fresh one is inserted. Multiple steps; the
	// pipeline's single writer per transaction keeps this from racing.
	cur, err := s.coll().Find(ctx, bson.M{
		"scope": t.WorkflowID,
		"ref":   t.TaskReferenceName,
		"_id":   bson.M{"$ne": t.TaskID},
	})
	if err != nil {
		return err
	}
	var docs []mongoEntityDoc
	if err := cur.All(ctx, &docs); err != nil {
		return err
	}
	for _, doc := range docs {
		var prev api.TaskInstance
		if err := decodeJSON(doc.Payload, &prev); err != nil {
			return err
		}
		prev.IsRetried = true
		flagged, err := encodeJSON(&prev)
		if err != nil {
			return err
		}
		if _, err := s.coll().UpdateOne(ctx,
			bson.M{"_id": doc.ID},
			bson.M{"$set": bson.M{"payload": flagged}},
		); err != nil {
			return err
		}
	}
	_, err = s.coll().InsertOne(ctx, mongoEntityDoc{
		ID:      t.TaskID,
		Seq:     primitive.NewObjectID(),
		Scope:   t.WorkflowID,
		Ref:     t.TaskReferenceName,
		Status:  string(t.Status),
		Payload: payload,
	})
	return err
}

func (s *mongoTaskStore) Get(ctx context.Context, taskID string) (*api.TaskInstance, error) {
	var doc mongoEntityDoc
	err := s.coll().FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	var t api.TaskInstance
	if err := decodeJSON(doc.Payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *mongoTaskStore) GetAll(ctx context.Context, workflowID string) ([]*api.TaskInstance, error) {
	cur, err := s.coll().Find(ctx, bson.M{"scope": workflowID}, mongoSeqSort())
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.TaskInstance
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var t api.TaskInstance
		if err := decodeJSON(doc.Payload, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, cur.Err()
}

func (s *mongoTaskStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.coll().DeleteOne(ctx, bson.M{"_id": taskID})
	return err
}

// --- workflow definitions

type mongoWorkflowDefinitionStore MongoStores

var _ WorkflowDefinitionStore = (*mongoWorkflowDefinitionStore)(nil)

func (s *mongoWorkflowDefinitionStore) coll() *mongo.Collection {
	return s.db.Collection("workflow_definitions")
}

func (s *mongoWorkflowDefinitionStore) Create(ctx context.Context, def api.WorkflowDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.coll().InsertOne(ctx, mongoEntityDoc{
		ID:      defKey(def.Name, def.Rev),
		Seq:     primitive.NewObjectID(),
		Payload: payload,
	})
	if err != nil && isMongoDuplicate(err) {
		return fmt.Errorf("%w: workflow %s rev %s", ErrDefinitionExists, def.Name, def.Rev)
	}
	return err
}

func (s *mongoWorkflowDefinitionStore) Update(ctx context.Context, def api.WorkflowDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	res, err := s.coll().UpdateByID(ctx, defKey(def.Name, def.Rev), bson.M{"$set": bson.M{
		"payload": payload,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, def.Name, def.Rev)
	}
	return nil
}

func (s *mongoWorkflowDefinitionStore) Get(ctx context.Context, name, rev string) (api.WorkflowDefinition, error) {
	var doc mongoEntityDoc
	err := s.coll().FindOne(ctx, bson.M{"_id": defKey(name, rev)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: workflow %s rev %s", ErrWorkflowDefinitionNotFound, name, rev)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	var def api.WorkflowDefinition
	if err := decodeJSON(doc.Payload, &def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *mongoWorkflowDefinitionStore) List(ctx context.Context) ([]api.WorkflowDefinition, error) {
	cur, err := s.coll().Find(ctx, bson.M{}, mongoSeqSort())
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.WorkflowDefinition
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var def api.WorkflowDefinition
		if err := decodeJSON(doc.Payload, &def); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, cur.Err()
}

// --- task definitions

type mongoTaskDefinitionStore MongoStores

var _ TaskDefinitionStore = (*mongoTaskDefinitionStore)(nil)

func (s *mongoTaskDefinitionStore) coll() *mongo.Collection {
	return s.db.Collection("task_definitions")
}

func (s *mongoTaskDefinitionStore) Create(ctx context.Context, def api.TaskDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	_, err = s.coll().InsertOne(ctx, mongoEntityDoc{
		ID:      def.Name,
		Seq:     primitive.NewObjectID(),
		Payload: payload,
	})
	if err != nil && isMongoDuplicate(err) {
		return fmt.Errorf("%w: task %s", ErrDefinitionExists, def.Name)
	}
	return err
}

func (s *mongoTaskDefinitionStore) Update(ctx context.Context, def api.TaskDefinition) error {
	payload, err := encodeJSON(def)
	if err != nil {
		return err
	}
	res, err := s.coll().UpdateByID(ctx, def.Name, bson.M{"$set": bson.M{
		"payload": payload,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, def.Name)
	}
	return nil
}

func (s *mongoTaskDefinitionStore) Get(ctx context.Context, name string) (api.TaskDefinition, error) {
	var doc mongoEntityDoc
	err := s.coll().FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.TaskDefinition{}, fmt.Errorf("%w: task %s", ErrTaskDefinitionNotFound, name)
	}
	if err != nil {
		return api.TaskDefinition{}, err
	}

	var def api.TaskDefinition
	if err := decodeJSON(doc.Payload, &def); err != nil {
		return api.TaskDefinition{}, err
	}
	return def, nil
}

func (s *mongoTaskDefinitionStore) List(ctx context.Context) ([]api.TaskDefinition, error) {
	cur, err := s.coll().Find(ctx, bson.M{}, mongoSeqSort())
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.TaskDefinition
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var def api.TaskDefinition
		if err := decodeJSON(doc.Payload, &def); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, cur.Err()
}

// --- events

type mongoEventStore MongoStores

var _ EventStore = (*mongoEventStore)(nil)

func (s *mongoEventStore) coll() *mongo.Collection { return s.db.Collection("events") }

type mongoEventDoc struct {
	ID      primitive.ObjectID `bson:"_id"`
	Scope   string             `bson:"scope"`
	Payload []byte             `bson:"payload"`
}

func (s *mongoEventStore) Append(ctx context.Context, ev api.Event) error {
	payload, err := encodeJSON(ev)
	if err != nil {
		return err
	}
	_, err = s.coll().InsertOne(ctx, mongoEventDoc{
		ID:      primitive.NewObjectID(),
		Scope:   ev.TransactionID,
		Payload: payload,
	})
	return err
}

func (s *mongoEventStore) ListByTransactionID(ctx context.Context, transactionID string) ([]api.Event, error) {
	cur, err := s.coll().Find(ctx, bson.M{"scope": transactionID}, mongoIDSort())
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		var ev api.Event
		if err := decodeJSON(doc.Payload, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}
