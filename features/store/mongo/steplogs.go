package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loomhq/loom/runtime/steplog"
)

type (
	// StepLogStore implements steplog.Store on MongoDB.
	StepLogStore struct {
		client *Client
		coll   *mongodriver.Collection
	}

	stepLogDocument struct {
		ID                  string    `bson:"_id"`
		ExecutionID         string    `bson:"execution_id"`
		NodeID              string    `bson:"node_id"`
		NodeName            string    `bson:"node_name"`
		NodeType            string    `bson:"node_type"`
		Status              string    `bson:"status"`
		Input               any       `bson:"input,omitempty"`
		Output              any       `bson:"output,omitempty"`
		Error               string    `bson:"error,omitempty"`
		DurationMs          int64     `bson:"duration_ms"`
		RetryAttempts       int       `bson:"retry_attempts"`
		RetriedSuccessfully bool      `bson:"retried_successfully"`
		CreatedAt           time.Time `bson:"created_at"`
	}
)

// StepLogs returns the step log store, creating its indexes.
func (c *Client) StepLogs(ctx context.Context) (*StepLogStore, error) {
	coll := c.db.Collection("step_logs")
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "node_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, err
	}
	return &StepLogStore{client: c, coll: coll}, nil
}

// Append inserts a new entry, assigning its id and timestamp.
func (s *StepLogStore) Append(ctx context.Context, e *steplog.Entry) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, stepLogDocument{
		ID:                  e.ID,
		ExecutionID:         e.ExecutionID,
		NodeID:              e.NodeID,
		NodeName:            e.NodeName,
		NodeType:            e.NodeType,
		Status:              string(e.Status),
		Input:               e.Input,
		Output:              e.Output,
		Error:               e.Error,
		DurationMs:          e.DurationMs,
		RetryAttempts:       e.RetryAttempts,
		RetriedSuccessfully: e.RetriedSuccessfully,
		CreatedAt:           e.CreatedAt.UTC(),
	})
	return err
}

// UpdateLatest patches the most recent entry for the node within the
// execution.
func (s *StepLogStore) UpdateLatest(ctx context.Context, executionID, nodeID string, p steplog.Patch) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	set := bson.M{}
	if p.Status != nil {
		set["status"] = string(*p.Status)
	}
	if p.Output != nil {
		set["output"] = p.Output
	}
	if p.Error != nil {
		set["error"] = *p.Error
	}
	if p.DurationMs != nil {
		set["duration_ms"] = *p.DurationMs
	}
	if p.RetryAttempts != nil {
		set["retry_attempts"] = *p.RetryAttempts
	}
	if p.RetriedSuccessfully != nil {
		set["retried_successfully"] = *p.RetriedSuccessfully
	}
	if len(set) == 0 {
		return nil
	}
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"execution_id": executionID, "node_id": nodeID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Err()
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return steplog.ErrNotFound
	}
	return err
}

// ListByExecution returns all entries of an execution in creation order.
func (s *StepLogStore) ListByExecution(ctx context.Context, executionID string) (entries []*steplog.Entry, err error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"execution_id": executionID}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc stepLogDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, &steplog.Entry{
			ID:                  doc.ID,
			ExecutionID:         doc.ExecutionID,
			NodeID:              doc.NodeID,
			NodeName:            doc.NodeName,
			NodeType:            doc.NodeType,
			Status:              steplog.Status(doc.Status),
			Input:               doc.Input,
			Output:              doc.Output,
			Error:               doc.Error,
			DurationMs:          doc.DurationMs,
			RetryAttempts:       doc.RetryAttempts,
			RetriedSuccessfully: doc.RetriedSuccessfully,
			CreatedAt:           doc.CreatedAt,
		})
	}
	return entries, cur.Err()
}
