package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loomhq/loom/runtime/execution"
)

type (
	// ExecutionStore implements execution.Store on MongoDB.
	ExecutionStore struct {
		client *Client
		coll   *mongodriver.Collection
	}

	executionDocument struct {
		ID          string         `bson:"_id"`
		WorkflowID  string         `bson:"workflow_id"`
		OwnerID     string         `bson:"owner_id"`
		Status      string         `bson:"status"`
		TriggerData map[string]any `bson:"trigger_data,omitempty"`
		Output      any            `bson:"output,omitempty"`
		Error       string         `bson:"error,omitempty"`
		StartedAt   *time.Time     `bson:"started_at,omitempty"`
		CompletedAt *time.Time     `bson:"completed_at,omitempty"`
		CreatedAt   time.Time      `bson:"created_at"`
	}
)

// Executions returns the execution store, creating its indexes.
func (c *Client) Executions(ctx context.Context) (*ExecutionStore, error) {
	coll := c.db.Collection("executions")
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &ExecutionStore{client: c, coll: coll}, nil
}

// Create inserts a new execution.
func (s *ExecutionStore) Create(ctx context.Context, e *execution.Execution) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, toExecutionDocument(e))
	return err
}

// Get returns the execution with the given id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*execution.Execution, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	var doc executionDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, execution.ErrNotFound
		}
		return nil, err
	}
	return doc.toExecution(), nil
}

// Update replaces an existing execution.
func (s *ExecutionStore) Update(ctx context.Context, e *execution.Execution) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": e.ID}, toExecutionDocument(e))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return execution.ErrNotFound
	}
	return nil
}

// List returns executions matching the filter, newest first.
func (s *ExecutionStore) List(ctx context.Context, f execution.Filter) (execs []*execution.Execution, err error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.OwnerID != "" {
		filter["owner_id"] = f.OwnerID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	started := bson.M{}
	if !f.StartedAfter.IsZero() {
		started["$gte"] = f.StartedAfter
	}
	if !f.StartedBefore.IsZero() {
		started["$lt"] = f.StartedBefore
	}
	if len(started) > 0 {
		filter["started_at"] = started
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Skip > 0 {
		opts.SetSkip(int64(f.Skip))
	}
	if f.Take > 0 {
		opts.SetLimit(int64(f.Take))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		execs = append(execs, doc.toExecution())
	}
	return execs, cur.Err()
}

// Stats aggregates per-status counts and the mean duration of completed runs
// in one pipeline, scoped to the owner. An empty workflowID aggregates every
// workflow.
func (s *ExecutionStore) Stats(ctx context.Context, ownerID, workflowID string) (*execution.Stats, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	match := bson.M{}
	if ownerID != "" {
		match["owner_id"] = ownerID
	}
	if workflowID != "" {
		match["workflow_id"] = workflowID
	}
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": 1},
			"success": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(execution.StatusSuccess)}}, 1, 0}}},
			"failed": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(execution.StatusFailed)}}, 1, 0}}},
			"running": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(execution.StatusRunning)}}, 1, 0}}},
			"pending": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(execution.StatusPending)}}, 1, 0}}},
			"avg_duration_ms": bson.M{"$avg": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$ne": bson.A{"$started_at", nil}},
					bson.M{"$ne": bson.A{"$completed_at", nil}},
				}},
				bson.M{"$subtract": bson.A{"$completed_at", "$started_at"}},
				nil}}},
		}}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var row struct {
		Total         int64    `bson:"total"`
		Success       int64    `bson:"success"`
		Failed        int64    `bson:"failed"`
		Running       int64    `bson:"running"`
		Pending       int64    `bson:"pending"`
		AvgDurationMs *float64 `bson:"avg_duration_ms"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
	}
	stats := &execution.Stats{
		Total:   row.Total,
		Success: row.Success,
		Failed:  row.Failed,
		Running: row.Running,
		Pending: row.Pending,
	}
	if row.AvgDurationMs != nil {
		stats.AvgDurationMs = *row.AvgDurationMs
	}
	return stats, cur.Err()
}

func toExecutionDocument(e *execution.Execution) executionDocument {
	return executionDocument{
		ID:          e.ID,
		WorkflowID:  e.WorkflowID,
		OwnerID:     e.OwnerID,
		Status:      string(e.Status),
		TriggerData: e.TriggerData,
		Output:      e.Output,
		Error:       e.Error,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		CreatedAt:   e.CreatedAt.UTC(),
	}
}

func (d executionDocument) toExecution() *execution.Execution {
	return &execution.Execution{
		ID:          d.ID,
		WorkflowID:  d.WorkflowID,
		OwnerID:     d.OwnerID,
		Status:      execution.Status(d.Status),
		TriggerData: d.TriggerData,
		Output:      d.Output,
		Error:       d.Error,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		CreatedAt:   d.CreatedAt,
	}
}
