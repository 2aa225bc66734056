package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loomhq/loom/runtime/workflow"
)

type (
	// WorkflowStore implements workflow.Store on MongoDB.
	WorkflowStore struct {
		client *Client
		coll   *mongodriver.Collection
	}

	workflowDocument struct {
		ID                string              `bson:"_id"`
		OwnerID           string              `bson:"owner_id"`
		Name              string              `bson:"name"`
		IsActive          bool                `bson:"is_active"`
		Definition        workflow.Definition `bson:"definition"`
		NotificationEmail string              `bson:"notification_email,omitempty"`
		CreatedAt         time.Time           `bson:"created_at"`
		UpdatedAt         time.Time           `bson:"updated_at"`
	}
)

// Workflows returns the workflow store, creating its indexes.
func (c *Client) Workflows(ctx context.Context) (*WorkflowStore, error) {
	coll := c.db.Collection("workflows")
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, err
	}
	return &WorkflowStore{client: c, coll: coll}, nil
}

// Create inserts a new workflow.
func (s *WorkflowStore) Create(ctx context.Context, w *workflow.Workflow) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, toWorkflowDocument(w))
	return err
}

// Update replaces an existing workflow.
func (s *WorkflowStore) Update(ctx context.Context, w *workflow.Workflow) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	w.UpdatedAt = time.Now()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": w.ID}, toWorkflowDocument(w))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// Delete removes a workflow.
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// Get returns the workflow with the given id.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, workflow.ErrNotFound
		}
		return nil, err
	}
	return doc.toWorkflow(), nil
}

// List returns the owner's workflows, newest first. An empty ownerID lists
// everything.
func (s *WorkflowStore) List(ctx context.Context, ownerID string) (wfs []*workflow.Workflow, err error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if ownerID != "" {
		filter["owner_id"] = ownerID
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc workflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		wfs = append(wfs, doc.toWorkflow())
	}
	return wfs, cur.Err()
}

func toWorkflowDocument(w *workflow.Workflow) workflowDocument {
	return workflowDocument{
		ID:                w.ID,
		OwnerID:           w.OwnerID,
		Name:              w.Name,
		IsActive:          w.IsActive,
		Definition:        w.Definition,
		NotificationEmail: w.NotificationEmail,
		CreatedAt:         w.CreatedAt.UTC(),
		UpdatedAt:         w.UpdatedAt.UTC(),
	}
}

func (d workflowDocument) toWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:                d.ID,
		OwnerID:           d.OwnerID,
		Name:              d.Name,
		IsActive:          d.IsActive,
		Definition:        d.Definition,
		NotificationEmail: d.NotificationEmail,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}
