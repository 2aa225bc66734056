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
	// TriggerStore implements workflow.TriggerStore on MongoDB. A unique
	// index on workflow_id enforces the one-trigger-per-workflow invariant.
	TriggerStore struct {
		client *Client
		coll   *mongodriver.Collection
	}

	triggerDocument struct {
		ID         string         `bson:"_id"`
		WorkflowID string         `bson:"workflow_id"`
		Type       string         `bson:"type"`
		Config     configDocument `bson:"config"`
		CreatedAt  time.Time      `bson:"created_at"`
	}

	// configDocument omits empty fields so the sparse unique indexes on
	// token and address skip triggers of other kinds.
	configDocument struct {
		Token    string `bson:"token,omitempty"`
		Secret   string `bson:"secret,omitempty"`
		Cron     string `bson:"cron,omitempty"`
		Timezone string `bson:"timezone,omitempty"`
		Address  string `bson:"address,omitempty"`
	}
)

// Triggers returns the trigger store, creating its indexes.
func (c *Client) Triggers(ctx context.Context) (*TriggerStore, error) {
	coll := c.db.Collection("triggers")
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	sparse := options.Index().SetUnique(true).SetSparse(true)
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "config.token", Value: 1}}, Options: sparse},
		{Keys: bson.D{{Key: "config.address", Value: 1}}, Options: sparse},
		{Keys: bson.D{{Key: "type", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return &TriggerStore{client: c, coll: coll}, nil
}

// Create inserts a trigger. A duplicate workflow id surfaces as ErrConflict.
func (s *TriggerStore) Create(ctx context.Context, t *workflow.Trigger) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, toTriggerDocument(t))
	if mongodriver.IsDuplicateKeyError(err) {
		return workflow.ErrConflict
	}
	return err
}

// Update replaces an existing trigger.
func (s *TriggerStore) Update(ctx context.Context, t *workflow.Trigger) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": t.ID}, toTriggerDocument(t))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// Delete removes a trigger.
func (s *TriggerStore) Delete(ctx context.Context, id string) error {
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

// Get returns the trigger with the given id.
func (s *TriggerStore) Get(ctx context.Context, id string) (*workflow.Trigger, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// GetByWorkflow returns the workflow's trigger.
func (s *TriggerStore) GetByWorkflow(ctx context.Context, workflowID string) (*workflow.Trigger, error) {
	return s.findOne(ctx, bson.M{"workflow_id": workflowID})
}

// GetByToken resolves a webhook trigger by its public token.
func (s *TriggerStore) GetByToken(ctx context.Context, token string) (*workflow.Trigger, error) {
	return s.findOne(ctx, bson.M{"config.token": token})
}

// GetByAddress resolves an email trigger by its inbound address.
func (s *TriggerStore) GetByAddress(ctx context.Context, address string) (*workflow.Trigger, error) {
	return s.findOne(ctx, bson.M{"config.address": address})
}

// ListByType returns all triggers of the given type.
func (s *TriggerStore) ListByType(ctx context.Context, t workflow.TriggerType) (trigs []*workflow.Trigger, err error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"type": string(t)})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc triggerDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		trigs = append(trigs, doc.toTrigger())
	}
	return trigs, cur.Err()
}

func (s *TriggerStore) findOne(ctx context.Context, filter bson.M) (*workflow.Trigger, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	var doc triggerDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, workflow.ErrNotFound
		}
		return nil, err
	}
	return doc.toTrigger(), nil
}

func toTriggerDocument(t *workflow.Trigger) triggerDocument {
	return triggerDocument{
		ID:         t.ID,
		WorkflowID: t.WorkflowID,
		Type:       string(t.Type),
		Config: configDocument{
			Token:    t.Config.Token,
			Secret:   t.Config.Secret,
			Cron:     t.Config.Cron,
			Timezone: t.Config.Timezone,
			Address:  t.Config.Address,
		},
		CreatedAt: t.CreatedAt.UTC(),
	}
}

func (d triggerDocument) toTrigger() *workflow.Trigger {
	return &workflow.Trigger{
		ID:         d.ID,
		WorkflowID: d.WorkflowID,
		Type:       workflow.TriggerType(d.Type),
		Config: workflow.TriggerConfig{
			Token:    d.Config.Token,
			Secret:   d.Config.Secret,
			Cron:     d.Config.Cron,
			Timezone: d.Config.Timezone,
			Address:  d.Config.Address,
		},
		CreatedAt: d.CreatedAt,
	}
}
