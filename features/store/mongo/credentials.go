package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loomhq/loom/runtime/credential"
)

type (
	// CredentialStore implements credential.Store on MongoDB. Only the
	// encrypted envelope is ever persisted.
	CredentialStore struct {
		client *Client
		coll   *mongodriver.Collection
	}

	credentialDocument struct {
		ID        string    `bson:"_id"`
		OwnerID   string    `bson:"owner_id"`
		Name      string    `bson:"name"`
		Type      string    `bson:"type"`
		Data      string    `bson:"data"`
		CreatedAt time.Time `bson:"created_at"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

// Credentials returns the credential store, creating its indexes.
func (c *Client) Credentials(ctx context.Context) (*CredentialStore, error) {
	coll := c.db.Collection("credentials")
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, err
	}
	return &CredentialStore{client: c, coll: coll}, nil
}

// Create inserts a new credential.
func (s *CredentialStore) Create(ctx context.Context, c *credential.Credential) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, toCredentialDocument(c))
	return err
}

// Update replaces an existing credential.
func (s *CredentialStore) Update(ctx context.Context, c *credential.Credential) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": c.ID}, toCredentialDocument(c))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// Delete removes a credential.
func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// Get returns the credential with the given id.
func (s *CredentialStore) Get(ctx context.Context, id string) (*credential.Credential, error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	var doc credentialDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, credential.ErrNotFound
		}
		return nil, err
	}
	return doc.toCredential(), nil
}

// List returns the owner's credentials, newest first.
func (s *CredentialStore) List(ctx context.Context, ownerID string) (creds []*credential.Credential, err error) {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"owner_id": ownerID}, options.Find().
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
		var doc credentialDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		creds = append(creds, doc.toCredential())
	}
	return creds, cur.Err()
}

func toCredentialDocument(c *credential.Credential) credentialDocument {
	return credentialDocument{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Name:      c.Name,
		Type:      c.Type,
		Data:      c.Data,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
}

func (d credentialDocument) toCredential() *credential.Credential {
	return &credential.Credential{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Name:      d.Name,
		Type:      d.Type,
		Data:      d.Data,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
