// Package mongo implements the durable stores on MongoDB: workflows,
// triggers, executions, step logs and credentials. Domain ids are
// application-assigned UUIDs used directly as document ids.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type (
	// Options configures the Mongo connection.
	Options struct {
		// URI is the connection string.
		URI string
		// Database holds all collections.
		Database string
		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Client wraps the driver connection and hands out stores. It implements
	// health.Pinger for the /healthz endpoint.
	Client struct {
		client  *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

const defaultTimeout = 5 * time.Second

// Connect establishes the Mongo connection and verifies it with a ping.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo URI is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &Client{
		client:  client,
		db:      client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return "mongo" }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from the server.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
