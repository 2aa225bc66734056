// Package actions provides the built-in I/O node implementations:
// httpRequest, sendEmail, sendTelegram, databaseQuery and aiRequest. Each
// action reads its template-resolved node configuration, talks to the
// outside world, and reports through the action result contract.
package actions

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/notify"
	"github.com/loomhq/loom/runtime/action"
	"github.com/loomhq/loom/runtime/workflow"
)

// Config collects the dependencies of the built-in actions.
type Config struct {
	// HTTPClient serves httpRequest and sendTelegram. Defaults to a client
	// with a 30 second timeout.
	HTTPClient *http.Client
	// Sender delivers sendEmail messages.
	Sender notify.Sender
	// FromEmail is the default sender address for sendEmail.
	FromEmail string
	// Chat serves aiRequest. Nil disables the action with a configuration
	// error at execution time unless the node carries a credentialId.
	Chat ChatClient
	// NewChat builds a chat client from a node credential's apiKey.
	// Defaults to the OpenAI client; tests inject fakes.
	NewChat func(apiKey string) ChatClient
	// TelegramBaseURL overrides the Bot API endpoint, used by tests.
	TelegramBaseURL string
	// OpenDB opens a database connection for databaseQuery. Defaults to
	// sqlx.Open against Postgres.
	OpenDB DBOpener
}

// ChatClient is the slice of the OpenAI client aiRequest uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// DBOpener opens a database connection for databaseQuery.
type DBOpener func(ctx context.Context, driver, dsn string) (*sqlx.DB, error)

// RegisterAll registers every built-in I/O action plus the core trigger,
// condition and transform actions.
func RegisterAll(r *action.Registry, cfg Config) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Sender == nil {
		cfg.Sender = notify.Nop{}
	}
	action.RegisterCore(r)
	r.Register(workflow.NodeHTTPRequest, HTTPRequest(cfg))
	r.Register(workflow.NodeSendEmail, SendEmail(cfg))
	r.Register(workflow.NodeSendTelegram, SendTelegram(cfg))
	r.Register(workflow.NodeDatabaseQuery, DatabaseQuery(cfg))
	r.Register(workflow.NodeAIRequest, AIRequest(cfg))
}

// str reads an optional string field from resolved node data.
func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
