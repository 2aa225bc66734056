// Package notify delivers transactional email: workflow failure
// notifications and the sendEmail action. The default sender speaks the
// Resend HTTP API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"
)

type (
	// Sender delivers one email.
	Sender interface {
		Send(ctx context.Context, msg Message) error
	}

	// Message is a single outbound email.
	Message struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		HTML    string `json:"html,omitempty"`
		Text    string `json:"text,omitempty"`
	}

	// Resend sends mail through the Resend HTTP API.
	Resend struct {
		apiKey  string
		from    string
		baseURL string
		client  *http.Client
	}

	// ResendOption customizes the Resend sender.
	ResendOption func(*Resend)

	// Nop discards all mail, used when no sender is configured.
	Nop struct{}
)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) ResendOption {
	return func(r *Resend) { r.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ResendOption {
	return func(r *Resend) { r.client = c }
}

// NewResend constructs a Resend sender. from is the default sender address
// applied when a message carries none.
func NewResend(apiKey, from string, opts ...ResendOption) *Resend {
	r := &Resend{
		apiKey:  apiKey,
		from:    from,
		baseURL: "https://api.resend.com",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Send implements Sender.
func (r *Resend) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = r.from
	}
	body, err := json.Marshal(map[string]any{
		"from":    msg.From,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"html":    msg.HTML,
		"text":    msg.Text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("resend send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("resend send: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// Send implements Sender.
func (Nop) Send(context.Context, Message) error { return nil }

// Notifier formats workflow failure notifications. It implements the
// orchestrator's Notifier contract.
type Notifier struct {
	sender Sender
	from   string
}

// NewNotifier constructs a notifier over the sender.
func NewNotifier(sender Sender, from string) *Notifier {
	return &Notifier{sender: sender, from: from}
}

// ExecutionFailed sends the failure notification for one execution.
func (n *Notifier) ExecutionFailed(ctx context.Context, email, workflowName, executionID, errMsg string) error {
	if workflowName == "" {
		workflowName = "Unnamed workflow"
	}
	subject := fmt.Sprintf("Workflow %q failed", workflowName)
	body := fmt.Sprintf(
		"<p>Your workflow <strong>%s</strong> failed.</p><p>%s</p><p>Execution: <code>%s</code></p>",
		html.EscapeString(workflowName), html.EscapeString(errMsg), html.EscapeString(executionID),
	)
	return n.sender.Send(ctx, Message{
		From:    n.from,
		To:      email,
		Subject: subject,
		HTML:    body,
	})
}
