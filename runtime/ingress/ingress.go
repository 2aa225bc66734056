// Package ingress turns external events into workflow executions: public
// webhook requests routed by token, and inbound email posted by delivery
// providers (SendGrid, Mailgun). It verifies signatures, sanitizes what gets
// recorded, and launches executions through the orchestrator.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/execution"
	"github.com/loomhq/loom/runtime/workflow"
)

var (
	// ErrForbidden indicates the trigger exists but its workflow is
	// inactive.
	ErrForbidden = errors.New("workflow is not active")
	// ErrBadSignature indicates a required webhook signature was missing or
	// wrong.
	ErrBadSignature = errors.New("invalid signature")
)

type (
	// Launcher is the slice of the orchestrator ingress needs.
	Launcher interface {
		Launch(ctx context.Context, wf *workflow.Workflow, triggerData map[string]any) (*execution.Execution, error)
	}

	// Service resolves triggers and launches executions for inbound events.
	Service struct {
		triggers  workflow.TriggerStore
		workflows workflow.Store
		launcher  Launcher
	}

	// WebhookRequest is the normalized form of a public webhook call.
	WebhookRequest struct {
		Token     string
		Method    string
		Headers   http.Header
		Query     url.Values
		Body      []byte
		Signature string
	}
)

// NewService constructs an ingress service.
func NewService(triggers workflow.TriggerStore, workflows workflow.Store, launcher Launcher) *Service {
	return &Service{triggers: triggers, workflows: workflows, launcher: launcher}
}

// Webhook handles one public webhook call: it resolves the trigger by token,
// enforces activation and the optional HMAC signature, and launches an
// execution whose trigger payload carries the parsed body, sanitized headers
// and query parameters.
func (s *Service) Webhook(ctx context.Context, req WebhookRequest) (*execution.Execution, error) {
	trig, err := s.triggers.GetByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	wf, err := s.workflows.Get(ctx, trig.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, ErrForbidden
	}
	if trig.Config.Secret != "" {
		if !VerifySignature(trig.Config.Secret, req.Body, req.Signature) {
			return nil, ErrBadSignature
		}
	}

	payload := map[string]any{
		"body":       parseBody(req.Body),
		"headers":    SanitizeHeaders(req.Headers),
		"query":      flattenValues(req.Query),
		"method":     req.Method,
		"receivedAt": time.Now().UTC().Format(time.RFC3339),
	}
	exec, err := s.launcher.Launch(ctx, wf, payload)
	if err != nil {
		return nil, err
	}
	log.Print(ctx, log.KV{K: "msg", V: "webhook accepted"},
		log.KV{K: "workflow", V: wf.ID}, log.KV{K: "execution", V: exec.ID})
	return exec, nil
}

// Email handles one inbound email. The trigger is resolved by recipient
// address. A resolved trigger whose workflow is inactive is acknowledged
// without launching, so providers do not retry delivery.
func (s *Service) Email(ctx context.Context, msg *InboundEmail) (*execution.Execution, error) {
	trig, err := s.triggers.GetByAddress(ctx, msg.To)
	if err != nil {
		return nil, err
	}
	wf, err := s.workflows.Get(ctx, trig.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		log.Printf(ctx, "inbound email for inactive workflow %s dropped", wf.ID)
		return nil, nil
	}

	payload := map[string]any{
		"from":       msg.From,
		"to":         msg.To,
		"subject":    msg.Subject,
		"text":       msg.Text,
		"html":       msg.HTML,
		"receivedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if len(msg.Attachments) > 0 {
		payload["attachments"] = msg.Attachments
	}
	return s.launcher.Launch(ctx, wf, payload)
}

// parseBody decodes JSON bodies into structured data; anything else is kept
// as a string.
func parseBody(body []byte) any {
	if len(body) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}

// flattenValues keeps the first value per query parameter.
func flattenValues(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

// redactedHeaders lists headers whose values never reach trigger payloads.
var redactedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
	"x-auth-token":  true,
}

// SanitizeHeaders flattens headers to single values and redacts credentials.
func SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		key := strings.ToLower(k)
		if redactedHeaders[key] {
			out[key] = "[REDACTED]"
			continue
		}
		out[key] = v[0]
	}
	return out
}
