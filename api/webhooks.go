package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/runtime/ingress"
)

// maxWebhookBody caps the raw payload read from ingress requests.
const maxWebhookBody = 5 << 20

// webhookIngress handles the public per-token webhook endpoint.
func (s *Server) webhookIngress(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, r, err)
		return
	}
	sig := r.Header.Get("X-Webhook-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature-256")
	}
	exec, err := s.ingress.Webhook(r.Context(), ingress.WebhookRequest{
		Token:     chi.URLParam(r, "token"),
		Method:    r.Method,
		Headers:   r.Header,
		Query:     r.URL.Query(),
		Body:      body,
		Signature: sig,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": exec.ID,
	})
}

// emailIngress handles inbound email posted by delivery providers. Inactive
// workflows are acknowledged with success false so providers stop retrying.
func (s *Server) emailIngress(w http.ResponseWriter, r *http.Request) {
	msg, err := ingress.ParseInbound(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	exec, err := s.ingress.Email(r.Context(), msg)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if exec == nil {
		respond(w, r, http.StatusOK, map[string]any{"success": false})
		return
	}
	respond(w, r, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": exec.ID,
	})
}
