// Package api exposes the HTTP surface: workflow and trigger management,
// execution queries, public webhook and email ingress, and the websocket
// feed of execution progress. Handlers are thin; behavior lives in the
// runtime packages.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/execution"
	"github.com/loomhq/loom/runtime/ingress"
	"github.com/loomhq/loom/runtime/orchestrator"
	"github.com/loomhq/loom/runtime/scheduler"
	"github.com/loomhq/loom/runtime/steplog"
	"github.com/loomhq/loom/runtime/stream"
	"github.com/loomhq/loom/runtime/workflow"
)

// defaultOwner is used when requests carry no X-Owner-ID header. The auth
// layer in front of the API is expected to set the header.
const defaultOwner = "local"

type (
	// Options collects the server's dependencies.
	Options struct {
		Workflows    workflow.Store
		Triggers     workflow.TriggerStore
		Executions   execution.Store
		StepLogs     steplog.Store
		Orchestrator *orchestrator.Orchestrator
		Scheduler    *scheduler.Scheduler
		Ingress      *ingress.Service
		Subscriber   stream.Subscriber

		// BaseURL builds webhook URLs returned on trigger creation.
		BaseURL string
		// EmailDomain forms inbound trigger addresses.
		EmailDomain string
		// CORSOrigin is the allowed browser origin; "*" when empty.
		CORSOrigin string
		// Pingers back the /healthz endpoint.
		Pingers []health.Pinger
	}

	// Server routes HTTP requests to the runtime.
	Server struct {
		workflows    workflow.Store
		triggers     workflow.TriggerStore
		executions   execution.Store
		steps        steplog.Store
		orchestrator *orchestrator.Orchestrator
		scheduler    *scheduler.Scheduler
		ingress      *ingress.Service
		subscriber   stream.Subscriber
		baseURL      string
		emailDomain  string
		corsOrigin   string
		pingers      []health.Pinger
	}
)

// NewServer constructs the API server.
func NewServer(opts Options) *Server {
	return &Server{
		workflows:    opts.Workflows,
		triggers:     opts.Triggers,
		executions:   opts.Executions,
		steps:        opts.StepLogs,
		orchestrator: opts.Orchestrator,
		scheduler:    opts.Scheduler,
		ingress:      opts.Ingress,
		subscriber:   opts.Subscriber,
		baseURL:      opts.BaseURL,
		emailDomain:  opts.EmailDomain,
		corsOrigin:   opts.CORSOrigin,
		pingers:      opts.Pingers,
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	origin := s.corsOrigin
	if origin == "" {
		origin = "*"
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{origin},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Owner-ID", "X-Webhook-Signature", "X-Hub-Signature-256"},
	}))

	r.Get("/healthz", health.Handler(health.NewChecker(s.pingers...)))
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Post("/", s.createWorkflow)
			r.Get("/{id}", s.getWorkflow)
			r.Put("/{id}", s.updateWorkflow)
			r.Delete("/{id}", s.deleteWorkflow)
			r.Post("/{id}/activate", s.activateWorkflow)
			r.Post("/{id}/deactivate", s.deactivateWorkflow)
			r.Post("/{id}/test", s.testWorkflow)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.listExecutions)
			r.Get("/stats", s.executionStats)
			r.Get("/{id}", s.getExecution)
			r.Post("/{id}/replay", s.replayExecution)
			r.Post("/{id}/cancel", s.cancelExecution)
			r.Get("/{id}/ws", s.executionSocket)
		})
		r.Post("/triggers", s.createTrigger)
		r.Get("/ws", s.socket)
		r.Post("/webhooks/email", s.emailIngress)
		r.Post("/webhooks/{token}", s.webhookIngress)
	})
	return r
}

// owner resolves the acting principal from the request.
func owner(r *http.Request) string {
	if id := r.Header.Get("X-Owner-ID"); id != "" {
		return id
	}
	return defaultOwner
}

// respond writes a JSON body with the given status.
func respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(r.Context(), err, "response not encoded")
	}
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
