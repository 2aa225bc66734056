package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/scheduler"
	"github.com/loomhq/loom/runtime/workflow"
)

type (
	// triggerRequest is the create-trigger body. Tokens and addresses are
	// always server-generated; the config carries only user-settable fields.
	triggerRequest struct {
		WorkflowID string               `json:"workflowId"`
		Type       workflow.TriggerType `json:"type"`
		Config     struct {
			Secret   string `json:"secret,omitempty"`
			Cron     string `json:"cron,omitempty"`
			Timezone string `json:"timezone,omitempty"`
		} `json:"config"`
	}

	// triggerResponse adds the derived endpoint to the trigger record.
	triggerResponse struct {
		*workflow.Trigger
		// WebhookURL is set for WEBHOOK triggers.
		WebhookURL string `json:"webhookUrl,omitempty"`
		// NextRun is set for SCHEDULE triggers on active workflows.
		NextRun *time.Time `json:"nextRun,omitempty"`
	}
)

// createTrigger provisions a workflow's entry point. WEBHOOK triggers get a
// fresh token, EMAIL triggers a fresh inbound address, SCHEDULE triggers a
// validated cron pattern; schedules on active workflows start firing
// immediately.
func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	wf, err := s.workflows.Get(r.Context(), req.WorkflowID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if wf.OwnerID != owner(r) {
		respondError(w, r, workflow.ErrNotFound)
		return
	}

	trig := &workflow.Trigger{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Type:       req.Type,
		CreatedAt:  time.Now(),
	}
	resp := triggerResponse{Trigger: trig}
	switch req.Type {
	case workflow.TriggerWebhook:
		token, err := workflow.NewWebhookToken()
		if err != nil {
			respondError(w, r, err)
			return
		}
		trig.Config.Token = token
		trig.Config.Secret = req.Config.Secret
		resp.WebhookURL = fmt.Sprintf("%s/api/webhooks/%s", s.baseURL, token)
	case workflow.TriggerEmail:
		address, err := workflow.NewEmailAddress(s.emailDomain)
		if err != nil {
			respondError(w, r, err)
			return
		}
		trig.Config.Address = address
	case workflow.TriggerSchedule:
		if err := scheduler.ValidateCron(req.Config.Cron); err != nil {
			respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		trig.Config.Cron = req.Config.Cron
		trig.Config.Timezone = req.Config.Timezone
	default:
		respondError(w, r, fmt.Errorf("%w: unknown trigger type %q", errBadRequest, req.Type))
		return
	}

	if err := s.triggers.Create(r.Context(), trig); err != nil {
		respondError(w, r, err)
		return
	}
	if trig.Type == workflow.TriggerSchedule && wf.IsActive {
		if err := s.scheduler.Resume(r.Context(), trig, wf); err != nil {
			respondError(w, r, err)
			return
		}
	}
	if trig.Type == workflow.TriggerSchedule {
		if next, err := scheduler.NextRun(trig.Config.Cron, trig.Config.Timezone); err == nil {
			resp.NextRun = &next
		}
	}
	log.Print(r.Context(), log.KV{K: "msg", V: "trigger created"},
		log.KV{K: "trigger", V: trig.ID}, log.KV{K: "type", V: trig.Type}, log.KV{K: "workflow", V: wf.ID})
	respond(w, r, http.StatusCreated, resp)
}
