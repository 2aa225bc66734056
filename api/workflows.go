package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/workflow"
)

// workflowRequest is the create/update body.
type workflowRequest struct {
	Name              string              `json:"name"`
	Definition        workflow.Definition `json:"definition"`
	NotificationEmail string              `json:"notificationEmail,omitempty"`
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.workflows.List(r.Context(), owner(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, wfs)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.ownedWorkflow(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, wf)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.Name == "" {
		respondError(w, r, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	if err := req.Definition.Validate(); err != nil {
		respondError(w, r, err)
		return
	}
	now := time.Now()
	wf := &workflow.Workflow{
		ID:                uuid.NewString(),
		OwnerID:           owner(r),
		Name:              req.Name,
		Definition:        req.Definition,
		NotificationEmail: req.NotificationEmail,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.workflows.Create(r.Context(), wf); err != nil {
		respondError(w, r, err)
		return
	}
	log.Print(r.Context(), log.KV{K: "msg", V: "workflow created"}, log.KV{K: "workflow", V: wf.ID})
	respond(w, r, http.StatusCreated, wf)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.ownedWorkflow(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req workflowRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := req.Definition.Validate(); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Name != "" {
		wf.Name = req.Name
	}
	wf.Definition = req.Definition
	wf.NotificationEmail = req.NotificationEmail
	wf.UpdatedAt = time.Now()
	if err := s.workflows.Update(r.Context(), wf); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.ownedWorkflow(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	// Paused or not, the schedule registration must go with the workflow.
	if trig, err := s.triggers.GetByWorkflow(r.Context(), wf.ID); err == nil {
		if trig.Type == workflow.TriggerSchedule {
			if err := s.scheduler.Pause(r.Context(), trig.ID); err != nil {
				log.Errorf(r.Context(), err, "schedule for workflow %s not paused", wf.ID)
			}
		}
		if err := s.triggers.Delete(r.Context(), trig.ID); err != nil {
			log.Errorf(r.Context(), err, "trigger for workflow %s not deleted", wf.ID)
		}
	}
	if err := s.workflows.Delete(r.Context(), wf.ID); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) activateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Server) deactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

// setActive toggles the workflow and resumes or pauses its schedule trigger.
func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	wf, err := s.ownedWorkflow(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	wf.IsActive = active
	wf.UpdatedAt = time.Now()
	if err := s.workflows.Update(r.Context(), wf); err != nil {
		respondError(w, r, err)
		return
	}
	if trig, err := s.triggers.GetByWorkflow(r.Context(), wf.ID); err == nil && trig.Type == workflow.TriggerSchedule {
		if active {
			err = s.scheduler.Resume(r.Context(), trig, wf)
		} else {
			err = s.scheduler.Pause(r.Context(), trig.ID)
		}
		if err != nil {
			respondError(w, r, err)
			return
		}
	}
	respond(w, r, http.StatusOK, wf)
}

// testWorkflow launches an execution with a caller-provided trigger payload.
// Drafts can be tested before activation; the activation gate applies to
// external triggers only.
func (s *Server) testWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.ownedWorkflow(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var triggerData map[string]any
	if r.ContentLength != 0 {
		if err := decode(r, &triggerData); err != nil {
			respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	triggerData["isTest"] = true
	test := *wf
	test.IsActive = true
	exec, err := s.orchestrator.Launch(r.Context(), &test, triggerData)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, exec)
}

// ownedWorkflow loads the path workflow and enforces ownership. Foreign
// workflows are indistinguishable from missing ones.
func (s *Server) ownedWorkflow(r *http.Request) (*workflow.Workflow, error) {
	wf, err := s.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if wf.OwnerID != owner(r) {
		return nil, workflow.ErrNotFound
	}
	return wf, nil
}
