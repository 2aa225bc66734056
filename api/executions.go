package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/runtime/execution"
	"github.com/loomhq/loom/runtime/steplog"
)

// executionDetail is the get-execution body: the record plus its step logs.
type executionDetail struct {
	*execution.Execution
	Steps []*steplog.Entry `json:"steps"`
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	f.OwnerID = owner(r)
	execs, err := s.executions.List(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	steps, err := s.steps.ListByExecution(r.Context(), exec.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*steplog.Entry{}
	}
	respond(w, r, http.StatusOK, executionDetail{Execution: exec, Steps: steps})
}

func (s *Server) replayExecution(w http.ResponseWriter, r *http.Request) {
	prev, err := s.ownedExecution(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	exec, err := s.orchestrator.Replay(r.Context(), prev.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, exec)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.orchestrator.Cancel(r.Context(), exec.ID); err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) executionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.executions.Stats(r.Context(), owner(r), r.URL.Query().Get("workflowId"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, stats)
}

// parseFilter builds the list filter from query parameters.
func parseFilter(r *http.Request) (execution.Filter, error) {
	q := r.URL.Query()
	f := execution.Filter{
		WorkflowID: q.Get("workflowId"),
		Status:     execution.Status(q.Get("status")),
	}
	for name, dst := range map[string]*time.Time{
		"startedAfter":  &f.StartedAfter,
		"startedBefore": &f.StartedBefore,
	} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%w: %s is not RFC3339", errBadRequest, name)
			}
			*dst = t
		}
	}
	for name, dst := range map[string]*int{"skip": &f.Skip, "take": &f.Take} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%w: %s is not a non-negative integer", errBadRequest, name)
			}
			*dst = n
		}
	}
	return f, nil
}

// ownedExecution loads the path execution and enforces ownership.
func (s *Server) ownedExecution(r *http.Request) (*execution.Execution, error) {
	exec, err := s.executions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if exec.OwnerID != owner(r) {
		return nil, execution.ErrNotFound
	}
	return exec, nil
}
