package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/action"
	"github.com/loomhq/loom/runtime/execution"
	execinmem "github.com/loomhq/loom/runtime/execution/inmem"
	"github.com/loomhq/loom/runtime/ingress"
	"github.com/loomhq/loom/runtime/orchestrator"
	queueinmem "github.com/loomhq/loom/runtime/queue/inmem"
	"github.com/loomhq/loom/runtime/scheduler"
	"github.com/loomhq/loom/runtime/step"
	loginmem "github.com/loomhq/loom/runtime/steplog/inmem"
	streaminmem "github.com/loomhq/loom/runtime/stream/inmem"
	wfinmem "github.com/loomhq/loom/runtime/workflow/inmem"
)

type apiFixture struct {
	srv        *httptest.Server
	workflows  *wfinmem.Store
	triggers   *wfinmem.TriggerStore
	executions *execinmem.Store
	steps      *loginmem.Store
	queue      *queueinmem.Queue
	hub        *streaminmem.Hub
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		workflows:  wfinmem.New(),
		triggers:   wfinmem.NewTriggerStore(),
		executions: execinmem.New(),
		steps:      loginmem.New(),
		queue:      queueinmem.New(),
		hub:        streaminmem.NewHub(),
	}
	t.Cleanup(func() { _ = f.queue.Close(context.Background()) })

	registry := action.NewRegistry()
	action.RegisterCore(registry)
	executor := step.NewExecutor(registry, nil, step.WithSleep(
		func(context.Context, time.Duration) error { return nil }))
	orch := orchestrator.New(orchestrator.Options{
		Workflows:  f.workflows,
		Executions: f.executions,
		StepLogs:   f.steps,
		Queue:      f.queue,
		Executor:   executor,
		Sink:       f.hub,
		Canceller:  orchestrator.NewMemoryCanceller(),
	})
	server := NewServer(Options{
		Workflows:    f.workflows,
		Triggers:     f.triggers,
		Executions:   f.executions,
		StepLogs:     f.steps,
		Orchestrator: orch,
		Scheduler:    scheduler.New(f.queue),
		Ingress:      ingress.NewService(f.triggers, f.workflows, orch),
		Subscriber:   f.hub,
		BaseURL:      "http://api.test",
		EmailDomain:  "in.loom.test",
	})
	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

// do issues a request as owner "local" and decodes the JSON response.
func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func definitionBody() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"id": "n1", "type": "webhookTrigger"},
			{"id": "n2", "type": "transform", "data": map[string]any{"expression": "{{trigger.body}}"}},
		},
		"edges": []map[string]any{
			{"id": "e1", "source": "n1", "target": "n2"},
		},
	}
}

func TestWorkflowCRUD(t *testing.T) {
	f := newAPIFixture(t)

	status, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "notify on signup",
		"definition": definitionBody(),
	})
	require.Equal(t, http.StatusCreated, status)
	id := created["id"].(string)
	assert.Equal(t, "local", created["ownerId"])
	assert.Equal(t, false, created["isActive"])

	status, got := f.do(t, http.MethodGet, "/api/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "notify on signup", got["name"])

	status, updated := f.do(t, http.MethodPut, "/api/workflows/"+id, map[string]any{
		"name":       "notify on signup v2",
		"definition": definitionBody(),
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "notify on signup v2", updated["name"])

	status, _ = f.do(t, http.MethodDelete, "/api/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	status, body := f.do(t, http.MethodGet, "/api/workflows/"+id, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, float64(http.StatusNotFound), body["statusCode"])
	assert.Equal(t, "Not Found", body["error"])
}

func TestCreateWorkflowRejectsInvalidDefinition(t *testing.T) {
	f := newAPIFixture(t)
	status, body := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name": "bad",
		"definition": map[string]any{
			"nodes": []map[string]any{{"id": "n1", "type": "teleport"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "unknown node type")
}

func TestCrossOwnerWorkflowIsInvisible(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "mine",
		"definition": definitionBody(),
	})
	id := created["id"].(string)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/workflows/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("X-Owner-ID", "someone-else")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActivateTogglesWorkflow(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "wf",
		"definition": definitionBody(),
	})
	id := created["id"].(string)

	status, body := f.do(t, http.MethodPost, "/api/workflows/"+id+"/activate", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["isActive"])

	status, body = f.do(t, http.MethodPost, "/api/workflows/"+id+"/deactivate", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["isActive"])
}

func TestTestEndpointRunsDrafts(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "draft",
		"definition": definitionBody(),
	})
	id := created["id"].(string)

	status, exec := f.do(t, http.MethodPost, "/api/workflows/"+id+"/test", map[string]any{
		"body": map[string]any{"name": "ada"},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, string(execution.StatusPending), exec["status"])
	data := exec["triggerData"].(map[string]any)
	assert.Equal(t, true, data["isTest"])
}

func TestCreateWebhookTriggerAndIngress(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "hooked",
		"definition": definitionBody(),
	})
	id := created["id"].(string)
	f.do(t, http.MethodPost, "/api/workflows/"+id+"/activate", nil)

	status, trig := f.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"workflowId": id,
		"type":       "WEBHOOK",
	})
	require.Equal(t, http.StatusCreated, status)
	config := trig["config"].(map[string]any)
	token := config["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "http://api.test/api/webhooks/"+token, trig["webhookUrl"])

	// Second trigger for the same workflow conflicts.
	status, _ = f.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"workflowId": id,
		"type":       "WEBHOOK",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body := f.do(t, http.MethodPost, "/api/webhooks/"+token, map[string]any{"event": "signup"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["executionId"])

	status, _ = f.do(t, http.MethodPost, "/api/webhooks/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebhookInactiveWorkflowForbidden(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "idle",
		"definition": definitionBody(),
	})
	id := created["id"].(string)
	_, trig := f.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"workflowId": id,
		"type":       "WEBHOOK",
	})
	token := trig["config"].(map[string]any)["token"].(string)

	status, _ := f.do(t, http.MethodPost, "/api/webhooks/"+token, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestCreateScheduleTriggerValidatesCron(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "timed",
		"definition": definitionBody(),
	})
	id := created["id"].(string)

	status, body := f.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"workflowId": id,
		"type":       "SCHEDULE",
		"config":     map[string]any{"cron": "not a cron"},
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["message"], "cron")

	status, trig := f.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"workflowId": id,
		"type":       "SCHEDULE",
		"config":     map[string]any{"cron": "0 9 * * 1"},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, trig["nextRun"])
}

func TestEmailIngressInactiveAcknowledged(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "mail",
		"definition": definitionBody(),
	})
	id := created["id"].(string)
	_, trig := f.do(t, http.MethodPost, "/api/triggers", map[string]any{
		"workflowId": id,
		"type":       "EMAIL",
	})
	address := trig["config"].(map[string]any)["address"].(string)
	assert.True(t, strings.HasSuffix(address, "@in.loom.test"))

	payload := fmt.Sprintf(`{"from": "a@b.c", "to": %q, "subject": "hi", "text": "body"}`, address)
	resp, err := f.srv.Client().Post(f.srv.URL+"/api/webhooks/email", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestExecutionListAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "runs",
		"definition": definitionBody(),
	})
	id := created["id"].(string)
	_, exec := f.do(t, http.MethodPost, "/api/workflows/"+id+"/test", nil)
	execID := exec["id"].(string)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/executions?workflowId=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, execID, list[0]["id"])

	status, detail := f.do(t, http.MethodGet, "/api/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, detail["steps"])

	// PENDING cancels immediately.
	status, body := f.do(t, http.MethodPost, "/api/executions/"+execID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["cancelled"])

	// A second cancel hits a terminal execution.
	status, _ = f.do(t, http.MethodPost, "/api/executions/"+execID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, stats := f.do(t, http.MethodGet, "/api/executions/stats?workflowId="+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), stats["total"])
	assert.Equal(t, float64(1), stats["failed"])

	// Stats are scoped to the caller.
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/executions/stats", nil)
	require.NoError(t, err)
	req.Header.Set("X-Owner-ID", "someone-else")
	resp, err = f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var otherStats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&otherStats))
	assert.Equal(t, float64(0), otherStats["total"])
}

func TestExecutionListRejectsBadQuery(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/api/executions?take=-3")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = f.srv.Client().Get(f.srv.URL + "/api/executions?startedAfter=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplayCreatesNewExecution(t *testing.T) {
	f := newAPIFixture(t)
	_, created := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":       "replayed",
		"definition": definitionBody(),
	})
	id := created["id"].(string)
	f.do(t, http.MethodPost, "/api/workflows/"+id+"/activate", nil)
	_, exec := f.do(t, http.MethodPost, "/api/workflows/"+id+"/test", map[string]any{"k": "v"})
	execID := exec["id"].(string)

	status, replayed := f.do(t, http.MethodPost, "/api/executions/"+execID+"/replay", nil)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEqual(t, execID, replayed["id"])
	data := replayed["triggerData"].(map[string]any)
	assert.Equal(t, "v", data["k"])
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
