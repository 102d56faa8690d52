package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/nexcrm/procflow/internal/config"
	"github.com/nexcrm/procflow/pkg/flow"
	"github.com/nexcrm/procflow/pkg/flow/runtime"
	"github.com/nexcrm/procflow/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
)

var (
	restEngine *flow.Engine
	restStore  *inmemory.Storage
	restServer *httptest.Server
)

func TestMain(m *testing.M) {
	restStore = inmemory.NewStorage()
	engine := flow.NewEngine(flow.EngineWithStorage(restStore))
	restEngine = &engine

	conf := config.Config{
		Server: config.Server{Addr: "127.0.0.1:0"},
	}
	s := NewServer(restEngine, restStore, conf)
	restServer = httptest.NewServer(s.server.Handler)

	code := m.Run()
	restServer.Close()
	os.Exit(code)
}

const leadReviewDefinition = `{
	"definition_id": "lead-review",
	"name": "Lead review",
	"entity_type": "lead",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "review", "type": "task", "config": {"sla_hours": 4}},
		{"id": "end", "type": "end"}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "review"},
		{"id": "e2", "source": "review", "target": "end", "label": "approved"}
	]
}`

func postJSON(t *testing.T, path string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(restServer.URL+path, "application/json", bytes.NewBufferString(body))
	assert.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	err := json.NewDecoder(resp.Body).Decode(into)
	assert.NoError(t, err)
}

func TestDeployDefinitionEndpoint(t *testing.T) {
	// when
	resp := postJSON(t, "/v1/process-definitions", leadReviewDefinition)

	// then
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var definition runtime.ProcessDefinition
	decodeInto(t, resp, &definition)
	assert.Equal(t, "lead-review", definition.DefinitionId)
	assert.Equal(t, int32(1), definition.Version)
	assert.NotZero(t, definition.Key)
}

func TestDeployRejectsInvalidDefinition(t *testing.T) {
	// when: a definition without a start node
	resp := postJSON(t, "/v1/process-definitions", `{
		"definition_id": "broken",
		"entity_type": "lead",
		"nodes": [{"id": "review", "type": "task"}],
		"edges": []
	}`)

	// then
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var apiErr map[string]string
	decodeInto(t, resp, &apiErr)
	assert.Equal(t, "INVALID_DEFINITION", apiErr["type"])
}

func TestStartProcessCommandEndpoint(t *testing.T) {
	// setup
	resp := postJSON(t, "/v1/process-definitions", leadReviewDefinition)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// when
	resp = postJSON(t, "/v1/engine", `{
		"action": "start_process",
		"definition_id": "lead-review",
		"entity_id": "lead-100",
		"variables": {"owner": "alice"}
	}`)

	// then
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result flow.CommandResult
	decodeInto(t, resp, &result)
	assert.NotNil(t, result.Instance)
	assert.Equal(t, "review", result.Instance.CurrentNodeId)
	assert.Equal(t, runtime.InstanceStateRunning, result.Instance.State)
}

func TestEventEnvelopeDrivesInstances(t *testing.T) {
	// setup
	resp := postJSON(t, "/v1/process-definitions", leadReviewDefinition)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, "/v1/engine", `{
		"action": "start_process",
		"definition_id": "lead-review",
		"entity_id": "lead-200"
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var started flow.CommandResult
	decodeInto(t, resp, &started)

	// when
	resp = postJSON(t, "/v1/engine", `{
		"event": {"entity_type": "lead", "entity_id": "lead-200", "action": "approved"}
	}`)

	// then
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result flow.CommandResult
	decodeInto(t, resp, &result)
	assert.Len(t, result.Transitions, 1)
	assert.Equal(t, "end", result.Transitions[0].ToNodeId)

	// and the instance reads back as completed
	resp, err := http.Get(fmt.Sprintf("%s/v1/process-instances/%d", restServer.URL, started.Instance.Key))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var instance runtime.ProcessInstance
	decodeInto(t, resp, &instance)
	assert.Equal(t, runtime.InstanceStateCompleted, instance.State)
}

func TestEventWithExtraFieldsIsAccepted(t *testing.T) {
	// setup
	resp := postJSON(t, "/v1/process-definitions", leadReviewDefinition)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, "/v1/engine", `{
		"action": "start_process",
		"definition_id": "lead-review",
		"entity_id": "lead-300"
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// when: the upstream system attaches fields the engine does not know
	resp = postJSON(t, "/v1/engine", `{
		"event": {
			"entity_type": "lead",
			"entity_id": "lead-300",
			"action": "approved",
			"occurred_at": "2026-03-02T09:00:00Z",
			"payload": {"source": "crm", "actor": "alice"}
		}
	}`)

	// then
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result flow.CommandResult
	decodeInto(t, resp, &result)
	assert.Len(t, result.Transitions, 1)
}

func TestCommandEndpointRejectsUnknownAction(t *testing.T) {
	// when
	resp := postJSON(t, "/v1/engine", `{"action": "reticulate_splines"}`)
	defer resp.Body.Close()

	// then
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownInstanceReturnsNotFound(t *testing.T) {
	// when
	resp, err := http.Get(restServer.URL + "/v1/process-instances/424242")
	assert.NoError(t, err)
	defer resp.Body.Close()

	// then
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEntityInstancesRequiresEntityFilter(t *testing.T) {
	// when
	resp, err := http.Get(restServer.URL + "/v1/process-instances")
	assert.NoError(t, err)
	defer resp.Body.Close()

	// then
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEntityInstancesFiltersByState(t *testing.T) {
	// setup
	resp := postJSON(t, "/v1/process-definitions", leadReviewDefinition)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, "/v1/engine", `{
		"action": "start_process",
		"definition_id": "lead-review",
		"entity_id": "lead-300"
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// when
	resp, err := http.Get(restServer.URL + "/v1/process-instances?entity_type=lead&entity_id=lead-300&state=running")
	assert.NoError(t, err)

	// then
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var instances []runtime.ProcessInstance
	decodeInto(t, resp, &instances)
	assert.Len(t, instances, 1)
	assert.Equal(t, runtime.InstanceStateRunning, instances[0].State)
}

func TestSlaSweepCommandEndpoint(t *testing.T) {
	// when: nothing is overdue
	resp := postJSON(t, "/v1/engine", `{"action": "check_sla"}`)

	// then
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var result flow.CommandResult
	decodeInto(t, resp, &result)
	assert.NotNil(t, result.Sweep)
	assert.Equal(t, 0, result.Sweep.Breached)
}

func TestStatusEndpoint(t *testing.T) {
	// when
	resp, err := http.Get(restServer.URL + "/system/status")
	assert.NoError(t, err)

	// then
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]string
	decodeInto(t, resp, &status)
	assert.Equal(t, "running", status["state"])
}
