package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nexcrm/procflow/internal/config"
	"github.com/nexcrm/procflow/internal/notify"
	"github.com/nexcrm/procflow/internal/rest"
	"github.com/nexcrm/procflow/pkg/flow"
	"github.com/nexcrm/procflow/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
)

// The suite wires the real REST server, engine and in-memory store together
// with an HTTP test double for the escalation webhook, and drives everything
// through the public API only.

var (
	app        *testApp
	clockMu    sync.Mutex
	clockNow   time.Time
	escalation struct {
		sync.Mutex
		received []notify.Escalation
	}
)

type testApp struct {
	server  *httptest.Server
	webhook *httptest.Server
}

func TestMain(m *testing.M) {
	clockNow = time.Date(2026, 4, 7, 8, 0, 0, 0, time.UTC)

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e notify.Escalation
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		escalation.Lock()
		escalation.received = append(escalation.received, e)
		escalation.Unlock()
		w.WriteHeader(http.StatusOK)
	}))

	store := inmemory.NewStorage()
	engine := flow.NewEngine(
		flow.EngineWithStorage(store),
		flow.EngineWithNotifier(notify.NewWebhookNotifier(webhook.URL, 2*time.Second)),
		flow.EngineWithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return clockNow
		}),
	)

	conf := config.Config{Server: config.Server{Addr: "127.0.0.1:0"}}
	restServer := rest.NewServer(&engine, store, conf)
	app = &testApp{
		server:  httptest.NewServer(restServer.Handler()),
		webhook: webhook,
	}

	code := m.Run()

	app.server.Close()
	webhook.Close()
	os.Exit(code)
}

func advanceClock(d time.Duration) {
	clockMu.Lock()
	defer clockMu.Unlock()
	clockNow = clockNow.Add(d)
}

func receivedEscalations() []notify.Escalation {
	escalation.Lock()
	defer escalation.Unlock()
	out := make([]notify.Escalation, len(escalation.received))
	copy(out, escalation.received)
	return out
}

func post(t *testing.T, path string, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(app.server.URL+path, "application/json", bytes.NewBufferString(body))
	assert.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	assert.NoError(t, err)
	return resp, buf.Bytes()
}

func get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(app.server.URL + path)
	assert.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	assert.NoError(t, err)
	return resp, buf.Bytes()
}

const onboardingDefinition = `{
	"definition_id": "customer-onboarding",
	"name": "Customer onboarding",
	"entity_type": "customer",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "kyc", "type": "task", "config": {"sla_hours": 2, "assignee_role": "compliance"}},
		{"id": "end", "type": "end"}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "kyc"},
		{"id": "e2", "source": "kyc", "target": "end", "label": "verified"}
	],
	"escalation_rules": [
		{"node_id": "*", "hours": 1, "escalate_to": ["compliance-lead"]}
	]
}`

func TestFullProcessLifecycle(t *testing.T) {
	// deploy through the API
	resp, body := post(t, "/v1/process-definitions", onboardingDefinition)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	// a created event auto-starts an instance for the new customer
	resp, body = post(t, "/v1/engine", `{
		"event": {"entity_type": "customer", "entity_id": "cus-9001", "action": "created"}
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result flow.CommandResult
	assert.NoError(t, json.Unmarshal(body, &result))
	assert.Len(t, result.Started, 1)
	instanceKey := result.Started[0].Key
	assert.Equal(t, "kyc", result.Started[0].CurrentNodeId)

	// blow through the SLA budget and sweep
	advanceClock(3 * time.Hour)
	resp, body = post(t, "/v1/engine", `{"action": "check_sla"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 1, result.Sweep.Breached)

	// the webhook received the escalation
	escalations := receivedEscalations()
	assert.Len(t, escalations, 1)
	assert.Equal(t, instanceKey, escalations[0].InstanceKey)
	assert.Equal(t, "compliance-lead", escalations[0].EscalateTo)

	// the violation is visible through the API
	resp, body = get(t, fmt.Sprintf("/v1/process-instances/%d/violations", instanceKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var violations []map[string]any
	assert.NoError(t, json.Unmarshal(body, &violations))
	assert.Len(t, violations, 1)
	assert.Nil(t, violations[0]["resolved_at"])

	// a repeated sweep does not open a second episode
	resp, body = post(t, "/v1/engine", `{"action": "check_sla"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = get(t, fmt.Sprintf("/v1/process-instances/%d/violations", instanceKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, json.Unmarshal(body, &violations))
	assert.Len(t, violations, 1)

	// verification completes the instance and resolves the episode
	resp, body = post(t, "/v1/engine", `{
		"event": {"entity_type": "customer", "entity_id": "cus-9001", "action": "verified"}
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = get(t, fmt.Sprintf("/v1/process-instances/%d", instanceKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var instance map[string]any
	assert.NoError(t, json.Unmarshal(body, &instance))
	assert.Equal(t, "completed", instance["state"])

	resp, body = get(t, fmt.Sprintf("/v1/process-instances/%d/violations", instanceKey))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, json.Unmarshal(body, &violations))
	assert.Len(t, violations, 1)
	assert.NotNil(t, violations[0]["resolved_at"])
}

func TestManualAdvanceThroughApi(t *testing.T) {
	resp, body := post(t, "/v1/process-definitions", onboardingDefinition)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = post(t, "/v1/engine", `{
		"action": "start_process",
		"definition_id": "customer-onboarding",
		"entity_id": "cus-9002"
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result flow.CommandResult
	assert.NoError(t, json.Unmarshal(body, &result))

	resp, body = post(t, "/v1/engine", fmt.Sprintf(`{
		"action": "advance_process",
		"instance_key": %d,
		"target_node_id": "end",
		"variables": {"override_reason": "customer verified by phone"}
	}`, result.Instance.Key))
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "end", result.Instance.CurrentNodeId)
	assert.Equal(t, "customer verified by phone", result.Instance.GetVariable("override_reason"))
}
