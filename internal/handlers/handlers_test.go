package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"deploy-metrics/internal/correlator"
	"deploy-metrics/internal/database"
	"deploy-metrics/internal/metrics"
	"deploy-metrics/internal/models"
)

const (
	pushPayload = `{
		"ref": "refs/heads/main",
		"repository": {"name": "r"},
		"head_commit": {"id": "abc", "timestamp": "2024-01-01T00:00:00Z"}
	}`
	pendingPayload = `{
		"state": "pending",
		"context": "prod",
		"repository": {"name": "r"},
		"branches": [{"name": "main"}],
		"commit": {"sha": "abc"},
		"created_at": "2024-01-01T00:05:00Z"
	}`
	branchlessFailurePayload = `{
		"state": "failure",
		"context": "prod",
		"repository": {"name": "r"},
		"commit": {"sha": "abc"},
		"created_at": "2024-01-01T00:10:00Z"
	}`
	successPayload = `{
		"state": "success",
		"context": "prod",
		"repository": {"name": "r"},
		"branches": [{"name": "main"}],
		"commit": {"sha": "abc"},
		"created_at": "2024-01-01T00:10:00Z"
	}`
)

type testEnv struct {
	handler  *Handler
	corr     *correlator.Correlator
	recorder *metrics.InMemoryRecorder
}

func setupTestHandler(t *testing.T, db *sql.DB, maxPayloadBytes int64) testEnv {
	t.Helper()
	rec := metrics.NewInMemory()
	corr := correlator.New(rec, correlator.Options{TrackFailureStart: true})
	return testEnv{
		handler:  NewHandler(corr, rec, db, maxPayloadBytes),
		corr:     corr,
		recorder: rec,
	}
}

func deliver(h *Handler, event, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	rr := httptest.NewRecorder()
	h.Webhook(rr, req)
	return rr
}

func decodeMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp models.WebhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return resp.Message
}

func TestIndexHandler(t *testing.T) {
	env := setupTestHandler(t, nil, 1<<20)

	rr := httptest.NewRecorder()
	env.handler.Index(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != "GitHub Webhook Listener" {
		t.Errorf("body = %q, want GitHub Webhook Listener", rr.Body.String())
	}
}

func TestHealthHandler(t *testing.T) {
	env := setupTestHandler(t, nil, 1<<20)
	deliver(env.handler, "push", pushPayload)
	deliver(env.handler, "status", pendingPayload)

	rr := httptest.NewRecorder()
	env.handler.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp models.HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Time == "" {
		t.Error("time is empty")
	}
	if resp.Correlation[metrics.TablePending] != 1 || resp.Correlation[metrics.TableCommits] != 1 {
		t.Errorf("correlation = %v, want one pending and one commit", resp.Correlation)
	}
}

func TestWebhookResponses(t *testing.T) {
	tests := []struct {
		name         string
		event        string
		body         string
		expectedCode int
		expectedMsg  string
		result       string
	}{
		{name: "push", event: "push", body: pushPayload, expectedCode: http.StatusOK, expectedMsg: "Event received", result: ResultOK},
		{name: "status", event: "status", body: successPayload, expectedCode: http.StatusOK, expectedMsg: "Event received", result: ResultOK},
		{name: "status without branches", event: "status", body: branchlessFailurePayload, expectedCode: http.StatusOK, expectedMsg: "Event received", result: ResultOK},
		{name: "issues", event: "issues", body: `{"action": "opened"}`, expectedCode: http.StatusOK, expectedMsg: "Event received", result: ResultOK},
		{name: "pull request", event: "pull_request", body: `{"action": "closed"}`, expectedCode: http.StatusOK, expectedMsg: "Event received", result: ResultOK},
		{name: "unsupported kind", event: "release", body: `{}`, expectedCode: http.StatusAccepted, expectedMsg: "Event not supported", result: ResultUnsupported},
		{name: "missing header", event: "", body: `{}`, expectedCode: http.StatusAccepted, expectedMsg: "Event not supported", result: ResultUnsupported},
		{name: "malformed json", event: "status", body: `{"state":`, expectedCode: http.StatusBadRequest, expectedMsg: "invalid payload", result: ResultInvalid},
		{name: "missing field", event: "status", body: `{"state": "success"}`, expectedCode: http.StatusBadRequest, expectedMsg: "missing required field: context", result: ResultInvalid},
		{name: "bad timestamp", event: "push", body: `{"repository": {"name": "r"}, "head_commit": {"id": "abc", "timestamp": "yesterday"}}`, expectedCode: http.StatusBadRequest, expectedMsg: "invalid timestamp", result: ResultInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, nil, 1<<20)

			rr := deliver(env.handler, tt.event, tt.body)

			if rr.Code != tt.expectedCode {
				t.Errorf("status = %d, want %d (body %q)", rr.Code, tt.expectedCode, rr.Body.String())
			}
			if msg := decodeMessage(t, rr); !strings.Contains(msg, tt.expectedMsg) {
				t.Errorf("message = %q, want it to contain %q", msg, tt.expectedMsg)
			}
			if n := env.recorder.WebhookEvents(tt.event, tt.result); n != 1 {
				t.Errorf("webhook events{%s,%s} = %d, want 1", tt.event, tt.result, n)
			}
		})
	}
}

func TestWebhookInvalidPayloadTouchesNoTable(t *testing.T) {
	env := setupTestHandler(t, nil, 1<<20)

	rr := deliver(env.handler, "status", `{"state": "pending", "context": "prod", "repository": {"name": "r"}, "branches": [{"name": "main"}]}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if stats := env.corr.Stats(); stats != (correlator.Stats{}) {
		t.Errorf("Stats() = %+v, want empty tables", stats)
	}
	if n := env.recorder.Deployments("pending", "prod", "r", "main"); n != 0 {
		t.Errorf("deployments = %d, want 0", n)
	}
}

func TestWebhookStatusWithoutBranches(t *testing.T) {
	env := setupTestHandler(t, nil, 1<<20)
	deliver(env.handler, "push", pushPayload)

	rr := deliver(env.handler, "status", branchlessFailurePayload)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rr.Code, rr.Body.String())
	}
	if n := env.recorder.Deployments("failure", "prod", "r", ""); n != 1 {
		t.Errorf("failure deployments = %d, want 1", n)
	}
	if n := env.recorder.Failures("prod", "r", ""); n != 1 {
		t.Errorf("failures = %d, want 1", n)
	}
	if lt := env.recorder.LeadTimes("r", ""); len(lt) != 0 {
		t.Errorf("lead times = %v, want none", lt)
	}
	if stats := env.corr.Stats(); stats != (correlator.Stats{Commits: 1}) {
		t.Errorf("Stats() = %+v, want only the pushed commit", stats)
	}
}

func TestWebhookFullFlow(t *testing.T) {
	env := setupTestHandler(t, nil, 1<<20)

	for _, d := range []struct{ event, body string }{
		{"push", pushPayload},
		{"status", pendingPayload},
		{"status", successPayload},
	} {
		if rr := deliver(env.handler, d.event, d.body); rr.Code != http.StatusOK {
			t.Fatalf("%s delivery status = %d, want 200", d.event, rr.Code)
		}
	}

	if d, ok := env.recorder.Duration("success", "prod", "r", "main"); !ok || d != 300 {
		t.Errorf("duration = %v (set=%v), want 300", d, ok)
	}
	if lt := env.recorder.LeadTimes("r", "main"); len(lt) != 1 || lt[0] != 600 {
		t.Errorf("lead times = %v, want [600]", lt)
	}
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	env := setupTestHandler(t, nil, 16)

	rr := deliver(env.handler, "push", pushPayload)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
	if n := env.recorder.WebhookEvents("push", ResultTooLarge); n != 1 {
		t.Errorf("too large events = %d, want 1", n)
	}
	if stats := env.corr.Stats(); stats.Commits != 0 {
		t.Errorf("commit entries = %d, want 0", stats.Commits)
	}
}

func TestWebhookAudit(t *testing.T) {
	db, err := database.InitDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	env := setupTestHandler(t, db, 1<<20)

	deliver(env.handler, "push", pushPayload)
	deliver(env.handler, "status", `{"state":`)
	deliver(env.handler, "release", `{}`)

	tests := []struct {
		eventType string
		expected  int
	}{
		{eventType: "", expected: 3},
		{eventType: "push", expected: 1},
		{eventType: "status", expected: 1},
		{eventType: "release", expected: 1},
	}
	for _, tt := range tests {
		n, err := database.CountEvents(db, tt.eventType)
		if err != nil {
			t.Fatalf("CountEvents failed: %v", err)
		}
		if n != tt.expected {
			t.Errorf("CountEvents(%q) = %d, want %d", tt.eventType, n, tt.expected)
		}
	}

	var result, payload, deliveryID string
	err = db.QueryRow("SELECT result, payload, delivery_id FROM webhook_events WHERE event_type = 'status'").
		Scan(&result, &payload, &deliveryID)
	if err != nil {
		t.Fatalf("query audit row: %v", err)
	}
	if result != ResultInvalid {
		t.Errorf("result = %q, want %q", result, ResultInvalid)
	}
	if payload != `{"state":` {
		t.Errorf("payload = %q, want the raw body", payload)
	}
	if deliveryID != "delivery-1" {
		t.Errorf("delivery_id = %q, want delivery-1", deliveryID)
	}
}

func TestHealthReportsAuditCount(t *testing.T) {
	db, err := database.InitDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	health := func(h *Handler) models.HealthResponse {
		rr := httptest.NewRecorder()
		h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		var resp models.HealthResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		return resp
	}

	if resp := health(setupTestHandler(t, nil, 1<<20).handler); resp.AuditEvents != nil {
		t.Errorf("audit_events = %d, want absent without an audit log", *resp.AuditEvents)
	}

	env := setupTestHandler(t, db, 1<<20)
	deliver(env.handler, "push", pushPayload)
	deliver(env.handler, "release", `{}`)

	resp := health(env.handler)
	if resp.AuditEvents == nil || *resp.AuditEvents != 2 {
		t.Errorf("audit_events = %v, want 2", resp.AuditEvents)
	}
}

func TestWebhookAuditFailureStillAcknowledges(t *testing.T) {
	db, err := database.InitDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	db.Close()
	env := setupTestHandler(t, db, 1<<20)

	rr := deliver(env.handler, "push", pushPayload)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if stats := env.corr.Stats(); stats.Commits != 1 {
		t.Errorf("commit entries = %d, want 1", stats.Commits)
	}
}
