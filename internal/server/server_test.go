package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"testing"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL     string
	Engine  *engine.Engine
	client  *http.Client
	humanHD map[string]string
	aiHD    map[string]string
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureDir(dir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	conn, err := db.Open(db.Config{Dir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	cfg.Server.JWTSecret = testJWTSecret
	e := engine.New(conn, cfg)
	if _, err := e.InitWorkspace(context.Background(), "ws-1", "Support", "tester"); err != nil {
		t.Fatalf("init workspace: %v", err)
	}

	apiKey := "cfk_" + uuid.NewString()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	err = e.Repo.InsertAPIKey(context.Background(), tx, domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   "extractor-1",
		Name:      "test extractor",
		KeyHash:   repo.HashAPIKey(apiKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("insert api key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit api key: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		aiHD:   map[string]string{"X-Api-Key": apiKey},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}

	res, data := doJSON(t, testSrv.client, http.MethodPost, testSrv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "agent-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	testSrv.humanHD = map[string]string{"Authorization": "Bearer " + login.Token}

	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func resolveContext(t *testing.T, srv *testServer, conversationID string, headers map[string]string) ContextResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/conversations/"+conversationID+"/context", map[string]any{
		"workspace_id": "ws-1",
	}, headers)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		t.Fatalf("resolve context: %d %s", res.StatusCode, string(data))
	}
	var c ContextResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal context: %v", err)
	}
	return c
}

func TestRequestsWithoutCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workspaces", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Error.Code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %q", body.Error.Code)
	}

	health, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", health.StatusCode)
	}
}

func TestResolveContextIdempotent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/conversations/conv-1/context", map[string]any{
		"workspace_id": "ws-1",
	}, srv.humanHD)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first resolve: expected 201, got %d %s", res.StatusCode, string(data))
	}
	var first ContextResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Status != "new" {
		t.Fatalf("expected initial status new, got %q", first.Status)
	}
	if first.EffectivePriority != "medium" {
		t.Fatalf("expected default priority medium, got %q", first.EffectivePriority)
	}

	again, data2 := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/conversations/conv-1/context", map[string]any{
		"workspace_id": "ws-1",
	}, srv.humanHD)
	if again.StatusCode != http.StatusOK {
		t.Fatalf("second resolve: expected 200, got %d %s", again.StatusCode, string(data2))
	}
	var second ContextResponse
	_ = json.Unmarshal(data2, &second)
	if second.ID != first.ID {
		t.Fatalf("expected same context, got %s and %s", first.ID, second.ID)
	}
}

func TestFieldUpdateFromAPIKeyRecordsConfidence(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := resolveContext(t, srv, "conv-1", srv.humanHD)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/contexts/"+c.ID+"/fields", map[string]any{
		"updates": []map[string]any{
			{"field_id": "customer_email", "value": "kim@example.com", "confidence": 0.93},
			{"field_id": "refund_amount", "value": 750.0, "confidence": 0.8},
		},
	}, srv.aiHD)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("field update: %d %s", res.StatusCode, string(data))
	}
	var updated ContextResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.AIConfidenceScores["customer_email"] != 0.93 {
		t.Fatalf("expected confidence 0.93, got %v", updated.AIConfidenceScores)
	}
	if updated.EffectivePriority != "high" {
		t.Fatalf("expected high priority from refund rule, got %q", updated.EffectivePriority)
	}
	if updated.LastAIUpdateAt == nil {
		t.Fatalf("expected last_ai_update_at to be set")
	}
	if updated.LastHumanUpdateAt != nil {
		t.Fatalf("did not expect last_human_update_at, got %v", *updated.LastHumanUpdateAt)
	}
}

func TestInvalidBatchRejectedWhole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := resolveContext(t, srv, "conv-1", srv.humanHD)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/contexts/"+c.ID+"/fields", map[string]any{
		"updates": []map[string]any{
			{"field_id": "customer_email", "value": "kim@example.com"},
			{"field_id": "issue_category", "value": "no-such-category"},
		},
	}, srv.humanHD)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Fields []struct {
					FieldID string `json:"field_id"`
					Reason  string `json:"reason"`
				} `json:"fields"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Error.Code != "invalid_field_values" {
		t.Fatalf("expected code invalid_field_values, got %q", body.Error.Code)
	}
	if len(body.Error.Details.Fields) != 1 || body.Error.Details.Fields[0].FieldID != "issue_category" {
		t.Fatalf("unexpected rejected fields: %+v", body.Error.Details.Fields)
	}

	after, _ := srv.Engine.Repo.GetContext(context.Background(), c.ID)
	if len(after.ContextData) != 0 {
		t.Fatalf("expected no fields stored after rejection, got %v", after.ContextData)
	}
}

func TestStatusTransitionRejectedConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := resolveContext(t, srv, "conv-1", srv.humanHD)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contexts/"+c.ID+"/status", map[string]any{
		"status": "resolved",
	}, srv.humanHD)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Error.Code != "transition_rejected" {
		t.Fatalf("expected code transition_rejected, got %q", body.Error.Code)
	}
	if body.Error.Details["from"] != "new" || body.Error.Details["to"] != "resolved" {
		t.Fatalf("unexpected details: %v", body.Error.Details)
	}

	okRes, okData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contexts/"+c.ID+"/status", map[string]any{
		"status": "in_progress",
	}, srv.humanHD)
	if okRes.StatusCode != http.StatusOK {
		t.Fatalf("legal transition: %d %s", okRes.StatusCode, string(okData))
	}
	var tr TransitionResponse
	if err := json.Unmarshal(okData, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if !tr.Allowed || tr.Context.Status != "in_progress" {
		t.Fatalf("unexpected transition response: %+v", tr)
	}
}

func TestSchemaCreateAndDefaultDemotion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workspaces/ws-1/schemas", map[string]any{
		"name": "Returns",
		"fields": []map[string]any{
			{"id": "rma_number", "label": "RMA Number", "type": "text", "required": true, "ai_extractable": true},
		},
		"status_workflow": map[string]any{
			"statuses": []map[string]any{
				{"id": "new", "label": "New"},
				{"id": "done", "label": "Done"},
			},
			"transitions": map[string][]string{"new": {"done"}},
			"initial":     "new",
		},
		"priority_config": map[string]any{"default_priority": "low"},
		"is_default":      true,
	}, srv.humanHD)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create schema: %d %s", res.StatusCode, string(data))
	}
	var created SchemaResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if !created.IsDefault {
		t.Fatalf("expected new schema to be default")
	}

	listRes, listData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workspaces/ws-1/schemas", nil, srv.humanHD)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list schemas: %d %s", listRes.StatusCode, string(listData))
	}
	var schemas []SchemaResponse
	if err := json.Unmarshal(listData, &schemas); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	defaults := 0
	for _, s := range schemas {
		if s.IsDefault {
			defaults++
			if s.ID != created.ID {
				t.Fatalf("wrong default schema: %s", s.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default schema, got %d", defaults)
	}
}

func TestContextListPaginationCoversEveryRecord(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	want := map[string]bool{}
	for _, conv := range []string{"conv-1", "conv-2", "conv-3"} {
		c := resolveContext(t, srv, conv, srv.humanHD)
		want[c.ID] = false
	}

	cursor := ""
	for pages := 0; ; pages++ {
		if pages > len(want) {
			t.Fatalf("pagination did not terminate after %d pages", pages)
		}
		url := srv.URL + "/v0/contexts?workspace_id=ws-1&limit=1"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, srv.humanHD)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list contexts: %d %s", res.StatusCode, string(data))
		}
		var page paginatedContexts
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			seen, ok := want[item.ID]
			if !ok {
				t.Fatalf("unexpected context %s in listing", item.ID)
			}
			if seen {
				t.Fatalf("context %s returned twice across pages", item.ID)
			}
			want[item.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	for id, seen := range want {
		if !seen {
			t.Fatalf("context %s never appeared in any page", id)
		}
	}
}

func TestEventListPaginationCoversEveryRecord(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// Workspace init plus three context creations leaves four events.
	for _, conv := range []string{"conv-1", "conv-2", "conv-3"} {
		resolveContext(t, srv, conv, srv.humanHD)
	}

	seen := map[int64]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatalf("pagination did not terminate after %d pages", pages)
		}
		url := srv.URL + "/v0/workspaces/ws-1/events?limit=1"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, srv.humanHD)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list events: %d %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("event %d returned twice across pages", item.ID)
			}
			seen[item.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 events across all pages, got %d", len(seen))
	}
}

func TestEventsRecordActorKind(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := resolveContext(t, srv, "conv-1", srv.humanHD)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/contexts/"+c.ID+"/fields", map[string]any{
		"updates": []map[string]any{
			{"field_id": "issue_summary", "value": "Package arrived damaged", "confidence": 0.88},
		},
	}, srv.aiHD)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("field update: %d %s", res.StatusCode, string(data))
	}

	evRes, evData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workspaces/ws-1/events?type=context.fields.updated", nil, srv.humanHD)
	if evRes.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", evRes.StatusCode, string(evData))
	}
	var page struct {
		Items []EventResponse `json:"items"`
	}
	if err := json.Unmarshal(evData, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one field update event, got %d", len(page.Items))
	}
	evt := page.Items[0]
	if evt.ActorKind != domain.ActorAI || evt.ActorID != "extractor-1" {
		t.Fatalf("unexpected event actor: %s/%s", evt.ActorID, evt.ActorKind)
	}
}
