package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("gov-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.Repo.SeedCatalog(ctx, cfg); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	seedActor(t, e, "manager", "initiative_manager")
	seedActor(t, e, "pm", "portfolio_manager")
	seedActor(t, e, "alice", "reviewer")
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedActor(t *testing.T, e engine.Engine, id string, roles ...string) {
	t.Helper()
	ctx := context.Background()
	if err := e.Repo.InsertActor(ctx, domain.Actor{ID: id, Name: id, CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert actor %s: %v", id, err)
	}
	for _, role := range roles {
		if err := e.Repo.AssignRole(ctx, id, role); err != nil {
			t.Fatalf("assign role %s to %s: %v", role, id, err)
		}
	}
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestMilestoneApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{
		"name":       "ERP rollout",
		"manager_id": "manager",
	}, asActor("manager"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create initiative: %d %s", res.StatusCode, string(data))
	}
	var created InitiativeResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal initiative: %v", err)
	}
	if !created.IsConcept {
		t.Fatalf("new initiative should be a concept")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+created.ID+"/requests", map[string]any{
		"definition_id": "gate.concept",
		"comments":      "ready",
		"approver_ids":  []string{"alice"},
	}, asActor("manager"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit request: %d %s", res.StatusCode, string(data))
	}
	var submitted RequestResponse
	_ = json.Unmarshal(data, &submitted)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+submitted.ID+"/accept", map[string]any{
		"comments": "looks complete",
	}, asActor("pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept request: %d %s", res.StatusCode, string(data))
	}
	var inst InstanceResponse
	_ = json.Unmarshal(data, &inst)
	if inst.Status != domain.StatusPending {
		t.Fatalf("expected pending instance, got %s", inst.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/"+inst.ID+"/approvers", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvers: %d %s", res.StatusCode, string(data))
	}
	var assignments []AssignmentResponse
	if err := json.Unmarshal(data, &assignments); err != nil || len(assignments) != 1 {
		t.Fatalf("expected one assignment, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+assignments[0].ID+"/vote", map[string]any{
		"approve": true,
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/milestones/"+inst.ID+"/decide", map[string]any{
		"status_type_id": "approved",
		"comments":       "go",
	}, asActor("pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var decided InstanceResponse
	_ = json.Unmarshal(data, &decided)
	if decided.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", decided.Status)
	}
	if decided.StatusTypeName == "" {
		t.Fatalf("decided instance should carry the resolved status type name")
	}

	// manager was notified of the outcome
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, asActor("manager"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications: %d %s", res.StatusCode, string(data))
	}
	var notifications []NotificationResponse
	if err := json.Unmarshal(data, &notifications); err != nil || len(notifications) == 0 {
		t.Fatalf("expected notifications, got %s (%v)", string(data), err)
	}
}

func TestConflictCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{"name": "Conflicts"}, asActor("manager"))
	var created InitiativeResponse
	_ = json.Unmarshal(data, &created)

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+created.ID+"/requests", map[string]any{
		"definition_id": "gate.concept",
		"approver_ids":  []string{"alice"},
	}, asActor("manager"))
	var submitted RequestResponse
	_ = json.Unmarshal(data, &submitted)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+submitted.ID+"/accept", map[string]any{}, asActor("pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	var inst InstanceResponse
	_ = json.Unmarshal(data, &inst)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+submitted.ID+"/accept", map[string]any{}, asActor("pm"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_reviewed" {
		t.Fatalf("expected already_reviewed, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones/"+inst.ID+"/approvers", nil, asActor("alice"))
	var assignments []AssignmentResponse
	_ = json.Unmarshal(data, &assignments)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+assignments[0].ID+"/vote", map[string]any{"approve": true}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+assignments[0].ID+"/vote", map[string]any{"approve": false}, asActor("alice"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_voted" {
		t.Fatalf("expected already_voted, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/milestones/"+inst.ID+"/decide", map[string]any{"status_type_id": "approved"}, asActor("pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/milestones/"+inst.ID+"/decide", map[string]any{"status_type_id": "rejected"}, asActor("pm"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_decided" {
		t.Fatalf("expected already_decided, got %d %s", res.StatusCode, string(data))
	}
}

func TestPermissionEnforcement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{"name": "Guarded"}, asActor("manager"))
	var created InitiativeResponse
	_ = json.Unmarshal(data, &created)

	// reviewers cannot submit
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+created.ID+"/requests", map[string]any{
		"definition_id": "gate.concept",
	}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(data))
	}

	// managers cannot review
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives/"+created.ID+"/requests", map[string]any{
		"definition_id": "gate.concept",
	}, asActor("manager"))
	var submitted RequestResponse
	_ = json.Unmarshal(data, &submitted)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+submitted.ID+"/accept", map[string]any{}, asActor("manager"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden accept, got %d %s", res.StatusCode, string(data))
	}

	// webhook admin needs the decide permission
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks", map[string]any{
		"url": "http://127.0.0.1:9/hook",
	}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden webhook create, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/milestones", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "pm",
		"roles":       []string{"portfolio_manager"},
		"permissions": []string{"milestone.decide"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "pm" {
		t.Fatalf("expected actor pm, got %s", me.ActorID)
	}
	if len(me.Permissions) == 0 {
		t.Fatalf("expected permissions in principal")
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, asActor("pm"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("expected plaintext key, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "pm" {
		t.Fatalf("api key should resolve to pm, got %s", me.ActorID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key should 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/initiatives", map[string]any{"name": "Batch"}, asActor("manager"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, asActor("manager"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d %q", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, asActor("manager"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) == 0 {
		t.Fatalf("expected remaining events")
	}
	for _, item := range next.Items {
		for _, prev := range page.Items {
			if item.ID == prev.ID {
				t.Fatalf("event %d repeated across pages", item.ID)
			}
		}
	}
}
