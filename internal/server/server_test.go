package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlroom/internal/audit"
	"controlroom/internal/budget"
	"controlroom/internal/config"
	"controlroom/internal/db"
	"controlroom/internal/domain"
	"controlroom/internal/engine"
	"controlroom/internal/metrics"
)

const (
	testProject = "proj-1"
	testSecret  = "test-secret"
)

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, runnerURL string) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	e := engine.New(conn)
	e.Metrics = metrics.New()
	t.Cleanup(e.Close)
	ctx := context.Background()
	_, err = e.CreateProject(ctx, testProject, "", "tester")
	require.NoError(t, err)
	cfg := config.Default(testProject)
	cfg.Runner.URL = runnerURL
	require.NoError(t, e.ImportConfig(ctx, testProject, cfg))

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func runnerServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")

	res, data := s.do(t, http.MethodGet, "/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	health := decode[map[string]any](t, data)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["schema_version"])

	res, data = s.do(t, http.MethodGet, "/v0/projects", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, data = s.do(t, http.MethodGet, "/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, data).Error.Code)
}

func TestProjectsCreateAndList(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")

	res, data := s.do(t, http.MethodPost, "/v0/projects", map[string]any{"id": "proj-2", "description": "second"}, actorHeader)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Equal(t, "proj-2", decode[ProjectResponse](t, data).ID)

	res, data = s.do(t, http.MethodPost, "/v0/projects", map[string]any{"id": "proj-2"}, actorHeader)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodGet, "/v0/projects", nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode)
	projects := decode[[]ProjectResponse](t, data)
	assert.Len(t, projects, 2)
}

func TestTriggerValidationReturnsTerminalView(t *testing.T) {
	runner := runnerServer(t,
		`{"type":"check","check":{"id":"git","category":"Git","status":"fail","priority":"critical"}}`,
		`{"type":"complete","status":"blocked","checks":[{"id":"git","category":"Git","status":"fail","priority":"critical"},{"id":"env","category":"Environment","status":"pass"}]}`,
	)
	s := newTestServer(t, runner.URL)

	res, data := s.do(t, http.MethodGet, "/v0/projects/"+testProject+"/validation", nil, actorHeader)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/validations", map[string]any{"config": map[string]string{"branch": "main"}}, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	v := decode[engine.View](t, data)
	assert.Equal(t, domain.RunBlocked, v.Run.Status)
	assert.Len(t, v.Run.Checks, 2)
	assert.Equal(t, 1, v.Verdict.CriticalRemaining)

	res, data = s.do(t, http.MethodGet, "/v0/projects/"+testProject+"/validation", nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	snap := decode[domain.ValidationSnapshot](t, data)
	assert.Equal(t, v.Run.ID, snap.RunID)

	res, data = s.do(t, http.MethodGet, "/v0/projects/"+testProject+"/readiness", nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	live := decode[engine.View](t, data)
	assert.Equal(t, v.Run.ID, live.Run.ID)
	require.NotNil(t, live.Budget)
	assert.Equal(t, budget.LevelOK, live.Budget.Level)
}

func TestTriggerValidationWithoutBody(t *testing.T) {
	runner := runnerServer(t, `{"type":"complete","status":"ready","checks":[{"id":"a","category":"Build","status":"pass"}]}`)
	s := newTestServer(t, runner.URL)
	res, data := s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/validations", nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.RunReady, decode[engine.View](t, data).Run.Status)
}

func TestTriggerValidationFeedFailureIs502(t *testing.T) {
	runner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(runner.Close)
	s := newTestServer(t, runner.URL)

	res, data := s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/validations", nil, actorHeader)
	require.Equal(t, http.StatusBadGateway, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "feed_failed", env.Error.Code)
	view, ok := env.Error.Details["view"].(map[string]any)
	require.True(t, ok, string(data))
	run := view["run"].(map[string]any)
	assert.Equal(t, "blocked", run["status"])
	assert.NotEmpty(t, run["error"])
}

func TestTriggerValidationUnknownProject(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")
	res, data := s.do(t, http.MethodPost, "/v0/projects/nope/validations", nil, actorHeader)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestTriggerValidationWithoutRunnerURL(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")
	cfg := config.Default(testProject)
	require.NoError(t, s.Engine.ImportConfig(context.Background(), testProject, cfg))
	res, data := s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/validations", nil, actorHeader)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
}

func TestBudgetEndpoints(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")
	base := "/v0/projects/" + testProject + "/budget"

	res, data := s.do(t, http.MethodPatch, base, map[string]any{"project_budget": 100}, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 100.0, decode[budget.Status](t, data).Config.ProjectBudget)

	res, data = s.do(t, http.MethodPatch, base, map[string]any{"thresholds": map[string]any{"warning": 0.95}}, actorHeader)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, base+"/spend", map[string]any{"phase": "build", "agent": "coder", "amount": 95}, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	st := decode[budget.Status](t, data)
	assert.Equal(t, budget.LevelCritical, st.Level)
	require.NotEmpty(t, st.Alerts)
	assert.Equal(t, domain.AlertCritical, st.Alerts[len(st.Alerts)-1].Level)

	res, data = s.do(t, http.MethodPost, base+"/spend", map[string]any{"amount": -1}, actorHeader)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, base+"/reset", map[string]any{"scope": "project"}, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodGet, base, nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 95.0, decode[budget.Status](t, data).Usage.Total)

	res, _ = s.do(t, http.MethodGet, "/v0/projects/nope/budget", nil, actorHeader)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAuditPaging(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")
	base := "/v0/projects/" + testProject
	for i := 0; i < 3; i++ {
		res, data := s.do(t, http.MethodPost, base+"/budget/reset", nil, actorHeader)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	res, data := s.do(t, http.MethodGet, base+"/audit?limit=2&type="+audit.EventBudgetReset, nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedAudit](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID)
	assert.Equal(t, "tester", page.Items[0].ActorID)
	assert.Equal(t, audit.ActorUser, page.Items[0].ActorType)

	res, data = s.do(t, http.MethodGet, base+"/audit?limit=2&type="+audit.EventBudgetReset+"&cursor="+page.NextCursor, nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedAudit](t, data)
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)

	res, _ = s.do(t, http.MethodGet, base+"/audit?cursor=abc", nil, actorHeader)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestJWTAndAPIKeyPrincipals(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")

	token, err := SignToken(testSecret, "alice", []string{"operator"}, time.Hour)
	require.NoError(t, err)
	res, data := s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[map[string]any](t, data)
	assert.Equal(t, "alice", me["actor_id"])
	assert.Equal(t, audit.ActorUser, me["actor_type"])

	wrong, err := SignToken("other-secret", "alice", nil, time.Hour)
	require.NoError(t, err)
	res, _ = s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"Authorization": "Bearer " + wrong})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	plain, _, err := s.Engine.Repo.IssueAPIKey(context.Background(), "runner-bot", "ci")
	require.NoError(t, err)
	res, data = s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me = decode[map[string]any](t, data)
	assert.Equal(t, "runner-bot", me["actor_id"])
	assert.Equal(t, audit.ActorAgent, me["actor_type"])

	res, _ = s.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Api-Key": "crk_unknown"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestLegacyHeaderDisabled(t *testing.T) {
	s := newTestServer(t, "http://runner.invalid")
	handler, err := New(Config{Engine: s.Engine, Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v0/projects", nil)
	req.Header.Set("X-Actor-Id", "tester")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetricsAndOpenAPIArePublic(t *testing.T) {
	runner := runnerServer(t, `{"type":"complete","status":"ready","checks":[]}`)
	s := newTestServer(t, runner.URL)
	res, data := s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/validations", nil, actorHeader)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `controlroom_validation_runs_total{status="ready"} 1`)

	res, data = s.do(t, http.MethodGet, "/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/projects/{project_id}/validations")
	assert.Contains(t, string(data), "bearerAuth")
}

func TestWebhookDispatcherForwardsMatchingEntries(t *testing.T) {
	var (
		mu       sync.Mutex
		received []domain.AuditLogEntry
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var entry domain.AuditLogEntry
		_ = json.NewDecoder(r.Body).Decode(&entry)
		mu.Lock()
		received = append(received, entry)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	t.Cleanup(hook.Close)

	s := newTestServer(t, "http://runner.invalid")
	ctx := context.Background()
	cfg := config.Default(testProject)
	cfg.Runner.URL = "http://runner.invalid"
	cfg.Budget.ProjectBudget = 10
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"budget.alert"}, Secret: "s3"}}
	require.NoError(t, s.Engine.ImportConfig(ctx, testProject, cfg))

	d := &WebhookDispatcher{Engine: s.Engine, Client: hook.Client()}
	// first pass only positions the cursor
	d.DispatchOnce(ctx)

	_, err := s.Engine.RecordSpend(ctx, engine.SpendOptions{ProjectID: testProject, Amount: 8})
	require.NoError(t, err)
	_, err = s.Engine.ResetBudgetAlerts(ctx, testProject, "", "tester", audit.ActorUser)
	require.NoError(t, err)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	for _, e := range received {
		assert.Equal(t, audit.EventBudgetAlert, e.EventType)
	}
	assert.Equal(t, "s3", headers[0].Get("X-Controlroom-Secret"))
	assert.Equal(t, testProject, headers[0].Get("X-Controlroom-Project"))
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" "}).match("anything"))
	f := newEventFilter([]string{"validation.failed", "budget.*"})
	assert.True(t, f.match("validation.failed"))
	assert.True(t, f.match("budget.alert"))
	assert.False(t, f.match("validation.completed"))
	assert.False(t, f.match("budgetx"))
	assert.True(t, newEventFilter([]string{"*"}).match(strings.Repeat("x", 3)))
}
