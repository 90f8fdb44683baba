package controlroomsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	var gotKey, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": 7, "event_type": "budget.alert", "severity": "warning"}},
			"next_cursor": "7",
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "proj 1")
	c.APIKey = "crk_abc"
	page, err := c.AuditPage(context.Background(), 10, "12")
	require.NoError(t, err)
	assert.Equal(t, "crk_abc", gotKey)
	assert.Equal(t, "/v0/projects/proj 1/audit", gotPath)
	assert.Equal(t, "cursor=12&limit=10", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(7), page.Items[0].ID)
	assert.Equal(t, "7", page.NextCursor)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "tester", r.Header.Get("X-Actor-Id"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, map[string]any{"branch": "main"}, body["config"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":"feed_failed","message":"run r1: runner returned status 503","details":{"run_id":"r1"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "p")
	c.ActorID = "tester"
	_, err := c.Validate(context.Background(), map[string]string{"branch": "main"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "feed_failed", apiErr.Code)
	assert.Equal(t, "r1", apiErr.Details["run_id"])
}

func TestClientBearerWinsOverAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{"level":"critical","auto_paused":true,"scopes":[{"scope":"project","target":"p","percent":95,"level":"critical"}],"alerts":[],"usage":{"total":95}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "p")
	c.BearerToken = "tok"
	c.APIKey = "crk_x"
	st, err := c.Budget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "critical", st.Level)
	assert.True(t, st.AutoPaused)
	assert.Equal(t, 95.0, st.Usage.Total)
	require.Len(t, st.Scopes, 1)
	assert.Equal(t, 95, st.Scopes[0].Percent)
}
