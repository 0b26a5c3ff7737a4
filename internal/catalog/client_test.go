package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kilupskalvis/catmirror/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "district" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(ErrorResponse{HTTPStatusCode: 401, Message: "Unauthorized"})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", "admin", "district")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestHTTPClient_Schemas(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/schemas.json", r.URL.Path)
		writeJSON(w, map[string]interface{}{
			"schemas": []map[string]string{
				{"name": "dataElement", "plural": "dataElements", "displayName": "Data Element"},
				{"name": "analyticsTableHook", "plural": ""},
			},
		})
	})

	schemas, err := client.Schemas(context.Background())
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "Data Element", schemas["dataElements"].DisplayName)
}

func TestHTTPClient_ListRefs(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dataElements.json", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("paging"))
		assert.Equal(t, "id,lastUpdated", r.URL.Query().Get("fields"))
		assert.Empty(t, r.URL.Query().Get("filter"))
		writeJSON(w, map[string]interface{}{
			"dataElements": []map[string]string{
				{"id": "a", "lastUpdated": "2024-01-01T00:00:00.000"},
				{"id": "b", "lastUpdated": "2024-01-02T00:00:00.000"},
			},
		})
	})

	refs, err := client.ListRefs(context.Background(), "dataElements", nil)
	require.NoError(t, err)
	assert.Equal(t, []models.CatalogItemRef{
		{ID: "a", LastUpdated: "2024-01-01T00:00:00.000"},
		{ID: "b", LastUpdated: "2024-01-02T00:00:00.000"},
	}, refs)
}

func TestHTTPClient_ListRefsFiltered(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "level:eq:2", r.URL.Query().Get("filter"))
		writeJSON(w, map[string]interface{}{"organisationUnits": []interface{}{}})
	})

	refs, err := client.ListRefs(context.Background(), "organisationUnits", &models.Filter{Field: "level", Value: "2"})
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestHTTPClient_ListHierarchyLevels(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/organisationUnitLevels.json", r.URL.Path)
		writeJSON(w, map[string]interface{}{
			"organisationUnitLevels": []map[string]interface{}{
				{"level": 1, "displayName": "National"},
				{"level": 2, "displayName": "District"},
			},
		})
	})

	levels, err := client.ListHierarchyLevels(context.Background(), "organisationUnitLevels")
	require.NoError(t, err)
	assert.Equal(t, []models.HierarchyLevel{{Level: 1, DisplayName: "National"}, {Level: 2, DisplayName: "District"}}, levels)
}

func TestHTTPClient_FetchByIDs(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/metadata.json", r.URL.Path)
		assert.Equal(t, ":owner", r.URL.Query().Get("fields"))
		assert.Equal(t, "id:in:[a,b]", r.URL.Query().Get("filter"))
		writeJSON(w, map[string]interface{}{
			"system": map[string]string{"version": "2.40"},
			"dataElements": []map[string]interface{}{
				{"id": "a", "name": "Alpha"},
				{"id": "b", "name": "Beta"},
			},
		})
	})

	resp, err := client.FetchByIDs(context.Background(), "dataElements", []string{"a", "b"}, ":owner")
	require.NoError(t, err)
	require.Len(t, resp["dataElements"], 2)
	assert.Equal(t, "a", resp["dataElements"][0].ID())
	_, hasSystem := resp["system"]
	assert.False(t, hasSystem)
}

func TestHTTPClient_MissingCollection(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"pager": map[string]int{"page": 1}})
	})

	refs, err := client.ListRefs(context.Background(), "dataElements", nil)
	assert.ErrorIs(t, err, ErrMissingCollection)
	assert.Nil(t, refs)

	levels, err := client.ListHierarchyLevels(context.Background(), "organisationUnitLevels")
	assert.ErrorIs(t, err, ErrMissingCollection)
	assert.Nil(t, levels)
}

func TestHTTPClient_NullCollectionIsEmpty(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"dataElements": null}`))
	})

	refs, err := client.ListRefs(context.Background(), "dataElements", nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestHTTPClient_FetchByIDsMalformedType(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"system":       map[string]string{"version": "2.40"},
			"dataElements": map[string]string{"id": "a"},
		})
	})

	resp, err := client.FetchByIDs(context.Background(), "dataElements", []string{"a"}, ":owner")
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestHTTPClient_FetchByIDsTypeAbsent(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"system": map[string]string{"version": "2.40"}})
	})

	resp, err := client.FetchByIDs(context.Background(), "dataElements", []string{"gone"}, ":owner")
	require.NoError(t, err)
	assert.Empty(t, resp["dataElements"])
}

func TestHTTPClient_ErrorDecoding(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ErrorResponse{HTTPStatusCode: 409, Message: "Invalid filter"})
	})

	_, err := client.ListRefs(context.Background(), "dataElements", nil)
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusConflict, re.Status)
	assert.Equal(t, "Invalid filter", re.Message)
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	})
	client.password = "wrong"

	_, err := client.Schemas(context.Background())
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnauthorized, re.Status)
	retry, _ := shouldRetry(err)
	assert.False(t, retry)
}

func TestHTTPClient_NonJSONError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := client.Schemas(context.Background())
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "HTTP 502", re.Message)
	retry, _ := shouldRetry(err)
	assert.True(t, retry)
}

func TestHTTPClient_RetryAfterHeader(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(ErrorResponse{HTTPStatusCode: 429, Message: "Too many requests"})
	})

	_, err := client.ListRefs(context.Background(), "dataElements", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 7*time.Second, re.RetryAfter)
	assert.Equal(t, "Too many requests", re.Message)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{" 2 ", 2 * time.Second},
		{"-5", 0},
		{"soon", 0},
		{"Wed, 01 May 2024 12:01:30 GMT", 90 * time.Second},
		{"Wed, 01 May 2024 11:00:00 GMT", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), tt.in)
	}
}

func TestHTTPClient_MaxRPS(t *testing.T) {
	client := NewHTTPClient("http://example.invalid", "u", "p", WithMaxRPS(2))
	require.NotNil(t, client.limiter)
	assert.Equal(t, 2, client.limiter.Burst())

	client = NewHTTPClient("http://example.invalid", "u", "p", WithMaxRPS(0))
	assert.Nil(t, client.limiter)
}
