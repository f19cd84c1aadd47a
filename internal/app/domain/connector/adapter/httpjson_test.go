package adapter

import (
	"net/http"
	"testing"

	"github.com/cn-equity-research/eventgov/infrastructure/testutil"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"context"
)

func TestHTTPJSONAdapterExtractsRecordsViaColumnMap(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [
				{"id": "e1", "sym": "000001.SZ", "hdr": "title one", "body": "summary one", "ts": "2026-07-01T09:00:00Z"}
			],
			"next": "2026-07-02"
		}`))
	}))
	defer server.Close()

	a := NewHTTPJSONAdapter()
	candidate := connector.SourceCandidate{
		SourceKey: "gateway",
		Config: map[string]any{
			"url":              server.URL,
			"records_path":     "items",
			"next_cursor_path": "next",
			"column_map": map[string]any{
				"event_id": "id",
				"symbol":   "sym",
				"title":    "hdr",
				"summary":  "body",
				"publish_time": "ts",
			},
		},
	}

	result, err := a.Fetch(context.Background(), FetchRequest{Candidate: candidate})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "e1", result.Records[0].SourceEventID)
	assert.Equal(t, "000001.SZ", result.Records[0].Symbol)
	assert.Equal(t, "title one", result.Records[0].Title)
	assert.Equal(t, "2026-07-02", result.NextCursor)
}

func TestHTTPJSONAdapterFallsBackToJSONPathWhenRecordsPathEmpty(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"groups": [
				{"kind": "announcement", "rows": [
					{"id": "e1", "symbol": "600000.SH", "title": "t", "summary": "s", "publish_time": "2026-07-01T09:00:00Z"}
				]}
			]
		}`))
	}))
	defer server.Close()

	a := NewHTTPJSONAdapter()
	candidate := connector.SourceCandidate{
		SourceKey: "gateway",
		Config: map[string]any{
			"url":              server.URL,
			"records_path":     "missing_path",
			"records_jsonpath": "$.groups[?(@.kind == 'announcement')].rows[*]",
		},
	}

	result, err := a.Fetch(context.Background(), FetchRequest{Candidate: candidate})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "e1", result.Records[0].SourceEventID)
}

func TestHTTPJSONAdapterSurfacesHTTPErrors(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	a := NewHTTPJSONAdapter()
	a.retryConfig.MaxAttempts = 1
	candidate := connector.SourceCandidate{SourceKey: "gateway", Config: map[string]any{"url": server.URL}}

	_, err := a.Fetch(context.Background(), FetchRequest{Candidate: candidate})
	require.Error(t, err)
}
