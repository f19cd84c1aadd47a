package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNDJSON(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.ndjson")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileAdapterReadsRowsAndAdvancesCursor(t *testing.T) {
	path := writeNDJSON(t, []string{
		`{"event_id":"a1","symbol":"000001.SZ","title":"t1","summary":"s1","publish_time":"2026-07-01T09:00:00Z"}`,
		`{"event_id":"a2","symbol":"000002.SZ","title":"t2","summary":"s2","publish_time":"2026-07-01T09:05:00Z"}`,
	})

	a := NewFileAdapter()
	candidate := connector.SourceCandidate{SourceKey: "local", Config: map[string]any{"path": path}}

	result, err := a.Fetch(context.Background(), FetchRequest{Candidate: candidate, FetchLimit: 10})
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
	assert.Equal(t, "2", result.NextCursor)
	assert.Equal(t, "a1", result.Records[0].SourceEventID)
}

func TestFileAdapterResumesFromCursor(t *testing.T) {
	path := writeNDJSON(t, []string{
		`{"event_id":"a1","symbol":"000001.SZ","title":"t1","summary":"s1","publish_time":"2026-07-01T09:00:00Z"}`,
		`{"event_id":"a2","symbol":"000002.SZ","title":"t2","summary":"s2","publish_time":"2026-07-01T09:05:00Z"}`,
	})

	a := NewFileAdapter()
	candidate := connector.SourceCandidate{SourceKey: "local", Config: map[string]any{"path": path}}

	result, err := a.Fetch(context.Background(), FetchRequest{Candidate: candidate, Cursor: "1", FetchLimit: 10})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "a2", result.Records[0].SourceEventID)
}

func TestFileAdapterRejectsMissingPath(t *testing.T) {
	a := NewFileAdapter()
	_, err := a.Fetch(context.Background(), FetchRequest{Candidate: connector.SourceCandidate{SourceKey: "local"}})
	require.Error(t, err)
}

func TestRegistryResolvesRegisteredType(t *testing.T) {
	reg := NewRegistry(NewFileAdapter(), NewHTTPJSONAdapter())

	found, err := reg.Resolve(connector.TypeFile)
	require.NoError(t, err)
	assert.Equal(t, connector.TypeFile, found.Type())

	_, err = reg.Resolve(connector.TypeTushareAnnouncement)
	assert.Error(t, err)
}
