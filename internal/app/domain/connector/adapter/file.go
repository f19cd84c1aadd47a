package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
)

// FileAdapter reads newline-delimited JSON rows from a local path. It exists
// mainly for local development, backfills, and connector integration tests
// that need a deterministic, network-free source.
type FileAdapter struct{}

// NewFileAdapter builds a FileAdapter.
func NewFileAdapter() *FileAdapter { return &FileAdapter{} }

// Type implements Adapter.
func (a *FileAdapter) Type() connector.Type { return connector.TypeFile }

type fileRow struct {
	EventID     string         `json:"event_id"`
	Symbol      string         `json:"symbol"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	Content     string         `json:"content"`
	PublishTime string         `json:"publish_time"`
	URL         string         `json:"url"`
	Metadata    map[string]any `json:"metadata"`
}

// Fetch implements Adapter. The file's "path" config option points at an
// NDJSON file; req.Cursor is the zero-based line offset already consumed.
func (a *FileAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	path := configString(req.Candidate.Config, "path", "")
	if path == "" {
		return FetchResult{}, fmt.Errorf("file adapter: source %q has no path configured", req.Candidate.SourceKey)
	}

	f, err := os.Open(path)
	if err != nil {
		return FetchResult{}, fmt.Errorf("file adapter: open %s: %w", path, err)
	}
	defer f.Close()

	skip := 0
	if req.Cursor != "" {
		if _, err := fmt.Sscanf(req.Cursor, "%d", &skip); err != nil {
			return FetchResult{}, fmt.Errorf("file adapter: invalid cursor %q: %w", req.Cursor, err)
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var records []standardize.RawRecord
	line := 0
	limit := req.FetchLimit
	if limit <= 0 {
		limit = 100
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return FetchResult{}, ctx.Err()
		default:
		}

		if line < skip {
			line++
			continue
		}
		raw := scanner.Text()
		line++
		if raw == "" {
			continue
		}

		var row fileRow
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return FetchResult{}, fmt.Errorf("file adapter: line %d: %w", line, err)
		}

		publishTime, err := time.Parse(time.RFC3339, row.PublishTime)
		if err != nil {
			return FetchResult{}, fmt.Errorf("file adapter: line %d: invalid publish_time %q: %w", line, row.PublishTime, err)
		}

		records = append(records, standardize.RawRecord{
			SourceEventID: row.EventID,
			Symbol:        row.Symbol,
			Title:         row.Title,
			Summary:       row.Summary,
			Content:       row.Content,
			PublishTime:   publishTime,
			URL:           row.URL,
			Metadata:      row.Metadata,
		})

		if len(records) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return FetchResult{}, fmt.Errorf("file adapter: scan %s: %w", path, err)
	}

	return FetchResult{
		Records:    records,
		NextCursor: fmt.Sprintf("%d", line),
	}, nil
}
