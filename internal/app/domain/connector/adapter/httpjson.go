package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/cn-equity-research/eventgov/infrastructure/httputil"
	"github.com/cn-equity-research/eventgov/infrastructure/resilience"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
	"github.com/cn-equity-research/eventgov/pkg/version"
)

// HTTPJSONAdapter fetches a JSON array of records from an HTTP endpoint.
// Field extraction is configurable per source via dotted gjson paths
// ("column_map" in Config), so one adapter covers any JSON-returning feed.
type HTTPJSONAdapter struct {
	client         *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    resilience.RetryConfig
	maxBodyBytes   int64
}

// NewHTTPJSONAdapter builds an HTTPJSONAdapter with sane network defaults.
func NewHTTPJSONAdapter() *HTTPJSONAdapter {
	client, _ := httputil.NewClient(httputil.ClientConfig{}, httputil.DefaultClientDefaults())
	return &HTTPJSONAdapter{
		client:         client,
		circuitBreaker: resilience.New(resilience.DefaultConfig()),
		retryConfig:    resilience.DefaultRetryConfig(),
		maxBodyBytes:   4 << 20,
	}
}

// Type implements Adapter.
func (a *HTTPJSONAdapter) Type() connector.Type { return connector.TypeHTTPJSON }

// Fetch implements Adapter. Config options:
//   - url: the endpoint, may embed "{cursor}" which is replaced with req.Cursor.
//   - records_path: gjson path to the array of records (default "data").
//   - column_map: map of RawRecord field name -> gjson path relative to each record.
//   - next_cursor_path: gjson path, relative to the whole body, for the next cursor.
//   - headers: map of header name -> value, applied after User-Agent; "{credential}"
//     in a value (e.g. "Bearer {credential}") is substituted with req.Credential.
func (a *HTTPJSONAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	cfg := req.Candidate.Config
	url := configString(cfg, "url", "")
	if url == "" {
		return FetchResult{}, fmt.Errorf("http_json adapter: source %q has no url configured", req.Candidate.SourceKey)
	}
	url = strings.ReplaceAll(url, "{cursor}", req.Cursor)

	recordsPath := configString(cfg, "records_path", "data")
	columnMap := configStringMap(cfg, "column_map")
	nextCursorPath := configString(cfg, "next_cursor_path", "")

	var body []byte
	err := resilience.Retry(ctx, a.retryConfig, func() error {
		return a.circuitBreaker.Execute(ctx, func() error {
			b, doErr := a.doRequest(ctx, url, cfg, req.Credential)
			if doErr != nil {
				return doErr
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("http_json adapter: %s: %w", req.Candidate.SourceKey, err)
	}

	root := gjson.ParseBytes(body)
	items := root.Get(recordsPath).Array()

	var records []standardize.RawRecord
	if len(items) == 0 {
		if jsonPathExpr := configString(cfg, "records_jsonpath", ""); jsonPathExpr != "" {
			records, err = extractViaJSONPath(body, jsonPathExpr, columnMap)
			if err != nil {
				return FetchResult{}, fmt.Errorf("http_json adapter: %s: %w", req.Candidate.SourceKey, err)
			}
		}
	} else {
		for _, item := range items {
			rec, err := extractRecord(item, columnMap)
			if err != nil {
				return FetchResult{}, fmt.Errorf("http_json adapter: %s: %w", req.Candidate.SourceKey, err)
			}
			records = append(records, rec)
		}
	}

	nextCursor := req.Cursor
	if nextCursorPath != "" {
		if v := root.Get(nextCursorPath); v.Exists() {
			nextCursor = v.String()
		}
	}

	return FetchResult{Records: records, NextCursor: nextCursor}, nil
}

func (a *HTTPJSONAdapter) doRequest(ctx context.Context, url string, cfg map[string]any, credential string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", version.UserAgent())
	for k, v := range configStringMap(cfg, "headers") {
		httpReq.Header.Set(k, strings.ReplaceAll(v, "{credential}", credential))
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return httputil.ReadAllStrict(io.LimitReader(resp.Body, a.maxBodyBytes+1), a.maxBodyBytes)
}

func extractRecord(item gjson.Result, columnMap map[string]string) (standardize.RawRecord, error) {
	field := func(name, defaultPath string) string {
		path := defaultPath
		if p, ok := columnMap[name]; ok {
			path = p
		}
		if path == "" {
			return ""
		}
		return item.Get(path).String()
	}

	publishRaw := field("publish_time", "publish_time")
	publishTime, err := parseFlexibleTime(publishRaw)
	if err != nil {
		return standardize.RawRecord{}, fmt.Errorf("invalid publish_time %q: %w", publishRaw, err)
	}

	return standardize.RawRecord{
		SourceEventID: field("event_id", "id"),
		Symbol:        field("symbol", "symbol"),
		Title:         field("title", "title"),
		Summary:       field("summary", "summary"),
		Content:       field("content", "content"),
		PublishTime:   publishTime,
		URL:           field("url", "url"),
	}, nil
}

// extractViaJSONPath is used when the configured gjson records_path finds
// nothing but a "records_jsonpath" expression was supplied — some gateways
// nest the record array behind a shape gjson's dotted paths can't select
// (e.g. a predicate filter), which JSONPath handles directly.
func extractViaJSONPath(body []byte, expr string, columnMap map[string]string) ([]standardize.RawRecord, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode body for jsonpath: %w", err)
	}

	matched, err := jsonpath.Get(expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate jsonpath %q: %w", expr, err)
	}

	items, ok := matched.([]any)
	if !ok {
		return nil, fmt.Errorf("jsonpath %q did not select an array", expr)
	}

	var records []standardize.RawRecord
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rec, err := extractRecordFromMap(m, columnMap)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func extractRecordFromMap(m map[string]any, columnMap map[string]string) (standardize.RawRecord, error) {
	field := func(name, defaultKey string) string {
		key := defaultKey
		if k, ok := columnMap[name]; ok {
			key = k
		}
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}

	publishRaw := field("publish_time", "publish_time")
	publishTime, err := parseFlexibleTime(publishRaw)
	if err != nil {
		return standardize.RawRecord{}, fmt.Errorf("invalid publish_time %q: %w", publishRaw, err)
	}

	return standardize.RawRecord{
		SourceEventID: field("event_id", "id"),
		Symbol:        field("symbol", "symbol"),
		Title:         field("title", "title"),
		Summary:       field("summary", "summary"),
		Content:       field("content", "content"),
		PublishTime:   publishTime,
		URL:           field("url", "url"),
	}, nil
}

var flexibleTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseFlexibleTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	var lastErr error
	for _, layout := range flexibleTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
