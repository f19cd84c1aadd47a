package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/cn-equity-research/eventgov/infrastructure/httputil"
	"github.com/cn-equity-research/eventgov/infrastructure/resilience"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
)

// TushareAnnouncementAdapter fetches announcement rows from the Tushare Pro
// "api_name" envelope API, which accepts a single POST body of
// {api_name, token, params, fields} and returns {data: {fields, items}}.
type TushareAnnouncementAdapter struct {
	client         *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    resilience.RetryConfig
}

// NewTushareAnnouncementAdapter builds a TushareAnnouncementAdapter.
func NewTushareAnnouncementAdapter() *TushareAnnouncementAdapter {
	client, _ := httputil.NewClient(httputil.ClientConfig{}, httputil.DefaultClientDefaults())
	return &TushareAnnouncementAdapter{
		client:         client,
		circuitBreaker: resilience.New(resilience.DefaultConfig()),
		retryConfig:    resilience.DefaultRetryConfig(),
	}
}

// Type implements Adapter.
func (a *TushareAnnouncementAdapter) Type() connector.Type { return connector.TypeTushareAnnouncement }

type tushareEnvelope struct {
	APIName string         `json:"api_name"`
	Token   string         `json:"token"`
	Params  map[string]any `json:"params"`
	Fields  string         `json:"fields"`
}

// Fetch implements Adapter. Config options:
//   - endpoint: Tushare HTTP endpoint, defaults to the public api.tushare.pro URL.
//   - api_name: Tushare interface name (e.g. "anns_d"), defaults to "anns_d".
//   - fields: comma-separated field list requested from Tushare.
//   - ts_code: restrict to a single instrument (optional).
//
// req.Cursor is the last-seen ann_date; it is used as the start_date of the
// next window so replays stay idempotent at the checkpoint layer.
func (a *TushareAnnouncementAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	cfg := req.Candidate.Config
	endpoint := configString(cfg, "endpoint", "https://api.tushare.pro")
	apiName := configString(cfg, "api_name", "anns_d")
	fields := configString(cfg, "fields", "ts_code,name,title,ann_date,content,url")

	params := map[string]any{}
	if tsCode := configString(cfg, "ts_code", ""); tsCode != "" {
		params["ts_code"] = tsCode
	}
	if req.Cursor != "" {
		params["start_date"] = req.Cursor
	}
	limit := req.FetchLimit
	if limit <= 0 {
		limit = 100
	}
	params["limit"] = limit

	envelope := tushareEnvelope{
		APIName: apiName,
		Token:   req.Credential,
		Params:  params,
		Fields:  fields,
	}

	var body []byte
	err := resilience.Retry(ctx, a.retryConfig, func() error {
		return a.circuitBreaker.Execute(ctx, func() error {
			b, doErr := a.post(ctx, endpoint, envelope)
			if doErr != nil {
				return doErr
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("tushare_announcement adapter: %s: %w", req.Candidate.SourceKey, err)
	}

	result := gjson.ParseBytes(body)
	if code := result.Get("code").Int(); code != 0 {
		return FetchResult{}, fmt.Errorf("tushare_announcement adapter: %s: api error %d: %s",
			req.Candidate.SourceKey, code, result.Get("msg").String())
	}

	columns := result.Get("data.fields").Array()
	rows := result.Get("data.items").Array()
	colIndex := make(map[string]int, len(columns))
	for i, c := range columns {
		colIndex[c.String()] = i
	}

	cellOf := func(row gjson.Result, name string) string {
		idx, ok := colIndex[name]
		if !ok {
			return ""
		}
		cells := row.Array()
		if idx >= len(cells) {
			return ""
		}
		return cells[idx].String()
	}

	var records []standardize.RawRecord
	var lastAnnDate string
	for _, row := range rows {
		annDate := cellOf(row, "ann_date")
		publishTime, err := parseFlexibleTime(annDate)
		if err != nil {
			return FetchResult{}, fmt.Errorf("tushare_announcement adapter: invalid ann_date %q: %w", annDate, err)
		}
		if annDate > lastAnnDate {
			lastAnnDate = annDate
		}

		records = append(records, standardize.RawRecord{
			Symbol:      cellOf(row, "ts_code"),
			Title:       cellOf(row, "title"),
			Summary:     cellOf(row, "content"),
			PublishTime: publishTime,
			URL:         cellOf(row, "url"),
		})
	}

	nextCursor := req.Cursor
	if lastAnnDate != "" {
		nextCursor = lastAnnDate
	}

	return FetchResult{Records: records, NextCursor: nextCursor}, nil
}

func (a *TushareAnnouncementAdapter) post(ctx context.Context, endpoint string, envelope tushareEnvelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	return httputil.ReadAllStrict(resp.Body, 4<<20)
}
