package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cn-equity-research/eventgov/infrastructure/httputil"
	"github.com/cn-equity-research/eventgov/infrastructure/ratelimit"
	"github.com/cn-equity-research/eventgov/infrastructure/resilience"
	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
)

// AkshareAnnouncementAdapter fetches rows from a self-hosted akshare gateway
// (a thin HTTP wrapper exposing akshare Python functions as JSON endpoints).
// Because gateway deployments vary, the adapter tries "api_candidates" in
// order and uses the first one that answers successfully (§9 design note on
// source-matrix candidate ordering, applied within a single source here).
//
// Self-hosted gateways tend to be thin wrappers around the upstream akshare
// Python calls with no queueing of their own, so the client is throttled
// client-side rather than left to hammer the gateway at whatever rate the
// scheduler's poll interval and candidate fan-out happen to produce.
type AkshareAnnouncementAdapter struct {
	client         *ratelimit.RateLimitedClient
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    resilience.RetryConfig
	maxBodyBytes   int64
}

// NewAkshareAnnouncementAdapter builds an AkshareAnnouncementAdapter.
func NewAkshareAnnouncementAdapter() *AkshareAnnouncementAdapter {
	client, _ := httputil.NewClient(httputil.ClientConfig{}, httputil.DefaultClientDefaults())
	return &AkshareAnnouncementAdapter{
		client: ratelimit.NewRateLimitedClient(client, ratelimit.RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		}),
		circuitBreaker: resilience.New(resilience.DefaultConfig()),
		retryConfig:    resilience.DefaultRetryConfig(),
		maxBodyBytes:   4 << 20,
	}
}

// Type implements Adapter.
func (a *AkshareAnnouncementAdapter) Type() connector.Type { return connector.TypeAkshareAnnouncement }

// Fetch implements Adapter. Config options:
//   - api_candidates: ordered list of full URLs, first to respond 2xx wins.
//     "{symbol}" and "{cursor}" placeholders are substituted per candidate.
//   - symbol: instrument passed to the gateway (optional).
//   - records_path, column_map: same semantics as HTTPJSONAdapter.
func (a *AkshareAnnouncementAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	cfg := req.Candidate.Config
	candidates := configStringSlice(cfg, "api_candidates")
	if len(candidates) == 0 {
		if url := configString(cfg, "url", ""); url != "" {
			candidates = []string{url}
		}
	}
	if len(candidates) == 0 {
		return FetchResult{}, fmt.Errorf("akshare_announcement adapter: source %q has no api_candidates configured", req.Candidate.SourceKey)
	}

	symbol := configString(cfg, "symbol", "")
	recordsPath := configString(cfg, "records_path", "data")
	columnMap := configStringMap(cfg, "column_map")

	var body []byte
	var lastErr error
	for _, candidate := range candidates {
		url := strings.ReplaceAll(candidate, "{symbol}", symbol)
		url = strings.ReplaceAll(url, "{cursor}", req.Cursor)

		err := resilience.Retry(ctx, a.retryConfig, func() error {
			return a.circuitBreaker.Execute(ctx, func() error {
				b, doErr := a.get(ctx, url)
				if doErr != nil {
					return doErr
				}
				body = b
				return nil
			})
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
	}
	if lastErr != nil {
		return FetchResult{}, fmt.Errorf("akshare_announcement adapter: %s: all api_candidates failed: %w", req.Candidate.SourceKey, lastErr)
	}

	root := gjson.ParseBytes(body)
	var records []standardize.RawRecord
	for _, item := range root.Get(recordsPath).Array() {
		rec, err := extractRecord(item, columnMap)
		if err != nil {
			return FetchResult{}, fmt.Errorf("akshare_announcement adapter: %s: %w", req.Candidate.SourceKey, err)
		}
		if rec.Symbol == "" {
			rec.Symbol = symbol
		}
		records = append(records, rec)
	}

	nextCursor := req.Cursor
	if len(records) > 0 {
		nextCursor = records[len(records)-1].PublishTime.Format("2006-01-02")
	}

	return FetchResult{Records: records, NextCursor: nextCursor}, nil
}

func (a *AkshareAnnouncementAdapter) get(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
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
