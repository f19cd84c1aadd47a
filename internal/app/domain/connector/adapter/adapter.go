// Package adapter implements the per-source-type fetch adapters described in
// SPEC_FULL.md §4.3. Each adapter turns one configured source candidate into
// a batch of standardize.RawRecord values. The network adapters wrap their
// requests in retry and circuit breaking; failover across candidates is
// applied by the caller, not the adapter itself.
package adapter

import (
	"context"
	"fmt"

	"github.com/cn-equity-research/eventgov/internal/app/domain/connector"
	"github.com/cn-equity-research/eventgov/internal/app/domain/event/standardize"
)

// FetchRequest carries everything an adapter needs for one attempt.
type FetchRequest struct {
	ConnectorName string
	Candidate     connector.SourceCandidate
	Cursor        string
	FetchLimit    int
	Credential    string // credential alias selected by rotation, passed as-is, if any
}

// FetchResult is the outcome of one adapter attempt.
type FetchResult struct {
	Records    []standardize.RawRecord
	NextCursor string
}

// Adapter fetches raw records from one source type.
type Adapter interface {
	Type() connector.Type
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Registry resolves a connector.Type to its Adapter implementation.
type Registry struct {
	adapters map[connector.Type]Adapter
}

// NewRegistry builds a Registry from the given adapters, keyed by their own
// Type().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[connector.Type]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

// Resolve returns the adapter registered for typ, or an error if none is
// registered.
func (r *Registry) Resolve(typ connector.Type) (Adapter, error) {
	a, ok := r.adapters[typ]
	if !ok {
		return nil, fmt.Errorf("adapter: no adapter registered for connector type %q", typ)
	}
	return a, nil
}

// configString reads a string option from a candidate's Config map, falling
// back to defaultValue when absent or of the wrong type.
func configString(cfg map[string]any, key, defaultValue string) string {
	if cfg == nil {
		return defaultValue
	}
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultValue
}

func configStringSlice(cfg map[string]any, key string) []string {
	if cfg == nil {
		return nil
	}
	raw, ok := cfg[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func configStringMap(cfg map[string]any, key string) map[string]string {
	if cfg == nil {
		return nil
	}
	raw, ok := cfg[key]
	if !ok {
		return nil
	}
	out := map[string]string{}
	switch v := raw.(type) {
	case map[string]string:
		return v
	case map[string]any:
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
