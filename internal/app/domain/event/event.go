// Package event defines the shared data model for announcement/news sources
// and the normalized events derived from them.
package event

import "time"

// Polarity is the directional sentiment a standardized event carries.
type Polarity string

const (
	PolarityPositive Polarity = "POSITIVE"
	PolarityNegative Polarity = "NEGATIVE"
	PolarityNeutral  Polarity = "NEUTRAL"
)

// SourceType classifies the provenance of an EventSource.
type SourceType string

const (
	SourceTypeManual       SourceType = "MANUAL"
	SourceTypeAnnouncement SourceType = "ANNOUNCEMENT"
	SourceTypeNews         SourceType = "NEWS"
	SourceTypeModel        SourceType = "MODEL"
)

// Source is a registered upstream of announcements/news/model output.
type Source struct {
	SourceName          string
	SourceType          SourceType
	Provider            string
	Timezone            string
	IngestionLagMinutes int
	ReliabilityScore    float64
	CreatedBy           string
	Note                string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RegisterSourceRequest is the input to registering or updating a source.
type RegisterSourceRequest struct {
	SourceName          string
	SourceType          SourceType
	Provider            string
	Timezone            string
	IngestionLagMinutes int
	ReliabilityScore    float64
	CreatedBy           string
	Note                string
}

// Record is a normalized, persisted event derived from a raw announcement.
type Record struct {
	ID            int64
	SourceName    string
	EventID       string
	Symbol        string
	EventType     string
	PublishTime   time.Time
	EffectiveTime *time.Time
	Polarity      Polarity
	Score         float64
	Confidence    float64
	Title         string
	Summary       string
	RawRef        string
	Tags          []string
	Metadata      map[string]any
}

// Validate checks the record invariants from the data model (§3): effective
// time, when present, may never precede publish time.
func (r Record) Validate() error {
	if r.EffectiveTime != nil && r.EffectiveTime.Before(r.PublishTime) {
		return errInvalidEffectiveTime
	}
	return nil
}

var errInvalidEffectiveTime = recordError("effective_time must not precede publish_time")

type recordError string

func (e recordError) Error() string { return string(e) }

// ListFilter narrows list_events queries.
type ListFilter struct {
	Symbol     string
	SourceName string
	EventType  string
	Start      *time.Time
	End        *time.Time
	Limit      int
}

// IngestResult reports the outcome of ingesting a batch of records.
type IngestResult struct {
	Inserted int
	Updated  int
	Errors   []IngestRowError
}

// IngestRowError associates a batch-row index with the failure it produced,
// matching the "idx=N: message" convention callers key replay logic off.
type IngestRowError struct {
	Index   int
	Message string
}
