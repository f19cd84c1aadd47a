package standardize

import (
	"testing"
	"time"

	"github.com/cn-equity-research/eventgov/internal/app/domain/event"
	"github.com/cn-equity-research/eventgov/internal/app/domain/nlpgov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardizeMatchesEarningsBeatRule(t *testing.T) {
	raw := RawRecord{
		Symbol:      "000001.SZ",
		Title:       "业绩预增公告",
		Summary:     "公司预计净利润同比增长超预期",
		PublishTime: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
		URL:         "https://example.com/a",
	}

	result, err := Standardize("cninfo", raw, nlpgov.BuiltinRuleset(), 0.9)
	require.NoError(t, err)

	assert.Equal(t, "earnings_beat", result.Record.EventType)
	assert.Equal(t, event.PolarityPositive, result.Record.Polarity)
	assert.Greater(t, result.Record.Score, 0.0)
	assert.LessOrEqual(t, result.Record.Score, 1.0)
	assert.Contains(t, result.ScoreDetail.MatchedRules, "builtin-earnings-beat")
	assert.Empty(t, result.Warning)
}

func TestStandardizeFallsBackToGenericAnnouncement(t *testing.T) {
	raw := RawRecord{
		Symbol:      "600000.SH",
		Title:       "日常经营公告",
		Summary:     "公司发布日常经营信息更新",
		PublishTime: time.Now(),
	}

	result, err := Standardize("cninfo", raw, nlpgov.BuiltinRuleset(), 1.0)
	require.NoError(t, err)
	assert.Equal(t, "generic_announcement", result.Record.EventType)
	assert.Equal(t, event.PolarityNeutral, result.Record.Polarity)
	assert.NotEmpty(t, result.Warning)
}

func TestStandardizeRequiresSymbol(t *testing.T) {
	raw := RawRecord{
		Title:       "公告",
		PublishTime: time.Now(),
	}
	_, err := Standardize("cninfo", raw, nlpgov.BuiltinRuleset(), 1.0)
	require.Error(t, err)
}

func TestStandardizeRequiresPublishTime(t *testing.T) {
	raw := RawRecord{
		Symbol: "000001.SZ",
		Title:  "公告",
	}
	_, err := Standardize("cninfo", raw, nlpgov.BuiltinRuleset(), 1.0)
	require.Error(t, err)
}

func TestStandardizeSynthesizesEventIDWhenMissing(t *testing.T) {
	raw := RawRecord{
		Symbol:      "000001.SZ",
		Title:       "公告",
		Summary:     "内容",
		PublishTime: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		URL:         "https://example.com/x",
	}
	result, err := Standardize("cninfo", raw, nlpgov.BuiltinRuleset(), 1.0)
	require.NoError(t, err)
	assert.Contains(t, result.Record.EventID, "cninfo-")
	assert.Equal(t, true, result.Record.Metadata["synthetic_event_id"])
}

func TestStandardizeIsDeterministic(t *testing.T) {
	raw := RawRecord{
		Symbol:      "000001.SZ",
		Title:       "回购股份方案",
		Summary:     "公司拟回购股份用于员工持股计划",
		PublishTime: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	ruleset := nlpgov.BuiltinRuleset()

	first, err := Standardize("cninfo", raw, ruleset, 0.8)
	require.NoError(t, err)
	second, err := Standardize("cninfo", raw, ruleset, 0.8)
	require.NoError(t, err)

	assert.Equal(t, first.Record, second.Record)
}
