package slides

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderFormUnmarshalKeepsDefaults(t *testing.T) {
	var form OrderForm
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Quantum Computing","target_audience":"engineers"}`), &form))

	assert.Equal(t, "Quantum Computing", form.Title)
	assert.Equal(t, DefaultTheme, form.ThemeID)
	assert.Equal(t, "apa", form.CitationStyle)
	assert.Equal(t, DefaultSlides, form.TargetSlides)
	assert.True(t, form.IncludeSpeakerNotes)

	require.NoError(t, json.Unmarshal([]byte(`{"include_speaker_notes":false}`), &form))
	assert.False(t, form.IncludeSpeakerNotes)
}

func TestOrderFormNormalize(t *testing.T) {
	tests := []struct {
		name   string
		in     OrderForm
		slides int
		tone   string
		theme  string
	}{
		{"zero slides default", OrderForm{}, DefaultSlides, "academic", "modern"},
		{"clamp low", OrderForm{TargetSlides: 1}, MinSlides, "academic", "modern"},
		{"clamp high", OrderForm{TargetSlides: 200}, MaxSlides, "academic", "modern"},
		{"valid kept", OrderForm{TargetSlides: 12, Tone: "Technical", ThemeID: "dark"}, 12, "technical", "dark"},
		{"unknown enum defaulted", OrderForm{TargetSlides: 8, Tone: "angry", ThemeID: "neon"}, 8, "academic", "modern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := tt.in
			form.Normalize()
			assert.Equal(t, tt.slides, form.TargetSlides)
			assert.Equal(t, tt.tone, form.Tone)
			assert.Equal(t, tt.theme, form.ThemeID)
			assert.Contains(t, CitationStyles, form.CitationStyle)
			assert.Contains(t, EmphasisStyles, form.EmphasisStyle)
			assert.Contains(t, ReferencesPlacements, form.ReferencesPlacement)
		})
	}
}

func TestOrderFormValidate(t *testing.T) {
	form := NewOrderForm()
	err := form.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderFormIncomplete))
	assert.Contains(t, err.Error(), "title")

	form.Title = "Topic"
	form.TargetAudience = "students"
	assert.NoError(t, form.Validate())
}

func TestQAReport(t *testing.T) {
	report := NewQAReport([]QAResult{
		{Order: 2, Score: 90, Issues: []string{"overflow"}},
		{Order: 1, Score: 120},
	}, 1, DefaultQAThreshold)

	require.Len(t, report.Results, 2)
	assert.Equal(t, 1, report.Results[0].Order)
	assert.Equal(t, 100.0, report.Results[0].Score)
	assert.True(t, report.Results[0].Passed)
	assert.False(t, report.AllPassed)
	assert.InDelta(t, 95.0, report.AverageScore, 1e-9)
	assert.True(t, report.Meets())

	failing := report.Failing()
	require.Len(t, failing, 1)
	assert.Equal(t, 2, failing[0].Order)

	empty := NewQAReport(nil, 1, DefaultQAThreshold)
	assert.Zero(t, empty.AverageScore)
	assert.False(t, empty.Meets())
}

func TestRefinedContentCountAssets(t *testing.T) {
	rc := RefinedContent{Slides: []RefinedSlide{
		{Equations: []RenderedAsset{{Kind: AssetLatex, Output: "<svg/>"}}},
		{Diagrams: []RenderedAsset{{Kind: AssetMermaid, Error: "syntax"}, {Kind: AssetMermaid, Output: "<svg/>"}}},
	}}
	rc.CountAssets()
	assert.Equal(t, 2, rc.AssetsRendered)
	assert.Equal(t, 1, rc.AssetsFailed)
}
