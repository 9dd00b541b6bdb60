package slides

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	MinSlides     = 3
	MaxSlides     = 50
	DefaultSlides = 10

	DefaultTheme    = "modern"
	DefaultTitle    = "Untitled Presentation"
	DefaultAudience = "General audience"
)

const (
	ResearchStandard = "standard"
	ResearchDeep     = "deep_research"
)

// Closed value sets for OrderForm enums. The first entry is the default.
//
//nolint:gochecknoglobals // read-only enum tables
var (
	CitationStyles       = []string{"apa", "ieee", "harvard", "chicago"}
	Tones                = []string{"academic", "casual", "technical", "persuasive"}
	EmphasisStyles       = []string{"detailed", "concise", "visual-heavy"}
	ReferencesPlacements = []string{"distributed", "last_slide"}
	Themes               = []string{"modern", "dark", "minimal", "academic"}
	ResearchModes        = []string{ResearchStandard, ResearchDeep}
)

// ErrOrderFormIncomplete marks an order form missing required fields.
var ErrOrderFormIncomplete = errors.New("order form incomplete")

// OrderForm is the confirmed requirements contract consumed by every stage.
type OrderForm struct {
	Title               string   `json:"title"`
	ThemeID             string   `json:"theme_id"`
	CitationStyle       string   `json:"citation_style"`
	Tone                string   `json:"tone"`
	TargetAudience      string   `json:"target_audience"`
	TargetSlides        int      `json:"target_slides"`
	EmphasisStyle       string   `json:"emphasis_style"`
	ReferencesPlacement string   `json:"references_placement"`
	IncludeSpeakerNotes bool     `json:"include_speaker_notes"`
	FocusAreas          []string `json:"focus_areas,omitempty"`
	KeyTopics           []string `json:"key_topics,omitempty"`
	SpecialRequests     string   `json:"special_requests,omitempty"`
	ResearchMode        string   `json:"research_mode,omitempty"`
	IsComplete          bool     `json:"is_complete"`
}

// NewOrderForm returns a form populated with defaults.
func NewOrderForm() OrderForm {
	return OrderForm{
		ThemeID:             DefaultTheme,
		CitationStyle:       CitationStyles[0],
		Tone:                Tones[0],
		TargetSlides:        DefaultSlides,
		EmphasisStyle:       EmphasisStyles[0],
		ReferencesPlacement: ReferencesPlacements[0],
		IncludeSpeakerNotes: true,
		ResearchMode:        ResearchStandard,
	}
}

// UnmarshalJSON decodes over a defaulted form so omitted fields keep their defaults.
func (o *OrderForm) UnmarshalJSON(data []byte) error {
	type plain OrderForm
	form := plain(NewOrderForm())
	if err := json.Unmarshal(data, &form); err != nil {
		return err
	}
	*o = OrderForm(form)
	return nil
}

func oneOf(v string, set []string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, s := range set {
		if v == s {
			return v
		}
	}
	return set[0]
}

// Normalize clamps target_slides into [3,50] and resets out-of-set enum values to defaults.
func (o *OrderForm) Normalize() {
	o.Title = strings.TrimSpace(o.Title)
	o.TargetAudience = strings.TrimSpace(o.TargetAudience)

	switch {
	case o.TargetSlides == 0:
		o.TargetSlides = DefaultSlides
	case o.TargetSlides < MinSlides:
		o.TargetSlides = MinSlides
	case o.TargetSlides > MaxSlides:
		o.TargetSlides = MaxSlides
	}

	o.CitationStyle = oneOf(o.CitationStyle, CitationStyles)
	o.Tone = oneOf(o.Tone, Tones)
	o.EmphasisStyle = oneOf(o.EmphasisStyle, EmphasisStyles)
	o.ReferencesPlacement = oneOf(o.ReferencesPlacement, ReferencesPlacements)
	o.ResearchMode = oneOf(o.ResearchMode, ResearchModes)
	o.ThemeID = oneOf(o.ThemeID, Themes)
}

// Validate reports missing required fields wrapped in ErrOrderFormIncomplete.
func (o *OrderForm) Validate() error {
	var missing []string
	if o.Title == "" {
		missing = append(missing, "title")
	}
	if o.TargetAudience == "" {
		missing = append(missing, "target_audience")
	}
	if o.TargetSlides < MinSlides || o.TargetSlides > MaxSlides {
		missing = append(missing, fmt.Sprintf("target_slides in [%d,%d]", MinSlides, MaxSlides))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrOrderFormIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// Topics returns key topics, falling back to focus areas.
func (o *OrderForm) Topics() []string {
	if len(o.KeyTopics) > 0 {
		return o.KeyTopics
	}
	return o.FocusAreas
}
