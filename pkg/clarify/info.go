// Package clarify turns free-text user turns into structured presentation requirements.
package clarify

import (
	"fmt"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// GatheredInfo accumulates requirements across clarification turns.
// A Has* flag is true iff its value was extracted or, where one exists,
// the matching AgentDecides* override is set.
type GatheredInfo struct {
	Title          string   `json:"title,omitempty"`
	HasTitle       bool     `json:"has_title"`
	TargetAudience string   `json:"target_audience,omitempty"`
	HasAudience    bool     `json:"has_audience"`
	SlideCount     int      `json:"slide_count,omitempty"`
	HasSlideCount  bool     `json:"has_slide_count"`
	FocusAreas     []string `json:"focus_areas,omitempty"`
	HasFocusAreas  bool     `json:"has_focus_areas"`

	EmphasisStyle          string `json:"emphasis_style,omitempty"`
	HasEmphasisStyle       bool   `json:"has_emphasis_style"`
	Tone                   string `json:"tone,omitempty"`
	HasTone                bool   `json:"has_tone"`
	CitationStyle          string `json:"citation_style,omitempty"`
	HasCitationStyle       bool   `json:"has_citation_style"`
	ReferencesPlacement    string `json:"references_placement,omitempty"`
	HasReferencesPlacement bool   `json:"has_references_placement"`
	ThemeID                string `json:"theme_id,omitempty"`
	HasTheme               bool   `json:"has_theme"`
	IncludeSpeakerNotes    *bool  `json:"include_speaker_notes,omitempty"`
	HasSpeakerNotesPref    bool   `json:"has_speaker_notes_pref"`
	SpecialRequests        string `json:"special_requests,omitempty"`
	HasSpecialRequests     bool   `json:"has_special_requests"`

	AgentDecidesTitle    bool `json:"user_wants_agent_to_decide_title"`
	AgentDecidesTheme    bool `json:"user_wants_agent_to_decide_theme"`
	AgentDecidesCitation bool `json:"user_wants_agent_to_decide_citation"`

	ConfirmationSent bool `json:"confirmation_sent"`
	UserConfirmed    bool `json:"user_confirmed"`
}

// syncFlags recomputes every Has* flag from its value and override.
func (g *GatheredInfo) syncFlags() {
	g.HasTitle = g.Title != "" || g.AgentDecidesTitle
	g.HasAudience = g.TargetAudience != ""
	g.HasSlideCount = g.SlideCount != 0
	g.HasFocusAreas = len(g.FocusAreas) > 0
	g.HasEmphasisStyle = g.EmphasisStyle != ""
	g.HasTone = g.Tone != ""
	g.HasCitationStyle = g.CitationStyle != "" || g.AgentDecidesCitation
	g.HasReferencesPlacement = g.ReferencesPlacement != ""
	g.HasTheme = g.ThemeID != "" || g.AgentDecidesTheme
	g.HasSpeakerNotesPref = g.IncludeSpeakerNotes != nil
	g.HasSpecialRequests = g.SpecialRequests != ""
}

func (g GatheredInfo) clone() GatheredInfo {
	out := g
	out.FocusAreas = append([]string(nil), g.FocusAreas...)
	if g.IncludeSpeakerNotes != nil {
		v := *g.IncludeSpeakerNotes
		out.IncludeSpeakerNotes = &v
	}
	return out
}

// MissingRequired lists the required slots not yet provided.
func (g *GatheredInfo) MissingRequired() []string {
	var missing []string
	if !g.HasTitle {
		missing = append(missing, "presentation title or topic")
	}
	if !g.HasAudience {
		missing = append(missing, "target audience")
	}
	if !g.HasSlideCount {
		missing = append(missing, "number of slides")
	}
	if !g.HasFocusAreas {
		missing = append(missing, "key focus areas or topics to cover")
	}
	return missing
}

// MissingOptional lists the optional slots that count toward confirmation readiness.
func (g *GatheredInfo) MissingOptional() []string {
	var missing []string
	if !g.HasEmphasisStyle {
		missing = append(missing, "emphasis style (detailed/concise/visual-heavy)")
	}
	if !g.HasTone {
		missing = append(missing, "tone (academic/casual/technical/persuasive)")
	}
	if !g.HasCitationStyle {
		missing = append(missing, "citation style (APA/IEEE/Harvard/Chicago)")
	}
	if !g.HasReferencesPlacement {
		missing = append(missing, "references placement (distributed/last slide)")
	}
	if !g.HasTheme {
		missing = append(missing, "theme preference")
	}
	return missing
}

func (g *GatheredInfo) IsCompleteEnough() bool {
	return g.HasTitle && g.HasAudience && g.HasSlideCount && g.HasFocusAreas
}

// IsReadyForConfirmation requires every required slot and at most two missing optional slots.
func (g *GatheredInfo) IsReadyForConfirmation() bool {
	return g.IsCompleteEnough() && len(g.MissingOptional()) <= 2
}

func (g *GatheredInfo) NeedsConfirmation() bool {
	return g.IsReadyForConfirmation() && !g.ConfirmationSent
}

func (g *GatheredInfo) IsFullyConfirmed() bool {
	return g.ConfirmationSent && g.UserConfirmed
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Summary renders the gathered requirements for a confirmation request.
func (g *GatheredInfo) Summary() string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "- **%s**: %s\n", label, value)
	}

	title := orDefault(g.Title, "(To be decided)")
	if g.AgentDecidesTitle && g.Title == "" {
		title = "(You will choose)"
	}
	line("Title/Topic", title)
	line("Target Audience", orDefault(g.TargetAudience, "(Not specified)"))
	if g.SlideCount > 0 {
		line("Number of Slides", fmt.Sprintf("%d", g.SlideCount))
	} else {
		line("Number of Slides", fmt.Sprintf("%d (default)", slides.DefaultSlides))
	}
	if len(g.FocusAreas) > 0 {
		line("Focus Areas", strings.Join(g.FocusAreas, ", "))
	} else {
		line("Focus Areas", "(To be decided)")
	}
	line("Emphasis Style", orDefault(g.EmphasisStyle, "detailed"))
	line("Tone", orDefault(g.Tone, "academic"))
	line("Citation Style", strings.ToUpper(orDefault(g.CitationStyle, "apa")))
	line("References", orDefault(g.ReferencesPlacement, "last_slide"))

	theme := orDefault(g.ThemeID, "(To be decided)")
	if g.AgentDecidesTheme && g.ThemeID == "" {
		theme = "(Auto)"
	}
	line("Theme", theme)

	notes := "Yes"
	if g.IncludeSpeakerNotes != nil && !*g.IncludeSpeakerNotes {
		notes = "No"
	}
	line("Speaker Notes", notes)
	if g.SpecialRequests != "" {
		line("Special Requests", g.SpecialRequests)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ToOrderForm builds a normalized OrderForm, defaulting whatever was not gathered.
// IsComplete is left for the caller to set once the form is accepted.
func (g *GatheredInfo) ToOrderForm() slides.OrderForm {
	form := slides.NewOrderForm()
	form.Title = orDefault(g.Title, slides.DefaultTitle)
	form.TargetAudience = orDefault(g.TargetAudience, slides.DefaultAudience)
	if g.SlideCount > 0 {
		form.TargetSlides = g.SlideCount
	}
	form.FocusAreas = append([]string(nil), g.FocusAreas...)
	form.EmphasisStyle = orDefault(g.EmphasisStyle, form.EmphasisStyle)
	form.Tone = orDefault(g.Tone, form.Tone)
	form.CitationStyle = orDefault(g.CitationStyle, form.CitationStyle)
	form.ReferencesPlacement = orDefault(g.ReferencesPlacement, "last_slide")
	form.ThemeID = orDefault(g.ThemeID, form.ThemeID)
	if g.IncludeSpeakerNotes != nil {
		form.IncludeSpeakerNotes = *g.IncludeSpeakerNotes
	}
	form.SpecialRequests = g.SpecialRequests
	form.Normalize()
	return form
}
