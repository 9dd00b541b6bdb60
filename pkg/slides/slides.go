// Package slides holds the presentation records passed between pipeline stages.
//
// Each stage enriches the previous record:
//
//	Skeleton -> PlannedContent -> RefinedContent -> GeneratedPresentation
//
// A slide's Order (1-indexed) is its only stable identity across stages.
package slides

import "time"

// ContentType is the layout family of a slide.
type ContentType string

const (
	ContentTitle      ContentType = "title"
	ContentOverview   ContentType = "overview"
	ContentContent    ContentType = "content"
	ContentDiagram    ContentType = "diagram"
	ContentEquation   ContentType = "equation"
	ContentImage      ContentType = "image"
	ContentQuote      ContentType = "quote"
	ContentTwoColumn  ContentType = "two_column"
	ContentSection    ContentType = "section"
	ContentConclusion ContentType = "conclusion"
)

// Valid reports whether c is one of the known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentTitle, ContentOverview, ContentContent, ContentDiagram, ContentEquation,
		ContentImage, ContentQuote, ContentTwoColumn, ContentSection, ContentConclusion:
		return true
	}
	return false
}

type SkeletonSlide struct {
	Order               int         `json:"order"`
	Title               string      `json:"title"`
	Description         string      `json:"description"`
	ContentType         ContentType `json:"content_type"`
	NeedsDiagram        bool        `json:"needs_diagram"`
	NeedsEquation       bool        `json:"needs_equation"`
	NeedsCitation       bool        `json:"needs_citation"`
	NeedsImage          bool        `json:"needs_image"`
	DiagramDescription  string      `json:"diagram_description,omitempty"`
	EquationDescription string      `json:"equation_description,omitempty"`
	ImageDescription    string      `json:"image_description,omitempty"`
}

type Skeleton struct {
	Title          string          `json:"title"`
	TargetAudience string          `json:"target_audience"`
	NarrativeArc   string          `json:"narrative_arc,omitempty"`
	Slides         []SkeletonSlide `json:"slides"`
}

// Clone returns a deep copy.
func (s *Skeleton) Clone() *Skeleton {
	if s == nil {
		return nil
	}
	out := *s
	out.Slides = append([]SkeletonSlide(nil), s.Slides...)
	return &out
}

// Citation is a source the planner asked to cite.
type Citation struct {
	Title   string   `json:"title"`
	Authors []string `json:"authors,omitempty"`
	Year    string   `json:"year,omitempty"`
	Source  string   `json:"source,omitempty"`
	DOI     string   `json:"doi,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type PlannedSlide struct {
	Order                int         `json:"order"`
	Title                string      `json:"title"`
	ContentType          ContentType `json:"content_type"`
	BulletPoints         []string    `json:"bullet_points"`
	EquationPlaceholders []string    `json:"equations,omitempty"`
	DiagramPlaceholders  []string    `json:"diagrams,omitempty"`
	Citations            []Citation  `json:"citations,omitempty"`
	ImageQuery           string      `json:"image_query,omitempty"`
	SpeakerNotes         string      `json:"speaker_notes,omitempty"`
}

type PlannedContent struct {
	Title          string         `json:"title"`
	TargetAudience string         `json:"target_audience"`
	ThemeID        string         `json:"theme_id"`
	CitationStyle  string         `json:"citation_style"`
	Slides         []PlannedSlide `json:"slides"`
}

// AssetKind names a render-service endpoint.
type AssetKind string

const (
	AssetLatex    AssetKind = "latex"
	AssetMermaid  AssetKind = "mermaid"
	AssetCitation AssetKind = "citation"
)

// RenderedAsset is the render-service output for one source snippet.
// Error is set when rendering failed and the slide degrades to text.
type RenderedAsset struct {
	Kind   AssetKind `json:"kind"`
	Source string    `json:"source"`
	Output string    `json:"output,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func (a RenderedAsset) Failed() bool { return a.Error != "" }

type RefinedSlide struct {
	Order              int             `json:"order"`
	Title              string          `json:"title"`
	ContentType        ContentType     `json:"content_type"`
	BulletPoints       []string        `json:"bullet_points"`
	Equations          []RenderedAsset `json:"equations,omitempty"`
	Diagrams           []RenderedAsset `json:"diagrams,omitempty"`
	Citations          []Citation      `json:"citations,omitempty"`
	FormattedCitations []string        `json:"formatted_citations,omitempty"`
	ImageQuery         string          `json:"image_query,omitempty"`
	SpeakerNotes       string          `json:"speaker_notes,omitempty"`
}

type RefinedContent struct {
	Title          string         `json:"title"`
	TargetAudience string         `json:"target_audience"`
	ThemeID        string         `json:"theme_id"`
	CitationStyle  string         `json:"citation_style"`
	Slides         []RefinedSlide `json:"slides"`
	AssetsRendered int            `json:"assets_rendered"`
	AssetsFailed   int            `json:"assets_failed"`
}

// CountAssets recomputes AssetsRendered and AssetsFailed from the slides.
func (r *RefinedContent) CountAssets() {
	r.AssetsRendered, r.AssetsFailed = 0, 0
	for i := range r.Slides {
		for _, group := range [][]RenderedAsset{r.Slides[i].Equations, r.Slides[i].Diagrams} {
			for _, a := range group {
				if a.Failed() {
					r.AssetsFailed++
				} else {
					r.AssetsRendered++
				}
			}
		}
	}
}

type GeneratedSlide struct {
	Order        int    `json:"order"`
	Title        string `json:"title"`
	HTML         string `json:"html"`
	SpeakerNotes string `json:"speaker_notes,omitempty"`
}

type GeneratedPresentation struct {
	Title       string           `json:"title"`
	ThemeID     string           `json:"theme_id"`
	Slides      []GeneratedSlide `json:"slides"`
	HTML        string           `json:"html,omitempty"` // full deck document
	GeneratedAt time.Time        `json:"generated_at"`
}

// Slide returns the slide with the given order, or nil.
func (p *GeneratedPresentation) Slide(order int) *GeneratedSlide {
	for i := range p.Slides {
		if p.Slides[i].Order == order {
			return &p.Slides[i]
		}
	}
	return nil
}

// KnowledgeSection is one section extracted from an uploaded document.
type KnowledgeSection struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Visuals   []string `json:"visuals,omitempty"`
	PageRange string   `json:"page_range,omitempty"`
}

// KnowledgeBase is the structured digest of uploaded source documents.
type KnowledgeBase struct {
	Summary  string             `json:"summary"`
	Sections []KnowledgeSection `json:"sections"`
}

// Merge appends other's sections and joins summaries.
func (k *KnowledgeBase) Merge(other *KnowledgeBase) {
	if other == nil {
		return
	}
	switch {
	case k.Summary == "":
		k.Summary = other.Summary
	case other.Summary != "":
		k.Summary += "\n\n" + other.Summary
	}
	k.Sections = append(k.Sections, other.Sections...)
}
