// Package slidehtml turns refined slides into themed HTML. Layout is picked from
// the slide's content type; rendered SVG assets are embedded verbatim and
// everything else is escaped.
package slidehtml

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/slides"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Renderer executes the embedded layout templates. It is safe for concurrent use.
type Renderer struct {
	tmpl *template.Template
	now  func() time.Time
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("slides").ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse slide templates: %w", err)
	}
	return &Renderer{tmpl: tmpl, now: time.Now}, nil
}

type assetView struct {
	Kind   slides.AssetKind
	Source string
	SVG    template.HTML
	Failed bool
}

type slideView struct {
	Order      int
	Title      string
	Subtitle   string
	Layout     string
	Bullets    []string
	Left       []string
	Right      []string
	Assets     []assetView
	ImageQuery string
	Citations  []string
	Date       string
}

// layoutFor maps a content type to a template name.
func layoutFor(s *slides.RefinedSlide) string {
	switch s.ContentType {
	case slides.ContentTitle:
		return "title"
	case slides.ContentSection:
		return "section"
	case slides.ContentQuote:
		return "quote"
	case slides.ContentConclusion:
		return "conclusion"
	case slides.ContentTwoColumn:
		return "two_column"
	case slides.ContentDiagram, slides.ContentEquation, slides.ContentImage:
		return "visual"
	}
	if len(s.Equations) > 0 || len(s.Diagrams) > 0 {
		return "visual"
	}
	return "content"
}

func (r *Renderer) view(s *slides.RefinedSlide) (string, slideView) {
	layout := layoutFor(s)
	v := slideView{
		Order:      s.Order,
		Title:      s.Title,
		Layout:     string(s.ContentType),
		Bullets:    s.BulletPoints,
		ImageQuery: s.ImageQuery,
		Citations:  s.FormattedCitations,
		Date:       r.now().Format("January 2006"),
	}
	if len(s.BulletPoints) > 0 {
		v.Subtitle = s.BulletPoints[0]
	}
	if layout == "two_column" {
		half := (len(s.BulletPoints) + 1) / 2
		v.Left, v.Right = s.BulletPoints[:half], s.BulletPoints[half:]
	}
	if layout == "visual" {
		switch s.ContentType {
		case slides.ContentDiagram, slides.ContentEquation, slides.ContentImage:
		default:
			v.Layout = "visual"
		}
	}
	for _, group := range [][]slides.RenderedAsset{s.Equations, s.Diagrams} {
		for _, a := range group {
			v.Assets = append(v.Assets, assetView{
				Kind:   a.Kind,
				Source: a.Source,
				SVG:    template.HTML(a.Output), //nolint:gosec // render service output
				Failed: a.Failed() || a.Output == "",
			})
		}
	}
	return layout, v
}

// RenderSlide renders one slide as an HTML fragment.
func (r *Renderer) RenderSlide(s *slides.RefinedSlide) (string, error) {
	layout, v := r.view(s)
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, layout, v); err != nil {
		return "", fmt.Errorf("failed to render slide %d: %w", s.Order, err)
	}
	return buf.String(), nil
}

type documentView struct {
	Title   string
	ThemeID string
	CSS     template.CSS
	Slides  []template.HTML
}

// Document wraps slide fragments in a complete themed HTML document.
// Fragments must come from RenderSlide or another trusted source.
func (r *Renderer) Document(title, themeID string, fragments ...string) (string, error) {
	theme := ThemeFor(themeID)
	v := documentView{Title: title, ThemeID: theme.ID, CSS: theme.CSS()}
	for _, f := range fragments {
		v.Slides = append(v.Slides, template.HTML(f)) //nolint:gosec // trusted fragments
	}
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, "document", v); err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return buf.String(), nil
}

// Deck renders the full presentation document from its generated slides, in order.
func (r *Renderer) Deck(p *slides.GeneratedPresentation) (string, error) {
	fragments := make([]string, 0, len(p.Slides))
	for i := range p.Slides {
		fragments = append(fragments, p.Slides[i].HTML)
	}
	return r.Document(p.Title, p.ThemeID, fragments...)
}
