package slidehtml

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/slides"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer()
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestRenderSlideLayouts(t *testing.T) {
	r := newTestRenderer(t)

	tests := []struct {
		slide    slides.RefinedSlide
		template string
		contains []string
	}{
		{
			slide:    slides.RefinedSlide{Order: 1, Title: "Graphs", ContentType: slides.ContentTitle, BulletPoints: []string{"An introduction"}},
			template: `data-template="title"`,
			contains: []string{"<h1 class=\"main-title\">Graphs</h1>", "An introduction", "March 2026"},
		},
		{
			slide:    slides.RefinedSlide{Order: 2, Title: "Why <graphs>?", ContentType: slides.ContentContent, BulletPoints: []string{"a & b"}},
			template: `data-template="content"`,
			contains: []string{"Why &lt;graphs&gt;?", "<li>a &amp; b</li>"},
		},
		{
			slide: slides.RefinedSlide{Order: 3, Title: "Euler", ContentType: slides.ContentEquation,
				Equations: []slides.RenderedAsset{{Kind: slides.AssetLatex, Source: "V-E+F=2", Output: "<svg><g/></svg>"}}},
			template: `data-template="equation"`,
			contains: []string{"<svg><g/></svg>", `class="asset asset-latex"`},
		},
		{
			slide: slides.RefinedSlide{Order: 4, Title: "Flow", ContentType: slides.ContentContent,
				Diagrams: []slides.RenderedAsset{{Kind: slides.AssetMermaid, Source: "graph TD; A-->B", Error: "bad"}}},
			template: `data-template="visual"`,
			contains: []string{`<pre class="asset-source">graph TD; A--&gt;B</pre>`},
		},
		{
			slide:    slides.RefinedSlide{Order: 5, Title: "Compare", ContentType: slides.ContentTwoColumn, BulletPoints: []string{"l1", "l2", "r1"}},
			template: `data-template="two_column"`,
			contains: []string{"<li>l1</li><li>l2</li></ul></div>", "<li>r1</li>"},
		},
		{
			slide: slides.RefinedSlide{Order: 6, Title: "Wrap up", ContentType: slides.ContentConclusion, BulletPoints: []string{"done"},
				FormattedCitations: []string{"Euler, L. (1736)."}},
			template: `data-template="conclusion"`,
			contains: []string{"Questions?", `<footer class="citations"><ol><li>Euler, L. (1736).</li></ol></footer>`},
		},
	}
	for _, tt := range tests {
		out, err := r.RenderSlide(&tt.slide)
		require.NoError(t, err)
		assert.Contains(t, out, tt.template, tt.slide.Title)
		assert.Contains(t, out, `data-slide-id="`+string(rune('0'+tt.slide.Order))+`"`)
		for _, c := range tt.contains {
			assert.Contains(t, out, c, tt.slide.Title)
		}
	}
}

func TestDeckUsesTheme(t *testing.T) {
	r := newTestRenderer(t)
	frag, err := r.RenderSlide(&slides.RefinedSlide{Order: 1, Title: "Only", ContentType: slides.ContentContent})
	require.NoError(t, err)

	deck, err := r.Deck(&slides.GeneratedPresentation{
		Title:   "Deck",
		ThemeID: "dark",
		Slides:  []slides.GeneratedSlide{{Order: 1, HTML: frag}},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(deck, "<!DOCTYPE html>"))
	assert.Contains(t, deck, "--color-background: #0b1120;")
	assert.Contains(t, deck, `<body class="theme-dark">`)
	assert.Contains(t, deck, frag)

	doc, err := r.Document("x", "no-such-theme")
	require.NoError(t, err)
	assert.Contains(t, doc, `theme-modern`)
}

func TestThemesCoverOrderFormValues(t *testing.T) {
	for _, id := range slides.Themes {
		assert.Equal(t, id, ThemeFor(id).ID)
	}
}
