package slidehtml

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// Slide canvas size in CSS pixels.
const (
	SlideWidth  = 1280
	SlideHeight = 720
)

// Theme is a color palette and font pairing.
type Theme struct {
	ID          string
	Name        string
	Primary     string
	Background  string
	Surface     string
	Text        string
	TextMuted   string
	HeadingFont string
	BodyFont    string
}

//nolint:gochecknoglobals // read-only theme registry
var themes = map[string]Theme{
	"modern": {
		ID: "modern", Name: "Modern",
		Primary: "#2563eb", Background: "#ffffff", Surface: "#f1f5f9", Text: "#0f172a", TextMuted: "#475569",
		HeadingFont: "'Inter', 'Helvetica Neue', sans-serif", BodyFont: "'Inter', 'Helvetica Neue', sans-serif",
	},
	"dark": {
		ID: "dark", Name: "Dark",
		Primary: "#38bdf8", Background: "#0b1120", Surface: "#1e293b", Text: "#e2e8f0", TextMuted: "#94a3b8",
		HeadingFont: "'Inter', sans-serif", BodyFont: "'Inter', sans-serif",
	},
	"minimal": {
		ID: "minimal", Name: "Minimal",
		Primary: "#111827", Background: "#fafafa", Surface: "#f3f4f6", Text: "#111827", TextMuted: "#6b7280",
		HeadingFont: "'Helvetica Neue', Arial, sans-serif", BodyFont: "'Helvetica Neue', Arial, sans-serif",
	},
	"academic": {
		ID: "academic", Name: "Academic",
		Primary: "#7f1d1d", Background: "#fffdf7", Surface: "#f5efe0", Text: "#1c1917", TextMuted: "#57534e",
		HeadingFont: "Georgia, 'Times New Roman', serif", BodyFont: "'Source Serif Pro', Georgia, serif",
	},
}

// ThemeFor returns the theme with the given id, falling back to the default theme.
func ThemeFor(id string) Theme {
	if t, ok := themes[id]; ok {
		return t
	}
	return themes[slides.DefaultTheme]
}

// CSS renders the theme variables and the shared layout rules.
func (t Theme) CSS() template.CSS {
	var b strings.Builder
	fmt.Fprintf(&b, ":root {\n  --color-primary: %s;\n  --color-background: %s;\n  --color-surface: %s;\n", t.Primary, t.Background, t.Surface)
	fmt.Fprintf(&b, "  --color-text-primary: %s;\n  --color-text-secondary: %s;\n", t.Text, t.TextMuted)
	fmt.Fprintf(&b, "  --font-heading: %s;\n  --font-body: %s;\n}\n", t.HeadingFont, t.BodyFont)
	fmt.Fprintf(&b, ".slide { width: %dpx; height: %dpx; }\n", SlideWidth, SlideHeight)
	b.WriteString(layoutCSS)
	return template.CSS(b.String()) //nolint:gosec // built from the static registry
}

const layoutCSS = `* { margin: 0; padding: 0; box-sizing: border-box; }
body { background: var(--color-surface); }
.slide { padding: 48px; margin: 24px auto; background: var(--color-background); color: var(--color-text-primary);
  font-family: var(--font-body); display: flex; flex-direction: column; overflow: hidden; page-break-after: always; }
.slide-title, .slide-section, .slide-quote { justify-content: center; text-align: center; }
.main-title, .section-title { font-family: var(--font-heading); font-size: 56px; color: var(--color-primary); }
.subtitle { font-size: 28px; color: var(--color-text-secondary); margin-top: 16px; }
.section-number { font-size: 72px; font-weight: bold; color: var(--color-primary); opacity: 0.3; }
.slide-title h2, .header-region h2 { font-family: var(--font-heading); font-size: 40px; color: var(--color-primary); margin-bottom: 32px; }
.content-region, .takeaways, .columns-container { flex: 1; }
.columns-container { display: flex; gap: 32px; }
.column { flex: 1; display: flex; flex-direction: column; justify-content: center; }
ul { list-style: none; }
li { font-size: 24px; line-height: 1.6; margin-bottom: 12px; padding-left: 24px; position: relative; }
li::before { content: '\2022'; color: var(--color-primary); position: absolute; left: 0; }
figure.asset { background: var(--color-surface); border-radius: 8px; padding: 16px; display: flex; justify-content: center; }
figure.asset svg { max-width: 100%; max-height: 420px; }
pre.asset-source { font-size: 18px; white-space: pre-wrap; }
blockquote { font-size: 36px; font-style: italic; border-left: 4px solid var(--color-primary); padding-left: 24px; }
.quote-attribution, .image-caption, .title-footer { color: var(--color-text-secondary); font-size: 18px; margin-top: 16px; }
.cta-region { background: var(--color-primary); color: var(--color-background); padding: 16px; border-radius: 8px; text-align: center; }
footer.citations { font-size: 14px; color: var(--color-text-secondary); }
footer.citations li { font-size: 14px; padding-left: 0; }
footer.citations li::before { content: none; }
`
