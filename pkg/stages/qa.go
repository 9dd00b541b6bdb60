package stages

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/Kevin-nav/sankosides/pkg/agent/llm"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

// Heuristic penalties.
const (
	maxBullets        = 7
	maxBulletWords    = 20
	penaltyNoTitle    = 40
	penaltyCrowded    = 10
	penaltyLongBullet = 5
	penaltyAsset      = 15
	maxLongBullets    = 4
)

type qaVerdict struct {
	Score  *float64 `json:"score"`
	Issues []string `json:"issues"`
}

// GradeSlide scores one generated slide from 0 to 100. With a capturer the
// rendered screenshot is attached to the model call; capture failures only
// drop the attachment.
func (p *Pipeline) GradeSlide(ctx context.Context, env Env, form *slides.OrderForm,
	rs *slides.RefinedSlide, gs *slides.GeneratedSlide,
) (slides.QAResult, error) {
	if p.clients == nil {
		return HeuristicGrade(rs, gs), nil
	}

	var attachments []llm.Attachment
	if p.capturer != nil {
		if png, err := p.screenshot(ctx, form, gs); err != nil {
			p.logger.Session(env.SessionID).Warn("Slide %d screenshot failed, grading from HTML only: %v", gs.Order, err)
		} else {
			attachments = append(attachments, llm.Attachment{
				MIMEType: "image/png",
				Data:     png,
				Name:     fmt.Sprintf("slide-%d.png", gs.Order),
			})
		}
	}

	result := slides.QAResult{Order: gs.Order}
	data := &PromptData{Form: form, Slide: rs, Baseline: gs.HTML, HasScreenshot: len(attachments) > 0}
	err := p.call(ctx, env, VisualQA, data, attachments, func(raw string) error {
		var v qaVerdict
		if err := decodeJSON(VisualQA, raw, &v); err != nil {
			return err
		}
		if v.Score == nil {
			return missing(VisualQA, raw, "verdict has no score")
		}
		if *v.Score < 0 || *v.Score > 100 {
			return fmt.Errorf("score %v outside [0,100]", *v.Score)
		}
		result.Score, result.Issues = *v.Score, v.Issues
		return nil
	})
	if err != nil {
		return slides.QAResult{}, err
	}
	return result, nil
}

func (p *Pipeline) screenshot(ctx context.Context, form *slides.OrderForm, gs *slides.GeneratedSlide) ([]byte, error) {
	doc, err := p.html.Document(gs.Title, form.ThemeID, gs.HTML)
	if err != nil {
		return nil, err
	}
	return p.capturer.Capture(ctx, doc)
}

// HeuristicGrade scores a slide from its markup alone: missing title, crowding,
// overlong bullets and assets that fell back to source text cost points.
func HeuristicGrade(rs *slides.RefinedSlide, gs *slides.GeneratedSlide) slides.QAResult {
	res := slides.QAResult{Order: gs.Order, Score: 100}
	root, err := parseSlide(gs.HTML)
	if err != nil {
		return slides.QAResult{Order: gs.Order, Score: 0, Issues: []string{"slide markup is not a slide element"}}
	}
	penalize := func(points int, issue string) {
		res.Score -= float64(points)
		res.Issues = append(res.Issues, issue)
	}

	if !strings.Contains(normalize(textOf(root)), normalize(rs.Title)) {
		penalize(penaltyNoTitle, "slide title is missing")
	}

	items := elements(root, func(n *html.Node) bool { return n.Data == "li" && !insideFooter(n) })
	if len(items) > maxBullets {
		penalize(penaltyCrowded, fmt.Sprintf("too many bullet points (%d); condense to %d or fewer", len(items), maxBullets))
	}
	long := 0
	for _, li := range items {
		if len(strings.Fields(textOf(li))) > maxBulletWords && long < maxLongBullets {
			long++
			penalize(penaltyLongBullet, fmt.Sprintf("bullet exceeds %d words: %q", maxBulletWords, truncate(textOf(li), 40)))
		}
	}

	for _, pre := range elements(root, func(n *html.Node) bool { return hasClass(n, "asset-source") }) {
		penalize(penaltyAsset, fmt.Sprintf("asset failed to render and shows source: %q", truncate(textOf(pre), 40)))
	}

	if res.Score < 0 {
		res.Score = 0
	}
	return res
}

// insideFooter reports whether n sits in a citation footer; citations are not bullets.
func insideFooter(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Data == "footer" {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
