package slides

import (
	"fmt"
	"strings"
)

// Modification actions accepted at outline approval.
const (
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionModify  = "modify"
	ActionReorder = "reorder"
)

// Modification is one user edit to a skeleton. Pointer fields distinguish
// "not provided" from zero values for modify.
type Modification struct {
	Action        string       `json:"action"`
	Order         *int         `json:"order,omitempty"`
	NewOrder      []int        `json:"new_order,omitempty"`
	Title         *string      `json:"title,omitempty"`
	Description   *string      `json:"description,omitempty"`
	ContentType   *ContentType `json:"content_type,omitempty"`
	NeedsDiagram  *bool        `json:"needs_diagram,omitempty"`
	NeedsEquation *bool        `json:"needs_equation,omitempty"`
	NeedsCitation *bool        `json:"needs_citation,omitempty"`
	NeedsImage    *bool        `json:"needs_image,omitempty"`
}

// ValidateModifications rejects unknown actions and malformed payloads before anything is applied.
func ValidateModifications(mods []Modification) error {
	for i, m := range mods {
		switch m.Action {
		case ActionAdd:
			if m.ContentType != nil && !m.ContentType.Valid() {
				return fmt.Errorf("modification %d: unknown content_type %q", i, *m.ContentType)
			}
		case ActionRemove, ActionModify:
			if m.Order == nil {
				return fmt.Errorf("modification %d: %s requires order", i, m.Action)
			}
			if m.ContentType != nil && !m.ContentType.Valid() {
				return fmt.Errorf("modification %d: unknown content_type %q", i, *m.ContentType)
			}
		case ActionReorder:
			if len(m.NewOrder) == 0 {
				return fmt.Errorf("modification %d: reorder requires new_order", i)
			}
		default:
			return fmt.Errorf("modification %d: unknown action %q", i, m.Action)
		}
	}
	return nil
}

// ApplyModifications applies mods in array order to a copy of slides and renumbers 1..N.
//
// add appends; its order (default N+1) only matters to later mods in the batch.
// remove drops every slide with the matching order. modify patches the first match.
// reorder places the listed orders first, in the listed sequence; unlisted slides
// follow in their previous relative order. Unmatched orders are no-ops.
func ApplyModifications(in []SkeletonSlide, mods []Modification) ([]SkeletonSlide, error) {
	if err := ValidateModifications(mods); err != nil {
		return nil, err
	}

	out := append([]SkeletonSlide(nil), in...)
	for _, m := range mods {
		switch m.Action {
		case ActionAdd:
			out = addSlide(out, m)
		case ActionRemove:
			kept := out[:0:0]
			for _, s := range out {
				if s.Order != *m.Order {
					kept = append(kept, s)
				}
			}
			out = kept
		case ActionModify:
			for i := range out {
				if out[i].Order == *m.Order {
					patchSlide(&out[i], m)
					break
				}
			}
		case ActionReorder:
			out = reorder(out, m.NewOrder)
		}
	}

	Renumber(out)
	return out, nil
}

func addSlide(out []SkeletonSlide, m Modification) []SkeletonSlide {
	slide := SkeletonSlide{
		Title:       "New Slide",
		ContentType: ContentContent,
	}
	patchSlide(&slide, m)

	slide.Order = len(out) + 1
	if m.Order != nil {
		slide.Order = *m.Order
	}
	return append(out, slide)
}

func patchSlide(s *SkeletonSlide, m Modification) {
	if m.Title != nil {
		s.Title = *m.Title
	}
	if m.Description != nil {
		s.Description = *m.Description
	}
	if m.ContentType != nil {
		s.ContentType = *m.ContentType
	}
	if m.NeedsDiagram != nil {
		s.NeedsDiagram = *m.NeedsDiagram
	}
	if m.NeedsEquation != nil {
		s.NeedsEquation = *m.NeedsEquation
	}
	if m.NeedsCitation != nil {
		s.NeedsCitation = *m.NeedsCitation
	}
	if m.NeedsImage != nil {
		s.NeedsImage = *m.NeedsImage
	}
}

func reorder(in []SkeletonSlide, newOrder []int) []SkeletonSlide {
	used := make([]bool, len(in))
	out := make([]SkeletonSlide, 0, len(in))

	for _, order := range newOrder {
		for i := range in {
			if !used[i] && in[i].Order == order {
				used[i] = true
				out = append(out, in[i])
				break
			}
		}
	}
	for i := range in {
		if !used[i] {
			out = append(out, in[i])
		}
	}
	return out
}

// Renumber assigns Order = position+1.
func Renumber(s []SkeletonSlide) {
	for i := range s {
		s[i].Order = i + 1
	}
}

// IsContiguous reports whether orders are exactly 1..N in sequence.
func IsContiguous(s []SkeletonSlide) bool {
	for i := range s {
		if s[i].Order != i+1 {
			return false
		}
	}
	return true
}

// BuildSkeleton derives an outline without a model call: a title slide, an overview
// when there is room, content slides from the topics, and a conclusion. The result
// always has exactly form.TargetSlides slides.
func BuildSkeleton(form *OrderForm, kb *KnowledgeBase) *Skeleton {
	target := form.TargetSlides
	if target < MinSlides {
		target = MinSlides
	}

	title := form.Title
	if title == "" {
		title = DefaultTitle
	}

	topics := append([]string(nil), form.Topics()...)
	if kb != nil {
		for _, sec := range kb.Sections {
			topics = append(topics, sec.Title)
		}
	}
	if len(topics) == 0 {
		topics = []string{title}
	}

	sl := []SkeletonSlide{{
		Title:       title,
		ContentType: ContentTitle,
		Description: fmt.Sprintf("Title slide for %s", title),
	}}

	contentSlots := target - 2
	if target >= 5 {
		sl = append(sl, SkeletonSlide{
			Title:       "Overview",
			ContentType: ContentOverview,
			Description: "Roadmap of the topics covered",
		})
		contentSlots--
	}

	for i := 0; i < contentSlots; i++ {
		topic := topics[i%len(topics)]
		slideTitle := topic
		if pass := i / len(topics); pass > 0 {
			slideTitle = fmt.Sprintf("%s (Part %d)", topic, pass+1)
		}
		desc := fmt.Sprintf("Content slide covering %s", topic)
		if isFocus(topic, form.FocusAreas) {
			desc = "[FOCUS] " + desc
		}
		sl = append(sl, SkeletonSlide{
			Title:         slideTitle,
			ContentType:   ContentContent,
			Description:   desc,
			NeedsCitation: true,
		})
	}

	sl = append(sl, SkeletonSlide{
		Title:       "Conclusion",
		ContentType: ContentConclusion,
		Description: "Summary and key takeaways",
	})
	Renumber(sl)

	return &Skeleton{
		Title:          title,
		TargetAudience: form.TargetAudience,
		NarrativeArc:   fmt.Sprintf("From introduction to %s conclusion", form.Tone),
		Slides:         sl,
	}
}

func isFocus(topic string, focus []string) bool {
	t := strings.ToLower(topic)
	for _, f := range focus {
		if f != "" && strings.Contains(t, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
