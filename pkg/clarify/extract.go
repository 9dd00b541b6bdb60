package clarify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type keywordRule struct {
	re    *regexp.Regexp
	value string
}

func rules(pairs ...string) []keywordRule {
	out := make([]keywordRule, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, keywordRule{re: regexp.MustCompile(pairs[i]), value: pairs[i+1]})
	}
	return out
}

func firstRule(rs []keywordRule, msg string) (string, bool) {
	for _, r := range rs {
		if r.re.MatchString(msg) {
			return r.value, true
		}
	}
	return "", false
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// DefaultConfirmationPhrases are matched against the lowercased, trimmed user message.
//
//nolint:gochecknoglobals // read-only pattern table
var DefaultConfirmationPhrases = []string{
	`^yes\b`,
	`^yeah\b`,
	`^yep\b`,
	`^correct\b`,
	`looks? (good|great|correct|right)`,
	`that('s| is) (correct|right|good)`,
	`^perfect\b`,
	`go ahead`,
	`finalize`,
	`sounds? (good|great|correct)`,
	`^lgtm\b`,
}

//nolint:gochecknoglobals // compiled once, read-only
var (
	delegatePatterns = compileAll([]string{
		`decide.*(yourself|for me|it yourself)`,
		`you (can |should )?(choose|pick|decide)`,
		`(pick|choose).*(yourself|for me)`,
		`up to you`,
		`your (choice|decision|call)`,
	})

	titleMention    = regexp.MustCompile(`\b(title|topic|name)\b`)
	themeMention    = regexp.MustCompile(`\b(theme|style|design|look)\b`)
	citationMention = regexp.MustCompile(`\b(citation|citations|reference|references|format)\b`)

	audienceRules = rules(
		`\bfellow students?\b`, "fellow students",
		`\b(university |college )?students?\b`, "university students",
		`\b(professors?|faculty|academics)\b`, "academics/professors",
		`\b(executives?|management|c-suite)\b`, "executives",
		`\b(business )?professionals?\b`, "business professionals",
		`\b(engineers?|developers?|technical)\b`, "technical professionals",
		`\bgeneral (public|audience)\b`, "general public",
		`\b(clients?|customers?)\b`, "clients",
		`\b(investors?|stakeholders?)\b`, "investors/stakeholders",
	)
	audienceCapture = regexp.MustCompile(`(?i)(?:target audience|presenting to|audience is)\s*(?:is\s+|:\s*)?([^,.\n]+)`)

	slideRange = regexp.MustCompile(`(\d+)\s*(?:-|to)\s*\d+\s*slides?`)
	slideBare  = regexp.MustCompile(`(\d+)\s*slides?`)
	slideAbout = regexp.MustCompile(`\b(?:about|around)\s*(\d+)\b`)

	citationRules = rules(
		`\bapa\b`, "apa",
		`\bieee\b`, "ieee",
		`\bharvard\b`, "harvard",
		`\bchicago\b`, "chicago",
		`\bmla\b`, "apa",
	)

	referenceMention = regexp.MustCompile(`\b(references?|citations?)\b`)
	refLast          = regexp.MustCompile(`\b(last slide|final slide|at the end|end)\b`)
	refDistributed   = regexp.MustCompile(`\b(each slide|every slide|distributed|on relevant)\b`)

	emphasisRules = rules(
		`\b(detailed|thorough|in-depth|comprehensive)\b`, "detailed",
		`\b(concise|brief|short|bullet|minimal text)\b`, "concise",
		`\b(visual|visual-heavy|images|diagrams|graphics)\b`, "visual-heavy",
	)
	toneRules = rules(
		`\b(academic|scholarly|formal|research)\b`, "academic",
		`\b(casual|informal|relaxed|friendly)\b`, "casual",
		`\b(technical|engineering|scientific)\b`, "technical",
		`\b(persuasive|convincing|pitch|sell)\b`, "persuasive",
	)
	themeRules = rules(
		`\bdark\s*(mode|theme)?\b`, "dark",
		`\bminimal(ist)?\b`, "minimal",
		`\bmodern\b`, "modern",
		`\bacademic\b`, "academic",
		`\bprofessional\b`, "modern",
		`\bclean\b`, "minimal",
	)

	speakerNotes      = regexp.MustCompile(`\bspeaker notes?\b`)
	speakerNotesNegat = regexp.MustCompile(`\b(no|without|skip|don'?t (want|need|include))\b[^.]*\bspeaker notes?\b`)

	topicPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:about|on|regarding|covering)\s+["']?([^"'\n]+)`),
		regexp.MustCompile(`(?i)\btopic\s*(?:is|:)\s*["']?([^"'\n]+)`),
		regexp.MustCompile(`(?i)\btitle\s*(?:is|should be|:)\s*["']?([^"'\n]+)`),
	}
	clauseBoundary = regexp.MustCompile(`(?i)\s+(?:for|in|with|to|using|and i|that)\s+|[,.;:!?()]`)

	focusPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:focus on|focusing on|emphasize|cover|include)\s+([^.\n]+)`),
		regexp.MustCompile(`(?i)\b(?:specifically|mainly|primarily)\s+([^.\n]+)`),
	}
	focusSplit      = regexp.MustCompile(`(?i)\s*,\s*|\s+and\s+|\.`)
	focusStopPhrase = regexp.MustCompile(`(?i)\b(speaker notes?|citations?|references?|slides?)\b`)

	specialRequest = regexp.MustCompile(`(?i)\b(?:special requests?|make sure|please ensure|also please)\s*:?\s*([^\n]+)`)

	confirmationRequestPatterns = compileAll([]string{
		`does this look correct`,
		`is this correct`,
		`does this (look|seem) (right|good)`,
		`can you confirm`,
		`please confirm`,
		`ready to finalize`,
		`if (this|everything) looks (good|correct)`,
		`let me (know|confirm)`,
	})
)

// Extractor applies the heuristic matchers. The zero value is not usable; use NewExtractor.
type Extractor struct {
	confirmation []*regexp.Regexp
}

// Option configures an Extractor.
type Option func(*Extractor) error

// WithConfirmationPhrases replaces the affirmative phrase set. Empty keeps the defaults.
func WithConfirmationPhrases(patterns []string) Option {
	return func(e *Extractor) error {
		if len(patterns) == 0 {
			return nil
		}
		compiled := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("invalid confirmation phrase %q: %w", p, err)
			}
			compiled = append(compiled, re)
		}
		e.confirmation = compiled
		return nil
	}
}

func NewExtractor(opts ...Option) (*Extractor, error) {
	e := &Extractor{confirmation: compileAll(DefaultConfirmationPhrases)}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

//nolint:gochecknoglobals
var defaultExtractor, _ = NewExtractor()

// Extract applies the default extractor.
func Extract(message string, info GatheredInfo) GatheredInfo {
	return defaultExtractor.Extract(message, info)
}

// Extract returns info updated from message. It never clears a field that was
// already set; a new match for a field overwrites it. Confirmation is only
// recognized after a confirmation request was sent.
func (e *Extractor) Extract(message string, info GatheredInfo) GatheredInfo {
	out := info.clone()
	msg := strings.TrimSpace(message)
	lower := strings.ToLower(msg)
	if lower == "" {
		out.syncFlags()
		return out
	}

	if out.ConfirmationSent && anyMatch(e.confirmation, lower) {
		out.UserConfirmed = true
	}

	extractDelegation(lower, &out)

	if v, ok := firstRule(audienceRules, lower); ok {
		out.TargetAudience = v
	} else if m := audienceCapture.FindStringSubmatch(msg); m != nil {
		if a := strings.TrimSpace(m[1]); a != "" {
			out.TargetAudience = a
		}
	}

	if n, ok := extractSlideCount(lower); ok {
		out.SlideCount = n
	}

	if v, ok := firstRule(citationRules, lower); ok {
		out.CitationStyle = v
	}

	if referenceMention.MatchString(lower) {
		switch {
		case refLast.MatchString(lower):
			out.ReferencesPlacement = "last_slide"
		case refDistributed.MatchString(lower):
			out.ReferencesPlacement = "distributed"
		}
	}

	if v, ok := firstRule(emphasisRules, lower); ok {
		out.EmphasisStyle = v
	}
	if v, ok := firstRule(toneRules, lower); ok {
		out.Tone = v
	}
	if v, ok := firstRule(themeRules, lower); ok {
		out.ThemeID = v
	}

	if speakerNotes.MatchString(lower) {
		include := !speakerNotesNegat.MatchString(lower)
		out.IncludeSpeakerNotes = &include
	}

	if out.Title == "" && !out.AgentDecidesTitle {
		if topic, ok := extractTopic(msg); ok {
			out.Title = topic
			if len(out.FocusAreas) == 0 {
				out.FocusAreas = append(out.FocusAreas, topic)
			}
		}
	}

	for _, item := range extractFocus(msg) {
		out.FocusAreas = appendUnique(out.FocusAreas, item)
	}

	if m := specialRequest.FindStringSubmatch(msg); m != nil {
		if req := strings.TrimSpace(m[1]); req != "" {
			out.SpecialRequests = req
		}
	}

	out.syncFlags()
	return out
}

func extractDelegation(lower string, out *GatheredInfo) {
	if !anyMatch(delegatePatterns, lower) {
		return
	}
	qualified := false
	if titleMention.MatchString(lower) {
		out.AgentDecidesTitle = true
		qualified = true
	}
	if themeMention.MatchString(lower) {
		out.AgentDecidesTheme = true
		qualified = true
	}
	if citationMention.MatchString(lower) {
		out.AgentDecidesCitation = true
		qualified = true
	}
	if !qualified && out.Title == "" {
		out.AgentDecidesTitle = true
	}
}

func extractSlideCount(lower string) (int, bool) {
	for _, re := range []*regexp.Regexp{slideRange, slideBare, slideAbout} {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 3 || n > 50 {
			continue
		}
		return n, true
	}
	return 0, false
}

func extractTopic(msg string) (string, bool) {
	for _, re := range topicPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		topic := m[1]
		if loc := clauseBoundary.FindStringIndex(topic); loc != nil {
			topic = topic[:loc[0]]
		}
		topic = strings.Trim(strings.TrimSpace(topic), `"'`)
		if len(topic) > 5 {
			return topic, true
		}
	}
	return "", false
}

func extractFocus(msg string) []string {
	var items []string
	for _, re := range focusPatterns {
		for _, m := range re.FindAllStringSubmatch(msg, -1) {
			for _, part := range focusSplit.Split(m[1], -1) {
				part = strings.TrimSpace(part)
				if len(part) <= 3 || focusStopPhrase.MatchString(part) {
					continue
				}
				items = append(items, part)
			}
		}
	}
	return items
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, item) {
			return list
		}
	}
	return append(list, item)
}

// DetectsConfirmationRequest reports whether an assistant reply asks the user to confirm.
func DetectsConfirmationRequest(text string) bool {
	return anyMatch(confirmationRequestPatterns, strings.ToLower(text))
}
