package clarify

// ConfirmationPrompt closes every summary sent for confirmation. It is matched by
// DetectsConfirmationRequest so a deterministic reply flips ConfirmationSent.
const ConfirmationPrompt = "Does this look correct? If so, I'll finalize your presentation requirements."

//nolint:gochecknoglobals // read-only question table
var requiredQuestions = map[string]string{
	"presentation title or topic":        "What topic or title should the presentation cover? You can also let me choose.",
	"target audience":                    "Who is the audience for this presentation?",
	"number of slides":                   "Roughly how many slides would you like (between 3 and 50)?",
	"key focus areas or topics to cover": "Which key areas or subtopics should the presentation focus on?",
}

//nolint:gochecknoglobals // read-only question table
var optionalQuestions = map[string]string{
	"emphasis style (detailed/concise/visual-heavy)": "Should the slides be detailed, concise, or visual-heavy?",
	"tone (academic/casual/technical/persuasive)":    "What tone fits best: academic, casual, technical, or persuasive?",
	"citation style (APA/IEEE/Harvard/Chicago)":      "Which citation style should I use: APA, IEEE, Harvard, or Chicago?",
	"references placement (distributed/last slide)":  "Should references appear on each relevant slide or together on the last slide?",
	"theme preference":                               "Do you have a theme preference: modern, dark, minimal, or academic?",
}

// NextQuestion picks the reply used when no model-backed clarifier is configured:
// the first missing required slot, then a confirmation summary once ready, then
// the first missing optional slot.
func NextQuestion(info *GatheredInfo) string {
	if missing := info.MissingRequired(); len(missing) > 0 {
		return requiredQuestions[missing[0]]
	}
	if info.IsReadyForConfirmation() {
		return "Here is what I have so far:\n\n" + info.Summary() + "\n\n" + ConfirmationPrompt
	}
	if missing := info.MissingOptional(); len(missing) > 0 {
		return optionalQuestions[missing[0]]
	}
	return ConfirmationPrompt
}
