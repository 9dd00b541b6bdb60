package recovery

import (
	"fmt"
	"strings"
)

//nolint:gochecknoglobals // read-only guardrail text
var guardrailText = map[FailureType]string{
	MalformedOutput: `CRITICAL: Your previous output was malformed JSON.
- Ensure ALL required fields are present
- Use proper JSON syntax (no trailing commas, no unquoted strings)
- Validate your output matches the expected schema BEFORE responding`,
	MissingContent: `CRITICAL: Your previous output was missing required content.
- Check that EVERY slide has substantive bullet points
- Do NOT leave any placeholder text like "TBD" or "[content here]"
- Each slide must have at least 2-3 meaningful bullet points`,
	RenderFailed: `CRITICAL: Asset rendering failed.
- Verify LaTeX syntax is valid (no unclosed braces, proper escaping)
- Verify Mermaid syntax follows the official grammar
- If a diagram is too complex, simplify it`,
	CitationBroken: `CRITICAL: Citation retrieval/validation failed.
- Use more general search terms if initial query returned no results
- Verify DOIs are valid before including them
- If a citation cannot be found, note it but don't fabricate`,
	ContextLost: `CRITICAL: Earlier pipeline context was missing or inconsistent.
- Rebuild your answer only from the inputs given below
- Keep slide order and titles exactly as provided`,
}

// Guardrails renders the failure-specific instructions for a re-run, including the
// attempt header when earlier attempts exist.
func Guardrails(fc FailureContext) string {
	var blocks []string

	if fc.FailureType == QALoopExceeded {
		var issues strings.Builder
		for _, issue := range fc.QAIssues {
			fmt.Fprintf(&issues, "  - %s\n", issue)
		}
		blocks = append(blocks, fmt.Sprintf(`CRITICAL: Visual QA failed with these issues:
%s
You MUST specifically address these issues:
- If "text overflow": use shorter bullet points (max 10 words each)
- If "layout broken": ensure content fits the slide dimensions
- If "missing content": verify all expected elements are present`, issues.String()))
	} else if text, ok := guardrailText[fc.FailureType]; ok {
		blocks = append(blocks, text)
	}

	if fc.PreviousAttempts > 0 {
		blocks = append(blocks, fmt.Sprintf(`ATTEMPT #%d
Previous error: %s
Learn from this mistake and avoid repeating it.`, fc.PreviousAttempts+1, fc.ErrorMessage))
	}
	return strings.Join(blocks, "\n\n")
}

// BuildRetryPrompt prepends the decision's guardrails to the original prompt.
// The original prompt is always kept intact.
func BuildRetryPrompt(original string, d Decision, fc FailureContext) string {
	guardrails := d.Guardrails
	if guardrails == "" {
		guardrails = Guardrails(fc)
	}
	if guardrails == "" {
		return original
	}
	return guardrails + "\n\n---\n\n" + original
}
