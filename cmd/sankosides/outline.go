package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/Kevin-nav/sankosides/pkg/flow"
	"github.com/Kevin-nav/sankosides/pkg/slides"
)

var outlineRaw bool

var outlineCmd = &cobra.Command{
	Use:   "outline SESSION_ID",
	Short: "Preview a session's outline in the terminal",
	Long: `Renders the session's skeleton as Markdown.

Examples:
  sankosides outline 3f2a...
  sankosides outline 3f2a... --raw > outline.md`,
	Args: cobra.ExactArgs(1),
	RunE: runOutline,
}

func init() {
	outlineCmd.Flags().BoolVar(&outlineRaw, "raw", false, "Print Markdown without terminal styling")
	rootCmd.AddCommand(outlineCmd)
}

func runOutline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rec, err := store.GetSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	st, err := flow.UnmarshalState(rec.StateJSON)
	if err != nil {
		return err
	}
	if st.Skeleton == nil {
		return fmt.Errorf("session %s has no outline yet (status %s)", st.SessionID, st.Status)
	}

	md := outlineMarkdown(st.Skeleton, st.Status)
	if outlineRaw {
		_, err = fmt.Fprint(cmd.OutOrStdout(), md)
		return err
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return err
	}
	out, err := r.Render(md)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}

// outlineMarkdown formats a skeleton as a Markdown document.
func outlineMarkdown(sk *slides.Skeleton, status flow.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sk.Title)
	fmt.Fprintf(&b, "*Audience:* %s · *Status:* %s · *Slides:* %d\n\n", sk.TargetAudience, status, len(sk.Slides))
	if sk.NarrativeArc != "" {
		fmt.Fprintf(&b, "> %s\n\n", sk.NarrativeArc)
	}
	for _, s := range sk.Slides {
		fmt.Fprintf(&b, "## %d. %s\n\n", s.Order, s.Title)
		fmt.Fprintf(&b, "`%s`", s.ContentType)
		for _, tag := range needs(s) {
			fmt.Fprintf(&b, " `%s`", tag)
		}
		b.WriteString("\n\n")
		if s.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", s.Description)
		}
	}
	return b.String()
}

func needs(s slides.SkeletonSlide) []string {
	var out []string
	if s.NeedsDiagram {
		out = append(out, "diagram")
	}
	if s.NeedsEquation {
		out = append(out, "equation")
	}
	if s.NeedsCitation {
		out = append(out, "citation")
	}
	if s.NeedsImage {
		out = append(out, "image")
	}
	return out
}
