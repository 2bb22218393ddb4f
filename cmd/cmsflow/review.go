package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmsflow/internal/decision"
	"cmsflow/internal/domain"
	"cmsflow/internal/engine"
	"cmsflow/internal/reconcile"
	"cmsflow/internal/workflow"
)

func reviewCmd() *cobra.Command {
	root := &cobra.Command{Use: "review", Short: "Review proofreading issues"}
	root.AddCommand(reviewShowCmd())
	root.AddCommand(reviewStatsCmd())
	root.AddCommand(reviewDecideCmd("accept", domain.DecisionAccepted))
	root.AddCommand(reviewDecideCmd("reject", domain.DecisionRejected))
	root.AddCommand(reviewModifyCmd())
	root.AddCommand(reviewClearCmd())
	return root
}

// withCoordinator loads the item into a coordinator that saves through the
// API when --server is set and through the local engine otherwise.
func withCoordinator(ctx context.Context, itemID string, fn func(context.Context, *workflow.Coordinator) error) error {
	if c := remoteClient(); c != nil {
		rv, err := c.Review(ctx, itemID)
		if err != nil {
			return err
		}
		coord, err := workflow.NewCoordinator(rv.Snapshot(), c,
			workflow.WithActor(actorID()), workflow.WithLogger(slog.Default()))
		if err != nil {
			return err
		}
		return fn(ctx, coord)
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		coord, err := e.OpenCoordinator(ctx, itemID, actorID())
		if err != nil {
			return err
		}
		return fn(ctx, coord)
	})
}

func reviewShowCmd() *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show issues and the reconciled content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := reconcile.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			return withCoordinator(cmd.Context(), args[0], func(ctx context.Context, c *workflow.Coordinator) error {
				view, err := c.ReconciledContent(ctx, mode)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"issues": c.Issues(), "decisions": c.Decisions(), "view": view})
				}
				printDecisions(os.Stdout, c)
				fmt.Println()
				printView(os.Stdout, view)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "final", "view: final, annotated or diff")
	return cmd
}

func reviewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <id>",
		Short: "Show decision counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), args[0], func(ctx context.Context, c *workflow.Coordinator) error {
				st := c.Stats()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stats": st, "complete": c.IsComplete()})
				}
				printStats(os.Stdout, st)
				return nil
			})
		},
	}
}

func reviewDecideCmd(use string, t domain.DecisionType) *cobra.Command {
	var rationale string
	cmd := &cobra.Command{
		Use:   use + " <id> <issue-id>...",
		Short: fmt.Sprintf("Mark issues as %s", t),
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := decision.TypePatch(t)
			if rationale != "" {
				p.Rationale = &rationale
			}
			return withCoordinator(cmd.Context(), args[0], func(ctx context.Context, c *workflow.Coordinator) error {
				ids := args[1:]
				var err error
				if len(ids) == 1 {
					_, err = c.RecordDecision(ctx, ids[0], p)
				} else {
					_, err = c.RecordBatchDecision(ctx, ids, p)
				}
				return reportMutation(c, err)
			})
		},
	}
	cmd.Flags().StringVar(&rationale, "rationale", "", "why the decision was made")
	return cmd
}

func reviewModifyCmd() *cobra.Command {
	var rationale string
	cmd := &cobra.Command{
		Use:   "modify <id> <issue-id> <replacement>",
		Short: "Replace an issue span with your own text",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := decision.TypePatch(domain.DecisionModified)
			p.ModifiedContent = &args[2]
			if rationale != "" {
				p.Rationale = &rationale
			}
			return withCoordinator(cmd.Context(), args[0], func(ctx context.Context, c *workflow.Coordinator) error {
				_, err := c.RecordDecision(ctx, args[1], p)
				return reportMutation(c, err)
			})
		},
	}
	cmd.Flags().StringVar(&rationale, "rationale", "", "why the decision was made")
	return cmd
}

func reviewClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id> [issue-id]...",
		Short: "Reset decisions to pending; all of them when no issue is named",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), args[0], func(ctx context.Context, c *workflow.Coordinator) error {
				if len(args) == 1 {
					return reportMutation(c, c.ClearAllDecisions(ctx))
				}
				for _, id := range args[1:] {
					if _, err := c.ClearDecision(ctx, id); err != nil {
						return reportMutation(c, err)
					}
				}
				return reportMutation(c, nil)
			})
		},
	}
}

// reportMutation prints the resulting decisions. A persistence failure keeps
// the local change, so it is shown before the error is returned.
func reportMutation(c *workflow.Coordinator, err error) error {
	var perr *workflow.PersistenceError
	if err != nil && !errors.As(err, &perr) {
		return err
	}
	if viper.GetBool("json") {
		if jerr := printJSON(map[string]any{"decisions": c.Decisions(), "stats": c.Stats(), "dirty": c.Dirty()}); jerr != nil {
			return jerr
		}
	} else {
		printDecisions(os.Stdout, c)
		printStats(os.Stdout, c.Stats())
	}
	if perr != nil {
		return fmt.Errorf("changes not saved: %w", err)
	}
	return nil
}

func printDecisions(w io.Writer, c *workflow.Coordinator) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Issue", "Severity", "Span", "Original", "Suggested", "Decision"})
	for _, is := range c.Issues() {
		d := c.Decision(is.ID)
		suggested := is.SuggestedText
		if d.Type == domain.DecisionModified {
			suggested = d.ModifiedContent + " (modified)"
		}
		tw.AppendRow(table.Row{
			is.ID,
			is.Severity,
			fmt.Sprintf("[%d,%d)", is.Position.Start, is.Position.End),
			is.OriginalText,
			suggested,
			decisionLabel(d.Type),
		})
	}
	tw.Render()
}

func decisionLabel(t domain.DecisionType) string {
	switch t {
	case domain.DecisionAccepted:
		return color.New(color.FgGreen).Sprint(t)
	case domain.DecisionRejected:
		return color.New(color.FgRed).Sprint(t)
	case domain.DecisionModified:
		return color.New(color.FgCyan).Sprint(t)
	}
	return color.New(color.FgYellow).Sprint(t)
}

func printStats(w io.Writer, st decision.Stats) {
	fmt.Fprintf(w, "%d issues: %d accepted, %d modified, %d rejected, %d pending\n",
		st.Total, st.Accepted, st.Modified, st.Rejected, st.Pending)
	if n := st.PendingOf(domain.SeverityCritical); n > 0 {
		fmt.Fprintf(w, "%s\n", color.New(color.FgRed, color.Bold).Sprintf("%d critical issues pending", n))
	}
}

func printView(w io.Writer, v reconcile.View) {
	switch {
	case v.Final != nil:
		fmt.Fprintln(w, v.Final.Content)
	case v.Annotated != nil:
		for _, s := range v.Annotated.Segments {
			if s.IssueID == "" {
				fmt.Fprint(w, s.Text)
				continue
			}
			fmt.Fprint(w, segmentColor(s.Decision).Sprintf("[%s]", s.Text))
		}
		fmt.Fprintln(w)
		for _, s := range v.Annotated.Skipped {
			fmt.Fprintf(w, "skipped %s: %s\n", s.IssueID, s.Reason)
		}
	case v.Diff != nil:
		del := color.New(color.FgRed, color.CrossedOut)
		ins := color.New(color.FgGreen, color.Underline)
		var b strings.Builder
		for _, h := range v.Diff.Hunks {
			switch h.Op {
			case reconcile.HunkDelete:
				b.WriteString(del.Sprint(h.Text))
			case reconcile.HunkInsert:
				b.WriteString(ins.Sprint(h.Text))
			default:
				b.WriteString(h.Text)
			}
		}
		fmt.Fprintln(w, b.String())
	}
	for _, warn := range v.Warnings() {
		fmt.Fprintln(w, color.New(color.FgYellow).Sprint("warning: "+warn.String()))
	}
}

func segmentColor(t domain.DecisionType) *color.Color {
	switch t {
	case domain.DecisionAccepted:
		return color.New(color.FgGreen)
	case domain.DecisionRejected:
		return color.New(color.FgRed)
	case domain.DecisionModified:
		return color.New(color.FgCyan)
	}
	return color.New(color.FgYellow, color.Bold)
}
