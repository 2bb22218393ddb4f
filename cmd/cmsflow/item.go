package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmsflow/internal/domain"
	"cmsflow/internal/engine"
	"cmsflow/internal/status"
	"cmsflow/internal/workflow"
)

func itemCmd() *cobra.Command {
	root := &cobra.Command{Use: "item", Short: "Inspect and move work items"}
	root.AddCommand(itemListCmd())
	root.AddCommand(itemShowCmd())
	root.AddCommand(itemHistoryCmd())
	root.AddCommand(itemStatusCmd())
	root.AddCommand(itemApplyCmd())
	return root
}

func itemListCmd() *cobra.Command {
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the worklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkItems(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, status.Label(w.Status), w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of items")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s  %s\nstatus: %s\nnext:   %v\nupdated: %s\n\n%s\n",
					w.ID, w.Title, status.Label(w.Status), status.Next(w.Status), w.UpdatedAt, w.Content)
				return nil
			})
		},
	}
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status history of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printHistory(h)
			})
		},
	}
}

func printHistory(h []domain.StatusChange) error {
	if viper.GetBool("json") {
		return printJSON(h)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Status", "At", "By", "Reason"})
	for i, c := range h {
		tw.AppendRow(table.Row{i + 1, status.Label(c.Status), c.ChangedAt, c.ChangedBy, c.Reason})
	}
	tw.Render()
	return nil
}

func itemStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Request a status change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if c := remoteClient(); c != nil {
				target, err := workflow.ParseTarget(args[1])
				if err != nil {
					return err
				}
				w, err := c.ChangeStatus(ctx, args[0], target, reason)
				if err != nil {
					return err
				}
				return printStatusChange(w.WorkItem)
			}
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				w, err := e.ChangeStatus(ctx, engine.ChangeStatusOptions{ID: args[0], Target: args[1], ActorID: actorID(), Reason: reason})
				if err != nil {
					return err
				}
				return printStatusChange(w)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the history")
	return cmd
}

func printStatusChange(w domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	fmt.Printf("%s is now %s\n", w.ID, status.Label(w.Status))
	return nil
}

func itemApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <id>",
		Short: "Write accepted and modified edits into the content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyEdits(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("applied %d edits, dropped %d overlapping issues\n", len(res.Applied), len(res.Dropped))
				for _, w := range res.Warnings {
					fmt.Println("warning:", w.String())
				}
				return nil
			})
		},
	}
}

func issuesCmd() *cobra.Command {
	root := &cobra.Command{Use: "issues", Short: "Manage proofreading issues"}
	root.AddCommand(&cobra.Command{
		Use:   "import <id> <file|->",
		Short: "Replace the issues of a work item from a JSON array",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issues, err := readIssues(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ImportIssues(ctx, args[0], actorID(), issues)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("imported %d issues into %s\n", len(out), args[0])
				return nil
			})
		},
	})
	return root
}

func readIssues(path string) ([]domain.Issue, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var issues []domain.Issue
	if err := json.NewDecoder(r).Decode(&issues); err != nil {
		return nil, fmt.Errorf("decode issues: %w", err)
	}
	return issues, nil
}
