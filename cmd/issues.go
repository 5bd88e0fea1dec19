package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/observability"
)

// newIssuesCmd groups the issue inspection commands.
func newIssuesCmd(opts *rootOptions) *cobra.Command {
	issuesCmd := &cobra.Command{
		Use:   "issues",
		Short: "Lists and acknowledges product page issues",
	}
	issuesCmd.AddCommand(newIssuesListCmd(opts), newIssuesAckCmd(opts))
	return issuesCmd
}

func newIssuesListCmd(opts *rootOptions) *cobra.Command {
	var (
		all     bool
		jsonOut bool
	)
	listCmd := &cobra.Command{
		Use:   "list <page-id>",
		Short: "Lists the issues of a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := storeOnly(ctx, opts.cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer c.Shutdown(ctx)

			page, err := c.Repo.GetPage(ctx, args[0])
			if err != nil {
				return err
			}
			var list []schemas.Issue
			if all {
				list, err = c.Repo.ListIssues(ctx, page.ID)
			} else {
				list, err = c.Repo.ListActiveIssues(ctx, page.ID)
			}
			if err != nil {
				return fmt.Errorf("listing issues: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSONReport(out, list)
			}
			colorHeading.Fprintf(out, "%s\n", page.URL)
			fmt.Fprint(out, "  Health: ")
			pageStatusColor(page.Status).Fprintln(out, page.Status)
			heading := "Active issues"
			if all {
				heading = "All issues"
			}
			printIssueList(out, heading, list)
			return nil
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "include resolved issues")
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "print the issues as JSON")
	return listCmd
}

func newIssuesAckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <issue-id>",
		Short: "Acknowledges an open issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := storeOnly(ctx, opts.cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer c.Shutdown(ctx)

			issue, err := c.Issues.Acknowledge(ctx, args[0])
			if err != nil {
				return err
			}
			colorOK.Fprintf(cmd.OutOrStdout(), "Acknowledged %s (%s).\n", issue.ID, issue.IssueType)
			return nil
		},
	}
}
