package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourusername/call-intake/internal/callsapi"
)

func newCallsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Browse analyzed calls",
	}

	withClient := func(run func(cmd *cobra.Command, client *callsapi.Client, token string, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			token := opts.credential()
			if token == "" {
				return fmt.Errorf("a token is required: use --token or ANALYSIS_API_TOKEN")
			}
			return run(cmd, opts.client(cfg, opts.logger()), token, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List calls",
			Args:  cobra.NoArgs,
			RunE: withClient(func(cmd *cobra.Command, client *callsapi.Client, token string, args []string) error {
				calls, err := client.List(cmd.Context(), token)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tFILE\tCLOSING")
				for i := range calls {
					closing := "unknown"
					if rec, err := calls[i].Record(); err == nil {
						closing = rec.Scores.ClosingProbability.String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", calls[i].ID, calls[i].Status, calls[i].FileName, closing)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "show ID",
			Short: "Show the analysis of a call",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(cmd *cobra.Command, client *callsapi.Client, token string, args []string) error {
				call, err := client.Get(cmd.Context(), token, args[0])
				if err != nil {
					return err
				}
				return printCall(cmd.OutOrStdout(), call)
			}),
		},
		&cobra.Command{
			Use:   "sync ID",
			Short: "Push a call to the CRM",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(cmd *cobra.Command, client *callsapi.Client, token string, args []string) error {
				call, err := client.SyncCRM(cmd.Context(), token, args[0])
				if err != nil {
					return err
				}
				status := "unknown"
				if rec, err := call.Record(); err == nil && rec.CRMSync != nil {
					status = rec.CRMSync.Status
				}
				fmt.Fprintf(cmd.OutOrStdout(), "call %s synced (crm: %s)\n", call.ID, status)
				return nil
			}),
		},
	)
	return cmd
}

func printCall(out io.Writer, call *callsapi.Call) error {
	rec, err := call.Record()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "call %s  %s  [%s]\n", call.ID, call.FileName, call.Status)
	if s := rec.ExecutiveSummary; s.Overview != "" || s.Outcome != "" {
		fmt.Fprintf(out, "summary: %s\n", s.Overview)
		fmt.Fprintf(out, "type: %s  outcome: %s\n", s.CallType, s.Outcome)
	}
	printScores(out, "", rec.Scores)
	printList(out, "key moments", rec.KeyMoments)
	printList(out, "pain points", rec.PainPoints)
	printList(out, "objections", rec.Objections)
	if len(rec.NextSteps) > 0 {
		fmt.Fprintln(out, "next steps:")
		for _, step := range rec.NextSteps {
			fmt.Fprintf(out, "  - %s (%s, %s)\n", step.Description, step.Owner, step.Status)
		}
	}
	if rec.FollowUp.Subject != "" {
		fmt.Fprintf(out, "follow-up: %s\n", rec.FollowUp.Subject)
	}
	return nil
}

func printList(out io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(out, "  - %s\n", item)
	}
}
