package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/model"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and prune the audit trail",
	}

	cmd.AddCommand(newAuditListCmd())
	cmd.AddCommand(newAuditPruneCmd())

	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		action     string
		actor      string
		since      time.Duration
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List audit events, oldest first",
		Example: `  markgate audit list --action rate_limit_exceeded --since 1h
  markgate audit list --actor 0190f1d2-... --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := model.AuditFilter{ActorID: actor, Limit: limit}
			if action != "" {
				f.Action = model.AuditAction(action)
				if !f.Action.Valid() {
					return fmt.Errorf("unknown audit action %q", action)
				}
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}

			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.store.ListAuditEvents(cliContext(), f)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			for _, e := range events {
				actorID := e.ActorID
				if actorID == "" {
					actorID = "-"
				}
				detail, _ := json.Marshal(e.Detail)
				fmt.Printf("%s  %-24s %-8s %-36s %s\n",
					e.OccurredAt.Local().Format(time.RFC3339), e.Action, e.Outcome, actorID, detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "Only events with this action")
	cmd.Flags().StringVar(&actor, "actor", "", "Only events by this credential ID")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Most recent N events (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newAuditPruneCmd() *cobra.Command {
	var (
		days  int
		force bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit events older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			if days <= 0 {
				days = a.settings.Audit.RetentionDays
			}
			pruner := audit.NewPruner(a.store, days, a.logger)
			if !force {
				ok, err := confirm(fmt.Sprintf("Delete audit events before %s?", pruner.Cutoff().Format(time.RFC3339)))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted.")
					return nil
				}
			}

			n, err := pruner.Prune(cliContext())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit events.\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (default: audit.retention_days)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}
