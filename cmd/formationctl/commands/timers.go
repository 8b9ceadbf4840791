package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	appActivity "github.com/civita/formation/internal/application/activity"
	"github.com/civita/formation/internal/application/formation"
	"github.com/civita/formation/internal/application/scheduler"
	"github.com/civita/formation/internal/bootstrap"
	"github.com/civita/formation/internal/infrastructure/clock"
	"github.com/civita/formation/internal/infrastructure/gateway"
)

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "Inspect formation timers",
}

var timersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending timers",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		stores, err := bootstrap.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		timers, err := stores.Timers.ListPending(cmd.Context(), limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMER\tACTIVITY\tKIND\tFIRE_AT\tATTEMPTS\tLAST_ERROR")
		for _, t := range timers {
			lastErr := ""
			if t.LastError != nil {
				lastErr = *t.LastError
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				t.TimerID, t.ActivityID, t.Kind, t.FireAt.Format(time.RFC3339), t.Attempts, lastErr)
		}
		return w.Flush()
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-arm timers for every activity waiting on one",
	RunE: func(cmd *cobra.Command, args []string) error {
		missingOnly, _ := cmd.Flags().GetBool("missing-only")
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		stores, err := bootstrap.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer stores.Close()

		clk := clock.System{}
		machine := formation.NewMachine(formation.Config{
			SoftLockDelay: cfg.SoftLockDelay,
			KindDelays:    cfg.SoftLockDelays,
			SettlementKey: cfg.SettlementKey,
		}, logger)
		sched := scheduler.NewScheduler(stores.Timers, clk, scheduler.Config{}, logger)
		svc := appActivity.NewService(stores.Activities, machine, sched, gateway.NewSandboxGateway(clk), nil, nil, clk, cfg.ChargeTimeout, logger)
		reconcile := svc.Reconcile
		if missingOnly {
			reconcile = svc.RepairTimers
		}
		n, err := reconcile(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("%d timers armed\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(timersCmd, reconcileCmd)
	timersCmd.AddCommand(timersListCmd)
	timersListCmd.Flags().IntP("limit", "l", 100, "Maximum timers to list")
	reconcileCmd.Flags().Bool("missing-only", false, "Only arm timers with no pending row, keeping retry state")
}
