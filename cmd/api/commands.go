package main

import (
	"encoding/json"
	"fmt"

	"emby-panel/internal/model"
	"emby-panel/internal/reconcile"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const triggerCLI = "cli"

func newSweepCmd(v *viper.Viper) *cobra.Command {
	var (
		kind   string
		days   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Disable expired or inactive accounts once and print the result",
		Example: `  # Preview the expiry sweep
  emby-panel sweep --dry-run

  # Disable accounts idle for 60 days
  emby-panel sweep --kind inactive --inactive-days 60`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, v)
			if err != nil {
				return err
			}
			defer a.close()

			opts := reconcile.SweepOptions{DryRun: dryRun, Trigger: triggerCLI}
			var result *reconcile.SweepResult
			switch kind {
			case model.SweepKindExpired:
				result, err = a.engine.ExpirySweep(ctx, opts)
			case model.SweepKindInactive:
				result, err = a.engine.InactivitySweep(ctx, reconcile.InactivityOptions{SweepOptions: opts, Days: days})
			default:
				return fmt.Errorf("unknown sweep kind %q", kind)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", model.SweepKindExpired, `sweep to run ("expired" or "inactive")`)
	cmd.Flags().IntVar(&days, "inactive-days", reconcile.DefaultInactiveDays, "inactivity threshold in days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list candidates without disabling them")
	return cmd
}

func newPasswdCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <username> <new-password>",
		Short: "Set a panel identity's password and revoke its sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.identities.SetPassword(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", args[0])
			return nil
		},
	}
}
