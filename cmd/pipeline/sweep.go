package main

import (
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile stale extraction tasks once",
	Long:  `Acquires the sweep lock and resolves extraction tasks whose callbacks never arrived.`,
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	result, err := app.Sweeper.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	if result == nil {
		cmd.PrintErrln("sweep lock held by another instance, skipped")
		return nil
	}
	return printJSON(cmd, result)
}
