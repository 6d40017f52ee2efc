package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "report-api",
	Short: "Report generation and payment reconciliation service",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
}
