package main

import (
	"os"

	"github.com/natalcast/report-pipeline/internal/cli"
	"github.com/spf13/cobra"
)

func main() {
	command := NewReportCtlCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewReportCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report-client [flags] [options]",
		Short: "report-client requests and follows paid reports.",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(cli.NewCmdGenerate())
	cmd.AddCommand(cli.NewCmdGet())
	cmd.AddCommand(cli.NewCmdSweep())
	cmd.AddCommand(cli.NewCmdConfigure())

	return cmd
}
