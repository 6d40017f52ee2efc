package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/natalcast/report-pipeline/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	ReportKind = "report"
)

type GetOptions struct {
	GlobalOptions

	Output string
	Wait   bool

	out io.Writer
}

func DefaultGetOptions() *GetOptions {
	return &GetOptions{
		GlobalOptions: DefaultGlobalOptions(),
		out:           os.Stdout,
	}
}

func NewCmdGet() *cobra.Command {
	o := DefaultGetOptions()
	cmd := &cobra.Command{
		Use:     "get report/ID",
		Short:   "Display a report.",
		Example: "get report/3f0c2a4e-8d51-4a8e-9d69-4c0f5c1b7e21 --wait",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.out = cmd.OutOrStdout()
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *GetOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
	fs.BoolVarP(&o.Wait, "wait", "w", o.Wait, "Poll until the report is completed or failed")
}

func (o *GetOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *GetOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := parseReportRef(args[0]); err != nil {
		return err
	}
	return validateOutput(o.Output)
}

func (o *GetOptions) Run(ctx context.Context, args []string) error {
	reportID, err := parseReportRef(args[0])
	if err != nil {
		return err
	}

	c, cfg, err := o.Client()
	if err != nil {
		return err
	}

	maxAttempts := 1
	if o.Wait {
		maxAttempts = cfg.MaxPollAttempts()
	}
	ctrl := client.NewController(c,
		client.WithPollInterval(cfg.PollInterval()),
		client.WithMaxPollAttempts(maxAttempts),
	)
	ctrl.Resume(ctx, reportID)

	snap, err := ctrl.Wait(ctx)
	if err != nil {
		ctrl.Cancel()
		return err
	}
	if !o.Wait && snap.State == client.StateTimeout {
		// a single read of a processing report is not a timeout
		snap.State = client.StatePolling
		return printReport(o.out, snap, o.Output)
	}
	return finish(o.out, snap, o.Output)
}

// parseReportRef accepts "report/ID", "reports/ID" or a bare ID.
func parseReportRef(arg string) (string, error) {
	kind, id, found := strings.Cut(arg, "/")
	if !found {
		kind, id = ReportKind, arg
	}
	if kind != ReportKind && kind != ReportKind+"s" {
		return "", fmt.Errorf("invalid resource kind: %s", kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid report id: %s", err)
	}
	return id, nil
}
