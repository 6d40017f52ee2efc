package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/natalcast/report-pipeline/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const sweeperTokenTTL = 5 * time.Minute

type SweepOptions struct {
	GlobalOptions

	Secret    string
	Threshold int
	Output    string

	out io.Writer
}

func DefaultSweepOptions() *SweepOptions {
	return &SweepOptions{
		GlobalOptions: DefaultGlobalOptions(),
		Secret:        os.Getenv("SWEEPER_SECRET"),
		out:           os.Stdout,
	}
}

func NewCmdSweep() *cobra.Command {
	o := DefaultSweepOptions()
	cmd := &cobra.Command{
		Use:     "sweep [FLAGS]",
		Short:   "Run the stale job sweeper on the server",
		Example: "sweep --threshold 10",
		Args:    cobra.NoArgs,
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

func (o *SweepOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVar(&o.Secret, "secret", o.Secret, "Secret shared with the server to sign the sweeper token. Defaults to $SWEEPER_SECRET")
	fs.IntVar(&o.Threshold, "threshold", o.Threshold, "Minutes without a heartbeat before a processing job is stale. 0 keeps the server default")
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
}

func (o *SweepOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *SweepOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative")
	}
	return validateOutput(o.Output)
}

func (o *SweepOptions) Run(ctx context.Context, args []string) error {
	c, _, err := o.Client()
	if err != nil {
		return err
	}

	var token string
	if o.Secret != "" {
		token, err = auth.GenerateSweeperJWT([]byte(o.Secret), sweeperTokenTTL)
		if err != nil {
			return fmt.Errorf("signing sweeper token: %w", err)
		}
	}

	reply, err := c.TriggerSweep(ctx, token, o.Threshold)
	if err != nil {
		return err
	}

	if o.Output != "" {
		return printObject(o.out, reply, o.Output)
	}

	tw := tabwriter.NewWriter(o.out, 0, 8, 1, '\t', 0)
	fmt.Fprintln(tw, "STALE\tPROCESSED\tCANCELLED\tREFUNDED\tCAPTURED\tFAILED\tSKIPPED")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
		reply.Stale, reply.Processed, reply.Cancelled, reply.Refunded, reply.Captured, reply.Failed, reply.Skipped)
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, e := range reply.Errors {
		fmt.Fprintf(o.out, "%s: %s: %s\n", e.ReportId, e.ErrorCode, e.Error)
	}
	return nil
}
