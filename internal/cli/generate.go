package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natalcast/report-pipeline/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GenerateOptions struct {
	GlobalOptions
	ReportType      string
	Input           string
	PaymentIntentID string
	SessionID       string
	PaymentToken    string
	Output          string
	Quiet           bool

	out    io.Writer
	errOut io.Writer
	input  json.RawMessage
}

func DefaultGenerateOptions() *GenerateOptions {
	return &GenerateOptions{
		GlobalOptions: DefaultGlobalOptions(),
		out:           os.Stdout,
		errOut:        os.Stderr,
	}
}

func NewCmdGenerate() *cobra.Command {
	o := DefaultGenerateOptions()
	cmd := &cobra.Command{
		Use:     "generate [FLAGS]",
		Short:   "Request a report and wait for it",
		Example: `generate -t natal-chart -i '{"birthDate":"1990-04-12"}' --payment-intent pi_123`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.out = cmd.OutOrStdout()
			o.errOut = cmd.ErrOrStderr()
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

func (o *GenerateOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.ReportType, "type", "t", o.ReportType, "Type of the report")
	fs.StringVarP(&o.Input, "input", "i", o.Input, "Input parameters as a JSON object, or @path to a JSON file")
	fs.StringVar(&o.PaymentIntentID, "payment-intent", o.PaymentIntentID, "Payment intent authorized for this report")
	fs.StringVar(&o.SessionID, "session", o.SessionID, "Checkout session of the purchase")
	fs.StringVar(&o.PaymentToken, "token", o.PaymentToken, "Allowlist token, replaces the payment")
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
	fs.BoolVarP(&o.Quiet, "quiet", "q", o.Quiet, "Do not print progress")
}

func (o *GenerateOptions) Complete(cmd *cobra.Command, args []string) error {
	if err := o.GlobalOptions.Complete(cmd, args); err != nil {
		return err
	}

	raw := o.Input
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading input file: %w", err)
		}
		raw = string(contents)
	}
	o.input = json.RawMessage(strings.TrimSpace(raw))
	return nil
}

func (o *GenerateOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.ReportType == "" {
		return fmt.Errorf("report type is required")
	}
	if len(o.input) == 0 {
		return fmt.Errorf("input is required")
	}
	var decoded map[string]any
	if err := json.Unmarshal(o.input, &decoded); err != nil {
		return fmt.Errorf("input must be a JSON object: %w", err)
	}
	if o.PaymentIntentID == "" && o.SessionID == "" && o.PaymentToken == "" {
		return fmt.Errorf("one of --payment-intent, --session or --token is required")
	}
	return validateOutput(o.Output)
}

func (o *GenerateOptions) Run(ctx context.Context, args []string) error {
	c, cfg, err := o.Client()
	if err != nil {
		return err
	}

	ctrl := client.NewController(c,
		client.WithPollInterval(cfg.PollInterval()),
		client.WithMaxPollAttempts(cfg.MaxPollAttempts()),
	)
	if !o.Quiet {
		ctrl.OnStateChange(func(s client.Snapshot) {
			if s.ReportID != "" {
				fmt.Fprintf(o.errOut, "%s (report %s)\n", s.State, s.ReportID)
				return
			}
			fmt.Fprintf(o.errOut, "%s\n", s.State)
		})
	}

	ctrl.Start(ctx, o.ReportType, o.input, client.StartOptions{
		PaymentIntentID: o.PaymentIntentID,
		SessionID:       o.SessionID,
		PaymentToken:    o.PaymentToken,
	})

	snap, err := ctrl.Wait(ctx)
	if err != nil {
		ctrl.Cancel()
		return err
	}
	return finish(o.out, snap, o.Output)
}

// finish prints a terminal report and turns failures into a command error.
func finish(w io.Writer, snap client.Snapshot, output string) error {
	if err := printReport(w, snap, output); err != nil {
		return err
	}
	switch snap.State {
	case client.StateFailed:
		return fmt.Errorf("report failed: %s", snap.ErrorCode)
	case client.StateTimeout:
		return fmt.Errorf("report %s is still processing, follow it with: get report/%s --wait", snap.ReportID, snap.ReportID)
	}
	return nil
}
