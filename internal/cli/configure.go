package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/natalcast/report-pipeline/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type ConfigureOptions struct {
	GlobalOptions

	PollInterval    time.Duration
	MaxPollAttempts int
}

func DefaultConfigureOptions() *ConfigureOptions {
	return &ConfigureOptions{
		GlobalOptions: DefaultGlobalOptions(),
	}
}

func NewCmdConfigure() *cobra.Command {
	o := DefaultConfigureOptions()
	cmd := &cobra.Command{
		Use:     "configure --server-url URL [FLAGS]",
		Short:   "Write the client configuration file",
		Example: "configure -u http://localhost:8080 --poll-interval 2s --max-polls 60",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

func (o *ConfigureOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "Time between two reads of a processing report")
	fs.IntVar(&o.MaxPollAttempts, "max-polls", o.MaxPollAttempts, "Reads of a processing report before giving up")
}

func (o *ConfigureOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *ConfigureOptions) Validate(args []string) error {
	if o.ServerUrl == "" {
		return fmt.Errorf("--server-url is required")
	}
	if o.ConfigFilePath == "" {
		return fmt.Errorf("--config is required")
	}
	if o.PollInterval < 0 || o.MaxPollAttempts < 0 {
		return fmt.Errorf("polling settings must not be negative")
	}
	return nil
}

func (o *ConfigureOptions) Run(ctx context.Context, args []string) error {
	polling := client.Polling{MaxAttempts: o.MaxPollAttempts}
	if o.PollInterval > 0 {
		polling.Interval = o.PollInterval.String()
	}
	if err := client.WriteConfig(o.ConfigFilePath, o.ServerUrl, polling); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", o.ConfigFilePath)
	return nil
}
