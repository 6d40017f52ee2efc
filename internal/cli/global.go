package cli

import (
	"fmt"

	"github.com/natalcast/report-pipeline/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GlobalOptions struct {
	ConfigFilePath string
	ServerUrl      string
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ConfigFilePath: client.DefaultClientConfigPath(),
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFilePath, "config", "c", o.ConfigFilePath, "Path to the client configuration file")
	fs.StringVarP(&o.ServerUrl, "server-url", "u", o.ServerUrl, "Address of the server. Overrides the configuration file")
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	if o.ServerUrl == "" && o.ConfigFilePath == "" {
		return fmt.Errorf("either --server-url or --config must be set")
	}
	return nil
}

// Config returns the client configuration, with --server-url applied on top.
// A missing configuration file is fine when --server-url is set.
func (o *GlobalOptions) Config() (*client.Config, error) {
	cfg, err := client.ParseConfigFile(o.ConfigFilePath)
	if err != nil {
		if o.ServerUrl == "" {
			return nil, err
		}
		cfg = client.NewDefault()
	}
	if o.ServerUrl != "" {
		cfg.Service.Server = o.ServerUrl
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (o *GlobalOptions) Client() (*client.ReportClient, *client.Config, error) {
	cfg, err := o.Config()
	if err != nil {
		return nil, nil, err
	}
	c, err := client.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating client: %w", err)
	}
	return c, cfg, nil
}
