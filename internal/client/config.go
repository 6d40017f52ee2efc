package client

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultMaxPollAttempts = 60
	defaultRequestTimeout  = 60 * time.Second
)

// Config is the client.yaml a report-client reads on every command.
type Config struct {
	Service Service `json:"service"`
	Polling Polling `json:"polling,omitempty"`
}

// Service locates the report API, the part of the URL before /api/v1.
type Service struct {
	Server string `json:"server"`
	// Timeout bounds a single HTTP call, e.g. "30s".
	Timeout string `json:"timeout,omitempty"`
}

// Polling bounds how long a client waits for a report.
type Polling struct {
	Interval    string `json:"interval,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
}

func NewDefault() *Config {
	return &Config{}
}

// PollInterval returns the configured interval, or the default one.
func (c *Config) PollInterval() time.Duration {
	return durationOr(c.Polling.Interval, defaultPollInterval)
}

func (c *Config) MaxPollAttempts() int {
	if c.Polling.MaxAttempts > 0 {
		return c.Polling.MaxAttempts
	}
	return defaultMaxPollAttempts
}

func (c *Config) RequestTimeout() time.Duration {
	return durationOr(c.Service.Timeout, defaultRequestTimeout)
}

// NewFromConfig returns a report API client from the given config.
func NewFromConfig(config *Config) (*ReportClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return NewReportClientWithHTTPClient(config.Service.Server, newHTTPClient(config.RequestTimeout())), nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// DefaultClientConfigPath is ~/.reports/client.yaml.
func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".reports", "client.yaml")
}

func ParseConfigFile(filename string) (*Config, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	config := NewDefault()
	if err := yaml.UnmarshalStrict(contents, config); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", filename, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WriteConfig validates and persists a config for server.
func WriteConfig(filename string, server string, polling Polling) error {
	config := &Config{Service: Service{Server: server}, Polling: polling}
	if err := config.Validate(); err != nil {
		return err
	}
	return config.Persist(filename)
}

// Persist writes the config readable by its owner only.
func (c *Config) Persist(filename string) error {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.WriteFile(filename, contents, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch u, err := url.Parse(c.Service.Server); {
	case c.Service.Server == "":
		errs = append(errs, errors.New("no server found"))
	case err != nil:
		errs = append(errs, fmt.Errorf("invalid server format %q: %w", c.Service.Server, err))
	case u.Hostname() == "":
		errs = append(errs, fmt.Errorf("invalid server format %q: no hostname", c.Service.Server))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("invalid server format %q: scheme must be http or https", c.Service.Server))
	}

	if !positiveDuration(c.Service.Timeout) {
		errs = append(errs, fmt.Errorf("invalid request timeout %q", c.Service.Timeout))
	}
	if !positiveDuration(c.Polling.Interval) {
		errs = append(errs, fmt.Errorf("invalid poll interval %q", c.Polling.Interval))
	}
	if c.Polling.MaxAttempts < 0 {
		errs = append(errs, errors.New("max poll attempts must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// positiveDuration accepts an empty value, which means the default.
func positiveDuration(s string) bool {
	if s == "" {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

func durationOr(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
