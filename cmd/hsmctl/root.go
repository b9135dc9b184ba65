package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/backkem/yubihsm/internal/config"
	"github.com/backkem/yubihsm/pkg/client"
	"github.com/backkem/yubihsm/pkg/metrics"
	"github.com/backkem/yubihsm/pkg/mockhsm"
	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/backkem/yubihsm/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// options holds the persistent flags.
type options struct {
	configFile string
	connector  string
	address    string
	port       int
	serial     string
	timeout    time.Duration
	authKeyID  uint16
	password   string
	verbose    bool
	metrics    bool

	// readPassword prompts for the password when none is configured.
	readPassword func() (string, error)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithOptions(&options{readPassword: promptPassword})
}

func newRootCmdWithOptions(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hsmctl",
		Short: "YubiHSM2 secure channel client",
		Long: `hsmctl opens an authenticated SCP03 session with a YubiHSM2 and runs
commands inside it.

Supported connectors:
  - http: yubihsm-connector (default 127.0.0.1:12345)
  - usb:  direct USB access to the device
  - mock: in-process simulated device`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (YAML)")
	flags.StringVar(&opts.connector, "connector", config.ConnectorHTTP, "connector to use (http, usb, mock)")
	flags.StringVar(&opts.address, "address", transport.DefaultHTTPAddress, "yubihsm-connector address")
	flags.IntVar(&opts.port, "port", transport.DefaultHTTPPort, "yubihsm-connector port")
	flags.StringVar(&opts.serial, "serial", "", "USB device serial number")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-exchange timeout (default 5s for http, 30s for usb)")
	flags.Uint16Var(&opts.authKeyID, "auth-key", securechannel.DefaultAuthKeyID, "authentication key id")
	flags.StringVar(&opts.password, "password", "", "authentication key password (prompted if unset)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	flags.BoolVar(&opts.metrics, "metrics", false, "print session and command metrics on exit")

	cmd.AddCommand(
		newStatusCmd(opts),
		newDevicesCmd(opts),
		newInfoCmd(opts),
		newEchoCmd(opts),
		newRandomCmd(opts),
		newBlinkCmd(opts),
	)
	return cmd
}

// loadConfig reads the config file, if any, and applies explicitly set
// flags over it.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		if cfg, err = config.Load(o.configFile); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if o.configFile == "" || flags.Changed("connector") {
		cfg.Connector.Type = o.connector
	}
	if o.configFile == "" || flags.Changed("address") {
		cfg.Connector.Address = o.address
	}
	if o.configFile == "" || flags.Changed("port") {
		cfg.Connector.Port = o.port
	}
	if flags.Changed("serial") {
		cfg.Connector.Serial = o.serial
	}
	if flags.Changed("timeout") {
		cfg.Connector.Timeout = o.timeout
	}
	if o.configFile == "" || flags.Changed("auth-key") {
		cfg.Auth.KeyID = o.authKeyID
	}
	if flags.Changed("password") {
		cfg.Auth.Password = o.password
		cfg.Auth.EncKeyHexFile, cfg.Auth.MacKeyHexFile = "", ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) loggerFactory() logging.LoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	if o.verbose {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}
	return lf
}

// staticKeys resolves the authentication keys, prompting for a password
// when the configuration has none.
func (o *options) staticKeys(cfg *config.Config) (*securechannel.StaticKeys, error) {
	keys, err := cfg.StaticKeys()
	if !errors.Is(err, config.ErrNoCredentials) {
		return keys, err
	}
	if cfg.Connector.Type == config.ConnectorMock {
		return securechannel.StaticKeysFromPassword(securechannel.DefaultPassword), nil
	}

	password, err := o.readPassword()
	if err != nil {
		return nil, err
	}
	return securechannel.StaticKeysFromPassword(password), nil
}

// openConnector creates the configured connector. The returned cleanup
// releases resources the connector does not own.
func openConnector(cfg *config.Config, lf logging.LoggerFactory) (transport.Connector, func(), error) {
	switch cfg.Connector.Type {
	case config.ConnectorHTTP:
		conn, err := transport.NewHTTPConnector(transport.HTTPConfig{
			Address:       cfg.Connector.Address,
			Port:          cfg.Connector.Port,
			Timeout:       cfg.Connector.ExchangeTimeout(),
			LoggerFactory: lf,
		})
		return conn, func() {}, err

	case config.ConnectorUSB:
		serial, err := cfg.SerialNumber()
		if err != nil {
			return nil, nil, err
		}
		provider := transport.NewUSBProvider(transport.USBProviderConfig{LoggerFactory: lf})
		conn, err := provider.Open(transport.USBConfig{Serial: serial, Timeout: cfg.Connector.ExchangeTimeout()})
		if err != nil {
			provider.Close()
			return nil, nil, err
		}
		return conn, func() { provider.Close() }, nil

	case config.ConnectorMock:
		hsm := mockhsm.New(mockhsm.Config{LoggerFactory: lf})
		return mockhsm.NewConnector(hsm), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown connector %q", cfg.Connector.Type)
	}
}

// withClient runs fn with a client for the configured device and closes it
// afterwards.
func (o *options) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}
	keys, err := o.staticKeys(cfg)
	if err != nil {
		return err
	}

	lf := o.loggerFactory()
	conn, cleanup, err := openConnector(cfg, lf)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := prometheus.NewRegistry()
	c, err := client.New(client.Config{
		Connector:             conn,
		Keys:                  keys,
		AuthKeyID:             cfg.Auth.KeyID,
		Timeout:               cfg.Connector.ExchangeTimeout(),
		MaxCommandsPerSession: cfg.Session.MaxCommands,
		SessionIdleTimeout:    cfg.Session.IdleTimeout,
		Metrics:               metrics.New(reg),
		LoggerFactory:         lf,
	})
	if err != nil {
		conn.Close()
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, c)
	closeErr := c.Close(ctx)

	if o.metrics {
		if err := writeMetrics(cmd.ErrOrStderr(), reg); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// writeMetrics prints the gathered metrics in the Prometheus text format.
func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no password configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}
