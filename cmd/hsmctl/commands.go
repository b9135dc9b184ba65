package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/backkem/yubihsm/internal/config"
	"github.com/backkem/yubihsm/pkg/client"
	"github.com/backkem/yubihsm/pkg/command"
	"github.com/backkem/yubihsm/pkg/transport"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show yubihsm-connector status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Connector.Type != config.ConnectorHTTP {
				return fmt.Errorf("status requires the http connector, got %s", cfg.Connector.Type)
			}

			conn, err := transport.NewHTTPConnector(transport.HTTPConfig{
				Address:       cfg.Connector.Address,
				Port:          cfg.Connector.Port,
				Timeout:       cfg.Connector.ExchangeTimeout(),
				LoggerFactory: opts.loggerFactory(),
			})
			if err != nil {
				return err
			}
			defer conn.Close()

			status, err := conn.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connector: %s\n", conn.URL())
			fmt.Fprint(cmd.OutOrStdout(), status.String())
			if !status.OK() {
				return fmt.Errorf("connector status is %q", status.Status)
			}
			return nil
		},
	}
}

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List YubiHSM2 devices attached over USB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := transport.NewUSBProvider(transport.USBProviderConfig{LoggerFactory: opts.loggerFactory()})
			defer provider.Close()

			serials, err := provider.SerialNumbers()
			if err != nil {
				return err
			}
			if len(serials) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices found")
				return nil
			}
			for _, s := range serials {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				info, err := c.DeviceInfo(ctx)
				if err != nil {
					return err
				}
				storage, err := c.StorageInfo(ctx)
				if err != nil {
					return err
				}
				printInfo(cmd, info, storage)
				return nil
			})
		},
	}
}

func printInfo(cmd *cobra.Command, info *command.DeviceInfo, storage *command.StorageInfo) {
	algs := make([]string, len(info.Algorithms))
	for i, a := range info.Algorithms {
		algs[i] = strconv.Itoa(int(a))
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Version:    %s\n", info.Version())
	fmt.Fprintf(w, "Serial:     %s\n", transport.SerialNumber(info.Serial))
	fmt.Fprintf(w, "Log:        %d/%d used\n", info.LogUsed, info.LogTotal)
	fmt.Fprintf(w, "Algorithms: %s\n", strings.Join(algs, ","))
	fmt.Fprintf(w, "Records:    %d/%d free\n", storage.FreeRecords, storage.TotalRecords)
	fmt.Fprintf(w, "Pages:      %d/%d free (%d bytes each)\n", storage.FreePages, storage.TotalPages, storage.PageSize)
}

func newEchoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <text>",
		Short: "Echo data through the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(strings.Join(args, " "))
			if len(data) > command.MaxInnerDataSize {
				return fmt.Errorf("echo data is %d bytes, max %d", len(data), command.MaxInnerDataSize)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				out, err := c.Echo(ctx, data)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func newRandomCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "random <bytes>",
		Short: "Get random bytes from the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid byte count %q: %w", args[0], err)
			}
			if n == 0 || n > command.MaxInnerDataSize {
				return fmt.Errorf("byte count must be 1..%d", command.MaxInnerDataSize)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				out, err := c.PseudoRandom(ctx, uint16(n))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(out))
				return nil
			})
		},
	}
}

func newBlinkCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "blink [seconds]",
		Short: "Blink the device LED",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds := uint64(10)
			if len(args) == 1 {
				var err error
				if seconds, err = strconv.ParseUint(args[0], 10, 8); err != nil {
					return fmt.Errorf("invalid seconds %q: %w", args[0], err)
				}
			}
			return opts.withClient(cmd, func(ctx context.Context, c *client.Client) error {
				return c.Blink(ctx, uint8(seconds))
			})
		},
	}
}
