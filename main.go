/*
tftpd is a concurrent TFTP server and a matching interactive client.

The program operates in two modes:

1. Server Mode (SRV): serves read and write requests for the files below a
root directory, one goroutine and one ephemeral UDP port per transfer

2. Client Mode (CLT): reads get/put commands from standard input and runs
them against a server

Only octet mode transfers are supported.
*/
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tftpd/internal/client"
	"tftpd/internal/config"
	"tftpd/internal/logging"
	"tftpd/internal/server"
	"tftpd/internal/shell"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "tftpd",
		Short: "Concurrent TFTP server and client",
		Long: `tftpd serves files over TFTP (octet mode) or, with --mode CLT, opens an
interactive session against a server:

  get FILE   download FILE into the current directory
  put FILE   upload FILE
  help       list the commands
  exit       end the session`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := logging.SetupLogger(cfg); err != nil {
				return err
			}
			logging.LogConfig(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, in, out)
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cfg.BindFlags(cmd.Flags())

	return cmd
}

// run starts the configured mode and blocks until it finishes
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	if cfg.IsServer() {
		srv, err := server.New(cfg)
		if err != nil {
			logging.LogError(err, "server")
			return err
		}
		if err := srv.Run(ctx); err != nil {
			logging.LogError(err, "server")
			return err
		}
		return nil
	}

	c, err := client.New(cfg)
	if err != nil {
		logging.LogError(err, "client")
		return err
	}
	slog.Info("Client ready", "server", c.Server().String())

	return shell.New(in, out, c).Run(ctx)
}
