package client

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"

	"tftpd/internal/config"
	"tftpd/internal/errors"
	"tftpd/internal/filesystem"
	"tftpd/internal/logging"
	"tftpd/internal/network"
	"tftpd/internal/progress"
	"tftpd/internal/transfer"
)

// Client downloads and uploads files against one TFTP server. Every transfer
// runs on a fresh ephemeral socket.
type Client struct {
	cfg    *config.Config
	server *net.UDPAddr

	// Dir is where downloads are stored and relative uploads are read from
	Dir string
}

// New resolves the configured server address
func New(cfg *config.Config) (*Client, error) {
	addr := cfg.Address()
	server, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("resolve", addr, err)
	}

	return &Client{cfg: cfg, server: server, Dir: "."}, nil
}

// Server returns the address requests are sent to
func (c *Client) Server() *net.UDPAddr {
	return c.server
}

// Get downloads remote and stores it under the last element of its name.
// The local file is removed when the transfer fails.
func (c *Client) Get(ctx context.Context, remote string) (string, error) {
	local := filepath.Join(c.Dir, filesystem.BaseName(remote))

	file, err := filesystem.CreateTruncate(local)
	if err != nil {
		return "", err
	}

	slog.Info("Requesting file", "server", c.server.String(), "file", remote, "local", local)

	stats, reporter := c.startProgress(remote, 0)
	res, err := c.run(func(ep *network.Transport, opts transfer.Options) (transfer.Result, error) {
		return transfer.Get(ctx, ep, c.server, remote, file, opts)
	}, stats)
	reporter.Stop()

	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = errors.NewFileSystemError("close", local, closeErr)
	}
	if err != nil {
		if rmErr := filesystem.RemovePartial(local); rmErr != nil {
			slog.Warn("Failed to remove partial download", "path", local, "error", rmErr)
		}
		return "", err
	}

	logging.LogTransferComplete(local, res.Bytes, stats.Elapsed())
	return local, nil
}

// Put uploads local under its last path element
func (c *Client) Put(ctx context.Context, local string) error {
	p := local
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Dir, p)
	}

	if err := filesystem.CheckReadable(p); err != nil {
		return err
	}

	file, info, err := filesystem.OpenForRead(p)
	if err != nil {
		return err
	}
	defer file.Close()

	remote := filesystem.BaseName(filepath.ToSlash(local))
	slog.Info("Sending file", "server", c.server.String(), "file", remote, "size", info.Size)

	stats, reporter := c.startProgress(remote, info.Size)
	res, err := c.run(func(ep *network.Transport, opts transfer.Options) (transfer.Result, error) {
		return transfer.Put(ctx, ep, c.server, remote, file, info.Size, opts)
	}, stats)
	reporter.Stop()
	if err != nil {
		return err
	}

	logging.LogTransferComplete(remote, res.Bytes, stats.Elapsed())
	return nil
}

func (c *Client) run(fn func(*network.Transport, transfer.Options) (transfer.Result, error), stats *progress.Stats) (transfer.Result, error) {
	ep, err := network.Ephemeral("")
	if err != nil {
		return transfer.Result{}, err
	}
	defer ep.Close()

	opts := c.options()
	opts.Progress = stats.AddBlock
	return fn(ep, opts)
}

// options applies the configured timeout and retries over the protocol defaults
func (c *Client) options() transfer.Options {
	opts := transfer.DefaultOptions()
	if c.cfg.Timeout > 0 {
		opts.Timeout = c.cfg.Timeout
	}
	if c.cfg.Retries >= 0 {
		opts.Retries = c.cfg.Retries
	}
	return opts
}

func (c *Client) startProgress(name string, total int64) (*progress.Stats, *progress.Reporter) {
	stats := progress.NewStats(name, total)
	reporter := progress.NewReporter(stats, c.cfg.ShowProgress)
	reporter.Start()
	return stats, reporter
}
