// Package transfer moves one whole file over a datagram endpoint with the
// TFTP stop-and-wait scheme: every Data block is acknowledged before the
// next one leaves.
package transfer

import (
	"context"
	"log/slog"
	"net"
	"time"

	"tftpd/internal/config"
	"tftpd/internal/errors"
	"tftpd/internal/protocol"
)

// Endpoint is the datagram transport a transfer runs over
type Endpoint interface {
	Send(p protocol.Packet, to *net.UDPAddr) error
	Receive(timeout time.Duration) (protocol.Packet, *net.UDPAddr, error)
}

// Options tune a single transfer
type Options struct {
	Timeout time.Duration // Per receive
	Retries int           // Consecutive timeouts a sender tolerates

	// Progress, when set, is called with the payload size of every block
	// that completes
	Progress func(n int)

	// Commit, when set, runs on the receiving side after the final block is
	// written and before it is acknowledged
	Commit func() error
}

// DefaultOptions returns the protocol defaults
func DefaultOptions() Options {
	return Options{Timeout: config.DefaultTimeout, Retries: config.DefaultRetries}
}

// Result summarizes a finished transfer
type Result struct {
	Blocks int64
	Bytes  int64
}

// BlockCount returns how many Data packets carry a file of size bytes. A
// size that is a multiple of the block size ends with an empty block.
func BlockCount(size int64) int64 {
	return size/protocol.BlockSize + 1
}

// LastBlockSize returns the payload size of the final block
func LastBlockSize(size int64) int {
	return int(size % protocol.BlockSize)
}

type stateType func() stateType

// conn is the state shared by both directions
type conn struct {
	ctx    context.Context
	ep     Endpoint
	peer   *net.UDPAddr // Nil until the first reply when we sent the request
	origin *net.UDPAddr // Where the request went
	opts   Options
	result Result
	err    error
}

func (c *conn) run(start stateType) (Result, error) {
	for state := start; state != nil; {
		state = state()
	}
	return c.result, c.err
}

func (c *conn) dest() *net.UDPAddr {
	if c.peer != nil {
		return c.peer
	}
	return c.origin
}

func (c *conn) fail(err error) stateType {
	c.err = err
	return nil
}

// abort tells the peer why the transfer stops, then fails with err
func (c *conn) abort(code protocol.ErrorCode, msg string, err error) stateType {
	c.sendError(c.dest(), code, msg)
	return c.fail(err)
}

func (c *conn) sendError(to *net.UDPAddr, code protocol.ErrorCode, msg string) {
	if err := c.ep.Send(protocol.Error{Code: code, Message: msg}, to); err != nil {
		slog.Debug("Failed to send error packet", "to", to, "error", err)
	}
}

func (c *conn) block(n int) {
	c.result.Blocks++
	c.result.Bytes += int64(n)
	if c.opts.Progress != nil {
		c.opts.Progress(n)
	}
}

// receive returns the next packet from the peer. Datagrams from any other
// address are answered with UnknownTransferID and skipped; they do not extend
// the wait. While the peer is unknown the first source seen becomes the peer.
func (c *conn) receive() (protocol.Packet, error) {
	deadline := time.Now().Add(c.opts.Timeout)
	for {
		if c.ctx.Err() != nil {
			return nil, errors.NewNetworkError("receive", c.dest().String(), errors.ErrCancelled)
		}

		wait := c.opts.Timeout
		if wait > 0 {
			if wait = time.Until(deadline); wait <= 0 {
				return nil, errors.NewNetworkError("receive", c.dest().String(), errors.ErrTimeout)
			}
		}

		p, from, err := c.ep.Receive(wait)
		if from != nil && c.peer != nil && !sameAddr(from, c.peer) {
			slog.Warn("Datagram from unknown transfer id", "from", from.String(), "peer", c.peer.String())
			c.sendError(from, protocol.CodeUnknownTransferID, "unknown transfer id")
			continue
		}
		if err != nil {
			if errors.Is(err, errors.ErrTimeout) && c.ctx.Err() != nil {
				return nil, errors.NewNetworkError("receive", c.dest().String(), errors.ErrCancelled)
			}
			return nil, err
		}

		if c.peer == nil {
			c.peer = from
		}
		return p, nil
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func remoteError(p protocol.Error) error {
	return errors.NewRemoteError(uint16(p.Code), p.Message)
}
