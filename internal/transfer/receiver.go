package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"

	"tftpd/internal/errors"
	"tftpd/internal/protocol"
)

type receiver struct {
	conn
	dst      io.Writer
	request  protocol.Packet
	expected uint16
}

// Receive writes the blocks peer sends into dst. A server acknowledges the
// write request with Ack(0) before calling it.
func Receive(ctx context.Context, ep Endpoint, peer *net.UDPAddr, dst io.Writer, opts Options) (Result, error) {
	r := newReceiver(ctx, ep, dst, opts)
	r.peer = peer
	return r.run(r.awaitData)
}

// Get sends a read request for filename to server and writes the reply
// blocks into dst. The server answers from a new port, which becomes the peer.
func Get(ctx context.Context, ep Endpoint, server *net.UDPAddr, filename string, dst io.Writer, opts Options) (Result, error) {
	r := newReceiver(ctx, ep, dst, opts)
	r.origin = server
	r.request = protocol.ReadRequest{Filename: filename, Mode: protocol.ModeOctet}
	return r.run(r.sendRequest)
}

func newReceiver(ctx context.Context, ep Endpoint, dst io.Writer, opts Options) *receiver {
	return &receiver{
		conn:     conn{ctx: ctx, ep: ep, opts: opts},
		dst:      dst,
		expected: 1,
	}
}

func (r *receiver) sendRequest() stateType {
	if err := r.ep.Send(r.request, r.origin); err != nil {
		return r.fail(err)
	}
	return r.awaitData
}

func (r *receiver) awaitData() stateType {
	p, err := r.receive()
	if err != nil {
		// No retries on this side; the sender retransmits
		return r.fail(err)
	}

	switch pkt := p.(type) {
	case protocol.Data:
		switch {
		case pkt.Block == r.expected:
			return r.store(pkt)
		case r.result.Blocks > 0 && pkt.Block == r.expected-1:
			// Our ack was lost and the sender repeated the block
			slog.Debug("Re-acknowledging duplicate block", "block", pkt.Block)
			if err := r.ep.Send(protocol.Ack{Block: pkt.Block}, r.peer); err != nil {
				return r.fail(err)
			}
			return r.awaitData
		default:
			return r.abort(protocol.CodeUndefined, "bad block number",
				errors.NewProtocolError("await_data",
					fmt.Sprintf("block %d while waiting for %d", pkt.Block, r.expected), nil))
		}

	case protocol.Error:
		return r.fail(remoteError(pkt))

	default:
		return r.abort(protocol.CodeUndefined, "unexpected packet code",
			errors.NewProtocolError("await_data", "unexpected "+p.Opcode().String()+" packet", nil))
	}
}

func (r *receiver) store(pkt protocol.Data) stateType {
	if _, err := r.dst.Write(pkt.Payload); err != nil {
		return r.writeFailed("write", pkt.Block, err)
	}
	if pkt.Final() && r.opts.Commit != nil {
		if err := r.opts.Commit(); err != nil {
			return r.writeFailed("commit", pkt.Block, err)
		}
	}

	if err := r.ep.Send(protocol.Ack{Block: pkt.Block}, r.peer); err != nil {
		return r.fail(err)
	}

	r.block(len(pkt.Payload))
	if pkt.Final() {
		return nil
	}
	r.expected++
	return r.awaitData
}

func (r *receiver) writeFailed(op string, block uint16, err error) stateType {
	code, msg := protocol.CodeUndefined, "write error"
	if errors.Is(err, syscall.ENOSPC) {
		code, msg = protocol.CodeDiskFull, "disk full"
	}
	return r.abort(code, msg, errors.NewFileSystemError(op, fmt.Sprintf("block %d", block), err))
}
