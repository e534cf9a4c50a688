package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"tftpd/internal/errors"
	"tftpd/internal/protocol"
)

type sender struct {
	conn
	src     io.ReaderAt
	size    int64
	request protocol.Packet

	n       int64           // Index of the block in flight, 0 for the request
	last    protocol.Packet // Retransmitted on timeout
	lastLen int
	buf     []byte
	tries   int
}

// Send streams size bytes of src to peer. The peer has already asked for
// them, so the first packet out is Data block 1.
func Send(ctx context.Context, ep Endpoint, peer *net.UDPAddr, src io.ReaderAt, size int64, opts Options) (Result, error) {
	s := newSender(ctx, ep, src, size, opts)
	s.peer = peer
	return s.run(s.sendBlock)
}

// Put sends a write request for filename to server, waits for the
// acknowledgment from the server's transfer port and then streams src there.
func Put(ctx context.Context, ep Endpoint, server *net.UDPAddr, filename string, src io.ReaderAt, size int64, opts Options) (Result, error) {
	s := newSender(ctx, ep, src, size, opts)
	s.origin = server
	s.request = protocol.WriteRequest{Filename: filename, Mode: protocol.ModeOctet}
	return s.run(s.sendRequest)
}

func newSender(ctx context.Context, ep Endpoint, src io.ReaderAt, size int64, opts Options) *sender {
	return &sender{
		conn: conn{ctx: ctx, ep: ep, opts: opts},
		src:  src,
		size: size,
		n:    1,
		buf:  make([]byte, protocol.BlockSize),
	}
}

func (s *sender) sendRequest() stateType {
	s.n = 0
	s.last = s.request
	if err := s.ep.Send(s.request, s.origin); err != nil {
		return s.fail(err)
	}
	return s.awaitAck
}

func (s *sender) sendBlock() stateType {
	offset := (s.n - 1) * protocol.BlockSize
	length := s.size - offset
	if length > protocol.BlockSize {
		length = protocol.BlockSize
	}
	if length < 0 {
		length = 0
	}

	payload := s.buf[:length]
	if length > 0 {
		if read, err := s.src.ReadAt(payload, offset); err != nil && !(err == io.EOF && int64(read) == length) {
			return s.abort(protocol.CodeUndefined, "read error",
				errors.NewFileSystemError("read", fmt.Sprintf("block %d", s.n), err))
		}
	}

	s.last = protocol.Data{Block: uint16(s.n), Payload: payload}
	s.lastLen = int(length)
	if err := s.ep.Send(s.last, s.peer); err != nil {
		return s.fail(err)
	}
	return s.awaitAck
}

func (s *sender) awaitAck() stateType {
	p, err := s.receive()
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrTimeout):
			return s.retransmit
		case errors.Is(err, errors.ErrProtocol):
			slog.Debug("Dropping malformed datagram", "error", err)
			return s.awaitAck
		default:
			return s.fail(err)
		}
	}

	switch pkt := p.(type) {
	case protocol.Ack:
		if pkt.Block != uint16(s.n) {
			slog.Warn("Acknowledgment for wrong block", "expected", uint16(s.n), "got", pkt.Block)
			return s.fail(errors.NewProtocolError("await_ack",
				fmt.Sprintf("ack for block %d while waiting for %d", pkt.Block, uint16(s.n)), nil))
		}
		s.tries = 0

		if s.n == 0 {
			s.n = 1
			return s.sendBlock
		}

		s.block(s.lastLen)
		if s.lastLen < protocol.BlockSize {
			return nil
		}
		s.n++
		return s.sendBlock

	case protocol.Error:
		return s.fail(remoteError(pkt))

	default:
		return s.abort(protocol.CodeUndefined, "unexpected packet code",
			errors.NewProtocolError("await_ack", "unexpected "+p.Opcode().String()+" packet", nil))
	}
}

func (s *sender) retransmit() stateType {
	s.tries++
	if s.tries > s.opts.Retries {
		return s.abort(protocol.CodeUndefined, "timeout",
			errors.NewProtocolError("await_ack",
				fmt.Sprintf("block %d unacknowledged after %d retries", uint16(s.n), s.opts.Retries), errors.ErrTimeout))
	}

	slog.Debug("Retransmitting", "block", uint16(s.n), "attempt", s.tries)
	if err := s.ep.Send(s.last, s.dest()); err != nil {
		return s.fail(err)
	}
	return s.awaitAck
}
