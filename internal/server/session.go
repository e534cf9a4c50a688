package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tftpd/internal/errors"
	"tftpd/internal/filelock"
	"tftpd/internal/filesystem"
	"tftpd/internal/logging"
	"tftpd/internal/network"
	"tftpd/internal/protocol"
	"tftpd/internal/transfer"
)

const (
	directionRead  = "read"
	directionWrite = "write"
)

// session is one request being served
type session struct {
	id        string
	direction string
	filename  string
	mode      string
	peer      *net.UDPAddr

	key     string
	pending string
	node    *filelock.Node
	reject  *protocol.Error
}

type sessionResult struct {
	id        string
	direction string
	filename  string
	bytes     int64
	duration  time.Duration
	rejected  bool
	err       error
}

func newSession(direction, filename, mode string, peer *net.UDPAddr) *session {
	return &session{
		id:        uuid.NewString(),
		direction: direction,
		filename:  filename,
		mode:      mode,
		peer:      peer,
	}
}

func (sess *session) refuse(code protocol.ErrorCode, msg string) {
	sess.reject = &protocol.Error{Code: code, Message: msg}
}

// serve runs one session on a worker slot. Every exit path releases the file
// lock, the transport and the slot.
func (s *Server) serve(ctx context.Context, sess *session, slot int) {
	defer s.wg.Done()
	defer s.releaseSlot(slot)
	defer s.releasePending(sess)

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "tftp."+sess.direction,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("tftp.session_id", sess.id),
			attribute.String("tftp.file", sess.filename),
			attribute.String("tftp.peer", sess.peer.String()),
			attribute.Int("tftp.worker", slot),
		))
	defer span.End()

	res, rejected, err := s.run(ctx, sess)

	span.SetAttributes(attribute.Int64("tftp.bytes", res.Bytes), attribute.Int64("tftp.blocks", res.Blocks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.results <- sessionResult{
		id:        sess.id,
		direction: sess.direction,
		filename:  sess.filename,
		bytes:     res.Bytes,
		duration:  time.Since(start),
		rejected:  rejected,
		err:       err,
	}
}

func (s *Server) run(ctx context.Context, sess *session) (transfer.Result, bool, error) {
	ep, err := network.Ephemeral(s.bindIP)
	if err != nil {
		return transfer.Result{}, false, err
	}
	defer ep.Close()

	s.track(sess.id, ep)
	defer s.untrack(sess.id)

	s.active.Add(1)
	s.metrics.activeSessions.Inc()
	defer func() {
		s.active.Add(-1)
		s.metrics.activeSessions.Dec()
	}()

	logging.LogSessionStart(sess.id, sess.direction, sess.peer.String(), sess.filename)

	if sess.reject != nil {
		s.refuse(ep, sess, *sess.reject)
		return transfer.Result{}, true, errors.NewProtocolError("admit", sess.reject.Message, nil)
	}

	sess.node.Lock()
	defer sess.node.Unlock()

	if sess.direction == directionRead {
		return s.sendFile(ctx, sess, ep)
	}
	return s.receiveFile(ctx, sess, ep)
}

func (s *Server) refuse(ep *network.Transport, sess *session, reply protocol.Error) {
	if err := ep.Send(reply, sess.peer); err != nil {
		slog.Debug("Failed to send refusal", "session_id", sess.id, "error", err)
	}
}

func (s *Server) sendFile(ctx context.Context, sess *session, ep *network.Transport) (transfer.Result, bool, error) {
	file, info, err := filesystem.OpenForRead(filesystem.Resolve(s.cfg.Root, sess.key))
	if err != nil {
		s.refuse(ep, sess, protocol.Error{Code: protocol.CodeFileNotFound, Message: "file not found"})
		return transfer.Result{}, true, err
	}
	defer file.Close()

	res, err := transfer.Send(ctx, ep, sess.peer, file, info.Size, s.transferOptions())
	return res, false, err
}

// receiveFile writes into a partial file. The target is replaced once the
// last block is in, before that block is acknowledged.
func (s *Server) receiveFile(ctx context.Context, sess *session, ep *network.Transport) (transfer.Result, bool, error) {
	target := filesystem.Resolve(s.cfg.Root, sess.key)
	file, err := filesystem.CreatePartial(target)
	if err != nil {
		s.refuse(ep, sess, protocol.Error{Code: protocol.CodeAccessViolation, Message: "access violation"})
		return transfer.Result{}, true, err
	}
	committed := false
	defer func() {
		if !committed {
			filesystem.DiscardPartial(file)
		}
	}()

	if err := ep.Send(protocol.Ack{Block: 0}, sess.peer); err != nil {
		return transfer.Result{}, false, err
	}

	opts := s.transferOptions()
	opts.Commit = func() error {
		if err := filesystem.CommitPartial(file, target); err != nil {
			return err
		}
		committed = true
		return nil
	}

	res, err := transfer.Receive(ctx, ep, sess.peer, file, opts)
	return res, false, err
}
