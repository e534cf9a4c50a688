package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tftpd/internal/config"
	"tftpd/internal/errors"
	"tftpd/internal/filelock"
	"tftpd/internal/filesystem"
	"tftpd/internal/logging"
	"tftpd/internal/network"
	"tftpd/internal/protocol"
	"tftpd/internal/transfer"
)

const tracerName = "tftpd/server"

// Server answers read and write requests on the well-known port and runs each
// transfer on its own ephemeral port
type Server struct {
	cfg      *config.Config
	listener *network.Transport
	bindIP   string
	registry *filelock.Registry

	slots   chan int
	results chan sessionResult
	wg      sync.WaitGroup
	active  atomic.Int64
	grace   time.Duration

	mu       sync.Mutex
	sessions map[string]*network.Transport
	pending  map[string]struct{}

	metrics  *Metrics
	gatherer prometheus.Gatherer
	tracer   trace.Tracer
}

// New seeds the lock registry from cfg.Root and binds the request port
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidationError("config", cfg.String(), err.Error())
	}

	registry := filelock.New()
	seeded, err := registry.Seed(cfg.Root)
	if err != nil {
		return nil, err
	}
	slog.Info("Lock registry seeded", "root", cfg.Root, "files", seeded, "height", registry.Height())

	listener, err := network.Listen(cfg.Address())
	if err != nil {
		return nil, err
	}

	bindIP := ""
	if ip := listener.LocalAddr().IP; ip != nil && !ip.IsUnspecified() {
		bindIP = ip.String()
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())

	s := &Server{
		cfg:      cfg,
		listener: listener,
		bindIP:   bindIP,
		registry: registry,
		slots:    make(chan int, cfg.Workers),
		results:  make(chan sessionResult, cfg.Workers),
		grace:    cfg.ShutdownGrace,
		sessions: make(map[string]*network.Transport),
		pending:  make(map[string]struct{}),
		metrics:  NewMetrics(promRegistry),
		gatherer: promRegistry,
		tracer:   otel.Tracer(tracerName),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.slots <- i
	}
	s.metrics.freeSlots.Set(float64(cfg.Workers))
	s.metrics.registrySize.Set(float64(seeded))

	return s, nil
}

// Addr returns the bound request address
func (s *Server) Addr() *net.UDPAddr {
	return s.listener.LocalAddr()
}

// Registry exposes the file lock registry
func (s *Server) Registry() *filelock.Registry {
	return s.registry
}

// Run serves requests until ctx is cancelled, then waits for in-flight
// sessions up to the shutdown grace period
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("Starting server",
		"address", s.Addr().String(),
		"workers", s.cfg.Workers,
		"root", s.cfg.Root)

	if s.cfg.MetricsAddr != "" {
		if err := s.startAdmin(ctx, s.cfg.MetricsAddr); err != nil {
			s.listener.Close()
			return err
		}
	}

	if s.cfg.Watch {
		if err := s.registry.Watch(ctx, s.cfg.Root); err != nil {
			s.listener.Close()
			return err
		}
	}

	stopCollect := make(chan struct{})
	collectDone := make(chan struct{})
	go s.collect(stopCollect, collectDone)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	err := s.acceptLoop(ctx)
	cancel()

	s.drain()
	close(stopCollect)
	<-collectDone
	s.registry.Close()

	slog.Info("Server stopped")
	return err
}

// acceptLoop is the only reader of the request port
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		p, from, err := s.listener.Receive(0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if from != nil {
				slog.Debug("Dropping malformed request", "from", from.String(), "error", err)
				s.metrics.dropped.WithLabelValues(dropMalformed).Inc()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Warn("Failed to read request", "error", err)
			continue
		}

		s.dispatch(ctx, p, from)
	}
}

// dispatch claims a worker slot for a request and hands it to a session
func (s *Server) dispatch(ctx context.Context, p protocol.Packet, from *net.UDPAddr) {
	var sess *session
	switch req := p.(type) {
	case protocol.ReadRequest:
		sess = newSession(directionRead, req.Filename, req.Mode, from)
	case protocol.WriteRequest:
		sess = newSession(directionWrite, req.Filename, req.Mode, from)
	default:
		slog.Debug("Ignoring packet on the request port", "opcode", p.Opcode().String(), "from", from.String())
		s.metrics.dropped.WithLabelValues(dropNotRequest).Inc()
		return
	}
	s.metrics.requests.WithLabelValues(p.Opcode().String()).Inc()

	// A retransmitted request must not start a second session for the same
	// peer and file
	if !s.claimPending(sess) {
		slog.Debug("Dropping duplicate request", "from", from.String(), "file", sess.filename)
		s.metrics.dropped.WithLabelValues(dropDuplicate).Inc()
		return
	}

	var slot int
	select {
	case slot = <-s.slots:
	default:
		s.releasePending(sess)
		slog.Warn("All workers busy, dropping request", "from", from.String(), "file", sess.filename)
		s.metrics.dropped.WithLabelValues(dropCapacity).Inc()
		return
	}
	s.metrics.freeSlots.Set(float64(len(s.slots)))

	s.admit(sess)

	s.wg.Add(1)
	go s.serve(ctx, sess, slot)
}

// admit resolves the lock node, or the error packet that refuses the request
func (s *Server) admit(sess *session) {
	if !protocol.IsOctet(sess.mode) {
		sess.refuse(protocol.CodeIllegalOption, "unsupported transfer mode")
		return
	}

	key, err := filesystem.NormalizeName(sess.filename)
	if err != nil {
		sess.refuse(protocol.CodeAccessViolation, "access violation")
		return
	}
	sess.key = key

	if sess.direction == directionRead {
		// Reads never create nodes
		if sess.node = s.registry.Find(key); sess.node == nil {
			sess.refuse(protocol.CodeFileNotFound, "file not found")
		}
		return
	}

	node, created := s.registry.FindOrInsert(key)
	if created {
		s.metrics.registrySize.Set(float64(s.registry.Len()))
	}
	sess.node = node
}

// claimPending records sess as queued or running. It fails when the same peer
// already has a session of the same direction on the same file. Names that
// cannot be served are left to admit, which refuses them.
func (s *Server) claimPending(sess *session) bool {
	name, err := filesystem.NormalizeName(sess.filename)
	if err != nil {
		return true
	}
	key := sess.peer.String() + " " + sess.direction + " " + name

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.pending[key]; dup {
		return false
	}
	s.pending[key] = struct{}{}
	sess.pending = key
	return true
}

func (s *Server) releasePending(sess *session) {
	if sess.pending == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, sess.pending)
}

func (s *Server) releaseSlot(slot int) {
	s.slots <- slot
	s.metrics.freeSlots.Set(float64(len(s.slots)))
}

func (s *Server) track(id string, ep *network.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = ep
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) interruptSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.sessions {
		ep.Interrupt()
	}
}

// drain waits for running sessions, waking their blocked reads until they
// notice the cancelled context
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()

	s.interruptSessions()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.interruptSessions()
		case <-deadline.C:
			slog.Warn("Shutdown grace period expired", "active_sessions", s.active.Load())
			return
		}
	}
}

// collect records finished sessions until stop is closed
func (s *Server) collect(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case r := <-s.results:
			s.record(r)
		case <-stop:
			for {
				select {
				case r := <-s.results:
					s.record(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) record(r sessionResult) {
	status := statusSuccess
	switch {
	case r.rejected:
		status = statusRejected
	case r.err != nil:
		status = statusFailed
	}

	s.metrics.transfers.WithLabelValues(r.direction, status).Inc()
	s.metrics.bytes.WithLabelValues(r.direction).Add(float64(r.bytes))
	s.metrics.duration.WithLabelValues(r.direction).Observe(r.duration.Seconds())

	if r.err != nil {
		logging.LogError(r.err, "session "+r.id)
	} else {
		logging.LogTransferComplete(r.filename, r.bytes, r.duration)
	}
	logging.LogSessionEnd(r.id, r.err == nil, r.bytes, r.duration)
}

func (s *Server) transferOptions() transfer.Options {
	return transfer.Options{Timeout: s.cfg.Timeout, Retries: s.cfg.Retries}
}
