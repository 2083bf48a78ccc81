// Package server runs the poll loop that serves the data and control
// listeners.
//
// All slot and counter state is owned by the goroutine calling Run. Other
// goroutines may only call Shutdown and Stats.
package server

import (
	"sync/atomic"

	"github.com/nikandfor/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pollserver/internal/config"
	"pollserver/internal/metrics"
	"pollserver/internal/slots"
	"pollserver/internal/sock"
)

// StatusCommand is the only command understood on the control channel.
const StatusCommand = 'c'

// Phase is the state of the event loop.
type Phase uint32

const (
	Running Phase = iota
	Draining
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "RUNNING"
	case Draining:
		return "DRAINING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Stats is a snapshot of the loop state published after every change.
type Stats struct {
	ActiveData    int
	ActiveControl int
	Phase         Phase
}

type Server struct {
	cfg     config.ServerConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	table   *slots.Table
	buf     []byte // read buffer shared by all slots
	status  []byte // fixed-width status report
	timeout int    // poll timeout in milliseconds
	phase   Phase
	ports   [2]uint16

	shutdown atomic.Bool

	published struct {
		data    atomic.Int64
		control atomic.Int64
		phase   atomic.Uint32
	}
}

// New creates a server. A nil logger or metrics set is replaced by a no-op
// logger and a private registry.
func New(cfg config.ServerConfig, log *zap.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: m,
		table:   slots.New(cfg.DataClients, cfg.ControlClients),
		buf:     make([]byte, cfg.BufferSize),
		status:  make([]byte, cfg.StatusWidth),
		timeout: int(cfg.GetPollTimeout().Milliseconds()),
	}
}

// Listen opens the data and control listeners. Port 0 picks a free port;
// Ports reports what was bound.
func (s *Server) Listen(dataPort, controlPort uint16) error {
	for i, p := range []struct {
		pool slots.Pool
		port uint16
	}{{slots.DataPool, dataPort}, {slots.ControlPool, controlPort}} {
		fd, err := sock.OpenListener(s.cfg.BindAddress, p.port, s.cfg.ListenBacklog)
		if err != nil {
			s.closeListeners()
			return errors.Wrap(err, "%s listener", p.pool)
		}

		port, err := sock.LocalPort(fd)
		if err != nil {
			unix.Close(fd)
			s.closeListeners()
			return err
		}

		s.table.SetListener(p.pool, fd)
		s.ports[i] = port

		if p.pool == slots.DataPool {
			s.log.Info("Listening on port", zap.Uint16("port", port), zap.Int("capacity", s.table.Capacity(p.pool)))
		} else {
			s.log.Info("Listening for commands on port", zap.Uint16("port", port), zap.Int("capacity", s.table.Capacity(p.pool)))
		}
	}

	s.publish()
	return nil
}

// Ports returns the bound data and control ports.
func (s *Server) Ports() (data, control uint16) {
	return s.ports[0], s.ports[1]
}

// Shutdown requests a graceful stop. It only sets a flag; the loop notices
// it at the top of its next iteration, stops accepting and waits for the
// data clients to leave. Safe to call from any goroutine, any number of
// times.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
}

// Stats returns the last published snapshot.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveData:    int(s.published.data.Load()),
		ActiveControl: int(s.published.control.Load()),
		Phase:         Phase(s.published.phase.Load()),
	}
}

func (s *Server) publish() {
	data := s.table.Occupants(slots.DataPool)
	control := s.table.Occupants(slots.ControlPool)

	s.published.data.Store(int64(data))
	s.published.control.Store(int64(control))
	s.published.phase.Store(uint32(s.phase))

	s.metrics.ActiveClients.WithLabelValues(slots.DataPool.String()).Set(float64(data))
	s.metrics.ActiveClients.WithLabelValues(slots.ControlPool.String()).Set(float64(control))
}

func (s *Server) closeListeners() error {
	var first error
	for _, p := range []slots.Pool{slots.DataPool, slots.ControlPool} {
		fd, ok := s.table.ClearListener(p)
		if !ok {
			continue
		}
		if err := unix.Close(fd); err != nil && first == nil {
			first = errors.Wrap(err, "close %s listener", p)
		}
	}

	return first
}
