package server

import (
	"github.com/nikandfor/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pollserver/internal/slots"
)

const clientReady = unix.POLLIN | unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

// Run serves both listeners until Shutdown was requested and every data
// client has disconnected. It returns nil on graceful termination and an
// error when polling or accepting fails in a way the server cannot recover
// from.
func (s *Server) Run() error {
	if !s.table.Get(s.table.ListenerIndex(slots.DataPool)).Occupied() {
		return errors.New("server: Run called before Listen")
	}

	pfds := make([]unix.PollFd, 0, s.table.Len())
	owner := make([]int, 0, s.table.Len())
	revents := make([]int16, s.table.Len())

	s.log.Info("Entering event loop", zap.Int("poll_timeout_ms", s.timeout))

	for {
		if s.phase == Running && s.shutdown.Load() {
			if err := s.drain(); err != nil {
				s.closeAll()
				return err
			}
		}

		if s.phase == Draining && s.table.Occupants(slots.DataPool) == 0 {
			s.terminate()
			return nil
		}

		// Readiness is rebuilt every iteration from the occupied slots.
		pfds, owner = pfds[:0], owner[:0]
		for i := 0; i < s.table.Len(); i++ {
			revents[i] = 0
			fd, ok := s.table.Get(i).Fd()
			if !ok {
				continue
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
			owner = append(owner, i)
		}

		n, err := unix.Poll(pfds, s.timeout)
		if err != nil {
			if err == unix.EINTR {
				s.log.Warn("Interrupted system call")
				s.metrics.PollInterrupts.Inc()
				continue
			}
			s.closeAll()
			return errors.Wrap(err, "poll")
		}

		if n == 0 {
			s.log.Info("Milliseconds passed without any events", zap.Int("timeout_ms", s.timeout))
			s.metrics.PollTimeouts.Inc()
			continue
		}

		for k, pfd := range pfds {
			revents[owner[k]] = pfd.Revents
		}

		if err := s.dispatchAccepts(revents); err != nil {
			s.closeAll()
			return err
		}
		s.dispatchClients(revents)
	}
}

// drain moves the loop to Draining: both listeners are closed and never
// reopened.
func (s *Server) drain() error {
	s.log.Info("Shutdown requested. No new connections will be accepted.",
		zap.Int("active_data_clients", s.table.Occupants(slots.DataPool)),
	)

	s.phase = Draining
	s.metrics.Draining.Set(1)
	err := s.closeListeners()
	s.publish()

	return err
}

// terminate drops whatever control connections are still open.
func (s *Server) terminate() {
	for i := 0; i < s.table.Len(); i++ {
		sl := s.table.Get(i)
		if sl.Listener() || !sl.Occupied() {
			continue
		}
		s.log.Info("Dropping connection", zap.Int("slot", i), zap.Stringer("pool", sl.Pool()))
		s.release(i, "shutdown")
	}

	s.phase = Terminated
	s.publish()
	s.log.Info("Server terminated")
}

// closeAll releases every descriptor after a fatal error.
func (s *Server) closeAll() {
	if err := s.closeListeners(); err != nil {
		s.log.Error("Failed to close listener", zap.Error(err))
	}
	for i := 0; i < s.table.Len(); i++ {
		s.release(i, "fatal")
	}

	s.phase = Terminated
	s.publish()
}
