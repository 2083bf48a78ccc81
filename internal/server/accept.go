package server

import (
	"github.com/nikandfor/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pollserver/internal/slots"
	"pollserver/internal/sock"
)

// dispatchAccepts takes at most one connection per ready listener, data
// listener first. Pending connections beyond that one wait for the next
// iteration so neither listener can starve the other.
func (s *Server) dispatchAccepts(revents []int16) error {
	if s.phase != Running {
		return nil
	}

	for _, p := range []slots.Pool{slots.DataPool, slots.ControlPool} {
		li := s.table.ListenerIndex(p)
		if revents[li]&unix.POLLIN == 0 {
			continue
		}

		lfd, ok := s.table.Get(li).Fd()
		if !ok {
			continue
		}

		if err := s.accept(p, lfd); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) accept(p slots.Pool, lfd int) error {
	fd, sa, err := sock.Accept(lfd)
	if err != nil {
		if sock.TransientAccept(err) {
			s.log.Warn("Accept failed", zap.Stringer("pool", p), zap.Error(err))
			return nil
		}
		return errors.Wrap(err, "accept %s", p)
	}

	idx, ok := s.table.Allocate(p, fd)
	if !ok {
		if err := unix.Close(fd); err != nil {
			s.log.Error("Failed to close rejected connection", zap.Int("fd", fd), zap.Error(err))
		}
		s.log.Warn("Too many clients",
			zap.Stringer("pool", p),
			zap.String("peer", sock.FormatSockaddr(sa)),
			zap.Int("capacity", s.table.Capacity(p)),
		)
		s.metrics.Rejected.WithLabelValues(p.String()).Inc()
		return nil
	}

	s.log.Info("Received new connection",
		zap.Int("slot", idx),
		zap.Stringer("pool", p),
		zap.String("peer", sock.FormatSockaddr(sa)),
	)
	s.metrics.Accepted.WithLabelValues(p.String()).Inc()
	s.publish()

	return nil
}
