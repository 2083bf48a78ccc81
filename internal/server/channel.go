package server

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pollserver/internal/slots"
)

// dispatchClients reads once from every ready client slot in ascending
// index order. Slots filled during this iteration were not polled and are
// skipped because their revents are zero.
func (s *Server) dispatchClients(revents []int16) {
	for i := 0; i < s.table.Len(); i++ {
		sl := s.table.Get(i)
		if sl.Listener() || revents[i]&clientReady == 0 {
			continue
		}

		fd, ok := sl.Fd()
		if !ok {
			continue
		}

		n, err := unix.Read(fd, s.buf)
		switch {
		case err != nil:
			s.log.Warn("Error when reading message from connection", zap.Int("slot", i), zap.Error(err))
			s.release(i, "read_error")
		case n == 0:
			s.log.Info("Ending connection", zap.Int("slot", i), zap.Stringer("pool", sl.Pool()))
			s.release(i, "eof")
		case sl.Pool() == slots.ControlPool:
			s.command(i, fd, s.buf[:n])
		default:
			s.log.Info("Received data",
				zap.Int("slot", i),
				zap.Int("bytes", n),
				zap.ByteString("payload", s.buf[:n]),
			)
			s.metrics.BytesReceived.Add(float64(n))
		}
	}
}

// command handles a read from a control slot. Only the first byte counts.
func (s *Server) command(i, fd int, msg []byte) {
	if msg[0] != StatusCommand {
		s.log.Info("Terminating connection", zap.Int("slot", i), zap.Uint8("command", msg[0]))
		s.metrics.UnknownCommand.Inc()
		s.release(i, "unknown_command")
		return
	}

	active := s.table.Occupants(slots.DataPool)
	total := active + s.table.Occupants(slots.ControlPool)
	report := FormatStatus(s.status, active, total)

	// Not flow controlled: a control client that stops reading can block
	// the loop here.
	n, err := unix.Write(fd, report)
	if err != nil {
		s.log.Warn("Error when writing status report", zap.Int("slot", i), zap.Error(err))
		s.release(i, "write_error")
		return
	}
	if n != len(report) {
		s.log.Warn("Short write of status report", zap.Int("slot", i), zap.Int("written", n), zap.Int("size", len(report)))
	}

	s.log.Debug("Sent status report", zap.Int("slot", i), zap.Int("active", active), zap.Int("total", total))
	s.metrics.StatusReports.Inc()
}

// release empties a client slot and closes its descriptor. The pool counter
// is decremented by the table, once per occupied slot.
func (s *Server) release(i int, reason string) {
	pool := s.table.Get(i).Pool()

	fd, ok := s.table.Release(i)
	if !ok {
		return
	}

	if err := unix.Close(fd); err != nil {
		s.log.Error("Failed to close connection", zap.Int("slot", i), zap.Int("fd", fd), zap.Error(err))
	}

	s.metrics.Closed.WithLabelValues(pool.String(), reason).Inc()
	s.publish()
}

// FormatStatus writes the status report into buf, zero padded to the full
// length of buf. A report longer than buf is truncated.
func FormatStatus(buf []byte, active, total int) []byte {
	clear(buf)
	copy(buf, fmt.Sprintf("Number of active clients: %d\nTotal number of clients: %d\n", active, total))
	return buf
}
