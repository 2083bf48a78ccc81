// Package client implements the one-shot UDP and TCP senders used to feed
// the poll server.
package client

import (
	"bytes"
	"context"
	"net"
	"strconv"

	"github.com/nikandfor/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"pollserver/internal/sock"
)

// SendCapacity is the size of the send buffer both senders fill payloads
// from.
const SendCapacity = 1_000_000

// echoLimit is the payload size up to which sent datagrams are logged in
// full.
const echoLimit = 60

var ErrTooLarge = errors.New("message too long for the buffer")

// Config describes one run of a sender.
type Config struct {
	Host  string
	Port  uint16
	Count int     // messages to send
	Size  int     // bytes per message
	Rate  float64 // messages per second, 0 sends as fast as possible
}

// ParseArgs builds a Config from the positional <host> <port> <n> <k>
// arguments.
func ParseArgs(args []string, r float64) (Config, error) {
	if len(args) != 4 {
		return Config{}, errors.New("expected <host> <port> <n> <k>")
	}

	port, err := sock.ParsePort(args[1])
	if err != nil {
		return Config{}, err
	}

	n, err := strconv.Atoi(args[2])
	if err != nil || n < 0 {
		return Config{}, errors.New("invalid n %q", args[2])
	}

	k, err := strconv.Atoi(args[3])
	if err != nil || k < 0 {
		return Config{}, errors.New("invalid k %q", args[3])
	}

	return Config{Host: args[0], Port: port, Count: n, Size: k, Rate: r}, nil
}

func (c Config) limiter() *rate.Limiter {
	if c.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(c.Rate), 1)
}

// SendDatagrams sends Count datagrams of Size bytes, each filled with 'h'.
func SendDatagrams(ctx context.Context, cfg Config, log *zap.Logger) error {
	if cfg.Size > SendCapacity {
		return ErrTooLarge
	}

	addr, err := sock.ResolveIPv4(cfg.Host)
	if err != nil {
		return err
	}

	fd, err := sock.Dial(unix.SOCK_DGRAM, addr, cfg.Port)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	peer := net.JoinHostPort(net.IP(addr[:]).String(), strconv.Itoa(int(cfg.Port)))
	payload := bytes.Repeat([]byte{'h'}, cfg.Size)
	lim := cfg.limiter()

	log.Info("Sending datagrams", zap.Int("n", cfg.Count), zap.Int("k", cfg.Size))

	for i := 0; i < cfg.Count; i++ {
		if err := lim.Wait(ctx); err != nil {
			return errors.Wrap(err, "wait")
		}

		n, err := unix.Write(fd, payload)
		if err != nil {
			return errors.Wrap(err, "sendto")
		}
		if n != len(payload) {
			return errors.New("sent %d of %d bytes", n, len(payload))
		}

		fields := []zap.Field{zap.String("peer", peer), zap.Int("bytes", n)}
		if n <= echoLimit {
			fields = append(fields, zap.ByteString("payload", payload))
		}
		log.Info("Sent datagram", fields...)
	}

	return nil
}

// SendStream connects, writes Count zero-filled segments of Size bytes and
// half-closes the connection. No reply is read.
func SendStream(ctx context.Context, cfg Config, log *zap.Logger) error {
	if cfg.Size >= SendCapacity {
		return ErrTooLarge
	}

	addr, err := sock.ResolveIPv4(cfg.Host)
	if err != nil {
		return err
	}

	fd, err := sock.Dial(unix.SOCK_STREAM, addr, cfg.Port)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	peer := net.JoinHostPort(net.IP(addr[:]).String(), strconv.Itoa(int(cfg.Port)))
	payload := make([]byte, cfg.Size)
	lim := cfg.limiter()

	for i := 0; i < cfg.Count; i++ {
		if err := lim.Wait(ctx); err != nil {
			return errors.Wrap(err, "wait")
		}

		if err := writeAll(fd, payload); err != nil {
			return errors.Wrap(err, "send")
		}

		log.Info("Sent segment", zap.String("peer", peer), zap.Int("bytes", cfg.Size))
	}

	// Tell the server we are done sending.
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return errors.Wrap(err, "shutdown")
	}

	return nil
}

func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
