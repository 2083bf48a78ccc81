// Package sock wraps the raw socket syscalls shared by the poll server and
// the echo clients. Every call returns a wrapped error; deciding whether a
// failure is fatal is left to the caller.
package sock

import (
	"net"
	"strconv"

	"github.com/nikandfor/errors"
	"golang.org/x/sys/unix"
)

// OpenListener creates an IPv4 stream socket bound to bindAddr:port and puts
// it into listening state. Port 0 lets the kernel pick one.
func OpenListener(bindAddr string, port uint16, backlog int) (int, error) {
	addr, err := inet4(bindAddr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port), Addr: addr}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind %s:%d", bindAddr, port)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}

	return fd, nil
}

// LocalPort reports the port a socket is bound to.
func LocalPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, errors.Wrap(err, "getsockname")
	}

	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(v.Port), nil
	case *unix.SockaddrInet6:
		return uint16(v.Port), nil
	default:
		return 0, errors.New("getsockname: unexpected address family")
	}
}

// Accept takes one pending connection off a listening socket. The returned
// descriptor is in blocking mode.
func Accept(fd int) (int, unix.Sockaddr, error) {
	connFd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}

	return connFd, sa, nil
}

// TransientAccept reports whether an accept failure only concerns the one
// pending connection and the listener remains usable.
func TransientAccept(err error) bool {
	switch err {
	case unix.EAGAIN, unix.ECONNABORTED, unix.EINTR, unix.EPROTO:
		return true
	}
	return false
}

// Dial opens a socket of the given type (unix.SOCK_STREAM or
// unix.SOCK_DGRAM) and connects it to addr:port.
func Dial(sotype int, addr [4]byte, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, sotype|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.Connect(fd, &unix.SockaddrInet4{Port: int(port), Addr: addr}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "connect %s:%d", net.IP(addr[:]), port)
	}

	return fd, nil
}

// ResolveIPv4 looks up host and returns its first IPv4 address.
func ResolveIPv4(host string) ([4]byte, error) {
	ip, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return [4]byte{}, errors.Wrap(err, "resolve %q", host)
	}

	v4 := ip.IP.To4()
	if v4 == nil {
		return [4]byte{}, errors.New("resolve %q: no IPv4 address", host)
	}

	return [4]byte(v4), nil
}

// ParsePort parses a decimal port number.
func ParsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrap(err, "%q is not a valid port number", s)
	}

	return uint16(p), nil
}

// FormatSockaddr renders an IPv4/IPv6 socket address as host:port.
func FormatSockaddr(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	default:
		return "unknown"
	}
}

func inet4(s string) ([4]byte, error) {
	if s == "" {
		return [4]byte{}, nil
	}

	ip := net.ParseIP(s).To4()
	if ip == nil {
		return [4]byte{}, errors.New("bind address %q is not an IPv4 address", s)
	}

	return [4]byte(ip), nil
}
