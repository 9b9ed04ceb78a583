package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	DefaultBacklog  = 100
	DefaultHostname = "127.0.0.1"
	DefaultPort     = 8899
)

type ListenConfig struct {
	Hostname string
	Port     int
	Backlog  int
}

// Listener owns a bound, non-blocking listening socket. Its descriptor can
// be handed to other processes; each receiver gets its own duplicate.
type Listener struct {
	fd     int
	family int
	addr   netip.AddrPort
}

// Listen binds and listens according to cfg. When cfg.Port is 0 the port
// picked by the kernel is available from Port.
func Listen(ctx context.Context, cfg ListenConfig) (*Listener, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = DefaultHostname
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}

	ip, err := resolveHost(ctx, cfg.Hostname)
	if err != nil {
		return nil, err
	}

	family := unix.AF_INET6
	var sa unix.Sockaddr
	if ip.Is4() || ip.Is4In6() {
		family = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: cfg.Port, Addr: ip.Unmap().As4()}
	} else {
		sa6 := &unix.SockaddrInet6{Port: cfg.Port, Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			if ifi, err := net.InterfaceByName(zone); err == nil {
				sa6.ZoneId = uint32(ifi.Index)
			}
		}
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("listen socket: %w", err)
	}

	if err := bindAndListen(fd, sa, cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port)), err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen getsockname: %w", err)
	}

	return &Listener{fd: fd, family: family, addr: netip.AddrPortFrom(ip, uint16(sockaddrPort(bound)))}, nil
}

func bindAndListen(fd int, sa unix.Sockaddr, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func resolveHost(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, errors.New("no addresses"))
	}
	return ips[0], nil
}

func sockaddrPort(sa unix.Sockaddr) int {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	default:
		return 0
	}
}

func (l *Listener) Fd() int { return l.fd }

func (l *Listener) Family() int { return l.family }

func (l *Listener) Port() int { return int(l.addr.Port()) }

func (l *Listener) Addr() netip.AddrPort { return l.addr }

func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

// SockaddrString formats an accepted peer address.
func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrUnix:
		return a.Name
	default:
		return ""
	}
}
