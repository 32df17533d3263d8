package iuring

import (
	"golang.org/x/sys/unix"

	"github.com/rsveldema/iuring/internal/logging"
)

// SocketType identifies the address family and transport of a socket.
type SocketType int

const (
	SocketTypeUnknown SocketType = iota
	IPv4UDP
	IPv4TCP
	IPv6UDP
	IPv6TCP
)

func (t SocketType) String() string {
	switch t {
	case IPv4UDP:
		return "ipv4-udp"
	case IPv4TCP:
		return "ipv4-tcp"
	case IPv6UDP:
		return "ipv6-udp"
	case IPv6TCP:
		return "ipv6-tcp"
	}
	return "unknown"
}

// SocketKind identifies the role a socket plays.
type SocketKind int

const (
	MulticastPacketSocket SocketKind = iota
	ServerStreamSocket
	UnicastClientSocket
)

func (k SocketKind) String() string {
	switch k {
	case MulticastPacketSocket:
		return "multicast-packet"
	case ServerStreamSocket:
		return "server-stream"
	case UnicastClientSocket:
		return "unicast-client"
	}
	return "unknown"
}

// Well-known ports used by the bundled programs.
const (
	PortHTTP     uint16 = 80
	PortHTTPS    uint16 = 443
	PortLocalWeb uint16 = 8080
)

const listenBacklog = 128

// Socket wraps a file descriptor with its type and kind. Work items hold a
// reference to the socket for the lifetime of their kernel operation so the
// fd outlives the kernel's view of it.
type Socket struct {
	typ    SocketType
	kind   SocketKind
	port   uint16
	fd     int
	logger *logging.Logger
}

// NewSocket allocates, binds and (for ServerStreamSocket) listens on a fresh
// socket. SO_REUSEADDR is set before bind.
func NewSocket(typ SocketType, port uint16, logger *logging.Logger, kind SocketKind) (*Socket, error) {
	var domain, sotype int
	switch typ {
	case IPv4UDP:
		domain, sotype = unix.AF_INET, unix.SOCK_DGRAM
	case IPv4TCP:
		domain, sotype = unix.AF_INET, unix.SOCK_STREAM
	case IPv6UDP:
		domain, sotype = unix.AF_INET6, unix.SOCK_DGRAM
	case IPv6TCP:
		domain, sotype = unix.AF_INET6, unix.SOCK_STREAM
	default:
		return nil, NewError("SOCKET", ErrCodeTransport, "unknown socket type")
	}

	fd, err := unix.Socket(domain, sotype, 0)
	if err != nil {
		return nil, WrapError("SOCKET", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, WrapError("SETSOCKOPT", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		sa = &unix.SockaddrInet4{Port: int(port)}
	} else {
		sa = &unix.SockaddrInet6{Port: int(port)}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, WrapError("BIND", err)
	}

	if kind == ServerStreamSocket {
		if err := unix.Listen(fd, listenBacklog); err != nil {
			unix.Close(fd)
			return nil, WrapError("LISTEN", err)
		}
	}

	logger.Debug("socket created", "fd", fd, "type", typ, "kind", kind, "port", port)

	return &Socket{
		typ:    typ,
		kind:   kind,
		port:   port,
		fd:     fd,
		logger: logger,
	}, nil
}

// NewAcceptedSocket wraps the fd delivered by an accept completion.
func NewAcceptedSocket(logger *logging.Logger, res AcceptResult) *Socket {
	typ := IPv4TCP
	if !res.Address.IsIPv4() {
		typ = IPv6TCP
	}
	return &Socket{
		typ:    typ,
		kind:   UnicastClientSocket,
		port:   res.Address.Port(),
		fd:     res.NewFd,
		logger: logger,
	}
}

// Fd returns the file descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

// Type returns the socket's address family and transport.
func (s *Socket) Type() SocketType {
	return s.typ
}

// Kind returns the socket's role.
func (s *Socket) Kind() SocketKind {
	return s.kind
}

// Port returns the bound or peer port in host order.
func (s *Socket) Port() uint16 {
	return s.port
}

// IsStream reports whether the socket is one of the TCP variants.
func (s *Socket) IsStream() bool {
	return s.typ == IPv4TCP || s.typ == IPv6TCP
}

// Close releases the fd directly, outside the ring. Prefer Ring.SubmitClose
// for sockets with in-flight operations.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return WrapError("CLOSE", err)
	}
	return nil
}

// JoinMulticastGroup subscribes a multicast packet socket to group on the
// interface carrying ifaceAddr (both dotted quads).
func (s *Socket) JoinMulticastGroup(group, ifaceAddr string) error {
	if s.kind != MulticastPacketSocket {
		return NewSocketError("MCAST_JOIN", s.fd, ErrCodeTransport, unix.EINVAL)
	}
	groupAddr, err := ParseIPv4(group, 0)
	if err != nil {
		return err
	}
	localAddr, err := ParseIPv4(ifaceAddr, 0)
	if err != nil {
		return err
	}

	mreq := &unix.IPMreq{
		Multiaddr: groupAddr.v4.Addr,
		Interface: localAddr.v4.Addr,
	}
	if err := unix.SetsockoptIPMreq(s.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return WrapError("MCAST_JOIN", err)
	}
	s.logger.Info("joined multicast group", "fd", s.fd, "group", group, "iface", ifaceAddr)
	return nil
}
