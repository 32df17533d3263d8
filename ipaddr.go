package iuring

import (
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IPAddress holds an IPv4 or IPv6 socket address in kernel sockaddr form.
// The zero value is invalid.
type IPAddress struct {
	v4 *unix.RawSockaddrInet4
	v6 *unix.RawSockaddrInet6
}

// swap16 converts a port between host and network byte order. The operation
// is its own inverse, so it serves as both htons and ntohs.
func swap16(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// NewIPv4 builds an address from 4 octets and a host-order port.
func NewIPv4(addr [4]byte, port uint16) IPAddress {
	sa := &unix.RawSockaddrInet4{
		Family: unix.AF_INET,
		Port:   swap16(port),
		Addr:   addr,
	}
	return IPAddress{v4: sa}
}

// NewIPv6 builds an address from 16 octets and a host-order port.
func NewIPv6(addr [16]byte, port uint16) IPAddress {
	sa := &unix.RawSockaddrInet6{
		Family: unix.AF_INET6,
		Port:   swap16(port),
		Addr:   addr,
	}
	return IPAddress{v6: sa}
}

// ParseIPv4 converts an "a.b.c.d" string and host-order port to an address.
func ParseIPv4(s string, port uint16) (IPAddress, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return IPAddress{}, NewError("PARSE_ADDR", ErrCodeTransport, fmt.Sprintf("not an IP address: %q", s))
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return IPAddress{}, NewError("PARSE_ADDR", ErrCodeTransport, fmt.Sprintf("not an IPv4 address: %q", s))
	}
	var addr [4]byte
	copy(addr[:], ip4)
	return NewIPv4(addr, port), nil
}

// Valid reports whether the address holds a v4 or v6 sockaddr.
func (a IPAddress) Valid() bool {
	return a.v4 != nil || a.v6 != nil
}

// IsIPv4 reports whether the address is IPv4.
func (a IPAddress) IsIPv4() bool {
	return a.v4 != nil
}

// Port returns the port in host byte order.
func (a IPAddress) Port() uint16 {
	switch {
	case a.v4 != nil:
		return swap16(a.v4.Port)
	case a.v6 != nil:
		return swap16(a.v6.Port)
	}
	return 0
}

// WithPort returns a copy of the address with the port replaced.
func (a IPAddress) WithPort(port uint16) IPAddress {
	switch {
	case a.v4 != nil:
		return NewIPv4(a.v4.Addr, port)
	case a.v6 != nil:
		return NewIPv6(a.v6.Addr, port)
	}
	return IPAddress{}
}

// IPString returns just the IP address part.
func (a IPAddress) IPString() string {
	switch {
	case a.v4 != nil:
		return net.IP(a.v4.Addr[:]).String()
	case a.v6 != nil:
		return net.IP(a.v6.Addr[:]).String()
	}
	return "<invalid>"
}

// String returns "ip:port".
func (a IPAddress) String() string {
	if !a.Valid() {
		return "<invalid>"
	}
	if a.v6 != nil {
		return fmt.Sprintf("[%s]:%d", a.IPString(), a.Port())
	}
	return fmt.Sprintf("%s:%d", a.IPString(), a.Port())
}

// Equal compares family, address bytes and port.
func (a IPAddress) Equal(other IPAddress) bool {
	switch {
	case a.v4 != nil && other.v4 != nil:
		return *a.v4 == *other.v4
	case a.v6 != nil && other.v6 != nil:
		return a.v6.Family == other.v6.Family &&
			a.v6.Port == other.v6.Port &&
			a.v6.Addr == other.v6.Addr
	}
	return false
}

// sockaddrLen returns the byte length of the kernel sockaddr.
func (a IPAddress) sockaddrLen() uint32 {
	switch {
	case a.v4 != nil:
		return unix.SizeofSockaddrInet4
	case a.v6 != nil:
		return unix.SizeofSockaddrInet6
	}
	return 0
}

// writeSockaddr copies the kernel sockaddr into the scratch storage used for
// connect submissions and returns its length.
func (a IPAddress) writeSockaddr(dst *unix.RawSockaddrAny) uint32 {
	switch {
	case a.v4 != nil:
		*(*unix.RawSockaddrInet4)(unsafe.Pointer(dst)) = *a.v4
		return unix.SizeofSockaddrInet4
	case a.v6 != nil:
		*(*unix.RawSockaddrInet6)(unsafe.Pointer(dst)) = *a.v6
		return unix.SizeofSockaddrInet6
	}
	return 0
}

// ipAddressFromRaw interprets length bytes of scratch sockaddr storage.
// A zero length is treated as IPv4 the way accept leaves it on some paths.
func ipAddressFromRaw(rsa *unix.RawSockaddrAny, length uint32) (IPAddress, error) {
	switch length {
	case 0, unix.SizeofSockaddrInet4:
		sa := *(*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		return IPAddress{v4: &sa}, nil
	case unix.SizeofSockaddrInet6:
		sa := *(*unix.RawSockaddrInet6)(unsafe.Pointer(rsa))
		return IPAddress{v6: &sa}, nil
	}
	return IPAddress{}, NewError("PARSE_ADDR", ErrCodeTransport, fmt.Sprintf("unexpected sockaddr length %d", length))
}

// ipAddressFromBytes interprets a sockaddr delivered inline in a provided
// buffer (multishot recvmsg places the source name ahead of the payload).
func ipAddressFromBytes(b []byte) (IPAddress, error) {
	switch len(b) {
	case unix.SizeofSockaddrInet4:
		sa := *(*unix.RawSockaddrInet4)(unsafe.Pointer(&b[0]))
		return IPAddress{v4: &sa}, nil
	case unix.SizeofSockaddrInet6:
		sa := *(*unix.RawSockaddrInet6)(unsafe.Pointer(&b[0]))
		return IPAddress{v6: &sa}, nil
	}
	return IPAddress{}, NewError("PARSE_ADDR", ErrCodeTransport, fmt.Sprintf("unexpected sockaddr length %d", len(b)))
}
