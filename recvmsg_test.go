package iuring

import (
	"encoding/binary"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// buildDatagram lays out a provided buffer the way the kernel does for a
// multishot recvmsg completion: header, then name and control regions sized
// by the submitted msghdr capacities, then the payload.
func buildDatagram(t *testing.T, msg *syscall.Msghdr, name []byte, payload []byte, flags uint32) ([]byte, int32) {
	t.Helper()

	buf := make([]byte, 4096)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(name)))
	binary.NativeEndian.PutUint32(buf[4:8], 0) // controllen
	binary.NativeEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.NativeEndian.PutUint32(buf[12:16], flags)

	copy(buf[recvmsgOutSize:], name)
	payloadStart := recvmsgOutSize + int(msg.Namelen) + int(msg.Controllen)
	copy(buf[payloadStart:], payload)

	return buf, int32(payloadStart + len(payload))
}

func sockaddrBytes(addr IPAddress) []byte {
	var rsa unix.RawSockaddrAny
	n := addr.writeSockaddr(&rsa)
	return unsafe.Slice((*byte)(unsafe.Pointer(&rsa)), n)
}

func datagramMsghdr() syscall.Msghdr {
	return syscall.Msghdr{Namelen: unix.SizeofSockaddrAny}
}

func TestParseRecvmsgValidV4(t *testing.T) {
	msg := datagramMsghdr()
	source := NewIPv4([4]byte{192, 168, 1, 7}, 5004)
	payload := []byte("hello datagram")

	buf, res := buildDatagram(t, &msg, sockaddrBytes(source), payload, 0)

	view, perr := parseRecvmsg(buf, res, &msg)
	require.Nil(t, perr)
	assert.Equal(t, payload, view.payload)

	parsed, err := ipAddressFromBytes(view.name)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(source))
	assert.Equal(t, uint16(5004), parsed.Port())
}

func TestParseRecvmsgValidV6(t *testing.T) {
	msg := datagramMsghdr()
	source := NewIPv6([16]byte{0: 0xfe, 1: 0x80, 15: 0x01}, 9875)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	buf, res := buildDatagram(t, &msg, sockaddrBytes(source), payload, 0)

	view, perr := parseRecvmsg(buf, res, &msg)
	require.Nil(t, perr)
	assert.Equal(t, payload, view.payload)

	parsed, err := ipAddressFromBytes(view.name)
	require.NoError(t, err)
	assert.False(t, parsed.IsIPv4())
	assert.True(t, parsed.Equal(source))
}

func TestParseRecvmsgTruncatedPayload(t *testing.T) {
	msg := datagramMsghdr()
	source := NewIPv4([4]byte{10, 0, 0, 1}, 319)

	buf, res := buildDatagram(t, &msg, sockaddrBytes(source), []byte("part"), syscall.MSG_TRUNC)

	view, perr := parseRecvmsg(buf, res, &msg)
	require.NotNil(t, perr)
	assert.Nil(t, view)
	assert.Equal(t, ErrCodeTruncated, perr.Code)
}

func TestParseRecvmsgOversizedName(t *testing.T) {
	msg := datagramMsghdr()
	buf := make([]byte, 4096)
	binary.NativeEndian.PutUint32(buf[0:4], sockaddrStorageSize+1)

	view, perr := parseRecvmsg(buf, int32(len(buf)), &msg)
	require.NotNil(t, perr)
	assert.Nil(t, view)
	assert.Equal(t, ErrCodeTruncated, perr.Code)
}

func TestParseRecvmsgShortCompletion(t *testing.T) {
	msg := datagramMsghdr()
	buf := make([]byte, 4096)

	// fewer bytes than header + name capacity + control capacity
	view, perr := parseRecvmsg(buf, recvmsgOutSize, &msg)
	require.NotNil(t, perr)
	assert.Nil(t, view)
	assert.Equal(t, ErrCodeTransport, perr.Code)
}

func TestParseRecvmsgEmptyName(t *testing.T) {
	msg := datagramMsghdr()
	payload := []byte("no source")

	buf, res := buildDatagram(t, &msg, nil, payload, 0)

	view, perr := parseRecvmsg(buf, res, &msg)
	require.Nil(t, perr)
	assert.Empty(t, view.name)
	assert.Equal(t, payload, view.payload)
}
