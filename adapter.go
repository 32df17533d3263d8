package iuring

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/rsveldema/iuring/internal/logging"
)

// NetworkAdapter answers questions about a NIC and optionally tunes it.
// Nothing here is on the hot path.
type NetworkAdapter struct {
	logger    *logging.Logger
	ifaceName string
	tune      bool
}

// NewNetworkAdapter creates an adapter for the named interface. When tune
// is set, TuneNIC issues out-of-band ethtool commands.
func NewNetworkAdapter(logger *logging.Logger, ifaceName string, tune bool) *NetworkAdapter {
	a := &NetworkAdapter{
		logger:    logger,
		ifaceName: ifaceName,
		tune:      tune,
	}
	if tune {
		a.TuneNIC()
	}
	return a
}

// Name returns the interface name.
func (a *NetworkAdapter) Name() string {
	return a.ifaceName
}

// InterfaceIPv4 returns the first IPv4 address assigned to the interface.
func (a *NetworkAdapter) InterfaceIPv4() (IPAddress, error) {
	iface, err := net.InterfaceByName(a.ifaceName)
	if err != nil {
		return IPAddress{}, NewError("ADAPTER", ErrCodeTransport,
			fmt.Sprintf("no such interface %q: %v", a.ifaceName, err))
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return IPAddress{}, NewError("ADAPTER", ErrCodeTransport, err.Error())
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			var b [4]byte
			copy(b[:], ip4)
			return NewIPv4(b, 0), nil
		}
	}
	return IPAddress{}, NewError("ADAPTER", ErrCodeTransport,
		fmt.Sprintf("interface %q has no IPv4 address", a.ifaceName))
}

// MACAddress returns the interface hardware address, empty if unset.
func (a *NetworkAdapter) MACAddress() (string, error) {
	iface, err := net.InterfaceByName(a.ifaceName)
	if err != nil {
		return "", NewError("ADAPTER", ErrCodeTransport, err.Error())
	}
	return iface.HardwareAddr.String(), nil
}

// TuneNIC disables interrupt coalescing on the interface for latency.
// Failures are logged and ignored; the commands are best-effort and need
// root.
func (a *NetworkAdapter) TuneNIC() {
	if !a.tune {
		return
	}
	cmds := [][]string{
		{"ethtool", "-C", a.ifaceName, "adaptive-rx", "off", "adaptive-tx", "off"},
		{"ethtool", "-C", a.ifaceName, "rx-usecs", "0", "tx-usecs", "0"},
	}
	for _, args := range cmds {
		out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
		if err != nil {
			a.logger.Warn("nic tuning command failed",
				"cmd", fmt.Sprint(args), "error", err, "output", string(out))
		}
	}
}
