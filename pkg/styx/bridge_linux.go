//go:build linux

package styx

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// VerifyBridge checks that the Docker bridge backing the network exists and is
// up. The IPv6 rule matches on the interface name, so a missing bridge means
// the rule is dead.
func VerifyBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("bridge %s not found: %w", name, err)
	}
	if _, ok := link.(*netlink.Bridge); !ok {
		return fmt.Errorf("link %s exists but is not a bridge", name)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return fmt.Errorf("bridge %s is down", name)
	}
	return nil
}

// BridgeCounters returns the receive and transmit byte counters of a link.
func BridgeCounters(name string) (rx, tx uint64, err error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, 0, fmt.Errorf("link %s: %w", name, err)
	}
	st := link.Attrs().Statistics
	if st == nil {
		return 0, 0, fmt.Errorf("no statistics for link %s", name)
	}
	return st.RxBytes, st.TxBytes, nil
}
