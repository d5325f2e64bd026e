//go:build !linux

package styx

import "fmt"

// VerifyBridge is unsupported off Linux.
func VerifyBridge(name string) error {
	return fmt.Errorf("bridge %s: netlink not supported on this platform", name)
}

func BridgeCounters(name string) (rx, tx uint64, err error) {
	return 0, 0, fmt.Errorf("link %s: netlink not supported on this platform", name)
}
