// Package styx installs and removes the host packet-filter rules that confine
// the sandbox subnet, and renders the in-container NAT entrypoint.
package styx

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// Tables is the subset of *iptables.IPTables the manager needs.
type Tables interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	ListChains(table string) ([]string, error)
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
}

var _ Tables = (*iptables.IPTables)(nil)

// NewTables returns the IPv4 handle, and the IPv6 handle when ip6tables is
// installed. A nil IPv6 handle is not an error.
func NewTables() (v4 Tables, v6 Tables, err error) {
	ipt4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	ipt6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return ipt4, nil, nil
	}
	return ipt4, ipt6, nil
}

// listedRule is one "-A CHAIN ..." line from List.
type listedRule struct {
	Chain   string
	Spec    []string
	Comment string
	Target  string
}

func parseListed(line string) (listedRule, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "-A" {
		return listedRule{}, false
	}
	r := listedRule{Chain: fields[1]}
	for i := 2; i < len(fields); i++ {
		f := strings.Trim(fields[i], `"`)
		r.Spec = append(r.Spec, f)
		if i+1 < len(fields) {
			switch fields[i] {
			case "--comment":
				r.Comment = strings.Trim(fields[i+1], `"`)
			case "-j":
				r.Target = fields[i+1]
			}
		}
	}
	return r, true
}
