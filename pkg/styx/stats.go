package styx

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// Counters is what the packet filter saw during one invocation.
type Counters struct {
	// Dropped counts packets that hit a DROP in the owned chain.
	Dropped uint64
	// DNSDropped is the part of Dropped aimed at port 53 off the resolver list.
	DNSDropped uint64
	// BridgeRx and BridgeTx are byte counters of the network bridge. Host Rx
	// is traffic leaving the containers.
	BridgeRx uint64
	BridgeTx uint64
}

// StatsTables reads rule counters. *iptables.IPTables implements it.
type StatsTables interface {
	StructuredStats(table, chain string) ([]iptables.Stat, error)
}

var _ StatsTables = (*iptables.IPTables)(nil)

// bridgeCounters is swapped in tests.
var bridgeCounters = BridgeCounters

// Stats reads the drop counters of h's chain and the bridge byte counters.
// Counters are shared by every invocation using the same chain. A missing
// bridge leaves the byte counters at zero.
func (m *Manager) Stats(ctx context.Context, h *Handle) (Counters, error) {
	var c Counters
	if h == nil {
		return c, nil
	}
	if h.Bridge != "" {
		if rx, tx, err := bridgeCounters(h.Bridge); err == nil {
			c.BridgeRx, c.BridgeTx = rx, tx
		} else {
			m.logger.Debug(ctx, "Bridge counters unavailable", map[string]any{"bridge": h.Bridge, "error": err.Error()})
		}
	}

	st, ok := m.v4.(StatsTables)
	if !ok {
		return c, nil
	}
	stats, err := st.StructuredStats(filterTable, h.Chain)
	if err != nil {
		return c, fmt.Errorf("counters of %s: %w", h.Chain, err)
	}
	for _, s := range stats {
		if s.Target != "DROP" {
			continue
		}
		c.Dropped += s.Packets
		if strings.Contains(s.Options, "dpt:53") {
			c.DNSDropped += s.Packets
		}
	}

	m.metrics.SetGauge("packet_filter_dropped_packets", float64(c.Dropped))
	m.metrics.SetGauge("packet_filter_dns_dropped_packets", float64(c.DNSDropped))
	m.metrics.SetGauge("bridge_rx_bytes", float64(c.BridgeRx))
	m.metrics.SetGauge("bridge_tx_bytes", float64(c.BridgeTx))
	return c, nil
}
