package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nat64io/nat64d/pkg/nat64"
)

// collector implements prometheus.Collector, reading the database on
// each scrape.
type collector struct {
	srv *Server

	bibEntries *prometheus.Desc
	sessions   *prometheus.Desc
	storedPkts *prometheus.Desc
	poolTaddrs *prometheus.Desc

	sessionsCreated   *prometheus.Desc
	sessionsDestroyed *prometheus.Desc
	soUpgrades        *prometheus.Desc
	adfDrops          *prometheus.Desc
	maskExhaustions   *prometheus.Desc
	probesSent        *prometheus.Desc
	icmpErrorsSent    *prometheus.Desc
}

func newCollector(srv *Server) *collector {
	return &collector{
		srv: srv,

		bibEntries: prometheus.NewDesc(
			"nat64_bib_entries",
			"Bindings currently in the BIB.",
			[]string{"proto"}, nil,
		),
		sessions: prometheus.NewDesc(
			"nat64_sessions",
			"Sessions currently in the database.",
			[]string{"proto"}, nil,
		),
		storedPkts: prometheus.NewDesc(
			"nat64_stored_packets",
			"Packets held for Simultaneous Open resolution.",
			[]string{"proto"}, nil,
		),
		poolTaddrs: prometheus.NewDesc(
			"nat64_pool4_transport_addrs",
			"Outside transport addresses pool4 can produce.",
			[]string{"proto"}, nil,
		),
		sessionsCreated: prometheus.NewDesc(
			"nat64_sessions_created_total",
			"Total sessions created.",
			nil, nil,
		),
		sessionsDestroyed: prometheus.NewDesc(
			"nat64_sessions_destroyed_total",
			"Total sessions destroyed.",
			nil, nil,
		),
		soUpgrades: prometheus.NewDesc(
			"nat64_simultaneous_open_upgrades_total",
			"Stored SYNs promoted into live bindings.",
			nil, nil,
		),
		adfDrops: prometheus.NewDesc(
			"nat64_adf_drops_total",
			"Inbound flows refused by address-dependent filtering.",
			nil, nil,
		),
		maskExhaustions: prometheus.NewDesc(
			"nat64_mask_exhaustions_total",
			"Allocations that found pool4 exhausted.",
			nil, nil,
		),
		probesSent: prometheus.NewDesc(
			"nat64_probes_sent_total",
			"TCP liveness probes sent.",
			nil, nil,
		),
		icmpErrorsSent: prometheus.NewDesc(
			"nat64_icmp_errors_sent_total",
			"ICMP errors sent for expired stored packets.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bibEntries
	ch <- c.sessions
	ch <- c.storedPkts
	ch <- c.poolTaddrs
	ch <- c.sessionsCreated
	ch <- c.sessionsDestroyed
	ch <- c.soUpgrades
	ch <- c.adfDrops
	ch <- c.maskExhaustions
	ch <- c.probesSent
	ch <- c.icmpErrorsSent
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, proto := range nat64.Protos {
		counters, err := c.srv.db.Counters(proto)
		if err != nil {
			continue
		}
		label := proto.String()
		ch <- prometheus.MustNewConstMetric(c.bibEntries,
			prometheus.GaugeValue, float64(counters.BIBEntries), label)
		ch <- prometheus.MustNewConstMetric(c.sessions,
			prometheus.GaugeValue, float64(counters.Sessions), label)
		ch <- prometheus.MustNewConstMetric(c.storedPkts,
			prometheus.GaugeValue, float64(counters.StoredPkts), label)
		if c.srv.pool4 != nil {
			ch <- prometheus.MustNewConstMetric(c.poolTaddrs,
				prometheus.GaugeValue,
				float64(c.srv.pool4.TransportAddrCount(proto)), label)
		}
	}

	stats := c.srv.db.Stats()
	ch <- prometheus.MustNewConstMetric(c.sessionsCreated,
		prometheus.CounterValue, float64(stats.SessionsCreated))
	ch <- prometheus.MustNewConstMetric(c.sessionsDestroyed,
		prometheus.CounterValue, float64(stats.SessionsDestroyed))
	ch <- prometheus.MustNewConstMetric(c.soUpgrades,
		prometheus.CounterValue, float64(stats.SOUpgrades))
	ch <- prometheus.MustNewConstMetric(c.adfDrops,
		prometheus.CounterValue, float64(stats.ADFDrops))
	ch <- prometheus.MustNewConstMetric(c.maskExhaustions,
		prometheus.CounterValue, float64(stats.MaskExhaustions))
	ch <- prometheus.MustNewConstMetric(c.probesSent,
		prometheus.CounterValue, float64(stats.ProbesSent))
	ch <- prometheus.MustNewConstMetric(c.icmpErrorsSent,
		prometheus.CounterValue, float64(stats.ICMPErrorsSent))
}
