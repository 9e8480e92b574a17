package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mptm-gw/mptm/pkg/dataplane"
)

// mptmCollector implements prometheus.Collector, reading the dataplane
// tables and counters on each scrape.
type mptmCollector struct {
	srv *Server

	actionPackets *prometheus.Desc
	actionBytes   *prometheus.Desc

	tableEntries    *prometheus.Desc
	tableMaxEntries *prometheus.Desc

	attachedPrograms *prometheus.Desc
	dataplaneLoaded  *prometheus.Desc
	eventsTotal      *prometheus.Desc
}

func newCollector(srv *Server) *mptmCollector {
	return &mptmCollector{
		srv: srv,

		actionPackets: prometheus.NewDesc(
			"mptm_actions_packets_total",
			"Packets by program verdict.",
			[]string{"action"}, nil,
		),
		actionBytes: prometheus.NewDesc(
			"mptm_actions_bytes_total",
			"Bytes by program verdict.",
			[]string{"action"}, nil,
		),
		tableEntries: prometheus.NewDesc(
			"mptm_table_entries",
			"Entries in a policy table.",
			[]string{"table"}, nil,
		),
		tableMaxEntries: prometheus.NewDesc(
			"mptm_table_max_entries",
			"Capacity of a policy table.",
			[]string{"table"}, nil,
		),
		attachedPrograms: prometheus.NewDesc(
			"mptm_attached_programs",
			"Interfaces running each program.",
			[]string{"program"}, nil,
		),
		dataplaneLoaded: prometheus.NewDesc(
			"mptm_dataplane_loaded",
			"Whether the dataplane is loaded (1) or not (0).",
			nil, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"mptm_trace_events_total",
			"Packet-path events recorded.",
			nil, nil,
		),
	}
}

func (c *mptmCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.actionPackets
	ch <- c.actionBytes
	ch <- c.tableEntries
	ch <- c.tableMaxEntries
	ch <- c.attachedPrograms
	ch <- c.dataplaneLoaded
	ch <- c.eventsTotal
}

func (c *mptmCollector) Collect(ch chan<- prometheus.Metric) {
	if ev := c.srv.eventBuf; ev != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal, prometheus.CounterValue, float64(ev.Total()))
	}

	dp := c.srv.dp
	loaded := dp != nil && dp.IsLoaded()
	ch <- prometheus.MustNewConstMetric(c.dataplaneLoaded, prometheus.GaugeValue, boolFloat(loaded))
	if !loaded {
		return
	}

	c.collectActions(ch, dp)
	c.collectTables(ch, dp)
	c.collectAttachments(ch, dp)
}

func (c *mptmCollector) collectActions(ch chan<- prometheus.Metric, dp dataplane.DataPlane) {
	counters, err := dp.ReadActionStats()
	if err != nil {
		return
	}
	for i, ctr := range counters {
		name := dataplane.Action(i).String()
		ch <- prometheus.MustNewConstMetric(c.actionPackets, prometheus.CounterValue, float64(ctr.Packets), name)
		ch <- prometheus.MustNewConstMetric(c.actionBytes, prometheus.CounterValue, float64(ctr.Bytes), name)
	}
}

func (c *mptmCollector) collectTables(ch chan<- prometheus.Metric, dp dataplane.DataPlane) {
	t := dp.Tables()
	if t == nil {
		return
	}
	for _, st := range t.Stats() {
		if st.Entries >= 0 {
			ch <- prometheus.MustNewConstMetric(c.tableEntries, prometheus.GaugeValue, float64(st.Entries), st.Name)
		}
		ch <- prometheus.MustNewConstMetric(c.tableMaxEntries, prometheus.GaugeValue, float64(st.MaxEntries), st.Name)
	}
}

func (c *mptmCollector) collectAttachments(ch chan<- prometheus.Metric, dp dataplane.DataPlane) {
	counts := map[dataplane.ProgramKind]int{
		dataplane.ProgramPush:     0,
		dataplane.ProgramPop:      0,
		dataplane.ProgramRedirect: 0,
	}
	for _, kind := range dp.Attachments() {
		counts[kind]++
	}
	for kind, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.attachedPrograms, prometheus.GaugeValue, float64(n), kind.Name())
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
