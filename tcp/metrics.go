package tcp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// metricsDescs are the Table's prometheus.Collector descriptors, built once
// so Describe/Collect never allocate on the hot path.
var metricsDescs = struct {
	connsByState    *prometheus.Desc
	openPorts       *prometheus.Desc
	droppedNoSocket *prometheus.Desc
	cookiesIssued   *prometheus.Desc
	cookiesAccepted *prometheus.Desc
	cookiesRejected *prometheus.Desc
}{
	connsByState: prometheus.NewDesc(
		"tcpcore_connections", "Number of connections currently in a given TCP state.",
		[]string{"state"}, nil,
	),
	openPorts: prometheus.NewDesc(
		"tcpcore_open_ports", "Number of ports currently bound by Bind.",
		nil, nil,
	),
	droppedNoSocket: prometheus.NewDesc(
		"tcpcore_dropped_no_socket_total", "Segments dropped because no listener or connection claimed them.",
		nil, nil,
	),
	cookiesIssued: prometheus.NewDesc(
		"tcpcore_syncookies_issued_total", "SYN-ACKs answered with a SYN cookie instead of an allocated connection.",
		nil, nil,
	),
	cookiesAccepted: prometheus.NewDesc(
		"tcpcore_syncookies_accepted_total", "Completing ACKs whose SYN cookie validated successfully.",
		nil, nil,
	),
	cookiesRejected: prometheus.NewDesc(
		"tcpcore_syncookies_rejected_total", "Completing ACKs whose SYN cookie failed validation.",
		nil, nil,
	),
}

// Describe implements prometheus.Collector.
func (t *Table) Describe(descs chan<- *prometheus.Desc) {
	descs <- metricsDescs.connsByState
	descs <- metricsDescs.openPorts
	descs <- metricsDescs.droppedNoSocket
	descs <- metricsDescs.cookiesIssued
	descs <- metricsDescs.cookiesAccepted
	descs <- metricsDescs.cookiesRejected
}

// Collect implements prometheus.Collector, walking every live connection
// once per scrape. Table already serializes access to its pools behind
// t.mu, so Collect just reuses that lock rather than keeping a separate
// shadow copy of connection state.
func (t *Table) Collect(metrics chan<- prometheus.Metric) {
	t.mu.Lock()
	var byState [int(StateLastAck) + 1]int
	for _, conn := range t.actives {
		byState[conn.State()]++
	}
	for i := range t.listeners {
		if t.lports[i] == 0 {
			continue
		}
		for _, conn := range t.listeners[i].accepted {
			if conn != nil {
				byState[conn.State()]++
			}
		}
		for _, conn := range t.listeners[i].incoming {
			if conn != nil {
				byState[conn.State()]++
			}
		}
	}
	openPorts := 0
	for _, p := range t.lports {
		if p != 0 {
			openPorts++
		}
	}
	droppedNoSocket := t.metrics.droppedNoSocket
	cookiesIssued := t.metrics.cookiesIssued
	cookiesAccepted := t.metrics.cookiesAccepted
	cookiesRejected := t.metrics.cookiesRejected
	t.mu.Unlock()

	for state, count := range byState {
		if count == 0 {
			continue
		}
		metrics <- prometheus.MustNewConstMetric(metricsDescs.connsByState, prometheus.GaugeValue, float64(count), stateName(State(state)))
	}
	metrics <- prometheus.MustNewConstMetric(metricsDescs.openPorts, prometheus.GaugeValue, float64(openPorts))
	metrics <- prometheus.MustNewConstMetric(metricsDescs.droppedNoSocket, prometheus.CounterValue, float64(droppedNoSocket))
	metrics <- prometheus.MustNewConstMetric(metricsDescs.cookiesIssued, prometheus.CounterValue, float64(cookiesIssued))
	metrics <- prometheus.MustNewConstMetric(metricsDescs.cookiesAccepted, prometheus.CounterValue, float64(cookiesAccepted))
	metrics <- prometheus.MustNewConstMetric(metricsDescs.cookiesRejected, prometheus.CounterValue, float64(cookiesRejected))
}

// stateName renders a State for metric label values. Kept local to metrics
// rather than as a State method since it exists only to satisfy
// Prometheus's text-label convention, not as a general Stringer.
func stateName(s State) string {
	switch s {
	case StateClosed:
		return "closed"
	case StateListen:
		return "listen"
	case StateSynRcvd:
		return "syn_rcvd"
	case StateSynSent:
		return "syn_sent"
	case StateEstablished:
		return "established"
	case StateFinWait1:
		return "fin_wait1"
	case StateFinWait2:
		return "fin_wait2"
	case StateClosing:
		return "closing"
	case StateTimeWait:
		return "time_wait"
	case StateCloseWait:
		return "close_wait"
	case StateLastAck:
		return "last_ack"
	default:
		return "unknown"
	}
}

// connIdentities mints an xid.ID the first time a Conn is asked for one and
// remembers it for the Conn's lifetime, giving external systems (logs,
// metrics, traces) a stable, sortable handle to correlate events about the
// same socket without reaching into its TCB. xid.IDs embed their own
// creation time, so no separate "accepted at" timestamp needs tracking.
type connIdentities struct {
	mu  sync.Mutex
	ids map[*Conn]xid.ID
}

var idRegistry = connIdentities{ids: make(map[*Conn]xid.ID)}

// ConnID returns the external correlation identifier for conn, minting one
// on first use.
func ConnID(conn *Conn) xid.ID {
	idRegistry.mu.Lock()
	defer idRegistry.mu.Unlock()
	id, ok := idRegistry.ids[conn]
	if !ok {
		id = xid.New()
		idRegistry.ids[conn] = id
	}
	return id
}

// forgetConnID drops the correlation identifier for conn once it is
// returned to a Table's free pool, so a reused Conn gets a fresh identity.
func forgetConnID(conn *Conn) {
	idRegistry.mu.Lock()
	delete(idRegistry.ids, conn)
	idRegistry.mu.Unlock()
}
