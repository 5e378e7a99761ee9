// Package metrics registers the counters and gauges named explicitly in §7
// and §8 under a "neighbourd" namespace, using the same go-metrics-over-
// prometheus layering the teacher's daemon-level metrics use.
package metrics

import (
	"github.com/docker/go-metrics"
)

// Metrics bundles every instrument the core updates. The zero value is not
// usable; construct with New.
type Metrics struct {
	SwitchFailed        metrics.Counter
	KeepaliveBadNonce    metrics.Counter
	QuotaViolationCount  metrics.LabeledGauge
	BytesInSendQueue     metrics.Gauge
	InboundDropped       metrics.Counter
	OpBreach             metrics.LabeledCounter
	HandshakeCompleted   metrics.Counter
	Disconnects          metrics.Counter
}

// New registers every instrument on ns under the "neighbourd" namespace and
// returns the bundle. Call Register(reg) to publish ns to a
// prometheus-compatible registry.
func New() (*Metrics, *metrics.Namespace) {
	ns := metrics.NewNamespace("neighbourd", "", nil)

	m := &Metrics{
		SwitchFailed: ns.NewCounter("switch_failed",
			"address-switch attempts that failed and fell back to the prior primary"),
		KeepaliveBadNonce: ns.NewCounter("ka_bad_nonce",
			"KEEPALIVE-RESPONSE messages dropped for an unexpected nonce"),
		QuotaViolationCount: ns.NewLabeledGauge("quota_violation_count",
			"current quota_violation_count per peer", metrics.Total, "peer"),
		BytesInSendQueue: ns.NewGauge("bytes_in_send_queue",
			"total bytes queued across all neighbours awaiting transmission", metrics.Bytes),
		InboundDropped: ns.NewCounter("inbound_dropped",
			"inbound payloads dropped by do_forward=NO while a peer is over quota"),
		OpBreach: ns.NewLabeledCounter("op_breach",
			"protocol-frame errors by reason", metrics.Total, "reason"),
		HandshakeCompleted: ns.NewCounter("handshake_completed",
			"handshakes that reached CONNECTED"),
		Disconnects: ns.NewCounter("disconnects",
			"disconnect_notifications emitted, one per connected interval that ended"),
	}
	return m, ns
}

// Register publishes ns to the process-wide go-metrics registry, the same
// registry a Prometheus HTTP handler scrapes.
func Register(ns *metrics.Namespace) {
	metrics.Register(ns)
}
