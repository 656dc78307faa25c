package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MQTTMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridger_mqtt_messages_total",
			Help: "Total MQTT deliveries received.",
		},
		[]string{"component"},
	)

	PacketsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridger_packets_processed_total",
			Help: "Packets that produced points, by measurement.",
		},
		[]string{"measurement"},
	)

	PacketsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridger_packets_dropped_total",
			Help: "Packets dropped (duplicate, pki, decode_error, processing_error, no_points).",
		},
		[]string{"reason"},
	)

	InfluxWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridger_influx_write_duration_seconds",
			Help:    "InfluxDB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"bucket"},
	)

	InfluxPointsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridger_influx_points_written_total",
			Help: "Points written to InfluxDB, by measurement.",
		},
		[]string{"measurement"},
	)

	ExhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridger_exhook_requests_total",
			Help: "Broker hook calls served, by hook and verdict.",
		},
		[]string{"hook", "verdict"},
	)

	GatewayOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridger_gateway_operations_total",
			Help: "EMQX gateway admin operations, by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	VirtualNodePacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridger_virtual_node_packets_total",
			Help: "Packets published by the virtual node (beacon, reply).",
		},
		[]string{"kind"},
	)

	LastPacketTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridger_last_packet_timestamp_seconds",
			Help: "Unix timestamp of the last processed packet.",
		},
		[]string{"gateway_id"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MQTTMessagesTotal,
			PacketsProcessedTotal,
			PacketsDroppedTotal,
			InfluxWriteDuration,
			InfluxPointsWrittenTotal,
			ExhookRequestsTotal,
			GatewayOperationsTotal,
			VirtualNodePacketsTotal,
			LastPacketTimestamp,
		)
	})
}
