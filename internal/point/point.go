// Package point defines the measurement records the bridge writes to the
// time-series store. Each variant maps to one measurement; struct tags
// declare, per attribute, whether it is an indexed tag or a value field.
package point

import (
	"fmt"

	"github.com/austinmesh/bridger/internal/meshid"
)

// Point is one record destined for the time-series store.
type Point interface {
	Measurement() string
}

// PacketHeader carries the attributes every mesh-derived point shares:
// envelope metadata as tags, radio metadata as fields.
type PacketHeader struct {
	From      uint32  `influx:"_from,tag"`
	To        uint32  `influx:"to,tag"`
	ChannelID string  `influx:"channel_id,tag"`
	GatewayID string  `influx:"gateway_id,tag"`
	PacketID  uint32  `influx:"packet_id,field"`
	RxTime    uint32  `influx:"rx_time,field"`
	RxSnr     float32 `influx:"rx_snr,field"`
	RxRssi    int32   `influx:"rx_rssi,field"`
	HopLimit  uint32  `influx:"hop_limit,field"`
	HopStart  uint32  `influx:"hop_start,field"`
}

// NodeHexID returns the sending node in canonical "!xxxxxxxx" form.
func (h PacketHeader) NodeHexID() string { return meshid.HexWithBang(h.From) }

// NodeInfoPoint records a node advertising its identity.
type NodeInfoPoint struct {
	PacketHeader
	ID        string  `influx:"id,field"`
	LongName  string  `influx:"long_name,tag"`
	ShortName string  `influx:"short_name,tag"`
	Macaddr   *string `influx:"macaddr,tag"`
	HwModel   *uint32 `influx:"hw_model,tag"`
	Role      *uint32 `influx:"role,tag"`
}

func (NodeInfoPoint) Measurement() string { return "node" }

// PositionPoint records a GPS fix. The payload's own time attribute is
// stored as gps_time so it cannot collide with the record timestamp.
type PositionPoint struct {
	PacketHeader
	LatitudeI     int32   `influx:"latitude_i,field"`
	LongitudeI    int32   `influx:"longitude_i,field"`
	GpsTime       *uint32 `influx:"gps_time,field"`
	PrecisionBits *uint32 `influx:"precision_bits,field"`
	Altitude      *int32  `influx:"altitude,field"`
	PDOP          *uint32 `influx:"PDOP,field"`
	SatsInView    *uint32 `influx:"sats_in_view,field"`
}

func (PositionPoint) Measurement() string { return "position" }

// SensorTelemetryPoint records environment metrics.
type SensorTelemetryPoint struct {
	PacketHeader
	BarometricPressure *float32 `influx:"barometric_pressure,field"`
	Current            *float32 `influx:"current,field"`
	GasResistance      *float32 `influx:"gas_resistance,field"`
	RelativeHumidity   *float32 `influx:"relative_humidity,field"`
	Temperature        *float32 `influx:"temperature,field"`
	Voltage            *float32 `influx:"voltage,field"`
	Iaq                *uint32  `influx:"iaq,field"`
	ChannelUtilization *float32 `influx:"channel_utilization,field"`
}

func (SensorTelemetryPoint) Measurement() string { return "sensor" }

// DeviceTelemetryPoint records device metrics.
type DeviceTelemetryPoint struct {
	PacketHeader
	BatteryLevel       *uint32  `influx:"battery_level,field"`
	Voltage            *float32 `influx:"voltage,field"`
	AirUtilTx          *float32 `influx:"air_util_tx,field"`
	ChannelUtilization *float32 `influx:"channel_utilization,field"`
	UptimeSeconds      *uint32  `influx:"uptime_seconds,field"`
}

func (DeviceTelemetryPoint) Measurement() string { return "battery" }

// PowerTelemetryPoint records one power channel; a payload with several
// channels expands to several points.
type PowerTelemetryPoint struct {
	PacketHeader
	Channel string   `influx:"channel,tag"`
	Voltage *float32 `influx:"voltage,field"`
	Current *float32 `influx:"current,field"`
}

func (PowerTelemetryPoint) Measurement() string { return "power" }

// NeighborInfoPacket records one neighbor entry; a payload with N
// neighbors expands to N points.
type NeighborInfoPacket struct {
	PacketHeader
	NodeID                    uint32   `influx:"node_id,tag"`
	LastSentByID              uint32   `influx:"last_sent_by_id,tag"`
	NeighborID                uint32   `influx:"neighbor_id,tag"`
	NodeBroadcastIntervalSecs *uint32  `influx:"node_broadcast_interval_secs,field"`
	Snr                       *float32 `influx:"snr,field"`
}

func (NeighborInfoPacket) Measurement() string { return "neighbor" }

// TextMessagePoint records that a text message happened. The body is kept
// only when the pipeline is told not to strip it.
type TextMessagePoint struct {
	PacketHeader
	Text *string `influx:"text,field"`
}

func (TextMessagePoint) Measurement() string { return "message" }

// TraceroutePoint records a route discovery. The hop and SNR lists are
// flattened to comma-joined strings so one packet stays one point.
type TraceroutePoint struct {
	PacketHeader
	Route      *string `influx:"route,field"`
	SnrTowards *string `influx:"snr_towards,field"`
	RouteBack  *string `influx:"route_back,field"`
	SnrBack    *string `influx:"snr_back,field"`
}

func (TraceroutePoint) Measurement() string { return "traceroute" }

// AnnotationPoint is an operator note about a node, not derived from
// radio traffic, so it carries no packet header.
type AnnotationPoint struct {
	NodeID           string `influx:"node_id,tag"`
	AnnotationType   string `influx:"annotation_type,tag"`
	Body             string `influx:"body,field"`
	Author           string `influx:"author,tag"`
	GlobalAnnotation bool   `influx:"global_annotation,tag"`
	StartTime        *int64 `influx:"start_time,field"`
	EndTime          *int64 `influx:"end_time,field"`
}

func (AnnotationPoint) Measurement() string { return "annotation" }

// Validate rejects annotations whose lifetime is inverted. Either bound
// may be absent.
func (a AnnotationPoint) Validate() error {
	if a.StartTime != nil && a.EndTime != nil && *a.EndTime <= *a.StartTime {
		return fmt.Errorf("annotation end_time %d is not after start_time %d", *a.EndTime, *a.StartTime)
	}
	return nil
}
