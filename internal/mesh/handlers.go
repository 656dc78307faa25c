package mesh

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/austinmesh/bridger/internal/meshid"
	"github.com/austinmesh/bridger/internal/meshproto"
	"github.com/austinmesh/bridger/internal/point"
)

// NodeInfoHandler emits one node point per identity broadcast.
type NodeInfoHandler struct{}

func (NodeInfoHandler) Port() meshproto.PortNum { return meshproto.PortNodeInfoApp }

func (NodeInfoHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	user, err := meshproto.UnmarshalUser(ctx.Data.Payload)
	if err != nil {
		return nil, err
	}
	p := point.NodeInfoPoint{
		PacketHeader: ctx.Header,
		ID:           user.ID,
		LongName:     user.LongName,
		ShortName:    user.ShortName,
	}
	if len(user.Macaddr) > 0 {
		mac := base64.StdEncoding.EncodeToString(user.Macaddr)
		p.Macaddr = &mac
	}
	if user.HwModel != 0 {
		hw := user.HwModel
		p.HwModel = &hw
	}
	if user.Role != 0 {
		role := user.Role
		p.Role = &role
	}
	return []point.Point{p}, nil
}

// PositionHandler emits a position point when the payload carries a usable
// fix. The payload's time attribute is stored as gps_time so it cannot be
// mistaken for the record timestamp.
type PositionHandler struct {
	ForceDecode bool
}

func (PositionHandler) Port() meshproto.PortNum { return meshproto.PortPositionApp }

func (h PositionHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	pos, err := meshproto.UnmarshalPosition(ctx.Data.Payload)
	if err != nil {
		return nil, err
	}
	if (pos.LatitudeI == nil || pos.LongitudeI == nil) && !h.ForceDecode {
		return nil, nil
	}
	p := point.PositionPoint{
		PacketHeader:  ctx.Header,
		GpsTime:       pos.Time,
		PrecisionBits: pos.PrecisionBits,
		Altitude:      pos.Altitude,
		PDOP:          pos.PDOP,
		SatsInView:    pos.SatsInView,
	}
	if pos.LatitudeI != nil {
		p.LatitudeI = *pos.LatitudeI
	}
	if pos.LongitudeI != nil {
		p.LongitudeI = *pos.LongitudeI
	}
	return []point.Point{p}, nil
}

// EnvironmentTelemetryHandler emits a sensor point for the environment
// variant. Registered before the device and power handlers; the first
// variant present wins.
type EnvironmentTelemetryHandler struct{}

func (EnvironmentTelemetryHandler) Port() meshproto.PortNum { return meshproto.PortTelemetryApp }

func (EnvironmentTelemetryHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	tel, err := ctx.Telemetry()
	if err != nil {
		return nil, err
	}
	em := tel.EnvironmentMetrics
	if em == nil {
		return nil, nil
	}
	return []point.Point{point.SensorTelemetryPoint{
		PacketHeader:       ctx.Header,
		BarometricPressure: em.BarometricPressure,
		Current:            em.Current,
		GasResistance:      em.GasResistance,
		RelativeHumidity:   em.RelativeHumidity,
		Temperature:        em.Temperature,
		Voltage:            em.Voltage,
		Iaq:                em.Iaq,
	}}, nil
}

// DeviceTelemetryHandler emits a battery point for the device variant.
type DeviceTelemetryHandler struct{}

func (DeviceTelemetryHandler) Port() meshproto.PortNum { return meshproto.PortTelemetryApp }

func (DeviceTelemetryHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	tel, err := ctx.Telemetry()
	if err != nil {
		return nil, err
	}
	dm := tel.DeviceMetrics
	if dm == nil {
		return nil, nil
	}
	return []point.Point{point.DeviceTelemetryPoint{
		PacketHeader:       ctx.Header,
		BatteryLevel:       dm.BatteryLevel,
		Voltage:            dm.Voltage,
		AirUtilTx:          dm.AirUtilTx,
		ChannelUtilization: dm.ChannelUtilization,
		UptimeSeconds:      dm.UptimeSeconds,
	}}, nil
}

// PowerTelemetryHandler emits one power point per channel that reports
// both voltage and current.
type PowerTelemetryHandler struct{}

func (PowerTelemetryHandler) Port() meshproto.PortNum { return meshproto.PortTelemetryApp }

func (PowerTelemetryHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	tel, err := ctx.Telemetry()
	if err != nil {
		return nil, err
	}
	pm := tel.PowerMetrics
	if pm == nil {
		return nil, nil
	}
	var points []point.Point
	for _, ch := range pm.Channels() {
		if ch.Voltage == nil || ch.Current == nil {
			continue
		}
		points = append(points, point.PowerTelemetryPoint{
			PacketHeader: ctx.Header,
			Channel:      ch.Name,
			Voltage:      ch.Voltage,
			Current:      ch.Current,
		})
	}
	if len(points) == 0 {
		return nil, nil
	}
	return points, nil
}

// NeighborInfoHandler expands one report into a point per neighbor heard.
type NeighborInfoHandler struct{}

func (NeighborInfoHandler) Port() meshproto.PortNum { return meshproto.PortNeighborInfoApp }

func (NeighborInfoHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	ni, err := meshproto.UnmarshalNeighborInfo(ctx.Data.Payload)
	if err != nil {
		return nil, err
	}
	if len(ni.Neighbors) == 0 {
		return nil, nil
	}
	var points []point.Point
	for _, n := range ni.Neighbors {
		p := point.NeighborInfoPacket{
			PacketHeader: ctx.Header,
			NodeID:       ni.NodeID,
			LastSentByID: ni.LastSentByID,
			NeighborID:   n.NodeID,
			Snr:          n.Snr,
		}
		if ni.NodeBroadcastIntervalSecs != 0 {
			interval := ni.NodeBroadcastIntervalSecs
			p.NodeBroadcastIntervalSecs = &interval
		}
		points = append(points, p)
	}
	return points, nil
}

// TextHandler emits a message point. The body is dropped unless the
// operator opted in to keeping message content.
type TextHandler struct {
	StripText bool
}

func (TextHandler) Port() meshproto.PortNum { return meshproto.PortTextMessageApp }

func (h TextHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	p := point.TextMessagePoint{PacketHeader: ctx.Header}
	if !h.StripText {
		text := string(ctx.Data.Payload)
		p.Text = &text
	}
	return []point.Point{p}, nil
}

// TracerouteHandler emits one traceroute point with the hop and SNR lists
// flattened to comma-joined strings.
type TracerouteHandler struct{}

func (TracerouteHandler) Port() meshproto.PortNum { return meshproto.PortTracerouteApp }

func (TracerouteHandler) Handle(ctx *PacketContext) ([]point.Point, error) {
	rd, err := meshproto.UnmarshalRouteDiscovery(ctx.Data.Payload)
	if err != nil {
		return nil, err
	}
	return []point.Point{point.TraceroutePoint{
		PacketHeader: ctx.Header,
		Route:        joinNodes(rd.Route),
		SnrTowards:   joinSnrs(rd.SnrTowards),
		RouteBack:    joinNodes(rd.RouteBack),
		SnrBack:      joinSnrs(rd.SnrBack),
	}}, nil
}

func joinNodes(nodes []uint32) *string {
	if len(nodes) == 0 {
		return nil
	}
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = meshid.HexWithBang(n)
	}
	s := strings.Join(parts, ",")
	return &s
}

func joinSnrs(snrs []int32) *string {
	if len(snrs) == 0 {
		return nil
	}
	parts := make([]string, len(snrs))
	for i, v := range snrs {
		parts[i] = strconv.FormatInt(int64(v), 10)
	}
	s := strings.Join(parts, ",")
	return &s
}
