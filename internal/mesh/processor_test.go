package mesh

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/meshproto"
	"github.com/austinmesh/bridger/internal/point"
)

// Captured ServiceEnvelope payloads, the same channel as the meshproto
// package fixtures.
const (
	envPosition        = "CioNZNgWDBX/////IhMIAxINDQDADBIVAMDCxbgBERgBNd+T2zZIBVgKeAUSCExvbmdGYXN0GgkhMGMxNmQ4NjQ="
	envNodeInfo        = "Cj4NZNgWDBX/////IicIBBIhCgkhMGMxNmQ4NjQSBEdFS08aBPCfpo4iBtzaDBbYZCgfGAE125PbNkgFWAp4BRIITG9uZ0Zhc3QaCSEwYzE2ZDg2NA=="
	envDeviceTelemetry = "CjANZNgWDBX/////IhkIQxIVDTIAAAASDghlHU8bxEAl9dyRPCgyNdyT2zZIBVgKeAUSCExvbmdGYXN0GgkhMGMxNmQ4NjQ="
	envNeighborInfo    = "CmENuoSLahX/////IkcIRxJDCLqJrtQGELqJrtQGGIQHIgsIhome5wgVAADAQCILCN6vs+wLFQAAMMEiCwi/w4qUBxUAAIDBIgsIqIjKqgUVAAB8wTWcQz5MPW5/hWZIBHgEEghMb25nRmFzdBoJITZhOGI4NGJh"
	envEncryptedPower  = "CjMN9KoYDBX/////GAgqFY3Y05LhKIBqMwjwGuGN5o6s3xa8wjXB1YJfPcDN32ZIA1gKeAMSCExvbmdGYXN0GgkhMGMxOGFhZjQ="
)

func newTestProcessor(t *testing.T, opts Options) *Processor {
	t.Helper()
	engine, err := NewCryptoEngine(DefaultKeyBase64)
	if err != nil {
		t.Fatal(err)
	}
	return NewProcessor(engine, NewRegistry(opts), zap.NewNop())
}

func envelopeFixture(t *testing.T, b64 string) *meshproto.ServiceEnvelope {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	env, err := meshproto.UnmarshalServiceEnvelope(raw)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestProcessPosition(t *testing.T) {
	proc := newTestProcessor(t, Options{StripText: true})
	points, err := proc.Process(envelopeFixture(t, envPosition))
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}

	p, ok := points[0].(point.PositionPoint)
	if !ok {
		t.Fatalf("point type = %T", points[0])
	}
	if p.LatitudeI != 302825472 || p.LongitudeI != -977092608 {
		t.Errorf("lat/lon = %d/%d", p.LatitudeI, p.LongitudeI)
	}
	if p.PrecisionBits == nil || *p.PrecisionBits != 17 {
		t.Errorf("precision_bits = %v", p.PrecisionBits)
	}
	if p.ChannelID != "LongFast" || p.GatewayID != "!0c16d864" {
		t.Errorf("header tags = %q/%q", p.ChannelID, p.GatewayID)
	}
	if p.PacketID != 0x36db93df {
		t.Errorf("packet_id = %#x", p.PacketID)
	}
}

func TestProcessPositionRenamesGpsTime(t *testing.T) {
	gpsTime := uint32(1609459200)
	lat, lon := int32(123456), int32(654321)
	pos := &meshproto.Position{LatitudeI: &lat, LongitudeI: &lon, Time: &gpsTime}
	env := &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From: 1, To: meshproto.Broadcast, ID: 7,
			Decoded: &meshproto.Data{Portnum: meshproto.PortPositionApp, Payload: pos.Marshal()},
		},
		ChannelID: "LongFast",
		GatewayID: "!00000001",
	}

	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	p := points[0].(point.PositionPoint)
	if p.GpsTime == nil || *p.GpsTime != gpsTime {
		t.Errorf("gps_time = %v, want %d", p.GpsTime, gpsTime)
	}
	if _, ok := point.Fields(p)["time"]; ok {
		t.Error("point must not carry a raw time field")
	}
}

func TestProcessPositionWithoutFix(t *testing.T) {
	pos := &meshproto.Position{}
	env := &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From: 1, ID: 7,
			Decoded: &meshproto.Data{Portnum: meshproto.PortPositionApp, Payload: pos.Marshal()},
		},
	}

	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if points != nil {
		t.Errorf("position without lat/lon yielded %d points", len(points))
	}

	points, err = newTestProcessor(t, Options{StripText: true, ForceDecode: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Errorf("force_decode should emit the point anyway, got %d", len(points))
	}
}

func TestProcessNodeInfo(t *testing.T) {
	points, err := newTestProcessor(t, Options{StripText: true}).Process(envelopeFixture(t, envNodeInfo))
	if err != nil {
		t.Fatal(err)
	}
	p := points[0].(point.NodeInfoPoint)
	if p.ID != "!0c16d864" || p.LongName != "GEKO" {
		t.Errorf("id/long_name = %q/%q", p.ID, p.LongName)
	}
	if p.HwModel == nil || *p.HwModel != 31 {
		t.Errorf("hw_model = %v", p.HwModel)
	}
	if p.Role != nil {
		t.Errorf("role = %v, want absent", p.Role)
	}
}

func TestProcessDeviceTelemetry(t *testing.T) {
	points, err := newTestProcessor(t, Options{StripText: true}).Process(envelopeFixture(t, envDeviceTelemetry))
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	p, ok := points[0].(point.DeviceTelemetryPoint)
	if !ok {
		t.Fatalf("point type = %T, want DeviceTelemetryPoint", points[0])
	}
	if p.BatteryLevel == nil || *p.BatteryLevel != 101 {
		t.Errorf("battery_level = %v", p.BatteryLevel)
	}
	if p.UptimeSeconds == nil || *p.UptimeSeconds != 50 {
		t.Errorf("uptime_seconds = %v", p.UptimeSeconds)
	}
}

func TestProcessTelemetryVariantOrder(t *testing.T) {
	temp := float32(21.5)
	battery := uint32(80)
	tel := &meshproto.Telemetry{
		DeviceMetrics:      &meshproto.DeviceMetrics{BatteryLevel: &battery},
		EnvironmentMetrics: &meshproto.EnvironmentMetrics{Temperature: &temp},
	}
	env := &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From: 1, ID: 9,
			Decoded: &meshproto.Data{Portnum: meshproto.PortTelemetryApp, Payload: tel.Marshal()},
		},
	}

	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	// Environment wins over device when both variants are present.
	if _, ok := points[0].(point.SensorTelemetryPoint); !ok {
		t.Errorf("point type = %T, want SensorTelemetryPoint", points[0])
	}
}

func TestProcessNeighborInfoExpands(t *testing.T) {
	points, err := newTestProcessor(t, Options{StripText: true}).Process(envelopeFixture(t, envNeighborInfo))
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 4 {
		t.Fatalf("got %d points, want 4", len(points))
	}
	first := points[0].(point.NeighborInfoPacket)
	if first.NodeID != 0x6a8b84ba || first.NeighborID != 0x8ce78486 {
		t.Errorf("node_id/neighbor_id = %#x/%#x", first.NodeID, first.NeighborID)
	}
	if first.Snr == nil || *first.Snr != 6 {
		t.Errorf("snr = %v", first.Snr)
	}
	if first.NodeBroadcastIntervalSecs == nil || *first.NodeBroadcastIntervalSecs != 900 {
		t.Errorf("interval = %v", first.NodeBroadcastIntervalSecs)
	}
	for i, p := range points {
		if p.(point.NeighborInfoPacket).GatewayID != "!6a8b84ba" {
			t.Errorf("point %d lost its header", i)
		}
	}
}

func powerEnvelope(pm *meshproto.PowerMetrics) *meshproto.ServiceEnvelope {
	tel := &meshproto.Telemetry{PowerMetrics: pm}
	return &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From: 1, ID: 11,
			Decoded: &meshproto.Data{Portnum: meshproto.PortTelemetryApp, Payload: tel.Marshal()},
		},
	}
}

func f32(v float32) *float32 { return &v }

func TestProcessPowerSplitsChannels(t *testing.T) {
	env := powerEnvelope(&meshproto.PowerMetrics{
		Ch1Voltage: f32(5.0), Ch1Current: f32(0.4),
		Ch2Voltage: f32(6.1), Ch2Current: f32(0.8),
	})

	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	for i, want := range []string{"ch1", "ch2"} {
		p := points[i].(point.PowerTelemetryPoint)
		if p.Channel != want {
			t.Errorf("points[%d].Channel = %q, want %q", i, p.Channel, want)
		}
	}
}

func TestProcessPowerSkipsIncompleteChannels(t *testing.T) {
	env := powerEnvelope(&meshproto.PowerMetrics{
		Ch1Voltage: f32(5),
		Ch2Current: f32(0.8),
		Ch3Voltage: f32(4.1), Ch3Current: f32(0.5),
	})

	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	p := points[0].(point.PowerTelemetryPoint)
	if p.Channel != "ch3" {
		t.Errorf("channel = %q, want ch3", p.Channel)
	}
}

func TestProcessDecryptsEncryptedPower(t *testing.T) {
	env := envelopeFixture(t, envEncryptedPower)
	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if env.Packet.Encrypted != nil {
		t.Error("encrypted payload not cleared after decryption")
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	p := points[0].(point.PowerTelemetryPoint)
	if p.Channel != "ch3" {
		t.Errorf("channel = %q, want ch3", p.Channel)
	}
	if p.Voltage == nil || *p.Voltage != math.Float32frombits(0x41433333) {
		t.Errorf("voltage = %v", p.Voltage)
	}
	if p.Current == nil || *p.Current != math.Float32frombits(0x42446666) {
		t.Errorf("current = %v", p.Current)
	}
}

func TestProcessRefusesPKI(t *testing.T) {
	env := &meshproto.ServiceEnvelope{
		Packet:    &meshproto.MeshPacket{From: 1, ID: 2, Encrypted: []byte{0xde, 0xad}},
		ChannelID: meshproto.PKIChannelID,
	}
	_, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProcessingError", err)
	}
}

func TestProcessTextStripsBody(t *testing.T) {
	env := &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From: 1, ID: 3,
			Decoded: &meshproto.Data{Portnum: meshproto.PortTextMessageApp, Payload: []byte("hello mesh")},
		},
	}

	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if p := points[0].(point.TextMessagePoint); p.Text != nil {
		t.Errorf("text = %q, want elided", *p.Text)
	}

	points, err = newTestProcessor(t, Options{StripText: false}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	if p := points[0].(point.TextMessagePoint); p.Text == nil || *p.Text != "hello mesh" {
		t.Errorf("text = %v, want hello mesh", p.Text)
	}
}

func TestProcessTraceroute(t *testing.T) {
	rd := &meshproto.Data{
		Portnum: meshproto.PortTracerouteApp,
		Payload: traceroutePayload(),
	}
	env := &meshproto.ServiceEnvelope{Packet: &meshproto.MeshPacket{From: 1, ID: 4, Decoded: rd}}

	points, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	if err != nil {
		t.Fatal(err)
	}
	p := points[0].(point.TraceroutePoint)
	if p.Route == nil || *p.Route != "!0c16d864,!6a8b84ba" {
		t.Errorf("route = %v", p.Route)
	}
	if p.SnrTowards == nil || *p.SnrTowards != "24,-8" {
		t.Errorf("snr_towards = %v", p.SnrTowards)
	}
	if p.RouteBack != nil {
		t.Errorf("route_back = %v, want absent", p.RouteBack)
	}
}

// traceroutePayload builds a RouteDiscovery with two hops and two SNR
// readings, packed as the radio encodes them.
func traceroutePayload() []byte {
	var route []byte
	for _, id := range []uint32{0x0c16d864, 0x6a8b84ba} {
		route = append(route, byte(id), byte(id>>8), byte(id>>16), byte(id>>24))
	}
	payload := []byte{0x0a, byte(len(route))}
	payload = append(payload, route...)
	// snr_towards: 24 then -8, sign-extended varints.
	payload = append(payload, 0x12, 0x0b, 24)
	payload = append(payload, 0xf8, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01)
	return payload
}

func TestProcessUnknownPort(t *testing.T) {
	env := &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From: 1, ID: 5,
			Decoded: &meshproto.Data{Portnum: meshproto.PortAdminApp, Payload: []byte{0x01}},
		},
	}
	_, err := newTestProcessor(t, Options{StripText: true}).Process(env)
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProcessingError", err)
	}
	if perr.Port != meshproto.PortAdminApp {
		t.Errorf("port = %v, want ADMIN_APP", perr.Port)
	}
}
