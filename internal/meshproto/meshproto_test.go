package meshproto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"math"
	"testing"
)

// Captured ServiceEnvelope payloads from a live LongFast channel.
const (
	envPosition        = "CioNZNgWDBX/////IhMIAxINDQDADBIVAMDCxbgBERgBNd+T2zZIBVgKeAUSCExvbmdGYXN0GgkhMGMxNmQ4NjQ="
	envNodeInfo        = "Cj4NZNgWDBX/////IicIBBIhCgkhMGMxNmQ4NjQSBEdFS08aBPCfpo4iBtzaDBbYZCgfGAE125PbNkgFWAp4BRIITG9uZ0Zhc3QaCSEwYzE2ZDg2NA=="
	envDeviceTelemetry = "CjANZNgWDBX/////IhkIQxIVDTIAAAASDghlHU8bxEAl9dyRPCgyNdyT2zZIBVgKeAUSCExvbmdGYXN0GgkhMGMxNmQ4NjQ="
	envNeighborInfo    = "CmENuoSLahX/////IkcIRxJDCLqJrtQGELqJrtQGGIQHIgsIhome5wgVAADAQCILCN6vs+wLFQAAMMEiCwi/w4qUBxUAAIDBIgsIqIjKqgUVAAB8wTWcQz5MPW5/hWZIBHgEEghMb25nRmFzdBoJITZhOGI4NGJh"
	envEncryptedPower  = "CjMN9KoYDBX/////GAgqFY3Y05LhKIBqMwjwGuGN5o6s3xa8wjXB1YJfPcDN32ZIA1gKeAMSCExvbmdGYXN0GgkhMGMxOGFhZjQ="
)

func decodeEnvelope(t *testing.T, b64 string) *ServiceEnvelope {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	env, err := UnmarshalServiceEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalServiceEnvelope: %v", err)
	}
	return env
}

func TestUnmarshalPositionEnvelope(t *testing.T) {
	env := decodeEnvelope(t, envPosition)

	if env.ChannelID != "LongFast" {
		t.Errorf("channel_id = %q, want LongFast", env.ChannelID)
	}
	if env.GatewayID != "!0c16d864" {
		t.Errorf("gateway_id = %q, want !0c16d864", env.GatewayID)
	}

	p := env.Packet
	if p.From != 0x0c16d864 {
		t.Errorf("from = %#x, want 0x0c16d864", p.From)
	}
	if p.To != Broadcast {
		t.Errorf("to = %#x, want broadcast", p.To)
	}
	if p.ID != 0x36db93df {
		t.Errorf("id = %#x, want 0x36db93df", p.ID)
	}
	if p.HopLimit != 5 || p.HopStart != 5 {
		t.Errorf("hop_limit/hop_start = %d/%d, want 5/5", p.HopLimit, p.HopStart)
	}
	if p.Priority != 10 {
		t.Errorf("priority = %d, want 10", p.Priority)
	}
	if p.Encrypted != nil {
		t.Errorf("unexpected encrypted payload on cleartext packet")
	}
	if p.Decoded == nil {
		t.Fatal("packet has no decoded payload")
	}
	if p.Decoded.Portnum != PortPositionApp {
		t.Fatalf("portnum = %v, want POSITION_APP", p.Decoded.Portnum)
	}
	if !p.Decoded.WantResponse {
		t.Error("want_response not set")
	}

	pos, err := UnmarshalPosition(p.Decoded.Payload)
	if err != nil {
		t.Fatalf("UnmarshalPosition: %v", err)
	}
	if pos.LatitudeI == nil || *pos.LatitudeI != 302825472 {
		t.Errorf("latitude_i = %v, want 302825472", pos.LatitudeI)
	}
	if pos.LongitudeI == nil || *pos.LongitudeI != -977092608 {
		t.Errorf("longitude_i = %v, want -977092608", pos.LongitudeI)
	}
	if pos.PrecisionBits == nil || *pos.PrecisionBits != 17 {
		t.Errorf("precision_bits = %v, want 17", pos.PrecisionBits)
	}
	if pos.Time != nil {
		t.Errorf("time = %v, want absent", pos.Time)
	}
}

func TestUnmarshalNodeInfoEnvelope(t *testing.T) {
	env := decodeEnvelope(t, envNodeInfo)

	d := env.Packet.Decoded
	if d == nil || d.Portnum != PortNodeInfoApp {
		t.Fatalf("decoded = %+v, want NODEINFO_APP payload", d)
	}

	user, err := UnmarshalUser(d.Payload)
	if err != nil {
		t.Fatalf("UnmarshalUser: %v", err)
	}
	if user.ID != "!0c16d864" {
		t.Errorf("id = %q, want !0c16d864", user.ID)
	}
	if user.LongName != "GEKO" {
		t.Errorf("long_name = %q, want GEKO", user.LongName)
	}
	if user.ShortName != "\U0001f98e" {
		t.Errorf("short_name = %q, want lizard emoji", user.ShortName)
	}
	if !bytes.Equal(user.Macaddr, []byte{0xdc, 0xda, 0x0c, 0x16, 0xd8, 0x64}) {
		t.Errorf("macaddr = %x", user.Macaddr)
	}
	if user.HwModel != 31 {
		t.Errorf("hw_model = %d, want 31", user.HwModel)
	}
}

func TestUnmarshalDeviceTelemetryEnvelope(t *testing.T) {
	env := decodeEnvelope(t, envDeviceTelemetry)

	d := env.Packet.Decoded
	if d == nil || d.Portnum != PortTelemetryApp {
		t.Fatalf("decoded = %+v, want TELEMETRY_APP payload", d)
	}

	tel, err := UnmarshalTelemetry(d.Payload)
	if err != nil {
		t.Fatalf("UnmarshalTelemetry: %v", err)
	}
	if tel.Time != 50 {
		t.Errorf("time = %d, want 50", tel.Time)
	}
	if tel.EnvironmentMetrics != nil || tel.PowerMetrics != nil {
		t.Error("unexpected non-device metrics variant")
	}
	dm := tel.DeviceMetrics
	if dm == nil {
		t.Fatal("device metrics missing")
	}
	if dm.BatteryLevel == nil || *dm.BatteryLevel != 101 {
		t.Errorf("battery_level = %v, want 101", dm.BatteryLevel)
	}
	if dm.Voltage != nil {
		t.Errorf("voltage = %v, want absent", dm.Voltage)
	}
	if dm.ChannelUtilization == nil || *dm.ChannelUtilization != math.Float32frombits(0x40c41b4f) {
		t.Errorf("channel_utilization = %v", dm.ChannelUtilization)
	}
	if dm.AirUtilTx == nil || *dm.AirUtilTx != math.Float32frombits(0x3c91dcf5) {
		t.Errorf("air_util_tx = %v", dm.AirUtilTx)
	}
	if dm.UptimeSeconds == nil || *dm.UptimeSeconds != 50 {
		t.Errorf("uptime_seconds = %v, want 50", dm.UptimeSeconds)
	}
}

func TestUnmarshalNeighborInfoEnvelope(t *testing.T) {
	env := decodeEnvelope(t, envNeighborInfo)

	p := env.Packet
	if p.From != 0x6a8b84ba {
		t.Errorf("from = %#x, want 0x6a8b84ba", p.From)
	}
	if p.RxTime != 0x66857f6e {
		t.Errorf("rx_time = %#x, want 0x66857f6e", p.RxTime)
	}
	if env.GatewayID != "!6a8b84ba" {
		t.Errorf("gateway_id = %q", env.GatewayID)
	}
	if p.Decoded == nil || p.Decoded.Portnum != PortNeighborInfoApp {
		t.Fatalf("decoded = %+v, want NEIGHBORINFO_APP payload", p.Decoded)
	}

	ni, err := UnmarshalNeighborInfo(p.Decoded.Payload)
	if err != nil {
		t.Fatalf("UnmarshalNeighborInfo: %v", err)
	}
	if ni.NodeID != 0x6a8b84ba || ni.LastSentByID != 0x6a8b84ba {
		t.Errorf("node_id/last_sent_by_id = %#x/%#x", ni.NodeID, ni.LastSentByID)
	}
	if ni.NodeBroadcastIntervalSecs != 900 {
		t.Errorf("broadcast interval = %d, want 900", ni.NodeBroadcastIntervalSecs)
	}

	want := []struct {
		nodeID uint32
		snr    float32
	}{
		{0x8ce78486, 6},
		{0xbd8cd7de, -11},
		{0x7282a1bf, -16},
		{0x55528428, -15.75},
	}
	if len(ni.Neighbors) != len(want) {
		t.Fatalf("got %d neighbors, want %d", len(ni.Neighbors), len(want))
	}
	for i, w := range want {
		n := ni.Neighbors[i]
		if n.NodeID != w.nodeID {
			t.Errorf("neighbor %d node_id = %#x, want %#x", i, n.NodeID, w.nodeID)
		}
		if n.Snr == nil || *n.Snr != w.snr {
			t.Errorf("neighbor %d snr = %v, want %v", i, n.Snr, w.snr)
		}
	}
}

func TestUnmarshalEncryptedEnvelope(t *testing.T) {
	env := decodeEnvelope(t, envEncryptedPower)

	p := env.Packet
	if p.Decoded != nil {
		t.Fatal("encrypted packet should have no decoded payload")
	}
	if len(p.Encrypted) != 21 {
		t.Fatalf("encrypted length = %d, want 21", len(p.Encrypted))
	}
	if p.Channel != 8 {
		t.Errorf("channel = %d, want 8", p.Channel)
	}
	if p.From != 0x0c18aaf4 || p.ID != 0x5f82d5c1 {
		t.Errorf("from/id = %#x/%#x", p.From, p.ID)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, b64 := range []string{envPosition, envNodeInfo, envDeviceTelemetry, envEncryptedPower} {
		raw, _ := base64.StdEncoding.DecodeString(b64)
		env, err := UnmarshalServiceEnvelope(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		again, err := UnmarshalServiceEnvelope(env.Marshal())
		if err != nil {
			t.Fatalf("re-decode: %v", err)
		}
		if env.ChannelID != again.ChannelID || env.GatewayID != again.GatewayID {
			t.Errorf("envelope identity changed across round trip")
		}
		a, b := env.Packet, again.Packet
		if a.From != b.From || a.To != b.To || a.ID != b.ID || a.Channel != b.Channel ||
			a.RxTime != b.RxTime || a.RxSnr != b.RxSnr || a.HopLimit != b.HopLimit ||
			a.HopStart != b.HopStart || a.Priority != b.Priority || a.RxRssi != b.RxRssi {
			t.Errorf("packet header changed across round trip:\n%+v\n%+v", a, b)
		}
		if !bytes.Equal(a.Encrypted, b.Encrypted) {
			t.Errorf("encrypted payload changed across round trip")
		}
	}
}

func TestNegativeVarintRoundTrip(t *testing.T) {
	p := &MeshPacket{From: 1, To: 2, ID: 3, RxRssi: -120, Priority: 10}
	got, err := UnmarshalServiceEnvelope((&ServiceEnvelope{Packet: p, ChannelID: "c", GatewayID: "g"}).Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Packet.RxRssi != -120 {
		t.Errorf("rx_rssi = %d, want -120", got.Packet.RxRssi)
	}
}

func TestUnmarshalServiceEnvelopeRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":          nil,
		"truncated tag":  {0x0a},
		"short length":   {0x0a, 0x10, 0x01},
		"no packet":      {0x12, 0x01, 0x63},
		"bad wire group": {0x0b},
	}
	for name, in := range cases {
		_, err := UnmarshalServiceEnvelope(in)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("%s: error %v is not a DecodeError", name, err)
		}
	}
}

func TestUnmarshalRouteDiscoveryPacked(t *testing.T) {
	var payload []byte
	// route: packed fixed32; snr_towards: packed varint.
	var route []byte
	route = appendRawFixed32(route, 0x11111111)
	route = appendRawFixed32(route, 0x22222222)
	payload = appendBytes(payload, 1, route)
	payload = appendBytes(payload, 2, []byte{24, 0xf8, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01})

	got, err := UnmarshalRouteDiscovery(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Route) != 2 || got.Route[0] != 0x11111111 || got.Route[1] != 0x22222222 {
		t.Errorf("route = %#x", got.Route)
	}
	if len(got.SnrTowards) != 2 || got.SnrTowards[0] != 24 || got.SnrTowards[1] != -8 {
		t.Errorf("snr_towards = %v", got.SnrTowards)
	}
}

func appendRawFixed32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func TestPortNumString(t *testing.T) {
	if got := PortTelemetryApp.String(); got != "TELEMETRY_APP" {
		t.Errorf("String() = %q", got)
	}
	if got := PortNum(99).String(); got != "PORT_99" {
		t.Errorf("String() = %q", got)
	}
}
