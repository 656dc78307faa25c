package dedup

import (
	"testing"

	"github.com/austinmesh/bridger/internal/meshproto"
)

func envelope(packetID uint32, gatewayID string) *meshproto.ServiceEnvelope {
	return &meshproto.ServiceEnvelope{
		Packet:    &meshproto.MeshPacket{ID: packetID},
		GatewayID: gatewayID,
	}
}

func TestShouldProcessSuppressesRelays(t *testing.T) {
	d := New()

	if !d.ShouldProcess(envelope(1, "!aaaaaaaa")) {
		t.Fatal("first sighting should process")
	}
	if d.ShouldProcess(envelope(1, "!bbbbbbbb")) {
		t.Error("same packet via another gateway should be suppressed")
	}
	if !d.ShouldProcess(envelope(2, "!aaaaaaaa")) {
		t.Error("different packet should process")
	}
}

func TestGatewayKeyedDedup(t *testing.T) {
	d := New(WithGatewayID())

	if !d.ShouldProcess(envelope(1, "!aaaaaaaa")) {
		t.Fatal("first sighting should process")
	}
	if !d.ShouldProcess(envelope(1, "!bbbbbbbb")) {
		t.Error("same packet via another gateway should process when keyed by gateway")
	}
	if d.ShouldProcess(envelope(1, "!aaaaaaaa")) {
		t.Error("exact repeat should be suppressed")
	}
}

func TestSplitPrimitives(t *testing.T) {
	d := New()
	env := envelope(7, "!aaaaaaaa")

	if d.IsDuplicate(env) {
		t.Fatal("unseen envelope reported duplicate")
	}
	// Inspection does not commit.
	if d.IsDuplicate(env) {
		t.Fatal("IsDuplicate must not record the key")
	}
	d.MarkProcessed(env)
	if !d.IsDuplicate(env) {
		t.Error("marked envelope not reported duplicate")
	}
}

func TestFIFOEviction(t *testing.T) {
	d := New(WithCapacity(3))

	for id := uint32(1); id <= 3; id++ {
		d.MarkProcessed(envelope(id, ""))
	}
	// Recording a fourth key evicts the oldest, id=1.
	d.MarkProcessed(envelope(4, ""))

	if d.IsDuplicate(envelope(1, "")) {
		t.Error("evicted key still reported duplicate")
	}
	for id := uint32(2); id <= 4; id++ {
		if !d.IsDuplicate(envelope(id, "")) {
			t.Errorf("key %d should still be present", id)
		}
	}
	if !d.ShouldProcess(envelope(1, "")) {
		t.Error("evicted key presented again must be treated as new")
	}
}
