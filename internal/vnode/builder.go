// Package vnode runs a virtual mesh node over MQTT: it beacons a NodeInfo
// on a timer so the mesh learns about it, and answers text messages
// addressed to it (or broadcast) with a reply.
package vnode

import (
	"time"

	"github.com/austinmesh/bridger/internal/meshid"
	"github.com/austinmesh/bridger/internal/meshproto"
)

// Identity is what the virtual node advertises about itself.
type Identity struct {
	NodeID    uint32
	ShortName string
	LongName  string
	HwModel   uint32
	Role      uint32
	Channel   string
}

// HexID is the node id in "!xxxxxxxx" form, used as both user id and
// gateway id on published envelopes.
func (id Identity) HexID() string { return meshid.HexWithBang(id.NodeID) }

// packetID derives a 32-bit packet id from wall time, matching what the
// firmware does for locally originated packets.
func packetID(now time.Time) uint32 {
	return uint32(now.Unix() & 0xFFFFFFFF)
}

// envelope wraps a payload in a broadcast-ready ServiceEnvelope from this
// node, posing as its own gateway.
func (id Identity) envelope(now time.Time, to uint32, port meshproto.PortNum, payload []byte) *meshproto.ServiceEnvelope {
	return &meshproto.ServiceEnvelope{
		Packet: &meshproto.MeshPacket{
			From:   id.NodeID,
			To:     to,
			ID:     packetID(now),
			RxTime: uint32(now.Unix()),
			Decoded: &meshproto.Data{
				Portnum: port,
				Payload: payload,
			},
		},
		ChannelID: id.Channel,
		GatewayID: id.HexID(),
	}
}

// NodeInfoEnvelope is the periodic beacon: a User payload broadcast to
// the whole mesh.
func (id Identity) NodeInfoEnvelope(now time.Time) *meshproto.ServiceEnvelope {
	user := &meshproto.User{
		ID:        id.HexID(),
		LongName:  id.LongName,
		ShortName: id.ShortName,
		HwModel:   id.HwModel,
		Role:      id.Role,
	}
	return id.envelope(now, meshproto.Broadcast, meshproto.PortNodeInfoApp, user.Marshal())
}

// TextEnvelope is a text message addressed to one node (or broadcast).
func (id Identity) TextEnvelope(now time.Time, to uint32, text string) *meshproto.ServiceEnvelope {
	return id.envelope(now, to, meshproto.PortTextMessageApp, []byte(text))
}
