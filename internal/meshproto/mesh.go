package meshproto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Broadcast is the node ID meaning "all nodes".
const Broadcast uint32 = 0xFFFFFFFF

// PKIChannelID marks envelopes whose payloads are asymmetrically encrypted.
// The bridge holds no private keys and drops these.
const PKIChannelID = "PKI"

// ServiceEnvelope is the outer wrapper a gateway publishes on MQTT: the
// radio packet plus which channel and gateway relayed it.
type ServiceEnvelope struct {
	Packet    *MeshPacket
	ChannelID string
	GatewayID string
}

// MeshPacket is the inner radio packet. Exactly one of Decoded and Encrypted
// is populated on the wire.
type MeshPacket struct {
	From     uint32
	To       uint32
	Channel  uint32
	Decoded  *Data
	Encrypted []byte
	ID       uint32
	RxTime   uint32
	RxSnr    float32
	HopLimit uint32
	WantAck  bool
	Priority int32
	RxRssi   int32
	ViaMQTT  bool
	HopStart uint32
}

// Data is the decrypted payload: a port number and port-specific bytes.
type Data struct {
	Portnum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
}

// UnmarshalServiceEnvelope strictly parses an MQTT payload.
func UnmarshalServiceEnvelope(b []byte) (*ServiceEnvelope, error) {
	env := &ServiceEnvelope{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			if f.Type != protowire.BytesType {
				return decodeErr("ServiceEnvelope.packet", nil)
			}
			packet, err := unmarshalMeshPacket(f.bytes)
			if err != nil {
				return err
			}
			env.Packet = packet
		case 2:
			env.ChannelID = f.string()
		case 3:
			env.GatewayID = f.string()
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, decodeErr("ServiceEnvelope", err)
	}
	if env.Packet == nil {
		return nil, decodeErr("ServiceEnvelope", errMissingPacket)
	}
	return env, nil
}

var errMissingPacket = &missingFieldError{"packet"}

type missingFieldError struct{ name string }

func (e *missingFieldError) Error() string { return "missing required field " + e.name }

func unmarshalMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			p.From = f.uint32()
		case 2:
			p.To = f.uint32()
		case 3:
			p.Channel = f.uint32()
		case 4:
			data, err := unmarshalData(f.bytes)
			if err != nil {
				return err
			}
			p.Decoded = data
		case 5:
			p.Encrypted = append([]byte(nil), f.bytes...)
		case 6:
			p.ID = f.uint32()
		case 7:
			p.RxTime = f.uint32()
		case 8:
			p.RxSnr = f.float32()
		case 9:
			p.HopLimit = f.uint32()
		case 10:
			p.WantAck = f.bool()
		case 11:
			p.Priority = f.int32()
		case 12:
			p.RxRssi = f.int32()
		case 14:
			p.ViaMQTT = f.bool()
		case 15:
			p.HopStart = f.uint32()
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, decodeErr("MeshPacket", err)
	}
	return p, nil
}

// UnmarshalData parses a decrypted payload blob.
func UnmarshalData(b []byte) (*Data, error) {
	return unmarshalData(b)
}

func unmarshalData(b []byte) (*Data, error) {
	d := &Data{}
	err := forEachField(b, func(f field) error {
		switch f.Num {
		case 1:
			d.Portnum = PortNum(f.int32())
		case 2:
			d.Payload = append([]byte(nil), f.bytes...)
		case 3:
			d.WantResponse = f.bool()
		case 4:
			d.Dest = f.uint32()
		case 5:
			d.Source = f.uint32()
		case 6:
			d.RequestID = f.uint32()
		case 7:
			d.ReplyID = f.uint32()
		case 8:
			d.Emoji = f.uint32()
		}
		return nil
	})
	if err != nil {
		return nil, decodeErr("Data", err)
	}
	return d, nil
}

// Marshal serializes the envelope for MQTT publishing.
func (e *ServiceEnvelope) Marshal() []byte {
	var b []byte
	if e.Packet != nil {
		b = appendBytes(b, 1, e.Packet.Marshal())
	}
	if e.ChannelID != "" {
		b = appendString(b, 2, e.ChannelID)
	}
	if e.GatewayID != "" {
		b = appendString(b, 3, e.GatewayID)
	}
	return b
}

// Marshal serializes the packet. Zero-valued fields are omitted, matching
// proto3 implicit presence.
func (p *MeshPacket) Marshal() []byte {
	var b []byte
	if p.From != 0 {
		b = appendFixed32(b, 1, p.From)
	}
	if p.To != 0 {
		b = appendFixed32(b, 2, p.To)
	}
	if p.Channel != 0 {
		b = appendVarint(b, 3, uint64(p.Channel))
	}
	if p.Decoded != nil {
		b = appendBytes(b, 4, p.Decoded.Marshal())
	}
	if len(p.Encrypted) > 0 {
		b = appendBytes(b, 5, p.Encrypted)
	}
	if p.ID != 0 {
		b = appendFixed32(b, 6, p.ID)
	}
	if p.RxTime != 0 {
		b = appendFixed32(b, 7, p.RxTime)
	}
	if p.RxSnr != 0 {
		b = appendFloat32(b, 8, p.RxSnr)
	}
	if p.HopLimit != 0 {
		b = appendVarint(b, 9, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = appendVarint(b, 10, 1)
	}
	if p.Priority != 0 {
		b = appendVarint(b, 11, uint64(int64(p.Priority)))
	}
	if p.RxRssi != 0 {
		b = appendVarint(b, 12, uint64(int64(p.RxRssi)))
	}
	if p.ViaMQTT {
		b = appendVarint(b, 14, 1)
	}
	if p.HopStart != 0 {
		b = appendVarint(b, 15, uint64(p.HopStart))
	}
	return b
}

// Marshal serializes the payload container.
func (d *Data) Marshal() []byte {
	var b []byte
	if d.Portnum != 0 {
		b = appendVarint(b, 1, uint64(int64(d.Portnum)))
	}
	if len(d.Payload) > 0 {
		b = appendBytes(b, 2, d.Payload)
	}
	if d.WantResponse {
		b = appendVarint(b, 3, 1)
	}
	if d.Dest != 0 {
		b = appendFixed32(b, 4, d.Dest)
	}
	if d.Source != 0 {
		b = appendFixed32(b, 5, d.Source)
	}
	if d.RequestID != 0 {
		b = appendFixed32(b, 6, d.RequestID)
	}
	if d.ReplyID != 0 {
		b = appendFixed32(b, 7, d.ReplyID)
	}
	if d.Emoji != 0 {
		b = appendFixed32(b, 8, d.Emoji)
	}
	return b
}
