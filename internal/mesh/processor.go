// Package mesh turns gateway-relayed radio packets into measurement
// points: symmetric decryption, port classification and the per-port
// handler chain.
package mesh

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/meshproto"
	"github.com/austinmesh/bridger/internal/point"
)

// ProcessingError is a pipeline failure past the wire decode stage. It
// carries the port when one is known so callers can report what kind of
// packet failed.
type ProcessingError struct {
	Port meshproto.PortNum
	Op   string
	Err  error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mesh: %s (%s): %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("mesh: %s (%s)", e.Op, e.Port)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Processor runs envelopes through decryption, classification and the
// handler chain. It performs no I/O.
type Processor struct {
	crypto   *CryptoEngine
	registry *Registry
	log      *zap.Logger
}

func NewProcessor(crypto *CryptoEngine, registry *Registry, log *zap.Logger) *Processor {
	return &Processor{crypto: crypto, registry: registry, log: log}
}

// Decrypt replaces an envelope's encrypted payload with its decoded form
// in place. Envelopes that are already cleartext pass through. PKI
// envelopes are asymmetrically encrypted and cannot be opened here.
func (p *Processor) Decrypt(env *meshproto.ServiceEnvelope) error {
	pkt := env.Packet
	if len(pkt.Encrypted) == 0 {
		return nil
	}
	if env.ChannelID == meshproto.PKIChannelID {
		return &ProcessingError{Op: "refusing to decrypt PKI envelope"}
	}

	plaintext := p.crypto.Decrypt(pkt.From, pkt.ID, pkt.Encrypted)
	data, err := meshproto.UnmarshalData(plaintext)
	if err != nil {
		return &ProcessingError{Op: "decrypting packet", Err: err}
	}
	pkt.Decoded = data
	pkt.Encrypted = nil
	p.log.Debug("decrypted packet",
		zap.Uint32("packet_id", pkt.ID),
		zap.Stringer("portnum", data.Portnum))
	return nil
}

// Classify resolves an envelope's port, its friendly name and the raw
// payload. An unregistered port yields a ProcessingError, which is
// distinguishable from a wire-level DecodeError.
func (p *Processor) Classify(env *meshproto.ServiceEnvelope) (meshproto.PortNum, string, []byte, error) {
	d := env.Packet.Decoded
	if d == nil {
		return 0, "", nil, &ProcessingError{Op: "packet has no decoded payload"}
	}
	if p.registry.Handlers(d.Portnum) == nil {
		return d.Portnum, d.Portnum.String(), nil, &ProcessingError{Port: d.Portnum, Op: "no handler for port"}
	}
	return d.Portnum, d.Portnum.String(), d.Payload, nil
}

// Process decrypts if needed and runs the handler chain for the packet's
// port. The first handler claiming the packet wins; (nil, nil) means no
// handler produced a point.
func (p *Processor) Process(env *meshproto.ServiceEnvelope) ([]point.Point, error) {
	if err := p.Decrypt(env); err != nil {
		return nil, err
	}
	port, _, _, err := p.Classify(env)
	if err != nil {
		return nil, err
	}

	ctx := &PacketContext{
		Header: Header(env),
		Data:   env.Packet.Decoded,
	}
	for _, h := range p.registry.Handlers(port) {
		points, err := h.Handle(ctx)
		if err != nil {
			return nil, &ProcessingError{Port: port, Op: "handling packet", Err: err}
		}
		if points != nil {
			return points, nil
		}
	}
	p.log.Debug("no handler claimed packet",
		zap.Uint32("packet_id", env.Packet.ID),
		zap.Stringer("portnum", port))
	return nil, nil
}

// Header assembles the shared point header from envelope and packet
// metadata.
func Header(env *meshproto.ServiceEnvelope) point.PacketHeader {
	pkt := env.Packet
	return point.PacketHeader{
		From:      pkt.From,
		To:        pkt.To,
		ChannelID: env.ChannelID,
		GatewayID: env.GatewayID,
		PacketID:  pkt.ID,
		RxTime:    pkt.RxTime,
		RxSnr:     pkt.RxSnr,
		RxRssi:    pkt.RxRssi,
		HopLimit:  pkt.HopLimit,
		HopStart:  pkt.HopStart,
	}
}
