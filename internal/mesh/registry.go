package mesh

import (
	"github.com/austinmesh/bridger/internal/meshproto"
	"github.com/austinmesh/bridger/internal/point"
)

// PacketContext is what a handler sees: the decoded payload container and
// the header every emitted point starts from.
type PacketContext struct {
	Header point.PacketHeader
	Data   *meshproto.Data

	telemetry    *meshproto.Telemetry
	telemetryErr error
	telemetrySet bool
}

// Telemetry lazily decodes the payload as a Telemetry message. Several
// handlers share one port, so the decode result is memoized.
func (c *PacketContext) Telemetry() (*meshproto.Telemetry, error) {
	if !c.telemetrySet {
		c.telemetry, c.telemetryErr = meshproto.UnmarshalTelemetry(c.Data.Payload)
		c.telemetrySet = true
	}
	return c.telemetry, c.telemetryErr
}

// Handler turns one packet into points for its port. Returning (nil, nil)
// means "not my variant" and lets the next handler for the port try.
type Handler interface {
	Port() meshproto.PortNum
	Handle(ctx *PacketContext) ([]point.Point, error)
}

// Registry maps each port to its handlers, in registration order. Order
// matters for ports carrying multiple subtypes.
type Registry struct {
	handlers map[meshproto.PortNum][]Handler
}

// Options tune handler behavior across the registry.
type Options struct {
	// StripText elides text message bodies so chat content is never
	// persisted. On unless explicitly disabled.
	StripText bool
	// ForceDecode emits position points even without a usable fix.
	ForceDecode bool
}

// NewRegistry builds a registry with the standard handler set.
func NewRegistry(opts Options) *Registry {
	r := &Registry{handlers: make(map[meshproto.PortNum][]Handler)}
	r.Register(&NodeInfoHandler{})
	r.Register(&PositionHandler{ForceDecode: opts.ForceDecode})
	r.Register(&EnvironmentTelemetryHandler{})
	r.Register(&DeviceTelemetryHandler{})
	r.Register(&PowerTelemetryHandler{})
	r.Register(&NeighborInfoHandler{})
	r.Register(&TextHandler{StripText: opts.StripText})
	r.Register(&TracerouteHandler{})
	return r
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.Port()] = append(r.handlers[h.Port()], h)
}

// Handlers returns the ordered handler list for a port, nil when the port
// is unknown.
func (r *Registry) Handlers(p meshproto.PortNum) []Handler {
	return r.handlers[p]
}
