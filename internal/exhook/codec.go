package exhook

import "fmt"

// marshaler and unmarshaler are what every message in this package
// implements; the codec needs nothing else.
type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal([]byte) error
}

// wireCodec plugs the hand-maintained messages into grpc-go in place of
// the generated-code proto codec. Installed with grpc.ForceServerCodec on
// the server and grpc.ForceCodec on test clients.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(marshaler)
	if !ok {
		return nil, fmt.Errorf("exhook: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(unmarshaler)
	if !ok {
		return fmt.Errorf("exhook: cannot unmarshal into %T", v)
	}
	return u.Unmarshal(data)
}
