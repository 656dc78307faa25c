// Package exhook implements the broker side-channel EMQX calls out to on
// every client and message event: a gRPC HookProvider service that tags
// publishes with an allow/deny verdict so the broker's rule engine can
// decide whether to fan them out.
//
// The handful of messages exchanged on the emqx.exhook.v2 wire are
// maintained by hand with protowire, same as the mesh schema; there is no
// generated code and no descriptor registry.
package exhook

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ResponsedType is the broker's verdict enum. The misspelling is pinned
// by the upstream schema.
type ResponsedType int32

const (
	ResponseContinue      ResponsedType = 0
	ResponseIgnore        ResponsedType = 1
	ResponseStopAndReturn ResponsedType = 2
)

func (t ResponsedType) String() string {
	switch t {
	case ResponseContinue:
		return "CONTINUE"
	case ResponseIgnore:
		return "IGNORE"
	case ResponseStopAndReturn:
		return "STOP_AND_RETURN"
	}
	return fmt.Sprintf("ResponsedType(%d)", int32(t))
}

// Message is one MQTT message as the broker presents it to hooks. Fields
// the filter does not touch must survive a decode/modify/encode cycle
// unchanged, so unrecognized wire fields are kept verbatim and re-emitted
// on marshal.
type Message struct {
	Node      string
	ID        string
	Qos       uint32
	From      string
	Topic     string
	Payload   []byte
	Timestamp uint64
	Headers   map[string]string

	unknown []byte
}

func (m *Message) Unmarshal(buf []byte) error {
	*m = Message{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		rest := buf[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeString(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.Node = v
			buf = rest[vn:]
		case num == 2 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeString(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.ID = v
			buf = rest[vn:]
		case num == 3 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.Qos = uint32(v)
			buf = rest[vn:]
		case num == 4 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeString(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.From = v
			buf = rest[vn:]
		case num == 5 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeString(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.Topic = v
			buf = rest[vn:]
		case num == 6 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.Payload = append([]byte(nil), v...)
			buf = rest[vn:]
		case num == 7 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			m.Timestamp = v
			buf = rest[vn:]
		case num == 8 && typ == protowire.BytesType:
			entry, vn := protowire.ConsumeBytes(rest)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			key, value, err := decodeMapEntry(entry)
			if err != nil {
				return err
			}
			if m.Headers == nil {
				m.Headers = make(map[string]string)
			}
			m.Headers[key] = value
			buf = rest[vn:]
		default:
			// Keep the whole tag+value so marshal can replay it.
			fn := protowire.ConsumeFieldValue(num, typ, rest)
			if fn < 0 {
				return protowire.ParseError(fn)
			}
			m.unknown = append(m.unknown, buf[:n+fn]...)
			buf = rest[fn:]
		}
	}
	return nil
}

func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	if m.Node != "" {
		b = appendString(b, 1, m.Node)
	}
	if m.ID != "" {
		b = appendString(b, 2, m.ID)
	}
	if m.Qos != 0 {
		b = appendVarint(b, 3, uint64(m.Qos))
	}
	if m.From != "" {
		b = appendString(b, 4, m.From)
	}
	if m.Topic != "" {
		b = appendString(b, 5, m.Topic)
	}
	if len(m.Payload) > 0 {
		b = appendBytes(b, 6, m.Payload)
	}
	if m.Timestamp != 0 {
		b = appendVarint(b, 7, m.Timestamp)
	}
	for _, key := range sortedKeys(m.Headers) {
		b = appendBytes(b, 8, encodeMapEntry(key, m.Headers[key]))
	}
	b = append(b, m.unknown...)
	return b, nil
}

func decodeMapEntry(entry []byte) (key, value string, err error) {
	for len(entry) > 0 {
		num, typ, n := protowire.ConsumeTag(entry)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		entry = entry[n:]
		if typ != protowire.BytesType {
			return "", "", fmt.Errorf("exhook: map entry field %d has wire type %d", num, typ)
		}
		v, vn := protowire.ConsumeString(entry)
		if vn < 0 {
			return "", "", protowire.ParseError(vn)
		}
		entry = entry[vn:]
		switch num {
		case 1:
			key = v
		case 2:
			value = v
		}
	}
	return key, value, nil
}

func encodeMapEntry(key, value string) []byte {
	var b []byte
	b = appendString(b, 1, key)
	b = appendString(b, 2, value)
	return b
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValuedResponse carries the hook verdict; the optional value is either a
// boolean result or a replacement message.
type ValuedResponse struct {
	Type       ResponsedType
	BoolResult *bool
	Message    *Message
}

func (r *ValuedResponse) Marshal() ([]byte, error) {
	var b []byte
	if r.Type != 0 {
		b = appendVarint(b, 1, uint64(r.Type))
	}
	if r.BoolResult != nil {
		v := uint64(0)
		if *r.BoolResult {
			v = 1
		}
		b = appendVarint(b, 3, v)
	}
	if r.Message != nil {
		msg, err := r.Message.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, 4, msg)
	}
	return b, nil
}

func (r *ValuedResponse) Unmarshal(buf []byte) error {
	*r = ValuedResponse{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			r.Type = ResponsedType(v)
			buf = buf[vn:]
		case num == 3 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			set := v != 0
			r.BoolResult = &set
			buf = buf[vn:]
		case num == 4 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			r.Message = &Message{}
			if err := r.Message.Unmarshal(v); err != nil {
				return err
			}
			buf = buf[vn:]
		default:
			fn := protowire.ConsumeFieldValue(num, typ, buf)
			if fn < 0 {
				return protowire.ParseError(fn)
			}
			buf = buf[fn:]
		}
	}
	return nil
}

// HookSpec names one hook the provider wants, optionally narrowed to
// topic filters. Empty topics means all topics.
type HookSpec struct {
	Name   string
	Topics []string
}

// LoadedResponse is the provider's answer to OnProviderLoaded: the hooks
// it wants the broker to deliver.
type LoadedResponse struct {
	Hooks []HookSpec
}

func (r *LoadedResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, h := range r.Hooks {
		var hb []byte
		if h.Name != "" {
			hb = appendString(hb, 1, h.Name)
		}
		for _, t := range h.Topics {
			hb = appendString(hb, 2, t)
		}
		b = appendBytes(b, 1, hb)
	}
	return b, nil
}

func (r *LoadedResponse) Unmarshal(buf []byte) error {
	*r = LoadedResponse{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		if num != 1 || typ != protowire.BytesType {
			fn := protowire.ConsumeFieldValue(num, typ, buf)
			if fn < 0 {
				return protowire.ParseError(fn)
			}
			buf = buf[fn:]
			continue
		}
		v, vn := protowire.ConsumeBytes(buf)
		if vn < 0 {
			return protowire.ParseError(vn)
		}
		buf = buf[vn:]

		var spec HookSpec
		err := walkStrings(v, func(num protowire.Number, s string) {
			switch num {
			case 1:
				spec.Name = s
			case 2:
				spec.Topics = append(spec.Topics, s)
			}
		})
		if err != nil {
			return err
		}
		r.Hooks = append(r.Hooks, spec)
	}
	return nil
}

// EmptySuccess is the bare acknowledgment for the no-op hooks.
type EmptySuccess struct{}

func (*EmptySuccess) Marshal() ([]byte, error) { return nil, nil }
func (*EmptySuccess) Unmarshal([]byte) error   { return nil }

// BrokerInfo describes the broker in the provider-loaded request. Only
// logged, never acted on.
type BrokerInfo struct {
	Version  string
	Sysdescr string
	Uptime   int64
	Datetime string
}

// ProviderLoadedRequest is the first call after the broker connects.
type ProviderLoadedRequest struct {
	Broker *BrokerInfo
}

func (r *ProviderLoadedRequest) Marshal() ([]byte, error) {
	var b []byte
	if r.Broker != nil {
		var bb []byte
		if r.Broker.Version != "" {
			bb = appendString(bb, 1, r.Broker.Version)
		}
		if r.Broker.Sysdescr != "" {
			bb = appendString(bb, 2, r.Broker.Sysdescr)
		}
		if r.Broker.Uptime != 0 {
			bb = appendVarint(bb, 3, uint64(r.Broker.Uptime))
		}
		if r.Broker.Datetime != "" {
			bb = appendString(bb, 4, r.Broker.Datetime)
		}
		b = appendBytes(b, 1, bb)
	}
	return b, nil
}

func (r *ProviderLoadedRequest) Unmarshal(buf []byte) error {
	*r = ProviderLoadedRequest{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		if num != 1 || typ != protowire.BytesType {
			fn := protowire.ConsumeFieldValue(num, typ, buf)
			if fn < 0 {
				return protowire.ParseError(fn)
			}
			buf = buf[fn:]
			continue
		}
		v, vn := protowire.ConsumeBytes(buf)
		if vn < 0 {
			return protowire.ParseError(vn)
		}
		buf = buf[vn:]

		info := &BrokerInfo{}
		err := forEachWireField(v, func(num protowire.Number, typ protowire.Type, varint uint64, bs []byte) {
			switch {
			case num == 1 && typ == protowire.BytesType:
				info.Version = string(bs)
			case num == 2 && typ == protowire.BytesType:
				info.Sysdescr = string(bs)
			case num == 3 && typ == protowire.VarintType:
				info.Uptime = int64(varint)
			case num == 4 && typ == protowire.BytesType:
				info.Datetime = string(bs)
			}
		})
		if err != nil {
			return err
		}
		r.Broker = info
	}
	return nil
}

// MessagePublishRequest wraps the message being published.
type MessagePublishRequest struct {
	Message *Message
}

func (r *MessagePublishRequest) Marshal() ([]byte, error) {
	var b []byte
	if r.Message != nil {
		msg, err := r.Message.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, 1, msg)
	}
	return b, nil
}

func (r *MessagePublishRequest) Unmarshal(buf []byte) error {
	*r = MessagePublishRequest{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		if num == 1 && typ == protowire.BytesType {
			v, vn := protowire.ConsumeBytes(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			r.Message = &Message{}
			if err := r.Message.Unmarshal(v); err != nil {
				return err
			}
			buf = buf[vn:]
			continue
		}
		fn := protowire.ConsumeFieldValue(num, typ, buf)
		if fn < 0 {
			return protowire.ParseError(fn)
		}
		buf = buf[fn:]
	}
	return nil
}

// RawRequest stands in for the request types of hooks that never inspect
// their input. The bytes are retained untouched.
type RawRequest struct {
	Data []byte
}

func (r *RawRequest) Marshal() ([]byte, error) { return r.Data, nil }

func (r *RawRequest) Unmarshal(buf []byte) error {
	r.Data = append(r.Data[:0], buf...)
	return nil
}

func walkStrings(buf []byte, fn func(num protowire.Number, s string)) error {
	return forEachWireField(buf, func(num protowire.Number, typ protowire.Type, _ uint64, bs []byte) {
		if typ == protowire.BytesType {
			fn(num, string(bs))
		}
	})
}

func forEachWireField(buf []byte, fn func(num protowire.Number, typ protowire.Type, varint uint64, bs []byte)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		switch typ {
		case protowire.VarintType:
			v, vn := protowire.ConsumeVarint(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			fn(num, typ, v, nil)
			buf = buf[vn:]
		case protowire.Fixed32Type:
			v, vn := protowire.ConsumeFixed32(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			fn(num, typ, uint64(v), nil)
			buf = buf[vn:]
		case protowire.Fixed64Type:
			v, vn := protowire.ConsumeFixed64(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			fn(num, typ, v, nil)
			buf = buf[vn:]
		case protowire.BytesType:
			v, vn := protowire.ConsumeBytes(buf)
			if vn < 0 {
				return protowire.ParseError(vn)
			}
			fn(num, typ, 0, v)
			buf = buf[vn:]
		default:
			return fmt.Errorf("exhook: unsupported wire type %d for field %d", typ, num)
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
