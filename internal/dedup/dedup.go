// Package dedup suppresses re-delivery of mesh packets that reach the
// broker through more than one gateway.
package dedup

import (
	"strconv"
	"sync"

	"github.com/austinmesh/bridger/internal/meshproto"
)

// DefaultCapacity bounds the remembered-key window. Capacity trades
// memory for how long a replay stays suppressed; an evicted key presented
// again counts as new.
const DefaultCapacity = 100

// Deduplicator is a bounded FIFO set over packet keys. Keyed by packet id
// alone it collapses the same packet relayed by several gateways; with
// UseGatewayID set, each (gateway, packet) pair is tracked separately.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	useGW    bool
	ring     []string
	next     int
	seen     map[string]struct{}
}

type Option func(*Deduplicator)

func WithCapacity(n int) Option {
	return func(d *Deduplicator) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithGatewayID keys the set by (gateway_id, packet_id) so each relay of
// a packet is seen once per gateway.
func WithGatewayID() Option {
	return func(d *Deduplicator) { d.useGW = true }
}

func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		capacity: DefaultCapacity,
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ring = make([]string, d.capacity)
	return d
}

func (d *Deduplicator) key(env *meshproto.ServiceEnvelope) string {
	id := strconv.FormatUint(uint64(env.Packet.ID), 10)
	if d.useGW {
		return env.GatewayID + "/" + id
	}
	return id
}

// IsDuplicate reports whether the envelope's key has been seen, without
// recording it.
func (d *Deduplicator) IsDuplicate(env *meshproto.ServiceEnvelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[d.key(env)]
	return ok
}

// MarkProcessed records the envelope's key, evicting the oldest key once
// the window is full.
func (d *Deduplicator) MarkProcessed(env *meshproto.ServiceEnvelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(d.key(env))
}

// ShouldProcess records the key and returns true when it is unseen;
// returns false for a duplicate.
func (d *Deduplicator) ShouldProcess(env *meshproto.ServiceEnvelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := d.key(env)
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.record(k)
	return true
}

func (d *Deduplicator) record(k string) {
	if evicted := d.ring[d.next]; evicted != "" {
		delete(d.seen, evicted)
	}
	d.ring[d.next] = k
	d.next = (d.next + 1) % d.capacity
	d.seen[k] = struct{}{}
}
