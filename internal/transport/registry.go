package transport

import (
	"github.com/cornelk/hashmap"
	"github.com/google/uuid"

	"github.com/srg/btlink/internal/device"
)

// Registry maps attribute channels to the transport attached to them so the connector's
// platform callbacks reach the right transport.
type Registry struct {
	bound *hashmap.Map[string, *Attribute]
}

func NewRegistry() *Registry {
	return &Registry{bound: hashmap.New[string, *Attribute]()}
}

func (r *Registry) bind(ch device.AttributeChannel, t *Attribute) {
	r.bound.Set(ch.ID(), t)
}

// unbind removes the entry only if it still belongs to t.
func (r *Registry) unbind(ch device.AttributeChannel, t *Attribute) {
	if cur, ok := r.bound.Get(ch.ID()); ok && cur == t {
		r.bound.Del(ch.ID())
	}
}

// Lookup returns the transport bound to ch.
func (r *Registry) Lookup(ch device.AttributeChannel) (*Attribute, bool) {
	if ch == nil {
		return nil, false
	}
	return r.bound.Get(ch.ID())
}

// Dispatch hands a notification to the bound transport.
func (r *Registry) Dispatch(ch device.AttributeChannel, characteristic uuid.UUID, value []byte) bool {
	t, ok := r.Lookup(ch)
	if !ok {
		return false
	}
	return t.handleNotification(ch, characteristic, value)
}

// DispatchClosed tells the bound transport its channel is gone.
func (r *Registry) DispatchClosed(ch device.AttributeChannel) bool {
	t, ok := r.Lookup(ch)
	if !ok {
		return false
	}
	return t.handleLost(ch)
}

// Len returns the number of bound channels.
func (r *Registry) Len() int {
	return r.bound.Len()
}
