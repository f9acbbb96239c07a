// Package accessory is the registration service the detector advertises
// through. Each registration is a retained presence message on the bus.
package accessory

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"usbdet-go/bus"
	"usbdet-go/services/usbdet/trace"
	"usbdet-go/types"
	"usbdet-go/x/timex"
)

var ErrUnknownHandle = errors.New("unknown_handle")

// Topic returns the retained presence topic for kind.
func Topic(kind string) bus.Topic { return bus.T("accessory", kind) }

// StateTopic carries the detector state.
var StateTopic = bus.T("accessory", "state")

type Registry struct {
	conn *bus.Connection

	mu      sync.Mutex
	entries map[string]string // handle -> kind
}

func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		conn:    b.NewConnection("accessory"),
		entries: map[string]string{},
	}
}

// Add registers kind and returns a fresh handle.
func (r *Registry) Add(kind string) (string, error) {
	if kind == "" {
		return "", errors.New("empty kind")
	}
	h := uuid.NewString()
	r.mu.Lock()
	r.entries[h] = kind
	r.mu.Unlock()
	r.publish(kind, h, true)
	return h, nil
}

func (r *Registry) Remove(h string) error {
	r.mu.Lock()
	kind, ok := r.entries[h]
	delete(r.entries, h)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	r.publish(kind, h, false)
	return nil
}

// Present reports whether any registration of kind exists.
func (r *Registry) Present(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.entries {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *Registry) publish(kind, h string, present bool) {
	r.conn.Publish(r.conn.NewMessage(Topic(kind), types.AccessoryPresence{
		Kind:    kind,
		Handle:  h,
		Present: present,
		TSms:    timex.NowMs(),
	}, true))
}

// StatePublisher mirrors detector transitions onto StateTopic.
type StatePublisher struct {
	conn *bus.Connection
}

func NewStatePublisher(b *bus.Bus) *StatePublisher {
	return &StatePublisher{conn: b.NewConnection("accessory-state")}
}

func (p *StatePublisher) Record(ev trace.Event) {
	p.conn.Publish(p.conn.NewMessage(StateTopic, types.DetectorState{
		State:   ev.To,
		Verdict: ev.Verdict,
		TSms:    ev.Timestamp.UnixMilli(),
	}, true))
}

var _ trace.Recorder = (*StatePublisher)(nil)
