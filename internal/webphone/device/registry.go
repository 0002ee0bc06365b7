// Package device tracks the endpoints eligible for audio binding and which
// one currently owns call audio. Exactly one binding is active at a time;
// swaps are atomic under the registry lock.
package device

import (
	"fmt"
	"sync"
)

// Kind classifies an audio endpoint.
type Kind int

const (
	// KindSoftphone - browser/agent WebRTC endpoint.
	KindSoftphone Kind = iota
	// KindDeskPhone - physical SIP phone.
	KindDeskPhone
	// KindMobile - mobile app endpoint.
	KindMobile
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindSoftphone:
		return "softphone"
	case KindDeskPhone:
		return "desk_phone"
	case KindMobile:
		return "mobile"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// ParseKind maps a backend type string to a Kind. Unrecognized types fall
// back to softphone, matching how the backend treats unknown devices.
func ParseKind(s string) Kind {
	switch s {
	case "desk_phone":
		return KindDeskPhone
	case "mobile":
		return KindMobile
	default:
		return KindSoftphone
	}
}

// Binding is one endpoint eligible for audio binding.
type Binding struct {
	ID                 string
	Kind               Kind
	DisplayName        string
	RegistrationStatus string
	MAC                string
}

// ErrNotFound is returned when binding to an unknown device id.
var ErrNotFound = fmt.Errorf("device not found")

// Registry holds the endpoint list and the single active binding.
type Registry struct {
	mu       sync.RWMutex
	devices  []Binding
	activeID string
}

// NewRegistry creates an empty registry. Populate it with Replace before
// binding.
func NewRegistry() *Registry {
	return &Registry{}
}

// Replace swaps in a freshly fetched device list. If the previously active
// device survives the refresh it stays bound; otherwise the binding falls
// back to the softphone entry, or the first device if none exists.
func (r *Registry) Replace(devices []Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = append([]Binding(nil), devices...)

	if r.activeID != "" {
		for _, d := range r.devices {
			if d.ID == r.activeID {
				return
			}
		}
	}
	r.activeID = ""
	for _, d := range r.devices {
		if d.Kind == KindSoftphone {
			r.activeID = d.ID
			return
		}
	}
	if len(r.devices) > 0 {
		r.activeID = r.devices[0].ID
	}
}

// Bind marks the device with the given id as the active binding. Fails with
// ErrNotFound for unknown ids, leaving the previous binding intact.
func (r *Registry) Bind(id string) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if d.ID == id {
			r.activeID = id
			return d, nil
		}
	}
	return Binding{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Softphone returns the softphone entry, if one is registered.
func (r *Registry) Softphone() (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.Kind == KindSoftphone {
			return d, true
		}
	}
	return Binding{}, false
}

// Active returns the currently bound device.
func (r *Registry) Active() (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.devices {
		if d.ID == r.activeID {
			return d, true
		}
	}
	return Binding{}, false
}

// List returns a copy of the device list in backend order.
func (r *Registry) List() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Binding(nil), r.devices...)
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
