package ble

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// Endpoint is the registry's record of one remote device.
type Endpoint struct {
	ID     EndpointID
	Name   string
	RSSI   int
	Status Status
	State  DiscoveryState
	// Characteristics holds the discovered characteristics of the session
	// service that match a known role.
	Characteristics map[CharacteristicID]Role
}

// Characteristic returns the discovered characteristic with the given role.
func (e Endpoint) Characteristic(role Role) (CharacteristicID, bool) {
	for id, r := range e.Characteristics {
		if r == role {
			return id, true
		}
	}
	return "", false
}

func (e Endpoint) clone() Endpoint {
	e.Characteristics = maps.Clone(e.Characteristics)
	return e
}

// Registry tracks the endpoints the manager is connecting or connected to.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	endpoints map[EndpointID]*Endpoint
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[EndpointID]*Endpoint)}
}

// Track inserts ep. It returns false, leaving the registry unchanged, if an
// endpoint with the same ID is already tracked.
func (r *Registry) Track(ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[ep.ID]; ok {
		return false
	}
	ep = ep.clone()
	if ep.Characteristics == nil {
		ep.Characteristics = make(map[CharacteristicID]Role)
	}
	r.endpoints[ep.ID] = &ep
	return true
}

// Get returns a copy of the endpoint with the given ID.
func (r *Registry) Get(id EndpointID) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return ep.clone(), true
}

// Update applies fn to the tracked endpoint. It returns false if id is not tracked.
func (r *Registry) Update(id EndpointID, fn func(*Endpoint)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return false
	}
	fn(ep)
	return true
}

// Remove drops the endpoint and returns its last record.
func (r *Registry) Remove(id EndpointID) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	delete(r.endpoints, id)
	return *ep, true
}

// Len returns the number of tracked endpoints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// List returns copies of all tracked endpoints ordered by ID.
func (r *Registry) List() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		list = append(list, ep.clone())
	}
	slices.SortFunc(list, func(a, b Endpoint) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return list
}
