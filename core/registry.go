// This file is part of communicatord, a cluster message broker in Golang.
// Copyright (C) 2019-2022 Bernd Fix  >Y<
//
// communicatord is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// communicatord is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package core

// Handle is a stable reference to a registry endpoint: a slab index
// plus a generation that invalidates the handle once the slot is
// recycled. The zero Handle never resolves.
type Handle struct {
	idx uint32
	gen uint32
}

// Valid reports whether the handle was ever issued by a registry.
func (h Handle) Valid() bool {
	return h.gen != 0
}

// slot is one arena cell.
type slot struct {
	gen uint32
	ep  *Endpoint
}

// Registry is the authoritative set of endpoints, held in a slab so
// that every reference is a stable (index, generation) handle. All
// methods must be called from the broker loop.
type Registry struct {
	slots []slot
	free  []uint32
	live  int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an endpoint and returns its handle.
func (r *Registry) Add(ep *Endpoint) Handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = uint32(len(r.slots) - 1)
	}
	s := &r.slots[idx]
	s.gen++
	s.ep = ep
	r.live++
	return Handle{idx: idx, gen: s.gen}
}

// Get resolves a handle, returning nil for stale or zero handles.
func (r *Registry) Get(h Handle) *Endpoint {
	if int(h.idx) >= len(r.slots) {
		return nil
	}
	s := &r.slots[h.idx]
	if s.gen != h.gen {
		return nil
	}
	return s.ep
}

// Release removes the endpoint behind a handle; later Gets return nil.
func (r *Registry) Release(h Handle) {
	if int(h.idx) >= len(r.slots) {
		return
	}
	s := &r.slots[h.idx]
	if s.gen != h.gen || s.ep == nil {
		return
	}
	s.ep = nil
	s.gen++ // invalidate outstanding handles immediately
	r.free = append(r.free, h.idx)
	r.live--
}

// Size returns the number of registered endpoints.
func (r *Registry) Size() int {
	return r.live
}

// Visit calls f for every endpoint; returning false stops the walk.
func (r *Registry) Visit(f func(Handle, *Endpoint) bool) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.ep == nil {
			continue
		}
		if !f(Handle{idx: uint32(i), gen: s.gen}, s.ep) {
			return
		}
	}
}

// FindLocalService returns the first live local-service endpoint
// registered under the given service name.
func (r *Registry) FindLocalService(service string) (h Handle, ep *Endpoint) {
	r.Visit(func(hh Handle, e *Endpoint) bool {
		if e.Role == RoleLocalService && e.ServiceName == service && e.IsConnected() {
			h, ep = hh, e
			return false
		}
		return true
	})
	return
}

// FindRemoteByName returns the live REMOTE endpoint for a server name.
func (r *Registry) FindRemoteByName(server string) (h Handle, ep *Endpoint) {
	r.Visit(func(hh Handle, e *Endpoint) bool {
		if e.Type == TypeRemote && e.ServerName == server && e.IsConnected() {
			h, ep = hh, e
			return false
		}
		return true
	})
	return
}

// RemotesClaiming returns the handles of live REMOTE endpoints whose
// claimed-services set contains the given service.
func (r *Registry) RemotesClaiming(service string) (list []Handle) {
	r.Visit(func(h Handle, e *Endpoint) bool {
		if e.Type == TypeRemote && e.IsConnected() && e.Services[service] {
			list = append(list, h)
		}
		return true
	})
	return
}

// Remotes returns the handles of all live REMOTE endpoints.
func (r *Registry) Remotes() (list []Handle) {
	r.Visit(func(h Handle, e *Endpoint) bool {
		if e.Type == TypeRemote && e.IsConnected() {
			list = append(list, h)
		}
		return true
	})
	return
}

// LocalServices returns the handles of all live registered local
// services.
func (r *Registry) LocalServices() (list []Handle) {
	r.Visit(func(h Handle, e *Endpoint) bool {
		if e.Role == RoleLocalService && e.ServiceName != "" && e.IsConnected() {
			list = append(list, h)
		}
		return true
	})
	return
}

// LiveRemoteCount counts live REMOTE endpoints by server name (at most
// one per name can be live).
func (r *Registry) LiveRemoteCount() int {
	return len(r.Remotes())
}
