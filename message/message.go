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

// Package message implements the broker's line-oriented wire protocol:
// a command name, routing headers and an ordered set of parameters,
// serializable to and from the single-line textual form the daemon and
// its clients exchange over every transport.
package message

// Destination sentinels for the destination-service field.
const (
	DestAllServicesAndPeers = "*" // broadcast to services and peers
	DestAllServices         = "?" // broadcast to services and private-network peers
	DestLocalServices       = "." // broadcast to local services only
)

// Destination sentinels for the destination-server field.
const (
	ServerHere = "." // this node
	ServerAll  = "*" // all nodes
)

// param is one insertion-ordered name/value pair.
type param struct {
	name  string
	value string
}

// Message is a broker command plus its routing headers and parameters.
// The zero value is not useful; build messages with New.
type Message struct {
	Command string // mandatory, case-sensitive ASCII identifier

	FromServer  string // sent-from-server, stamped by the daemon
	FromService string // sent-from-service, stamped by the daemon

	Server  string // destination server: "", ".", "*", or a name
	Service string // destination service: "", name, "*", "?", "."

	params []param
}

// New creates a message for command with no routing headers set.
func New(command string) *Message {
	return &Message{Command: command}
}

// Set assigns value to name, appending it if not already present and
// overwriting the value in place (preserving insertion order) otherwise.
func (m *Message) Set(name, value string) *Message {
	for i := range m.params {
		if m.params[i].name == name {
			m.params[i].value = value
			return m
		}
	}
	m.params = append(m.params, param{name: name, value: value})
	return m
}

// Get returns the value for name and whether it was present.
func (m *Message) Get(name string) (string, bool) {
	for _, p := range m.params {
		if p.name == name {
			return p.value, true
		}
	}
	return "", false
}

// Has reports whether name is set (regardless of value).
func (m *Message) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Params returns the parameters in insertion order.
func (m *Message) Params() []struct{ Name, Value string } {
	out := make([]struct{ Name, Value string }, len(m.params))
	for i, p := range m.params {
		out[i] = struct{ Name, Value string }{p.name, p.value}
	}
	return out
}

// Equal reports whether m and other are equal under field-wise equality
// with parameter-map equality by name->value (insertion order excluded),
// the notion the wire round-trip guarantee is stated against.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Command != other.Command ||
		m.FromServer != other.FromServer || m.FromService != other.FromService ||
		m.Server != other.Server || m.Service != other.Service {
		return false
	}
	if len(m.params) != len(other.params) {
		return false
	}
	for _, p := range m.params {
		v, ok := other.Get(p.name)
		if !ok || v != p.value {
			return false
		}
	}
	return true
}

// IsBroadcast reports whether the destination-service sentinel requests
// broadcast propagation.
func (m *Message) IsBroadcast() bool {
	switch m.Service {
	case DestAllServicesAndPeers, DestAllServices, DestLocalServices:
		return true
	}
	return false
}

// Valid reports whether the message is routable at all: a
// destination-server of "*" combined with a specific (non-broadcast)
// destination-service is malformed.
func (m *Message) Valid() bool {
	if m.Command == "" {
		return false
	}
	if m.Server == ServerAll && m.Service != "" && !m.IsBroadcast() {
		return false
	}
	return true
}

//----------------------------------------------------------------------
// Broadcast envelope: parameters piggybacked on messages whose
// destination-service is one of the broadcast sentinels.
//----------------------------------------------------------------------

const (
	ParamBroadcastMsgID     = "broadcast-msgid"
	ParamBroadcastHops      = "broadcast-hops"
	ParamBroadcastTimeout   = "broadcast-timeout"
	ParamBroadcastOrigin    = "broadcast-originator"
	ParamBroadcastInformed  = "broadcast-informed-neighbors"
	ParamCache              = "cache"
	ParamVersion            = "version"
	ParamServices           = "services"
	ParamHeardOf            = "heard-of"
	ParamNeighbors          = "neighbors"
	ParamMyAddress          = "my-address"
	ParamServerName         = "server-name"
	ParamConflict           = "conflict"
	ParamShutdown           = "shutdown"
	ParamReason             = "reason"
	ParamStatus             = "status"
)
