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

import (
	"communicatord/message"
)

//----------------------------------------------------------------------
// Broker events and listeners: in-process observers (the daemon's own
// logging, the introspection endpoint, tests) subscribe to connection
// and message activity without taking part in wire routing.
//----------------------------------------------------------------------

// Event types
const (
	EvPeerConnected    = iota // REMOTE peer link established
	EvPeerDisconnected        // REMOTE peer link lost
	EvServiceUp               // local service registered
	EvServiceDown             // local service unregistered or hung up
	EvClusterChanged          // cluster status transition
	EvMessage                 // message dispatched or routed
)

// EventFilter selects the events a listener is interested in. The
// filter works on event types; if EvMessage is set, messages can be
// filtered by command name also.
type EventFilter struct {
	evTypes  map[int]bool
	commands map[string]bool
}

// NewEventFilter creates a new empty filter instance (matches all).
func NewEventFilter() *EventFilter {
	return &EventFilter{
		evTypes:  make(map[int]bool),
		commands: make(map[string]bool),
	}
}

// AddEvent adds an event id to the filter.
func (f *EventFilter) AddEvent(ev int) {
	f.evTypes[ev] = true
}

// AddCommand adds a command name to the filter.
func (f *EventFilter) AddCommand(cmd string) {
	f.evTypes[EvMessage] = true
	f.commands[cmd] = true
}

// CheckEvent returns true if an event id is matched by the filter or
// the filter is empty.
func (f *EventFilter) CheckEvent(ev int) bool {
	if len(f.evTypes) == 0 {
		return true
	}
	return f.evTypes[ev]
}

// CheckCommand returns true if a command name is matched by the filter
// or the filter is empty.
func (f *EventFilter) CheckCommand(cmd string) bool {
	if len(f.commands) == 0 {
		return true
	}
	return f.commands[cmd]
}

// Event sent to listeners
type Event struct {
	ID     int              // event type
	Name   string           // server or service name involved
	Msg    *message.Message // message (can be nil)
	Status ClusterState     // cluster state (EvClusterChanged)
}

//----------------------------------------------------------------------

// Listener for broker events
type Listener struct {
	ch     chan *Event  // listener channel
	filter *EventFilter // event filter settings
}

// NewListener for given filter and receiving channel
func NewListener(ch chan *Event, f *EventFilter) *Listener {
	if f == nil {
		// set empty default filter
		f = NewEventFilter()
	}
	return &Listener{
		ch:     ch,
		filter: f,
	}
}
