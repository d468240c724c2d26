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
	"strconv"
	"strings"
	"time"

	"communicatord/message"
	"communicatord/util"
)

// Broadcast propagation limits.
const (
	BroadcastHopCap  = 5                // beyond this only local delivery occurs
	BroadcastTimeout = 10 * time.Second // default envelope lifetime
)

// Envelope is the parsed set of broadcast parameters piggybacking on a
// propagating message.
type Envelope struct {
	MsgID      string
	Hops       int
	Deadline   time.Time // zero if the message carries no timeout
	Originator string
	Informed   map[string]bool // canonical addresses already reached
}

// ParseEnvelope extracts the broadcast envelope from a message.
func ParseEnvelope(m *message.Message) *Envelope {
	env := &Envelope{
		Informed: make(map[string]bool),
	}
	env.MsgID, _ = m.Get(message.ParamBroadcastMsgID)
	if v, ok := m.Get(message.ParamBroadcastHops); ok {
		env.Hops, _ = strconv.Atoi(v)
	}
	if v, ok := m.Get(message.ParamBroadcastTimeout); ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			env.Deadline = time.Unix(secs, 0)
		}
	}
	env.Originator, _ = m.Get(message.ParamBroadcastOrigin)
	if v, ok := m.Get(message.ParamBroadcastInformed); ok {
		for _, a := range strings.Split(v, ",") {
			if a != "" {
				env.Informed[a] = true
			}
		}
	}
	return env
}

// Expired reports whether the envelope deadline has passed.
func (env *Envelope) Expired() bool {
	return !env.Deadline.IsZero() && time.Now().After(env.Deadline)
}

// Stamp writes the envelope back onto the message.
func (env *Envelope) Stamp(m *message.Message) {
	m.Set(message.ParamBroadcastMsgID, env.MsgID)
	m.Set(message.ParamBroadcastHops, strconv.Itoa(env.Hops))
	if !env.Deadline.IsZero() {
		m.Set(message.ParamBroadcastTimeout, strconv.FormatInt(env.Deadline.Unix(), 10))
	}
	if env.Originator != "" {
		m.Set(message.ParamBroadcastOrigin, env.Originator)
	}
	if len(env.Informed) > 0 {
		list := make([]string, 0, len(env.Informed))
		for a := range env.Informed {
			list = append(list, a)
		}
		m.Set(message.ParamBroadcastInformed, strings.Join(list, ","))
	}
}

// Ensure completes a partial envelope on a message entering broadcast
// propagation at this node: missing msgid, timeout and originator are
// filled in.
func (env *Envelope) Ensure(originator string) {
	if env.MsgID == "" {
		env.MsgID = util.NewBroadcastID()
	}
	if env.Deadline.IsZero() {
		env.Deadline = time.Now().Add(BroadcastTimeout)
	}
	if env.Originator == "" {
		env.Originator = originator
	}
}

//----------------------------------------------------------------------

// SeenSet records broadcast message ids with their deadlines to
// suppress redelivery. Expired records are collected on every insert.
type SeenSet struct {
	seen map[string]util.Deadline
}

// NewSeenSet creates an empty suppression set.
func NewSeenSet() *SeenSet {
	return &SeenSet{
		seen: make(map[string]util.Deadline),
	}
}

// Seen reports whether the id was already observed (and is not yet
// expired).
func (s *SeenSet) Seen(id string) bool {
	d, ok := s.seen[id]
	if !ok {
		return false
	}
	if d.Expired() {
		delete(s.seen, id)
		return false
	}
	return true
}

// Mark records an id until the given deadline, collecting garbage as a
// side effect.
func (s *SeenSet) Mark(id string, deadline time.Time) {
	for k, d := range s.seen {
		if d.Expired() {
			delete(s.seen, k)
		}
	}
	if deadline.IsZero() {
		deadline = time.Now().Add(BroadcastTimeout)
	}
	s.seen[id] = util.DeadlineAt(deadline)
}

// Sweep removes expired records.
func (s *SeenSet) Sweep() {
	for k, d := range s.seen {
		if d.Expired() {
			delete(s.seen, k)
		}
	}
}

// Size returns the number of tracked ids.
func (s *SeenSet) Size() int {
	return len(s.seen)
}
