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

	"github.com/bfix/gospel/logger"
)

// Outcome is a handler's verdict on a message. Handlers return it
// instead of raising errors; the dispatcher logs every verdict
// uniformly and the event loop keeps running regardless.
type Outcome int

// Handler outcomes.
const (
	Delivered Outcome = iota
	Cached
	Dropped
	Refused
)

// String returns a printable outcome name.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Cached:
		return "cached"
	case Dropped:
		return "dropped"
	case Refused:
		return "refused"
	}
	return "?"
}

// Handler processes one command addressed to the broker itself. The
// originating endpoint is identified by its handle; the broker is the
// shared context.
type Handler func(b *Broker, from Handle, m *message.Message) Outcome

// Dispatcher maps incoming command names to handlers. The table is
// built once at startup and read-only afterwards.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register binds a command name to its handler.
func (d *Dispatcher) Register(cmd string, h Handler) {
	d.handlers[cmd] = h
}

// Commands returns the broker's own command vocabulary, for HELP replies.
func (d *Dispatcher) Commands() (list []string) {
	for cmd := range d.handlers {
		list = append(list, cmd)
	}
	return
}

// Dispatch routes a message addressed to the broker to its handler.
// Unknown commands are surfaced to the peer as a standardized UNKNOWN
// reply when the peer can understand one, and logged otherwise.
func (d *Dispatcher) Dispatch(b *Broker, from Handle, m *message.Message) Outcome {
	hdlr, ok := d.handlers[m.Command]
	if !ok {
		logger.Printf(logger.WARN, "[dispatch] unknown command '%s'\n", m.Command)
		if ep := b.reg.Get(from); ep != nil && ep.Understands(message.CmdUnknown) {
			reply := message.New(message.CmdUnknown).
				Set("command", m.Command).
				Set(message.ParamReason, "unimplemented")
			if err := ep.Send(reply); err != nil {
				logger.Printf(logger.WARN, "[dispatch] UNKNOWN reply failed: %s\n", err.Error())
			}
		}
		return Dropped
	}
	out := hdlr(b, from, m)
	switch out {
	case Delivered:
		logger.Printf(logger.DBG, "[dispatch] %s: %s\n", m.Command, out)
	case Cached:
		logger.Printf(logger.INFO, "[dispatch] %s: %s\n", m.Command, out)
	case Dropped, Refused:
		logger.Printf(logger.WARN, "[dispatch] %s: %s\n", m.Command, out)
	}
	return out
}
