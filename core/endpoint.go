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

// Package core implements the broker engine: the connection registry,
// the command dispatcher, routing and forwarding, the message cache,
// and the cluster-membership protocol.
package core

import (
	"time"

	"communicatord/message"
	"communicatord/transport"
	"communicatord/util"

	"github.com/bfix/gospel/concurrent"
)

// TransportKind tags the carrier of an endpoint.
type TransportKind int

// Carrier kinds.
const (
	KindStream TransportKind = iota
	KindDatagram
)

// Direction tags how an endpoint came to exist.
type Direction int

// Endpoint directions.
const (
	DirListener Direction = iota
	DirInbound
	DirOutbound
)

// Role is the function an endpoint serves in the broker.
type Role int

// Endpoint roles.
const (
	RoleLocalService Role = iota // process on this node, registered by name
	RoleInboundPeer              // another daemon that connected to us
	RoleOutboundPeer             // another daemon we connect to
	RoleGossip                   // short-lived probe carrying one GOSSIP
	RoleSignal                   // the UDP signal receiver
)

// String returns a printable role name.
func (r Role) String() string {
	switch r {
	case RoleLocalService:
		return "local-service"
	case RoleInboundPeer:
		return "inbound-peer"
	case RoleOutboundPeer:
		return "outbound-peer"
	case RoleGossip:
		return "gossip"
	case RoleSignal:
		return "signal"
	}
	return "?"
}

// ConnType is the connection type of an endpoint.
type ConnType int

// Connection types.
const (
	TypeDown ConnType = iota
	TypeLocal
	TypeRemote
)

// String returns a printable connection type.
func (t ConnType) String() string {
	switch t {
	case TypeLocal:
		return "LOCAL"
	case TypeRemote:
		return "REMOTE"
	}
	return "DOWN"
}

// Sender transmits one message to the peer behind an endpoint.
type Sender interface {
	Send(*message.Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(*message.Message) error

// Send implements Sender.
func (f SenderFunc) Send(m *message.Message) error { return f(m) }

// chanSender sends over an established message channel.
type chanSender struct {
	ch  *transport.MsgChannel
	sig *concurrent.Signaller
}

// Send implements Sender.
func (s *chanSender) Send(m *message.Message) error {
	return s.ch.Send(m, s.sig)
}

// NewChanSender wraps a message channel as a Sender.
func NewChanSender(ch *transport.MsgChannel, sig *concurrent.Signaller) Sender {
	return &chanSender{ch: ch, sig: sig}
}

// Endpoint is one connection in the registry. Common bookkeeping lives
// here; the carrier-specific part is behind the Sender.
type Endpoint struct {
	Kind TransportKind
	Dir  Direction
	Role Role
	Type ConnType

	Addr *util.Address // peer address (nil for not-yet-identified inbound)

	ServerName  string // filled during handshake (peers) or stamped (locals)
	ServiceName string // filled by REGISTER (local services)

	Commands map[string]bool // command names the peer claims to understand
	Services map[string]bool // services a REMOTE peer claims to host

	StartedAt time.Time
	EndedAt   time.Time

	User     string // credentials presented on remote inbound
	Password string

	WantsLoadAvg bool // peer asked for periodic LOADAVG updates

	out    Sender                         // live transmit path (nil = drop)
	perm   *transport.PermanentConnection // backing retry machine (outbound peers)
	closer interface{ Close() error }     // underlying link, closed on teardown
}

// NewEndpoint creates an endpoint with the given role, started now.
func NewEndpoint(kind TransportKind, dir Direction, role Role) *Endpoint {
	return &Endpoint{
		Kind:      kind,
		Dir:       dir,
		Role:      role,
		Type:      TypeDown,
		Commands:  make(map[string]bool),
		Services:  make(map[string]bool),
		StartedAt: time.Now(),
	}
}

// SetSender attaches the transmit path.
func (e *Endpoint) SetSender(s Sender) {
	e.out = s
}

// SetCloser attaches the underlying link so the broker can tear it
// down (and thereby unblock its reader) at shutdown.
func (e *Endpoint) SetCloser(c interface{ Close() error }) {
	e.closer = c
}

// CloseLink closes the underlying link, if any.
func (e *Endpoint) CloseLink() {
	if e.closer != nil {
		e.closer.Close()
	}
}

// SetPermanent attaches the retry machine backing an outbound peer.
func (e *Endpoint) SetPermanent(p *transport.PermanentConnection) {
	e.perm = p
}

// Permanent returns the backing retry machine (nil for other roles).
func (e *Endpoint) Permanent() *transport.PermanentConnection {
	return e.perm
}

// Send transmits a message to the peer; messages to endpoints without
// a transmit path are silently discarded (the signal receiver never
// gets replies).
func (e *Endpoint) Send(m *message.Message) error {
	if e.out == nil {
		return nil
	}
	return e.out.Send(m)
}

// IsConnected reports whether the endpoint currently has a live link.
func (e *Endpoint) IsConnected() bool {
	if e.perm != nil {
		return e.perm.IsConnected()
	}
	return e.Type != TypeDown && e.EndedAt.IsZero()
}

// Understands reports whether the peer claims the given command. An
// empty vocabulary (COMMANDS not yet exchanged) counts as understanding
// everything.
func (e *Endpoint) Understands(cmd string) bool {
	if len(e.Commands) == 0 {
		return true
	}
	return e.Commands[cmd]
}

// Consistent verifies the role/connection-type pairing: a local-service
// endpoint is never REMOTE and a peer endpoint is never LOCAL.
func (e *Endpoint) Consistent() bool {
	switch e.Role {
	case RoleLocalService:
		return e.Type != TypeRemote
	case RoleInboundPeer, RoleOutboundPeer:
		return e.Type != TypeLocal
	}
	return true
}

// MarkEnded stamps the endpoint as finished and drops its transmit path.
func (e *Endpoint) MarkEnded() {
	e.EndedAt = time.Now()
	e.Type = TypeDown
	e.out = nil
}
