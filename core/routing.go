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
	"communicatord/util"

	"github.com/bfix/gospel/logger"
)

// route decides what to do with a message not addressed to the broker
// itself: deliver to a local service, cache for a not-yet-registered
// local service, forward to the peer hosting the service, or fall back
// to a bounded flood.
func (b *Broker) route(from Handle, m *message.Message) Outcome {
	// broadcast sentinels take the propagation path; a specific
	// destination server combined with "*" or "?" is contradictory
	// and the message is dropped ("." is local-only and carries no
	// server-name concept)
	if m.IsBroadcast() {
		if m.Service != message.DestLocalServices {
			switch m.Server {
			case "", message.ServerHere, message.ServerAll:
			default:
				logger.Printf(logger.WARN,
					"[route] broadcast '%s' names a specific server '%s', dropped\n",
					m.Command, m.Server)
				return Dropped
			}
		}
		return b.broadcast(from, m)
	}
	server, service := m.Server, m.Service

	// does the destination server match this node?
	serverMatches := false
	switch server {
	case "", message.ServerHere, message.ServerAll, b.peer.Name:
		serverMatches = true
	}

	// a live local service wins
	if serverMatches {
		if _, ep := b.reg.FindLocalService(service); ep != nil {
			if err := ep.Send(m); err != nil {
				logger.Printf(logger.WARN, "[route] delivery to '%s' failed: %s\n",
					service, err.Error())
				return Dropped
			}
			return Delivered
		}
	}

	// known-but-unregistered local service: cache for later
	if serverMatches && b.knownServices[service] {
		switch b.cache.Put(m) {
		case CacheStored:
			logger.Printf(logger.INFO, "[route] cached for '%s' (%d pending)\n",
				service, b.cache.Size())
			return Cached
		case CacheReply:
			b.transmissionReport(from, m, "failed")
			return Dropped
		default:
			return Dropped
		}
	}

	// a peer claiming the service; spread load across candidates
	if list := b.reg.RemotesClaiming(service); len(list) > 0 {
		b.rr++
		h := list[b.rr%len(list)]
		ep := b.reg.Get(h)
		if err := ep.Send(m); err == nil {
			return Delivered
		}
		logger.Printf(logger.WARN, "[route] forward to '%s' failed\n", ep.ServerName)
	}

	// addressed to us but the service is neither live nor known
	if server == b.peer.Name || server == message.ServerHere {
		logger.Printf(logger.WARN, "[route] no such service '%s' on this node\n", service)
		if message.CacheDirectiveOf(m).Reply {
			b.transmissionReport(from, m, "failed")
		}
		return Dropped
	}

	// last resort: flood to all peers, bounded by the broadcast envelope
	return b.flood(from, m)
}

// flood forwards a message of unknown placement to every live REMOTE
// endpoint, carrying a broadcast envelope so the cluster does not
// recirculate it.
func (b *Broker) flood(from Handle, m *message.Message) Outcome {
	env := ParseEnvelope(m)
	env.Ensure(b.peer.Canonical())
	if b.seen.Seen(env.MsgID) || env.Expired() {
		return Dropped
	}
	b.seen.Mark(env.MsgID, env.Deadline)
	if env.Hops >= BroadcastHopCap {
		return Dropped
	}
	env.Hops++

	targets := b.forwardTargets(from, env, message.DestAllServicesAndPeers)
	if len(targets) == 0 {
		logger.Printf(logger.WARN, "[route] nowhere to forward '%s' for '%s:%s'\n",
			m.Command, m.Server, m.Service)
		return Dropped
	}
	env.Stamp(m)
	for _, h := range targets {
		ep := b.reg.Get(h)
		if err := ep.Send(m); err != nil {
			logger.Printf(logger.WARN, "[route] flood to '%s' failed: %s\n",
				ep.ServerName, err.Error())
		}
	}
	return Delivered
}

// broadcast propagates a message whose destination-service is one of
// the broadcast sentinels.
func (b *Broker) broadcast(from Handle, m *message.Message) Outcome {
	localOnly := m.Service == message.DestLocalServices

	env := ParseEnvelope(m)
	if !localOnly {
		env.Ensure(b.peer.Canonical())
		if b.seen.Seen(env.MsgID) {
			return Dropped
		}
		if env.Expired() {
			logger.Printf(logger.DBG, "[route] broadcast %s expired\n", env.MsgID)
			return Dropped
		}
		b.seen.Mark(env.MsgID, env.Deadline)
	}

	// local delivery to services that understand the command (but
	// never back to the sender)
	for _, h := range b.reg.LocalServices() {
		if h == from {
			continue
		}
		ep := b.reg.Get(h)
		if !ep.Understands(m.Command) {
			continue
		}
		if err := ep.Send(m); err != nil {
			logger.Printf(logger.WARN, "[route] broadcast to '%s' failed: %s\n",
				ep.ServiceName, err.Error())
		}
	}
	if localOnly {
		return Delivered
	}

	// forward to peers unless the hop cap says local-only
	if env.Hops >= BroadcastHopCap {
		return Delivered
	}
	env.Hops++
	targets := b.forwardTargets(from, env, m.Service)
	if len(targets) > 0 {
		env.Stamp(m)
		for _, h := range targets {
			ep := b.reg.Get(h)
			if err := ep.Send(m); err != nil {
				logger.Printf(logger.WARN, "[route] broadcast to peer '%s' failed: %s\n",
					ep.ServerName, err.Error())
			}
		}
	}
	return Delivered
}

// forwardTargets selects the REMOTE endpoints a propagating message
// still has to reach, honoring the informed-neighbors set and the
// sentinel's network-class restriction, and records the selection in
// the envelope so the next hop does not re-send to them.
func (b *Broker) forwardTargets(from Handle, env *Envelope, sentinel string) (targets []Handle) {
	for _, h := range b.reg.Remotes() {
		if h == from {
			continue
		}
		ep := b.reg.Get(h)
		canon := ""
		if ep.Addr != nil {
			canon, _ = ep.Addr.Canonical()
		}
		if canon != "" && env.Informed[canon] {
			continue
		}
		if ep.Addr != nil {
			class := ep.Addr.Class()
			switch sentinel {
			case message.DestAllServices:
				// "?" reaches only peers on private networks
				if class != util.ClassPrivate {
					continue
				}
			case message.DestAllServicesAndPeers:
				if class == util.ClassLoopback {
					logger.Printf(logger.WARN,
						"[route] broadcasting to loopback peer %s\n", canon)
				}
			}
		}
		if canon != "" {
			env.Informed[canon] = true
		}
		targets = append(targets, h)
	}
	return
}

// transmissionReport notifies an originator that its message could not
// be delivered (or was). UDP signal senders never get replies.
func (b *Broker) transmissionReport(from Handle, m *message.Message, status string) {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role == RoleSignal {
		return
	}
	report := message.New(message.CmdTransmissionReport).
		Set(message.ParamStatus, status).
		Set("command", m.Command).
		Set("destination-service", m.Service)
	if err := ep.Send(report); err != nil {
		logger.Printf(logger.WARN, "[route] transmission report failed: %s\n", err.Error())
	}
}
