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
	"crypto/subtle"
	"strings"

	"communicatord/message"
	"communicatord/util"

	"github.com/bfix/gospel/logger"
)

// registerHandlers builds the dispatch table once at startup.
func (b *Broker) registerHandlers() {
	d := b.disp
	d.Register(message.CmdRegister, handleRegister)
	d.Register(message.CmdUnregister, handleUnregister)
	d.Register(message.CmdConnect, handleConnect)
	d.Register(message.CmdAccept, handleAccept)
	d.Register(message.CmdRefuse, handleRefuse)
	d.Register(message.CmdDisconnect, handleDisconnect)
	d.Register(message.CmdGossip, handleGossip)
	d.Register(message.CmdReceived, handleReceived)
	d.Register(message.CmdForget, handleForget)
	d.Register(message.CmdCommands, handleCommands)
	d.Register(message.CmdHelp, handleHelp)
	d.Register(message.CmdClusterStatus, handleClusterStatus)
	d.Register(message.CmdShutdown, handleShutdown)
	d.Register(message.CmdStop, handleStop)
	d.Register(message.CmdServiceStatus, handleServiceStatus)
	d.Register(message.CmdUnknown, handleUnknown)
	d.Register(message.CmdQuitting, handleQuitting)
	d.Register(message.CmdRegisterForLoadAvg, handleLoadAvgOn)
	d.Register(message.CmdUnregisterForLoadAvg, handleLoadAvgOff)
	d.Register(message.CmdServerPublicIP, handlePublicIP)
	d.Register(message.CmdPublicIP, handlePublicIP)
}

//----------------------------------------------------------------------
// Local service lifecycle
//----------------------------------------------------------------------

// handleRegister marks a local endpoint as a named service, replies
// READY followed by HELP, and drains cached messages into it.
func handleRegister(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role != RoleLocalService {
		logger.Println(logger.WARN, "[broker] REGISTER on a non-local endpoint")
		return Refused
	}
	service, ok := m.Get("service")
	if !ok || service == "" {
		replyUnknown(ep, m.Command, "missing service")
		return Refused
	}
	if !CheckVersion(m) {
		replyUnknown(ep, m.Command, "version")
		return Refused
	}
	if b.shuttingDown {
		_ = ep.Send(message.New(message.CmdRefuse).Set(message.ParamShutdown, "true"))
		return Refused
	}
	ep.ServiceName = service
	ep.ServerName = b.peer.Name
	ep.Type = TypeLocal
	logger.Printf(logger.INFO, "[broker] local service '%s' registered\n", service)

	if err := ep.Send(message.New(message.CmdReady)); err != nil {
		return Dropped
	}
	_ = ep.Send(message.New(message.CmdHelp))

	// pending messages are delivered in insertion order, before any
	// new message destined to the service
	b.cache.DrainService(service, func(cm *message.Message) bool {
		return ep.Send(cm) == nil
	})

	b.localBroadcastExcept(message.New(message.CmdStatus).
		Set("service", service).
		Set(message.ParamStatus, "up"), from)
	b.dispatchEvent(&Event{ID: EvServiceUp, Name: service})
	return Delivered
}

// handleUnregister reverses REGISTER and removes the endpoint.
func handleUnregister(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role != RoleLocalService {
		return Dropped
	}
	service, _ := m.Get("service")
	if service == "" {
		service = ep.ServiceName
	}
	logger.Printf(logger.INFO, "[broker] local service '%s' unregistered\n", service)
	ep.MarkEnded()
	b.reg.Release(from)
	if service != "" {
		b.localBroadcast(message.New(message.CmdStatus).
			Set("service", service).
			Set(message.ParamStatus, "down"))
		b.dispatchEvent(&Event{ID: EvServiceDown, Name: service})
	}
	return Delivered
}

//----------------------------------------------------------------------
// Peer handshake
//----------------------------------------------------------------------

// handleConnect processes the opening of an inbound peer link.
func handleConnect(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role != RoleInboundPeer {
		logger.Println(logger.WARN, "[broker] CONNECT on a non-peer endpoint")
		return Refused
	}
	if b.shuttingDown {
		_ = ep.Send(message.New(message.CmdRefuse).Set(message.ParamShutdown, "true"))
		return Refused
	}
	if !CheckVersion(m) {
		_ = ep.Send(message.New(message.CmdRefuse).Set(message.ParamReason, "version"))
		return Refused
	}
	// credentials, when the remote listener requires them
	if b.cfg.RemoteUsername != "" {
		user, _ := m.Get("username")
		pass, _ := m.Get("password")
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.cfg.RemoteUsername))
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(b.cfg.RemotePassword))
		if userOK&passOK != 1 {
			theirAddr, _ := m.Get(message.ParamMyAddress)
			logger.Printf(logger.ERROR, "[broker] bad credentials on CONNECT from %s\n", theirAddr)
			b.noteBadCredentials(hostOf(theirAddr))
			_ = ep.Send(message.New(message.CmdRefuse).Set(message.ParamReason, "credentials"))
			return Refused
		}
		ep.User, ep.Password = user, pass
	}
	name, _ := m.Get(message.ParamServerName)
	if name == "" {
		_ = ep.Send(message.New(message.CmdRefuse).Set(message.ParamReason, "name"))
		return Refused
	}
	// at most one live REMOTE endpoint per server name
	if _, dup := b.reg.FindRemoteByName(name); dup != nil {
		logger.Printf(logger.WARN, "[broker] CONNECT name conflict for '%s'\n", name)
		_ = ep.Send(message.New(message.CmdRefuse).Set(message.ParamConflict, "name"))
		return Refused
	}
	if name == b.peer.Name {
		logger.Printf(logger.WARN, "[broker] peer claims our own name '%s'\n", b.peer.Name)
		_ = ep.Send(message.New(message.CmdRefuse).Set(message.ParamConflict, "name"))
		return Refused
	}

	ep.ServerName = name
	ep.Type = TypeRemote
	if v, ok := m.Get(message.ParamMyAddress); ok && v != "" {
		if addr, err := util.ParseAddress(withDefaultScheme(v)); err == nil {
			ep.Addr = addr
		}
		b.neighbors.Add(v)
		b.cancelGossip(v)
	}
	recordServices(ep, m)
	b.mergeNeighbors(m)

	accept := message.New(message.CmdAccept).
		Set(message.ParamServerName, b.peer.Name).
		Set(message.ParamMyAddress, b.peer.Canonical()).
		Set(message.ParamServices, b.localServiceList()).
		Set(message.ParamHeardOf, b.heardOfList()).
		Set(message.ParamNeighbors, b.neighbors.Wire())
	if err := ep.Send(accept); err != nil {
		return Dropped
	}
	_ = ep.Send(message.New(message.CmdHelp))

	b.localBroadcast(message.New(message.CmdNewRemoteConnection).
		Set(message.ParamServerName, name))
	b.dispatchEvent(&Event{ID: EvPeerConnected, Name: name})
	b.updateCluster()
	logger.Printf(logger.INFO, "[broker] peer '%s' connected (inbound)\n", name)
	return Delivered
}

// handleAccept processes the peer's reply to our CONNECT.
func handleAccept(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role != RoleOutboundPeer {
		logger.Println(logger.WARN, "[broker] ACCEPT on a non-outbound endpoint")
		return Dropped
	}
	name, _ := m.Get(message.ParamServerName)
	if name == "" {
		return Dropped
	}
	if _, dup := b.reg.FindRemoteByName(name); dup != nil && dup != ep {
		logger.Printf(logger.WARN, "[broker] ACCEPT name conflict for '%s'\n", name)
		return Dropped
	}
	ep.ServerName = name
	ep.Type = TypeRemote
	if v, ok := m.Get(message.ParamMyAddress); ok && v != "" {
		b.neighbors.Add(v)
		b.cancelGossip(v)
	}
	recordServices(ep, m)
	b.mergeNeighbors(m)
	_ = ep.Send(message.New(message.CmdHelp))

	b.localBroadcast(message.New(message.CmdNewRemoteConnection).
		Set(message.ParamServerName, name))
	b.dispatchEvent(&Event{ID: EvPeerConnected, Name: name})
	b.updateCluster()
	logger.Printf(logger.INFO, "[broker] peer '%s' connected (outbound)\n", name)
	return Delivered
}

// handleRefuse reacts to a peer declining our CONNECT.
func handleRefuse(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role != RoleOutboundPeer {
		return Dropped
	}
	perm := ep.Permanent()
	switch {
	case m.Has(message.ParamShutdown):
		logger.Printf(logger.INFO, "[broker] peer %s is shutting down\n", ep.Addr)
		if perm != nil {
			perm.SetNextDelay(DelayPeerShutdown)
		}
	case m.Has(message.ParamConflict):
		// manual intervention required; the neighbor record remains
		logger.Printf(logger.ERROR,
			"[broker] peer %s refused us: server name conflict\n", ep.Addr)
		if perm != nil {
			perm.Stop()
		}
		ep.MarkEnded()
		b.reg.Release(from)
	default:
		logger.Printf(logger.WARN, "[broker] peer %s refused us: too busy\n", ep.Addr)
		if perm != nil {
			perm.SetNextDelay(DelayPeerBusy)
		}
	}
	return Refused
}

// handleDisconnect processes a peer's orderly goodbye.
func handleDisconnect(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil {
		return Dropped
	}
	name := ep.ServerName
	ep.Type = TypeDown
	ep.ServerName = ""
	if perm := ep.Permanent(); perm != nil {
		// the peer is going away on purpose; be patient
		perm.SetNextDelay(DelayPeerShutdown)
	} else {
		ep.MarkEnded()
		b.reg.Release(from)
	}
	if name != "" {
		logger.Printf(logger.INFO, "[broker] peer '%s' disconnected\n", name)
		b.localBroadcast(message.New(message.CmdDisconnected).
			Set(message.ParamServerName, name))
		b.dispatchEvent(&Event{ID: EvPeerDisconnected, Name: name})
		b.updateCluster()
	}
	return Delivered
}

//----------------------------------------------------------------------
// Gossip and the neighbor set
//----------------------------------------------------------------------

// handleGossip records the sender as a neighbor and acknowledges.
func handleGossip(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil {
		return Dropped
	}
	addr, ok := m.Get(message.ParamMyAddress)
	if !ok || addr == "" {
		replyUnknown(ep, m.Command, "missing my-address")
		return Refused
	}
	fresh := b.neighbors.Add(addr)
	_ = ep.Send(message.New(message.CmdReceived))
	if fresh {
		// the gossiping side has the larger address; connecting is on us
		b.reachNeighbor(addr)
		b.updateCluster()
	}
	return Delivered
}

// handleReceived is the ack for our own gossip; nothing to do.
func handleReceived(*Broker, Handle, *message.Message) Outcome {
	return Delivered
}

// handleForget removes an address from the neighbor set, cluster-wide
// when the request was not itself a broadcast yet.
func handleForget(b *Broker, from Handle, m *message.Message) Outcome {
	ip, ok := m.Get("ip")
	if !ok || ip == "" {
		return Dropped
	}
	if b.neighbors.Remove(ip) {
		logger.Printf(logger.INFO, "[broker] forgot neighbor %s\n", ip)
		b.cancelGossip(ip)
		b.updateCluster()
	}
	if !m.Has(message.ParamBroadcastMsgID) {
		// spread the request so the whole cluster forgets
		fwd := message.New(message.CmdForget).Set("ip", ip)
		fwd.Server = message.ServerAll
		fwd.Service = message.DestAllServicesAndPeers
		b.broadcast(from, fwd)
	}
	return Delivered
}

//----------------------------------------------------------------------
// Vocabulary exchange
//----------------------------------------------------------------------

// handleCommands records the peer's command vocabulary.
func handleCommands(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil {
		return Dropped
	}
	list, ok := m.Get("list")
	if !ok {
		replyUnknown(ep, m.Command, "missing list")
		return Refused
	}
	ep.Commands = make(map[string]bool)
	for _, cmd := range strings.Split(list, ",") {
		if cmd != "" {
			ep.Commands[cmd] = true
		}
	}
	return Delivered
}

// handleHelp replies with our own COMMANDS.
func handleHelp(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil {
		return Dropped
	}
	list := b.disp.Commands()
	reply := message.New(message.CmdCommands).Set("list", strings.Join(list, ","))
	if err := ep.Send(reply); err != nil {
		return Dropped
	}
	return Delivered
}

//----------------------------------------------------------------------
// Status queries
//----------------------------------------------------------------------

// handleClusterStatus replies directly with the current cluster state.
func handleClusterStatus(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role == RoleSignal {
		return Dropped
	}
	st := b.cluster.Current()
	_ = ep.Send(message.New(st.UpCommand()))
	_ = ep.Send(message.New(st.CompleteCommand()))
	return Delivered
}

// handleServiceStatus replies with the named service's status as if on
// (un)registration.
func handleServiceStatus(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role == RoleSignal {
		return Dropped
	}
	service, ok := m.Get("service")
	if !ok || service == "" {
		replyUnknown(ep, m.Command, "missing service")
		return Refused
	}
	status := "down"
	if _, svc := b.reg.FindLocalService(service); svc != nil {
		status = "up"
	}
	reply := message.New(message.CmdStatus).
		Set("service", service).
		Set(message.ParamStatus, status)
	if err := ep.Send(reply); err != nil {
		return Dropped
	}
	return Delivered
}

// handlePublicIP replies with the address this daemon is reachable at.
func handlePublicIP(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil || ep.Role == RoleSignal {
		return Dropped
	}
	reply := message.New(message.CmdPublicIP).
		Set("public_ip", b.peer.Canonical())
	if err := ep.Send(reply); err != nil {
		return Dropped
	}
	return Delivered
}

//----------------------------------------------------------------------
// Shutdown, diagnostics, load average
//----------------------------------------------------------------------

// handleShutdown triggers the cluster-wide shutdown path.
func handleShutdown(b *Broker, from Handle, m *message.Message) Outcome {
	b.beginShutdown(true)
	return Delivered
}

// handleStop triggers the local shutdown path.
func handleStop(b *Broker, from Handle, m *message.Message) Outcome {
	b.beginShutdown(false)
	return Delivered
}

// handleUnknown logs a peer's complaint about a command we sent.
func handleUnknown(b *Broker, from Handle, m *message.Message) Outcome {
	cmd, _ := m.Get("command")
	reason, _ := m.Get(message.ParamReason)
	if b.cfg.DebugAllMessages {
		logger.Printf(logger.ERROR, "[broker] peer rejects '%s' (%s)\n", cmd, reason)
	} else {
		logger.Printf(logger.WARN, "[broker] peer rejects '%s' (%s)\n", cmd, reason)
	}
	return Delivered
}

// handleQuitting notes that the peer is about to drop the line.
func handleQuitting(b *Broker, from Handle, m *message.Message) Outcome {
	if ep := b.reg.Get(from); ep != nil {
		logger.Printf(logger.INFO, "[broker] '%s' is quitting\n", ep.ServerName)
	}
	return Delivered
}

// handleLoadAvgOn marks the endpoint as wanting periodic LOADAVG
// updates (produced by the load-average plugin, not the core).
func handleLoadAvgOn(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil {
		return Dropped
	}
	ep.WantsLoadAvg = true
	return Delivered
}

// handleLoadAvgOff clears the LOADAVG subscription.
func handleLoadAvgOff(b *Broker, from Handle, m *message.Message) Outcome {
	ep := b.reg.Get(from)
	if ep == nil {
		return Dropped
	}
	ep.WantsLoadAvg = false
	return Delivered
}

//----------------------------------------------------------------------
// Shared helpers
//----------------------------------------------------------------------

// replyUnknown sends the standardized rejection for a malformed or
// unexpected command.
func replyUnknown(ep *Endpoint, cmd, reason string) {
	if ep.Role == RoleSignal {
		return
	}
	reply := message.New(message.CmdUnknown).
		Set("command", cmd).
		Set(message.ParamReason, reason)
	if err := ep.Send(reply); err != nil {
		logger.Printf(logger.WARN, "[broker] UNKNOWN reply failed: %s\n", err.Error())
	}
}

// recordServices fills the endpoint's claimed-services set from a
// CONNECT/ACCEPT services list.
func recordServices(ep *Endpoint, m *message.Message) {
	ep.Services = make(map[string]bool)
	for _, param := range []string{message.ParamServices, message.ParamHeardOf} {
		if list, ok := m.Get(param); ok {
			for _, svc := range strings.Split(list, ",") {
				if svc != "" {
					ep.Services[svc] = true
				}
			}
		}
	}
}

// mergeNeighbors folds a CONNECT/ACCEPT neighbor list into our set and
// reaches out to every address we had not heard of.
func (b *Broker) mergeNeighbors(m *message.Message) {
	list, ok := m.Get(message.ParamNeighbors)
	if !ok || list == "" {
		return
	}
	for _, canon := range b.neighbors.Merge(list) {
		b.reachNeighbor(canon)
	}
}

// hostOf strips the port from an ip:port string for per-IP counters.
func hostOf(addr string) string {
	if idx := strings.LastIndexByte(addr, ':'); idx > 0 {
		return addr[:idx]
	}
	return addr
}
