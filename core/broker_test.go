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
	"testing"
	"time"

	"communicatord/message"
)

//----------------------------------------------------------------------
// Local service lifecycle
//----------------------------------------------------------------------

func TestRegisterReplies(t *testing.T) {
	b := testBroker(t, "n1")
	h, rec := addBareLocal(b)

	m := message.New(message.CmdRegister).
		Set("service", "alpha").
		Set(message.ParamVersion, "1")
	if out := b.disp.Dispatch(b, h, m); out != Delivered {
		t.Fatalf("REGISTER outcome %v", out)
	}
	got := rec.commands()
	if len(got) < 2 || got[0] != message.CmdReady || got[1] != message.CmdHelp {
		t.Fatalf("expected READY then HELP, got %v", got)
	}
	if _, ep := b.reg.FindLocalService("alpha"); ep == nil {
		t.Fatal("service not registered")
	}
}

func TestRegisterBadVersion(t *testing.T) {
	b := testBroker(t, "n1")
	h, rec := addBareLocal(b)

	m := message.New(message.CmdRegister).
		Set("service", "alpha").
		Set(message.ParamVersion, "99")
	if out := b.disp.Dispatch(b, h, m); out != Refused {
		t.Fatalf("outcome %v, want Refused", out)
	}
	if got := rec.commands(); len(got) != 1 || got[0] != message.CmdUnknown {
		t.Fatalf("expected UNKNOWN reply, got %v", got)
	}
}

func TestRegisterDrainsCacheInOrder(t *testing.T) {
	b := testBroker(t, "n1")
	b.knownServices["alpha"] = true

	// three messages arrive before the service exists
	for i := 1; i <= 3; i++ {
		m := message.New("PING").Set("seq", strconv.Itoa(i))
		m.Server, m.Service = "n1", "alpha"
		if out := b.route(Handle{}, m); out != Cached {
			t.Fatalf("message %d not cached: %v", i, out)
		}
	}

	h, rec := addBareLocal(b)
	reg := message.New(message.CmdRegister).
		Set("service", "alpha").
		Set(message.ParamVersion, "1")
	b.disp.Dispatch(b, h, reg)

	got := rec.commands()
	// READY, HELP, then the three cached PINGs in insertion order
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %v", got)
	}
	for i := 0; i < 3; i++ {
		seq, _ := rec.msgs[2+i].Get("seq")
		if rec.msgs[2+i].Command != "PING" || seq != strconv.Itoa(i+1) {
			t.Fatalf("cached drain out of order: %v", got)
		}
	}
	if b.cache.Size() != 0 {
		t.Fatalf("cache not drained: %d", b.cache.Size())
	}
}

func TestUnregisterRemovesEndpoint(t *testing.T) {
	b := testBroker(t, "n1")
	h, _ := addLocalService(b, "alpha")
	m := message.New(message.CmdUnregister).Set("service", "alpha")
	if out := b.disp.Dispatch(b, h, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	if b.reg.Get(h) != nil {
		t.Fatal("endpoint still registered")
	}
	if _, ep := b.reg.FindLocalService("alpha"); ep != nil {
		t.Fatal("service still resolvable")
	}
}

//----------------------------------------------------------------------
// Peer handshake
//----------------------------------------------------------------------

// addBarePeer registers a not-yet-identified inbound peer connection.
func addBarePeer(b *Broker) (Handle, *recorder) {
	rec := new(recorder)
	ep := NewEndpoint(KindStream, DirInbound, RoleInboundPeer)
	ep.SetSender(rec)
	return b.reg.Add(ep), rec
}

func TestConnectAccepted(t *testing.T) {
	b := testBroker(t, "n1")
	h, rec := addBarePeer(b)

	m := message.New(message.CmdConnect).
		Set(message.ParamVersion, "1").
		Set(message.ParamMyAddress, "10.0.0.9:4040").
		Set(message.ParamServerName, "n9").
		Set(message.ParamServices, "beta,gamma")
	if out := b.disp.Dispatch(b, h, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	got := rec.commands()
	if len(got) < 2 || got[0] != message.CmdAccept || got[1] != message.CmdHelp {
		t.Fatalf("expected ACCEPT then HELP, got %v", got)
	}
	name, _ := rec.msgs[0].Get(message.ParamServerName)
	if name != "n1" {
		t.Fatalf("ACCEPT carries wrong server name %q", name)
	}
	ep := b.reg.Get(h)
	if ep.Type != TypeRemote || ep.ServerName != "n9" {
		t.Fatalf("endpoint not promoted: %+v", ep)
	}
	if !ep.Services["beta"] || !ep.Services["gamma"] {
		t.Fatal("claimed services not recorded")
	}
	if !b.neighbors.Contains("10.0.0.9:4040") {
		t.Fatal("peer address not merged into neighbor set")
	}
}

func TestConnectNameConflict(t *testing.T) {
	b := testBroker(t, "n1")
	addRemotePeer(b, "n2", "10.0.0.2:4040")

	h, rec := addBarePeer(b)
	m := message.New(message.CmdConnect).
		Set(message.ParamVersion, "1").
		Set(message.ParamMyAddress, "10.0.0.3:4040").
		Set(message.ParamServerName, "n2")
	if out := b.disp.Dispatch(b, h, m); out != Refused {
		t.Fatalf("outcome %v, want Refused", out)
	}
	got := rec.msgs
	if len(got) != 1 || got[0].Command != message.CmdRefuse {
		t.Fatalf("expected REFUSE, got %v", rec.commands())
	}
	if v, _ := got[0].Get(message.ParamConflict); v != "name" {
		t.Fatalf("REFUSE without conflict=name: %v", got[0])
	}
	// at most one live REMOTE endpoint per server name
	count := 0
	b.reg.Visit(func(_ Handle, ep *Endpoint) bool {
		if ep.Type == TypeRemote && ep.ServerName == "n2" {
			count++
		}
		return true
	})
	if count != 1 {
		t.Fatalf("%d live endpoints named n2", count)
	}
}

func TestConnectWhileShuttingDown(t *testing.T) {
	b := testBroker(t, "n1")
	b.shuttingDown = true
	h, rec := addBarePeer(b)
	m := message.New(message.CmdConnect).
		Set(message.ParamVersion, "1").
		Set(message.ParamServerName, "n9")
	if out := b.disp.Dispatch(b, h, m); out != Refused {
		t.Fatalf("outcome %v", out)
	}
	if v, _ := rec.msgs[0].Get(message.ParamShutdown); v != "true" {
		t.Fatalf("REFUSE without shutdown=true: %v", rec.msgs[0])
	}
}

func TestDisconnectBroadcastsAndUpdates(t *testing.T) {
	b := testBroker(t, "n1")
	_, localRec := addLocalService(b, "alpha")
	h, _ := addRemotePeer(b, "n2", "10.0.0.2:4040")
	b.neighbors.Add("10.0.0.2:4040")
	b.updateCluster()

	if out := b.disp.Dispatch(b, h, message.New(message.CmdDisconnect)); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	found := false
	for _, m := range localRec.msgs {
		if m.Command == message.CmdDisconnected {
			if v, _ := m.Get(message.ParamServerName); v == "n2" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("DISCONNECTED{n2} not fanned out: %v", localRec.commands())
	}
	if b.reg.LiveRemoteCount() != 0 {
		t.Fatal("peer still counted live")
	}
}

//----------------------------------------------------------------------
// Gossip
//----------------------------------------------------------------------

func TestGossipRecordsNeighbor(t *testing.T) {
	b := testBroker(t, "n1")
	h, rec := addBarePeer(b)

	// the gossiping side always has the larger address; ours is smaller,
	// so learning of it must start an outbound connect, not a probe
	m := message.New(message.CmdGossip).
		Set(message.ParamMyAddress, "10.0.0.9:4040")
	if out := b.disp.Dispatch(b, h, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	if got := rec.commands(); len(got) != 1 || got[0] != message.CmdReceived {
		t.Fatalf("expected RECEIVED, got %v", got)
	}
	if !b.neighbors.Contains("10.0.0.9:4040") {
		t.Fatal("gossiped address not recorded")
	}
	if _, probing := b.gossipStop["10.0.0.9:4040"]; probing {
		t.Fatal("gossip probe started toward a larger address")
	}
	stopOutbound(b)
}

func TestHalfGraphDecision(t *testing.T) {
	b := testBroker(t, "n1") // we are 10.0.0.1:4040

	// their address is smaller: they own the CONNECT, we only probe
	b.reachNeighbor("10.0.0.0:4040")
	if _, probing := b.gossipStop["10.0.0.0:4040"]; !probing {
		t.Fatal("larger side must probe, not connect")
	}
	b.cancelGossip("10.0.0.0:4040")

	// their address is larger: the CONNECT is on us
	b.reachNeighbor("10.0.0.2:4040")
	outbound := 0
	b.reg.Visit(func(_ Handle, ep *Endpoint) bool {
		if ep.Role == RoleOutboundPeer {
			outbound++
		}
		return true
	})
	if outbound != 1 {
		t.Fatalf("expected 1 outbound endpoint, got %d", outbound)
	}
	if _, probing := b.gossipStop["10.0.0.2:4040"]; probing {
		t.Fatal("smaller side must connect, not probe")
	}
	stopOutbound(b)
}

// stopOutbound stops the dialers spawned by reachNeighbor.
func stopOutbound(b *Broker) {
	b.reg.Visit(func(_ Handle, ep *Endpoint) bool {
		if p := ep.Permanent(); p != nil {
			p.Stop()
		}
		return true
	})
}

//----------------------------------------------------------------------
// Routing
//----------------------------------------------------------------------

func TestRouteLocalDelivery(t *testing.T) {
	b := testBroker(t, "n1")
	_, rec := addLocalService(b, "alpha")

	m := message.New("PING").Set("payload", "hi")
	m.Server, m.Service = "n1", "alpha"
	if out := b.route(Handle{}, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].Command != "PING" {
		t.Fatalf("not delivered: %v", rec.commands())
	}
}

func TestRouteForwardToRemote(t *testing.T) {
	b := testBroker(t, "n1")
	_, rec := addRemotePeer(b, "n2", "10.0.0.2:4040", "alpha")

	m := message.New("PING")
	m.Server, m.Service = "n2", "alpha"
	if out := b.route(Handle{}, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	if len(rec.msgs) != 1 {
		t.Fatalf("not forwarded: %v", rec.commands())
	}
}

func TestRouteUnknownServiceReports(t *testing.T) {
	b := testBroker(t, "n1")
	h, rec := addLocalService(b, "sender")

	m := message.New("PING").Set(message.ParamCache, "no;reply")
	m.Server, m.Service = "n1", "nosuch"
	if out := b.route(h, m); out != Dropped {
		t.Fatalf("outcome %v", out)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].Command != message.CmdTransmissionReport {
		t.Fatalf("expected TRANSMISSION_REPORT, got %v", rec.commands())
	}
	if v, _ := rec.msgs[0].Get(message.ParamStatus); v != "failed" {
		t.Fatalf("report status %q", v)
	}
}

func TestRouteFloodFallback(t *testing.T) {
	b := testBroker(t, "n1")
	_, rec2 := addRemotePeer(b, "n2", "10.0.0.2:4040")
	_, rec3 := addRemotePeer(b, "n3", "10.0.0.3:4040")

	// service nobody claims, destination server unknown here
	m := message.New("PING")
	m.Server, m.Service = "n7", "mystery"
	if out := b.route(Handle{}, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	if len(rec2.msgs) != 1 || len(rec3.msgs) != 1 {
		t.Fatal("flood must reach every peer once")
	}
	// the flooded copy carries an envelope bounding recirculation
	if !rec2.msgs[0].Has(message.ParamBroadcastMsgID) {
		t.Fatal("flooded message has no broadcast envelope")
	}
}

//----------------------------------------------------------------------
// Broadcast
//----------------------------------------------------------------------

func TestBroadcastDedup(t *testing.T) {
	b := testBroker(t, "n1")
	_, rec := addLocalService(b, "alpha")

	m := message.New("NOTIFY").Set(message.ParamBroadcastMsgID, "id-1")
	m.Server, m.Service = "*", "*"
	if out := b.broadcast(Handle{}, m); out != Delivered {
		t.Fatalf("first observation: %v", out)
	}
	if out := b.broadcast(Handle{}, m); out != Dropped {
		t.Fatalf("second observation must be dropped, got %v", out)
	}
	if len(rec.msgs) != 1 {
		t.Fatalf("delivered %d times", len(rec.msgs))
	}
}

func TestBroadcastTimeout(t *testing.T) {
	b := testBroker(t, "n1")
	_, rec := addLocalService(b, "alpha")

	m := message.New("NOTIFY").
		Set(message.ParamBroadcastMsgID, "id-2").
		Set(message.ParamBroadcastTimeout,
			strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10))
	m.Server, m.Service = "*", "*"
	if out := b.broadcast(Handle{}, m); out != Dropped {
		t.Fatalf("expired broadcast must be dropped, got %v", out)
	}
	if len(rec.msgs) != 0 {
		t.Fatal("expired broadcast was delivered")
	}
}

func TestBroadcastHopCap(t *testing.T) {
	b := testBroker(t, "n1")
	_, local := addLocalService(b, "alpha")
	_, remote := addRemotePeer(b, "n2", "10.0.0.2:4040")

	m := message.New("NOTIFY").
		Set(message.ParamBroadcastMsgID, "id-3").
		Set(message.ParamBroadcastHops, strconv.Itoa(BroadcastHopCap))
	m.Server, m.Service = "*", "*"
	if out := b.broadcast(Handle{}, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	if len(local.msgs) != 1 {
		t.Fatal("local delivery must still happen at the hop cap")
	}
	if len(remote.msgs) != 0 {
		t.Fatal("hop-capped broadcast must not be forwarded")
	}
}

func TestBroadcastInformedNeighbors(t *testing.T) {
	b := testBroker(t, "n1")
	_, rec2 := addRemotePeer(b, "n2", "10.0.0.2:4040")
	_, rec3 := addRemotePeer(b, "n3", "10.0.0.3:4040")

	// n2 was already informed by the previous hop
	m := message.New("NOTIFY").
		Set(message.ParamBroadcastMsgID, "id-4").
		Set(message.ParamBroadcastInformed, "10.0.0.2:4040")
	m.Server, m.Service = "*", "*"
	b.broadcast(Handle{}, m)

	if len(rec2.msgs) != 0 {
		t.Fatal("already-informed peer re-sent to")
	}
	if len(rec3.msgs) != 1 {
		t.Fatal("uninformed peer skipped")
	}
	// the forwarded copy now lists both peers as informed
	informed, _ := rec3.msgs[0].Get(message.ParamBroadcastInformed)
	if informed == "" {
		t.Fatal("informed-neighbors not extended")
	}
}

func TestRouteRejectsServerWithBroadcastService(t *testing.T) {
	b := testBroker(t, "n1")
	_, local := addLocalService(b, "alpha")
	_, remote := addRemotePeer(b, "n2", "10.0.0.2:4040")

	// any specific destination server is contradictory with "*"/"?",
	// our own name included
	for _, server := range []string{"n2", "n1"} {
		for _, service := range []string{
			message.DestAllServicesAndPeers,
			message.DestAllServices,
		} {
			m := message.New("NOTIFY").
				Set(message.ParamBroadcastMsgID, "id-bad-"+server+service)
			m.Server, m.Service = server, service
			if out := b.route(Handle{}, m); out != Dropped {
				t.Fatalf("server %q with service %q: got %v, want Dropped",
					server, service, out)
			}
		}
	}
	if len(local.msgs) != 0 || len(remote.msgs) != 0 {
		t.Fatal("contradictory broadcast was delivered")
	}

	// ".", "*" and empty remain legal broadcast servers
	for _, server := range []string{"", ".", "*"} {
		m := message.New("NOTIFY").Set(message.ParamBroadcastMsgID, "id-ok-"+server)
		m.Server, m.Service = server, message.DestAllServicesAndPeers
		if out := b.route(Handle{}, m); out != Delivered {
			t.Fatalf("server %q with service '*': got %v, want Delivered", server, out)
		}
	}
}

func TestBroadcastLocalOnly(t *testing.T) {
	b := testBroker(t, "n1")
	_, local := addLocalService(b, "alpha")
	_, remote := addRemotePeer(b, "n2", "10.0.0.2:4040")

	m := message.New("NOTIFY")
	m.Service = message.DestLocalServices
	if out := b.broadcast(Handle{}, m); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	if len(local.msgs) != 1 || len(remote.msgs) != 0 {
		t.Fatal("'.' must reach local services only")
	}
}

func TestBroadcastPrivateOnly(t *testing.T) {
	b := testBroker(t, "n1")
	_, private := addRemotePeer(b, "n2", "10.0.0.2:4040")
	_, public := addRemotePeer(b, "n3", "8.8.8.8:4040")

	m := message.New("NOTIFY").Set(message.ParamBroadcastMsgID, "id-5")
	m.Server, m.Service = "*", message.DestAllServices
	b.broadcast(Handle{}, m)

	if len(private.msgs) != 1 {
		t.Fatal("'?' must reach private peers")
	}
	if len(public.msgs) != 0 {
		t.Fatal("'?' must not reach public peers")
	}
}

//----------------------------------------------------------------------
// Queries
//----------------------------------------------------------------------

func TestClusterStatusQuery(t *testing.T) {
	b := testBroker(t, "n1")
	b.updateCluster()
	h, rec := addLocalService(b, "alpha")

	if out := b.disp.Dispatch(b, h, message.New(message.CmdClusterStatus)); out != Delivered {
		t.Fatalf("outcome %v", out)
	}
	got := rec.commands()
	if len(got) != 2 {
		t.Fatalf("expected two status lines, got %v", got)
	}
	// single-node cluster: up and complete
	if got[0] != message.CmdClusterUp || got[1] != message.CmdClusterComplete {
		t.Fatalf("unexpected status %v", got)
	}
}

func TestServiceStatusQuery(t *testing.T) {
	b := testBroker(t, "n1")
	addLocalService(b, "alpha")
	h, rec := addBareLocal(b)

	m := message.New(message.CmdServiceStatus).Set("service", "alpha")
	b.disp.Dispatch(b, h, m)
	if v, _ := rec.msgs[0].Get(message.ParamStatus); v != "up" {
		t.Fatalf("status %q, want up", v)
	}

	m = message.New(message.CmdServiceStatus).Set("service", "ghost")
	b.disp.Dispatch(b, h, m)
	if v, _ := rec.msgs[1].Get(message.ParamStatus); v != "down" {
		t.Fatalf("status %q, want down", v)
	}
}

func TestUnknownCommandReply(t *testing.T) {
	b := testBroker(t, "n1")
	h, rec := addBareLocal(b)

	if out := b.disp.Dispatch(b, h, message.New("FLY_TO_THE_MOON")); out != Dropped {
		t.Fatalf("outcome %v", out)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].Command != message.CmdUnknown {
		t.Fatalf("expected UNKNOWN, got %v", rec.commands())
	}
	if v, _ := rec.msgs[0].Get("command"); v != "FLY_TO_THE_MOON" {
		t.Fatalf("UNKNOWN names wrong command %q", v)
	}
}

func TestForBroker(t *testing.T) {
	b := testBroker(t, "n1")
	cases := []struct {
		server, service string
		want            bool
	}{
		{"", "", true},
		{".", "", true},
		{"n1", "", true},
		{"n1", BrokerService, true},
		{"n2", "", false},
		{"n1", "alpha", false},
		{"", "alpha", false},
	}
	for _, c := range cases {
		m := message.New("X")
		m.Server, m.Service = c.server, c.service
		if got := b.forBroker(m); got != c.want {
			t.Fatalf("forBroker(%q,%q) = %v", c.server, c.service, got)
		}
	}
}
