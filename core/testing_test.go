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
	"testing"
	"time"

	"communicatord/config"
	"communicatord/message"
	"communicatord/util"

	"github.com/bfix/gospel/concurrent"
)

// testBroker builds a broker whose state is driven directly from the
// test goroutine instead of the event loop: handlers and routing run
// synchronously, no sockets are opened.
func testBroker(t *testing.T, name string) *Broker {
	t.Helper()
	peer, err := NewLocalPeer(name, "10.0.0.1:4040")
	if err != nil {
		t.Fatal(err)
	}
	b := &Broker{
		cfg:           config.Defaults(),
		sig:           concurrent.NewSignaller(),
		peer:          peer,
		reg:           NewRegistry(),
		disp:          NewDispatcher(),
		cache:         NewCache(0),
		seen:          NewSeenSet(),
		cluster:       NewCluster(nil),
		neighbors:     NewNeighbors(nil),
		knownServices: make(map[string]bool),
		gossipStop:    make(map[string]chan struct{}),
		credFails:     make(util.Counter[string]),
		credFirst:     make(map[string]time.Time),
		evListeners:   make(map[string]*Listener),
		cancel:        func() {},
		done:          make(chan struct{}),
	}
	b.registerHandlers()
	b.neighbors.Add(peer.Canonical())
	return b
}

// recorder captures everything sent to an endpoint.
type recorder struct {
	msgs []*message.Message
}

// Send implements Sender.
func (r *recorder) Send(m *message.Message) error {
	r.msgs = append(r.msgs, m)
	return nil
}

// commands lists the recorded command names in order.
func (r *recorder) commands() (list []string) {
	for _, m := range r.msgs {
		list = append(list, m.Command)
	}
	return
}

// addLocalService registers a live local-service endpoint directly.
func addLocalService(b *Broker, service string) (Handle, *recorder) {
	rec := new(recorder)
	ep := NewEndpoint(KindStream, DirInbound, RoleLocalService)
	ep.Type = TypeLocal
	ep.ServiceName = service
	ep.ServerName = b.peer.Name
	ep.SetSender(rec)
	return b.reg.Add(ep), rec
}

// addRemotePeer registers a live REMOTE endpoint directly.
func addRemotePeer(b *Broker, server, addr string, services ...string) (Handle, *recorder) {
	rec := new(recorder)
	ep := NewEndpoint(KindStream, DirInbound, RoleInboundPeer)
	ep.Type = TypeRemote
	ep.ServerName = server
	if addr != "" {
		ep.Addr = util.MustParseAddress("plain-tcp://" + addr)
	}
	for _, svc := range services {
		ep.Services[svc] = true
	}
	ep.SetSender(rec)
	return b.reg.Add(ep), rec
}

// addBareLocal registers a not-yet-REGISTERed local connection.
func addBareLocal(b *Broker) (Handle, *recorder) {
	rec := new(recorder)
	ep := NewEndpoint(KindStream, DirInbound, RoleLocalService)
	ep.Type = TypeLocal
	ep.SetSender(rec)
	return b.reg.Add(ep), rec
}
