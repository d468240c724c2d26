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

import "testing"

func TestRegistryHandles(t *testing.T) {
	r := NewRegistry()
	ep := NewEndpoint(KindStream, DirInbound, RoleLocalService)
	h := r.Add(ep)
	if got := r.Get(h); got != ep {
		t.Fatal("handle does not resolve to its endpoint")
	}
	r.Release(h)
	if r.Get(h) != nil {
		t.Fatal("released handle must not resolve")
	}
	// the slot is recycled with a new generation; the old handle stays dead
	ep2 := NewEndpoint(KindStream, DirInbound, RoleInboundPeer)
	h2 := r.Add(ep2)
	if r.Get(h) != nil {
		t.Fatal("stale handle resolves after slot reuse")
	}
	if r.Get(h2) != ep2 {
		t.Fatal("recycled slot does not resolve")
	}
}

func TestRegistryZeroHandle(t *testing.T) {
	r := NewRegistry()
	if r.Get(Handle{}) != nil {
		t.Fatal("zero handle must not resolve")
	}
	r.Add(NewEndpoint(KindStream, DirInbound, RoleLocalService))
	if (Handle{}).Valid() {
		t.Fatal("zero handle must be invalid")
	}
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()

	svc := NewEndpoint(KindStream, DirInbound, RoleLocalService)
	svc.Type = TypeLocal
	svc.ServiceName = "alpha"
	r.Add(svc)

	peer := NewEndpoint(KindStream, DirInbound, RoleInboundPeer)
	peer.Type = TypeRemote
	peer.ServerName = "n2"
	peer.Services["beta"] = true
	r.Add(peer)

	if _, got := r.FindLocalService("alpha"); got != svc {
		t.Fatal("local service not found")
	}
	if _, got := r.FindLocalService("beta"); got != nil {
		t.Fatal("remote-only service must not be a local match")
	}
	if _, got := r.FindRemoteByName("n2"); got != peer {
		t.Fatal("remote peer not found by name")
	}
	if list := r.RemotesClaiming("beta"); len(list) != 1 {
		t.Fatalf("expected one claimant, got %d", len(list))
	}
	if r.LiveRemoteCount() != 1 {
		t.Fatalf("live remote count wrong: %d", r.LiveRemoteCount())
	}
}

func TestEndpointConsistency(t *testing.T) {
	svc := NewEndpoint(KindStream, DirInbound, RoleLocalService)
	svc.Type = TypeRemote
	if svc.Consistent() {
		t.Fatal("REMOTE local-service must be inconsistent")
	}
	svc.Type = TypeLocal
	if !svc.Consistent() {
		t.Fatal("LOCAL local-service must be consistent")
	}
	peer := NewEndpoint(KindStream, DirOutbound, RoleOutboundPeer)
	peer.Type = TypeLocal
	if peer.Consistent() {
		t.Fatal("LOCAL peer must be inconsistent")
	}
}
