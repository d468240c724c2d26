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

package util

import (
	"testing"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("plain-tcp://127.0.0.1:4040")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Network() != "tcp" || addr.Endpoint() != "127.0.0.1:4040" {
		t.Fatalf("unexpected parse result: %+v", addr)
	}
	if !addr.IsStream() || addr.IsSecure() {
		t.Fatal("plain-tcp is stream, not secure")
	}

	addr, err = ParseAddress("unix-stream:///tmp/c.sock")
	if err != nil {
		t.Fatal(err)
	}
	if addr.Network() != "unix" || addr.Endpoint() != "/tmp/c.sock" {
		t.Fatalf("unexpected parse result: %+v", addr)
	}

	if _, err = ParseAddress("unix-stream://relative/path"); err == nil {
		t.Fatal("relative socket path must be rejected")
	}
	if _, err = ParseAddress("carrier-pigeon://1.2.3.4:1"); err == nil {
		t.Fatal("unknown scheme must be rejected")
	}
	if _, err = ParseAddress("plain-tcp://noport"); err == nil {
		t.Fatal("missing port must be rejected")
	}
}

func TestSchemeAliases(t *testing.T) {
	cases := map[string]string{
		"cd://10.0.0.1:4040":   SchemePlainTCP,
		"cds://10.0.0.1:4041":  SchemeSecureTCP,
		"cdu://127.0.0.1:4041": SchemeUDP,
		"cdb://255.255.255.255:4041": SchemeBroadcastUDP,
		"tcp://10.0.0.1:4040":  SchemePlainTCP,
		"tls://10.0.0.1:4041":  SchemeSecureTCP,
		"unix:///tmp/x.sock":   SchemeUnix,
	}
	for spec, want := range cases {
		addr, err := ParseAddress(spec)
		if err != nil {
			t.Fatalf("%s: %v", spec, err)
		}
		if addr.Scheme != want {
			t.Fatalf("%s: got scheme %q, want %q", spec, addr.Scheme, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]NetworkClass{
		"plain-tcp://127.0.0.1:1":       ClassLoopback,
		"plain-tcp://10.1.2.3:1":        ClassPrivate,
		"plain-tcp://192.168.0.9:1":     ClassPrivate,
		"secure-tcp://8.8.8.8:1":        ClassPublic,
		"udp://224.0.0.1:1":             ClassMulticast,
		"broadcast-udp://255.255.255.255:1": ClassBroadcast,
		"unix-stream:///run/c.sock":     ClassFile,
	}
	for spec, want := range cases {
		addr := MustParseAddress(spec)
		if got := addr.Class(); got != want {
			t.Fatalf("%s: got %s, want %s", spec, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	// public address on a plain transport is a security error
	if _, err := MustParseAddress("plain-tcp://8.8.8.8:4040").Validate(); err == nil {
		t.Fatal("public on plain-tcp must be rejected")
	}
	// loopback on secure-tcp is allowed but warned
	warn, err := MustParseAddress("secure-tcp://127.0.0.1:4041").Validate()
	if err != nil {
		t.Fatal(err)
	}
	if warn == "" {
		t.Fatal("loopback on secure-tcp must warn")
	}
	// broadcast scheme demands a broadcast or multicast address
	if _, err := MustParseAddress("broadcast-udp://10.0.0.1:4041").Validate(); err == nil {
		t.Fatal("unicast on broadcast-udp must be rejected")
	}
	if _, err := MustParseAddress("broadcast-udp://224.0.0.1:4041").Validate(); err != nil {
		t.Fatal("multicast on broadcast-udp must be accepted")
	}
	if _, err := MustParseAddress("udp://10.0.0.7:4041").Validate(); err != nil {
		t.Fatal("private on udp must be accepted")
	}
}

func TestLess(t *testing.T) {
	a := MustParseAddress("plain-tcp://10.0.0.1:4040")
	b := MustParseAddress("plain-tcp://10.0.0.2:4040")
	if !Less(a, b) || Less(b, a) {
		t.Fatal("10.0.0.1 must order before 10.0.0.2")
	}
	// same host, ports decide
	c := MustParseAddress("plain-tcp://10.0.0.1:4041")
	if !Less(a, c) || Less(c, a) {
		t.Fatal("same host must order by port")
	}
	// equal addresses are not less than each other
	if Less(a, a) {
		t.Fatal("an address must not order before itself")
	}
}

func TestCanonical(t *testing.T) {
	canon, err := MustParseAddress("plain-tcp://10.0.0.1:4040").Canonical()
	if err != nil {
		t.Fatal(err)
	}
	if canon != "10.0.0.1:4040" {
		t.Fatalf("got %q", canon)
	}
}
