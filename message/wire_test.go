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

package message

import (
	"testing"
)

func TestMarshalForms(t *testing.T) {
	cases := []struct {
		msg  *Message
		want string
	}{
		{
			msg:  New("READY"),
			want: "READY",
		},
		{
			msg: func() *Message {
				m := New("PING")
				m.Server, m.Service = "n1", "alpha"
				return m.Set("payload", "hi")
			}(),
			want: "n1:alpha/PING payload=hi",
		},
		{
			msg: func() *Message {
				m := New("PING")
				m.FromServer, m.FromService = "n1", "beta"
				m.Server, m.Service = "n1", "alpha"
				return m.Set("payload", "hi")
			}(),
			want: "n1:beta n1:alpha/PING payload=hi",
		},
		{
			msg:  New("STATUS").Set("service", "alpha").Set("status", "up"),
			want: "STATUS service=alpha;status=up",
		},
		{
			msg:  New("NOTE").Set("text", "a b;c=d"),
			want: "NOTE text=a%20b%3Bc%3Dd",
		},
	}
	for _, c := range cases {
		got, err := c.msg.Marshal()
		if err != nil {
			t.Fatalf("marshal %s: %v", c.want, err)
		}
		if got != c.want {
			t.Fatalf("got %q, want %q", got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	msgs := []*Message{
		New("READY"),
		New("REGISTER").Set("service", "alpha").Set("version", "1"),
		func() *Message {
			m := New("PING")
			m.Server, m.Service = "n2", "alpha"
			return m.Set("payload", "hello world").Set("count", "3")
		}(),
		func() *Message {
			m := New("NOTIFY")
			m.FromServer, m.FromService = "n1", "sender"
			m.Server, m.Service = "*", "*"
			return m.Set("broadcast-msgid", "00ff00ff").
				Set("broadcast-hops", "2").
				Set("data", "x=1;y=2 z%")
		}(),
		func() *Message {
			m := New("PING")
			m.Server, m.Service = ".", ""
			return m
		}(),
	}
	for _, m := range msgs {
		line, err := m.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		back, err := Parse(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if !m.Equal(back) {
			t.Fatalf("round trip mismatch for %q", line)
		}
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"n1:alpha/",          // routing prefix with empty command
		"CMD broken",         // parameter without '='
		"CMD a=%zz",          // bad escape
		"CMD a=%2",           // truncated escape
	}
	for _, line := range cases {
		if _, err := Parse(line); err == nil {
			t.Fatalf("expected parse error for %q", line)
		}
	}
}

func TestValid(t *testing.T) {
	m := New("PING")
	m.Server, m.Service = "*", "alpha"
	if m.Valid() {
		t.Fatal("destination-server '*' with a specific service must be invalid")
	}
	m.Service = "*"
	if !m.Valid() {
		t.Fatal("'*:*' must be valid")
	}
	m.Service = "."
	if !m.Valid() {
		t.Fatal("'*:.' must be valid")
	}
	if New("").Valid() {
		t.Fatal("empty command must be invalid")
	}
}

func TestSetOverwritesInPlace(t *testing.T) {
	m := New("CMD").Set("a", "1").Set("b", "2").Set("a", "3")
	line, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if line != "CMD a=3;b=2" {
		t.Fatalf("insertion order not preserved: %q", line)
	}
}

func TestEqualIgnoresParamOrder(t *testing.T) {
	a := New("CMD").Set("x", "1").Set("y", "2")
	b := New("CMD").Set("y", "2").Set("x", "1")
	if !a.Equal(b) {
		t.Fatal("parameter order must not affect equality")
	}
	c := New("CMD").Set("x", "1")
	if a.Equal(c) {
		t.Fatal("missing parameter must break equality")
	}
}
