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
	"time"
)

func TestCacheDirectiveDefaults(t *testing.T) {
	cd := CacheDirectiveOf(New("PING"))
	if cd.Suppress || cd.Reply {
		t.Fatal("absent cache parameter must not suppress or request a reply")
	}
	if cd.TTL != DefaultCacheTTL {
		t.Fatalf("default TTL is %s, want %s", cd.TTL, DefaultCacheTTL)
	}
}

func TestCacheDirectiveParsing(t *testing.T) {
	cases := []struct {
		raw      string
		suppress bool
		reply    bool
		ttl      time.Duration
	}{
		{"no", true, false, DefaultCacheTTL},
		{"no;reply", true, true, DefaultCacheTTL},
		{"ttl=30s", false, false, 30 * time.Second},
		{"ttl=30", false, false, 30 * time.Second},
		{"reply;ttl=5m", false, true, 5 * time.Minute},
		{"ttl=1s", false, false, MinCacheTTL},  // clamped up
		{"ttl=48h", false, false, MaxCacheTTL}, // clamped down
		{"ttl=garbage", false, false, DefaultCacheTTL},
	}
	for _, c := range cases {
		cd := CacheDirectiveOf(New("PING").Set(ParamCache, c.raw))
		if cd.Suppress != c.suppress || cd.Reply != c.reply || cd.TTL != c.ttl {
			t.Fatalf("%q: got %+v", c.raw, cd)
		}
	}
}
