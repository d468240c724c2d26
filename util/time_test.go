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
	"time"
)

func TestDeadline(t *testing.T) {
	if NeverExpires().Expired() {
		t.Fatal("never-expiring deadline reported as expired")
	}
	if DeadlineIn(time.Hour).Expired() {
		t.Fatal("future deadline reported as expired")
	}
	if !DeadlineAt(time.Now().Add(-time.Second)).Expired() {
		t.Fatal("past deadline not reported as expired")
	}
}

func TestBackoffCursor(t *testing.T) {
	b := NewBackoffCursor(DefaultBackoff)
	want := []time.Duration{
		time.Second, time.Second, time.Second,
		3 * time.Second, 5 * time.Second, 10 * time.Second,
		20 * time.Second, 30 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("step %d: got %s, want %s", i, got, w)
		}
	}
	// clamps at the tail
	if got := b.Next(); got != 60*time.Second {
		t.Fatalf("tail not clamped: %s", got)
	}
	// restarts from the head on reset
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("reset did not restart schedule: %s", got)
	}
}

func TestNewBroadcastID(t *testing.T) {
	a, b := NewBroadcastID(), NewBroadcastID()
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	if a == b {
		t.Fatal("two broadcast ids must differ")
	}
}
