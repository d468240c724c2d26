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
	"strings"
	"testing"

	"communicatord/config"
	"communicatord/store"
)

func TestNeighborsSet(t *testing.T) {
	n := NewNeighbors(nil)
	if !n.Add("10.0.0.2:4040") {
		t.Fatal("first add must report new")
	}
	if n.Add("10.0.0.2:4040") {
		t.Fatal("duplicate add must not report new")
	}
	if n.Add("") {
		t.Fatal("empty address must be ignored")
	}
	if !n.Contains("10.0.0.2:4040") || n.Size() != 1 {
		t.Fatal("set bookkeeping wrong")
	}
	if !n.Remove("10.0.0.2:4040") || n.Remove("10.0.0.2:4040") {
		t.Fatal("remove bookkeeping wrong")
	}
}

func TestNeighborsMergeAndWire(t *testing.T) {
	n := NewNeighbors(nil)
	n.Add("10.0.0.1:4040")
	fresh := n.Merge("10.0.0.1:4040,10.0.0.3:4040, 10.0.0.2:4040 ,")
	if len(fresh) != 2 {
		t.Fatalf("expected 2 fresh addresses, got %v", fresh)
	}
	wire := n.Wire()
	if wire != "10.0.0.1:4040,10.0.0.2:4040,10.0.0.3:4040" {
		t.Fatalf("wire form wrong: %q", wire)
	}
}

func TestNeighborsPersistence(t *testing.T) {
	kv, err := store.New(&config.StoreConfig{Driver: "file", DSN: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	n := NewNeighbors(kv)
	n.Add("10.0.0.2:4040")
	n.Add("10.0.0.3:4040")

	blob, err := kv.Get(neighborsKey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(blob, "#") {
		t.Fatal("persisted form must start with a comment line")
	}
	if !strings.Contains(blob, "10.0.0.2:4040\n") {
		t.Fatalf("address missing from blob: %q", blob)
	}

	// survives a restart
	n2 := NewNeighbors(kv)
	n2.Load()
	if !n2.Contains("10.0.0.2:4040") || !n2.Contains("10.0.0.3:4040") {
		t.Fatal("reload lost addresses")
	}
	if n2.Size() != 2 {
		t.Fatalf("reload size %d", n2.Size())
	}
}
