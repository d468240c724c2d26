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

// Package store implements a generic, backend-pluggable key/value store.
// The broker treats its neighbor set and cluster-status record as an
// opaque keyed blob store; this package provides that abstraction with
// file, Redis and SQL backends.
package store

import (
	"fmt"

	"communicatord/config"
)

// Error messages related to the key/value-store implementations.
var (
	ErrStoreInvalidSpec  = fmt.Errorf("invalid store specification")
	ErrStoreUnknown      = fmt.Errorf("unknown store driver")
	ErrStoreNotAvailable = fmt.Errorf("store not available")
)

// KVStore is a key/value storage for string pairs. Implementations need
// not be ordered; List enumerates keys and is not on any hot path (the
// neighbor set is loaded with Get, and FileStore does not support List).
type KVStore interface {
	Put(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
	List() ([]string, error)
	Close() error
}

// New creates a KVStore for the given driver ("file", "redis", "mysql",
// "sqlite3") and data-source name, per config.StoreConfig.
func New(cfg *config.StoreConfig) (KVStore, error) {
	if cfg == nil {
		return nil, ErrStoreInvalidSpec
	}
	switch cfg.Driver {
	case "file", "":
		return NewFileStore(cfg.DSN)
	case "redis":
		return NewRedisStore(cfg.DSN)
	case "mysql", "sqlite3":
		return NewSQLStore(cfg.Driver, cfg.DSN)
	}
	return nil, ErrStoreUnknown
}
