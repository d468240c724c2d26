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

package store

import (
	"context"

	redis "github.com/go-redis/redis/v8"
)

// RedisStore backs a KVStore with a Redis server; suited for deployments
// that want to externalize a broker's neighbor/cluster-status state.
// DSN is the server's "host:port"; the default database is used and no
// database number is parsed from the DSN.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to a Redis server at dsn.
func NewRedisStore(dsn string) (*RedisStore, error) {
	if dsn == "" {
		return nil, ErrStoreInvalidSpec
	}
	client := redis.NewClient(&redis.Options{Addr: dsn})
	if client == nil {
		return nil, ErrStoreNotAvailable
	}
	return &RedisStore{client: client}, nil
}

// Put sets key to value with no expiration.
func (s *RedisStore) Put(key, value string) error {
	return s.client.Set(context.Background(), key, value, 0).Err()
}

// Get returns the value for key.
func (s *RedisStore) Get(key string) (string, error) {
	return s.client.Get(context.Background(), key).Result()
}

// Delete removes key.
func (s *RedisStore) Delete(key string) error {
	return s.client.Del(context.Background(), key).Err()
}

// List scans all keys in the current database.
func (s *RedisStore) List() ([]string, error) {
	ctx := context.Background()
	keys := make([]string, 0)
	var cursor uint64
	for {
		segm, next, err := s.client.Scan(ctx, cursor, "*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, segm...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
