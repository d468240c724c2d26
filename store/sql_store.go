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

import "database/sql"

// SQLStore keys a `store(key, value)` table through the pooled database
// connection. Suited for mysql and sqlite3 deployments named in go.mod.
type SQLStore struct {
	conn *DbConn
}

// NewSQLStore connects to driver ("mysql" or "sqlite3") at dsn and verifies
// the backing "store" table is reachable.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	conn, err := connectDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	var num int
	if err := conn.QueryRow("select count(*) from store").Scan(&num); err != nil {
		return nil, ErrStoreNotAvailable
	}
	return &SQLStore{conn: conn}, nil
}

// Put inserts or updates the row for key.
func (s *SQLStore) Put(key, value string) error {
	if _, err := s.conn.Exec("delete from store where key=?", key); err != nil {
		return err
	}
	_, err := s.conn.Exec("insert into store(key, value) values(?, ?)", key, value)
	return err
}

// Get returns the value stored under key.
func (s *SQLStore) Get(key string) (value string, err error) {
	err = s.conn.QueryRow("select value from store where key=?", key).Scan(&value)
	return
}

// Delete removes the row for key.
func (s *SQLStore) Delete(key string) error {
	_, err := s.conn.Exec("delete from store where key=?", key)
	return err
}

// List returns every key in the store.
func (s *SQLStore) List() (keys []string, err error) {
	var rows *sql.Rows
	rows, err = s.conn.Query("select key from store")
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return
		}
		keys = append(keys, key)
	}
	return
}

// Close releases the pooled connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}
