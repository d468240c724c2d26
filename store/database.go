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
	"database/sql"

	_ "github.com/go-sql-driver/mysql" // register "mysql" driver
	_ "github.com/mattn/go-sqlite3"    // register "sqlite3" driver

	"communicatord/util"
)

// DbConn is a single connection to a pooled database instance.
type DbConn struct {
	conn *sql.Conn
	key  string
}

// Close releases the connection and drops the pool's reference to the
// underlying *sql.DB once no connection uses it anymore.
func (c *DbConn) Close() error {
	if err := c.conn.Close(); err != nil {
		return err
	}
	return dbPoolInst.release(c.key)
}

// QueryRow runs query and returns a single row.
func (c *DbConn) QueryRow(query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(dbPoolInst.ctx, query, args...)
}

// Query runs query and returns all matching rows.
func (c *DbConn) Query(query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(dbPoolInst.ctx, query, args...)
}

// Exec runs a statement that does not return rows.
func (c *DbConn) Exec(query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(dbPoolInst.ctx, query, args...)
}

// dbPoolEntry tracks one *sql.DB instance shared by any number of DbConns
// connected with the same key.
type dbPoolEntry struct {
	db   *sql.DB
	refs int
}

// dbPool deduplicates *sql.DB instances by connect key ("driver:dsn") so
// repeated store.New calls against the same database share one pool.
type dbPool struct {
	ctx   context.Context
	insts *util.Map[string, *dbPoolEntry]
}

var dbPoolInst = &dbPool{
	ctx:   context.Background(),
	insts: util.NewMap[string, *dbPoolEntry](),
}

// connectDB returns a DbConn to the database identified by driver/dsn,
// opening and pooling the underlying *sql.DB on first use.
func connectDB(driver, dsn string) (conn *DbConn, err error) {
	key := driver + ":" + dsn
	err = dbPoolInst.insts.Process(func(pid int) error {
		entry, ok := dbPoolInst.insts.Get(key, pid)
		if !ok {
			db, e := sql.Open(driver, dsn)
			if e != nil {
				return e
			}
			entry = &dbPoolEntry{db: db}
			dbPoolInst.insts.Put(key, entry, pid)
		}
		entry.refs++
		sqlConn, e := entry.db.Conn(dbPoolInst.ctx)
		if e != nil {
			entry.refs--
			return e
		}
		conn = &DbConn{conn: sqlConn, key: key}
		return nil
	}, false)
	return
}

// release drops one reference to the pooled *sql.DB for key, closing it
// once the last connection is gone.
func (p *dbPool) release(key string) error {
	return p.insts.Process(func(pid int) error {
		entry, ok := p.insts.Get(key, pid)
		if !ok {
			return nil
		}
		entry.refs--
		if entry.refs <= 0 {
			err := entry.db.Close()
			p.insts.Delete(key, pid)
			return err
		}
		return nil
	}, false)
}
