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

import "time"

//----------------------------------------------------------------------
// Deadline: a point in time after which something (a cache entry, a
// broadcast, a pending reconnect) is no longer valid. "Never" is
// represented as the zero value of time.Time for a natural zero-value
// default (an un-set Deadline never expires).
//----------------------------------------------------------------------

// Deadline wraps a point in time with "never expires" semantics for a
// zero value, the way the message cache and the broadcast envelope need.
type Deadline struct {
	at time.Time
}

// NeverExpires returns a deadline that is never in the past.
func NeverExpires() Deadline {
	return Deadline{}
}

// DeadlineIn returns a deadline the given duration from now.
func DeadlineIn(d time.Duration) Deadline {
	return Deadline{at: time.Now().Add(d)}
}

// DeadlineAt wraps an explicit point in time.
func DeadlineAt(t time.Time) Deadline {
	return Deadline{at: t}
}

// Expired reports whether the deadline has passed.
func (d Deadline) Expired() bool {
	if d.at.IsZero() {
		return false
	}
	return time.Now().After(d.at)
}

// Time returns the underlying point in time (zero value if never-expiring).
func (d Deadline) Time() time.Time {
	return d.at
}

// String renders the deadline for logging.
func (d Deadline) String() string {
	if d.at.IsZero() {
		return "never"
	}
	return d.at.Format(time.RFC3339)
}

//----------------------------------------------------------------------
// BackoffSchedule: the reconnect delay cursor for outbound links
// (a timer field walking a fixed schedule).
//----------------------------------------------------------------------

// DefaultBackoff is the default reconnect schedule: "1,1,1,3,5,10,20,30,60"
// seconds, restarting from the head on full disconnect.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// BackoffCursor walks a backoff schedule, clamping at the last entry and
// restarting from the head on Reset.
type BackoffCursor struct {
	schedule []time.Duration
	pos      int
}

// NewBackoffCursor creates a cursor over the given schedule (copied, so
// callers may reuse DefaultBackoff across many cursors safely).
func NewBackoffCursor(schedule []time.Duration) *BackoffCursor {
	sc := make([]time.Duration, len(schedule))
	copy(sc, schedule)
	return &BackoffCursor{schedule: sc}
}

// Next returns the current delay and advances the cursor.
func (b *BackoffCursor) Next() time.Duration {
	d := b.schedule[b.pos]
	if b.pos < len(b.schedule)-1 {
		b.pos++
	}
	return d
}

// Reset restarts the cursor from the head of the schedule.
func (b *BackoffCursor) Reset() {
	b.pos = 0
}
