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

import "encoding/hex"

var (
	_id = 0
)

// NextID generates the next unique identifier (unique in the running
// process/application).
func NextID() int {
	_id++
	return _id
}

// NewBroadcastID returns a random 128-bit identifier as lowercase hex,
// globally unique within a cluster lifetime for all practical purposes.
func NewBroadcastID() string {
	return hex.EncodeToString(NewRndArray(16))
}
