// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package lsn parses, compares, and formats log sequence numbers: the
// ordered-pair positions the server's write-ahead log hands out to
// every replicated change.
package lsn

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LSN is a position in the server's write-ahead log. It orders
// lexicographically on (Major, Minor); no other field sequences
// changes.
type LSN struct {
	Major uint32
	Minor uint32
}

// Zero is the sentinel LSN assigned to a client that has never
// synced.
var Zero = LSN{}

// Parse decodes the canonical "HH/HH" hex-pair form. Both halves must
// be valid hex and fit in 32 bits.
func Parse(s string) (LSN, error) {
	major, minor, ok := strings.Cut(s, "/")
	if !ok {
		return LSN{}, errors.Errorf("lsn: expected exactly one '/' in %q", s)
	}
	maj, err := strconv.ParseUint(major, 16, 32)
	if err != nil {
		return LSN{}, errors.Wrapf(err, "lsn: invalid major component %q", major)
	}
	min, err := strconv.ParseUint(minor, 16, 32)
	if err != nil {
		return LSN{}, errors.Wrapf(err, "lsn: invalid minor component %q", minor)
	}
	return LSN{Major: uint32(maj), Minor: uint32(min)}, nil
}

// MustParse is a test/config convenience that panics on a malformed
// LSN.
func MustParse(s string) LSN {
	ret, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ret
}

// Compare returns -1, 0, or 1 depending on whether a sorts before,
// equal to, or after b, lexicographically on (Major, Minor). Equal
// LSNs have no further ordering: changes that arrive with equal LSNs
// are applied in arrival order within their chunk.
func Compare(a, b LSN) int {
	switch {
	case a.Major < b.Major:
		return -1
	case a.Major > b.Major:
		return 1
	case a.Minor < b.Minor:
		return -1
	case a.Minor > b.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b LSN) bool { return Compare(a, b) < 0 }

// String restores the canonical "HH/HH" form, without leading zeros
// in either half.
func (l LSN) String() string {
	return strconv.FormatUint(uint64(l.Major), 16) + "/" + strconv.FormatUint(uint64(l.Minor), 16)
}

// IsZero reports whether this is the sentinel zero value, meaning the
// client has never completed any sync.
func (l LSN) IsZero() bool { return l == Zero }

// MarshalJSON encodes the LSN as its canonical string form, per the
// wire format used by the persisted client snapshot.
func (l LSN) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(l.String())), nil
}

// UnmarshalJSON decodes the canonical string form.
func (l *LSN) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return errors.Wrap(err, "lsn: not a JSON string")
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
