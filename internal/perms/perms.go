// Copyright 2024 Stackblaze Inc. All Rights Reserved.
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

// Package perms implements the POSIX credential checks run at the top of
// every filesystem operation.
package perms

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/stackblaze/zerofs/internal/fserrors"
	"github.com/stackblaze/zerofs/internal/inode"
)

// Access bits, as in the mode triads.
const (
	MayRead    = 0x4
	MayWrite   = 0x2
	MayExecute = 0x1
)

// Creds is the credential envelope accompanying each operation.
type Creds struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32
}

// Root reports whether the credentials bypass permission checks.
func (c Creds) Root() bool { return c.Uid == 0 }

func (c Creds) inGroup(gid uint32) bool {
	if c.Gid == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}

	return false
}

// CheckAccess validates the requested access bits against the record's
// mode/uid/gid, returning fserrors.ErrPermission on refusal.
func CheckAccess(creds Creds, r *inode.Record, want uint32) error {
	if creds.Root() {
		return nil
	}

	var triad uint32
	switch {
	case creds.Uid == r.Uid:
		triad = (r.Mode >> 6) & 0x7
	case creds.inGroup(r.Gid):
		triad = (r.Mode >> 3) & 0x7
	default:
		triad = r.Mode & 0x7
	}

	if triad&want != want {
		return fmt.Errorf("inode %d mode %04o: %w", r.ID, r.Mode, fserrors.ErrPermission)
	}

	return nil
}

// CheckSticky validates removal of child from a sticky directory: only the
// directory owner, the child owner, or root may unlink.
func CheckSticky(creds Creds, dir *inode.Record, child *inode.Record) error {
	const stickyBit = 0o1000
	if dir.Mode&stickyBit == 0 || creds.Root() {
		return nil
	}

	if creds.Uid != dir.Uid && creds.Uid != child.Uid {
		return fmt.Errorf("sticky directory %d: %w", dir.ID, fserrors.ErrPermission)
	}

	return nil
}

// MyUserAndGroup returns the uid and gid of the current process, for use as
// defaults when no credential envelope is supplied.
func MyUserAndGroup() (uid uint32, gid uint32, err error) {
	u, err := user.Current()
	if err != nil {
		return 0, 0, fmt.Errorf("user.Current: %w", err)
	}

	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}

	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}

	return uint32(uid64), uint32(gid64), nil
}
