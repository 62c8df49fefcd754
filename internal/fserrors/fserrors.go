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

// Package fserrors defines the abstract error kinds surfaced by the
// filesystem core. Protocol adapters translate them to wire-level status
// codes via Errno.
package fserrors

import (
	"errors"
	"syscall"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrExist       = errors.New("already exists")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrPermission  = errors.New("permission denied")
	ErrInvalidArg  = errors.New("invalid argument")
	ErrInvalidData = errors.New("invalid data")
	ErrNoSpace     = errors.New("no space left")
	ErrReadOnly    = errors.New("read-only dataset")
	ErrIO          = errors.New("i/o error")
	ErrTimeout     = errors.New("operation timed out")
	ErrInterrupted = errors.New("operation interrupted")
)

// Errno maps an error returned by the core to the closest POSIX errno.
// Unrecognized errors map to EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrExist):
		return syscall.EEXIST
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrPermission):
		return syscall.EACCES
	case errors.Is(err, ErrInvalidArg):
		return syscall.EINVAL
	case errors.Is(err, ErrInvalidData):
		return syscall.EIO
	case errors.Is(err, ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, ErrTimeout):
		return syscall.ETIMEDOUT
	case errors.Is(err, ErrInterrupted):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
