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

package monitor

import (
	"errors"

	"github.com/stackblaze/zerofs/internal/fserrors"
)

// errKind maps an error to a low-cardinality label value.
func errKind(err error) string {
	switch {
	case errors.Is(err, fserrors.ErrNotFound):
		return "not-found"
	case errors.Is(err, fserrors.ErrExist):
		return "exists"
	case errors.Is(err, fserrors.ErrNotDir):
		return "not-dir"
	case errors.Is(err, fserrors.ErrIsDir):
		return "is-dir"
	case errors.Is(err, fserrors.ErrNotEmpty):
		return "not-empty"
	case errors.Is(err, fserrors.ErrPermission):
		return "permission"
	case errors.Is(err, fserrors.ErrInvalidArg):
		return "invalid-argument"
	case errors.Is(err, fserrors.ErrInvalidData):
		return "invalid-data"
	case errors.Is(err, fserrors.ErrNoSpace):
		return "no-space"
	case errors.Is(err, fserrors.ErrReadOnly):
		return "read-only"
	case errors.Is(err, fserrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, fserrors.ErrInterrupted):
		return "interrupted"
	default:
		return "io"
	}
}
