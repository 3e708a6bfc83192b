// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
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

// Package pkg holds the error primitives shared by all packages of this
// module.
package pkg

import (
	"errors"

	hme "github.com/hashicorp/go-multierror"
	ghe "github.com/pkg/errors"
	"github.com/tetratelabs/multierror"
)

// FlagErr is the format used to report an invalid configuration flag. It
// takes the flag name and the underlying error.
const FlagErr = "config error for flag %s: %w"

// ErrRequired is returned when a required configuration value is missing.
const ErrRequired Error = "required"

// Error is a constant error type.
type Error string

// Error implements error.
func (e Error) Error() string {
	return string(e)
}

// HasError returns true if target is found in the error chain of err. Next to
// the standard library unwrap chain it also descends into github.com/pkg/errors
// causes and into the members of tetratelabs and hashicorp multierrors.
func HasError(err, target error) bool {
	if err == nil || target == nil {
		return err == target
	}
	if errors.Is(err, target) {
		return true
	}

	var tme *multierror.Error
	if errors.As(err, &tme) {
		for _, e := range tme.Errors {
			if HasError(e, target) {
				return true
			}
		}
	}

	var hErr *hme.Error
	if errors.As(err, &hErr) {
		for _, e := range hErr.Errors {
			if HasError(e, target) {
				return true
			}
		}
	}

	if cause := ghe.Cause(err); cause != err {
		return HasError(cause, target)
	}

	return false
}
