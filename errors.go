// Copyright 2024 The Cockroach Authors
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

package longmap

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is returned by New when an option is out of range.
	// The returned error wraps ErrInvalidArgument once per violated
	// constraint; use errors.Is to test for it.
	ErrInvalidArgument = errors.New("longmap: invalid argument")

	// ErrCapacityExhausted is returned by Put when the map holds
	// maxCapacity entries. The map is not modified.
	ErrCapacityExhausted = errors.New("longmap: capacity exhausted")
)
