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

import (
	"reflect"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// option provide an interface to do work on Map while it is being created.
type option[V any] interface {
	apply(m *Map[V])
}

type capacityOption[V any] struct {
	capacity int
}

func (op capacityOption[V]) apply(m *Map[V]) {
	m.capacity = op.capacity
	m.explicitCapacity = true
}

// WithCapacity is an option to specify the initial number of slots of a
// Map[V]. The capacity must be in the range [1, maxCapacity].
func WithCapacity[V any](capacity int) option[V] {
	return capacityOption[V]{capacity}
}

type loadFactorOption[V any] struct {
	loadFactor float64
}

func (op loadFactorOption[V]) apply(m *Map[V]) {
	m.loadFactor = op.loadFactor
}

// WithLoadFactor is an option to specify the ratio of used slots to capacity
// above which a Map[V] grows. The load factor must be in the range (0, 1].
func WithLoadFactor[V any](loadFactor float64) option[V] {
	return loadFactorOption[V]{loadFactor}
}

type maxCapacityOption[V any] struct {
	maxCapacity int
}

func (op maxCapacityOption[V]) apply(m *Map[V]) {
	m.maxCapacity = op.maxCapacity
}

// WithMaxCapacity is an option to lower the hard ceiling on the number of
// slots (and therefore entries) of a Map[V]. Once a map holds maxCapacity
// entries Put returns ErrCapacityExhausted.
func WithMaxCapacity[V any](maxCapacity int) option[V] {
	return maxCapacityOption[V]{maxCapacity}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// A Map owns the slices it receives from AllocSlots and AllocControls until it
// hands them back through FreeSlots and FreeControls, which happens when the
// map is resized or cleared. If the allocator is manually managing memory
// then Map.Close must be called in order to release the final pair of slices.
type Allocator[V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[V], n).
	AllocSlots(n int) []Slot[V]

	// AllocControls should return a slice of length n. Its contents are
	// overwritten by the map.
	AllocControls(n int) []uint8

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[V])

	// FreeControls can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[V any] struct{}

func (defaultAllocator[V]) AllocSlots(n int) []Slot[V] {
	return make([]Slot[V], n)
}

func (defaultAllocator[V]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[V]) FreeSlots(v []Slot[V]) {
}

func (defaultAllocator[V]) FreeControls(v []uint8) {
}

type allocatorOption[V any] struct {
	allocator Allocator[V]
}

func (op allocatorOption[V]) apply(m *Map[V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[V].
func WithAllocator[V any](allocator Allocator[V]) option[V] {
	return allocatorOption[V]{allocator}
}

type valueEqualOption[V any] struct {
	equal func(a, b V) bool
}

func (op valueEqualOption[V]) apply(m *Map[V]) {
	m.equal = op.equal
}

// WithValueEqual is an option to specify how HasValue compares values. By
// default values are compared with reflect.DeepEqual.
func WithValueEqual[V any](equal func(a, b V) bool) option[V] {
	return valueEqualOption[V]{equal}
}

func deepEqual[V any](a, b V) bool {
	return reflect.DeepEqual(a, b)
}

type loggerOption[V any] struct {
	logger *zap.Logger
}

func (op loggerOption[V]) apply(m *Map[V]) {
	m.logger = op.logger
}

// WithLogger is an option to specify the logger a Map[V] reports resizes,
// clears and rejected insertions to. All events are logged at debug level.
func WithLogger[V any](logger *zap.Logger) option[V] {
	return loggerOption[V]{logger}
}

// validate checks the configuration accumulated from the options and fills in
// defaults. Every violated constraint is reported.
func (m *Map[V]) validate() error {
	var err error
	if m.maxCapacity < 1 || m.maxCapacity > defaultMaxCapacity {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidArgument,
			"max capacity %d not in [1, %d]", m.maxCapacity, defaultMaxCapacity))
	}
	if !m.explicitCapacity {
		m.capacity = min(defaultCapacity, m.maxCapacity)
	} else if m.capacity <= 0 || m.capacity > m.maxCapacity {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidArgument,
			"capacity %d not in [1, %d]", m.capacity, m.maxCapacity))
	}
	// Written so that NaN is rejected.
	if !(m.loadFactor > 0 && m.loadFactor <= 1) {
		err = multierr.Append(err, errors.Wrapf(ErrInvalidArgument,
			"load factor %v not in (0, 1]", m.loadFactor))
	}

	if m.allocator == nil {
		m.allocator = defaultAllocator[V]{}
	}
	if m.equal == nil {
		m.equal = deepEqual[V]
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return err
}
