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

// package longmap is a map from int64 keys to arbitrary values that trades
// some speed for a small memory footprint. See also:
// https://en.wikipedia.org/wiki/Linear_probing.
//
// # Layout
//
// A Map keeps its entries in a single slice of slots, each holding a key and
// a value inline, plus a parallel slice with one control byte per slot. There
// are no buckets, chains or per-entry pointers. Compared to a chained hash
// table the only per-entry overhead is the control byte.
//
// A control byte has one of three states: empty, deleted (a tombstone) and
// full. Empty means the slot has not been written since the slice was
// allocated.
//
// # Probing
//
// Keys are not hashed. The home index of a key is the key, taken as an
// unsigned 64-bit integer, modulo the capacity. For non-negative keys this is
// simply key%capacity, which keeps the layout of small dense key sets easy to
// reason about, but it also means that key sets clustered modulo the capacity
// produce long probe sequences.
//
// Lookups walk forward from the home index, wrapping at the end of the slice,
// until they find a full slot with the key or an empty slot. Tombstones are
// skipped. A lookup visits at most capacity slots, so a table with no empty
// slots at all still terminates.
//
// # Deletion
//
// Deleting an entry cannot simply mark its slot empty: a later key whose
// probe sequence passed through the slot would then be cut off from its
// home. Deletion therefore leaves a tombstone. If the slot after the deleted
// one is empty no probe sequence can continue through the deleted slot, and
// it (along with any run of tombstones directly before it) is marked empty
// instead.
//
// Tombstones count against the load factor. When used+deleted slots exceed
// it the table is rehashed at the same capacity, which drops all tombstones.
//
// # Growth
//
// After an insertion leaves used/capacity above the load factor the table is
// resized to capacity*2+1 slots, bounded by the max capacity. A resize
// allocates new slices, reinserts every entry in slot order and releases the
// old slices to the Allocator. No reference to a slot survives a resize.
package longmap

import (
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultCapacity   = 8
	defaultLoadFactor = 0.75
	// Headroom below math.MaxInt so that the growth arithmetic cannot
	// overflow.
	defaultMaxCapacity = math.MaxInt - 8

	ctrlEmpty   ctrl = 0b10000000
	ctrlDeleted ctrl = 0b11111110
	ctrlFull    ctrl = 0b00000000
)

// Slot holds a key and value.
type Slot[V any] struct {
	key   int64
	value V
}

// Each slot in the table has a control byte which can have one of three
// states. They have the following bit patterns:
//
//	  empty: 1 0 0 0 0 0 0 0
//	deleted: 1 1 1 1 1 1 1 0
//	   full: 0 0 0 0 0 0 0 0
type ctrl uint8

// Map is a map from int64 keys to values with Put, Get, Delete, and All
// operations. Entries are stored in a single open-addressed slice and
// collisions are resolved by linear probing.
//
// A Map is NOT goroutine-safe.
type Map[V any] struct {
	// ctrls and slots are capacity in length and are obtained from the
	// allocator.
	ctrls []ctrl
	slots []Slot[V]
	// The total number of slots.
	capacity int
	// The number of full slots (i.e. the number of elements in the map).
	used int
	// The number of tombstones.
	deleted int
	// used/capacity above which the map grows.
	loadFactor float64
	// The hard ceiling on capacity.
	maxCapacity int
	// explicitCapacity is set by WithCapacity and only consulted by New.
	explicitCapacity bool

	allocator Allocator[V]
	equal     func(a, b V) bool
	logger    *zap.Logger
}

// New constructs a new Map. Without options the map starts with 8 slots and
// a load factor of 0.75. An error wrapping ErrInvalidArgument is returned if
// any option is out of range, in which case nothing has been allocated.
func New[V any](options ...option[V]) (*Map[V], error) {
	m := &Map[V]{
		loadFactor:  defaultLoadFactor,
		maxCapacity: defaultMaxCapacity,
	}

	for _, op := range options {
		op.apply(m)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	m.alloc(m.capacity)
	m.checkInvariants()
	return m, nil
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[V]) Close() {
	m.release()
	m.ctrls = nil
	m.slots = nil
	m.capacity = 0
	m.used = 0
	m.deleted = 0
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. It returns the stored value.
//
// If the map already holds maxCapacity entries Put returns an error wrapping
// ErrCapacityExhausted and leaves the map untouched, even when key is
// present.
func (m *Map[V]) Put(key int64, value V) (V, error) {
	if m.used == m.maxCapacity {
		if ce := m.logger.Check(zap.DebugLevel, "put rejected"); ce != nil {
			ce.Write(zap.Int64("key", key), zap.Int("max-capacity", m.maxCapacity))
		}
		var zero V
		return zero, errors.Wrapf(ErrCapacityExhausted, "put(%d): map holds %d entries", key, m.used)
	}

	// Only reachable with a load factor of 1. There must be at least one
	// empty or deleted slot for the probe below to land in.
	if m.used == m.capacity {
		m.resize(m.growthTarget())
	}

	// Put is find composed with an insertion into the first free slot of the
	// probe sequence. We remember the first tombstone we pass so that it can
	// be reused, but we must keep probing past it until an empty slot to be
	// certain the key is not present further along.
	target := -1
	i := m.home(key)
	for p := 0; p < m.capacity; p++ {
		c := m.ctrls[i]
		if c == ctrlFull {
			if m.slots[i].key == key {
				m.slots[i].value = value
				m.checkInvariants()
				return value, nil
			}
		} else {
			if target < 0 {
				target = i
			}
			if c == ctrlEmpty {
				break
			}
		}
		i = m.next(i)
	}

	if m.ctrls[target] == ctrlDeleted {
		m.deleted--
	}
	m.ctrls[target] = ctrlFull
	m.slots[target] = Slot[V]{key: key, value: value}
	m.used++

	switch {
	case m.overloaded(m.used) && m.capacity < m.maxCapacity:
		m.resize(m.growthTarget())
	case m.deleted > 0 && m.overloaded(m.used+m.deleted):
		m.resize(m.capacity)
	}

	m.checkInvariants()
	return value, nil
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[V]) Get(key int64) (value V, ok bool) {
	if i, ok := m.find(key); ok {
		return m.slots[i].value, true
	}
	return value, false
}

// Has returns true if the map contains an entry for key.
func (m *Map[V]) Has(key int64) bool {
	_, ok := m.find(key)
	return ok
}

// HasValue returns true if any entry of the map holds a value equal to value.
// It scans the whole slot slice.
func (m *Map[V]) HasValue(value V) bool {
	found := false
	m.All(func(_ int64, v V) bool {
		found = m.equal(v, value)
		return !found
	})
	return found
}

// Delete deletes the entry corresponding to the specified key from the map
// and returns its value. It is a noop returning ok=false to delete a
// non-existent key.
func (m *Map[V]) Delete(key int64) (value V, ok bool) {
	i, ok := m.find(key)
	if !ok {
		return value, false
	}

	value = m.slots[i].value
	m.slots[i] = Slot[V]{}
	m.used--

	// If the next slot is empty, every probe sequence through i ended at i,
	// so i can become empty as well. The same then holds for a run of
	// tombstones immediately before i.
	if m.ctrls[m.next(i)] != ctrlEmpty {
		m.ctrls[i] = ctrlDeleted
		m.deleted++
	} else {
		m.ctrls[i] = ctrlEmpty
		for j := m.prev(i); m.ctrls[j] == ctrlDeleted; j = m.prev(j) {
			m.ctrls[j] = ctrlEmpty
			m.deleted--
		}
	}

	m.checkInvariants()
	return value, true
}

// All calls yield sequentially for each key and value present in the map, in
// slot order. If yield returns false, range stops the iteration. The map can
// be mutated during iteration, though there is no guarantee that the
// mutations will be visible to the iteration.
func (m *Map[V]) All(yield func(key int64, value V) bool) {
	// Snapshot the controls and slots so that iteration remains valid if the
	// map is resized during iteration.
	ctrls := m.ctrls
	slots := m.slots

	for i := range ctrls {
		if ctrls[i] == ctrlFull {
			if !yield(slots[i].key, slots[i].value) {
				return
			}
		}
	}
}

// Keys returns the keys of all entries in slot order. The order changes
// when the map is resized.
func (m *Map[V]) Keys() []int64 {
	keys := make([]int64, 0, m.used)
	m.All(func(k int64, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values returns the values of all entries in the same order as Keys.
func (m *Map[V]) Values() []V {
	values := make([]V, 0, m.used)
	m.All(func(_ int64, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// Len returns the number of entries in the map.
func (m *Map[V]) Len() int {
	return m.used
}

// Empty returns true if the map has no entries.
func (m *Map[V]) Empty() bool {
	return m.used == 0
}

// Clear deletes all entries from the map. The slot slices are released and
// replaced by new ones of the default initial capacity, regardless of how
// large the map had grown or what capacity it was created with.
func (m *Map[V]) Clear() {
	oldCapacity, oldUsed := m.capacity, m.used
	m.release()
	m.alloc(min(defaultCapacity, m.maxCapacity))

	if ce := m.logger.Check(zap.DebugLevel, "clear"); ce != nil {
		ce.Write(zap.Int("old-capacity", oldCapacity), zap.Int("capacity", m.capacity),
			zap.Int("dropped", oldUsed))
	}
	m.checkInvariants()
}

// home returns the first slot probed for key. The key is reinterpreted as an
// unsigned integer so that negative keys map into range and high bits are
// not discarded.
func (m *Map[V]) home(key int64) int {
	return int(uint64(key) % uint64(m.capacity))
}

func (m *Map[V]) next(i int) int {
	if i++; i == m.capacity {
		return 0
	}
	return i
}

func (m *Map[V]) prev(i int) int {
	if i == 0 {
		return m.capacity - 1
	}
	return i - 1
}

// find returns the index of the slot holding key.
func (m *Map[V]) find(key int64) (int, bool) {
	i := m.home(key)
	for p := 0; p < m.capacity; p++ {
		switch m.ctrls[i] {
		case ctrlEmpty:
			return 0, false
		case ctrlFull:
			if m.slots[i].key == key {
				return i, true
			}
		}
		i = m.next(i)
	}
	return 0, false
}

// overloaded returns true if n occupied slots exceed the load factor.
func (m *Map[V]) overloaded(n int) bool {
	return float64(n)/float64(m.capacity) > m.loadFactor
}

// growthTarget returns the capacity to grow to: repeated capacity*2+1 steps
// until the current entries fit within the load factor, bounded by
// maxCapacity.
func (m *Map[V]) growthTarget() int {
	newCapacity := m.capacity
	for {
		if newCapacity > (m.maxCapacity-1)/2 {
			return m.maxCapacity
		}
		newCapacity = 2*newCapacity + 1
		if float64(m.used)/float64(newCapacity) <= m.loadFactor {
			return newCapacity
		}
	}
}

// alloc installs empty slices of the given capacity and resets the counts.
func (m *Map[V]) alloc(capacity int) {
	m.slots = m.allocator.AllocSlots(capacity)
	m.ctrls = unsafeConvertSlice[ctrl](m.allocator.AllocControls(capacity))
	for i := range m.ctrls {
		m.ctrls[i] = ctrlEmpty
	}
	m.capacity = capacity
	m.used = 0
	m.deleted = 0
}

// release hands the current slices back to the allocator.
func (m *Map[V]) release() {
	if m.capacity > 0 {
		m.allocator.FreeSlots(m.slots)
		m.allocator.FreeControls(unsafeConvertSlice[uint8](m.ctrls))
	}
}

// resize allocates new slices of newCapacity slots, inserts each entry of the
// table into them (we know that no insertion here will Put an
// already-present key, and that there are no tombstones to reuse), and
// discards the old slices. newCapacity may equal the current capacity, in
// which case the effect is to drop all tombstones.
func (m *Map[V]) resize(newCapacity int) {
	oldCtrls, oldSlots := m.ctrls, m.slots
	oldCapacity, oldDeleted := m.capacity, m.deleted
	m.alloc(newCapacity)

	for i := 0; i < oldCapacity; i++ {
		if oldCtrls[i] != ctrlFull {
			continue
		}
		j := m.home(oldSlots[i].key)
		for m.ctrls[j] != ctrlEmpty {
			j = m.next(j)
		}
		m.ctrls[j] = ctrlFull
		m.slots[j] = oldSlots[i]
		m.used++
	}

	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots)
		m.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls))
	}

	if ce := m.logger.Check(zap.DebugLevel, "resize"); ce != nil {
		ce.Write(zap.Int("old-capacity", oldCapacity), zap.Int("capacity", newCapacity),
			zap.Int("used", m.used), zap.Int("dropped-tombstones", oldDeleted))
	}
}

func (m *Map[V]) checkInvariants() {
	if invariants {
		if m.capacity < 1 || m.capacity > m.maxCapacity {
			panic(fmt.Sprintf("invariant failed: capacity %d not in [1, %d]\n%s",
				m.capacity, m.maxCapacity, m.debugString()))
		}
		if len(m.ctrls) != m.capacity || len(m.slots) != m.capacity {
			panic(fmt.Sprintf("invariant failed: len(ctrls)=%d len(slots)=%d capacity=%d",
				len(m.ctrls), len(m.slots), m.capacity))
		}

		// For every full slot, verify we can retrieve the key using find and
		// that find lands on that very slot (i.e. the key is not duplicated
		// earlier in its probe sequence). Count the number of used and
		// deleted slots.
		var used int
		var deleted int
		for i := 0; i < m.capacity; i++ {
			switch c := m.ctrls[i]; c {
			case ctrlDeleted:
				deleted++
			case ctrlEmpty:
			case ctrlFull:
				s := &m.slots[i]
				j, ok := m.find(s.key)
				if !ok {
					panic(fmt.Sprintf("invariant failed: slot(%d): %d not found [home=%d]\n%s",
						i, s.key, m.home(s.key), m.debugString()))
				}
				if j != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %d found at slot(%d)\n%s",
						i, s.key, j, m.debugString()))
				}
				used++
			default:
				panic(fmt.Sprintf("invariant failed: ctrl(%d): unexpected %02x\n%s",
					i, c, m.debugString()))
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if deleted != m.deleted {
			panic(fmt.Sprintf("invariant failed: found %d deleted slots, but deleted count is %d\n%s",
				deleted, m.deleted, m.debugString()))
		}
	}
}

func (m *Map[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  deleted=%d  load-factor=%v\n",
		m.capacity, m.used, m.deleted, m.loadFactor)
	for i := 0; i < len(m.ctrls); i++ {
		switch c := m.ctrls[i]; c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		case ctrlFull:
			fmt.Fprintf(&buf, "  %4d: %d [home=%d] %v\n", i, m.slots[i].key, m.home(m.slots[i].key), m.slots[i].value)
		default:
			fmt.Fprintf(&buf, "  %4d: [ctrl=%02x]\n", i, c)
		}
	}
	return buf.String()
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
