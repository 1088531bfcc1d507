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

package probemap

import "fmt"

// option provide an interface to do work on Map while it is being created.
type option[K, V any] interface {
	apply(m *Map[K, V])
}

type releaserOption[K, V any] struct {
	release Releaser[V]
}

func (op releaserOption[K, V]) apply(m *Map[K, V]) {
	m.release = op.release
}

// WithReleaser is an option to specify a function that is handed every value
// removed from a Map[K,V]. When a releaser is configured, Delete consumes the
// removed value instead of returning it, and Close releases every value still
// present in the map.
func WithReleaser[K, V any](release Releaser[V]) option[K, V] {
	return releaserOption[K, V]{release}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots and
// controls be freed then Map.Close must be called in order to ensure
// FreeSlots and FreeControls are called.
type Allocator[K, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	// Returning a shorter slice (or nil) reports that the memory could not
	// be provided and fails the operation that needed it with
	// ErrAllocation.
	AllocSlots(n int) []Slot[K, V]

	// AllocControls should return a slice equivalent to make([]uint8, n).
	// The same short-slice convention as AllocSlots applies.
	AllocControls(n int) []uint8

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])

	// FreeControls can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[K, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

func (defaultAllocator[K, V]) FreeControls(v []uint8) {
}

type allocatorOption[K, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type loadFactorOption[K, V any] struct {
	factor float64
}

func (op loadFactorOption[K, V]) apply(m *Map[K, V]) {
	if !(op.factor > 0 && op.factor <= 1) {
		panic(fmt.Sprintf("probemap: invalid max load factor %v, must be in (0, 1]", op.factor))
	}
	m.maxLoadFactor = op.factor
}

// WithMaxLoadFactor is an option to specify the fraction of the capacity
// that may hold live entries before the Map[K,V] grows. The default is 0.77.
func WithMaxLoadFactor[K, V any](factor float64) option[K, V] {
	return loadFactorOption[K, V]{factor}
}

type maxCapacityOption[K, V any] struct {
	capacity int
}

func (op maxCapacityOption[K, V]) apply(m *Map[K, V]) {
	m.maxPrimeIndex = primeIndexAtMost(op.capacity)
}

// WithMaxCapacity is an option to bound the growth of a Map[K,V]. The map
// never grows past the largest capacity in its prime sequence that is <=
// capacity, though it always has room for at least the first prime (3)
// slots. Once the ceiling is reached growth is a no-op and Put reports
// ErrTableFull when no slot can be found for a new key.
func WithMaxCapacity[K, V any](capacity int) option[K, V] {
	return maxCapacityOption[K, V]{capacity}
}
