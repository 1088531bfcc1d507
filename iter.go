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

// Iterator walks the live entries of a Map in slot order. It keeps its own
// position, so any number of Iterators may be used alongside each other and
// alongside Get, First and Next.
//
// An Iterator works on a snapshot of the slot arrays taken by Iter or Reset.
// Deletions made after the snapshot are observed. Entries added after the
// snapshot may or may not be, and if the Map is rebuilt by growth the
// Iterator finishes walking the arrays it started on. With an Allocator that
// recycles freed memory an Iterator must not be used across such a rebuild.
type Iterator[K, V any] struct {
	ctrls []ctrl
	slots []Slot[K, V]
	m     *Map[K, V]
	pos   int
	key   K
	value V
}

// Iter returns an Iterator positioned before the first entry of m.
func (m *Map[K, V]) Iter() *Iterator[K, V] {
	m.checkOpen()
	return &Iterator[K, V]{
		ctrls: m.ctrls,
		slots: m.slots,
		m:     m,
		pos:   -1,
	}
}

// Next moves the iterator to the next entry. Next returns false when the
// iterator is complete.
func (it *Iterator[K, V]) Next() bool {
	for it.pos++; it.pos < len(it.ctrls); it.pos++ {
		if it.ctrls[it.pos] == ctrlFull {
			s := &it.slots[it.pos]
			it.key, it.value = s.key, s.value
			return true
		}
	}
	var (
		zeroK K
		zeroV V
	)
	it.key = zeroK
	it.value = zeroV
	return false
}

// Key returns the key at the iterator's current position. This is only valid
// after a call to Next that returns true.
func (it *Iterator[K, V]) Key() K {
	return it.key
}

// Value returns the value at the iterator's current position. This is only
// valid after a call to Next that returns true.
func (it *Iterator[K, V]) Value() V {
	return it.value
}

// Reset repositions the iterator before the first entry, taking a fresh
// snapshot of the Map's slots.
func (it *Iterator[K, V]) Reset() {
	it.m.checkOpen()
	it.ctrls = it.m.ctrls
	it.slots = it.m.slots
	it.pos = -1
}

// All calls yield sequentially for each key and value present in the map, in
// slot order. If yield returns false, All stops the iteration. The map can be
// mutated during iteration, though there is no guarantee that the mutations
// will be visible to the iteration.
//
// The signature conforms to the range-over-function proposal
// (https://github.com/golang/go/issues/61897), so with a toolchain that
// supports it the map can be ranged over directly:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for it := m.Iter(); it.Next(); {
		if !yield(it.key, it.value) {
			return
		}
	}
}
