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

// package probemap is an open-addressed hash table over prime capacities
// with pluggable hashing and equality. Keys and values may be of any type:
// the Map never compares or hashes a key itself, it only calls the Hasher
// and Equal functions it was constructed with.
//
// # Layout
//
// A Map is an array of slots paired with an array of control bytes, one per
// slot. A control byte says whether its slot is empty, full (holds a live
// key/value pair) or deleted. A deleted slot is a tombstone: it keeps the key
// that was stored there but has no value. The length of both arrays is
// always a prime taken from a fixed, ascending sequence
// (http://planetmath.org/goodhashtableprimes) in which each capacity is
// roughly 1.3x to 2.3x the previous one, ending at 472907251.
//
// # Probing
//
// The home slot of a key is |hash(key)| mod capacity. On a collision the
// probe advances by the square of a step counter that starts at zero, so a
// key with home slot h visits h, h, h+1, h+5, h+14, ... (mod capacity). That
// is h plus the running sum of squares. The walk stops at the first empty
// slot or at the first slot whose key is equal. The sequence repeats with a
// period that divides 6*capacity, which bounds every walk. It is not
// guaranteed to visit every slot, even for a prime capacity; when an insert
// walks its whole sequence without finding room the table is rebuilt (see
// below).
//
// # Deletion
//
// Deleting a key turns its slot into a tombstone. A tombstone can not be
// marked empty because a later key may have probed past it, and an empty
// slot ends every walk. Inserting a deleted key again fills the tombstone
// back in, keeping the key that was originally stored. Tombstones are only
// reclaimed when the table is rebuilt.
//
// # Growth
//
// When the number of live entries reaches ceil(capacity*0.77) the table
// grows to the next prime in the sequence: a new array is allocated and every
// live entry is reinserted into it, dropping all tombstones. Growth is a
// no-op once the largest permitted capacity is reached. An insert whose walk
// is exhausted rebuilds the table at the same capacity when tombstones make
// up at least a third of it, and grows it otherwise.
//
// # Insert semantics
//
// Put never overwrites a live entry: the first value stored for a key wins
// until that key is deleted. Put of a deleted key stores the new value.
package probemap

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	debug = false

	defaultMaxLoadFactor = 0.77

	ctrlEmpty   ctrl = 0
	ctrlDeleted ctrl = 1
	ctrlFull    ctrl = 2
)

// primes is the sequence of capacities a Map moves through as it grows.
// Never modified.
var primes = []int{
	3, 7, 13, 23, 41, 71, 127, 191, 251, 383, 631, 1087, 1723,
	2803, 4523, 7351, 11959, 19447, 31231, 50683, 81919, 132607,
	214519, 346607, 561109, 907759, 1468927, 2376191, 3845119,
	6221311, 10066421, 16287743, 26354171, 42641881, 68996069,
	111638519, 180634607, 292272623, 472907251,
}

var (
	// ErrAllocation is returned when the Allocator can not provide the
	// memory for a slot array.
	ErrAllocation = errors.New("probemap: allocation failed")
	// ErrTableFull is returned by Put and Reserve when a new key can not be
	// placed and the Map is not allowed to grow any further.
	ErrTableFull = errors.New("probemap: table full")
)

// Each slot has a control byte in one of three states:
//
//	  empty: no key has ever been stored in the slot since the last rebuild
//	deleted: the slot holds a key but no value (a tombstone)
//	   full: the slot holds a live key/value pair
//
// The control bytes are allocated through Allocator.AllocControls, so ctrl
// is an alias rather than a distinct type.
type ctrl = uint8

// Slot holds a key and value.
type Slot[K, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Put, Get, Delete and
// iteration operations. Keys are hashed and compared only through the
// Hasher and Equal functions supplied to New.
//
// Get, First and Next share a single cursor; use Iter or All for traversals
// that must not be disturbed by lookups.
//
// A Map is NOT goroutine-safe.
type Map[K, V any] struct {
	hash    Hasher[K]
	equal   Equal[K]
	release Releaser[V]
	// The allocator to use for the ctrls and slots slices.
	allocator Allocator[K, V]
	// ctrls and slots are both capacity in length. They are nil once the
	// Map has been closed.
	ctrls []ctrl
	slots []Slot[K, V]
	// The number of slots, always primes[primeIndex].
	capacity   int
	primeIndex int
	// maxPrimeIndex is the index of the largest capacity the Map may grow
	// to.
	maxPrimeIndex int
	// The number of full slots (i.e. the number of elements in the map).
	used int
	// The number of tombstones.
	deleted int
	// The value of used at which the table grows. Recomputed only when the
	// table is rebuilt.
	growthThreshold int
	maxLoadFactor   float64
	// The index of the slot most recently returned by Get, First or Next.
	cursor int
}

// New constructs a new Map that hashes keys with hash and compares them with
// equal. The Map starts out with the smallest capacity in its prime
// sequence. New panics if hash or equal is nil, and returns an error
// wrapping ErrAllocation if the initial slots can not be allocated.
func New[K, V any](hash Hasher[K], equal Equal[K], options ...option[K, V]) (*Map[K, V], error) {
	if hash == nil || equal == nil {
		panic("probemap: New requires non-nil hash and equal functions")
	}
	m := &Map[K, V]{
		hash:          hash,
		equal:         equal,
		allocator:     defaultAllocator[K, V]{},
		maxPrimeIndex: len(primes) - 1,
		maxLoadFactor: defaultMaxLoadFactor,
	}

	for _, op := range options {
		op.apply(m)
	}

	if err := m.reset(); err != nil {
		return nil, err
	}
	m.checkInvariants()
	return m, nil
}

// Clear removes every entry, returning the Map to the state of a newly
// constructed one. The keys and values are not passed to the releaser.
func (m *Map[K, V]) Clear() error {
	m.checkOpen()
	if err := m.reset(); err != nil {
		return err
	}
	m.checkInvariants()
	return nil
}

// Close closes the map, calling the configured releaser (if any) on every
// live value and handing the slots back to the configured allocator. It is
// invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.ctrls == nil {
		return
	}
	if m.release != nil {
		for i := range m.ctrls {
			if m.ctrls[i] == ctrlFull {
				m.release(m.slots[i].value)
			}
		}
	}
	m.free()
	m.capacity = 0
	m.used = 0
	m.deleted = 0
	m.growthThreshold = 0
	m.allocator = nil
}

// Put inserts an entry into the map. If a live entry with an equal key is
// already present Put does nothing: the first value stored for a key is
// kept until the key is deleted. If the key was deleted, its slot is
// reused and the key originally stored there is retained.
//
// Put returns an error only if the Map needed to grow and could not, in
// which case the entry may or may not have been stored; Get tells which.
func (m *Map[K, V]) Put(key K, value V) error {
	return m.put(key, value, true)
}

// Reserve stores key without a value, as if it had been inserted and then
// deleted. A reserved key is not counted by Len and is skipped by iteration.
// A subsequent Put of an equal key stores its value in the reserved slot.
// Reserve does nothing if the key is already present, live or not.
func (m *Map[K, V]) Reserve(key K) error {
	var zero V
	return m.put(key, zero, false)
}

func (m *Map[K, V]) put(key K, value V, live bool) error {
	m.checkOpen()
	h := digest(m.hash(key))

	for {
		i, ok := m.find(h, key)
		if ok {
			switch m.ctrls[i] {
			case ctrlEmpty:
				m.slots[i] = Slot[K, V]{key: key, value: value}
				if live {
					m.ctrls[i] = ctrlFull
					m.used++
				} else {
					m.ctrls[i] = ctrlDeleted
					m.deleted++
				}
				if debug {
					fmt.Printf("put(inserting): index=%d used=%d deleted=%d\n", i, m.used, m.deleted)
				}
			case ctrlDeleted:
				if live {
					m.slots[i].value = value
					m.ctrls[i] = ctrlFull
					m.used++
					m.deleted--
					if debug {
						fmt.Printf("put(refilling): index=%d used=%d deleted=%d\n", i, m.used, m.deleted)
					}
				}
			default:
				if debug {
					fmt.Printf("put(present): index=%d  key=%v\n", i, key)
				}
			}
			break
		}

		if debug {
			fmt.Printf("put(exhausted): key=%v capacity=%d\n", key, m.capacity)
		}
		if err := m.rehash(); err != nil {
			return err
		}
	}

	if m.used >= m.growthThreshold {
		if err := m.grow(); err != nil {
			return err
		}
	}
	m.checkInvariants()
	return nil
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present. A successful Get moves the cursor used by Next
// to the entry found.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.lookup(key)
	if !ok {
		return value, false
	}
	m.cursor = i
	return m.slots[i].value, true
}

// Has reports whether a live entry for key is present. Unlike Get it leaves
// the cursor alone.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.lookup(key)
	return ok
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning ok=false if there was no such entry. Without a releaser the
// removed value is returned. With one, the value is passed to the releaser
// and the zero value is returned instead.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	i, ok := m.lookup(key)
	if !ok {
		return value, false
	}

	var zero V
	s := &m.slots[i]
	value = s.value
	s.value = zero
	m.ctrls[i] = ctrlDeleted
	m.used--
	m.deleted++
	if debug {
		fmt.Printf("delete(%v): index=%d used=%d deleted=%d\n", key, i, m.used, m.deleted)
	}
	m.checkInvariants()

	if m.release != nil {
		m.release(value)
		return zero, true
	}
	return value, true
}

// First returns the live entry in the lowest numbered slot and moves the
// cursor to it.
func (m *Map[K, V]) First() (key K, value V, ok bool) {
	m.cursor = -1
	return m.Next()
}

// Next returns the live entry in the first slot after the cursor and moves
// the cursor to it. Next before any First behaves like First. Any call to
// Get, a Put that grows the map, or Clear invalidates the sequence; call
// First to restart it.
func (m *Map[K, V]) Next() (key K, value V, ok bool) {
	m.checkOpen()
	for i := m.cursor + 1; i < m.capacity; i++ {
		if m.ctrls[i] == ctrlFull {
			m.cursor = i
			s := &m.slots[i]
			return s.key, s.value, true
		}
	}
	m.cursor = m.capacity
	return key, value, false
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Empty reports whether the map holds no entries.
func (m *Map[K, V]) Empty() bool {
	return m.used == 0
}

// lookup returns the index of the live entry for key.
func (m *Map[K, V]) lookup(key K) (int, bool) {
	m.checkOpen()
	i, ok := m.find(digest(m.hash(key)), key)
	if !ok || m.ctrls[i] != ctrlFull {
		return -1, false
	}
	return i, true
}

// find walks the probe sequence for a key with digest h and returns the
// first slot that is either empty or holds an equal key. It returns
// ok=false if the sequence is exhausted without reaching such a slot.
func (m *Map[K, V]) find(h uint64, key K) (i int, ok bool) {
	seq := makeProbeSeq(h, m.capacity)
	if debug {
		fmt.Printf("find(%v): %s\n", key, seq)
	}

	for ; !seq.exhausted(); seq = seq.next() {
		if m.ctrls[seq.offset] == ctrlEmpty || m.equal(m.slots[seq.offset].key, key) {
			return int(seq.offset), true
		}
		if debug {
			fmt.Printf("find(skipping): offset=%d ctrl=%d\n", seq.offset, m.ctrls[seq.offset])
		}
	}
	return -1, false
}

// grow moves the table to the next prime capacity. It is a no-op at the
// capacity ceiling.
func (m *Map[K, V]) grow() error {
	if m.primeIndex >= m.maxPrimeIndex {
		return nil
	}
	return m.resize(m.primeIndex + 1)
}

// rehash rebuilds a table in which an insert could not find a slot. Dropping
// tombstones at the current capacity is preferred when it recovers at least
// a third of the slots. Otherwise the table grows, and at the capacity
// ceiling any tombstone at all is worth a rebuild.
func (m *Map[K, V]) rehash() error {
	switch {
	case m.deleted >= m.capacity/3:
		return m.resize(m.primeIndex)
	case m.primeIndex < m.maxPrimeIndex:
		return m.resize(m.primeIndex + 1)
	case m.deleted > 0:
		return m.resize(m.primeIndex)
	}
	return fmt.Errorf("probemap: no free slot at capacity %d: %w", m.capacity, ErrTableFull)
}

// resize rebuilds the table at capacity primes[index] by allocating new
// arrays and uncheckedPutting each live entry into them (we know no two
// live entries have equal keys). Tombstones are dropped. If some entry's
// probe sequence finds no empty slot the next prime is tried. The Map is
// left untouched if no permitted capacity works or allocation fails.
func (m *Map[K, V]) resize(index int) error {
	for ; ; index++ {
		newCapacity := primes[index]
		ctrls, slots, err := m.alloc(newCapacity)
		if err != nil {
			return err
		}

		if m.rehashInto(ctrls, slots) {
			oldCapacity := m.capacity
			m.free()
			m.ctrls, m.slots = ctrls, slots
			m.capacity = newCapacity
			m.primeIndex = index
			m.deleted = 0
			m.growthThreshold = m.threshold(newCapacity)
			if debug {
				fmt.Printf("resize: capacity=%d->%d  used=%d growth-threshold=%d\n",
					oldCapacity, newCapacity, m.used, m.growthThreshold)
			}
			m.checkInvariants()
			return nil
		}

		m.allocator.FreeSlots(slots)
		m.allocator.FreeControls(ctrls)
		if index >= m.maxPrimeIndex {
			return fmt.Errorf("probemap: rehashing %d entries into capacity %d: %w",
				m.used, newCapacity, ErrTableFull)
		}
		if debug {
			fmt.Printf("resize: capacity %d can not hold %d entries\n", newCapacity, m.used)
		}
	}
}

// rehashInto places every live entry of m into ctrls and slots, reporting
// false if one of them could not be placed.
func (m *Map[K, V]) rehashInto(ctrls []ctrl, slots []Slot[K, V]) bool {
	for i := range m.ctrls {
		if m.ctrls[i] != ctrlFull {
			continue
		}
		s := &m.slots[i]
		if !uncheckedPut(ctrls, slots, digest(m.hash(s.key)), s.key, s.value) {
			return false
		}
	}
	return true
}

// uncheckedPut inserts an entry known not to be in ctrls/slots at the first
// empty slot of its probe sequence.
func uncheckedPut[K, V any](ctrls []ctrl, slots []Slot[K, V], h uint64, key K, value V) bool {
	for seq := makeProbeSeq(h, len(ctrls)); !seq.exhausted(); seq = seq.next() {
		if ctrls[seq.offset] == ctrlEmpty {
			slots[seq.offset] = Slot[K, V]{key: key, value: value}
			ctrls[seq.offset] = ctrlFull
			return true
		}
	}
	return false
}

// reset replaces the arrays with empty ones of the smallest capacity.
func (m *Map[K, V]) reset() error {
	ctrls, slots, err := m.alloc(primes[0])
	if err != nil {
		return err
	}
	m.free()
	m.ctrls, m.slots = ctrls, slots
	m.capacity = primes[0]
	m.primeIndex = 0
	m.used = 0
	m.deleted = 0
	m.growthThreshold = m.threshold(m.capacity)
	m.cursor = -1
	return nil
}

// alloc returns empty control and slot arrays of length n.
func (m *Map[K, V]) alloc(n int) ([]ctrl, []Slot[K, V], error) {
	slots := m.allocator.AllocSlots(n)
	if len(slots) < n {
		if slots != nil {
			m.allocator.FreeSlots(slots)
		}
		return nil, nil, fmt.Errorf("probemap: allocating %d slots: %w", n, ErrAllocation)
	}
	ctrls := m.allocator.AllocControls(n)
	if len(ctrls) < n {
		m.allocator.FreeSlots(slots)
		if ctrls != nil {
			m.allocator.FreeControls(ctrls)
		}
		return nil, nil, fmt.Errorf("probemap: allocating %d control bytes: %w", n, ErrAllocation)
	}
	// An allocator may recycle memory, so the arrays can hold stale entries.
	ctrls, slots = ctrls[:n], slots[:n]
	clear(ctrls)
	clear(slots)
	return ctrls, slots, nil
}

// free hands the current arrays back to the allocator.
func (m *Map[K, V]) free() {
	if m.ctrls == nil {
		return
	}
	m.allocator.FreeSlots(m.slots)
	m.allocator.FreeControls(m.ctrls)
	m.ctrls, m.slots = nil, nil
}

func (m *Map[K, V]) threshold(capacity int) int {
	return int(math.Ceil(float64(capacity) * m.maxLoadFactor))
}

func (m *Map[K, V]) checkOpen() {
	if m.ctrls == nil {
		panic("probemap: use of closed Map")
	}
}

// primeIndexAtMost returns the index of the largest prime <= n, or 0 if n is
// smaller than every prime.
func primeIndexAtMost(n int) int {
	i := sort.Search(len(primes), func(i int) bool { return primes[i] > n }) - 1
	if i < 0 {
		return 0
	}
	return i
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if len(m.ctrls) != m.capacity || len(m.slots) != m.capacity {
			panic(fmt.Sprintf("invariant failed: capacity is %d, but found %d ctrls and %d slots",
				m.capacity, len(m.ctrls), len(m.slots)))
		}
		if m.capacity != primes[m.primeIndex] {
			panic(fmt.Sprintf("invariant failed: capacity is %d, but primes[%d]=%d",
				m.capacity, m.primeIndex, primes[m.primeIndex]))
		}
		if m.primeIndex > m.maxPrimeIndex {
			panic(fmt.Sprintf("invariant failed: prime index %d exceeds maximum %d",
				m.primeIndex, m.maxPrimeIndex))
		}
		if t := m.threshold(m.capacity); t != m.growthThreshold {
			panic(fmt.Sprintf("invariant failed: growth threshold is %d, but expected %d",
				m.growthThreshold, t))
		}

		// For every non-empty slot, verify probing for its key resolves to
		// that slot. Count the number of used and deleted slots.
		var used int
		var deleted int
		for i := 0; i < m.capacity; i++ {
			switch c := m.ctrls[i]; c {
			case ctrlEmpty:
				continue
			case ctrlDeleted:
				deleted++
			case ctrlFull:
				used++
			default:
				panic(fmt.Sprintf("invariant failed: ctrl(%d): unexpected value %02x\n%s",
					i, c, m.debugString()))
			}
			key := m.slots[i].key
			if j, ok := m.find(digest(m.hash(key)), key); !ok || j != i {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v resolves to slot %d\n%s",
					i, key, j, m.debugString()))
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

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  deleted=%d  growth-threshold=%d\n",
		m.capacity, m.used, m.deleted, m.growthThreshold)
	for i := 0; i < m.capacity; i++ {
		switch m.ctrls[i] {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			s := &m.slots[i]
			fmt.Fprintf(&buf, "  %4d: deleted %v [home=%d]\n", i, s.key, digest(m.hash(s.key))%uint64(m.capacity))
		default:
			s := &m.slots[i]
			fmt.Fprintf(&buf, "  %4d: %v [home=%d]\n", i, s.key, digest(m.hash(s.key))%uint64(m.capacity))
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a probe sequence. The sequence is the
// running sum of squares
//
//	p(0) := hash mod capacity
//	p(i+1) := p(i) + i^2 (mod capacity)
//
// which visits hash + (i-1)i(2i-1)/6 at step i. The sequence repeats with a
// period that divides 6*capacity, and exhausted reports when that many steps
// have been taken. Unlike the triangular sequence over a power of two, this
// one need not visit every slot of a prime sized table.
type probeSeq struct {
	capacity uint64
	offset   uint64
	index    uint64
}

func makeProbeSeq(hash uint64, capacity int) probeSeq {
	c := uint64(capacity)
	return probeSeq{
		capacity: c,
		offset:   hash % c,
		index:    0,
	}
}

func (s probeSeq) next() probeSeq {
	// Reducing the step first keeps the square from overflowing.
	i := s.index % s.capacity
	s.offset = (s.offset + i*i) % s.capacity
	s.index++
	return s
}

func (s probeSeq) exhausted() bool {
	return s.index >= 6*s.capacity
}

func (s probeSeq) String() string {
	return fmt.Sprintf("capacity=%d offset=%d index=%d", s.capacity, s.offset, s.index)
}
