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

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/maphash"
	"golang.org/x/exp/constraints"
)

// Hasher computes the digest of a key. It must be deterministic and
// consistent with the Equal function the Map is configured with: equal keys
// must produce equal digests. Only the absolute value of the digest is used
// to address slots.
type Hasher[K any] func(key K) int64

// Equal reports whether two keys are the same key. It must be an
// equivalence relation over the keys stored in a Map.
type Equal[K any] func(a, b K) bool

// Releaser is handed a value that has been removed from a Map. See
// WithReleaser.
type Releaser[V any] func(value V)

// DJB2 is Bernstein's djb2 string hash over the ASCII lower-cased bytes of
// key. Folding case keeps it consistent with both StringEqual and a
// case-insensitive equality.
func DJB2(key string) int64 {
	h := int64(5381)
	for i := 0; i < len(key); i++ {
		c := key[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		h = (h << 5) + h + int64(c)
	}
	return h
}

// StringHasher hashes a string key with xxhash.
func StringHasher(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

// BytesHasher hashes a byte slice key with xxhash. It produces the same
// digest as StringHasher for the same bytes.
func BytesHasher(key []byte) int64 {
	return int64(xxhash.Sum64(key))
}

// IntegerHasher uses the integer key as its own digest. The prime capacities
// of a Map spread sequential keys well enough that no mixing is needed.
func IntegerHasher[K constraints.Integer](key K) int64 {
	return int64(key)
}

// ComparableHasher returns a Hasher for any comparable key type, using the
// same hash function as Go's builtin map[K]V. Each call returns a hasher with
// a fresh random seed, so digests are only stable for the lifetime of the
// returned function.
func ComparableHasher[K comparable]() Hasher[K] {
	h := maphash.NewHasher[K]()
	return func(key K) int64 {
		return int64(h.Hash(key))
	}
}

// Equality is the Equal function of a comparable key type.
func Equality[K comparable](a, b K) bool {
	return a == b
}

// StringEqual compares string keys byte-wise.
func StringEqual(a, b string) bool {
	return a == b
}

// BytesEqual compares byte slice keys.
func BytesEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// digest returns |h| as an unsigned value. math.MinInt64 has no positive
// int64 counterpart, so the magnitude is computed in uint64.
func digest(h int64) uint64 {
	if h < 0 {
		return uint64(-(h + 1)) + 1
	}
	return uint64(h)
}
