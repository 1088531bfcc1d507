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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDJB2(t *testing.T) {
	require.EqualValues(t, 5381, DJB2(""))
	require.EqualValues(t, 5381*33+'a', DJB2("a"))
	require.Equal(t, DJB2("a"), DJB2("A"))
	require.EqualValues(t, 6385302889, DJB2("Hola"))
	require.Equal(t, DJB2("hola"), DJB2("HOLA"))
	require.NotEqual(t, DJB2("Hola"), DJB2("Como"))
}

func TestXXHash(t *testing.T) {
	empty := uint64(0xef46db3751d8e999)
	require.Equal(t, int64(empty), StringHasher(""))
	require.Equal(t, int64(empty), BytesHasher(nil))
	for _, s := range []string{"a", "Hola", "probemap"} {
		require.Equal(t, StringHasher(s), BytesHasher([]byte(s)))
	}
	require.NotEqual(t, StringHasher("a"), StringHasher("b"))
}

func TestIntegerHasher(t *testing.T) {
	require.EqualValues(t, 5, IntegerHasher[uint8](5))
	require.EqualValues(t, -7, IntegerHasher[int16](-7))
	require.EqualValues(t, -1, IntegerHasher[uint64](math.MaxUint64))
	require.EqualValues(t, math.MinInt64, IntegerHasher[int64](math.MinInt64))
}

func TestComparableHasher(t *testing.T) {
	type point struct {
		x, y int
	}
	h := ComparableHasher[point]()
	require.Equal(t, h(point{1, 2}), h(point{1, 2}))

	m, err := New[point, string](h, Equality[point])
	require.NoError(t, err)
	for x := 0; x < 20; x++ {
		for y := 0; y < 20; y++ {
			require.NoError(t, m.Put(point{x, y}, "p"))
		}
	}
	require.Equal(t, 400, m.Len())
	require.True(t, m.Has(point{19, 19}))
	require.False(t, m.Has(point{20, 0}))
}

func TestEquality(t *testing.T) {
	require.True(t, Equality(3, 3))
	require.False(t, Equality("a", "b"))
	require.True(t, StringEqual("Hola", "Hola"))
	require.False(t, StringEqual("Hola", "hola"))
	require.True(t, BytesEqual([]byte("x"), []byte("x")))
	require.True(t, BytesEqual(nil, []byte{}))
	require.False(t, BytesEqual([]byte("x"), []byte("y")))
}
