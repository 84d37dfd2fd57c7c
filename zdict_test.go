// Copyright 2025 The Cockroach Authors
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

package zdict

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeMutable, ModeImmutable, ModeReadonly, ModeInsertOnly, ModeArena} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}

	_, err := ParseMode("frozen")
	require.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestNewUnsupportedMode(t *testing.T) {
	_, err := New[int, int](0, numModes)
	require.ErrorIs(t, err, ErrUnsupportedMode)
	_, err = New[int, int](0, Mode(42))
	require.ErrorIs(t, err, ErrUnsupportedMode)
}

// TestMutableScenario: insert k0..k19 mapped to 0..19, delete k5 and k10, and
// verify the remaining 18 keys resolve to their original values.
func TestMutableScenario(t *testing.T) {
	d := mustNew[string, int](t, 0, ModeMutable)
	for i := 0; i < 20; i++ {
		mustPut(t, d, fmt.Sprintf("k%d", i), i)
	}

	for _, k := range []string{"k5", "k10"} {
		_, ok, err := d.Delete(k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Equal(t, 18, d.Len())
	_, ok := d.Get("k5")
	require.False(t, ok)
	_, ok = d.Get("k10")
	require.False(t, ok)

	for i := 0; i < 20; i++ {
		if i == 5 || i == 10 {
			continue
		}
		v, ok := d.Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func entriesForTest(n int) []Entry[string, int] {
	e := make([]Entry[string, int], n)
	for i := range e {
		e[i] = Entry[string, int]{Key: fmt.Sprintf("k%d", i), Value: i}
	}
	return e
}

func TestImmutable(t *testing.T) {
	d, err := From(ModeImmutable, entriesForTest(30))
	require.NoError(t, err)
	require.Equal(t, ModeImmutable, d.Mode())
	require.Equal(t, 30, d.Len())

	// Lookups work.
	v, ok := d.Get("k7")
	require.True(t, ok)
	require.Equal(t, 7, v)
	require.True(t, d.Contains("k7"))
	require.False(t, d.Contains("nope"))

	// All mutations are refused and leave the dict untouched.
	_, _, err = d.Put("k7", 777)
	require.ErrorIs(t, err, ErrModeViolation)
	_, _, err = d.Put("new", 1)
	require.ErrorIs(t, err, ErrModeViolation)
	_, _, err = d.Delete("k7")
	require.ErrorIs(t, err, ErrModeViolation)
	require.ErrorIs(t, d.Clear(), ErrModeViolation)
	require.Equal(t, 30, d.Len())
	v, ok = d.Get("k7")
	require.True(t, ok)
	require.Equal(t, 7, v)

	// Value references are permitted: an immutable dict never relocates a
	// slot.
	ref, ok, err := d.ValueRef("k7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 7, *ref)

	// Hash is defined, and repeated calls return the cached result.
	first, err := d.Hash()
	require.NoError(t, err)
	second, err := d.Hash()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

// TestImmutableHashStability builds two immutable dicts from permutations of
// the same entries and verifies they hash equal and compare equal.
func TestImmutableHashStability(t *testing.T) {
	entries := entriesForTest(100)
	shuffled := make([]Entry[string, int], len(entries))
	copy(shuffled, entries)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	a, err := From(ModeImmutable, entries)
	require.NoError(t, err)
	b, err := From(ModeImmutable, shuffled)
	require.NoError(t, err)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.True(t, Equal(a, b))

	// A differing value must be visible in both the hash and equality.
	entries[42].Value = -1
	c, err := From(ModeImmutable, entries)
	require.NoError(t, err)
	hc, err := c.Hash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
	require.False(t, Equal(a, c))
}

func TestImmutableHashUnhashableValue(t *testing.T) {
	entries := []Entry[string, []int]{
		{Key: "a", Value: []int{1, 2}},
		{Key: "b", Value: []int{3}},
	}

	// A slice value type has no content hash by default.
	d, err := From(ModeImmutable, entries)
	require.NoError(t, err)
	_, err = d.Hash()
	require.ErrorIs(t, err, ErrNotHashable)

	// Supplying a value hash makes the dict hashable.
	valueHash := func(v []int) uint64 {
		var h uint64
		for _, x := range v {
			h = h*31 + uint64(x)
		}
		return h
	}
	d2, err := From(ModeImmutable, entries, WithValueHash[string, []int](valueHash))
	require.NoError(t, err)
	h, err := d2.Hash()
	require.NoError(t, err)

	d3, err := From(ModeImmutable, entries, WithValueHash[string, []int](valueHash))
	require.NoError(t, err)
	h3, err := d3.Hash()
	require.NoError(t, err)
	require.Equal(t, h, h3)
}

func TestReadonly(t *testing.T) {
	d, err := From(ModeReadonly, entriesForTest(20))
	require.NoError(t, err)
	require.Equal(t, ModeReadonly, d.Mode())

	v, ok := d.Get("k3")
	require.True(t, ok)
	require.Equal(t, 3, v)
	require.True(t, d.Contains("k3"))

	count := 0
	d.All(func(k string, v int) bool {
		count++
		return true
	})
	require.Equal(t, 20, count)

	_, _, err = d.Put("k3", 33)
	require.ErrorIs(t, err, ErrModeViolation)
	_, _, err = d.Put("new", 1)
	require.ErrorIs(t, err, ErrModeViolation)
	_, _, err = d.Delete("k3")
	require.ErrorIs(t, err, ErrModeViolation)
	require.ErrorIs(t, d.Clear(), ErrModeViolation)

	_, err = d.Hash()
	require.ErrorIs(t, err, ErrNotHashable)

	// Readonly grants value references.
	ref, ok, err := d.ValueRef("k3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, *ref)
}

func TestInsertOnly(t *testing.T) {
	d := mustNew[string, int](t, 0, ModeInsertOnly)

	for i := 0; i < 50; i++ {
		mustPut(t, d, fmt.Sprintf("k%d", i), i)
	}
	require.Equal(t, 50, d.Len())

	// Re-inserting an existing key fails and leaves the stored value
	// unchanged.
	_, _, err := d.Put("k7", 777)
	require.ErrorIs(t, err, ErrDuplicateKey)
	v, ok := d.Get("k7")
	require.True(t, ok)
	require.Equal(t, 7, v)

	_, _, err = d.Delete("k7")
	require.ErrorIs(t, err, ErrModeViolation)
	require.ErrorIs(t, d.Clear(), ErrModeViolation)
	_, err = d.Hash()
	require.ErrorIs(t, err, ErrNotHashable)

	// Insert-only dicts relocate slots on growth, so no value references.
	_, _, err = d.ValueRef("k7")
	require.ErrorIs(t, err, ErrModeViolation)

	// New keys are still insertable after a duplicate failure.
	mustPut(t, d, "k50", 50)
	require.Equal(t, 51, d.Len())
}

func TestArena(t *testing.T) {
	d := mustNew[string, int](t, 10, ModeArena)
	require.Equal(t, ModeArena, d.Mode())
	require.Equal(t, 15, d.capacity())

	mustPut(t, d, "k0", 0)
	ref0, ok, err := d.ValueRef("k0")
	require.NoError(t, err)
	require.True(t, ok)

	// Fill the remaining growth budget. The address of k0's value must not
	// move.
	budget := growthCapacity(d.table.capacity)
	for i := 1; i < budget; i++ {
		mustPut(t, d, fmt.Sprintf("k%d", i), i)
	}
	ref0Again, ok, err := d.ValueRef("k0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, ref0, ref0Again)
	require.Equal(t, 0, *ref0Again)

	// The next insert would require growth, which would relocate entries.
	_, _, err = d.Put("overflow", -1)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, budget, d.Len())
	require.Equal(t, 15, d.capacity())
	require.False(t, d.Contains("overflow"))

	// Updates and deletes are fine; they don't move storage.
	prev, replaced, err := d.Put("k1", 11)
	require.NoError(t, err)
	require.True(t, replaced)
	require.Equal(t, 1, prev)
	_, ok, err = d.Delete("k2")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = d.Hash()
	require.ErrorIs(t, err, ErrNotHashable)
}

func TestArenaRequiresCapacityHint(t *testing.T) {
	_, err := New[int, int](0, ModeArena)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	_, err = New[int, int](-1, ModeArena)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestValueRefModeGating(t *testing.T) {
	for _, mode := range []Mode{ModeMutable, ModeInsertOnly} {
		t.Run(mode.String(), func(t *testing.T) {
			d := mustNew[int, int](t, 0, mode)
			mustPut(t, d, 1, 1)
			_, _, err := d.ValueRef(1)
			require.ErrorIs(t, err, ErrModeViolation)
		})
	}
}

func TestModeError(t *testing.T) {
	d, err := From(ModeReadonly, entriesForTest(1))
	require.NoError(t, err)
	_, _, err = d.Put("k0", 1)

	var me *ModeError
	require.True(t, errors.As(err, &me))
	require.Equal(t, ModeReadonly, me.Mode)
	require.Equal(t, "put", me.Op)
	require.Equal(t, "zdict: cannot put in readonly mode", err.Error())
}

// TestFromDuplicates verifies that bulk construction accepts duplicate keys
// with the last occurrence winning, in every mode including insert-only.
func TestFromDuplicates(t *testing.T) {
	entries := []Entry[string, int]{
		{Key: "a", Value: 1},
		{Key: "b", Value: 2},
		{Key: "a", Value: 3},
	}
	for _, mode := range []Mode{ModeMutable, ModeImmutable, ModeReadonly, ModeInsertOnly, ModeArena} {
		t.Run(mode.String(), func(t *testing.T) {
			d, err := From(mode, entries)
			require.NoError(t, err)
			require.Equal(t, 2, d.Len())
			v, ok := d.Get("a")
			require.True(t, ok)
			require.Equal(t, 3, v)
		})
	}
}

func TestClear(t *testing.T) {
	d := mustNew[int, int](t, 0, ModeMutable)
	for i := 0; i < 100; i++ {
		mustPut(t, d, i, i)
	}
	oldCapacity := d.capacity()

	require.NoError(t, d.Clear())
	require.Equal(t, 0, d.Len())
	require.Equal(t, oldCapacity, d.capacity())
	require.False(t, d.Contains(42))

	// The cleared dict is fully reusable.
	for i := 0; i < 100; i++ {
		mustPut(t, d, i, -i)
	}
	require.Equal(t, 100, d.Len())
	v, ok := d.Get(42)
	require.True(t, ok)
	require.Equal(t, -42, v)
}

func TestKeysValues(t *testing.T) {
	d, err := From(ModeReadonly, entriesForTest(10))
	require.NoError(t, err)

	keys := make(map[string]bool)
	d.Keys(func(k string) bool {
		keys[k] = true
		return true
	})
	require.Len(t, keys, 10)

	var sum int
	d.Values(func(v int) bool {
		sum += v
		return true
	})
	require.Equal(t, 45, sum)
}

func TestClone(t *testing.T) {
	for _, mode := range []Mode{ModeMutable, ModeImmutable, ModeReadonly, ModeInsertOnly, ModeArena} {
		t.Run(mode.String(), func(t *testing.T) {
			d, err := From(mode, entriesForTest(25))
			require.NoError(t, err)
			c, err := d.Clone()
			require.NoError(t, err)

			require.Equal(t, mode, c.Mode())
			require.Equal(t, d.Len(), c.Len())
			require.True(t, Equal(d, c))
			if mode == ModeArena {
				// The clone offers the same insertion headroom.
				require.Equal(t, d.capacity(), c.capacity())
			}
		})
	}
}

// TestCloneDropsTombstones verifies a clone's table is rebuilt clean even
// when the original has churned through many deletions.
func TestCloneDropsTombstones(t *testing.T) {
	d := mustNew[int, int](t, 0, ModeMutable)
	for i := 0; i < 1000; i++ {
		mustPut(t, d, i, i)
	}
	for i := 0; i < 990; i++ {
		_, ok, err := d.Delete(i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	c, err := d.Clone()
	require.NoError(t, err)
	require.Equal(t, 10, c.Len())
	require.Zero(t, c.Stats().Tombstones)
	require.Less(t, c.capacity(), d.capacity())
	require.True(t, Equal(d, c))
}

func TestCloneIndependence(t *testing.T) {
	d := mustNew[int, int](t, 0, ModeMutable)
	for i := 0; i < 10; i++ {
		mustPut(t, d, i, i)
	}
	c, err := d.Clone()
	require.NoError(t, err)

	mustPut(t, d, 100, 100)
	_, _, err = d.Delete(0)
	require.NoError(t, err)

	require.Equal(t, 10, c.Len())
	require.True(t, c.Contains(0))
	require.False(t, c.Contains(100))
}

func TestCloneKeepsCachedHash(t *testing.T) {
	d, err := From(ModeImmutable, entriesForTest(20))
	require.NoError(t, err)
	h, err := d.Hash()
	require.NoError(t, err)

	c, err := d.Clone()
	require.NoError(t, err)
	hc, err := c.Hash()
	require.NoError(t, err)
	require.Equal(t, h, hc)
}

func TestStats(t *testing.T) {
	d := mustNew[int, int](t, 0, ModeMutable)
	require.Equal(t, Stats{}, d.Stats())

	for i := 0; i < 100; i++ {
		mustPut(t, d, i, i)
	}
	s := d.Stats()
	require.Equal(t, 100, s.Len)
	require.Equal(t, 127, s.Capacity)
	require.Zero(t, s.Tombstones)
	require.InDelta(t, 100.0/127.0, s.LoadFactor, 1e-9)

	// Load factor never exceeds 7/8 after a mutation.
	for i := 100; i < 10000; i++ {
		mustPut(t, d, i, i)
		require.LessOrEqual(t, d.Stats().LoadFactor, 7.0/8.0)
	}
}

func TestEqual(t *testing.T) {
	a, err := From(ModeMutable, entriesForTest(50))
	require.NoError(t, err)
	b, err := From(ModeReadonly, entriesForTest(50))
	require.NoError(t, err)

	// Equality ignores mode; only the entries matter.
	require.True(t, Equal(a, b))

	mustPut(t, a, "k0", -1)
	require.False(t, Equal(a, b))
	mustPut(t, a, "k0", 0)
	require.True(t, Equal(a, b))

	mustPut(t, a, "extra", 1)
	require.False(t, Equal(a, b))
}

func TestEqualFunc(t *testing.T) {
	a, err := From(ModeMutable, []Entry[string, int]{{Key: "x", Value: 1}, {Key: "y", Value: 2}})
	require.NoError(t, err)
	b, err := From(ModeMutable, []Entry[string, string]{{Key: "x", Value: "1"}, {Key: "y", Value: "2"}})
	require.NoError(t, err)

	eq := func(v int, w string) bool { return fmt.Sprint(v) == w }
	require.True(t, EqualFunc(a, b, eq))

	mustPut(t, b, "y", "3")
	require.False(t, EqualFunc(a, b, eq))
}

func TestCustomKeyHash(t *testing.T) {
	// A caller-supplied hash participates in both probing and the aggregate
	// hash. Dicts sharing the function still hash equal on equal data.
	hash := func(k string) uint64 {
		var h uint64 = 14695981039346656037
		for i := 0; i < len(k); i++ {
			h ^= uint64(k[i])
			h *= 1099511628211
		}
		return h
	}

	a, err := From(ModeImmutable, entriesForTest(40), WithHash[string, int](hash))
	require.NoError(t, err)
	b, err := From(ModeImmutable, entriesForTest(40), WithHash[string, int](hash))
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		v, ok := a.Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}
