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
	"fmt"
	"math/bits"
)

// Mode is a dict's access-mode contract, fixed at construction. There are no
// mode transitions: a dict keeps its mode for its whole lifetime.
type Mode uint8

const (
	// ModeMutable is a fully functional, general-purpose dict.
	ModeMutable Mode = iota
	// ModeImmutable is a frozen dict: bulk-built at construction, never
	// mutated again, and the only mode with an aggregate Hash.
	ModeImmutable
	// ModeReadonly permits no mutation but, unlike ModeImmutable, is not
	// hashable. Entries are supplied at construction.
	ModeReadonly
	// ModeInsertOnly permits inserting new keys but neither updates nor
	// deletes. An insert targeting a present key fails with ErrDuplicateKey.
	ModeInsertOnly
	// ModeArena is a pre-sized dict whose slots are never relocated: a value
	// address obtained via ValueRef stays valid for the dict's lifetime. In
	// exchange, capacity is fixed at construction and an insert that would
	// require growth fails with ErrCapacityExceeded.
	ModeArena

	numModes
)

func (m Mode) String() string {
	switch m {
	case ModeMutable:
		return "mutable"
	case ModeImmutable:
		return "immutable"
	case ModeReadonly:
		return "readonly"
	case ModeInsertOnly:
		return "insert"
	case ModeArena:
		return "arena"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode converts a mode name to a Mode. The names are the historical
// zdict mode strings: "mutable", "immutable", "readonly", "insert", "arena".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "mutable":
		return ModeMutable, nil
	case "immutable":
		return ModeImmutable, nil
	case "readonly":
		return ModeReadonly, nil
	case "insert":
		return ModeInsertOnly, nil
	case "arena":
		return ModeArena, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
}

type dictOp uint8

const (
	opLookup dictOp = iota
	opInsert
	opUpdate
	opDelete
	opHash
	opRef

	numOps
)

// modePerms is the permission matrix consulted before every gated call. One
// row per mode, one column per operation; lookups are permitted everywhere.
// opRef is the pointer-stability column: it is granted exactly to the modes
// that never relocate a slot after it is assigned.
var modePerms = [numModes][numOps]bool{
	ModeMutable:    {opLookup: true, opInsert: true, opUpdate: true, opDelete: true},
	ModeImmutable:  {opLookup: true, opHash: true, opRef: true},
	ModeReadonly:   {opLookup: true, opRef: true},
	ModeInsertOnly: {opLookup: true, opInsert: true},
	ModeArena:      {opLookup: true, opInsert: true, opUpdate: true, opDelete: true, opRef: true},
}

func (m Mode) allows(op dictOp) bool {
	return modePerms[m][op]
}

// Entry is a key/value pair for bulk construction.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Dict is an unordered map from keys to values with a fixed access mode. All
// five modes share the same Swiss-table storage engine (see the package
// documentation); the mode only decides which operations are permitted.
//
// A Dict is NOT goroutine-safe: callers must synchronize externally before
// sharing one across goroutines with any writer present.
type Dict[K comparable, V any] struct {
	// The hash function applied to keys of type K. Defaults to
	// maphash.Comparable with a process-wide seed.
	hash HashFunc[K]
	// The hash function applied to values for the aggregate hash. Nil when V
	// has no content hash, in which case Hash fails with ErrNotHashable.
	valueHash func(V) uint64
	// The allocator used for the ctrls and slots arrays.
	allocator Allocator[K, V]
	table     table[K, V]
	mode      Mode
	// The cached aggregate hash, computed lazily on first Hash call.
	// Immutable dicts never mutate after construction, so the cache is never
	// invalidated.
	agg      uint64
	aggValid bool
}

// New constructs a Dict with the specified initial capacity and mode. If
// initialCapacity is 0 the dict starts with zero capacity and grows on the
// first insert; an arena dict instead requires a positive capacity hint,
// since its capacity cannot change afterwards. The zero value for a Dict is
// not usable.
func New[K comparable, V any](initialCapacity int, mode Mode, options ...Option[K, V]) (*Dict[K, V], error) {
	if mode >= numModes {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}

	// The ctrls for an empty dict point to emptyCtrls which simplifies
	// probing in Get, Put, and Delete. The emptyCtrls never match a probe
	// operation, but because growthLeft == 0 the first insert rehashes and
	// grows.
	d := &Dict[K, V]{
		hash:      defaultHasher[K](),
		valueHash: defaultValueHasher[V](),
		allocator: defaultAllocator[K, V]{},
		table: table[K, V]{
			ctrls: emptyCtrls,
		},
		mode: mode,
	}

	for _, op := range options {
		op.apply(d)
	}

	if mode == ModeArena && initialCapacity <= 0 {
		return nil, fmt.Errorf("%w: arena mode requires a positive capacity hint", ErrCapacityExceeded)
	}
	if initialCapacity > 0 {
		if err := d.table.resize(d, capacityForHint(initialCapacity)); err != nil {
			return nil, err
		}
	}

	d.table.checkInvariants(d)
	return d, nil
}

// From constructs a Dict of the given mode bulk-loaded with the supplied
// entries. Duplicate keys are permitted in every mode during construction,
// with the last occurrence winning; mode restrictions apply only to
// operations after the dict is built. This is how immutable, readonly, and
// arena dicts receive their contents.
func From[K comparable, V any](mode Mode, entries []Entry[K, V], options ...Option[K, V]) (*Dict[K, V], error) {
	d, err := New(len(entries), mode, options...)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if err := d.load(entries[i].Key, entries[i].Value); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// capacityForHint returns the smallest legal table capacity (of the form
// 2^k-1) whose growth budget fits hint entries without rehashing.
func capacityForHint(hint int) uintptr {
	c := (uintptr(1) << bits.Len(uint(hint))) - 1
	if c < groupSize-1 {
		c = groupSize - 1
	}
	for growthCapacity(c) < hint {
		c = 2*c + 1
	}
	return c
}

// growthCapacity returns the number of entries a table of the given capacity
// holds before its growth budget is exhausted: all but one slot for a
// single-group table, 7/8 of capacity otherwise.
func growthCapacity(c uintptr) int {
	if c < groupSize {
		return int(c) - 1
	}
	return int((c * maxAvgGroupLoad) / groupSize)
}

// Close closes the dict, releasing any memory back to its configured
// allocator. It is unnecessary to close a dict using the default allocator.
// It is invalid to use a Dict after it has been closed, though Close itself
// is idempotent.
func (d *Dict[K, V]) Close() {
	t := &d.table
	if t.capacity > 0 {
		d.allocator.FreeSlots(t.slots.Slice(0, t.capacity))
		d.allocator.FreeControls(unsafeConvertSlice[uint8](t.ctrls.Slice(0, t.capacity+groupSize)))
		t.capacity = 0
		t.used = 0
		t.growthLeft = 0
		t.tombstones = 0
	}
	t.ctrls = makeUnsafeSlice([]ctrl(nil))
	t.slots = makeUnsafeSlice([]Slot[K, V](nil))
	d.allocator = nil
}

// Put inserts an entry into the dict, overwriting an existing value if an
// entry with the same key already exists and the mode permits updates. It
// returns the previous value when an entry was overwritten.
//
// Failure modes: a *ModeError when the mode forbids the attempted insert or
// update, ErrDuplicateKey for an update in insert-only mode,
// ErrCapacityExceeded for an insert that would grow an arena dict, and
// ErrAllocationFailure when growth could not obtain memory. A failed Put
// leaves the dict unchanged.
func (d *Dict[K, V]) Put(key K, value V) (prev V, replaced bool, err error) {
	if !d.mode.allows(opInsert) && !d.mode.allows(opUpdate) {
		return prev, false, &ModeError{Mode: d.mode, Op: "put"}
	}

	// Put is find composed with uncheckedPut. We perform find to see if the
	// key is already present. If it is, this is an update (mode permitting).
	// If the value isn't present we perform an uncheckedPut which inserts an
	// entry known not to be in the table.
	h := d.hash(key)
	t := &d.table

	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			slot := t.slots.At(i)
			if key == slot.key {
				if !d.mode.allows(opUpdate) {
					if d.mode == ModeInsertOnly {
						return prev, false, ErrDuplicateKey
					}
					return prev, false, &ModeError{Mode: d.mode, Op: "update"}
				}
				prev = slot.value
				slot.value = value
				t.checkInvariants(d)
				return prev, true, nil
			}
			match = match.clear(bit)
		}

		match = g.matchEmpty()
		if match != 0 {
			// The key is proven absent. Before performing the insertion we
			// may decide the table is getting overcrowded (i.e. the load
			// factor is greater than 7/8 for big tables; small tables use a
			// max load factor of 1).
			if !d.mode.allows(opInsert) {
				return prev, false, &ModeError{Mode: d.mode, Op: "insert"}
			}
			if t.growthLeft == 0 {
				if d.mode == ModeArena {
					// Rehashing would relocate entries and break the
					// address-stability promise, even when tombstones could
					// be reclaimed.
					return prev, false, ErrCapacityExceeded
				}
				if err := t.rehash(d); err != nil {
					return prev, false, err
				}
			}
			t.uncheckedPut(h, key, value)
			t.used++
			t.checkInvariants(d)
			return prev, false, nil
		}
	}
}

// load is insert-or-update without mode gating, used during bulk
// construction and cloning before the mode contract takes effect.
func (d *Dict[K, V]) load(key K, value V) error {
	h := d.hash(key)
	t := &d.table

	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			slot := t.slots.At(i)
			if key == slot.key {
				slot.value = value
				return nil
			}
			match = match.clear(bit)
		}

		if g.matchEmpty() != 0 {
			if t.growthLeft == 0 {
				if err := t.rehash(d); err != nil {
					return err
				}
			}
			t.uncheckedPut(h, key, value)
			t.used++
			t.checkInvariants(d)
			return nil
		}
	}
}

// Get retrieves the value for the specified key, returning ok=false if the
// key is not present. Get is permitted in every mode.
func (d *Dict[K, V]) Get(key K) (value V, ok bool) {
	// To find the location of a key in the table, we compute hash(key). From
	// h1(hash(key)) and the capacity, we construct a probeSeq that visits
	// every group of slots in some interesting order.
	//
	// We walk through these indices. At each index, we select the entire
	// group starting with that index and extract potential candidates:
	// occupied slots with a control byte equal to h2(hash(key)). The key at
	// a candidate slot is compared with key; if they are equal we are done.
	// If we find an empty slot in the group, the key is proven absent and we
	// stop. Tombstones (ctrlDeleted) effectively behave like full slots that
	// never match the value we're looking for, so they never stop a scan.
	h := d.hash(key)
	t := &d.table

	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			slot := t.slots.At(i)
			if key == slot.key {
				return slot.value, true
			}
			match = match.clear(bit)
		}

		if g.matchEmpty() != 0 {
			return value, false
		}
	}
}

// Contains reports whether the dict holds the specified key.
func (d *Dict[K, V]) Contains(key K) bool {
	_, ok := d.Get(key)
	return ok
}

// ValueRef returns a pointer to the stored value for key. The pointer stays
// valid for the dict's lifetime: it is only available in the modes that
// never relocate a slot once assigned (immutable, readonly, and arena), and
// fails with a *ModeError elsewhere. It returns ok=false when the key is not
// present.
//
// Writing through the returned pointer bypasses the mode contract; don't.
func (d *Dict[K, V]) ValueRef(key K) (ref *V, ok bool, err error) {
	if !d.mode.allows(opRef) {
		return nil, false, &ModeError{Mode: d.mode, Op: "take a value reference"}
	}

	h := d.hash(key)
	t := &d.table

	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			slot := t.slots.At(i)
			if key == slot.key {
				return &slot.value, true, nil
			}
			match = match.clear(bit)
		}

		if g.matchEmpty() != 0 {
			return nil, false, nil
		}
	}
}

// Delete deletes the entry corresponding to the specified key from the dict,
// returning the removed value. It returns ok=false (and no error) when the
// key is not present, and a *ModeError when the mode forbids deletion.
func (d *Dict[K, V]) Delete(key K) (value V, ok bool, err error) {
	if !d.mode.allows(opDelete) {
		return value, false, &ModeError{Mode: d.mode, Op: "delete"}
	}

	// Delete is find composed with "deleted at": we perform find(key), and
	// then delete at the resulting slot if found.
	h := d.hash(key)
	t := &d.table

	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			s := t.slots.At(i)
			if key == s.key {
				value = s.value
				t.used--
				*s = Slot[K, V]{}

				// Given an offset to delete we simply create a tombstone and
				// destroy its contents and mark the ctrl as deleted. If we
				// can prove that the slot would not appear in a probe
				// sequence we can mark the slot as empty instead, which
				// returns it to the growth budget immediately.
				if t.wasNeverFull(i) {
					t.setCtrl(i, ctrlEmpty)
					t.growthLeft++
				} else {
					t.setCtrl(i, ctrlDeleted)
					t.tombstones++
				}
				t.checkInvariants(d)
				return value, true, nil
			}
			match = match.clear(bit)
		}

		if g.matchEmpty() != 0 {
			t.checkInvariants(d)
			return value, false, nil
		}
	}
}

// Clear removes all entries, retaining the current capacity. It is permitted
// exactly where Delete is.
func (d *Dict[K, V]) Clear() error {
	if !d.mode.allows(opDelete) {
		return &ModeError{Mode: d.mode, Op: "clear"}
	}
	d.table.reset()
	d.table.checkInvariants(d)
	return nil
}

// All calls yield sequentially for each key and value present in the dict,
// in storage order (not insertion order). If yield returns false, iteration
// stops. Each call walks a fresh snapshot of the table, so iteration is
// restartable; mutating the dict mid-iteration leaves the in-progress walk
// on the pre-mutation snapshot. All is usable with range:
//
//	for k, v := range d.All {
//		...
//	}
func (d *Dict[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the capacity, controls, and slots so that iteration remains
	// valid if the dict is resized during iteration.
	capacity := d.table.capacity
	ctrls := d.table.ctrls
	slots := d.table.slots

	for i := uintptr(0); i < capacity; i++ {
		// Match full entries which have a high-bit of zero.
		if (*ctrls.At(i) & ctrlEmpty) != ctrlEmpty {
			s := slots.At(i)
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Keys calls yield for each key present in the dict, in storage order.
func (d *Dict[K, V]) Keys(yield func(key K) bool) {
	d.All(func(k K, _ V) bool {
		return yield(k)
	})
}

// Values calls yield for each value present in the dict, in storage order.
func (d *Dict[K, V]) Values(yield func(value V) bool) {
	d.All(func(_ K, v V) bool {
		return yield(v)
	})
}

// Len returns the number of entries in the dict.
func (d *Dict[K, V]) Len() int {
	return d.table.used
}

// Mode returns the dict's access mode.
func (d *Dict[K, V]) Mode() Mode {
	return d.mode
}

// capacity returns the table capacity. Exposed to tests.
func (d *Dict[K, V]) capacity() int {
	return int(d.table.capacity)
}

// Hash returns the dict's aggregate hash: a commutative combination of
// per-entry hashes over all (key, value) pairs, independent of bucket layout
// and insertion order. Two immutable dicts built from permutations of the
// same entries hash equal.
//
// Hash is defined only for immutable dicts and fails with ErrNotHashable
// elsewhere, or when the value type supports no content hash (see
// WithValueHash). The result is computed lazily on first call and cached;
// immutable dicts never mutate, so the cache cannot go stale.
func (d *Dict[K, V]) Hash() (uint64, error) {
	if !d.mode.allows(opHash) {
		return 0, fmt.Errorf("%w: mode %s", ErrNotHashable, d.mode)
	}
	if d.aggValid {
		return d.agg, nil
	}
	if d.valueHash == nil {
		return 0, fmt.Errorf("%w: value type has no content hash", ErrNotHashable)
	}

	var sum uint64
	d.All(func(k K, v V) bool {
		sum += entryHash(d.hash(k), d.valueHash(v))
		return true
	})
	d.agg = sum
	d.aggValid = true
	return d.agg, nil
}

// Clone returns a new dict with the same mode, hash functions, allocator,
// and entries. The table is rebuilt, so the clone's probe layout is clean
// regardless of the original's tombstones; an arena clone keeps the
// original's capacity so it offers the same insertion headroom.
func (d *Dict[K, V]) Clone() (*Dict[K, V], error) {
	hint := d.table.used
	if d.mode == ModeArena {
		hint = growthCapacity(d.table.capacity)
	}

	c := &Dict[K, V]{
		hash:      d.hash,
		valueHash: d.valueHash,
		allocator: d.allocator,
		table: table[K, V]{
			ctrls: emptyCtrls,
		},
		mode: d.mode,
	}
	if hint > 0 {
		if err := c.table.resize(c, capacityForHint(hint)); err != nil {
			return nil, err
		}
	}

	var loadErr error
	d.All(func(k K, v V) bool {
		loadErr = c.load(k, v)
		return loadErr == nil
	})
	if loadErr != nil {
		return nil, loadErr
	}

	c.agg = d.agg
	c.aggValid = d.aggValid
	return c, nil
}

// Stats reports occupancy of the underlying table.
type Stats struct {
	// Len is the number of live entries.
	Len int
	// Capacity is the total number of slots.
	Capacity int
	// Tombstones is the number of deleted slots awaiting reclamation.
	Tombstones int
	// LoadFactor is (live + tombstones) / capacity, the quantity bounded by
	// the resize policy.
	LoadFactor float64
}

// Stats returns a snapshot of the dict's occupancy.
func (d *Dict[K, V]) Stats() Stats {
	s := Stats{
		Len:        d.table.used,
		Capacity:   int(d.table.capacity),
		Tombstones: d.table.tombstones,
	}
	if s.Capacity > 0 {
		s.LoadFactor = float64(s.Len+s.Tombstones) / float64(s.Capacity)
	}
	return s
}

// Equal reports whether two dicts contain the same entries, regardless of
// their modes. Values are compared with ==.
func Equal[K, V comparable](a, b *Dict[K, V]) bool {
	return EqualFunc(a, b, func(x, y V) bool { return x == y })
}

// EqualFunc is like Equal but compares values with eq, allowing dicts whose
// value types are not comparable.
func EqualFunc[K comparable, V1, V2 any](a *Dict[K, V1], b *Dict[K, V2], eq func(V1, V2) bool) bool {
	if a.Len() != b.Len() {
		return false
	}
	equal := true
	a.All(func(k K, v V1) bool {
		w, ok := b.Get(k)
		if !ok || !eq(v, w) {
			equal = false
		}
		return equal
	})
	return equal
}
