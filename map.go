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

// Package zdict provides a hash table with five access-mode contracts layered
// over a single Swiss-table storage engine: fully mutable, frozen-and-hashable,
// read-only, insert-only, and pointer-stable pre-sized (arena) containers.
//
// # Swiss Tables
//
// The storage engine is a Swiss table as described in
// https://abseil.io/about/design/swisstables: open addressing with a separate
// metadata array holding one "control byte" per slot. 7 bits of the control
// byte are taken from hash(key) and the remaining bit indicates whether the
// slot is empty, full, deleted, or a sentinel. Probing is a hybrid of linear
// and quadratic: within a group of 8 control bytes all slots are checked at
// once through bit tricks (SWAR, SIMD Within A Register), and groups are
// visited in a quadratic (triangular) sequence that touches every group
// exactly once for power-of-two group counts.
//
// The layout is N-1 slots where N is a power of 2 and N+groupSize control
// bytes. The [N:N+groupSize] control bytes mirror the first groupSize control
// bytes so that probe operations near the end of the control byte array do
// not need additional bounds checks. The control byte for slot N is always a
// sentinel which is considered empty for the purposes of probing but is not
// available for storing an entry and is not a deletion tombstone.
//
// Deletion is performed using tombstones (ctrlDeleted) with an optimization
// that marks a slot as empty when we can prove the slot was never part of a
// full group, in which case no probe sequence can depend on it to continue.
//
// # Modes
//
// A Dict fixes its access mode at construction. The engine below is shared by
// all five modes; zdict.go layers the permission matrix on top. The arena
// mode relies on the engine never relocating slots, which is why growth is
// refused for it rather than performed (see Dict.Put), and why there is a
// single table rather than a directory of splittable buckets.
//
// A Dict is NOT goroutine-safe.
package zdict

import (
	"fmt"
	"math/bits"
	"strings"
	"unsafe"
)

const (
	// invariants enables expensive internal consistency checking after every
	// mutation. Only ever enabled by hand while debugging the engine.
	invariants = false

	groupSize       = 8
	maxAvgGroupLoad = 7

	ctrlEmpty    ctrl = 0b10000000
	ctrlDeleted  ctrl = 0b11111110
	ctrlSentinel ctrl = 0b11111111

	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080
)

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// table is the physical storage shared by every mode: a control byte array, a
// parallel slot array, and the occupancy accounting that drives the resize
// policy. All probing code lives on table; permission checks live on Dict.
type table[K comparable, V any] struct {
	// ctrls is capacity+groupSize in length. ctrls[capacity] is always
	// ctrlSentinel which is used to stop probe iteration. A copy of the first
	// groupSize-1 elements of ctrls is mirrored into the remaining slots
	// which is done so that a probe sequence which picks a value near the end
	// of ctrls will have valid control bytes to look at.
	//
	// When the table is empty, ctrls points to emptyCtrls which will never be
	// modified and is used to simplify the Get, Put, and Delete code which
	// doesn't have to check for a nil ctrls.
	ctrls unsafeSlice[ctrl]
	// slots is capacity in length.
	slots unsafeSlice[Slot[K, V]]
	// The total number of slots (always 2^N-1). The capacity is used as a
	// mask to quickly compute i%N using a bitwise & operation.
	capacity uintptr
	// The number of filled slots (i.e. the number of elements in the table).
	used int
	// The number of slots we can still fill without needing to rehash.
	//
	// This is stored separately due to tombstones: we do not include
	// tombstones in the growth capacity because we'd like to rehash when the
	// table is filled with tombstones as otherwise probe sequences might get
	// unacceptably long without triggering a rehash.
	growthLeft int
	// The number of tombstoned slots. Purely informational (see Stats);
	// growthLeft is what drives the rehash decision.
	tombstones int
}

// setCtrl sets the control byte at index i, taking care to mirror the byte to
// the end of the control bytes slice if i<groupSize.
func (t *table[K, V]) setCtrl(i uintptr, v ctrl) {
	*t.ctrls.At(i) = v
	// Mirror the first groupSize control state to the end of the ctrls slice.
	// We do this unconditionally which is faster than performing a comparison
	// to do it only for the first groupSize slots. Note that the index will
	// be the identity for slots in the range [groupSize,capacity).
	*t.ctrls.At(((i-(groupSize-1))&t.capacity)+(groupSize-1)) = v
}

// wasNeverFull returns true if index i was never part of a full group. This
// check allows an optimization during deletion whereby a deleted slot can be
// converted to empty rather than a tombstone: it is invalid to take a group
// of full slots and mark one as empty, as doing so would cause subsequent
// lookups to terminate at that group rather than continue to probe, but a
// slot that provably never belonged to a full group carries no such
// obligation. We prove it by checking whether the groupSize-1 neighbors to
// the left and right of the deleting slot contain empties close enough that
// no probe window covering i could ever have been full.
func (t *table[K, V]) wasNeverFull(i uintptr) bool {
	if t.capacity < groupSize {
		// The table fits entirely in a single group so we will never probe
		// beyond this group.
		return true
	}

	indexBefore := (i - groupSize) & t.capacity
	emptyAfter := t.ctrls.At(i).matchEmpty()
	emptyBefore := t.ctrls.At(indexBefore).matchEmpty()

	// We count how many consecutive non-empties we have to the right and to
	// the left of i. If the sum is >= groupSize then there is at least one
	// probe window that might have seen a full group.
	if emptyBefore != 0 && emptyAfter != 0 &&
		((bits.TrailingZeros64(uint64(emptyAfter))>>3)+
			(bits.LeadingZeros64(uint64(emptyBefore))>>3)) < groupSize {
		return true
	}
	return false
}

// uncheckedPut inserts an entry known not to be in the table. Used by Put and
// load after they have failed to find an existing entry to overwrite.
func (t *table[K, V]) uncheckedPut(h uint64, key K, value V) {
	// Given key and its hash hash(key), to insert it, we construct a
	// probeSeq, and use it to find the first group with an unoccupied (empty
	// or deleted) slot. We place the key/value into the first such slot in
	// the group and mark it as full with key's h2. Reusing tombstones keeps
	// probe sequences short.
	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := t.ctrls.At(seq.offset)
		match := g.matchEmptyOrDeleted()
		if match != 0 {
			i := seq.offsetAt(match.next())
			slot := t.slots.At(i)
			slot.key = key
			slot.value = value
			if *t.ctrls.At(i) == ctrlEmpty {
				t.growthLeft--
			} else {
				t.tombstones--
			}
			t.setCtrl(i, ctrl(h2(h)))
			return
		}
	}
}

// rehash is called when growthLeft has been exhausted. Rehash in place if we
// can recover >= 1/3 of the capacity from tombstones, otherwise double.
// Rehashing in place is significantly faster than resizing because the
// common case is that elements remain in their current location, and it
// reclaims the probe efficiency that accumulated tombstones destroy without
// growing memory. We know how much space a rehash reclaims because every
// tombstone is dropped: capacity*7/8 - used.
func (t *table[K, V]) rehash(d *Dict[K, V]) error {
	recoverable := (t.capacity*maxAvgGroupLoad)/groupSize - uintptr(t.used)
	if t.capacity > groupSize && recoverable >= t.capacity/3 {
		t.rehashInPlace(d)
		return nil
	}
	return t.resize(d, 2*t.capacity+1)
}

// resize allocates a bigger pair of arrays and reinserts every present entry
// by recomputing its hash (entries do not carry a cached hash). Both arrays
// are obtained before the old ones are discarded, so a failed allocation
// leaves the original table completely valid and resize reports
// ErrAllocationFailure.
func (t *table[K, V]) resize(d *Dict[K, V], newCapacity uintptr) error {
	if (1 + newCapacity) < groupSize {
		newCapacity = groupSize - 1
	}

	newSlots := d.allocator.AllocSlots(int(newCapacity))
	newCtrls := d.allocator.AllocControls(int(newCapacity + groupSize))
	if newSlots == nil || newCtrls == nil {
		if newSlots != nil {
			d.allocator.FreeSlots(newSlots)
		}
		if newCtrls != nil {
			d.allocator.FreeControls(newCtrls)
		}
		return ErrAllocationFailure
	}

	oldCtrls, oldSlots := t.ctrls, t.slots
	oldCapacity := t.capacity
	t.slots = makeUnsafeSlice(newSlots)
	t.ctrls = makeUnsafeSlice(unsafeConvertSlice[ctrl](newCtrls))
	for i := uintptr(0); i < newCapacity+groupSize; i++ {
		*t.ctrls.At(i) = ctrlEmpty
	}
	*t.ctrls.At(newCapacity) = ctrlSentinel

	if newCapacity < groupSize {
		// If the table fits in a single group then we're able to fill all of
		// the slots except 1 (an empty slot is needed to terminate find
		// operations).
		t.growthLeft = int(newCapacity - 1)
	} else {
		t.growthLeft = int((newCapacity * maxAvgGroupLoad) / groupSize)
	}
	t.tombstones = 0
	t.capacity = newCapacity

	for i := uintptr(0); i < oldCapacity; i++ {
		c := *oldCtrls.At(i)
		if c == ctrlEmpty || c == ctrlDeleted {
			continue
		}
		slot := oldSlots.At(i)
		h := d.hash(slot.key)
		t.uncheckedPut(h, slot.key, slot.value)
	}

	if oldCapacity > 0 {
		d.allocator.FreeSlots(oldSlots.Slice(0, oldCapacity))
		d.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls.Slice(0, oldCapacity+groupSize)))
	}

	t.checkInvariants(d)
	return nil
}

// rehashInPlace rebuilds the table at the same capacity, dropping every
// tombstone. It performs no allocation and cannot fail.
func (t *table[K, V]) rehashInPlace(d *Dict[K, V]) {
	// We want to drop all of the deletes in place. We first walk over the
	// control bytes and mark every DELETED slot as EMPTY and every FULL slot
	// as DELETED. Marking the DELETED slots as EMPTY has effectively dropped
	// the tombstones, but we fouled up the probe invariant. Marking the FULL
	// slots as DELETED gives us a marker to locate the previously FULL slots.
	for i := uintptr(0); i < t.capacity; i += groupSize {
		t.ctrls.At(i).convertNonFullToEmptyAndFullToDeleted()
	}

	// Fixup the cloned control bytes and the sentinel.
	for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
		*t.ctrls.At(((i-(groupSize-1))&t.capacity)+(groupSize-1)) = *t.ctrls.At(i)
	}
	*t.ctrls.At(t.capacity) = ctrlSentinel

	// Now we walk over all of the DELETED slots (a.k.a. the previously FULL
	// slots). For each slot we find the first probe group we can place the
	// element in which reestablishes the probe invariant. Note that as this
	// loop proceeds we have the invariant that there are no DELETED slots in
	// the range [0, i). We may move the element at i to the range [0, i) if
	// that is where the first group with an empty slot in its probe chain
	// resides, but we never set a slot in [0, i) to DELETED.
	for i := uintptr(0); i < t.capacity; i++ {
		if *t.ctrls.At(i) != ctrlDeleted {
			continue
		}

		s := t.slots.At(i)
		h := d.hash(s.key)
		seq := makeProbeSeq(h1(h), t.capacity)
		desired := seq

		probeIndex := func(pos uintptr) uintptr {
			return ((pos - desired.offset) & t.capacity) / groupSize
		}

		var target uintptr
		for ; ; seq = seq.next() {
			g := t.ctrls.At(seq.offset)
			if match := g.matchEmptyOrDeleted(); match != 0 {
				target = seq.offsetAt(match.next())
				break
			}
		}

		if i == target || probeIndex(i) == probeIndex(target) {
			// If the target index falls within the first probe group then we
			// don't need to move the element as it already falls in the best
			// probe position.
			t.setCtrl(i, ctrl(h2(h)))
			continue
		}

		if *t.ctrls.At(target) == ctrlEmpty {
			// The target slot is empty. Transfer the element to the empty
			// slot and mark the slot at index i as empty.
			t.setCtrl(target, ctrl(h2(h)))
			*t.slots.At(target) = *t.slots.At(i)
			*t.slots.At(i) = Slot[K, V]{}
			t.setCtrl(i, ctrlEmpty)
			continue
		}

		if *t.ctrls.At(target) == ctrlDeleted {
			// The slot at target has an element (i.e. it was FULL). We're
			// going to swap our current element with that element and then
			// repeat processing of index i which now holds the element which
			// was at target.
			t.setCtrl(target, ctrl(h2(h)))
			s2 := t.slots.At(target)
			*s, *s2 = *s2, *s
			i--
			continue
		}

		panic(fmt.Sprintf("zdict: ctrl at position %d (%02x) should be empty or deleted",
			target, *t.ctrls.At(target)))
	}

	t.growthLeft = int((t.capacity*maxAvgGroupLoad)/groupSize) - t.used
	t.tombstones = 0

	t.checkInvariants(d)
}

// reset returns the table to the empty state at its current capacity.
func (t *table[K, V]) reset() {
	if t.capacity == 0 {
		return
	}
	for i := uintptr(0); i < t.capacity; i++ {
		*t.ctrls.At(i) = ctrlEmpty
		*t.slots.At(i) = Slot[K, V]{}
	}
	for i := uintptr(0); i < groupSize; i++ {
		*t.ctrls.At(t.capacity + i) = ctrlEmpty
	}
	*t.ctrls.At(t.capacity) = ctrlSentinel
	if t.capacity < groupSize {
		t.growthLeft = int(t.capacity - 1)
	} else {
		t.growthLeft = int((t.capacity * maxAvgGroupLoad) / groupSize)
	}
	t.used = 0
	t.tombstones = 0
}

func (t *table[K, V]) checkInvariants(d *Dict[K, V]) {
	if invariants {
		if t.capacity > 0 {
			// Verify the cloned control bytes are good.
			for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
				j := ((i - (groupSize - 1)) & t.capacity) + (groupSize - 1)
				ci := *t.ctrls.At(i)
				cj := *t.ctrls.At(j)
				if ci != cj {
					panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x != ctrl(%d)=%02x\n%s",
						i, ci, j, cj, t.debugString(d)))
				}
			}
			// Verify the sentinel is good.
			if c := *t.ctrls.At(t.capacity); c != ctrlSentinel {
				panic(fmt.Sprintf("invariant failed: ctrl(%d): expected sentinel, but found %02x\n%s",
					t.capacity, c, t.debugString(d)))
			}
		}

		// For every non-empty slot, verify we can retrieve the key using Get.
		// Count the number of used and deleted slots.
		var used int
		var deleted int
		for i := uintptr(0); i < t.capacity; i++ {
			c := *t.ctrls.At(i)
			switch {
			case c == ctrlDeleted:
				deleted++
			case c == ctrlEmpty:
			case c == ctrlSentinel:
				panic(fmt.Sprintf("invariant failed: ctrl(%d): unexpected sentinel", i))
			default:
				s := t.slots.At(i)
				if _, ok := d.Get(s.key); !ok {
					h := d.hash(s.key)
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found [h2=%02x h1=%07x]\n%s",
						i, s.key, h2(h), h1(h), t.debugString(d)))
				}
				used++
			}
		}

		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, t.used, t.debugString(d)))
		}
		if deleted != t.tombstones {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but tombstone count is %d\n%s",
				deleted, t.tombstones, t.debugString(d)))
		}
	}
}

func (t *table[K, V]) debugString(d *Dict[K, V]) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  growth-left=%d\n", t.capacity, t.used, t.growthLeft)
	for i := uintptr(0); i < t.capacity+groupSize; i++ {
		switch c := *t.ctrls.At(i); c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		case ctrlSentinel:
			fmt.Fprintf(&buf, "  %4d: sentinel\n", i)
		default:
			if i < t.capacity {
				s := t.slots.At(i)
				h := d.hash(s.key)
				fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x h2=%02x]\n", i, s.key, c, h2(h))
			} else {
				fmt.Fprintf(&buf, "  %4d: [ctrl=%02x]\n", i, c)
			}
		}
	}
	return buf.String()
}

// bitset represents a set of slots within a group.
//
// The underlying representation uses one byte per slot, where each byte is
// either 0x80 if the slot is part of the set or 0x00 otherwise. This makes it
// convenient to calculate for an entire group at once using 64-bit loads.
type bitset uint64

// next returns the relative index of the first control byte in the group that
// is part of the set.
func (b bitset) next() uintptr {
	return uintptr(bits.TrailingZeros64(uint64(b))) >> 3
}

// clear removes the slot at relative index i from the set.
func (b bitset) clear(i uintptr) bitset {
	return b &^ (bitset(0x80) << (i << 3))
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if (b & (bitset(0x80) << (i << 3))) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// Each slot in the hash table has a control byte which can have one of four
// states: empty, deleted, full and the sentinel. They have the following bit
// patterns:
//
//	   empty: 1 0 0 0 0 0 0 0
//	 deleted: 1 1 1 1 1 1 1 0
//	    full: 0 h h h h h h h  // h represents the h2 hash bits
//	sentinel: 1 1 1 1 1 1 1 1
type ctrl uint8

var emptyCtrls = func() unsafeSlice[ctrl] {
	v := make([]ctrl, groupSize)
	for i := range v {
		v[i] = ctrlEmpty
	}
	return makeUnsafeSlice(v)
}()

// matchH2 returns a bitset of the control bytes in the group starting at c
// that are full with tag h.
func (c *ctrl) matchH2(h uintptr) bitset {
	// NB: This generic matching routine produces false positive matches when
	// h is 2^N and the control bytes have a seq of 2^N followed by 2^N+1. For
	// example: if ctrls==0x0302 and h=02, we'll compute v as 0x0100. When we
	// subtract off 0x0101 the first 2 bytes we'll become 0xffff and both be
	// considered matches of h. The false positive matches are not a problem,
	// just a rare inefficiency. Note that they only occur if there is a real
	// match and never occur on ctrlEmpty, ctrlDeleted, or ctrlSentinel. The
	// subsequent key comparisons ensure that there is no correctness issue.
	v := *(*uint64)((unsafe.Pointer)(c)) ^ (bitsetLSB * uint64(h))
	return bitset(((v - bitsetLSB) &^ v) & bitsetMSB)
}

// matchEmpty returns a bitset where each byte is 0x80 if that control byte
// indicates an empty slot (and 0x00 otherwise).
func (c *ctrl) matchEmpty() bitset {
	v := *(*uint64)((unsafe.Pointer)(c))
	// An empty slot is              1000 0000
	// A deleted or sentinel slot is 1111 111?
	// A slot is empty iff bit 7 is set and bit 1 is not.
	return bitset((v &^ (v << 6)) & bitsetMSB)
}

// matchEmptyOrDeleted returns a bitset where each byte is 0x80 if that
// control byte indicates an empty or deleted slot (and 0x00 otherwise).
func (c *ctrl) matchEmptyOrDeleted() bitset {
	// An empty slot is  1000 0000.
	// A deleted slot is 1111 1110.
	// The sentinel is   1111 1111.
	// A slot is empty or deleted iff bit 7 is set and bit 0 is not.
	v := *(*uint64)((unsafe.Pointer)(c))
	return bitset((v &^ (v << 7)) & bitsetMSB)
}

// convertNonFullToEmptyAndFullToDeleted converts deleted or sentinel control
// bytes in a group to empty control bytes, and control bytes indicating full
// slots to deleted control bytes.
func (c *ctrl) convertNonFullToEmptyAndFullToDeleted() {
	// An empty slot is     1000 0000
	// A deleted slot is    1111 1110
	// The sentinel slot is 1111 1111
	// A full slot is       0??? ????
	//
	// We select the MSB, invert, add 1 if the MSB was set and zero out the
	// low bit.
	p := (*uint64)((unsafe.Pointer)(c))
	v := *p & bitsetMSB
	*p = (^v + (v >> 7)) &^ bitsetLSB
}

// probeSeq maintains the state for a probe sequence. The sequence is a
// triangular progression of the form
//
//	p(i) := groupSize * (i^2 + i)/2 + hash (mod mask+1)
//
// The use of groupSize ensures that each probe step does not overlap groups;
// the sequence effectively outputs the addresses of *groups* (although not
// necessarily aligned to any boundary). The group machinery allows us to
// check an entire group with minimal branching.
//
// Wrapping around at mask+1 is important, but not for the obvious reason. As
// described above, the first few entries of the control byte array are
// mirrored at the end of the array, which group will find and use for
// selecting candidates. However, when those candidates' slots are actually
// inspected, there are no corresponding slots for the cloned bytes, so we
// need to make sure we've treated those offsets as "wrapping around".
//
// It turns out that this probe sequence visits every group exactly once if
// the number of groups is a power of two, since (i^2+i)/2 is a bijection in
// Z/(2^m). See https://en.wikipedia.org/wiki/Quadratic_probing
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index += groupSize
	s.offset = (s.offset + s.index) & s.mask
	return s
}

func (s probeSeq) offsetAt(i uintptr) uintptr {
	return (s.offset + i) & s.mask
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
