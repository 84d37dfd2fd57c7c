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

// Option provides an interface to do work on a Dict while it is being
// created.
type Option[K comparable, V any] interface {
	apply(d *Dict[K, V])
}

type hashOption[K comparable, V any] struct {
	hash HashFunc[K]
}

func (op hashOption[K, V]) apply(d *Dict[K, V]) {
	d.hash = op.hash
}

// WithHash is an option to specify the key hash function to use for a
// Dict[K,V]. The function must be a pure function of key content; see
// HashFunc.
func WithHash[K comparable, V any](hash HashFunc[K]) Option[K, V] {
	return hashOption[K, V]{hash}
}

type valueHashOption[K comparable, V any] struct {
	hash func(V) uint64
}

func (op valueHashOption[K, V]) apply(d *Dict[K, V]) {
	d.valueHash = op.hash
}

// WithValueHash is an option to specify the value hash function used by the
// immutable aggregate hash. A default is installed automatically when V
// supports ==; value types that don't need this option for Hash to work.
func WithValueHash[K comparable, V any](hash func(V) uint64) Option[K, V] {
	return valueHashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Dict. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// An allocator may signal allocation failure by returning nil, in which case
// the triggering operation fails with ErrAllocationFailure and the dict is
// left unchanged.
//
// If the allocator is manually managing memory and requires that slots and
// controls be freed then Dict.Close must be called in order to ensure
// FreeSlots and FreeControls are called.
type Allocator[K comparable, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n),
	// or nil if no memory is available.
	AllocSlots(n int) []Slot[K, V]

	// AllocControls should return a slice equivalent to make([]uint8, n),
	// or nil if no memory is available.
	AllocControls(n int) []uint8

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot[K, V])

	// FreeControls can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[K comparable, V any] struct{}

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

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(d *Dict[K, V]) {
	d.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator to use for a Dict[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}
