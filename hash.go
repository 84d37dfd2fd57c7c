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
	"encoding/binary"
	"hash/maphash"
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// HashFunc hashes a key. The function must be a pure function of the key's
// content: two dicts sharing a hash function must agree on every key's hash,
// since the immutable aggregate hash is required to be equal for
// independently constructed dicts holding equal data.
type HashFunc[K comparable] func(K) uint64

// hashSeed is shared by every dict in the process. A single seed (rather
// than a per-dict seed) is what makes the default hash content-pure across
// dicts; it is still re-randomized per process to keep the table resistant
// to collision attacks on long-lived services.
var hashSeed = maphash.MakeSeed()

func defaultHasher[K comparable]() HashFunc[K] {
	return func(k K) uint64 {
		return maphash.Comparable(hashSeed, k)
	}
}

// defaultValueHasher returns a content hash over values of type V, or nil if
// V does not support ==. Interface-typed V is comparable at compile time but
// may panic at runtime for uncomparable dynamic values, matching maphash.
func defaultValueHasher[V any]() func(V) uint64 {
	if !reflect.TypeFor[V]().Comparable() {
		return nil
	}
	return func(v V) uint64 {
		return maphash.Comparable(hashSeed, any(v))
	}
}

// h1 extracts the group-selector portion of a hash: the 57 upper bits.
func h1(h uint64) uintptr {
	return uintptr(h >> 7)
}

// h2 extracts the tag portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uint64) uintptr {
	return uintptr(h & 0x7f)
}

// entryHash digests one (key hash, value hash) pair. Per-entry digests are
// combined with wrapping addition, which is commutative and associative, so
// the aggregate over a dict is independent of bucket layout and insertion
// order. Running the pair through xxhash first keeps a near-collision in the
// inputs from cancelling out under addition.
func entryHash(hk, hv uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], hk)
	binary.LittleEndian.PutUint64(b[8:], hv)
	return xxhash.Sum64(b[:])
}
