/*
 *
 * Copyright 2025 The zerobus Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package mem implements the pre-allocated, lock-free data structures laid
// out inside memory-mapped segment files: the index queue carrying payload
// offsets between processes and the refcounted payload slot pool.
//
// Every structure here is position independent: a process addresses it as
// (mapped base + fixed offset), never by stored pointer, because the same
// region maps at different virtual addresses in different processes.
package mem

// Alignment of every structure placed into a shared region. Cache-line
// sized so independently updated headers never share a line.
const Alignment = 64

// Align64 rounds size up to a 64-byte boundary.
func Align64(size uint64) uint64 {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// IsPowerOfTwo returns true if n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// NextPowerOfTwo returns the next power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
