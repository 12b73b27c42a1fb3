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

package mem

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/zerobus/zerobus/internal/sys"
)

// Region is a mapped shared memory file. The creator sizes and zeroes it;
// openers map it as-is and validate whatever header convention the caller
// layers on top.
type Region struct {
	File *os.File
	Mem  []byte
	Path string
}

// CreateRegion creates a new segment file of exactly size bytes and maps it.
// Creation is exclusive: if the file already exists, the error satisfies
// os.IsExist and the caller should open instead. A freshly created region
// is guaranteed zero-filled.
func CreateRegion(path string, size uint64) (*Region, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := sys.MmapFile(file, int(size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	return &Region{File: file, Mem: mem, Path: path}, nil
}

// OpenRegion maps an existing segment file. minSize guards against mapping
// a file another process is still in the middle of truncating.
func OpenRegion(path string, minSize uint64) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if uint64(size) < minSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes, need %d", size, minSize)
	}

	mem, err := sys.MmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	return &Region{File: file, Mem: mem, Path: path}, nil
}

// Ptr returns the address at the given offset into the mapped region.
func (r *Region) Ptr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(&r.Mem[0])) + uintptr(off))
}

// Size returns the mapped size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.Mem))
}

// Close unmaps the memory and closes the file. The segment file stays on
// disk; Unlink removes it.
func (r *Region) Close() error {
	var firstErr error

	if r.Mem != nil {
		if err := sys.MunmapFile(r.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Mem = nil
	}
	if r.File != nil {
		if err := r.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.File = nil
	}
	return firstErr
}

// Unlink removes the segment file. Missing files are not an error; a
// concurrent reclaimer may have won the race.
func (r *Region) Unlink() error {
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
