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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionCreateIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	r1, err := CreateRegion(path, 4096)
	require.NoError(t, err)
	defer r1.Close()
	defer r1.Unlink()

	_, err = CreateRegion(path, 4096)
	require.Error(t, err)
	require.True(t, os.IsExist(err), "second creator must lose the race deterministically")
}

func TestRegionCreateIsZeroed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	r, err := CreateRegion(path, 4096)
	require.NoError(t, err)
	defer r.Close()
	defer r.Unlink()

	for i, b := range r.Mem {
		require.Zero(t, b, "byte %d not zero", i)
	}
}

func TestRegionOpenSharesMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	creator, err := CreateRegion(path, 4096)
	require.NoError(t, err)
	defer creator.Close()
	defer creator.Unlink()

	opener, err := OpenRegion(path, 4096)
	require.NoError(t, err)
	defer opener.Close()

	creator.Mem[100] = 0xAB
	require.Equal(t, byte(0xAB), opener.Mem[100], "mappings must alias the same pages")
}

func TestRegionOpenTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	r, err := CreateRegion(path, 4096)
	require.NoError(t, err)
	defer r.Close()
	defer r.Unlink()

	_, err = OpenRegion(path, 8192)
	require.Error(t, err)
}

func TestRegionUnlinkIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	r, err := CreateRegion(path, 4096)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Unlink())
	require.NoError(t, r.Unlink(), "concurrent reclaimers both unlinking must not error")
}
