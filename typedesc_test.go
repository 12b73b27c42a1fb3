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

package zerobus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeType(t *testing.T) {
	td, err := describeType[position]()
	require.NoError(t, err)
	require.Equal(t, uint64(24), td.Size)
	require.Equal(t, uint64(8), td.Align)
	require.NotZero(t, td.NameHash())
	require.True(t, td.Compatible(td))
}

func TestDescribeTypeNested(t *testing.T) {
	type trajectory struct {
		Points [16]position
		Count  uint32
		Valid  bool
	}
	td, err := describeType[trajectory]()
	require.NoError(t, err)
	require.Equal(t, uint64(16*24+8), td.Size)
}

func TestDescribeTypeRejectsPointers(t *testing.T) {
	type withString struct{ Name string }
	type withSlice struct{ Data []byte }
	type withPtr struct{ Next *position }
	type withMap struct{ M map[int]int }
	type nested struct{ Inner withPtr }

	for name, run := range map[string]func() error{
		"string": func() error { _, err := describeType[withString](); return err },
		"slice":  func() error { _, err := describeType[withSlice](); return err },
		"ptr":    func() error { _, err := describeType[withPtr](); return err },
		"map":    func() error { _, err := describeType[withMap](); return err },
		"nested": func() error { _, err := describeType[nested](); return err },
		"chan":   func() error { _, err := describeType[chan int](); return err },
	} {
		err := run()
		require.Error(t, err, name)
		require.Contains(t, err.Error(), "shared memory", name)
	}
}

func TestDescriptorCompatibility(t *testing.T) {
	a := TypeDescriptor{Name: "pkg.A", Size: 8, Align: 8}
	b := TypeDescriptor{Name: "pkg.B", Size: 8, Align: 8}
	require.False(t, a.Compatible(b), "different names must not match")

	sized := a
	sized.Size = 16
	require.False(t, a.Compatible(sized), "different sizes must not match")
}
