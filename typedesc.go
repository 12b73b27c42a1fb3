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
	"fmt"
	"hash/fnv"
	"reflect"
)

// TypeDescriptor identifies a payload type across process boundaries:
// name, size and alignment must agree between all participants of a
// service. Only fixed-size, pointer-free types may cross shared memory.
type TypeDescriptor struct {
	Name  string
	Size  uint64
	Align uint64
}

// NameHash returns the FNV-1a hash of the type name, the form stored in
// segment headers.
func (td TypeDescriptor) NameHash() uint64 {
	return hashString(td.Name)
}

// Compatible reports whether two descriptors describe the same wire type.
func (td TypeDescriptor) Compatible(other TypeDescriptor) bool {
	return td.NameHash() == other.NameHash() && td.Size == other.Size && td.Align == other.Align
}

func (td TypeDescriptor) String() string {
	return fmt.Sprintf("%s (size=%d align=%d)", td.Name, td.Size, td.Align)
}

// describeType builds the descriptor for T and rejects types that cannot
// live in shared memory. A type containing pointers, slices, maps, strings,
// channels, funcs or interfaces would smuggle process-local addresses into
// another process's address space.
func describeType[T any]() (TypeDescriptor, error) {
	t := reflect.TypeFor[T]()
	if err := checkShareable(t, t.String()); err != nil {
		return TypeDescriptor{}, err
	}
	return TypeDescriptor{
		Name:  t.String(),
		Size:  uint64(t.Size()),
		Align: uint64(t.Align()),
	}, nil
}

func checkShareable(t reflect.Type, root string) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkShareable(t.Elem(), root)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if err := checkShareable(t.Field(i).Type, root); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("type %s contains %s and cannot be placed in shared memory", root, t.Kind())
	}
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
