// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crd

// Value is a handle onto a shared map[string]interface{} backing store. A
// Value returned by Nested for a nested object field is not a copy: it points
// into the same backing map, so writes through the nested view (Set) are
// immediately visible to the parent document and to any other Value handle
// derived from it. This replicates the reference schema's
// __getattribute__/__setattr__ interception of a shared parent dict without
// Go's having an equivalent of Python's dynamic attribute protocol: the
// sharing is done with a pointer to the map instead.
type Value struct {
	data *map[string]interface{}
}

// NewValue wraps data for field access. Mutations through the returned
// Value write back into data.
func NewValue(data map[string]interface{}) Value {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Value{data: &data}
}

// Raw returns the backing map itself (not a copy).
func (v Value) Raw() map[string]interface{} {
	if v.data == nil {
		return nil
	}
	return *v.data
}

// Get walks path through nested maps and returns the leaf value. The second
// return is false if any segment along path is absent or not a
// map[string]interface{}.
func (v Value) Get(path ...string) (interface{}, bool) {
	if v.data == nil || len(path) == 0 {
		return nil, false
	}
	cur := *v.data
	for i, key := range path {
		val, ok := cur[key]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return val, true
		}
		next, ok := val.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Nested returns a Value sharing backing storage with the map found at
// path, creating intermediate maps as needed. Writes to the returned Value
// are visible through v and vice versa.
func (v Value) Nested(path ...string) Value {
	if v.data == nil {
		return NewValue(nil)
	}
	cur := *v.data
	for _, key := range path {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[key] = next
		}
		cur = next
	}
	return Value{data: &cur}
}

// Set writes value at path, creating intermediate maps as needed.
func (v Value) Set(value interface{}, path ...string) {
	if v.data == nil || len(path) == 0 {
		return
	}
	cur := *v.data
	for i, key := range path {
		if i == len(path)-1 {
			cur[key] = value
			return
		}
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[key] = next
		}
		cur = next
	}
}

// Delete removes the key at path, a no-op if any intermediate segment is
// absent.
func (v Value) Delete(path ...string) {
	if v.data == nil || len(path) == 0 {
		return
	}
	cur := *v.data
	for i, key := range path {
		if i == len(path)-1 {
			delete(cur, key)
			return
		}
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}
