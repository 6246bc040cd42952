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

import (
	"reflect"
	"sync"
)

// Schema is implemented by user-defined nested object types (a CR's spec
// struct, and any struct embedded within it). Fields is called once per
// concrete type and memoized — never once per instance — mirroring the
// reference schema's "the property map is built once per class" behavior
// without needing runtime generic-parameter introspection.
type Schema interface {
	Fields() map[string]PropDescriptor
}

var fieldsCache sync.Map // reflect.Type -> map[string]PropDescriptor

// FieldsOf returns t's Fields() result, computing it at most once per type
// for the lifetime of the process.
func FieldsOf(t reflect.Type) Schema {
	if cached, ok := fieldsCache.Load(t); ok {
		return cached.(cachedSchema)
	}

	inst := newSchemaInstance(t)
	fields := inst.Fields()
	cs := cachedSchema{fields: fields}
	fieldsCache.Store(t, cs)
	return cs
}

// newSchemaInstance builds a zero-value Schema for t, trying value and
// pointer receivers since Fields may be defined on either.
func newSchemaInstance(t reflect.Type) Schema {
	zero := reflect.New(t).Elem().Interface()
	if s, ok := zero.(Schema); ok {
		return s
	}
	ptr := reflect.New(t).Interface()
	if s, ok := ptr.(Schema); ok {
		return s
	}
	return cachedSchema{}
}

// cachedSchema is a snapshot of a Schema's Fields() result, itself
// satisfying Schema so it can be stored back as the Nested pointer target.
type cachedSchema struct {
	fields map[string]PropDescriptor
}

func (c cachedSchema) Fields() map[string]PropDescriptor { return c.fields }
