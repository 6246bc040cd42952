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

import "reflect"

// WireType is the OpenAPI-ish scalar type a PropDescriptor's value is
// serialized as on the wire.
type WireType int

const (
	WireTypeString WireType = iota
	WireTypeInteger
	WireTypeNumber
	WireTypeBoolean
	WireTypeArray
	WireTypeObject
)

// PropDescriptor is the Go analogue of the reference schema's CRDProp: a
// single property's wire shape, independent of any one instance's value.
type PropDescriptor struct {
	WireType   WireType
	ItemType   WireType // meaningful only when WireType == WireTypeArray.
	Required   bool
	Nested     *Schema // meaningful only when WireType == WireTypeObject.
	Extensions map[string]interface{}
}

// PropOption customizes a PropDescriptor built by Prop.
type PropOption func(*PropDescriptor)

// WithExtensions attaches x-kubernetes-* or other OpenAPI extension keys,
// carried through to CRD generation untouched.
func WithExtensions(ext map[string]interface{}) PropOption {
	return func(p *PropDescriptor) { p.Extensions = ext }
}

// Prop builds a PropDescriptor for Go type T, inferring WireType from T's
// zero value at the call site — never from a live instance — so the
// descriptor can be computed once per field declaration instead of
// reflecting over object values at runtime, the way the reference schema's
// prop() factory inferred OpenAPI type from a Python type annotation.
func Prop[T any](required bool, opts ...PropOption) PropDescriptor {
	var zero T
	p := PropDescriptor{Required: required}
	p.WireType, p.ItemType, p.Nested = inferWireType(reflect.TypeOf(zero))
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func inferWireType(t reflect.Type) (WireType, WireType, *Schema) {
	if t == nil {
		return WireTypeObject, 0, nil
	}
	switch t.Kind() {
	case reflect.String:
		return WireTypeString, 0, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return WireTypeInteger, 0, nil
	case reflect.Float32, reflect.Float64:
		return WireTypeNumber, 0, nil
	case reflect.Bool:
		return WireTypeBoolean, 0, nil
	case reflect.Slice, reflect.Array:
		itemType, _, _ := inferWireType(t.Elem())
		return WireTypeArray, itemType, nil
	case reflect.Map:
		return WireTypeObject, 0, nil
	case reflect.Ptr:
		return inferWireType(t.Elem())
	case reflect.Struct:
		if schemaType := reflect.TypeOf((*Schema)(nil)).Elem(); t.Implements(schemaType) || reflect.PtrTo(t).Implements(schemaType) {
			s := FieldsOf(t)
			return WireTypeObject, 0, &s
		}
		return WireTypeObject, 0, nil
	default:
		return WireTypeObject, 0, nil
	}
}
