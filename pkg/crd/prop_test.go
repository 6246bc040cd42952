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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPropInfersWireType(t *testing.T) {
	assert.Equal(t, WireTypeString, Prop[string](true).WireType)
	assert.Equal(t, WireTypeInteger, Prop[int](true).WireType)
	assert.Equal(t, WireTypeInteger, Prop[int64](true).WireType)
	assert.Equal(t, WireTypeNumber, Prop[float64](true).WireType)
	assert.Equal(t, WireTypeBoolean, Prop[bool](true).WireType)

	arr := Prop[[]string](false)
	assert.Equal(t, WireTypeArray, arr.WireType)
	assert.Equal(t, WireTypeString, arr.ItemType)
}

func TestPropRequiredFlag(t *testing.T) {
	assert.True(t, Prop[string](true).Required)
	assert.False(t, Prop[string](false).Required)
}

func TestPropWithExtensions(t *testing.T) {
	ext := map[string]interface{}{"x-kubernetes-preserve-unknown-fields": true}
	p := Prop[map[string]interface{}](false, WithExtensions(ext))
	assert.Equal(t, ext, p.Extensions)
}

type testNestedSchema struct{ Object }

func (testNestedSchema) Fields() map[string]PropDescriptor {
	return map[string]PropDescriptor{"name": Prop[string](true)}
}

func TestPropInfersNestedSchemaOnce(t *testing.T) {
	p := Prop[testNestedSchema](true)
	assert.Equal(t, WireTypeObject, p.WireType)
	if assert.NotNil(t, p.Nested) {
		fields := (*p.Nested).Fields()
		assert.Contains(t, fields, "name")
	}

	// Second call must hit the memoized entry and agree with the first.
	p2 := Prop[testNestedSchema](true)
	assert.Equal(t, (*p.Nested).Fields(), (*p2.Nested).Fields())
}
