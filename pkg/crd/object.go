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

// Object is embedded by user-defined nested object types (a CR's spec
// struct, and any struct nested within it) to give them the shared
// Value-backed read/write behavior described in Value's doc comment,
// without each user type reimplementing it. A typical user type looks like:
//
//	type WidgetSpec struct {
//		crd.Object
//	}
//	func (s WidgetSpec) Replicas() int { v, _ := s.Get("replicas"); n, _ := v.(int64); return int(n) }
//	func (s WidgetSpec) SetReplicas(n int) { s.Set(int64(n), "replicas") }
//	func (WidgetSpec) Fields() map[string]crd.PropDescriptor {
//		return map[string]crd.PropDescriptor{"replicas": crd.Prop[int](true)}
//	}
type Object struct {
	Value
}

// NewObjectValue wraps data as an Object, suitable as the Value field of a
// Factory-constructed spec type.
func NewObjectValue(data map[string]interface{}) Object {
	return Object{Value: NewValue(data)}
}
