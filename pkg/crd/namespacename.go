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

import "fmt"

// NamespaceName identifies a namespaced object by namespace and name. It is
// a plain comparable struct (usable directly as a map key) rather than
// client-go's types.NamespacedName, so packages that only need the tuple
// don't have to import apimachinery's types package for it.
type NamespaceName struct {
	Namespace string
	Name      string
}

func (n NamespaceName) String() string {
	return fmt.Sprintf("%s/%s", n.Namespace, n.Name)
}
