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
	"context"

	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
)

// These package-level generic functions are the framework's "generic
// dynamic client" (spec.md's explicit Non-goal of a generated typed
// clientset): every CR kind is addressed through
// k8s.io/client-go/dynamic.Interface plus a GroupVersionResource, not a
// kind-specific clientset.

// CreateNamespaced creates obj under gvr in namespace and returns a typed
// Instance wrapping the server's response.
func CreateNamespaced[T Schema](ctx context.Context, dyn dynamic.Interface, gvr schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured, newSpec Factory[T]) (*Instance[T], error) {
	res := dyn.Resource(gvr)
	created, err := res.Namespace(namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "create custom resource")
	}
	return NewInstance(created, res, false, newSpec), nil
}

// GetNamespaced fetches name in namespace under gvr. When the server
// reports a 404 it returns the kerrors.ErrNotFound sentinel in place of the
// server's error; the 404 itself is not wrapped.
func GetNamespaced[T Schema](ctx context.Context, dyn dynamic.Interface, gvr schema.GroupVersionResource, namespace, name string, newSpec Factory[T]) (*Instance[T], error) {
	res := dyn.Resource(gvr)
	obj, err := res.Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, kerrors.ErrNotFound
		}
		return nil, errors.Wrap(err, "get custom resource")
	}
	return NewInstance(obj, res, false, newSpec), nil
}

// ListNamespaced lists every object of gvr in namespace. An empty namespace
// lists across all namespaces, matching dynamic.Interface's own convention.
func ListNamespaced[T Schema](ctx context.Context, dyn dynamic.Interface, gvr schema.GroupVersionResource, namespace string, newSpec Factory[T]) ([]*Instance[T], error) {
	res := dyn.Resource(gvr)
	list, err := res.Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "list custom resources")
	}
	out := make([]*Instance[T], 0, len(list.Items))
	for i := range list.Items {
		out = append(out, NewInstance(&list.Items[i], res, false, newSpec))
	}
	return out, nil
}

// ReadOnlyFromUnstructured wraps obj as a read-only Instance with no
// attached dynamic client, for contexts like admission review payloads that
// are only ever inspected or diffed, never patched directly.
func ReadOnlyFromUnstructured[T Schema](obj *unstructured.Unstructured, newSpec Factory[T]) *Instance[T] {
	return NewInstance[T](obj, nil, true, newSpec)
}

// WritableFromUnstructured wraps obj as a writable Instance with no attached
// dynamic client of its own — the caller is expected to assign one before
// calling Patch, or to call Patch through a different Instance entirely
// (e.g. a mutating webhook that only ever returns a JSONPatch diff and never
// calls Patch itself).
func WritableFromUnstructured[T Schema](obj *unstructured.Unstructured, newSpec Factory[T]) *Instance[T] {
	return NewInstance[T](obj, nil, false, newSpec)
}
