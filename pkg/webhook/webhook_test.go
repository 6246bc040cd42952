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

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kuroboros-dev/kuroboros/pkg/crd"
	"github.com/kuroboros-dev/kuroboros/pkg/groupversion"
	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
)

type widgetSpec struct{ crd.Object }

func newWidgetSpec(v crd.Value) widgetSpec { return widgetSpec{crd.Object{Value: v}} }

func (widgetSpec) Fields() map[string]crd.PropDescriptor {
	return map[string]crd.PropDescriptor{"replicas": crd.Prop[int](true)}
}

func widgetObjectRaw(replicas int) []byte {
	obj := map[string]interface{}{
		"apiVersion": "example.com/v1",
		"kind":       "Widget",
		"metadata":   map[string]interface{}{"namespace": "default", "name": "w1"},
		"spec":       map[string]interface{}{"replicas": replicas},
	}
	b, _ := json.Marshal(obj)
	return b
}

func postReview(t *testing.T, h http.Handler, req *admissionv1.AdmissionRequest) *admissionv1.AdmissionReview {
	t.Helper()
	review := &admissionv1.AdmissionReview{Request: req}
	body, err := json.Marshal(review)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var resp admissionv1.AdmissionReview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

type stubValidator struct {
	err error
}

func (v stubValidator) ValidateCreate(ctx context.Context, obj *crd.Instance[widgetSpec]) error {
	return v.err
}
func (v stubValidator) ValidateUpdate(ctx context.Context, obj, old *crd.Instance[widgetSpec]) error {
	return v.err
}
func (v stubValidator) ValidateDelete(ctx context.Context, old *crd.Instance[widgetSpec]) error {
	return v.err
}

func TestValidationEndpointPathDerivesFromGroupVersion(t *testing.T) {
	gvi, err := groupversion.New("example.com", "v1", "Widget")
	require.NoError(t, err)
	ep := &ValidationEndpoint[widgetSpec]{GVI: gvi, NewSpec: newWidgetSpec, Validator: stubValidator{}}
	assert.Equal(t, "/v1/widget/validate", ep.Path())
}

func TestValidationEndpointAllowsWhenValidatorPasses(t *testing.T) {
	gvi, _ := groupversion.New("example.com", "v1", "Widget")
	ep := &ValidationEndpoint[widgetSpec]{GVI: gvi, NewSpec: newWidgetSpec, Validator: stubValidator{}}

	resp := postReview(t, ep, &admissionv1.AdmissionRequest{
		UID:       types.UID("abc"),
		Operation: admissionv1.Create,
		Object:    runtime.RawExtension{Raw: widgetObjectRaw(3)},
	})
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.Allowed)
	assert.Equal(t, types.UID("abc"), resp.Response.UID)
}

func TestValidationEndpointDeniesWithValidationWebhookError(t *testing.T) {
	gvi, _ := groupversion.New("example.com", "v1", "Widget")
	ep := &ValidationEndpoint[widgetSpec]{
		GVI:       gvi,
		NewSpec:   newWidgetSpec,
		Validator: stubValidator{err: &kerrors.ValidationWebhookError{Reason: "replicas must be positive"}},
	}

	resp := postReview(t, ep, &admissionv1.AdmissionRequest{
		UID:       types.UID("abc"),
		Operation: admissionv1.Create,
		Object:    runtime.RawExtension{Raw: widgetObjectRaw(-1)},
	})
	require.NotNil(t, resp.Response)
	assert.False(t, resp.Response.Allowed)
	assert.Equal(t, "replicas must be positive", resp.Response.Result.Message)
	assert.Equal(t, int32(http.StatusOK), resp.Response.Result.Code)
}

func TestValidationEndpointDeletesUseOldObject(t *testing.T) {
	gvi, _ := groupversion.New("example.com", "v1", "Widget")
	ep := &ValidationEndpoint[widgetSpec]{GVI: gvi, NewSpec: newWidgetSpec, Validator: stubValidator{}}

	resp := postReview(t, ep, &admissionv1.AdmissionRequest{
		UID:       types.UID("abc"),
		Operation: admissionv1.Delete,
		OldObject: runtime.RawExtension{Raw: widgetObjectRaw(2)},
	})
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.Allowed)
}

func TestValidationEndpointRejectsDeleteCarryingObject(t *testing.T) {
	gvi, _ := groupversion.New("example.com", "v1", "Widget")
	ep := &ValidationEndpoint[widgetSpec]{GVI: gvi, NewSpec: newWidgetSpec, Validator: stubValidator{}}

	resp := postReview(t, ep, &admissionv1.AdmissionRequest{
		UID:       types.UID("abc"),
		Operation: admissionv1.Delete,
		Object:    runtime.RawExtension{Raw: widgetObjectRaw(2)},
		OldObject: runtime.RawExtension{Raw: widgetObjectRaw(2)},
	})
	require.NotNil(t, resp.Response)
	assert.False(t, resp.Response.Allowed)
	assert.Equal(t, int32(http.StatusBadRequest), resp.Response.Result.Code)
}

type stubMutator struct {
	replicas int
	err      error
}

func (m stubMutator) Mutate(ctx context.Context, obj *crd.Instance[widgetSpec]) (*crd.Instance[widgetSpec], error) {
	if m.err != nil {
		return nil, m.err
	}
	obj.Spec().Set(m.replicas, "replicas")
	return obj, nil
}

func TestMutationEndpointProducesJSONPatch(t *testing.T) {
	gvi, _ := groupversion.New("example.com", "v1", "Widget")
	ep := &MutationEndpoint[widgetSpec]{GVI: gvi, NewSpec: newWidgetSpec, Mutator: stubMutator{replicas: 5}}

	resp := postReview(t, ep, &admissionv1.AdmissionRequest{
		UID:       types.UID("abc"),
		Operation: admissionv1.Create,
		Object:    runtime.RawExtension{Raw: widgetObjectRaw(1)},
	})
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.Allowed)
	require.NotNil(t, resp.Response.PatchType)
	assert.Equal(t, admissionv1.PatchTypeJSONPatch, *resp.Response.PatchType)
	assert.Contains(t, string(resp.Response.Patch), "replicas")
}

func TestMutationEndpointDeniesWithMutationWebhookError(t *testing.T) {
	gvi, _ := groupversion.New("example.com", "v1", "Widget")
	ep := &MutationEndpoint[widgetSpec]{
		GVI:     gvi,
		NewSpec: newWidgetSpec,
		Mutator: stubMutator{err: &kerrors.MutationWebhookError{Reason: "cannot mutate"}},
	}

	resp := postReview(t, ep, &admissionv1.AdmissionRequest{
		UID:       types.UID("abc"),
		Operation: admissionv1.Create,
		Object:    runtime.RawExtension{Raw: widgetObjectRaw(1)},
	})
	require.NotNil(t, resp.Response)
	assert.False(t, resp.Response.Allowed)
	assert.Equal(t, "cannot mutate", resp.Response.Result.Message)
}

func TestEndpointRejectsMissingRequest(t *testing.T) {
	gvi, _ := groupversion.New("example.com", "v1", "Widget")
	ep := &ValidationEndpoint[widgetSpec]{GVI: gvi, NewSpec: newWidgetSpec, Validator: stubValidator{}}

	body, _ := json.Marshal(admissionv1.AdmissionReview{})
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	ep.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
