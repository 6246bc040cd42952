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

// Package webhook implements admission review endpoints for a CR kind,
// dispatching to user-supplied Validator/Mutator implementations. It is the
// Go realization of the reference implementation's BaseValidationWebhook
// and BaseMutationWebhook, with falcon/gunicorn's HTTP plumbing replaced by
// net/http (pkg/webhookserver) and jsonpatch.JsonPatch.from_diff replaced by
// gomodules.xyz/jsonpatch/v2.CreatePatch.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	jsonpatch "gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kuroboros-dev/kuroboros/pkg/crd"
	"github.com/kuroboros-dev/kuroboros/pkg/groupversion"
	"github.com/kuroboros-dev/kuroboros/pkg/kerrors"
)

// Validator validates a create, update or delete of a CR instance of type
// T. Any non-nil error denies the request; callers that want a specific
// denial reason should return a *kerrors.ValidationWebhookError.
type Validator[T crd.Schema] interface {
	ValidateCreate(ctx context.Context, obj *crd.Instance[T]) error
	ValidateUpdate(ctx context.Context, obj, old *crd.Instance[T]) error
	ValidateDelete(ctx context.Context, old *crd.Instance[T]) error
}

// Mutator mutates a CR instance of type T on create/update, returning the
// mutated instance that process() diffs against the original to produce a
// JSONPatch.
type Mutator[T crd.Schema] interface {
	Mutate(ctx context.Context, obj *crd.Instance[T]) (*crd.Instance[T], error)
}

// Endpoint is implemented by both ValidationEndpoint and MutationEndpoint so
// pkg/webhookserver can register them generically without knowing T.
type Endpoint interface {
	Path() string
	http.Handler
}

func endpointPath(gvi groupversion.GroupVersionInfo, suffix string) string {
	return fmt.Sprintf("/%s/%s/%s", gvi.APIVersion, gvi.Singular, suffix)
}

func decodeReview(r *http.Request) (*admissionv1.AdmissionReview, error) {
	var review admissionv1.AdmissionReview
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		return nil, err
	}
	return &review, nil
}

func writeReview(w http.ResponseWriter, review *admissionv1.AdmissionReview) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(review)
}

// ValidationEndpoint serves admission review requests for one CR kind,
// dispatching CREATE/UPDATE/DELETE to the Validator.
type ValidationEndpoint[T crd.Schema] struct {
	GVI       groupversion.GroupVersionInfo
	NewSpec   crd.Factory[T]
	Validator Validator[T]
}

func (e *ValidationEndpoint[T]) Path() string {
	return endpointPath(e.GVI, "validate")
}

func (e *ValidationEndpoint[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	review, err := decodeReview(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if review.Request == nil {
		http.Error(w, "admission review missing request", http.StatusBadRequest)
		return
	}
	review.Response = e.process(r.Context(), review.Request)
	writeReview(w, review)
}

func (e *ValidationEndpoint[T]) process(ctx context.Context, req *admissionv1.AdmissionRequest) *admissionv1.AdmissionResponse {
	var err error
	switch req.Operation {
	case admissionv1.Create:
		obj, perr := unmarshalInstance(req.Object.Raw, e.NewSpec)
		if perr != nil {
			return errorResponse(req.UID, http.StatusBadRequest, perr)
		}
		err = e.Validator.ValidateCreate(ctx, obj)
	case admissionv1.Update:
		obj, perr := unmarshalInstance(req.Object.Raw, e.NewSpec)
		if perr != nil {
			return errorResponse(req.UID, http.StatusBadRequest, perr)
		}
		old, perr := unmarshalInstance(req.OldObject.Raw, e.NewSpec)
		if perr != nil {
			return errorResponse(req.UID, http.StatusBadRequest, perr)
		}
		err = e.Validator.ValidateUpdate(ctx, obj, old)
	case admissionv1.Delete:
		if len(req.Object.Raw) != 0 {
			return errorResponse(req.UID, http.StatusBadRequest, fmt.Errorf("webhook: delete request must not carry an object"))
		}
		old, perr := unmarshalInstance(req.OldObject.Raw, e.NewSpec)
		if perr != nil {
			return errorResponse(req.UID, http.StatusBadRequest, perr)
		}
		err = e.Validator.ValidateDelete(ctx, old)
	default:
		return &admissionv1.AdmissionResponse{UID: req.UID, Allowed: true}
	}

	if err != nil {
		return denialFromError(req.UID, err)
	}
	return &admissionv1.AdmissionResponse{UID: req.UID, Allowed: true}
}

// MutationEndpoint serves admission review requests for one CR kind,
// diffing the Mutator's output against the original object to produce a
// JSONPatch response.
type MutationEndpoint[T crd.Schema] struct {
	GVI     groupversion.GroupVersionInfo
	NewSpec crd.Factory[T]
	Mutator Mutator[T]
}

func (e *MutationEndpoint[T]) Path() string {
	return endpointPath(e.GVI, "mutate")
}

func (e *MutationEndpoint[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	review, err := decodeReview(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if review.Request == nil {
		http.Error(w, "admission review missing request", http.StatusBadRequest)
		return
	}
	review.Response = e.process(r.Context(), review.Request)
	writeReview(w, review)
}

func (e *MutationEndpoint[T]) process(ctx context.Context, req *admissionv1.AdmissionRequest) *admissionv1.AdmissionResponse {
	obj, err := unmarshalInstance(req.Object.Raw, e.NewSpec)
	if err != nil {
		return errorResponse(req.UID, http.StatusBadRequest, err)
	}

	mutated, err := e.Mutator.Mutate(ctx, obj)
	if err != nil {
		return denialFromError(req.UID, err)
	}

	patch, err := jsonpatch.CreatePatch(req.Object.Raw, mustMarshal(mutated.GetData()))
	if err != nil {
		return errorResponse(req.UID, http.StatusInternalServerError, err)
	}
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return errorResponse(req.UID, http.StatusInternalServerError, err)
	}

	patchType := admissionv1.PatchTypeJSONPatch
	return &admissionv1.AdmissionResponse{
		UID:       req.UID,
		Allowed:   true,
		Patch:     patchBytes,
		PatchType: &patchType,
	}
}

func unmarshalInstance[T crd.Schema](raw []byte, newSpec crd.Factory[T]) (*crd.Instance[T], error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("webhook: empty object in admission request")
	}
	obj := &unstructured.Unstructured{}
	if err := json.Unmarshal(raw, &obj.Object); err != nil {
		return nil, err
	}
	return crd.WritableFromUnstructured(obj, newSpec), nil
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func errorResponse(uid types.UID, code int32, err error) *admissionv1.AdmissionResponse {
	return &admissionv1.AdmissionResponse{
		UID:     uid,
		Allowed: false,
		Result:  &metav1.Status{Code: code, Message: err.Error()},
	}
}

// denialFromError maps a webhook's returned error to an AdmissionResponse,
// per spec.md's status mapping table: framework-raised ValidationWebhookError
// kinds carry their own Reason verbatim; anything else is an unexpected
// failure reported at 500.
func denialFromError(uid types.UID, err error) *admissionv1.AdmissionResponse {
	reason := err.Error()
	code := int32(http.StatusInternalServerError)

	var vErr *kerrors.ValidationWebhookError
	var mErr *kerrors.MutationWebhookError
	switch {
	case errors.As(err, &vErr):
		reason = vErr.Reason
		code = http.StatusOK
	case errors.As(err, &mErr):
		reason = mErr.Reason
		code = http.StatusOK
	}

	return &admissionv1.AdmissionResponse{
		UID:     uid,
		Allowed: false,
		Result:  &metav1.Status{Code: code, Message: reason},
	}
}
